package config

import (
	"sort"
	"strconv"
	"strings"
	"sync"

	"klipper-mmu-sync/pkg/errors"
)

// Section provides typed, bounds-checked access to one config section.
type Section struct {
	name    string
	options map[string]string

	mu       sync.Mutex
	accessed map[string]struct{}
}

func newSection(name string, options map[string]string) *Section {
	opts := make(map[string]string, len(options))
	for k, v := range options {
		opts[strings.ToLower(k)] = v
	}
	return &Section{
		name:     name,
		options:  opts,
		accessed: make(map[string]struct{}),
	}
}

// Name returns the section name.
func (s *Section) Name() string { return s.name }

func (s *Section) markAccessed(option string) {
	s.mu.Lock()
	s.accessed[strings.ToLower(option)] = struct{}{}
	s.mu.Unlock()
}

func (s *Section) unusedOptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for opt := range s.options {
		if _, ok := s.accessed[opt]; !ok {
			out = append(out, opt)
		}
	}
	return out
}

// Options returns all option names in this section, sorted. Listing does
// not mark options as accessed.
func (s *Section) Options() []string {
	out := make([]string, 0, len(s.options))
	for k := range s.options {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// HasOption reports whether an option exists in this section.
func (s *Section) HasOption(option string) bool {
	_, ok := s.options[strings.ToLower(option)]
	return ok
}

func (s *Section) raw(option string) (string, bool) {
	v, ok := s.options[strings.ToLower(option)]
	if ok {
		s.markAccessed(option)
	}
	return v, ok
}

// Get returns a string option, or fallback if absent.
func (s *Section) Get(option string, fallback ...string) (string, error) {
	if v, ok := s.raw(option); ok {
		return v, nil
	}
	if len(fallback) > 0 {
		return fallback[0], nil
	}
	return "", errors.Config(s.name, option, "missing required option")
}

// GetInt returns an integer option, or fallback if absent.
func (s *Section) GetInt(option string, fallback ...int) (int, error) {
	if v, ok := s.raw(option); ok {
		i, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return 0, errors.Config(s.name, option, "not a valid integer: %q", v)
		}
		return i, nil
	}
	if len(fallback) > 0 {
		return fallback[0], nil
	}
	return 0, errors.Config(s.name, option, "missing required option")
}

// IntBounds specifies optional bounds for GetIntBounded.
type IntBounds struct {
	Min *int // minimum value (>=)
	Max *int // maximum value (<=)
}

// GetIntBounded returns an integer option with bounds checking.
func (s *Section) GetIntBounded(option string, bounds IntBounds, fallback ...int) (int, error) {
	v, err := s.GetInt(option, fallback...)
	if err != nil {
		return 0, err
	}
	if bounds.Min != nil && v < *bounds.Min {
		return 0, errors.Config(s.name, option, "value %d below minimum %d", v, *bounds.Min)
	}
	if bounds.Max != nil && v > *bounds.Max {
		return 0, errors.Config(s.name, option, "value %d above maximum %d", v, *bounds.Max)
	}
	return v, nil
}

// GetFloat returns a float option, or fallback if absent.
func (s *Section) GetFloat(option string, fallback ...float64) (float64, error) {
	if v, ok := s.raw(option); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, errors.Config(s.name, option, "not a valid float: %q", v)
		}
		return f, nil
	}
	if len(fallback) > 0 {
		return fallback[0], nil
	}
	return 0, errors.Config(s.name, option, "missing required option")
}

// FloatBounds specifies optional bounds for GetFloatBounded, matching the
// minval/maxval/above/below semantics of the klipper config API.
type FloatBounds struct {
	Min   *float64 // minimum value (>=)
	Max   *float64 // maximum value (<=)
	Above *float64 // must be above this value (>)
	Below *float64 // must be below this value (<)
}

// GetFloatBounded returns a float option with bounds checking.
func (s *Section) GetFloatBounded(option string, bounds FloatBounds, fallback ...float64) (float64, error) {
	v, err := s.GetFloat(option, fallback...)
	if err != nil {
		return 0, err
	}
	if bounds.Min != nil && v < *bounds.Min {
		return 0, errors.Config(s.name, option, "value %g below minimum %g", v, *bounds.Min)
	}
	if bounds.Max != nil && v > *bounds.Max {
		return 0, errors.Config(s.name, option, "value %g above maximum %g", v, *bounds.Max)
	}
	if bounds.Above != nil && v <= *bounds.Above {
		return 0, errors.Config(s.name, option, "value %g must be above %g", v, *bounds.Above)
	}
	if bounds.Below != nil && v >= *bounds.Below {
		return 0, errors.Config(s.name, option, "value %g must be below %g", v, *bounds.Below)
	}
	return v, nil
}

// GetBool returns a boolean option. Accepts 1/true/yes/on and 0/false/no/off.
func (s *Section) GetBool(option string, fallback ...bool) (bool, error) {
	if v, ok := s.raw(option); ok {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "on":
			return true, nil
		case "0", "false", "no", "off":
			return false, nil
		default:
			return false, errors.Config(s.name, option, "not a valid boolean: %q", v)
		}
	}
	if len(fallback) > 0 {
		return fallback[0], nil
	}
	return false, errors.Config(s.name, option, "missing required option")
}

// GetChoice returns a string option that must match one of choices
// (case-insensitive; the canonical choice string is returned).
func (s *Section) GetChoice(option string, choices []string, fallback ...string) (string, error) {
	v, err := s.Get(option, fallback...)
	if err != nil {
		return "", err
	}
	for _, c := range choices {
		if strings.EqualFold(v, c) {
			return c, nil
		}
	}
	return "", errors.Config(s.name, option, "value %q not one of %v", v, choices)
}

// Helper constructors for bounds pointers.

// Float returns a pointer to v, for use in FloatBounds.
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v, for use in IntBounds.
func Int(v int) *int { return &v }
