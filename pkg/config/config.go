// Package config parses klipper-style printer configuration files.
//
// The format is INI-like: [section] headers, "key: value" or "key = value"
// options, '#' comments, and "#*#" prefixed lines holding values written
// back by the calibration autosave machinery. Option access is tracked so
// startup can report options the user set but nothing consumed.
package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"klipper-mmu-sync/pkg/errors"
)

// Config provides access to a parsed configuration file.
type Config struct {
	mu       sync.RWMutex
	sections map[string]*Section
	order    []string
}

// New creates an empty Config.
func New() *Config {
	return &Config{sections: make(map[string]*Section)}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrConfigSection, "invalid config path %s", path)
	}
	f, err := os.Open(abs)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrConfigSection, "unable to open %s", path)
	}
	defer f.Close()

	c := New()
	if err := c.parse(bufio.NewScanner(f), path); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadString parses a configuration from a string. Used heavily by tests.
func LoadString(data string) (*Config, error) {
	c := New()
	if err := c.parse(bufio.NewScanner(strings.NewReader(data)), "<string>"); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) parse(scanner *bufio.Scanner, source string) error {
	var section string
	var options map[string]string

	flush := func() {
		if section != "" {
			c.addSection(section, options)
		}
	}

	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		// Autosaved values are prefixed "#*#" and parse as normal config.
		if strings.HasPrefix(line, "#*#") {
			line = strings.TrimSpace(line[3:])
			if line == "" {
				continue
			}
		} else if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = strings.TrimSpace(line[:idx])
			if line == "" {
				continue
			}
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			flush()
			section = strings.TrimSpace(line[1 : len(line)-1])
			if section == "" {
				return errors.New(errors.ErrConfigSection,
					"empty section header at line %d in %s", lineNum, source)
			}
			options = make(map[string]string)
			continue
		}

		if section == "" {
			continue // Options before any section header are ignored
		}

		kv := strings.SplitN(line, ":", 2)
		if len(kv) != 2 {
			kv = strings.SplitN(line, "=", 2)
		}
		if len(kv) != 2 {
			continue
		}
		key := strings.TrimSpace(kv[0])
		if key == "" {
			continue
		}
		options[key] = strings.TrimSpace(kv[1])
	}
	flush()

	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, errors.ErrConfigSection, "error reading %s", source)
	}
	return nil
}

func (c *Config) addSection(name string, options map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.sections[name]; ok {
		for k, v := range options {
			existing.options[strings.ToLower(k)] = v
		}
		return
	}
	c.sections[name] = newSection(name, options)
	c.order = append(c.order, name)
}

// Section returns a section by name, or an error if absent.
func (c *Config) Section(name string) (*Section, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	sec, ok := c.sections[name]
	if !ok {
		return nil, errors.New(errors.ErrConfigSection, "missing config section [%s]", name)
	}
	return sec, nil
}

// SectionOptional returns a section if present, else nil.
func (c *Config) SectionOptional(name string) *Section {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sections[name]
}

// HasSection reports whether a section exists.
func (c *Config) HasSection(name string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.sections[name]
	return ok
}

// SectionNames returns all section names in file order.
func (c *Config) SectionNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// PrefixSections returns all sections whose name starts with prefix,
// in file order. Used for per-gate sections like [mmu_gate 0].
func (c *Config) PrefixSections(prefix string) []*Section {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var out []*Section
	for _, name := range c.order {
		if strings.HasPrefix(name, prefix) {
			out = append(out, c.sections[name])
		}
	}
	return out
}

// UnusedOptions returns "section.option" strings for every option that was
// parsed but never read. Surfaced as a startup warning.
func (c *Config) UnusedOptions() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []string
	for _, name := range c.order {
		sec := c.sections[name]
		for _, opt := range sec.unusedOptions() {
			out = append(out, fmt.Sprintf("%s.%s", name, opt))
		}
	}
	sort.Strings(out)
	return out
}
