// Extended G-code command dispatch
//
// Copyright (C) 2026  MMU Sync Go Port
//
// This file may be distributed under the terms of the GNU GPLv3 license.

// Package gcode provides the operator command surface: parsing of
// klipper-style extended commands (NAME KEY=VALUE ...) and a registry
// dispatching them to handlers. Parameter values are validated at this
// boundary so invalid input never reaches the controller.
package gcode

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"klipper-mmu-sync/pkg/errors"
	"klipper-mmu-sync/pkg/log"
)

// Command is one parsed command line.
type Command struct {
	Name string
	Args map[string]string
	Raw  string
}

// ParseLine parses an extended G-code line. Returns nil for blank lines
// and comments.
func ParseLine(line string) *Command {
	ln := strings.TrimSpace(line)
	if idx := strings.IndexByte(ln, ';'); idx >= 0 {
		ln = strings.TrimSpace(ln[:idx])
	}
	if ln == "" {
		return nil
	}

	fields := strings.Fields(ln)
	name := strings.ToUpper(fields[0])
	args := map[string]string{}
	for _, f := range fields[1:] {
		kv := strings.SplitN(f, "=", 2)
		k := strings.ToUpper(strings.TrimSpace(kv[0]))
		if k == "" {
			continue
		}
		v := ""
		if len(kv) == 2 {
			v = strings.TrimSpace(kv[1])
		}
		args[k] = v
	}
	return &Command{Name: name, Args: args, Raw: line}
}

// HasParam reports whether the named parameter was given.
func (c *Command) HasParam(name string) bool {
	_, ok := c.Args[strings.ToUpper(name)]
	return ok
}

// Int returns a required-with-fallback integer parameter, bounds checked.
func (c *Command) Int(name string, fallback, min, max int) (int, error) {
	v, ok, err := c.OptInt(name, min, max)
	if err != nil {
		return 0, err
	}
	if !ok {
		return fallback, nil
	}
	return v, nil
}

// OptInt returns an optional integer parameter: the second return is
// false when the parameter is absent.
func (c *Command) OptInt(name string, min, max int) (int, bool, error) {
	raw, ok := c.Args[strings.ToUpper(name)]
	if !ok {
		return 0, false, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, errors.InvalidParam(c.Name, name, "not a valid integer: %q", raw)
	}
	if v < min || v > max {
		return 0, false, errors.InvalidParam(c.Name, name, "value %d outside [%d, %d]", v, min, max)
	}
	return v, true, nil
}

// Float returns a required-with-fallback float parameter, bounds checked.
func (c *Command) Float(name string, fallback, min, max float64) (float64, error) {
	raw, ok := c.Args[strings.ToUpper(name)]
	if !ok {
		return fallback, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, errors.InvalidParam(c.Name, name, "not a valid float: %q", raw)
	}
	if v < min || v > max {
		return 0, errors.InvalidParam(c.Name, name, "value %g outside [%g, %g]", v, min, max)
	}
	return v, nil
}

// Handler executes one command and returns the operator message.
type Handler func(cmd *Command) (string, error)

type registration struct {
	help    string
	handler Handler
}

// Dispatcher routes parsed commands to registered handlers.
type Dispatcher struct {
	mu     sync.RWMutex
	cmds   map[string]registration
	logger *log.Logger
}

// NewDispatcher creates an empty command registry.
func NewDispatcher(logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.Default()
	}
	return &Dispatcher{
		cmds:   make(map[string]registration),
		logger: logger.Component("gcode"),
	}
}

// Register adds a command. Re-registering a name replaces the handler.
func (d *Dispatcher) Register(name, help string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cmds[strings.ToUpper(name)] = registration{help: help, handler: h}
}

// Execute parses and runs one command line, returning the operator
// message. Blank lines return an empty message.
func (d *Dispatcher) Execute(line string) (string, error) {
	cmd := ParseLine(line)
	if cmd == nil {
		return "", nil
	}

	d.mu.RLock()
	reg, ok := d.cmds[cmd.Name]
	d.mu.RUnlock()
	if !ok {
		return "", errors.New(errors.ErrCommandUnknown, "unknown command: %s", cmd.Name)
	}

	d.logger.Debug("Executing: %s", cmd.Raw)
	return reg.handler(cmd)
}

// Help returns the help text for one command, or all commands sorted by
// name when name is empty.
func (d *Dispatcher) Help(name string) string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if name != "" {
		if reg, ok := d.cmds[strings.ToUpper(name)]; ok {
			return reg.help
		}
		return fmt.Sprintf("Unknown command: %s", name)
	}

	names := make([]string, 0, len(d.cmds))
	for n := range d.cmds {
		names = append(names, n)
	}
	sort.Strings(names)

	var sb strings.Builder
	for i, n := range names {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(n)
		sb.WriteString(": ")
		sb.WriteString(strings.SplitN(d.cmds[n].help, "\n", 2)[0])
	}
	return sb.String()
}
