// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// =============================================================================
// ARG PARSER
// =============================================================================

// ArgParser parses one command's arguments. It understands:
//
//	--flag value     long flag with a value
//	--flag=value     long flag with equals sign
//	--flag           boolean flag (declared up front)
//	--tag A --tag B  repeated flag
//
// Anything else is positional. "--" ends flag parsing.
type ArgParser struct {
	flags      map[string][]string
	boolFlags  map[string]bool
	positional []string
	raw        []string
}

// NewArgParser parses raw. Names in bools never consume a value, so
// "--confirm tenant" leaves "tenant" positional.
func NewArgParser(raw []string, bools ...string) *ArgParser {
	p := &ArgParser{
		flags:     make(map[string][]string),
		boolFlags: make(map[string]bool),
		raw:       raw,
	}
	isBool := make(map[string]bool, len(bools))
	for _, b := range bools {
		isBool[b] = true
	}

	for i := 0; i < len(raw); i++ {
		arg := raw[i]
		if arg == "--" {
			p.positional = append(p.positional, raw[i+1:]...)
			break
		}
		if !strings.HasPrefix(arg, "-") || arg == "-" || isNumber(arg) {
			p.positional = append(p.positional, arg)
			continue
		}

		name := strings.TrimLeft(arg, "-")
		if k, v, ok := strings.Cut(name, "="); ok {
			if isBool[k] {
				b, err := ParseBoolString(v)
				p.boolFlags[k] = err == nil && b
				continue
			}
			p.flags[k] = append(p.flags[k], v)
			continue
		}
		if isBool[name] {
			p.boolFlags[name] = true
			continue
		}
		if i+1 < len(raw) && (!strings.HasPrefix(raw[i+1], "-") || isNumber(raw[i+1])) {
			p.flags[name] = append(p.flags[name], raw[i+1])
			i++
			continue
		}
		// Undeclared flag with no value: treat as boolean.
		p.boolFlags[name] = true
	}
	return p
}

func isNumber(s string) bool {
	_, err := strconv.ParseFloat(s, 64)
	return err == nil
}

// Subcommand is the first positional argument.
func (p *ArgParser) Subcommand() string { return p.Positional(0) }

// Flag returns the last value given for name.
func (p *ArgParser) Flag(name string) string {
	vals := p.flags[strings.TrimLeft(name, "-")]
	if len(vals) == 0 {
		return ""
	}
	return vals[len(vals)-1]
}

// Flags returns every value given for name. Comma-separated values are split.
func (p *ArgParser) Flags(name string) []string {
	var out []string
	for _, v := range p.flags[strings.TrimLeft(name, "-")] {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// FlagOrDefault returns the flag value or def.
func (p *ArgParser) FlagOrDefault(name, def string) string {
	if v := p.Flag(name); v != "" {
		return v
	}
	return def
}

// FlagInt parses an integer flag. Absent flags return def.
func (p *ArgParser) FlagInt(name string, def int) (int, error) {
	v := p.Flag(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, NewValidationErrorWithExample(name, v, "must be an integer", "--"+name+" 50")
	}
	return n, nil
}

// FlagDuration parses a Go duration ("500ms", "2s"). A bare integer is
// read as milliseconds. Absent flags return zero.
func (p *ArgParser) FlagDuration(name string) (time.Duration, error) {
	v := p.Flag(name)
	if v == "" {
		return 0, nil
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, NewValidationErrorWithExample(name, v, "must be a duration", "--"+name+" 500ms")
	}
	return d, nil
}

// FlagTime parses a point in time relative to now. Absent flags return the
// zero time.
func (p *ArgParser) FlagTime(name string, now time.Time) (time.Time, error) {
	v := p.Flag(name)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := ParseTimeArg(v, now)
	if err != nil {
		return time.Time{}, NewValidationErrorWithExample(name, v, err.Error(), "--"+name+" 2025-06-01 or --"+name+" 7d")
	}
	return t, nil
}

// BoolFlag reports whether a boolean flag was set.
func (p *ArgParser) BoolFlag(name string) bool {
	return p.boolFlags[strings.TrimLeft(name, "-")]
}

// HasFlag reports whether name was given in any form.
func (p *ArgParser) HasFlag(name string) bool {
	name = strings.TrimLeft(name, "-")
	_, s := p.flags[name]
	_, b := p.boolFlags[name]
	return s || b
}

// Positional returns the positional argument at index, or "".
func (p *ArgParser) Positional(index int) string {
	if index < 0 || index >= len(p.positional) {
		return ""
	}
	return p.positional[index]
}

// PositionalFrom returns positional arguments from index on.
func (p *ArgParser) PositionalFrom(index int) []string {
	if index < 0 || index >= len(p.positional) {
		return []string{}
	}
	return p.positional[index:]
}

// PositionalCount returns the number of positional arguments.
func (p *ArgParser) PositionalCount() int { return len(p.positional) }

// Raw returns the arguments as given.
func (p *ArgParser) Raw() []string { return p.raw }

// =============================================================================
// VALUE HELPERS
// =============================================================================

// ParseTimeArg accepts RFC 3339, YYYY-MM-DD, or a relative age such as
// "90m", "24h" or "7d" meaning that long before now.
func ParseTimeArg(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil || n < 0 {
			return time.Time{}, fmt.Errorf("invalid day count %q", s)
		}
		return now.Add(-time.Duration(n) * 24 * time.Hour), nil
	}
	if d, err := time.ParseDuration(s); err == nil && d >= 0 {
		return now.Add(-d), nil
	}
	return time.Time{}, fmt.Errorf("unrecognised time %q", s)
}

// ParseBoolString accepts true/false, yes/no, y/n, 1/0 and on/off.
func ParseBoolString(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "yes", "y", "1", "on":
		return true, nil
	case "false", "no", "n", "0", "off":
		return false, nil
	default:
		return false, fmt.Errorf("invalid boolean value: %s", s)
	}
}
