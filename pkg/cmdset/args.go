package cmdset

import (
	"strings"

	"github.com/buildkite/shellwords"
)

// ArgParser turns the unmodified remainder of an input line into handler
// arguments. A *UsageError rejects the line without running the handler.
type ArgParser interface {
	Parse(remainder string) (any, error)
}

// RawArgs hands the remainder over as a string, trimmed of surrounding
// whitespace.
type RawArgs struct{}

// Parse implements ArgParser.
func (RawArgs) Parse(remainder string) (any, error) {
	return strings.TrimSpace(remainder), nil
}

// ShellArgs splits the remainder with POSIX shell quoting rules.
type ShellArgs struct {
	Min, Max int // Max <= 0 means unbounded
	Usage    string
}

// Parse implements ArgParser. The result is a []string.
func (p ShellArgs) Parse(remainder string) (any, error) {
	parts, err := shellwords.SplitPosix(strings.TrimSpace(remainder))
	if err != nil {
		return nil, Usagef("Unbalanced quotes: %v", err)
	}
	if len(parts) < p.Min || (p.Max > 0 && len(parts) > p.Max) {
		if p.Usage != "" {
			return nil, &UsageError{Usage: p.Usage}
		}
		return nil, Usagef("Wrong number of arguments.")
	}
	return parts, nil
}

// Switched is the result of SwitchArgs: MUSH style `/sw1/sw2 lhs=rhs`.
type Switched struct {
	Switches []string
	Arg      string // everything after the switches, trimmed
	LHS, RHS string
	HasEq    bool
}

// Has reports whether a switch was given.
func (s Switched) Has(sw string) bool {
	for _, x := range s.Switches {
		if strings.EqualFold(x, sw) {
			return true
		}
	}
	return false
}

// SwitchArgs parses leading /switches and an optional lhs=rhs split.
type SwitchArgs struct {
	Allowed []string // empty allows any switch
	NeedEq  bool
	Usage   string
}

// Parse implements ArgParser. The result is a Switched.
func (p SwitchArgs) Parse(remainder string) (any, error) {
	var out Switched
	rest := remainder
	if strings.HasPrefix(rest, "/") {
		end := strings.IndexAny(rest, " \t")
		var sw string
		if end < 0 {
			sw, rest = rest, ""
		} else {
			sw, rest = rest[:end], rest[end:]
		}
		for _, s := range strings.Split(sw, "/") {
			if s == "" {
				continue
			}
			s = strings.ToLower(s)
			if !p.allowed(s) {
				return nil, Usagef("Unrecognized switch '%s'.", s)
			}
			out.Switches = append(out.Switches, s)
		}
	}
	out.Arg = strings.TrimSpace(rest)
	if eq := strings.IndexByte(out.Arg, '='); eq >= 0 {
		out.HasEq = true
		out.LHS = strings.TrimSpace(out.Arg[:eq])
		out.RHS = strings.TrimSpace(out.Arg[eq+1:])
	} else {
		out.LHS = out.Arg
	}
	if p.NeedEq && !out.HasEq {
		if p.Usage != "" {
			return nil, &UsageError{Usage: p.Usage}
		}
		return nil, Usagef("Missing '='.")
	}
	return out, nil
}

func (p SwitchArgs) allowed(sw string) bool {
	if len(p.Allowed) == 0 {
		return true
	}
	for _, a := range p.Allowed {
		if strings.EqualFold(a, sw) {
			return true
		}
	}
	return false
}

func parserOrDefault(p ArgParser) ArgParser {
	if p == nil {
		return RawArgs{}
	}
	return p
}

// ParseArgs runs the command's parser, defaulting to RawArgs.
func (c *Command) ParseArgs(remainder string) (any, error) {
	return parserOrDefault(c.Parser).Parse(remainder)
}
