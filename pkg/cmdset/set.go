package cmdset

import (
	"fmt"
	"strings"
)

// MergeOp controls how a set combines with the accumulated table.
type MergeOp int

const (
	Union MergeOp = iota
	Intersect
	Replace
	Remove
)

func (m MergeOp) String() string {
	switch m {
	case Union:
		return "union"
	case Intersect:
		return "intersect"
	case Replace:
		return "replace"
	case Remove:
		return "remove"
	default:
		return "unknown"
	}
}

// ParseMergeOp parses a merge operator name; empty means Union.
func ParseMergeOp(s string) (MergeOp, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "union":
		return Union, nil
	case "intersect":
		return Intersect, nil
	case "replace":
		return Replace, nil
	case "remove":
		return Remove, nil
	}
	return Union, fmt.Errorf("unknown merge operator %q", s)
}

// SourceFilter restricts which kinds of source may contribute a set.
type SourceFilter int

const (
	FilterNone SourceFilter = iota
	ExitsOnly
	ObjectsOnly
)

func (f SourceFilter) String() string {
	switch f {
	case FilterNone:
		return "none"
	case ExitsOnly:
		return "exits"
	case ObjectsOnly:
		return "objects"
	default:
		return "unknown"
	}
}

// ParseSourceFilter parses a filter name; empty means FilterNone.
func ParseSourceFilter(s string) (SourceFilter, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return FilterNone, nil
	case "exits", "exits_only", "exitsonly":
		return ExitsOnly, nil
	case "objects", "objects_only", "objectsonly":
		return ObjectsOnly, nil
	}
	return FilterNone, fmt.Errorf("unknown source filter %q", s)
}

// Admits reports whether a source of the given kind may contribute a set
// carrying this filter.
func (f SourceFilter) Admits(kind Kind) bool {
	switch f {
	case ExitsOnly:
		return kind == KindExit
	case ObjectsOnly:
		return kind == KindObject
	default:
		return true
	}
}

// Set is a named, prioritized bag of commands. Sets are values: once built
// they are not mutated, so a snapshot can be shared between goroutines.
type Set struct {
	Key             string
	Priority        int
	Merge           MergeOp
	AllowDuplicates bool
	Filter          SourceFilter
	commands        []*Command
}

// NewSet builds a set, rejecting name or alias collisions inside it.
func NewSet(key string, priority int, merge MergeOp, cmds ...*Command) (*Set, error) {
	s := &Set{Key: key, Priority: priority, Merge: merge}
	seen := make(map[string]string)
	for _, c := range cmds {
		if c == nil {
			continue
		}
		if strings.TrimSpace(c.Name) == "" {
			return nil, fmt.Errorf("cmdset %s: command with empty name", key)
		}
		for _, k := range c.Keys() {
			if owner, ok := seen[k]; ok {
				return nil, fmt.Errorf("cmdset %s: token %q used by both %q and %q", key, k, owner, c.Name)
			}
			seen[k] = c.Name
		}
		s.commands = append(s.commands, c)
	}
	return s, nil
}

// MustSet is NewSet that panics on error, for statically defined sets.
func MustSet(key string, priority int, merge MergeOp, cmds ...*Command) *Set {
	s, err := NewSet(key, priority, merge, cmds...)
	if err != nil {
		panic(err)
	}
	return s
}

// Commands returns the set's commands in definition order.
func (s *Set) Commands() []*Command {
	out := make([]*Command, len(s.commands))
	copy(out, s.commands)
	return out
}

// Len returns the number of commands.
func (s *Set) Len() int { return len(s.commands) }

// Lookup finds a command in this set by name or alias.
func (s *Set) Lookup(token string) *Command {
	for _, c := range s.commands {
		if c.HasKey(token) {
			return c
		}
	}
	return nil
}

// WithOptions returns a copy of the set with duplicate and filter settings.
func (s *Set) WithOptions(allowDuplicates bool, filter SourceFilter) *Set {
	cp := *s
	cp.AllowDuplicates = allowDuplicates
	cp.Filter = filter
	return &cp
}

// WithPriority returns a copy of the set with a different priority.
func (s *Set) WithPriority(priority int) *Set {
	cp := *s
	cp.Priority = priority
	return &cp
}

func (s *Set) String() string {
	return fmt.Sprintf("%s(%s,%d,%d cmds)", s.Key, s.Merge, s.Priority, len(s.commands))
}
