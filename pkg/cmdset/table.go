package cmdset

import (
	"sort"
	"strings"
)

// Entry is one candidate for a token in the effective table.
type Entry struct {
	Command  *Command
	SetKey   string
	Source   Ref
	Priority int
}

// DisplayName is the entry's primary name.
func (e Entry) DisplayName() string {
	return e.Command.Name
}

func (e Entry) sameAs(o Entry) bool {
	return e.Command == o.Command && e.SetKey == o.SetKey && e.Source == o.Source
}

// slot is the table cell for one token. A slot with more than one entry is
// the ambiguous marker produced by an equal-priority duplicate collision.
type slot struct {
	entries   []Entry
	priority  int
	allowDups bool
}

func (s *slot) ambiguous() bool { return len(s.entries) > 1 }

// Folded records one set that went into a composition, in fold order.
type Folded struct {
	Source   Ref
	SetKey   string
	Priority int
	Merge    MergeOp
}

// Table is the effective command table for one resolution. It is never
// mutated after Compose returns it.
type Table struct {
	slots  map[string]*slot
	keys   []string
	folded []Folded
}

func newTable(slots map[string]*slot, folded []Folded) *Table {
	keys := make([]string, 0, len(slots))
	for k := range slots {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return &Table{slots: slots, keys: keys, folded: folded}
}

// Len returns the number of matchable tokens.
func (t *Table) Len() int { return len(t.keys) }

// Keys returns all matchable tokens, sorted.
func (t *Table) Keys() []string {
	out := make([]string, len(t.keys))
	copy(out, t.keys)
	return out
}

// Lookup returns the entries recorded for token (exact, case-insensitive).
// More than one entry means the token is ambiguous.
func (t *Table) Lookup(token string) ([]Entry, bool) {
	s, ok := t.slots[strings.ToLower(token)]
	if !ok {
		return nil, false
	}
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out, true
}

// Ambiguous reports whether token maps to a duplicate collision.
func (t *Table) Ambiguous(token string) bool {
	s, ok := t.slots[strings.ToLower(token)]
	return ok && s.ambiguous()
}

// Get returns the single command for token, or nil when the token is absent
// or ambiguous.
func (t *Table) Get(token string) *Command {
	s, ok := t.slots[strings.ToLower(token)]
	if !ok || s.ambiguous() {
		return nil
	}
	return s.entries[0].Command
}

// Entries returns one entry per distinct command reachable through the
// table, sorted by name. Ambiguous tokens contribute every candidate.
func (t *Table) Entries() []Entry {
	var out []Entry
	for _, k := range t.keys {
		for _, e := range t.slots[k].entries {
			dup := false
			for _, o := range out {
				if o.sameAs(e) {
					dup = true
					break
				}
			}
			if !dup {
				out = append(out, e)
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return strings.ToLower(out[i].Command.Name) < strings.ToLower(out[j].Command.Name)
	})
	return out
}

// Folded lists the sets composed into this table, in fold order.
func (t *Table) Folded() []Folded {
	out := make([]Folded, len(t.folded))
	copy(out, t.folded)
	return out
}
