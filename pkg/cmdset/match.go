package cmdset

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

// MatchKind is the outcome class of Match.
type MatchKind int

const (
	NoMatch MatchKind = iota
	Resolved
	Ambiguous
)

func (k MatchKind) String() string {
	switch k {
	case Resolved:
		return "resolved"
	case Ambiguous:
		return "ambiguous"
	default:
		return "nomatch"
	}
}

// Candidate is one choice of an ambiguous result. Display is the
// `<token>-<n>` form that selects it on a follow-up line.
type Candidate struct {
	Entry
	Display string
}

// Result is what Match reports for one input line.
type Result struct {
	Kind       MatchKind
	Token      string
	Remainder  string
	Entry      Entry // valid when Kind == Resolved
	Candidates []Candidate
}

// Command returns the resolved command, or nil.
func (r Result) Command() *Command {
	if r.Kind != Resolved {
		return nil
	}
	return r.Entry.Command
}

var disambigRe = regexp.MustCompile(`^(.+)-([0-9]+)$`)

// Visible reports whether a caller may see an entry at all. Entries it
// rejects take no part in matching.
type Visible func(Entry) bool

// Match resolves an input line against t.
//
// Order: exact key, separator-glued key, then unique prefix. A token of the
// form name-N picks candidate N of an ambiguous result for name.
func Match(input string, t *Table) Result {
	return MatchVisible(input, t, nil)
}

// MatchVisible is Match over only the entries visible admits. Candidate
// numbering counts visible entries, so name-N is stable for one caller.
func MatchVisible(input string, t *Table, visible Visible) Result {
	m := matcher{t: t, visible: visible}
	line := strings.TrimLeftFunc(input, unicode.IsSpace)
	token, remainder := splitToken(line)
	if token == "" {
		return Result{Kind: NoMatch}
	}
	if r, ok := m.resolveToken(token, remainder); ok {
		return r
	}
	if r, ok := m.matchSeparator(line); ok {
		return r
	}
	r := m.matchPrefix(token, remainder)
	if r.Kind != NoMatch {
		return r
	}
	if sel, ok := m.selectCandidate(token, remainder); ok {
		return sel
	}
	return r
}

func splitToken(line string) (string, string) {
	i := strings.IndexFunc(line, unicode.IsSpace)
	if i < 0 {
		return line, ""
	}
	return line[:i], strings.TrimLeftFunc(line[i:], unicode.IsSpace)
}

type matcher struct {
	t       *Table
	visible Visible
}

// entries returns the visible entries under key.
func (m matcher) entries(key string) []Entry {
	s, ok := m.t.slots[key]
	if !ok {
		return nil
	}
	if m.visible == nil {
		return s.entries
	}
	var out []Entry
	for _, e := range s.entries {
		if m.visible(e) {
			out = append(out, e)
		}
	}
	return out
}

func (m matcher) resolveToken(token, remainder string) (Result, bool) {
	entries := m.entries(strings.ToLower(token))
	switch len(entries) {
	case 0:
		return Result{}, false
	case 1:
		return Result{Kind: Resolved, Token: token, Remainder: remainder, Entry: entries[0]}, true
	default:
		return ambiguous(token, remainder, entries), true
	}
}

// matchSeparator finds the longest key that starts the line and whose
// command declares a separator matching right after it.
func (m matcher) matchSeparator(line string) (Result, bool) {
	best := ""
	var bestEntry Entry
	for _, k := range m.t.keys {
		if len(k) <= len(best) || len(line) <= len(k) || !strings.EqualFold(line[:len(k)], k) {
			continue
		}
		entries := m.entries(k)
		if len(entries) != 1 || entries[0].Command.Separator == nil {
			continue
		}
		loc := entries[0].Command.Separator.FindStringIndex(line[len(k):])
		if loc == nil || loc[0] != 0 {
			continue
		}
		best, bestEntry = k, entries[0]
	}
	if best == "" {
		return Result{}, false
	}
	return Result{Kind: Resolved, Token: line[:len(best)], Remainder: line[len(best):], Entry: bestEntry}, true
}

func (m matcher) matchPrefix(token, remainder string) Result {
	lower := strings.ToLower(token)
	var found []Entry
	for _, k := range m.t.keys {
		if !strings.HasPrefix(k, lower) {
			continue
		}
		for _, e := range m.entries(k) {
			if !containsEntry(found, e) {
				found = append(found, e)
			}
		}
	}
	switch len(found) {
	case 0:
		return Result{Kind: NoMatch, Token: token, Remainder: remainder}
	case 1:
		return Result{Kind: Resolved, Token: token, Remainder: remainder, Entry: found[0]}
	default:
		return ambiguous(token, remainder, found)
	}
}

func ambiguous(token, remainder string, entries []Entry) Result {
	r := Result{Kind: Ambiguous, Token: token, Remainder: remainder}
	lower := strings.ToLower(token)
	for i, e := range entries {
		r.Candidates = append(r.Candidates, Candidate{Entry: e, Display: fmt.Sprintf("%s-%d", lower, i+1)})
	}
	return r
}

func (m matcher) selectCandidate(token, remainder string) (Result, bool) {
	sm := disambigRe.FindStringSubmatch(token)
	if sm == nil {
		return Result{}, false
	}
	n, err := strconv.Atoi(sm[2])
	if err != nil || n < 1 {
		return Result{}, false
	}
	base, ok := m.resolveToken(sm[1], remainder)
	if !ok {
		base = m.matchPrefix(sm[1], remainder)
	}
	switch {
	case base.Kind == Ambiguous && n <= len(base.Candidates):
		return Result{Kind: Resolved, Token: token, Remainder: remainder, Entry: base.Candidates[n-1].Entry}, true
	case base.Kind == Resolved && n == 1:
		base.Token = token
		return base, true
	}
	return Result{}, false
}
