package cmdset

import "sort"

// DuplicatePolicy decides what an equal-priority collision between sets
// that allow duplicates produces.
type DuplicatePolicy int

const (
	// MultiMatch keeps every colliding command; matching the token reports
	// all of them for disambiguation.
	MultiMatch DuplicatePolicy = iota
	// FirstWins keeps the command folded first (lowest source precedence).
	FirstWins
)

func (p DuplicatePolicy) String() string {
	if p == FirstWins {
		return "first_wins"
	}
	return "multi_match"
}

// Options tunes composition.
type Options struct {
	Duplicates DuplicatePolicy
}

type contribution struct {
	source Source
	set    *Set
}

// Compose folds every set reachable from ctx into one effective table.
//
// Sets are ordered by priority ascending; ties keep calling-context order
// and then attachment order. Composition cannot fail: conflicting input is
// settled by that order.
func Compose(ctx Context, opts Options) *Table {
	var contribs []contribution
	for _, src := range ctx {
		for _, set := range src.Sets {
			if set == nil || !set.Filter.Admits(src.Ref.Kind) {
				continue
			}
			contribs = append(contribs, contribution{source: src, set: set})
		}
	}
	sort.SliceStable(contribs, func(i, j int) bool {
		return contribs[i].set.Priority < contribs[j].set.Priority
	})

	acc := make(map[string]*slot)
	folded := make([]Folded, 0, len(contribs))
	for _, c := range contribs {
		folded = append(folded, Folded{Source: c.source.Ref, SetKey: c.set.Key, Priority: c.set.Priority, Merge: c.set.Merge})
		switch c.set.Merge {
		case Union:
			foldUnion(acc, c, opts)
		case Intersect:
			foldIntersect(acc, c)
		case Replace:
			acc = make(map[string]*slot)
			foldUnion(acc, c, opts)
		case Remove:
			for _, cmd := range c.set.commands {
				for _, k := range cmd.Keys() {
					delete(acc, k)
				}
			}
		}
	}
	return newTable(acc, folded)
}

func entryFor(c contribution, cmd *Command) Entry {
	return Entry{Command: cmd, SetKey: c.set.Key, Source: c.source.Ref, Priority: c.set.Priority}
}

func foldUnion(acc map[string]*slot, c contribution, opts Options) {
	for _, cmd := range c.set.commands {
		e := entryFor(c, cmd)
		for _, k := range cmd.Keys() {
			occ, ok := acc[k]
			switch {
			case !ok || e.Priority > occ.priority:
				acc[k] = &slot{entries: []Entry{e}, priority: e.Priority, allowDups: c.set.AllowDuplicates}
			case e.Priority == occ.priority:
				if containsEntry(occ.entries, e) {
					continue
				}
				if (c.set.AllowDuplicates || occ.allowDups) && opts.Duplicates == MultiMatch {
					occ.entries = append(occ.entries, e)
					occ.allowDups = true
				}
			}
		}
	}
}

func foldIntersect(acc map[string]*slot, c contribution) {
	present := make(map[string]Entry)
	for _, cmd := range c.set.commands {
		e := entryFor(c, cmd)
		for _, k := range cmd.Keys() {
			present[k] = e
		}
	}
	for k, occ := range acc {
		e, ok := present[k]
		if !ok {
			delete(acc, k)
			continue
		}
		if e.Priority >= occ.priority {
			acc[k] = &slot{entries: []Entry{e}, priority: e.Priority, allowDups: c.set.AllowDuplicates}
		}
	}
}

func containsEntry(entries []Entry, e Entry) bool {
	for _, o := range entries {
		if o.sameAs(e) {
			return true
		}
	}
	return false
}
