package cmdset

import (
	"sort"
	"sync"
)

// Attachment is a set attached to a source.
type Attachment struct {
	Set       *Set
	Permanent bool
}

// Stack holds the sets attached to one source, bottom first. Permanent
// attachments are persisted by the host; temporary ones live only in memory.
type Stack struct {
	mu    sync.RWMutex
	items []Attachment
}

// Attach adds set. An existing attachment with the same key is replaced in
// place, keeping its position.
func (s *Stack) Attach(set *Set, permanent bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, a := range s.items {
		if a.Set.Key == set.Key {
			s.items[i] = Attachment{Set: set, Permanent: permanent}
			return
		}
	}
	s.items = append(s.items, Attachment{Set: set, Permanent: permanent})
}

// Push stacks a temporary set on top, moving any same-key attachment there.
func (s *Stack) Push(set *Set) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(set.Key)
	s.items = append(s.items, Attachment{Set: set})
}

// Pop removes the top-most temporary set.
func (s *Stack) Pop() (*Set, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.items) - 1; i >= 0; i-- {
		if !s.items[i].Permanent {
			set := s.items[i].Set
			s.items = append(s.items[:i], s.items[i+1:]...)
			return set, true
		}
	}
	return nil, false
}

// Detach removes the set with key. It reports whether anything was removed.
func (s *Stack) Detach(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(key)
}

func (s *Stack) removeLocked(key string) bool {
	for i, a := range s.items {
		if a.Set.Key == key {
			s.items = append(s.items[:i], s.items[i+1:]...)
			return true
		}
	}
	return false
}

// Snapshot returns the attached sets in attachment order.
func (s *Stack) Snapshot() []*Set {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Set, len(s.items))
	for i, a := range s.items {
		out[i] = a.Set
	}
	return out
}

// Attachments returns a copy of the attachment list.
func (s *Stack) Attachments() []Attachment {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Attachment, len(s.items))
	copy(out, s.items)
	return out
}

// PermanentKeys lists the keys of permanent attachments, in order.
func (s *Stack) PermanentKeys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for _, a := range s.items {
		if a.Permanent {
			keys = append(keys, a.Set.Key)
		}
	}
	return keys
}

// rebind swaps in set for every attachment carrying its key.
func (s *Stack) rebind(set *Set) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i, a := range s.items {
		if a.Set.Key == set.Key {
			s.items[i].Set = set
			n++
		}
	}
	return n
}

// Registry maps sources to their stacks.
type Registry struct {
	mu     sync.RWMutex
	stacks map[Ref]*Stack
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{stacks: make(map[Ref]*Stack)}
}

// Stack returns the stack for ref, creating it if needed.
func (r *Registry) Stack(ref Ref) *Stack {
	r.mu.RLock()
	st, ok := r.stacks[ref]
	r.mu.RUnlock()
	if ok {
		return st
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok = r.stacks[ref]; ok {
		return st
	}
	st = &Stack{}
	r.stacks[ref] = st
	return st
}

// Snapshot returns ref's attached sets, or nil when it has none.
func (r *Registry) Snapshot(ref Ref) []*Set {
	r.mu.RLock()
	st, ok := r.stacks[ref]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return st.Snapshot()
}

// Drop forgets ref's stack, used when the source is destroyed or a
// connection closes.
func (r *Registry) Drop(ref Ref) {
	r.mu.Lock()
	delete(r.stacks, ref)
	r.mu.Unlock()
}

// Rebind replaces every live attachment of set.Key with set and returns
// how many attachments changed.
func (r *Registry) Rebind(set *Set) int {
	r.mu.RLock()
	stacks := make([]*Stack, 0, len(r.stacks))
	for _, st := range r.stacks {
		stacks = append(stacks, st)
	}
	r.mu.RUnlock()
	n := 0
	for _, st := range stacks {
		n += st.rebind(set)
	}
	return n
}

// Refs lists every source with a stack, sorted by kind then id.
func (r *Registry) Refs() []Ref {
	r.mu.RLock()
	out := make([]Ref, 0, len(r.stacks))
	for ref := range r.stacks {
		out = append(out, ref)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].ID < out[j].ID
	})
	return out
}
