package gamedb

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Database holds the in-memory world. All methods are safe for concurrent
// use; objects handed out are copies.
type Database struct {
	mu       sync.RWMutex
	objects  map[DBRef]*Object
	contents map[DBRef]map[DBRef]struct{}
	players  map[string]DBRef
	next     DBRef
}

// NewDatabase creates an empty Database.
func NewDatabase() *Database {
	return &Database{
		objects:  make(map[DBRef]*Object),
		contents: make(map[DBRef]map[DBRef]struct{}),
		players:  make(map[string]DBRef),
	}
}

// Load replaces the database contents with objs and rebuilds the indexes.
func (db *Database) Load(objs []*Object) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.objects = make(map[DBRef]*Object, len(objs))
	db.contents = make(map[DBRef]map[DBRef]struct{})
	db.players = make(map[string]DBRef)
	db.next = 0
	for _, o := range objs {
		db.putLocked(o.Clone())
	}
}

// Len returns the number of objects.
func (db *Database) Len() int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return len(db.objects)
}

// Create allocates a new object and returns a copy of it.
func (db *Database) Create(name string, typ ObjectType, loc, owner DBRef) *Object {
	db.mu.Lock()
	defer db.mu.Unlock()
	now := time.Now()
	o := &Object{
		DBRef:       db.next,
		Name:        name,
		Type:        typ,
		Location:    loc,
		Destination: Nothing,
		Home:        loc,
		Owner:       owner,
		Created:     now,
		Modified:    now,
	}
	if owner == Nothing && typ == TypePlayer {
		o.Owner = o.DBRef
	}
	db.putLocked(o)
	return o.Clone()
}

// Get returns a copy of the object.
func (db *Database) Get(ref DBRef) (*Object, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	o, ok := db.objects[ref]
	if !ok {
		return nil, false
	}
	return o.Clone(), true
}

// Valid reports whether ref names a live object.
func (db *Database) Valid(ref DBRef) bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	o, ok := db.objects[ref]
	return ok && o.Type != TypeGarbage
}

// Put stores a copy of o, replacing any object with the same dbref.
func (db *Database) Put(o *Object) {
	db.mu.Lock()
	defer db.mu.Unlock()
	cp := o.Clone()
	cp.Modified = time.Now()
	db.putLocked(cp)
}

func (db *Database) putLocked(o *Object) {
	if old, ok := db.objects[o.DBRef]; ok {
		db.unindexLocked(old)
	}
	db.objects[o.DBRef] = o
	if o.Location != Nothing {
		set, ok := db.contents[o.Location]
		if !ok {
			set = make(map[DBRef]struct{})
			db.contents[o.Location] = set
		}
		set[o.DBRef] = struct{}{}
	}
	if o.Type == TypePlayer {
		db.players[strings.ToLower(o.Name)] = o.DBRef
	}
	if o.DBRef >= db.next {
		db.next = o.DBRef + 1
	}
}

func (db *Database) unindexLocked(o *Object) {
	if set, ok := db.contents[o.Location]; ok {
		delete(set, o.DBRef)
		if len(set) == 0 {
			delete(db.contents, o.Location)
		}
	}
	if o.Type == TypePlayer {
		if db.players[strings.ToLower(o.Name)] == o.DBRef {
			delete(db.players, strings.ToLower(o.Name))
		}
	}
}

// Update applies fn to the stored object under the write lock and returns a
// copy of the result. Index changes (location, name) are applied.
func (db *Database) Update(ref DBRef, fn func(o *Object) error) (*Object, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	o, ok := db.objects[ref]
	if !ok {
		return nil, fmt.Errorf("no such object %s", ref)
	}
	cp := o.Clone()
	if err := fn(cp); err != nil {
		return nil, err
	}
	cp.DBRef = ref
	cp.Modified = time.Now()
	db.putLocked(cp)
	return cp.Clone(), nil
}

// Move relocates ref into dest.
func (db *Database) Move(ref, dest DBRef) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	o, ok := db.objects[ref]
	if !ok {
		return fmt.Errorf("no such object %s", ref)
	}
	if _, ok := db.objects[dest]; !ok {
		return fmt.Errorf("no such destination %s", dest)
	}
	for loc := dest; loc != Nothing; {
		if loc == ref {
			return fmt.Errorf("can't move %s into itself", ref)
		}
		lo, ok := db.objects[loc]
		if !ok {
			break
		}
		loc = lo.Location
	}
	cp := o.Clone()
	cp.Location = dest
	cp.Modified = time.Now()
	db.putLocked(cp)
	return nil
}

// Destroy removes an object. Its contents are sent home.
func (db *Database) Destroy(ref DBRef) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	o, ok := db.objects[ref]
	if !ok {
		return fmt.Errorf("no such object %s", ref)
	}
	for inner := range db.contents[ref] {
		io := db.objects[inner].Clone()
		if io.Type == TypeExit {
			db.unindexLocked(io)
			delete(db.objects, inner)
			continue
		}
		dest := io.Home
		if _, ok := db.objects[dest]; !ok || dest == ref {
			dest = 0
		}
		io.Location = dest
		db.putLocked(io)
	}
	db.unindexLocked(o)
	delete(db.objects, ref)
	return nil
}

func (db *Database) inLocked(loc DBRef, exits bool) []DBRef {
	var out []DBRef
	for ref := range db.contents[loc] {
		o := db.objects[ref]
		if (o.Type == TypeExit) == exits {
			out = append(out, ref)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Contents returns the non-exit objects located in loc, by dbref.
func (db *Database) Contents(loc DBRef) []DBRef {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.inLocked(loc, false)
}

// Exits returns the exits located in loc, by dbref.
func (db *Database) Exits(loc DBRef) []DBRef {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.inLocked(loc, true)
}

// LookupPlayer finds a player by name, case-insensitively.
func (db *Database) LookupPlayer(name string) DBRef {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if ref, ok := db.players[strings.ToLower(strings.TrimSpace(name))]; ok {
		return ref
	}
	return Nothing
}

// All returns copies of every object, by dbref.
func (db *Database) All() []*Object {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := make([]*Object, 0, len(db.objects))
	for _, o := range db.objects {
		out = append(out, o.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DBRef < out[j].DBRef })
	return out
}

// Match resolves a name from looker's point of view: "me", "here", "#n",
// then names and aliases of looker's inventory, location contents and
// exits. Exact beats prefix; "name-N" picks the Nth of several matches.
// It returns Nothing or Ambiguous when no single object fits.
func (db *Database) Match(looker DBRef, name string) DBRef {
	name = strings.TrimSpace(name)
	if name == "" {
		return Nothing
	}
	db.mu.RLock()
	defer db.mu.RUnlock()
	self, ok := db.objects[looker]
	if !ok {
		return Nothing
	}
	switch strings.ToLower(name) {
	case "me":
		return looker
	case "here":
		return self.Location
	}
	if name[0] == '#' {
		if ref, ok := ParseDBRef(name); ok {
			if _, ok := db.objects[ref]; ok {
				return ref
			}
		}
		return Nothing
	}

	var pool []DBRef
	pool = append(pool, db.inLocked(looker, false)...)
	pool = append(pool, db.inLocked(self.Location, false)...)
	pool = append(pool, db.inLocked(self.Location, true)...)

	if ref := db.matchPoolLocked(pool, name); ref != Nothing {
		return ref
	}
	if i := strings.LastIndexByte(name, '-'); i > 0 {
		if n, err := strconv.Atoi(name[i+1:]); err == nil && n > 0 {
			found := db.candidatesLocked(pool, name[:i])
			if n <= len(found) {
				return found[n-1]
			}
		}
	}
	return Nothing
}

func (db *Database) matchPoolLocked(pool []DBRef, name string) DBRef {
	found := db.candidatesLocked(pool, name)
	switch len(found) {
	case 0:
		return Nothing
	case 1:
		return found[0]
	default:
		return Ambiguous
	}
}

// candidatesLocked returns exact matches, or prefix matches when there
// are no exact ones.
func (db *Database) candidatesLocked(pool []DBRef, name string) []DBRef {
	var exact, prefix []DBRef
	lower := strings.ToLower(name)
	for _, ref := range pool {
		o := db.objects[ref]
		hit := false
		for _, k := range o.Keys() {
			k = strings.ToLower(k)
			if k == lower {
				exact = append(exact, ref)
				hit = true
				break
			}
		}
		if hit {
			continue
		}
		for _, k := range o.Keys() {
			if strings.HasPrefix(strings.ToLower(k), lower) {
				prefix = append(prefix, ref)
				break
			}
		}
	}
	if len(exact) > 0 {
		return exact
	}
	return prefix
}

// Carries reports whether what is located directly in who.
func (db *Database) Carries(who, what DBRef) bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	_, ok := db.contents[who][what]
	return ok
}

// OwnerOf returns the owner of ref, or Nothing.
func (db *Database) OwnerOf(ref DBRef) DBRef {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if o, ok := db.objects[ref]; ok {
		return o.Owner
	}
	return Nothing
}

// LockValues returns the values a lock's name:pattern term tests on ref.
// The pseudo attributes flag, type and name are computed; anything else
// is a stored attribute.
func (db *Database) LockValues(ref DBRef, attr string) []string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	o, ok := db.objects[ref]
	if !ok {
		return nil
	}
	switch strings.ToLower(attr) {
	case "flag", "flags":
		return o.Flags.Names()
	case "type":
		return []string{o.Type.String()}
	case "name":
		return o.Keys()
	}
	if v, ok := o.Attrs[strings.ToUpper(attr)]; ok {
		return []string{v}
	}
	return nil
}

// ContentsOf lists everything located in ref, exits included.
func (db *Database) ContentsOf(ref DBRef) []DBRef {
	db.mu.RLock()
	defer db.mu.RUnlock()
	out := db.inLocked(ref, false)
	return append(out, db.inLocked(ref, true)...)
}
