package gamedb

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DBRef is the fundamental object reference type.
type DBRef int

const (
	Nothing   DBRef = -1
	Ambiguous DBRef = -2
	Home      DBRef = -3
)

func (r DBRef) String() string {
	return "#" + strconv.Itoa(int(r))
}

// ParseDBRef parses "#123" (the leading # is optional).
func ParseDBRef(s string) (DBRef, bool) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "#")
	n, err := strconv.Atoi(s)
	if err != nil {
		return Nothing, false
	}
	return DBRef(n), true
}

// ObjectType represents the type of an object.
type ObjectType int

const (
	TypeRoom    ObjectType = 0
	TypeThing   ObjectType = 1
	TypeExit    ObjectType = 2
	TypePlayer  ObjectType = 3
	TypeGarbage ObjectType = 5
)

func (t ObjectType) String() string {
	switch t {
	case TypeRoom:
		return "ROOM"
	case TypeThing:
		return "THING"
	case TypeExit:
		return "EXIT"
	case TypePlayer:
		return "PLAYER"
	case TypeGarbage:
		return "GARBAGE"
	default:
		return "UNKNOWN"
	}
}

// Flag is an object flag bit.
type Flag uint32

const (
	FlagWizard     Flag = 0x00000010
	FlagDark       Flag = 0x00000040
	FlagHalt       Flag = 0x00001000
	FlagRestrained Flag = 0x00010000
	FlagLocked     Flag = 0x00020000
	FlagGuest      Flag = 0x02000000
)

var flagNames = []struct {
	flag Flag
	name string
}{
	{FlagWizard, "WIZARD"},
	{FlagDark, "DARK"},
	{FlagHalt, "HALT"},
	{FlagRestrained, "RESTRAINED"},
	{FlagLocked, "LOCKED"},
	{FlagGuest, "GUEST"},
}

// Names lists the names of the flags set in f.
func (f Flag) Names() []string {
	var out []string
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			out = append(out, fn.name)
		}
	}
	return out
}

func (f Flag) String() string {
	return strings.Join(f.Names(), " ")
}

// ParseFlag looks a flag up by name, case-insensitively.
func ParseFlag(name string) (Flag, bool) {
	for _, fn := range flagNames {
		if strings.EqualFold(fn.name, name) {
			return fn.flag, true
		}
	}
	return 0, false
}

// Object represents a database object.
type Object struct {
	DBRef       DBRef
	Name        string
	Aliases     []string
	Type        ObjectType
	Location    DBRef
	Destination DBRef // exits only
	Home        DBRef
	Owner       DBRef
	Flags       Flag
	Lock        string
	Desc        string
	Attrs       map[string]string
	CmdSets     []string // permanently attached command set keys
	Created     time.Time
	Modified    time.Time
}

// HasFlag checks if a flag bit is set.
func (o *Object) HasFlag(f Flag) bool {
	return o.Flags&f != 0
}

// Clone returns a deep copy.
func (o *Object) Clone() *Object {
	cp := *o
	cp.Aliases = append([]string(nil), o.Aliases...)
	cp.CmdSets = append([]string(nil), o.CmdSets...)
	if o.Attrs != nil {
		cp.Attrs = make(map[string]string, len(o.Attrs))
		for k, v := range o.Attrs {
			cp.Attrs[k] = v
		}
	}
	return &cp
}

// Display is the name with its dbref, as shown to builders.
func (o *Object) Display() string {
	return fmt.Sprintf("%s(%s)", o.Name, o.DBRef)
}

// Named reports whether s is the object's name or one of its aliases.
// Exit names in the "north;n" style count every segment.
func (o *Object) Named(s string) bool {
	for _, n := range o.Keys() {
		if strings.EqualFold(n, s) {
			return true
		}
	}
	return false
}

// Keys returns the matchable names: name segments split on ';' then
// aliases.
func (o *Object) Keys() []string {
	var keys []string
	for _, part := range strings.Split(o.Name, ";") {
		if part = strings.TrimSpace(part); part != "" {
			keys = append(keys, part)
		}
	}
	return append(keys, o.Aliases...)
}

// DisplayName is the first segment of the name.
func (o *Object) DisplayName() string {
	if k := o.Keys(); len(k) > 0 {
		return k[0]
	}
	return o.Name
}

// Account is a login identity. An account puppets one actor.
type Account struct {
	Name         string
	PasswordHash string
	Actor        DBRef
	CmdSets      []string
	Created      time.Time
	LastLogin    time.Time
}
