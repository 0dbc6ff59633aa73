package lock

import (
	"log"
	"strings"
	"sync"

	"github.com/crystal-mush/cmdhost/pkg/gamedb"
)

// World is what evaluation needs to know about objects.
type World interface {
	Carries(who, what gamedb.DBRef) bool
	OwnerOf(ref gamedb.DBRef) gamedb.DBRef
	LockValues(ref gamedb.DBRef, attr string) []string
	ContentsOf(ref gamedb.DBRef) []gamedb.DBRef
}

// Eval evaluates e for subject. A nil expression passes.
func Eval(w World, subject gamedb.DBRef, e *Exp) bool {
	if e == nil {
		return true
	}
	switch e.Op {
	case OpAnd:
		return Eval(w, subject, e.Sub1) && Eval(w, subject, e.Sub2)
	case OpOr:
		return Eval(w, subject, e.Sub1) || Eval(w, subject, e.Sub2)
	case OpNot:
		return !Eval(w, subject, e.Sub1)
	case OpTrue:
		return true
	case OpFalse:
		return false
	case OpConst:
		if e.Ref == gamedb.Nothing {
			return false
		}
		return subject == e.Ref || w.Carries(subject, e.Ref)
	case OpAttr:
		if attrMatches(w, subject, e) {
			return true
		}
		for _, inner := range w.ContentsOf(subject) {
			if attrMatches(w, inner, e) {
				return true
			}
		}
		return false
	case OpIs:
		if e.Sub1.Op == OpConst {
			return subject == e.Sub1.Ref
		}
		return attrMatches(w, subject, e.Sub1)
	case OpCarry:
		if e.Sub1.Op == OpConst {
			return w.Carries(subject, e.Sub1.Ref)
		}
		for _, inner := range w.ContentsOf(subject) {
			if attrMatches(w, inner, e.Sub1) {
				return true
			}
		}
		return false
	case OpOwner:
		owner := w.OwnerOf(subject)
		return owner != gamedb.Nothing && owner == w.OwnerOf(e.Sub1.Ref)
	}
	return false
}

func attrMatches(w World, ref gamedb.DBRef, e *Exp) bool {
	for _, v := range w.LockValues(ref, e.Attr) {
		if WildMatch(e.Pattern, v) {
			return true
		}
	}
	return false
}

// WildMatch is case-insensitive glob matching with * and ?.
func WildMatch(pattern, str string) bool {
	return matchSimple(strings.ToLower(pattern), strings.ToLower(str))
}

func matchSimple(pattern, str string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case '*':
			for i := len(str); i >= 0; i-- {
				if matchSimple(pattern[1:], str[i:]) {
					return true
				}
			}
			return false
		case '?':
			if len(str) == 0 {
				return false
			}
			pattern = pattern[1:]
			str = str[1:]
		default:
			if len(str) == 0 || pattern[0] != str[0] {
				return false
			}
			pattern = pattern[1:]
			str = str[1:]
		}
	}
	return len(str) == 0
}

// Checker evaluates lock strings, caching parses. Unparseable locks fail
// closed and are logged once.
type Checker struct {
	World World
	cache sync.Map // string -> *Exp or error
}

// NewChecker creates a Checker over w.
func NewChecker(w World) *Checker {
	return &Checker{World: w}
}

// Check reports whether subject passes lockStr.
func (c *Checker) Check(lockStr string, subject gamedb.DBRef) bool {
	if strings.TrimSpace(lockStr) == "" {
		return true
	}
	var e *Exp
	if v, ok := c.cache.Load(lockStr); ok {
		if _, bad := v.(error); bad {
			return false
		}
		e = v.(*Exp)
	} else {
		parsed, err := Parse(lockStr)
		if err != nil {
			if _, loaded := c.cache.LoadOrStore(lockStr, err); !loaded {
				log.Printf("LOCK: %v (failing closed)", err)
			}
			return false
		}
		c.cache.Store(lockStr, parsed)
		e = parsed
	}
	return Eval(c.World, subject, e)
}
