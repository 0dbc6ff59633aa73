package lock

import (
	"testing"

	"github.com/crystal-mush/cmdhost/pkg/gamedb"
)

// newWorld builds:
//
//	#0 Hall (room)
//	#1 Wizard (player, WIZARD) in #0, carrying #3
//	#2 Bob (player, RESTRAINED) in #0
//	#3 brass key (thing, COLOR=brass) carried by #1
//	#4 lamp (thing, owned by #2) in #0
func newWorld(t *testing.T) *gamedb.Database {
	t.Helper()
	db := gamedb.NewDatabase()
	hall := db.Create("Hall", gamedb.TypeRoom, gamedb.Nothing, gamedb.Nothing)
	wiz := db.Create("Wizard", gamedb.TypePlayer, hall.DBRef, gamedb.Nothing)
	bob := db.Create("Bob", gamedb.TypePlayer, hall.DBRef, gamedb.Nothing)
	key := db.Create("brass key", gamedb.TypeThing, wiz.DBRef, wiz.DBRef)
	db.Create("lamp", gamedb.TypeThing, hall.DBRef, bob.DBRef)

	db.Update(wiz.DBRef, func(o *gamedb.Object) error { o.Flags |= gamedb.FlagWizard; return nil })
	db.Update(bob.DBRef, func(o *gamedb.Object) error { o.Flags |= gamedb.FlagRestrained; return nil })
	db.Update(key.DBRef, func(o *gamedb.Object) error {
		o.Attrs = map[string]string{"COLOR": "brass"}
		return nil
	})
	return db
}

func TestEval(t *testing.T) {
	db := newWorld(t)
	c := NewChecker(db)
	cases := []struct {
		lock    string
		subject gamedb.DBRef
		want    bool
	}{
		{"", 2, true},
		{"#1", 1, true},
		{"#3", 1, true},   // carries
		{"=#3", 1, false}, // is-only
		{"+#3", 1, true},
		{"#3", 2, false},
		{"flag:WIZARD", 1, true},
		{"flag:WIZARD", 2, false},
		{"!flag:RESTRAINED", 2, false},
		{"!flag:RESTRAINED", 1, true},
		{"type:PLAYER & !flag:RESTRAINED", 1, true},
		{"name:bo*", 2, true},
		{"color:br*", 1, true},    // via inventory
		{"=color:br*", 1, false},  // subject only
		{"+color:brass", 1, true}, // inventory only
		{"$#4", 2, true},          // bob owns the lamp and himself
		{"$#4", 1, false},
		{"(#2|#1)&flag:WIZARD", 1, true},
		{"(#2|#1)&flag:WIZARD", 2, false},
		{"true", 2, true},
		{"false", 1, false},
		{"#1 &", 1, false},   // unparseable fails closed
		{"wizard", 1, false}, // bare names are not terms
		{"(#1", 1, false},    // missing paren
		{"#1 | #2 | #4", 4, true},
	}
	for _, tc := range cases {
		if got := c.Check(tc.lock, tc.subject); got != tc.want {
			t.Errorf("Check(%q, #%d) = %v, want %v", tc.lock, tc.subject, got, tc.want)
		}
	}
}

func TestParseErrors(t *testing.T) {
	for _, s := range []string{"&", "#x", "=true", "$flag:X", ":pat", "#1)"} {
		if _, err := Parse(s); err == nil {
			t.Errorf("Parse(%q) succeeded, want error", s)
		}
	}
}

func TestStringReparses(t *testing.T) {
	for _, s := range []string{"(#1|#2)&!flag:DARK", "=#3", "+color:red", "$#4", "!(#1&#2)", "true"} {
		e, err := Parse(s)
		if err != nil {
			t.Fatalf("Parse(%q): %v", s, err)
		}
		again, err := Parse(e.String())
		if err != nil {
			t.Fatalf("reparse of %q (%q): %v", s, e.String(), err)
		}
		if again.String() != e.String() {
			t.Errorf("%q -> %q -> %q", s, e.String(), again.String())
		}
	}
}

func TestWildMatch(t *testing.T) {
	if !WildMatch("B?b*", "bobby") || WildMatch("b?b", "bobby") || !WildMatch("*", "") {
		t.Error("wildcard matching wrong")
	}
}
