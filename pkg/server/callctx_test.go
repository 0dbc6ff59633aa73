package server

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/crystal-mush/cmdhost/pkg/cmdset"
	"github.com/crystal-mush/cmdhost/pkg/dispatch"
	"github.com/crystal-mush/cmdhost/pkg/gamedb"
)

// addRadio puts a "tune" command set in the library.
func addRadio(g *Game) {
	g.Library.Add(cmdset.MustSet("radio", 1, cmdset.Union, &cmdset.Command{
		Name: "tune",
		Handler: cmdset.HandlerFunc(func(_ context.Context, inv *cmdset.Invocation) error {
			inv.Send("static")
			return nil
		}),
	}))
}

func sourceKinds(ctx cmdset.Context) []string {
	var out []string
	for _, s := range ctx {
		out = append(out, s.Ref.String())
	}
	return out
}

func TestCallingContextOrder(t *testing.T) {
	g := newTestGame(t, nil)
	addRadio(g)
	radio := g.DB.Create("radio", gamedb.TypeThing, 0, 1)
	if err := g.AttachSet(objRef(radio), "radio", true); err != nil {
		t.Fatal(err)
	}
	hall := mkRoom(g, "Hall")
	exit := mkExit(t, g, "east;e", 0, hall)
	c := login(t, g, "Wizard", wizPass)

	want := []string{
		"connection:" + c.ID,
		"account:wizard",
		"actor:#1",
		"location:#0",
		"object:" + radio.DBRef.String(),
		"exit:" + exit.String(),
	}
	if diff := cmp.Diff(want, sourceKinds(g.CallingContext(c.Descriptor))); diff != "" {
		t.Errorf("context (-want +got):\n%s", diff)
	}

	// Before login only the connection contributes.
	pre := newClient(t, g)
	if got := sourceKinds(g.CallingContext(pre.Descriptor)); len(got) != 1 {
		t.Errorf("pre-login context = %v", got)
	}
}

func TestCoLocatedObjectSets(t *testing.T) {
	g := newTestGame(t, nil)
	addRadio(g)
	radio := g.DB.Create("radio", gamedb.TypeThing, 0, 1)
	if err := g.AttachSet(objRef(radio), "radio", true); err != nil {
		t.Fatal(err)
	}
	wiz := login(t, g, "Wizard", wizPass)
	alice := newPlayer(t, g, "Alice")

	if out := alice.run("tune"); out.State != dispatch.Done || !alice.saw("static") {
		t.Fatalf("tune: %s/%s", out.State, out.Reason)
	}

	set := func(fn func(o *gamedb.Object)) {
		t.Helper()
		if _, err := g.DB.Update(radio.DBRef, func(o *gamedb.Object) error { fn(o); return nil }); err != nil {
			t.Fatal(err)
		}
	}

	// The call lock decides who may borrow the object's commands.
	set(func(o *gamedb.Object) { o.Attrs = map[string]string{CallAttr: "flag:WIZARD"} })
	if out := alice.run("tune"); out.Reason != dispatch.ReasonNoMatch {
		t.Errorf("call-locked tune by Alice: %s", out.Reason)
	}
	if out := wiz.run("tune"); out.State != dispatch.Done {
		t.Errorf("call-locked tune by Wizard: %s", out.Reason)
	}

	// DARK objects serve only those who control them.
	set(func(o *gamedb.Object) {
		o.Attrs = nil
		o.Flags |= gamedb.FlagDark
	})
	if out := alice.run("tune"); out.Reason != dispatch.ReasonNoMatch {
		t.Errorf("dark tune by Alice: %s", out.Reason)
	}
	if out := wiz.run("tune"); out.State != dispatch.Done {
		t.Errorf("dark tune by owner: %s", out.Reason)
	}

	// HALT silences the object for everyone.
	set(func(o *gamedb.Object) { o.Flags = gamedb.FlagHalt })
	if out := wiz.run("tune"); out.Reason != dispatch.ReasonNoMatch {
		t.Errorf("halted tune: %s", out.Reason)
	}

	// Carried objects are not part of the room.
	set(func(o *gamedb.Object) { o.Flags = 0 })
	if err := g.DB.Move(radio.DBRef, wiz.Actor()); err != nil {
		t.Fatal(err)
	}
	if out := alice.run("tune"); out.Reason != dispatch.ReasonNoMatch {
		t.Errorf("tune on a carried radio: %s", out.Reason)
	}
}

func TestPlayerSetsStayPrivate(t *testing.T) {
	g := newTestGame(t, nil)
	addRadio(g)
	wiz := login(t, g, "Wizard", wizPass)
	alice := newPlayer(t, g, "Alice")
	if err := g.AttachSet(refFor(alice.Actor(), gamedb.TypePlayer), "radio", true); err != nil {
		t.Fatal(err)
	}

	if out := alice.run("tune"); out.State != dispatch.Done {
		t.Errorf("own tune: %s", out.Reason)
	}
	if out := wiz.run("tune"); out.Reason != dispatch.ReasonNoMatch {
		t.Errorf("borrowed a co-located player's set: %s", out.Reason)
	}

	if _, err := g.DB.Update(alice.Actor(), func(o *gamedb.Object) error {
		o.Attrs = map[string]string{CallAttr: "true"}
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if out := wiz.run("tune"); out.State != dispatch.Done {
		t.Errorf("tune with an open call lock: %s", out.Reason)
	}
}

func TestHaltedLocation(t *testing.T) {
	g := newTestGame(t, nil)
	addRadio(g)
	if err := g.AttachSet(refFor(0, gamedb.TypeRoom), "radio", true); err != nil {
		t.Fatal(err)
	}
	wiz := login(t, g, "Wizard", wizPass)
	if out := wiz.run("tune"); out.State != dispatch.Done {
		t.Fatalf("room tune: %s", out.Reason)
	}
	if _, err := g.DB.Update(0, func(o *gamedb.Object) error {
		o.Flags |= gamedb.FlagHalt
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if out := wiz.run("tune"); out.Reason != dispatch.ReasonNoMatch {
		t.Errorf("halted room tune: %s", out.Reason)
	}
}

func TestAccountAttachmentFollowsLogin(t *testing.T) {
	g := newTestGame(t, nil)
	addRadio(g)
	c := login(t, g, "Wizard", wizPass)
	c.run("@cmdset/attach account=radio")

	acct, err := g.Store.GetAccount("wizard")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"radio"}, acct.CmdSets); diff != "" {
		t.Errorf("account CmdSets (-want +got):\n%s", diff)
	}

	// A second session of the same account sees it too.
	other := login(t, g, "Wizard", wizPass)
	if out := other.run("tune"); out.State != dispatch.Done {
		t.Errorf("tune from second session: %s", out.Reason)
	}
}

func TestExitSetAliases(t *testing.T) {
	g := newTestGame(t, nil)
	exit := &gamedb.Object{DBRef: 9, Name: "Out;o;OUT", Aliases: []string{"leave", "o"}, Type: gamedb.TypeExit}
	s := g.exitSet(exit)
	if s.Key != "exit:out" || s.Priority != g.Conf.ExitPriority || !s.AllowDuplicates {
		t.Errorf("exit set = %s prio %d dups %v", s.Key, s.Priority, s.AllowDuplicates)
	}
	cmd := s.Commands()[0]
	if diff := cmp.Diff([]string{"o", "leave"}, cmd.Aliases); diff != "" {
		t.Errorf("aliases (-want +got):\n%s", diff)
	}
	if cmd.Category != CategoryMovement {
		t.Errorf("category = %q", cmd.Category)
	}
}

func TestDestroyDropsAttachedSets(t *testing.T) {
	g := newTestGame(t, nil)
	addRadio(g)
	radio := g.DB.Create("radio", gamedb.TypeThing, 0, 1)
	if err := g.AttachSet(objRef(radio), "radio", true); err != nil {
		t.Fatal(err)
	}
	shed := mkRoom(g, "Shed")
	door := mkExit(t, g, "door", shed, 0)
	if err := g.AttachSet(refFor(door, gamedb.TypeExit), "radio", true); err != nil {
		t.Fatal(err)
	}
	box := g.DB.Create("box", gamedb.TypeThing, shed, 1)
	if _, err := g.Waits.Add(radio.DBRef, "tune", time.Hour); err != nil {
		t.Fatal(err)
	}
	c := login(t, g, "Wizard", wizPass)

	if out := c.run("tune"); out.State != dispatch.Done {
		t.Fatalf("tune before destroy: %s/%s", out.State, out.Reason)
	}
	if out := c.run("@destroy radio"); out.State != dispatch.Done || !c.saw("Destroyed radio.") {
		t.Fatalf("@destroy: %s/%s %q", out.State, out.Reason, c.text())
	}
	if out := c.run("tune"); out.Reason != dispatch.ReasonNoMatch {
		t.Errorf("tune after destroy: %s/%s", out.State, out.Reason)
	}
	if g.DB.Valid(radio.DBRef) {
		t.Error("radio still in the world")
	}
	if n := len(g.Waits.Pending(radio.DBRef)); n != 0 {
		t.Errorf("%d waits survived the radio", n)
	}

	if err := g.Destroy(shed); err != nil {
		t.Fatal(err)
	}
	for _, ref := range g.Sets.Refs() {
		if ref == objRef(radio) || ref == refFor(door, gamedb.TypeExit) {
			t.Errorf("stack for %s outlived its object", ref)
		}
	}
	if g.DB.Valid(door) {
		t.Error("exit outlived its room")
	}
	if got := mustGet(t, g, box.DBRef).Location; got != 0 {
		t.Errorf("box went to %s, want #0", got)
	}
}

func TestDestroyRefusesPlayersAndLimbo(t *testing.T) {
	g := newTestGame(t, nil)
	c := login(t, g, "Wizard", wizPass)
	for _, ref := range []gamedb.DBRef{0, 1} {
		if err := g.Destroy(ref); err == nil {
			t.Errorf("Destroy(%s) succeeded", ref)
		}
	}
	alice := newPlayer(t, g, "Alice")
	if out := alice.run("@destroy Wizard"); out.Reason == dispatch.ReasonNone {
		t.Errorf("non-wizard @destroy: %s/%s", out.State, out.Reason)
	}
	if !g.DB.Valid(1) || c.State() != ConnConnected {
		t.Error("wizard destroyed")
	}
}
