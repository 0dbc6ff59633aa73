package server

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/crystal-mush/cmdhost/pkg/cmdset"
	"github.com/crystal-mush/cmdhost/pkg/gamedb"
)

// CategoryMovement marks commands a RESTRAINED actor may not use.
const CategoryMovement = "movement"

// CallAttr is the object attribute holding its call lock: who may use the
// command sets attached to it from the same room. Players default to
// "false" so one actor's personal commands never leak to another.
const CallAttr = "CALL"

func connRef(d *Descriptor) cmdset.Ref {
	return cmdset.Ref{Kind: cmdset.KindConnection, ID: d.ID}
}

func accountRef(name string) cmdset.Ref {
	return cmdset.Ref{Kind: cmdset.KindAccount, ID: strings.ToLower(name)}
}

// objRef is the registry key for an object's attachment stack. The kind
// follows the object type so the same object keeps one stack whatever
// role it plays in a calling context.
func objRef(o *gamedb.Object) cmdset.Ref {
	return refFor(o.DBRef, o.Type)
}

func refFor(ref gamedb.DBRef, typ gamedb.ObjectType) cmdset.Ref {
	var kind cmdset.Kind
	switch typ {
	case gamedb.TypePlayer:
		kind = cmdset.KindActor
	case gamedb.TypeRoom:
		kind = cmdset.KindLocation
	case gamedb.TypeExit:
		kind = cmdset.KindExit
	default:
		kind = cmdset.KindObject
	}
	return cmdset.Ref{Kind: kind, ID: ref.String()}
}

// CallingContext assembles, in precedence order, every source reachable
// by d's actor right now: connection, account, actor, location, the
// location's contents and its exits. It reads the world fresh every time.
func (g *Game) CallingContext(d *Descriptor) cmdset.Context {
	ctx := cmdset.Context{{Ref: connRef(d), Sets: g.Sets.Snapshot(connRef(d))}}

	actor := d.Actor()
	if d.State() != ConnConnected || actor == gamedb.Nothing {
		return ctx
	}
	if acct := d.AccountName(); acct != "" {
		ctx = append(ctx, cmdset.Source{Ref: accountRef(acct), Sets: g.Sets.Snapshot(accountRef(acct))})
	}

	self, ok := g.DB.Get(actor)
	if !ok {
		return ctx
	}
	ctx = append(ctx, cmdset.Source{
		Ref:   objRef(self),
		Sets:  g.Sets.Snapshot(objRef(self)),
		Guard: actorGuard{g: g, actor: actor},
	})

	loc, ok := g.DB.Get(self.Location)
	if !ok {
		return ctx
	}
	if !loc.HasFlag(gamedb.FlagHalt) {
		ctx = append(ctx, cmdset.Source{
			Ref:  cmdset.Ref{Kind: cmdset.KindLocation, ID: loc.DBRef.String()},
			Sets: g.Sets.Snapshot(objRef(loc)),
		})
	}

	for _, ref := range g.DB.Contents(loc.DBRef) {
		if ref == actor {
			continue
		}
		obj, ok := g.DB.Get(ref)
		if !ok || !g.contributes(actor, obj) {
			continue
		}
		sets := g.Sets.Snapshot(objRef(obj))
		if len(sets) == 0 {
			continue
		}
		ctx = append(ctx, cmdset.Source{Ref: objRef(obj), Sets: sets})
	}

	for _, ref := range g.DB.Exits(loc.DBRef) {
		exit, ok := g.DB.Get(ref)
		// Dark exits still work; look hides them.
		if !ok || exit.HasFlag(gamedb.FlagHalt) || len(exit.Keys()) == 0 {
			continue
		}
		sets := append([]*cmdset.Set{g.exitSet(exit)}, g.Sets.Snapshot(objRef(exit))...)
		ctx = append(ctx, cmdset.Source{Ref: objRef(exit), Sets: sets})
	}
	return ctx
}

// contributes reports whether a co-located object may add its sets to
// actor's context: HALT objects never do, DARK ones only for those who
// control them, and the object's call lock must pass.
func (g *Game) contributes(actor gamedb.DBRef, obj *gamedb.Object) bool {
	if obj.HasFlag(gamedb.FlagHalt) {
		return false
	}
	if obj.HasFlag(gamedb.FlagDark) && !g.Controls(actor, obj.DBRef) {
		return false
	}
	callLock, ok := obj.Attrs[CallAttr]
	if !ok && obj.Type == gamedb.TypePlayer {
		callLock = "false"
	}
	return g.Locks.Check(callLock, actor)
}

// exitSet generates the one-command set that lets an actor walk through
// exit by typing its name or any alias.
func (g *Game) exitSet(exit *gamedb.Object) *cmdset.Set {
	keys := exit.Keys()
	cmd := &cmdset.Command{
		Name:     keys[0],
		Aliases:  dedupeKeys(keys[0], keys[1:]),
		Lock:     exit.Lock,
		Category: CategoryMovement,
		Usage:    keys[0],
		Handler:  builtin(traverseExit(exit.DBRef)),
	}
	set, err := cmdset.NewSet("exit:"+strings.ToLower(keys[0]), g.Conf.ExitPriority, cmdset.Union, cmd)
	if err != nil {
		// Only a duplicated alias can fail; fall back to the bare name.
		cmd.Aliases = nil
		set = cmdset.MustSet("exit:"+strings.ToLower(keys[0]), g.Conf.ExitPriority, cmdset.Union, cmd)
	}
	return set.WithOptions(true, cmdset.ExitsOnly)
}

func dedupeKeys(name string, aliases []string) []string {
	seen := map[string]bool{strings.ToLower(name): true}
	var out []string
	for _, a := range aliases {
		k := strings.ToLower(strings.TrimSpace(a))
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, a)
	}
	return out
}

// actorGuard vetoes movement for RESTRAINED actors and marks the actor
// busy while a command runs.
type actorGuard struct {
	g     *Game
	actor gamedb.DBRef
}

func (ag actorGuard) Before(_ context.Context, inv *cmdset.Invocation) (func(), error) {
	if strings.EqualFold(inv.Command.Category, CategoryMovement) {
		obj, ok := ag.g.DB.Get(ag.actor)
		if ok && obj.HasFlag(gamedb.FlagRestrained) {
			return nil, &cmdset.Veto{
				Source: refFor(ag.actor, gamedb.TypePlayer),
				Reason: "You are restrained and can't move.",
			}
		}
	}
	ag.g.running.Store(ag.actor, inv.Command.Name)
	return func() { ag.g.running.Delete(ag.actor) }, nil
}

func (ag actorGuard) After(_ context.Context, inv *cmdset.Invocation, err error) {
	if err != nil {
		DebugLog("%s: %s ended with %v", ag.actor, inv.Command.Name, err)
	}
}

// --- Attachment management ---

// AttachSet attaches the library set key to target. Permanent attachments
// are written to the object or account so they survive restarts.
func (g *Game) AttachSet(target cmdset.Ref, key string, permanent bool) error {
	set, ok := g.Library.Get(key)
	if !ok {
		return fmt.Errorf("no command set named %q", key)
	}
	g.Sets.Stack(target).Attach(set, permanent)
	if permanent {
		return g.persistAttachments(target)
	}
	return nil
}

// PushSet stacks a temporary copy of key on target.
func (g *Game) PushSet(target cmdset.Ref, key string) error {
	set, ok := g.Library.Get(key)
	if !ok {
		return fmt.Errorf("no command set named %q", key)
	}
	g.Sets.Stack(target).Push(set)
	return nil
}

// DetachSet removes key from target.
func (g *Game) DetachSet(target cmdset.Ref, key string) (bool, error) {
	if !g.Sets.Stack(target).Detach(key) {
		return false, nil
	}
	return true, g.persistAttachments(target)
}

func (g *Game) persistAttachments(target cmdset.Ref) error {
	keys := g.Sets.Stack(target).PermanentKeys()
	switch target.Kind {
	case cmdset.KindAccount:
		acct, err := g.Store.GetAccount(target.ID)
		if err != nil {
			return err
		}
		acct.CmdSets = keys
		return g.Store.PutAccount(acct)
	case cmdset.KindConnection:
		return nil
	}
	ref, ok := gamedb.ParseDBRef(target.ID)
	if !ok {
		return fmt.Errorf("bad source id %q", target.ID)
	}
	obj, err := g.DB.Update(ref, func(o *gamedb.Object) error {
		o.CmdSets = keys
		return nil
	})
	if err != nil {
		return err
	}
	return g.Store.PutObject(obj)
}

// restoreAttachments re-attaches the persisted permanent sets of every
// object.
func (g *Game) restoreAttachments() {
	n := 0
	for _, obj := range g.DB.All() {
		n += g.restoreKeys(objRef(obj), obj.CmdSets)
	}
	if n > 0 {
		log.Printf("Restored %d permanent cmdset attachments", n)
	}
}

func (g *Game) restoreKeys(ref cmdset.Ref, keys []string) int {
	st := g.Sets.Stack(ref)
	n := 0
	for _, key := range keys {
		set, ok := g.Library.Get(key)
		if !ok {
			log.Printf("WARNING: %s: unknown cmdset %q left unattached", ref, key)
			continue
		}
		st.Attach(set, true)
		n++
	}
	return n
}

// resolveTarget turns "me", "here", "#n" or a name into an attachment
// target as seen by actor.
func (g *Game) resolveTarget(actor gamedb.DBRef, name string) (cmdset.Ref, *gamedb.Object, error) {
	ref := g.DB.Match(actor, name)
	switch ref {
	case gamedb.Nothing:
		return cmdset.Ref{}, nil, fmt.Errorf("I don't see %q here.", name)
	case gamedb.Ambiguous:
		return cmdset.Ref{}, nil, fmt.Errorf("I don't know which %q you mean.", name)
	}
	obj, ok := g.DB.Get(ref)
	if !ok {
		return cmdset.Ref{}, nil, fmt.Errorf("I don't see %q here.", name)
	}
	return objRef(obj), obj, nil
}
