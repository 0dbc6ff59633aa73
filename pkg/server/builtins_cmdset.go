package server

import (
	"fmt"
	"sort"
	"strings"

	"github.com/crystal-mush/cmdhost/pkg/cmdset"
)

// setTarget resolves the target of an @cmdset line. Besides objects,
// "session" names the caller's connection and "account" its account.
func (e *Env) setTarget(name string) (cmdset.Ref, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "me":
		obj, ok := e.Game.DB.Get(e.Actor)
		if !ok {
			return cmdset.Ref{}, fmt.Errorf("You have no body.")
		}
		return objRef(obj), nil
	case "session":
		return connRef(e.Session), nil
	case "account":
		acct := e.Session.AccountName()
		if acct == "" {
			return cmdset.Ref{}, fmt.Errorf("This session has no account.")
		}
		return accountRef(acct), nil
	}
	ref, obj, err := e.Game.resolveTarget(e.Actor, name)
	if err != nil {
		return cmdset.Ref{}, err
	}
	if !e.Game.Controls(e.Actor, obj.DBRef) {
		return cmdset.Ref{}, fmt.Errorf("Permission denied.")
	}
	return ref, nil
}

func cmdCmdset(e *Env, inv *cmdset.Invocation) error {
	sw := switchArgs(inv)
	switch {
	case sw.Has("table"):
		return cmdsetTable(inv)
	case sw.Has("attach"), sw.Has("push"), sw.Has("detach"):
		if !sw.HasEq || sw.RHS == "" {
			return cmdset.Usagef("Usage: @cmdset/%s <target>=<set>", sw.Switches[0])
		}
		target, err := e.setTarget(sw.LHS)
		if err != nil {
			inv.Send(err.Error())
			return nil
		}
		return cmdsetChange(e, inv, sw, target)
	}

	// /list, or no switch at all.
	if sw.Arg == "" {
		keys := e.Game.Library.Keys()
		var rows [][]any
		for _, k := range keys {
			if s, ok := e.Game.Library.Get(k); ok {
				rows = append(rows, []any{s.Key, s.Priority, s.Merge, s.Len()})
			}
		}
		inv.Send(renderTable([]any{"Set", "Priority", "Merge", "Commands"}, rows))
		inv.Send(plural.Pluralize("command set", len(rows), true) + " in the library.")
		return nil
	}
	target, err := e.setTarget(sw.Arg)
	if err != nil {
		inv.Send(err.Error())
		return nil
	}
	atts := e.Game.Sets.Stack(target).Attachments()
	if len(atts) == 0 {
		inv.Send(fmt.Sprintf("Nothing is attached to %s.", target))
		return nil
	}
	var rows [][]any
	for i, a := range atts {
		kind := "temporary"
		if a.Permanent {
			kind = "permanent"
		}
		rows = append(rows, []any{i + 1, a.Set.Key, a.Set.Priority, a.Set.Merge, kind, a.Set.Len()})
	}
	inv.Send(fmt.Sprintf("Command sets on %s, bottom to top:", target))
	inv.Send(renderTable([]any{"#", "Set", "Priority", "Merge", "Kind", "Commands"}, rows))
	return nil
}

func cmdsetChange(e *Env, inv *cmdset.Invocation, sw cmdset.Switched, target cmdset.Ref) error {
	key := strings.TrimSpace(sw.RHS)
	switch {
	case sw.Has("detach"):
		ok, err := e.Game.DetachSet(target, key)
		if err != nil {
			return err
		}
		if !ok {
			inv.Send(fmt.Sprintf("%s has no command set %q.", target, key))
			return nil
		}
		inv.Send(fmt.Sprintf("Detached %s from %s.", key, target))
	case sw.Has("push"):
		if err := e.Game.PushSet(target, key); err != nil {
			inv.Send(err.Error() + ".")
			return nil
		}
		inv.Send(fmt.Sprintf("Pushed %s onto %s.", key, target))
	default:
		permanent := target.Kind != cmdset.KindConnection
		if err := e.Game.AttachSet(target, key, permanent); err != nil {
			if _, ok := e.Game.Library.Get(key); !ok {
				inv.Send(err.Error() + ".")
				return nil
			}
			return err
		}
		inv.Send(fmt.Sprintf("Attached %s to %s.", key, target))
	}
	return nil
}

// cmdsetTable shows the effective table this very line was resolved
// against.
func cmdsetTable(inv *cmdset.Invocation) error {
	t := inv.Table
	if t == nil {
		inv.Send("No table.")
		return nil
	}
	entries := t.Entries()
	sort.SliceStable(entries, func(i, j int) bool {
		return strings.ToLower(entries[i].Command.Name) < strings.ToLower(entries[j].Command.Name)
	})
	var rows [][]any
	for _, en := range entries {
		flags := ""
		if t.Ambiguous(en.Command.Name) {
			flags = "dup"
		}
		rows = append(rows, []any{en.Command.Name, strings.Join(en.Command.Aliases, " "), en.SetKey, en.Source, en.Priority, flags})
	}
	inv.Send(renderTable([]any{"Command", "Aliases", "Set", "Source", "Priority", ""}, rows))

	var folded []string
	for _, f := range t.Folded() {
		folded = append(folded, fmt.Sprintf("%s@%s(%s %d)", f.SetKey, f.Source, f.Merge, f.Priority))
	}
	inv.Send(fmt.Sprintf("%s from: %s", plural.Pluralize("command", len(rows), true), strings.Join(folded, ", ")))
	return nil
}
