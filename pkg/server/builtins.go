package server

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gertd/go-pluralize"
	"github.com/rodaine/table"

	"github.com/crystal-mush/cmdhost/pkg/cmdset"
	"github.com/crystal-mush/cmdhost/pkg/events"
	"github.com/crystal-mush/cmdhost/pkg/gamedb"
	"github.com/crystal-mush/cmdhost/pkg/lock"
)

// CommandHandler is the signature for built-in command implementations.
type CommandHandler func(e *Env, inv *cmdset.Invocation) error

// builtin adapts a CommandHandler to the engine's Handler.
func builtin(fn CommandHandler) cmdset.Handler {
	return cmdset.HandlerFunc(func(_ context.Context, inv *cmdset.Invocation) error {
		e := envOf(inv)
		if e == nil {
			return fmt.Errorf("%s: invoked without a host environment", inv.Command.Name)
		}
		return fn(e, inv)
	})
}

// builtinHandlers are the handler names definition files may refer to.
var builtinHandlers = map[string]CommandHandler{
	"connect":   cmdConnect,
	"create":    cmdCreate,
	"who":       cmdWho,
	"quit":      cmdQuit,
	"sessions":  cmdSessions,
	"look":      cmdLook,
	"say":       cmdSay,
	"pose":      cmdPose,
	"get":       cmdGet,
	"drop":      cmdDrop,
	"inventory": cmdInventory,
	"go":        cmdGo,
	"home":      cmdHome,
	"help":      cmdHelp,
	"wait":      cmdWait,
	"lock":      cmdLock,
	"unlock":    cmdUnlock,
	"restrain":  cmdRestrain,
	"describe":  cmdDescribe,
	"history":   cmdHistory,
	"cmdset":    cmdCmdset,
	"emit":      cmdEmit,
	"deny":      cmdDeny,
	"backup":    cmdBackup,
	"destroy":   cmdDestroy,
}

func registerBuiltins(r *cmdset.HandlerRegistry) {
	for name, fn := range builtinHandlers {
		r.Register(name, builtin(fn))
	}
}

var (
	glued    = regexp.MustCompile(`^`)
	switched = regexp.MustCompile(`^/`)
	plural   = pluralize.NewClient()
)

// builtinSets returns the host's own vocabulary.
func builtinSets() []*cmdset.Set {
	h := func(name string) cmdset.Handler { return builtin(builtinHandlers[name]) }
	wiz := "flag:WIZARD"

	unloggedIn := cmdset.MustSet(SetUnloggedIn, 0, cmdset.Union,
		&cmdset.Command{Name: "connect", Usage: "connect <name> <password>", Category: "login", Handler: h("connect")},
		&cmdset.Command{Name: "create", Usage: "create <name> <password>", Category: "login", Handler: h("create")},
		&cmdset.Command{Name: "WHO", Category: "login", Handler: h("who")},
		&cmdset.Command{Name: "QUIT", Category: "login", Handler: h("quit")},
	)
	session := cmdset.MustSet(SetSession, 0, cmdset.Union,
		&cmdset.Command{Name: "QUIT", Category: "session", Handler: h("quit")},
		&cmdset.Command{Name: "WHO", Category: "session", Handler: h("who")},
		&cmdset.Command{Name: "@sessions", Lock: wiz, Category: "admin", Handler: h("sessions")},
	)
	actor := cmdset.MustSet(SetActor, 0, cmdset.Union,
		&cmdset.Command{Name: "look", Aliases: []string{"l"}, Usage: "look [<object>]", Category: "general", Handler: h("look")},
		&cmdset.Command{Name: "say", Aliases: []string{`"`}, Separator: glued, Usage: "say <message>", Category: "communication", Handler: h("say")},
		&cmdset.Command{Name: "pose", Aliases: []string{":"}, Separator: glued, Usage: "pose <action>", Category: "communication", Handler: h("pose")},
		&cmdset.Command{Name: "get", Aliases: []string{"take"}, Usage: "get <object>", Category: "objects", Handler: h("get")},
		&cmdset.Command{Name: "drop", Usage: "drop <object>", Category: "objects", Handler: h("drop")},
		&cmdset.Command{Name: "inventory", Aliases: []string{"i"}, Category: "objects", Handler: h("inventory")},
		&cmdset.Command{Name: "go", Usage: "go <exit>", Category: CategoryMovement, Handler: h("go")},
		&cmdset.Command{Name: "home", Category: CategoryMovement, Handler: h("home")},
		&cmdset.Command{Name: "help", Usage: "help [<topic>]", Category: "general", Handler: h("help")},
		&cmdset.Command{Name: "@wait", Separator: switched, Usage: "@wait <seconds>=<command>, @wait/list, @wait/halt", Category: "general",
			Parser: cmdset.SwitchArgs{Allowed: []string{"list", "halt"}}, Handler: h("wait")},
		&cmdset.Command{Name: "@lock", Separator: switched, Usage: "@lock <object>=<lock>", Category: "building",
			Parser: cmdset.SwitchArgs{NeedEq: true, Usage: "Usage: @lock <object>=<lock>"}, Handler: h("lock")},
		&cmdset.Command{Name: "@unlock", Usage: "@unlock <object>", Category: "building", Handler: h("unlock")},
		&cmdset.Command{Name: "@describe", Aliases: []string{"@desc"}, Separator: switched, Usage: "@describe <object>=<text>", Category: "building",
			Parser: cmdset.SwitchArgs{NeedEq: true, Usage: "Usage: @describe <object>=<text>"}, Handler: h("describe")},
		&cmdset.Command{Name: "@restrain", Lock: wiz, Usage: "@restrain <player>", Category: "admin", Handler: h("restrain")},
		&cmdset.Command{Name: "@destroy", Lock: wiz, Usage: "@destroy <object>", Category: "admin", Handler: h("destroy")},
		&cmdset.Command{Name: "@backup", Lock: wiz, Separator: switched, Usage: "@backup[/list]", Category: "admin",
			Parser: cmdset.SwitchArgs{Allowed: []string{"list"}}, Handler: h("backup")},
		&cmdset.Command{Name: "@history", Separator: switched, Usage: "@history[/faults] [<count>]", Category: "general",
			Parser: cmdset.SwitchArgs{Allowed: []string{"faults"}}, Handler: h("history")},
		&cmdset.Command{Name: "@cmdset", Separator: switched,
			Usage:    "@cmdset/list [<target>], @cmdset/attach|push|detach <target>=<set>, @cmdset/table",
			Category: "building",
			Parser:   cmdset.SwitchArgs{Allowed: []string{"list", "attach", "push", "detach", "table"}},
			Handler:  h("cmdset")},
	)
	return []*cmdset.Set{unloggedIn, session, actor}
}

// renderTable prints headers and rows with rodaine/table and returns the
// text without its trailing newline.
func renderTable(headers []any, rows [][]any) string {
	var buf strings.Builder
	t := table.New(headers...).WithWriter(&buf)
	for _, r := range rows {
		t.AddRow(r...)
	}
	t.Print()
	return strings.TrimRight(buf.String(), "\n")
}

func rawArg(inv *cmdset.Invocation) string {
	if s, ok := inv.Args.(string); ok {
		return s
	}
	return strings.TrimSpace(inv.Remainder)
}

func switchArgs(inv *cmdset.Invocation) cmdset.Switched {
	if sw, ok := inv.Args.(cmdset.Switched); ok {
		return sw
	}
	return cmdset.Switched{Arg: strings.TrimSpace(inv.Remainder), LHS: strings.TrimSpace(inv.Remainder)}
}

// --- Login screen ---

func cmdConnect(e *Env, inv *cmdset.Invocation) error {
	user, password := ParseCredentials(rawArg(inv))
	if user == "" {
		return cmdset.Usagef("Usage: connect <name> <password>")
	}
	acct, err := e.Game.Authenticate(e.Session.Addr, user, password)
	if err != nil {
		inv.Send(err.Error())
		if err == ErrThrottled {
			e.Session.Close()
		}
		return nil
	}
	e.Game.LoginSession(e.Session, acct)
	e.Game.announceArrival(e.Session, fmt.Sprintf("Welcome back, %s!", e.Game.Name(acct.Actor)), e.Game.Texts.GetMotd())
	return nil
}

func cmdCreate(e *Env, inv *cmdset.Invocation) error {
	if !e.Game.Conf.AllowCreate {
		inv.Send("Character creation is disabled.")
		return nil
	}
	user, password := ParseCredentials(rawArg(inv))
	if user == "" || password == "" {
		return cmdset.Usagef("Usage: create <name> <password>")
	}
	acct, err := e.Game.CreateAccount(user, password)
	if err != nil {
		inv.Send(err.Error())
		return nil
	}
	e.Game.LoginSession(e.Session, acct)
	e.Game.announceArrival(e.Session,
		fmt.Sprintf("Welcome to %s, %s! Your character has been created as %s.", e.Game.Conf.Name, user, acct.Actor),
		e.Game.Texts.GetNewUser())
	return nil
}

func cmdQuit(e *Env, inv *cmdset.Invocation) error {
	if txt := e.Game.Texts.GetQuit(); txt != "" {
		e.Session.SendNoNewline(txt)
	} else {
		inv.Send("Goodbye!")
	}
	e.Session.Close()
	return nil
}

func cmdWho(e *Env, inv *cmdset.Invocation) error {
	var rows [][]any
	for _, d := range e.Game.Conns.AllDescriptors() {
		if d.State() != ConnConnected || d.Transport == TransportInternal {
			continue
		}
		obj, ok := e.Game.DB.Get(d.Actor())
		if !ok || (obj.HasFlag(gamedb.FlagDark) && !e.Game.Controls(e.Actor, obj.DBRef)) {
			continue
		}
		rows = append(rows, []any{obj.DisplayName(), FormatConnTime(time.Since(d.ConnTime)), FormatIdleTime(d.Idle())})
	}
	out := renderTable([]any{"Player Name", "On For", "Idle"}, rows)
	inv.Send(out + "\n" + plural.Pluralize("player", len(rows), true) + " logged in.")
	return nil
}

func cmdSessions(e *Env, inv *cmdset.Invocation) error {
	var rows [][]any
	for _, d := range e.Game.Conns.AllDescriptors() {
		cmds, sent, recv := d.Stats()
		actor, doing := "-", "-"
		if d.State() == ConnConnected {
			actor = e.Game.Name(d.Actor()) + d.Actor().String()
			if name := e.Game.Running(d.Actor()); name != "" {
				doing = name
			}
		}
		rows = append(rows, []any{d.ID, d.AccountName(), actor, d.Transport, d.Addr, FormatIdleTime(d.Idle()), doing, cmds, sent, recv})
	}
	inv.Send(renderTable([]any{"Session", "Account", "Actor", "Transport", "Address", "Idle", "Doing", "Cmds", "Sent", "Recv"}, rows))
	inv.Send(plural.Pluralize("session", len(rows), true) + ".")
	return nil
}

// --- Looking around ---

// describeRoom renders what looker sees in room.
func (g *Game) describeRoom(looker, room gamedb.DBRef) string {
	obj, ok := g.DB.Get(room)
	if !ok {
		return "You are nowhere."
	}
	var sb strings.Builder
	if g.Controls(looker, room) {
		sb.WriteString(obj.Display())
	} else {
		sb.WriteString(obj.DisplayName())
	}
	if obj.Desc != "" {
		sb.WriteString("\n" + obj.Desc)
	}
	var contents, exits []string
	for _, ref := range g.DB.Contents(room) {
		o, ok := g.DB.Get(ref)
		if !ok || ref == looker || (o.HasFlag(gamedb.FlagDark) && !g.Controls(looker, ref)) {
			continue
		}
		contents = append(contents, o.DisplayName())
	}
	for _, ref := range g.DB.Exits(room) {
		o, ok := g.DB.Get(ref)
		if !ok || (o.HasFlag(gamedb.FlagDark) && !g.Controls(looker, ref)) {
			continue
		}
		exits = append(exits, o.DisplayName())
	}
	if len(contents) > 0 {
		sb.WriteString("\nContents:\n" + strings.Join(contents, "\n"))
	}
	if len(exits) > 0 {
		sb.WriteString("\nObvious exits:\n" + strings.Join(exits, "  "))
	}
	return sb.String()
}

// matchOne resolves name for actor and reports failures to the caller.
func matchOne(e *Env, inv *cmdset.Invocation, name string) (*gamedb.Object, bool) {
	ref := e.Game.DB.Match(e.Actor, name)
	switch ref {
	case gamedb.Nothing:
		inv.Send("I don't see that here.")
		return nil, false
	case gamedb.Ambiguous:
		inv.Send("I don't know which one you mean!")
		return nil, false
	}
	obj, ok := e.Game.DB.Get(ref)
	if !ok {
		inv.Send("I don't see that here.")
	}
	return obj, ok
}

func cmdLook(e *Env, inv *cmdset.Invocation) error {
	arg := rawArg(inv)
	self, ok := e.Game.DB.Get(e.Actor)
	if !ok {
		return fmt.Errorf("actor %s vanished", e.Actor)
	}
	if arg == "" || strings.EqualFold(arg, "here") {
		inv.Send(e.Game.describeRoom(e.Actor, self.Location))
		return nil
	}
	obj, ok := matchOne(e, inv, arg)
	if !ok {
		return nil
	}
	if obj.Type == gamedb.TypeRoom {
		inv.Send(e.Game.describeRoom(e.Actor, obj.DBRef))
		return nil
	}
	name := obj.DisplayName()
	if e.Game.Controls(e.Actor, obj.DBRef) {
		name = obj.Display()
	}
	desc := obj.Desc
	if desc == "" {
		desc = "You see nothing special."
	}
	inv.Send(name + "\n" + desc)
	return nil
}

func cmdInventory(e *Env, inv *cmdset.Invocation) error {
	var names []string
	for _, ref := range e.Game.DB.Contents(e.Actor) {
		names = append(names, e.Game.Name(ref))
	}
	if len(names) == 0 {
		inv.Send("You aren't carrying anything.")
		return nil
	}
	inv.Send(fmt.Sprintf("You are carrying %s:\n%s", plural.Pluralize("item", len(names), true), strings.Join(names, "\n")))
	return nil
}

// --- Communication ---

func cmdSay(e *Env, inv *cmdset.Invocation) error {
	msg := rawArg(inv)
	if msg == "" {
		return cmdset.Usagef("Say what?")
	}
	self, ok := e.Game.DB.Get(e.Actor)
	if !ok {
		return fmt.Errorf("actor %s vanished", e.Actor)
	}
	data := map[string]any{"message": msg, "speaker": self.DisplayName()}
	e.Game.Emit(events.Event{Type: events.EvSay, Player: e.Actor, Source: e.Actor, Room: self.Location,
		Text: fmt.Sprintf("You say \"%s\"", msg), Data: data})
	e.Game.EmitRoomExcept(self.Location, e.Actor, events.Event{Type: events.EvSay, Source: e.Actor,
		Text: fmt.Sprintf("%s says \"%s\"", self.DisplayName(), msg), Data: data})
	return nil
}

func cmdPose(e *Env, inv *cmdset.Invocation) error {
	msg := rawArg(inv)
	self, ok := e.Game.DB.Get(e.Actor)
	if !ok {
		return fmt.Errorf("actor %s vanished", e.Actor)
	}
	e.Game.Bus.EmitToRoom(e.Game.DB, self.Location, events.Event{Type: events.EvPose, Source: e.Actor,
		Text: fmt.Sprintf("%s %s", self.DisplayName(), msg), Data: map[string]any{"pose": msg, "player": self.DisplayName()}})
	return nil
}

// cmdEmit backs definition-file commands: the command's text is a template
// where %N is the actor's name and %0 the argument.
func cmdEmit(e *Env, inv *cmdset.Invocation) error {
	self, ok := e.Game.DB.Get(e.Actor)
	if !ok {
		return fmt.Errorf("actor %s vanished", e.Actor)
	}
	arg := rawArg(inv)
	msg := inv.Command.Text
	if msg == "" {
		msg = arg
	}
	msg = strings.NewReplacer("%N", self.DisplayName(), "%n", self.DisplayName(), "%0", arg).Replace(msg)
	if strings.TrimSpace(msg) == "" {
		return cmdset.Usagef("Emit what?")
	}
	e.Game.Bus.EmitToRoom(e.Game.DB, self.Location, events.Event{Type: events.EvEmit, Source: e.Actor, Text: msg})
	return nil
}

// cmdDeny backs definition-file commands that exist only to refuse.
func cmdDeny(_ *Env, inv *cmdset.Invocation) error {
	reason := inv.Command.Text
	if reason == "" {
		reason = "You can't do that."
	}
	return &cmdset.Veto{Source: inv.Origin, Reason: reason}
}

// --- Objects ---

func cmdGet(e *Env, inv *cmdset.Invocation) error {
	arg := rawArg(inv)
	if arg == "" {
		return cmdset.Usagef("Get what?")
	}
	self, _ := e.Game.DB.Get(e.Actor)
	obj, ok := matchOne(e, inv, arg)
	if !ok {
		return nil
	}
	switch {
	case obj.Location == e.Actor:
		inv.Send("You already have that!")
		return nil
	case obj.Type != gamedb.TypeThing || obj.Location != self.Location:
		inv.Send("You can't pick that up.")
		return nil
	case !e.Game.Locks.Check(obj.Lock, e.Actor):
		inv.Send("You can't pick that up.")
		return nil
	}
	if err := e.Game.DB.Move(obj.DBRef, e.Actor); err != nil {
		return err
	}
	if moved, ok := e.Game.DB.Get(obj.DBRef); ok {
		e.Game.Persist(moved)
	}
	inv.Send("Taken.")
	e.Game.EmitRoomExcept(self.Location, e.Actor, events.Event{Type: events.EvRoom, Source: e.Actor,
		Text: fmt.Sprintf("%s picks up %s.", self.DisplayName(), obj.DisplayName())})
	return nil
}

func cmdDrop(e *Env, inv *cmdset.Invocation) error {
	arg := rawArg(inv)
	if arg == "" {
		return cmdset.Usagef("Drop what?")
	}
	self, _ := e.Game.DB.Get(e.Actor)
	obj, ok := matchOne(e, inv, arg)
	if !ok {
		return nil
	}
	if obj.Location != e.Actor {
		inv.Send("You don't have that!")
		return nil
	}
	if err := e.Game.DB.Move(obj.DBRef, self.Location); err != nil {
		return err
	}
	if moved, ok := e.Game.DB.Get(obj.DBRef); ok {
		e.Game.Persist(moved)
	}
	inv.Send("Dropped.")
	e.Game.EmitRoomExcept(self.Location, e.Actor, events.Event{Type: events.EvRoom, Source: e.Actor,
		Text: fmt.Sprintf("%s drops %s.", self.DisplayName(), obj.DisplayName())})
	return nil
}

// --- Movement ---

// moveActor relocates actor to dest with the usual room messages and
// shows the new room.
func (g *Game) moveActor(inv *cmdset.Invocation, actor, dest gamedb.DBRef) error {
	self, ok := g.DB.Get(actor)
	if !ok {
		return fmt.Errorf("actor %s vanished", actor)
	}
	from := self.Location
	if err := g.DB.Move(actor, dest); err != nil {
		return err
	}
	if moved, ok := g.DB.Get(actor); ok {
		g.Persist(moved)
	}
	name := self.DisplayName()
	g.EmitRoomExcept(from, actor, events.Event{Type: events.EvMove, Source: actor, Text: name + " has left."})
	g.EmitRoomExcept(dest, actor, events.Event{Type: events.EvMove, Source: actor, Text: name + " has arrived."})
	inv.Send(g.describeRoom(actor, dest))
	return nil
}

func traverseExit(exit gamedb.DBRef) CommandHandler {
	return func(e *Env, inv *cmdset.Invocation) error {
		return e.Game.traverse(inv, e.Actor, exit)
	}
}

func (g *Game) traverse(inv *cmdset.Invocation, actor, exitRef gamedb.DBRef) error {
	exit, ok := g.DB.Get(exitRef)
	if !ok {
		inv.Send("That exit is gone.")
		return nil
	}
	dest := exit.Destination
	if dest == gamedb.Home {
		if self, ok := g.DB.Get(actor); ok {
			dest = self.Home
		}
	}
	if !g.DB.Valid(dest) {
		inv.Send("That exit doesn't lead anywhere.")
		return nil
	}
	return g.moveActor(inv, actor, dest)
}

func cmdGo(e *Env, inv *cmdset.Invocation) error {
	arg := rawArg(inv)
	if arg == "" {
		return cmdset.Usagef("Go where?")
	}
	self, _ := e.Game.DB.Get(e.Actor)
	var found []*gamedb.Object
	for _, ref := range e.Game.DB.Exits(self.Location) {
		if x, ok := e.Game.DB.Get(ref); ok && x.Named(arg) {
			found = append(found, x)
		}
	}
	switch {
	case len(found) == 0:
		inv.Send("You can't go that way.")
		return nil
	case len(found) > 1:
		inv.Send("I don't know which way you mean!")
		return nil
	case !e.Game.Locks.Check(found[0].Lock, e.Actor):
		inv.Send("You can't go that way.")
		return nil
	}
	return e.Game.traverse(inv, e.Actor, found[0].DBRef)
}

func cmdHome(e *Env, inv *cmdset.Invocation) error {
	self, ok := e.Game.DB.Get(e.Actor)
	if !ok {
		return fmt.Errorf("actor %s vanished", e.Actor)
	}
	dest := self.Home
	if !e.Game.DB.Valid(dest) {
		dest = e.Game.Conf.StartingRoom()
	}
	if dest == self.Location {
		inv.Send("You are already home.")
		return nil
	}
	inv.Send("There's no place like home...")
	return e.Game.moveActor(inv, e.Actor, dest)
}

// --- Help ---

func cmdHelp(e *Env, inv *cmdset.Invocation) error {
	topic := rawArg(inv)
	if hf := e.Game.Texts.GetHelp(); hf != nil {
		if text := hf.Lookup(topic); text != "" {
			inv.Send(text)
			return nil
		}
	}
	if topic != "" {
		if cmd := inv.Table.Get(topic); cmd != nil && !cmd.Hidden {
			usage := cmd.Usage
			if usage == "" {
				usage = cmd.Name
			}
			inv.Send(fmt.Sprintf("%s (%s)\n  Usage: %s", cmd.Name, cmd.Category, usage))
			return nil
		}
		inv.Send(fmt.Sprintf("No entry for '%s'.", topic))
		return nil
	}

	// No help file: list what this actor can type right now.
	byCat := map[string][]string{}
	for _, entry := range inv.Table.Entries() {
		cmd := entry.Command
		if cmd.Hidden || cmd.Handler == nil || !e.Game.allowEntry(e, cmd) {
			continue
		}
		cat := cmd.Category
		if cat == "" {
			cat = "other"
		}
		byCat[cat] = append(byCat[cat], cmd.Name)
	}
	cats := make([]string, 0, len(byCat))
	for c := range byCat {
		cats = append(cats, c)
	}
	sort.Strings(cats)
	var sb strings.Builder
	sb.WriteString("Commands available here:")
	for _, c := range cats {
		fmt.Fprintf(&sb, "\n  %-14s %s", c+":", strings.Join(byCat[c], " "))
	}
	inv.Send(sb.String())
	return nil
}

func (g *Game) allowEntry(e *Env, cmd *cmdset.Command) bool {
	return g.allow(context.Background(), cmd.Lock, &cmdset.Invocation{Command: cmd, Env: e})
}

// --- Scheduling ---

func cmdWait(e *Env, inv *cmdset.Invocation) error {
	sw := switchArgs(inv)
	switch {
	case sw.Has("list"):
		pending := e.Game.Waits.Pending(e.Actor)
		if len(pending) == 0 {
			inv.Send("You have no pending waits.")
			return nil
		}
		var rows [][]any
		for _, w := range pending {
			rows = append(rows, []any{time.Until(w.WaitUntil).Round(time.Second), w.Line})
		}
		inv.Send(renderTable([]any{"Due In", "Command"}, rows))
		return nil
	case sw.Has("halt"):
		n := e.Game.Waits.HaltActor(e.Actor)
		inv.Send(fmt.Sprintf("%s halted.", plural.Pluralize("wait", n, true)))
		return nil
	}
	if !sw.HasEq || sw.RHS == "" {
		return cmdset.Usagef("Usage: @wait <seconds>=<command>")
	}
	secs, err := strconv.ParseFloat(sw.LHS, 64)
	if err != nil || secs < 0 {
		return cmdset.Usagef("Invalid wait time %q.", sw.LHS)
	}
	if _, err := e.Game.Waits.Add(e.Actor, sw.RHS, time.Duration(secs*float64(time.Second))); err != nil {
		inv.Send(fmt.Sprintf("Can't queue that: %v.", err))
		return nil
	}
	inv.Send("Queued.")
	return nil
}

// --- Building ---

func controlled(e *Env, inv *cmdset.Invocation, name string) (*gamedb.Object, bool) {
	obj, ok := matchOne(e, inv, name)
	if !ok {
		return nil, false
	}
	if !e.Game.Controls(e.Actor, obj.DBRef) {
		inv.Send("Permission denied.")
		return nil, false
	}
	return obj, true
}

func cmdLock(e *Env, inv *cmdset.Invocation) error {
	sw := switchArgs(inv)
	obj, ok := controlled(e, inv, sw.LHS)
	if !ok {
		return nil
	}
	if _, err := lock.Parse(sw.RHS); err != nil {
		return cmdset.Usagef("I don't understand that lock: %v", err)
	}
	updated, err := e.Game.DB.Update(obj.DBRef, func(o *gamedb.Object) error {
		o.Lock = sw.RHS
		o.Flags |= gamedb.FlagLocked
		return nil
	})
	if err != nil {
		return err
	}
	e.Game.Persist(updated)
	inv.Send("Locked.")
	return nil
}

func cmdUnlock(e *Env, inv *cmdset.Invocation) error {
	arg := rawArg(inv)
	if arg == "" {
		return cmdset.Usagef("Usage: @unlock <object>")
	}
	obj, ok := controlled(e, inv, arg)
	if !ok {
		return nil
	}
	updated, err := e.Game.DB.Update(obj.DBRef, func(o *gamedb.Object) error {
		o.Lock = ""
		o.Flags &^= gamedb.FlagLocked
		return nil
	})
	if err != nil {
		return err
	}
	e.Game.Persist(updated)
	inv.Send("Unlocked.")
	return nil
}

func cmdDescribe(e *Env, inv *cmdset.Invocation) error {
	sw := switchArgs(inv)
	obj, ok := controlled(e, inv, sw.LHS)
	if !ok {
		return nil
	}
	updated, err := e.Game.DB.Update(obj.DBRef, func(o *gamedb.Object) error {
		o.Desc = sw.RHS
		return nil
	})
	if err != nil {
		return err
	}
	e.Game.Persist(updated)
	inv.Send("Set.")
	return nil
}

func cmdRestrain(e *Env, inv *cmdset.Invocation) error {
	arg := rawArg(inv)
	if arg == "" {
		return cmdset.Usagef("Usage: @restrain <player>")
	}
	target := e.Game.DB.LookupPlayer(arg)
	if target == gamedb.Nothing {
		target = e.Game.DB.Match(e.Actor, arg)
	}
	obj, ok := e.Game.DB.Get(target)
	if !ok || obj.Type != gamedb.TypePlayer {
		inv.Send("No such player.")
		return nil
	}
	updated, err := e.Game.DB.Update(target, func(o *gamedb.Object) error {
		o.Flags ^= gamedb.FlagRestrained
		return nil
	})
	if err != nil {
		return err
	}
	e.Game.Persist(updated)
	if updated.HasFlag(gamedb.FlagRestrained) {
		inv.Send(fmt.Sprintf("%s is now restrained.", updated.DisplayName()))
		e.Game.Conns.SendToPlayer(target, "You have been restrained.")
	} else {
		inv.Send(fmt.Sprintf("%s is no longer restrained.", updated.DisplayName()))
		e.Game.Conns.SendToPlayer(target, "You are free to move again.")
	}
	return nil
}

func cmdDestroy(e *Env, inv *cmdset.Invocation) error {
	arg := rawArg(inv)
	if arg == "" {
		return cmdset.Usagef("Usage: @destroy <object>")
	}
	_, obj, err := e.Game.resolveTarget(e.Actor, arg)
	if err != nil {
		inv.Send(err.Error())
		return nil
	}
	if err := e.Game.Destroy(obj.DBRef); err != nil {
		inv.Send(fmt.Sprintf("You can't destroy that: %v.", err))
		return nil
	}
	inv.Send(fmt.Sprintf("Destroyed %s.", obj.DisplayName()))
	return nil
}

// --- History ---

func cmdHistory(e *Env, inv *cmdset.Invocation) error {
	if e.Game.History == nil {
		inv.Send("Command history is not enabled.")
		return nil
	}
	sw := switchArgs(inv)
	n := 10
	if sw.Arg != "" {
		v, err := strconv.Atoi(sw.Arg)
		if err != nil || v < 1 {
			return cmdset.Usagef("Usage: @history[/faults] [<count>]")
		}
		n = min(v, 100)
	}
	var rows []HistoryRow
	var err error
	if sw.Has("faults") {
		if !e.Game.Wizard(e.Actor) {
			inv.Send("Permission denied.")
			return nil
		}
		rows, err = e.Game.History.Faults(n)
	} else {
		rows, err = e.Game.History.Recent(e.Actor, n)
	}
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		inv.Send("No history.")
		return nil
	}
	var out [][]any
	for _, r := range rows {
		outcome := r.State
		if r.Reason != "ok" {
			outcome += "/" + r.Reason
		}
		out = append(out, []any{r.At.Format("15:04:05"), r.Line, r.Command, outcome, r.Elapsed.Round(time.Microsecond)})
	}
	inv.Send(renderTable([]any{"When", "Line", "Command", "Outcome", "Took"}, out))
	return nil
}
