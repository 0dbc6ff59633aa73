package server

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/crystal-mush/cmdhost/pkg/boltstore"
	"github.com/crystal-mush/cmdhost/pkg/cmdset"
	"github.com/crystal-mush/cmdhost/pkg/dispatch"
	"github.com/crystal-mush/cmdhost/pkg/events"
	"github.com/crystal-mush/cmdhost/pkg/gamedb"
	"github.com/crystal-mush/cmdhost/pkg/lock"
)

// Game is the host: world, accounts, attachments, the command engine and
// everything that feeds lines into it.
type Game struct {
	Conf     *GameConf
	DB       *gamedb.Database
	Store    *boltstore.Store
	Conns    *ConnManager
	Bus      *events.Bus
	Sets     *cmdset.Registry
	Library  *cmdset.Library
	Handlers *cmdset.HandlerRegistry
	Engine   *dispatch.Engine
	Locks    *lock.Checker
	Actors   *ActorQueues
	Waits    *Scheduler
	Metrics  *Metrics
	History  *HistoryStore // nil = disabled
	Texts    *TextFiles

	StartTime time.Time

	logins  *loginLimiter
	running sync.Map // gamedb.DBRef -> name of the command in progress
	ctx     context.Context
	mu      sync.Mutex // guards ctx
}

// Env is the host state handed to handlers through Invocation.Env.
type Env struct {
	Game    *Game
	Session *Descriptor
	Actor   gamedb.DBRef
}

func envOf(inv *cmdset.Invocation) *Env {
	e, _ := inv.Env.(*Env)
	return e
}

// NewGame wires a game around an opened store. The store's world must
// already be loaded.
func NewGame(conf *GameConf, store *boltstore.Store) (*Game, error) {
	if conf == nil {
		conf = DefaultGameConf()
	}
	bus := events.NewBus()
	g := &Game{
		Conf:      conf,
		DB:        store.DB(),
		Store:     store,
		Conns:     NewConnManager(bus),
		Bus:       bus,
		Sets:      cmdset.NewRegistry(),
		Handlers:  cmdset.NewHandlerRegistry(),
		StartTime: time.Now(),
		ctx:       context.Background(),
	}
	g.Locks = lock.NewChecker(g.DB)
	g.Metrics = NewMetrics(g, g.StartTime)
	g.logins = newLoginLimiter(conf.LoginAttempts, time.Duration(conf.LoginWindow)*time.Second)

	registerBuiltins(g.Handlers)
	g.Library = cmdset.NewLibrary(g.Handlers)
	for _, s := range builtinSets() {
		g.Library.Add(s)
	}
	if conf.CmdSetDir != "" {
		if _, err := g.Library.LoadDir(conf.Path(conf.CmdSetDir)); err != nil {
			return nil, fmt.Errorf("loading cmdsets: %w", err)
		}
	}

	disp := dispatch.New(dispatch.Options{
		Policy:     dispatch.PolicyFunc(g.allow),
		HideDenied: conf.HideDenied,
		Observer:   g.Metrics,
	})
	g.Engine = dispatch.NewEngine(disp, cmdset.Options{Duplicates: conf.Duplicates()})

	g.Actors = NewActorQueues(conf.QueueLimit)
	g.Actors.OnDrop = func(string) { g.Metrics.Dropped() }
	g.Waits = NewScheduler(conf.WaitLimit, g.fireWait)
	g.Texts = LoadTextFiles(conf.Path(conf.TextDir))

	if conf.SQLPath != "" {
		h, err := OpenHistory(conf.Path(conf.SQLPath), 5)
		if err != nil {
			return nil, err
		}
		g.History = h
	}

	g.restoreAttachments()
	return g, nil
}

// Start runs the background loops (scheduler, reloaders, pruning, idle
// reaping) until ctx is done.
func (g *Game) Start(ctx context.Context) {
	g.mu.Lock()
	g.ctx = ctx
	g.mu.Unlock()

	go g.Waits.Run(ctx)

	if dir := g.Conf.Path(g.Conf.CmdSetDir); dir != "" {
		if _, err := os.Stat(dir); err == nil {
			err := g.Library.Watch(ctx, dir, func(s *cmdset.Set) {
				n := g.Sets.Rebind(s)
				DebugLog("cmdset %s rebound on %d attachments", s.Key, n)
			})
			if err != nil {
				log.Printf("WARNING: %v", err)
			}
		}
	}
	if err := g.Texts.Watch(ctx); err != nil {
		log.Printf("WARNING: Could not watch text directory: %v", err)
	}
	if g.Conf.BackupInterval > 0 && g.Conf.BackupDir != "" {
		go g.backupLoop(ctx)
	}
	go g.housekeeping(ctx)
}

func (g *Game) baseContext() context.Context {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ctx
}

// housekeeping reaps idle sessions, prunes history and drops stale bus
// subscribers.
func (g *Game) housekeeping(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if idle := g.Conf.Idle(); idle > 0 {
				for _, d := range g.Conns.AllDescriptors() {
					if d.Transport != TransportInternal && d.Idle() > idle {
						log.Printf("[%s] idle timeout (%s)", d.ID, FormatIdleTime(d.Idle()))
						d.Send("*** Inactivity timeout ***")
						d.Close()
					}
				}
			}
			if g.History != nil && g.Conf.HistoryRetain > 0 {
				if n, err := g.History.Prune(time.Duration(g.Conf.HistoryRetain) * time.Second); err != nil {
					log.Printf("history prune: %v", err)
				} else if n > 0 {
					DebugLog("history: pruned %d rows", n)
				}
			}
			g.Bus.Cleanup()
		}
	}
}

// Close stops intake and waits for queued lines to finish.
func (g *Game) Close() error {
	g.Actors.Close()
	if g.History != nil {
		return g.History.Close()
	}
	return nil
}

// allow is the dispatcher's policy: the command lock is evaluated with the
// invoking actor as subject. Sessions without an actor pass only empty
// locks.
func (g *Game) allow(_ context.Context, lockStr string, inv *cmdset.Invocation) bool {
	if strings.TrimSpace(lockStr) == "" {
		return true
	}
	e := envOf(inv)
	if e == nil || e.Actor == gamedb.Nothing {
		return false
	}
	return g.Locks.Check(lockStr, e.Actor)
}

// Connect registers a new session and gives it the pre-login vocabulary.
func (g *Game) Connect(d *Descriptor) {
	g.Conns.Add(d)
	if set, ok := g.Library.Get(SetUnloggedIn); ok {
		g.Sets.Stack(connRef(d)).Attach(set, false)
	}
	if d.Transport != TransportInternal {
		g.Metrics.Connected(d.Transport)
	}
	log.Printf("[%s] New %s connection from %s", d.ID, d.Transport, d.Addr)
}

// Disconnect tears a session down. When it was the actor's last session
// the lines still queued for it are dropped; the line in progress runs to
// its end and its output goes nowhere.
func (g *Game) Disconnect(d *Descriptor) {
	player := d.Actor()
	key := d.QueueKey()
	g.Conns.Remove(d)
	g.Sets.Drop(connRef(d))
	if player == gamedb.Nothing || !g.Conns.IsConnected(player) {
		if n := g.Actors.Discard(key); n > 0 {
			log.Printf("[%s] Discarded %d queued lines", d.ID, n)
		}
	}
	if player != gamedb.Nothing && !g.Conns.IsConnected(player) {
		if obj, ok := g.DB.Get(player); ok {
			g.Bus.EmitToRoomExcept(g.DB, obj.Location, player, events.Event{
				Type:   events.EvDisconnect,
				Player: player,
				Source: player,
				Text:   fmt.Sprintf("%s has disconnected.", obj.DisplayName()),
			})
		}
	}
	log.Printf("[%s] Connection closed from %s", d.ID, d.Addr)
}

// Submit queues one input line on the session's mailbox. Lines of one
// actor run strictly in order; different actors run concurrently.
func (g *Game) Submit(d *Descriptor, line string) bool {
	return g.SubmitFunc(d, line, nil)
}

// SubmitFunc is Submit with a callback that receives the line's outcome on
// the queue goroutine.
func (g *Game) SubmitFunc(d *Descriptor, line string, then func(dispatch.Outcome)) bool {
	d.received(len(line) + 1)
	ok := g.Actors.Submit(d.QueueKey(), func() {
		out := g.RunLine(g.baseContext(), d, line)
		if then != nil {
			then(out)
		}
	})
	if !ok {
		d.Send("Too many pending commands. That line was dropped.")
	}
	return ok
}

// Exec queues line for d like Submit and waits for it to finish. It
// returns false if the line was dropped or ctx ended first.
func (g *Game) Exec(ctx context.Context, d *Descriptor, line string) (dispatch.Outcome, bool) {
	done := make(chan dispatch.Outcome, 1)
	if !g.SubmitFunc(d, line, func(out dispatch.Outcome) { done <- out }) {
		return dispatch.Outcome{}, false
	}
	select {
	case out := <-done:
		return out, true
	case <-ctx.Done():
		return dispatch.Outcome{}, false
	}
}

// OutcomeEvent describes a finished line for structured clients.
func OutcomeEvent(actor gamedb.DBRef, out dispatch.Outcome) events.Event {
	data := map[string]any{
		"line":       out.Line,
		"state":      out.State.String(),
		"reason":     out.Reason.String(),
		"elapsed_us": out.Elapsed.Microseconds(),
	}
	if out.Entry.Command != nil {
		data["command"] = out.Entry.Command.Name
		data["set"] = out.Entry.SetKey
		data["source"] = out.Entry.Source.String()
	}
	if len(out.Candidates) > 0 {
		names := make([]string, len(out.Candidates))
		for i, c := range out.Candidates {
			names[i] = c.Display
		}
		data["candidates"] = names
	}
	return events.Event{Type: events.EvOutcome, Player: actor, Source: actor, Data: data}
}

// RunLine resolves and executes line for d on the calling goroutine.
// Callers other than tests should go through Submit.
func (g *Game) RunLine(ctx context.Context, d *Descriptor, line string) dispatch.Outcome {
	actor := d.Actor()
	call := &dispatch.Call{
		ID:      d.ID,
		Caller:  d,
		Sources: g.CallingContext(d),
		Env:     &Env{Game: g, Session: d, Actor: actor},
	}
	out := g.Engine.Handle(ctx, call, line)
	// Pre-login lines carry passwords and are never recorded.
	if g.History != nil && actor != gamedb.Nothing && strings.TrimSpace(line) != "" {
		if err := g.History.Record(d.ID, actor, out); err != nil {
			log.Printf("[%s] %v", d.ID, err)
		}
	}
	return out
}

// Puppet returns an internal session that acts as actor. Its output goes to
// the actor's connected sessions through the event bus.
func (g *Game) Puppet(actor gamedb.DBRef) *Descriptor {
	return g.InternalSession(actor, "", func(msg string) {
		g.Bus.EmitToPlayer(actor, events.Event{Type: events.EvText, Player: actor, Source: actor, Text: msg})
	})
}

// InternalSession returns a session already logged in as actor whose
// output goes to send. It is not registered with the connection manager.
func (g *Game) InternalSession(actor gamedb.DBRef, account string, send func(string)) *Descriptor {
	d := newDescriptor("internal", TransportInternal)
	d.state = ConnConnected
	d.player = actor
	d.account = account
	d.SendFunc = send
	return d
}

// fireWait runs a due @wait line as its actor.
func (g *Game) fireWait(e *WaitEntry) {
	if !g.DB.Valid(e.Actor) {
		return
	}
	p := g.Puppet(e.Actor)
	g.Actors.Submit(p.QueueKey(), func() {
		g.RunLine(g.baseContext(), p, e.Line)
	})
}

// Persist writes objects through to the store and logs failures.
func (g *Game) Persist(objs ...*gamedb.Object) {
	if err := g.Store.PutObjects(objs...); err != nil {
		log.Printf("persist: %v", err)
	}
}

// Destroy removes ref and the exits it holds. Its other contents go home.
// Command sets attached to anything removed, the object's pending waits
// and queued lines, and its store records go with it.
func (g *Game) Destroy(ref gamedb.DBRef) error {
	obj, ok := g.DB.Get(ref)
	if !ok {
		return fmt.Errorf("no such object %s", ref)
	}
	switch {
	case obj.Type == gamedb.TypePlayer:
		return fmt.Errorf("%s is a player", obj.DisplayName())
	case ref == 0:
		return fmt.Errorf("%s cannot be destroyed", obj.DisplayName())
	}
	exits := g.DB.Exits(ref)
	contents := g.DB.Contents(ref)
	if err := g.DB.Destroy(ref); err != nil {
		return err
	}

	g.Sets.Drop(objRef(obj))
	for _, x := range exits {
		g.Sets.Drop(refFor(x, gamedb.TypeExit))
	}
	if n := g.Waits.HaltActor(ref); n > 0 {
		DebugLog("%s: cancelled %d pending waits", ref, n)
	}
	g.Actors.Discard(ref.String())

	for _, r := range append([]gamedb.DBRef{ref}, exits...) {
		if err := g.Store.DeleteObject(r); err != nil {
			log.Printf("destroy %s: %v", r, err)
		}
	}
	moved := make([]*gamedb.Object, 0, len(contents))
	for _, c := range contents {
		if o, ok := g.DB.Get(c); ok {
			moved = append(moved, o)
		}
	}
	if len(moved) > 0 {
		g.Persist(moved...)
	}
	log.Printf("Destroyed %s(%s) with %d exits", obj.DisplayName(), ref, len(exits))
	return nil
}

// Running returns the command actor is executing, or "".
func (g *Game) Running(actor gamedb.DBRef) string {
	if v, ok := g.running.Load(actor); ok {
		return v.(string)
	}
	return ""
}

// Emit sends an event to the player named in ev.Player.
func (g *Game) Emit(ev events.Event) {
	g.Bus.Emit(ev)
}

// EmitRoomExcept sends an event to everyone in room but except.
func (g *Game) EmitRoomExcept(room, except gamedb.DBRef, ev events.Event) {
	g.Bus.EmitToRoomExcept(g.DB, room, except, ev)
}

// Wizard reports whether ref has the WIZARD flag.
func (g *Game) Wizard(ref gamedb.DBRef) bool {
	obj, ok := g.DB.Get(ref)
	return ok && obj.HasFlag(gamedb.FlagWizard)
}

// Controls reports whether who may see and modify what: wizards control
// everything, everyone controls themselves and what they own.
func (g *Game) Controls(who, what gamedb.DBRef) bool {
	if who == what || g.Wizard(who) {
		return true
	}
	return g.DB.OwnerOf(what) == who
}

// Name returns the display name of ref, or "*NOTHING*".
func (g *Game) Name(ref gamedb.DBRef) string {
	if obj, ok := g.DB.Get(ref); ok {
		return obj.DisplayName()
	}
	return "*NOTHING*"
}
