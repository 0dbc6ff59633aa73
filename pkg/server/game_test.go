package server

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/crystal-mush/cmdhost/pkg/cmdset"
	"github.com/crystal-mush/cmdhost/pkg/dispatch"
	"github.com/crystal-mush/cmdhost/pkg/gamedb"
)

const wizPass = "potrzebie"

// newTestGame boots a fresh world in a temp dir: Limbo(#0) and Wizard(#1).
func newTestGame(t *testing.T, tweak func(*GameConf)) *Game {
	t.Helper()
	conf := DefaultGameConf()
	conf.DataDir = t.TempDir()
	conf.CmdSetDir = ""
	conf.SQLPath = "history.db"
	conf.LoginAttempts = 3
	if tweak != nil {
		tweak(conf)
	}
	store, err := OpenWorld(conf, wizPass)
	if err != nil {
		t.Fatalf("OpenWorld: %v", err)
	}
	g, err := NewGame(conf, store)
	if err != nil {
		store.Close()
		t.Fatalf("NewGame: %v", err)
	}
	t.Cleanup(func() {
		g.Close()
		store.Close()
	})
	return g
}

// client is a connected session that records everything sent to it.
type client struct {
	*Descriptor
	g   *Game
	mu  sync.Mutex
	out []string
}

func newClient(t *testing.T, g *Game) *client {
	t.Helper()
	c := &client{g: g, Descriptor: newDescriptor("192.0.2.10:4201", TransportTCP)}
	c.SendFunc = func(msg string) {
		c.mu.Lock()
		c.out = append(c.out, msg)
		c.mu.Unlock()
	}
	g.Connect(c.Descriptor)
	t.Cleanup(func() { g.Disconnect(c.Descriptor) })
	return c
}

// login connects a new client as name.
func login(t *testing.T, g *Game, name, password string) *client {
	t.Helper()
	c := newClient(t, g)
	c.run("connect " + name + " " + password)
	if c.State() != ConnConnected {
		t.Fatalf("login %s failed: %q", name, c.text())
	}
	c.reset()
	return c
}

// newPlayer creates an account and logs a client into it.
func newPlayer(t *testing.T, g *Game, name string) *client {
	t.Helper()
	if _, err := g.CreateAccount(name, "pw-"+name); err != nil {
		t.Fatalf("CreateAccount %s: %v", name, err)
	}
	return login(t, g, name, "pw-"+name)
}

// run executes a line synchronously.
func (c *client) run(line string) dispatch.Outcome {
	return c.g.RunLine(context.Background(), c.Descriptor, line)
}

func (c *client) text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.out, "\n")
}

func (c *client) saw(sub string) bool {
	return strings.Contains(c.text(), sub)
}

func (c *client) reset() {
	c.mu.Lock()
	c.out = nil
	c.mu.Unlock()
}

func mustGet(t *testing.T, g *Game, ref gamedb.DBRef) *gamedb.Object {
	t.Helper()
	obj, ok := g.DB.Get(ref)
	if !ok {
		t.Fatalf("no object %s", ref)
	}
	return obj
}

// mkRoom creates a room owned by the wizard.
func mkRoom(g *Game, name string) gamedb.DBRef {
	return g.DB.Create(name, gamedb.TypeRoom, gamedb.Nothing, 1).DBRef
}

// mkExit creates an exit in from leading to to.
func mkExit(t *testing.T, g *Game, name string, from, to gamedb.DBRef) gamedb.DBRef {
	t.Helper()
	x := g.DB.Create(name, gamedb.TypeExit, from, 1)
	if _, err := g.DB.Update(x.DBRef, func(o *gamedb.Object) error {
		o.Destination = to
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	return x.DBRef
}

func TestParseCredentials(t *testing.T) {
	tests := []struct {
		in, user, pass string
	}{
		{"Wizard potrzebie", "Wizard", "potrzebie"},
		{"  Wizard   two words ", "Wizard", "two words"},
		{`"Long Name" secret`, "Long Name", "secret"},
		{`"Unclosed secret`, `"Unclosed`, "secret"},
		{"solo", "solo", ""},
		{"", "", ""},
	}
	for _, tt := range tests {
		user, pass := ParseCredentials(tt.in)
		if user != tt.user || pass != tt.pass {
			t.Errorf("ParseCredentials(%q) = %q, %q; want %q, %q", tt.in, user, pass, tt.user, tt.pass)
		}
	}
}

func TestConnectFlow(t *testing.T) {
	g := newTestGame(t, nil)
	c := newClient(t, g)

	out := c.run("look")
	if out.Reason != dispatch.ReasonNoMatch {
		t.Errorf("look before login: reason = %s, want nomatch", out.Reason)
	}

	c.run("connect Wizard wrong")
	if c.State() != ConnLogin || !c.saw(ErrBadLogin.Error()) {
		t.Fatalf("bad password: state %v, output %q", c.State(), c.text())
	}

	c.reset()
	out = c.run("connect wizard " + wizPass)
	if out.State != dispatch.Done {
		t.Fatalf("connect: %s/%s %v", out.State, out.Reason, out.Err)
	}
	if c.Actor() != 1 || c.AccountName() != "Wizard" {
		t.Errorf("logged in as %s (%q), want #1 (Wizard)", c.Actor(), c.AccountName())
	}
	if !c.saw("Welcome back, Wizard!") || !c.saw("Limbo(#0)") {
		t.Errorf("arrival output = %q", c.text())
	}

	// The login vocabulary is gone; the actor's is in.
	if out := c.run("connect Wizard " + wizPass); out.Reason != dispatch.ReasonNoMatch {
		t.Errorf("connect after login: reason = %s, want nomatch", out.Reason)
	}
	c.reset()
	if out := c.run("l"); out.State != dispatch.Done || !c.saw("featureless grey expanse") {
		t.Errorf("l: %s, output %q", out.State, c.text())
	}
}

func TestLoginThrottle(t *testing.T) {
	g := newTestGame(t, nil)
	c := newClient(t, g)
	for i := 0; i < 3; i++ {
		c.run("connect Wizard nope")
	}
	c.reset()
	c.run("connect Wizard " + wizPass)
	if !c.saw(ErrThrottled.Error()) {
		t.Errorf("output = %q, want throttle message", c.text())
	}
	if !c.IsClosed() {
		t.Error("throttled session left open")
	}

	// Another host is still blocked by the account-name key.
	if _, err := g.Authenticate("198.51.100.7:1", "wizard", wizPass); err != ErrThrottled {
		t.Errorf("Authenticate from new host = %v, want ErrThrottled", err)
	}
}

func TestCreateAccount(t *testing.T) {
	g := newTestGame(t, nil)
	c := newClient(t, g)
	c.run("create Alice sesame")
	if c.State() != ConnConnected {
		t.Fatalf("create failed: %q", c.text())
	}
	alice := mustGet(t, g, c.Actor())
	if alice.Location != 0 || alice.Type != gamedb.TypePlayer {
		t.Errorf("new actor = %+v", alice)
	}
	if len(alice.CmdSets) != 1 || alice.CmdSets[0] != SetActor {
		t.Errorf("CmdSets = %v, want [actor]", alice.CmdSets)
	}

	for _, tt := range []struct{ name, pass string }{
		{"Alice", "x"},
		{"me", "x"},
		{"a", "x"},
		{"Bad=Name", "x"},
		{"Bob", ""},
	} {
		if _, err := g.CreateAccount(tt.name, tt.pass); err == nil {
			t.Errorf("CreateAccount(%q, %q) succeeded", tt.name, tt.pass)
		}
	}
}

func TestCreateDisabled(t *testing.T) {
	g := newTestGame(t, func(c *GameConf) { c.AllowCreate = false })
	c := newClient(t, g)
	c.run("create Alice sesame")
	if c.State() != ConnLogin || !c.saw("disabled") {
		t.Errorf("state %v, output %q", c.State(), c.text())
	}
}

func TestQuitClosesSession(t *testing.T) {
	g := newTestGame(t, nil)
	c := login(t, g, "Wizard", wizPass)
	c.run("QUIT")
	if !c.IsClosed() || !c.saw("Goodbye!") {
		t.Errorf("closed=%v output=%q", c.IsClosed(), c.text())
	}
}

func TestOutcomeEvent(t *testing.T) {
	g := newTestGame(t, nil)
	c := login(t, g, "Wizard", wizPass)
	out := c.run("look")
	ev := OutcomeEvent(c.Actor(), out)
	if ev.Data["state"] != "done" || ev.Data["command"] != "look" || ev.Data["set"] != SetActor {
		t.Errorf("event data = %v", ev.Data)
	}
	if _, ok := ev.Data["candidates"]; ok {
		t.Error("candidates present for a resolved line")
	}

	out = c.run("frobnicate")
	ev = OutcomeEvent(c.Actor(), out)
	if ev.Data["reason"] != "nomatch" {
		t.Errorf("reason = %v, want nomatch", ev.Data["reason"])
	}
	if _, ok := ev.Data["command"]; ok {
		t.Error("command present for an unmatched line")
	}
}

func TestExecSerializesThroughQueue(t *testing.T) {
	g := newTestGame(t, nil)
	c := login(t, g, "Wizard", wizPass)
	out, ok := g.Exec(context.Background(), c.Descriptor, "look")
	if !ok || out.State != dispatch.Done {
		t.Fatalf("Exec = %v, %v", out.State, ok)
	}
	if !c.saw("Limbo") {
		t.Errorf("output = %q", c.text())
	}
}

func TestHistoryRecordsLoggedInLines(t *testing.T) {
	g := newTestGame(t, nil)
	c := newClient(t, g)
	c.run("connect Wizard " + wizPass)
	c.run("look")
	c.run("xyzzy")

	rows, err := g.History.Recent(1, 10)
	if err != nil {
		t.Fatal(err)
	}
	var lines []string
	for _, r := range rows {
		if strings.Contains(r.Line, wizPass) {
			t.Errorf("password recorded: %q", r.Line)
		}
		lines = append(lines, r.Line+":"+r.State)
	}
	want := "xyzzy:rejected,look:done"
	if got := strings.Join(lines, ","); got != want {
		t.Errorf("history = %s, want %s", got, want)
	}
	if rows[1].Command != "look" || rows[1].SetKey != SetActor {
		t.Errorf("look row = %+v", rows[1])
	}
}

// addHang puts a "hang" command in the library that blocks until unblock
// is closed, and attaches it to the wizard.
func addHang(t *testing.T, g *Game, started chan<- struct{}, unblock <-chan struct{}) {
	t.Helper()
	var once sync.Once
	g.Library.Add(cmdset.MustSet("hang", 1, cmdset.Union, &cmdset.Command{
		Name: "hang",
		Handler: cmdset.HandlerFunc(func(context.Context, *cmdset.Invocation) error {
			once.Do(func() { close(started) })
			<-unblock
			return nil
		}),
	}))
	if err := g.AttachSet(refFor(1, gamedb.TypePlayer), "hang", false); err != nil {
		t.Fatal(err)
	}
}

func TestDisconnectDropsQueuedLines(t *testing.T) {
	g := newTestGame(t, nil)
	started, unblock := make(chan struct{}), make(chan struct{})
	addHang(t, g, started, unblock)
	c := login(t, g, "Wizard", wizPass)
	key := c.QueueKey()

	outcomes := make(chan dispatch.Outcome, 4)
	record := func(o dispatch.Outcome) { outcomes <- o }
	g.SubmitFunc(c.Descriptor, "hang", record)
	<-started
	if got := g.Running(1); got != "hang" {
		t.Errorf("Running = %q, want hang", got)
	}
	g.SubmitFunc(c.Descriptor, "say never", record)
	g.SubmitFunc(c.Descriptor, "look", record)
	if n := g.Actors.Depth(key); n != 2 {
		t.Fatalf("depth = %d, want 2", n)
	}

	g.Disconnect(c.Descriptor)
	if n := g.Actors.Depth(key); n != 0 {
		t.Errorf("depth after disconnect = %d, want 0", n)
	}
	close(unblock)
	select {
	case out := <-outcomes:
		if out.State != dispatch.Done || out.Line != "hang" {
			t.Errorf("in-flight line ended %s/%s (%q)", out.State, out.Reason, out.Line)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight line never finished")
	}
	g.Actors.Wait()
	select {
	case out := <-outcomes:
		t.Errorf("discarded line ran: %q", out.Line)
	default:
	}
	if got := g.Running(1); got != "" {
		t.Errorf("Running = %q after the line ended; release did not run", got)
	}
}

func TestDisconnectKeepsLinesOfOtherSessions(t *testing.T) {
	g := newTestGame(t, nil)
	started, unblock := make(chan struct{}), make(chan struct{})
	addHang(t, g, started, unblock)
	first := login(t, g, "Wizard", wizPass)
	second := login(t, g, "Wizard", wizPass)

	outcomes := make(chan dispatch.Outcome, 2)
	g.SubmitFunc(first.Descriptor, "hang", nil)
	<-started
	g.SubmitFunc(second.Descriptor, "look", func(o dispatch.Outcome) { outcomes <- o })

	g.Disconnect(first.Descriptor)
	if n := g.Actors.Depth(second.QueueKey()); n != 1 {
		t.Errorf("depth = %d, want the second session's line kept", n)
	}
	close(unblock)
	select {
	case out := <-outcomes:
		if out.State != dispatch.Done {
			t.Errorf("look: %s/%s", out.State, out.Reason)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("second session's line never ran")
	}
	if !second.saw("Limbo") {
		t.Errorf("second session output = %q", second.text())
	}
}
