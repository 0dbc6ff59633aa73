package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/crystal-mush/cmdhost/pkg/cmdset"
)

type sink struct {
	mu    sync.Mutex
	lines []string
}

func (s *sink) Send(msg string) {
	s.mu.Lock()
	s.lines = append(s.lines, msg)
	s.mu.Unlock()
}

func (s *sink) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

// recGuard records hook activity and optionally vetoes.
type recGuard struct {
	mu       sync.Mutex
	events   []string
	veto     string
	panicky  bool
	released int
}

func (g *recGuard) log(ev string) {
	g.mu.Lock()
	g.events = append(g.events, ev)
	g.mu.Unlock()
}

func (g *recGuard) Before(ctx context.Context, inv *cmdset.Invocation) (func(), error) {
	g.log("before " + inv.Command.Name)
	release := func() {
		g.mu.Lock()
		g.released++
		g.mu.Unlock()
	}
	if g.panicky {
		panic("guard exploded")
	}
	if g.veto != "" {
		return release, &cmdset.Veto{Reason: g.veto}
	}
	return release, nil
}

func (g *recGuard) After(ctx context.Context, inv *cmdset.Invocation, err error) {
	if err != nil {
		g.log("after " + inv.Command.Name + " err")
		return
	}
	g.log("after " + inv.Command.Name)
}

// lockPolicy admits only locks listed in allow.
func lockPolicy(allow ...string) PolicyEvaluator {
	return PolicyFunc(func(ctx context.Context, lock string, inv *cmdset.Invocation) bool {
		for _, a := range allow {
			if a == lock {
				return true
			}
		}
		return false
	})
}

type testRig struct {
	out    *sink
	guard  *recGuard
	engine *Engine
	call   *Call
}

func newRig(t *testing.T, opts Options, cmds ...*cmdset.Command) *testRig {
	t.Helper()
	r := &testRig{out: &sink{}, guard: &recGuard{}}
	set := cmdset.MustSet("actor", 0, cmdset.Union, cmds...)
	r.call = &Call{
		ID:     "#1",
		Caller: r.out,
		Sources: cmdset.Context{
			{Ref: cmdset.Ref{Kind: cmdset.KindActor, ID: "#1"}, Sets: []*cmdset.Set{set}, Guard: r.guard},
		},
	}
	r.engine = NewEngine(New(opts), cmdset.Options{})
	return r
}

func say(handler func(ctx context.Context, inv *cmdset.Invocation) error) *cmdset.Command {
	return &cmdset.Command{Name: "say", Handler: cmdset.HandlerFunc(handler)}
}

func TestExecuteDone(t *testing.T) {
	r := newRig(t, Options{}, say(func(ctx context.Context, inv *cmdset.Invocation) error {
		inv.Send("You say, \"" + inv.Args.(string) + "\"")
		return nil
	}))
	out := r.engine.Handle(context.Background(), r.call, "say  hi there ")

	want := []State{Received, PolicyChecked, Parsed, PreHooked, Executed, PostHooked, Done}
	if diff := cmp.Diff(want, out.Trace); diff != "" {
		t.Errorf("trace (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{`You say, "hi there"`}, r.out.all()); diff != "" {
		t.Errorf("output (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"before say", "after say"}, r.guard.events); diff != "" {
		t.Errorf("hooks (-want +got):\n%s", diff)
	}
	if r.guard.released != 1 {
		t.Errorf("released %d times, want 1", r.guard.released)
	}
}

func TestPolicyOpacity(t *testing.T) {
	secret := &cmdset.Command{Name: "@shutdown", Lock: "wizard", Hidden: true,
		Handler: cmdset.HandlerFunc(func(context.Context, *cmdset.Invocation) error {
			t.Error("handler ran despite failed lock")
			return nil
		})}
	r := newRig(t, Options{Policy: lockPolicy()}, secret)

	denied := r.engine.Handle(context.Background(), r.call, "@shutdown now")
	unknown := r.engine.Handle(context.Background(), r.call, "@frobnicate now")

	if denied.Reason != ReasonPolicy || unknown.Reason != ReasonNoMatch {
		t.Fatalf("reasons = %v / %v", denied.Reason, unknown.Reason)
	}
	lines := r.out.all()
	if len(lines) != 2 || lines[0] != lines[1] {
		t.Errorf("hidden denial not identical to no match: %q", lines)
	}
	if len(r.guard.events) != 0 {
		t.Errorf("hooks ran on policy rejection: %v", r.guard.events)
	}
}

func TestHiddenCommandsStayOutOfMatching(t *testing.T) {
	noop := cmdset.HandlerFunc(func(context.Context, *cmdset.Invocation) error { return nil })
	look := &cmdset.Command{Name: "look", Handler: noop}
	locker := &cmdset.Command{Name: "locker", Handler: noop}
	lockdown := &cmdset.Command{Name: "lockdown", Lock: "wizard", Hidden: true, Handler: noop}
	lock := &cmdset.Command{Name: "lock", Lock: "wizard", Hidden: true, Handler: noop}

	tests := []struct {
		name   string
		allow  []string
		line   string
		state  State
		reason Reason
		cmd    string
	}{
		{"prefix ignores hidden", nil, "lo", Rejected, ReasonAmbiguous, ""},
		{"single visible prefix", nil, "loo", Done, ReasonNone, "look"},
		{"hidden exact does not shadow", nil, "lock", Done, ReasonNone, "locker"},
		{"hidden prefix does not collide", nil, "lockd", Rejected, ReasonPolicy, ""},
		{"selection over visible", nil, "lo-2", Done, ReasonNone, "look"},
		{"no third candidate", nil, "lo-3", Rejected, ReasonNoMatch, ""},
		{"allowed caller sees all", []string{"wizard"}, "lock", Done, ReasonNone, "lock"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRig(t, Options{Policy: lockPolicy(tt.allow...)}, look, locker, lockdown, lock)
			out := r.engine.Handle(context.Background(), r.call, tt.line)
			if out.State != tt.state || out.Reason != tt.reason {
				t.Fatalf("%q: %s/%s, want %s/%s (%q)", tt.line, out.State, out.Reason, tt.state, tt.reason, r.out.all())
			}
			if tt.cmd != "" && out.Entry.Command.Name != tt.cmd {
				t.Errorf("%q ran %s, want %s", tt.line, out.Entry.Command.Name, tt.cmd)
			}
			for _, msg := range r.out.all() {
				if strings.Contains(msg, "lockdown") || strings.Contains(msg, "-3") {
					t.Errorf("hidden command leaked: %q", msg)
				}
			}
		})
	}

	alone := newRig(t, Options{Policy: lockPolicy()}, look, lockdown)
	if out := alone.engine.Handle(context.Background(), alone.call, "lo"); out.State != Done || out.Entry.Command != look {
		t.Errorf("lo beside a hidden lockdown: %s/%s %q", out.State, out.Reason, alone.out.all())
	}

	// Without the hidden pair, "lo" reads exactly the same.
	plain := newRig(t, Options{Policy: lockPolicy()}, look, locker)
	hidden := newRig(t, Options{Policy: lockPolicy()}, look, locker, lockdown, lock)
	plain.engine.Handle(context.Background(), plain.call, "lo")
	hidden.engine.Handle(context.Background(), hidden.call, "lo")
	if diff := cmp.Diff(plain.out.all(), hidden.out.all()); diff != "" {
		t.Errorf("hidden commands changed the reply (-plain +hidden):\n%s", diff)
	}
}

func TestPolicyVisibleDenial(t *testing.T) {
	cmd := &cmdset.Command{Name: "@dig", Lock: "builder", Handler: cmdset.HandlerFunc(func(context.Context, *cmdset.Invocation) error { return nil })}
	r := newRig(t, Options{Policy: lockPolicy()}, cmd)
	r.engine.Handle(context.Background(), r.call, "@dig")
	if diff := cmp.Diff([]string{DeniedText}, r.out.all()); diff != "" {
		t.Errorf("output (-want +got):\n%s", diff)
	}

	r = newRig(t, Options{Policy: lockPolicy(), HideDenied: true}, cmd)
	r.engine.Handle(context.Background(), r.call, "@dig")
	if diff := cmp.Diff([]string{NoMatchText}, r.out.all()); diff != "" {
		t.Errorf("HideDenied output (-want +got):\n%s", diff)
	}

	r = newRig(t, Options{Policy: lockPolicy("builder")}, cmd)
	if out := r.engine.Handle(context.Background(), r.call, "@dig"); out.State != Done {
		t.Errorf("allowed lock: state %v", out.State)
	}
}

func TestUsageRejection(t *testing.T) {
	cmd := &cmdset.Command{
		Name:   "@lock",
		Parser: cmdset.SwitchArgs{NeedEq: true, Usage: "Usage: @lock <object>=<lock>"},
		Handler: cmdset.HandlerFunc(func(context.Context, *cmdset.Invocation) error {
			t.Error("handler ran on bad usage")
			return nil
		}),
	}
	r := newRig(t, Options{}, cmd)
	out := r.engine.Handle(context.Background(), r.call, "@lock door")
	if out.State != Rejected || out.Reason != ReasonUsage {
		t.Fatalf("outcome %v/%v", out.State, out.Reason)
	}
	if diff := cmp.Diff([]State{Received, PolicyChecked, Rejected}, out.Trace); diff != "" {
		t.Errorf("trace (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"Usage: @lock <object>=<lock>"}, r.out.all()); diff != "" {
		t.Errorf("output (-want +got):\n%s", diff)
	}
}

func TestVetoReleasesWithoutPostHook(t *testing.T) {
	ran := false
	cmd := &cmdset.Command{Name: "north", Category: "movement", Handler: cmdset.HandlerFunc(func(context.Context, *cmdset.Invocation) error {
		ran = true
		return nil
	})}
	r := newRig(t, Options{}, cmd)
	r.guard.veto = "You are restrained and cannot move."
	out := r.engine.Handle(context.Background(), r.call, "north")

	if ran {
		t.Error("handler ran after veto")
	}
	if out.State != Rejected || out.Reason != ReasonVeto || out.Err != nil {
		t.Errorf("outcome %v/%v err=%v", out.State, out.Reason, out.Err)
	}
	if r.guard.released != 1 {
		t.Errorf("released %d times, want 1", r.guard.released)
	}
	if diff := cmp.Diff([]string{"before north"}, r.guard.events); diff != "" {
		t.Errorf("hooks (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"You are restrained and cannot move."}, r.out.all()); diff != "" {
		t.Errorf("output (-want +got):\n%s", diff)
	}
}

func TestHandlerPanicContained(t *testing.T) {
	cmd := say(func(ctx context.Context, inv *cmdset.Invocation) error {
		var m map[string]int
		m["boom"]++
		return nil
	})
	r := newRig(t, Options{}, cmd)
	out := r.engine.Handle(context.Background(), r.call, "say hi")

	if out.State != Faulted || out.Reason != ReasonFault || out.Err == nil {
		t.Fatalf("outcome %v/%v err=%v", out.State, out.Reason, out.Err)
	}
	if diff := cmp.Diff([]State{Received, PolicyChecked, Parsed, PreHooked, Faulted}, out.Trace); diff != "" {
		t.Errorf("trace (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"before say", "after say err"}, r.guard.events); diff != "" {
		t.Errorf("hooks (-want +got):\n%s", diff)
	}
	if r.guard.released != 1 {
		t.Errorf("released %d times, want 1", r.guard.released)
	}
	lines := r.out.all()
	if len(lines) != 1 || lines[0] != FaultText || strings.Contains(lines[0], "map") {
		t.Errorf("caller saw %q", lines)
	}
	if StackTrace(withStack(out.Err)) == "" {
		t.Error("fault carries no stack")
	}
}

func TestHandlerErrorsClassified(t *testing.T) {
	cases := []struct {
		err    error
		state  State
		reason Reason
	}{
		{cmdset.Usagef("Give what?"), Rejected, ReasonUsage},
		{&cmdset.Veto{Reason: "The box is glued shut."}, Rejected, ReasonVeto},
		{errors.New("disk on fire"), Faulted, ReasonFault},
	}
	for _, tc := range cases {
		r := newRig(t, Options{}, say(func(context.Context, *cmdset.Invocation) error { return tc.err }))
		out := r.engine.Handle(context.Background(), r.call, "say x")
		if out.State != tc.state || out.Reason != tc.reason {
			t.Errorf("%v: outcome %v/%v, want %v/%v", tc.err, out.State, out.Reason, tc.state, tc.reason)
		}
	}
}

func TestGuardPanicIsFault(t *testing.T) {
	r := newRig(t, Options{}, say(func(context.Context, *cmdset.Invocation) error { return nil }))
	r.guard.panicky = true
	out := r.engine.Handle(context.Background(), r.call, "say x")
	if out.State != Faulted {
		t.Errorf("state %v, want faulted", out.State)
	}
}

func TestAmbiguousReply(t *testing.T) {
	hidden := &cmdset.Command{Name: "lunge", Lock: "fencer", Hidden: true, Handler: cmdset.HandlerFunc(func(context.Context, *cmdset.Invocation) error { return nil })}
	r := newRig(t, Options{Policy: lockPolicy()},
		&cmdset.Command{Name: "look", Handler: cmdset.HandlerFunc(func(context.Context, *cmdset.Invocation) error { return nil })},
		&cmdset.Command{Name: "listen", Handler: cmdset.HandlerFunc(func(context.Context, *cmdset.Invocation) error { return nil })},
		hidden,
	)
	out := r.engine.Handle(context.Background(), r.call, "l")
	if out.Reason != ReasonAmbiguous || len(out.Candidates) != 2 {
		t.Fatalf("outcome %v with %d candidates", out.Reason, len(out.Candidates))
	}
	msg := r.out.all()[0]
	if strings.Contains(msg, "lunge") {
		t.Errorf("hidden command leaked: %q", msg)
	}
	if !strings.Contains(msg, "l-1") || !strings.Contains(msg, "l-2") {
		t.Errorf("reply lacks numbered candidates: %q", msg)
	}
}

type countObserver struct {
	mu       sync.Mutex
	composed int
	labels   []string
}

func (o *countObserver) Composed(int, time.Duration) {
	o.mu.Lock()
	o.composed++
	o.mu.Unlock()
}

func (o *countObserver) Finished(out Outcome) {
	o.mu.Lock()
	o.labels = append(o.labels, out.Label())
	o.mu.Unlock()
}

func TestObserverAndFaultIsolation(t *testing.T) {
	obs := &countObserver{}
	boom := say(func(context.Context, *cmdset.Invocation) error { panic("bad actor") })
	good := say(func(ctx context.Context, inv *cmdset.Invocation) error { inv.Send("ok"); return nil })

	bad := newRig(t, Options{Observer: obs}, boom)
	fine := newRig(t, Options{Observer: obs}, good)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() { defer wg.Done(); bad.engine.Handle(context.Background(), bad.call, "say x") }()
		go func() { defer wg.Done(); fine.engine.Handle(context.Background(), fine.call, "say x") }()
	}
	wg.Wait()

	if n := len(fine.out.all()); n != 20 {
		t.Errorf("good actor got %d replies, want 20", n)
	}
	if obs.composed != 40 || len(obs.labels) != 40 {
		t.Errorf("observer saw %d compositions and %d outcomes", obs.composed, len(obs.labels))
	}
}

func TestCanTransition(t *testing.T) {
	if !CanTransition(Received, PolicyChecked) || CanTransition(Received, Parsed) {
		t.Error("forward transitions wrong")
	}
	for _, s := range []State{Received, PolicyChecked, Parsed, PreHooked, Executed, PostHooked} {
		if !CanTransition(s, Rejected) || !CanTransition(s, Faulted) {
			t.Errorf("%v cannot reach a terminal state", s)
		}
	}
	if CanTransition(Done, Rejected) || CanTransition(Faulted, Done) {
		t.Error("terminal states must not transition")
	}
}
