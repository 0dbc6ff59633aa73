// Package dispatch runs resolved commands through the fixed execution
// pipeline: policy, argument parse, source pre-hooks, handler, post-hooks.
package dispatch

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/pkg/errors"

	"github.com/crystal-mush/cmdhost/pkg/cmdset"
)

// Default caller-facing texts.
const (
	NoMatchText = `Huh?  (Type "help" for help.)`
	DeniedText  = "Permission denied."
	VetoText    = "You can't do that right now."
	FaultText   = "Something went wrong with that command. The problem has been logged."
)

// PolicyEvaluator decides whether a command's lock admits an invocation.
type PolicyEvaluator interface {
	Allow(ctx context.Context, lock string, inv *cmdset.Invocation) bool
}

// PolicyFunc adapts a function to PolicyEvaluator.
type PolicyFunc func(ctx context.Context, lock string, inv *cmdset.Invocation) bool

// Allow calls f.
func (f PolicyFunc) Allow(ctx context.Context, lock string, inv *cmdset.Invocation) bool {
	return f(ctx, lock, inv)
}

// Observer is told about compositions and finished outcomes.
type Observer interface {
	Composed(tableSize int, elapsed time.Duration)
	Finished(o Outcome)
}

// Call is one input line's calling context.
type Call struct {
	ID      string // actor or session id, for logs
	Caller  cmdset.Caller
	Sources cmdset.Context
	Env     any
}

// Options configures a Dispatcher.
type Options struct {
	Policy     PolicyEvaluator // nil admits everything
	HideDenied bool            // every policy failure reads as NoMatch
	Observer   Observer

	NoMatchText string
	DeniedText  string
	VetoText    string
	FaultText   string
}

func (o *Options) defaults() {
	if o.NoMatchText == "" {
		o.NoMatchText = NoMatchText
	}
	if o.DeniedText == "" {
		o.DeniedText = DeniedText
	}
	if o.VetoText == "" {
		o.VetoText = VetoText
	}
	if o.FaultText == "" {
		o.FaultText = FaultText
	}
}

// Dispatcher executes resolved commands. It holds no per-call state and is
// safe for concurrent use.
type Dispatcher struct {
	opts Options
}

// New creates a Dispatcher.
func New(opts Options) *Dispatcher {
	opts.defaults()
	return &Dispatcher{opts: opts}
}

// NoMatch returns the text shown for an unknown command.
func (d *Dispatcher) NoMatch() string { return d.opts.NoMatchText }

// Execute runs entry's command with the unparsed remainder. Every path ends
// in Done, Rejected or Faulted; release funcs from pre-hooks always run.
func (d *Dispatcher) Execute(ctx context.Context, call *Call, entry cmdset.Entry, token, remainder string, tbl *cmdset.Table) (out Outcome) {
	start := time.Now()
	out = Outcome{State: Received, Trace: []State{Received}, Entry: entry}
	st := tracker{out: &out}
	cmd := entry.Command
	inv := &cmdset.Invocation{
		Command:   cmd,
		Token:     token,
		Remainder: remainder,
		Caller:    call.Caller,
		Origin:    entry.Source,
		SetKey:    entry.SetKey,
		Table:     tbl,
		Env:       call.Env,
	}

	defer func() {
		out.Elapsed = time.Since(start)
	}()

	// Policy
	if !d.allow(ctx, cmd, inv, call) {
		msg := d.opts.DeniedText
		if cmd.Hidden || d.opts.HideDenied {
			msg = d.opts.NoMatchText
		}
		st.reject(ReasonPolicy, msg)
		return out
	}
	st.to(PolicyChecked)

	// Parse
	args, err := d.parse(cmd, remainder)
	if err != nil {
		var ue *cmdset.UsageError
		if errors.As(err, &ue) {
			st.reject(ReasonUsage, ue.Usage)
		} else {
			d.logFault(call, entry, "parser", err)
			st.fault(err, d.opts.FaultText)
		}
		return out
	}
	inv.Args = args
	st.to(Parsed)

	// Pre-hooks. Releases run on every path from here on.
	var releases []func()
	defer func() {
		for i := len(releases) - 1; i >= 0; i-- {
			d.runRelease(call, entry, releases[i])
		}
	}()
	var hooked []cmdset.Guard
	for _, src := range call.Sources {
		if src.Guard == nil {
			continue
		}
		release, err := d.before(ctx, src.Guard, inv)
		if release != nil {
			releases = append(releases, release)
		}
		if err != nil {
			var veto *cmdset.Veto
			if errors.As(err, &veto) {
				msg := veto.Reason
				if msg == "" {
					msg = d.opts.VetoText
				}
				DebugLog("[%s] %s vetoed by %s: %s", call.ID, cmd.Name, src.Ref, msg)
				st.reject(ReasonVeto, msg)
			} else {
				d.logFault(call, entry, "pre-hook "+src.Ref.String(), err)
				st.fault(err, d.opts.FaultText)
			}
			return out
		}
		hooked = append(hooked, src.Guard)
	}
	st.to(PreHooked)

	// Handler
	herr := d.handle(ctx, cmd, inv)
	if herr == nil {
		st.to(Executed)
	}

	// Post-hooks run whether or not the handler succeeded.
	for _, g := range hooked {
		d.after(ctx, g, inv, herr, call, entry)
	}

	if herr != nil {
		var ue *cmdset.UsageError
		var veto *cmdset.Veto
		switch {
		case errors.As(herr, &ue):
			st.reject(ReasonUsage, ue.Usage)
		case errors.As(herr, &veto):
			msg := veto.Reason
			if msg == "" {
				msg = d.opts.VetoText
			}
			st.reject(ReasonVeto, msg)
		default:
			d.logFault(call, entry, "handler", herr)
			st.fault(herr, d.opts.FaultText)
		}
		return out
	}
	st.to(PostHooked)
	st.to(Done)
	return out
}

func (d *Dispatcher) allow(ctx context.Context, cmd *cmdset.Command, inv *cmdset.Invocation, call *Call) (ok bool) {
	if cmd.Lock == "" || d.opts.Policy == nil {
		return true
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[%s] PANIC evaluating lock %q for %s: %v", call.ID, cmd.Lock, cmd.Name, r)
			ok = false
		}
	}()
	return d.opts.Policy.Allow(ctx, cmd.Lock, inv)
}

func (d *Dispatcher) parse(cmd *cmdset.Command, remainder string) (args any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic in argument parser: %v", r)
		}
	}()
	return cmd.ParseArgs(remainder)
}

func (d *Dispatcher) before(ctx context.Context, g cmdset.Guard, inv *cmdset.Invocation) (release func(), err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic in pre-hook: %v", r)
		}
	}()
	return g.Before(ctx, inv)
}

func (d *Dispatcher) handle(ctx context.Context, cmd *cmdset.Command, inv *cmdset.Invocation) (err error) {
	if cmd.Handler == nil {
		return errors.Errorf("command %q has no handler", cmd.Name)
	}
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("panic: %v", r)
		}
	}()
	return cmd.Handler.Handle(ctx, inv)
}

func (d *Dispatcher) after(ctx context.Context, g cmdset.Guard, inv *cmdset.Invocation, herr error, call *Call, entry cmdset.Entry) {
	defer func() {
		if r := recover(); r != nil {
			d.logFault(call, entry, "post-hook", errors.Errorf("panic: %v", r))
		}
	}()
	g.After(ctx, inv, herr)
}

func (d *Dispatcher) runRelease(call *Call, entry cmdset.Entry, release func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logFault(call, entry, "release", errors.Errorf("panic: %v", r))
		}
	}()
	release()
}

func (d *Dispatcher) logFault(call *Call, entry cmdset.Entry, stage string, err error) {
	err = withStack(err)
	log.Printf("[%s] FAULT in %s of %q (set %s from %s): %v\n%s",
		call.ID, stage, entry.Command.Name, entry.SetKey, entry.Source, err, StackTrace(err))
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

func withStack(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(stackTracer); !ok {
		return errors.WithStack(err)
	}
	return err
}

// StackTrace renders the stack carried by err, if any.
func StackTrace(err error) string {
	var st stackTracer
	if !errors.As(err, &st) {
		return ""
	}
	var s string
	for _, f := range st.StackTrace() {
		s += fmt.Sprintf("%+v\n", f)
	}
	return s
}
