package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/crystal-mush/cmdhost/pkg/cmdset"
)

// Engine turns one input line into an Outcome: compose the calling
// context, match the line, execute the winner.
type Engine struct {
	disp    *Dispatcher
	compose cmdset.Options
}

// NewEngine creates an engine around d.
func NewEngine(d *Dispatcher, compose cmdset.Options) *Engine {
	return &Engine{disp: d, compose: compose}
}

// Dispatcher returns the engine's dispatcher.
func (e *Engine) Dispatcher() *Dispatcher { return e.disp }

// Table composes the effective table for call. The result is never cached.
func (e *Engine) Table(call *Call) *cmdset.Table {
	start := time.Now()
	tbl := cmdset.Compose(call.Sources, e.compose)
	if obs := e.disp.opts.Observer; obs != nil {
		obs.Composed(tbl.Len(), time.Since(start))
	}
	return tbl
}

// Handle resolves and runs one line. Output for the caller is sent through
// call.Caller; the returned Outcome is for logging and metrics.
func (e *Engine) Handle(ctx context.Context, call *Call, line string) Outcome {
	start := time.Now()
	tbl := e.Table(call)
	visible := e.visible(ctx, call)
	m := cmdset.MatchVisible(line, tbl, visible)

	var out Outcome
	switch m.Kind {
	case cmdset.Resolved:
		out = e.disp.Execute(ctx, call, m.Entry, m.Token, m.Remainder, tbl)
	case cmdset.Ambiguous:
		out = e.ambiguous(m)
	default:
		out = Outcome{State: Rejected, Reason: ReasonNoMatch, Trace: []State{Received, Rejected}}
		if m.Token != "" {
			out.Message = e.disp.opts.NoMatchText
			// Only the reason records a concealed denial; the caller
			// sees the same text as for an unknown command.
			raw := cmdset.Match(line, tbl)
			if raw.Kind == cmdset.Ambiguous || (raw.Kind == cmdset.Resolved && !visible(raw.Entry)) {
				out.Reason = ReasonPolicy
			}
		}
	}
	out.Line = line
	out.Elapsed = time.Since(start)

	if out.Message != "" && call.Caller != nil {
		call.Caller.Send(out.Message)
	}
	if obs := e.disp.opts.Observer; obs != nil {
		obs.Finished(out)
	}
	DebugLog("[%s] %q -> %s (%s) in %v", call.ID, line, out.State, out.Label(), out.Elapsed)
	return out
}

// visible hides entries the caller may not use when their existence must
// not show: hidden commands, or every command under HideDenied.
func (e *Engine) visible(ctx context.Context, call *Call) cmdset.Visible {
	return func(en cmdset.Entry) bool {
		if !en.Command.Hidden && !e.disp.opts.HideDenied {
			return true
		}
		inv := &cmdset.Invocation{Command: en.Command, Token: en.Command.Name, Caller: call.Caller, Origin: en.Source, SetKey: en.SetKey, Env: call.Env}
		return e.disp.allow(ctx, en.Command, inv, call)
	}
}

// ambiguous builds the disambiguation reply from visible candidates.
func (e *Engine) ambiguous(m cmdset.Result) Outcome {
	out := Outcome{State: Rejected, Reason: ReasonAmbiguous, Trace: []State{Received, Rejected}, Candidates: m.Candidates}
	lines := make([]string, 0, len(m.Candidates))
	for _, c := range m.Candidates {
		lines = append(lines, fmt.Sprintf("  %-12s %s (%s)", c.Display, c.Command.Name, c.Source))
	}
	out.Message = "I don't know which one you mean!\n" + strings.Join(lines, "\n")
	return out
}
