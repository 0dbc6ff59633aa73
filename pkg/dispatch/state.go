package dispatch

import (
	"time"

	"github.com/crystal-mush/cmdhost/pkg/cmdset"
)

// State is a step of one command invocation.
type State int

const (
	Received State = iota
	PolicyChecked
	Parsed
	PreHooked
	Executed
	PostHooked
	Done
	Rejected
	Faulted
)

var stateNames = [...]string{
	Received:      "received",
	PolicyChecked: "policy_checked",
	Parsed:        "parsed",
	PreHooked:     "pre_hooked",
	Executed:      "executed",
	PostHooked:    "post_hooked",
	Done:          "done",
	Rejected:      "rejected",
	Faulted:       "faulted",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether s ends an invocation.
func (s State) Terminal() bool {
	return s == Done || s == Rejected || s == Faulted
}

// next lists the legal forward transition of each non-terminal state.
var next = map[State]State{
	Received:      PolicyChecked,
	PolicyChecked: Parsed,
	Parsed:        PreHooked,
	PreHooked:     Executed,
	Executed:      PostHooked,
	PostHooked:    Done,
}

// CanTransition reports whether from -> to is a legal step.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == Rejected || to == Faulted {
		return true
	}
	return next[from] == to
}

// Reason says why an invocation did not finish in Done.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonNoMatch
	ReasonAmbiguous
	ReasonPolicy
	ReasonUsage
	ReasonVeto
	ReasonFault
)

func (r Reason) String() string {
	switch r {
	case ReasonNoMatch:
		return "nomatch"
	case ReasonAmbiguous:
		return "ambiguous"
	case ReasonPolicy:
		return "policy"
	case ReasonUsage:
		return "usage"
	case ReasonVeto:
		return "veto"
	case ReasonFault:
		return "fault"
	default:
		return "ok"
	}
}

// Outcome is the record of one line's trip through the engine.
type Outcome struct {
	State      State
	Reason     Reason
	Trace      []State
	Line       string
	Entry      cmdset.Entry // zero unless a command was resolved
	Candidates []cmdset.Candidate
	Message    string // text shown to the caller for non-Done outcomes
	Err        error  // fault cause; nil for expected outcomes
	Elapsed    time.Duration
}

// Label is the outcome's metric label: "done" or the rejection reason.
func (o Outcome) Label() string {
	if o.State == Done {
		return "done"
	}
	return o.Reason.String()
}

// tracker drives the state machine and records the trace.
type tracker struct {
	out *Outcome
}

func (t tracker) to(s State) {
	if !CanTransition(t.out.State, s) {
		panic("dispatch: illegal transition " + t.out.State.String() + " -> " + s.String())
	}
	t.out.State = s
	t.out.Trace = append(t.out.Trace, s)
}

func (t tracker) reject(reason Reason, msg string) {
	t.to(Rejected)
	t.out.Reason = reason
	t.out.Message = msg
}

func (t tracker) fault(err error, msg string) {
	t.to(Faulted)
	t.out.Reason = ReasonFault
	t.out.Err = err
	t.out.Message = msg
}
