package cmdset

import (
	"context"
	"fmt"
)

// Kind classifies a command source. The order of the constants is the
// precedence order of the calling context.
type Kind int

const (
	KindConnection Kind = iota
	KindAccount
	KindActor
	KindLocation
	KindObject
	KindExit
)

func (k Kind) String() string {
	switch k {
	case KindConnection:
		return "connection"
	case KindAccount:
		return "account"
	case KindActor:
		return "actor"
	case KindLocation:
		return "location"
	case KindObject:
		return "object"
	case KindExit:
		return "exit"
	default:
		return "unknown"
	}
}

// Ref identifies a source.
type Ref struct {
	Kind Kind
	ID   string
}

func (r Ref) String() string {
	return fmt.Sprintf("%s:%s", r.Kind, r.ID)
}

// Guard lets a source veto or wrap command execution. Before runs after
// argument parsing; a *Veto error stops the pipeline without a fault. The
// returned release func, if any, always runs once the invocation reaches a
// terminal state. After runs for every guard whose Before succeeded.
type Guard interface {
	Before(ctx context.Context, inv *Invocation) (release func(), err error)
	After(ctx context.Context, inv *Invocation, err error)
}

// Source is one entry of a calling context.
type Source struct {
	Ref   Ref
	Sets  []*Set
	Guard Guard
}

// Context is the ordered list of sources reachable for one actor at one
// instant: connection, account, actor, location, contents, exits.
type Context []Source

// Refs lists the source refs in order.
func (c Context) Refs() []Ref {
	out := make([]Ref, len(c))
	for i, s := range c {
		out[i] = s.Ref
	}
	return out
}
