// Package cmdset implements command sets, their composition into an
// effective command table, and matching of input lines against that table.
package cmdset

import (
	"context"
	"regexp"
	"strings"
)

// Handler runs a resolved command.
type Handler interface {
	Handle(ctx context.Context, inv *Invocation) error
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, inv *Invocation) error

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, inv *Invocation) error {
	return f(ctx, inv)
}

// Caller receives output for one invocation.
type Caller interface {
	Send(msg string)
}

// Command is an immutable matching rule.
type Command struct {
	Name     string
	Aliases  []string
	Lock     string // policy expression, empty passes
	Category string
	Hidden   bool // policy failures look exactly like "no such command"
	Usage    string
	Handler  Handler
	Parser   ArgParser
	// Separator lets the command token be glued to its arguments. It is
	// matched at the position right after the key (e.g. `^/` for switches,
	// `^` for say's leading quote).
	Separator *regexp.Regexp
	// Text is free-form payload for data-driven handlers (emit templates).
	Text string
}

// Keys returns the lower-cased name followed by the lower-cased aliases.
func (c *Command) Keys() []string {
	keys := make([]string, 0, 1+len(c.Aliases))
	keys = append(keys, strings.ToLower(c.Name))
	for _, a := range c.Aliases {
		keys = append(keys, strings.ToLower(a))
	}
	return keys
}

// HasKey reports whether token names this command.
func (c *Command) HasKey(token string) bool {
	for _, k := range c.Keys() {
		if strings.EqualFold(k, token) {
			return true
		}
	}
	return false
}

// Invocation is everything a handler sees about one command run.
type Invocation struct {
	Command   *Command
	Token     string // token as typed
	Remainder string // unparsed text after the token
	Args      any    // parser output
	Caller    Caller
	Origin    Ref    // source that contributed the command
	SetKey    string // set that contributed the command
	Table     *Table
	// Env carries host state for handlers (the game, the session).
	Env any
}

// Send writes a line to the caller.
func (inv *Invocation) Send(msg string) {
	if inv.Caller != nil {
		inv.Caller.Send(msg)
	}
}
