// Package lock parses and evaluates lock expressions, the policy language
// guarding commands and exits.
//
// Grammar:
//
//	E → T ('|' E)?
//	T → F ('&' T)?
//	F → '!' F | '=' L | '+' L | '$' L | L
//	L → '(' E ')' | '#' number | name ':' pattern | 'true' | 'false'
package lock

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/crystal-mush/cmdhost/pkg/gamedb"
)

// Op is a node type in a parsed lock.
type Op int

const (
	OpAnd Op = iota
	OpOr
	OpNot
	OpConst // #n: is or carries n
	OpAttr  // name:pattern on the subject or anything it carries
	OpCarry // +L
	OpIs    // =L
	OpOwner // $#n: same owner as n
	OpTrue
	OpFalse
)

// Exp is a parsed lock expression.
type Exp struct {
	Op      Op
	Sub1    *Exp
	Sub2    *Exp
	Ref     gamedb.DBRef
	Attr    string
	Pattern string
}

type parser struct {
	src string
	pos int
}

func (p *parser) peek() byte {
	if p.pos >= len(p.src) {
		return 0
	}
	return p.src[p.pos]
}

func (p *parser) skipSpaces() {
	for p.pos < len(p.src) && p.src[p.pos] == ' ' {
		p.pos++
	}
}

// Parse parses a lock string. An empty lock parses to nil, which always
// passes.
func Parse(s string) (*Exp, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	p := &parser{src: s}
	e, err := p.parseE()
	if err != nil {
		return nil, err
	}
	p.skipSpaces()
	if p.pos != len(p.src) {
		return nil, fmt.Errorf("lock %q: unexpected %q at %d", s, p.src[p.pos:], p.pos)
	}
	return e, nil
}

func (p *parser) parseE() (*Exp, error) {
	left, err := p.parseT()
	if err != nil {
		return nil, err
	}
	p.skipSpaces()
	if p.peek() == '|' {
		p.pos++
		right, err := p.parseE()
		if err != nil {
			return nil, err
		}
		return &Exp{Op: OpOr, Sub1: left, Sub2: right}, nil
	}
	return left, nil
}

func (p *parser) parseT() (*Exp, error) {
	left, err := p.parseF()
	if err != nil {
		return nil, err
	}
	p.skipSpaces()
	if p.peek() == '&' {
		p.pos++
		right, err := p.parseT()
		if err != nil {
			return nil, err
		}
		return &Exp{Op: OpAnd, Sub1: left, Sub2: right}, nil
	}
	return left, nil
}

func (p *parser) parseF() (*Exp, error) {
	p.skipSpaces()
	switch ch := p.peek(); ch {
	case '!':
		p.pos++
		sub, err := p.parseF()
		if err != nil {
			return nil, err
		}
		return &Exp{Op: OpNot, Sub1: sub}, nil
	case '=', '+':
		p.pos++
		sub, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		if sub.Op != OpConst && sub.Op != OpAttr {
			return nil, fmt.Errorf("lock %q: %c needs a dbref or attribute", p.src, ch)
		}
		op := OpIs
		if ch == '+' {
			op = OpCarry
		}
		return &Exp{Op: op, Sub1: sub}, nil
	case '$':
		p.pos++
		sub, err := p.parseLiteral()
		if err != nil {
			return nil, err
		}
		if sub.Op != OpConst {
			return nil, fmt.Errorf("lock %q: $ needs a dbref", p.src)
		}
		return &Exp{Op: OpOwner, Sub1: sub}, nil
	default:
		return p.parseLiteral()
	}
}

func (p *parser) parseLiteral() (*Exp, error) {
	p.skipSpaces()
	if p.peek() == '(' {
		p.pos++
		sub, err := p.parseE()
		if err != nil {
			return nil, err
		}
		p.skipSpaces()
		if p.peek() != ')' {
			return nil, fmt.Errorf("lock %q: missing )", p.src)
		}
		p.pos++
		return sub, nil
	}

	start := p.pos
	for p.pos < len(p.src) {
		ch := p.src[p.pos]
		if ch == '&' || ch == '|' || ch == '!' || ch == '(' || ch == ')' {
			break
		}
		if ch == ':' {
			name := strings.TrimSpace(p.src[start:p.pos])
			p.pos++
			patStart := p.pos
			for p.pos < len(p.src) {
				pc := p.src[p.pos]
				if pc == '&' || pc == '|' || pc == ')' {
					break
				}
				p.pos++
			}
			if name == "" {
				return nil, fmt.Errorf("lock %q: attribute name missing", p.src)
			}
			return &Exp{Op: OpAttr, Attr: name, Pattern: strings.TrimSpace(p.src[patStart:p.pos])}, nil
		}
		p.pos++
	}

	token := strings.TrimSpace(p.src[start:p.pos])
	switch {
	case token == "":
		return nil, fmt.Errorf("lock %q: expected a term at %d", p.src, start)
	case strings.EqualFold(token, "true"):
		return &Exp{Op: OpTrue}, nil
	case strings.EqualFold(token, "false"):
		return &Exp{Op: OpFalse}, nil
	case token[0] == '#':
		n, err := strconv.Atoi(token[1:])
		if err != nil {
			return nil, fmt.Errorf("lock %q: bad dbref %q", p.src, token)
		}
		return &Exp{Op: OpConst, Ref: gamedb.DBRef(n)}, nil
	}
	return nil, fmt.Errorf("lock %q: unknown term %q", p.src, token)
}

// String renders the expression back to lock syntax.
func (e *Exp) String() string {
	if e == nil {
		return ""
	}
	switch e.Op {
	case OpAnd:
		left := e.Sub1.String()
		if e.Sub1 != nil && e.Sub1.Op == OpOr {
			left = "(" + left + ")"
		}
		return left + "&" + e.Sub2.String()
	case OpOr:
		return e.Sub1.String() + "|" + e.Sub2.String()
	case OpNot:
		if e.Sub1 != nil && (e.Sub1.Op == OpAnd || e.Sub1.Op == OpOr) {
			return "!(" + e.Sub1.String() + ")"
		}
		return "!" + e.Sub1.String()
	case OpConst:
		return e.Ref.String()
	case OpAttr:
		return e.Attr + ":" + e.Pattern
	case OpCarry:
		return "+" + e.Sub1.String()
	case OpIs:
		return "=" + e.Sub1.String()
	case OpOwner:
		return "$" + e.Sub1.String()
	case OpTrue:
		return "true"
	case OpFalse:
		return "false"
	}
	return "?"
}
