package moduledecl

import (
	"fmt"
	"strconv"
)

type expr interface {
	position() Pos
}

type (
	identExpr struct {
		at   Pos
		name string
	}
	stringLit struct {
		at    Pos
		value string
	}
	intLit struct {
		at    Pos
		value int64
	}
	listLit struct {
		at    Pos
		elems []expr
	}
	dictLit struct {
		at     Pos
		keys   []expr
		values []expr
	}
	callExpr struct {
		at     Pos
		fn     string
		args   []expr
		kwargs []kwarg
	}
)

type kwarg struct {
	at    Pos
	name  string
	value expr
}

func (e *identExpr) position() Pos { return e.at }
func (e *stringLit) position() Pos { return e.at }
func (e *intLit) position() Pos    { return e.at }
func (e *listLit) position() Pos   { return e.at }
func (e *dictLit) position() Pos   { return e.at }
func (e *callExpr) position() Pos  { return e.at }

// stmt is either an assignment (target != "") or a top-level call.
type stmt struct {
	at     Pos
	target string
	value  expr
}

// maxNesting bounds how deeply calls, lists and dicts may nest.
const maxNesting = 64

type parser struct {
	toks  []token
	pos   int
	depth int
}

func parse(src string) ([]stmt, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	return p.parseFile()
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) peekAt(n int) token {
	if p.pos+n >= len(p.toks) {
		return p.toks[len(p.toks)-1]
	}
	return p.toks[p.pos+n]
}

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) expect(kind tokenKind) (token, error) {
	t := p.next()
	if t.kind != kind {
		return t, p.unexpected(t, kind.String())
	}
	return t, nil
}

func (p *parser) unexpected(t token, want string) error {
	got := t.kind.String()
	if t.text != "" && (t.kind == tokIdent || t.kind == tokInt) {
		got = fmt.Sprintf("%s %q", got, t.text)
	}
	return &ParseError{Pos: t.pos, Msg: fmt.Sprintf("expected %s, got %s", want, got)}
}

func (p *parser) parseFile() ([]stmt, error) {
	var stmts []stmt
	for {
		for k := p.peek().kind; k == tokNewline || k == tokSemicolon; k = p.peek().kind {
			p.next()
		}
		if p.peek().kind == tokEOF {
			return stmts, nil
		}

		s, err := p.parseStmt()
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, s)

		switch t := p.peek(); t.kind {
		case tokNewline, tokSemicolon, tokEOF:
		default:
			return nil, p.unexpected(t, "end of statement")
		}
	}
}

func (p *parser) parseStmt() (stmt, error) {
	first := p.peek()
	if first.kind == tokIdent && p.peekAt(1).kind == tokAssign {
		p.next()
		p.next()
		value, err := p.parseExpr()
		if err != nil {
			return stmt{}, err
		}
		return stmt{at: first.pos, target: first.text, value: value}, nil
	}

	value, err := p.parseExpr()
	if err != nil {
		return stmt{}, err
	}
	if _, ok := value.(*callExpr); !ok {
		return stmt{}, &ParseError{Pos: first.pos, Msg: "top-level expression must be a function call"}
	}
	return stmt{at: first.pos, value: value}, nil
}

func (p *parser) parseExpr() (expr, error) {
	t := p.next()
	nests := t.kind == tokLBrack || t.kind == tokLBrace ||
		(t.kind == tokIdent && p.peek().kind == tokLParen)
	if nests {
		if p.depth >= maxNesting {
			return nil, &ParseError{Pos: t.pos, Msg: fmt.Sprintf("expression nests deeper than %d levels", maxNesting)}
		}
		p.depth++
		defer func() { p.depth-- }()
	}

	switch t.kind {
	case tokString:
		return &stringLit{at: t.pos, value: t.text}, nil
	case tokInt:
		n, err := strconv.ParseInt(t.text, 10, 64)
		if err != nil {
			return nil, &ParseError{Pos: t.pos, Msg: fmt.Sprintf("invalid integer %q", t.text)}
		}
		return &intLit{at: t.pos, value: n}, nil
	case tokIdent:
		if p.peek().kind == tokLParen {
			return p.parseCall(t)
		}
		return &identExpr{at: t.pos, name: t.text}, nil
	case tokLBrack:
		return p.parseList(t)
	case tokLBrace:
		return p.parseDict(t)
	default:
		return nil, p.unexpected(t, "expression")
	}
}

func (p *parser) parseCall(fn token) (expr, error) {
	p.next() // (
	call := &callExpr{at: fn.pos, fn: fn.text}
	for p.peek().kind != tokRParen {
		if p.peek().kind == tokIdent && p.peekAt(1).kind == tokAssign {
			name := p.next()
			p.next()
			value, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			call.kwargs = append(call.kwargs, kwarg{at: name.pos, name: name.text, value: value})
		} else {
			at := p.peek().pos
			value, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if len(call.kwargs) > 0 {
				return nil, &ParseError{Pos: at, Msg: "positional argument follows keyword argument"}
			}
			call.args = append(call.args, value)
		}
		if p.peek().kind != tokComma {
			break
		}
		p.next()
	}
	if _, err := p.expect(tokRParen); err != nil {
		return nil, err
	}
	return call, nil
}

func (p *parser) parseList(open token) (expr, error) {
	list := &listLit{at: open.pos}
	for p.peek().kind != tokRBrack {
		value, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		list.elems = append(list.elems, value)
		if p.peek().kind != tokComma {
			break
		}
		p.next()
	}
	if _, err := p.expect(tokRBrack); err != nil {
		return nil, err
	}
	return list, nil
}

func (p *parser) parseDict(open token) (expr, error) {
	dict := &dictLit{at: open.pos}
	for p.peek().kind != tokRBrace {
		key, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokColon); err != nil {
			return nil, err
		}
		value, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		dict.keys = append(dict.keys, key)
		dict.values = append(dict.values, value)
		if p.peek().kind != tokComma {
			break
		}
		p.next()
	}
	if _, err := p.expect(tokRBrace); err != nil {
		return nil, err
	}
	return dict, nil
}
