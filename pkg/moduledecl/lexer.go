package moduledecl

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokNewline
	tokIdent
	tokString
	tokInt
	tokLParen
	tokRParen
	tokLBrack
	tokRBrack
	tokLBrace
	tokRBrace
	tokComma
	tokColon
	tokAssign
	tokSemicolon
)

var tokenNames = map[tokenKind]string{
	tokEOF:       "end of input",
	tokNewline:   "newline",
	tokIdent:     "identifier",
	tokString:    "string",
	tokInt:       "integer",
	tokLParen:    "'('",
	tokRParen:    "')'",
	tokLBrack:    "'['",
	tokRBrack:    "']'",
	tokLBrace:    "'{'",
	tokRBrace:    "'}'",
	tokComma:     "','",
	tokColon:     "':'",
	tokAssign:    "'='",
	tokSemicolon: "';'",
}

var punctuation = map[rune]tokenKind{
	'(': tokLParen, ')': tokRParen,
	'[': tokLBrack, ']': tokRBrack,
	'{': tokLBrace, '}': tokRBrace,
	',': tokComma, ':': tokColon,
	'=': tokAssign, ';': tokSemicolon,
}

func (k tokenKind) String() string { return tokenNames[k] }

// Pos is a 1-based line/column location in the concatenated source.
type Pos struct {
	Line int
	Col  int
}

func (p Pos) String() string { return fmt.Sprintf("%d:%d", p.Line, p.Col) }

type token struct {
	kind tokenKind
	text string
	pos  Pos
}

type lexer struct {
	src   string
	off   int
	line  int
	col   int
	depth int
	toks  []token
}

func lex(src string) ([]token, error) {
	l := &lexer{src: src, line: 1, col: 1}
	for {
		tok, err := l.next()
		if err != nil {
			return nil, err
		}
		l.toks = append(l.toks, tok)
		if tok.kind == tokEOF {
			return l.toks, nil
		}
	}
}

func (l *lexer) peekRune() rune {
	if l.off >= len(l.src) {
		return -1
	}
	r, _ := utf8.DecodeRuneInString(l.src[l.off:])
	return r
}

func (l *lexer) advance() rune {
	r, size := utf8.DecodeRuneInString(l.src[l.off:])
	l.off += size
	if r == '\n' {
		l.line++
		l.col = 1
	} else {
		l.col++
	}
	return r
}

func (l *lexer) errorf(at Pos, format string, args ...any) error {
	return &ParseError{Pos: at, Msg: fmt.Sprintf(format, args...)}
}

func (l *lexer) next() (token, error) {
	for {
		r := l.peekRune()
		switch {
		case r == -1:
			return token{kind: tokEOF, pos: Pos{l.line, l.col}}, nil
		case r == '#':
			for l.peekRune() != '\n' && l.peekRune() != -1 {
				l.advance()
			}
		case r == '\\' && strings.HasPrefix(l.src[l.off:], "\\\n"):
			l.advance()
			l.advance()
		case r == '\n':
			at := Pos{l.line, l.col}
			l.advance()
			if l.depth == 0 {
				return token{kind: tokNewline, pos: at}, nil
			}
		case unicode.IsSpace(r):
			l.advance()
		default:
			return l.scan()
		}
	}
}

func (l *lexer) scan() (token, error) {
	at := Pos{l.line, l.col}
	r := l.peekRune()

	if kind, ok := punctuation[r]; ok {
		l.advance()
		switch kind {
		case tokLParen, tokLBrack, tokLBrace:
			l.depth++
		case tokRParen, tokRBrack, tokRBrace:
			if l.depth == 0 {
				return token{}, l.errorf(at, "unbalanced %s", kind)
			}
			l.depth--
		case tokAssign:
			if l.peekRune() == '=' {
				return token{}, l.errorf(at, "comparison operators are not supported")
			}
		}
		return token{kind: kind, text: string(r), pos: at}, nil
	}

	switch {
	case r == '"' || r == '\'':
		return l.scanString(at)
	case r == '_' || unicode.IsLetter(r):
		start := l.off
		for {
			c := l.peekRune()
			if c != '_' && !unicode.IsLetter(c) && !unicode.IsDigit(c) {
				break
			}
			l.advance()
		}
		return token{kind: tokIdent, text: l.src[start:l.off], pos: at}, nil
	case r >= '0' && r <= '9':
		start := l.off
		for c := l.peekRune(); c >= '0' && c <= '9'; c = l.peekRune() {
			l.advance()
		}
		return token{kind: tokInt, text: l.src[start:l.off], pos: at}, nil
	default:
		return token{}, l.errorf(at, "unexpected character %q", r)
	}
}

func (l *lexer) scanString(at Pos) (token, error) {
	quote := l.advance()
	var sb strings.Builder
	for {
		r := l.peekRune()
		switch r {
		case -1, '\n':
			return token{}, l.errorf(at, "unterminated string literal")
		case quote:
			l.advance()
			return token{kind: tokString, text: sb.String(), pos: at}, nil
		case '\\':
			l.advance()
			esc := l.peekRune()
			switch esc {
			case 'n':
				sb.WriteRune('\n')
			case 't':
				sb.WriteRune('\t')
			case 'r':
				sb.WriteRune('\r')
			case '\\', '\'', '"':
				sb.WriteRune(esc)
			default:
				return token{}, l.errorf(Pos{l.line, l.col}, "invalid escape sequence \\%c", esc)
			}
			l.advance()
		default:
			sb.WriteRune(l.advance())
		}
	}
}
