package expr

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"github.com/roach88/changeset/internal/ir"
)

// ParseError reports a syntax error with its byte offset.
type ParseError struct {
	Input   string
	Offset  int
	Message string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %q at %d: %s", e.Input, e.Offset, e.Message)
}

// Parse reads an expression in the resource DSL syntax:
//
//	score + arg(by)
//	if(is_nil(name), "anonymous", name)
//	atomic_ref(score) <= 10 and not is_nil(owner_id)
//
// Bare identifiers are field references. Precedence from loosest:
// or, and, comparison, + -, * /, unary not and minus.
func Parse(input string) (Expr, error) {
	p := &parser{input: input}
	if err := p.lex(); err != nil {
		return nil, err
	}
	e, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, p.errorf(tok, "unexpected %q", tok.text)
	}
	return e, nil
}

// MustParse is like Parse but panics on error.
// Use only in tests or for expressions known to be valid.
func MustParse(input string) Expr {
	e, err := Parse(input)
	if err != nil {
		panic(err)
	}
	return e
}

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokInt
	tokString
	tokOp
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokComma
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

type parser struct {
	input  string
	tokens []token
	i      int
}

func (p *parser) errorf(tok token, format string, args ...any) error {
	return &ParseError{Input: p.input, Offset: tok.pos, Message: fmt.Sprintf(format, args...)}
}

func (p *parser) lex() error {
	s := p.input
	i := 0
	for i < len(s) {
		c := rune(s[i])
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '(':
			p.tokens = append(p.tokens, token{tokLParen, "(", i})
			i++
		case c == ')':
			p.tokens = append(p.tokens, token{tokRParen, ")", i})
			i++
		case c == '[':
			p.tokens = append(p.tokens, token{tokLBracket, "[", i})
			i++
		case c == ']':
			p.tokens = append(p.tokens, token{tokRBracket, "]", i})
			i++
		case c == ',':
			p.tokens = append(p.tokens, token{tokComma, ",", i})
			i++
		case c == '"' || c == '\'':
			end := i + 1
			for end < len(s) && rune(s[end]) != c {
				if s[end] == '\\' {
					end++
				}
				end++
			}
			if end >= len(s) {
				return &ParseError{Input: s, Offset: i, Message: "unterminated string"}
			}
			raw := s[i : end+1]
			if c == '\'' {
				raw = `"` + strings.ReplaceAll(raw[1:len(raw)-1], `"`, `\"`) + `"`
			}
			text, err := strconv.Unquote(raw)
			if err != nil {
				return &ParseError{Input: s, Offset: i, Message: "invalid string literal"}
			}
			p.tokens = append(p.tokens, token{tokString, text, i})
			i = end + 1
		case c >= '0' && c <= '9':
			end := i
			for end < len(s) && s[end] >= '0' && s[end] <= '9' {
				end++
			}
			p.tokens = append(p.tokens, token{tokInt, s[i:end], i})
			i = end
		case c == '_' || unicode.IsLetter(c):
			end := i
			for end < len(s) && (s[end] == '_' || s[end] == '.' || unicode.IsLetter(rune(s[end])) || unicode.IsDigit(rune(s[end]))) {
				end++
			}
			word := s[i:end]
			kind := tokIdent
			if word == "and" || word == "or" || word == "not" {
				kind = tokOp
			}
			p.tokens = append(p.tokens, token{kind, word, i})
			i = end
		default:
			two := ""
			if i+1 < len(s) {
				two = s[i : i+2]
			}
			switch two {
			case "==", "!=", "<=", ">=", "&&", "||":
				text := two
				if two == "&&" {
					text = "and"
				} else if two == "||" {
					text = "or"
				}
				p.tokens = append(p.tokens, token{tokOp, text, i})
				i += 2
				continue
			}
			switch c {
			case '+', '-', '*', '/', '<', '>':
				p.tokens = append(p.tokens, token{tokOp, string(c), i})
				i++
			case '!':
				p.tokens = append(p.tokens, token{tokOp, "not", i})
				i++
			default:
				return &ParseError{Input: s, Offset: i, Message: fmt.Sprintf("unexpected character %q", c)}
			}
		}
	}
	p.tokens = append(p.tokens, token{tokEOF, "", len(s)})
	return nil
}

func (p *parser) peek() token { return p.tokens[p.i] }

func (p *parser) next() token {
	tok := p.tokens[p.i]
	if tok.kind != tokEOF {
		p.i++
	}
	return tok
}

func (p *parser) acceptOp(ops ...string) (string, bool) {
	tok := p.peek()
	if tok.kind != tokOp {
		return "", false
	}
	for _, op := range ops {
		if tok.text == op {
			p.i++
			return op, true
		}
	}
	return "", false
}

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	tok := p.next()
	if tok.kind != kind {
		return tok, p.errorf(tok, "expected %s, got %q", what, tok.text)
	}
	return tok, nil
}

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.acceptOp("or"); !ok {
			return left, nil
		}
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = Binary{Op: OpOr, Left: left, Right: right}
	}
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseCmp()
	if err != nil {
		return nil, err
	}
	for {
		if _, ok := p.acceptOp("and"); !ok {
			return left, nil
		}
		right, err := p.parseCmp()
		if err != nil {
			return nil, err
		}
		left = Binary{Op: OpAnd, Left: left, Right: right}
	}
}

func (p *parser) parseCmp() (Expr, error) {
	left, err := p.parseAdd()
	if err != nil {
		return nil, err
	}
	op, ok := p.acceptOp("==", "!=", "<=", ">=", "<", ">")
	if !ok {
		return left, nil
	}
	right, err := p.parseAdd()
	if err != nil {
		return nil, err
	}
	return Binary{Op: Op(op), Left: left, Right: right}, nil
}

func (p *parser) parseAdd() (Expr, error) {
	left, err := p.parseMul()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.acceptOp("+", "-")
		if !ok {
			return left, nil
		}
		right, err := p.parseMul()
		if err != nil {
			return nil, err
		}
		left = Binary{Op: Op(op), Left: left, Right: right}
	}
}

func (p *parser) parseMul() (Expr, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		op, ok := p.acceptOp("*", "/")
		if !ok {
			return left, nil
		}
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = Binary{Op: Op(op), Left: left, Right: right}
	}
}

func (p *parser) parseUnary() (Expr, error) {
	if _, ok := p.acceptOp("not"); ok {
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return Not{Operand: operand}, nil
	}
	if _, ok := p.acceptOp("-"); ok {
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		if l, ok := operand.(Literal); ok {
			if n, ok := l.Value.(ir.IRInt); ok {
				return Literal{Value: -n}, nil
			}
		}
		return Binary{Op: OpSub, Left: Literal{Value: ir.IRInt(0)}, Right: operand}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (Expr, error) {
	tok := p.next()
	switch tok.kind {
	case tokInt:
		n, err := strconv.ParseInt(tok.text, 10, 64)
		if err != nil {
			return nil, p.errorf(tok, "integer out of range")
		}
		return Literal{Value: ir.IRInt(n)}, nil
	case tokString:
		return Literal{Value: ir.IRString(tok.text)}, nil
	case tokLParen:
		e, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, ")"); err != nil {
			return nil, err
		}
		return e, nil
	case tokLBracket:
		return p.parseArray()
	case tokIdent:
		switch tok.text {
		case "true":
			return True, nil
		case "false":
			return False, nil
		case "nil", "null":
			return Literal{Value: ir.Null}, nil
		}
		if p.peek().kind == tokLParen {
			p.next()
			return p.parseCall(tok)
		}
		return Ref{Field: tok.text}, nil
	}
	return nil, p.errorf(tok, "unexpected %q", tok.text)
}

func (p *parser) parseArray() (Expr, error) {
	var arr ir.IRArray
	if p.peek().kind == tokRBracket {
		p.next()
		return Literal{Value: ir.IRArray{}}, nil
	}
	for {
		tok := p.peek()
		e, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		l, ok := e.(Literal)
		if !ok {
			return nil, p.errorf(tok, "array elements must be literals")
		}
		arr = append(arr, l.Value)
		sep := p.next()
		if sep.kind == tokRBracket {
			return Literal{Value: arr}, nil
		}
		if sep.kind != tokComma {
			return nil, p.errorf(sep, "expected , or ]")
		}
	}
}

// parseCall is entered after the opening parenthesis.
func (p *parser) parseCall(name token) (Expr, error) {
	switch name.text {
	case "arg", "actor", "context", "atomic_ref", "ref":
		var path string
		if p.peek().kind == tokIdent {
			path = p.next().text
		} else if name.text != "actor" {
			return nil, p.errorf(p.peek(), "%s needs a name", name.text)
		}
		if _, err := p.expect(tokRParen, ")"); err != nil {
			return nil, err
		}
		switch name.text {
		case "arg":
			return Arg{Name: path}, nil
		case "actor":
			return Actor{Path: path}, nil
		case "context":
			return ContextRef{Path: path}, nil
		case "atomic_ref":
			return AtomicRef{Field: path}, nil
		default:
			return Ref{Field: path}, nil
		}
	case "tenant":
		if _, err := p.expect(tokRParen, ")"); err != nil {
			return nil, err
		}
		return Tenant{}, nil
	case "error":
		var field string
		if p.peek().kind == tokIdent {
			field = p.next().text
			if _, err := p.expect(tokComma, ","); err != nil {
				return nil, err
			}
		}
		msg, err := p.expect(tokString, "error message")
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, ")"); err != nil {
			return nil, err
		}
		return Error{Field: field, Message: msg.text}, nil
	}

	var args []Expr
	if p.peek().kind == tokRParen {
		p.next()
	} else {
		for {
			a, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			args = append(args, a)
			sep := p.next()
			if sep.kind == tokRParen {
				break
			}
			if sep.kind != tokComma {
				return nil, p.errorf(sep, "expected , or )")
			}
		}
	}

	switch name.text {
	case "is_nil":
		if len(args) != 1 {
			return nil, p.errorf(name, "is_nil takes 1 argument")
		}
		return IsNil{Operand: args[0]}, nil
	case "if":
		if len(args) != 3 {
			return nil, p.errorf(name, "if takes 3 arguments")
		}
		return If{Cond: args[0], Then: args[1], Else: args[2]}, nil
	case FuncNow, FuncLength, FuncCoalesce:
		return Call{Name: name.text, Args: args}, nil
	}
	return nil, p.errorf(name, "unknown function %q", name.text)
}
