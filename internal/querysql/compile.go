package querysql

import (
	"fmt"
	"strings"

	"github.com/roach88/changeset/internal/expr"
	"github.com/roach88/changeset/internal/ir"
)

// SQLCompiler compiles expressions and row statements to parameterized SQL.
//
// Values are never interpolated: every literal becomes a parameter.
// Statements that can return more than one row carry an ORDER BY so results
// are deterministic.
type SQLCompiler struct {
	Dialect Dialect

	// Now supplies the value of now(). When nil, now() fails to compile.
	Now func() ir.IRValue
}

// NewSQLCompiler creates a compiler for dialect.
func NewSQLCompiler(dialect Dialect) *SQLCompiler {
	return &SQLCompiler{Dialect: dialect}
}

// builder accumulates SQL parameters so placeholders are numbered in order.
type builder struct {
	c         *SQLCompiler
	params    []any
	qualifier string
}

func (c *SQLCompiler) newBuilder() *builder {
	return &builder{c: c}
}

func (b *builder) param(v ir.IRValue) (string, error) {
	if v == nil || ir.IsNull(v) {
		return "NULL", nil
	}
	p, err := b.c.Dialect.Param(v)
	if err != nil {
		return "", err
	}
	b.params = append(b.params, p)
	return b.c.Dialect.placeholder(len(b.params), v), nil
}

func (b *builder) column(name string) string {
	if b.qualifier != "" {
		return Quote(b.qualifier) + "." + Quote(name)
	}
	return Quote(name)
}

// Compile converts an expression to a SQL fragment.
// Returns (sql, params, error).
func (c *SQLCompiler) Compile(e expr.Expr) (string, []any, error) {
	b := c.newBuilder()
	sql, err := b.expr(e)
	if err != nil {
		return "", nil, err
	}
	return sql, b.params, nil
}

func (b *builder) expr(e expr.Expr) (string, error) {
	switch n := e.(type) {
	case expr.Literal:
		return b.param(n.Value)

	case expr.Ref:
		return b.column(n.Field), nil

	case expr.AtomicRef:
		return "", fmt.Errorf("unresolved atomic_ref(%s) cannot be compiled", n.Field)

	case expr.Arg, expr.Actor, expr.Tenant, expr.ContextRef:
		return "", fmt.Errorf("unfilled template placeholder %s", expr.String(e))

	case expr.Binary:
		return b.binary(n)

	case expr.Not:
		inner, err := b.expr(n.Operand)
		if err != nil {
			return "", err
		}
		return "(NOT " + inner + ")", nil

	case expr.IsNil:
		inner, err := b.expr(n.Operand)
		if err != nil {
			return "", err
		}
		return "(" + inner + " IS NULL)", nil

	case expr.If:
		cond, err := b.expr(n.Cond)
		if err != nil {
			return "", err
		}
		then, err := b.expr(n.Then)
		if err != nil {
			return "", err
		}
		els, err := b.expr(n.Else)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("(CASE WHEN %s THEN %s ELSE %s END)", cond, then, els), nil

	case expr.Error:
		if !b.c.Dialect.SupportsRaise() {
			return "", fmt.Errorf("%s cannot raise errors from expressions", b.c.Dialect)
		}
		payload := ir.IRObject{"field": ir.IRString(n.Field), "message": ir.IRString(n.Message)}
		p, err := b.param(payload)
		if err != nil {
			return "", err
		}
		return RaiseFunc + "(" + p + ")", nil

	case expr.Call:
		return b.call(n)

	case nil:
		return "", fmt.Errorf("cannot compile nil expression")
	}
	return "", fmt.Errorf("unsupported expression type: %T", e)
}

func (b *builder) binary(n expr.Binary) (string, error) {
	l, err := b.expr(n.Left)
	if err != nil {
		return "", err
	}
	r, err := b.expr(n.Right)
	if err != nil {
		return "", err
	}
	switch n.Op {
	case expr.OpEq:
		return b.c.Dialect.nullSafeEq(l, r, false), nil
	case expr.OpNe:
		return b.c.Dialect.nullSafeEq(l, r, true), nil
	case expr.OpAnd:
		return "(" + l + " AND " + r + ")", nil
	case expr.OpOr:
		return "(" + l + " OR " + r + ")", nil
	case expr.OpAdd, expr.OpSub, expr.OpMul, expr.OpDiv, expr.OpLt, expr.OpLe, expr.OpGt, expr.OpGe:
		return "(" + l + " " + string(n.Op) + " " + r + ")", nil
	}
	return "", fmt.Errorf("unsupported operator %q", n.Op)
}

func (b *builder) call(n expr.Call) (string, error) {
	switch n.Name {
	case expr.FuncNow:
		if b.c.Now == nil {
			return "", fmt.Errorf("now() has no clock")
		}
		return b.param(b.c.Now())

	case expr.FuncLength:
		if len(n.Args) != 1 {
			return "", fmt.Errorf("length takes 1 argument, got %d", len(n.Args))
		}
		arg, err := b.expr(n.Args[0])
		if err != nil {
			return "", err
		}
		return b.c.Dialect.lengthFunc() + "(" + arg + ")", nil

	case expr.FuncCoalesce:
		if len(n.Args) == 0 {
			return "NULL", nil
		}
		args := make([]string, len(n.Args))
		for i, a := range n.Args {
			s, err := b.expr(a)
			if err != nil {
				return "", err
			}
			args[i] = s
		}
		if len(args) == 1 {
			return args[0], nil
		}
		return "COALESCE(" + strings.Join(args, ", ") + ")", nil
	}
	return "", fmt.Errorf("unknown function %q", n.Name)
}
