package expr

import (
	"strconv"
	"strings"

	"github.com/roach88/changeset/internal/ir"
)

// String renders e in the syntax accepted by Parse. Binary and negated
// expressions are fully parenthesized so the output round-trips.
func String(e Expr) string {
	var b strings.Builder
	render(&b, e)
	return b.String()
}

func render(b *strings.Builder, e Expr) {
	switch n := e.(type) {
	case Literal:
		renderValue(b, n.Value)
	case Ref:
		b.WriteString(n.Field)
	case AtomicRef:
		b.WriteString("atomic_ref(" + n.Field + ")")
	case Arg:
		b.WriteString("arg(" + n.Name + ")")
	case Actor:
		b.WriteString("actor(" + n.Path + ")")
	case Tenant:
		b.WriteString("tenant()")
	case ContextRef:
		b.WriteString("context(" + n.Path + ")")
	case Binary:
		b.WriteByte('(')
		render(b, n.Left)
		b.WriteString(" " + string(n.Op) + " ")
		render(b, n.Right)
		b.WriteByte(')')
	case Not:
		b.WriteString("(not ")
		render(b, n.Operand)
		b.WriteByte(')')
	case IsNil:
		b.WriteString("is_nil(")
		render(b, n.Operand)
		b.WriteByte(')')
	case If:
		b.WriteString("if(")
		render(b, n.Cond)
		b.WriteString(", ")
		render(b, n.Then)
		b.WriteString(", ")
		render(b, n.Else)
		b.WriteByte(')')
	case Error:
		b.WriteString("error(")
		if n.Field != "" {
			b.WriteString(n.Field + ", ")
		}
		b.WriteString(strconv.Quote(n.Message))
		b.WriteByte(')')
	case Call:
		b.WriteString(n.Name + "(")
		for i, a := range n.Args {
			if i > 0 {
				b.WriteString(", ")
			}
			render(b, a)
		}
		b.WriteByte(')')
	case nil:
		b.WriteString("<nil>")
	}
}

func renderValue(b *strings.Builder, v ir.IRValue) {
	switch val := v.(type) {
	case nil, ir.IRNull:
		b.WriteString("nil")
	case ir.IRString:
		b.WriteString(strconv.Quote(string(val)))
	case ir.IRInt:
		b.WriteString(strconv.FormatInt(int64(val), 10))
	case ir.IRBool:
		b.WriteString(strconv.FormatBool(bool(val)))
	case ir.IRArray:
		b.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				b.WriteString(", ")
			}
			renderValue(b, elem)
		}
		b.WriteByte(']')
	default:
		b.WriteString(ir.String(v))
	}
}
