package expr

import "github.com/roach88/changeset/internal/ir"

// Expr is a value or condition expression that can be evaluated in memory or
// compiled for a data layer.
//
// This is a sealed interface - only types in this package implement it.
// The marker method enables exhaustive type switches in evaluators and
// backend compilers.
type Expr interface {
	exprNode()
}

// Literal is a constant value.
type Literal struct {
	Value ir.IRValue
}

// Ref reads the stored value of a field on the row being written.
// Inside a data-layer write it always means the value before the write.
type Ref struct {
	Field string
}

// AtomicRef reads the pending value of a field: the field's atomic fragment,
// else its pending change, else the stored value. Changesets resolve it when
// an expression enters the record and again when the plan is finalized.
type AtomicRef struct {
	Field string
}

// Arg is a template placeholder for an action argument.
type Arg struct {
	Name string
}

// Actor is a template placeholder for a path into the actor.
type Actor struct {
	Path string
}

// Tenant is a template placeholder for the changeset tenant.
type Tenant struct{}

// ContextRef is a template placeholder for a dotted path into the context.
type ContextRef struct {
	Path string
}

// Op is a binary operator.
type Op string

const (
	OpAdd Op = "+"
	OpSub Op = "-"
	OpMul Op = "*"
	OpDiv Op = "/"
	OpEq  Op = "=="
	OpNe  Op = "!="
	OpLt  Op = "<"
	OpLe  Op = "<="
	OpGt  Op = ">"
	OpGe  Op = ">="
	OpAnd Op = "and"
	OpOr  Op = "or"
)

// Binary applies Op to two operands. Equality is null-safe.
type Binary struct {
	Op    Op
	Left  Expr
	Right Expr
}

// Not negates a boolean operand.
type Not struct {
	Operand Expr
}

// IsNil is true when the operand is null.
type IsNil struct {
	Operand Expr
}

// If selects Then when Cond is true, otherwise Else. Else may be an Error
// node, which defers a validation failure to whoever evaluates the branch.
type If struct {
	Cond Expr
	Then Expr
	Else Expr
}

// Error fails evaluation with Message attributed to Field.
type Error struct {
	Field   string
	Message string
}

// Call invokes a builtin function: now(), length(x), coalesce(a, b, ...).
type Call struct {
	Name string
	Args []Expr
}

func (Literal) exprNode()    {}
func (Ref) exprNode()        {}
func (AtomicRef) exprNode()  {}
func (Arg) exprNode()        {}
func (Actor) exprNode()      {}
func (Tenant) exprNode()     {}
func (ContextRef) exprNode() {}
func (Binary) exprNode()     {}
func (Not) exprNode()        {}
func (IsNil) exprNode()      {}
func (If) exprNode()         {}
func (Error) exprNode()      {}
func (Call) exprNode()       {}

// Builtin function names understood by Eval and the SQL compiler.
const (
	FuncNow      = "now"
	FuncLength   = "length"
	FuncCoalesce = "coalesce"
)

var (
	// True is the literal true.
	True Expr = Literal{Value: ir.IRBool(true)}
	// False is the literal false.
	False Expr = Literal{Value: ir.IRBool(false)}
)

// Lit wraps a value as a literal.
func Lit(v ir.IRValue) Expr {
	if v == nil {
		v = ir.Null
	}
	return Literal{Value: v}
}

// IsTrue reports whether e is the literal true.
func IsTrue(e Expr) bool {
	l, ok := e.(Literal)
	if !ok {
		return false
	}
	b, ok := l.Value.(ir.IRBool)
	return ok && bool(b)
}

// IsFalse reports whether e is the literal false.
func IsFalse(e Expr) bool {
	l, ok := e.(Literal)
	if !ok {
		return false
	}
	b, ok := l.Value.(ir.IRBool)
	return ok && !bool(b)
}

// And conjoins a and b. A literal true operand is dropped so generated
// expressions stay readable; a literal false absorbs the conjunction.
func And(a, b Expr) Expr {
	switch {
	case IsTrue(a):
		return b
	case IsTrue(b):
		return a
	case IsFalse(a) || IsFalse(b):
		return False
	}
	return Binary{Op: OpAnd, Left: a, Right: b}
}

// Or disjoins a and b with the mirror-image folding of And.
func Or(a, b Expr) Expr {
	switch {
	case IsFalse(a):
		return b
	case IsFalse(b):
		return a
	case IsTrue(a) || IsTrue(b):
		return True
	}
	return Binary{Op: OpOr, Left: a, Right: b}
}

// Negate returns NOT e, folding literals and double negation.
func Negate(e Expr) Expr {
	switch {
	case IsTrue(e):
		return False
	case IsFalse(e):
		return True
	}
	if n, ok := e.(Not); ok {
		return n.Operand
	}
	return Not{Operand: e}
}

// Cmp builds a binary expression.
func Cmp(op Op, left, right Expr) Expr {
	return Binary{Op: op, Left: left, Right: right}
}

// Assignment pairs a field with the expression that computes its new value.
type Assignment struct {
	Field string
	Expr  Expr
}
