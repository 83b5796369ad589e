package expr

import (
	"errors"
	"fmt"
	"math"
	"unicode/utf8"

	"github.com/roach88/changeset/internal/ir"
)

// RaisedError is returned when evaluation reaches an Error node. Data layers
// that evaluate plans natively surface the same type.
type RaisedError struct {
	Field   string
	Message string
}

func (e *RaisedError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// IsRaisedError reports whether err carries a RaisedError.
func IsRaisedError(err error) bool {
	var re *RaisedError
	return errors.As(err, &re)
}

// Env is the evaluation environment.
type Env struct {
	// Row is the stored row. Nil means the row is unavailable and every Ref
	// evaluates to Unknown.
	Row ir.IRObject

	// Pending resolves AtomicRef nodes. When nil or when it reports false,
	// an AtomicRef behaves like a Ref.
	Pending func(field string) (ir.IRValue, bool)

	// Now supplies now(). When nil, now() evaluates to Unknown.
	Now func() ir.IRValue
}

// Eval evaluates e. known is false when the result depends on data the
// environment does not have. Reaching an Error node returns *RaisedError.
func Eval(e Expr, env Env) (v ir.IRValue, known bool, err error) {
	switch n := e.(type) {
	case Literal:
		if n.Value == nil {
			return ir.Null, true, nil
		}
		return n.Value, true, nil

	case Ref:
		if env.Row == nil {
			return nil, false, nil
		}
		return env.Row.Get(n.Field), true, nil

	case AtomicRef:
		if env.Pending != nil {
			if v, ok := env.Pending(n.Field); ok {
				return v, true, nil
			}
		}
		return Eval(Ref{Field: n.Field}, env)

	case Arg, Actor, Tenant, ContextRef:
		return nil, false, fmt.Errorf("unfilled template placeholder %s", String(e))

	case Binary:
		return evalBinary(n, env)

	case Not:
		v, known, err := Eval(n.Operand, env)
		if err != nil || !known {
			return nil, known, err
		}
		if ir.IsNull(v) {
			return ir.Null, true, nil
		}
		return ir.IRBool(!truthy(v)), true, nil

	case IsNil:
		v, known, err := Eval(n.Operand, env)
		if err != nil || !known {
			return nil, known, err
		}
		return ir.IRBool(ir.IsNull(v)), true, nil

	case If:
		c, known, err := Eval(n.Cond, env)
		if err != nil || !known {
			return nil, known, err
		}
		if truthy(c) {
			return Eval(n.Then, env)
		}
		return Eval(n.Else, env)

	case Error:
		return nil, true, &RaisedError{Field: n.Field, Message: n.Message}

	case Call:
		return evalCall(n, env)

	case nil:
		return nil, false, fmt.Errorf("nil expression")
	}
	return nil, false, fmt.Errorf("unsupported expression type: %T", e)
}

// Truthy reports whether v is the boolean true. Null is false.
func Truthy(v ir.IRValue) bool {
	return truthy(v)
}

func truthy(v ir.IRValue) bool {
	b, ok := v.(ir.IRBool)
	return ok && bool(b)
}

func evalBinary(n Binary, env Env) (ir.IRValue, bool, error) {
	if n.Op == OpAnd || n.Op == OpOr {
		return evalLogic(n, env)
	}

	l, lk, err := Eval(n.Left, env)
	if err != nil {
		return nil, false, err
	}
	r, rk, err := Eval(n.Right, env)
	if err != nil {
		return nil, false, err
	}
	if !lk || !rk {
		return nil, false, nil
	}

	switch n.Op {
	case OpEq:
		return ir.IRBool(ir.Equal(l, r)), true, nil
	case OpNe:
		return ir.IRBool(!ir.Equal(l, r)), true, nil
	}

	if ir.IsNull(l) || ir.IsNull(r) {
		return ir.Null, true, nil
	}

	switch n.Op {
	case OpAdd, OpSub, OpMul, OpDiv:
		li, lok := l.(ir.IRInt)
		ri, rok := r.(ir.IRInt)
		if !lok || !rok {
			return nil, false, fmt.Errorf("operator %s needs integers, got %s and %s", n.Op, ir.String(l), ir.String(r))
		}
		v, err := arith(n.Op, int64(li), int64(ri))
		if err != nil {
			return nil, false, err
		}
		return ir.IRInt(v), true, nil
	case OpLt, OpLe, OpGt, OpGe:
		c, err := compare(l, r)
		if err != nil {
			return nil, false, err
		}
		switch n.Op {
		case OpLt:
			return ir.IRBool(c < 0), true, nil
		case OpLe:
			return ir.IRBool(c <= 0), true, nil
		case OpGt:
			return ir.IRBool(c > 0), true, nil
		default:
			return ir.IRBool(c >= 0), true, nil
		}
	}
	return nil, false, fmt.Errorf("unsupported operator %q", n.Op)
}

// evalLogic short-circuits on known operands so a statically false guard
// stays false even when the other side needs the stored row.
func evalLogic(n Binary, env Env) (ir.IRValue, bool, error) {
	absorbing := n.Op == OpOr

	l, lk, err := Eval(n.Left, env)
	if err != nil {
		return nil, false, err
	}
	if lk && truthy(l) == absorbing {
		return ir.IRBool(absorbing), true, nil
	}
	r, rk, err := Eval(n.Right, env)
	if err != nil {
		return nil, false, err
	}
	if rk && truthy(r) == absorbing {
		return ir.IRBool(absorbing), true, nil
	}
	if !lk || !rk {
		return nil, false, nil
	}
	return ir.IRBool(!absorbing), true, nil
}

func compare(l, r ir.IRValue) (int, error) {
	switch lv := l.(type) {
	case ir.IRInt:
		if rv, ok := r.(ir.IRInt); ok {
			switch {
			case lv < rv:
				return -1, nil
			case lv > rv:
				return 1, nil
			}
			return 0, nil
		}
	case ir.IRString:
		if rv, ok := r.(ir.IRString); ok {
			switch {
			case lv < rv:
				return -1, nil
			case lv > rv:
				return 1, nil
			}
			return 0, nil
		}
	}
	return 0, fmt.Errorf("cannot order %s and %s", ir.String(l), ir.String(r))
}

func evalCall(n Call, env Env) (ir.IRValue, bool, error) {
	switch n.Name {
	case FuncNow:
		if env.Now == nil {
			return nil, false, nil
		}
		return env.Now(), true, nil

	case FuncLength:
		if len(n.Args) != 1 {
			return nil, false, fmt.Errorf("length takes 1 argument, got %d", len(n.Args))
		}
		v, known, err := Eval(n.Args[0], env)
		if err != nil || !known {
			return nil, known, err
		}
		switch val := v.(type) {
		case ir.IRNull:
			return ir.Null, true, nil
		case ir.IRString:
			return ir.IRInt(utf8.RuneCountInString(string(val))), true, nil
		case ir.IRArray:
			return ir.IRInt(len(val)), true, nil
		}
		return nil, false, fmt.Errorf("length of %s", ir.String(v))

	case FuncCoalesce:
		allKnown := true
		for _, a := range n.Args {
			v, known, err := Eval(a, env)
			if err != nil {
				return nil, false, err
			}
			if !known {
				allKnown = false
				break
			}
			if !ir.IsNull(v) {
				return v, true, nil
			}
		}
		if !allKnown {
			return nil, false, nil
		}
		return ir.Null, true, nil
	}
	return nil, false, fmt.Errorf("unknown function %q", n.Name)
}

// ErrOverflow is returned when integer arithmetic leaves the int64 range.
var ErrOverflow = errors.New("integer overflow")

func arith(op Op, l, r int64) (int64, error) {
	overflow := func() (int64, error) {
		return 0, fmt.Errorf("%d %s %d: %w", l, op, r, ErrOverflow)
	}
	switch op {
	case OpAdd:
		if (r > 0 && l > math.MaxInt64-r) || (r < 0 && l < math.MinInt64-r) {
			return overflow()
		}
		return l + r, nil
	case OpSub:
		if (r < 0 && l > math.MaxInt64+r) || (r > 0 && l < math.MinInt64+r) {
			return overflow()
		}
		return l - r, nil
	case OpMul:
		if l == 0 || r == 0 {
			return 0, nil
		}
		p := l * r
		if p/r != l || (l == -1 && r == math.MinInt64) || (r == -1 && l == math.MinInt64) {
			return overflow()
		}
		return p, nil
	}
	if r == 0 {
		return 0, fmt.Errorf("division by zero")
	}
	if l == math.MinInt64 && r == -1 {
		return overflow()
	}
	return l / r, nil
}
