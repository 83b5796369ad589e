package compiler

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/roach88/changeset/internal/expr"
	"github.com/roach88/changeset/internal/ir"
)

// Validation error codes (E100-E199)
const (
	ErrSchema            = "E100" // structural rule from the IR
	ErrInvalidExpression = "E101" // expression string does not parse
	ErrInvalidPattern    = "E102" // match constraint is not a regexp
	ErrInvalidTimeout    = "E103" // timeout is not a duration
	ErrUnknownField      = "E104" // expression references an unknown field
	ErrDuplicateName     = "E105" // duplicate attribute/action name
	ErrInvalidType       = "E106" // unknown attribute or argument type
	ErrInvalidKind       = "E107" // unknown action kind
	ErrInvalidStep       = "E108" // malformed step
)

// ValidationError represents a schema validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// Validate validates a compiled resource. Returns all errors found (does
// not fail-fast). Module names are not checked here; binding a resource to
// its modules happens when the catalog is built.
func Validate(spec *ir.ResourceSpec) []ValidationError {
	var errs []ValidationError

	for _, e := range spec.Validate() {
		errs = append(errs, ValidationError{Field: e.Field, Message: e.Message, Code: schemaCode(e)})
	}

	fields := make(map[string]bool)
	for _, a := range spec.Attributes {
		fields[a.Name] = true
	}

	for _, a := range spec.Attributes {
		prefix := "attributes." + a.Name
		errs = append(errs, checkDefault(prefix+".default", a.Default, fields)...)
		errs = append(errs, checkDefault(prefix+".update_default", a.UpdateDefault, fields)...)
		if a.Constraints.Match != "" {
			if _, err := regexp.Compile(a.Constraints.Match); err != nil {
				errs = append(errs, ValidationError{Field: prefix + ".constraints.match", Message: err.Error(), Code: ErrInvalidPattern})
			}
		}
	}

	for _, act := range spec.Actions {
		prefix := "actions." + act.Name
		if act.Timeout != "" {
			if d, err := time.ParseDuration(act.Timeout); err != nil || d < 0 {
				errs = append(errs, ValidationError{Field: prefix + ".timeout", Message: fmt.Sprintf("invalid duration %q", act.Timeout), Code: ErrInvalidTimeout})
			}
		}
		for _, arg := range act.Arguments {
			errs = append(errs, checkExpr(fmt.Sprintf("%s.arguments.%s.default", prefix, arg.Name), arg.Default, nil)...)
		}
		for i, step := range act.Steps {
			errs = append(errs, checkStep(fmt.Sprintf("%s.steps[%d]", prefix, i), step, fields)...)
		}
	}

	return errs
}

// schemaCode maps an IR rule to a more specific code where one exists.
func schemaCode(e ir.ValidationError) string {
	switch {
	case strings.HasPrefix(e.Message, "duplicate"):
		return ErrDuplicateName
	case strings.HasPrefix(e.Message, "invalid type"):
		return ErrInvalidType
	case strings.HasPrefix(e.Message, "invalid kind"):
		return ErrInvalidKind
	case strings.HasPrefix(e.Message, "exactly one of"), strings.HasPrefix(e.Message, "where guards"):
		return ErrInvalidStep
	default:
		return ErrSchema
	}
}

func checkStep(path string, step ir.StepSpec, fields map[string]bool) []ValidationError {
	var errs []ValidationError
	for _, k := range sortedKeys(step.Opts) {
		errs = append(errs, checkExpr(path+"."+k, step.Opts[k], fields)...)
	}
	for i, w := range step.Where {
		errs = append(errs, checkStep(fmt.Sprintf("%s.where[%d]", path, i), w, fields)...)
	}
	return errs
}

// checkDefault accepts "name()" default functions, which are not
// expressions, and otherwise checks the expression.
func checkDefault(path, src string, fields map[string]bool) []ValidationError {
	if strings.HasSuffix(src, "()") && !strings.ContainsAny(src[:len(src)-2], "() ") {
		return nil
	}
	return checkExpr(path, src, fields)
}

// checkExpr parses src and, when fields is non-nil, checks every field
// reference names an attribute.
func checkExpr(path, src string, fields map[string]bool) []ValidationError {
	if src == "" {
		return nil
	}
	e, err := expr.Parse(src)
	if err != nil {
		return []ValidationError{{Field: path, Message: err.Error(), Code: ErrInvalidExpression}}
	}
	if fields == nil {
		return nil
	}
	var errs []ValidationError
	for _, f := range expr.Refs(e) {
		if !fields[f] {
			errs = append(errs, ValidationError{Field: path, Message: fmt.Sprintf("unknown field %q", f), Code: ErrUnknownField})
		}
	}
	return errs
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
