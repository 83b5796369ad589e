package compiler

import (
	"fmt"
	"strconv"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/changeset/internal/ir"
)

// CompileResource parses a CUE value into a ResourceSpec.
// Uses CUE SDK's Go API directly (not CLI subprocess).
//
// The CUE value should be the resource struct itself, e.g.:
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(`resource: Counter: { ... }`)
//	spec, err := CompileResource(v.LookupPath(cue.ParsePath("resource.Counter")))
//
// Expression-valued fields (defaults, step options) are kept as source
// strings; CUE ints and bools are rendered as their literal source.
func CompileResource(v cue.Value) (*ir.ResourceSpec, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	spec := &ir.ResourceSpec{}

	labels := v.Path().Selectors()
	if len(labels) > 0 {
		spec.Name = labels[len(labels)-1].String()
	}

	tableVal := v.LookupPath(cue.ParsePath("table"))
	if !tableVal.Exists() {
		return nil, &CompileError{
			Field:   "table",
			Message: "table is required",
			Pos:     v.Pos(),
		}
	}
	table, err := tableVal.String()
	if err != nil {
		return nil, formatCUEError(err)
	}
	spec.Table = table

	pkVal := v.LookupPath(cue.ParsePath("primary_key"))
	if !pkVal.Exists() {
		return nil, &CompileError{
			Field:   "primary_key",
			Message: "primary_key is required",
			Pos:     v.Pos(),
		}
	}
	if spec.PrimaryKey, err = stringList(pkVal); err != nil {
		return nil, err
	}

	if spec.Attributes, err = parseAttributes(v); err != nil {
		return nil, err
	}
	if len(spec.Attributes) == 0 {
		return nil, &CompileError{
			Field:   "attributes",
			Message: "at least one attribute is required",
			Pos:     v.Pos(),
		}
	}

	if spec.Actions, err = parseActions(v); err != nil {
		return nil, err
	}

	return spec, nil
}

// parseAttributes extracts attributes in declaration order.
func parseAttributes(v cue.Value) ([]ir.AttributeSpec, error) {
	var attrs []ir.AttributeSpec

	attrsVal := v.LookupPath(cue.ParsePath("attributes"))
	if !attrsVal.Exists() {
		return attrs, nil
	}

	iter, err := attrsVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	for iter.Next() {
		name := iter.Label()
		av := iter.Value()
		attr := ir.AttributeSpec{Name: name, Writable: true}

		if attr.Type, err = requiredString(av, "type", "attributes."+name+".type"); err != nil {
			return nil, err
		}
		if attr.AllowNil, err = optionalBool(av, "allow_nil", false); err != nil {
			return nil, err
		}
		if attr.Writable, err = optionalBool(av, "writable", true); err != nil {
			return nil, err
		}
		if attr.Default, err = optionalSource(av, "default"); err != nil {
			return nil, err
		}
		if attr.UpdateDefault, err = optionalSource(av, "update_default"); err != nil {
			return nil, err
		}
		if attr.Constraints, err = parseConstraints(av); err != nil {
			return nil, err
		}

		attrs = append(attrs, attr)
	}

	return attrs, nil
}

func parseConstraints(v cue.Value) (ir.ConstraintSpec, error) {
	var c ir.ConstraintSpec

	cv := v.LookupPath(cue.ParsePath("constraints"))
	if !cv.Exists() {
		return c, nil
	}

	ints := []struct {
		name string
		dst  **int64
	}{
		{"min", &c.Min},
		{"max", &c.Max},
		{"min_length", &c.MinLength},
		{"max_length", &c.MaxLength},
	}
	for _, f := range ints {
		fv := cv.LookupPath(cue.ParsePath(f.name))
		if !fv.Exists() {
			continue
		}
		n, err := fv.Int64()
		if err != nil {
			return c, &CompileError{
				Field:   "constraints." + f.name,
				Message: "must be an integer",
				Pos:     fv.Pos(),
			}
		}
		*f.dst = &n
	}

	var err error
	if c.Match, err = optionalSource(cv, "match"); err != nil {
		return c, err
	}
	if ov := cv.LookupPath(cue.ParsePath("one_of")); ov.Exists() {
		if c.OneOf, err = stringList(ov); err != nil {
			return c, err
		}
	}
	if c.AllowEmpty, err = optionalBool(cv, "allow_empty", false); err != nil {
		return c, err
	}
	if c.NoTrim, err = optionalBool(cv, "no_trim", false); err != nil {
		return c, err
	}
	return c, nil
}

// parseActions extracts action definitions in declaration order.
func parseActions(v cue.Value) ([]ir.ActionSpec, error) {
	var actions []ir.ActionSpec

	actionsVal := v.LookupPath(cue.ParsePath("actions"))
	if !actionsVal.Exists() {
		return actions, nil
	}

	iter, err := actionsVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	for iter.Next() {
		name := iter.Label()
		av := iter.Value()
		act := ir.ActionSpec{Name: name}

		if act.Kind, err = requiredString(av, "kind", "actions."+name+".kind"); err != nil {
			return nil, err
		}
		if acceptVal := av.LookupPath(cue.ParsePath("accept")); acceptVal.Exists() {
			if act.Accept, err = stringList(acceptVal); err != nil {
				return nil, err
			}
		}
		if act.Arguments, err = parseArguments(av, name); err != nil {
			return nil, err
		}
		if stepsVal := av.LookupPath(cue.ParsePath("steps")); stepsVal.Exists() {
			if act.Steps, err = parseSteps(stepsVal, "actions."+name+".steps"); err != nil {
				return nil, err
			}
		}
		if tv := av.LookupPath(cue.ParsePath("transaction")); tv.Exists() {
			b, err := tv.Bool()
			if err != nil {
				return nil, formatCUEError(err)
			}
			act.Transaction = &b
		}
		if act.Timeout, err = optionalSource(av, "timeout"); err != nil {
			return nil, err
		}

		actions = append(actions, act)
	}

	return actions, nil
}

func parseArguments(v cue.Value, action string) ([]ir.ArgumentSpec, error) {
	var args []ir.ArgumentSpec

	argsVal := v.LookupPath(cue.ParsePath("arguments"))
	if !argsVal.Exists() {
		return args, nil
	}

	iter, err := argsVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		name := iter.Label()
		av := iter.Value()
		arg := ir.ArgumentSpec{Name: name}
		if arg.Type, err = requiredString(av, "type", fmt.Sprintf("actions.%s.arguments.%s.type", action, name)); err != nil {
			return nil, err
		}
		if arg.AllowNil, err = optionalBool(av, "allow_nil", false); err != nil {
			return nil, err
		}
		if arg.Default, err = optionalSource(av, "default"); err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	return args, nil
}

// stepKeys are the step fields that are not module options.
var stepKeys = map[string]bool{
	"change":   true,
	"validate": true,
	"where":    true,
	"message":  true,
}

// parseSteps parses a list of steps. Every field besides change, validate,
// where and message is a module option.
func parseSteps(v cue.Value, path string) ([]ir.StepSpec, error) {
	list, err := v.List()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var steps []ir.StepSpec
	for i := 0; list.Next(); i++ {
		sv := list.Value()
		stepPath := fmt.Sprintf("%s[%d]", path, i)
		step := ir.StepSpec{}

		if step.Change, err = optionalSource(sv, "change"); err != nil {
			return nil, err
		}
		if step.Validate, err = optionalSource(sv, "validate"); err != nil {
			return nil, err
		}
		if step.Message, err = optionalSource(sv, "message"); err != nil {
			return nil, err
		}
		if wv := sv.LookupPath(cue.ParsePath("where")); wv.Exists() {
			if step.Where, err = parseSteps(wv, stepPath+".where"); err != nil {
				return nil, err
			}
		}

		fields, err := sv.Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		for fields.Next() {
			key := fields.Label()
			if stepKeys[key] {
				continue
			}
			src, err := source(fields.Value())
			if err != nil {
				return nil, &CompileError{
					Field:   stepPath + "." + key,
					Message: err.Error(),
					Pos:     fields.Value().Pos(),
				}
			}
			if step.Opts == nil {
				step.Opts = make(map[string]string)
			}
			step.Opts[key] = src
		}

		steps = append(steps, step)
	}
	return steps, nil
}

// source renders a scalar CUE value as expression source. Strings are taken
// verbatim; they already hold expression text.
func source(v cue.Value) (string, error) {
	switch v.IncompleteKind() {
	case cue.StringKind:
		return v.String()
	case cue.IntKind:
		n, err := v.Int64()
		if err != nil {
			return "", err
		}
		return strconv.FormatInt(n, 10), nil
	case cue.BoolKind:
		b, err := v.Bool()
		if err != nil {
			return "", err
		}
		return strconv.FormatBool(b), nil
	case cue.NullKind:
		return "nil", nil
	case cue.FloatKind, cue.NumberKind:
		return "", fmt.Errorf("float values are forbidden - use integers instead")
	default:
		return "", fmt.Errorf("unsupported value kind: %v", v.IncompleteKind())
	}
}

func optionalSource(v cue.Value, name string) (string, error) {
	fv := v.LookupPath(cue.ParsePath(name))
	if !fv.Exists() {
		return "", nil
	}
	s, err := source(fv)
	if err != nil {
		return "", &CompileError{Field: name, Message: err.Error(), Pos: fv.Pos()}
	}
	return s, nil
}

func requiredString(v cue.Value, name, field string) (string, error) {
	fv := v.LookupPath(cue.ParsePath(name))
	if !fv.Exists() {
		return "", &CompileError{
			Field:   field,
			Message: name + " is required",
			Pos:     v.Pos(),
		}
	}
	s, err := fv.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

func optionalBool(v cue.Value, name string, def bool) (bool, error) {
	fv := v.LookupPath(cue.ParsePath(name))
	if !fv.Exists() {
		return def, nil
	}
	b, err := fv.Bool()
	if err != nil {
		return false, formatCUEError(err)
	}
	return b, nil
}

func stringList(v cue.Value) ([]string, error) {
	iter, err := v.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	out := []string{}
	for iter.Next() {
		s, err := iter.Value().String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		out = append(out, s)
	}
	return out, nil
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}

	return err
}
