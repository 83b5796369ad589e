package ir

import (
	"fmt"
)

// ValidTypes defines the attribute and argument types a resource may declare.
var ValidTypes = map[string]bool{
	"string":       true,
	"integer":      true,
	"boolean":      true,
	"uuid":         true,
	"utc_datetime": true,
	"map":          true,
}

// ValidKinds defines the action kinds.
var ValidKinds = map[string]bool{
	"create":  true,
	"update":  true,
	"destroy": true,
}

// ResourceSpec represents a compiled resource definition.
type ResourceSpec struct {
	Name       string          `json:"name"`
	Table      string          `json:"table"`
	PrimaryKey []string        `json:"primary_key"`
	Attributes []AttributeSpec `json:"attributes"`
	Actions    []ActionSpec    `json:"actions"`
}

// AttributeSpec describes one persisted field. Default and UpdateDefault are
// expression strings; a call to a registered default function (for example
// "uuid_v7()" or "utc_now()") is evaluated lazily once per changeset.
type AttributeSpec struct {
	Name          string         `json:"name"`
	Type          string         `json:"type"`
	AllowNil      bool           `json:"allow_nil"`
	Writable      bool           `json:"writable"`
	Default       string         `json:"default,omitempty"`
	UpdateDefault string         `json:"update_default,omitempty"`
	Constraints   ConstraintSpec `json:"constraints"`
}

// ConstraintSpec holds type-level constraints. Nil pointers mean unset.
type ConstraintSpec struct {
	Min        *int64   `json:"min,omitempty"`
	Max        *int64   `json:"max,omitempty"`
	MinLength  *int64   `json:"min_length,omitempty"`
	MaxLength  *int64   `json:"max_length,omitempty"`
	Match      string   `json:"match,omitempty"`
	OneOf      []string `json:"one_of,omitempty"`
	AllowEmpty bool     `json:"allow_empty,omitempty"`
	NoTrim     bool     `json:"no_trim,omitempty"`
}

// ArgumentSpec describes an action argument (not persisted).
type ArgumentSpec struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	AllowNil bool   `json:"allow_nil"`
	Default  string `json:"default,omitempty"`
}

// ActionSpec describes a create, update or destroy action.
type ActionSpec struct {
	Name        string         `json:"name"`
	Kind        string         `json:"kind"`
	Accept      []string       `json:"accept"`
	Arguments   []ArgumentSpec `json:"arguments"`
	Steps       []StepSpec     `json:"steps"`
	Transaction *bool          `json:"transaction,omitempty"`
	Timeout     string         `json:"timeout,omitempty"`
}

// StepSpec is one change or validation, run in declaration order.
// Exactly one of Change and Validate is set. Opts values are expression strings.
type StepSpec struct {
	Change   string            `json:"change,omitempty"`
	Validate string            `json:"validate,omitempty"`
	Opts     map[string]string `json:"opts,omitempty"`
	Where    []StepSpec        `json:"where,omitempty"`
	Message  string            `json:"message,omitempty"`
}

// ValidationError represents a validation error with field path and message.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Attribute returns the attribute named name.
func (r *ResourceSpec) Attribute(name string) (AttributeSpec, bool) {
	for _, a := range r.Attributes {
		if a.Name == name {
			return a, true
		}
	}
	return AttributeSpec{}, false
}

// Validate checks the resource definition against schema rules.
// Returns all errors (not fail-fast).
func (r *ResourceSpec) Validate() []ValidationError {
	var errs []ValidationError

	if r.Table == "" {
		errs = append(errs, ValidationError{Field: "table", Message: "table is required"})
	}
	if len(r.PrimaryKey) == 0 {
		errs = append(errs, ValidationError{Field: "primary_key", Message: "at least one primary key attribute is required"})
	}

	seen := make(map[string]bool)
	for i, a := range r.Attributes {
		if seen[a.Name] {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("attributes[%d]", i),
				Message: fmt.Sprintf("duplicate attribute %q", a.Name),
			})
		}
		seen[a.Name] = true
		if !ValidTypes[a.Type] {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("attributes.%s.type", a.Name),
				Message: fmt.Sprintf("invalid type %q", a.Type),
			})
		}
	}
	for _, pk := range r.PrimaryKey {
		if !seen[pk] {
			errs = append(errs, ValidationError{
				Field:   "primary_key",
				Message: fmt.Sprintf("primary key %q is not an attribute", pk),
			})
		}
	}

	actions := make(map[string]bool)
	for i, act := range r.Actions {
		if actions[act.Name] {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("actions[%d]", i),
				Message: fmt.Sprintf("duplicate action %q", act.Name),
			})
		}
		actions[act.Name] = true
		errs = append(errs, act.validate(seen)...)
	}

	return errs
}

func (a *ActionSpec) validate(attrs map[string]bool) []ValidationError {
	var errs []ValidationError
	prefix := "actions." + a.Name

	if !ValidKinds[a.Kind] {
		errs = append(errs, ValidationError{
			Field:   prefix + ".kind",
			Message: fmt.Sprintf("invalid kind %q, must be one of: create, update, destroy", a.Kind),
		})
	}
	for _, f := range a.Accept {
		if !attrs[f] {
			errs = append(errs, ValidationError{
				Field:   prefix + ".accept",
				Message: fmt.Sprintf("accepted attribute %q does not exist", f),
			})
		}
	}
	for _, arg := range a.Arguments {
		if !ValidTypes[arg.Type] {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("%s.arguments.%s.type", prefix, arg.Name),
				Message: fmt.Sprintf("invalid type %q", arg.Type),
			})
		}
		if attrs[arg.Name] {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("%s.arguments.%s", prefix, arg.Name),
				Message: "argument shadows an attribute",
			})
		}
	}
	for i, step := range a.Steps {
		errs = append(errs, step.validate(fmt.Sprintf("%s.steps[%d]", prefix, i))...)
	}
	return errs
}

func (s *StepSpec) validate(path string) []ValidationError {
	var errs []ValidationError
	if (s.Change == "") == (s.Validate == "") {
		errs = append(errs, ValidationError{
			Field:   path,
			Message: "exactly one of change or validate is required",
		})
	}
	for i, w := range s.Where {
		if w.Validate == "" {
			errs = append(errs, ValidationError{
				Field:   fmt.Sprintf("%s.where[%d]", path, i),
				Message: "where guards must be validations",
			})
		}
	}
	return errs
}
