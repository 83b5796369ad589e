// Package action declares actions and the change and validation modules
// their steps run, and builds changesets through the phased pipeline.
//
// Every module has a phased form (Apply or Validate) that works on a
// changeset with its prior row loaded. A module may also carry an Atomic
// form, used by package atomic to express the step as fragments and deferred
// validations the data layer evaluates. A nil Atomic means the step forces
// the phased fallback.
//
// Step options are expressions. Template placeholders (arg, actor, tenant,
// context) are filled from the changeset just before a module runs.
package action
