// Package atomic compiles an update or destroy action into a changeset the
// data layer can apply in a single write, without reading the row first.
//
// Changes contribute fragments, validations contribute conditions, and a
// step's where-guards become the condition the step is wrapped in:
//
//	score = if(<guard holds>, <new score>, score)
//
// Deferred validations end up inside a fragment as error(...) nodes, or in
// the filter of a destroy. Anything that cannot be expressed this way aborts
// the whole compilation with a *changeset.NotAtomicError; callers then fall
// back to loading the row and running the phased pipeline.
package atomic
