// Package changeset implements the mutation record: the accumulated state of
// one pending create, update or destroy.
//
// A Changeset holds concrete field changes and atomic fragments (field
// expressions the data layer evaluates against the stored row), arguments,
// the six hook lists, collected errors and the lifecycle phase. The setters
// cast, constrain and diff every value; the phase gates which setters and
// hook registrations are still legal.
//
// A field is never both a concrete change and an atomic fragment: setting
// one removes the other.
package changeset
