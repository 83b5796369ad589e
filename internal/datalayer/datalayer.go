package datalayer

import (
	"context"
	"errors"
	"time"

	"github.com/roach88/changeset/internal/expr"
	"github.com/roach88/changeset/internal/ir"
)

// Capability names a feature a data layer may support.
type Capability string

const (
	// CapTransact means RunInTransaction gives all-or-nothing semantics.
	CapTransact Capability = "transact"
	// CapAtomicUpdate means Write evaluates Atomics inside the write itself.
	CapAtomicUpdate Capability = "atomic_update"
	// CapAtomicUpsert means inserts can fall back to an atomic update on conflict.
	CapAtomicUpsert Capability = "atomic_upsert"
	// CapExpressionErrors means an expr.Error node reached during the write
	// aborts it with *expr.RaisedError.
	CapExpressionErrors Capability = "expression_errors"
	// CapChangesetFilter means Write honours Filter on update and delete.
	CapChangesetFilter Capability = "changeset_filter"
	// CapActionSelect means Write can return a subset of columns.
	CapActionSelect Capability = "action_select"
)

var (
	// ErrNotFound is returned when no row has the given primary key.
	ErrNotFound = errors.New("record not found")

	// ErrStaleRecord is returned when a row exists but the write filter
	// rejected it.
	ErrStaleRecord = errors.New("record did not match the changeset filter")
)

// Operation is the kind of write.
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// ColumnType is the storage type of a column.
type ColumnType string

const (
	ColumnInteger ColumnType = "integer"
	ColumnText    ColumnType = "text"
	ColumnBoolean ColumnType = "boolean"
	ColumnJSON    ColumnType = "json"
)

// Column describes one stored column.
type Column struct {
	Name     string
	Type     ColumnType
	Nullable bool
}

// Table describes the storage shape of a resource.
type Table struct {
	Name       string
	PrimaryKey []string
	Columns    []Column
}

// Column returns the column named name.
func (t Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// ColumnNames returns the column names in declaration order.
func (t Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// Write is a single row mutation.
//
// For OpUpdate, Values are assigned as-is and every Atomics expression is
// evaluated against the row as it was before the write. Filter, when set,
// must hold for the row or the write fails with ErrStaleRecord.
type Write struct {
	Table   Table
	Op      Operation
	Key     ir.IRObject
	Values  ir.IRObject
	Atomics []expr.Assignment
	Filter  expr.Expr
	Select  []string

	// Upsert turns an insert into an update of UpsertFields (and Atomics)
	// when a row with the same primary key exists.
	Upsert       bool
	UpsertFields []string
}

// DataLayer is the storage boundary the engine writes through.
type DataLayer interface {
	Name() string
	Supports(c Capability) bool

	// PrefersTransaction reports whether every write should be wrapped in a
	// transaction even when no hooks require one.
	PrefersTransaction() bool

	// InTransaction reports whether ctx carries a transaction of this layer.
	InTransaction(ctx context.Context) bool

	// RunInTransaction runs fn inside a transaction covering tables. A zero
	// timeout means no deadline. When ctx already carries a transaction of
	// this layer fn runs inline in it.
	RunInTransaction(ctx context.Context, tables []string, timeout time.Duration, fn func(ctx context.Context) error) error

	// Migrate creates the table if it does not exist.
	Migrate(ctx context.Context, t Table) error

	// Get loads one row by primary key.
	Get(ctx context.Context, t Table, key ir.IRObject) (ir.IRObject, error)

	// Write applies w and returns the resulting row (for deletes, the row
	// that was removed).
	Write(ctx context.Context, w Write) (ir.IRObject, error)
}

// KeyOf extracts the primary key values of row.
func KeyOf(t Table, row ir.IRObject) ir.IRObject {
	key := make(ir.IRObject, len(t.PrimaryKey))
	for _, pk := range t.PrimaryKey {
		key[pk] = row.Get(pk)
	}
	return key
}

// Project returns only the selected columns of row. An empty selection
// returns row unchanged.
func Project(row ir.IRObject, selected []string) ir.IRObject {
	if len(selected) == 0 {
		return row
	}
	out := make(ir.IRObject, len(selected))
	for _, c := range selected {
		out[c] = row.Get(c)
	}
	return out
}
