// Package memory is an in-process data layer. It evaluates atomic
// expressions itself, so every capability is supported.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/roach88/changeset/internal/datalayer"
	"github.com/roach88/changeset/internal/expr"
	"github.com/roach88/changeset/internal/ir"
)

type txKey struct{}

type txState struct {
	layer *DataLayer
}

// DataLayer keeps rows in maps keyed by the canonical JSON of their primary
// key. A single mutex serializes writes; a transaction holds it for the
// duration of fn.
type DataLayer struct {
	mu     sync.Mutex
	tables map[string]map[string]ir.IRObject
	now    func() ir.IRValue
}

// Option configures a DataLayer.
type Option func(*DataLayer)

// WithNow sets the value returned by now() in atomic expressions.
func WithNow(fn func() ir.IRValue) Option {
	return func(d *DataLayer) {
		d.now = fn
	}
}

// New creates an empty in-memory data layer.
func New(opts ...Option) *DataLayer {
	d := &DataLayer{
		tables: make(map[string]map[string]ir.IRObject),
		now: func() ir.IRValue {
			return ir.IRString(time.Now().UTC().Format(time.RFC3339))
		},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *DataLayer) Name() string { return "memory" }

func (d *DataLayer) Supports(c datalayer.Capability) bool {
	switch c {
	case datalayer.CapTransact, datalayer.CapAtomicUpdate, datalayer.CapAtomicUpsert,
		datalayer.CapExpressionErrors, datalayer.CapChangesetFilter, datalayer.CapActionSelect:
		return true
	}
	return false
}

func (d *DataLayer) PrefersTransaction() bool { return false }

func (d *DataLayer) InTransaction(ctx context.Context) bool {
	st, ok := ctx.Value(txKey{}).(*txState)
	return ok && st.layer == d
}

// RunInTransaction snapshots every table and restores the snapshot when fn
// fails, panics or overruns timeout.
func (d *DataLayer) RunInTransaction(ctx context.Context, tables []string, timeout time.Duration, fn func(ctx context.Context) error) (err error) {
	if d.InTransaction(ctx) {
		return fn(ctx)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	snapshot := d.snapshotLocked()
	committed := false
	defer func() {
		if !committed {
			d.tables = snapshot
		}
	}()

	txCtx := context.WithValue(ctx, txKey{}, &txState{layer: d})
	if timeout > 0 {
		var cancel context.CancelFunc
		txCtx, cancel = context.WithTimeout(txCtx, timeout)
		defer cancel()
	}

	if err := fn(txCtx); err != nil {
		return err
	}
	if err := txCtx.Err(); err != nil {
		return fmt.Errorf("transaction: %w", err)
	}
	committed = true
	return nil
}

func (d *DataLayer) snapshotLocked() map[string]map[string]ir.IRObject {
	out := make(map[string]map[string]ir.IRObject, len(d.tables))
	for name, rows := range d.tables {
		copied := make(map[string]ir.IRObject, len(rows))
		for k, row := range rows {
			copied[k] = row.Clone()
		}
		out[name] = copied
	}
	return out
}

// lock acquires the mutex unless ctx already runs inside this layer's
// transaction, which holds it.
func (d *DataLayer) lock(ctx context.Context) func() {
	if d.InTransaction(ctx) {
		return func() {}
	}
	d.mu.Lock()
	return d.mu.Unlock
}

func (d *DataLayer) Migrate(ctx context.Context, t datalayer.Table) error {
	unlock := d.lock(ctx)
	defer unlock()
	if _, ok := d.tables[t.Name]; !ok {
		d.tables[t.Name] = make(map[string]ir.IRObject)
	}
	return nil
}

func (d *DataLayer) Get(ctx context.Context, t datalayer.Table, key ir.IRObject) (ir.IRObject, error) {
	unlock := d.lock(ctx)
	defer unlock()

	rows, err := d.rowsLocked(t.Name)
	if err != nil {
		return nil, err
	}
	k, err := rowKey(t, key)
	if err != nil {
		return nil, err
	}
	row, ok := rows[k]
	if !ok {
		return nil, datalayer.ErrNotFound
	}
	return row.Clone(), nil
}

// All returns every row of a table ordered by primary key.
func (d *DataLayer) All(ctx context.Context, t datalayer.Table) ([]ir.IRObject, error) {
	unlock := d.lock(ctx)
	defer unlock()

	rows, err := d.rowsLocked(t.Name)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(rows))
	for k := range rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]ir.IRObject, len(keys))
	for i, k := range keys {
		out[i] = rows[k].Clone()
	}
	return out, nil
}

func (d *DataLayer) Write(ctx context.Context, w datalayer.Write) (ir.IRObject, error) {
	unlock := d.lock(ctx)
	defer unlock()

	rows, err := d.rowsLocked(w.Table.Name)
	if err != nil {
		return nil, err
	}

	switch w.Op {
	case datalayer.OpInsert:
		return d.insertLocked(rows, w)
	case datalayer.OpUpdate:
		return d.updateLocked(rows, w)
	case datalayer.OpDelete:
		return d.deleteLocked(rows, w)
	}
	return nil, fmt.Errorf("unsupported write operation %q", w.Op)
}

func (d *DataLayer) rowsLocked(table string) (map[string]ir.IRObject, error) {
	rows, ok := d.tables[table]
	if !ok {
		return nil, fmt.Errorf("table %q does not exist", table)
	}
	return rows, nil
}

func (d *DataLayer) insertLocked(rows map[string]ir.IRObject, w datalayer.Write) (ir.IRObject, error) {
	row := make(ir.IRObject, len(w.Table.Columns))
	for _, c := range w.Table.Columns {
		row[c.Name] = w.Values.Get(c.Name)
	}
	k, err := rowKey(w.Table, row)
	if err != nil {
		return nil, err
	}

	if existing, ok := rows[k]; ok {
		if !w.Upsert {
			return nil, fmt.Errorf("duplicate primary key %s in %s", k, w.Table.Name)
		}
		next := existing.Clone()
		for _, f := range w.UpsertFields {
			next[f] = row.Get(f)
		}
		if err := d.applyAtomics(existing, next, w.Atomics); err != nil {
			return nil, err
		}
		rows[k] = next
		return datalayer.Project(next.Clone(), w.Select), nil
	}

	rows[k] = row
	return datalayer.Project(row.Clone(), w.Select), nil
}

func (d *DataLayer) updateLocked(rows map[string]ir.IRObject, w datalayer.Write) (ir.IRObject, error) {
	k, err := rowKey(w.Table, w.Key)
	if err != nil {
		return nil, err
	}
	existing, ok := rows[k]
	if !ok {
		return nil, datalayer.ErrNotFound
	}
	if err := d.checkFilter(existing, w.Filter); err != nil {
		return nil, err
	}

	next := existing.Clone()
	for f, v := range w.Values {
		next[f] = v
	}
	if err := d.applyAtomics(existing, next, w.Atomics); err != nil {
		return nil, err
	}

	nk, err := rowKey(w.Table, next)
	if err != nil {
		return nil, err
	}
	if nk != k {
		if _, taken := rows[nk]; taken {
			return nil, fmt.Errorf("duplicate primary key %s in %s", nk, w.Table.Name)
		}
		delete(rows, k)
	}
	rows[nk] = next
	return datalayer.Project(next.Clone(), w.Select), nil
}

func (d *DataLayer) deleteLocked(rows map[string]ir.IRObject, w datalayer.Write) (ir.IRObject, error) {
	k, err := rowKey(w.Table, w.Key)
	if err != nil {
		return nil, err
	}
	existing, ok := rows[k]
	if !ok {
		return nil, datalayer.ErrNotFound
	}
	if err := d.checkFilter(existing, w.Filter); err != nil {
		return nil, err
	}
	delete(rows, k)
	return datalayer.Project(existing, w.Select), nil
}

func (d *DataLayer) checkFilter(row ir.IRObject, filter expr.Expr) error {
	if filter == nil {
		return nil
	}
	v, known, err := expr.Eval(filter, expr.Env{Row: row, Now: d.now})
	if err != nil {
		return err
	}
	if !known || !expr.Truthy(v) {
		return datalayer.ErrStaleRecord
	}
	return nil
}

// applyAtomics evaluates every assignment against the pre-write row, so
// fragments never observe each other's results.
func (d *DataLayer) applyAtomics(before, next ir.IRObject, atomics []expr.Assignment) error {
	env := expr.Env{Row: before, Now: d.now}
	for _, a := range atomics {
		v, known, err := expr.Eval(a.Expr, env)
		if err != nil {
			return err
		}
		if !known {
			return fmt.Errorf("atomic expression for %s could not be evaluated: %s", a.Field, expr.String(a.Expr))
		}
		next[a.Field] = v
	}
	return nil
}

func rowKey(t datalayer.Table, row ir.IRObject) (string, error) {
	if len(t.PrimaryKey) == 0 {
		return "", fmt.Errorf("table %q has no primary key", t.Name)
	}
	parts := make([]string, len(t.PrimaryKey))
	for i, pk := range t.PrimaryKey {
		v := row.Get(pk)
		if ir.IsNull(v) {
			return "", fmt.Errorf("primary key %s of %s is null", pk, t.Name)
		}
		b, err := ir.MarshalCanonical(v)
		if err != nil {
			return "", fmt.Errorf("encode primary key %s: %w", pk, err)
		}
		parts[i] = string(b)
	}
	return strings.Join(parts, "\x00"), nil
}
