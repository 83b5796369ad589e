// Package sqldl is a database/sql data layer for SQLite and Postgres.
//
// Writes are compiled by querysql into a single statement each, so atomic
// expressions run inside the database against the row as it was before the
// statement. On SQLite, expr.Error nodes compile to a changeset_raise() call
// that aborts the statement; the failure comes back as *expr.RaisedError.
package sqldl

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver
	"github.com/mattn/go-sqlite3"

	"github.com/roach88/changeset/internal/datalayer"
	"github.com/roach88/changeset/internal/expr"
	"github.com/roach88/changeset/internal/ir"
	"github.com/roach88/changeset/internal/querysql"
)

const (
	sqliteDriver   = "sqlite3_changeset"
	postgresDriver = "pgx"
	raisePrefix    = querysql.RaiseFunc + ":"
)

func init() {
	sql.Register(sqliteDriver, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			return conn.RegisterFunc(querysql.RaiseFunc, raise, false)
		},
	})
}

// raise always fails. Its message carries the JSON payload compiled from an
// expr.Error node.
func raise(payload string) (int64, error) {
	return 0, errors.New(raisePrefix + " " + payload)
}

// DataLayer writes rows through database/sql.
type DataLayer struct {
	db       *sql.DB
	dialect  querysql.Dialect
	compiler *querysql.SQLCompiler
}

// Option configures a DataLayer.
type Option func(*DataLayer)

// WithNow sets the value compiled for now() in atomic expressions.
func WithNow(fn func() ir.IRValue) Option {
	return func(d *DataLayer) {
		d.compiler.Now = fn
	}
}

func newDataLayer(db *sql.DB, dialect querysql.Dialect, opts []Option) *DataLayer {
	d := &DataLayer{
		db:       db,
		dialect:  dialect,
		compiler: querysql.NewSQLCompiler(dialect),
	}
	d.compiler.Now = func() ir.IRValue {
		return ir.IRString(time.Now().UTC().Format(time.RFC3339))
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// OpenSQLite opens or creates a SQLite database at path.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode
//   - 5-second busy timeout for lock contention
//   - a single connection, since SQLite allows one writer at a time
func OpenSQLite(path string, opts ...Option) (*DataLayer, error) {
	db, err := sql.Open(sqliteDriver, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return newDataLayer(db, querysql.SQLite, opts), nil
}

// OpenPostgres connects to Postgres through the pgx stdlib driver.
func OpenPostgres(ctx context.Context, dsn string, opts ...Option) (*DataLayer, error) {
	db, err := sql.Open(postgresDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return newDataLayer(db, querysql.Postgres, opts), nil
}

// Close closes the database connection.
func (d *DataLayer) Close() error {
	if d.db == nil {
		return nil
	}
	return d.db.Close()
}

// DB returns the underlying sql.DB.
func (d *DataLayer) DB() *sql.DB { return d.db }

func (d *DataLayer) Name() string { return string(d.dialect) }

func (d *DataLayer) Supports(c datalayer.Capability) bool {
	switch c {
	case datalayer.CapTransact, datalayer.CapAtomicUpdate, datalayer.CapAtomicUpsert,
		datalayer.CapChangesetFilter, datalayer.CapActionSelect:
		return true
	case datalayer.CapExpressionErrors:
		return d.dialect.SupportsRaise()
	}
	return false
}

// PrefersTransaction is true for Postgres, where a transaction is cheap and
// keeps hook reads consistent with the write.
func (d *DataLayer) PrefersTransaction() bool {
	return d.dialect == querysql.Postgres
}

type txKey struct{}

type txState struct {
	layer *DataLayer
	tx    *sql.Tx
}

func (d *DataLayer) txFrom(ctx context.Context) (*sql.Tx, bool) {
	st, ok := ctx.Value(txKey{}).(*txState)
	if !ok || st.layer != d {
		return nil, false
	}
	return st.tx, true
}

func (d *DataLayer) InTransaction(ctx context.Context) bool {
	_, ok := d.txFrom(ctx)
	return ok
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (d *DataLayer) conn(ctx context.Context) queryer {
	if tx, ok := d.txFrom(ctx); ok {
		return tx
	}
	return d.db
}

func (d *DataLayer) RunInTransaction(ctx context.Context, tables []string, timeout time.Duration, fn func(ctx context.Context) error) error {
	if d.InTransaction(ctx) {
		return fn(ctx)
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() // No-op after Commit

	if err := fn(context.WithValue(ctx, txKey{}, &txState{layer: d, tx: tx})); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("transaction: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func (d *DataLayer) Migrate(ctx context.Context, t datalayer.Table) error {
	stmt, err := d.compiler.CompileCreateTable(t)
	if err != nil {
		return err
	}
	if _, err := d.conn(ctx).ExecContext(ctx, stmt.SQL, stmt.Params...); err != nil {
		return fmt.Errorf("create table %s: %w", t.Name, err)
	}
	return nil
}

func (d *DataLayer) Get(ctx context.Context, t datalayer.Table, key ir.IRObject) (ir.IRObject, error) {
	stmt, err := d.compiler.CompileSelect(t, key)
	if err != nil {
		return nil, err
	}
	rows, err := d.query(ctx, t, t.ColumnNames(), stmt)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, datalayer.ErrNotFound
	}
	return rows[0], nil
}

// All returns every row of a table ordered by primary key.
func (d *DataLayer) All(ctx context.Context, t datalayer.Table) ([]ir.IRObject, error) {
	stmt, err := d.compiler.CompileSelect(t, nil)
	if err != nil {
		return nil, err
	}
	return d.query(ctx, t, t.ColumnNames(), stmt)
}

func (d *DataLayer) Write(ctx context.Context, w datalayer.Write) (ir.IRObject, error) {
	stmt, err := d.compiler.CompileWrite(w)
	if err != nil {
		return nil, fmt.Errorf("compile %s on %s: %w", w.Op, w.Table.Name, err)
	}

	cols := w.Select
	if len(cols) == 0 {
		cols = w.Table.ColumnNames()
	}
	rows, err := d.query(ctx, w.Table, cols, stmt)
	if err != nil {
		return nil, err
	}
	if len(rows) > 0 {
		return rows[0], nil
	}

	if w.Op == datalayer.OpInsert {
		return nil, fmt.Errorf("insert into %s returned no row", w.Table.Name)
	}
	return nil, d.missingRow(ctx, w)
}

// missingRow tells a filtered-out row apart from an absent one.
func (d *DataLayer) missingRow(ctx context.Context, w datalayer.Write) error {
	if w.Filter == nil {
		return datalayer.ErrNotFound
	}
	stmt, err := d.compiler.CompileExists(w.Table, w.Key)
	if err != nil {
		return err
	}
	rows, err := d.conn(ctx).QueryContext(ctx, stmt.SQL, stmt.Params...)
	if err != nil {
		return fmt.Errorf("check row: %w", err)
	}
	defer rows.Close()
	if rows.Next() {
		return datalayer.ErrStaleRecord
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("check row: %w", err)
	}
	return datalayer.ErrNotFound
}

func (d *DataLayer) query(ctx context.Context, t datalayer.Table, cols []string, stmt querysql.Statement) ([]ir.IRObject, error) {
	rows, err := d.conn(ctx).QueryContext(ctx, stmt.SQL, stmt.Params...)
	if err != nil {
		return nil, d.mapError(err)
	}
	defer rows.Close()

	var out []ir.IRObject
	for rows.Next() {
		dest := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range dest {
			ptrs[i] = &dest[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan %s: %w", t.Name, err)
		}
		row := make(ir.IRObject, len(cols))
		for i, name := range cols {
			col, _ := t.Column(name)
			v, err := decodeColumn(col.Type, dest[i])
			if err != nil {
				return nil, fmt.Errorf("decode %s.%s: %w", t.Name, name, err)
			}
			row[name] = v
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, d.mapError(err)
	}
	return out, nil
}

// mapError turns a changeset_raise() failure back into *expr.RaisedError.
func (d *DataLayer) mapError(err error) error {
	msg := err.Error()
	idx := strings.Index(msg, raisePrefix)
	if idx < 0 {
		return err
	}
	payload := msg[idx+len(raisePrefix):]
	start := strings.Index(payload, "{")
	end := strings.LastIndex(payload, "}")
	if start < 0 || end < start {
		return err
	}
	v, perr := ir.UnmarshalIRValue([]byte(payload[start : end+1]))
	if perr != nil {
		return err
	}
	obj, ok := v.(ir.IRObject)
	if !ok {
		return err
	}
	field, _ := obj.Get("field").(ir.IRString)
	message, _ := obj.Get("message").(ir.IRString)
	return &expr.RaisedError{Field: string(field), Message: string(message)}
}

func decodeColumn(t datalayer.ColumnType, raw any) (ir.IRValue, error) {
	if raw == nil {
		return ir.Null, nil
	}
	switch t {
	case datalayer.ColumnInteger:
		switch v := raw.(type) {
		case int64:
			return ir.IRInt(v), nil
		case int32:
			return ir.IRInt(v), nil
		}
	case datalayer.ColumnBoolean:
		switch v := raw.(type) {
		case bool:
			return ir.IRBool(v), nil
		case int64:
			return ir.IRBool(v != 0), nil
		}
	case datalayer.ColumnJSON:
		switch v := raw.(type) {
		case string:
			return ir.UnmarshalIRValue([]byte(v))
		case []byte:
			return ir.UnmarshalIRValue(v)
		case map[string]any:
			return ir.FromGo(v)
		}
	default:
		switch v := raw.(type) {
		case string:
			return ir.IRString(v), nil
		case []byte:
			return ir.IRString(string(v)), nil
		case time.Time:
			return ir.IRString(v.UTC().Format(time.RFC3339)), nil
		}
	}
	return ir.FromGo(raw)
}
