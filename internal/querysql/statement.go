package querysql

import (
	"fmt"
	"strings"

	"github.com/roach88/changeset/internal/datalayer"
	"github.com/roach88/changeset/internal/expr"
	"github.com/roach88/changeset/internal/ir"
)

// Statement is a compiled SQL statement with its parameters.
type Statement struct {
	SQL    string
	Params []any
}

// CompileCreateTable renders CREATE TABLE IF NOT EXISTS for t.
func (c *SQLCompiler) CompileCreateTable(t datalayer.Table) (Statement, error) {
	if len(t.PrimaryKey) == 0 {
		return Statement{}, fmt.Errorf("table %q has no primary key", t.Name)
	}
	var cols []string
	for _, col := range t.Columns {
		def := Quote(col.Name) + " " + c.Dialect.columnType(col.Type)
		if !col.Nullable {
			def += " NOT NULL"
		}
		cols = append(cols, def)
	}
	cols = append(cols, "PRIMARY KEY ("+quoteAll(t.PrimaryKey)+")")
	return Statement{
		SQL: fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", Quote(t.Name), strings.Join(cols, ", ")),
	}, nil
}

// CompileSelect loads one row by primary key. A nil key selects every row.
func (c *SQLCompiler) CompileSelect(t datalayer.Table, key ir.IRObject) (Statement, error) {
	b := c.newBuilder()
	sql := fmt.Sprintf("SELECT %s FROM %s", quoteAll(t.ColumnNames()), Quote(t.Name))
	if key != nil {
		where, err := b.keyPredicate(t, key)
		if err != nil {
			return Statement{}, err
		}
		sql += " WHERE " + where
	}
	sql += " ORDER BY " + c.stableOrderKey(t)
	return Statement{SQL: sql, Params: b.params}, nil
}

// CompileExists checks whether a row with key exists, ignoring any filter.
func (c *SQLCompiler) CompileExists(t datalayer.Table, key ir.IRObject) (Statement, error) {
	b := c.newBuilder()
	where, err := b.keyPredicate(t, key)
	if err != nil {
		return Statement{}, err
	}
	return Statement{
		SQL:    fmt.Sprintf("SELECT 1 FROM %s WHERE %s", Quote(t.Name), where),
		Params: b.params,
	}, nil
}

// CompileWrite compiles w into a single statement with RETURNING.
func (c *SQLCompiler) CompileWrite(w datalayer.Write) (Statement, error) {
	switch w.Op {
	case datalayer.OpInsert:
		return c.compileInsert(w)
	case datalayer.OpUpdate:
		return c.compileUpdate(w)
	case datalayer.OpDelete:
		return c.compileDelete(w)
	}
	return Statement{}, fmt.Errorf("unsupported write operation %q", w.Op)
}

func (c *SQLCompiler) compileInsert(w datalayer.Write) (Statement, error) {
	b := c.newBuilder()
	t := w.Table

	cols := t.ColumnNames()
	values := make([]string, len(cols))
	for i, col := range cols {
		p, err := b.param(w.Values.Get(col))
		if err != nil {
			return Statement{}, fmt.Errorf("column %s: %w", col, err)
		}
		values[i] = p
	}

	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", Quote(t.Name), quoteAll(cols), strings.Join(values, ", "))

	if w.Upsert {
		var sets []string
		for _, f := range w.UpsertFields {
			sets = append(sets, Quote(f)+" = excluded."+Quote(f))
		}
		// Refs in conflict updates must name the existing row explicitly.
		b.qualifier = t.Name
		atomicSets, err := b.assignments(w.Atomics)
		b.qualifier = ""
		if err != nil {
			return Statement{}, err
		}
		sets = append(sets, atomicSets...)
		if len(sets) == 0 {
			sql += " ON CONFLICT (" + quoteAll(t.PrimaryKey) + ") DO NOTHING"
		} else {
			sql += " ON CONFLICT (" + quoteAll(t.PrimaryKey) + ") DO UPDATE SET " + strings.Join(sets, ", ")
		}
	}

	sql += " RETURNING " + quoteAll(returning(w))
	return Statement{SQL: sql, Params: b.params}, nil
}

func (c *SQLCompiler) compileUpdate(w datalayer.Write) (Statement, error) {
	b := c.newBuilder()
	t := w.Table

	var sets []string
	for _, f := range sortedFields(w.Values) {
		p, err := b.param(w.Values[f])
		if err != nil {
			return Statement{}, fmt.Errorf("column %s: %w", f, err)
		}
		sets = append(sets, Quote(f)+" = "+p)
	}
	atomicSets, err := b.assignments(w.Atomics)
	if err != nil {
		return Statement{}, err
	}
	sets = append(sets, atomicSets...)
	if len(sets) == 0 {
		// Nothing changes but the row must still be touched so filters and
		// RETURNING run.
		pk := Quote(t.PrimaryKey[0])
		sets = append(sets, pk+" = "+pk)
	}

	where, err := b.writePredicate(w)
	if err != nil {
		return Statement{}, err
	}

	sql := fmt.Sprintf("UPDATE %s SET %s WHERE %s RETURNING %s",
		Quote(t.Name), strings.Join(sets, ", "), where, quoteAll(returning(w)))
	return Statement{SQL: sql, Params: b.params}, nil
}

func (c *SQLCompiler) compileDelete(w datalayer.Write) (Statement, error) {
	b := c.newBuilder()
	where, err := b.writePredicate(w)
	if err != nil {
		return Statement{}, err
	}
	sql := fmt.Sprintf("DELETE FROM %s WHERE %s RETURNING %s",
		Quote(w.Table.Name), where, quoteAll(returning(w)))
	return Statement{SQL: sql, Params: b.params}, nil
}

func (b *builder) assignments(atomics []expr.Assignment) ([]string, error) {
	sets := make([]string, 0, len(atomics))
	for _, a := range atomics {
		s, err := b.expr(a.Expr)
		if err != nil {
			return nil, fmt.Errorf("atomic %s: %w", a.Field, err)
		}
		sets = append(sets, Quote(a.Field)+" = "+s)
	}
	return sets, nil
}

func (b *builder) writePredicate(w datalayer.Write) (string, error) {
	where, err := b.keyPredicate(w.Table, w.Key)
	if err != nil {
		return "", err
	}
	if w.Filter != nil && !expr.IsTrue(w.Filter) {
		f, err := b.expr(w.Filter)
		if err != nil {
			return "", fmt.Errorf("compile filter: %w", err)
		}
		where += " AND " + f
	}
	return where, nil
}

func (b *builder) keyPredicate(t datalayer.Table, key ir.IRObject) (string, error) {
	if len(t.PrimaryKey) == 0 {
		return "", fmt.Errorf("table %q has no primary key", t.Name)
	}
	parts := make([]string, len(t.PrimaryKey))
	for i, pk := range t.PrimaryKey {
		v := key.Get(pk)
		if ir.IsNull(v) {
			return "", fmt.Errorf("primary key %s of %s is null", pk, t.Name)
		}
		p, err := b.param(v)
		if err != nil {
			return "", err
		}
		parts[i] = b.column(pk) + " = " + p
	}
	return strings.Join(parts, " AND "), nil
}

// stableOrderKey returns the ORDER BY clause for a table scan.
func (c *SQLCompiler) stableOrderKey(t datalayer.Table) string {
	parts := make([]string, len(t.PrimaryKey))
	for i, pk := range t.PrimaryKey {
		parts[i] = Quote(pk) + " ASC" + c.Dialect.orderSuffix()
	}
	return strings.Join(parts, ", ")
}

func returning(w datalayer.Write) []string {
	if len(w.Select) > 0 {
		return w.Select
	}
	return w.Table.ColumnNames()
}

func quoteAll(idents []string) string {
	q := make([]string, len(idents))
	for i, id := range idents {
		q[i] = Quote(id)
	}
	return strings.Join(q, ", ")
}

func sortedFields(obj ir.IRObject) []string {
	return obj.SortedKeys()
}
