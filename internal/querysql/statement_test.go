package querysql

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/changeset/internal/datalayer"
	"github.com/roach88/changeset/internal/expr"
	"github.com/roach88/changeset/internal/ir"
)

func key() ir.IRObject { return ir.IRObject{"id": ir.IRString("c1")} }

func TestCompileCreateTable(t *testing.T) {
	stmt, err := NewSQLCompiler(SQLite).CompileCreateTable(counters)
	require.NoError(t, err)
	assert.Equal(t,
		`CREATE TABLE IF NOT EXISTS "counters" ("id" TEXT NOT NULL, "count" INTEGER NOT NULL, "active" INTEGER, PRIMARY KEY ("id"))`,
		stmt.SQL)

	stmt, err = NewSQLCompiler(Postgres).CompileCreateTable(counters)
	require.NoError(t, err)
	assert.Equal(t,
		`CREATE TABLE IF NOT EXISTS "counters" ("id" TEXT NOT NULL, "count" BIGINT NOT NULL, "active" BOOLEAN, PRIMARY KEY ("id"))`,
		stmt.SQL)
}

func TestCompileSelect_OrderByMandatory(t *testing.T) {
	stmt, err := NewSQLCompiler(SQLite).CompileSelect(counters, nil)
	require.NoError(t, err)
	assert.Equal(t, `SELECT "id", "count", "active" FROM "counters" ORDER BY "id" ASC COLLATE BINARY`, stmt.SQL)

	stmt, err = NewSQLCompiler(Postgres).CompileSelect(counters, key())
	require.NoError(t, err)
	assert.Equal(t, `SELECT "id", "count", "active" FROM "counters" WHERE "id" = $1::text ORDER BY "id" ASC`, stmt.SQL)
	assert.Equal(t, []any{"c1"}, stmt.Params)
}

func TestCompileWrite_Update(t *testing.T) {
	w := datalayer.Write{
		Table:  counters,
		Op:     datalayer.OpUpdate,
		Key:    key(),
		Values: ir.IRObject{"active": ir.IRBool(true)},
		Atomics: []expr.Assignment{
			{Field: "count", Expr: expr.MustParse("count + 1")},
		},
		Filter: expr.MustParse("count < 100"),
	}

	stmt, err := NewSQLCompiler(SQLite).CompileWrite(w)
	require.NoError(t, err)
	assert.Equal(t,
		`UPDATE "counters" SET "active" = ?, "count" = ("count" + ?) WHERE "id" = ? AND ("count" < ?) RETURNING "id", "count", "active"`,
		stmt.SQL)
	assert.Equal(t, []any{int64(1), int64(1), "c1", int64(100)}, stmt.Params)
}

func TestCompileWrite_UpdateWithNothingToSet(t *testing.T) {
	stmt, err := NewSQLCompiler(SQLite).CompileWrite(datalayer.Write{Table: counters, Op: datalayer.OpUpdate, Key: key()})
	require.NoError(t, err)
	assert.Equal(t, `UPDATE "counters" SET "id" = "id" WHERE "id" = ? RETURNING "id", "count", "active"`, stmt.SQL)
}

func TestCompileWrite_Insert(t *testing.T) {
	w := datalayer.Write{
		Table:  counters,
		Op:     datalayer.OpInsert,
		Values: ir.IRObject{"id": ir.IRString("c1"), "count": ir.IRInt(0)},
	}
	stmt, err := NewSQLCompiler(Postgres).CompileWrite(w)
	require.NoError(t, err)
	assert.Equal(t,
		`INSERT INTO "counters" ("id", "count", "active") VALUES ($1::text, $2::bigint, NULL) RETURNING "id", "count", "active"`,
		stmt.SQL)
	assert.Equal(t, []any{"c1", int64(0)}, stmt.Params)
}

func TestCompileWrite_Upsert(t *testing.T) {
	w := datalayer.Write{
		Table:        counters,
		Op:           datalayer.OpInsert,
		Values:       ir.IRObject{"id": ir.IRString("c1"), "count": ir.IRInt(1), "active": ir.IRBool(false)},
		Upsert:       true,
		UpsertFields: []string{"active"},
		Atomics:      []expr.Assignment{{Field: "count", Expr: expr.MustParse("count + 1")}},
		Select:       []string{"count"},
	}
	stmt, err := NewSQLCompiler(SQLite).CompileWrite(w)
	require.NoError(t, err)
	assert.Equal(t,
		`INSERT INTO "counters" ("id", "count", "active") VALUES (?, ?, ?) ON CONFLICT ("id") DO UPDATE SET "active" = excluded."active", "count" = ("counters"."count" + ?) RETURNING "count"`,
		stmt.SQL)
	assert.Equal(t, []any{"c1", int64(1), int64(0), int64(1)}, stmt.Params)
}

func TestCompileWrite_Delete(t *testing.T) {
	w := datalayer.Write{
		Table:  counters,
		Op:     datalayer.OpDelete,
		Key:    key(),
		Filter: expr.MustParse("active == true"),
	}
	stmt, err := NewSQLCompiler(SQLite).CompileWrite(w)
	require.NoError(t, err)
	assert.Equal(t, `DELETE FROM "counters" WHERE "id" = ? AND ("active" IS ?) RETURNING "id", "count", "active"`, stmt.SQL)
	assert.Equal(t, []any{"c1", int64(1)}, stmt.Params)
}

func TestCompileWrite_NullKeyFails(t *testing.T) {
	_, err := NewSQLCompiler(SQLite).CompileWrite(datalayer.Write{Table: counters, Op: datalayer.OpDelete, Key: ir.IRObject{}})
	assert.Error(t, err)
}

func TestCompileExists(t *testing.T) {
	stmt, err := NewSQLCompiler(SQLite).CompileExists(counters, key())
	require.NoError(t, err)
	assert.Equal(t, `SELECT 1 FROM "counters" WHERE "id" = ?`, stmt.SQL)
}
