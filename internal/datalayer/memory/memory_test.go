package memory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/changeset/internal/datalayer"
	"github.com/roach88/changeset/internal/expr"
	"github.com/roach88/changeset/internal/ir"
)

var counters = datalayer.Table{
	Name:       "counters",
	PrimaryKey: []string{"id"},
	Columns: []datalayer.Column{
		{Name: "id", Type: datalayer.ColumnText},
		{Name: "count", Type: datalayer.ColumnInteger},
		{Name: "label", Type: datalayer.ColumnText, Nullable: true},
	},
}

func setup(t *testing.T) (*DataLayer, context.Context) {
	t.Helper()
	ctx := context.Background()
	d := New()
	require.NoError(t, d.Migrate(ctx, counters))
	_, err := d.Write(ctx, datalayer.Write{
		Table:  counters,
		Op:     datalayer.OpInsert,
		Values: ir.IRObject{"id": ir.IRString("c1"), "count": ir.IRInt(0)},
	})
	require.NoError(t, err)
	return d, ctx
}

func key() ir.IRObject { return ir.IRObject{"id": ir.IRString("c1")} }

func increment(by int64) datalayer.Write {
	return datalayer.Write{
		Table: counters,
		Op:    datalayer.OpUpdate,
		Key:   key(),
		Atomics: []expr.Assignment{{
			Field: "count",
			Expr:  expr.Cmp(expr.OpAdd, expr.Ref{Field: "count"}, expr.Lit(ir.IRInt(by))),
		}},
	}
}

func TestInsertAndGet(t *testing.T) {
	d, ctx := setup(t)

	row, err := d.Get(ctx, counters, key())
	require.NoError(t, err)
	assert.Equal(t, ir.IRInt(0), row["count"])
	assert.Equal(t, ir.Null, row["label"])

	_, err = d.Get(ctx, counters, ir.IRObject{"id": ir.IRString("missing")})
	assert.ErrorIs(t, err, datalayer.ErrNotFound)
}

func TestInsertDuplicateFails(t *testing.T) {
	d, ctx := setup(t)
	_, err := d.Write(ctx, datalayer.Write{
		Table:  counters,
		Op:     datalayer.OpInsert,
		Values: ir.IRObject{"id": ir.IRString("c1"), "count": ir.IRInt(5)},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate primary key")
}

func TestUpsertAppliesAtomicsToExistingRow(t *testing.T) {
	d, ctx := setup(t)
	w := increment(3)
	w.Op = datalayer.OpInsert
	w.Values = ir.IRObject{"id": ir.IRString("c1"), "count": ir.IRInt(0), "label": ir.IRString("x")}
	w.Upsert = true
	w.UpsertFields = []string{"label"}

	row, err := d.Write(ctx, w)
	require.NoError(t, err)
	assert.Equal(t, ir.IRInt(3), row["count"])
	assert.Equal(t, ir.IRString("x"), row["label"])
}

func TestAtomicsReadPreWriteRow(t *testing.T) {
	d, ctx := setup(t)
	w := datalayer.Write{
		Table: counters,
		Op:    datalayer.OpUpdate,
		Key:   key(),
		Atomics: []expr.Assignment{
			{Field: "count", Expr: expr.Cmp(expr.OpAdd, expr.Ref{Field: "count"}, expr.Lit(ir.IRInt(10)))},
			{Field: "label", Expr: expr.If{
				Cond: expr.Cmp(expr.OpEq, expr.Ref{Field: "count"}, expr.Lit(ir.IRInt(0))),
				Then: expr.Lit(ir.IRString("was zero")),
				Else: expr.Lit(ir.IRString("was not zero")),
			}},
		},
	}
	row, err := d.Write(ctx, w)
	require.NoError(t, err)
	assert.Equal(t, ir.IRInt(10), row["count"])
	assert.Equal(t, ir.IRString("was zero"), row["label"])
}

func TestConcurrentIncrements(t *testing.T) {
	d, ctx := setup(t)

	var wg sync.WaitGroup
	for i := 0; i < 7; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.Write(ctx, increment(1))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	row, err := d.Get(ctx, counters, key())
	require.NoError(t, err)
	assert.Equal(t, ir.IRInt(7), row["count"])
}

func TestRaisedErrorAbortsWrite(t *testing.T) {
	d, ctx := setup(t)
	w := datalayer.Write{
		Table: counters,
		Op:    datalayer.OpUpdate,
		Key:   key(),
		Atomics: []expr.Assignment{{
			Field: "count",
			Expr: expr.If{
				Cond: expr.Cmp(expr.OpGt, expr.Ref{Field: "count"}, expr.Lit(ir.IRInt(-1))),
				Then: expr.Error{Field: "count", Message: "too big"},
				Else: expr.Ref{Field: "count"},
			},
		}},
	}
	_, err := d.Write(ctx, w)
	var raised *expr.RaisedError
	require.True(t, errors.As(err, &raised))
	assert.Equal(t, "count", raised.Field)
	assert.Equal(t, "too big", raised.Message)

	row, err := d.Get(ctx, counters, key())
	require.NoError(t, err)
	assert.Equal(t, ir.IRInt(0), row["count"])
}

func TestFilterRejectsStaleRow(t *testing.T) {
	d, ctx := setup(t)
	w := increment(1)
	w.Filter = expr.Cmp(expr.OpEq, expr.Ref{Field: "count"}, expr.Lit(ir.IRInt(99)))

	_, err := d.Write(ctx, w)
	assert.ErrorIs(t, err, datalayer.ErrStaleRecord)
}

func TestDeleteReturnsRemovedRow(t *testing.T) {
	d, ctx := setup(t)
	row, err := d.Write(ctx, datalayer.Write{Table: counters, Op: datalayer.OpDelete, Key: key()})
	require.NoError(t, err)
	assert.Equal(t, ir.IRString("c1"), row["id"])

	_, err = d.Get(ctx, counters, key())
	assert.ErrorIs(t, err, datalayer.ErrNotFound)
}

func TestTransactionRollsBackOnError(t *testing.T) {
	d, ctx := setup(t)
	boom := errors.New("boom")

	err := d.RunInTransaction(ctx, []string{"counters"}, 0, func(ctx context.Context) error {
		assert.True(t, d.InTransaction(ctx))
		_, err := d.Write(ctx, increment(5))
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	row, err := d.Get(ctx, counters, key())
	require.NoError(t, err)
	assert.Equal(t, ir.IRInt(0), row["count"])
}

func TestTransactionRollsBackOnPanic(t *testing.T) {
	d, ctx := setup(t)

	assert.Panics(t, func() {
		_ = d.RunInTransaction(ctx, nil, 0, func(ctx context.Context) error {
			_, _ = d.Write(ctx, increment(5))
			panic("kaboom")
		})
	})

	row, err := d.Get(ctx, counters, key())
	require.NoError(t, err)
	assert.Equal(t, ir.IRInt(0), row["count"])
}

func TestNestedTransactionRunsInline(t *testing.T) {
	d, ctx := setup(t)

	err := d.RunInTransaction(ctx, nil, 0, func(ctx context.Context) error {
		return d.RunInTransaction(ctx, nil, 0, func(ctx context.Context) error {
			_, err := d.Write(ctx, increment(2))
			return err
		})
	})
	require.NoError(t, err)

	row, err := d.Get(ctx, counters, key())
	require.NoError(t, err)
	assert.Equal(t, ir.IRInt(2), row["count"])
}

func TestSelectProjectsColumns(t *testing.T) {
	d, ctx := setup(t)
	w := increment(1)
	w.Select = []string{"count"}
	row, err := d.Write(ctx, w)
	require.NoError(t, err)
	assert.Equal(t, ir.IRObject{"count": ir.IRInt(1)}, row)
}

func TestAllOrdersByKey(t *testing.T) {
	d, ctx := setup(t)
	_, err := d.Write(ctx, datalayer.Write{
		Table:  counters,
		Op:     datalayer.OpInsert,
		Values: ir.IRObject{"id": ir.IRString("a0"), "count": ir.IRInt(1)},
	})
	require.NoError(t, err)

	rows, err := d.All(ctx, counters)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, ir.IRString("a0"), rows[0]["id"])
	assert.Equal(t, ir.IRString("c1"), rows[1]["id"])
}
