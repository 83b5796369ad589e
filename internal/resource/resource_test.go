package resource

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/changeset/internal/datalayer"
	"github.com/roach88/changeset/internal/expr"
	"github.com/roach88/changeset/internal/ir"
)

func int64p(n int64) *int64 { return &n }

func mustType(t *testing.T, name string) Type {
	t.Helper()
	typ, err := LookupType(name)
	require.NoError(t, err)
	return typ
}

func TestCast_Builtins(t *testing.T) {
	tests := []struct {
		typ  string
		raw  any
		want ir.IRValue
	}{
		{"string", "  hi  ", ir.IRString("hi")},
		{"string", "   ", ir.Null},
		{"integer", "42", ir.IRInt(42)},
		{"integer", float64(7), ir.IRInt(7)},
		{"integer", ir.IRInt(3), ir.IRInt(3)},
		{"boolean", "TRUE", ir.IRBool(true)},
		{"boolean", false, ir.IRBool(false)},
		{"uuid", "0190A0C4-2B7E-7C3A-9F00-000000000001", ir.IRString("0190a0c4-2b7e-7c3a-9f00-000000000001")},
		{"utc_datetime", "2026-03-01T10:00:00+02:00", ir.IRString("2026-03-01T08:00:00Z")},
		{"map", map[string]any{"a": "b"}, ir.IRObject{"a": ir.IRString("b")}},
	}
	for _, tt := range tests {
		t.Run(tt.typ, func(t *testing.T) {
			a := &Attribute{Name: "f", Type: mustType(t, tt.typ)}
			got, err := a.Cast(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCast_Invalid(t *testing.T) {
	tests := []struct {
		typ string
		raw any
	}{
		{"integer", "abc"},
		{"integer", 1.5},
		{"boolean", "maybe"},
		{"uuid", "not-a-uuid"},
		{"utc_datetime", "yesterday"},
		{"map", "x"},
		{"string", 12},
	}
	for _, tt := range tests {
		t.Run(tt.typ, func(t *testing.T) {
			a := &Attribute{Name: "f", Type: mustType(t, tt.typ)}
			_, err := a.Cast(tt.raw)
			assert.Error(t, err)
		})
	}
}

func TestCast_NilIsNull(t *testing.T) {
	a := &Attribute{Name: "f", Type: mustType(t, "integer")}
	v, err := a.Cast(nil)
	require.NoError(t, err)
	assert.Equal(t, ir.Null, v)
}

func TestCast_StringAllowEmptyAndNoTrim(t *testing.T) {
	a := &Attribute{Name: "f", Type: mustType(t, "string"), Constraints: Constraints{AllowEmpty: true, NoTrim: true}}
	v, err := a.Cast(" ")
	require.NoError(t, err)
	assert.Equal(t, ir.IRString(" "), v)
}

func TestCheckConstraints(t *testing.T) {
	score := &Attribute{Name: "score", Type: mustType(t, "integer"), Constraints: Constraints{Min: int64p(0), Max: int64p(10)}}
	assert.NoError(t, score.CheckConstraints(ir.IRInt(5)))
	assert.NoError(t, score.CheckConstraints(ir.Null))
	assert.EqualError(t, score.CheckConstraints(ir.IRInt(-1)), "must be greater than or equal to 0")
	assert.EqualError(t, score.CheckConstraints(ir.IRInt(11)), "must be less than or equal to 10")

	name := &Attribute{Name: "name", Type: mustType(t, "string"), Constraints: Constraints{
		MinLength: int64p(2),
		MaxLength: int64p(4),
		Match:     regexp.MustCompile(`^[a-z]+$`),
		OneOf:     []string{"ab", "abc", "ABCD"},
	}}
	assert.NoError(t, name.CheckConstraints(ir.IRString("abc")))
	assert.Error(t, name.CheckConstraints(ir.IRString("a")))
	assert.Error(t, name.CheckConstraints(ir.IRString("abcde")))
	assert.Error(t, name.CheckConstraints(ir.IRString("ABCD")))
	assert.Error(t, name.CheckConstraints(ir.IRString("abcd")))
}

func TestCastAtomic(t *testing.T) {
	score := &Attribute{Name: "score", Type: mustType(t, "integer")}

	got, err := score.CastAtomic(expr.MustParse("score + 1"))
	require.NoError(t, err)
	assert.Equal(t, CastAtomic, got.Kind)

	got, err = score.CastAtomic(expr.MustParse("2 + 3"))
	require.NoError(t, err)
	assert.Equal(t, CastConcrete, got.Kind)
	assert.Equal(t, ir.IRInt(5), got.Value)

	_, err = score.CastAtomic(expr.MustParse("'x'"))
	assert.Error(t, err)

	meta := &Attribute{Name: "meta", Type: mustType(t, "map")}
	got, err = meta.CastAtomic(expr.MustParse("meta"))
	require.NoError(t, err)
	assert.Equal(t, CastNotAtomic, got.Kind)
	assert.NotEmpty(t, got.Reason)
}

func TestApplyAtomicConstraints(t *testing.T) {
	score := &Attribute{Name: "score", Type: mustType(t, "integer"), Constraints: Constraints{Min: int64p(0), Max: int64p(10)}}

	wrapped, err := score.ApplyAtomicConstraints(expr.MustParse("score + 1"))
	require.NoError(t, err)
	assert.Equal(t,
		`if(((score + 1) < 0), error(score, "must be greater than or equal to 0"), if(((score + 1) > 10), error(score, "must be less than or equal to 10"), (score + 1)))`,
		expr.String(wrapped))

	v, _, err := expr.Eval(wrapped, expr.Env{Row: ir.IRObject{"score": ir.IRInt(3)}})
	require.NoError(t, err)
	assert.Equal(t, ir.IRInt(4), v)

	_, _, err = expr.Eval(wrapped, expr.Env{Row: ir.IRObject{"score": ir.IRInt(10)}})
	var raised *expr.RaisedError
	require.ErrorAs(t, err, &raised)
	assert.Equal(t, "score", raised.Field)
}

func TestApplyAtomicConstraints_LiteralCheckedEagerly(t *testing.T) {
	score := &Attribute{Name: "score", Type: mustType(t, "integer"), Constraints: Constraints{Max: int64p(10)}}

	_, err := score.ApplyAtomicConstraints(expr.Lit(ir.IRInt(11)))
	assert.Error(t, err)

	e, err := score.ApplyAtomicConstraints(expr.Lit(ir.IRInt(9)))
	require.NoError(t, err)
	assert.Equal(t, expr.Lit(ir.IRInt(9)), e)
}

func TestApplyAtomicConstraints_MatchIsNotAtomic(t *testing.T) {
	name := &Attribute{Name: "name", Type: mustType(t, "string"), Constraints: Constraints{Match: regexp.MustCompile(`x`)}}
	_, err := name.ApplyAtomicConstraints(expr.Ref{Field: "name"})
	assert.ErrorIs(t, err, ErrConstraintNotAtomic)
}

func TestApplyAtomicConstraints_OneOfSkipsNull(t *testing.T) {
	status := &Attribute{Name: "status", Type: mustType(t, "string"), Constraints: Constraints{OneOf: []string{"open", "closed"}}}
	wrapped, err := status.ApplyAtomicConstraints(expr.Ref{Field: "status"})
	require.NoError(t, err)

	v, _, err := expr.Eval(wrapped, expr.Env{Row: ir.IRObject{"status": ir.Null}})
	require.NoError(t, err)
	assert.Equal(t, ir.Null, v)

	_, _, err = expr.Eval(wrapped, expr.Env{Row: ir.IRObject{"status": ir.IRString("lost")}})
	assert.True(t, expr.IsRaisedError(err))
}

func TestParseDefault(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	funcs := NewDefaultFuncs(func() time.Time { return fixed })

	d, err := ParseDefault("utc_now()", funcs)
	require.NoError(t, err)
	lazy, ok := d.(LazyDefault)
	require.True(t, ok)
	v, err := lazy.Fn()
	require.NoError(t, err)
	assert.Equal(t, ir.IRString("2026-01-02T03:04:05Z"), v)

	d, err = ParseDefault("0", funcs)
	require.NoError(t, err)
	assert.Equal(t, StaticDefault{Value: ir.IRInt(0)}, d)

	d, err = ParseDefault("score + 1", funcs)
	require.NoError(t, err)
	assert.IsType(t, ExprDefault{}, d)

	d, err = ParseDefault("", funcs)
	require.NoError(t, err)
	assert.Nil(t, d)

	_, err = ParseDefault("(", funcs)
	assert.Error(t, err)
}

func TestUUIDv7Default(t *testing.T) {
	funcs := NewDefaultFuncs(nil)
	v, err := funcs["uuid_v7"]()
	require.NoError(t, err)
	a := &Attribute{Name: "id", Type: mustType(t, "uuid")}
	cast, err := a.Cast(v)
	require.NoError(t, err)
	assert.Equal(t, v, cast)
}

func TestResource(t *testing.T) {
	id := &Attribute{Name: "id", Type: mustType(t, "uuid")}
	score := &Attribute{Name: "score", Type: mustType(t, "integer")}
	r, err := New("Counter", "counters", []string{"id"}, []*Attribute{id, score}, nil)
	require.NoError(t, err)

	assert.True(t, id.PrimaryKey)
	assert.True(t, r.HasField("score"))
	assert.False(t, r.HasField("nope"))

	_, err = r.Lookup("nope")
	var nsf *NoSuchFieldError
	require.ErrorAs(t, err, &nsf)
	assert.Equal(t, "nope", nsf.Field)

	table := r.TableDef()
	assert.Equal(t, "counters", table.Name)
	assert.Equal(t, []datalayer.Column{
		{Name: "id", Type: datalayer.ColumnText},
		{Name: "score", Type: datalayer.ColumnInteger},
	}, table.Columns)

	assert.Equal(t, ir.IRObject{"id": ir.IRString("x")}, r.Key(ir.IRObject{"id": ir.IRString("x"), "score": ir.IRInt(1)}))

	_, err = New("Bad", "bad", []string{"missing"}, []*Attribute{{Name: "a", Type: mustType(t, "string")}}, nil)
	assert.Error(t, err)

	reg, err := NewRegistry(r)
	require.NoError(t, err)
	assert.Equal(t, []string{"Counter"}, reg.Names())
	_, err = reg.Lookup("Counter", "score")
	assert.NoError(t, err)
	assert.Error(t, reg.Register(r))
}
