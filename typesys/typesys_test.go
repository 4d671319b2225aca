package typesys

import (
	"testing"
	"time"

	"vo_platform/stc"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseType(t *testing.T) {
	cases := map[string]Type{
		"integer":           {Base: "integer"},
		"double precision":  {Base: "double precision"},
		"DOUBLE  PRECISION": {Base: "double precision"},
		"char":              {Base: "char", Length: 1},
		"char(8)":           {Base: "char", Length: 8},
		"char(*)":           {Base: "char", Length: -1},
		"text":              {Base: "text", Length: -1},
		"real[]":            {Base: "real", Array: true, Length: -1},
		"real[3]":           {Base: "real", Array: true, Length: 3},
		"int8":              {Base: "bigint"},
		"spoint":            {Base: "spoint"},
	}
	for lit, expected := range cases {
		parsed, err := ParseType(lit)
		require.NoError(t, err, lit)
		assert.Equal(t, expected, parsed, lit)
	}

	for _, bad := range []string{"varchar2", "integer(4)", "text[]", "", "geometry"} {
		_, err := ParseType(bad)
		assert.Error(t, err, bad)
	}
}

func TestTypeStringRoundTrip(t *testing.T) {
	for _, lit := range []string{"integer", "char(8)", "char(*)", "real[]", "real[3]", "double precision", "char"} {
		parsed := MustParseType(lit)
		assert.Equal(t, lit, parsed.String())
	}
}

func TestVOTableMapping(t *testing.T) {
	assert.Equal(t, VOTableType{Datatype: "double"}, ToVOTable(MustParseType("double precision")))
	assert.Equal(t, VOTableType{Datatype: "char", Arraysize: "*", XType: "adql:POINT"}, ToVOTable(MustParseType("spoint")))
	assert.Equal(t, VOTableType{Datatype: "float", Arraysize: "3"}, ToVOTable(MustParseType("real[3]")))
	assert.Equal(t, VOTableType{Datatype: "char", Arraysize: "*", XType: "timestamp"}, ToVOTable(MustParseType("timestamp")))

	for _, lit := range []string{"smallint", "integer", "bigint", "real", "double precision", "boolean", "text", "timestamp", "spoint", "real[3]"} {
		typ := MustParseType(lit)
		assert.Equal(t, typ, FromVOTable(ToVOTable(typ)), lit)
	}
}

func TestParseLiteral(t *testing.T) {
	v, err := ParseLiteral(MustParseType("integer"), " 42 ")
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)

	_, err = ParseLiteral(MustParseType("smallint"), "70000")
	assert.Error(t, err)

	v, err = ParseLiteral(MustParseType("real"), "")
	require.NoError(t, err)
	assert.Nil(t, v)

	v, err = ParseLiteral(MustParseType("timestamp"), "2020-01-02T03:04:05")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC), v)

	v, err = ParseLiteral(MustParseType("spoint"), "Position ICRS 10 20")
	require.NoError(t, err)
	assert.Equal(t, stc.Point{Frame: "ICRS", RA: 10, Dec: 20}, v)

	v, err = ParseLiteral(MustParseType("boolean"), "True")
	require.NoError(t, err)
	assert.Equal(t, true, v)
}

func TestNormalize(t *testing.T) {
	v, err := Normalize(MustParseType("double precision"), float32(1.5))
	require.NoError(t, err)
	assert.Equal(t, 1.5, v)

	v, err = Normalize(MustParseType("text"), []byte("abc"))
	require.NoError(t, err)
	assert.Equal(t, "abc", v)

	v, err = Normalize(MustParseType("boolean"), int64(1))
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = Normalize(MustParseType("real[]"), "{1,2.5,3}")
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2.5, 3}, v)

	v, err = Normalize(MustParseType("spoint"), "(0 , 0)")
	require.NoError(t, err)
	assert.Equal(t, stc.Point{Frame: "ICRS"}, v)

	v, err = Normalize(MustParseType("integer"), nil)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestCompare(t *testing.T) {
	c, err := Compare(int64(3), 2.5)
	require.NoError(t, err)
	assert.Equal(t, 1, c)

	c, err = Compare("a", "b")
	require.NoError(t, err)
	assert.Equal(t, -1, c)

	_, err = Compare("a", int64(1))
	assert.Error(t, err)
}
