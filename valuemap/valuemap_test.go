package valuemap

import (
	"testing"
	"time"

	"vo_platform/rd"
	"vo_platform/rsc"
	"vo_platform/stc"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func annotate(t *testing.T, col *rd.Column) *AnnotatedColumn {
	t.Helper()
	ac, err := Annotate(col, &Context{ServerURL: "http://dc.example.org"})
	require.NoError(t, err)
	return ac
}

func TestRegistryOrder(t *testing.T) {
	reg := NewRegistry()
	reg.Register(func(ac *AnnotatedColumn) Mapper {
		return func(v any) any { return "first" }
	})
	reg.Register(func(ac *AnnotatedColumn) Mapper {
		if ac.Name != "special" {
			return nil
		}
		return func(v any) any { return "second" }
	})

	col := annotate(t, &rd.Column{Name: "special", Type: "text"})
	assert.Equal(t, "second", reg.Mapper(col)(nil))
	col = annotate(t, &rd.Column{Name: "other", Type: "text"})
	assert.Equal(t, "first", reg.Mapper(col)(nil))

	assert.Nil(t, NewRegistry().Mapper(col))

	clone := reg.Clone()
	clone.Register(func(ac *AnnotatedColumn) Mapper {
		return func(v any) any { return "third" }
	})
	assert.Equal(t, "first", reg.Mapper(col)(nil))
	assert.Equal(t, "third", clone.Mapper(col)(nil))
}

func TestDatetimeMapper(t *testing.T) {
	ts := time.Date(2000, 1, 1, 12, 0, 0, 0, time.UTC)

	for _, tc := range []struct {
		col      rd.Column
		datatype string
		xtype    string
		expected any
	}{
		{col: rd.Column{Name: "t", Type: "timestamp"}, datatype: "char", xtype: "timestamp", expected: "2000-01-01T12:00:00"},
		{col: rd.Column{Name: "t", Type: "date"}, datatype: "char", xtype: "timestamp", expected: "2000-01-01"},
		{col: rd.Column{Name: "t", Type: "timestamp", Unit: "d"}, datatype: "double", expected: 2451545.0},
		{col: rd.Column{Name: "t", Type: "timestamp", Unit: "d", XType: "mjd"}, datatype: "double", xtype: "mjd", expected: 51544.5},
		{col: rd.Column{Name: "t", Type: "timestamp", Unit: "d", UCD: "time.epoch;MJD"}, datatype: "double", expected: 51544.5},
		{col: rd.Column{Name: "t", Type: "timestamp", Unit: "yr"}, datatype: "double", expected: 2000.0},
		{col: rd.Column{Name: "t", Type: "timestamp", Unit: "s"}, datatype: "double", expected: 946728000.0},
	} {
		col := tc.col
		ac := annotate(t, &col)
		m := Default.Mapper(ac)
		require.NotNil(t, m)
		assert.Equal(t, tc.datatype, ac.Datatype)
		assert.Equal(t, tc.xtype, ac.XType)
		switch exp := tc.expected.(type) {
		case float64:
			assert.InDelta(t, exp, m(ts), 1e-6, "%+v", tc.col)
		default:
			assert.Equal(t, exp, m(ts))
		}
		assert.Nil(t, m(nil))
	}
}

func TestGeometryMapper(t *testing.T) {
	ac := annotate(t, &rd.Column{Name: "pos", Type: "spoint"})
	m := Default.Mapper(ac)
	require.NotNil(t, m)
	assert.Equal(t, "adql:POINT", ac.XType)
	assert.Equal(t, "Position ICRS 10 20", m(stc.Point{Frame: "ICRS", RA: 10, Dec: 20}))
	assert.Nil(t, m(nil))
}

func TestHTMLMappers(t *testing.T) {
	ac := annotate(t, &rd.Column{Name: "wl", Type: "double precision", Unit: "m",
		DisplayHint: map[string]string{"displayUnit": "nm", "sf": "1"}})
	m := HTML.Mapper(ac)
	require.NotNil(t, m)
	assert.Equal(t, "nm", ac.Unit)
	assert.Equal(t, "500.0", m(5e-7))
	assert.Nil(t, Default.Mapper(annotate(t, &rd.Column{Name: "wl", Type: "double precision", Unit: "m",
		DisplayHint: map[string]string{"displayUnit": "nm"}})))

	ac = annotate(t, &rd.Column{Name: "ra", Type: "double precision", Unit: "deg",
		DisplayHint: map[string]string{"type": "hms", "sf": "1"}})
	assert.Equal(t, "01 00 00.0", HTML.Mapper(ac)(15.0))
	ac = annotate(t, &rd.Column{Name: "dec", Type: "double precision", Unit: "deg",
		DisplayHint: map[string]string{"type": "dms", "sf": "0"}})
	assert.Equal(t, "-10 30 00", HTML.Mapper(ac)(-10.5))

	ac = annotate(t, &rd.Column{Name: "flag", Type: "boolean", DisplayHint: map[string]string{"type": "checkmark"}})
	assert.Equal(t, "✓", HTML.Mapper(ac)(true))
	assert.Equal(t, "", HTML.Mapper(ac)(false))

	ac = annotate(t, &rd.Column{Name: "ref", Type: "text", DisplayHint: map[string]string{"type": "bibcode"}})
	assert.Equal(t,
		RawHTML(`<a href="https://ui.adsabs.harvard.edu/abs/2001A&amp;A...1..1X">2001A&amp;A...1..1X</a>`),
		HTML.Mapper(ac)("2001A&A...1..1X"))

	ac = annotate(t, &rd.Column{Name: "accref", Type: "text",
		DisplayHint: map[string]string{"type": "product", "previewPattern": "*.fits"}})
	assert.Equal(t,
		RawHTML(`<a href="http://dc.example.org/getproduct/ex/a.fits">a.fits</a> <a href="http://dc.example.org/getproduct/ex/a.fits?preview=True">[preview]</a>`),
		HTML.Mapper(ac)("ex/a.fits"))
	assert.Equal(t,
		RawHTML(`<a href="http://dc.example.org/getproduct/ex/a.txt">a.txt</a>`),
		HTML.Mapper(ac)("ex/a.txt"))
}

func TestScrubHTML(t *testing.T) {
	for input, expected := range map[string]string{
		`plain & simple`: `plain &amp; simple`,
		`<b onclick="x()">bold</b><script>alert(1)</script>`:  `<b>bold</b>`,
		`<a href="javascript:alert(1)">x</a>`:                 `<a>x</a>`,
		`<a href="https://example.org" target="_blank">x</a>`: `<a href="https://example.org">x</a>`,
		`<div><i>nested</i> text</div>`:                       `<i>nested</i> text`,
	} {
		res, err := ScrubHTML(input)
		require.NoError(t, err)
		assert.Equal(t, expected, res, input)
	}
}

func TestIdManager(t *testing.T) {
	ids := NewIdManager()
	a, b, c := &rd.Column{}, &rd.Column{}, &rd.Column{}

	assert.Equal(t, "ra", ids.GetOrMakeID(a, "", "ra"))
	assert.Equal(t, "ra", ids.GetOrMakeID(a, "", "something else"))
	assert.Equal(t, "ra_0", ids.GetOrMakeID(b, "", "ra"))
	assert.Equal(t, "_2mass_id", ids.GetOrMakeID(c, "", "2mass id"))

	d := &rd.Column{}
	assert.Equal(t, "ra_1", ids.GetOrMakeID(d, "ra", "ra"))

	id, ok := ids.ID(b)
	assert.True(t, ok)
	assert.Equal(t, "ra_0", id)
	_, ok = ids.ID(&rd.Column{})
	assert.False(t, ok)
}

func TestSerManager(t *testing.T) {
	epoch := &rd.Param{Column: rd.Column{Name: "epoch", Type: "timestamp"}, Value: "2000-01-01T12:00:00"}
	def := rsc.NewTableDef("t", []*rd.Column{
		{Name: "id", Type: "integer", Values: &rd.Values{NullLiteral: "-1"}},
		{Name: "obs", Type: "timestamp", Unit: "d", XType: "mjd"},
		{Name: "name", Type: "text", ID: "id"},
	})
	def.Params = []*rd.Param{epoch}
	table := rsc.New(def)
	require.NoError(t, table.AddRow([]any{int64(1), time.Date(2000, 1, 1, 12, 0, 0, 0, time.UTC), "a"}))
	require.NoError(t, table.AddRow([]any{nil, nil, nil}))

	sm, err := NewSerManager(table)
	require.NoError(t, err)

	assert.Equal(t, "-1", sm.Columns[0].NullValue)
	assert.Equal(t, "double", sm.Columns[1].Datatype)
	// the explicit id of name is taken by the id column
	assert.Equal(t, []string{"id", "obs", "name"}, []string{sm.Columns[0].ID, sm.Columns[1].ID, sm.Columns[2].ID})

	require.Len(t, sm.Params, 1)
	assert.Equal(t, "epoch", sm.Params[0].ID)
	assert.Equal(t, "2000-01-01T12:00:00", sm.Params[0].Value)

	var rows [][]any
	require.NoError(t, sm.EachRow(func(row []any) error {
		rows = append(rows, row)
		return nil
	}))
	require.Len(t, rows, 2)
	assert.Equal(t, int64(1), rows[0][0])
	assert.InDelta(t, 51544.5, rows[0][1], 1e-9)
	assert.Equal(t, []any{nil, nil, nil}, rows[1])

	// the table itself is unchanged
	assert.IsType(t, time.Time{}, table.Rows[0][1])

	assert.Equal(t, map[string]any{"id": int64(1), "obs": 51544.5, "name": "a"}, sm.MapDict(table.Rows[0]))
}
