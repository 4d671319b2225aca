package votable

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"vo_platform/rd"
	"vo_platform/rsc"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleTable(t *testing.T) *rsc.Table {
	def := rsc.NewTableDef("sample", []*rd.Column{
		{Name: "id", Type: "integer", UCD: "meta.id;meta.main"},
		{Name: "ra", Type: "double precision", Unit: "deg", UCD: "pos.eq.ra"},
		{Name: "mag", Type: "real", Description: "Magnitude & such"},
		{Name: "name", Type: "text"},
		{Name: "flag", Type: "boolean"},
		{Name: "big", Type: "bigint"},
		{Name: "obs", Type: "timestamp"},
		{Name: "flux", Type: "double precision[3]"},
	})
	def.Meta.Add("description", "A sample table")
	def.Params = []*rd.Param{{Column: rd.Column{Name: "radius", Type: "double precision", Unit: "deg"}, Value: "0.5"}}
	table := rsc.New(def)
	obs := time.Date(2010, 3, 4, 5, 6, 7, 0, time.UTC)
	require.NoError(t, table.AddRow([]any{int64(1), 10.5, 12.25, "a <b> & c", true, int64(1) << 40, obs, []float64{1, 2, 3}}))
	require.NoError(t, table.AddRow([]any{nil, nil, nil, nil, nil, nil, nil, nil}))
	require.NoError(t, table.AddRow([]any{int64(-3), -0.25, 0.0, "äöü", false, int64(-7), obs.Add(time.Hour), []float64{0.5, 0, -1}}))
	return table
}

func TestRoundTrip(t *testing.T) {
	for _, enc := range []Encoding{TableData, Binary, Binary2} {
		t.Run(string(enc), func(t *testing.T) {
			table := sampleTable(t)
			var buf bytes.Buffer
			require.NoError(t, Write(&buf, table, Options{Encoding: enc}))

			out := buf.String()
			assert.True(t, strings.HasPrefix(out, "<?xml"))
			assert.Contains(t, out, `<INFO name="QUERY_STATUS" value="OK"`)
			assert.Contains(t, out, `null="-2147483648"`)
			assert.NotContains(t, out, "OVERFLOW")

			res, err := Read(&buf)
			require.NoError(t, err)
			require.Len(t, res.Def.Columns, 8)
			assert.Equal(t, "deg", res.Def.Columns[1].Unit)
			assert.Equal(t, "pos.eq.ra", res.Def.Columns[1].UCD)
			assert.Equal(t, "Magnitude & such", res.Def.Columns[2].Description)
			assert.Equal(t, "timestamp", res.Def.Columns[6].Type)
			assert.Equal(t, "A sample table", res.Def.Meta.Get("description"))

			radius, err := res.ParamValue(res.Def.Params[0])
			require.NoError(t, err)
			assert.Equal(t, 0.5, radius)

			require.Len(t, res.Rows, 3)
			first := res.Rows[0]
			assert.Equal(t, int64(1), first[0])
			assert.Equal(t, 10.5, first[1])
			assert.InDelta(t, 12.25, first[2], 1e-6)
			assert.Equal(t, "a <b> & c", first[3])
			assert.Equal(t, true, first[4])
			assert.Equal(t, int64(1)<<40, first[5])
			assert.Equal(t, time.Date(2010, 3, 4, 5, 6, 7, 0, time.UTC), first[6])
			assert.Equal(t, []float64{1, 2, 3}, first[7])

			for i, v := range res.Rows[1][:7] {
				assert.Nil(t, v, "column %d", i)
			}

			third := res.Rows[2]
			assert.Equal(t, int64(-3), third[0])
			assert.Equal(t, "äöü", third[3])
			assert.Equal(t, false, third[4])
		})
	}
}

func TestEmptyTable(t *testing.T) {
	def := rsc.NewTableDef("empty", []*rd.Column{{Name: "x", Type: "integer"}})
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, rsc.New(def), Options{Encoding: TableData}))
	assert.Contains(t, buf.String(), "<TABLEDATA></TABLEDATA>")
	assert.Contains(t, buf.String(), `value="OK"`)

	res, err := Read(&buf)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Len())
	assert.Equal(t, "QUERY_STATUS", res.Infos[0].Name)
}

func TestOverflow(t *testing.T) {
	table := sampleTable(t)
	table.Truncate(1)
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, table, Options{Encoding: TableData}))
	out := buf.String()
	assert.Contains(t, out, `</TABLE><INFO name="QUERY_STATUS" value="OVERFLOW"`)
	assert.True(t, strings.HasSuffix(out, "</RESOURCE></VOTABLE>\n"))
}

func TestVersionChecks(t *testing.T) {
	table := sampleTable(t)
	err := Write(&bytes.Buffer{}, table, Options{Encoding: Binary2, Version: "1.2"})
	assert.Error(t, err)
	err = Write(&bytes.Buffer{}, table, Options{Version: "2.0"})
	assert.Error(t, err)

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, table, Options{Encoding: TableData, Version: "1.2"}))
	assert.Contains(t, buf.String(), `xmlns="http://www.ivoa.net/xml/VOTable/v1.2"`)

	enc, err := ParseEncoding("")
	require.NoError(t, err)
	assert.Equal(t, Binary, enc)
	_, err = ParseEncoding("fits")
	assert.Error(t, err)
}

func TestSerializerFailure(t *testing.T) {
	def := rsc.NewTableDef("bad", []*rd.Column{{Name: "x", Type: "integer"}})
	table := rsc.New(def)
	require.NoError(t, table.AddRow([]any{int64(1)}))
	table.Rows = append(table.Rows, []any{int64(1), int64(2)})

	var buf bytes.Buffer
	err := Write(&buf, table, Options{Encoding: TableData})
	require.Error(t, err)
	out := buf.String()
	assert.Contains(t, out, `<INFO name="QUERY_STATUS" value="ERROR">`)
	assert.True(t, strings.HasSuffix(out, "</VOTABLE>\n"))
}

func TestErrorDocuments(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteSCSError(&buf, "RA out of range"))
	assert.Contains(t, buf.String(), `<INFO ID="Error" name="Error" value="RA out of range"/>`)

	buf.Reset()
	require.NoError(t, WriteDALError(&buf, "bad <query>"))
	assert.Contains(t, buf.String(), `<RESOURCE type="results"><INFO name="QUERY_STATUS" value="ERROR">bad &lt;query&gt;</INFO></RESOURCE>`)

	_, err := Read(strings.NewReader(buf.String()))
	assert.True(t, errors.Is(err, ErrNoTable))
}

func TestReadMalformed(t *testing.T) {
	_, err := Read(strings.NewReader("<VOTABLE><RESOURCE>"))
	assert.Error(t, err)

	doc := `<VOTABLE><RESOURCE><TABLE><FIELD name="a" datatype="int"/><FIELD name="b" datatype="char" arraysize="*"/>
<DATA><TABLEDATA><TR><TD>1</TD></TR></TABLEDATA></DATA></TABLE></RESOURCE></VOTABLE>`
	_, err = Read(strings.NewReader(doc))
	assert.ErrorContains(t, err, "expected 2")

	doc = `<VOTABLE><RESOURCE><TABLE><FIELD name="a" datatype="int"><VALUES null="-1"/></FIELD>
<DATA><TABLEDATA><TR><TD>-1</TD></TR><TR><TD>4</TD></TR></TABLEDATA></DATA></TABLE></RESOURCE></VOTABLE>`
	res, err := Read(strings.NewReader(doc))
	require.NoError(t, err)
	assert.Equal(t, [][]any{{nil}, {int64(4)}}, res.Rows)
}
