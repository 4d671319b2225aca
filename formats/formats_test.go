package formats

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"vo_platform/base"
	"vo_platform/rd"
	"vo_platform/rsc"
	"vo_platform/valuemap"
	"vo_platform/votable"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/astrogo/fitsio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTable(t *testing.T) *rsc.Table {
	def := rsc.NewTableDef("spectra", []*rd.Column{
		{Name: "id", Type: "integer", Tablehead: "Id"},
		{Name: "ra", Type: "double precision", Unit: "deg", UCD: "pos.eq.ra", Note: "ICRS, epoch J2000"},
		{Name: "name", Type: "text", Description: "Object name"},
		{Name: "obs", Type: "timestamp"},
		{Name: "accref", Type: "text", DisplayHint: map[string]string{"type": "product"}},
	})
	def.Meta.Add("title", "Some spectra")
	def.Params = []*rd.Param{
		{Column: rd.Column{Name: "target", Type: "text", Utype: "ssa:Target.Name"}, Value: "M 31"},
		{Column: rd.Column{Name: "length", Type: "integer", Utype: "ssa:Dataset.Length"}, Value: "2"},
	}
	table := rsc.New(def)
	require.NoError(t, table.AddRow([]any{int64(1), 10.5, `Tab	and "quote", comma`, time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC), "data/a.fits"}))
	require.NoError(t, table.AddRow([]any{nil, nil, nil, nil, nil}))
	return table
}

func TestLookup(t *testing.T) {
	for key, expected := range map[string]string{
		"votable":                   "votable",
		"application/x-votable+xml": "votable",
		"text/xml":                  "votable",
		"votable/td":                "votabletd",
		"application/x-votable+xml;serialization=TABLEDATA": "votabletd",
		"CSV":                                 "csv",
		"text/csv; header=present":            "csv_header",
		"text/csv;charset=utf-8":              "csv",
		"application/fits":                    "fits",
		"text/html":                           "html",
		"application/vnd.apache.arrow.stream": "arrow",
	} {
		f, err := Get(key)
		require.NoError(t, err, key)
		assert.Equal(t, expected, f.Name, key)
	}

	_, err := Get("application/x-unknown")
	require.Error(t, err)
	assert.Equal(t, http.StatusBadRequest, base.StatusCode(err))
	assert.Equal(t, "FORMAT", base.Field(err))

	assert.Contains(t, Names(), "tsv")
	assert.Contains(t, MIMETypes(), "application/json")
}

func TestCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, "csv_header", testTable(t), Options{}))
	assert.Equal(t,
		"id,ra,name,obs,accref\n"+
			"1,10.5,\"Tab\tand \"\"quote\"\", comma\",2020-01-02T03:04:05,data/a.fits\n"+
			",,,,\n",
		buf.String())

	buf.Reset()
	require.NoError(t, Write(&buf, "csv", testTable(t), Options{}))
	assert.True(t, strings.HasPrefix(buf.String(), "1,10.5,"))
}

func TestTSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, "tsv", testTable(t), Options{}))
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, []string{"1", "10.5", `Tab\tand "quote", comma`, "2020-01-02T03:04:05", "data/a.fits"},
		strings.Split(lines[0], "\t"))
	assert.Equal(t, "\t\t\t\t", lines[1])
}

func TestJSON(t *testing.T) {
	table := testTable(t)
	table.Rows[1][1] = math.NaN()
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, "json", table, Options{}))

	var rows []map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, 1.0, rows[0]["id"])
	assert.Equal(t, "2020-01-02T03:04:05", rows[0]["obs"])
	assert.Nil(t, rows[1]["ra"])

	buf.Reset()
	require.NoError(t, Write(&buf, "json", rsc.New(table.Def), Options{}))
	assert.Equal(t, "[]\n", buf.String())
}

func TestHTML(t *testing.T) {
	table := testTable(t)
	table.Overflowed = true
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, "html", table, Options{Context: &valuemap.Context{ServerURL: "http://dc.example.org"}}))
	out := buf.String()

	assert.Contains(t, out, "<title>Some spectra</title>")
	assert.Contains(t, out, `<th title="">Id</th>`)
	assert.Contains(t, out, `ra<sup><a href="#note-1">1</a></sup>`)
	assert.Contains(t, out, `<li id="note-1">ICRS, epoch J2000</li>`)
	assert.Contains(t, out, `Tab	and &#34;quote&#34;, comma`)
	assert.Contains(t, out, `<a href="http://dc.example.org/getproduct/data/a.fits">a.fits</a>`)
	assert.Contains(t, out, `<dt>target</dt><dd>M 31</dd>`)
	assert.Contains(t, out, `class="overflow"`)
	assert.Equal(t, 3, strings.Count(out, "<tr>"))
}

const fitsBlock = 2880

func fitsCards(data []byte) []string {
	var cards []string
	for i := 0; i+80 <= len(data); i += 80 {
		card := strings.TrimRight(string(data[i:i+80]), " ")
		cards = append(cards, card)
		if card == "END" {
			break
		}
	}
	return cards
}

func cardValue(cards []string, key string) string {
	for _, c := range cards {
		if strings.HasPrefix(c, key+" ") || strings.HasPrefix(c, key+"=") {
			v := strings.TrimSpace(c[10:])
			if idx := strings.Index(v, " /"); idx != -1 && !strings.HasPrefix(v, "'") {
				v = strings.TrimSpace(v[:idx])
			}
			if strings.HasPrefix(v, "'") {
				v = strings.TrimSpace(strings.Trim(v[:strings.LastIndex(v, "'")+1], "'"))
			}
			return v
		}
	}
	return ""
}

func TestFITS(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, "fits", testTable(t), Options{}))
	data := buf.Bytes()
	require.Zero(t, len(data)%fitsBlock)

	primary := fitsCards(data)
	assert.Equal(t, "T", cardValue(primary, "SIMPLE"))
	assert.Equal(t, "END", primary[len(primary)-1])

	ext := data[fitsBlock:]
	cards := fitsCards(ext)
	assert.Equal(t, "BINTABLE", cardValue(cards, "XTENSION"))
	assert.Equal(t, "5", cardValue(cards, "TFIELDS"))
	assert.Equal(t, "2", cardValue(cards, "NAXIS2"))
	assert.Equal(t, "J", cardValue(cards, "TFORM1"))
	assert.Equal(t, "-2147483648", cardValue(cards, "TNULL1"))
	assert.Equal(t, "D", cardValue(cards, "TFORM2"))
	assert.Equal(t, "deg", cardValue(cards, "TUNIT2"))
	assert.Equal(t, "M 31", cardValue(cards, "OBJECT"))
	assert.Equal(t, "2", cardValue(cards, "DATALEN"))

	headerLen := ((len(cards)*80 + fitsBlock - 1) / fitsBlock) * fitsBlock
	rows := ext[headerLen:]
	assert.Equal(t, int32(1), int32(binary.BigEndian.Uint32(rows[0:4])))
	assert.Equal(t, 10.5, math.Float64frombits(binary.BigEndian.Uint64(rows[4:12])))

	width, err := strconv.Atoi(cardValue(cards, "NAXIS1"))
	require.NoError(t, err)
	second := rows[width:]
	assert.Equal(t, int32(math.MinInt32), int32(binary.BigEndian.Uint32(second[0:4])))
	assert.True(t, math.IsNaN(math.Float64frombits(binary.BigEndian.Uint64(second[4:12]))))
	assert.Equal(t, "pos.eq.ra", cardValue(cards, "TUCD2"))

	f, err := fitsio.Open(bytes.NewReader(data))
	require.NoError(t, err)
	defer f.Close()
	require.Len(t, f.HDUs(), 2)
	tbl, ok := f.HDU(1).(*fitsio.Table)
	require.True(t, ok)
	assert.Equal(t, int64(2), tbl.NumRows())
	assert.Equal(t, 5, tbl.NumCols())
}

func TestFITSOverflowAndArrays(t *testing.T) {
	def := rsc.NewTableDef("cube", []*rd.Column{
		{Name: "flux", Type: "real[3]"},
		{Name: "flag", Type: "boolean"},
	})
	table := rsc.New(def)
	require.NoError(t, table.AddRow([]any{[]float64{1, 2, 3}, true}))
	table.Overflowed = true

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, "fits", table, Options{}))
	data := buf.Bytes()
	require.Zero(t, len(data)%fitsBlock)

	cards := fitsCards(data[fitsBlock:])
	assert.Equal(t, "3E", cardValue(cards, "TFORM1"))
	assert.Equal(t, "L", cardValue(cards, "TFORM2"))
	assert.Equal(t, "OVERFLOW", cardValue(cards, "QUERYST"))
	assert.Equal(t, "13", cardValue(cards, "NAXIS1"))

	headerLen := ((len(cards)*80 + fitsBlock - 1) / fitsBlock) * fitsBlock
	row := data[fitsBlock+headerLen:]
	assert.Equal(t, float32(2), math.Float32frombits(binary.BigEndian.Uint32(row[4:8])))
	assert.Equal(t, byte('T'), row[12])
}

func TestArrow(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, "arrow", testTable(t), Options{}))

	reader, err := ipc.NewReader(&buf)
	require.NoError(t, err)
	defer reader.Release()

	schema := reader.Schema()
	require.Equal(t, 5, len(schema.Fields()))
	assert.Equal(t, arrow.PrimitiveTypes.Int32, schema.Field(0).Type)
	unit, ok := schema.Field(1).Metadata.GetValue("unit")
	assert.True(t, ok)
	assert.Equal(t, "deg", unit)

	require.True(t, reader.Next())
	rec := reader.Record()
	assert.Equal(t, int64(2), rec.NumRows())
	ids := rec.Column(0).(*array.Int32)
	assert.Equal(t, int32(1), ids.Value(0))
	assert.True(t, ids.IsNull(1))
	obs := rec.Column(3).(*array.Timestamp)
	assert.Equal(t, time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC).UnixMicro(), int64(obs.Value(0)))
	names := rec.Column(2).(*array.String)
	assert.Equal(t, `Tab	and "quote", comma`, names.Value(0))
	assert.False(t, reader.Next())
}

func TestVOTableFormats(t *testing.T) {
	for key, marker := range map[string]string{
		"votable":   "<BINARY>",
		"votabletd": "<TABLEDATA>",
		"votableb2": "<BINARY2>",
	} {
		var buf bytes.Buffer
		require.NoError(t, Write(&buf, key, testTable(t), Options{}))
		assert.Contains(t, buf.String(), marker, key)
	}

	var buf bytes.Buffer
	require.NoError(t, Write(&buf, "votable", testTable(t), Options{VOTableEncoding: votable.TableData}))
	assert.Contains(t, buf.String(), "<TABLEDATA>")
}
