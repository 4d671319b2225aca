package rd

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"vo_platform/base"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testConfig struct{}

func (testConfig) Get(section, name string) (string, bool) {
	if section == "ivoa" && name == "registryName" {
		return "Test DC", true
	}
	return "", false
}

func (testConfig) MakeURL(path string) string {
	return "http://localhost:8080/" + strings.TrimLeft(path, "/")
}

func parseRD(t *testing.T, src string) (*RD, error) {
	t.Helper()
	loader := NewLoader(t.TempDir(), testConfig{})
	return loader.Parse("test/q", []byte(src))
}

func mustParseRD(t *testing.T, src string) *RD {
	t.Helper()
	r, err := parseRD(t, src)
	require.NoError(t, err)
	return r
}

const basicRD = `<resource schema="test">
	<meta name="title">A test resource</meta>
	<meta>
		creator: Doe, J.
		subject: stars
	</meta>
	<macDef name="unitName">deg</macDef>
	<table id="main" onDisk="True" adql="True" primary="id">
		<meta name="description">Objects in \schema</meta>
		<column name="id" type="integer" ucd="meta.id;meta.main" verbLevel="1"/>
		<column name="ra" type="double precision" unit="\unitName" ucd="pos.eq.ra;meta.main" verbLevel="1"/>
		<column name="dec" type="double precision" unit="deg" ucd="pos.eq.dec;meta.main" verbLevel="1"/>
		<column name="mag" type="real" unit="mag" displayHint="displayUnit=mag, sf=2">
			<description>Magnitude of \qName objects</description>
			<values nullLiteral="-99" min="-5" max="30"/>
		</column>
		<param name="epoch" type="double precision">2000.0</param>
	</table>
	<dbCore id="core" queriedTable="main" sortKey="id">
		<condDesc buildFrom="mag"/>
	</dbCore>
	<service id="cone" core="core" allowed="form,scs.xml">
		<meta name="title">Cone search over \rdId</meta>
		<publish render="scs.xml" sets="ivo_managed,local"/>
	</service>
	<data id="import"><sources>data/*.txt</sources></data>
</resource>`

func TestBasicRD(t *testing.T) {
	r := mustParseRD(t, basicRD)

	assert.Equal(t, "test/q", r.ID)
	assert.Equal(t, "test", r.Schema)
	assert.Equal(t, "A test resource", r.Meta.Get("title"))
	assert.Equal(t, "Doe, J.", r.Meta.Get("creator"))

	table, err := r.Table("main")
	require.NoError(t, err)
	assert.Equal(t, "test.main", table.QName())
	assert.True(t, table.IsADQL())
	assert.Equal(t, "Objects in test", table.Meta.Get("description"))
	require.Len(t, table.Columns, 4)

	ra, err := table.Column("RA")
	require.NoError(t, err)
	assert.Equal(t, "deg", ra.Unit)
	assert.Equal(t, 1, ra.VerbLevel)

	mag, err := table.Column("mag")
	require.NoError(t, err)
	assert.Equal(t, "real", mag.Type)
	assert.Equal(t, 20, mag.VerbLevel)
	assert.Equal(t, "Magnitude of test.main objects", mag.Description)
	assert.Equal(t, map[string]string{"displayUnit": "mag", "sf": "2"}, mag.DisplayHint)
	assert.Equal(t, "-99", mag.NullLiteral())
	assert.Same(t, Structure(mag), mag.Values.Parent())

	epoch, err := table.Param("epoch")
	require.NoError(t, err)
	assert.Equal(t, "2000.0", epoch.Value)

	svc, err := r.Service("cone")
	require.NoError(t, err)
	assert.Equal(t, []string{"form", "scs.xml"}, svc.Allowed)
	assert.Equal(t, "Cone search over test/q", svc.Meta.Get("title"))
	assert.Equal(t, "test/q#cone", svc.FullID())
	assert.Equal(t, "/test/q/cone/scs.xml", svc.URLPath("scs.xml"))
	require.Len(t, svc.Publications, 1)
	assert.Equal(t, []string{"ivo_managed", "local"}, svc.Publications[0].Sets)

	core, ok := svc.CoreDef().(*DBCore)
	require.True(t, ok)
	assert.Same(t, table, core.Table())

	// buildFrom replaced the condDesc by one with an input key made from the column
	require.Len(t, core.CondDescs, 1)
	cd := core.CondDescs[0]
	assert.Equal(t, "", cd.BuildFrom)
	require.Len(t, cd.InputKeys, 1)
	assert.Equal(t, "mag", cd.InputKeys[0].Name)
	assert.Equal(t, "mag", cd.InputKeys[0].Unit)
	assert.Same(t, Structure(cd), cd.InputKeys[0].Parent())

	// macDef never becomes part of the tree, data is swallowed
	_, ok = r.ByID("import")
	assert.False(t, ok)
	assert.Equal(t, "deg", r.macros["unitName"])
}

func TestStreamFeed(t *testing.T) {
	r := mustParseRD(t, `<resource schema="test">
		<STREAM id="cols">
			<column name="\prefix{}_ra" type="double precision" unit="deg" ucd="\ucdBase.ra"/>
			<column name="\prefix{}_dec" type="double precision" unit="deg" ucd="\ucdBase.dec"/>
		</STREAM>
		<table id="t">
			<FEED source="cols" prefix="obj" ucdBase="pos.eq"/>
			<column name="mag"/>
		</table>
	</resource>`)

	table, err := r.Table("t")
	require.NoError(t, err)
	var names, ucds []string
	for _, c := range table.Columns {
		names = append(names, c.Name)
		ucds = append(ucds, c.UCD)
	}
	assert.Equal(t, []string{"obj_ra", "obj_dec", "mag"}, names)
	assert.Equal(t, []string{"pos.eq.ra", "pos.eq.dec", ""}, ucds)
	assert.Contains(t, r.Streams, "cols")
}

func TestFeedMissingAttributeHint(t *testing.T) {
	_, err := parseRD(t, `<resource schema="test">
		<table id="t">
			<FEED source="//scs#positionColumns" raName="ra"/>
		</table>
	</resource>`)
	require.Error(t, err)
	var merr *base.MacroError
	require.True(t, errors.As(err, &merr))
	assert.Equal(t, "decName", merr.Name)
	assert.Contains(t, merr.Hint, "FEED")
}

func TestLoops(t *testing.T) {
	r := mustParseRD(t, `<resource schema="test">
		<table id="t">
			<LOOP listItems="u g r">
				<events>
					<column name="mag_\item" unit="mag"/>
				</events>
			</LOOP>
			<LOOP>
				<csvItems>
					name, type
					flag, boolean
					cnt, integer
				</csvItems>
				<events>
					<column name="\name" type="\type"/>
				</events>
			</LOOP>
			<LOOP>
				<codeItems>range 1 7 2</codeItems>
				<events>
					<column name="c\item" type="smallint"/>
				</events>
			</LOOP>
		</table>
	</resource>`)

	table, err := r.Table("t")
	require.NoError(t, err)
	var got []string
	for _, c := range table.Columns {
		got = append(got, c.Name+":"+c.Type)
	}
	assert.Equal(t, []string{
		"mag_u:real", "mag_g:real", "mag_r:real",
		"flag:boolean", "cnt:integer",
		"c1:smallint", "c3:smallint", "c5:smallint",
	}, got)
}

func TestNestedExpansion(t *testing.T) {
	src := `<resource schema="test">
		<%[1]s id="cols">
			<LOOP listItems="\names">
				<events>
					<column name="\item" type="\coltype"/>
				</events>
			</LOOP>
		</%[1]s>
		<table id="t">
			<FEED source="cols" names="a b" coltype="integer"/>
		</table>
	</resource>`

	// the LOOP inside the NXSTREAM runs when the FEED replays it, so it
	// sees the FEED's names
	r := mustParseRD(t, strings.ReplaceAll(src, "%[1]s", "NXSTREAM"))
	table, err := r.Table("t")
	require.NoError(t, err)
	require.Len(t, table.Columns, 2)
	assert.Equal(t, "a", table.Columns[0].Name)
	assert.Equal(t, "integer", table.Columns[1].Type)

	// a STREAM runs the LOOP while recording, when names is not yet known
	_, err = parseRD(t, strings.ReplaceAll(src, "%[1]s", "STREAM"))
	var serr *base.StructureError
	require.True(t, errors.As(err, &serr))
	assert.Contains(t, serr.Msg, "unresolved macro in LOOP")
	assert.Contains(t, serr.Hint, "NXSTREAM")
}

func TestEditAndPrune(t *testing.T) {
	r := mustParseRD(t, `<resource schema="test">
		<STREAM id="basic">
			<column name="ra" type="double precision" unit="deg"/>
			<column name="dec" type="double precision" unit="deg"/>
			<column name="mag" type="real"/>
			<column name="err_mag" type="real"/>
		</STREAM>
		<table id="t">
			<FEED source="basic">
				<PRUNE name=".*mag"/>
				<EDIT ref="column[ra]"><values min="0" max="360"/></EDIT>
			</FEED>
		</table>
	</resource>`)

	table, err := r.Table("t")
	require.NoError(t, err)
	require.Len(t, table.Columns, 2)
	require.NotNil(t, table.Columns[0].Values)
	assert.Equal(t, "360", table.Columns[0].Values.Max)
	assert.Nil(t, table.Columns[1].Values)

	_, err = parseRD(t, `<resource schema="test">
		<STREAM id="basic"><column name="ra"/></STREAM>
		<table id="t">
			<FEED source="basic"><EDIT ref="column[nope]"><values min="0"/></EDIT></FEED>
		</table>
	</resource>`)
	var serr *base.StructureError
	require.True(t, errors.As(err, &serr))
	assert.Contains(t, serr.Msg, "column[nope]")
}

func TestSystemStreamsAndOriginals(t *testing.T) {
	r := mustParseRD(t, `<resource schema="test">
		<table id="main" onDisk="True">
			<FEED source="//scs#positionColumns" raName="raj2000" decName="dej2000"/>
		</table>
		<dbCore id="core" queriedTable="main">
			<FEED source="//scs#coreDescs"/>
			<condDesc original="//scs#protoInput" required="False"/>
		</dbCore>
		<service id="scs" core="core" allowed="scs.xml"/>
	</resource>`)

	table, err := r.Table("main")
	require.NoError(t, err)
	col, err := table.ColumnByUCD("pos.eq.ra;meta.main")
	require.NoError(t, err)
	assert.Equal(t, "raj2000", col.Name)

	core := r.Cores[0].(*DBCore)
	require.Len(t, core.CondDescs, 3)
	proto := core.CondDescs[0]
	assert.Equal(t, "scs.cone", proto.PhraseMaker)
	assert.True(t, proto.Required)
	require.Len(t, proto.InputKeys, 3)
	assert.Equal(t, "RA", proto.InputKeys[0].Name)
	assert.Same(t, Structure(proto), proto.InputKeys[0].Parent())
	assert.Equal(t, "scs.humanCone", core.CondDescs[1].PhraseMaker)

	// attributes after original override the copy
	assert.False(t, core.CondDescs[2].Required)
	assert.Equal(t, "//scs#protoInput", core.CondDescs[2].Original)
}

func TestErrors(t *testing.T) {
	_, err := parseRD(t, `<resource schema="test"><table id="t"><column name="x" colour="red"/></table></resource>`)
	var serr *base.StructureError
	require.True(t, errors.As(err, &serr))
	assert.Contains(t, serr.Msg, "no colour attribute")
	assert.Equal(t, 1, serr.Pos.Line)

	_, err = parseRD(t, `<resource schema="test"><table id="t"><column name="x" verbLevel="loud"/></table></resource>`)
	var lerr *base.LiteralParseError
	require.True(t, errors.As(err, &lerr))
	assert.Equal(t, "verbLevel", lerr.Attr)

	_, err = parseRD(t, `<resource schema="test"><table id="t"><column name="x" type="quaternion"/></table></resource>`)
	require.True(t, errors.As(err, &lerr))
	assert.Equal(t, "type", lerr.Attr)

	_, err = parseRD(t, `<resource schema="test">
		<dbCore id="c" queriedTable="missing"/>
	</resource>`)
	var nerr *base.NotFoundError
	require.True(t, errors.As(err, &nerr))
	assert.Equal(t, "missing", nerr.Name)

	_, err = parseRD(t, `<resource schema="test"><table id="t"><column name="\nosuch"/></table></resource>`)
	var merr *base.MacroError
	require.True(t, errors.As(err, &merr))
	assert.Equal(t, "nosuch", merr.Name)

	_, err = parseRD(t, `<resource schema="test"><service id="s" core="c" allowed=""/><nullCore id="c"/></resource>`)
	require.True(t, errors.As(err, &serr))
	assert.Contains(t, serr.Msg, "allows no renderers")

	_, err = parseRD(t, `<resource schema="test"><table id="t"/><service id="s" core="t"/></resource>`)
	require.True(t, errors.As(err, &serr))
	assert.Contains(t, serr.Msg, "is not a core")

	_, err = parseRD(t, `<resource schema="test"><table id="t"/><table id="t"/></resource>`)
	require.True(t, errors.As(err, &serr))
	assert.Contains(t, serr.Msg, "overwritten")

	_, err = parseRD(t, `<resource><table id="t"/></resource>`)
	require.True(t, errors.As(err, &serr))
	assert.Contains(t, serr.Msg, "schema")

	_, err = parseRD(t, `<resource schema="test"><macDef name="loop">x\loop</macDef>
		<meta name="title">\loop</meta></resource>`)
	require.True(t, errors.As(err, &serr))
	assert.Contains(t, serr.Msg, "macro loop is defined in terms of itself")

	_, err = parseRD(t, `<resource schema="test"><macDef name="ping">\pong</macDef><macDef name="pong">\ping</macDef>
		<table id="t"><column name="x" description="\ping"/></table></resource>`)
	require.True(t, errors.As(err, &serr))
	assert.Contains(t, serr.Msg, "in terms of itself")

	_, err = parseRD(t, `<resource schema="test">
		<NXSTREAM id="s"><column name="x"/><FEED source="s"/></NXSTREAM>
		<table id="t"><FEED source="s"/></table>
	</resource>`)
	require.True(t, errors.As(err, &serr))
	assert.Contains(t, serr.Msg, "stream s is replayed within itself")

	_, err = parseRD(t, `<resource schema="test">
		<NXSTREAM id="a"><FEED source="b"/></NXSTREAM>
		<NXSTREAM id="b"><FEED source="a"/></NXSTREAM>
		<table id="t"><LOOP listItems="1" source="a"/></table>
	</resource>`)
	require.True(t, errors.As(err, &serr))
	assert.Contains(t, serr.Msg, "replayed within itself")
}

func TestMacroExpansion(t *testing.T) {
	r := mustParseRD(t, `<resource schema="test"><macDef name="greet">hello</macDef></resource>`)

	for input, expected := range map[string]string{
		`plain`:                          "plain",
		`\greet world`:                   "hello world",
		`a\\b`:                           `a\b`,
		`\quote{say "\greet"}`:           `"say ""hello"""`,
		`\getConfig{ivoa}{registryName}`: "Test DC",
		`\internallink{/tap}`:            "http://localhost:8080/tap",
		`50\%`:                           `50\%`,
	} {
		res, err := Expand(input, r, base.Pos{})
		require.NoError(t, err, input)
		assert.Equal(t, expected, res, input)
	}

	res, complete, err := expandBindings(`\a and \b \\ c`, []map[string]string{{"a": "x"}}, base.Pos{})
	require.NoError(t, err)
	assert.False(t, complete)
	assert.Equal(t, `x and \b \\ c`, res)

	res, complete, err = expandBindings(`\a \\ c`, []map[string]string{{"a": "x"}}, base.Pos{})
	require.NoError(t, err)
	assert.True(t, complete)
	assert.Equal(t, `x \ c`, res)
}

func TestSystemRDsLoad(t *testing.T) {
	loader := NewLoader(t.TempDir(), testConfig{})
	for _, id := range SystemRDs() {
		r, err := loader.Load(id)
		require.NoError(t, err, id)
		assert.NotEmpty(t, r.Schema, id)
	}

	tap, err := loader.Load("//tap")
	require.NoError(t, err)
	svc, err := tap.Service("run")
	require.NoError(t, err)
	assert.Equal(t, "Test DC TAP service", svc.Meta.Get("title"))
	assert.Equal(t, "/tap/run/tap", svc.URLPath("tap"))
	assert.Equal(t, "Cone search in obscore", svc.Meta.Get("_example.title"))

	dl, err := loader.Load("//datalink")
	require.NoError(t, err)
	core := dl.Cores[0].(*DatalinkCore)
	require.Len(t, core.InputKeys, 2)
	assert.Equal(t, "multiple", core.InputKeys[0].Multiplicity)
}

func TestLoaderCache(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "ex"), 0755))
	path := filepath.Join(dir, "ex", "q.rd")
	require.NoError(t, os.WriteFile(path, []byte(basicRD), 0644))

	loader := NewLoader(dir, testConfig{})
	first, err := loader.Load("ex/q")
	require.NoError(t, err)
	second, err := loader.Load("ex/q.rd")
	require.NoError(t, err)
	assert.Same(t, first, second)

	loader.Unload("ex/q")
	third, err := loader.Load("ex/q")
	require.NoError(t, err)
	assert.NotSame(t, first, third)
	assert.True(t, first.Equals(third))
	assert.Empty(t, cmp.Diff(Describe(first), Describe(third)))

	changed := strings.Replace(basicRD, `name="mag" type="real"`, `name="mag" type="double precision"`, 1)
	require.NoError(t, os.WriteFile(path, []byte(changed), 0644))
	later := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, later, later))

	fourth, err := loader.Load("ex/q")
	require.NoError(t, err)
	assert.False(t, third.Equals(fourth))
	assert.NotEqual(t, third.Hash, fourth.Hash)

	ids, err := loader.AvailableRDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"ex/q"}, ids)

	_, err = loader.Load("ex/nothere")
	var nerr *base.NotFoundError
	assert.True(t, errors.As(err, &nerr))

	s, err := loader.Resolve("ex/q#main")
	require.NoError(t, err)
	assert.IsType(t, &Table{}, s)
}

func TestParseEvents(t *testing.T) {
	events, err := ParseEventsFromBytes([]byte(`<a x="1" original="o"><b>text</b></a>`), "t.rd")
	require.NoError(t, err)
	var got []string
	for _, ev := range events {
		got = append(got, ev.String())
	}
	assert.Equal(t, []string{
		"start(a)", `value(original="o")`, `value(x="1")`,
		"start(b)", `value(content_="text")`, "end(b)", "end(a)",
	}, got)

	_, err = ParseEventsFromBytes([]byte(`<a><b></a>`), "t.rd")
	var serr *base.StructureError
	assert.True(t, errors.As(err, &serr))
}
