package registry

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"vo_platform/config"
	"vo_platform/rd"
	"vo_platform/schema"
	"vo_platform/svcs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRD = `<resource schema="ex">
	<meta name="subject">stars</meta>
	<meta name="creationDate">2020-03-04T10:00:00Z</meta>
	<table id="main" onDisk="True" adql="True" primary="id">
		<meta name="description">Objects with positions</meta>
		<column name="id" type="integer" ucd="meta.id;meta.main" verbLevel="1" required="True"/>
		<FEED source="//scs#positionColumns" raName="ra" decName="dec"/>
		<column name="mag" type="real" unit="mag" verbLevel="15"/>
	</table>
	<dbCore id="cone" queriedTable="main" sortKey="id">
		<FEED source="//scs#coreDescs"/>
		<condDesc buildFrom="mag"/>
	</dbCore>
	<service id="scs" core="cone" allowed="scs.xml,form">
		<meta name="title">Test cone search</meta>
		<meta name="shortName">test cone search long name</meta>
		<meta name="description">Finds objects around a position.</meta>
		<meta name="testQuery">ra=45&amp;dec=0&amp;sr=1</meta>
		<publish render="scs.xml" sets="ivo_managed,local"/>
		<publish render="form" sets="local"/>
	</service>
	<service id="hidden" core="cone" allowed="form"/>
</resource>`

type fixture struct {
	env    *svcs.Env
	oai    *OAI
	b      *Builder
	inputs string
}

func setup(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Web.ServerURL = "http://localhost:8080"
	cfg.Ivoa.Authority = "org.example"
	cfg.Ivoa.RegistryName = "Example DC"
	cfg.Ivoa.AdminEmail = "admin@example.org"

	inputs := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(inputs, "ex"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(inputs, "ex", "q.rd"), []byte(testRD), 0644))
	loader := rd.NewLoader(inputs, &cfg)

	db, err := schema.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "registry.db"))
	require.NoError(t, err)
	sysTables, err := loader.SystemTables()
	require.NoError(t, err)
	require.NoError(t, db.Migrate(sysTables))

	env := &svcs.Env{DB: db, Config: &cfg, Loader: loader}
	b := NewBuilder(env)
	for _, id := range []string{"//services", "ex/q"} {
		r, err := loader.Load(id)
		require.NoError(t, err)
		require.NoError(t, b.Publish(r))
	}

	oai := NewOAI(b)
	return &fixture{env: env, oai: oai, b: b, inputs: inputs}
}

func (f *fixture) request(t *testing.T, query string) string {
	t.Helper()
	w := httptest.NewRecorder()
	f.oai.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/oai.xml?"+query, nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/xml", w.Header().Get("Content-Type"))
	return w.Body.String()
}

func TestIVOID(t *testing.T) {
	cfg := config.Default()
	cfg.Ivoa.Authority = "org.example"
	assert.Equal(t, "ivo://org.example/ex/q/scs", IVOID(&cfg, "ex/q", "scs"))
	assert.Equal(t, "ivo://org.example/services/registry", IVOID(&cfg, "__system__/services", "registry"))
}

func TestRecords(t *testing.T) {
	f := setup(t)
	r, err := f.env.Loader.Load("ex/q")
	require.NoError(t, err)

	recs := Records(f.b, r)
	require.Len(t, recs, 1)
	assert.Equal(t, "scs", recs[0].ResID)
	assert.Equal(t, "ivo://org.example/ex/q/scs", recs[0].Ivoid)
	assert.Equal(t, "Test cone search", recs[0].Title)
	assert.Equal(t, "vs:CatalogService", recs[0].ResType)

	var sets []string
	for _, s := range recs[0].Sets {
		sets = append(sets, s.SetName+"/"+s.Renderer)
	}
	assert.ElementsMatch(t, []string{"ivo_managed/scs.xml", "local/scs.xml", "local/form"}, sets)
}

func TestIdentify(t *testing.T) {
	f := setup(t)
	body := f.request(t, "verb=Identify")

	assert.Contains(t, body, `<request verb="Identify">http://localhost:8080/oai.xml</request>`)
	assert.Contains(t, body, "<repositoryName>Example DC</repositoryName>")
	assert.Contains(t, body, "<baseURL>http://localhost:8080/oai.xml</baseURL>")
	assert.Contains(t, body, "<protocolVersion>2.0</protocolVersion>")
	assert.Contains(t, body, "<adminEmail>admin@example.org</adminEmail>")
	assert.Contains(t, body, "<earliestDatestamp>1970-01-01T00:00:00Z</earliestDatestamp>")
	assert.Contains(t, body, "<deletedRecord>transient</deletedRecord>")
	assert.Contains(t, body, `xsi:type="vg:Registry"`)
	assert.Contains(t, body, "<managedAuthority>org.example</managedAuthority>")
	assert.Contains(t, body, `standardID="ivo://ivoa.net/std/Registry"`)
}

func TestListMetadataFormats(t *testing.T) {
	f := setup(t)
	body := f.request(t, "verb=ListMetadataFormats")
	assert.Contains(t, body, "<metadataPrefix>oai_dc</metadataPrefix>")
	assert.Contains(t, body, "<metadataPrefix>ivo_vor</metadataPrefix>")

	body = f.request(t, "verb=ListMetadataFormats&identifier=ivo://org.example/ex/q/scs")
	assert.Contains(t, body, "<metadataPrefix>ivo_vor</metadataPrefix>")

	body = f.request(t, "verb=ListMetadataFormats&identifier=ivo://org.example/nothing")
	assert.Contains(t, body, `<error code="idDoesNotExist">`)
}

func TestListSets(t *testing.T) {
	f := setup(t)
	body := f.request(t, "verb=ListSets")
	assert.Contains(t, body, "<setSpec>ivo_managed</setSpec>")
	assert.Contains(t, body, "<setSpec>local</setSpec>")
}

func TestListIdentifiers(t *testing.T) {
	f := setup(t)
	body := f.request(t, "verb=ListIdentifiers&metadataPrefix=ivo_vor")
	assert.Contains(t, body, "<identifier>ivo://org.example/ex/q/scs</identifier>")
	assert.Contains(t, body, "<identifier>ivo://org.example/services/registry</identifier>")
	assert.Contains(t, body, "<identifier>ivo://org.example/services/authority</identifier>")
	assert.NotContains(t, body, "hidden")

	body = f.request(t, "verb=ListIdentifiers&metadataPrefix=ivo_vor&set=local")
	assert.Contains(t, body, "ivo://org.example/ex/q/scs")
	assert.NotContains(t, body, "ivo://org.example/services/registry")

	today := time.Now().UTC().Format("2006-01-02")
	body = f.request(t, "verb=ListIdentifiers&metadataPrefix=ivo_vor&until="+today)
	assert.Contains(t, body, "ivo://org.example/ex/q/scs")

	future := time.Now().UTC().Add(48 * time.Hour).Format("2006-01-02")
	body = f.request(t, "verb=ListIdentifiers&metadataPrefix=ivo_vor&from="+future)
	assert.Contains(t, body, `<error code="noRecordsMatch">`)
}

func TestGetRecord(t *testing.T) {
	f := setup(t)
	body := f.request(t, "verb=GetRecord&metadataPrefix=ivo_vor&identifier=ivo://org.example/ex/q/scs")

	assert.Contains(t, body, `xsi:type="vs:CatalogService"`)
	assert.Contains(t, body, `created="2020-03-04T10:00:00Z"`)
	assert.Contains(t, body, "<title>Test cone search</title>")
	assert.Contains(t, body, "<shortName>test cone search</shortName>")
	assert.Contains(t, body, `standardID="ivo://ivoa.net/std/ConeSearch"`)
	assert.Contains(t, body, "<maxSR>180</maxSR>")
	assert.Contains(t, body, "<ra>45</ra>")
	assert.Contains(t, body, `<accessURL use="base">http://localhost:8080/ex/q/scs/scs.xml</accessURL>`)
	assert.Contains(t, body, "<subject>stars</subject>")
	assert.Contains(t, body, "<name>ex.main</name>")
	assert.Contains(t, body, "<setSpec>ivo_managed</setSpec>")

	body = f.request(t, "verb=GetRecord&metadataPrefix=oai_dc&identifier=ivo://org.example/ex/q/scs")
	assert.Contains(t, body, "<dc:title>Test cone search</dc:title>")
	assert.Contains(t, body, "<dc:description>Finds objects around a position.</dc:description>")
	assert.Contains(t, body, "<dc:subject>stars</dc:subject>")

	body = f.request(t, "verb=GetRecord&metadataPrefix=ivo_vor&identifier=ivo://org.example/services/authority")
	assert.Contains(t, body, `xsi:type="vg:Authority"`)
	assert.Contains(t, body, "<managingOrg>Example DC</managingOrg>")
}

func TestDeletedRecords(t *testing.T) {
	f := setup(t)
	unpublished := strings.Replace(testRD, `<publish render="scs.xml" sets="ivo_managed,local"/>`, "", 1)
	unpublished = strings.Replace(unpublished, `<publish render="form" sets="local"/>`, "", 1)
	r, err := f.env.Loader.Parse("ex/q", []byte(unpublished))
	require.NoError(t, err)
	require.NoError(t, f.b.Publish(r))

	body := f.request(t, "verb=ListRecords&metadataPrefix=ivo_vor&set=ivo_managed")
	assert.Contains(t, body, `<header status="deleted"><identifier>ivo://org.example/ex/q/scs</identifier>`)
	assert.NotContains(t, body, "<title>Test cone search</title>")

	body = f.request(t, "verb=GetRecord&metadataPrefix=ivo_vor&identifier=ivo://org.example/ex/q/scs")
	assert.Contains(t, body, `status="deleted"`)
	assert.NotContains(t, body, "<metadata>")
}

func TestOAIErrors(t *testing.T) {
	f := setup(t)

	cases := []struct {
		query string
		code  string
	}{
		{"", "badVerb"},
		{"verb=Frobnicate", "badVerb"},
		{"verb=ListRecords", "badArgument"},
		{"verb=Identify&set=local", "badArgument"},
		{"verb=Identify&verb=Identify", "badArgument"},
		{"verb=GetRecord&identifier=ivo://org.example/ex/q/scs", "badArgument"},
		{"verb=ListRecords&metadataPrefix=ivo_vor&from=2030-01-01&until=2020-01-01", "badArgument"},
		{"verb=ListRecords&metadataPrefix=ivo_vor&from=yesterday", "badArgument"},
		{"verb=ListRecords&metadataPrefix=marc", "cannotDisseminateFormat"},
		{"verb=ListRecords&resumptionToken=abc", "badResumptionToken"},
		{"verb=ListRecords&resumptionToken=abc&metadataPrefix=ivo_vor", "badArgument"},
		{"verb=GetRecord&metadataPrefix=ivo_vor&identifier=ivo://org.example/none", "idDoesNotExist"},
	}
	for _, c := range cases {
		body := f.request(t, c.query)
		assert.Contains(t, body, `<error code="`+c.code+`">`, c.query)
	}

	body := f.request(t, "verb=Frobnicate")
	assert.Contains(t, body, "<request>http://localhost:8080/oai.xml</request>")

	body = f.request(t, "verb=GetRecord&metadataPrefix=ivo_vor&identifier=ivo://org.example/none")
	assert.Contains(t, body, `verb="GetRecord"`)

	// a valid verb is echoed even when its arguments are bad
	body = f.request(t, "verb=ListRecords")
	assert.Contains(t, body, `<request verb="ListRecords">http://localhost:8080/oai.xml</request>`)
	body = f.request(t, "verb=Identify&set=local")
	assert.Contains(t, body, `<request verb="Identify">`)
	assert.NotContains(t, body, `set="local"`)
	body = f.request(t, "verb=ListRecords&metadataPrefix=ivo_vor&from=yesterday")
	assert.Contains(t, body, `<request verb="ListRecords">`)
	assert.NotContains(t, body, `from="yesterday"`)
}

func TestCapabilitiesAndTables(t *testing.T) {
	f := setup(t)
	svc, err := svcs.LoadService(f.env, "ex/q", "scs")
	require.NoError(t, err)

	doc := f.b.CapabilitiesDocument(svc).String()
	assert.Contains(t, doc, `standardID="ivo://ivoa.net/std/ConeSearch"`)
	assert.Contains(t, doc, `xsi:type="vr:WebBrowser"`)
	assert.Contains(t, doc, `standardID="ivo://ivoa.net/std/VOSI#capabilities"`)
	assert.Contains(t, doc, `<param std="true"><name>RA</name>`)

	tables := ServiceTables(svc)
	require.Len(t, tables, 1)
	doc = TablesDocument(tables).String()
	assert.Contains(t, doc, "<schema><name>ex</name>")
	assert.Contains(t, doc, "<name>ex.main</name>")
	assert.Contains(t, doc, "<flag>primary</flag>")
	assert.Contains(t, doc, "<unit>mag</unit>")

	avail := AvailabilityDocument(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), "").String()
	assert.Contains(t, avail, "<avl:upSince>2024-01-02T03:04:05Z</avl:upSince>")
	assert.NotContains(t, avail, "avl:note")
}

func TestRegistryCoreHandler(t *testing.T) {
	f := setup(t)
	svc, err := svcs.LoadService(f.env, "//services", "registry")
	require.NoError(t, err)
	core, ok := svc.Core.(svcs.HandlerCore)
	require.True(t, ok)

	h, err := core.Handler(svc, "pubreg.xml")
	require.NoError(t, err)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/oai.xml?verb=Identify", nil))
	assert.Contains(t, w.Body.String(), "<Identify>")

	_, err = core.Handler(svc, "form")
	assert.Error(t, err)
}
