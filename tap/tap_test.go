package tap

import (
	"bytes"
	"context"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"vo_platform/base"
	"vo_platform/config"
	"vo_platform/rd"
	"vo_platform/rsc"
	"vo_platform/schema"
	"vo_platform/storage"
	"vo_platform/svcs"
	"vo_platform/utils"
	"vo_platform/uws"
	"vo_platform/votable"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRD = `<resource schema="ex">
	<meta name="description">Test objects for ADQL queries</meta>
	<table id="main" onDisk="True" adql="True" primary="id">
		<meta name="description">Objects with positions</meta>
		<column name="id" type="integer" ucd="meta.id;meta.main" verbLevel="1"/>
		<column name="ra" type="double precision" unit="deg" ucd="pos.eq.ra;meta.main" verbLevel="1"/>
		<column name="dec" type="double precision" unit="deg" ucd="pos.eq.dec;meta.main" verbLevel="1"/>
		<column name="name" type="text" verbLevel="15"/>
	</table>
	<table id="private" onDisk="True">
		<column name="secret" type="text"/>
	</table>
</resource>`

func setupEnv(t *testing.T) *svcs.Env {
	t.Helper()
	cfg := config.Default()
	cfg.Web.ServerURL = "http://localhost:8080"
	cfg.Async.MaxTAPRunning = 1

	inputs := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(inputs, "ex"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(inputs, "ex", "q.rd"), []byte(testRD), 0644))
	loader := rd.NewLoader(inputs, &cfg)

	db, err := schema.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "tap.db"))
	require.NoError(t, err)
	sysTables, err := loader.SystemTables()
	require.NoError(t, err)
	require.NoError(t, db.Migrate(sysTables))

	r, err := loader.Load("ex/q")
	require.NoError(t, err)
	main, err := r.Table("main")
	require.NoError(t, err)
	require.NoError(t, db.CreateTable(main))
	require.NoError(t, db.InsertRows(db.DB, db.Dialect.TableName(main.QName()), main.Columns, [][]any{
		{int64(1), 45.0, 0.0001, "alpha"},
		{int64(2), 46.0, 0.5, "beta"},
		{int64(3), 180.0, -30.0, "gamma"},
	}))

	env := &svcs.Env{DB: db, Config: &cfg, Loader: loader, Storage: storage.NewSharedDisk(t.TempDir())}
	m := NewManager(env)
	m.SetLauncher(&uws.InProcessLauncher{Manager: m, Executor: NewExecutor(env)})
	env.Queues = map[string]*uws.Manager{Queue: m}

	tapRD, err := loader.Load("//tap")
	require.NoError(t, err)
	require.NoError(t, PublishTables(env, tapRD))
	require.NoError(t, PublishTables(env, r))
	return env
}

func setupRouter(t *testing.T, env *svcs.Env) http.Handler {
	t.Helper()
	svc, err := svcs.LoadService(env, "//tap", "run")
	require.NoError(t, err)
	core, ok := svc.Core.(svcs.HandlerCore)
	require.True(t, ok)
	h, err := core.Handler(svc, "tap")
	require.NoError(t, err)

	r := chi.NewRouter()
	r.Mount("/tap", h)
	return r
}

func post(t *testing.T, h http.Handler, path string, form url.Values) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func readTable(t *testing.T, body []byte) *rsc.Table {
	t.Helper()
	table, err := votable.Read(bytes.NewReader(body))
	require.NoError(t, err, string(body))
	return table
}

func query(q string) url.Values {
	return url.Values{"REQUEST": {"doQuery"}, "LANG": {"ADQL"}, "QUERY": {q}}
}

func TestSyncQuery(t *testing.T) {
	h := setupRouter(t, setupEnv(t))

	form := query("SELECT TOP 1 * FROM ex.main ORDER BY id")
	form.Set("FORMAT", "votable")
	w := post(t, h, "/tap/sync", form)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Header().Get("Content-Type"), "votable")

	table := readTable(t, w.Body.Bytes())
	require.Equal(t, 1, table.Len())
	assert.Equal(t, int64(1), table.Rows[0][0])
	require.Len(t, table.Def.Columns, 4)
	assert.Equal(t, "meta.id;meta.main", table.Def.Columns[0].UCD)
	assert.Equal(t, "deg", table.Def.Columns[1].Unit)
}

func TestSyncOverflow(t *testing.T) {
	h := setupRouter(t, setupEnv(t))

	form := query("SELECT id FROM ex.main")
	form.Set("MAXREC", "2")
	w := post(t, h, "/tap/sync", form)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `name="QUERY_STATUS" value="OVERFLOW"`)
	assert.Equal(t, 2, readTable(t, w.Body.Bytes()).Len())
}

func TestMetadataOnly(t *testing.T) {
	h := setupRouter(t, setupEnv(t))

	form := query("SELECT id, name FROM ex.main")
	form.Set("MAXREC", "0")
	w := post(t, h, "/tap/sync", form)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	table := readTable(t, w.Body.Bytes())
	assert.Equal(t, 0, table.Len())
	assert.Len(t, table.Def.Columns, 2)
}

func TestSyncErrors(t *testing.T) {
	h := setupRouter(t, setupEnv(t))

	form := query("SELECT * FROM ex.main")
	form.Set("LANG", "PQL")
	w := post(t, h, "/tap/sync", form)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), `value="ERROR"`)
	assert.Contains(t, w.Body.String(), "ADQL")

	w = post(t, h, "/tap/sync", query("SELEKT 1"))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = post(t, h, "/tap/sync", url.Values{"REQUEST": {"doQuery"}, "LANG": {"ADQL"}})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "Missing query")

	// tables without ADQL access are invisible
	w = post(t, h, "/tap/sync", query("SELECT * FROM ex.private"))
	assert.Equal(t, http.StatusNotFound, w.Code)

	form = query("SELECT * FROM ex.main")
	form.Set("FORMAT", "application/x-nonsense")
	w = post(t, h, "/tap/sync", form)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, errors.New("connection to postgres://tap:secret@db failed"))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), `value="ERROR"`)
	assert.Contains(t, w.Body.String(), utils.InternalErrorMsg)
	assert.NotContains(t, w.Body.String(), "secret")

	w = httptest.NewRecorder()
	WriteError(w, base.NewValidationError("MAXREC", "MAXREC must be a non-negative integer"))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "MAXREC must be")
}

func TestTAPSchema(t *testing.T) {
	env := setupEnv(t)
	h := setupRouter(t, env)

	w := post(t, h, "/tap/sync", query("SELECT table_name FROM tap_schema.tables WHERE sourcerd = 'ex/q'"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	table := readTable(t, w.Body.Bytes())
	require.Equal(t, 1, table.Len())
	assert.Equal(t, "ex.main", table.Rows[0][0])

	w = post(t, h, "/tap/sync", query(
		"SELECT column_name, datatype, principal FROM tap_schema.columns WHERE table_name = 'ex.main' ORDER BY column_index"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	table = readTable(t, w.Body.Bytes())
	require.Equal(t, 4, table.Len())
	assert.Equal(t, "id", table.Rows[0][0])
	assert.Equal(t, "INTEGER", table.Rows[0][1])
	assert.Equal(t, "DOUBLE", table.Rows[1][1])
	assert.Equal(t, int64(0), table.Rows[3][2])

	// republishing replaces the entries of the RD
	r, err := env.Loader.Load("ex/q")
	require.NoError(t, err)
	require.NoError(t, PublishTables(env, r))
	w = post(t, h, "/tap/sync", query("SELECT COUNT(*) AS n FROM tap_schema.columns WHERE sourcerd = 'ex/q'"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, int64(4), readTable(t, w.Body.Bytes()).Rows[0][0])

	meta, err := schema.ListTableMeta(env.DB.DB, false)
	require.NoError(t, err)
	var names []string
	for _, m := range meta {
		if m.SourceRD == "ex/q" {
			names = append(names, m.TableName)
		}
	}
	assert.Equal(t, []string{"ex.main", "ex.private"}, names)

	require.NoError(t, UnpublishTables(env, "ex/q"))
	w = post(t, h, "/tap/sync", query("SELECT * FROM ex.main"))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func uploadVOTable(t *testing.T) []byte {
	t.Helper()
	table := rsc.New(rsc.NewTableDef("objects", []*rd.Column{
		{Name: "oid", Type: "integer"},
		{Name: "label", Type: "text"},
	}))
	require.NoError(t, table.AddRow([]any{int64(1), "one"}))
	require.NoError(t, table.AddRow([]any{int64(3), "three"}))
	var buf bytes.Buffer
	require.NoError(t, votable.Write(&buf, table, votable.Options{Encoding: votable.TableData}))
	return buf.Bytes()
}

func multipartRequest(t *testing.T, path string, form url.Values, files map[string][]byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, vs := range form {
		for _, v := range vs {
			require.NoError(t, mw.WriteField(k, v))
		}
	}
	for name, data := range files {
		fw, err := mw.CreateFormFile(name, name+".vot")
		require.NoError(t, err)
		_, err = fw.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func uploadTableCount(t *testing.T, env *svcs.Env) int64 {
	var n int64
	require.NoError(t, env.DB.Raw("SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name LIKE 'tap_upload_%'").Scan(&n).Error)
	return n
}

func TestUpload(t *testing.T) {
	env := setupEnv(t)
	h := setupRouter(t, env)

	form := query("SELECT m.name, u.label FROM ex.main AS m JOIN TAP_UPLOAD.objects AS u ON m.id = u.oid ORDER BY m.id")
	form.Set("UPLOAD", "objects,param:objfile")
	req := multipartRequest(t, "/tap/sync", form, map[string][]byte{"objfile": uploadVOTable(t)})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	table := readTable(t, w.Body.Bytes())
	require.Equal(t, 2, table.Len())
	assert.Equal(t, []any{"alpha", "one"}, table.Rows[0])
	assert.Equal(t, []any{"gamma", "three"}, table.Rows[1])
	assert.Equal(t, int64(0), uploadTableCount(t, env))
}

func TestUploadFromURL(t *testing.T) {
	env := setupEnv(t)
	h := setupRouter(t, env)

	data := uploadVOTable(t)
	remote := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(data)
	}))
	defer remote.Close()

	form := query("SELECT COUNT(*) AS n FROM TAP_UPLOAD.remote")
	form.Set("UPLOAD", "remote,"+remote.URL+"/objects.vot")
	w := post(t, h, "/tap/sync", form)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, int64(2), readTable(t, w.Body.Bytes()).Rows[0][0])

	env.Config.Web.MaxUploadSize = 10
	w = post(t, h, "/tap/sync", form)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	form.Set("UPLOAD", "remote,ftp://example.org/objects.vot")
	env.Config.Web.MaxUploadSize = 1 << 20
	w = post(t, h, "/tap/sync", form)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "not supported")
}

func TestParseUploads(t *testing.T) {
	specs, err := parseUploads([]string{"a,param:x;b,http://example.org/b.vot", "c , param:y"})
	require.NoError(t, err)
	assert.Equal(t, []uploadSpec{
		{name: "a", uri: "param:x"},
		{name: "b", uri: "http://example.org/b.vot"},
		{name: "c", uri: "param:y"},
	}, specs)

	for _, bad := range []string{"nouri", "1a,param:x", "a,param:x;A,param:y", "a,"} {
		_, err := parseUploads([]string{bad})
		assert.Error(t, err, bad)
	}
}

func jobIDFrom(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	require.Equal(t, http.StatusSeeOther, w.Code, w.Body.String())
	loc := w.Header().Get("Location")
	require.True(t, strings.HasPrefix(loc, "http://localhost:8080/tap/async/"), loc)
	return loc[strings.LastIndex(loc, "/")+1:]
}

func waitForPhase(t *testing.T, h http.Handler, id, phase string) {
	t.Helper()
	require.Eventually(t, func() bool {
		w := get(t, h, "/tap/async/"+id+"/phase")
		return strings.TrimSpace(w.Body.String()) == phase
	}, 5*time.Second, 20*time.Millisecond, "job never reached %s", phase)
}

func TestAsyncQuery(t *testing.T) {
	env := setupEnv(t)
	h := setupRouter(t, env)

	id := jobIDFrom(t, post(t, h, "/tap/async", query("SELECT id, name FROM ex.main WHERE id > 1 ORDER BY id")))
	w := get(t, h, "/tap/async/"+id)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "<uws:phase>PENDING</uws:phase>")

	w = post(t, h, "/tap/async/"+id+"/phase", url.Values{"PHASE": {"RUN"}})
	require.Equal(t, http.StatusSeeOther, w.Code, w.Body.String())
	waitForPhase(t, h, id, uws.Completed)

	w = get(t, h, "/tap/async/"+id)
	assert.Contains(t, w.Body.String(), `xlink:href="http://localhost:8080/tap/async/`+id+`/results/result"`)

	w = get(t, h, "/tap/async/"+id+"/results/result")
	require.Equal(t, http.StatusOK, w.Code)
	table := readTable(t, w.Body.Bytes())
	require.Equal(t, 2, table.Len())
	assert.Equal(t, "beta", table.Rows[0][1])
}

func TestAsyncFailure(t *testing.T) {
	h := setupRouter(t, setupEnv(t))

	form := query("SELECT * FROM ex.nonexisting")
	form.Set("PHASE", "RUN")
	id := jobIDFrom(t, post(t, h, "/tap/async", form))
	waitForPhase(t, h, id, uws.Error)

	w := get(t, h, "/tap/async/"+id+"/error")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "nonexisting")
}

func TestAsyncValidation(t *testing.T) {
	h := setupRouter(t, setupEnv(t))

	form := query("SELECT * FROM ex.main")
	form.Set("LANG", "SQL")
	w := post(t, h, "/tap/async", form)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAsyncMetadataOnly(t *testing.T) {
	env := setupEnv(t)
	h := setupRouter(t, env)

	form := query("SELECT id FROM ex.main")
	form.Set("MAXREC", "0")
	form.Set("PHASE", "RUN")
	id := jobIDFrom(t, post(t, h, "/tap/async", form))

	// completed right away, the queue never saw the job
	job, err := env.Queues[Queue].Job(id)
	require.NoError(t, err)
	assert.Equal(t, uws.Completed, job.Phase)
	assert.Equal(t, 0, job.Pid)

	w := get(t, h, "/tap/async/"+id+"/results/result")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, readTable(t, w.Body.Bytes()).Len())
}

func TestAsyncUpload(t *testing.T) {
	h := setupRouter(t, setupEnv(t))

	form := query("SELECT label FROM TAP_UPLOAD.objects ORDER BY oid")
	form.Set("UPLOAD", "objects,param:objfile")
	form.Set("PHASE", "RUN")
	req := multipartRequest(t, "/tap/async", form, map[string][]byte{"objfile": uploadVOTable(t)})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	id := jobIDFrom(t, w)
	waitForPhase(t, h, id, uws.Completed)

	w = get(t, h, "/tap/async/"+id+"/results/result")
	table := readTable(t, w.Body.Bytes())
	require.Equal(t, 2, table.Len())
	assert.Equal(t, "one", table.Rows[0][0])
}

func TestMetadataEndpoints(t *testing.T) {
	h := setupRouter(t, setupEnv(t))

	w := get(t, h, "/tap/tables")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "<name>ex.main</name>")
	assert.Contains(t, body, "<name>tap_schema.columns</name>")
	assert.NotContains(t, body, "ex.private")

	w = get(t, h, "/tap/tables/ex.main")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "<ucd>pos.eq.ra;meta.main</ucd>")
	assert.Equal(t, http.StatusNotFound, get(t, h, "/tap/tables/ex.nothere").Code)

	w = get(t, h, "/tap/capabilities")
	require.Equal(t, http.StatusOK, w.Code)
	body = w.Body.String()
	assert.Contains(t, body, `standardID="ivo://ivoa.net/std/TAP"`)
	assert.Contains(t, body, `<accessURL use="base">http://localhost:8080/tap</accessURL>`)
	assert.Contains(t, body, "<mime>application/x-votable+xml</mime>")
	assert.Contains(t, body, `standardID="ivo://ivoa.net/std/VOSI#availability"`)

	w = get(t, h, "/tap/availability")
	assert.Contains(t, w.Body.String(), "<avl:available>true</avl:available>")

	w = get(t, h, "/tap/examples")
	require.Equal(t, http.StatusOK, w.Code)
	body = w.Body.String()
	assert.Contains(t, body, `property="query"`)
	assert.Contains(t, body, "ivoa.obscore")
}

func TestRunnerDirect(t *testing.T) {
	env := setupEnv(t)
	p := svcs.NewParams(query("SELECT name FROM ex.main WHERE 1 = CONTAINS(POINT('ICRS', ra, dec), CIRCLE('ICRS', 45, 0, 1))"))
	qm, err := svcs.NewQueryMeta(p, "tap", svcs.StyleTAP, svcs.LimitsFor(env.Config, svcs.StyleTAP))
	require.NoError(t, err)

	res, err := NewRunner(env).Run(context.Background(), p, qm)
	require.NoError(t, err)
	require.Equal(t, 1, res.Len())
	assert.Equal(t, "alpha", res.Rows[0][0])

	var queryInfo string
	for _, info := range res.Infos {
		if info.Name == "QUERY" {
			queryInfo = info.Value
		}
	}
	assert.Contains(t, queryInfo, "CONTAINS")
}
