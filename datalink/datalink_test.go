package datalink

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"vo_platform/auth"
	"vo_platform/base"
	"vo_platform/config"
	"vo_platform/rd"
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

var (
	fitsData    = []byte("SIMPLE  =                    T / not really FITS")
	previewData = []byte("\x89PNG not really a png")
	secretData  = []byte("SIMPLE  =                    T / embargoed")
)

func strPtr(s string) *string { return &s }

type fixture struct {
	env    *svcs.Env
	router http.Handler
	audit  *bytes.Buffer
}

func setup(t *testing.T) *fixture {
	t.Helper()
	cfg := config.Default()
	cfg.Web.ServerURL = "http://localhost:8080"
	cfg.Ivoa.Authority = "org.example"
	cfg.InputsDir = t.TempDir()

	dataDir := filepath.Join(cfg.InputsDir, "data")
	require.NoError(t, os.MkdirAll(dataDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "a.fits"), fitsData, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "a.png"), previewData, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dataDir, "b.fits"), secretData, 0644))

	loader := rd.NewLoader(cfg.InputsDir, &cfg)
	db, err := schema.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "dl.db"))
	require.NoError(t, err)
	sysTables, err := loader.SystemTables()
	require.NoError(t, err)
	require.NoError(t, db.Migrate(sysTables))

	embargo := time.Date(2100, 1, 1, 0, 0, 0, 0, time.UTC)
	past := time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)
	products := []schema.Product{
		{Accref: "data/a.fits", Mime: "image/fits", Accesspath: "data/a.fits", Sourcetable: "ex.main",
			Preview: strPtr("data/a.png"), Pubdid: strPtr("ivo://example/dataset/1"), Embargo: &past},
		{Accref: "data/b.fits", Mime: "image/fits", Accesspath: "data/b.fits", Sourcetable: "ex.main",
			Owner: strPtr("alice"), Embargo: &embargo},
		{Accref: "data/c.fits", Mime: "image/fits", Accesspath: "http://archive.example.org/c.fits", Sourcetable: "ex.main"},
	}
	require.NoError(t, db.Create(&products).Error)

	audit := &bytes.Buffer{}
	provider, err := auth.NewBasicProvider(db.DB, auth.NewAuditLogger(audit), auth.BasicProviderArgs{AdminUsername: "gavoadmin", AdminPassword: "secret"})
	require.NoError(t, err)
	require.NoError(t, auth.CreateUser(db.DB, "alice", "wonderland", ""))
	require.NoError(t, auth.CreateUser(db.DB, "bob", "builder", ""))

	env := &svcs.Env{
		DB:      db,
		Config:  &cfg,
		Loader:  loader,
		Storage: storage.NewSharedDisk(t.TempDir()),
		Auth:    provider,
		Tokens:  auth.NewJwtManager([]byte("test-secret")),
	}
	m := NewManager(env)
	m.SetLauncher(&uws.InProcessLauncher{Manager: m, Executor: NewExecutor(env)})
	env.Queues = map[string]*uws.Manager{Queue: m}

	r := chi.NewRouter()
	dl, err := svcs.LoadService(env, "//datalink", "dl")
	require.NoError(t, err)
	for _, renderer := range []string{"dlmeta", "dlget", "dlasync"} {
		h, err := dl.Core.(svcs.HandlerCore).Handler(dl, renderer)
		require.NoError(t, err)
		r.Mount("/datalink/dl/"+renderer, h)
	}
	psvc, err := svcs.LoadService(env, "//products", "p")
	require.NoError(t, err)
	ph, err := psvc.Core.(svcs.HandlerCore).Handler(psvc, "get")
	require.NoError(t, err)
	r.Handle("/getproduct/*", ph)

	return &fixture{env: env, router: r, audit: audit}
}

func (f *fixture) get(t *testing.T, path string, user, password string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if user != "" {
		req.SetBasicAuth(user, password)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func linkRows(t *testing.T, body []byte) []map[string]any {
	t.Helper()
	table, err := votable.Read(bytes.NewReader(body))
	require.NoError(t, err, string(body))
	var rows []map[string]any
	for _, row := range table.Rows {
		m := map[string]any{}
		for i, c := range table.Def.Columns {
			m[c.Name] = row[i]
		}
		rows = append(rows, m)
	}
	return rows
}

func bySemantics(rows []map[string]any) map[string]map[string]any {
	res := map[string]map[string]any{}
	for _, r := range rows {
		res[r["semantics"].(string)] = r
	}
	return res
}

func TestLinks(t *testing.T) {
	f := setup(t)

	w := f.get(t, "/datalink/dl/dlmeta?ID="+url.QueryEscape("ivo://example/dataset/1"), "", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, LinksMIME, w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), `utype="adhoc:service"`)
	assert.Contains(t, w.Body.String(), `ref="dlid"`)
	assert.Contains(t, w.Body.String(), "http://localhost:8080/datalink/dl/dlget")

	rows := linkRows(t, w.Body.Bytes())
	require.Len(t, rows, 3)
	links := bySemantics(rows)

	this := links[SemThis]
	require.NotNil(t, this)
	assert.Equal(t, "ivo://example/dataset/1", this["ID"])
	assert.Equal(t, "http://localhost:8080/getproduct/data/a.fits", this["access_url"])
	assert.Equal(t, "image/fits", this["content_type"])
	assert.Equal(t, int64(len(fitsData)), this["content_length"])
	assert.Nil(t, this["error_message"])

	preview := links[SemPreview]
	require.NotNil(t, preview)
	assert.Equal(t, "http://localhost:8080/getproduct/data/a.fits?preview=True", preview["access_url"])
	assert.Equal(t, "image/png", preview["content_type"])

	proc := links[SemProc]
	require.NotNil(t, proc)
	assert.Equal(t, procServiceID, proc["service_def"])
	assert.Nil(t, proc["access_url"])
}

func TestLinksMultipleIDs(t *testing.T) {
	f := setup(t)

	q := url.Values{"ID": {"ivo://example/dataset/1", "ivo://org.example/~?data/c.fits", "ivo://elsewhere/x"}}
	w := f.get(t, "/datalink/dl/dlmeta?"+q.Encode(), "", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	rows := linkRows(t, w.Body.Bytes())

	var ids []string
	var faults []string
	for _, r := range rows {
		ids = append(ids, r["ID"].(string))
		if msg, ok := r["error_message"].(string); ok {
			faults = append(faults, msg)
		}
	}
	assert.Contains(t, ids, "ivo://org.example/~?data/c.fits")
	require.Len(t, faults, 1)
	assert.True(t, strings.HasPrefix(faults[0], "NotFoundFault: "), faults[0])
}

func TestLinksErrors(t *testing.T) {
	f := setup(t)

	w := f.get(t, "/datalink/dl/dlmeta", "", "")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/plain")
	assert.Contains(t, w.Body.String(), "ID")

	w = f.get(t, "/datalink/dl/dlmeta?ID=data/a.fits&RESPONSEFORMAT=nonsense", "", "")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = f.get(t, "/datalink/dl/dlmeta?ID=data/a.fits&RESPONSEFORMAT=csv_header", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.HasPrefix(w.Body.String(), "ID,access_url,service_def"), w.Body.String())
}

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, errors.New("open /var/gavo/inputs/secret.fits: permission denied"))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, utils.InternalErrorMsg+"\n", w.Body.String())

	w = httptest.NewRecorder()
	WriteError(w, base.NewValidationError("ID", "ID is required"))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "ID is required")
}

func TestEmbargoedLinks(t *testing.T) {
	f := setup(t)

	w := f.get(t, "/datalink/dl/dlmeta?ID=data/b.fits", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	rows := linkRows(t, w.Body.Bytes())
	require.Len(t, rows, 1)
	assert.Contains(t, rows[0]["error_message"], "AuthenticationFault: data/b.fits is embargoed until 2100-01-01")

	w = f.get(t, "/datalink/dl/dlmeta?ID=data/b.fits", "bob", "builder")
	rows = linkRows(t, w.Body.Bytes())
	require.Len(t, rows, 1)
	assert.Contains(t, rows[0]["error_message"], "AuthenticationFault")

	w = f.get(t, "/datalink/dl/dlmeta?ID=data/b.fits", "alice", "wonderland")
	rows = linkRows(t, w.Body.Bytes())
	this := bySemantics(rows)[SemThis]
	require.NotNil(t, this)
	accessURL := this["access_url"].(string)
	assert.True(t, strings.HasPrefix(accessURL, "http://localhost:8080/getproduct/data/b.fits?token="), accessURL)

	// the token in the link opens the product for anyone
	u, err := url.Parse(accessURL)
	require.NoError(t, err)
	w = f.get(t, u.RequestURI(), "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, secretData, w.Body.Bytes())

	w = f.get(t, "/datalink/dl/dlmeta?ID=data/b.fits", "alice", "wrong")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestProductDelivery(t *testing.T) {
	f := setup(t)

	w := f.get(t, "/getproduct/data/a.fits", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/fits", w.Header().Get("Content-Type"))
	assert.Equal(t, fitsData, w.Body.Bytes())

	w = f.get(t, "/getproduct/data/a.fits?preview=True", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.Equal(t, previewData, w.Body.Bytes())

	w = f.get(t, "/getproduct/data/c.fits", "", "")
	assert.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "http://archive.example.org/c.fits", w.Header().Get("Location"))

	w = f.get(t, "/getproduct/data/none.fits", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.get(t, "/getproduct/data/b.fits", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, `Basic realm="Data Center"`, w.Header().Get("WWW-Authenticate"))

	w = f.get(t, "/getproduct/data/b.fits", "bob", "builder")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = f.get(t, "/getproduct/data/b.fits?token=garbage", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	for _, creds := range [][2]string{{"alice", "wonderland"}, {"gavoadmin", "secret"}} {
		w = f.get(t, "/getproduct/data/b.fits", creds[0], creds[1])
		require.Equal(t, http.StatusOK, w.Code, creds[0])
		assert.Equal(t, secretData, w.Body.Bytes())
	}
	assert.Contains(t, f.audit.String(), "product data/b.fits")
}

func TestProductTokenScope(t *testing.T) {
	f := setup(t)
	tok, err := f.env.Tokens.CreateProductToken("data/a.fits", time.Hour)
	require.NoError(t, err)

	w := f.get(t, "/getproduct/data/b.fits?token="+tok, "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestDataGet(t *testing.T) {
	f := setup(t)

	w := f.get(t, "/datalink/dl/dlget?ID="+url.QueryEscape("ivo://example/dataset/1"), "", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, fitsData, w.Body.Bytes())
	assert.Equal(t, `inline; filename="a.fits"`, w.Header().Get("Content-Disposition"))

	w = f.get(t, "/datalink/dl/dlget?ID=data/c.fits", "", "")
	assert.Equal(t, http.StatusSeeOther, w.Code)

	w = f.get(t, "/datalink/dl/dlget", "", "")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = f.get(t, "/datalink/dl/dlget?ID=data/a.fits&ID=data/c.fits", "", "")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = f.get(t, "/datalink/dl/dlget?ID=data/nothing", "", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.get(t, "/datalink/dl/dlget?ID=data/b.fits", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w = f.get(t, "/datalink/dl/dlget?ID=data/b.fits", "alice", "wonderland")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, secretData, w.Body.Bytes())
}

func TestAsyncGet(t *testing.T) {
	f := setup(t)

	form := url.Values{"ID": {"data/a.fits"}, "PHASE": {"RUN"}}
	req := httptest.NewRequest(http.MethodPost, "/datalink/dl/dlasync", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusSeeOther, w.Code, w.Body.String())
	loc := w.Header().Get("Location")
	require.True(t, strings.HasPrefix(loc, "http://localhost:8080/datalink/dl/dlasync/"), loc)
	id := loc[strings.LastIndex(loc, "/")+1:]

	require.Eventually(t, func() bool {
		w := f.get(t, "/datalink/dl/dlasync/"+id+"/phase", "", "")
		return strings.TrimSpace(w.Body.String()) == uws.Completed
	}, 5*time.Second, 20*time.Millisecond)

	w = f.get(t, "/datalink/dl/dlasync/"+id+"/results/result", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, fitsData, w.Body.Bytes())

	job, err := f.env.Queues[Queue].Job(id)
	require.NoError(t, err)
	require.Len(t, job.Results, 1)
	assert.Equal(t, "image/fits", job.Results[0].Mime)
}

func TestAsyncEmbargo(t *testing.T) {
	f := setup(t)

	form := url.Values{"ID": {"data/b.fits"}, "PHASE": {"RUN"}}
	req := httptest.NewRequest(http.MethodPost, "/datalink/dl/dlasync", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusSeeOther, w.Code, w.Body.String())
	id := w.Header().Get("Location")[strings.LastIndex(w.Header().Get("Location"), "/")+1:]

	require.Eventually(t, func() bool {
		w := f.get(t, "/datalink/dl/dlasync/"+id+"/phase", "", "")
		return strings.TrimSpace(w.Body.String()) == uws.Error
	}, 5*time.Second, 20*time.Millisecond)

	w = f.get(t, "/datalink/dl/dlasync/"+id+"/error", "", "")
	assert.Contains(t, w.Body.String(), "embargoed")
}

func TestAsyncValidation(t *testing.T) {
	f := setup(t)
	req := httptest.NewRequest(http.MethodPost, "/datalink/dl/dlasync", strings.NewReader("PHASE=RUN"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestLinksTableNulls(t *testing.T) {
	table, err := LinksTable([]Link{
		{ID: "x", AccessURL: "http://a", Semantics: SemThis, ContentLength: 10},
		ErrorLink("y", assert.AnError),
	})
	require.NoError(t, err)
	require.Equal(t, 2, table.Len())
	assert.Equal(t, int64(10), table.Rows[0][7])
	assert.Nil(t, table.Rows[1][1])
	assert.Nil(t, table.Rows[1][7])
	assert.Equal(t, "Error: "+assert.AnError.Error(), table.Rows[1][3])

	var buf bytes.Buffer
	require.NoError(t, votable.Write(&buf, table, votable.Options{Encoding: votable.TableData}))
	back, err := votable.Read(&buf)
	require.NoError(t, err)
	assert.Nil(t, back.Rows[1][7])
	assert.Equal(t, "meta.id;meta.main", back.Def.Columns[0].UCD)
}
