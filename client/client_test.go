package client

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const jobDoc = `<?xml version="1.0" encoding="utf-8"?>
<uws:job xmlns:uws="http://www.ivoa.net/xml/UWS/v1.0" xmlns:xlink="http://www.w3.org/1999/xlink" version="1.1">
<uws:jobId>abc123</uws:jobId>
<uws:runId>test</uws:runId>
<uws:phase>COMPLETED</uws:phase>
<uws:executionDuration>60</uws:executionDuration>
<uws:parameters><uws:parameter id="lang">ADQL</uws:parameter><uws:parameter id="query">SELECT 1</uws:parameter></uws:parameters>
<uws:results><uws:result id="result" xlink:type="simple" xlink:href="http://example.org/tap/async/abc123/results/result"/></uws:results>
</uws:job>`

const scsError = `<?xml version="1.0" encoding="utf-8"?>
<VOTABLE version="1.4"><INFO ID="Error" name="Error" value="Field DEC: out of range"/></VOTABLE>`

const dalError = `<?xml version="1.0" encoding="utf-8"?>
<VOTABLE version="1.4"><RESOURCE type="results"><INFO name="QUERY_STATUS" value="ERROR">Missing query</INFO></RESOURCE></VOTABLE>`

func testServer(t *testing.T) *httptest.Server {
	t.Helper()
	r := chi.NewRouter()
	r.Post("/tap/async", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "doQuery", r.PostForm.Get("REQUEST"))
		assert.Equal(t, "SELECT 1", r.PostForm.Get("QUERY"))
		http.Redirect(w, r, "http://example.org/tap/async/abc123", http.StatusSeeOther)
	})
	r.Get("/tap/async/abc123", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/xml")
		_, _ = io.WriteString(w, jobDoc)
	})
	r.Get("/tap/async/abc123/phase", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "COMPLETED\n")
	})
	r.Get("/cone/scs.xml", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, scsError)
	})
	r.Post("/tap/sync", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, dalError)
	})
	r.Get("/private", func(w http.ResponseWriter, r *http.Request) {
		user, password, ok := r.BasicAuth()
		if !ok || user != "alice" || password != "wonderland" {
			http.Error(w, "no", http.StatusUnauthorized)
			return
		}
		_, _ = io.WriteString(w, "welcome")
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func TestJobLifecycle(t *testing.T) {
	srv := testServer(t)
	c := NewTAP(srv.URL)

	id, err := c.CreateJob("SELECT 1", nil)
	require.NoError(t, err)
	assert.Equal(t, "abc123", id)

	job, err := c.Job(id)
	require.NoError(t, err)
	assert.Equal(t, "abc123", job.JobID)
	assert.Equal(t, "test", job.RunID)
	assert.Equal(t, "COMPLETED", job.Phase)
	assert.Equal(t, 60, job.ExecDuration)
	assert.Equal(t, "ADQL", job.Param("LANG"))
	require.Len(t, job.Results, 1)
	assert.Equal(t, "http://example.org/tap/async/abc123/results/result", job.Results[0].Href)
	assert.True(t, job.Final())

	job, err = c.AwaitJob(id, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "COMPLETED", job.Phase)

	phase, err := c.Phase(id)
	require.NoError(t, err)
	assert.Equal(t, "COMPLETED", phase)
}

func TestServiceErrors(t *testing.T) {
	srv := testServer(t)

	_, err := NewDAL(srv.URL).Cone("/cone/scs.xml", 10, 100, 1)
	var serr *ServiceError
	require.True(t, errors.As(err, &serr), err)
	assert.Equal(t, "Field DEC: out of range", serr.Msg)

	_, err = NewTAP(srv.URL).Query("", nil)
	var status *StatusError
	require.True(t, errors.As(err, &status), err)
	assert.Equal(t, http.StatusBadRequest, status.Status)
	assert.Contains(t, status.Content, "Missing query")

	assert.Equal(t, "Missing query", errorMessage([]byte(dalError)))
	assert.Empty(t, errorMessage([]byte("not xml")))
}

func TestLogin(t *testing.T) {
	srv := testServer(t)
	c := NewDAL(srv.URL)

	_, err := c.Get("/private").Bytes()
	var status *StatusError
	require.True(t, errors.As(err, &status))
	assert.Equal(t, http.StatusUnauthorized, status.Status)

	c.UseLogin("alice", "wonderland")
	data, err := c.Get("/private").Bytes()
	require.NoError(t, err)
	assert.Equal(t, "welcome", string(data))
}
