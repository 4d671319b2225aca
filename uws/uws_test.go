package uws

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"vo_platform/base"
	"vo_platform/config"
	"vo_platform/schema"
	"vo_platform/storage"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeResult(ctx context.Context, job *schema.Job, wd string) ([]schema.JobResult, error) {
	content := "result of " + Params(job)["query"]
	if err := os.WriteFile(filepath.Join(wd, "result"), []byte(content), 0600); err != nil {
		return nil, err
	}
	return []schema.JobResult{{Name: "result", Mime: "text/plain"}}, nil
}

func setupManager(t *testing.T, exec Executor, hooks Hooks) *Manager {
	db, err := schema.Open("sqlite", "file:"+filepath.Join(t.TempDir(), "uws.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate(nil))

	cfg := config.Default()
	cfg.Async.MaxTAPRunning = 1
	m := NewManager(db, "tap_jobs", storage.NewSharedDisk(t.TempDir()), &cfg, hooks)
	m.SetLauncher(&InProcessLauncher{Manager: m, Executor: exec})
	return m
}

func waitForPhase(t *testing.T, m *Manager, id, phase string) schema.Job {
	var job schema.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = m.Job(id)
		require.NoError(t, err)
		return job.Phase == phase
	}, 5*time.Second, 20*time.Millisecond, "job %s never reached %s", id, phase)
	return job
}

func TestLifecycle(t *testing.T) {
	m := setupManager(t, ExecutorFunc(writeResult), Hooks{})

	job, err := m.CreateJob(nil, "alice", map[string]string{"QUERY": "SELECT 1", "RUNID": "r1"})
	require.NoError(t, err)
	assert.Equal(t, Pending, job.Phase)
	assert.Equal(t, "r1", job.RunID)
	assert.Equal(t, "alice", job.Owner)
	assert.Equal(t, 3600, job.ExecutionDuration)
	assert.Equal(t, map[string]string{"query": "SELECT 1"}, Params(&job))
	assert.True(t, job.DestructionTime.After(job.CreationTime))

	_, err = m.Start(context.Background(), job.JobID)
	require.NoError(t, err)

	job = waitForPhase(t, m, job.JobID, Completed)
	require.NotNil(t, job.StartTime)
	require.NotNil(t, job.EndTime)
	require.Len(t, job.Results, 1)

	rc, res, err := m.OpenResult(&job, "result")
	require.NoError(t, err)
	defer rc.Close()
	content, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "result of SELECT 1", string(content))
	assert.Equal(t, "text/plain", res.Mime)

	_, _, err = m.OpenResult(&job, "nonexisting")
	require.Error(t, err)

	quote, err := m.Quote(&job)
	require.NoError(t, err)
	assert.Equal(t, *job.EndTime, quote)

	// running a finished job is refused
	_, err = m.Start(context.Background(), job.JobID)
	require.ErrorIs(t, err, ErrIllegalTransition)
}

func TestQueueLimit(t *testing.T) {
	release := make(chan struct{})
	m := setupManager(t, ExecutorFunc(func(ctx context.Context, job *schema.Job, wd string) ([]schema.JobResult, error) {
		<-release
		return nil, nil
	}), Hooks{})

	first, err := m.CreateJob(nil, "", map[string]string{"query": "a"})
	require.NoError(t, err)
	second, err := m.CreateJob(nil, "", map[string]string{"query": "b"})
	require.NoError(t, err)
	third, err := m.CreateJob(nil, "", map[string]string{"query": "c"})
	require.NoError(t, err)

	_, err = m.Start(context.Background(), first.JobID)
	require.NoError(t, err)
	waitForPhase(t, m, first.JobID, Executing)

	_, err = m.Start(context.Background(), second.JobID)
	require.NoError(t, err)
	_, err = m.Start(context.Background(), third.JobID)
	require.NoError(t, err)
	m.ProcessQueue()

	queued, err := m.Job(second.JobID)
	require.NoError(t, err)
	assert.Equal(t, Queued, queued.Phase)

	// nothing is queued before the second job, one job before the third
	quote, err := m.Quote(&queued)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), quote, 5*time.Second)

	queued, err = m.Job(third.JobID)
	require.NoError(t, err)
	quote, err = m.Quote(&queued)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(600*time.Second), quote, 5*time.Second)

	close(release)
	waitForPhase(t, m, first.JobID, Completed)
	waitForPhase(t, m, second.JobID, Completed)
	waitForPhase(t, m, third.JobID, Completed)
}

func TestAbort(t *testing.T) {
	m := setupManager(t, ExecutorFunc(func(ctx context.Context, job *schema.Job, wd string) ([]schema.JobResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}), Hooks{})

	pending, err := m.CreateJob(nil, "", nil)
	require.NoError(t, err)
	aborted, err := m.Abort(pending.JobID)
	require.NoError(t, err)
	assert.Equal(t, Aborted, aborted.Phase)

	running, err := m.CreateJob(nil, "", nil)
	require.NoError(t, err)
	_, err = m.Start(context.Background(), running.JobID)
	require.NoError(t, err)
	waitForPhase(t, m, running.JobID, Executing)

	aborted, err = m.Abort(running.JobID)
	require.NoError(t, err)
	assert.Equal(t, Aborted, aborted.Phase)
	require.NotNil(t, aborted.EndTime)

	// repeated aborts are harmless
	aborted, err = m.Abort(running.JobID)
	require.NoError(t, err)
	assert.Equal(t, Aborted, aborted.Phase)

	// the cancelled executor must not overwrite the phase
	time.Sleep(100 * time.Millisecond)
	job, err := m.Job(running.JobID)
	require.NoError(t, err)
	assert.Equal(t, Aborted, job.Phase)
}

func TestExecutionDuration(t *testing.T) {
	m := setupManager(t, ExecutorFunc(func(ctx context.Context, job *schema.Job, wd string) ([]schema.JobResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}), Hooks{})

	job, err := m.CreateJob(nil, "", map[string]string{"EXECUTIONDURATION": "1"})
	require.NoError(t, err)
	assert.Equal(t, 1, job.ExecutionDuration)

	_, err = m.Start(context.Background(), job.JobID)
	require.NoError(t, err)
	job = waitForPhase(t, m, job.JobID, Error)
	assert.Contains(t, job.Error, "execution duration of 1 seconds")

	_, err = m.CreateJob(nil, "", map[string]string{"EXECUTIONDURATION": "forever"})
	require.Error(t, err)
}

func TestJobUpdates(t *testing.T) {
	m := setupManager(t, ExecutorFunc(writeResult), Hooks{
		Check: func(params map[string]string) error {
			if params["lang"] != "" && params["lang"] != "ADQL" {
				return &validationFailure{"unsupported language"}
			}
			return nil
		},
	})

	job, err := m.CreateJob(nil, "", map[string]string{"query": "SELECT 1"})
	require.NoError(t, err)

	job, err = m.SetParameters(job.JobID, map[string]string{"LANG": "ADQL"})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"query": "SELECT 1", "lang": "ADQL"}, Params(&job))

	_, err = m.SetParameters(job.JobID, map[string]string{"LANG": "PQL"})
	require.Error(t, err)

	_, err = m.SetDestruction(job.JobID, job.DestructionTime.Add(-time.Hour))
	require.Error(t, err)
	later := job.DestructionTime.Add(time.Hour)
	job, err = m.SetDestruction(job.JobID, later)
	require.NoError(t, err)
	assert.True(t, job.DestructionTime.Equal(later))

	job, err = m.SetExecutionDuration(job.JobID, 20)
	require.NoError(t, err)
	assert.Equal(t, 20, job.ExecutionDuration)

	_, err = m.Start(context.Background(), job.JobID)
	require.NoError(t, err)
	waitForPhase(t, m, job.JobID, Completed)

	_, err = m.SetParameters(job.JobID, map[string]string{"query": "SELECT 2"})
	require.ErrorIs(t, err, ErrJobNotPending)
	_, err = m.SetExecutionDuration(job.JobID, 10)
	require.ErrorIs(t, err, ErrJobNotPending)
}

func TestDestructionOnlyExtends(t *testing.T) {
	m := setupManager(t, ExecutorFunc(writeResult), Hooks{})

	_, err := m.CreateJob(nil, "", map[string]string{"query": "SELECT 1", "DESTRUCTION": "2000-01-01T00:00:00Z"})
	var verr *base.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "DESTRUCTION", verr.Field)

	job, err := m.CreateJob(nil, "", map[string]string{"query": "SELECT 1"})
	require.NoError(t, err)
	original := job.DestructionTime

	earlier := formatTime(original.Add(-time.Hour))
	_, err = m.SetParameters(job.JobID, map[string]string{"DESTRUCTION": earlier})
	require.ErrorAs(t, err, &verr)
	job, err = m.Job(job.JobID)
	require.NoError(t, err)
	assert.True(t, job.DestructionTime.Equal(original))

	later := original.Add(24 * time.Hour).Truncate(time.Second)
	job, err = m.SetParameters(job.JobID, map[string]string{"DESTRUCTION": formatTime(later)})
	require.NoError(t, err)
	assert.True(t, job.DestructionTime.Equal(later))
	assert.NotContains(t, Params(&job), "destruction")
}

func TestCanTransition(t *testing.T) {
	legal := map[[2]string]bool{
		{Pending, Queued}:      true,
		{Pending, Aborted}:     true,
		{Queued, Executing}:    true,
		{Queued, Aborted}:      true,
		{Queued, Error}:        true,
		{Executing, Completed}: true,
		{Executing, Aborted}:   true,
		{Executing, Error}:     true,
		{Completed, Archived}:  true,
		{Aborted, Archived}:    true,
		{Error, Archived}:      true,
	}
	for _, from := range phases {
		for _, to := range phases {
			t.Run(from+"->"+to, func(t *testing.T) {
				assert.Equal(t, legal[[2]string{from, to}], CanTransition(from, to))
			})
		}
	}
	assert.False(t, CanTransition("RUNNING", Queued))
}

func TestDrainLeavesNoPendingCheck(t *testing.T) {
	m := &Manager{}
	var passes atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.drain(func() { passes.Add(1) })
		}()
	}
	wg.Wait()
	assert.False(t, m.dirty.Load())
	assert.Positive(t, passes.Load())
}

func TestWriteTextError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteTextError(w, nil, errors.New("pq: password authentication failed for user gavo"))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "gavo")

	w = httptest.NewRecorder()
	WriteTextError(w, nil, ErrJobNotPending)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), ErrJobNotPending.Error())
}

type validationFailure struct{ msg string }

func (e *validationFailure) Error() string { return e.msg }

func TestInlineExecution(t *testing.T) {
	m := setupManager(t, ExecutorFunc(writeResult), Hooks{
		Inline: func(ctx context.Context, job *schema.Job, wd string) ([]schema.JobResult, bool, error) {
			if Params(job)["maxrec"] != "0" {
				return nil, false, nil
			}
			return []schema.JobResult{{Name: "result", Mime: "text/xml"}}, true, nil
		},
	})

	job, err := m.CreateJob(nil, "", map[string]string{"MAXREC": "0"})
	require.NoError(t, err)
	job, err = m.Start(context.Background(), job.JobID)
	require.NoError(t, err)
	assert.Equal(t, Completed, job.Phase)
	assert.Equal(t, "text/xml", job.Results[0].Mime)

	job, err = m.CreateJob(nil, "", map[string]string{"MAXREC": "10"})
	require.NoError(t, err)
	_, err = m.Start(context.Background(), job.JobID)
	require.NoError(t, err)
	waitForPhase(t, m, job.JobID, Completed)
}

func TestCleanUp(t *testing.T) {
	m := setupManager(t, ExecutorFunc(writeResult), Hooks{})

	job, err := m.CreateJob(nil, "", map[string]string{"query": "x"})
	require.NoError(t, err)
	_, err = m.Start(context.Background(), job.JobID)
	require.NoError(t, err)
	waitForPhase(t, m, job.JobID, Completed)

	expire := func(id string) {
		_, err := m.Store().Update(id, func(job *schema.Job) error {
			job.DestructionTime = time.Now().UTC().Add(-time.Minute)
			return nil
		})
		require.NoError(t, err)
	}

	pending, err := m.CreateJob(nil, "", nil)
	require.NoError(t, err)
	expire(pending.JobID)
	expire(job.JobID)

	m.CleanUp()

	archived, err := m.Job(job.JobID)
	require.NoError(t, err)
	assert.Equal(t, Archived, archived.Phase)
	assert.Empty(t, archived.Results)
	assert.True(t, archived.DestructionTime.After(time.Now()))
	exists, err := m.storage.Exists(m.jobPath(job.JobID))
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = m.Job(pending.JobID)
	require.ErrorIs(t, err, ErrJobNotFound)

	// archived jobs are not listed by default
	jobs, err := m.Jobs(ListFilter{})
	require.NoError(t, err)
	assert.Empty(t, jobs)
	jobs, err = m.Jobs(ListFilter{Phases: []string{Archived}})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	expire(job.JobID)
	m.CleanUp()
	_, err = m.Job(job.JobID)
	require.ErrorIs(t, err, ErrJobNotFound)
}

func TestDeadWorkerSweep(t *testing.T) {
	m := setupManager(t, ExecutorFunc(writeResult), Hooks{})

	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())
	deadPid := cmd.Process.Pid

	job, err := m.CreateJob(nil, "", nil)
	require.NoError(t, err)
	_, err = m.Store().Transition(job.JobID, Queued, nil)
	require.NoError(t, err)
	_, err = m.Store().Transition(job.JobID, Executing, nil)
	require.NoError(t, err)
	require.NoError(t, m.Store().SetPid(job.JobID, deadPid))

	m.ProcessQueue()

	job, err = m.Job(job.JobID)
	require.NoError(t, err)
	assert.Equal(t, Error, job.Phase)
	assert.Contains(t, job.Error, "died")
}

func TestListing(t *testing.T) {
	m := setupManager(t, ExecutorFunc(writeResult), Hooks{})

	var ids []string
	for i := 0; i < 3; i++ {
		job, err := m.CreateJob(nil, "", nil)
		require.NoError(t, err)
		ids = append(ids, job.JobID)
		m.now = func() time.Time { return time.Now().UTC().Add(time.Duration(i+1) * time.Minute).Truncate(time.Second) }
	}
	_, err := m.Abort(ids[0])
	require.NoError(t, err)

	jobs, err := m.Jobs(ListFilter{Phases: []string{Pending}})
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	jobs, err = m.Jobs(ListFilter{Last: 1})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, ids[2], jobs[0].JobID)
}

func noRedirect(*http.Request, []*http.Request) error {
	return http.ErrUseLastResponse
}

func TestHandlers(t *testing.T) {
	m := setupManager(t, ExecutorFunc(writeResult), Hooks{})
	router := chi.NewRouter()
	server := httptest.NewServer(router)
	defer server.Close()

	h := NewHandler(m, server.URL+"/async")
	h.pollInterval = 20 * time.Millisecond
	router.Mount("/async", h.Routes())
	client := &http.Client{CheckRedirect: noRedirect}

	res, err := client.PostForm(server.URL+"/async", url.Values{"QUERY": {"SELECT 1"}, "PHASE": {"RUN"}})
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusSeeOther, res.StatusCode)
	jobURL := res.Header.Get("Location")
	require.True(t, strings.HasPrefix(jobURL, server.URL+"/async/"))

	get := func(u string) (int, string) {
		res, err := client.Get(u)
		require.NoError(t, err)
		defer res.Body.Close()
		body, err := io.ReadAll(res.Body)
		require.NoError(t, err)
		return res.StatusCode, string(body)
	}

	status, body := get(jobURL + "?WAIT=5")
	require.Equal(t, http.StatusOK, status)
	if !strings.Contains(body, "<uws:phase>COMPLETED</uws:phase>") {
		waitForPhase(t, m, jobURL[strings.LastIndex(jobURL, "/")+1:], Completed)
		_, body = get(jobURL)
	}
	assert.Contains(t, body, "<uws:phase>COMPLETED</uws:phase>")
	assert.Contains(t, body, `<uws:parameter id="query">SELECT 1</uws:parameter>`)
	assert.Contains(t, body, `xlink:href="`+jobURL+`/results/result"`)

	status, body = get(jobURL + "/phase")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "COMPLETED", body)

	status, body = get(jobURL + "/results/result")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "result of SELECT 1", body)

	status, body = get(jobURL + "/results")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "<uws:results")

	status, _ = get(jobURL + "/error")
	assert.Equal(t, http.StatusNotFound, status)

	res, err = client.PostForm(jobURL+"/destruction", url.Values{"DESTRUCTION": {"2000-01-01T00:00:00Z"}})
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	res, err = client.PostForm(jobURL+"/phase", url.Values{"PHASE": {"SUSPEND"}})
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)

	status, body = get(server.URL + "/async")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "<uws:jobref")

	status, _ = get(server.URL + "/async?PHASE=NONSENSE")
	assert.Equal(t, http.StatusBadRequest, status)

	res, err = client.PostForm(jobURL, url.Values{"ACTION": {"DELETE"}})
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusSeeOther, res.StatusCode)
	assert.Equal(t, server.URL+"/async", res.Header.Get("Location"))

	status, _ = get(jobURL)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestHandlerPendingJob(t *testing.T) {
	m := setupManager(t, ExecutorFunc(writeResult), Hooks{})
	router := chi.NewRouter()
	server := httptest.NewServer(router)
	defer server.Close()
	h := NewHandler(m, server.URL+"/async")
	router.Mount("/async", h.Routes())
	client := &http.Client{CheckRedirect: noRedirect}

	res, err := client.PostForm(server.URL+"/async", url.Values{"QUERY": {"SELECT 2"}})
	require.NoError(t, err)
	res.Body.Close()
	jobURL := res.Header.Get("Location")

	res, err = client.PostForm(jobURL+"/parameters", url.Values{"LANG": {"ADQL"}})
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusSeeOther, res.StatusCode)

	res, err = client.PostForm(jobURL+"/executionduration", url.Values{"EXECUTIONDURATION": {"30"}})
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusSeeOther, res.StatusCode)

	res, err = client.Get(jobURL + "/executionduration")
	require.NoError(t, err)
	body, _ := io.ReadAll(res.Body)
	res.Body.Close()
	assert.Equal(t, "30", string(body))

	// a pending job does not change by itself, so WAIT runs into its limit
	start := time.Now()
	res, err = client.Get(jobURL + "?WAIT=1")
	require.NoError(t, err)
	body, _ = io.ReadAll(res.Body)
	res.Body.Close()
	assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)
	assert.Contains(t, string(body), "<uws:phase>PENDING</uws:phase>")
	assert.Contains(t, string(body), `<uws:parameter id="lang">ADQL</uws:parameter>`)

	req, err := http.NewRequest(http.MethodDelete, jobURL, nil)
	require.NoError(t, err)
	res, err = client.Do(req)
	require.NoError(t, err)
	res.Body.Close()
	assert.Equal(t, http.StatusSeeOther, res.StatusCode)
}
