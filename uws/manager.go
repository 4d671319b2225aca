package uws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"vo_platform/base"
	"vo_platform/config"
	"vo_platform/metrics"
	"vo_platform/schema"
	"vo_platform/storage"
	"vo_platform/utils/logging"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Hooks adapt a queue to the protocol it serves. All hooks are optional.
type Hooks struct {
	// Check validates the parameters of a job; it is called on creation
	// and on every parameter update with the merged parameters.
	Check func(params map[string]string) error
	// Accept stores the files of a creation request in the job's working
	// directory. It may add or rewrite parameters.
	Accept func(r *http.Request, wd string, params map[string]string) error
	// Inline may complete a job at RUN time without queueing it.
	Inline func(ctx context.Context, job *schema.Job, wd string) (results []schema.JobResult, handled bool, err error)
}

// Manager runs the life cycle of the jobs of one queue.
type Manager struct {
	store    *Store
	storage  storage.Storage
	cfg      *config.Config
	hooks    Hooks
	launcher Launcher

	processing sync.Mutex
	dirty      atomic.Bool
	now        func() time.Time
}

func NewManager(db *schema.DB, queue string, store storage.Storage, cfg *config.Config, hooks Hooks) *Manager {
	return &Manager{
		store:   NewStore(db, queue),
		storage: store,
		cfg:     cfg,
		hooks:   hooks,
		now:     func() time.Time { return time.Now().UTC().Truncate(time.Second) },
	}
}

func (m *Manager) SetLauncher(l Launcher) {
	m.launcher = l
}

func (m *Manager) Queue() string {
	return m.store.Queue()
}

func (m *Manager) Store() *Store {
	return m.store
}

func (m *Manager) jobPath(id string) string {
	return path.Join(m.Queue(), id)
}

// WorkDir returns the absolute working directory of a job, creating it
// when necessary.
func (m *Manager) WorkDir(id string) (string, error) {
	p := m.jobPath(id)
	if err := m.storage.MkdirAll(p); err != nil {
		return "", fmt.Errorf("cannot create working directory of job %s: %w", id, err)
	}
	return m.storage.FullPath(p)
}

func normalizeParams(params map[string]string) map[string]string {
	out := make(map[string]string, len(params))
	for k, v := range params {
		out[strings.ToLower(k)] = v
	}
	return out
}

func toJSONMap(params map[string]string) datatypes.JSONMap {
	out := make(datatypes.JSONMap, len(params))
	for k, v := range params {
		out[k] = v
	}
	return out
}

// Params returns the parameters of a job as strings.
func Params(job *schema.Job) map[string]string {
	out := make(map[string]string, len(job.Parameters))
	for k, v := range job.Parameters {
		if s, ok := v.(string); ok {
			out[k] = s
		} else {
			out[k] = fmt.Sprint(v)
		}
	}
	return out
}

// takeControlParams removes the UWS job properties that may be given
// along with the parameters and applies them to job.
func (m *Manager) takeControlParams(job *schema.Job, params map[string]string) error {
	if v, ok := params["runid"]; ok {
		job.RunID = v
		delete(params, "runid")
	}
	if v, ok := params["executionduration"]; ok {
		secs, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || secs < 0 {
			return base.NewValidationError("EXECUTIONDURATION", "'%s' is not a valid number of seconds", v)
		}
		job.ExecutionDuration = secs
		delete(params, "executionduration")
	}
	if v, ok := params["destruction"]; ok {
		t, err := parseTime(v)
		if err != nil {
			return base.NewValidationError("DESTRUCTION", "%s", err)
		}
		if t.Before(job.DestructionTime) {
			return base.NewValidationError("DESTRUCTION", "Destruction time can only be extended (currently %s)", formatTime(job.DestructionTime))
		}
		job.DestructionTime = t.UTC()
		delete(params, "destruction")
	}
	return nil
}

// CreateJob adds a PENDING job. r, when given, is passed to the Accept
// hook so uploads can be stored.
func (m *Manager) CreateJob(r *http.Request, owner string, params map[string]string) (schema.Job, error) {
	params = normalizeParams(params)
	now := m.now()
	job := schema.Job{
		JobID:             uuid.NewString(),
		Phase:             Pending,
		Owner:             owner,
		ExecutionDuration: int(m.cfg.DefaultExecTime() / time.Second),
		DestructionTime:   now.Add(m.cfg.DefaultLifetime()),
		CreationTime:      now,
		JobClass:          m.Queue(),
		Results:           datatypes.NewJSONSlice([]schema.JobResult{}),
	}
	delete(params, "phase")
	if err := m.takeControlParams(&job, params); err != nil {
		return job, err
	}

	wd, err := m.WorkDir(job.JobID)
	if err != nil {
		return job, err
	}
	if r != nil && m.hooks.Accept != nil {
		if err := m.hooks.Accept(r, wd, params); err != nil {
			_ = m.storage.Delete(m.jobPath(job.JobID))
			return job, err
		}
	}
	if m.hooks.Check != nil {
		if err := m.hooks.Check(params); err != nil {
			_ = m.storage.Delete(m.jobPath(job.JobID))
			return job, err
		}
	}
	job.Parameters = toJSONMap(params)

	if err := m.store.Create(&job); err != nil {
		_ = m.storage.Delete(m.jobPath(job.JobID))
		return job, err
	}
	slog.Info("job created", "code", logging.UWS_CREATE, "queue", m.Queue(), "job_id", job.JobID, "owner", owner)
	return job, nil
}

func (m *Manager) Job(id string) (schema.Job, error) {
	return m.store.Get(id)
}

func (m *Manager) Jobs(filter ListFilter) ([]schema.Job, error) {
	return m.store.List(filter)
}

// Start moves a PENDING job to QUEUED, or completes it right away when
// the Inline hook handles it. Starting a queued or running job does
// nothing.
func (m *Manager) Start(ctx context.Context, id string) (schema.Job, error) {
	job, err := m.store.Get(id)
	if err != nil {
		return job, err
	}
	if job.Phase == Queued || job.Phase == Executing {
		return job, nil
	}
	if job.Phase != Pending {
		return job, fmt.Errorf("%w: cannot run a job in phase %s", ErrIllegalTransition, job.Phase)
	}

	if m.hooks.Inline != nil {
		wd, err := m.WorkDir(id)
		if err != nil {
			return job, err
		}
		results, handled, err := m.hooks.Inline(ctx, &job, wd)
		if handled {
			return m.finishInline(id, results, err)
		}
	}

	job, err = m.store.Transition(id, Queued, nil)
	if err != nil {
		return job, err
	}
	slog.Info("job queued", "code", logging.UWS_QUEUE, "queue", m.Queue(), "job_id", id)
	m.ScheduleCheck()
	return job, nil
}

func (m *Manager) finishInline(id string, results []schema.JobResult, execErr error) (schema.Job, error) {
	if job, err := m.store.Transition(id, Queued, nil); err != nil {
		return job, err
	}
	if job, err := m.store.Transition(id, Executing, map[string]any{"start_time": m.now()}); err != nil {
		return job, err
	}
	if execErr != nil {
		return m.store.Transition(id, Error, map[string]any{"error": execErr.Error(), "end_time": m.now()})
	}
	return m.store.Transition(id, Completed, map[string]any{
		"results":  datatypes.NewJSONSlice(results),
		"end_time": m.now(),
	})
}

// Abort stops a job that has not finished yet. Aborting an aborted job
// is a no-op.
func (m *Manager) Abort(id string) (schema.Job, error) {
	job, err := m.store.Get(id)
	if err != nil {
		return job, err
	}
	switch job.Phase {
	case Aborted:
		return job, nil
	case Executing:
		if m.launcher != nil {
			if err := m.launcher.Cancel(&job); err != nil {
				slog.Warn("cannot cancel job", "code", logging.UWS_WORKER, "queue", m.Queue(), "job_id", id, "error", err)
			}
		}
	case Pending, Queued:
	default:
		return job, fmt.Errorf("%w: cannot abort a job in phase %s", ErrIllegalTransition, job.Phase)
	}

	aborted, err := m.store.Transition(id, Aborted, map[string]any{"end_time": m.now()})
	if errors.Is(err, ErrIllegalTransition) && job.Phase == Executing {
		// the worker finished while it was being cancelled
		return m.store.Get(id)
	}
	m.ScheduleCheck()
	return aborted, err
}

// Delete removes a job together with its working directory.
func (m *Manager) Delete(id string) error {
	job, err := m.store.Get(id)
	if err != nil {
		return err
	}
	if job.Phase == Executing && m.launcher != nil {
		if err := m.launcher.Cancel(&job); err != nil {
			slog.Warn("cannot cancel job", "code", logging.UWS_WORKER, "queue", m.Queue(), "job_id", id, "error", err)
		}
	}
	if err := m.store.Delete(id); err != nil {
		return err
	}
	if err := m.storage.Delete(m.jobPath(id)); err != nil {
		slog.Warn("cannot remove job directory", "code", logging.UWS_CLEANUP, "queue", m.Queue(), "job_id", id, "error", err)
	}
	m.ScheduleCheck()
	return nil
}

// SetDestruction postpones the destruction of a job; earlier dates are
// rejected.
func (m *Manager) SetDestruction(id string, t time.Time) (schema.Job, error) {
	return m.store.Update(id, func(job *schema.Job) error {
		if t.Before(job.DestructionTime) {
			return base.NewValidationError("DESTRUCTION", "Destruction time can only be extended (currently %s)", formatTime(job.DestructionTime))
		}
		job.DestructionTime = t.UTC()
		return nil
	})
}

func (m *Manager) SetExecutionDuration(id string, secs int) (schema.Job, error) {
	if secs < 0 {
		return schema.Job{}, base.NewValidationError("EXECUTIONDURATION", "Execution duration must not be negative")
	}
	return m.store.Update(id, func(job *schema.Job) error {
		if job.Phase != Pending {
			return ErrJobNotPending
		}
		job.ExecutionDuration = secs
		return nil
	})
}

// SetParameters merges params into the parameters of a pending job.
func (m *Manager) SetParameters(id string, params map[string]string) (schema.Job, error) {
	params = normalizeParams(params)
	return m.store.Update(id, func(job *schema.Job) error {
		if job.Phase != Pending {
			return ErrJobNotPending
		}
		if err := m.takeControlParams(job, params); err != nil {
			return err
		}
		merged := Params(job)
		for k, v := range params {
			merged[k] = v
		}
		if m.hooks.Check != nil {
			if err := m.hooks.Check(merged); err != nil {
				return err
			}
		}
		job.Parameters = toJSONMap(merged)
		return nil
	})
}

// Quote estimates when a job will be finished.
func (m *Manager) Quote(job *schema.Job) (time.Time, error) {
	if IsFinal(job.Phase) && job.EndTime != nil {
		return *job.EndTime, nil
	}
	perJob := time.Duration(m.cfg.Async.EstTimePerJob) * time.Second
	if job.Phase == Executing && job.StartTime != nil {
		return job.StartTime.Add(perJob), nil
	}
	ahead, err := m.store.CountQueuedBefore(job.DestructionTime)
	if err != nil {
		return time.Time{}, err
	}
	return m.now().Add(time.Duration(ahead) * perJob), nil
}

// OpenResult returns the content of a named job result.
func (m *Manager) OpenResult(job *schema.Job, name string) (io.ReadCloser, schema.JobResult, error) {
	for _, res := range job.Results {
		if res.Name == name {
			rc, err := m.storage.Read(path.Join(m.jobPath(job.JobID), name))
			return rc, res, err
		}
	}
	return nil, schema.JobResult{}, base.NewNotFoundError("result", name, "job "+job.JobID)
}

// ScheduleCheck requests a pass over the queue.
func (m *Manager) ScheduleCheck() {
	go m.ProcessQueue()
}

// ProcessQueue promotes queued jobs while fewer than the configured
// number of jobs execute. Concurrent calls collapse into the running
// pass, which repeats while new checks are requested.
func (m *Manager) ProcessQueue() {
	m.drain(m.processQueueOnce)
}

// drain runs pass until no check is pending. A request arriving while
// another goroutine holds the lock is picked up by that goroutine,
// which looks at the flag again after unlocking.
func (m *Manager) drain(pass func()) {
	m.dirty.Store(true)
	for m.dirty.Load() {
		if !m.processing.TryLock() {
			return
		}
		for m.dirty.Swap(false) {
			pass()
		}
		m.processing.Unlock()
	}
}

func (m *Manager) processQueueOnce() {
	running, err := m.store.CountPhase(Executing)
	if err != nil {
		return
	}
	queued, err := m.store.InPhase(Queued)
	if err != nil {
		return
	}

	promoted := 0
	for i := range queued {
		if running >= int64(m.cfg.Async.MaxTAPRunning) {
			break
		}
		if err := m.launch(&queued[i]); err != nil {
			slog.Error("cannot launch job", "code", logging.UWS_QUEUE, "queue", m.Queue(), "job_id", queued[i].JobID, "error", err)
			continue
		}
		running++
		promoted++
	}
	if promoted == 0 {
		m.sweepDeadWorkers()
	}
	m.store.UpdateGauges()
}

func (m *Manager) launch(queued *schema.Job) error {
	if m.launcher == nil {
		return errors.New("no launcher configured")
	}
	job, err := m.store.Transition(queued.JobID, Executing, map[string]any{"start_time": m.now()})
	if errors.Is(err, ErrIllegalTransition) {
		return nil
	}
	if err != nil {
		return err
	}

	pid, err := m.launcher.Launch(m.Queue(), &job, m.ScheduleCheck)
	if err != nil {
		_, _ = m.store.Transition(job.JobID, Error, map[string]any{"error": err.Error(), "end_time": m.now()})
		return err
	}
	return m.store.SetPid(job.JobID, pid)
}

// sweepDeadWorkers fails executing jobs whose worker has disappeared.
func (m *Manager) sweepDeadWorkers() {
	executing, err := m.store.InPhase(Executing)
	if err != nil {
		return
	}
	for _, job := range executing {
		if job.Pid == 0 || processAlive(job.Pid) {
			continue
		}
		slog.Warn("worker died, failing job", "code", logging.UWS_WORKER, "queue", m.Queue(), "job_id", job.JobID, "pid", job.Pid)
		_, err := m.store.Transition(job.JobID, Error, map[string]any{
			"error":    "The worker process executing this job died unexpectedly",
			"end_time": m.now(),
		})
		if err != nil && !errors.Is(err, ErrIllegalTransition) {
			slog.Error("cannot fail job of dead worker", "code", logging.UWS_WORKER, "job_id", job.JobID, "error", err)
		}
	}
}

// CleanUp handles expired jobs: finished jobs are archived (their
// results are removed and the record is kept for another lifetime),
// archived jobs are deleted and unfinished jobs are aborted and deleted.
func (m *Manager) CleanUp() {
	now := m.now()
	expired, err := m.store.Expired(now)
	if err != nil {
		return
	}

	archived, deleted := 0, 0
	var freed int64
	for _, job := range expired {
		switch {
		case job.Phase == Archived || !IsFinal(job.Phase):
			if err := m.Delete(job.JobID); err != nil && !errors.Is(err, ErrJobNotFound) {
				slog.Error("cannot delete expired job", "code", logging.UWS_CLEANUP, "queue", m.Queue(), "job_id", job.JobID, "error", err)
				continue
			}
			deleted++
		default:
			if used, err := m.storage.DiskUsage(m.jobPath(job.JobID)); err == nil {
				freed += used
			}
			if err := m.storage.Delete(m.jobPath(job.JobID)); err != nil {
				slog.Warn("cannot purge job results", "code", logging.UWS_CLEANUP, "queue", m.Queue(), "job_id", job.JobID, "error", err)
			}
			_, err := m.store.Transition(job.JobID, Archived, map[string]any{
				"results":          datatypes.NewJSONSlice([]schema.JobResult{}),
				"destruction_time": now.Add(m.cfg.DefaultLifetime()),
			})
			if err != nil {
				slog.Error("cannot archive job", "code", logging.UWS_CLEANUP, "queue", m.Queue(), "job_id", job.JobID, "error", err)
				continue
			}
			archived++
		}
	}
	if archived+deleted > 0 {
		slog.Info("expired jobs cleaned up", "code", logging.UWS_CLEANUP, "queue", m.Queue(), "archived", archived, "deleted", deleted, "freed_bytes", freed)
	}
	m.reportDisk()
}

func (m *Manager) reportDisk() {
	if used, err := m.storage.DiskUsage(m.Queue()); err == nil {
		metrics.UWSDiskUsed.WithLabelValues(m.Queue()).Set(float64(used))
	}
	usage, err := m.storage.Usage()
	if err != nil {
		slog.Warn("cannot determine free space of job storage", "code", logging.UWS_CLEANUP, "error", err)
		return
	}
	metrics.UWSDiskFree.Set(float64(usage.FreeBytes))
}

// Run checks the queue every interval and cleans up expired jobs every
// cleanupInterval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval, cleanupInterval time.Duration) error {
	check := time.NewTicker(interval)
	defer check.Stop()
	cleanup := time.NewTicker(cleanupInterval)
	defer cleanup.Stop()

	m.ProcessQueue()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-check.C:
			m.ProcessQueue()
		case <-cleanup.C:
			m.CleanUp()
		}
	}
}
