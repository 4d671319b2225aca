package uws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"vo_platform/base"
	"vo_platform/schema"
	"vo_platform/utils/logging"

	"gorm.io/datatypes"
)

// Executor does the actual work of a job. Results are files in wd named
// like the returned results.
type Executor interface {
	Execute(ctx context.Context, job *schema.Job, wd string) ([]schema.JobResult, error)
}

type ExecutorFunc func(ctx context.Context, job *schema.Job, wd string) ([]schema.JobResult, error)

func (f ExecutorFunc) Execute(ctx context.Context, job *schema.Job, wd string) ([]schema.JobResult, error) {
	return f(ctx, job, wd)
}

// ExecuteJob runs an EXECUTING job to completion and records the
// outcome. The job's execution duration bounds the run; a cancelled ctx
// means the job was aborted and leaves the phase alone.
func (m *Manager) ExecuteJob(ctx context.Context, id string, exec Executor) error {
	job, err := m.store.Get(id)
	if err != nil {
		return err
	}
	if job.Phase != Executing {
		return fmt.Errorf("%w: job %s is %s, not EXECUTING", ErrIllegalTransition, id, job.Phase)
	}

	runCtx := ctx
	if job.ExecutionDuration > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(job.ExecutionDuration)*time.Second)
		defer cancel()
	}

	wd, err := m.WorkDir(id)
	if err != nil {
		return err
	}
	slog.Info("executing job", "code", logging.UWS_WORKER, "queue", m.Queue(), "job_id", id)
	results, err := exec.Execute(runCtx, &job, wd)

	if ctx.Err() != nil {
		slog.Info("job cancelled", "code", logging.UWS_WORKER, "queue", m.Queue(), "job_id", id)
		return nil
	}
	if err == nil && runCtx.Err() != nil {
		err = runCtx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = &base.TimeoutError{
			Msg: fmt.Sprintf("Job did not finish within its execution duration of %d seconds", job.ExecutionDuration),
			Err: err,
		}
	}

	if err != nil {
		slog.Warn("job failed", "code", logging.UWS_WORKER, "queue", m.Queue(), "job_id", id, "error", err)
		_, err = m.store.Transition(id, Error, map[string]any{"error": err.Error(), "end_time": m.now()})
	} else {
		_, err = m.store.Transition(id, Completed, map[string]any{
			"results":  datatypes.NewJSONSlice(results),
			"end_time": m.now(),
		})
	}
	if errors.Is(err, ErrIllegalTransition) {
		slog.Info("job left EXECUTING while running", "code", logging.UWS_WORKER, "queue", m.Queue(), "job_id", id)
		return nil
	}
	return err
}
