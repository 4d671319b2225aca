package uws

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"vo_platform/schema"
	"vo_platform/utils/logging"

	"golang.org/x/sys/unix"
)

// Launcher starts the execution of a job that has just entered
// EXECUTING. done must be called once the execution has ended, whatever
// its outcome.
type Launcher interface {
	Launch(queue string, job *schema.Job, done func()) (pid int, err error)
	// Cancel stops a running job; it returns once the job is gone or the
	// grace period is over.
	Cancel(job *schema.Job) error
}

// ProcessLauncher runs every job in its own worker process.
type ProcessLauncher struct {
	WorkerPath string
	Args       []string
	// Grace is how long Cancel waits for a terminated worker.
	Grace time.Duration
}

func (l *ProcessLauncher) Launch(queue string, job *schema.Job, done func()) (int, error) {
	args := append([]string{"-queue", queue, "-job", job.JobID}, l.Args...)
	cmd := exec.Command(l.WorkerPath, args...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("cannot start worker %s: %w", l.WorkerPath, err)
	}
	pid := cmd.Process.Pid
	slog.Info("worker started", "code", logging.UWS_WORKER, "queue", queue, "job_id", job.JobID, "pid", pid)

	go func() {
		if err := cmd.Wait(); err != nil {
			slog.Warn("worker exited abnormally", "code", logging.UWS_WORKER, "queue", queue, "job_id", job.JobID, "pid", pid, "error", err)
		}
		done()
	}()
	return pid, nil
}

func (l *ProcessLauncher) Cancel(job *schema.Job) error {
	if job.Pid <= 0 {
		return nil
	}
	if err := unix.Kill(job.Pid, unix.SIGTERM); err != nil {
		if err == unix.ESRCH {
			return nil
		}
		return fmt.Errorf("cannot signal worker %d: %w", job.Pid, err)
	}
	grace := l.Grace
	if grace == 0 {
		grace = 2 * time.Second
	}
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !processAlive(job.Pid) {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	slog.Warn("worker ignored SIGTERM, killing", "code", logging.UWS_WORKER, "job_id", job.JobID, "pid", job.Pid)
	_ = unix.Kill(job.Pid, unix.SIGKILL)
	return nil
}

func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || err == unix.EPERM
}

// InProcessLauncher executes jobs on goroutines of the server process.
// The recorded pid is the server's own.
type InProcessLauncher struct {
	Manager  *Manager
	Executor Executor

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

func (l *InProcessLauncher) Launch(queue string, job *schema.Job, done func()) (int, error) {
	ctx, cancel := context.WithCancel(context.Background())
	l.mu.Lock()
	if l.running == nil {
		l.running = map[string]context.CancelFunc{}
	}
	l.running[job.JobID] = cancel
	l.mu.Unlock()

	go func() {
		defer func() {
			l.mu.Lock()
			delete(l.running, job.JobID)
			l.mu.Unlock()
			cancel()
			done()
		}()
		if err := l.Manager.ExecuteJob(ctx, job.JobID, l.Executor); err != nil {
			slog.Error("in-process job failed", "code", logging.UWS_WORKER, "queue", queue, "job_id", job.JobID, "error", err)
		}
	}()
	return os.Getpid(), nil
}

func (l *InProcessLauncher) Cancel(job *schema.Job) error {
	l.mu.Lock()
	cancel, ok := l.running[job.JobID]
	l.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}
