// uws_worker executes a single UWS job that the server has moved to
// EXECUTING and records its outcome.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"vo_platform/auth"
	"vo_platform/config"
	"vo_platform/datalink"
	"vo_platform/rd"
	"vo_platform/schema"
	"vo_platform/storage"
	"vo_platform/svcs"
	"vo_platform/tap"
	"vo_platform/utils/logging"
	"vo_platform/uws"

	"github.com/joho/godotenv"
)

const (
	exitBadConfig = 1
	exitBadArgs   = 2
)

func fail(code int, format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(code)
}

func main() {
	envFile := flag.String("env", "", "File to load env variables from.")
	queue := flag.String("queue", "", "Job queue, one of "+tap.Queue+" or "+datalink.Queue+".")
	jobID := flag.String("job", "", "Id of the job to execute.")
	flag.Parse()

	if *queue == "" || *jobID == "" || flag.NArg() > 0 {
		flag.Usage()
		os.Exit(exitBadArgs)
	}

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			fail(exitBadConfig, "error loading .env file '%v': %v", *envFile, err)
		}
	}
	cfg, err := config.LoadFromEnv()
	if err != nil {
		fail(exitBadConfig, "%v", err)
	}

	if err := os.MkdirAll(cfg.LogDir, 0755); err != nil {
		fail(exitBadConfig, "error creating log dir: %v", err)
	}
	logFile, err := os.OpenFile(filepath.Join(cfg.LogDir, "worker.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		fail(exitBadConfig, "error opening log file: %v", err)
	}
	defer logFile.Close()
	logging.Init(logFile, "uws_worker", slog.String("queue", *queue), slog.String("job_id", *jobID))

	db, err := schema.OpenProfile(cfg, cfg.Db.Maintainers)
	if err != nil {
		fail(exitBadConfig, "error opening database: %v", err)
	}
	provider, err := auth.NewBasicProvider(db.DB, auth.NewAuditLogger(io.Discard), auth.BasicProviderArgs{AdminUsername: cfg.Web.User})
	if err != nil {
		fail(exitBadConfig, "error creating auth provider: %v", err)
	}
	env := &svcs.Env{
		DB:      db,
		Config:  cfg,
		Loader:  rd.NewLoader(cfg.InputsDir, cfg),
		Storage: storage.NewSharedDisk(cfg.UwsWD),
		Auth:    provider,
	}

	var (
		manager  *uws.Manager
		executor uws.Executor
	)
	switch *queue {
	case tap.Queue:
		manager, executor = tap.NewManager(env), tap.NewExecutor(env)
	case datalink.Queue:
		manager, executor = datalink.NewManager(env), datalink.NewExecutor(env)
	default:
		fail(exitBadArgs, "unknown queue %q", *queue)
	}

	// SIGTERM is how the server aborts jobs
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := manager.ExecuteJob(ctx, *jobID, executor); err != nil {
		slog.Error("job execution failed", "code", logging.UWS_WORKER, "error", err)
		os.Exit(1)
	}
}
