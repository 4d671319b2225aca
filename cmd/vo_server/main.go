package main

import (
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"vo_platform/auth"
	"vo_platform/config"
	"vo_platform/datalink"
	"vo_platform/pagecache"
	"vo_platform/rd"
	"vo_platform/registry"
	"vo_platform/renderers"
	"vo_platform/schema"
	"vo_platform/storage"
	"vo_platform/svcs"
	"vo_platform/tap"
	"vo_platform/utils/logging"
	"vo_platform/uws"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"golang.org/x/sync/errgroup"
)

const (
	exitBadConfig = 1
	exitBadArgs   = 2

	queueInterval   = 5 * time.Second
	cleanupInterval = 10 * time.Minute
	shutdownTimeout = 30 * time.Second
)

func fail(code int, format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(code)
}

func loadEnvFile(envFile string) {
	slog.Info(fmt.Sprintf("loading env from file %v", envFile))
	if err := godotenv.Load(envFile); err != nil {
		fail(exitBadConfig, "error loading .env file '%v': %v", envFile, err)
	}
}

func openLog(cfg *config.Config, name string) *os.File {
	if err := os.MkdirAll(cfg.LogDir, 0755); err != nil {
		fail(exitBadConfig, "error creating log dir: %v", err)
	}
	f, err := os.OpenFile(filepath.Join(cfg.LogDir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		fail(exitBadConfig, "error opening log file: %v", err)
	}
	return f
}

// initTracing installs a tracer provider writing spans to path.
func initTracing(path string) (func(context.Context) error, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(f))
	if err != nil {
		f.Close()
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(tp)
	return func(ctx context.Context) error {
		defer f.Close()
		return tp.Shutdown(ctx)
	}, nil
}

func jwtSecret(cfg *config.Config) []byte {
	if cfg.Web.JwtSecret != "" {
		return []byte(cfg.Web.JwtSecret)
	}
	slog.Warn("web.jwtSecret is not set, product tokens will not survive a restart", "code", logging.AUTH)
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		log.Fatalf("cannot create jwt secret: %v", err)
	}
	return secret
}

func buildEnv(cfg *config.Config, auditLog *os.File, workerArgs []string) *svcs.Env {
	db, err := schema.OpenProfile(cfg, cfg.Db.Maintainers)
	if err != nil {
		fail(exitBadConfig, "error opening database: %v", err)
	}
	loader := rd.NewLoader(cfg.InputsDir, cfg)

	provider, err := auth.NewBasicProvider(db.DB, auth.NewAuditLogger(auditLog), auth.BasicProviderArgs{
		AdminUsername: cfg.Web.User,
		AdminPassword: cfg.Web.AdminPasswd,
	})
	if err != nil {
		log.Fatalf("error creating auth provider: %v", err)
	}

	env := &svcs.Env{
		DB:      db,
		Config:  cfg,
		Loader:  loader,
		Storage: storage.NewSharedDisk(cfg.UwsWD),
		Auth:    provider,
		Tokens:  auth.NewJwtManager(jwtSecret(cfg)),
	}
	env.Queues = map[string]*uws.Manager{
		tap.Queue:      tap.NewManager(env),
		datalink.Queue: datalink.NewManager(env),
	}
	for _, m := range env.Queues {
		m.SetLauncher(&uws.ProcessLauncher{WorkerPath: cfg.Async.WorkerPath, Args: workerArgs})
	}
	return env
}

func migrate(env *svcs.Env) {
	sysTables, err := env.Loader.SystemTables()
	if err != nil {
		log.Fatalf("error loading system RDs: %v", err)
	}
	if err := env.DB.Migrate(sysTables); err != nil {
		log.Fatalf("error migrating db schema: %v", err)
	}
}

// check loads an RD and builds all of its services.
func check(env *svcs.Env, rdID string) error {
	r, err := env.Loader.Load(rdID)
	if err != nil {
		return err
	}
	for _, def := range r.Services {
		if _, err := svcs.NewService(env, def); err != nil {
			return fmt.Errorf("service %s: %w", def.ID, err)
		}
	}
	return nil
}

// publish writes the registry records and the TAP metadata of an RD.
func publish(env *svcs.Env, rdID string) error {
	r, err := env.Loader.Load(rdID)
	if err != nil {
		return err
	}
	if err := registry.NewBuilder(env).Publish(r); err != nil {
		return err
	}
	return tap.PublishTables(env, r)
}

func serve(env *svcs.Env) error {
	pages, err := pagecache.New(env.Config)
	if err != nil {
		return err
	}
	server := renderers.NewServer(env, pages)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              net.JoinHostPort(env.Config.Web.BindAddress, strconv.Itoa(env.Config.Web.ServerPort)),
		Handler:           server.Routes(),
		ReadHeaderTimeout: 30 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("starting server", "addr", srv.Addr, "url", env.Config.Web.ServerURL)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen and serve returned error: %w", err)
		}
		return nil
	})
	for _, m := range env.Queues {
		g.Go(func() error {
			return m.Run(gctx, queueInterval, cleanupInterval)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func main() {
	envFile := flag.String("env", "", "File to load env variables from. If not specified will just load them from the environment variables already defined.")
	checkRD := flag.String("check", "", "Validate the RD with this id and exit.")
	publishRD := flag.String("publish", "", "Publish the registry records and table metadata of the RD with this id and exit.")
	flag.Parse()

	if flag.NArg() > 0 {
		fmt.Fprintf(os.Stderr, "unexpected arguments: %v\n", flag.Args())
		flag.Usage()
		os.Exit(exitBadArgs)
	}
	if *checkRD != "" && *publishRD != "" {
		fail(exitBadArgs, "-check and -publish are mutually exclusive")
	}

	if *envFile != "" {
		loadEnvFile(*envFile)
	}
	cfg, err := config.LoadFromEnv()
	if err != nil {
		fail(exitBadConfig, "%v", err)
	}

	logFile := openLog(cfg, "server.log")
	defer logFile.Close()
	auditLog := openLog(cfg, "audit.log")
	defer auditLog.Close()
	logging.Init(logFile, "vo_server")

	if cfg.Web.TraceFile != "" {
		shutdown, err := initTracing(cfg.Web.TraceFile)
		if err != nil {
			fail(exitBadConfig, "error opening trace file: %v", err)
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				slog.Warn("error flushing traces", "error", err)
			}
		}()
	}

	var workerArgs []string
	if *envFile != "" {
		workerArgs = []string{"-env", *envFile}
	}
	env := buildEnv(cfg, auditLog, workerArgs)
	migrate(env)

	switch {
	case *checkRD != "":
		if err := check(env, *checkRD); err != nil {
			fail(exitBadConfig, "%s: %v", *checkRD, err)
		}
		fmt.Printf("%s: OK\n", *checkRD)
	case *publishRD != "":
		if err := publish(env, *publishRD); err != nil {
			fail(exitBadConfig, "cannot publish %s: %v", *publishRD, err)
		}
	default:
		if err := serve(env); err != nil {
			log.Fatalf("server failed: %v", err)
		}
	}
}
