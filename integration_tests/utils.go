//go:build integration

package integrationtests

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"vo_platform/auth"
	"vo_platform/client"
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
	"vo_platform/uws"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const starsRD = `<resource schema="stars">
	<meta name="title">Bright stars</meta>
	<meta name="description">A handful of bright stars.</meta>
	<table id="main" onDisk="True" adql="True" primary="id">
		<column name="id" type="integer" ucd="meta.id;meta.main" verbLevel="1" required="True"/>
		<column name="name" type="text" ucd="meta.id" verbLevel="1"/>
		<column name="ra" type="double precision" unit="deg" ucd="pos.eq.ra;meta.main" verbLevel="1"/>
		<column name="dec" type="double precision" unit="deg" ucd="pos.eq.dec;meta.main" verbLevel="1"/>
		<column name="vmag" type="real" unit="mag" ucd="phot.mag;em.opt.V" verbLevel="1"/>
	</table>
	<dbCore id="bymag" queriedTable="main" sortKey="id">
		<condDesc buildFrom="vmag"/>
		<condDesc buildFrom="name"/>
	</dbCore>
	<service id="q" core="bymag" allowed="api,form">
		<meta name="title">Bright star lookup</meta>
		<publish render="form" sets="local,ivo_managed"/>
	</service>
</resource>`

const (
	pgUser     = "gavo"
	pgPassword = "secret"
	pgDatabase = "gavo"
)

// startPostgres runs a throwaway PostgreSQL server and returns a db
// profile for it.
func startPostgres(t *testing.T) config.DbProfile {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     pgUser,
			"POSTGRES_PASSWORD": pgPassword,
			"POSTGRES_DB":       pgDatabase,
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err, "failed to start postgres container")
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	return config.DbProfile{
		Host:     host,
		Port:     port.Int(),
		Database: pgDatabase,
		User:     pgUser,
		Password: pgPassword,
		SslMode:  "disable",
	}
}

type testServer struct {
	env *svcs.Env
	url string
}

// startServer runs a complete data center on PostgreSQL with the
// stars RD imported and published.
func startServer(t *testing.T) *testServer {
	t.Helper()
	slog.SetLogLoggerLevel(slog.LevelDebug)

	profile := startPostgres(t)
	db, err := schema.Open("postgres", profile.DSN("postgres"))
	require.NoError(t, err)

	cfg := config.Default()
	cfg.InputsDir = t.TempDir()
	cfg.Db.Interface = "postgres"
	cfg.Ivoa.Authority = "org.example"
	cfg.Ivoa.RegistryName = "Integration test center"
	cfg.Web.SqlTimeout = 5
	require.NoError(t, os.MkdirAll(filepath.Join(cfg.InputsDir, "stars"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.InputsDir, "stars", "q.rd"), []byte(starsRD), 0644))

	srv := httptest.NewUnstartedServer(nil)
	cfg.Web.ServerURL = "http://" + srv.Listener.Addr().String()

	loader := rd.NewLoader(cfg.InputsDir, &cfg)
	sysTables, err := loader.SystemTables()
	require.NoError(t, err)
	require.NoError(t, db.Migrate(sysTables))

	provider, err := auth.NewBasicProvider(db.DB, auth.NewAuditLogger(&bytes.Buffer{}), auth.BasicProviderArgs{AdminUsername: "gavoadmin", AdminPassword: "admin"})
	require.NoError(t, err)

	env := &svcs.Env{
		DB:      db,
		Config:  &cfg,
		Loader:  loader,
		Storage: storage.NewSharedDisk(t.TempDir()),
		Auth:    provider,
		Tokens:  auth.NewJwtManager([]byte("integration")),
	}
	tapJobs := tap.NewManager(env)
	tapJobs.SetLauncher(&uws.InProcessLauncher{Manager: tapJobs, Executor: tap.NewExecutor(env)})
	dlJobs := datalink.NewManager(env)
	dlJobs.SetLauncher(&uws.InProcessLauncher{Manager: dlJobs, Executor: datalink.NewExecutor(env)})
	env.Queues = map[string]*uws.Manager{tap.Queue: tapJobs, datalink.Queue: dlJobs}

	stars, err := loader.Load("stars/q")
	require.NoError(t, err)
	table, err := stars.Table("main")
	require.NoError(t, err)
	require.NoError(t, db.CreateTable(table))
	require.NoError(t, db.InsertRows(db.DB, db.Dialect.TableName(table.QName()), table.Columns, [][]any{
		{int64(1), "Sirius", 101.287, -16.716, -1.46},
		{int64(2), "Canopus", 95.988, -52.696, -0.74},
		{int64(3), "Arcturus", 213.915, 19.182, -0.05},
		{int64(4), "Vega", 279.235, 38.784, 0.03},
		{int64(5), "Polaris", 37.955, 89.264, 1.98},
	}))

	for _, id := range []string{"//tap", "//services", "stars/q"} {
		r, err := loader.Load(id)
		require.NoError(t, err)
		require.NoError(t, tap.PublishTables(env, r), id)
		require.NoError(t, registry.NewBuilder(env).Publish(r), id)
	}

	ctx, cancel := context.WithCancel(context.Background())
	for _, m := range env.Queues {
		go func() {
			_ = m.Run(ctx, 200*time.Millisecond, time.Minute)
		}()
	}

	pages := pagecache.NewMemory(time.Minute)
	srv.Config.Handler = renderers.NewServer(env, pages).Routes()
	srv.Start()
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})

	return &testServer{env: env, url: srv.URL}
}

func (s *testServer) tap() *client.TAPClient {
	return client.NewTAP(s.url)
}

func (s *testServer) dal() *client.DALClient {
	return client.NewDAL(s.url)
}

func names(t *testing.T, values []any) []string {
	t.Helper()
	var res []string
	for _, v := range values {
		res = append(res, fmt.Sprint(v))
	}
	return res
}
