package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

type Testing interface {
	require.TestingT
	Context() context.Context
	Logf(format string, args ...any)
	Cleanup(func())
}

// TestServer is a throwaway PostgreSQL server. Each Database call creates
// and migrates a new database on it.
type TestServer struct {
	host  string
	admin *pgxpool.Pool
}

const testPassword = "kicherkrabbe"

func NewTestContainer(t Testing) *TestServer {
	ctx := t.Context()
	pgC, err := testcontainers.Run(
		ctx, "postgres:17-alpine",
		testcontainers.WithEnv(map[string]string{
			"POSTGRES_USER":     "postgres",
			"POSTGRES_PASSWORD": testPassword,
		}),
		testcontainers.WithExposedPorts("5432/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(time.Minute),
			wait.ForListeningPort("5432/tcp"),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(pgC); err != nil {
			t.Errorf("failed to terminate container: %s", err.Error())
		}
	})

	host, err := pgC.PortEndpoint(ctx, "5432/tcp", "")
	require.NoError(t, err)
	t.Logf("postgres endpoint: %s", host)

	srv := &TestServer{host: host}
	srv.admin, err = Connect(ctx, srv.dsn("postgres"))
	require.NoError(t, err)
	t.Cleanup(srv.admin.Close)
	return srv
}

func (s *TestServer) dsn(database string) string {
	return fmt.Sprintf("postgres://postgres:%s@%s/%s?sslmode=disable", testPassword, s.host, database)
}

// Database creates a migrated database and returns a pool to it.
func (s *TestServer) Database(t Testing) *pgxpool.Pool {
	ctx := t.Context()
	name := "test_" + strings.ToLower(gonanoid.MustGenerate("abcdefghijklmnopqrstuvwxyz0123456789", 12))
	_, err := s.admin.Exec(ctx, "CREATE DATABASE "+name)
	require.NoError(t, err)

	dsn := s.dsn(name)
	require.NoError(t, Migrate(dsn, slog.Default()))

	pool, err := Connect(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}
