package zgraph

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig_File(t *testing.T) {
	path := writeConfig(t, "zgraph.yaml", `
driver: postgres
dsn: postgres://app@localhost:5432/app
replicas:
  - postgres://app@replica-1:5432/app
  - postgres://app@replica-2:5432/app
max_open_conns: 20
conn_max_lifetime: 30m
fetch_strategy: joined
fetch_concurrency: 8
slow_query_threshold: 250ms
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.Driver)
	assert.Equal(t, "postgres://app@localhost:5432/app", cfg.DSN)
	assert.Len(t, cfg.Replicas, 2)
	assert.Equal(t, 20, cfg.MaxOpenConns)
	assert.Equal(t, 30*time.Minute, cfg.ConnMaxLifetime)
	assert.Equal(t, JoinedQuery, cfg.FetchStrategy)
	assert.Equal(t, 8, cfg.FetchConcurrency)
	assert.Equal(t, 250*time.Millisecond, cfg.SlowQueryThreshold)
	assert.Zero(t, cfg.StatementCacheSize)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "zgraph.yaml", `
driver: postgres
dsn: postgres://app@localhost:5432/app
fetch_concurrency: 8
`)
	t.Setenv("ZGRAPH_DSN", "postgres://app@db:5432/app")
	t.Setenv("ZGRAPH_STATEMENT_CACHE_SIZE", "64")
	t.Setenv("ZGRAPH_FETCH_STRATEGY", "joined")

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "postgres://app@db:5432/app", cfg.DSN)
	assert.Equal(t, 64, cfg.StatementCacheSize)
	assert.Equal(t, JoinedQuery, cfg.FetchStrategy)
	assert.Equal(t, 8, cfg.FetchConcurrency)
}

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("ZGRAPH_DRIVER", "sqlite")
	t.Setenv("ZGRAPH_DSN", ":memory:")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	def := DefaultConfig()
	assert.Equal(t, def.FetchStrategy, cfg.FetchStrategy)
	assert.Equal(t, def.FetchConcurrency, cfg.FetchConcurrency)
	assert.Equal(t, def.SlowQueryThreshold, cfg.SlowQueryThreshold)
}

func TestLoadConfig_Errors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = LoadConfig(writeConfig(t, "bad.yaml", "dsn: x\n"))
	assert.ErrorContains(t, err, "driver is required")

	_, err = LoadConfig(writeConfig(t, "bad.yaml", "driver: sqlite\ndsn: x\nfetch_strategy: sideways\n"))
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		want []string
	}{
		{
			name: "valid",
			cfg:  Config{Driver: "mysql", DSN: "app@tcp(localhost:3306)/app"},
		},
		{
			name: "empty",
			want: []string{"driver is required", "dsn is required"},
		},
		{
			name: "negative limits",
			cfg:  Config{Driver: "sqlite3", DSN: "x", FetchConcurrency: -1, StatementCacheSize: -1, MaxIdleConns: -2},
			want: []string{"fetch_concurrency", "statement_cache_size", "connection limits"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if len(tt.want) == 0 {
				assert.NoError(t, err)
				return
			}
			for _, w := range tt.want {
				assert.ErrorContains(t, err, w)
			}
		})
	}

	err := (&Config{Driver: "oracle", DSN: "x"}).Validate()
	assert.True(t, errors.Is(err, ErrUnsupported), "got %v", err)
}

func TestOpen_SQLite(t *testing.T) {
	ctx := context.Background()
	cfg := &Config{Driver: "sqlite", DSN: ":memory:?_foreign_keys=1", FetchConcurrency: 2}

	c, err := Open(ctx, cfg, newTestRegistry(t, nil), WithLogger(discardLogger()), WithStatementCache(8))
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, SQLite, c.Dialect())
	assert.Equal(t, 1, c.DB().Stats().MaxOpenConnections, "in-memory databases use one connection")
	assert.Zero(t, cfg.StatementCacheSize, "options do not modify the caller's config")

	_, err = c.DB().ExecContext(ctx, testSchema)
	require.NoError(t, err)

	_, err = c.InsertOne(ctx, "Person", NewNode(map[string]any{"firstName": "Ross"}).
		With("pets", NewNode(map[string]any{"name": "Marcel"})))
	require.NoError(t, err)

	people, err := c.Fetch(ctx, "Person", nil, "pets")
	require.NoError(t, err)
	require.Len(t, people, 1)
	assert.Equal(t, []any{"Marcel"}, names(people[0].Related("pets"), "name"))
}

func TestOpen_Errors(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t, nil)

	_, err := Open(ctx, &Config{}, reg)
	assert.ErrorContains(t, err, "driver is required")

	_, err = Open(ctx, &Config{Driver: "mysql", DSN: "not a dsn"}, reg)
	assert.ErrorContains(t, err, "parse dsn")
}
