package config_test

import (
	"path/filepath"
	"testing"

	flag "github.com/spf13/pflag"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/spend/engine/pkg/cache"
	"github.com/malbeclabs/spend/engine/pkg/config"
	spendtesting "github.com/malbeclabs/spend/utils/pkg/testing"
)

func parse(t *testing.T, args ...string) *config.Config {
	t.Helper()
	var cfg config.Config
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	cfg.RegisterFlags(fs)
	require.NoError(t, fs.Parse(args))
	return &cfg
}

func TestSpend_Config_Flags(t *testing.T) {
	t.Parallel()

	t.Run("defaults", func(t *testing.T) {
		t.Parallel()
		cfg := parse(t)
		require.Equal(t, config.DriverSQLite, cfg.StoreDriver)
		require.Equal(t, config.CacheMemory, cfg.CacheBackend)
		require.Equal(t, cache.DefaultMemorySize, cfg.CacheMemorySize)
		require.Equal(t, "default", cfg.ClickHouse.Database)
	})

	t.Run("open_sqlite_store", func(t *testing.T) {
		t.Parallel()
		path := filepath.Join(t.TempDir(), "spend.db")
		cfg := parse(t, "--store", "sqlite", "--sqlite-path", path)

		client, err := cfg.OpenStore(t.Context(), spendtesting.NewLogger())
		require.NoError(t, err)
		defer client.Close()
		require.Equal(t, "sqlite", client.Dialect().Name())
	})

	t.Run("unknown_store_driver", func(t *testing.T) {
		t.Parallel()
		cfg := parse(t, "--store", "oracle")
		_, err := cfg.OpenStore(t.Context(), spendtesting.NewLogger())
		require.EqualError(t, err, `unknown store driver "oracle"`)
	})

	t.Run("cache_backends", func(t *testing.T) {
		t.Parallel()
		log := spendtesting.NewLogger()

		st, err := parse(t, "--cache", "none").OpenCacheStore(t.Context(), log)
		require.NoError(t, err)
		require.Nil(t, st)

		st, err = parse(t, "--cache", "memory", "--cache-memory-size", "8").OpenCacheStore(t.Context(), log)
		require.NoError(t, err)
		require.IsType(t, &cache.MemoryStore{}, st)

		_, err = parse(t, "--cache", "s3").OpenCacheStore(t.Context(), log)
		require.EqualError(t, err, "bucket is required")

		st, err = parse(t, "--cache", "s3", "--cache-s3-bucket", "results", "--cache-s3-endpoint", "http://localhost:9000").OpenCacheStore(t.Context(), log)
		require.NoError(t, err)
		require.IsType(t, &cache.S3Store{}, st)

		_, err = parse(t, "--cache", "redis").OpenCacheStore(t.Context(), log)
		require.EqualError(t, err, `unknown cache backend "redis"`)
	})

	t.Run("clickhouse_requires_addr", func(t *testing.T) {
		t.Parallel()
		_, err := parse(t).OpenClickHouse(t.Context(), spendtesting.NewLogger())
		require.EqualError(t, err, "--clickhouse-addr is required")
	})
}

func TestSpend_Config_ApplyEnv(t *testing.T) {
	t.Setenv("SPEND_STORE", "postgres")
	t.Setenv("POSTGRES_HOST", "db.internal")
	t.Setenv("POSTGRES_DB", "spend")
	t.Setenv("POSTGRES_USER", "spend")
	t.Setenv("POSTGRES_PASSWORD", "secret")
	t.Setenv("POSTGRES_MAX_CONNS", "25")
	t.Setenv("SPEND_CACHE", "s3")
	t.Setenv("SPEND_CACHE_S3_BUCKET", "results")
	t.Setenv("AWS_REGION", "eu-central-1")
	t.Setenv("CLICKHOUSE_ADDR", "ch:9000")
	t.Setenv("CLICKHOUSE_PASSWORD", "chsecret")
	t.Setenv("CLICKHOUSE_SECURE", "true")

	cfg := parse(t, "--store", "sqlite", "--cache", "memory")
	cfg.ApplyEnv()

	require.Equal(t, config.DriverPostgres, cfg.StoreDriver)
	require.Equal(t, "db.internal", cfg.Postgres.Host)
	require.Equal(t, "spend", cfg.Postgres.Database)
	require.Equal(t, "secret", cfg.Postgres.Password)
	require.Equal(t, 25, cfg.Postgres.MaxConns)
	require.Equal(t, config.CacheS3, cfg.CacheBackend)
	require.Equal(t, "results", cfg.S3Bucket)
	require.Equal(t, "eu-central-1", cfg.S3.Region)
	require.Equal(t, "ch:9000", cfg.ClickHouse.Addr)
	require.Equal(t, "chsecret", cfg.ClickHouse.Password)
	require.True(t, cfg.ClickHouse.Secure)
}
