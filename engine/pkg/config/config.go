package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/spend/engine/pkg/cache"
	"github.com/malbeclabs/spend/engine/pkg/clickhouse"
	"github.com/malbeclabs/spend/engine/pkg/store"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	CacheNone   = "none"
	CacheMemory = "memory"
	CacheS3     = "s3"
)

// Config is the runtime configuration shared by the engine and spendctl.
type Config struct {
	StoreDriver string
	SQLitePath  string
	Postgres    store.PostgresConfig

	CacheBackend    string
	CacheMemorySize int
	S3              cache.S3ClientConfig
	S3Bucket        string
	S3Prefix        string

	ClickHouse clickhouse.Config
}

// RegisterFlags binds the configuration to a flag set.
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.StringVar(&c.StoreDriver, "store", DriverSQLite, "storage driver: sqlite or postgres (or set SPEND_STORE env var)")
	fs.StringVar(&c.SQLitePath, "sqlite-path", "spend.db", "SQLite database file (or set SPEND_SQLITE_PATH env var)")

	fs.StringVar(&c.CacheBackend, "cache", CacheMemory, "result cache backend: none, memory or s3 (or set SPEND_CACHE env var)")
	fs.IntVar(&c.CacheMemorySize, "cache-memory-size", cache.DefaultMemorySize, "number of results kept by the memory cache")
	fs.StringVar(&c.S3Bucket, "cache-s3-bucket", "", "S3 bucket for cached results (or set SPEND_CACHE_S3_BUCKET env var)")
	fs.StringVar(&c.S3Prefix, "cache-s3-prefix", "spend-cache", "key prefix for cached results in S3")
	fs.StringVar(&c.S3.Endpoint, "cache-s3-endpoint", "", "custom S3 endpoint, e.g. for MinIO (or set AWS_ENDPOINT_URL_S3 env var)")
	fs.BoolVar(&c.S3.PathStyle, "cache-s3-path-style", false, "use path-style S3 addressing")

	fs.StringVar(&c.ClickHouse.Addr, "clickhouse-addr", "", "ClickHouse address (host:port) (or set CLICKHOUSE_ADDR env var)")
	fs.StringVar(&c.ClickHouse.Database, "clickhouse-database", clickhouse.DefaultDatabase, "ClickHouse database name (or set CLICKHOUSE_DATABASE env var)")
	fs.StringVar(&c.ClickHouse.Username, "clickhouse-username", "default", "ClickHouse username (or set CLICKHOUSE_USERNAME env var)")
	fs.BoolVar(&c.ClickHouse.Secure, "clickhouse-secure", false, "enable TLS for ClickHouse (or set CLICKHOUSE_SECURE=true env var)")
}

// ApplyEnv overrides flag values with environment variables that are set.
// Secrets are only read from the environment.
func (c *Config) ApplyEnv() {
	setString(&c.StoreDriver, "SPEND_STORE")
	setString(&c.SQLitePath, "SPEND_SQLITE_PATH")

	pg := store.PostgresConfigFromEnv()
	c.Postgres.Host = pg.Host
	c.Postgres.Port = pg.Port
	c.Postgres.Database = pg.Database
	c.Postgres.Username = pg.Username
	c.Postgres.Password = pg.Password
	c.Postgres.SSLMode = pg.SSLMode
	if n, err := strconv.Atoi(os.Getenv("POSTGRES_MAX_CONNS")); err == nil {
		c.Postgres.MaxConns = n
	}

	setString(&c.CacheBackend, "SPEND_CACHE")
	setString(&c.S3Bucket, "SPEND_CACHE_S3_BUCKET")
	setString(&c.S3.Endpoint, "AWS_ENDPOINT_URL_S3")
	setString(&c.S3.Region, "AWS_REGION")
	c.S3.AccessKeyID = os.Getenv("AWS_ACCESS_KEY_ID")
	c.S3.SecretAccessKey = os.Getenv("AWS_SECRET_ACCESS_KEY")

	setString(&c.ClickHouse.Addr, "CLICKHOUSE_ADDR")
	setString(&c.ClickHouse.Database, "CLICKHOUSE_DATABASE")
	setString(&c.ClickHouse.Username, "CLICKHOUSE_USERNAME")
	c.ClickHouse.Password = os.Getenv("CLICKHOUSE_PASSWORD")
	if os.Getenv("CLICKHOUSE_SECURE") == "true" {
		c.ClickHouse.Secure = true
	}
}

func setString(dst *string, env string) {
	if v := os.Getenv(env); v != "" {
		*dst = v
	}
}

// OpenStore opens the configured relational store.
func (c *Config) OpenStore(ctx context.Context, log *slog.Logger) (store.Client, error) {
	switch c.StoreDriver {
	case DriverSQLite, "":
		return store.OpenSQLite(ctx, log, c.SQLitePath)
	case DriverPostgres:
		return store.OpenPostgres(ctx, log, c.Postgres)
	}
	return nil, fmt.Errorf("unknown store driver %q", c.StoreDriver)
}

// OpenCacheStore opens the configured result cache store. A nil store with no
// error means caching is disabled.
func (c *Config) OpenCacheStore(ctx context.Context, log *slog.Logger) (cache.Store, error) {
	switch c.CacheBackend {
	case CacheNone, "":
		return nil, nil
	case CacheMemory:
		return cache.NewMemoryStore(c.CacheMemorySize)
	case CacheS3:
		client, err := cache.NewS3Client(ctx, c.S3)
		if err != nil {
			return nil, err
		}
		return cache.NewS3Store(cache.S3StoreConfig{
			Logger: log,
			Client: client,
			Bucket: c.S3Bucket,
			Prefix: c.S3Prefix,
		})
	}
	return nil, fmt.Errorf("unknown cache backend %q", c.CacheBackend)
}

// OpenClickHouse connects to the analytic mirror database.
func (c *Config) OpenClickHouse(ctx context.Context, log *slog.Logger) (clickhouse.Client, error) {
	if c.ClickHouse.Addr == "" {
		return nil, fmt.Errorf("--clickhouse-addr is required")
	}
	return clickhouse.NewClient(ctx, log, c.ClickHouse)
}
