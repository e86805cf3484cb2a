package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load merges the TOML file at path over the defaults, then applies MOLT_*
// environment overrides, reading a .env file first if one exists. An empty
// path or a missing file is not an error. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "MOLT_POSTGRES_DSN")
	setInt(&cfg.Postgres.MaxOpenConns, "MOLT_POSTGRES_MAX_OPEN_CONNS")
	setInt(&cfg.Postgres.MaxIdleConns, "MOLT_POSTGRES_MAX_IDLE_CONNS")
	setDuration(&cfg.Postgres.ConnMaxLifetime, "MOLT_POSTGRES_CONN_MAX_LIFETIME")
	setInt32(&cfg.Postgres.PoolMaxConns, "MOLT_POSTGRES_POOL_MAX_CONNS")
	setStr(&cfg.Postgres.MigrationsDir, "MOLT_MIGRATIONS_DIR")

	// ── NATS ──
	setStr(&cfg.NATS.URL, "MOLT_NATS_URL")
	setBool(&cfg.NATS.Enabled, "MOLT_NATS_ENABLED")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "MOLT_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "MOLT_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "MOLT_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "MOLT_REDIS_POOL_SIZE")
	setBool(&cfg.Redis.Enabled, "MOLT_REDIS_ENABLED")
	setDuration(&cfg.Redis.LeaseTTL, "MOLT_REDIS_LEASE_TTL")

	// ── S3 ──
	setStr(&cfg.S3.Endpoint, "MOLT_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "MOLT_S3_REGION")
	setStr(&cfg.S3.Bucket, "MOLT_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "MOLT_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "MOLT_S3_SECRET_KEY")
	setStr(&cfg.S3.Prefix, "MOLT_S3_PREFIX")
	setBool(&cfg.S3.ForcePathStyle, "MOLT_S3_FORCE_PATH_STYLE")
	setBool(&cfg.S3.Enabled, "MOLT_S3_ENABLED")

	// ── Server ──
	setStr(&cfg.Server.GRPCAddr, "MOLT_GRPC_ADDR")
	setStr(&cfg.Server.HTTPAddr, "MOLT_HTTP_ADDR")
	setStr(&cfg.Server.MetricsAddr, "MOLT_METRICS_ADDR")
	setDuration(&cfg.Server.RequestTimeout, "MOLT_REQUEST_TIMEOUT")
	setBool(&cfg.Server.RequireSignatures, "MOLT_REQUIRE_SIGNATURES")

	// ── Engine ──
	setInt(&cfg.Engine.PersistChanSize, "MOLT_PERSIST_CHAN_SIZE")
	setInt(&cfg.Engine.ProjectionChanSize, "MOLT_PROJECTION_CHAN_SIZE")
	setInt(&cfg.Engine.PublishChanSize, "MOLT_PUBLISH_CHAN_SIZE")
	setInt(&cfg.Engine.PersistBatchSize, "MOLT_PERSIST_BATCH_SIZE")
	setDuration(&cfg.Engine.PersistFlushTimeout, "MOLT_PERSIST_FLUSH_TIMEOUT")
	setInt64(&cfg.Engine.SnapshotInterval, "MOLT_SNAPSHOT_INTERVAL")
	setInt(&cfg.Engine.LRUCapacity, "MOLT_IDEMPOTENCY_LRU_CAPACITY")
	setBool(&cfg.Engine.InvariantChecks, "MOLT_INVARIANT_CHECKS")

	// ── Resolution ──
	setStr(&cfg.Resolution.Policy, "MOLT_RESOLUTION_POLICY")
	setStringSlice(&cfg.Resolution.Oracles, "MOLT_RESOLUTION_ORACLES")

	setStr(&cfg.LogLevel, "MOLT_LOG_LEVEL")
}

// Typed env-var helpers. Each only mutates the target when the variable is
// present, non-empty and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt32(dst *int32, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 32); err == nil {
			*dst = int32(n)
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
