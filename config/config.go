// Package config loads engine configuration from a .env file and the
// environment.
package config

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"tfbars/internal/store/postgres"
	"tfbars/internal/store/redis"
	"tfbars/internal/store/sqlite"
	"tfbars/internal/timeframe"
	"tfbars/internal/unify"
)

// PostgresConfig holds DB connection details.
type PostgresConfig struct {
	Host     string `envconfig:"POSTGRES_HOST" default:"localhost"`
	Port     int    `envconfig:"POSTGRES_PORT" default:"5432"`
	Database string `envconfig:"POSTGRES_DB" default:"bars"`
	User     string `envconfig:"POSTGRES_USER" default:"bars"`
	Password string `envconfig:"POSTGRES_PASSWORD" default:"bars"`
	PoolMax  int    `envconfig:"PG_POOL_MAX" default:"8"`
}

// RedisConfig holds the Redis watermark backend and event relay settings.
type RedisConfig struct {
	Addr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	Password string `envconfig:"REDIS_PASSWORD"`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
	Prefix   string `envconfig:"REDIS_PREFIX" default:"tfbars"`
}

// Config holds all application configuration.
type Config struct {
	StoreDriver      string `envconfig:"STORE_DRIVER" default:"sqlite"`
	SQLitePath       string `envconfig:"SQLITE_PATH" default:"data/bars.db"`
	WatermarkBackend string `envconfig:"WATERMARK_BACKEND" default:"table"`

	Postgres PostgresConfig
	Redis    RedisConfig

	// Comma-separated timeframe labels, e.g. "1D,3D,1W_CAL_ISO". Empty
	// selects the default catalog.
	Timeframes    string `envconfig:"TIMEFRAMES"`
	CanonicalOnly bool   `envconfig:"CANONICAL_ONLY" default:"false"`
	EmaPeriods    string `envconfig:"EMA_PERIODS" default:"10,21,50,100,200"`
	Assets        string `envconfig:"ASSETS"`
	Workers       int    `envconfig:"WORKERS" default:"4"`
	SyncMode      string `envconfig:"SYNC_MODE" default:"upsert"`

	Schedule       string        `envconfig:"SCHEDULE" default:"@every 1h"`
	HTTPAddr       string        `envconfig:"HTTP_ADDR" default:":9090"`
	PumpInterval   time.Duration `envconfig:"PUMP_INTERVAL" default:"500ms"`
	ReportHistory  int           `envconfig:"REPORT_HISTORY" default:"64"`
	LivenessPeriod time.Duration `envconfig:"LIVENESS_PERIOD" default:"15s"`

	WebhookURL    string `envconfig:"WEBHOOK_URL"`
	TelegramToken string `envconfig:"TELEGRAM_BOT_TOKEN"`
	TelegramChat  string `envconfig:"TELEGRAM_CHAT_ID"`

	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// Load reads .env (if present) and then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err == nil {
		slog.Debug("[config] loaded .env")
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks enumerations and list values.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case "sqlite":
		if c.SQLitePath == "" {
			return fmt.Errorf("config: SQLITE_PATH is required for the sqlite driver")
		}
	case "postgres":
	default:
		return fmt.Errorf("config: unknown STORE_DRIVER %q", c.StoreDriver)
	}
	switch c.WatermarkBackend {
	case "table", "redis":
	default:
		return fmt.Errorf("config: unknown WATERMARK_BACKEND %q", c.WatermarkBackend)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("config: WORKERS must be positive, got %d", c.Workers)
	}
	if _, err := unify.ParseMode(c.SyncMode); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := c.ParsePeriods(); err != nil {
		return err
	}
	if _, err := c.Catalog(); err != nil {
		return err
	}
	return nil
}

// Catalog builds the timeframe catalog from TIMEFRAMES. Known labels keep
// their default canonical flag.
func (c *Config) Catalog() (*timeframe.Catalog, error) {
	labels := ParseList(c.Timeframes)
	if len(labels) == 0 {
		return timeframe.Default(), nil
	}
	cat, err := timeframe.Default().Restrict(labels)
	if err != nil {
		return nil, fmt.Errorf("config: TIMEFRAMES: %w", err)
	}
	return cat, nil
}

// ParsePeriods parses EMA_PERIODS into sorted distinct positive periods.
func (c *Config) ParsePeriods() ([]int, error) {
	seen := make(map[int]bool)
	var out []int
	for _, p := range ParseList(c.EmaPeriods) {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("config: invalid EMA period %q", p)
		}
		if !seen[n] {
			seen[n] = true
			out = append(out, n)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("config: EMA_PERIODS is empty")
	}
	sort.Ints(out)
	return out, nil
}

// AssetList returns the configured assets; empty means every asset.
func (c *Config) AssetList() []string { return ParseList(c.Assets) }

// SQLite returns the SQLite store settings.
func (c *Config) SQLite() sqlite.Config { return sqlite.Config{DBPath: c.SQLitePath} }

// PostgresStore returns the Postgres store settings.
func (c *Config) PostgresStore() postgres.Config {
	p := c.Postgres
	return postgres.Config{Host: p.Host, Port: p.Port, Database: p.Database, User: p.User, Password: p.Password, PoolMax: p.PoolMax}
}

// RedisStore returns the Redis watermark store settings.
func (c *Config) RedisStore() redis.Config {
	r := c.Redis
	return redis.Config{Addr: r.Addr, Password: r.Password, DB: r.DB, Prefix: r.Prefix}
}

// ParseList splits a comma-separated value, dropping blanks.
func ParseList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
