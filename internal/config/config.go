package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"busload/internal/transit"
)

const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

type Config struct {
	Store       string
	DatabaseURL string
	DBName      string
	Migrate     bool
	SeedFile    string

	HTTPAddr    string
	MetricsAddr string

	NATSURL           string
	NATSStreamName    string
	NATSJetStream     bool
	NATSSubjectPrefix string
	LogNATSSubjects   bool

	DefaultCapacity  int
	ForecastStatuses []transit.IntentStatus
	WhatIfStatuses   []transit.IntentStatus
	AlertTTL         time.Duration
	RefreshInterval  time.Duration
	StopCacheSize    int
	StopCacheTTL     time.Duration

	LogLevel slog.Level
	Location *time.Location
}

func Load() (*Config, error) {
	// Load .env into environment (ignore if missing)
	_ = godotenv.Load()

	cfg := &Config{}

	cfg.Store = strings.ToLower(getenvDefault("STORE", StorePostgres))
	switch cfg.Store {
	case StorePostgres, StoreMemory:
	default:
		return nil, fmt.Errorf("invalid STORE: %q", cfg.Store)
	}
	cfg.SeedFile = os.Getenv("SEED_FILE")

	if cfg.Store == StorePostgres {
		dsn, err := databaseURL()
		if err != nil {
			return nil, err
		}
		cfg.DatabaseURL = dsn
		cfg.DBName = os.Getenv("DB_NAME")
	}

	migrate, err := parseBool("MIGRATE", true)
	if err != nil {
		return nil, err
	}
	cfg.Migrate = migrate

	cfg.HTTPAddr = getenvDefault("HTTP_ADDR", ":8080")
	// Metrics listen address (e.g., ":9102"). Empty disables the metrics server.
	cfg.MetricsAddr = os.Getenv("METRICS_ADDR")

	// Empty NATS_URL disables event publishing and driver report consumption.
	cfg.NATSURL = os.Getenv("NATS_URL")
	cfg.NATSStreamName = getenvDefault("NATS_STREAM_NAME", "BUSLOAD")
	cfg.NATSSubjectPrefix = strings.Trim(getenvDefault("NATS_SUBJECT_PREFIX", "busload"), ".")
	if cfg.NATSJetStream, err = parseBool("NATS_JETSTREAM", true); err != nil {
		return nil, err
	}
	if cfg.LogNATSSubjects, err = parseBool("LOG_NATS_SUBJECTS", false); err != nil {
		return nil, err
	}

	if cfg.DefaultCapacity, err = parseInt("DEFAULT_CAPACITY", 40, 0); err != nil {
		return nil, err
	}

	cfg.ForecastStatuses, err = transit.ParseIntentStatuses(getenvDefault("FORECAST_STATUSES", "confirmed"))
	if err != nil {
		return nil, fmt.Errorf("invalid FORECAST_STATUSES: %q", os.Getenv("FORECAST_STATUSES"))
	}
	cfg.WhatIfStatuses, err = transit.ParseIntentStatuses(getenvDefault("WHATIF_STATUSES", "pending,confirmed"))
	if err != nil {
		return nil, fmt.Errorf("invalid WHATIF_STATUSES: %q", os.Getenv("WHATIF_STATUSES"))
	}

	ttl, err := parseInt("ALERT_TTL_MINUTES", 60, 1)
	if err != nil {
		return nil, err
	}
	cfg.AlertTTL = time.Duration(ttl) * time.Minute

	// 0 disables the background refresher
	sec, err := parseInt("REFRESH_INTERVAL_SEC", 0, 0)
	if err != nil {
		return nil, err
	}
	cfg.RefreshInterval = time.Duration(sec) * time.Second

	if cfg.StopCacheSize, err = parseInt("STOP_CACHE_SIZE", 256, 1); err != nil {
		return nil, err
	}
	cacheTTL, err := parseInt("STOP_CACHE_TTL_SEC", 300, 0)
	if err != nil {
		return nil, err
	}
	cfg.StopCacheTTL = time.Duration(cacheTTL) * time.Second

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		if err := cfg.LogLevel.UnmarshalText([]byte(v)); err != nil {
			return nil, fmt.Errorf("invalid LOG_LEVEL: %q", v)
		}
	} else {
		cfg.LogLevel = slog.LevelInfo
	}

	// Time zone used to decide what "today" is
	tzName := getenvDefault("TZ", "")
	if tzName == "" {
		cfg.Location = time.Local
	} else {
		loc, err := time.LoadLocation(tzName)
		if err != nil {
			return nil, fmt.Errorf("invalid TZ: %v", err)
		}
		cfg.Location = loc
	}

	return cfg, nil
}

// databaseURL prefers DATABASE_URL / PG_DSN, else builds a DSN from PG* vars.
func databaseURL() (string, error) {
	if dsn := firstNonEmpty(os.Getenv("DATABASE_URL"), os.Getenv("PG_DSN")); dsn != "" {
		return dsn, nil
	}
	host := getenvDefault("PGHOST", "127.0.0.1")
	port := getenvDefault("PGPORT", "5432")
	user := getenvDefault("PGUSER", "postgres")
	pass := os.Getenv("PGPASSWORD")
	db := os.Getenv("PGDATABASE")
	if db == "" {
		return "", errors.New("PGDATABASE or DATABASE_URL must be set (or run with STORE=memory)")
	}
	sslmode := getenvDefault("PGSSLMODE", "disable")
	if pass != "" {
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", urlEscape(user), urlEscape(pass), host, port, db, sslmode), nil
	}
	return fmt.Sprintf("postgres://%s@%s:%s/%s?sslmode=%s", urlEscape(user), host, port, db, sslmode), nil
}

func parseInt(key string, def, min int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < min {
		return 0, fmt.Errorf("invalid %s: %q", key, v)
	}
	return n, nil
}

func parseBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	}
	return false, fmt.Errorf("invalid %s: %q", key, v)
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func urlEscape(s string) string {
	// Minimal escape for DSN user/pass with special chars
	r := strings.NewReplacer("@", "%40", ":", "%3A", "/", "%2F", "?", "%3F", "#", "%23")
	return r.Replace(s)
}
