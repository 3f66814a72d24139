// Package config loads server configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	BackendMemory = "memory"
	BackendBolt   = "bolt"
)

// Config is the full server configuration.
type Config struct {
	Addr     string `env:"ADDR" envDefault:":8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"INFO"`

	CacheVersion    string        `env:"CACHE_VERSION" envDefault:"v1"`
	CacheDefaultTTL time.Duration `env:"CACHE_DEFAULT_TTL" envDefault:"5m"`
	SweepInterval   time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`

	KVBackend    string `env:"KV_BACKEND" envDefault:"memory"`
	KVPath       string `env:"KV_PATH" envDefault:"data/kv.db"`
	KVQuotaBytes int    `env:"KV_QUOTA_BYTES" envDefault:"5242880"`
	BulkDBPath   string `env:"BULK_DB_PATH" envDefault:"data/bulk.db"`
	WorkerDBPath string `env:"WORKER_DB_PATH" envDefault:"data/worker.db"`

	AppOrigin       string   `env:"APP_ORIGIN" envDefault:"http://localhost:8080"`
	WorkerCacheName string   `env:"WORKER_CACHE_NAME" envDefault:"attendance-app"`
	WorkerVersion   string   `env:"WORKER_VERSION" envDefault:"v1"`
	APIHosts        []string `env:"API_HOSTS" envSeparator:"," envDefault:"script.google.com,script.googleusercontent.com"`
	MapsHosts       []string `env:"MAPS_HOSTS" envSeparator:"," envDefault:"dapi.kakao.com"`
	CDNHosts        []string `env:"CDN_HOSTS" envSeparator:"," envDefault:"jquery.com,jsdelivr.net"`
	PrecacheURLs    []string `env:"PRECACHE_URLS" envSeparator:","`
	QueueActions    []string `env:"QUEUE_ACTIONS" envSeparator:"," envDefault:"attend"`

	ProbeURL      string        `env:"PROBE_URL"`
	ProbeInterval time.Duration `env:"PROBE_INTERVAL" envDefault:"30s"`

	AdminJWTSecret string `env:"ADMIN_JWT_SECRET"`
}

// Load reads optional .env files and then parses the environment.
// Missing files are skipped; variables already set win over file values.
func Load(files ...string) (Config, error) {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects configurations the server cannot start with.
func (c Config) Validate() error {
	var errs []error

	switch c.KVBackend {
	case BackendMemory:
	case BackendBolt:
		if strings.TrimSpace(c.KVPath) == "" {
			errs = append(errs, errors.New("KV_PATH is required for the bolt backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown KV_BACKEND %q", c.KVBackend))
	}

	if strings.TrimSpace(c.CacheVersion) == "" {
		errs = append(errs, errors.New("CACHE_VERSION must not be empty"))
	}
	if strings.TrimSpace(c.WorkerVersion) == "" {
		errs = append(errs, errors.New("WORKER_VERSION must not be empty"))
	}
	if c.CacheDefaultTTL <= 0 {
		errs = append(errs, errors.New("CACHE_DEFAULT_TTL must be positive"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("SWEEP_INTERVAL must be positive"))
	}
	if c.ProbeInterval <= 0 {
		errs = append(errs, errors.New("PROBE_INTERVAL must be positive"))
	}
	if c.KVQuotaBytes < 0 {
		errs = append(errs, errors.New("KV_QUOTA_BYTES must not be negative"))
	}

	return errors.Join(errs...)
}
