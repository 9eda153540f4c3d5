package main

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/aadithya-v/staybook/gotrue"
	"github.com/aadithya-v/staybook/objectstore/s3"
	"github.com/aadithya-v/staybook/store"
)

// fileConfig is the YAML configuration of the example CLI.
// ${VAR} references are expanded from the environment, which is seeded
// from a .env file when one exists.
type fileConfig struct {
	Auth     gotrue.Config `yaml:"auth"`
	Storage  storageConfig `yaml:"storage"`
	Postgres pgConfig      `yaml:"postgres"`
	Local    localConfig   `yaml:"local"`
	Logging  logConfig     `yaml:"logging"`

	RefreshTimeout time.Duration `yaml:"refresh_timeout"`
	UserAgent      string        `yaml:"user_agent"`
}

type storageConfig struct {
	s3.Config `yaml:",inline"`

	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	MaxBytes int64  `yaml:"max_bytes"`
}

type pgConfig struct {
	DSN     string `yaml:"dsn"`
	Migrate bool   `yaml:"migrate"`
}

// localConfig selects where the signed-in session is persisted.
type localConfig struct {
	Driver     string            `yaml:"driver"` // sqlite, mysql, redis or memory
	Path       string            `yaml:"path"`
	DSN        string            `yaml:"dsn"`
	Redis      store.RedisConfig `yaml:"redis"`
	SessionKey string            `yaml:"session_key"`
}

type logConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

func loadConfig(path string) (*fileConfig, error) {
	_ = godotenv.Load()

	cfg := &fileConfig{}
	if path != "" {
		// #nosec G304 -- path comes from the command line
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	applyEnv(cfg)
	applyDefaults(cfg)
	return cfg, nil
}

// applyEnv lets the usual Supabase variables stand in for a config file.
func applyEnv(cfg *fileConfig) {
	setIfEmpty(&cfg.Auth.URL, "SUPABASE_URL")
	setIfEmpty(&cfg.Auth.APIKey, "SUPABASE_ANON_KEY")
	setIfEmpty(&cfg.Postgres.DSN, "DATABASE_URL")
	setIfEmpty(&cfg.Storage.Endpoint, "S3_ENDPOINT")
	setIfEmpty(&cfg.Storage.Region, "S3_REGION")
	setIfEmpty(&cfg.Storage.AccessKey, "S3_ACCESS_KEY")
	setIfEmpty(&cfg.Storage.SecretKey, "S3_SECRET_KEY")
	setIfEmpty(&cfg.Storage.PublicBaseURL, "S3_PUBLIC_BASE_URL")
	setIfEmpty(&cfg.Local.Driver, "STAYBOOK_LOCAL_DRIVER")
	setIfEmpty(&cfg.Logging.Level, "STAYBOOK_LOG_LEVEL")
}

func setIfEmpty(dst *string, env string) {
	if *dst == "" {
		*dst = os.Getenv(env)
	}
}

func applyDefaults(cfg *fileConfig) {
	if cfg.Local.Driver == "" {
		cfg.Local.Driver = "sqlite"
	}
	if cfg.Local.Path == "" {
		cfg.Local.Path = "staybook.db"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "warn"
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "staybook-cli/1.0"
	}
}

// openLocal opens the key-value store the session is persisted in.
func openLocal(cfg localConfig) (store.KeyValueStore, error) {
	switch cfg.Driver {
	case "sqlite":
		return store.NewSQLite(cfg.Path)
	case "mysql":
		return store.NewMySQLFromDSN(cfg.DSN)
	case "redis":
		return store.NewRedisFromConfig(cfg.Redis)
	case "memory":
		return store.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown local driver: %s", cfg.Driver)
	}
}
