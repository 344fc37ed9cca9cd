package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	InlineTimeout  time.Duration `yaml:"inline_timeout"`
	OriginPatterns []string      `yaml:"origin_patterns"`
}

type DatabaseConfig struct {
	Driver     string `yaml:"driver"` // postgres|sqlite
	URL        string `yaml:"url"`
	SQLitePath string `yaml:"sqlite_path"`
	MaxConns   int32  `yaml:"max_conns"`
	Migrate    bool   `yaml:"migrate"`
}

type WorkersConfig struct {
	Count        int           `yaml:"count"`
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxAttempts  int           `yaml:"max_attempts"`
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

type ScanConfig struct {
	Renderer          string        `yaml:"renderer"` // playwright|http
	NavigationTimeout time.Duration `yaml:"navigation_timeout"`
	FetchTimeout      time.Duration `yaml:"fetch_timeout"`
	UserAgent         string        `yaml:"user_agent"`
	InstallBrowsers   bool          `yaml:"install_browsers"`
}

type ReconcileConfig struct {
	EmitReaddEvents bool `yaml:"emit_readd_events"`
}

type EvidenceConfig struct {
	StorageRoot string `yaml:"storage_root"`
	// SigningKey is a hex ed25519 seed; empty disables manifest.sig.
	SigningKey string `yaml:"signing_key"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text|json
}

type Config struct {
	Env       string          `yaml:"env"`
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Workers   WorkersConfig   `yaml:"workers"`
	Scan      ScanConfig      `yaml:"scan"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Evidence  EvidenceConfig  `yaml:"evidence"`
	Log       LogConfig       `yaml:"log"`
}

func defaults() *Config {
	return &Config{
		Env: "development",
		Server: ServerConfig{
			ListenAddr:    ":8080",
			InlineTimeout: 5 * time.Minute,
		},
		Database: DatabaseConfig{
			Driver:     "sqlite",
			SQLitePath: "scriptguard.db",
			MaxConns:   10,
			Migrate:    true,
		},
		Workers: WorkersConfig{
			Count:        2,
			PollInterval: 500 * time.Millisecond,
			MaxAttempts:  3,
			RetryBackoff: 30 * time.Second,
		},
		Scan: ScanConfig{
			Renderer:          "playwright",
			NavigationTimeout: 60 * time.Second,
			FetchTimeout:      60 * time.Second,
			UserAgent:         "scriptguard/1.0 (+script inventory monitor)",
		},
		Reconcile: ReconcileConfig{EmitReaddEvents: true},
		Evidence:  EvidenceConfig{StorageRoot: "./data/packs"},
		Log:       LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads the YAML file at path over the defaults, then applies
// environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config: %w", err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Env = getenv("APP_ENV", c.Env)
	c.Server.ListenAddr = getenv("LISTEN_ADDR", c.Server.ListenAddr)
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.Driver = "postgres"
		c.Database.URL = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		c.Database.Driver = "sqlite"
		c.Database.SQLitePath = v
	}
	c.Workers.Count = getenvInt("TASK_WORKERS", c.Workers.Count)
	c.Scan.Renderer = getenv("RENDERER", c.Scan.Renderer)
	c.Evidence.StorageRoot = getenv("STORAGE_ROOT", c.Evidence.StorageRoot)
	c.Evidence.SigningKey = getenv("PACK_SIGNING_KEY", c.Evidence.SigningKey)
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "postgres":
		if c.Database.URL == "" {
			errs = append(errs, errors.New("database.url (DATABASE_URL) is required for postgres"))
		}
	case "sqlite":
		if c.Database.SQLitePath == "" {
			errs = append(errs, errors.New("database.sqlite_path is required for sqlite"))
		}
	default:
		errs = append(errs, fmt.Errorf("database.driver %q must be postgres or sqlite", c.Database.Driver))
	}
	if c.Scan.Renderer != "playwright" && c.Scan.Renderer != "http" {
		errs = append(errs, fmt.Errorf("scan.renderer %q must be playwright or http", c.Scan.Renderer))
	}
	if c.Workers.Count < 0 {
		errs = append(errs, errors.New("workers.count must not be negative"))
	}
	if c.Workers.MaxAttempts < 1 {
		errs = append(errs, errors.New("workers.max_attempts must be at least 1"))
	}
	if c.Workers.Count > 0 && c.Workers.PollInterval <= 0 {
		errs = append(errs, errors.New("workers.poll_interval must be positive"))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// NewLogger builds the process logger described by c.
func (c LogConfig) NewLogger(w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		var out int
		if _, err := fmt.Sscanf(v, "%d", &out); err == nil {
			return out
		}
	}
	return def
}
