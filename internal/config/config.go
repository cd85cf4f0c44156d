// Package config loads and validates the task-graph TOML configuration.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// DefaultPath is where Load looks when no path is given.
const DefaultPath = "taskgraph.toml"

// Duration is a time.Duration that unmarshals from TOML strings like "60s" or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is built once at startup and passed by value to constructors.
type Config struct {
	Server   Server   `toml:"server"`
	Database Database `toml:"database"`
	Cache    Cache    `toml:"cache"`
	Log      Log      `toml:"log"`
}

type Server struct {
	Bind            string   `toml:"bind"`
	APIPrefix       string   `toml:"api_prefix"`
	ProjectName     string   `toml:"project_name"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

type Database struct {
	URL string `toml:"url"` // postgres://..., postgresql://..., sqlite://path or file:path
}

type Cache struct {
	URL string   `toml:"url"` // redis://... or rediss://...; empty = in-process
	TTL Duration `toml:"ttl"`
}

type Log struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // text or json
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Server: Server{
			Bind:            ":8080",
			APIPrefix:       "/api/v1",
			ProjectName:     "Intelligent Task System",
			ShutdownTimeout: Duration{5 * time.Second},
		},
		Database: Database{URL: "sqlite://taskgraph.db"},
		Cache:    Cache{TTL: Duration{60 * time.Second}},
		Log:      Log{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. A missing file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		path = DefaultPath
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("loading config %s: %w", path, err)
	}
	applyEnv(&cfg, os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes TOML text over the defaults without touching the environment.
func Parse(data string) (Config, error) {
	cfg := Default()
	if _, err := toml.Decode(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) {
	if v, ok := lookup("DATABASE_URL"); ok && v != "" {
		cfg.Database.URL = v
	}
	if v, ok := lookup("REDIS_URL"); ok && v != "" {
		cfg.Cache.URL = v
	}
	if v, ok := lookup("PORT"); ok && v != "" {
		cfg.Server.Bind = ":" + v
	}
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		cfg.Log.Level = v
	}
}

// Validate checks the connection descriptors and limits.
func (c Config) Validate() error {
	var problems []string

	switch {
	case c.Database.URL == "":
		problems = append(problems, "database.url is required")
	case !hasAnyPrefix(c.Database.URL, "postgres://", "postgresql://", "sqlite://", "file:"):
		problems = append(problems, fmt.Sprintf("database.url %q must start with postgres://, postgresql://, sqlite:// or file:", c.Database.URL))
	}
	if c.Cache.URL != "" && !hasAnyPrefix(c.Cache.URL, "redis://", "rediss://") {
		problems = append(problems, fmt.Sprintf("cache.url %q must start with redis:// or rediss://", c.Cache.URL))
	}
	if c.Cache.TTL.Duration <= 0 {
		problems = append(problems, "cache.ttl must be positive")
	}
	if !strings.HasPrefix(c.Server.APIPrefix, "/") {
		problems = append(problems, "server.api_prefix must start with /")
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		problems = append(problems, fmt.Sprintf("log.format %q must be text or json", c.Log.Format))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// IsPostgres reports whether the database URL names a Postgres server.
func (d Database) IsPostgres() bool {
	return hasAnyPrefix(d.URL, "postgres://", "postgresql://")
}

// SQLitePath returns the file path of a sqlite:// or file: URL.
func (d Database) SQLitePath() string {
	if p, ok := strings.CutPrefix(d.URL, "sqlite://"); ok {
		return p
	}
	return strings.TrimPrefix(d.URL, "file:")
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
