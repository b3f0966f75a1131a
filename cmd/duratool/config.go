package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/goccy/go-yaml"

	"github.com/rendis/duratool/internal/activities"
	"github.com/rendis/duratool/internal/scheduler"
	"github.com/rendis/duratool/internal/store"
)

// Config holds all duratool server configuration.
// Priority: env vars > settings.yaml > defaults. Command-line flags override all three.
type Config struct {
	Transport        string                     `yaml:"transport"`
	ListenAddr       string                     `yaml:"listen_addr"`
	Store            string                     `yaml:"store"`
	DBPath           string                     `yaml:"db_path"`
	PostgresURL      string                     `yaml:"postgres_url"`
	LogLevel         string                     `yaml:"log_level"`
	AdvancePoolSize  int                        `yaml:"advance_pool_size"`
	ActivityPoolSize int                        `yaml:"activity_pool_size"`
	SweepInterval    time.Duration              `yaml:"sweep_interval"`
	ToolWait         time.Duration              `yaml:"tool_wait"`
	Archive          store.MinioConfig          `yaml:"archive"`
	ScheduleInterval time.Duration              `yaml:"schedule_interval"`
	Schedules        []scheduler.Schedule       `yaml:"schedules"`
	HackerNewsMCP    activities.MCPServerConfig `yaml:"hackernews_mcp"`
}

const (
	transportStdio = "stdio"
	transportHTTP  = "http"

	storeLibSQL   = "libsql"
	storePostgres = "postgres"
	storeMemory   = "memory"
)

func defaultConfig() Config {
	return Config{
		Transport:        transportStdio,
		ListenAddr:       ":4200",
		Store:            storeLibSQL,
		DBPath:           filepath.Join(duratoolDir(), "duratool.db"),
		LogLevel:         "info",
		AdvancePoolSize:  10,
		ActivityPoolSize: 10,
		SweepInterval:    30 * time.Second,
		ToolWait:         2 * time.Minute,
		ScheduleInterval: scheduler.DefaultInterval,
	}
}

func duratoolDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".duratool"
	}
	return filepath.Join(home, ".duratool")
}

func settingsPath() string {
	return filepath.Join(duratoolDir(), "settings.yaml")
}

// loadConfig layers defaults, the settings file at path and DURATOOL_* env vars.
// A missing settings file is not an error; an invalid one is.
func loadConfig(path string, getenv func(string) string) (Config, error) {
	cfg := defaultConfig()

	// Layer 2: settings.yaml.
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return cfg, fmt.Errorf("read %s: %w", path, err)
	default:
		if err := yaml.UnmarshalWithOptions(data, &cfg, yaml.Strict()); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	// Layer 3: env vars override.
	if err := applyEnv(&cfg, getenv); err != nil {
		return cfg, err
	}
	return cfg, cfg.validate()
}

func applyEnv(cfg *Config, getenv func(string) string) error {
	strs := map[string]*string{
		"DURATOOL_TRANSPORT":          &cfg.Transport,
		"DURATOOL_LISTEN_ADDR":        &cfg.ListenAddr,
		"DURATOOL_STORE":              &cfg.Store,
		"DURATOOL_DB_PATH":            &cfg.DBPath,
		"DURATOOL_POSTGRES_URL":       &cfg.PostgresURL,
		"DURATOOL_LOG_LEVEL":          &cfg.LogLevel,
		"DURATOOL_ARCHIVE_ENDPOINT":   &cfg.Archive.Endpoint,
		"DURATOOL_ARCHIVE_BUCKET":     &cfg.Archive.Bucket,
		"DURATOOL_ARCHIVE_ACCESS_KEY": &cfg.Archive.AccessKey,
		"DURATOOL_ARCHIVE_SECRET_KEY": &cfg.Archive.SecretKey,
		"DURATOOL_ARCHIVE_REGION":     &cfg.Archive.Region,
	}
	for name, dst := range strs {
		if v := getenv(name); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"DURATOOL_ADVANCE_POOL_SIZE":  &cfg.AdvancePoolSize,
		"DURATOOL_ACTIVITY_POOL_SIZE": &cfg.ActivityPoolSize,
	}
	for name, dst := range ints {
		if v := getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			*dst = n
		}
	}

	durations := map[string]*time.Duration{
		"DURATOOL_SWEEP_INTERVAL":    &cfg.SweepInterval,
		"DURATOOL_TOOL_WAIT":         &cfg.ToolWait,
		"DURATOOL_SCHEDULE_INTERVAL": &cfg.ScheduleInterval,
	}
	for name, dst := range durations {
		if v := getenv(name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			*dst = d
		}
	}

	if v := getenv("DURATOOL_ARCHIVE_USE_SSL"); v != "" {
		cfg.Archive.UseSSL = v == "true" || v == "1"
	}
	return nil
}

func (c Config) validate() error {
	switch c.Transport {
	case transportStdio, transportHTTP:
	default:
		return fmt.Errorf("transport must be %q or %q, got %q", transportStdio, transportHTTP, c.Transport)
	}
	switch c.Store {
	case storeLibSQL:
		if c.DBPath == "" {
			return errors.New("db_path is required for the libsql store")
		}
	case storePostgres:
		if c.PostgresURL == "" {
			return errors.New("postgres_url is required for the postgres store")
		}
	case storeMemory:
	default:
		return fmt.Errorf("store must be one of libsql, postgres, memory, got %q", c.Store)
	}
	if c.Transport == transportHTTP && c.ListenAddr == "" {
		return errors.New("listen_addr is required for the http transport")
	}
	return nil
}

// configDiff describes what changed between two configurations.
type configDiff struct {
	LogLevelChanged bool
	RestartNeeded   []string // fields that require a server restart
}

func diffConfigs(old, new Config) configDiff {
	var d configDiff
	if old.LogLevel != new.LogLevel {
		d.LogLevelChanged = true
	}
	restart := []struct {
		field   string
		changed bool
	}{
		{"transport", old.Transport != new.Transport},
		{"listen_addr", old.ListenAddr != new.ListenAddr},
		{"store", old.Store != new.Store},
		{"db_path", old.DBPath != new.DBPath},
		{"postgres_url", old.PostgresURL != new.PostgresURL},
		{"advance_pool_size", old.AdvancePoolSize != new.AdvancePoolSize},
		{"activity_pool_size", old.ActivityPoolSize != new.ActivityPoolSize},
		{"sweep_interval", old.SweepInterval != new.SweepInterval},
		{"tool_wait", old.ToolWait != new.ToolWait},
		{"archive", old.Archive != new.Archive},
		{"schedule_interval", old.ScheduleInterval != new.ScheduleInterval},
		{"schedules", !sameSchedules(old.Schedules, new.Schedules)},
		{"hackernews_mcp", !sameMCP(old.HackerNewsMCP, new.HackerNewsMCP)},
	}
	for _, r := range restart {
		if r.changed {
			d.RestartNeeded = append(d.RestartNeeded, r.field)
		}
	}
	return d
}

func sameSchedules(a, b []scheduler.Schedule) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		x, err := yaml.Marshal(a[i])
		if err != nil {
			return false
		}
		y, err := yaml.Marshal(b[i])
		if err != nil {
			return false
		}
		if string(x) != string(y) {
			return false
		}
	}
	return true
}

func sameMCP(a, b activities.MCPServerConfig) bool {
	x, errX := yaml.Marshal(a)
	y, errY := yaml.Marshal(b)
	return errX == nil && errY == nil && string(x) == string(y)
}
