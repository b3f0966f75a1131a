package main

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/duratool/internal/activities"
	"github.com/rendis/duratool/internal/scheduler"
	"github.com/rendis/duratool/internal/store"
)

func noEnv(string) string { return "" }

func envOf(vars map[string]string) func(string) string {
	return func(name string) string { return vars[name] }
}

func writeSettings(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml"), noEnv)
	require.NoError(t, err)

	assert.Equal(t, transportStdio, cfg.Transport)
	assert.Equal(t, storeLibSQL, cfg.Store)
	assert.Equal(t, ":4200", cfg.ListenAddr)
	assert.Equal(t, "duratool.db", filepath.Base(cfg.DBPath))
	assert.Equal(t, 10, cfg.AdvancePoolSize)
	assert.Equal(t, 30*time.Second, cfg.SweepInterval)
	assert.Equal(t, 2*time.Minute, cfg.ToolWait)
	assert.Equal(t, scheduler.DefaultInterval, cfg.ScheduleInterval)
	assert.False(t, cfg.Archive.Enabled())
	assert.Empty(t, cfg.Schedules)
}

func TestLoadConfig_File(t *testing.T) {
	path := writeSettings(t, `
transport: http
listen_addr: ":9000"
store: memory
log_level: debug
sweep_interval: 10s
tool_wait: 45s
archive:
  endpoint: localhost:9001
  bucket: runs
schedules:
  - name: hourly-news
    cron: "0 * * * *"
    workflow_type: GetLatestStories
    input:
      query: golang
hackernews_mcp:
  command: /usr/local/bin/hn-mcp
  args: ["--stdio"]
`)
	cfg, err := loadConfig(path, noEnv)
	require.NoError(t, err)

	assert.Equal(t, transportHTTP, cfg.Transport)
	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, storeMemory, cfg.Store)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 10*time.Second, cfg.SweepInterval)
	assert.Equal(t, 45*time.Second, cfg.ToolWait)
	assert.True(t, cfg.Archive.Enabled())
	require.Len(t, cfg.Schedules, 1)
	assert.Equal(t, "hourly-news", cfg.Schedules[0].Name)
	assert.Equal(t, "GetLatestStories", cfg.Schedules[0].WorkflowType)
	assert.Equal(t, "golang", cfg.Schedules[0].Input["query"])
	assert.Equal(t, activities.MCPServerConfig{Command: "/usr/local/bin/hn-mcp", Args: []string{"--stdio"}}, cfg.HackerNewsMCP)
	// Untouched fields keep their defaults.
	assert.Equal(t, 10, cfg.ActivityPoolSize)
}

func TestLoadConfig_RejectsUnknownField(t *testing.T) {
	path := writeSettings(t, "transprot: http\n")
	_, err := loadConfig(path, noEnv)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse")
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	path := writeSettings(t, "store: memory\nlog_level: warn\n")
	cfg, err := loadConfig(path, envOf(map[string]string{
		"DURATOOL_LOG_LEVEL":          "debug",
		"DURATOOL_ACTIVITY_POOL_SIZE": "4",
		"DURATOOL_TOOL_WAIT":          "5s",
		"DURATOOL_ARCHIVE_ENDPOINT":   "s3.local",
		"DURATOOL_ARCHIVE_BUCKET":     "history",
		"DURATOOL_ARCHIVE_USE_SSL":    "true",
	}))
	require.NoError(t, err)

	assert.Equal(t, storeMemory, cfg.Store)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 4, cfg.ActivityPoolSize)
	assert.Equal(t, 5*time.Second, cfg.ToolWait)
	assert.Equal(t, store.MinioConfig{Endpoint: "s3.local", Bucket: "history", UseSSL: true}, cfg.Archive)
}

func TestLoadConfig_BadEnvValues(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "absent.yaml")

	_, err := loadConfig(missing, envOf(map[string]string{"DURATOOL_ADVANCE_POOL_SIZE": "many"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DURATOOL_ADVANCE_POOL_SIZE")

	_, err = loadConfig(missing, envOf(map[string]string{"DURATOOL_SWEEP_INTERVAL": "soon"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DURATOOL_SWEEP_INTERVAL")
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "memory store", mutate: func(c *Config) { c.Store = storeMemory }},
		{name: "unknown transport", mutate: func(c *Config) { c.Transport = "grpc" }, wantErr: "transport"},
		{name: "unknown store", mutate: func(c *Config) { c.Store = "redis" }, wantErr: "store must be"},
		{name: "libsql without path", mutate: func(c *Config) { c.DBPath = "" }, wantErr: "db_path"},
		{name: "postgres without url", mutate: func(c *Config) { c.Store = storePostgres }, wantErr: "postgres_url"},
		{name: "postgres with url", mutate: func(c *Config) {
			c.Store = storePostgres
			c.PostgresURL = "postgres://localhost/duratool"
		}},
		{name: "http without address", mutate: func(c *Config) {
			c.Transport = transportHTTP
			c.ListenAddr = ""
		}, wantErr: "listen_addr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(&cfg)
			err := cfg.validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDiffConfigs(t *testing.T) {
	old := defaultConfig()

	assert.Equal(t, configDiff{}, diffConfigs(old, defaultConfig()))

	next := defaultConfig()
	next.LogLevel = "debug"
	d := diffConfigs(old, next)
	assert.True(t, d.LogLevelChanged)
	assert.Empty(t, d.RestartNeeded)

	next = defaultConfig()
	next.Store = storeMemory
	next.ToolWait = time.Second
	next.Schedules = []scheduler.Schedule{{Name: "nightly", Cron: "0 3 * * *", WorkflowType: "GetLatestStories"}}
	next.HackerNewsMCP = activities.MCPServerConfig{Command: "hn"}
	d = diffConfigs(old, next)
	assert.False(t, d.LogLevelChanged)
	assert.Equal(t, []string{"store", "tool_wait", "schedules", "hackernews_mcp"}, d.RestartNeeded)
}

func TestSameSchedules_ComparesInput(t *testing.T) {
	a := []scheduler.Schedule{{Name: "s", Cron: "@hourly", WorkflowType: "GetAlerts", Input: map[string]any{"state": "CA"}}}
	b := []scheduler.Schedule{{Name: "s", Cron: "@hourly", WorkflowType: "GetAlerts", Input: map[string]any{"state": "CA"}}}
	assert.True(t, sameSchedules(a, b))

	b[0].Input["state"] = "NY"
	assert.False(t, sameSchedules(a, b))
	assert.False(t, sameSchedules(a, nil))
}

func newTestWatcher(t *testing.T, path string) (*settingsWatcher, *bytes.Buffer) {
	t.Helper()
	current, err := loadConfig(path, noEnv)
	require.NoError(t, err)
	levelVar := new(slog.LevelVar)
	var logs bytes.Buffer
	return &settingsWatcher{
		path:     path,
		getenv:   noEnv,
		current:  current,
		levelVar: levelVar,
		logger:   slog.New(slog.NewTextHandler(&logs, nil)),
	}, &logs
}

func TestSettingsWatcher_ReloadAppliesLogLevel(t *testing.T) {
	path := writeSettings(t, "store: memory\nlog_level: info\n")
	w, logs := newTestWatcher(t, path)

	require.NoError(t, os.WriteFile(path, []byte("store: memory\nlog_level: debug\ntool_wait: 1s\n"), 0o600))
	d := w.reload()

	assert.True(t, d.LogLevelChanged)
	assert.Equal(t, []string{"tool_wait"}, d.RestartNeeded)
	assert.Equal(t, slog.LevelDebug, w.levelVar.Level())
	assert.Equal(t, "debug", w.current.LogLevel)
	assert.Contains(t, logs.String(), "need a restart")
}

func TestSettingsWatcher_ReloadRejectsInvalidFile(t *testing.T) {
	path := writeSettings(t, "store: memory\nlog_level: warn\n")
	w, logs := newTestWatcher(t, path)
	w.levelVar.Set(slog.LevelWarn)

	require.NoError(t, os.WriteFile(path, []byte("store: cassandra\nlog_level: debug\n"), 0o600))
	d := w.reload()

	assert.Equal(t, configDiff{}, d)
	assert.Equal(t, slog.LevelWarn, w.levelVar.Level())
	assert.Equal(t, "warn", w.current.LogLevel)
	assert.Contains(t, logs.String(), "settings reload rejected")
}
