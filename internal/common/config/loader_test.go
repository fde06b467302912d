// internal/common/config/loader_test.go
package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ==========================
// Test Helper Functions
// ==========================

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const minimalConfig = `
app:
  name: test-app
`

// ==========================
// Default Value Tests
// ==========================

func TestLoadFromFile_Defaults(t *testing.T) {
	cfg, err := LoadFromFile(writeConfigFile(t, minimalConfig))
	require.NoError(t, err)

	// Every queue setting falls back to its literal default.
	assert.Equal(t, "redis://redis:6379/0", cfg.Queue.BrokerURL)
	assert.Equal(t, "redis://redis:6379/0", cfg.Queue.ResultBackend)
	assert.Equal(t, []string{"json"}, cfg.Queue.AcceptContent)
	assert.Equal(t, "json", cfg.Queue.TaskSerializer)
	assert.Equal(t, "json", cfg.Queue.ResultSerializer)
	assert.True(t, cfg.Queue.EnableUTC)
	assert.Equal(t, 3600, cfg.Queue.ResultExpires)
	assert.Equal(t, "default", cfg.Queue.DefaultQueue)
	assert.Empty(t, cfg.Queue.TaskRoutes)
	assert.NotNil(t, cfg.Queue.TaskRoutes)
	assert.Equal(t, 1, cfg.Queue.WorkerPrefetchMultiplier)
	assert.True(t, cfg.Queue.TaskAcksLate)

	assert.Equal(t, SchedulerDatabase, cfg.Beat.Scheduler)
	assert.Equal(t, 1000, cfg.Beat.IntervalMS)

	assert.Equal(t, 4, cfg.Worker.Concurrency)
	assert.Contains(t, cfg.Worker.Queues, "default")

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoadFromFile_ShippedConfigDefaults(t *testing.T) {
	// t.Setenv registers the restore, Unsetenv clears any value leaking in
	// from the test environment.
	for _, name := range []string{"CELERY_BROKER_URL", "CELERY_RESULT_BACKEND"} {
		t.Setenv(name, "")
		os.Unsetenv(name)
	}

	cfg, err := LoadFromFile(filepath.Join("..", "..", "..", "configs", "config.yaml"))
	require.NoError(t, err)

	// Without the env overrides the shipped config must load with the
	// literal defaults, not fail validation.
	assert.Equal(t, "redis://redis:6379/0", cfg.Queue.BrokerURL)
	assert.Equal(t, "redis://redis:6379/0", cfg.Queue.ResultBackend)
	assert.True(t, cfg.Queue.TaskAcksLate)
	assert.Equal(t, 3600, cfg.Queue.ResultExpires)
}

func TestLoadFromFile_ShippedConfigEnvOverride(t *testing.T) {
	t.Setenv("CELERY_BROKER_URL", "redis://broker-host:6379/1")
	t.Setenv("CELERY_RESULT_BACKEND", "redis://results-host:6379/2")

	cfg, err := LoadFromFile(filepath.Join("..", "..", "..", "configs", "config.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "redis://broker-host:6379/1", cfg.Queue.BrokerURL)
	assert.Equal(t, "redis://results-host:6379/2", cfg.Queue.ResultBackend)
}

// ==========================
// Environment Override Tests
// ==========================

func TestLoadFromFile_EnvOverrides(t *testing.T) {
	tests := []struct {
		name     string
		envVar   string
		envValue string
		check    func(t *testing.T, cfg *Config)
	}{
		{
			name:     "broker URL from CELERY_BROKER_URL",
			envVar:   "CELERY_BROKER_URL",
			envValue: "redis://broker.internal:6380/2",
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "redis://broker.internal:6380/2", cfg.Queue.BrokerURL)
			},
		},
		{
			name:     "result backend from CELERY_RESULT_BACKEND",
			envVar:   "CELERY_RESULT_BACKEND",
			envValue: "redis://results.internal:6379/3",
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "redis://results.internal:6379/3", cfg.Queue.ResultBackend)
			},
		},
		{
			name:     "broker URL from QUEUE_BROKER_URL",
			envVar:   "QUEUE_BROKER_URL",
			envValue: "redis://other:6379/1",
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "redis://other:6379/1", cfg.Queue.BrokerURL)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.envVar, tt.envValue)
			cfg, err := LoadFromFile(writeConfigFile(t, minimalConfig))
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestLoadFromFile_EnvBeatsFileValue(t *testing.T) {
	content := `
queue:
  broker_url: redis://from-file:6379/0
`
	t.Setenv("CELERY_BROKER_URL", "redis://from-env:6379/0")

	cfg, err := LoadFromFile(writeConfigFile(t, content))
	require.NoError(t, err)
	assert.Equal(t, "redis://from-env:6379/0", cfg.Queue.BrokerURL)
}

func TestLoadFromFile_PlaceholderExpansion(t *testing.T) {
	content := `
queue:
  broker_url: "${BROKER_HOST_URL}"
`
	t.Setenv("BROKER_HOST_URL", "redis://expanded:6379/0")

	cfg, err := LoadFromFile(writeConfigFile(t, content))
	require.NoError(t, err)
	assert.Equal(t, "redis://expanded:6379/0", cfg.Queue.BrokerURL)
}

// ==========================
// File Value Tests
// ==========================

func TestLoadFromFile_ExplicitValues(t *testing.T) {
	content := `
queue:
  broker_url: redis://localhost:6379/5
  result_backend: redis://localhost:6379/6
  enable_utc: false
  timezone: Europe/Vienna
  result_expires: 0
  worker_prefetch_multiplier: 8
  task_acks_late: false
  default_queue: jobs
  task_routes:
    reports.generate:
      queue: heavy
    "notifications.*":
      queue: light
      priority: 3
`
	cfg, err := LoadFromFile(writeConfigFile(t, content))
	require.NoError(t, err)

	assert.Equal(t, "redis://localhost:6379/5", cfg.Queue.BrokerURL)
	assert.False(t, cfg.Queue.EnableUTC)
	assert.Equal(t, "Europe/Vienna", cfg.Queue.Timezone)
	assert.Equal(t, 0, cfg.Queue.ResultExpires)
	assert.Equal(t, 8, cfg.Queue.WorkerPrefetchMultiplier)
	assert.False(t, cfg.Queue.TaskAcksLate)

	require.Len(t, cfg.Queue.TaskRoutes, 2)
	assert.Equal(t, "heavy", cfg.Queue.TaskRoutes["reports.generate"].Queue)
	assert.Equal(t, "light", cfg.Queue.TaskRoutes["notifications.*"].Queue)
	assert.Equal(t, 3, cfg.Queue.TaskRoutes["notifications.*"].Priority)

	// Workers always pick up the default queue.
	assert.Contains(t, cfg.Worker.Queues, "jobs")
}

// ==========================
// Validation Tests
// ==========================

func TestLoadFromFile_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		errMsg  string
	}{
		{
			name: "malformed broker URL",
			content: `
queue:
  broker_url: "not a url"
`,
			errMsg: "queue.broker_url",
		},
		{
			name: "malformed result backend URL",
			content: `
queue:
  result_backend: "://bad"
`,
			errMsg: "queue.result_backend",
		},
		{
			name: "unknown task serializer",
			content: `
queue:
  task_serializer: pickle
`,
			errMsg: "task_serializer",
		},
		{
			name: "unknown result serializer",
			content: `
queue:
  result_serializer: msgpack
`,
			errMsg: "result_serializer",
		},
		{
			name: "unknown accept_content entry",
			content: `
queue:
  accept_content: [json, yaml]
`,
			errMsg: "accept_content",
		},
		{
			name: "prefetch multiplier below one",
			content: `
queue:
  worker_prefetch_multiplier: 0
`,
			errMsg: "worker_prefetch_multiplier",
		},
		{
			name: "negative result expiry",
			content: `
queue:
  result_expires: -1
`,
			errMsg: "result_expires",
		},
		{
			name: "route without queue",
			content: `
queue:
  task_routes:
    reports.generate:
      priority: 1
`,
			errMsg: "task_routes",
		},
		{
			name: "unsupported beat scheduler",
			content: `
beat:
  scheduler: crontab
`,
			errMsg: "beat.scheduler",
		},
		{
			name: "invalid timezone",
			content: `
queue:
  enable_utc: false
  timezone: Mars/Olympus
`,
			errMsg: "timezone",
		},
		{
			name: "zero concurrency",
			content: `
worker:
  concurrency: 0
`,
			errMsg: "concurrency",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromFile(writeConfigFile(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

// ==========================
// Timezone Inheritance Tests
// ==========================

func TestEffectiveTimezone(t *testing.T) {
	tests := []struct {
		name     string
		cfg      Config
		expected string
	}{
		{
			name: "enable_utc wins over everything",
			cfg: Config{
				App:   AppConfig{Timezone: "Europe/Vienna"},
				Queue: QueueConfig{EnableUTC: true, Timezone: "Asia/Tokyo"},
			},
			expected: "UTC",
		},
		{
			name: "queue timezone when set",
			cfg: Config{
				App:   AppConfig{Timezone: "Europe/Vienna"},
				Queue: QueueConfig{Timezone: "Asia/Tokyo"},
			},
			expected: "Asia/Tokyo",
		},
		{
			name: "inherits app timezone when unset",
			cfg: Config{
				App: AppConfig{Timezone: "Europe/Vienna"},
			},
			expected: "Europe/Vienna",
		},
		{
			name:     "UTC fallback",
			cfg:      Config{},
			expected: "UTC",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.cfg.EffectiveTimezone())
		})
	}
}

func TestPostgresConfig_GetDSN(t *testing.T) {
	cfg := PostgresConfig{
		Host:     "db.internal",
		Port:     5433,
		Database: "taskqueue",
		User:     "worker",
		Password: "secret",
		SSLMode:  "require",
	}
	assert.Equal(t,
		"host=db.internal port=5433 user=worker password=secret dbname=taskqueue sslmode=require",
		cfg.GetDSN(),
	)
}

func TestGetDuration(t *testing.T) {
	assert.Equal(t, "30s", GetDuration(30000).String())
}
