// internal/common/config/config.go
package config

import "fmt"

// Config is the main application configuration struct. It is loaded once at
// startup and never mutated afterwards.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Beat     BeatConfig     `mapstructure:"beat"`
	Database DatabaseConfig `mapstructure:"database"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Alerts   AlertsConfig   `mapstructure:"alerts"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// --- Core App Config ---
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	Timezone    string `mapstructure:"timezone"`
}

// QueueConfig holds the task-queue broker settings. Broker and result-backend
// URLs keep their CELERY_* environment overrides so the workers can share a
// .env with the web application they serve.
type QueueConfig struct {
	BrokerURL                string                 `mapstructure:"broker_url"`
	ResultBackend            string                 `mapstructure:"result_backend"`
	AcceptContent            []string               `mapstructure:"accept_content"`
	TaskSerializer           string                 `mapstructure:"task_serializer"`
	ResultSerializer         string                 `mapstructure:"result_serializer"`
	Timezone                 string                 `mapstructure:"timezone"`
	EnableUTC                bool                   `mapstructure:"enable_utc"`
	ResultExpires            int                    `mapstructure:"result_expires"` // seconds
	DefaultQueue             string                 `mapstructure:"default_queue"`
	TaskRoutes               map[string]RouteConfig `mapstructure:"task_routes"`
	WorkerPrefetchMultiplier int                    `mapstructure:"worker_prefetch_multiplier"`
	TaskAcksLate             bool                   `mapstructure:"task_acks_late"`
}

// RouteConfig maps a task name (or trailing-* pattern) to a queue.
type RouteConfig struct {
	Queue    string `mapstructure:"queue"`
	Priority int    `mapstructure:"priority"`
}

// BeatConfig holds settings for the periodic-task scheduler.
type BeatConfig struct {
	Scheduler  string `mapstructure:"scheduler"`   // fixed identifier, "database" is the only one implemented
	IntervalMS int    `mapstructure:"interval_ms"` // tick resolution
}

type DatabaseConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type PostgresConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MaxIdle        int    `mapstructure:"max_idle"`
	SSLMode        string `mapstructure:"sslmode"`
}

// GetDSN returns the PostgreSQL connection string
func (p PostgresConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// WorkerConfig holds the tuning knobs of the consuming worker pool.
type WorkerConfig struct {
	Concurrency int      `mapstructure:"concurrency"`
	Queues      []string `mapstructure:"queues"`       // consumed in listed order; default queue appended if absent
	TaskTimeout int      `mapstructure:"task_timeout"` // milliseconds
	MaxRetries  int      `mapstructure:"max_retries"`
}

// AlertsConfig holds settings for dead-letter alerting.
type AlertsConfig struct {
	SNS struct {
		Enabled  bool   `mapstructure:"enabled"`
		Region   string `mapstructure:"region"`
		TopicARN string `mapstructure:"topic_arn"`
	} `mapstructure:"sns"`
}

type MetricsConfig struct {
	ListenAddress string `mapstructure:"listen_address"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	Output string `mapstructure:"output"`
}

// EffectiveTimezone returns the timezone used for broker timestamps and beat
// schedule arithmetic. enable_utc wins; otherwise the queue timezone inherits
// the app timezone when unset.
func (c *Config) EffectiveTimezone() string {
	if c.Queue.EnableUTC {
		return "UTC"
	}
	if c.Queue.Timezone != "" {
		return c.Queue.Timezone
	}
	if c.App.Timezone != "" {
		return c.App.Timezone
	}
	return "UTC"
}
