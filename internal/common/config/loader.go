// internal/common/config/loader.go
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
)

// Serializer names the loader accepts. Must stay in sync with the registry in
// internal/broker.
var knownSerializers = map[string]bool{
	"json": true,
}

// SchedulerDatabase is the only beat scheduler implemented: periodic entries
// live in Postgres.
const SchedulerDatabase = "database"

func Load() (*Config, error) {
	loadEnvFile()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath("../../configs")
	v.AddConfigPath(".")

	setDefaults(v)
	bindEnv(v)

	env := os.Getenv("APP_ENVIRONMENT")
	if env == "" {
		env = "development"
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading base config: %w", err)
		}
	}

	// Environment-specific overlay, e.g. config.production.yaml
	v.SetConfigName(fmt.Sprintf("config.%s", env))
	_ = v.MergeInConfig() // ignore error if not found

	expandEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// LoadFromFile loads configuration from a specific file path
func LoadFromFile(path string) (*Config, error) {
	loadEnvFile()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	setDefaults(v)
	bindEnv(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	expandEnvVars(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	applyDefaults(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults registers the literal defaults for every queue setting. Booleans
// that default to true have to live here, a zero-check after unmarshal cannot
// tell "false" from "unset".
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "taskqueue-workers")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.timezone", "UTC")

	v.SetDefault("queue.broker_url", "redis://redis:6379/0")
	v.SetDefault("queue.result_backend", "redis://redis:6379/0")
	v.SetDefault("queue.accept_content", []string{"json"})
	v.SetDefault("queue.task_serializer", "json")
	v.SetDefault("queue.result_serializer", "json")
	v.SetDefault("queue.enable_utc", true)
	v.SetDefault("queue.result_expires", 3600)
	v.SetDefault("queue.default_queue", "default")
	v.SetDefault("queue.worker_prefetch_multiplier", 1)
	v.SetDefault("queue.task_acks_late", true)

	v.SetDefault("beat.scheduler", SchedulerDatabase)
	v.SetDefault("beat.interval_ms", 1000)

	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.task_timeout", 30000)
	v.SetDefault("worker.max_retries", 3)

	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.max_connections", 25)
	v.SetDefault("database.postgres.max_idle", 5)
	v.SetDefault("database.postgres.sslmode", "disable")

	v.SetDefault("metrics.listen_address", ":9090")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
}

// bindEnv wires environment overrides. Broker and result-backend URLs keep
// the CELERY_* names the web application's deployment already exports.
func bindEnv(v *viper.Viper) {
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	_ = v.BindEnv("queue.broker_url", "CELERY_BROKER_URL", "QUEUE_BROKER_URL")
	_ = v.BindEnv("queue.result_backend", "CELERY_RESULT_BACKEND", "QUEUE_RESULT_BACKEND")
	_ = v.BindEnv("database.postgres.user", "DB_USER")
	_ = v.BindEnv("database.postgres.password", "DB_PASSWORD")
}

// loadEnvFile loads .env from the usual locations so the workers see the same
// variables as the rest of the deployment.
func loadEnvFile() {
	possiblePaths := []string{
		".env",
		"../.env",
		"../../.env",
	}

	if rootDir := findProjectRoot(); rootDir != "" {
		possiblePaths = append(possiblePaths, filepath.Join(rootDir, ".env"))
	}

	for _, path := range possiblePaths {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err == nil {
				return
			}
		}
	}
}

// Find project root by looking for go.mod
func findProjectRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return ""
}

// expandEnvVars resolves ${VAR} placeholders in string values.
func expandEnvVars(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		val := v.Get(key)

		if strVal, ok := val.(string); ok {
			if strings.Contains(strVal, "${") || (strings.HasPrefix(strVal, "$") && len(strVal) > 1) {
				expanded := os.ExpandEnv(strVal)
				if expanded != strVal && expanded != "" {
					v.Set(key, expanded)
				}
			}
		}
	}
}

// applyDefaults fills the few fields viper defaults cannot express.
func applyDefaults(cfg *Config) {
	if cfg.Queue.TaskRoutes == nil {
		cfg.Queue.TaskRoutes = map[string]RouteConfig{}
	}

	// Workers always consume the default queue, even when an explicit queue
	// list is configured without it.
	found := false
	for _, q := range cfg.Worker.Queues {
		if q == cfg.Queue.DefaultQueue {
			found = true
			break
		}
	}
	if !found {
		cfg.Worker.Queues = append(cfg.Worker.Queues, cfg.Queue.DefaultQueue)
	}
}

// validateConfig validates critical configuration fields
func validateConfig(cfg *Config) error {
	if _, err := redis.ParseURL(cfg.Queue.BrokerURL); err != nil {
		return fmt.Errorf("queue.broker_url is not a valid redis URL: %w", err)
	}
	if _, err := redis.ParseURL(cfg.Queue.ResultBackend); err != nil {
		return fmt.Errorf("queue.result_backend is not a valid redis URL: %w", err)
	}

	if !knownSerializers[cfg.Queue.TaskSerializer] {
		return fmt.Errorf("queue.task_serializer %q is not a known serializer", cfg.Queue.TaskSerializer)
	}
	if !knownSerializers[cfg.Queue.ResultSerializer] {
		return fmt.Errorf("queue.result_serializer %q is not a known serializer", cfg.Queue.ResultSerializer)
	}

	if len(cfg.Queue.AcceptContent) == 0 {
		return fmt.Errorf("queue.accept_content must list at least one content type")
	}
	accepted := false
	for _, name := range cfg.Queue.AcceptContent {
		if !knownSerializers[name] {
			return fmt.Errorf("queue.accept_content entry %q is not a known serializer", name)
		}
		if name == cfg.Queue.TaskSerializer {
			accepted = true
		}
	}
	if !accepted {
		return fmt.Errorf("queue.task_serializer %q is not covered by queue.accept_content", cfg.Queue.TaskSerializer)
	}

	if cfg.Queue.WorkerPrefetchMultiplier < 1 {
		return fmt.Errorf("queue.worker_prefetch_multiplier must be >= 1")
	}
	if cfg.Queue.ResultExpires < 0 {
		return fmt.Errorf("queue.result_expires must be >= 0")
	}
	if cfg.Queue.DefaultQueue == "" {
		return fmt.Errorf("queue.default_queue is required")
	}

	for task, route := range cfg.Queue.TaskRoutes {
		if route.Queue == "" {
			return fmt.Errorf("queue.task_routes[%q] has no queue", task)
		}
	}

	if cfg.Beat.Scheduler != SchedulerDatabase {
		return fmt.Errorf("beat.scheduler %q is not supported (only %q)", cfg.Beat.Scheduler, SchedulerDatabase)
	}

	if cfg.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be >= 1")
	}

	if cfg.Queue.Timezone != "" {
		if _, err := time.LoadLocation(cfg.Queue.Timezone); err != nil {
			return fmt.Errorf("queue.timezone %q is not a valid location: %w", cfg.Queue.Timezone, err)
		}
	}

	return nil
}

// GetDuration converts milliseconds from config to time.Duration
func GetDuration(milliseconds int) time.Duration {
	return time.Duration(milliseconds) * time.Millisecond
}
