package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full process configuration. Zero-valued sections are filled
// from Default() before env overrides are applied.
type Config struct {
	LogLevel    string `yaml:"log_level"`
	Development bool   `yaml:"development"`
	MetricsAddr string `yaml:"metrics_addr"`

	Orchestrator   OrchestratorConfig   `yaml:"orchestrator"`
	Bandit         BanditConfig         `yaml:"bandit"`
	Trainer        TrainerConfig        `yaml:"trainer"`
	Experiments    ExperimentsConfig    `yaml:"experiments"`
	DataCollection DataCollectionConfig `yaml:"data_collection"`
	Store          StoreConfig          `yaml:"store"`
	Telemetry      TelemetryConfig      `yaml:"telemetry"`
}

// OrchestratorConfig controls the scheduling loop.
type OrchestratorConfig struct {
	CycleInterval      time.Duration `yaml:"cycle_interval"`
	TaskTimeout        time.Duration `yaml:"task_timeout"`
	MaxConcurrentTasks int           `yaml:"max_concurrent_tasks"`
	AccuracyThreshold  float64       `yaml:"accuracy_threshold"`
	RetrainAfter       time.Duration `yaml:"retrain_after"`
	PatternRefresh     time.Duration `yaml:"pattern_refresh"`
	MaxAlerts          int           `yaml:"max_alerts"`
}

type BanditConfig struct {
	Epsilon     float64 `yaml:"epsilon"`
	RewardSink  string  `yaml:"reward_sink"` // "none", "journal", "redis"
	JournalDir  string  `yaml:"journal_dir"`
	RedisAddr   string  `yaml:"redis_addr"`
	RedisPrefix string  `yaml:"redis_prefix"`
}

type TrainerConfig struct {
	LearningRate float64 `yaml:"learning_rate"`
	MaxEpochs    int     `yaml:"max_epochs"`
	Tolerance    float64 `yaml:"tolerance"`
}

type ExperimentsConfig struct {
	PValueStrategy string `yaml:"pvalue_strategy"` // "threshold", "normal_approx"
}

type DataCollectionConfig struct {
	RequiredSamples int           `yaml:"required_samples"`
	GapInterval     time.Duration `yaml:"gap_interval"`
	RateLimit       float64       `yaml:"rate_limit"` // requests per second per niche/platform
	Niches          []string      `yaml:"niches"`
	Platforms       []string      `yaml:"platforms"`
}

type StoreConfig struct {
	Backend     string `yaml:"backend"` // "memory", "postgres"
	PostgresURL string `yaml:"postgres_url"`
}

type TelemetryConfig struct {
	TracingEnabled    bool    `yaml:"tracing_enabled"`
	CollectorEndpoint string  `yaml:"collector_endpoint"`
	SamplingRate      float64 `yaml:"sampling_rate"`
	NATSURL           string  `yaml:"nats_url"`
	NATSSubject       string  `yaml:"nats_subject"`
}

// Default returns production defaults.
func Default() Config {
	return Config{
		LogLevel:    "info",
		MetricsAddr: ":9090",
		Orchestrator: OrchestratorConfig{
			CycleInterval:      30 * time.Second,
			TaskTimeout:        2 * time.Minute,
			MaxConcurrentTasks: 4,
			AccuracyThreshold:  0.85,
			RetrainAfter:       24 * time.Hour,
			PatternRefresh:     12 * time.Hour,
			MaxAlerts:          200,
		},
		Bandit: BanditConfig{
			Epsilon:     0.1,
			RewardSink:  "journal",
			JournalDir:  "data/rewards",
			RedisAddr:   "localhost:6379",
			RedisPrefix: "bandit",
		},
		Trainer: TrainerConfig{
			LearningRate: 0.01,
			MaxEpochs:    1000,
			Tolerance:    1e-6,
		},
		Experiments: ExperimentsConfig{
			PValueStrategy: "threshold",
		},
		DataCollection: DataCollectionConfig{
			RequiredSamples: 1000,
			GapInterval:     15 * time.Minute,
			RateLimit:       2,
			Niches:          []string{"fitness", "beauty", "tech"},
			Platforms:       []string{"tiktok", "instagram", "youtube"},
		},
		Store: StoreConfig{
			Backend: "memory",
		},
		Telemetry: TelemetryConfig{
			CollectorEndpoint: "localhost:4317",
			SamplingRate:      1.0,
			NATSSubject:       "improvement.training",
		},
	}
}

// Load reads an optional YAML file over the defaults, then applies
// environment overrides. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.Development = getEnvBool("DEVELOPMENT", cfg.Development)
	cfg.MetricsAddr = getEnv("METRICS_ADDR", cfg.MetricsAddr)

	cfg.Orchestrator.CycleInterval = getEnvDuration("CYCLE_INTERVAL", cfg.Orchestrator.CycleInterval)
	cfg.Orchestrator.TaskTimeout = getEnvDuration("TASK_TIMEOUT", cfg.Orchestrator.TaskTimeout)
	cfg.Orchestrator.MaxConcurrentTasks = getEnvInt("MAX_CONCURRENT_TASKS", cfg.Orchestrator.MaxConcurrentTasks)

	cfg.Bandit.Epsilon = getEnvFloat("BANDIT_EPSILON", cfg.Bandit.Epsilon)
	cfg.Bandit.RewardSink = getEnv("REWARD_SINK", cfg.Bandit.RewardSink)
	cfg.Bandit.JournalDir = getEnv("REWARD_JOURNAL_DIR", cfg.Bandit.JournalDir)
	cfg.Bandit.RedisAddr = getEnv("REDIS_ADDR", cfg.Bandit.RedisAddr)

	cfg.Experiments.PValueStrategy = getEnv("PVALUE_STRATEGY", cfg.Experiments.PValueStrategy)

	cfg.DataCollection.RequiredSamples = getEnvInt("REQUIRED_SAMPLES", cfg.DataCollection.RequiredSamples)

	cfg.Store.Backend = getEnv("STORE_BACKEND", cfg.Store.Backend)
	cfg.Store.PostgresURL = getEnv("POSTGRES_CONN", cfg.Store.PostgresURL)

	cfg.Telemetry.TracingEnabled = getEnvBool("TRACING_ENABLED", cfg.Telemetry.TracingEnabled)
	cfg.Telemetry.CollectorEndpoint = getEnv("OTEL_COLLECTOR", cfg.Telemetry.CollectorEndpoint)
	cfg.Telemetry.NATSURL = getEnv("NATS_URL", cfg.Telemetry.NATSURL)
}

// Validate checks ranges that would otherwise surface as runtime panics or
// silently disabled behavior.
func (c Config) Validate() error {
	if c.Orchestrator.CycleInterval <= 0 {
		return fmt.Errorf("orchestrator.cycle_interval must be positive")
	}
	if c.Orchestrator.MaxConcurrentTasks < 1 {
		return fmt.Errorf("orchestrator.max_concurrent_tasks must be >= 1")
	}
	if c.Bandit.Epsilon < 0 || c.Bandit.Epsilon > 1 {
		return fmt.Errorf("bandit.epsilon must be in [0,1], got %.3f", c.Bandit.Epsilon)
	}
	switch c.Bandit.RewardSink {
	case "none", "journal", "redis":
	default:
		return fmt.Errorf("unknown bandit.reward_sink: %s", c.Bandit.RewardSink)
	}
	switch c.Experiments.PValueStrategy {
	case "threshold", "normal_approx":
	default:
		return fmt.Errorf("unknown experiments.pvalue_strategy: %s", c.Experiments.PValueStrategy)
	}
	switch c.Store.Backend {
	case "memory":
	case "postgres":
		if c.Store.PostgresURL == "" {
			return fmt.Errorf("store.postgres_url is required when store.backend=postgres")
		}
	default:
		return fmt.Errorf("unknown store.backend: %s", c.Store.Backend)
	}
	if c.Trainer.LearningRate <= 0 || c.Trainer.MaxEpochs <= 0 {
		return fmt.Errorf("trainer.learning_rate and trainer.max_epochs must be positive")
	}
	if c.DataCollection.RequiredSamples <= 0 {
		return fmt.Errorf("data_collection.required_samples must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
