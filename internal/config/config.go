package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store   StoreConfig   `yaml:"store" mapstructure:"store"`
	Fusion  FusionConfig  `yaml:"fusion" mapstructure:"fusion"`
	Routing RoutingConfig `yaml:"routing" mapstructure:"routing"`
	Breaker BreakerConfig `yaml:"breaker" mapstructure:"breaker"`
	Retry   RetryConfig   `yaml:"retry" mapstructure:"retry"`
	Claims  ClaimsConfig  `yaml:"claims" mapstructure:"claims"`
	Worker  WorkerConfig  `yaml:"worker" mapstructure:"worker"`
	Server  ServerConfig  `yaml:"server" mapstructure:"server"`
	Log     LogConfig     `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the job store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// FusionConfig configures the extraction fusion engine.
type FusionConfig struct {
	HighThreshold   float64 `yaml:"high_threshold" mapstructure:"high_threshold"`
	MediumThreshold float64 `yaml:"medium_threshold" mapstructure:"medium_threshold"`
	FuzzyThreshold  float64 `yaml:"fuzzy_threshold" mapstructure:"fuzzy_threshold"`
	// FieldsFile optionally overrides the built-in field schema with a YAML file.
	FieldsFile string `yaml:"fields_file" mapstructure:"fields_file"`
}

// RoutingConfig configures the post-fusion routing policy.
type RoutingConfig struct {
	QASampleRate float64 `yaml:"qa_sample_rate" mapstructure:"qa_sample_rate"`
	MaxRetries   int     `yaml:"max_retries" mapstructure:"max_retries"`
}

// BreakerConfig configures the submission circuit breaker.
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	OpenTimeoutSecs  int `yaml:"open_timeout_secs" mapstructure:"open_timeout_secs"`
	HalfOpenMaxCalls int `yaml:"half_open_max_calls" mapstructure:"half_open_max_calls"`
}

// RetryConfig configures the submission retry loop.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// ClaimsConfig holds the external claim-submission API settings.
type ClaimsConfig struct {
	BaseURL     string  `yaml:"base_url" mapstructure:"base_url"`
	Token       string  `yaml:"token" mapstructure:"token"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RatePerSec  float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
}

// WorkerConfig configures the job worker loop.
type WorkerConfig struct {
	Count            int `yaml:"count" mapstructure:"count"`
	PollIntervalSecs int `yaml:"poll_interval_secs" mapstructure:"poll_interval_secs"`
}

// ServerConfig configures the ops HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CLAIMS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "claims.db")
	v.SetDefault("fusion.high_threshold", 0.90)
	v.SetDefault("fusion.medium_threshold", 0.75)
	v.SetDefault("fusion.fuzzy_threshold", 0.85)
	v.SetDefault("routing.qa_sample_rate", 0.05)
	v.SetDefault("routing.max_retries", 3)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.open_timeout_secs", 60)
	v.SetDefault("breaker.half_open_max_calls", 3)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 2000)
	v.SetDefault("retry.max_backoff_ms", 60000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.0)
	v.SetDefault("claims.base_url", "")
	v.SetDefault("claims.token", "")
	v.SetDefault("claims.timeout_secs", 30)
	v.SetDefault("claims.rate_per_sec", 5.0)
	v.SetDefault("worker.count", 1)
	v.SetDefault("worker.poll_interval_secs", 5)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
