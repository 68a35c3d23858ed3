package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Engine    EngineConfig    `yaml:"engine" mapstructure:"engine"`
	Retry     RetryConfig     `yaml:"retry" mapstructure:"retry"`
	Score     ScoreConfig     `yaml:"score" mapstructure:"score"`
	Providers ProvidersConfig `yaml:"providers" mapstructure:"providers"`
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	DLQ       DLQConfig       `yaml:"dlq" mapstructure:"dlq"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// EngineConfig configures execution behavior.
type EngineConfig struct {
	Workers         int `yaml:"workers" mapstructure:"workers"`
	CallTimeoutSecs int `yaml:"call_timeout_secs" mapstructure:"call_timeout_secs"`
	BaseTimeoutSecs int `yaml:"base_timeout_secs" mapstructure:"base_timeout_secs"`
	PerTaskSecs     int `yaml:"per_task_secs" mapstructure:"per_task_secs"`
	MaxTimeoutSecs  int `yaml:"max_timeout_secs" mapstructure:"max_timeout_secs"`
	RetentionHours  int `yaml:"retention_hours" mapstructure:"retention_hours"`
}

// RetryConfig configures the per-task retry policy.
type RetryConfig struct {
	MaxRetries  int  `yaml:"max_retries" mapstructure:"max_retries"`
	BaseDelayMs int  `yaml:"base_delay_ms" mapstructure:"base_delay_ms"`
	MaxDelayMs  int  `yaml:"max_delay_ms" mapstructure:"max_delay_ms"`
	Jitter      bool `yaml:"jitter" mapstructure:"jitter"`
}

// ScoreConfig holds the health-score weights and visibility buckets. These
// are product constants, configurable rather than hard-coded.
type ScoreConfig struct {
	WeightSOV        float64 `yaml:"weight_sov" mapstructure:"weight_sov"`
	WeightSentiment  float64 `yaml:"weight_sentiment" mapstructure:"weight_sentiment"`
	WeightSuccess    float64 `yaml:"weight_success" mapstructure:"weight_success"`
	VisibilityTop    float64 `yaml:"visibility_top" mapstructure:"visibility_top"`
	VisibilityMiddle float64 `yaml:"visibility_middle" mapstructure:"visibility_middle"`
	VisibilityLow    float64 `yaml:"visibility_low" mapstructure:"visibility_low"`
}

// ProvidersConfig holds per-provider API settings.
type ProvidersConfig struct {
	OpenAI     OpenAIConfig     `yaml:"openai" mapstructure:"openai"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Perplexity PerplexityConfig `yaml:"perplexity" mapstructure:"perplexity"`
}

// OpenAIConfig holds OpenAI API settings.
type OpenAIConfig struct {
	Key        string  `yaml:"key" mapstructure:"key"`
	BaseURL    string  `yaml:"base_url" mapstructure:"base_url"`
	Model      string  `yaml:"model" mapstructure:"model"`
	RatePerSec float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`
}

// PerplexityConfig holds Perplexity API settings. Perplexity speaks the
// OpenAI chat-completions wire format.
type PerplexityConfig struct {
	Key        string  `yaml:"key" mapstructure:"key"`
	BaseURL    string  `yaml:"base_url" mapstructure:"base_url"`
	Model      string  `yaml:"model" mapstructure:"model"`
	RatePerSec float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
}

// StoreConfig configures the result store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath  string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
}

// DLQConfig configures the dead letter store backend.
type DLQConfig struct {
	Driver       string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL  string `yaml:"database_url" mapstructure:"database_url"`
	SQLitePath   string `yaml:"sqlite_path" mapstructure:"sqlite_path"`
	CleanupHours int    `yaml:"cleanup_hours" mapstructure:"cleanup_hours"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// CallTimeout returns the provider call timeout as a duration.
func (e EngineConfig) CallTimeout() time.Duration {
	return time.Duration(e.CallTimeoutSecs) * time.Second
}

// BaseTimeout returns the base execution allowance as a duration.
func (e EngineConfig) BaseTimeout() time.Duration {
	return time.Duration(e.BaseTimeoutSecs) * time.Second
}

// PerTaskTimeout returns the per-task allowance as a duration.
func (e EngineConfig) PerTaskTimeout() time.Duration {
	return time.Duration(e.PerTaskSecs) * time.Second
}

// MaxTimeout returns the execution deadline cap as a duration.
func (e EngineConfig) MaxTimeout() time.Duration {
	return time.Duration(e.MaxTimeoutSecs) * time.Second
}

// Retention returns how long terminal executions stay queryable.
func (e EngineConfig) Retention() time.Duration {
	return time.Duration(e.RetentionHours) * time.Hour
}

// BaseDelay returns the first-retry delay as a duration.
func (r RetryConfig) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelayMs) * time.Millisecond
}

// MaxDelay returns the backoff cap as a duration.
func (r RetryConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelayMs) * time.Millisecond
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("BRANDPULSE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("engine.workers", 3)
	v.SetDefault("engine.call_timeout_secs", 60)
	v.SetDefault("engine.base_timeout_secs", 60)
	v.SetDefault("engine.per_task_secs", 30)
	v.SetDefault("engine.max_timeout_secs", 900)
	v.SetDefault("engine.retention_hours", 24)
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.base_delay_ms", 500)
	v.SetDefault("retry.max_delay_ms", 30000)
	v.SetDefault("retry.jitter", true)
	v.SetDefault("score.weight_sov", 0.5)
	v.SetDefault("score.weight_sentiment", 0.3)
	v.SetDefault("score.weight_success", 0.2)
	v.SetDefault("score.visibility_top", 100)
	v.SetDefault("score.visibility_middle", 60)
	v.SetDefault("score.visibility_low", 30)
	v.SetDefault("providers.openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("providers.openai.model", "gpt-4o")
	v.SetDefault("providers.openai.rate_per_sec", 2)
	v.SetDefault("providers.anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("providers.perplexity.base_url", "https://api.perplexity.ai")
	v.SetDefault("providers.perplexity.model", "sonar-pro")
	v.SetDefault("providers.perplexity.rate_per_sec", 2)
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.sqlite_path", "brandpulse.db")
	v.SetDefault("dlq.driver", "sqlite")
	v.SetDefault("dlq.sqlite_path", "brandpulse.db")
	v.SetDefault("dlq.cleanup_hours", 168)
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
