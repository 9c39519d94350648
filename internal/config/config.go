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
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	RateLimit  RateLimitConfig  `yaml:"ratelimit" mapstructure:"ratelimit"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Salesforce SalesforceConfig `yaml:"salesforce" mapstructure:"salesforce"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key         string  `yaml:"key" mapstructure:"key"`
	Model       string  `yaml:"model" mapstructure:"model"`
	MaxTokens   int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RPS         float64 `yaml:"rps" mapstructure:"rps"`
	Burst       int     `yaml:"burst" mapstructure:"burst"`
	MaxAttempts int     `yaml:"max_attempts" mapstructure:"max_attempts"`
}

// RateLimitConfig configures the fixed-window quotas.
type RateLimitConfig struct {
	// Backend is "memory" (single instance) or "postgres" (shared counters).
	Backend         string `yaml:"backend" mapstructure:"backend"`
	TriggerLimit    int    `yaml:"trigger_limit" mapstructure:"trigger_limit"`
	TriggerWindowMs int    `yaml:"trigger_window_ms" mapstructure:"trigger_window_ms"`
	// InferenceLimit caps paid model calls per window. Zero disables the quota.
	InferenceLimit    int `yaml:"inference_limit" mapstructure:"inference_limit"`
	InferenceWindowMs int `yaml:"inference_window_ms" mapstructure:"inference_window_ms"`
}

// PipelineConfig configures the document and briefing stages.
type PipelineConfig struct {
	ExtractBatchSize  int    `yaml:"extract_batch_size" mapstructure:"extract_batch_size"`
	ClassifyBatchSize int    `yaml:"classify_batch_size" mapstructure:"classify_batch_size"`
	BriefingWindowHrs int    `yaml:"briefing_window_hours" mapstructure:"briefing_window_hours"`
	MaxDocumentChars  int    `yaml:"max_document_chars" mapstructure:"max_document_chars"`
	ItemTimeoutSecs   int    `yaml:"item_timeout_secs" mapstructure:"item_timeout_secs"`
	PromptsFile       string `yaml:"prompts_file" mapstructure:"prompts_file"`
	// MinConfidence is the lowest classification confidence that links a
	// document to an organization.
	MinConfidence float64 `yaml:"min_confidence" mapstructure:"min_confidence"`
}

// ServerConfig configures the trigger server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	TriggerSecret  string   `yaml:"trigger_secret" mapstructure:"trigger_secret"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// SalesforceConfig holds Salesforce JWT auth settings for briefing publishing.
type SalesforceConfig struct {
	Enabled  bool    `yaml:"enabled" mapstructure:"enabled"`
	ClientID string  `yaml:"client_id" mapstructure:"client_id"`
	Username string  `yaml:"username" mapstructure:"username"`
	KeyPath  string  `yaml:"key_path" mapstructure:"key_path"`
	LoginURL string  `yaml:"login_url" mapstructure:"login_url"`
	RPS      float64 `yaml:"rps" mapstructure:"rps"`
}

// MonitoringConfig configures run-record alerting.
type MonitoringConfig struct {
	WebhookURL         string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	ErrorRateThreshold float64 `yaml:"error_rate_threshold" mapstructure:"error_rate_threshold"`
	MinAttempts        int     `yaml:"min_attempts" mapstructure:"min_attempts"`
	LookbackHours      int     `yaml:"lookback_hours" mapstructure:"lookback_hours"`
	CheckIntervalSecs  int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// envOnlyKeys are commonly supplied only through INTEL_* variables.
var envOnlyKeys = []string{
	"store.database_url",
	"store.max_conns",
	"store.min_conns",
	"anthropic.key",
	"server.trigger_secret",
	"server.allowed_origins",
	"salesforce.enabled",
	"salesforce.client_id",
	"salesforce.username",
	"salesforce.key_path",
	"monitoring.webhook_url",
	"pipeline.prompts_file",
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("INTEL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.driver", "postgres")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 2048)
	v.SetDefault("anthropic.timeout_secs", 60)
	v.SetDefault("anthropic.rps", 2.0)
	v.SetDefault("anthropic.burst", 2)
	v.SetDefault("anthropic.max_attempts", 3)
	v.SetDefault("ratelimit.backend", "memory")
	v.SetDefault("ratelimit.trigger_limit", 5)
	v.SetDefault("ratelimit.trigger_window_ms", 60000)
	v.SetDefault("ratelimit.inference_limit", 500)
	v.SetDefault("ratelimit.inference_window_ms", 3600000)
	v.SetDefault("pipeline.extract_batch_size", 3)
	v.SetDefault("pipeline.classify_batch_size", 100)
	v.SetDefault("pipeline.briefing_window_hours", 24)
	v.SetDefault("pipeline.max_document_chars", 12000)
	v.SetDefault("pipeline.item_timeout_secs", 120)
	v.SetDefault("pipeline.min_confidence", 0.5)
	v.SetDefault("salesforce.login_url", "https://login.salesforce.com")
	v.SetDefault("salesforce.rps", 5.0)
	v.SetDefault("monitoring.error_rate_threshold", 0.25)
	v.SetDefault("monitoring.min_attempts", 5)
	v.SetDefault("monitoring.lookback_hours", 24)
	v.SetDefault("monitoring.check_interval_secs", 300)

	// Keys without a default are invisible to Unmarshal unless bound.
	for _, key := range envOnlyKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, eris.Wrapf(err, "config: bind env %s", key)
		}
	}

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

// Validate checks the keys required by a command mode. Modes: "serve",
// "inference" (any stage that calls the model), "store".
func (c *Config) Validate(mode string) error {
	var missing []string

	if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
		missing = append(missing, "store.database_url")
	}

	switch mode {
	case "serve":
		if c.Server.TriggerSecret == "" {
			missing = append(missing, "server.trigger_secret")
		}
		if c.Anthropic.Key == "" {
			missing = append(missing, "anthropic.key")
		}
	case "inference":
		if c.Anthropic.Key == "" {
			missing = append(missing, "anthropic.key")
		}
	case "store":
	default:
		return eris.Errorf("config: unknown validation mode %q", mode)
	}

	if c.Salesforce.Enabled && (c.Salesforce.ClientID == "" || c.Salesforce.KeyPath == "") {
		missing = append(missing, "salesforce.client_id/salesforce.key_path")
	}

	if len(missing) > 0 {
		return eris.Errorf("config: missing required keys for %s: %s", mode, strings.Join(missing, ", "))
	}
	return nil
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
