// Package config loads application configuration from file and
// environment and initializes the global logger.
package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/rfp-pipeline/internal/model"
)

// Config holds the full application configuration.
type Config struct {
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	SAM       SAMConfig       `yaml:"sam" mapstructure:"sam"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Notion    NotionConfig    `yaml:"notion" mapstructure:"notion"`
	Slack     SlackConfig     `yaml:"slack" mapstructure:"slack"`
	Company   CompanyConfig   `yaml:"company" mapstructure:"company"`
	Screen    StageConfig     `yaml:"screen" mapstructure:"screen"`
	Analyze   StageConfig     `yaml:"analyze" mapstructure:"analyze"`
	Dedup     DedupConfig     `yaml:"dedup" mapstructure:"dedup"`
	Carryover CarryoverConfig `yaml:"carryover" mapstructure:"carryover"`
	Lifecycle LifecycleConfig `yaml:"lifecycle" mapstructure:"lifecycle"`
	Run       RunConfig       `yaml:"run" mapstructure:"run"`
	Scheduler SchedulerConfig `yaml:"scheduler" mapstructure:"scheduler"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// SAMConfig holds SAM.gov opportunity search API settings.
type SAMConfig struct {
	Key         string `yaml:"key" mapstructure:"key"`
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	PageSize    int    `yaml:"page_size" mapstructure:"page_size"`
}

// AnthropicConfig holds Anthropic API settings for the two classifier
// stages.
type AnthropicConfig struct {
	Key         string `yaml:"key" mapstructure:"key"`
	ScreenModel string `yaml:"screen_model" mapstructure:"screen_model"`
	DeepModel   string `yaml:"deep_model" mapstructure:"deep_model"`
}

// NotionConfig maps sink destinations onto Notion database IDs.
type NotionConfig struct {
	Token       string `yaml:"token" mapstructure:"token"`
	QualifiedDB string `yaml:"qualified_db" mapstructure:"qualified_db"`
	MaybeDB     string `yaml:"maybe_db" mapstructure:"maybe_db"`
	AuditDB     string `yaml:"audit_db" mapstructure:"audit_db"`
	ExpiredDB   string `yaml:"expired_db" mapstructure:"expired_db"`
	CompletedDB string `yaml:"completed_db" mapstructure:"completed_db"`
}

// SlackConfig holds the notification webhook.
type SlackConfig struct {
	WebhookURL string `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// CompanyConfig is the target profile opportunities are qualified
// against.
type CompanyConfig struct {
	Name         string   `yaml:"name" mapstructure:"name"`
	Profile      string   `yaml:"profile" mapstructure:"profile"`
	Capabilities []string `yaml:"capabilities" mapstructure:"capabilities"`
	Keywords     []string `yaml:"keywords" mapstructure:"keywords"`
	NAICSCodes   []string `yaml:"naics_codes" mapstructure:"naics_codes"`
}

// StageConfig bounds one classifier stage: worker pool size, rate
// budget, per-call timeout, retry and breaker policy.
type StageConfig struct {
	Workers            int     `yaml:"workers" mapstructure:"workers"`
	RequestsPerMinute  float64 `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
	TimeoutSecs        int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxTokens          int     `yaml:"max_tokens" mapstructure:"max_tokens"`
	MaxRetries         int     `yaml:"max_retries" mapstructure:"max_retries"`
	BreakerThreshold   int     `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerCooldownSec int     `yaml:"breaker_cooldown_secs" mapstructure:"breaker_cooldown_secs"`
}

// DedupConfig configures the deduplication engine.
type DedupConfig struct {
	CacheTTLMins   int     `yaml:"cache_ttl_mins" mapstructure:"cache_ttl_mins"`
	CacheCapacity  int     `yaml:"cache_capacity" mapstructure:"cache_capacity"`
	FuzzyThreshold float64 `yaml:"fuzzy_threshold" mapstructure:"fuzzy_threshold"`
	FuzzyWindow    int     `yaml:"fuzzy_window" mapstructure:"fuzzy_window"`
	// FuzzyPolicy is "flag" (log only) or "suppress" (treat as duplicate).
	FuzzyPolicy string `yaml:"fuzzy_policy" mapstructure:"fuzzy_policy"`
}

// CarryoverConfig configures the overflow queue.
type CarryoverConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// LifecycleConfig configures the status tracker.
type LifecycleConfig struct {
	ExpiringWindowDays int `yaml:"expiring_window_days" mapstructure:"expiring_window_days"`
	TickMins           int `yaml:"tick_mins" mapstructure:"tick_mins"`
}

// RunConfig holds per-run limits applied unless a trigger overrides them.
type RunConfig struct {
	MaxItems       int    `yaml:"max_items" mapstructure:"max_items"`
	TimeBudgetMins int    `yaml:"time_budget_mins" mapstructure:"time_budget_mins"`
	Mode           string `yaml:"mode" mapstructure:"mode"`
}

// SchedulerConfig configures the cron tick loop.
type SchedulerConfig struct {
	TickSecs int `yaml:"tick_secs" mapstructure:"tick_secs"`
}

// ServerConfig configures the daemon HTTP API.
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
	v.SetEnvPrefix("RFP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "rfp.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("sam.base_url", "https://api.sam.gov/opportunities/v2/search")
	v.SetDefault("sam.timeout_secs", 30)
	v.SetDefault("sam.page_size", 1000)
	v.SetDefault("anthropic.screen_model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.deep_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("screen.workers", 400)
	v.SetDefault("screen.requests_per_minute", 4000)
	v.SetDefault("screen.timeout_secs", 120)
	v.SetDefault("screen.max_tokens", 1024)
	v.SetDefault("screen.max_retries", 3)
	v.SetDefault("screen.breaker_threshold", 3)
	v.SetDefault("screen.breaker_cooldown_secs", 60)
	v.SetDefault("analyze.workers", 30)
	v.SetDefault("analyze.requests_per_minute", 300)
	v.SetDefault("analyze.timeout_secs", 300)
	v.SetDefault("analyze.max_tokens", 4096)
	v.SetDefault("analyze.max_retries", 5)
	v.SetDefault("analyze.breaker_threshold", 3)
	v.SetDefault("analyze.breaker_cooldown_secs", 60)
	v.SetDefault("dedup.cache_ttl_mins", 30)
	v.SetDefault("dedup.cache_capacity", 50000)
	v.SetDefault("dedup.fuzzy_threshold", 0.9)
	v.SetDefault("dedup.fuzzy_window", 500)
	v.SetDefault("dedup.fuzzy_policy", "flag")
	v.SetDefault("carryover.path", "carryover.json")
	v.SetDefault("lifecycle.expiring_window_days", 3)
	v.SetDefault("lifecycle.tick_mins", 60)
	v.SetDefault("run.max_items", 20000)
	v.SetDefault("run.time_budget_mins", 0)
	v.SetDefault("run.mode", "normal")
	v.SetDefault("scheduler.tick_secs", 60)

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

// Validate checks settings that would otherwise fail deep inside a run.
// Missing required credentials are configuration errors and abort
// immediately rather than surfacing as dependency failures.
func (c *Config) Validate() error {
	if c.SAM.Key == "" {
		return eris.New("config: sam.key is required")
	}
	if c.Anthropic.Key == "" {
		return eris.New("config: anthropic.key is required")
	}
	switch c.Dedup.FuzzyPolicy {
	case "flag", "suppress":
	default:
		return eris.Errorf("config: dedup.fuzzy_policy %q (want flag or suppress)", c.Dedup.FuzzyPolicy)
	}
	switch model.RunMode(c.Run.Mode) {
	case model.ModeTest, model.ModeNormal, model.ModeOverkill:
	default:
		return eris.Errorf("config: run.mode %q (want test, normal, or overkill)", c.Run.Mode)
	}
	return nil
}

// ModeLimits applies the named mode's preset on top of the configured
// limits. Test mode shrinks everything for cheap dry runs; overkill
// lifts the volume cap.
func (c *Config) ModeLimits(mode model.RunMode) (screenWorkers, analyzeWorkers, maxItems int) {
	screenWorkers = c.Screen.Workers
	analyzeWorkers = c.Analyze.Workers
	maxItems = c.Run.MaxItems

	switch mode {
	case model.ModeTest:
		screenWorkers = min(screenWorkers, 10)
		analyzeWorkers = min(analyzeWorkers, 2)
		maxItems = min(maxItems, 25)
	case model.ModeOverkill:
		maxItems = 0 // unlimited
	}
	return screenWorkers, analyzeWorkers, maxItems
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

// Durations derived from integer config fields.

func (s StageConfig) Timeout() time.Duration { return time.Duration(s.TimeoutSecs) * time.Second }

func (s StageConfig) BreakerCooldown() time.Duration {
	return time.Duration(s.BreakerCooldownSec) * time.Second
}

func (d DedupConfig) CacheTTL() time.Duration { return time.Duration(d.CacheTTLMins) * time.Minute }

func (l LifecycleConfig) Tick() time.Duration { return time.Duration(l.TickMins) * time.Minute }

func (l LifecycleConfig) ExpiringWindow() time.Duration {
	return time.Duration(l.ExpiringWindowDays) * 24 * time.Hour
}

func (r RunConfig) TimeBudget() time.Duration { return time.Duration(r.TimeBudgetMins) * time.Minute }

func (s SchedulerConfig) Tick() time.Duration { return time.Duration(s.TickSecs) * time.Second }
