// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	FSM() FSMConfig
	Breaker() BreakerConfig
	Bus() BusConfig
	Executor() ExecutorConfig
	Creator() CreatorConfig
	Sandbox() SandboxConfig
	Registry() RegistryConfig
	Database() DatabaseConfig
	Redis() RedisConfig
	LLM() LLMConfig
	Metrics() MetricsConfig

	// Setters used by CLI flags.
	SetBreakerTransitionRateLimit(int)
	SetDatabaseURL(string)
	SetMetricsAddr(string)
}

// Config holds the entire runtime configuration.
type Config struct {
	LoggerCfg   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	FSMCfg      FSMConfig      `mapstructure:"fsm" yaml:"fsm"`
	BreakerCfg  BreakerConfig  `mapstructure:"breaker" yaml:"breaker"`
	BusCfg      BusConfig      `mapstructure:"bus" yaml:"bus"`
	ExecutorCfg ExecutorConfig `mapstructure:"executor" yaml:"executor"`
	CreatorCfg  CreatorConfig  `mapstructure:"creator" yaml:"creator"`
	SandboxCfg  SandboxConfig  `mapstructure:"sandbox" yaml:"sandbox"`
	RegistryCfg RegistryConfig `mapstructure:"registry" yaml:"registry"`
	DatabaseCfg DatabaseConfig `mapstructure:"database" yaml:"database"`
	RedisCfg    RedisConfig    `mapstructure:"redis" yaml:"redis"`
	LLMCfg      LLMConfig      `mapstructure:"llm" yaml:"llm"`
	MetricsCfg  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig     { return c.LoggerCfg }
func (c *Config) FSM() FSMConfig           { return c.FSMCfg }
func (c *Config) Breaker() BreakerConfig   { return c.BreakerCfg }
func (c *Config) Bus() BusConfig           { return c.BusCfg }
func (c *Config) Executor() ExecutorConfig { return c.ExecutorCfg }
func (c *Config) Creator() CreatorConfig   { return c.CreatorCfg }
func (c *Config) Sandbox() SandboxConfig   { return c.SandboxCfg }
func (c *Config) Registry() RegistryConfig { return c.RegistryCfg }
func (c *Config) Database() DatabaseConfig { return c.DatabaseCfg }
func (c *Config) Redis() RedisConfig       { return c.RedisCfg }
func (c *Config) LLM() LLMConfig           { return c.LLMCfg }
func (c *Config) Metrics() MetricsConfig   { return c.MetricsCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetBreakerTransitionRateLimit(n int) { c.BreakerCfg.TransitionRateLimit = n }
func (c *Config) SetDatabaseURL(url string)           { c.DatabaseCfg.URL = url }
func (c *Config) SetMetricsAddr(addr string)          { c.MetricsCfg.Addr = addr }

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// FSMConfig bounds a single session's execution episode.
type FSMConfig struct {
	StepBudget       int           `mapstructure:"step_budget" yaml:"step_budget"`
	RecursionLimit   int           `mapstructure:"recursion_limit" yaml:"recursion_limit"`
	MaxParallelTasks int           `mapstructure:"max_parallel_tasks" yaml:"max_parallel_tasks"`
	ToolRetryLimit   int           `mapstructure:"tool_retry_limit" yaml:"tool_retry_limit"`
	ScriptTimeout    time.Duration `mapstructure:"script_timeout" yaml:"script_timeout"`
	ParallelTimeout  time.Duration `mapstructure:"parallel_timeout" yaml:"parallel_timeout"`
	ToolTimeout      time.Duration `mapstructure:"tool_timeout" yaml:"tool_timeout"`
	GapTimeout       time.Duration `mapstructure:"gap_timeout" yaml:"gap_timeout"`
	IdleTTL          time.Duration `mapstructure:"idle_ttl" yaml:"idle_ttl"`
	JanitorInterval  time.Duration `mapstructure:"janitor_interval" yaml:"janitor_interval"`
}

// BlockedPolicy decides what happens to an event whose transition was blocked.
type BlockedPolicy string

const (
	BlockedRequeue BlockedPolicy = "requeue"
	BlockedDrop    BlockedPolicy = "drop"
)

// BreakerConfig configures the per-session mailbox circuit breaker.
type BreakerConfig struct {
	MailboxMaxSize      int           `mapstructure:"mailbox_max_size" yaml:"mailbox_max_size"`
	MailboxWarningSize  int           `mapstructure:"mailbox_warning_size" yaml:"mailbox_warning_size"`
	TransitionRateLimit int           `mapstructure:"transition_rate_limit" yaml:"transition_rate_limit"`
	Timeout             time.Duration `mapstructure:"timeout" yaml:"timeout"`
	BlockedPolicy       BlockedPolicy `mapstructure:"blocked_policy" yaml:"blocked_policy"`
	MaxRequeues         int           `mapstructure:"max_requeues" yaml:"max_requeues"`
}

// BusConfig configures the in-process event bus.
type BusConfig struct {
	BufferSize int `mapstructure:"buffer_size" yaml:"buffer_size"`
}

// ExecutorConfig configures tool execution.
type ExecutorConfig struct {
	Timeout                time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Concurrency            int           `mapstructure:"concurrency" yaml:"concurrency"`
	PendingTimeout         time.Duration `mapstructure:"pending_timeout" yaml:"pending_timeout"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures" yaml:"max_consecutive_failures"`
}

// CreatorConfig configures the gap-driven tool creation pipeline.
type CreatorConfig struct {
	RateLimit    float64       `mapstructure:"rate_limit" yaml:"rate_limit"`
	Burst        int           `mapstructure:"burst" yaml:"burst"`
	Author       string        `mapstructure:"author" yaml:"author"`
	SmokeTest    bool          `mapstructure:"smoke_test" yaml:"smoke_test"`
	SmokeTimeout time.Duration `mapstructure:"smoke_timeout" yaml:"smoke_timeout"`
}

// SandboxConfig controls what generated code may import.
type SandboxConfig struct {
	AllowedImports []string `mapstructure:"allowed_imports" yaml:"allowed_imports"`
}

// ConflictPolicy decides how a registration for an existing name is resolved.
type ConflictPolicy string

const (
	ConflictReject      ConflictPolicy = "reject"
	ConflictVersionBump ConflictPolicy = "version_bump"
)

// RegistryConfig configures the capability catalog.
type RegistryConfig struct {
	ConflictPolicy ConflictPolicy `mapstructure:"conflict_policy" yaml:"conflict_policy"`
	ExportPath     string         `mapstructure:"export_path" yaml:"export_path"`
}

// DatabaseConfig holds the database connection details.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// RedisConfig configures the optional broker bridge.
type RedisConfig struct {
	Addr     string   `mapstructure:"addr" yaml:"addr"`
	Password string   `mapstructure:"password" yaml:"-"`
	DB       int      `mapstructure:"db" yaml:"db"`
	Prefix   string   `mapstructure:"prefix" yaml:"prefix"`
	Topics   []string `mapstructure:"topics" yaml:"topics"`
}

// LLMConfig configures the optional Gemini code generator.
type LLMConfig struct {
	APIKey      string        `mapstructure:"api_key" yaml:"-"`
	Model       string        `mapstructure:"model" yaml:"model"`
	Temperature float32       `mapstructure:"temperature" yaml:"temperature"`
	APITimeout  time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "reug")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- FSM --
	v.SetDefault("fsm.step_budget", 100)
	v.SetDefault("fsm.recursion_limit", 5)
	v.SetDefault("fsm.max_parallel_tasks", 10)
	v.SetDefault("fsm.tool_retry_limit", 3)
	v.SetDefault("fsm.script_timeout", "300s")
	v.SetDefault("fsm.parallel_timeout", "60s")
	v.SetDefault("fsm.tool_timeout", "60s")
	v.SetDefault("fsm.gap_timeout", "300s")
	v.SetDefault("fsm.idle_ttl", "30m")
	v.SetDefault("fsm.janitor_interval", "1m")

	// -- Circuit Breaker --
	v.SetDefault("breaker.mailbox_max_size", 100)
	v.SetDefault("breaker.mailbox_warning_size", 50)
	v.SetDefault("breaker.transition_rate_limit", 10)
	v.SetDefault("breaker.timeout", "30s")
	v.SetDefault("breaker.blocked_policy", string(BlockedRequeue))
	v.SetDefault("breaker.max_requeues", 3)

	// -- Bus --
	v.SetDefault("bus.buffer_size", 1024)

	// -- Executor --
	v.SetDefault("executor.timeout", "10s")
	v.SetDefault("executor.concurrency", 8)
	v.SetDefault("executor.pending_timeout", "300s")
	v.SetDefault("executor.max_consecutive_failures", 3)

	// -- Creator --
	v.SetDefault("creator.rate_limit", 5.0)
	v.SetDefault("creator.burst", 5)
	v.SetDefault("creator.author", "reug-creator")
	v.SetDefault("creator.smoke_test", true)
	v.SetDefault("creator.smoke_timeout", "5s")

	// -- Sandbox --
	v.SetDefault("sandbox.allowed_imports", []string{
		"bytes", "encoding/base64", "encoding/json", "errors", "fmt", "math",
		"math/big", "regexp", "sort", "strconv", "strings", "time", "unicode",
		"unicode/utf8",
	})

	// -- Registry --
	v.SetDefault("registry.conflict_policy", string(ConflictReject))
	v.SetDefault("registry.export_path", "~/.reug/capabilities.json")

	// -- Redis bridge --
	v.SetDefault("redis.prefix", "reug")
	v.SetDefault("redis.topics", []string{"atom_gap", "tool_call", "tool_result", "conversation", "planning"})

	// -- LLM --
	v.SetDefault("llm.model", "gemini-2.5-flash")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.api_timeout", "60s")

	// -- Metrics --
	v.SetDefault("metrics.addr", ":9464")
}

// NewConfigFromViper creates a new Config instance from a viper instance.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	_ = v.BindEnv("llm.api_key", "REUG_LLM_API_KEY", "GEMINI_API_KEY")
	_ = v.BindEnv("redis.password", "REUG_REDIS_PASSWORD")
	_ = v.BindEnv("database.url", "REUG_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if cfg.RegistryCfg.ExportPath != "" {
		expanded, err := homedir.Expand(cfg.RegistryCfg.ExportPath)
		if err != nil {
			return nil, fmt.Errorf("invalid registry.export_path: %w", err)
		}
		cfg.RegistryCfg.ExportPath = expanded
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for logical errors.
func (c *Config) Validate() error {
	if err := c.BreakerCfg.Validate(); err != nil {
		return fmt.Errorf("breaker configuration invalid: %w", err)
	}
	if err := c.FSMCfg.Validate(); err != nil {
		return fmt.Errorf("fsm configuration invalid: %w", err)
	}
	if c.BusCfg.BufferSize <= 0 {
		return fmt.Errorf("bus.buffer_size must be a positive integer")
	}
	if c.ExecutorCfg.Concurrency <= 0 {
		return fmt.Errorf("executor.concurrency must be a positive integer")
	}
	if c.ExecutorCfg.Timeout <= 0 {
		return fmt.Errorf("executor.timeout must be positive")
	}
	if c.CreatorCfg.RateLimit <= 0 || c.CreatorCfg.Burst <= 0 {
		return fmt.Errorf("creator.rate_limit and creator.burst must be positive")
	}
	switch c.RegistryCfg.ConflictPolicy {
	case ConflictReject, ConflictVersionBump:
	default:
		return fmt.Errorf("registry.conflict_policy must be one of [reject version_bump], got %q", c.RegistryCfg.ConflictPolicy)
	}
	return nil
}

// Validate checks the breaker thresholds.
func (b BreakerConfig) Validate() error {
	if b.MailboxMaxSize <= 0 {
		return fmt.Errorf("mailbox_max_size must be a positive integer")
	}
	if b.MailboxWarningSize <= 0 || b.MailboxWarningSize > b.MailboxMaxSize {
		return fmt.Errorf("mailbox_warning_size must be between 1 and mailbox_max_size")
	}
	if b.TransitionRateLimit <= 0 {
		return fmt.Errorf("transition_rate_limit must be a positive integer")
	}
	if b.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	switch b.BlockedPolicy {
	case BlockedRequeue, BlockedDrop:
	default:
		return fmt.Errorf("blocked_policy must be one of [requeue drop], got %q", b.BlockedPolicy)
	}
	if b.MaxRequeues < 0 {
		return fmt.Errorf("max_requeues cannot be negative")
	}
	return nil
}

// Validate checks the per-episode bounds.
func (f FSMConfig) Validate() error {
	if f.StepBudget <= 0 {
		return fmt.Errorf("step_budget must be a positive integer")
	}
	if f.RecursionLimit <= 0 {
		return fmt.Errorf("recursion_limit must be a positive integer")
	}
	if f.MaxParallelTasks <= 0 {
		return fmt.Errorf("max_parallel_tasks must be a positive integer")
	}
	if f.ToolRetryLimit < 0 {
		return fmt.Errorf("tool_retry_limit cannot be negative")
	}
	if f.ScriptTimeout <= 0 || f.ParallelTimeout <= 0 || f.ToolTimeout <= 0 || f.GapTimeout <= 0 {
		return fmt.Errorf("script_timeout, parallel_timeout, tool_timeout and gap_timeout must be positive")
	}
	return nil
}
