package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/TwoKai-LTD/xynenyx-agent/internal/circuitbreaker"
)

// EnvPrefix namespaces environment overrides, e.g. AGENT_LLM_SERVICE_URL.
const EnvPrefix = "AGENT"

type ServerConfig struct {
	Port      int `mapstructure:"port"`
	AdminPort int `mapstructure:"admin_port"`
	// Streaming ring capacity per thread.
	StreamBuffer int `mapstructure:"stream_buffer"`
}

type LLMConfig struct {
	Backend               string        `mapstructure:"backend"` // service | openai | anthropic
	ServiceURL            string        `mapstructure:"service_url"`
	Timeout               time.Duration `mapstructure:"timeout"`
	ClassificationTimeout time.Duration `mapstructure:"classification_timeout"`
	ExtractionTimeout     time.Duration `mapstructure:"extraction_timeout"`
	Provider              string        `mapstructure:"provider"`
	Model                 string        `mapstructure:"model"`
	DefaultTemperature    float64       `mapstructure:"default_temperature"`
	MaxTokens             int           `mapstructure:"max_tokens"`
	OpenAIAPIKey          string        `mapstructure:"openai_api_key"`
	OpenAIBaseURL         string        `mapstructure:"openai_base_url"`
	AnthropicAPIKey       string        `mapstructure:"anthropic_api_key"`
	AnthropicBaseURL      string        `mapstructure:"anthropic_base_url"`
	RateLimit             float64       `mapstructure:"rate_limit"` // requests per second, 0 = unlimited
	RateBurst             int           `mapstructure:"rate_burst"`
}

type RAGConfig struct {
	ServiceURL      string        `mapstructure:"service_url"`
	Timeout         time.Duration `mapstructure:"timeout"`
	DefaultTopK     int           `mapstructure:"default_top_k"`
	UseHybridSearch bool          `mapstructure:"use_hybrid_search"`
	UseReranking    bool          `mapstructure:"use_reranking"`
}

type ToolsConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type CheckpointConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Driver        string        `mapstructure:"driver"` // postgres | sqlite | memory
	DSN           string        `mapstructure:"dsn"`
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	AutoMigrate   bool          `mapstructure:"auto_migrate"`
}

type RedisConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	DB      int    `mapstructure:"db"`
}

type RewriterConfig struct {
	CacheSize int           `mapstructure:"cache_size"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
}

type CompressionConfig struct {
	TokenBudget int `mapstructure:"token_budget"`
}

type TemporalConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	HostPort      string        `mapstructure:"host_port"`
	Namespace     string        `mapstructure:"namespace"`
	TaskQueue     string        `mapstructure:"task_queue"`
	SweepSchedule time.Duration `mapstructure:"sweep_schedule"`
}

type TracingConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // json | console
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type BreakersConfig struct {
	HTTP     circuitbreaker.Settings `mapstructure:"http"`
	Database circuitbreaker.Settings `mapstructure:"database"`
	Redis    circuitbreaker.Settings `mapstructure:"redis"`
}

// Config is the full service configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	LLM         LLMConfig         `mapstructure:"llm"`
	RAG         RAGConfig         `mapstructure:"rag"`
	Tools       ToolsConfig       `mapstructure:"tools"`
	Checkpoint  CheckpointConfig  `mapstructure:"checkpoint"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Rewriter    RewriterConfig    `mapstructure:"rewriter"`
	Compression CompressionConfig `mapstructure:"compression"`
	Temporal    TemporalConfig    `mapstructure:"temporal"`
	Tracing     TracingConfig     `mapstructure:"tracing"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Breakers    BreakersConfig    `mapstructure:"breakers"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.admin_port", 8081)
	v.SetDefault("server.stream_buffer", 256)

	v.SetDefault("llm.backend", "service")
	v.SetDefault("llm.service_url", "http://localhost:8003")
	v.SetDefault("llm.timeout", 60*time.Second)
	v.SetDefault("llm.classification_timeout", 10*time.Second)
	v.SetDefault("llm.extraction_timeout", 10*time.Second)
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.default_temperature", 0.7)
	v.SetDefault("llm.max_tokens", 2048)
	v.SetDefault("llm.rate_burst", 10)

	v.SetDefault("rag.service_url", "http://localhost:8002")
	v.SetDefault("rag.timeout", 60*time.Second)
	v.SetDefault("rag.default_top_k", 10)
	v.SetDefault("rag.use_hybrid_search", true)
	v.SetDefault("rag.use_reranking", true)

	v.SetDefault("tools.timeout", 30*time.Second)

	v.SetDefault("checkpoint.enabled", true)
	v.SetDefault("checkpoint.driver", "sqlite")
	v.SetDefault("checkpoint.dsn", "file:checkpoints.db?_busy_timeout=5000&_journal_mode=WAL")
	v.SetDefault("checkpoint.ttl", 7*24*time.Hour)
	v.SetDefault("checkpoint.sweep_interval", time.Hour)
	v.SetDefault("checkpoint.auto_migrate", true)

	v.SetDefault("redis.addr", "localhost:6379")

	v.SetDefault("rewriter.cache_size", 2048)
	v.SetDefault("rewriter.cache_ttl", time.Hour)

	v.SetDefault("compression.token_budget", 4000)

	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "xynenyx-agent")
	v.SetDefault("temporal.sweep_schedule", time.Hour)

	v.SetDefault("tracing.service_name", "xynenyx-agent")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 5)
	v.SetDefault("logging.max_age_days", 14)
}

// newViper builds a viper instance with defaults and env binding. path may
// be empty, in which case only defaults and environment apply.
func newViper(path string) *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// secrets have no defaults, so bind them explicitly; the vendor names are
	// accepted as fallbacks
	_ = v.BindEnv("llm.openai_api_key", EnvPrefix+"_LLM_OPENAI_API_KEY", "OPENAI_API_KEY")
	_ = v.BindEnv("llm.anthropic_api_key", EnvPrefix+"_LLM_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")
	_ = v.BindEnv("llm.openai_base_url", EnvPrefix+"_LLM_OPENAI_BASE_URL")
	_ = v.BindEnv("llm.anthropic_base_url", EnvPrefix+"_LLM_ANTHROPIC_BASE_URL")
	_ = v.BindEnv("llm.rate_limit", EnvPrefix+"_LLM_RATE_LIMIT")
	if path != "" {
		v.SetConfigFile(path)
	}
	return v
}

// Load reads .env (if present), then the YAML file at path (or CONFIG_PATH),
// then AGENT_* environment overrides. A missing config file is not an error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	v := newViper(path)
	if path != "" {
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	switch c.LLM.Backend {
	case "service", "openai", "anthropic":
	default:
		return fmt.Errorf("llm.backend must be service, openai or anthropic, got %q", c.LLM.Backend)
	}
	switch c.Checkpoint.Driver {
	case "postgres", "sqlite", "memory":
	default:
		return fmt.Errorf("checkpoint.driver must be postgres, sqlite or memory, got %q", c.Checkpoint.Driver)
	}
	if c.Checkpoint.TTL <= 0 {
		return fmt.Errorf("checkpoint.ttl must be positive")
	}
	if c.Compression.TokenBudget <= 0 {
		return fmt.Errorf("compression.token_budget must be positive")
	}
	return nil
}
