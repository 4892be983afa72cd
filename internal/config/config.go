package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Pricing   PricingConfig   `mapstructure:"pricing"`
	Upstream  UpstreamConfig  `mapstructure:"upstream"`
	Catalog   CatalogConfig   `mapstructure:"catalog"`
	Usage     UsageConfig     `mapstructure:"usage"`
	Log       LogConfig       `mapstructure:"log"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"port" validate:"required"`
	Env             string        `mapstructure:"env" validate:"oneof=development test production"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes" validate:"gt=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver" validate:"oneof=sqlite sqlite3 postgres"`
	DSN             string        `mapstructure:"dsn" validate:"required"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Enabled  bool   `mapstructure:"enabled"`
	Prefix   string `mapstructure:"prefix"`
}

// RateLimitConfig holds the per-IP flood guard and the per-account defaults
// applied when an account has no stored policy. Zero caps mean unlimited.
type RateLimitConfig struct {
	RequestsPerSecond   float64       `mapstructure:"requests_per_second"`
	Burst               int           `mapstructure:"burst"`
	RequestsPerMinute   int           `mapstructure:"requests_per_minute" validate:"gte=0"`
	RequestsPerHour     int           `mapstructure:"requests_per_hour" validate:"gte=0"`
	RequestsPerDay      int           `mapstructure:"requests_per_day" validate:"gte=0"`
	MaxTokensPerRequest int           `mapstructure:"max_tokens_per_request" validate:"gte=0"`
	PolicyCacheTTL      time.Duration `mapstructure:"policy_cache_ttl"`
	JanitorInterval     time.Duration `mapstructure:"janitor_interval"`
}

type PricingConfig struct {
	DefaultMarkupPercentage float64       `mapstructure:"default_markup_percentage" validate:"gte=0"`
	DefaultCompletionTokens int           `mapstructure:"default_completion_tokens" validate:"gt=0"`
	RulesCacheTTL           time.Duration `mapstructure:"rules_cache_ttl"`
}

type UpstreamConfig struct {
	BaseURL string        `mapstructure:"base_url" validate:"required,url"`
	APIKey  string        `mapstructure:"api_key"`
	Referer string        `mapstructure:"referer"`
	Title   string        `mapstructure:"title"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type CatalogConfig struct {
	// Remote lists models from the upstream; otherwise the static list is served.
	Remote     bool          `mapstructure:"remote"`
	TTL        time.Duration `mapstructure:"ttl"`
	RetryAfter time.Duration `mapstructure:"retry_after"`
}

type UsageConfig struct {
	BufferSize    int           `mapstructure:"buffer_size"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	TaskTimeout   time.Duration `mapstructure:"task_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format" validate:"oneof=json console"`
}

type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// legacyEnv maps the environment names used by earlier deployments onto
// config keys.
var legacyEnv = map[string]string{
	"upstream.api_key":                  "OPENROUTER_API_KEY",
	"pricing.default_markup_percentage": "MARKUP_PERCENTAGE",
	"server.allowed_origins":            "ALLOWED_ORIGINS",
	"database.dsn":                      "DATABASE_URL",
	"upstream.referer":                  "HTTP_REFERER",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.env", "development")
	v.SetDefault("server.allowed_origins", []string{})
	v.SetDefault("server.max_body_bytes", 4<<20)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "file:reseller.db?_busy_timeout=5000&_journal_mode=WAL")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.prefix", "reseller:")

	v.SetDefault("rate_limit.requests_per_second", 10.0)
	v.SetDefault("rate_limit.burst", 20)
	v.SetDefault("rate_limit.requests_per_minute", 0)
	v.SetDefault("rate_limit.requests_per_hour", 0)
	v.SetDefault("rate_limit.requests_per_day", 0)
	v.SetDefault("rate_limit.max_tokens_per_request", 0)
	v.SetDefault("rate_limit.policy_cache_ttl", 30*time.Second)
	v.SetDefault("rate_limit.janitor_interval", time.Hour)

	v.SetDefault("pricing.default_markup_percentage", 20.0)
	v.SetDefault("pricing.default_completion_tokens", 1000)
	v.SetDefault("pricing.rules_cache_ttl", time.Minute)

	v.SetDefault("upstream.base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("upstream.referer", "https://openapi-reseller.com")
	v.SetDefault("upstream.title", "AI Reseller API")
	v.SetDefault("upstream.timeout", 120*time.Second)

	v.SetDefault("catalog.remote", false)
	v.SetDefault("catalog.ttl", 10*time.Minute)
	v.SetDefault("catalog.retry_after", 30*time.Second)

	v.SetDefault("usage.buffer_size", 10000)
	v.SetDefault("usage.batch_size", 50)
	v.SetDefault("usage.flush_interval", time.Second)
	v.SetDefault("usage.task_timeout", 5*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "openapi-reseller")
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig() (*Config, error) {
	// Load .env file if present
	_ = godotenv.Load()

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	setDefaults(v)

	// Environment Variables
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		_ = v.BindEnv(key, strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env)
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode into struct: %w", err)
	}

	cfg.Server.AllowedOrigins = splitOrigins(cfg.Server.AllowedOrigins)

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// splitOrigins accepts both a YAML list and a comma separated env value.
func splitOrigins(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, o := range strings.Split(item, ",") {
			if o = strings.TrimSpace(o); o != "" {
				out = append(out, o)
			}
		}
	}
	return out
}
