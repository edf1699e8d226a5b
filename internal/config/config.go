// Package config loads and validates all runtime configuration for the router.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example EMBED_API_KEY becomes
// embed_api_key in YAML.
//
// Postgres and the embedding key are required; Redis and ClickHouse are
// optional — without Redis the blocked-user cache runs in-process and vault
// snapshots are disabled, and without ClickHouse raw usage events are only
// emitted via slog.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// Port is the TCP port the HTTP server listens on. Default: 8080.
	Port int

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	// Default: info.
	LogLevel string

	// AdminSecret guards the /v1/admin surface. Keys with the mk_admin prefix
	// are accepted as an alternative. Empty disables the secret path.
	AdminSecret string

	// TopUpURL is returned inside 402 payment envelopes so clients can send
	// users somewhere actionable.
	TopUpURL string

	// Embed configures the embedding backend.
	Embed EmbedConfig

	// Kronos configures the retrieval time windows.
	Kronos KronosConfig

	// Postgres holds the relational store connection string. Required.
	Postgres PostgresConfig

	// Redis holds the connection URL for the blocked-user cache, rate limiter,
	// and vault snapshots. Optional.
	Redis RedisConfig

	// ClickHouse holds the usage-event sink DSN. Optional.
	ClickHouse ClickHouseConfig

	// Billing controls the balance checkpoint.
	Billing BillingConfig

	// Defaults holds fallback provider keys used when a memory key has no
	// stored key for the resolved provider.
	Defaults ProviderDefaults

	// RateLimit controls per-memory-key request-rate limiting.
	RateLimit RateLimitConfig

	// MemoryExcludeExact lists model names whose requests bypass memory
	// entirely (no retrieval, no storage).
	MemoryExcludeExact []string

	// MemoryExcludePatterns is the regex form of MemoryExcludeExact.
	MemoryExcludePatterns []string

	// ProviderTimeout is the per-provider HTTP timeout. Default: 120s
	// (streams can legitimately run for minutes).
	ProviderTimeout time.Duration

	// CORSOrigins is the list of allowed CORS origins.
	CORSOrigins []string
}

// EmbedConfig configures the embedding client.
type EmbedConfig struct {
	// APIKey authenticates against the embedding endpoint. Required.
	APIKey string
	// BaseURL overrides the default OpenAI-compatible endpoint.
	BaseURL string
	// Model is the embedding model name. Default: "text-embedding-3-small".
	Model string
	// Dims is the fixed embedding dimension for this deployment. Every vault
	// created by this process uses this value. Default: 1024.
	Dims int
}

// KronosConfig holds the retrieval window cutoffs.
type KronosConfig struct {
	// HotHours is the HOT window upper bound for core vaults. Default: 4.
	HotHours int
	// SessionHotHours is the HOT window used for session-scoped vaults.
	// Default: 12.
	SessionHotHours int
	// WorkingDays is the WORKING window upper bound. Default: 3.
	WorkingDays int
	// LongTermDays is the LONG_TERM window upper bound; older chunks are
	// never returned. Default: 90.
	LongTermDays int
}

// PostgresConfig holds the relational store connection.
type PostgresConfig struct {
	// DSN is a postgres:// connection string. Required.
	DSN string
}

// RedisConfig holds the Redis connection.
type RedisConfig struct {
	// URL is a redis:// or rediss:// URL. Optional.
	URL string
}

// ClickHouseConfig holds the usage-event sink connection.
type ClickHouseConfig struct {
	// DSN is a clickhouse:// connection string. Optional.
	DSN string
}

// BillingConfig controls the balance checkpoint.
type BillingConfig struct {
	// Disabled turns the checkpoint into a pass-through (every request is
	// allowed, nothing is deducted). Useful for self-hosted deployments.
	Disabled bool
}

// ProviderDefaults holds router-level fallback API keys per provider tag.
type ProviderDefaults struct {
	OpenAI     string
	Anthropic  string
	OpenRouter string
	Google     string
	XAI        string
	Cerebras   string
	DeepSeek   string
	Mistral    string
	Azure      string // stored as "endpoint|key"
	OllamaBase string // base URL only; Ollama has no auth
}

// RateLimitConfig controls per-memory-key request-rate limiting.
type RateLimitConfig struct {
	// RPMLimit is the maximum requests per minute per memory key.
	// 0 disables rate limiting. Default: 0.
	RPMLimit int
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("PORT", 8080)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CORS_ORIGINS", []string{"*"})
	v.SetDefault("PROVIDER_TIMEOUT", "120s")

	v.SetDefault("EMBED_MODEL", "text-embedding-3-small")
	v.SetDefault("EMBED_DIMS", 1024)

	v.SetDefault("KRONOS_HOT_HOURS", 4)
	v.SetDefault("KRONOS_SESSION_HOT_HOURS", 12)
	v.SetDefault("KRONOS_WORKING_DAYS", 3)
	v.SetDefault("KRONOS_LONGTERM_DAYS", 90)

	v.SetDefault("RPM_LIMIT", 0)
	v.SetDefault("BILLING_DISABLED", false)

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		Port:        v.GetInt("PORT"),
		LogLevel:    strings.ToLower(v.GetString("LOG_LEVEL")),
		AdminSecret: v.GetString("ADMIN_SECRET"),
		TopUpURL:    v.GetString("TOP_UP_URL"),

		Embed: EmbedConfig{
			APIKey:  v.GetString("EMBED_API_KEY"),
			BaseURL: v.GetString("EMBED_BASE_URL"),
			Model:   v.GetString("EMBED_MODEL"),
			Dims:    v.GetInt("EMBED_DIMS"),
		},

		Kronos: KronosConfig{
			HotHours:        v.GetInt("KRONOS_HOT_HOURS"),
			SessionHotHours: v.GetInt("KRONOS_SESSION_HOT_HOURS"),
			WorkingDays:     v.GetInt("KRONOS_WORKING_DAYS"),
			LongTermDays:    v.GetInt("KRONOS_LONGTERM_DAYS"),
		},

		Postgres:   PostgresConfig{DSN: v.GetString("POSTGRES_DSN")},
		Redis:      RedisConfig{URL: v.GetString("REDIS_URL")},
		ClickHouse: ClickHouseConfig{DSN: v.GetString("CLICKHOUSE_DSN")},

		Billing: BillingConfig{Disabled: v.GetBool("BILLING_DISABLED")},

		Defaults: ProviderDefaults{
			OpenAI:     v.GetString("OPENAI_API_KEY"),
			Anthropic:  v.GetString("ANTHROPIC_API_KEY"),
			OpenRouter: v.GetString("OPENROUTER_API_KEY"),
			Google:     v.GetString("GOOGLE_API_KEY"),
			XAI:        v.GetString("XAI_API_KEY"),
			Cerebras:   v.GetString("CEREBRAS_API_KEY"),
			DeepSeek:   v.GetString("DEEPSEEK_API_KEY"),
			Mistral:    v.GetString("MISTRAL_API_KEY"),
			Azure:      v.GetString("AZURE_OPENAI_KEY"),
			OllamaBase: v.GetString("OLLAMA_BASE_URL"),
		},

		RateLimit: RateLimitConfig{RPMLimit: v.GetInt("RPM_LIMIT")},

		MemoryExcludeExact:    v.GetStringSlice("MEMORY_EXCLUDE_EXACT"),
		MemoryExcludePatterns: v.GetStringSlice("MEMORY_EXCLUDE_PATTERNS"),

		ProviderTimeout: v.GetDuration("PROVIDER_TIMEOUT"),
		CORSOrigins:     v.GetStringSlice("CORS_ORIGINS"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	if c.Postgres.DSN == "" {
		return fmt.Errorf("config: POSTGRES_DSN is required (memory keys, billing, and rollups live in Postgres)")
	}

	if c.Embed.APIKey == "" {
		return fmt.Errorf("config: EMBED_API_KEY is required (retrieval needs an embedding backend)")
	}
	if c.Embed.Dims < 1 {
		return fmt.Errorf("config: EMBED_DIMS must be ≥ 1, got %d", c.Embed.Dims)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.Kronos.HotHours < 1 || c.Kronos.WorkingDays < 1 || c.Kronos.LongTermDays < 1 {
		return fmt.Errorf("config: KRONOS windows must all be ≥ 1")
	}
	if hot := time.Duration(c.Kronos.HotHours) * time.Hour; hot >= time.Duration(c.Kronos.WorkingDays)*24*time.Hour {
		return fmt.Errorf("config: KRONOS_HOT_HOURS must be shorter than KRONOS_WORKING_DAYS")
	}
	if c.Kronos.WorkingDays >= c.Kronos.LongTermDays {
		return fmt.Errorf("config: KRONOS_WORKING_DAYS must be shorter than KRONOS_LONGTERM_DAYS")
	}

	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("config: PROVIDER_TIMEOUT must be a positive duration")
	}

	return nil
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}
