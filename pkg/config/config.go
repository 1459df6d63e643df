package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/pario-ai/parley/pkg/models"
)

// Store backends.
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Provider types.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Config holds all Parley configuration.
type Config struct {
	Listen    string                 `yaml:"listen"`
	DBPath    string                 `yaml:"db_path"`
	Log       LogConfig              `yaml:"log"`
	Store     StoreConfig            `yaml:"store"`
	Providers []ProviderConfig       `yaml:"providers"`
	Models    []models.ProviderModel `yaml:"models"`
	Router    RouterConfig           `yaml:"router"`
	RateLimit RateLimitConfig        `yaml:"rate_limit"`
	Cache     CacheConfig            `yaml:"cache"`
	History   HistoryConfig          `yaml:"history"`
	Context   ContextConfig          `yaml:"context"`
	Budget    BudgetConfig           `yaml:"budget"`
	Archive   ArchiveConfig          `yaml:"archive"`
	Audit     models.AuditConfig     `yaml:"audit"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// StoreConfig selects the shared backend used by the rate limiter,
// response cache and history store.
type StoreConfig struct {
	Backend       string        `yaml:"backend"`
	RedisURL      string        `yaml:"redis_url"`
	KeyPrefix     string        `yaml:"key_prefix"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// ProviderConfig defines an upstream LLM provider.
// Type is "openai" (default) or "anthropic". A provider without an
// APIKey is left out of the registry.
type ProviderConfig struct {
	Name    string        `yaml:"name"`
	Type    string        `yaml:"type"`
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"api_key"`
	Version string        `yaml:"version"`
	Timeout time.Duration `yaml:"timeout"`
}

// RouterConfig defines model routing.
type RouterConfig struct {
	// Prefixes maps a model id prefix (e.g. "gpt-") to a provider name
	// for models that are not listed in the catalog.
	Prefixes map[string]string `yaml:"prefixes"`
	Routes   []RouteConfig     `yaml:"routes"`
}

// RouteConfig maps a client-facing model alias to an ordered list of targets.
type RouteConfig struct {
	Model   string        `yaml:"model"`
	Targets []RouteTarget `yaml:"targets"`
}

// RouteTarget identifies a specific provider and model.
type RouteTarget struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// RateLimitConfig is the tier table for the sliding-window limiter.
type RateLimitConfig struct {
	Enabled     bool                        `yaml:"enabled"`
	DefaultTier string                      `yaml:"default_tier"`
	Tiers       map[string]models.TierLimit `yaml:"tiers"`
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	TTL          time.Duration `yaml:"ttl"`
	LockTTL      time.Duration `yaml:"lock_ttl"`
	WaitTimeout  time.Duration `yaml:"wait_timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// HistoryConfig controls the ephemeral history store.
type HistoryConfig struct {
	TTL         time.Duration `yaml:"ttl"`
	MaxMessages int           `yaml:"max_messages"`
	RecentLimit int           `yaml:"recent_limit"`
	Archive     bool          `yaml:"archive"`
}

// ContextConfig controls prompt construction.
type ContextConfig struct {
	SystemPreamble   string `yaml:"system_preamble"`
	MaxContextTokens int    `yaml:"max_context_tokens"`
	DefaultMaxTokens int    `yaml:"default_max_tokens"`
}

// BudgetConfig controls budget enforcement.
type BudgetConfig struct {
	Enabled  bool                  `yaml:"enabled"`
	Policies []models.BudgetPolicy `yaml:"policies"`
}

// ArchiveConfig points at the durable conversation store.
type ArchiveConfig struct {
	Enabled bool   `yaml:"enabled"`
	Driver  string `yaml:"driver"` // sqlite, postgres, mysql
	DSN     string `yaml:"dsn"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		DBPath: "parley.db",
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Store: StoreConfig{
			Backend:       BackendSQLite,
			KeyPrefix:     "parley:",
			SweepInterval: time.Minute,
		},
		Router: RouterConfig{
			Prefixes: map[string]string{
				"gpt-":    ProviderOpenAI,
				"o1":      ProviderOpenAI,
				"o3":      ProviderOpenAI,
				"claude-": ProviderAnthropic,
			},
		},
		RateLimit: RateLimitConfig{
			Enabled:     true,
			DefaultTier: "free",
			Tiers: map[string]models.TierLimit{
				"free": {RequestsPerWindow: 20, Window: time.Minute},
				"pro":  {RequestsPerWindow: 120, Window: time.Minute},
			},
		},
		Cache: CacheConfig{
			Enabled:      true,
			TTL:          time.Hour,
			LockTTL:      2 * time.Minute,
			WaitTimeout:  20 * time.Second,
			PollInterval: 100 * time.Millisecond,
		},
		History: HistoryConfig{
			TTL:         24 * time.Hour,
			MaxMessages: 200,
			RecentLimit: 50,
		},
		Context: ContextConfig{
			SystemPreamble:   "You are a helpful assistant.",
			DefaultMaxTokens: 1024,
		},
		Archive: ArchiveConfig{
			Driver: "sqlite",
		},
		Audit: models.AuditConfig{
			DBPath:        "parley-audit.db",
			RetentionDays: 30,
			Include:       []string{"prompts", "responses"},
			MaxBodySize:   8192,
		},
	}
}

// Load reads a YAML config file and expands environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnvFile loads KEY=VALUE pairs from a dotenv file into the process
// environment without overriding variables that are already set. A
// missing file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file: %w", err)
	}
	return nil
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendSQLite:
	case BackendRedis:
		if c.Store.RedisURL == "" {
			return fmt.Errorf("config: store.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}

	providers := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("config: provider without name")
		}
		switch p.Type {
		case "", ProviderOpenAI, ProviderAnthropic:
		default:
			return fmt.Errorf("config: provider %q: unknown type %q", p.Name, p.Type)
		}
		providers[p.Name] = true
	}
	for _, m := range c.Models {
		if m.ID == "" {
			return fmt.Errorf("config: model without id")
		}
		if !providers[m.Provider] {
			return fmt.Errorf("config: model %q references unknown provider %q", m.ID, m.Provider)
		}
	}

	for name, tier := range c.RateLimit.Tiers {
		if tier.RequestsPerWindow <= 0 || tier.Window <= 0 {
			return fmt.Errorf("config: tier %q needs positive requests_per_window and window", name)
		}
	}
	if c.RateLimit.Enabled && c.RateLimit.DefaultTier != "" {
		if _, ok := c.RateLimit.Tiers[c.RateLimit.DefaultTier]; !ok {
			return fmt.Errorf("config: default tier %q is not defined", c.RateLimit.DefaultTier)
		}
	}
	return nil
}

// NewLogger builds the process logger from the log section.
func (c LogConfig) NewLogger(w *os.File) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(c.Format) == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
