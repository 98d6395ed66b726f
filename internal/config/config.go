package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

type Config struct {
	ListenAddr  string
	Environment string

	// Auth
	JWTSecret   string
	JWTAudience string
	APIKeys     []string
	DevAuth     bool

	// LLM
	LLMProvider    string
	OpenAIAPIKey   string
	OpenAIBaseURL  string
	OpenAIModel    string
	OllamaURL      string
	OllamaModel    string
	GeminiAPIKey   string
	GeminiModel    string
	LLMTimeout     time.Duration
	BreakerEnabled bool

	// Orchestrator
	Workers            int
	QueueSize          int
	SectionMode        string
	SectionConcurrency int
	NotifyDelay        time.Duration
	EstimatedDuration  time.Duration

	// Retention
	JobTTLHours            int
	CleanupIntervalMinutes int

	// Storage
	DBPath      string
	DatabaseURL string

	// HTTP
	CORSOrigins        []string
	RateLimitPerMinute int
	RateLimitBurst     int
	MaxBodyBytes       int64
	// TrustProxy keys rate limits on X-Forwarded-For instead of the peer address.
	TrustProxy bool

	MetricsEnabled    bool
	DisableKeepalive  bool
	KeepaliveInterval time.Duration

	LogLevel  string
	LogFormat string
}

// fileConfig is the optional YAML file named by LISTINGIQ_CONFIG_FILE.
// Environment variables override anything set here.
type fileConfig struct {
	ListenAddr  string `yaml:"listen_addr"`
	Environment string `yaml:"environment"`
	Auth        struct {
		JWTSecret   string   `yaml:"jwt_secret"`
		JWTAudience string   `yaml:"jwt_audience"`
		APIKeys     []string `yaml:"api_keys"`
		DevAuth     *bool    `yaml:"dev_auth"`
	} `yaml:"auth"`
	LLM struct {
		Provider      string `yaml:"provider"`
		OpenAIAPIKey  string `yaml:"openai_api_key"`
		OpenAIBaseURL string `yaml:"openai_base_url"`
		OpenAIModel   string `yaml:"openai_model"`
		OllamaURL     string `yaml:"ollama_url"`
		OllamaModel   string `yaml:"ollama_model"`
		GeminiAPIKey  string `yaml:"gemini_api_key"`
		GeminiModel   string `yaml:"gemini_model"`
		Timeout       string `yaml:"timeout"`
		Breaker       *bool  `yaml:"breaker"`
	} `yaml:"llm"`
	Queue struct {
		Workers            int    `yaml:"workers"`
		Size               int    `yaml:"size"`
		SectionMode        string `yaml:"section_mode"`
		SectionConcurrency int    `yaml:"section_concurrency"`
		NotifyDelay        string `yaml:"notify_delay"`
		EstimatedDuration  string `yaml:"estimated_duration"`
		JobTTLHours        int    `yaml:"job_ttl_hours"`
		CleanupMinutes     int    `yaml:"cleanup_interval_minutes"`
	} `yaml:"queue"`
	Storage struct {
		DBPath      string `yaml:"db_path"`
		DatabaseURL string `yaml:"database_url"`
	} `yaml:"storage"`
	HTTP struct {
		CORSOrigins        []string `yaml:"cors_origins"`
		RateLimitPerMinute int      `yaml:"rate_limit_per_minute"`
		RateLimitBurst     int      `yaml:"rate_limit_burst"`
		MaxBodyBytes       int64    `yaml:"max_body_bytes"`
		TrustProxy         bool     `yaml:"trust_proxy"`
	} `yaml:"http"`
	Metrics   *bool  `yaml:"metrics"`
	Keepalive *bool  `yaml:"keepalive"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

var defaultCORSOrigins = []string{"http://localhost:3000", "http://127.0.0.1:3000", "http://localhost:5173"}

func Load() (*Config, error) {
	fc, err := loadFile(os.Getenv("LISTINGIQ_CONFIG_FILE"))
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ListenAddr:    getEnv("LISTINGIQ_LISTEN_ADDR", or(fc.ListenAddr, ":8000")),
		Environment:   strings.ToLower(getEnv("LISTINGIQ_ENVIRONMENT", or(fc.Environment, EnvDevelopment))),
		JWTSecret:     getEnv("LISTINGIQ_JWT_SECRET", fc.Auth.JWTSecret),
		JWTAudience:   getEnv("LISTINGIQ_JWT_AUDIENCE", or(fc.Auth.JWTAudience, "authenticated")),
		LLMProvider:   strings.ToLower(getEnv("LISTINGIQ_LLM_PROVIDER", fc.LLM.Provider)),
		OpenAIAPIKey:  getEnv("LISTINGIQ_OPENAI_API_KEY", fc.LLM.OpenAIAPIKey),
		OpenAIBaseURL: getEnv("LISTINGIQ_OPENAI_BASE_URL", fc.LLM.OpenAIBaseURL),
		OpenAIModel:   getEnv("LISTINGIQ_OPENAI_MODEL", fc.LLM.OpenAIModel),
		OllamaURL:     getEnv("LISTINGIQ_OLLAMA_URL", or(fc.LLM.OllamaURL, "http://localhost:11434")),
		OllamaModel:   getEnv("LISTINGIQ_OLLAMA_MODEL", fc.LLM.OllamaModel),
		GeminiAPIKey:  getEnv("LISTINGIQ_GEMINI_API_KEY", fc.LLM.GeminiAPIKey),
		GeminiModel:   getEnv("LISTINGIQ_GEMINI_MODEL", fc.LLM.GeminiModel),
		SectionMode:   strings.ToLower(getEnv("LISTINGIQ_SECTION_MODE", or(fc.Queue.SectionMode, "concurrent"))),
		DBPath:        getEnv("LISTINGIQ_DB_PATH", or(fc.Storage.DBPath, "listingiq.db")),
		DatabaseURL:   getEnv("LISTINGIQ_DATABASE_URL", fc.Storage.DatabaseURL),
		LogLevel:      strings.ToLower(getEnv("LISTINGIQ_LOG_LEVEL", or(fc.LogLevel, "info"))),
		LogFormat:     strings.ToLower(getEnv("LISTINGIQ_LOG_FORMAT", or(fc.LogFormat, "json"))),
	}

	if cfg.Environment != EnvDevelopment && cfg.Environment != EnvProduction {
		return nil, fmt.Errorf("LISTINGIQ_ENVIRONMENT %q must be development or production", cfg.Environment)
	}
	prod := cfg.Environment == EnvProduction

	cfg.APIKeys = splitList(getEnv("LISTINGIQ_API_KEYS", strings.Join(fc.Auth.APIKeys, ",")))

	corsDefault := ""
	if !prod {
		corsDefault = strings.Join(defaultCORSOrigins, ",")
	}
	if len(fc.HTTP.CORSOrigins) > 0 {
		corsDefault = strings.Join(fc.HTTP.CORSOrigins, ",")
	}
	cfg.CORSOrigins = splitList(getEnv("LISTINGIQ_CORS_ORIGINS", corsDefault))

	ints := []struct {
		key string
		dst *int
		def int
		min int
	}{
		{"LISTINGIQ_WORKERS", &cfg.Workers, or(fc.Queue.Workers, 3), 1},
		{"LISTINGIQ_QUEUE_SIZE", &cfg.QueueSize, or(fc.Queue.Size, 1000), 1},
		{"LISTINGIQ_SECTION_CONCURRENCY", &cfg.SectionConcurrency, fc.Queue.SectionConcurrency, 0},
		{"LISTINGIQ_JOB_TTL_HOURS", &cfg.JobTTLHours, or(fc.Queue.JobTTLHours, 24), 1},
		{"LISTINGIQ_CLEANUP_INTERVAL_MINUTES", &cfg.CleanupIntervalMinutes, or(fc.Queue.CleanupMinutes, 60), 1},
		{"LISTINGIQ_RATE_LIMIT_PER_MINUTE", &cfg.RateLimitPerMinute, or(fc.HTTP.RateLimitPerMinute, 60), 0},
		{"LISTINGIQ_RATE_LIMIT_BURST", &cfg.RateLimitBurst, or(fc.HTTP.RateLimitBurst, 10), 1},
	}
	for _, v := range ints {
		n, err := getEnvInt(v.key, v.def)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", v.key, err)
		}
		if n < v.min {
			return nil, fmt.Errorf("%s must be >= %d", v.key, v.min)
		}
		*v.dst = n
	}

	maxBody, err := getEnvInt("LISTINGIQ_MAX_BODY_BYTES", int(or(fc.HTTP.MaxBodyBytes, 1<<20)))
	if err != nil {
		return nil, fmt.Errorf("LISTINGIQ_MAX_BODY_BYTES: %w", err)
	}
	if maxBody < 1024 {
		return nil, errors.New("LISTINGIQ_MAX_BODY_BYTES must be >= 1024")
	}
	cfg.MaxBodyBytes = int64(maxBody)

	durations := []struct {
		key string
		dst *time.Duration
		def string
	}{
		{"LISTINGIQ_LLM_TIMEOUT", &cfg.LLMTimeout, or(fc.LLM.Timeout, "15s")},
		{"LISTINGIQ_NOTIFY_DELAY", &cfg.NotifyDelay, or(fc.Queue.NotifyDelay, "0s")},
		{"LISTINGIQ_ESTIMATED_DURATION", &cfg.EstimatedDuration, or(fc.Queue.EstimatedDuration, "2m")},
		{"LISTINGIQ_KEEPALIVE_INTERVAL", &cfg.KeepaliveInterval, "4m"},
	}
	for _, v := range durations {
		d, err := getEnvDuration(v.key, v.def)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", v.key, err)
		}
		if d < 0 {
			return nil, fmt.Errorf("%s must not be negative", v.key)
		}
		*v.dst = d
	}
	if cfg.LLMTimeout == 0 {
		return nil, errors.New("LISTINGIQ_LLM_TIMEOUT must be > 0")
	}

	bools := []struct {
		key string
		dst *bool
		def bool
	}{
		{"LISTINGIQ_LLM_BREAKER", &cfg.BreakerEnabled, deref(fc.LLM.Breaker, true)},
		{"LISTINGIQ_METRICS_ENABLED", &cfg.MetricsEnabled, deref(fc.Metrics, true)},
		{"LISTINGIQ_DISABLE_KEEPALIVE", &cfg.DisableKeepalive, !deref(fc.Keepalive, true)},
		{"LISTINGIQ_TRUST_PROXY", &cfg.TrustProxy, fc.HTTP.TrustProxy},
		{"LISTINGIQ_DEV_AUTH", &cfg.DevAuth, deref(fc.Auth.DevAuth, !prod && cfg.JWTSecret == "" && len(cfg.APIKeys) == 0)},
	}
	for _, v := range bools {
		b, err := getEnvBool(v.key, v.def)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", v.key, err)
		}
		*v.dst = b
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.SectionMode {
	case "concurrent", "sequential":
	default:
		return fmt.Errorf("LISTINGIQ_SECTION_MODE %q must be concurrent or sequential", c.SectionMode)
	}
	switch c.LLMProvider {
	case "", "openai", "ollama", "gemini":
	default:
		return fmt.Errorf("LISTINGIQ_LLM_PROVIDER %q must be openai, ollama or gemini", c.LLMProvider)
	}
	if c.LLMProvider == "openai" && c.OpenAIAPIKey == "" {
		return errors.New("LISTINGIQ_OPENAI_API_KEY is required when LISTINGIQ_LLM_PROVIDER=openai")
	}
	if c.LLMProvider == "gemini" && c.GeminiAPIKey == "" {
		return errors.New("LISTINGIQ_GEMINI_API_KEY is required when LISTINGIQ_LLM_PROVIDER=gemini")
	}
	if c.Environment == EnvProduction {
		if c.DevAuth {
			return errors.New("LISTINGIQ_DEV_AUTH cannot be enabled in production")
		}
		if c.JWTSecret == "" && len(c.APIKeys) == 0 {
			return errors.New("production requires LISTINGIQ_JWT_SECRET or LISTINGIQ_API_KEYS")
		}
	}
	if c.JWTSecret != "" && len(c.JWTSecret) < 32 {
		return errors.New("LISTINGIQ_JWT_SECRET must be at least 32 characters")
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("LISTINGIQ_LOG_FORMAT %q must be json or text", c.LogFormat)
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// IsProduction reports whether the service runs with production defaults.
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// JobTTL is the retention window for terminal jobs.
func (c *Config) JobTTL() time.Duration {
	return time.Duration(c.JobTTLHours) * time.Hour
}

// CleanupInterval is how often the retention sweep runs.
func (c *Config) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalMinutes) * time.Minute
}

// ParseLevel maps a level name to its slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch s {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("LISTINGIQ_LOG_LEVEL %q must be debug, info, warn or error", s)
}

func loadFile(path string) (*fileConfig, error) {
	fc := &fileConfig{}
	if path == "" {
		return fc, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, fc); err != nil {
		return nil, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return fc, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer %q", v)
	}
	return n, nil
}

func getEnvBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid boolean %q", v)
	}
	return b, nil
}

func getEnvDuration(key, fallback string) (time.Duration, error) {
	v := getEnv(key, fallback)
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", v)
	}
	return d, nil
}

func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func or[T comparable](v, fallback T) T {
	var zero T
	if v == zero {
		return fallback
	}
	return v
}

func deref(p *bool, fallback bool) bool {
	if p == nil {
		return fallback
	}
	return *p
}
