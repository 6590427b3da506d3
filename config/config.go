// Package config provides configuration management for the application.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	StrategySequential = "sequential"
	StrategyParallel   = "parallel"

	CacheTypeMemory = "memory"
	CacheTypeRedis  = "redis"
)

// Config holds the application configuration
type Config struct {
	Server         ServerConfig              `mapstructure:"server"`
	Providers      map[string]ProviderConfig `mapstructure:"providers"`
	Fallback       FallbackConfig            `mapstructure:"fallback"`
	Cache          CacheConfig               `mapstructure:"cache"`
	CircuitBreaker CircuitBreakerConfig      `mapstructure:"circuit_breaker"`
	Health         HealthConfig              `mapstructure:"health"`
	Ingress        IngressConfig             `mapstructure:"ingress"`
	Metrics        MetricsConfig             `mapstructure:"metrics"`
	Logging        LogConfig                 `mapstructure:"logging"`
	HTTP           HTTPConfig                `mapstructure:"http"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port string `mapstructure:"port"`
	// MasterKey enables bearer authentication on /api/ai/* when set
	MasterKey string `mapstructure:"master_key"`
	// BodySizeLimit accepts plain bytes or K/M suffixes ("10M"), between 1KB and 100MB
	BodySizeLimit string `mapstructure:"body_size_limit"`
}

// ProviderConfig holds the configuration of one backend. APIKey is a credential and
// must never be logged.
type ProviderConfig struct {
	Type                 string   `mapstructure:"type"`
	APIKey               string   `mapstructure:"api_key"`
	BaseURL              string   `mapstructure:"base_url"`
	DefaultModel         string   `mapstructure:"default_model"`
	MaxTokens            int      `mapstructure:"max_tokens"`
	Temperature          *float64 `mapstructure:"temperature"`
	RateLimitConcurrency int      `mapstructure:"rate_limit_concurrency"`
	RateLimitIntervalMs  int      `mapstructure:"rate_limit_interval_ms"`
	TimeoutMs            int      `mapstructure:"timeout_ms"`
	MaxRetries           int      `mapstructure:"max_retries"`
}

// FallbackConfig controls provider ordering and the attempt strategy
type FallbackConfig struct {
	Order    []string `mapstructure:"order"`
	Strategy string   `mapstructure:"strategy"`
	// AttemptTimeoutMs bounds a single provider call when the provider sets no timeout_ms
	AttemptTimeoutMs int `mapstructure:"attempt_timeout_ms"`
}

// CacheConfig holds response cache configuration
type CacheConfig struct {
	Type                 string      `mapstructure:"type"`
	TTLSeconds           int         `mapstructure:"ttl_seconds"`
	SweepIntervalSeconds int         `mapstructure:"sweep_interval_seconds"`
	MaxEntries           int         `mapstructure:"max_entries"`
	Redis                RedisConfig `mapstructure:"redis"`
}

// RedisConfig holds the shared response cache backend settings
type RedisConfig struct {
	URL    string `mapstructure:"url"`
	Prefix string `mapstructure:"prefix"`
}

// CircuitBreakerConfig holds per-provider breaker thresholds
type CircuitBreakerConfig struct {
	FailureThreshold int `mapstructure:"failure_threshold"`
	SuccessThreshold int `mapstructure:"success_threshold"`
	ResetTimeoutMs   int `mapstructure:"reset_timeout_ms"`
	TestRequestLimit int `mapstructure:"test_request_limit"`
}

// HealthConfig holds rolling-window health thresholds
type HealthConfig struct {
	WindowSize       int     `mapstructure:"window_size"`
	SuccessThreshold float64 `mapstructure:"success_threshold"`
	LatencyCeilingMs int     `mapstructure:"latency_ceiling_ms"`
}

// IngressConfig holds the caller-facing rate limit (0 disables it)
type IngressConfig struct {
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	Burst             int     `mapstructure:"burst"`
}

// MetricsConfig holds Prometheus exposition settings
type MetricsConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// LogConfig holds process logging settings
type LogConfig struct {
	// Format is "json" or "pretty"
	Format string `mapstructure:"format"`
	Level  string `mapstructure:"level"`
}

// HTTPConfig holds upstream HTTP client timeouts in seconds
type HTTPConfig struct {
	Timeout               int `mapstructure:"timeout"`
	ResponseHeaderTimeout int `mapstructure:"response_header_timeout"`
}

// knownProviderEnvs lists the providers auto-discovered from environment variables,
// in their default fallback order.
var knownProviderEnvs = []struct {
	name       string
	apiKeyEnv  string
	baseURLEnv string
}{
	{"anthropic", "ANTHROPIC_API_KEY", "ANTHROPIC_BASE_URL"},
	{"openai", "OPENAI_API_KEY", "OPENAI_BASE_URL"},
	{"gemini", "GEMINI_API_KEY", "GEMINI_BASE_URL"},
}

// buildDefaultConfig returns a Config populated with every default value
func buildDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:          "8080",
			BodySizeLimit: "10M",
		},
		Providers: make(map[string]ProviderConfig),
		Fallback: FallbackConfig{
			Strategy:         StrategySequential,
			AttemptTimeoutMs: 30000,
		},
		Cache: CacheConfig{
			Type:                 CacheTypeMemory,
			TTLSeconds:           600,
			SweepIntervalSeconds: 60,
			MaxEntries:           10000,
			Redis: RedisConfig{
				Prefix: "aiorch:resp:",
			},
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 3,
			ResetTimeoutMs:   60000,
			TestRequestLimit: 3,
		},
		Health: HealthConfig{
			WindowSize:       20,
			SuccessThreshold: 0.5,
			LatencyCeilingMs: 10000,
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
		Logging: LogConfig{
			Format: "json",
			Level:  "info",
		},
		HTTP: HTTPConfig{
			Timeout:               600,
			ResponseHeaderTimeout: 300,
		},
	}
}

// Load reads configuration from defaults, an optional .env file, an optional
// config.yaml and the environment, in increasing order of precedence.
func Load() (*Config, error) {
	// godotenv never overrides variables that are already set
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := buildDefaultConfig()

	if err := loadYAML(cfg); err != nil {
		return nil, err
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	applyProviderEnvVars(cfg)
	cfg.Providers = filterEmptyProviders(cfg.Providers)

	if len(cfg.Fallback.Order) == 0 {
		cfg.Fallback.Order = defaultFallbackOrder(cfg.Providers)
	}

	return cfg, nil
}

// loadYAML merges config.yaml (searched in . and ./config) into cfg.
// ${VAR} placeholders are expanded before parsing.
func loadYAML(cfg *Config) error {
	path := findConfigFile()
	if path == "" {
		return nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader([]byte(expandString(string(raw))))); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}

	if err := v.Unmarshal(cfg, snakeCaseMatchName()); err != nil {
		return fmt.Errorf("failed to decode %s: %w", path, err)
	}
	return nil
}

func findConfigFile() string {
	for _, candidate := range []string{"config.yaml", "config/config.yaml"} {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}
	return ""
}

var placeholderPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// expandString replaces ${VAR} and ${VAR:-default} with environment values.
// Unresolved placeholders without a default are left in place.
func expandString(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return placeholderPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := placeholderPattern.FindStringSubmatch(match)
		name, hasDefault, def := parts[1], parts[2] != "", parts[3]
		if val, ok := os.LookupEnv(name); ok && val != "" {
			return val
		}
		if hasDefault {
			return def
		}
		return match
	})
}

// applyEnvOverrides applies well-known environment variables on top of cfg
func applyEnvOverrides(cfg *Config) error {
	setString := func(env string, dst *string) {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
	setInt := func(env string, dst *int) error {
		v := os.Getenv(env)
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", env, v, err)
		}
		*dst = n
		return nil
	}
	setBool := func(env string, dst *bool) error {
		v := os.Getenv(env)
		if v == "" {
			return nil
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", env, v, err)
		}
		*dst = b
		return nil
	}

	setString("PORT", &cfg.Server.Port)
	setString("AIORCH_MASTER_KEY", &cfg.Server.MasterKey)
	setString("BODY_SIZE_LIMIT", &cfg.Server.BodySizeLimit)
	setString("FALLBACK_STRATEGY", &cfg.Fallback.Strategy)
	setString("CACHE_TYPE", &cfg.Cache.Type)
	setString("REDIS_URL", &cfg.Cache.Redis.URL)
	setString("METRICS_ENDPOINT", &cfg.Metrics.Endpoint)
	setString("LOG_FORMAT", &cfg.Logging.Format)
	setString("LOG_LEVEL", &cfg.Logging.Level)

	if v := os.Getenv("FALLBACK_ORDER"); v != "" {
		cfg.Fallback.Order = splitList(v)
	}

	for env, dst := range map[string]*int{
		"CACHE_TTL_SECONDS":            &cfg.Cache.TTLSeconds,
		"HTTP_TIMEOUT":                 &cfg.HTTP.Timeout,
		"HTTP_RESPONSE_HEADER_TIMEOUT": &cfg.HTTP.ResponseHeaderTimeout,
	} {
		if err := setInt(env, dst); err != nil {
			return err
		}
	}

	if err := setBool("METRICS_ENABLED", &cfg.Metrics.Enabled); err != nil {
		return err
	}

	if v := os.Getenv("INGRESS_RPS"); v != "" {
		rps, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("invalid INGRESS_RPS %q: %w", v, err)
		}
		cfg.Ingress.RequestsPerSecond = rps
	}

	return nil
}

// applyProviderEnvVars overlays well-known provider env vars onto cfg.Providers.
// Env values win over YAML values for the same provider name.
func applyProviderEnvVars(cfg *Config) {
	if cfg.Providers == nil {
		cfg.Providers = make(map[string]ProviderConfig)
	}
	for _, kp := range knownProviderEnvs {
		apiKey := os.Getenv(kp.apiKeyEnv)
		baseURL := os.Getenv(kp.baseURLEnv)
		if apiKey == "" && baseURL == "" {
			continue
		}

		existing, exists := cfg.Providers[kp.name]
		if !exists {
			existing = ProviderConfig{Type: kp.name}
		}
		if apiKey != "" {
			existing.APIKey = apiKey
		}
		if baseURL != "" {
			existing.BaseURL = baseURL
		}
		cfg.Providers[kp.name] = existing
	}
}

// filterEmptyProviders removes providers without a usable credential.
// A type defaults to the provider name.
func filterEmptyProviders(raw map[string]ProviderConfig) map[string]ProviderConfig {
	result := make(map[string]ProviderConfig, len(raw))
	for name, p := range raw {
		if p.APIKey == "" || strings.Contains(p.APIKey, "${") {
			continue
		}
		if p.Type == "" {
			p.Type = name
		}
		result[name] = p
	}
	return result
}

// defaultFallbackOrder puts well-known providers first, then the rest by name
func defaultFallbackOrder(providers map[string]ProviderConfig) []string {
	order := make([]string, 0, len(providers))
	seen := make(map[string]bool, len(providers))
	for _, kp := range knownProviderEnvs {
		if _, ok := providers[kp.name]; ok {
			order = append(order, kp.name)
			seen[kp.name] = true
		}
	}
	rest := make([]string, 0, len(providers))
	for name := range providers {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	return append(order, rest...)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate rejects configurations the orchestrator cannot run with
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return errors.New("at least one provider must be configured")
	}
	if len(c.Fallback.Order) == 0 {
		return errors.New("fallback order is empty")
	}
	seen := make(map[string]bool, len(c.Fallback.Order))
	for _, name := range c.Fallback.Order {
		if _, ok := c.Providers[name]; !ok {
			return fmt.Errorf("fallback order names unconfigured provider %q", name)
		}
		if seen[name] {
			return fmt.Errorf("fallback order lists provider %q twice", name)
		}
		seen[name] = true
	}

	switch c.Fallback.Strategy {
	case StrategySequential, StrategyParallel:
	default:
		return fmt.Errorf("unknown fallback strategy %q (want %s or %s)", c.Fallback.Strategy, StrategySequential, StrategyParallel)
	}

	switch c.Cache.Type {
	case CacheTypeMemory:
	case CacheTypeRedis:
		if c.Cache.Redis.URL == "" {
			return errors.New("cache.redis.url is required when cache.type is redis")
		}
	default:
		return fmt.Errorf("unknown cache type %q", c.Cache.Type)
	}
	if c.Cache.TTLSeconds <= 0 {
		return errors.New("cache.ttl_seconds must be positive")
	}

	cb := c.CircuitBreaker
	if cb.FailureThreshold <= 0 || cb.SuccessThreshold <= 0 || cb.ResetTimeoutMs <= 0 || cb.TestRequestLimit <= 0 {
		return errors.New("circuit_breaker thresholds must be positive")
	}
	if cb.TestRequestLimit < cb.SuccessThreshold {
		return fmt.Errorf("circuit_breaker.test_request_limit (%d) must be >= success_threshold (%d)", cb.TestRequestLimit, cb.SuccessThreshold)
	}

	if c.Health.WindowSize <= 0 || c.Health.LatencyCeilingMs <= 0 {
		return errors.New("health window_size and latency_ceiling_ms must be positive")
	}
	if c.Health.SuccessThreshold < 0 || c.Health.SuccessThreshold > 1 {
		return errors.New("health.success_threshold must be within [0, 1]")
	}

	for name, p := range c.Providers {
		if p.MaxTokens < 0 || p.RateLimitConcurrency < 0 || p.RateLimitIntervalMs < 0 || p.TimeoutMs < 0 {
			return fmt.Errorf("provider %q: limits must not be negative", name)
		}
	}

	if c.Ingress.RequestsPerSecond < 0 {
		return errors.New("ingress.requests_per_second must not be negative")
	}

	return ValidateBodySizeLimit(c.Server.BodySizeLimit)
}

const (
	minBodySizeLimit = 1 << 10
	maxBodySizeLimit = 100 << 20
)

var bodySizePattern = regexp.MustCompile(`^(\d+)([KkMm][Bb]?)?$`)

// ValidateBodySizeLimit validates a body size limit string such as "10M" or "512KB"
func ValidateBodySizeLimit(s string) error {
	_, err := ParseBodySizeLimit(s)
	return err
}

// ParseBodySizeLimit converts a body size limit string to bytes. Empty means the default (10MB).
func ParseBodySizeLimit(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 10 << 20, nil
	}
	m := bodySizePattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid body size limit %q: expected a number with an optional K or M suffix", s)
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid body size limit %q: %w", s, err)
	}
	switch strings.ToUpper(m[2]) {
	case "K", "KB":
		n <<= 10
	case "M", "MB":
		n <<= 20
	}
	if n < minBodySizeLimit || n > maxBodySizeLimit {
		return 0, fmt.Errorf("body size limit %q out of range (1K..100M)", s)
	}
	return n, nil
}

// snakeCaseMatchName lets mapstructure match snake_case keys to PascalCase
// field names when a field carries no tag (e.g. body_size_limit -> BodySizeLimit).
func snakeCaseMatchName() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.MatchName = func(mapKey, fieldName string) bool {
			if strings.EqualFold(mapKey, fieldName) {
				return true
			}
			if strings.HasPrefix(mapKey, "_") || strings.HasSuffix(mapKey, "_") || strings.Contains(mapKey, "__") {
				return false
			}
			return strings.EqualFold(strings.ReplaceAll(mapKey, "_", ""), fieldName)
		}
	}
}
