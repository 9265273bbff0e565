// Package config provides configuration management for the gateway.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/visiquate/cco-sub021/internal/pricing"
)

// DefaultConfigName is the file name searched for when no path is given.
const DefaultConfigName = "gateway"

// keyDelimiter replaces viper's "." so model names like "gpt-3.5-turbo" survive as map keys.
const keyDelimiter = "::"

// Config holds the application configuration
type Config struct {
	Server      ServerConfig              `mapstructure:"server"`
	Log         LogConfig                 `mapstructure:"log"`
	HTTP        HTTPConfig                `mapstructure:"http"`
	Providers   map[string]ProviderConfig `mapstructure:"providers"`
	Routing     RoutingConfig             `mapstructure:"routing"`
	Resilience  ResilienceConfig          `mapstructure:"resilience"`
	Cache       CacheConfig               `mapstructure:"cache"`
	Pricing     PricingConfig             `mapstructure:"pricing"`
	Metrics     MetricsConfig             `mapstructure:"metrics"`
	Persistence PersistenceConfig         `mapstructure:"persistence"`
	Storage     StorageConfig             `mapstructure:"storage"`
	Events      EventsConfig              `mapstructure:"events"`
	Audit       AuditConfig               `mapstructure:"audit"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port string `mapstructure:"port"`
	// MasterKey protects every route except /health and /metrics. Empty disables auth.
	MasterKey string `mapstructure:"master_key"`
	// BodyLimit is an echo size string, e.g. "10M".
	BodyLimit       string        `mapstructure:"body_limit"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `mapstructure:"level"`
	// Format is auto (pretty on a terminal, JSON otherwise), pretty or json.
	Format string `mapstructure:"format"`
}

// HTTPConfig holds the shared upstream HTTP transport settings.
type HTTPConfig struct {
	Timeout               time.Duration `mapstructure:"timeout"`
	ResponseHeaderTimeout time.Duration `mapstructure:"response_header_timeout"`
}

// ProviderConfig describes one upstream.
type ProviderConfig struct {
	// Type selects the adapter: anthropic, openai, azure, deepseek or ollama.
	Type string `mapstructure:"type"`
	// APIKey is either a literal key or a reference: "env:NAME", "$NAME" or a bare
	// upper-case environment variable name.
	APIKey     string `mapstructure:"api_key"`
	BaseURL    string `mapstructure:"base_url"`
	APIVersion string `mapstructure:"api_version"`
	// Deployment names the Azure OpenAI deployment. Empty uses the resolved model name.
	Deployment   string            `mapstructure:"deployment"`
	DefaultModel string            `mapstructure:"default_model"`
	Aliases      map[string]string `mapstructure:"aliases"`
	Headers      map[string]string `mapstructure:"headers"`
	// RateLimit paces outgoing requests per second. Zero means unlimited.
	RateLimit float64 `mapstructure:"rate_limit"`
	Burst     int     `mapstructure:"burst"`
}

// RoutingConfig holds the route table and fallback chains.
type RoutingConfig struct {
	DefaultProvider string `mapstructure:"default_provider"`
	// PrimaryProvider receives every model containing one of PrimaryMarkers,
	// bypassing pattern rules.
	PrimaryProvider string   `mapstructure:"primary_provider"`
	PrimaryMarkers  []string `mapstructure:"primary_markers"`
	// ProtectPrimary removes local providers from the fallbacks of marker-routed requests.
	ProtectPrimary   bool                `mapstructure:"protect_primary"`
	Rules            []RouteRule         `mapstructure:"rules"`
	AgentRules       map[string]string   `mapstructure:"agent_rules"`
	Fallbacks        map[string][]string `mapstructure:"fallbacks"`
	DefaultTimeout   time.Duration       `mapstructure:"default_timeout"`
	FallbackCooldown time.Duration       `mapstructure:"fallback_cooldown"`
}

// RouteRule maps a model-name regex to a provider.
type RouteRule struct {
	Pattern    string        `mapstructure:"pattern"`
	Provider   string        `mapstructure:"provider"`
	Endpoint   string        `mapstructure:"endpoint"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
}

// ResilienceConfig holds retry and circuit breaker defaults for every provider.
type ResilienceConfig struct {
	Retry          RetryConfig          `mapstructure:"retry"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker"`
}

// RetryConfig controls transport-level retries within one provider attempt.
type RetryConfig struct {
	MaxRetries     int           `mapstructure:"max_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
	BackoffFactor  float64       `mapstructure:"backoff_factor"`
	JitterFactor   float64       `mapstructure:"jitter_factor"`
}

// CircuitBreakerConfig controls the per-provider breaker.
type CircuitBreakerConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	HalfOpenRequests uint32        `mapstructure:"half_open_requests"`
	Timeout          time.Duration `mapstructure:"timeout"`
}

// CacheConfig holds response cache limits.
type CacheConfig struct {
	Enabled   bool             `mapstructure:"enabled"`
	MaxWeight int64            `mapstructure:"max_weight"`
	TTL       time.Duration    `mapstructure:"ttl"`
	TTI       time.Duration    `mapstructure:"tti"`
	Shards    int              `mapstructure:"shards"`
	Redis     RedisCacheConfig `mapstructure:"redis"`
}

// RedisCacheConfig enables the shared second-level tier when URL is set.
type RedisCacheConfig struct {
	URL    string        `mapstructure:"url"`
	Prefix string        `mapstructure:"prefix"`
	TTL    time.Duration `mapstructure:"ttl"`
}

// PricingConfig overrides the built-in pricing table.
type PricingConfig struct {
	// File is an optional YAML pricing file merged over the defaults.
	File string `mapstructure:"file"`
	// Models are inline overrides applied after File.
	Models map[string]pricing.ModelPricing `mapstructure:"models"`
}

// MetricsConfig controls in-memory aggregation and Prometheus export.
type MetricsConfig struct {
	Windows        []time.Duration `mapstructure:"windows"`
	RecentCapacity int             `mapstructure:"recent_capacity"`
	QueryCacheTTL  time.Duration   `mapstructure:"query_cache_ttl"`
	Prometheus     bool            `mapstructure:"prometheus"`
	Endpoint       string          `mapstructure:"endpoint"`
}

// PersistenceConfig controls the batch persister and archival.
type PersistenceConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	BufferSize      int           `mapstructure:"buffer_size"`
	BatchSize       int           `mapstructure:"batch_size"`
	FlushInterval   time.Duration `mapstructure:"flush_interval"`
	Retention       time.Duration `mapstructure:"retention"`
	ArchiveInterval time.Duration `mapstructure:"archive_interval"`
}

// AuditConfig controls the request/response audit log. It uses its own
// SQLite file so bodies never land in the call history database.
type AuditConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	Path              string        `mapstructure:"path"`
	LogRequestBodies  bool          `mapstructure:"log_request_bodies"`
	LogResponseBodies bool          `mapstructure:"log_response_bodies"`
	BufferSize        int           `mapstructure:"buffer_size"`
	FlushInterval     time.Duration `mapstructure:"flush_interval"`
	// Retention deletes entries older than this. Zero keeps them forever.
	Retention time.Duration `mapstructure:"retention"`
}

// StorageConfig holds the durable store connection settings.
type StorageConfig struct {
	// Type is sqlite, postgresql or mongodb.
	Type       string           `mapstructure:"type"`
	SQLite     SQLiteConfig     `mapstructure:"sqlite"`
	PostgreSQL PostgreSQLConfig `mapstructure:"postgresql"`
	MongoDB    MongoDBConfig    `mapstructure:"mongodb"`
}

// SQLiteConfig holds SQLite-specific configuration
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// PostgreSQLConfig holds PostgreSQL-specific configuration
type PostgreSQLConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int    `mapstructure:"max_conns"`
}

// MongoDBConfig holds MongoDB-specific configuration
type MongoDBConfig struct {
	URL      string `mapstructure:"url"`
	Database string `mapstructure:"database"`
}

// EventsConfig controls the live event broadcaster.
type EventsConfig struct {
	SubscriberBuffer int `mapstructure:"subscriber_buffer"`
}

// LoadResult carries the loaded config and where it came from.
type LoadResult struct {
	Config *Config
	// Path is the config file that was read, empty when defaults and env only.
	Path string
}

// buildDefaultConfig returns the configuration used when nothing is set.
func buildDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8080",
			BodyLimit:       "10M",
			ShutdownTimeout: 15 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "auto",
		},
		HTTP: HTTPConfig{
			Timeout:               600 * time.Second,
			ResponseHeaderTimeout: 600 * time.Second,
		},
		Providers: map[string]ProviderConfig{},
		Routing: RoutingConfig{
			PrimaryMarkers: []string{"opus"},
			ProtectPrimary: true,
			DefaultTimeout: 120 * time.Second,
		},
		Resilience: ResilienceConfig{
			Retry: RetryConfig{
				MaxRetries:     2,
				InitialBackoff: 500 * time.Millisecond,
				MaxBackoff:     10 * time.Second,
				BackoffFactor:  2.0,
				JitterFactor:   0.1,
			},
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				HalfOpenRequests: 2,
				Timeout:          30 * time.Second,
			},
		},
		Cache: CacheConfig{
			Enabled:   true,
			MaxWeight: 256 << 20,
			TTL:       time.Hour,
			TTI:       15 * time.Minute,
			Shards:    32,
			Redis: RedisCacheConfig{
				Prefix: "cco:resp:",
				TTL:    time.Hour,
			},
		},
		Metrics: MetricsConfig{
			Windows:        []time.Duration{60 * time.Second, 300 * time.Second, 600 * time.Second},
			RecentCapacity: 1000,
			QueryCacheTTL:  time.Second,
			Prometheus:     true,
			Endpoint:       "/metrics",
		},
		Persistence: PersistenceConfig{
			Enabled:         true,
			BufferSize:      10000,
			BatchSize:       100,
			FlushInterval:   5 * time.Second,
			Retention:       7 * 24 * time.Hour,
			ArchiveInterval: time.Hour,
		},
		Storage: StorageConfig{
			Type: "sqlite",
			SQLite: SQLiteConfig{
				Path: "data/gateway.db",
			},
			PostgreSQL: PostgreSQLConfig{
				MaxConns: 10,
			},
			MongoDB: MongoDBConfig{
				Database: "gateway",
			},
		},
		Events: EventsConfig{
			SubscriberBuffer: 1000,
		},
		Audit: AuditConfig{
			Path:              "data/audit.db",
			LogRequestBodies:  true,
			LogResponseBodies: true,
			BufferSize:        1000,
			FlushInterval:     5 * time.Second,
			Retention:         30 * 24 * time.Hour,
		},
	}
}

// Load reads configuration from path (or gateway.yaml in . and ./config when
// path is empty), expands ${VAR} and ${VAR:-default} placeholders, applies
// environment overrides and validates the result.
func Load(path string) (*LoadResult, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env file", "error", err)
	}

	cfg := buildDefaultConfig()

	resolved, err := resolvePath(path)
	if err != nil {
		return nil, err
	}
	if resolved != "" {
		v, err := readFile(resolved)
		if err != nil {
			return nil, err
		}
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config %s: %w", resolved, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	applyFallbackDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &LoadResult{Config: cfg, Path: resolved}, nil
}

// resolvePath returns the file to read, or "" when no file exists in the
// default locations. An explicit path that does not exist is an error.
func resolvePath(path string) (string, error) {
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("config file %s: %w", path, err)
		}
		return path, nil
	}
	for _, dir := range []string{".", "./config"} {
		for _, ext := range []string{".yaml", ".yml"} {
			candidate := dir + "/" + DefaultConfigName + ext
			if _, err := os.Stat(candidate); err == nil {
				return candidate, nil
			}
		}
	}
	return "", nil
}

// readFile expands placeholders in the raw YAML and loads it into a fresh viper instance.
func readFile(path string) (*viper.Viper, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	v := viper.NewWithOptions(viper.KeyDelimiter(keyDelimiter))
	v.SetConfigType("yaml")
	v.SetEnvPrefix("CCO")
	v.SetEnvKeyReplacer(strings.NewReplacer(keyDelimiter, "_"))
	v.AutomaticEnv()

	if err := v.ReadConfig(bytes.NewReader([]byte(expandString(string(raw))))); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return v, nil
}

var placeholder = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-([^}]*))?\}`)

// expandString resolves ${VAR} and ${VAR:-default}. A variable that is unset or
// empty without a default is left as written so validation can report it.
func expandString(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return placeholder.ReplaceAllStringFunc(s, func(match string) string {
		parts := placeholder.FindStringSubmatch(match)
		name, hasDefault, def := parts[1], parts[2] != "", parts[3]
		if val := os.Getenv(name); val != "" {
			return val
		}
		if hasDefault {
			return def
		}
		return match
	})
}

// applyEnvOverrides applies the well-known environment variables. They always win over the file.
func applyEnvOverrides(cfg *Config) error {
	setString := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := os.Getenv(k); v != "" {
				*dst = v
				return
			}
		}
	}

	setString(&cfg.Server.Port, "CCO_PORT", "PORT")
	setString(&cfg.Server.MasterKey, "CCO_MASTER_KEY")
	setString(&cfg.Log.Level, "CCO_LOG_LEVEL", "LOG_LEVEL")
	setString(&cfg.Log.Format, "CCO_LOG_FORMAT", "LOG_FORMAT")
	setString(&cfg.Cache.Redis.URL, "CCO_REDIS_URL", "REDIS_URL")
	setString(&cfg.Storage.Type, "CCO_STORAGE_TYPE", "STORAGE_TYPE")
	setString(&cfg.Storage.SQLite.Path, "CCO_SQLITE_PATH", "SQLITE_PATH")
	setString(&cfg.Storage.PostgreSQL.URL, "CCO_POSTGRES_URL", "POSTGRES_URL")
	setString(&cfg.Storage.MongoDB.URL, "CCO_MONGODB_URL", "MONGODB_URL")
	setString(&cfg.Storage.MongoDB.Database, "CCO_MONGODB_DATABASE", "MONGODB_DATABASE")
	setString(&cfg.Routing.DefaultProvider, "CCO_DEFAULT_PROVIDER")

	if v := os.Getenv("CCO_CACHE_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid CCO_CACHE_ENABLED %q: %w", v, err)
		}
		cfg.Cache.Enabled = b
	}
	if v := os.Getenv("CCO_CACHE_MAX_WEIGHT"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid CCO_CACHE_MAX_WEIGHT %q: %w", v, err)
		}
		cfg.Cache.MaxWeight = n
	}
	for _, kv := range []struct {
		key string
		dst *time.Duration
	}{
		{"CCO_CACHE_TTL", &cfg.Cache.TTL},
		{"CCO_CACHE_TTI", &cfg.Cache.TTI},
		{"CCO_FLUSH_INTERVAL", &cfg.Persistence.FlushInterval},
		{"HTTP_TIMEOUT", &cfg.HTTP.Timeout},
		{"HTTP_RESPONSE_HEADER_TIMEOUT", &cfg.HTTP.ResponseHeaderTimeout},
	} {
		if v := os.Getenv(kv.key); v != "" {
			d, err := parseDuration(v)
			if err != nil {
				return fmt.Errorf("invalid %s %q: %w", kv.key, v, err)
			}
			*kv.dst = d
		}
	}
	applyProviderEnvVars(cfg)
	return nil
}

// parseDuration accepts plain integers as seconds or Go duration strings.
func parseDuration(v string) (time.Duration, error) {
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(v)
}

// knownProviderEnvs maps well-known provider names to their environment variables.
var knownProviderEnvs = []struct {
	name         string
	providerType string
	apiKeyEnv    string
	baseURLEnv   string
}{
	{"anthropic", "anthropic", "ANTHROPIC_API_KEY", "ANTHROPIC_BASE_URL"},
	{"openai", "openai", "OPENAI_API_KEY", "OPENAI_BASE_URL"},
	{"azure", "azure", "AZURE_OPENAI_API_KEY", "AZURE_OPENAI_ENDPOINT"},
	{"deepseek", "deepseek", "DEEPSEEK_API_KEY", "DEEPSEEK_BASE_URL"},
	{"ollama", "ollama", "", "OLLAMA_BASE_URL"},
}

// applyProviderEnvVars creates or updates well-known providers from the environment.
func applyProviderEnvVars(cfg *Config) {
	if cfg.Providers == nil {
		cfg.Providers = map[string]ProviderConfig{}
	}
	for _, kp := range knownProviderEnvs {
		var apiKey string
		if kp.apiKeyEnv != "" {
			apiKey = os.Getenv(kp.apiKeyEnv)
		}
		baseURL := os.Getenv(kp.baseURLEnv)
		if apiKey == "" && baseURL == "" {
			continue
		}
		p, ok := cfg.Providers[kp.name]
		if !ok {
			p = ProviderConfig{Type: kp.providerType}
		}
		if apiKey != "" {
			p.APIKey = apiKey
		}
		if baseURL != "" {
			p.BaseURL = baseURL
		}
		cfg.Providers[kp.name] = p
	}
}

// applyFallbackDefaults fills values a file may have emptied.
func applyFallbackDefaults(cfg *Config) {
	if len(cfg.Routing.PrimaryMarkers) == 0 {
		cfg.Routing.PrimaryMarkers = []string{"opus"}
	}
	if len(cfg.Metrics.Windows) == 0 {
		cfg.Metrics.Windows = []time.Duration{60 * time.Second, 300 * time.Second, 600 * time.Second}
	}
	for name, p := range cfg.Providers {
		if p.Type == "" {
			p.Type = name
			cfg.Providers[name] = p
		}
	}
}

// Validate checks cross-references and limits.
func (c *Config) Validate() error {
	var errs []error

	known := func(name string) bool {
		_, ok := c.Providers[name]
		return ok
	}

	for i, r := range c.Routing.Rules {
		if _, err := regexp.Compile(r.Pattern); err != nil {
			errs = append(errs, fmt.Errorf("routing.rules[%d]: invalid pattern %q: %w", i, r.Pattern, err))
		}
		if !known(r.Provider) {
			errs = append(errs, fmt.Errorf("routing.rules[%d]: unknown provider %q", i, r.Provider))
		}
		if r.Timeout < 0 || r.MaxRetries < 0 {
			errs = append(errs, fmt.Errorf("routing.rules[%d]: timeout and max_retries must not be negative", i))
		}
	}
	for primary, chain := range c.Routing.Fallbacks {
		if !known(primary) {
			errs = append(errs, fmt.Errorf("routing.fallbacks: unknown provider %q", primary))
		}
		for _, p := range chain {
			if !known(p) {
				errs = append(errs, fmt.Errorf("routing.fallbacks[%s]: unknown provider %q", primary, p))
			}
		}
	}
	for agent, p := range c.Routing.AgentRules {
		if !known(p) {
			errs = append(errs, fmt.Errorf("routing.agent_rules[%s]: unknown provider %q", agent, p))
		}
	}
	for _, name := range []string{c.Routing.DefaultProvider, c.Routing.PrimaryProvider} {
		if name != "" && !known(name) {
			errs = append(errs, fmt.Errorf("routing: unknown provider %q", name))
		}
	}
	if c.Cache.Enabled && c.Cache.MaxWeight <= 0 {
		errs = append(errs, fmt.Errorf("cache.max_weight must be positive"))
	}
	if c.Cache.TTL < 0 || c.Cache.TTI < 0 {
		errs = append(errs, fmt.Errorf("cache.ttl and cache.tti must not be negative"))
	}
	for _, w := range c.Metrics.Windows {
		if w <= 0 {
			errs = append(errs, fmt.Errorf("metrics.windows: window must be positive, got %s", w))
		}
	}
	if c.Persistence.Enabled {
		if c.Persistence.BufferSize <= 0 || c.Persistence.BatchSize <= 0 {
			errs = append(errs, fmt.Errorf("persistence.buffer_size and persistence.batch_size must be positive"))
		}
		if c.Persistence.FlushInterval <= 0 {
			errs = append(errs, fmt.Errorf("persistence.flush_interval must be positive"))
		}
	}
	if c.Audit.Enabled && c.Audit.Retention < 0 {
		errs = append(errs, fmt.Errorf("audit.retention must not be negative"))
	}
	switch c.Storage.Type {
	case "sqlite", "postgresql", "mongodb":
	default:
		errs = append(errs, fmt.Errorf("storage.type %q is not one of sqlite, postgresql, mongodb", c.Storage.Type))
	}
	return errors.Join(errs...)
}

// Watcher reloads the config file on change.
type Watcher struct {
	stopped atomic.Bool
}

// Watch re-reads path whenever it changes on disk and passes the new config to
// onChange. A reload that fails to parse or validate is logged and skipped.
func Watch(path string, onChange func(*Config)) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("config watch requires a file path")
	}
	v := viper.NewWithOptions(viper.KeyDelimiter(keyDelimiter))
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	w := &Watcher{}
	v.OnConfigChange(func(e fsnotify.Event) {
		if w.stopped.Load() {
			return
		}
		res, err := Load(path)
		if err != nil {
			slog.Error("config reload failed", "path", e.Name, "error", err)
			return
		}
		slog.Info("config reloaded", "path", e.Name, "op", e.Op.String())
		onChange(res.Config)
	})
	v.WatchConfig()
	return w, nil
}

// Stop makes later change notifications no-ops.
func (w *Watcher) Stop() {
	if w != nil {
		w.stopped.Store(true)
	}
}
