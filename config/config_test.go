package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestExpandString(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		envVars  map[string]string
		expected string
	}{
		{name: "empty string", input: "", expected: ""},
		{name: "no placeholders", input: "simple-string", expected: "simple-string"},
		{
			name:     "simple variable",
			input:    "${CCO_TEST_KEY}",
			envVars:  map[string]string{"CCO_TEST_KEY": "sk-12345"},
			expected: "sk-12345",
		},
		{
			name:     "multiple variables",
			input:    "${CCO_TEST_SCHEME}://${CCO_TEST_HOST}:8080",
			envVars:  map[string]string{"CCO_TEST_SCHEME": "https", "CCO_TEST_HOST": "api.example.com"},
			expected: "https://api.example.com:8080",
		},
		{
			name:     "default used when missing",
			input:    "${CCO_TEST_URL:-http://localhost:11434}",
			expected: "http://localhost:11434",
		},
		{
			name:     "default used when empty",
			input:    "${CCO_TEST_KEY:-fallback}",
			envVars:  map[string]string{"CCO_TEST_KEY": ""},
			expected: "fallback",
		},
		{
			name:     "env wins over default",
			input:    "${CCO_TEST_KEY:-fallback}",
			envVars:  map[string]string{"CCO_TEST_KEY": "real"},
			expected: "real",
		},
		{
			name:     "empty default",
			input:    "${CCO_TEST_OPTIONAL:-}",
			expected: "",
		},
		{
			name:     "unresolved kept verbatim",
			input:    "${CCO_TEST_MISSING}-x",
			expected: "${CCO_TEST_MISSING}-x",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}
			if got := expandString(tt.input); got != tt.expected {
				t.Errorf("expandString(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	res, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, res.Path)

	cfg := res.Config
	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, []string{"opus"}, cfg.Routing.PrimaryMarkers)
	assert.Equal(t, []time.Duration{time.Minute, 5 * time.Minute, 10 * time.Minute}, cfg.Metrics.Windows)
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, "sqlite", cfg.Storage.Type)
}

func TestLoad_File(t *testing.T) {
	t.Setenv("CCO_TEST_ANTHROPIC_KEY", "sk-ant-test")
	path := writeConfig(t, `
server:
  port: "9090"
providers:
  anthropic:
    type: anthropic
    api_key: ${CCO_TEST_ANTHROPIC_KEY}
  local:
    type: ollama
    base_url: ${CCO_TEST_OLLAMA_URL:-http://localhost:11434}
routing:
  default_provider: anthropic
  primary_provider: anthropic
  rules:
    - pattern: "^qwen"
      provider: local
      timeout: 30s
      max_retries: 1
    - pattern: "^claude-"
      provider: anthropic
  fallbacks:
    anthropic: [local]
cache:
  ttl: 60s
  tti: 10s
pricing:
  models:
    gpt-3.5-turbo:
      input_per_million: 0.5
      output_per_million: 1.5
metrics:
  windows: [30s, 2m]
`)

	res, err := Load(path)
	require.NoError(t, err)
	cfg := res.Config

	assert.Equal(t, path, res.Path)
	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, "sk-ant-test", cfg.Providers["anthropic"].APIKey)
	assert.Equal(t, "http://localhost:11434", cfg.Providers["local"].BaseURL)

	require.Len(t, cfg.Routing.Rules, 2)
	assert.Equal(t, "^qwen", cfg.Routing.Rules[0].Pattern)
	assert.Equal(t, 30*time.Second, cfg.Routing.Rules[0].Timeout)
	assert.Equal(t, 1, cfg.Routing.Rules[0].MaxRetries)
	assert.Equal(t, []string{"local"}, cfg.Routing.Fallbacks["anthropic"])

	assert.Equal(t, time.Minute, cfg.Cache.TTL)
	assert.Equal(t, 10*time.Second, cfg.Cache.TTI)
	assert.Equal(t, []time.Duration{30 * time.Second, 2 * time.Minute}, cfg.Metrics.Windows)

	p, ok := cfg.Pricing.Models["gpt-3.5-turbo"]
	require.True(t, ok, "dotted model names must survive as map keys")
	assert.InDelta(t, 0.5, p.InputPerMillion, 1e-9)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoad_ValidationErrors(t *testing.T) {
	path := writeConfig(t, `
providers:
  anthropic:
    type: anthropic
    api_key: k
routing:
  rules:
    - pattern: "([unclosed"
      provider: anthropic
    - pattern: "^gpt"
      provider: ghost
  fallbacks:
    anthropic: [phantom]
`)

	_, err := Load(path)
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "invalid pattern")
	assert.Contains(t, msg, `unknown provider "ghost"`)
	assert.Contains(t, msg, `unknown provider "phantom"`)
}

func TestApplyEnvOverrides(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		check   func(t *testing.T, cfg *Config)
	}{
		{
			name:    "port",
			envVars: map[string]string{"PORT": "3000"},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "3000", cfg.Server.Port)
			},
		},
		{
			name:    "prefixed port wins",
			envVars: map[string]string{"PORT": "3000", "CCO_PORT": "4000"},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "4000", cfg.Server.Port)
			},
		},
		{
			name:    "storage",
			envVars: map[string]string{"STORAGE_TYPE": "postgresql", "POSTGRES_URL": "postgres://localhost/test"},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "postgresql", cfg.Storage.Type)
				assert.Equal(t, "postgres://localhost/test", cfg.Storage.PostgreSQL.URL)
			},
		},
		{
			name:    "cache durations accept seconds and go durations",
			envVars: map[string]string{"CCO_CACHE_TTL": "90", "CCO_CACHE_TTI": "5m"},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 90*time.Second, cfg.Cache.TTL)
				assert.Equal(t, 5*time.Minute, cfg.Cache.TTI)
			},
		},
		{
			name:    "well-known provider created from env",
			envVars: map[string]string{"OPENAI_API_KEY": "sk-openai"},
			check: func(t *testing.T, cfg *Config) {
				p, ok := cfg.Providers["openai"]
				require.True(t, ok)
				assert.Equal(t, "openai", p.Type)
				assert.Equal(t, "sk-openai", p.APIKey)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				t.Setenv(k, v)
			}
			cfg := buildDefaultConfig()
			require.NoError(t, applyEnvOverrides(cfg))
			tt.check(t, cfg)
		})
	}
}

func TestApplyEnvOverrides_InvalidValue(t *testing.T) {
	t.Setenv("CCO_CACHE_ENABLED", "maybe")
	err := applyEnvOverrides(buildDefaultConfig())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "CCO_CACHE_ENABLED"))
}

func TestValidate_Defaults(t *testing.T) {
	require.NoError(t, buildDefaultConfig().Validate())
}

func TestValidate_Limits(t *testing.T) {
	cfg := buildDefaultConfig()
	cfg.Cache.MaxWeight = 0
	cfg.Metrics.Windows = []time.Duration{0}
	cfg.Storage.Type = "cassandra"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cache.max_weight")
	assert.Contains(t, err.Error(), "metrics.windows")
	assert.Contains(t, err.Error(), "storage.type")
}
