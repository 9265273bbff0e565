// Package ollama provides local inference integration through Ollama's
// OpenAI-compatible endpoint.
package ollama

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/visiquate/cco-sub021/config"
	"github.com/visiquate/cco-sub021/internal/core"
	"github.com/visiquate/cco-sub021/internal/pkg/llmclient"
	"github.com/visiquate/cco-sub021/internal/providers"
	"github.com/visiquate/cco-sub021/internal/providers/openai"
)

// Registration provides factory registration for the Ollama provider.
var Registration = providers.Registration{
	Type: "ollama",
	New:  New,
}

const (
	defaultRootURL = "http://localhost:11434"
	defaultBaseURL = defaultRootURL + "/v1"
	modelPrefix    = "ollama/"
)

// Provider implements core.Provider for a local Ollama server.
// Local inference reports no prompt-cache tokens.
type Provider struct {
	*openai.Provider
	rootURL string
}

// New creates an Ollama provider. Ollama needs no key but accepts a Bearer
// token when one is configured (for authenticating proxies).
func New(name string, cfg config.ProviderConfig, opts providers.ProviderOptions) (core.Provider, error) {
	inner := openai.NewCompatible(name, cfg, opts, openai.CompatOptions{
		Type:           "ollama",
		DefaultBaseURL: defaultBaseURL,
		APIKey:         providers.ResolveAPIKey(cfg.APIKey),
		RewriteModel:   stripPrefix,
		MapStopReason:  mapStopReason,
	})
	root := strings.TrimSuffix(strings.TrimRight(inner.Client().BaseURL(), "/"), "/v1")
	return &Provider{Provider: inner, rootURL: root}, nil
}

// stripPrefix removes the "ollama/" namespace clients use to pick local models.
func stripPrefix(model string) string {
	return strings.TrimPrefix(model, modelPrefix)
}

// mapStopReason reports stop reasons in the Anthropic vocabulary clients expect.
func mapStopReason(reason string) string {
	switch reason {
	case "stop":
		return "end_turn"
	case "length":
		return "max_tokens"
	default:
		return reason
	}
}

// CheckAvailability verifies that Ollama is running by asking for its version.
func (p *Provider) CheckAvailability(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	return p.Client().Do(ctx, llmclient.Request{
		Method:   http.MethodGet,
		BaseURL:  p.rootURL,
		Endpoint: "/api/version",
	}, nil)
}
