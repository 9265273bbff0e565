package providers

import (
	"github.com/visiquate/cco-sub021/config"
	"github.com/visiquate/cco-sub021/internal/pkg/llmclient"
)

// NewClient builds the llmclient an adapter talks through, applying the global
// resilience settings and the provider's own pacing.
func NewClient(name, baseURL string, cfg config.ProviderConfig, opts ProviderOptions, headers llmclient.HeaderSetter) *llmclient.Client {
	clientCfg := llmclient.ConfigFrom(name, baseURL, opts.Resilience, cfg)
	if opts.HTTPClient != nil {
		return llmclient.NewWithHTTPClient(opts.HTTPClient, clientCfg, headers)
	}
	return llmclient.New(clientCfg, headers)
}
