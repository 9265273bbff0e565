// Package openai provides OpenAI Chat Completions integration for the LLM
// gateway. The same protocol serves OpenAI-compatible servers through
// NewCompatible.
package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/visiquate/cco-sub021/config"
	"github.com/visiquate/cco-sub021/internal/core"
	"github.com/visiquate/cco-sub021/internal/pkg/llmclient"
	"github.com/visiquate/cco-sub021/internal/providers"
)

// Registration provides factory registration for the OpenAI provider.
var Registration = providers.Registration{
	Type: "openai",
	New:  New,
}

// DeepSeekRegistration serves DeepSeek's OpenAI-compatible API.
var DeepSeekRegistration = providers.Registration{
	Type: "deepseek",
	New: func(name string, cfg config.ProviderConfig, opts providers.ProviderOptions) (core.Provider, error) {
		return NewCompatible(name, cfg, opts, CompatOptions{
			Type:           "deepseek",
			DefaultBaseURL: deepSeekBaseURL,
			APIKey:         providers.ResolveAPIKey(cfg.APIKey, "DEEPSEEK_API_KEY"),
		}), nil
	},
}

// AzureRegistration serves Azure OpenAI deployments. Requests go to
// {base_url}/openai/deployments/{deployment}/chat/completions and authenticate
// with the api-key header.
var AzureRegistration = providers.Registration{
	Type: "azure",
	New:  NewAzure,
}

const (
	defaultBaseURL  = "https://api.openai.com/v1"
	deepSeekBaseURL = "https://api.deepseek.com/v1"

	chatPath               = "/chat/completions"
	defaultAzureAPIVersion = "2024-02-15-preview"
)

// CompatOptions adapts the protocol to an OpenAI-compatible server.
type CompatOptions struct {
	// Type is reported by Provider.Type.
	Type           string
	DefaultBaseURL string
	// APIKey is sent as a Bearer token when non-empty.
	APIKey string
	// APIKeyHeader, when set, carries APIKey verbatim instead of Authorization.
	APIKeyHeader string
	// ChatPath builds the endpoint for a resolved model. Nil uses /chat/completions.
	ChatPath func(model string) string
	// RewriteModel runs after alias resolution.
	RewriteModel func(model string) string
	// MapStopReason translates finish_reason values.
	MapStopReason func(reason string) string
}

// Provider implements core.Provider over the Chat Completions protocol.
type Provider struct {
	settings providers.Settings
	client   *llmclient.Client
	opts     CompatOptions
}

// New creates an OpenAI provider.
func New(name string, cfg config.ProviderConfig, opts providers.ProviderOptions) (core.Provider, error) {
	return NewCompatible(name, cfg, opts, CompatOptions{
		Type:           "openai",
		DefaultBaseURL: defaultBaseURL,
		APIKey:         providers.ResolveAPIKey(cfg.APIKey, "OPENAI_API_KEY"),
	}), nil
}

// NewAzure creates an Azure OpenAI provider. base_url is the resource
// endpoint, e.g. https://my-resource.openai.azure.com.
func NewAzure(name string, cfg config.ProviderConfig, opts providers.ProviderOptions) (core.Provider, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("azure provider requires base_url")
	}
	apiVersion := cfg.APIVersion
	if apiVersion == "" {
		apiVersion = defaultAzureAPIVersion
	}
	return NewCompatible(name, cfg, opts, CompatOptions{
		Type:         "azure",
		APIKey:       providers.ResolveAPIKey(cfg.APIKey, "AZURE_OPENAI_API_KEY"),
		APIKeyHeader: "api-key",
		ChatPath: func(model string) string {
			deployment := cfg.Deployment
			if deployment == "" {
				deployment = model
			}
			return "/openai/deployments/" + url.PathEscape(deployment) +
				chatPath + "?api-version=" + url.QueryEscape(apiVersion)
		},
		MapStopReason: anthropicStopReason,
	}), nil
}

// anthropicStopReason maps finish_reason onto Messages API stop reasons.
func anthropicStopReason(reason string) string {
	switch reason {
	case "stop":
		return "end_turn"
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	default:
		return reason
	}
}

// NewCompatible creates a provider for any server speaking the Chat Completions protocol.
func NewCompatible(name string, cfg config.ProviderConfig, opts providers.ProviderOptions, compat CompatOptions) *Provider {
	p := &Provider{
		settings: providers.SettingsFrom(name, cfg),
		opts:     compat,
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = compat.DefaultBaseURL
	}
	p.client = providers.NewClient(name, strings.TrimRight(baseURL, "/"), cfg, opts, p.setHeaders)
	return p
}

// Name returns the configured provider identifier.
func (p *Provider) Name() string { return p.settings.Name }

// Type returns the adapter family.
func (p *Provider) Type() string { return p.opts.Type }

// Client exposes the underlying HTTP client to wrapping adapters.
func (p *Provider) Client() *llmclient.Client { return p.client }

// setHeaders sets the required headers for API requests
func (p *Provider) setHeaders(req *http.Request) {
	switch {
	case p.opts.APIKey == "":
	case p.opts.APIKeyHeader != "":
		req.Header.Set(p.opts.APIKeyHeader, p.opts.APIKey)
	default:
		req.Header.Set("Authorization", "Bearer "+p.opts.APIKey)
	}

	// OpenAI rejects X-Client-Request-Id values that are not ASCII or exceed 512 bytes.
	if requestID := core.GetRequestID(req.Context()); requestID != "" && isValidClientRequestID(requestID) {
		req.Header.Set("X-Client-Request-Id", requestID)
	}
	p.settings.ApplyHeaders(req)
}

// isValidClientRequestID checks if the request ID is valid for OpenAI's X-Client-Request-Id header.
func isValidClientRequestID(id string) bool {
	if len(id) > 512 {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] > 127 {
			return false
		}
	}
	return true
}

func (p *Provider) model(requested string) string {
	m := p.settings.ResolveModel(requested)
	if p.opts.RewriteModel != nil {
		m = p.opts.RewriteModel(m)
	}
	return m
}

func (p *Provider) endpoint(model string) string {
	if p.opts.ChatPath != nil {
		return p.opts.ChatPath(model)
	}
	return chatPath
}

func (p *Provider) stopReason(reason string) string {
	if p.opts.MapStopReason != nil {
		return p.opts.MapStopReason(reason)
	}
	return reason
}

// Complete sends a non-streaming chat completion request.
func (p *Provider) Complete(ctx context.Context, req *core.Request) (*core.Response, error) {
	model := p.model(req.Model)
	var resp chatResponse
	err := p.client.Do(ctx, llmclient.Request{
		Method:   http.MethodPost,
		Endpoint: p.endpoint(model),
		Body:     convertRequest(req, model),
	}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.Choices) == 0 {
		return nil, core.NewMalformedResponseError(p.Name(), "response has no choices", nil)
	}
	out := resp.toCore()
	if out.ModelUsed == "" {
		out.ModelUsed = model
	}
	out.StopReason = p.stopReason(out.StopReason)
	return out, nil
}

// Stream sends a streaming chat completion request and forwards text deltas.
// Usage is requested through stream_options.include_usage.
func (p *Provider) Stream(ctx context.Context, req *core.Request, onDelta func(string)) (*core.Response, error) {
	model := p.model(req.Model)
	raw, err := json.Marshal(convertRequest(req, model))
	if err != nil {
		return nil, core.NewInvalidRequestError("failed to marshal request", err)
	}
	raw, err = sjson.SetBytes(raw, "stream", true)
	if err == nil {
		raw, err = sjson.SetBytes(raw, "stream_options.include_usage", true)
	}
	if err != nil {
		return nil, core.NewInvalidRequestError("failed to enable streaming", err)
	}

	body, err := p.client.DoStream(ctx, llmclient.Request{
		Method:   http.MethodPost,
		Endpoint: p.endpoint(model),
		RawBody:  raw,
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = body.Close()
	}()

	var (
		out      = &core.Response{ModelUsed: model}
		text     strings.Builder
		sawUsage bool
	)
	err = providers.ReadSSE(body, func(ev providers.SSEEvent) error {
		if !gjson.Valid(ev.Data) {
			return core.NewMalformedResponseError(p.Name(), "invalid JSON in stream chunk", nil)
		}
		chunk := gjson.Parse(ev.Data)
		if msg := chunk.Get("error.message"); msg.Exists() {
			return core.NewProviderError(p.Name(), http.StatusBadGateway, "stream error: "+msg.String(), nil)
		}
		if out.ID == "" {
			out.ID = chunk.Get("id").String()
		}
		if m := chunk.Get("model").String(); m != "" {
			out.ModelUsed = m
		}
		choice := chunk.Get("choices.0")
		if delta := choice.Get("delta.content").String(); delta != "" {
			text.WriteString(delta)
			if onDelta != nil {
				onDelta(delta)
			}
		}
		if r := choice.Get("finish_reason").String(); r != "" {
			out.StopReason = p.stopReason(r)
		}
		if u := chunk.Get("usage"); u.IsObject() {
			out.Usage = core.Usage{
				InputTokens:     int(u.Get("prompt_tokens").Int()),
				OutputTokens:    int(u.Get("completion_tokens").Int()),
				CacheReadTokens: int(u.Get("prompt_tokens_details.cached_tokens").Int()),
			}
			sawUsage = true
		}
		return nil
	})
	if err != nil {
		return nil, core.ClassifyTransportError(p.Name(), err)
	}

	out.Content = text.String()
	if !sawUsage {
		out.Usage = providers.EstimateUsage(out.ModelUsed, req, out.Content)
	}
	return out, nil
}
