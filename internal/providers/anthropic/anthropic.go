// Package anthropic provides Anthropic Messages API integration for the LLM gateway.
package anthropic

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/visiquate/cco-sub021/config"
	"github.com/visiquate/cco-sub021/internal/core"
	"github.com/visiquate/cco-sub021/internal/pkg/llmclient"
	"github.com/visiquate/cco-sub021/internal/providers"
)

// Registration provides factory registration for the Anthropic provider.
var Registration = providers.Registration{
	Type: "anthropic",
	New:  New,
}

const (
	defaultBaseURL    = "https://api.anthropic.com/v1"
	defaultAPIVersion = "2023-06-01"
	defaultMaxTokens  = 4096
)

// Provider implements core.Provider for the Anthropic Messages API.
type Provider struct {
	settings   providers.Settings
	client     *llmclient.Client
	apiKey     string
	apiVersion string
}

// New creates an Anthropic provider. A missing key is not fatal: the upstream
// rejects the call with 401 and the pipeline moves on to the next provider.
func New(name string, cfg config.ProviderConfig, opts providers.ProviderOptions) (core.Provider, error) {
	p := &Provider{
		settings:   providers.SettingsFrom(name, cfg),
		apiKey:     providers.ResolveAPIKey(cfg.APIKey, "ANTHROPIC_API_KEY", "CLAUDE_CODE_OAUTH_TOKEN"),
		apiVersion: cfg.APIVersion,
	}
	if p.apiVersion == "" {
		p.apiVersion = defaultAPIVersion
	}
	if p.apiKey == "" {
		slog.Warn("anthropic provider has no API key", "provider", name)
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	p.client = providers.NewClient(name, strings.TrimRight(baseURL, "/"), cfg, opts, p.setHeaders)
	return p, nil
}

// Name returns the configured provider identifier.
func (p *Provider) Name() string { return p.settings.Name }

// Type returns "anthropic".
func (p *Provider) Type() string { return "anthropic" }

func (p *Provider) setHeaders(req *http.Request) {
	req.Header.Set("x-api-key", p.apiKey)
	req.Header.Set("anthropic-version", p.apiVersion)
	p.settings.ApplyHeaders(req)
}

// Complete sends a non-streaming Messages request.
func (p *Provider) Complete(ctx context.Context, req *core.Request) (*core.Response, error) {
	var resp messagesResponse
	err := p.client.Do(ctx, llmclient.Request{
		Method:   http.MethodPost,
		Endpoint: "/messages",
		Body:     p.convertRequest(req, false),
	}, &resp)
	if err != nil {
		return nil, err
	}
	if resp.ID == "" && len(resp.Content) == 0 {
		return nil, core.NewMalformedResponseError(p.Name(), "response has no id and no content", nil)
	}
	return resp.toCore(), nil
}

// Stream sends a streaming Messages request and forwards text deltas.
func (p *Provider) Stream(ctx context.Context, req *core.Request, onDelta func(string)) (*core.Response, error) {
	body, err := p.client.DoStream(ctx, llmclient.Request{
		Method:   http.MethodPost,
		Endpoint: "/messages",
		Body:     p.convertRequest(req, true),
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = body.Close()
	}()

	var (
		out      = &core.Response{ModelUsed: p.settings.ResolveModel(req.Model)}
		text     strings.Builder
		usage    streamUsage
		sawUsage bool
	)
	err = providers.ReadSSE(body, func(ev providers.SSEEvent) error {
		if !gjson.Valid(ev.Data) {
			return core.NewMalformedResponseError(p.Name(), "invalid JSON in stream event", nil)
		}
		data := gjson.Parse(ev.Data)
		switch data.Get("type").String() {
		case "message_start":
			msg := data.Get("message")
			out.ID = msg.Get("id").String()
			if m := msg.Get("model").String(); m != "" {
				out.ModelUsed = m
			}
			usage.merge(msg.Get("usage"))
			sawUsage = true
		case "content_block_delta":
			if data.Get("delta.type").String() == "text_delta" {
				delta := data.Get("delta.text").String()
				text.WriteString(delta)
				if onDelta != nil && delta != "" {
					onDelta(delta)
				}
			}
		case "message_delta":
			if r := data.Get("delta.stop_reason").String(); r != "" {
				out.StopReason = r
			}
			usage.merge(data.Get("usage"))
		case "error":
			return core.NewProviderError(p.Name(), http.StatusBadGateway,
				"stream error: "+data.Get("error.message").String(), nil)
		}
		return nil
	})
	if err != nil {
		// Read failures mid-body (deadline, reset) are classified like call failures.
		return nil, core.ClassifyTransportError(p.Name(), err)
	}

	out.Content = text.String()
	if sawUsage {
		out.Usage = usage.canonical()
	} else {
		out.Usage = providers.EstimateUsage(out.ModelUsed, req, out.Content)
	}
	return out, nil
}

// streamUsage tracks the usage reported across message_start and message_delta.
// message_delta carries cumulative counts, so later values replace earlier ones.
type streamUsage struct {
	input, output, cacheWrite, cacheRead int64
}

func (u *streamUsage) merge(v gjson.Result) {
	if !v.Exists() {
		return
	}
	set := func(path string, dst *int64) {
		if r := v.Get(path); r.Exists() {
			*dst = r.Int()
		}
	}
	set("input_tokens", &u.input)
	set("output_tokens", &u.output)
	set("cache_creation_input_tokens", &u.cacheWrite)
	set("cache_read_input_tokens", &u.cacheRead)
}

func (u streamUsage) canonical() core.Usage {
	return apiUsage{
		InputTokens:              int(u.input),
		OutputTokens:             int(u.output),
		CacheCreationInputTokens: int(u.cacheWrite),
		CacheReadInputTokens:     int(u.cacheRead),
	}.canonical()
}
