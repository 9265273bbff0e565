package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/visiquate/cco-sub021/config"
	"github.com/visiquate/cco-sub021/internal/core"
	"github.com/visiquate/cco-sub021/internal/providers"
)

func newTestProvider(t *testing.T, baseURL string) core.Provider {
	t.Helper()
	p, err := New("openai", config.ProviderConfig{Type: "openai", APIKey: "sk-test", BaseURL: baseURL}, providers.ProviderOptions{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return p
}

func TestComplete(t *testing.T) {
	var received map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer sk-test" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		if r.Header.Get("X-Client-Request-Id") != "req-42" {
			t.Errorf("X-Client-Request-Id = %q", r.Header.Get("X-Client-Request-Id"))
		}
		_ = json.NewDecoder(r.Body).Decode(&received)
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"model": "gpt-4o-2024-08-06",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": "Hi!"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 1200, "completion_tokens": 30, "prompt_tokens_details": {"cached_tokens": 1024}}
		}`))
	}))
	defer server.Close()

	temp := 0.5
	ctx := core.WithRequestID(context.Background(), "req-42")
	resp, err := newTestProvider(t, server.URL).Complete(ctx, &core.Request{
		Model:       "gpt-4o",
		System:      "sys",
		MaxTokens:   64,
		Temperature: &temp,
		Messages:    []core.Message{{Role: "user", Content: "hello"}},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	msgs, _ := received["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("messages = %v", received["messages"])
	}
	if first := msgs[0].(map[string]any); first["role"] != "system" || first["content"] != "sys" {
		t.Errorf("system prompt should be the first message, got %v", first)
	}
	if received["max_tokens"] != float64(64) || received["temperature"] != 0.5 {
		t.Errorf("sampling params not forwarded: %v", received)
	}

	if resp.ID != "chatcmpl-1" || resp.Content != "Hi!" || resp.ModelUsed != "gpt-4o-2024-08-06" {
		t.Errorf("unexpected response: %+v", resp)
	}
	want := core.Usage{InputTokens: 1200, OutputTokens: 30, CacheReadTokens: 1024}
	if resp.Usage != want {
		t.Errorf("Usage = %+v, want %+v", resp.Usage, want)
	}
}

func TestComplete_NoChoicesIsMalformed(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"x","choices":[]}`))
	}))
	defer server.Close()

	_, err := newTestProvider(t, server.URL).Complete(context.Background(), &core.Request{Model: "gpt-4o"})
	var gwErr *core.GatewayError
	if !errors.As(err, &gwErr) || gwErr.Type != core.ErrorTypeMalformedResponse {
		t.Fatalf("expected malformed response error, got %v", err)
	}
}

func TestConvertRequest_OSeries(t *testing.T) {
	temp := 1.0
	body := convertRequest(&core.Request{MaxTokens: 100, Temperature: &temp}, "o3-mini")
	o, ok := body.(*oSeriesChatRequest)
	if !ok {
		t.Fatalf("expected o-series request, got %T", body)
	}
	if o.MaxCompletionTokens != 100 {
		t.Errorf("MaxCompletionTokens = %d", o.MaxCompletionTokens)
	}

	if _, ok := convertRequest(&core.Request{}, "gpt-4o").(*chatRequest); !ok {
		t.Error("gpt-4o should use the standard request")
	}
}

func TestIsValidClientRequestID(t *testing.T) {
	if !isValidClientRequestID("abc-123") {
		t.Error("ASCII id should be valid")
	}
	if isValidClientRequestID("héllo") {
		t.Error("non-ASCII id should be invalid")
	}
	if isValidClientRequestID(strings.Repeat("a", 513)) {
		t.Error("over-long id should be invalid")
	}
}

func TestStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		opts, _ := body["stream_options"].(map[string]any)
		if body["stream"] != true || opts["include_usage"] != true {
			t.Errorf("streaming flags not set: %v", body)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		chunks := []string{
			`{"id":"c1","model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant","content":""}}]}`,
			`{"id":"c1","model":"gpt-4o","choices":[{"index":0,"delta":{"content":"Hel"}}]}`,
			`{"id":"c1","model":"gpt-4o","choices":[{"index":0,"delta":{"content":"lo"},"finish_reason":"stop"}]}`,
			`{"id":"c1","model":"gpt-4o","choices":[],"usage":{"prompt_tokens":12,"completion_tokens":2,"prompt_tokens_details":{"cached_tokens":0}}}`,
		}
		for _, c := range chunks {
			_, _ = w.Write([]byte("data: " + c + "\n\n"))
		}
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer server.Close()

	var deltas []string
	resp, err := newTestProvider(t, server.URL).Stream(context.Background(),
		&core.Request{Model: "gpt-4o", Messages: []core.Message{{Role: "user", Content: "hi"}}},
		func(s string) { deltas = append(deltas, s) })
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if strings.Join(deltas, "|") != "Hel|lo" {
		t.Errorf("deltas = %v", deltas)
	}
	if resp.ID != "c1" || resp.Content != "Hello" || resp.StopReason != "stop" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if resp.Usage != (core.Usage{InputTokens: 12, OutputTokens: 2}) {
		t.Errorf("Usage = %+v", resp.Usage)
	}
}

func TestStream_InvalidChunk(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("data: {broken\n\n"))
	}))
	defer server.Close()

	_, err := newTestProvider(t, server.URL).Stream(context.Background(), &core.Request{Model: "gpt-4o"}, nil)
	var gwErr *core.GatewayError
	if !errors.As(err, &gwErr) || gwErr.Type != core.ErrorTypeMalformedResponse {
		t.Fatalf("expected malformed response error, got %v", err)
	}
}

func TestDeepSeekRegistration(t *testing.T) {
	t.Setenv("DEEPSEEK_API_KEY", "ds-key")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer ds-key" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		_, _ = w.Write([]byte(`{"id":"d","choices":[{"message":{"content":"ok"}}],"usage":{"prompt_tokens":1,"completion_tokens":1}}`))
	}))
	defer server.Close()

	p, err := DeepSeekRegistration.New("deepseek", config.ProviderConfig{Type: "deepseek", BaseURL: server.URL}, providers.ProviderOptions{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if p.Type() != "deepseek" {
		t.Errorf("Type() = %q", p.Type())
	}
	resp, err := p.Complete(context.Background(), &core.Request{Model: "deepseek-chat"})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.ModelUsed != "deepseek-chat" {
		t.Errorf("ModelUsed should default to the requested model, got %q", resp.ModelUsed)
	}
}

func TestAzureRegistration(t *testing.T) {
	var gotPath, gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotQuery = r.URL.Path, r.URL.RawQuery
		if r.Header.Get("api-key") != "az-key" {
			t.Errorf("api-key = %q", r.Header.Get("api-key"))
		}
		if r.Header.Get("Authorization") != "" {
			t.Errorf("Authorization should not be sent to Azure, got %q", r.Header.Get("Authorization"))
		}
		_, _ = w.Write([]byte(`{"id":"az","model":"gpt-4o","choices":[{"message":{"content":"hi"},"finish_reason":"length"}],"usage":{"prompt_tokens":3,"completion_tokens":4}}`))
	}))
	defer server.Close()

	p, err := AzureRegistration.New("azure", config.ProviderConfig{
		Type:       "azure",
		APIKey:     "az-key",
		BaseURL:    server.URL + "/",
		Deployment: "prod-gpt4o",
		APIVersion: "2024-10-21",
	}, providers.ProviderOptions{})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if p.Type() != "azure" {
		t.Errorf("Type() = %q", p.Type())
	}

	resp, err := p.Complete(context.Background(), &core.Request{Model: "gpt-4o", Messages: []core.Message{{Role: "user", Content: "hi"}}})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if gotPath != "/openai/deployments/prod-gpt4o/chat/completions" || gotQuery != "api-version=2024-10-21" {
		t.Errorf("request went to %s?%s", gotPath, gotQuery)
	}
	if resp.Content != "hi" || resp.StopReason != "max_tokens" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if resp.Usage != (core.Usage{InputTokens: 3, OutputTokens: 4}) {
		t.Errorf("Usage = %+v", resp.Usage)
	}
}

func TestAzure_DeploymentDefaultsToModel(t *testing.T) {
	var gotPath, gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath, gotQuery = r.URL.Path, r.URL.RawQuery
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = w.Write([]byte(`data: {"id":"s","choices":[{"delta":{"content":"ok"},"finish_reason":"stop"}]}` + "\n\n"))
		_, _ = w.Write([]byte("data: [DONE]\n\n"))
	}))
	defer server.Close()

	p, err := NewAzure("azure", config.ProviderConfig{Type: "azure", APIKey: "az-key", BaseURL: server.URL}, providers.ProviderOptions{})
	if err != nil {
		t.Fatalf("NewAzure() error = %v", err)
	}
	resp, err := p.Stream(context.Background(), &core.Request{Model: "gpt-4o-mini", Messages: []core.Message{{Role: "user", Content: "hi"}}}, nil)
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if gotPath != "/openai/deployments/gpt-4o-mini/chat/completions" || gotQuery != "api-version="+defaultAzureAPIVersion {
		t.Errorf("request went to %s?%s", gotPath, gotQuery)
	}
	if resp.Content != "ok" || resp.StopReason != "end_turn" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestAzure_RequiresBaseURL(t *testing.T) {
	if _, err := NewAzure("azure", config.ProviderConfig{Type: "azure"}, providers.ProviderOptions{}); err == nil {
		t.Fatal("expected an error without base_url")
	}
}
