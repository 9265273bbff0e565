package core

import "time"

// Request is the canonical inbound completion request.
// Every adapter translates from this shape; every cache key is derived from it.
type Request struct {
	Model        string        `json:"model"`
	Messages     []Message     `json:"messages"`
	MaxTokens    int           `json:"max_tokens"`
	Temperature  *float64      `json:"temperature,omitempty"`
	System       string        `json:"system,omitempty"`
	CacheControl *CacheControl `json:"cache_control,omitempty"`
	Stream       bool          `json:"stream,omitempty"`

	// AgentType and ProjectID attribute the call for routing and breakdowns.
	// They do not affect the upstream output and are not part of the cache key.
	AgentType string `json:"agent_type,omitempty"`
	ProjectID string `json:"project_id,omitempty"`
}

// Clone returns a copy that can be mutated (model rewrite on fallback)
// without touching the caller's request.
func (r *Request) Clone() *Request {
	out := *r
	out.Messages = append([]Message(nil), r.Messages...)
	if r.Temperature != nil {
		t := *r.Temperature
		out.Temperature = &t
	}
	if r.CacheControl != nil {
		cc := *r.CacheControl
		out.CacheControl = &cc
	}
	return &out
}

// Message is a single conversational turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CacheControl carries the provider-native prompt caching hint (Anthropic "ephemeral").
type CacheControl struct {
	Type string `json:"type"`
}

// Usage is the canonical token accounting. Providers that do not report a
// category leave it at zero.
type Usage struct {
	InputTokens      int `json:"input"`
	OutputTokens     int `json:"output"`
	CacheWriteTokens int `json:"cache_write"`
	CacheReadTokens  int `json:"cache_read"`
}

// Total returns input plus output tokens.
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// Response is the canonical outbound completion response.
type Response struct {
	ID         string `json:"id"`
	ModelUsed  string `json:"model_used"`
	Content    string `json:"content"`
	Usage      Usage  `json:"usage"`
	CacheHit   bool   `json:"cache_hit"`
	StopReason string `json:"stop_reason,omitempty"`

	// Provider is set by the pipeline; adapters leave it empty.
	Provider string `json:"provider,omitempty"`
}

// APICallEvent is the single observability record produced per client request,
// whatever the outcome.
type APICallEvent struct {
	ID                string    `json:"id" bson:"_id"`
	RequestID         string    `json:"request_id" bson:"request_id"`
	Timestamp         time.Time `json:"timestamp" bson:"timestamp"`
	ModelRequested    string    `json:"model_requested" bson:"model_requested"`
	ModelUsed         string    `json:"model_used" bson:"model_used"`
	Provider          string    `json:"provider" bson:"provider"`
	Tier              Tier      `json:"tier" bson:"tier"`
	InputTokens       int       `json:"input_tokens" bson:"input_tokens"`
	OutputTokens      int       `json:"output_tokens" bson:"output_tokens"`
	CacheWriteTokens  int       `json:"cache_write_tokens" bson:"cache_write_tokens"`
	CacheReadTokens   int       `json:"cache_read_tokens" bson:"cache_read_tokens"`
	ActualCost        Nanos     `json:"actual_cost_nanos" bson:"actual_cost_nanos"`
	WouldBeCost       Nanos     `json:"would_be_cost_nanos" bson:"would_be_cost_nanos"`
	PricingKnown      bool      `json:"pricing_known" bson:"pricing_known"`
	LatencyMs         int64     `json:"latency_ms" bson:"latency_ms"`
	CacheHit          bool      `json:"cache_hit" bson:"cache_hit"`
	AgentType         string    `json:"agent_type,omitempty" bson:"agent_type,omitempty"`
	ProjectID         string    `json:"project_id,omitempty" bson:"project_id,omitempty"`
	ErrorCode         string    `json:"error_code,omitempty" bson:"error_code,omitempty"`
	FallbackAttempted bool      `json:"fallback_attempted" bson:"fallback_attempted"`
	Attempts          int       `json:"attempts" bson:"attempts"`
}

// Failed reports whether the call ended in an error.
func (e *APICallEvent) Failed() bool {
	return e.ErrorCode != ""
}

// TotalTokens sums every token category of the event.
func (e *APICallEvent) TotalTokens() int {
	return e.InputTokens + e.OutputTokens + e.CacheWriteTokens + e.CacheReadTokens
}

// Latency returns the latency as a duration.
func (e *APICallEvent) Latency() time.Duration {
	return time.Duration(e.LatencyMs) * time.Millisecond
}
