// Package events fans gateway lifecycle events out to live subscribers such as
// the dashboard stream and the TUI.
package events

import (
	"time"

	"github.com/visiquate/cco-sub021/internal/core"
)

// Type tags an Event on the wire.
type Type string

const (
	TypeStarted   Type = "started"
	TypeTextDelta Type = "text_delta"
	TypeCompleted Type = "completed"
	TypeError     Type = "error"
	TypeAPICall   Type = "api_call"
	TypeCacheHit  Type = "cache_hit"
)

// Event is one lifecycle message. Which fields are set depends on Type.
type Event struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`

	Model     string `json:"model,omitempty"`
	AgentType string `json:"agent_type,omitempty"`
	Text      string `json:"text,omitempty"`

	Tokens       int      `json:"tokens"`
	InputTokens  int      `json:"input_tokens,omitempty"`
	OutputTokens int      `json:"output_tokens,omitempty"`
	Cost         *float64 `json:"cost,omitempty"`

	Message string             `json:"message,omitempty"`
	Call    *core.APICallEvent `json:"call,omitempty"`
}

// Started announces a request entering the pipeline.
func Started(requestID, model, agentType string) Event {
	return Event{Type: TypeStarted, RequestID: requestID, Model: model, AgentType: agentType}
}

// TextDelta carries a piece of streamed output.
func TextDelta(requestID, text string) Event {
	return Event{Type: TypeTextDelta, RequestID: requestID, Text: text}
}

// Completed reports a finished request with its token totals and cost.
func Completed(requestID string, usage core.Usage, cost core.Nanos) Event {
	usd := cost.USD()
	return Event{
		Type:         TypeCompleted,
		RequestID:    requestID,
		Tokens:       usage.Total(),
		InputTokens:  usage.InputTokens,
		OutputTokens: usage.OutputTokens,
		Cost:         &usd,
	}
}

// Failed reports a request that ended in an error.
func Failed(requestID, message string) Event {
	return Event{Type: TypeError, RequestID: requestID, Message: message}
}

// CacheHit notes a request served from the response cache.
func CacheHit(requestID, model string) Event {
	return Event{Type: TypeCacheHit, RequestID: requestID, Model: model}
}

// APICall wraps the final per-request record.
func APICall(call *core.APICallEvent) Event {
	return Event{Type: TypeAPICall, RequestID: call.RequestID, Model: call.ModelUsed, Call: call}
}
