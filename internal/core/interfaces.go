// Package core defines the core interfaces and types for the LLM gateway.
package core

import "context"

// Provider translates canonical requests to one upstream's wire format and back.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Name is the configured provider identifier used by routes and fallback chains.
	Name() string

	// Type is the adapter family ("anthropic", "openai", "ollama").
	Type() string

	// Complete executes a non-streaming call.
	Complete(ctx context.Context, req *Request) (*Response, error)

	// Stream executes a streaming call. Text deltas are passed to onDelta as they
	// arrive; the returned response carries the full text and final usage.
	Stream(ctx context.Context, req *Request, onDelta func(text string)) (*Response, error)
}

// AvailabilityChecker is an optional interface for providers that need
// to verify service availability before registration.
type AvailabilityChecker interface {
	CheckAvailability(ctx context.Context) error
}

// EventSink consumes finished API call events. The pipeline fans each event out
// to every registered sink; sinks must not block.
type EventSink interface {
	Record(event *APICallEvent)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(event *APICallEvent)

// Record calls f(event).
func (f EventSinkFunc) Record(event *APICallEvent) {
	f(event)
}
