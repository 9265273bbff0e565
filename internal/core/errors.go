// Package core provides core types and interfaces for the LLM gateway.
package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorType represents the type of error that occurred
type ErrorType string

const (
	// ErrorTypeProvider indicates an upstream server error (5xx or connection failure)
	ErrorTypeProvider ErrorType = "provider_error"
	// ErrorTypeTimeout indicates the upstream call exceeded its deadline
	ErrorTypeTimeout ErrorType = "timeout_error"
	// ErrorTypeRateLimit indicates a rate limit error (429)
	ErrorTypeRateLimit ErrorType = "rate_limit_error"
	// ErrorTypeAuthentication indicates an authentication error (401/403)
	ErrorTypeAuthentication ErrorType = "authentication_error"
	// ErrorTypeMalformedResponse indicates an upstream body that could not be decoded
	ErrorTypeMalformedResponse ErrorType = "malformed_response_error"
	// ErrorTypeInvalidRequest indicates a client error (4xx)
	ErrorTypeInvalidRequest ErrorType = "invalid_request_error"
	// ErrorTypeNotFound indicates a not found error (404)
	ErrorTypeNotFound ErrorType = "not_found_error"
	// ErrorTypeNoRoute indicates that no route rule or default provider matched
	ErrorTypeNoRoute ErrorType = "no_route_error"
	// ErrorTypeCancelled indicates the client went away mid-request
	ErrorTypeCancelled ErrorType = "cancelled"
)

// StatusClientClosedRequest is the de-facto status for a client that disconnected.
const StatusClientClosedRequest = 499

// GatewayError is the base error type for all gateway errors
type GatewayError struct {
	Type       ErrorType `json:"type"`
	Message    string    `json:"message"`
	StatusCode int       `json:"status_code"`
	Provider   string    `json:"provider,omitempty"`
	// Original error for debugging (not exposed to clients)
	Err error `json:"-"`
}

// Error implements the error interface
func (e *GatewayError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Provider, e.Type, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements the error unwrapping interface
func (e *GatewayError) Unwrap() error {
	return e.Err
}

// HTTPStatusCode returns the appropriate HTTP status code for this error
func (e *GatewayError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}
	switch e.Type {
	case ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	case ErrorTypeInvalidRequest:
		return http.StatusBadRequest
	case ErrorTypeAuthentication:
		return http.StatusUnauthorized
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeTimeout:
		return http.StatusGatewayTimeout
	case ErrorTypeProvider, ErrorTypeMalformedResponse:
		return http.StatusBadGateway
	case ErrorTypeNoRoute:
		return http.StatusServiceUnavailable
	case ErrorTypeCancelled:
		return StatusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

// ToJSON converts the error to a JSON-compatible map
func (e *GatewayError) ToJSON() map[string]interface{} {
	body := map[string]interface{}{
		"type":    e.Type,
		"message": e.Message,
	}
	if e.Provider != "" {
		body["provider"] = e.Provider
	}
	return map[string]interface{}{"error": body}
}

// Fallbackable reports whether the next provider in a fallback chain should be tried.
// Only a missing route and a departed client stop the chain.
func (e *GatewayError) Fallbackable() bool {
	switch e.Type {
	case ErrorTypeNoRoute, ErrorTypeCancelled:
		return false
	default:
		return true
	}
}

// NewProviderError creates a new provider error (upstream 5xx)
func NewProviderError(provider string, statusCode int, message string, err error) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeProvider,
		Message:    message,
		StatusCode: statusCode,
		Provider:   provider,
		Err:        err,
	}
}

// NewTimeoutError creates a timeout error (504)
func NewTimeoutError(provider string, message string, err error) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeTimeout,
		Message:    message,
		StatusCode: http.StatusGatewayTimeout,
		Provider:   provider,
		Err:        err,
	}
}

// NewMalformedResponseError creates an error for an undecodable upstream response
func NewMalformedResponseError(provider string, message string, err error) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeMalformedResponse,
		Message:    message,
		StatusCode: http.StatusBadGateway,
		Provider:   provider,
		Err:        err,
	}
}

// NewRateLimitError creates a new rate limit error (429)
func NewRateLimitError(provider string, message string) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeRateLimit,
		Message:    message,
		StatusCode: http.StatusTooManyRequests,
		Provider:   provider,
	}
}

// NewInvalidRequestError creates a new invalid request error (400)
func NewInvalidRequestError(message string, err error) *GatewayError {
	return NewInvalidRequestErrorWithStatus(http.StatusBadRequest, message, err)
}

// NewInvalidRequestErrorWithStatus creates a new invalid request error with a specific status code
func NewInvalidRequestErrorWithStatus(statusCode int, message string, err error) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeInvalidRequest,
		Message:    message,
		StatusCode: statusCode,
		Err:        err,
	}
}

// NewAuthenticationError creates a new authentication error (401)
func NewAuthenticationError(provider string, message string) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeAuthentication,
		Message:    message,
		StatusCode: http.StatusUnauthorized,
		Provider:   provider,
	}
}

// NewNotFoundError creates a new not found error (404)
func NewNotFoundError(message string) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeNotFound,
		Message:    message,
		StatusCode: http.StatusNotFound,
	}
}

// NewNoRouteError creates the error returned when no route matches a model.
func NewNoRouteError(model string, err error) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeNoRoute,
		Message:    fmt.Sprintf("no route found for model %q", model),
		StatusCode: http.StatusServiceUnavailable,
		Err:        err,
	}
}

// NewCancelledError creates the error recorded when the client disconnects.
func NewCancelledError(provider string, err error) *GatewayError {
	return &GatewayError{
		Type:       ErrorTypeCancelled,
		Message:    "request cancelled by client",
		StatusCode: StatusClientClosedRequest,
		Provider:   provider,
		Err:        err,
	}
}

// ClassifyTransportError maps an error from http.Client.Do (or a body read) onto
// the gateway taxonomy.
func ClassifyTransportError(provider string, err error) *GatewayError {
	var gwErr *GatewayError
	if errors.As(err, &gwErr) {
		return gwErr
	}
	if errors.Is(err, context.Canceled) {
		return NewCancelledError(provider, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTimeoutError(provider, "upstream call timed out", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewTimeoutError(provider, "upstream call timed out: "+err.Error(), err)
	}
	return NewProviderError(provider, http.StatusBadGateway, "failed to send request: "+err.Error(), err)
}

// ParseProviderError parses an error response from a provider and returns an appropriate GatewayError
func ParseProviderError(provider string, statusCode int, body []byte, originalErr error) *GatewayError {
	// OpenAI and Anthropic both nest the message under "error"
	var errorResponse struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    string `json:"code"`
		} `json:"error"`
	}

	message := string(body)
	if err := json.Unmarshal(body, &errorResponse); err == nil && errorResponse.Error.Message != "" {
		message = errorResponse.Error.Message
	}

	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return NewAuthenticationError(provider, message)
	case statusCode == http.StatusTooManyRequests:
		return NewRateLimitError(provider, message)
	case statusCode == http.StatusRequestTimeout || statusCode == http.StatusGatewayTimeout:
		return NewTimeoutError(provider, message, originalErr)
	case statusCode >= 400 && statusCode < 500:
		err := NewInvalidRequestErrorWithStatus(statusCode, message, originalErr)
		err.Provider = provider
		return err
	default:
		return NewProviderError(provider, http.StatusBadGateway, message, originalErr)
	}
}

// FallbackError is returned when every provider in a route's chain failed.
// It carries the last provider's error category so callers can decide whether
// to retry at a higher level.
type FallbackError struct {
	Last              *GatewayError
	FallbackAttempted bool
	Attempts          int
	Errors            []error
}

// Error implements the error interface
func (e *FallbackError) Error() string {
	return fmt.Sprintf("all providers failed after %d attempt(s): %v", e.Attempts, e.Last)
}

// Unwrap exposes the last provider error to errors.As.
func (e *FallbackError) Unwrap() error {
	return e.Last
}

// HTTPStatusCode mirrors the last provider error.
func (e *FallbackError) HTTPStatusCode() int {
	return e.Last.HTTPStatusCode()
}

// ToJSON renders the client-facing error body.
func (e *FallbackError) ToJSON() map[string]interface{} {
	body := e.Last.ToJSON()
	inner := body["error"].(map[string]interface{})
	inner["fallback_attempted"] = e.FallbackAttempted
	inner["attempts"] = e.Attempts
	return body
}
