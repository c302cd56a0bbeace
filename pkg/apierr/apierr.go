// Package apierr provides structured API error envelopes and HTTP status
// mapping. OpenAI-shaped routes use {"error":{message,type,code}}; the native
// Anthropic route uses {"type":"error","error":{type,message}}.
package apierr

import (
	"encoding/json"
	"strconv"

	"github.com/valyala/fasthttp"
)

// ErrorType constants.
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeServerError       = "server_error"
	TypeOverloadedError   = "overloaded_error"
)

// Code constants.
const (
	CodeRateLimitExceeded = "rate_limit_exceeded"
	CodeInvalidAPIKey     = "invalid_api_key"
	CodeInternalError     = "internal_error"
	CodeProviderError     = "provider_error"
	CodeRequestTimeout    = "request_timeout"
	CodeInvalidRequest    = "invalid_request"
	CodeRequestCancelled  = "request_cancelled"
	CodeQueueFull         = "queue_full"
	CodeQueueTimeout      = "queue_timeout"
	CodeNotFound          = "not_found"
)

// StatusClientClosedRequest mirrors nginx's non-standard 499: the client went
// away before a response could be written.
const StatusClientClosedRequest = 499

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}

	anthropicError struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}
	anthropicEnvelope struct {
		Type  string         `json:"type"`
		Error anthropicError `json:"error"`
	}
)

// Write writes the OpenAI-shaped error envelope with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteAnthropic writes the Anthropic-shaped error envelope.
func WriteAnthropic(ctx *fasthttp.RequestCtx, status int, errType, message string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(anthropicEnvelope{
		Type:  "error",
		Error: anthropicError{Type: errType, Message: message},
	})
	ctx.SetBody(body)
}

// WriteProviderError maps an upstream HTTP status to the router's response.
//
//	429     → 429 + Retry-After
//	4xx     → passed through unchanged (client error belongs to the client)
//	5xx/0   → 502
func WriteProviderError(ctx *fasthttp.RequestCtx, providerStatus int, msg string) {
	switch {
	case providerStatus == fasthttp.StatusTooManyRequests:
		ctx.Response.Header.Set("Retry-After", "60")
		Write(ctx, fasthttp.StatusTooManyRequests, msg, TypeRateLimitError, CodeRateLimitExceeded)
	case providerStatus >= 400 && providerStatus < 500:
		Write(ctx, providerStatus, msg, TypeInvalidRequest, CodeInvalidRequest)
	default:
		Write(ctx, fasthttp.StatusBadGateway, msg, TypeProviderError, CodeProviderError)
	}
}

// WriteTimeout writes a 504 upstream timeout error.
func WriteTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusGatewayTimeout, "provider request timed out", TypeProviderError, CodeRequestTimeout)
}

// WriteRateLimit writes a 429 with a Retry-After hint in whole seconds.
func WriteRateLimit(ctx *fasthttp.RequestCtx, retryAfterSeconds int) {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 60
	}
	ctx.Response.Header.Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	Write(ctx, fasthttp.StatusTooManyRequests, "rate limit exceeded", TypeRateLimitError, CodeRateLimitExceeded)
}

// WriteCancelled writes a 499: the client closed the connection first.
func WriteCancelled(ctx *fasthttp.RequestCtx) {
	Write(ctx, StatusClientClosedRequest, "client closed request", TypeInvalidRequest, CodeRequestCancelled)
}

// WriteQueueFull writes a 503: all providers are unavailable and the deferred
// queue is at capacity.
func WriteQueueFull(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusServiceUnavailable,
		"all providers unavailable and retry queue is full", TypeServerError, CodeQueueFull)
}

// WriteQueueTimeout writes a 408: the queued request was not served before
// its deadline.
func WriteQueueTimeout(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusRequestTimeout,
		"queued request timed out before a provider recovered", TypeServerError, CodeQueueTimeout)
}

// WriteUnauthorized writes a 401 invalid-key error.
func WriteUnauthorized(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusUnauthorized,
		"invalid or missing API key", TypeAuthenticationErr, CodeInvalidAPIKey)
}
