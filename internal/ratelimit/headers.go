// Package ratelimit tracks per-(vendor,model) rate-limit state from upstream
// response headers and predicts which candidates should be skipped.
//
// Each vendor encodes its limits differently, so parsing is three independent
// functions sharing one output shape rather than a single polymorphic parser:
//
//	OpenAI    — remaining counters plus reset headers as duration strings
//	            ("1h2m3s", fractional seconds allowed), relative to now.
//	Anthropic — remaining counters plus reset headers as ISO-8601 timestamps.
//	Google    — no proactive headers at all.
package ratelimit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/nulpointcorp/ai-router/internal/providers"
)

// DefaultRetryAfter is the cooldown applied to a 429 that carries no usable
// retry-after header.
const DefaultRetryAfter = 60 * time.Second

// unknown marks an absent remaining-counter value.
const unknown = -1

// Headers is the common shape all vendor extractors produce. Remaining
// counters are -1 when unknown; reset instants are zero when unknown.
type Headers struct {
	RemainingRequests int
	RemainingTokens   int
	ResetRequestsAt   time.Time
	ResetTokensAt     time.Time
}

// ParseVendorHeaders dispatches to the vendor-specific extractor.
// Unknown vendors report everything unknown.
func ParseVendorHeaders(vendor string, h http.Header, now time.Time) Headers {
	switch vendor {
	case providers.VendorOpenAI:
		return ParseOpenAIHeaders(h, now)
	case providers.VendorAnthropic:
		return ParseAnthropicHeaders(h)
	default:
		// Google (and anything else) emits no proactive rate-limit headers.
		return Headers{RemainingRequests: unknown, RemainingTokens: unknown}
	}
}

// ParseOpenAIHeaders extracts the x-ratelimit-* family. Reset headers are
// duration strings added to now. Header lookup is case-insensitive.
func ParseOpenAIHeaders(h http.Header, now time.Time) Headers {
	out := Headers{
		RemainingRequests: parseCount(h.Get("x-ratelimit-remaining-requests")),
		RemainingTokens:   parseCount(h.Get("x-ratelimit-remaining-tokens")),
	}
	if d, ok := parseResetDuration(h.Get("x-ratelimit-reset-requests")); ok {
		out.ResetRequestsAt = now.Add(d)
	}
	if d, ok := parseResetDuration(h.Get("x-ratelimit-reset-tokens")); ok {
		out.ResetTokensAt = now.Add(d)
	}
	return out
}

// ParseAnthropicHeaders extracts the anthropic-ratelimit-* family. Reset
// headers are absolute RFC 3339 timestamps.
func ParseAnthropicHeaders(h http.Header) Headers {
	out := Headers{
		RemainingRequests: parseCount(h.Get("anthropic-ratelimit-requests-remaining")),
		RemainingTokens:   parseCount(h.Get("anthropic-ratelimit-tokens-remaining")),
	}
	if t, err := time.Parse(time.RFC3339, h.Get("anthropic-ratelimit-requests-reset")); err == nil {
		out.ResetRequestsAt = t
	}
	if t, err := time.Parse(time.RFC3339, h.Get("anthropic-ratelimit-tokens-reset")); err == nil {
		out.ResetTokensAt = t
	}
	return out
}

// ParseRetryAfter interprets a Retry-After value as either integer seconds or
// an HTTP-date. Missing or malformed input returns DefaultRetryAfter.
// Negative results (dates in the past) are clamped to zero.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return DefaultRetryAfter
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(value); err == nil {
		d := t.Sub(now)
		if d < 0 {
			return 0
		}
		return d
	}
	return DefaultRetryAfter
}

func parseCount(value string) int {
	if value == "" {
		return unknown
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return unknown
	}
	return n
}

// parseResetDuration parses the OpenAI reset grammar ("1h2m3s", "59.903s",
// "312ms") via the Go duration parser, which accepts the same forms.
func parseResetDuration(value string) (time.Duration, bool) {
	if value == "" {
		return 0, false
	}
	d, err := time.ParseDuration(value)
	if err != nil || d < 0 {
		return 0, false
	}
	return d, true
}
