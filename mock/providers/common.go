package main

import (
	"encoding/json"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// fakeWords is a pool of words used to build mock responses.
var fakeWords = []string{
	"The", "quick", "brown", "fox", "jumps", "over", "the", "lazy", "dog",
	"Hello", "world", "This", "is", "a", "mock", "response", "from", "the",
	"mock", "vendor", "simulating", "a", "real", "LLM", "API", "call",
	"for", "development", "and", "testing", "purposes",
}

// fakeSentence returns a fake response text of roughly n words.
func fakeSentence(n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = fakeWords[rand.IntN(len(fakeWords))]
	}
	return strings.Join(words, " ") + "."
}

// fakeEmbedding returns a slice of floats simulating an embedding vector.
func fakeEmbedding(dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = rand.Float32()*2 - 1
	}
	return v
}

// fakeB64Image is a 1x1 transparent PNG, base64-encoded.
const fakeB64Image = "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mNkYPhfDwAChwGA60e6kgAAAABJRU5ErkJggg=="

// applyLatency sleeps for the configured latency.
func applyLatency(cfg Config) {
	if cfg.LatencyMS > 0 {
		time.Sleep(time.Duration(cfg.LatencyMS) * time.Millisecond)
	}
}

// shouldError returns true if this request should simulate a 500.
func shouldError(cfg Config) bool {
	if cfg.ErrorRate <= 0 {
		return false
	}
	return rand.Float64() < cfg.ErrorRate
}

// shouldRateLimit returns true if this request should simulate a 429.
func shouldRateLimit(cfg Config) bool {
	if cfg.RateLimitRate <= 0 {
		return false
	}
	return rand.Float64() < cfg.RateLimitRate
}

// writeJSON writes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorResponse is the generic OpenAI-style error envelope.
type errorResponse struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

func writeError(w http.ResponseWriter, status int, msg, typ string) {
	writeJSON(w, status, errorResponse{Error: errorDetail{
		Message: msg,
		Type:    typ,
		Code:    strings.ToLower(strings.ReplaceAll(typ, " ", "_")),
	}})
}

// setOpenAIRateLimitHeaders writes the x-ratelimit-* counter headers the
// router's tracker parses. exhausted drives the remaining counters to zero.
func setOpenAIRateLimitHeaders(w http.ResponseWriter, cfg Config, exhausted bool) {
	remaining := "99"
	if exhausted {
		remaining = "0"
	}
	reset := strconv.Itoa(cfg.RetryAfterS) + "s"
	h := w.Header()
	h.Set("x-ratelimit-limit-requests", "100")
	h.Set("x-ratelimit-remaining-requests", remaining)
	h.Set("x-ratelimit-reset-requests", reset)
	h.Set("x-ratelimit-limit-tokens", "100000")
	h.Set("x-ratelimit-remaining-tokens", "99000")
	h.Set("x-ratelimit-reset-tokens", reset)
}

// setAnthropicRateLimitHeaders writes the anthropic-ratelimit-* headers.
func setAnthropicRateLimitHeaders(w http.ResponseWriter, cfg Config, exhausted bool) {
	remaining := "49"
	if exhausted {
		remaining = "0"
	}
	reset := time.Now().Add(time.Duration(cfg.RetryAfterS) * time.Second).UTC().Format(time.RFC3339)
	h := w.Header()
	h.Set("anthropic-ratelimit-requests-limit", "50")
	h.Set("anthropic-ratelimit-requests-remaining", remaining)
	h.Set("anthropic-ratelimit-requests-reset", reset)
	h.Set("anthropic-ratelimit-tokens-limit", "50000")
	h.Set("anthropic-ratelimit-tokens-remaining", "49000")
	h.Set("anthropic-ratelimit-tokens-reset", reset)
}
