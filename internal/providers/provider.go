// Package providers defines the common interfaces and normalized types used
// by all LLM vendor adapters (OpenAI, Anthropic, Google Gemini).
//
// Each adapter lives in its own sub-package and implements the Provider
// interface. Adapters that support image generation or vector embeddings
// additionally implement ImageProvider / EmbeddingProvider.
//
// The normalized request has the shape of the OpenAI chat completion body;
// adapters translate it to their vendor's native schema and translate the
// response back, so the rest of the router only ever sees one contract.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Capability classifies what kind of request a model serves.
type Capability string

const (
	CapabilityChat       Capability = "chat"
	CapabilityImages     Capability = "images"
	CapabilityEmbeddings Capability = "embeddings"
)

// Vendor name constants. These are the identifiers used in PROVIDER_PRIORITY,
// the model catalog, response headers, and all per-vendor state keys.
const (
	VendorOpenAI    = "openai"
	VendorAnthropic = "anthropic"
	VendorGoogle    = "google"
)

// DefaultPriority is the default vendor failover sequence.
var DefaultPriority = []string{VendorOpenAI, VendorAnthropic, VendorGoogle}

// ProviderTimeout is the default per-vendor HTTP request timeout.
const ProviderTimeout = 30 * time.Second

type (
	// ContentPart is one element of a multi-part message content array
	// ("type": "text" or "image_url").
	ContentPart struct {
		Type     string    `json:"type"`
		Text     string    `json:"text,omitempty"`
		ImageURL *ImageURL `json:"image_url,omitempty"`
	}

	// ImageURL is the image reference inside a content part.
	ImageURL struct {
		URL string `json:"url"`
	}

	// MessageContent accepts both OpenAI content encodings: a bare string or
	// an array of typed parts. Parts is nil when the content was a string.
	MessageContent struct {
		Text  string
		Parts []ContentPart
	}

	// Message is a single turn in a conversation.
	Message struct {
		Role    string         `json:"role"`
		Content MessageContent `json:"content"`
	}

	// StopSequences accepts the OpenAI "stop" field: a bare string or an
	// array of strings. Normalized to a slice.
	StopSequences []string

	// ResponseFormat mirrors the OpenAI response_format object.
	ResponseFormat struct {
		Type string `json:"type"`
	}

	// ChatRequest is the normalized (OpenAI-shaped) chat request all
	// adapters accept. Pointer fields distinguish "absent" from zero.
	ChatRequest struct {
		Model            string          `json:"model"`
		Messages         []Message       `json:"messages"`
		Temperature      *float64        `json:"temperature,omitempty"`
		TopP             *float64        `json:"top_p,omitempty"`
		N                *int            `json:"n,omitempty"`
		MaxTokens        int             `json:"max_tokens,omitempty"`
		Stop             StopSequences   `json:"stop,omitempty"`
		Stream           bool            `json:"stream,omitempty"`
		FrequencyPenalty *float64        `json:"frequency_penalty,omitempty"`
		PresencePenalty  *float64        `json:"presence_penalty,omitempty"`
		Logprobs         *bool           `json:"logprobs,omitempty"`
		TopLogprobs      *int            `json:"top_logprobs,omitempty"`
		ResponseFormat   *ResponseFormat `json:"response_format,omitempty"`

		// RequestID is the gateway-assigned request id, never sent upstream.
		RequestID string `json:"-"`
	}

	// Usage — token usage stats.
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	}

	// StreamChunk is a single delta delivered during a streaming response.
	// Err is non-nil only on the final chunk of a failed stream.
	StreamChunk struct {
		Content      string
		FinishReason string
		Err          error
	}

	// ChatResponse is the normalized chat response. Status and Headers carry
	// the upstream HTTP result so the rate-limit tracker can observe vendor
	// counters. Stream is nil for unary responses; when set, Content and
	// Usage are only meaningful after the stream drains.
	ChatResponse struct {
		ID           string
		Model        string
		Content      string
		FinishReason string
		Usage        Usage
		Status       int
		Headers      http.Header
		Stream       <-chan StreamChunk

		// ServedModel is the vendor-native model that actually produced the
		// response. Filled by the router, not the adapter.
		ServedModel string
	}

	// ImageRequest is the normalized image generation request.
	ImageRequest struct {
		Prompt    string `json:"prompt"`
		Model     string `json:"model"`
		N         int    `json:"n,omitempty"`
		Size      string `json:"size,omitempty"`
		RequestID string `json:"-"`
	}

	// ImageData is a single generated image.
	ImageData struct {
		B64JSON       string `json:"b64_json"`
		RevisedPrompt string `json:"revised_prompt,omitempty"`
	}

	// ImageResponse is the normalized image generation response.
	ImageResponse struct {
		Created int64
		Data    []ImageData
		Status  int
		Headers http.Header

		// ServedModel is the vendor-native model that actually produced the
		// response. Filled by the router, not the adapter.
		ServedModel string
	}

	// EmbeddingRequest is the normalized embedding request.
	EmbeddingRequest struct {
		// Input is the list of texts to embed. Always at least one element.
		Input     []string `json:"input"`
		Model     string   `json:"model"`
		RequestID string   `json:"-"`
	}

	// EmbeddingData — a single embedding vector.
	EmbeddingData struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	}

	// EmbeddingResponse is the normalized embedding response.
	EmbeddingResponse struct {
		Model   string
		Data    []EmbeddingData
		Usage   Usage
		Status  int
		Headers http.Header

		// ServedModel is the vendor-native model that actually produced the
		// response. Filled by the router, not the adapter.
		ServedModel string
	}
)

// Provider — LLM vendor adapter interface. vendorModel is the vendor-native
// model name chosen by the fallback chain; adapters must fill the Model field
// of every response with the client's requested name, not vendorModel, so
// clients see stable model names irrespective of fallback.
type Provider interface {
	Name() string
	Chat(ctx context.Context, vendorModel string, req *ChatRequest) (*ChatResponse, error)
}

// ImageProvider is an optional interface implemented by adapters that support
// image generation. Check with a type assertion before calling.
type ImageProvider interface {
	GenerateImage(ctx context.Context, vendorModel string, req *ImageRequest) (*ImageResponse, error)
}

// EmbeddingProvider is an optional interface implemented by adapters that
// support the embeddings API.
type EmbeddingProvider interface {
	Embed(ctx context.Context, vendorModel string, req *EmbeddingRequest) (*EmbeddingResponse, error)
}

// StatusCoder is implemented by errors that carry an upstream HTTP status.
type StatusCoder interface {
	HTTPStatus() int
}

// ProviderError is a structured error for any upstream response with
// status >= 400. Headers are retained so the rate-limit tracker can read
// retry-after on 429s.
type ProviderError struct {
	Vendor     string
	StatusCode int
	Headers    http.Header
	Message    string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s (status=%d)", e.Vendor, e.Message, e.StatusCode)
}

// HTTPStatus implements StatusCoder.
func (e *ProviderError) HTTPStatus() int { return e.StatusCode }

// PlainText flattens the content to its concatenated text. Image parts are
// skipped; text parts are joined in order.
func (c MessageContent) PlainText() string {
	if c.Parts == nil {
		return c.Text
	}
	var sb strings.Builder
	for _, p := range c.Parts {
		if p.Type == "text" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

// IsZero reports whether the content carries neither text nor parts.
func (c MessageContent) IsZero() bool {
	return c.Text == "" && c.Parts == nil
}

// UnmarshalJSON accepts a bare string or an array of content parts.
func (c *MessageContent) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.Text = s
		c.Parts = nil
		return nil
	}
	var parts []ContentPart
	if err := json.Unmarshal(data, &parts); err == nil {
		c.Text = ""
		c.Parts = parts
		return nil
	}
	return fmt.Errorf("content must be a string or an array of content parts")
}

// MarshalJSON re-emits the original encoding: parts as an array, otherwise a
// bare string.
func (c MessageContent) MarshalJSON() ([]byte, error) {
	if c.Parts != nil {
		return json.Marshal(c.Parts)
	}
	return json.Marshal(c.Text)
}

// UnmarshalJSON accepts a bare string or an array of strings.
func (s *StopSequences) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*s = StopSequences{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err == nil {
		*s = StopSequences(many)
		return nil
	}
	return fmt.Errorf("stop must be a string or an array of strings")
}

// MarshalJSON always emits an array.
func (s StopSequences) MarshalJSON() ([]byte, error) {
	return json.Marshal([]string(s))
}
