// Package openai adapts the official OpenAI SDK to the providers.Provider
// interface. Since the router's normalized request is already OpenAI-shaped,
// translation here is mostly a field-by-field lift into typed SDK params.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"

	"github.com/nulpointcorp/ai-router/internal/providers"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Provider implements providers.Provider, providers.ImageProvider and
// providers.EmbeddingProvider for OpenAI.
type Provider struct {
	apiKey  string
	baseURL string
	client  openaiSDK.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// New creates an OpenAI Provider.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}

	httpClient := &http.Client{Timeout: providers.ProviderTimeout}
	if p.baseURL != "" && p.baseURL != defaultBaseURL {
		httpClient.Transport = newBaseURLTransport(http.DefaultTransport, p.baseURL)
	}

	p.client = openaiSDK.NewClient(
		option.WithAPIKey(p.apiKey),
		option.WithHTTPClient(httpClient),
	)

	return p
}

func (p *Provider) Name() string { return providers.VendorOpenAI }

// Chat implements providers.Provider.
func (p *Provider) Chat(ctx context.Context, vendorModel string, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	params := buildChatParams(vendorModel, req)

	if req.Stream {
		return p.chatStreaming(ctx, params, req)
	}
	return p.chatUnary(ctx, params, req)
}

func buildChatParams(vendorModel string, req *providers.ChatRequest) openaiSDK.ChatCompletionNewParams {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, toSDKMessage(m.Role, m.Content.PlainText()))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    vendorModel,
	}

	if req.Temperature != nil {
		params.Temperature = openaiSDK.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = openaiSDK.Float(*req.TopP)
	}
	if req.N != nil {
		params.N = openaiSDK.Int(int64(*req.N))
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(req.MaxTokens))
	}
	if len(req.Stop) > 0 {
		params.Stop = openaiSDK.ChatCompletionNewParamsStopUnion{
			OfStringArray: []string(req.Stop),
		}
	}
	if req.FrequencyPenalty != nil {
		params.FrequencyPenalty = openaiSDK.Float(*req.FrequencyPenalty)
	}
	if req.PresencePenalty != nil {
		params.PresencePenalty = openaiSDK.Float(*req.PresencePenalty)
	}
	if req.Logprobs != nil {
		params.Logprobs = openaiSDK.Bool(*req.Logprobs)
	}
	if req.TopLogprobs != nil {
		params.TopLogprobs = openaiSDK.Int(int64(*req.TopLogprobs))
	}
	if req.ResponseFormat != nil && req.ResponseFormat.Type == "json_object" {
		params.ResponseFormat = openaiSDK.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}

	return params
}

func (p *Provider) chatUnary(ctx context.Context, params openaiSDK.ChatCompletionNewParams, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	var httpRes *http.Response
	resp, err := p.client.Chat.Completions.New(ctx, params, option.WithResponseInto(&httpRes))
	if err != nil {
		return nil, toProviderError(err)
	}

	content := ""
	finish := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
		finish = resp.Choices[0].FinishReason
	}

	out := &providers.ChatResponse{
		ID:           resp.ID,
		Model:        req.Model,
		Content:      content,
		FinishReason: finish,
		Usage: providers.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
		Status: http.StatusOK,
	}
	if httpRes != nil {
		out.Status = httpRes.StatusCode
		out.Headers = httpRes.Header
	}
	return out, nil
}

func (p *Provider) chatStreaming(ctx context.Context, params openaiSDK.ChatCompletionNewParams, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	var httpRes *http.Response
	stream := p.client.Chat.Completions.NewStreaming(ctx, params, option.WithResponseInto(&httpRes))
	if err := stream.Err(); err != nil {
		return nil, toProviderError(err)
	}

	ch := make(chan providers.StreamChunk, 64)

	go func() {
		defer close(ch)
		defer stream.Close()

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			c := chunk.Choices[0]

			if c.Delta.Content != "" || c.FinishReason != "" {
				ch <- providers.StreamChunk{
					Content:      c.Delta.Content,
					FinishReason: c.FinishReason,
				}
			}
		}

		if err := stream.Err(); err != nil {
			ch <- providers.StreamChunk{Err: toProviderError(err)}
		}
	}()

	out := &providers.ChatResponse{
		Model:  req.Model,
		Status: http.StatusOK,
		Stream: ch,
	}
	if httpRes != nil {
		out.Status = httpRes.StatusCode
		out.Headers = httpRes.Header
	}
	return out, nil
}

// GenerateImage implements providers.ImageProvider (DALL-E models).
// Images are always requested as base64 so the gateway never has to proxy
// vendor-hosted URLs.
func (p *Provider) GenerateImage(ctx context.Context, vendorModel string, req *providers.ImageRequest) (*providers.ImageResponse, error) {
	params := openaiSDK.ImageGenerateParams{
		Prompt:         req.Prompt,
		Model:          openaiSDK.ImageModel(vendorModel),
		ResponseFormat: openaiSDK.ImageGenerateParamsResponseFormatB64JSON,
	}
	if req.N > 0 {
		params.N = openaiSDK.Int(int64(req.N))
	}
	if req.Size != "" {
		params.Size = openaiSDK.ImageGenerateParamsSize(req.Size)
	}

	var httpRes *http.Response
	resp, err := p.client.Images.Generate(ctx, params, option.WithResponseInto(&httpRes))
	if err != nil {
		return nil, toProviderError(err)
	}

	data := make([]providers.ImageData, len(resp.Data))
	for i, d := range resp.Data {
		data[i] = providers.ImageData{
			B64JSON:       d.B64JSON,
			RevisedPrompt: d.RevisedPrompt,
		}
	}

	out := &providers.ImageResponse{
		Created: resp.Created,
		Data:    data,
		Status:  http.StatusOK,
	}
	if httpRes != nil {
		out.Status = httpRes.StatusCode
		out.Headers = httpRes.Header
	}
	return out, nil
}

// Embed implements providers.EmbeddingProvider.
func (p *Provider) Embed(ctx context.Context, vendorModel string, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	params := openaiSDK.EmbeddingNewParams{
		Model: openaiSDK.EmbeddingModel(vendorModel),
		Input: openaiSDK.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: req.Input,
		},
	}

	var httpRes *http.Response
	resp, err := p.client.Embeddings.New(ctx, params, option.WithResponseInto(&httpRes))
	if err != nil {
		return nil, toProviderError(err)
	}

	data := make([]providers.EmbeddingData, len(resp.Data))
	for i, d := range resp.Data {
		f32 := make([]float32, len(d.Embedding))
		for j, v := range d.Embedding {
			f32[j] = float32(v)
		}
		data[i] = providers.EmbeddingData{
			Index:     int(d.Index),
			Embedding: f32,
		}
	}

	out := &providers.EmbeddingResponse{
		Model: req.Model,
		Data:  data,
		Usage: providers.Usage{
			InputTokens: int(resp.Usage.PromptTokens),
		},
		Status: http.StatusOK,
	}
	if httpRes != nil {
		out.Status = httpRes.StatusCode
		out.Headers = httpRes.Header
	}
	return out, nil
}

func toSDKMessage(role, content string) openaiSDK.ChatCompletionMessageParamUnion {
	switch strings.ToLower(role) {
	case "developer":
		return openaiSDK.DeveloperMessage(content)
	case "system":
		return openaiSDK.SystemMessage(content)
	case "assistant":
		return openaiSDK.AssistantMessage(content)
	default:
		return openaiSDK.UserMessage(content)
	}
}

func toProviderError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		pe := &providers.ProviderError{
			Vendor:     providers.VendorOpenAI,
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
		}
		if apierr.Response != nil {
			pe.Headers = apierr.Response.Header
		}
		return pe
	}
	return fmt.Errorf("openai: %w", err)
}

// baseURLTransport rewrites request URLs onto an alternate host, keeping the
// SDK's path layout. The SDK's own WithBaseURL rejects some path shapes the
// mock servers use, so the rewrite happens at the transport level.
type baseURLTransport struct {
	base *url.URL
	rt   http.RoundTripper
}

func newBaseURLTransport(next http.RoundTripper, base string) http.RoundTripper {
	u, err := url.Parse(base)
	if err != nil {
		return next
	}
	return &baseURLTransport{base: u, rt: next}
}

func (t *baseURLTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	r2 := req.Clone(req.Context())
	u2 := *req.URL

	u2.Scheme = t.base.Scheme
	u2.Host = t.base.Host

	basePath := strings.TrimRight(t.base.Path, "/")
	if basePath != "" && basePath != "/" {
		if !strings.HasPrefix(u2.Path, basePath+"/") && u2.Path != basePath {
			u2.Path = basePath + "/" + strings.TrimLeft(u2.Path, "/")
		}
	}

	r2.URL = &u2
	return t.rt.RoundTrip(r2)
}
