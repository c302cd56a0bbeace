// Package gemini adapts the official Google GenAI SDK to the
// providers.Provider interface. The vendor name it reports is "google".
//
// Gemini exposes no proactive rate-limit headers, so responses carry only the
// HTTP status; the tracker learns about Google limits from 429s alone.
package gemini

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/nulpointcorp/ai-router/internal/providers"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// Provider implements providers.Provider, providers.ImageProvider and
// providers.EmbeddingProvider for Google Gemini.
type Provider struct {
	apiKey  string
	baseURL string
	client  *genai.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(u string) Option {
	return func(p *Provider) { p.baseURL = u }
}

// New creates a Gemini Provider. Returns an error when the SDK client cannot
// be constructed.
func New(ctx context.Context, apiKey string, opts ...Option) (*Provider, error) {
	if ctx == nil {
		return nil, fmt.Errorf("gemini: context must not be nil")
	}
	p := &Provider{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}

	base, ver := splitBaseURLAndVersion(p.baseURL)

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      p.apiKey,
		Backend:     genai.BackendGeminiAPI,
		HTTPClient:  &http.Client{Timeout: providers.ProviderTimeout},
		HTTPOptions: genai.HTTPOptions{BaseURL: base, APIVersion: ver},
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: client: %w", err)
	}
	p.client = client

	return p, nil
}

func (p *Provider) Name() string { return providers.VendorGoogle }

// Chat implements providers.Provider.
func (p *Provider) Chat(ctx context.Context, vendorModel string, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	contents, cfg := buildContentsAndConfig(req)

	if req.Stream {
		return p.chatStreaming(ctx, vendorModel, contents, cfg, req)
	}
	return p.chatUnary(ctx, vendorModel, contents, cfg, req)
}

func buildContentsAndConfig(req *providers.ChatRequest) ([]*genai.Content, *genai.GenerateContentConfig) {
	var system []string
	contents := make([]*genai.Content, 0, len(req.Messages))

	for _, m := range req.Messages {
		text := m.Content.PlainText()
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			system = append(system, text)
		case "assistant", "model":
			contents = append(contents, genai.NewContentFromText(text, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(text, genai.RoleUser))
		}
	}

	cfg := &genai.GenerateContentConfig{}
	if len(system) > 0 {
		cfg.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: strings.Join(system, "\n\n")}},
		}
	}
	if req.Temperature != nil {
		cfg.Temperature = genai.Ptr[float32](float32(*req.Temperature))
	}
	if req.TopP != nil {
		cfg.TopP = genai.Ptr[float32](float32(*req.TopP))
	}
	if req.N != nil && *req.N > 0 {
		cfg.CandidateCount = int32(*req.N)
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if len(req.Stop) > 0 {
		cfg.StopSequences = []string(req.Stop)
	}
	if req.ResponseFormat != nil && req.ResponseFormat.Type == "json_object" {
		cfg.ResponseMIMEType = "application/json"
	}

	return contents, cfg
}

func (p *Provider) chatUnary(
	ctx context.Context,
	vendorModel string,
	contents []*genai.Content,
	cfg *genai.GenerateContentConfig,
	req *providers.ChatRequest,
) (*providers.ChatResponse, error) {
	resp, err := p.client.Models.GenerateContent(ctx, vendorModel, contents, cfg)
	if err != nil {
		return nil, toProviderError(err)
	}

	id := ""
	content := ""
	finish := ""
	var usage providers.Usage

	if resp != nil {
		id = resp.ResponseID
		content = resp.Text()
		if len(resp.Candidates) > 0 && resp.Candidates[0] != nil {
			finish = mapFinishReason(resp.Candidates[0].FinishReason)
		}
		if resp.UsageMetadata != nil {
			usage.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
			usage.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		}
	}
	if id == "" {
		id = generateID()
	}

	return &providers.ChatResponse{
		ID:           id,
		Model:        req.Model,
		Content:      content,
		FinishReason: finish,
		Usage:        usage,
		Status:       http.StatusOK,
	}, nil
}

func (p *Provider) chatStreaming(
	ctx context.Context,
	vendorModel string,
	contents []*genai.Content,
	cfg *genai.GenerateContentConfig,
	req *providers.ChatRequest,
) (*providers.ChatResponse, error) {
	ch := make(chan providers.StreamChunk, 64)

	go func() {
		defer close(ch)

		for resp, err := range p.client.Models.GenerateContentStream(ctx, vendorModel, contents, cfg) {
			if err != nil {
				ch <- providers.StreamChunk{Err: toProviderError(err)}
				return
			}
			if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
				continue
			}

			c := resp.Candidates[0]
			text := candidateText(c)
			finish := mapFinishReason(c.FinishReason)

			if text != "" || finish != "" {
				ch <- providers.StreamChunk{
					Content:      text,
					FinishReason: finish,
				}
			}
		}
	}()

	return &providers.ChatResponse{
		Model:  req.Model,
		Status: http.StatusOK,
		Stream: ch,
	}, nil
}

// GenerateImage implements providers.ImageProvider (Imagen models). Imagen
// has no prompt-rewriting step, so revised_prompt echoes the original.
func (p *Provider) GenerateImage(ctx context.Context, vendorModel string, req *providers.ImageRequest) (*providers.ImageResponse, error) {
	cfg := &genai.GenerateImagesConfig{}
	if req.N > 0 {
		cfg.NumberOfImages = int32(req.N)
	}

	resp, err := p.client.Models.GenerateImages(ctx, vendorModel, req.Prompt, cfg)
	if err != nil {
		return nil, toProviderError(err)
	}
	if resp == nil || len(resp.GeneratedImages) == 0 {
		return nil, fmt.Errorf("gemini: images: empty response")
	}

	data := make([]providers.ImageData, 0, len(resp.GeneratedImages))
	for _, img := range resp.GeneratedImages {
		if img == nil || img.Image == nil {
			continue
		}
		data = append(data, providers.ImageData{
			B64JSON:       base64.StdEncoding.EncodeToString(img.Image.ImageBytes),
			RevisedPrompt: req.Prompt,
		})
	}

	return &providers.ImageResponse{
		Created: time.Now().Unix(),
		Data:    data,
		Status:  http.StatusOK,
	}, nil
}

// Embed implements providers.EmbeddingProvider. All input strings go in one
// batched EmbedContent call.
func (p *Provider) Embed(ctx context.Context, vendorModel string, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	contents := make([]*genai.Content, len(req.Input))
	for i, text := range req.Input {
		contents[i] = genai.NewContentFromText(text, genai.RoleUser)
	}

	resp, err := p.client.Models.EmbedContent(ctx, vendorModel, contents, nil)
	if err != nil {
		return nil, toProviderError(err)
	}
	if resp == nil || len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("gemini: embed: empty response")
	}

	data := make([]providers.EmbeddingData, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		if emb == nil {
			continue
		}
		data[i] = providers.EmbeddingData{
			Index:     i,
			Embedding: emb.Values,
		}
	}

	return &providers.EmbeddingResponse{
		Model:  req.Model,
		Data:   data,
		Status: http.StatusOK,
	}, nil
}

// mapFinishReason converts Gemini finish reasons to OpenAI finish reasons.
func mapFinishReason(reason genai.FinishReason) string {
	switch reason {
	case "":
		return ""
	case genai.FinishReasonMaxTokens:
		return "length"
	case genai.FinishReasonSafety, genai.FinishReasonRecitation, genai.FinishReasonBlocklist, genai.FinishReasonProhibitedContent:
		return "content_filter"
	default:
		return "stop"
	}
}

func candidateText(c *genai.Candidate) string {
	if c == nil || c.Content == nil || len(c.Content.Parts) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, p := range c.Content.Parts {
		if p != nil && p.Text != "" {
			sb.WriteString(p.Text)
		}
	}
	return sb.String()
}

func splitBaseURLAndVersion(raw string) (baseURL string, apiVersion string) {
	u, err := url.Parse(raw)
	if err != nil {
		return raw, ""
	}

	path := strings.Trim(u.Path, "/")
	if path == "" {
		base := u.String()
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		return base, ""
	}

	parts := strings.Split(path, "/")
	last := parts[len(parts)-1]

	if looksLikeAPIVersion(last) {
		apiVersion = last
		parts = parts[:len(parts)-1]
	}

	u.Path = "/" + strings.Join(parts, "/")
	if u.Path == "/" {
		u.Path = ""
	}

	baseURL = u.String()
	if !strings.HasSuffix(baseURL, "/") {
		baseURL += "/"
	}
	return baseURL, apiVersion
}

func looksLikeAPIVersion(s string) bool {
	if !strings.HasPrefix(s, "v") || len(s) < 2 {
		return false
	}
	return s[1] >= '0' && s[1] <= '9'
}

// generateID produces a random hex id for responses that don't include one.
func generateID() string {
	return fmt.Sprintf("gemini-%x", rand.Int63())
}

func toProviderError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &providers.ProviderError{
			Vendor:     providers.VendorGoogle,
			StatusCode: apiErr.Code,
			Message:    apiErr.Message,
		}
	}
	return fmt.Errorf("gemini: %w", err)
}
