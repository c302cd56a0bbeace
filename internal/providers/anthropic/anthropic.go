// Package anthropic adapts the official Anthropic SDK to the
// providers.Provider interface.
//
// The translation quirks live here so the rest of the router stays
// vendor-neutral: system messages move out of the turn list into the system
// field, max_tokens is mandatory upstream and gets a default, and penalty and
// logprob parameters have no Anthropic equivalent and are dropped.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/nulpointcorp/ai-router/internal/providers"
)

const (
	defaultBaseURL = "https://api.anthropic.com/v1"

	// defaultMaxTokens fills the mandatory max_tokens field when the client
	// omitted it.
	defaultMaxTokens = 4096
)

// Provider implements providers.Provider for Anthropic.
type Provider struct {
	apiKey  string
	baseURL string
	client  anthropic.Client
}

// Option configures a Provider.
type Option func(*Provider)

// WithBaseURL overrides the API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// New creates an Anthropic Provider.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}

	httpClient := &http.Client{Timeout: providers.ProviderTimeout}

	p.client = anthropic.NewClient(
		option.WithAPIKey(p.apiKey),
		option.WithBaseURL(p.baseURL),
		option.WithHTTPClient(httpClient),
	)

	return p
}

func (p *Provider) Name() string { return providers.VendorAnthropic }

// Chat implements providers.Provider.
func (p *Provider) Chat(ctx context.Context, vendorModel string, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	params := buildParams(vendorModel, req)

	if req.Stream {
		return p.chatStreaming(ctx, params, req)
	}
	return p.chatUnary(ctx, params, req)
}

func buildParams(vendorModel string, req *providers.ChatRequest) anthropic.MessageNewParams {
	var system []string
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			system = append(system, m.Content.PlainText())
		default:
			msgs = append(msgs, toSDKMessage(m.Role, m.Content.PlainText()))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(vendorModel),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}

	if len(system) > 0 {
		params.System = []anthropic.TextBlockParam{
			{Text: strings.Join(system, "\n\n")},
		}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = anthropic.Float(*req.TopP)
	}
	if len(req.Stop) > 0 {
		params.StopSequences = []string(req.Stop)
	}

	return params
}

func toSDKMessage(role, content string) anthropic.MessageParam {
	anthRole := anthropic.MessageParamRoleUser
	if strings.ToLower(role) == "assistant" {
		anthRole = anthropic.MessageParamRoleAssistant
	}

	return anthropic.MessageParam{
		Role: anthRole,
		Content: []anthropic.ContentBlockParamUnion{
			{
				OfText: &anthropic.TextBlockParam{Text: content},
			},
		},
	}
}

func (p *Provider) chatUnary(ctx context.Context, params anthropic.MessageNewParams, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	var httpRes *http.Response
	msg, err := p.client.Messages.New(ctx, params, option.WithResponseInto(&httpRes))
	if err != nil {
		return nil, toProviderError(err)
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		switch v := b.AsAny().(type) {
		case anthropic.TextBlock:
			sb.WriteString(v.Text)
		case *anthropic.TextBlock:
			sb.WriteString(v.Text)
		}
	}

	out := &providers.ChatResponse{
		ID:           msg.ID,
		Model:        req.Model,
		Content:      sb.String(),
		FinishReason: mapStopReason(string(msg.StopReason)),
		Usage: providers.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
		Status: http.StatusOK,
	}
	if httpRes != nil {
		out.Status = httpRes.StatusCode
		out.Headers = httpRes.Header
	}
	return out, nil
}

func (p *Provider) chatStreaming(ctx context.Context, params anthropic.MessageNewParams, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	var httpRes *http.Response
	stream := p.client.Messages.NewStreaming(ctx, params, option.WithResponseInto(&httpRes))
	if err := stream.Err(); err != nil {
		return nil, toProviderError(err)
	}

	ch := make(chan providers.StreamChunk, 64)

	go func() {
		defer close(ch)
		defer stream.Close()

		for stream.Next() {
			ev := stream.Current()

			switch eventVariant := ev.AsAny().(type) {
			case anthropic.ContentBlockDeltaEvent:
				switch deltaVariant := eventVariant.Delta.AsAny().(type) {
				case anthropic.TextDelta:
					if deltaVariant.Text != "" {
						ch <- providers.StreamChunk{Content: deltaVariant.Text}
					}
				case *anthropic.TextDelta:
					if deltaVariant.Text != "" {
						ch <- providers.StreamChunk{Content: deltaVariant.Text}
					}
				}

			case anthropic.MessageDeltaEvent:
				if reason := string(eventVariant.Delta.StopReason); reason != "" {
					ch <- providers.StreamChunk{FinishReason: mapStopReason(reason)}
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

// mapStopReason converts Anthropic stop reasons to OpenAI finish reasons.
func mapStopReason(reason string) string {
	switch reason {
	case "max_tokens":
		return "length"
	case "end_turn", "stop_sequence":
		return "stop"
	case "":
		return ""
	default:
		return "stop"
	}
}

func toProviderError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		pe := &providers.ProviderError{
			Vendor:     providers.VendorAnthropic,
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
		}
		if apierr.Response != nil {
			pe.Headers = apierr.Response.Header
		}
		return pe
	}
	return fmt.Errorf("anthropic: %w", err)
}
