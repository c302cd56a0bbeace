package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/ai-router/internal/providers"
	"github.com/nulpointcorp/ai-router/internal/queue"
	"github.com/nulpointcorp/ai-router/pkg/apierr"
)

// Native Anthropic Messages surface. Requests in Anthropic's schema are
// translated to the normalized ChatRequest, routed through the same fallback
// chain as /v1/chat/completions, and the response translated back. Any vendor
// may end up serving the request; the client always sees Anthropic shapes.

type (
	// anthropicContent accepts a bare string or an array of content blocks.
	anthropicContent struct {
		Text   string
		Blocks []anthropicBlock
	}

	anthropicBlock struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
	}

	anthropicMessage struct {
		Role    string           `json:"role"`
		Content anthropicContent `json:"content"`
	}

	anthropicRequest struct {
		Model         string             `json:"model"`
		System        anthropicContent   `json:"system,omitzero"`
		Messages      []anthropicMessage `json:"messages"`
		MaxTokens     int                `json:"max_tokens"`
		Temperature   *float64           `json:"temperature,omitempty"`
		TopP          *float64           `json:"top_p,omitempty"`
		StopSequences []string           `json:"stop_sequences,omitempty"`
		Stream        bool               `json:"stream,omitempty"`
	}

	anthropicUsage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	}

	anthropicResponse struct {
		ID           string           `json:"id"`
		Type         string           `json:"type"`
		Role         string           `json:"role"`
		Content      []anthropicBlock `json:"content"`
		Model        string           `json:"model"`
		StopReason   string           `json:"stop_reason"`
		StopSequence *string          `json:"stop_sequence"`
		Usage        anthropicUsage   `json:"usage"`
	}
)

func (c *anthropicContent) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		c.Text = s
		c.Blocks = nil
		return nil
	}
	var blocks []anthropicBlock
	if err := json.Unmarshal(data, &blocks); err == nil {
		c.Text = ""
		c.Blocks = blocks
		return nil
	}
	return fmt.Errorf("content must be a string or an array of content blocks")
}

func (c anthropicContent) MarshalJSON() ([]byte, error) {
	if c.Blocks != nil {
		return json.Marshal(c.Blocks)
	}
	return json.Marshal(c.Text)
}

// plainText flattens content blocks to their concatenated text.
func (c anthropicContent) plainText() string {
	if c.Blocks == nil {
		return c.Text
	}
	out := ""
	for _, b := range c.Blocks {
		if b.Type == "text" {
			out += b.Text
		}
	}
	return out
}

func (c anthropicContent) isZero() bool {
	return c.Text == "" && c.Blocks == nil
}

// toStopReason maps the normalized finish reason back to Anthropic's enum.
func toStopReason(finish string) string {
	switch finish {
	case "length":
		return "max_tokens"
	case "content_filter":
		return "stop_sequence"
	default:
		return "end_turn"
	}
}

// dispatchMessages handles POST /v1/messages.
func (g *Gateway) dispatchMessages(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "messages"
	servedVendor := "unknown"
	streaming := false

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil || streaming {
			return
		}
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start))
		g.metrics.RecordRequest(servedVendor, ctx.Response.StatusCode())
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	var in anthropicRequest
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		apierr.WriteAnthropic(ctx, fasthttp.StatusBadRequest,
			apierr.TypeInvalidRequest, fmt.Sprintf("invalid JSON: %s", err.Error()))
		return
	}
	if in.Model == "" {
		apierr.WriteAnthropic(ctx, fasthttp.StatusBadRequest,
			apierr.TypeInvalidRequest, "field 'model' is required")
		return
	}
	if len(in.Messages) == 0 {
		apierr.WriteAnthropic(ctx, fasthttp.StatusBadRequest,
			apierr.TypeInvalidRequest, "field 'messages' must not be empty")
		return
	}

	req := translateMessagesRequest(&in)
	req.RequestID = reqID

	g.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("model", req.Model),
		slog.String("route", route),
		slog.Bool("stream", req.Stream),
	)

	resp, vendor, err := g.router.Execute(ctx, req)
	if err != nil {
		var exhausted *ExhaustedError
		if errors.As(err, &exhausted) {
			servedVendor = g.handleMessagesExhausted(ctx, req, exhausted, route, start)
			return
		}
		g.writeMessagesError(ctx, reqID, err)
		return
	}
	servedVendor = vendor
	setRoutedHeaders(ctx, vendor, resp.ServedModel)

	if req.Stream && resp.Stream != nil {
		streaming = true
		g.writeAnthropicSSE(ctx, resp, func(outputTokens int) {
			dur := time.Since(start)
			g.logRequest(reqID, vendor, req.Model, route, 0, outputTokens, dur, fasthttp.StatusOK, false)
			if g.metrics != nil {
				g.metrics.DecInFlight()
				g.metrics.ObserveHTTP(route, fasthttp.StatusOK, dur)
				g.metrics.RecordRequest(vendor, fasthttp.StatusOK)
				g.metrics.AddTokens(vendor, route, 0, outputTokens)
			}
		})
		return
	}

	writeJSONStatus(ctx, fasthttp.StatusOK, messagesEnvelope(resp))

	if g.metrics != nil {
		g.metrics.AddTokens(vendor, route, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	}
	g.logRequest(reqID, vendor, req.Model, route,
		resp.Usage.InputTokens, resp.Usage.OutputTokens,
		time.Since(start), fasthttp.StatusOK, false)
}

// translateMessagesRequest converts the inbound Anthropic body to the
// normalized chat request. The system prompt becomes a leading system message.
func translateMessagesRequest(in *anthropicRequest) *providers.ChatRequest {
	req := &providers.ChatRequest{
		Model:       in.Model,
		Temperature: in.Temperature,
		TopP:        in.TopP,
		MaxTokens:   in.MaxTokens,
		Stop:        providers.StopSequences(in.StopSequences),
		Stream:      in.Stream,
	}

	if !in.System.isZero() {
		req.Messages = append(req.Messages, providers.Message{
			Role:    "system",
			Content: providers.MessageContent{Text: in.System.plainText()},
		})
	}
	for _, m := range in.Messages {
		req.Messages = append(req.Messages, providers.Message{
			Role:    m.Role,
			Content: providers.MessageContent{Text: m.Content.plainText()},
		})
	}
	return req
}

func messagesEnvelope(resp *providers.ChatResponse) anthropicResponse {
	id := resp.ID
	if id == "" {
		id = "msg_" + uuid.NewString()
	}
	return anthropicResponse{
		ID:         id,
		Type:       "message",
		Role:       "assistant",
		Content:    []anthropicBlock{{Type: "text", Text: resp.Content}},
		Model:      resp.Model,
		StopReason: toStopReason(resp.FinishReason),
		Usage: anthropicUsage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}
}

// handleMessagesExhausted applies the deferred-retry policy for the native
// surface. There is no async poll contract in the Anthropic protocol, so only
// short waits are queued inline; anything longer gets overloaded_error, which
// Anthropic SDKs already retry with backoff.
func (g *Gateway) handleMessagesExhausted(ctx *fasthttp.RequestCtx, req *providers.ChatRequest, ex *ExhaustedError, route string, start time.Time) string {
	if g.queue == nil || req.Stream {
		apierr.WriteAnthropic(ctx, fasthttp.StatusServiceUnavailable,
			apierr.TypeOverloadedError, ex.Error())
		return "unknown"
	}

	wait := time.Until(ex.EarliestAvailable)
	if wait > g.queue.AsyncThreshold() {
		apierr.WriteAnthropic(ctx, fasthttp.StatusServiceUnavailable,
			apierr.TypeOverloadedError, "all providers are currently overloaded")
		return "unknown"
	}

	res, err := g.queue.EnqueueSync(ctx, req, ex.EarliestAvailable)
	switch {
	case errors.Is(err, queue.ErrQueueFull):
		apierr.WriteAnthropic(ctx, fasthttp.StatusServiceUnavailable,
			apierr.TypeOverloadedError, "retry queue is full")
		return "unknown"
	case errors.Is(err, queue.ErrTimeout):
		apierr.WriteAnthropic(ctx, fasthttp.StatusRequestTimeout,
			apierr.TypeOverloadedError, "queued request timed out")
		return "unknown"
	case err != nil:
		apierr.WriteAnthropic(ctx, apierr.StatusClientClosedRequest,
			apierr.TypeInvalidRequest, "client closed request")
		return "unknown"
	}

	switch res.Status {
	case queue.StatusDone:
		setRoutedHeaders(ctx, res.Vendor, res.ServedModel)
		writeJSONStatus(ctx, fasthttp.StatusOK, anthropicResponse{
			ID:         orMsgID(res.ResponseID),
			Type:       "message",
			Role:       "assistant",
			Content:    []anthropicBlock{{Type: "text", Text: res.Content}},
			Model:      res.Model,
			StopReason: toStopReason(res.FinishReason),
			Usage: anthropicUsage{
				InputTokens:  res.Usage.InputTokens,
				OutputTokens: res.Usage.OutputTokens,
			},
		})
		g.logRequest(req.RequestID, res.Vendor, req.Model, route,
			res.Usage.InputTokens, res.Usage.OutputTokens,
			time.Since(start), fasthttp.StatusOK, true)
		return res.Vendor

	case queue.StatusExpired:
		apierr.WriteAnthropic(ctx, fasthttp.StatusRequestTimeout,
			apierr.TypeOverloadedError, "queued request timed out")
		return "unknown"

	default:
		apierr.WriteAnthropic(ctx, fasthttp.StatusBadGateway,
			apierr.TypeServerError, res.ErrorMessage)
		return "unknown"
	}
}

func orMsgID(id string) string {
	if id == "" {
		return "msg_" + uuid.NewString()
	}
	return id
}

// writeMessagesError maps router errors to Anthropic error envelopes.
func (g *Gateway) writeMessagesError(ctx *fasthttp.RequestCtx, reqID string, err error) {
	g.log.ErrorContext(ctx, "route_error",
		slog.String("request_id", reqID),
		slog.String("error", err.Error()),
	)

	var sc providers.StatusCoder
	switch {
	case errors.Is(err, context.Canceled):
		apierr.WriteAnthropic(ctx, apierr.StatusClientClosedRequest,
			apierr.TypeInvalidRequest, "client closed request")
	case errors.Is(err, context.DeadlineExceeded):
		apierr.WriteAnthropic(ctx, fasthttp.StatusGatewayTimeout,
			apierr.TypeServerError, "provider request timed out")
	case errors.As(err, &sc):
		status := sc.HTTPStatus()
		errType := apierr.TypeProviderError
		switch {
		case status == fasthttp.StatusTooManyRequests:
			errType = apierr.TypeRateLimitError
		case status >= 400 && status < 500:
			errType = apierr.TypeInvalidRequest
		default:
			status = fasthttp.StatusBadGateway
		}
		apierr.WriteAnthropic(ctx, status, errType, err.Error())
	default:
		apierr.WriteAnthropic(ctx, fasthttp.StatusBadGateway,
			apierr.TypeServerError, err.Error())
	}
}

// writeAnthropicSSE re-encodes the normalized stream as Anthropic SSE events
// in protocol order: message_start, ping, content_block_start, N deltas,
// content_block_stop, message_delta, message_stop.
func (g *Gateway) writeAnthropicSSE(ctx *fasthttp.RequestCtx, resp *providers.ChatResponse, onComplete func(outputTokens int)) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.Response.Header.Set("X-Accel-Buffering", "no")
	ctx.SetStatusCode(fasthttp.StatusOK)

	msgID := orMsgID(resp.ID)
	model := resp.Model

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer

		emit := func(event string, payload any) {
			data, _ := json.Marshal(payload)
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
			w.Flush() //nolint:errcheck
		}

		emit("message_start", map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":            msgID,
				"type":          "message",
				"role":          "assistant",
				"content":       []any{},
				"model":         model,
				"stop_reason":   nil,
				"stop_sequence": nil,
				"usage":         map[string]int{"input_tokens": 0, "output_tokens": 0},
			},
		})
		emit("ping", map[string]any{"type": "ping"})
		emit("content_block_start", map[string]any{
			"type":          "content_block_start",
			"index":         0,
			"content_block": map[string]string{"type": "text", "text": ""},
		})

		totalChars := 0
		finishReason := ""

		for chunk := range resp.Stream {
			if chunk.Err != nil {
				emit("error", map[string]any{
					"type": "error",
					"error": map[string]string{
						"type":    apierr.TypeServerError,
						"message": chunk.Err.Error(),
					},
				})
				return
			}
			if chunk.FinishReason != "" {
				finishReason = chunk.FinishReason
			}
			if chunk.Content == "" {
				continue
			}
			totalChars += len(chunk.Content)
			emit("content_block_delta", map[string]any{
				"type":  "content_block_delta",
				"index": 0,
				"delta": map[string]string{"type": "text_delta", "text": chunk.Content},
			})
		}

		estimated := totalChars / 4
		if estimated == 0 {
			estimated = 1
		}

		emit("content_block_stop", map[string]any{
			"type":  "content_block_stop",
			"index": 0,
		})
		emit("message_delta", map[string]any{
			"type": "message_delta",
			"delta": map[string]any{
				"stop_reason":   toStopReason(finishReason),
				"stop_sequence": nil,
			},
			"usage": map[string]int{"output_tokens": estimated},
		})
		emit("message_stop", map[string]any{"type": "message_stop"})

		if onComplete != nil {
			onComplete(estimated)
		}
	})
}
