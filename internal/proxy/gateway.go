// Package proxy is the core request dispatcher.
//
// The Gateway receives an incoming OpenAI-compatible (or native Anthropic)
// request, builds the fallback chain for the requested model, and walks it
// until a vendor answers. When the whole chain is unavailable the request is
// parked in the deferred-retry queue instead of failing outright.
//
// Key design constraints:
//   - Queue, metrics, and request logger are optional and nil-safe.
//   - All upstream I/O uses context.Context so timeouts propagate correctly.
//   - Streaming responses are re-encoded SSE; they are never queued.
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

	"github.com/nulpointcorp/ai-router/internal/logger"
	"github.com/nulpointcorp/ai-router/internal/metrics"
	"github.com/nulpointcorp/ai-router/internal/providers"
	"github.com/nulpointcorp/ai-router/internal/queue"
	"github.com/nulpointcorp/ai-router/pkg/apierr"
)

// Routed-reply headers.
const (
	headerProvider = "x-ai-router-provider"
	headerModel    = "x-ai-router-model"
)

// GatewayOptions holds optional tuning parameters for a Gateway.
type GatewayOptions struct {
	// Logger is the structured logger used for request events and failover
	// diagnostics. Defaults to slog.Default when nil.
	Logger *slog.Logger

	// Metrics enables Prometheus metrics collection. When nil, disabled.
	Metrics *metrics.Metrics

	// RequestLogger is the async batched request logger. Optional.
	RequestLogger *logger.Logger

	// Version is reported by GET /health.
	Version string
}

// Gateway is the HTTP surface — all dependencies are injected via the
// constructor so they can be replaced with mock doubles in unit tests.
type Gateway struct {
	router  *Router
	queue   *queue.Queue
	log     *slog.Logger
	metrics *metrics.Metrics

	reqLogger *logger.Logger
	version   string

	// CORS allowed origins. Empty slice or ["*"] means allow all.
	corsOrigins []string

	// apiKey guards the inference routes. Empty disables auth (tests only).
	apiKey string
}

// NewGateway creates a Gateway around a Router and an optional queue.
func NewGateway(r *Router, q *queue.Queue, opts GatewayOptions) *Gateway {
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	version := opts.Version
	if version == "" {
		version = "dev"
	}

	gw := &Gateway{
		router:    r,
		queue:     q,
		log:       log,
		metrics:   opts.Metrics,
		reqLogger: opts.RequestLogger,
		version:   version,
	}

	// Initialise circuit breaker gauges (closed) for configured vendors.
	if gw.metrics != nil && r != nil && r.Breaker() != nil {
		for _, name := range r.Vendors() {
			gw.metrics.SetCircuitBreaker(name, int64(r.Breaker().State(name)))
		}
	}

	return gw
}

// SetCORSOrigins configures the allowed CORS origins.
func (g *Gateway) SetCORSOrigins(origins []string) { g.corsOrigins = origins }

// SetAPIKey configures the router API key checked by the auth middleware.
func (g *Gateway) SetAPIKey(key string) { g.apiKey = key }

// ── OpenAI-shaped response envelopes ─────────────────────────────────────────

type (
	outboundUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	outboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	outboundChoice struct {
		Index        int             `json:"index"`
		Message      outboundMessage `json:"message"`
		FinishReason string          `json:"finish_reason"`
	}

	outboundResponse struct {
		ID      string           `json:"id"`
		Object  string           `json:"object"`
		Created int64            `json:"created"`
		Model   string           `json:"model"`
		Choices []outboundChoice `json:"choices"`
		Usage   outboundUsage    `json:"usage"`
	}

	queuedResponse struct {
		ID              string `json:"id"`
		Object          string `json:"object"`
		Status          string `json:"status"`
		EstimatedWaitMs int64  `json:"estimated_wait_ms"`
		PollURL         string `json:"poll_url"`
	}
)

func chatCompletionEnvelope(id, model, content, finishReason string, usage providers.Usage) outboundResponse {
	if id == "" {
		id = "chatcmpl-" + uuid.NewString()
	}
	if finishReason == "" {
		finishReason = "stop"
	}
	return outboundResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []outboundChoice{
			{
				Index:        0,
				Message:      outboundMessage{Role: "assistant", Content: content},
				FinishReason: finishReason,
			},
		},
		Usage: outboundUsage{
			PromptTokens:     usage.InputTokens,
			CompletionTokens: usage.OutputTokens,
			TotalTokens:      usage.InputTokens + usage.OutputTokens,
		},
	}
}

// dispatchChat is the core handler for POST /v1/chat/completions.
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "chat_completions"
	servedVendor := "unknown"
	streaming := false

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil || streaming {
			return // streaming is finalised by the stream writer
		}
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start))
		g.metrics.RecordRequest(servedVendor, ctx.Response.StatusCode())
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	// 1. Parse and validate.
	var req providers.ChatRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if req.Model == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'model' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if len(req.Messages) == 0 {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'messages' must not be empty",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	req.RequestID = reqID

	g.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("model", req.Model),
		slog.Bool("stream", req.Stream),
	)

	// 2. Walk the fallback chain.
	resp, vendor, err := g.router.Execute(ctx, &req)
	if err != nil {
		var exhausted *ExhaustedError
		if errors.As(err, &exhausted) {
			servedVendor = g.handleExhausted(ctx, &req, exhausted, route, start)
			return
		}
		g.writeRouteError(ctx, reqID, err)
		g.logRequest(reqID, servedVendor, req.Model, route, 0, 0, time.Since(start), ctx.Response.StatusCode(), false)
		return
	}
	servedVendor = vendor
	setRoutedHeaders(ctx, vendor, resp.ServedModel)

	// 3a. Streaming — re-encode as OpenAI chunk SSE.
	if req.Stream && resp.Stream != nil {
		streaming = true
		g.writeSSE(ctx, resp, func(outputTokens int) {
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

	// 3b. Non-streaming.
	out := chatCompletionEnvelope(resp.ID, resp.Model, resp.Content, resp.FinishReason, resp.Usage)
	writeJSONStatus(ctx, fasthttp.StatusOK, out)

	if g.metrics != nil {
		g.metrics.AddTokens(vendor, route, resp.Usage.InputTokens, resp.Usage.OutputTokens)
	}
	g.logRequest(reqID, vendor, req.Model, route,
		resp.Usage.InputTokens, resp.Usage.OutputTokens,
		time.Since(start), fasthttp.StatusOK, false)

	g.log.DebugContext(ctx, "response_ok",
		slog.String("request_id", reqID),
		slog.String("vendor", vendor),
		slog.String("model", resp.ServedModel),
		slog.Int("input_tokens", resp.Usage.InputTokens),
		slog.Int("output_tokens", resp.Usage.OutputTokens),
		slog.Duration("elapsed", time.Since(start)),
	)
}

// handleExhausted parks a chat request in the deferred-retry queue: inline
// when the predicted wait is short, as an async poll job otherwise. Streaming
// requests are not queued — holding an unopened SSE stream for tens of
// seconds helps nobody, so they get the 503 directly.
// Returns the vendor that ultimately served the request, or "queue".
func (g *Gateway) handleExhausted(ctx *fasthttp.RequestCtx, req *providers.ChatRequest, ex *ExhaustedError, route string, start time.Time) string {
	if g.queue == nil || req.Stream {
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable,
			ex.Error(), apierr.TypeServerError, apierr.CodeProviderError)
		return "unknown"
	}

	reqID := req.RequestID
	return g.queueExhausted(ctx, ex, reqID, req.Model,
		func(c context.Context, at time.Time) (queue.Result, error) {
			return g.queue.EnqueueSync(c, req, at)
		},
		func(at time.Time) (*queue.Handle, error) {
			return g.queue.EnqueueAsync(req, at)
		},
		func(res queue.Result) {
			out := chatCompletionEnvelope(res.ResponseID, res.Model, res.Content, res.FinishReason, res.Usage)
			writeJSONStatus(ctx, fasthttp.StatusOK, out)
			g.logRequest(reqID, res.Vendor, req.Model, route,
				res.Usage.InputTokens, res.Usage.OutputTokens,
				time.Since(start), fasthttp.StatusOK, true)
		},
	)
}

// queueExhausted applies the shared hand-off policy for an exhausted chain:
// sync replay inline when the predicted wait is within the async threshold,
// a 202 poll handle otherwise. writeDone renders a successful replay; the
// routed headers are already set when it runs.
func (g *Gateway) queueExhausted(
	ctx *fasthttp.RequestCtx,
	ex *ExhaustedError,
	requestID, model string,
	enqueueSync func(context.Context, time.Time) (queue.Result, error),
	enqueueAsync func(time.Time) (*queue.Handle, error),
	writeDone func(queue.Result),
) string {
	wait := time.Until(ex.EarliestAvailable)
	if wait < 0 {
		wait = 0
	}

	g.log.InfoContext(ctx, "chain_exhausted",
		slog.String("request_id", requestID),
		slog.String("model", model),
		slog.Duration("estimated_wait", wait),
	)

	// Short wait: hold the request open and deliver in-band.
	if wait <= g.queue.AsyncThreshold() {
		res, err := enqueueSync(ctx, ex.EarliestAvailable)
		switch {
		case errors.Is(err, queue.ErrQueueFull):
			apierr.WriteQueueFull(ctx)
			return "unknown"
		case errors.Is(err, queue.ErrTimeout):
			apierr.WriteQueueTimeout(ctx)
			return "unknown"
		case err != nil:
			apierr.WriteCancelled(ctx)
			return "unknown"
		}

		switch res.Status {
		case queue.StatusDone:
			setRoutedHeaders(ctx, res.Vendor, res.ServedModel)
			writeDone(res)
		case queue.StatusExpired:
			apierr.WriteQueueTimeout(ctx)
		default: // error
			apierr.WriteProviderError(ctx, res.ErrorStatus, res.ErrorMessage)
		}
		return res.Vendor
	}

	// Long wait: hand back a poll handle.
	handle, err := enqueueAsync(ex.EarliestAvailable)
	if errors.Is(err, queue.ErrQueueFull) {
		apierr.WriteQueueFull(ctx)
		return "unknown"
	}
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable,
			err.Error(), apierr.TypeServerError, apierr.CodeInternalError)
		return "unknown"
	}

	writeJSONStatus(ctx, fasthttp.StatusAccepted, queuedResponse{
		ID:              handle.ID,
		Object:          "queue.job",
		Status:          queue.StatusPending,
		EstimatedWaitMs: handle.EstimatedWait.Milliseconds(),
		PollURL:         "/v1/queue/" + handle.ID,
	})
	return "queue"
}

// handleQueuePoll serves GET /v1/queue/{jobId}.
func (g *Gateway) handleQueuePoll(ctx *fasthttp.RequestCtx) {
	if g.queue == nil {
		apierr.Write(ctx, fasthttp.StatusNotFound,
			"queue disabled", apierr.TypeInvalidRequest, apierr.CodeNotFound)
		return
	}

	jobID, _ := ctx.UserValue("jobId").(string)
	res, ok := g.queue.Poll(ctx, jobID)
	if !ok {
		apierr.Write(ctx, fasthttp.StatusNotFound,
			fmt.Sprintf("unknown job %q", jobID),
			apierr.TypeInvalidRequest, apierr.CodeNotFound)
		return
	}

	switch res.Status {
	case queue.StatusPending:
		writeJSONStatus(ctx, fasthttp.StatusAccepted, queuedResponse{
			ID:              jobID,
			Object:          "queue.job",
			Status:          queue.StatusPending,
			EstimatedWaitMs: res.EstimatedWaitMs,
			PollURL:         "/v1/queue/" + jobID,
		})

	case queue.StatusDone:
		setRoutedHeaders(ctx, res.Vendor, res.ServedModel)
		switch res.Capability {
		case providers.CapabilityImages:
			writeJSONStatus(ctx, fasthttp.StatusOK, imageEnvelope(res.ImagesCreated, res.Images))
		case providers.CapabilityEmbeddings:
			writeJSONStatus(ctx, fasthttp.StatusOK, embeddingEnvelope(res.Model, res.Embeddings, res.Usage))
		default:
			out := chatCompletionEnvelope(res.ResponseID, res.Model, res.Content, res.FinishReason, res.Usage)
			writeJSONStatus(ctx, fasthttp.StatusOK, out)
		}

	case queue.StatusExpired:
		apierr.WriteQueueTimeout(ctx)

	default: // error
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			res.ErrorMessage, apierr.TypeServerError, apierr.CodeInternalError)
	}
}

// ── Images ───────────────────────────────────────────────────────────────────

type (
	inboundImageRequest struct {
		Model  string `json:"model"`
		Prompt string `json:"prompt"`
		N      int    `json:"n"`
		Size   string `json:"size"`
	}

	outboundImageData struct {
		B64JSON       string `json:"b64_json"`
		RevisedPrompt string `json:"revised_prompt,omitempty"`
	}

	outboundImageResponse struct {
		Created int64               `json:"created"`
		Data    []outboundImageData `json:"data"`
	}
)

func imageEnvelope(created int64, data []providers.ImageData) outboundImageResponse {
	out := outboundImageResponse{
		Created: created,
		Data:    make([]outboundImageData, len(data)),
	}
	for i, d := range data {
		out.Data[i] = outboundImageData{B64JSON: d.B64JSON, RevisedPrompt: d.RevisedPrompt}
	}
	return out
}

// dispatchImages handles POST /v1/images/generations.
func (g *Gateway) dispatchImages(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "images"
	servedVendor := "unknown"

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
			return
		}
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start))
		g.metrics.RecordRequest(servedVendor, ctx.Response.StatusCode())
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	var req inboundImageRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if req.Prompt == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'prompt' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if req.Model == "" {
		req.Model = "dall-e-3"
	}

	imgReq := &providers.ImageRequest{
		Prompt:    req.Prompt,
		Model:     req.Model,
		N:         req.N,
		Size:      req.Size,
		RequestID: reqID,
	}

	resp, vendor, err := g.router.ExecuteImage(ctx, imgReq)
	if err != nil {
		var exhausted *ExhaustedError
		if errors.As(err, &exhausted) {
			servedVendor = g.handleImagesExhausted(ctx, imgReq, exhausted)
			return
		}
		g.writeRouteError(ctx, reqID, err)
		return
	}
	servedVendor = vendor
	setRoutedHeaders(ctx, vendor, resp.ServedModel)

	writeJSONStatus(ctx, fasthttp.StatusOK, imageEnvelope(resp.Created, resp.Data))

	g.logRequest(reqID, vendor, req.Model, route, 0, 0, time.Since(start), fasthttp.StatusOK, false)
}

// handleImagesExhausted parks an image request in the queue under the same
// policy as chat.
func (g *Gateway) handleImagesExhausted(ctx *fasthttp.RequestCtx, req *providers.ImageRequest, ex *ExhaustedError) string {
	if g.queue == nil {
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable,
			ex.Error(), apierr.TypeServerError, apierr.CodeProviderError)
		return "unknown"
	}

	return g.queueExhausted(ctx, ex, req.RequestID, req.Model,
		func(c context.Context, at time.Time) (queue.Result, error) {
			return g.queue.EnqueueImageSync(c, req, at)
		},
		func(at time.Time) (*queue.Handle, error) {
			return g.queue.EnqueueImageAsync(req, at)
		},
		func(res queue.Result) {
			writeJSONStatus(ctx, fasthttp.StatusOK, imageEnvelope(res.ImagesCreated, res.Images))
		},
	)
}

// ── Embeddings ───────────────────────────────────────────────────────────────

type (
	// inboundEmbeddingRequest mirrors the OpenAI POST /v1/embeddings body.
	// The "input" field accepts a string or array of strings.
	inboundEmbeddingRequest struct {
		Model string          `json:"model"`
		Input json.RawMessage `json:"input"`
	}

	outboundEmbeddingData struct {
		Object    string    `json:"object"`
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	}

	outboundEmbeddingUsage struct {
		PromptTokens int `json:"prompt_tokens"`
		TotalTokens  int `json:"total_tokens"`
	}

	outboundEmbeddingResponse struct {
		Object string                  `json:"object"`
		Data   []outboundEmbeddingData `json:"data"`
		Model  string                  `json:"model"`
		Usage  outboundEmbeddingUsage  `json:"usage"`
	}
)

func embeddingEnvelope(model string, data []providers.EmbeddingData, usage providers.Usage) outboundEmbeddingResponse {
	out := outboundEmbeddingResponse{
		Object: "list",
		Data:   make([]outboundEmbeddingData, len(data)),
		Model:  model,
		Usage: outboundEmbeddingUsage{
			PromptTokens: usage.InputTokens,
			TotalTokens:  usage.InputTokens,
		},
	}
	for i, d := range data {
		out.Data[i] = outboundEmbeddingData{
			Object:    "embedding",
			Index:     d.Index,
			Embedding: d.Embedding,
		}
	}
	return out
}

// parseEmbeddingInput converts the raw JSON "input" field into []string.
func parseEmbeddingInput(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("'input' is required")
	}
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil {
		if len(arr) == 0 {
			return nil, fmt.Errorf("'input' must not be empty")
		}
		return arr, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil, fmt.Errorf("'input' must not be empty")
		}
		return []string{s}, nil
	}
	return nil, fmt.Errorf("'input' must be a string or array of strings")
}

// dispatchEmbeddings handles POST /v1/embeddings.
func (g *Gateway) dispatchEmbeddings(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	route := "embeddings"
	servedVendor := "unknown"

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
			return
		}
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start))
		g.metrics.RecordRequest(servedVendor, ctx.Response.StatusCode())
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	var req inboundEmbeddingRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if req.Model == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'model' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	inputs, err := parseEmbeddingInput(req.Input)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	embReq := &providers.EmbeddingRequest{
		Input:     inputs,
		Model:     req.Model,
		RequestID: reqID,
	}

	resp, vendor, err := g.router.ExecuteEmbedding(ctx, embReq)
	if err != nil {
		var exhausted *ExhaustedError
		if errors.As(err, &exhausted) {
			servedVendor = g.handleEmbeddingsExhausted(ctx, embReq, exhausted)
			return
		}
		g.writeRouteError(ctx, reqID, err)
		return
	}
	servedVendor = vendor
	setRoutedHeaders(ctx, vendor, resp.ServedModel)

	writeJSONStatus(ctx, fasthttp.StatusOK, embeddingEnvelope(resp.Model, resp.Data, resp.Usage))

	g.logRequest(reqID, vendor, req.Model, route,
		resp.Usage.InputTokens, 0, time.Since(start), fasthttp.StatusOK, false)
}

// handleEmbeddingsExhausted parks an embedding request in the queue under the
// same policy as chat.
func (g *Gateway) handleEmbeddingsExhausted(ctx *fasthttp.RequestCtx, req *providers.EmbeddingRequest, ex *ExhaustedError) string {
	if g.queue == nil {
		apierr.Write(ctx, fasthttp.StatusServiceUnavailable,
			ex.Error(), apierr.TypeServerError, apierr.CodeProviderError)
		return "unknown"
	}

	return g.queueExhausted(ctx, ex, req.RequestID, req.Model,
		func(c context.Context, at time.Time) (queue.Result, error) {
			return g.queue.EnqueueEmbeddingSync(c, req, at)
		},
		func(at time.Time) (*queue.Handle, error) {
			return g.queue.EnqueueEmbeddingAsync(req, at)
		},
		func(res queue.Result) {
			writeJSONStatus(ctx, fasthttp.StatusOK, embeddingEnvelope(res.Model, res.Embeddings, res.Usage))
		},
	)
}

// ── Status endpoints ─────────────────────────────────────────────────────────

type vendorStatus struct {
	Vendor       string `json:"vendor"`
	Circuit      string `json:"circuit"`
	FailureCount int    `json:"failure_count"`
}

// handleProvidersStatus serves GET /v1/providers/status.
func (g *Gateway) handleProvidersStatus(ctx *fasthttp.RequestCtx) {
	out := struct {
		Providers  []vendorStatus             `json:"providers"`
		RateLimits map[string]ratelimitStateV `json:"rate_limits"`
		Queue      struct {
			Depth int `json:"depth"`
		} `json:"queue"`
	}{
		RateLimits: map[string]ratelimitStateV{},
	}

	cb := g.router.Breaker()
	for _, vendor := range g.router.Vendors() {
		vs := vendorStatus{Vendor: vendor, Circuit: "closed"}
		if cb != nil {
			vs.Circuit = cb.StateLabel(vendor)
			vs.FailureCount = cb.FailureCount(vendor)
		}
		out.Providers = append(out.Providers, vs)
	}

	if tr := g.router.Tracker(); tr != nil {
		for key, st := range tr.Snapshot() {
			out.RateLimits[key] = ratelimitStateV{
				CoolingDown:       st.CoolingDown,
				CooldownUntil:     st.CooldownUntil,
				RemainingRequests: st.RemainingRequests,
				ResetRequestsAt:   st.ResetRequestsAt,
			}
		}
	}
	if g.queue != nil {
		out.Queue.Depth = g.queue.Depth()
	}

	writeJSON(ctx, out)
}

type ratelimitStateV struct {
	CoolingDown       bool      `json:"cooling_down"`
	CooldownUntil     time.Time `json:"cooldown_until,omitzero"`
	RemainingRequests int       `json:"remaining_requests"`
	ResetRequestsAt   time.Time `json:"reset_requests_at,omitzero"`
}

// handleHealth serves GET /health.
func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"service":   "ai-router",
		"version":   g.version,
	})
}

// ── Shared plumbing ──────────────────────────────────────────────────────────

// writeRouteError maps router errors to the appropriate HTTP response.
//
//	context.Canceled          → 499 (client went away)
//	context.DeadlineExceeded  → 504
//	StatusCoder               → status-dependent pass-through
//	everything else           → 502
func (g *Gateway) writeRouteError(ctx *fasthttp.RequestCtx, reqID string, err error) {
	g.log.ErrorContext(ctx, "route_error",
		slog.String("request_id", reqID),
		slog.String("error", err.Error()),
	)

	switch {
	case errors.Is(err, context.Canceled):
		apierr.WriteCancelled(ctx)
	case errors.Is(err, context.DeadlineExceeded):
		apierr.WriteTimeout(ctx)
	default:
		var sc providers.StatusCoder
		if errors.As(err, &sc) {
			apierr.WriteProviderError(ctx, sc.HTTPStatus(), err.Error())
			return
		}
		apierr.Write(ctx, fasthttp.StatusBadGateway,
			err.Error(), apierr.TypeProviderError, apierr.CodeProviderError)
	}
}

func setRoutedHeaders(ctx *fasthttp.RequestCtx, vendor, model string) {
	if vendor != "" {
		ctx.Response.Header.Set(headerProvider, vendor)
	}
	if model != "" {
		ctx.Response.Header.Set(headerModel, model)
	}
}

// logRequest enqueues a RequestLog entry to the async logger. Never blocks.
func (g *Gateway) logRequest(
	requestID, vendor, model, route string,
	inputTokens, outputTokens int,
	latency time.Duration,
	status int,
	queued bool,
) {
	if g.reqLogger == nil {
		return
	}

	reqUUID, _ := uuid.Parse(requestID)

	// Clamp to uint16 max so we don't overflow the field.
	latencyMs := uint16(latency.Milliseconds())
	if latency.Milliseconds() > 65535 {
		latencyMs = 65535
	}

	g.reqLogger.Log(logger.RequestLog{
		ID:           reqUUID,
		Vendor:       vendor,
		Model:        model,
		Route:        route,
		InputTokens:  uint32(inputTokens),
		OutputTokens: uint32(outputTokens),
		LatencyMs:    latencyMs,
		Status:       uint16(status),
		Queued:       queued,
		CreatedAt:    time.Now(),
	})
}

// writeSSE streams response chunks as OpenAI chat.completion.chunk events.
// The first event carries the assistant role; the final event carries the
// finish reason; the stream terminates with "data: [DONE]".
// onComplete is called once the stream drains with an estimated output token
// count (≈ chars/4), enabling async logging for streaming requests.
func (g *Gateway) writeSSE(ctx *fasthttp.RequestCtx, resp *providers.ChatResponse, onComplete func(outputTokens int)) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.Response.Header.Set("X-Accel-Buffering", "no")
	ctx.SetStatusCode(fasthttp.StatusOK)

	streamID := resp.ID
	if streamID == "" {
		streamID = "chatcmpl-" + uuid.NewString()
	}
	model := resp.Model
	created := time.Now().Unix()

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer

		totalChars := 0
		first := true

		for chunk := range resp.Stream {
			if chunk.Err != nil {
				// Mid-stream failure: emit an error payload and stop
				// without [DONE] so clients can tell the stream broke.
				data, _ := json.Marshal(map[string]any{
					"error": map[string]string{
						"message": chunk.Err.Error(),
						"type":    apierr.TypeProviderError,
						"code":    apierr.CodeProviderError,
					},
				})
				fmt.Fprintf(w, "data: %s\n\n", data)
				w.Flush() //nolint:errcheck
				return
			}

			totalChars += len(chunk.Content)

			delta := map[string]any{}
			if first {
				delta["role"] = "assistant"
				first = false
			}
			if chunk.Content != "" {
				delta["content"] = chunk.Content
			}

			event := map[string]any{
				"id":      streamID,
				"object":  "chat.completion.chunk",
				"created": created,
				"model":   model,
				"choices": []map[string]any{
					{
						"index": 0,
						"delta": delta,
						"finish_reason": func() any {
							if chunk.FinishReason != "" {
								return chunk.FinishReason
							}
							return nil
						}(),
					},
				},
			}
			data, _ := json.Marshal(event)
			fmt.Fprintf(w, "data: %s\n\n", data)
			w.Flush() //nolint:errcheck
		}

		fmt.Fprint(w, "data: [DONE]\n\n")
		w.Flush() //nolint:errcheck

		// Estimate output tokens: ~4 characters per token.
		estimated := totalChars / 4
		if estimated == 0 {
			estimated = 1
		}
		if onComplete != nil {
			onComplete(estimated)
		}
	})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}

func writeJSONStatus(ctx *fasthttp.RequestCtx, status int, v any) {
	ctx.SetStatusCode(status)
	writeJSON(ctx, v)
}
