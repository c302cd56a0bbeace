package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nulpointcorp/ai-router/internal/catalog"
	"github.com/nulpointcorp/ai-router/internal/metrics"
	"github.com/nulpointcorp/ai-router/internal/providers"
	"github.com/nulpointcorp/ai-router/internal/ratelimit"
)

// Candidate is one (vendor, vendor-model) step of a fallback chain, paired
// with the adapter that serves it.
type Candidate struct {
	Vendor   string
	Model    string
	Provider providers.Provider
}

// ExhaustedError is returned when every candidate in the chain was skipped or
// failed with a retryable error. It carries the chain and the earliest instant
// any candidate is expected to accept traffic, so the caller can decide
// between queueing modes.
type ExhaustedError struct {
	Model             string
	Candidates        []ratelimit.Candidate
	EarliestAvailable time.Time
	LastErr           error
}

func (e *ExhaustedError) Error() string {
	if e.LastErr != nil {
		return fmt.Sprintf("all providers exhausted for %q: %v", e.Model, e.LastErr)
	}
	return fmt.Sprintf("all providers exhausted for %q", e.Model)
}

func (e *ExhaustedError) Unwrap() error { return e.LastErr }

// RetryAt returns the earliest instant any candidate is expected to accept
// traffic. The queue schedules its next drain from this.
func (e *ExhaustedError) RetryAt() time.Time { return e.EarliestAvailable }

// HTTPStatus implements providers.StatusCoder.
func (e *ExhaustedError) HTTPStatus() int { return http.StatusServiceUnavailable }

// Router owns the fallback chain logic: it builds the per-request candidate
// list from the model catalog and the configured vendor priority, then walks
// it skipping vendors the circuit breaker or rate-limit tracker rules out.
type Router struct {
	providers map[string]providers.Provider
	catalog   *catalog.Catalog
	priority  []string

	cb      *CircuitBreaker
	tracker *ratelimit.Tracker
	metrics *metrics.Metrics
	log     *slog.Logger
}

// NewRouter assembles a Router. priority is the vendor order used for every
// chain; vendors without a configured adapter are skipped at chain-build time.
func NewRouter(
	provs map[string]providers.Provider,
	cat *catalog.Catalog,
	priority []string,
	cb *CircuitBreaker,
	tracker *ratelimit.Tracker,
	m *metrics.Metrics,
	log *slog.Logger,
) *Router {
	if log == nil {
		log = slog.Default()
	}
	if len(priority) == 0 {
		priority = providers.DefaultPriority
	}
	return &Router{
		providers: provs,
		catalog:   cat,
		priority:  priority,
		cb:        cb,
		tracker:   tracker,
		metrics:   m,
		log:       log,
	}
}

// BuildChain resolves model into an ordered candidate list.
//
// Known models map through the catalog: one candidate per priority vendor
// that both has a translation for the model and has a configured adapter.
// Unknown models produce a single candidate: the first configured vendor,
// carrying the model name untranslated.
func (r *Router) BuildChain(model string) []Candidate {
	mapping := r.catalog.FindMapping(model)
	known := mapping != nil

	var chain []Candidate
	for _, vendor := range r.priority {
		prov, ok := r.providers[vendor]
		if !ok {
			continue
		}

		if !known {
			chain = append(chain, Candidate{Vendor: vendor, Model: model, Provider: prov})
			return chain
		}

		vendorModel := mapping.ModelForVendor(vendor)
		if vendorModel == "" {
			continue
		}
		chain = append(chain, Candidate{Vendor: vendor, Model: vendorModel, Provider: prov})
	}
	return chain
}

// Execute walks the fallback chain for req.Model until one candidate returns
// a successful response.
//
// Skip rules (proactive, no upstream call):
//   - circuit breaker does not Allow the vendor
//   - rate-limit tracker predicts the (vendor, model) pair is unavailable
//
// Failure rules (after an upstream call):
//   - 429           → tracker cooldown, breaker untouched, try next
//   - 5xx/transport → breaker failure recorded, try next
//   - other 4xx     → propagated to the caller unchanged; later vendors
//     would reject the same request for the same reason
//
// Returns the response and the vendor that served it, or an *ExhaustedError
// when the whole chain was skipped or failed retryably.
func (r *Router) Execute(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, string, error) {
	chain := r.BuildChain(req.Model)
	if len(chain) == 0 {
		return nil, "", &ExhaustedError{
			Model:             req.Model,
			EarliestAvailable: time.Now(),
		}
	}

	var lastErr error
	prevVendor := ""
	prevReason := ""

	for _, c := range chain {
		// Tracker first: breaker.Allow consumes the half-open probe slot, so
		// it must only run for candidates that will actually be dispatched.
		if r.tracker != nil && r.tracker.ShouldAvoid(c.Vendor, c.Model) {
			r.log.InfoContext(ctx, "rate_limit_skip",
				slog.String("request_id", req.RequestID),
				slog.String("vendor", c.Vendor),
				slog.String("model", c.Model),
			)
			if r.metrics != nil {
				r.metrics.RecordRateLimitSkip(c.Vendor, c.Model)
			}
			continue
		}

		if r.cb != nil && !r.cb.Allow(c.Vendor) {
			r.log.WarnContext(ctx, "circuit_breaker_open",
				slog.String("request_id", req.RequestID),
				slog.String("vendor", c.Vendor),
			)
			if r.metrics != nil {
				r.metrics.RecordCircuitBreakerRejection(c.Vendor, r.cb.StateLabel(c.Vendor))
				r.metrics.SetCircuitBreaker(c.Vendor, int64(r.cb.State(c.Vendor)))
			}
			continue
		}

		if prevVendor != "" && r.metrics != nil {
			r.metrics.RecordFailover(chain[0].Vendor, prevVendor, c.Vendor, prevReason)
		}

		start := time.Now()
		resp, err := c.Provider.Chat(ctx, c.Model, req)
		dur := time.Since(start)

		if err == nil {
			resp.ServedModel = c.Model
			r.recordSuccess(ctx, chain[0], c, req.RequestID, resp.Status, resp.Headers, dur, "chat")
			return resp, c.Vendor, nil
		}

		abort, reason := r.recordFailure(ctx, c, req.RequestID, err, dur, "chat")
		if abort {
			return nil, "", err
		}

		lastErr = err
		prevVendor = c.Vendor
		prevReason = reason
	}

	if r.metrics != nil {
		r.metrics.RecordFailoverExhausted(chain[0].Vendor)
	}
	return nil, "", r.exhausted(req.Model, chain, lastErr)
}

// ExecuteImage walks the chain for an image generation request. Only vendors
// with an image translation and an ImageProvider adapter participate.
func (r *Router) ExecuteImage(ctx context.Context, req *providers.ImageRequest) (*providers.ImageResponse, string, error) {
	chain := r.BuildChain(req.Model)

	var lastErr error
	attempted := false

	for _, c := range chain {
		imgProv, ok := c.Provider.(providers.ImageProvider)
		if !ok {
			continue
		}
		if r.tracker != nil && r.tracker.ShouldAvoid(c.Vendor, c.Model) {
			continue
		}
		if r.cb != nil && !r.cb.Allow(c.Vendor) {
			continue
		}
		attempted = true

		start := time.Now()
		resp, err := imgProv.GenerateImage(ctx, c.Model, req)
		dur := time.Since(start)

		if err == nil {
			resp.ServedModel = c.Model
			r.recordSuccess(ctx, chain[0], c, req.RequestID, http.StatusOK, nil, dur, "images")
			return resp, c.Vendor, nil
		}

		abort, _ := r.recordFailure(ctx, c, req.RequestID, err, dur, "images")
		if abort {
			return nil, "", err
		}
		lastErr = err
	}

	if attempted && r.metrics != nil {
		r.metrics.RecordFailoverExhausted(chain[0].Vendor)
	}
	return nil, "", r.exhausted(req.Model, chain, lastErr)
}

// ExecuteEmbedding walks the chain for an embedding request.
func (r *Router) ExecuteEmbedding(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, string, error) {
	chain := r.BuildChain(req.Model)

	var lastErr error
	attempted := false

	for _, c := range chain {
		embProv, ok := c.Provider.(providers.EmbeddingProvider)
		if !ok {
			continue
		}
		if r.tracker != nil && r.tracker.ShouldAvoid(c.Vendor, c.Model) {
			continue
		}
		if r.cb != nil && !r.cb.Allow(c.Vendor) {
			continue
		}
		attempted = true

		start := time.Now()
		resp, err := embProv.Embed(ctx, c.Model, req)
		dur := time.Since(start)

		if err == nil {
			resp.ServedModel = c.Model
			r.recordSuccess(ctx, chain[0], c, req.RequestID, http.StatusOK, nil, dur, "embeddings")
			return resp, c.Vendor, nil
		}

		abort, _ := r.recordFailure(ctx, c, req.RequestID, err, dur, "embeddings")
		if abort {
			return nil, "", err
		}
		lastErr = err
	}

	if attempted && r.metrics != nil {
		r.metrics.RecordFailoverExhausted(chain[0].Vendor)
	}
	return nil, "", r.exhausted(req.Model, chain, lastErr)
}

// Breaker exposes the circuit breaker for status snapshots.
func (r *Router) Breaker() *CircuitBreaker { return r.cb }

// Tracker exposes the rate-limit tracker for status snapshots.
func (r *Router) Tracker() *ratelimit.Tracker { return r.tracker }

// Vendors returns the configured vendors in priority order.
func (r *Router) Vendors() []string {
	out := make([]string, 0, len(r.priority))
	for _, v := range r.priority {
		if _, ok := r.providers[v]; ok {
			out = append(out, v)
		}
	}
	return out
}

func (r *Router) recordSuccess(ctx context.Context, primary, served Candidate, requestID string, status int, headers http.Header, dur time.Duration, route string) {
	if r.tracker != nil {
		r.tracker.Update(served.Vendor, served.Model, status, headers)
	}
	if r.cb != nil {
		r.cb.RecordSuccess(served.Vendor)
	}
	if r.metrics != nil {
		r.metrics.ObserveUpstreamAttempt(served.Vendor, route, "success", dur)
		r.metrics.SetCircuitBreaker(served.Vendor, int64(r.cb.State(served.Vendor)))
		if served.Vendor != primary.Vendor {
			r.metrics.RecordFailoverSuccess(primary.Vendor, served.Vendor)
		}
	}
	if served.Vendor != primary.Vendor {
		r.log.InfoContext(ctx, "failover_success",
			slog.String("request_id", requestID),
			slog.String("from", primary.Vendor),
			slog.String("to", served.Vendor),
			slog.Int64("latency_ms", dur.Milliseconds()),
		)
	}
}

// recordFailure applies the per-error bookkeeping and reports whether the
// chain walk must abort (non-retryable client error or cancelled context).
func (r *Router) recordFailure(ctx context.Context, c Candidate, requestID string, err error, dur time.Duration, route string) (abort bool, reason string) {
	reason = classifyError(err)

	if r.metrics != nil {
		r.metrics.ObserveUpstreamAttempt(c.Vendor, route, reason, dur)
		r.metrics.RecordError(c.Vendor, reason)
	}
	r.log.WarnContext(ctx, "provider_attempt_failed",
		slog.String("request_id", requestID),
		slog.String("vendor", c.Vendor),
		slog.String("model", c.Model),
		slog.String("reason", reason),
		slog.Int64("latency_ms", dur.Milliseconds()),
		slog.String("error", err.Error()),
	)

	if errors.Is(err, context.Canceled) {
		return true, reason
	}

	status := statusOf(err)
	switch {
	case status == http.StatusTooManyRequests:
		// Cooperation signal, not an outage. The tracker cools the pair
		// down; the breaker never moves on 429.
		if r.tracker != nil {
			r.tracker.Update(c.Vendor, c.Model, status, headersOf(err))
		}
		return false, reason

	case status >= 500 && status < 600:
		if r.cb != nil {
			r.cb.RecordFailure(c.Vendor)
			if r.metrics != nil {
				r.metrics.SetCircuitBreaker(c.Vendor, int64(r.cb.State(c.Vendor)))
			}
		}
		return false, reason

	case status >= 400 && status < 500:
		// Client errors won't improve on a different vendor.
		return true, reason

	default:
		// Transport failure or timeout: treat as infrastructure.
		if r.cb != nil {
			r.cb.RecordFailure(c.Vendor)
			if r.metrics != nil {
				r.metrics.SetCircuitBreaker(c.Vendor, int64(r.cb.State(c.Vendor)))
			}
		}
		return false, reason
	}
}

func (r *Router) exhausted(model string, chain []Candidate, lastErr error) *ExhaustedError {
	cands := make([]ratelimit.Candidate, len(chain))
	for i, c := range chain {
		cands[i] = ratelimit.Candidate{Vendor: c.Vendor, Model: c.Model}
	}

	earliest := time.Now()
	if r.tracker != nil && len(cands) > 0 {
		earliest = r.tracker.EarliestAvailable(cands)
	}

	return &ExhaustedError{
		Model:             model,
		Candidates:        cands,
		EarliestAvailable: earliest,
		LastErr:           lastErr,
	}
}

// statusOf extracts the upstream HTTP status from err, or 0 for transport
// failures that never produced a response.
func statusOf(err error) int {
	var sc providers.StatusCoder
	if errors.As(err, &sc) {
		return sc.HTTPStatus()
	}
	return 0
}

// headersOf extracts upstream response headers from err when available.
func headersOf(err error) http.Header {
	var pe *providers.ProviderError
	if errors.As(err, &pe) {
		return pe.Headers
	}
	return nil
}

// classifyError converts an error into a short category string used in log
// fields and metrics labels.
func classifyError(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	}
	if status := statusOf(err); status > 0 {
		return fmt.Sprintf("http_%d", status)
	}
	return "transport"
}
