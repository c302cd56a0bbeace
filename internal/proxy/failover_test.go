package proxy

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/nulpointcorp/ai-router/internal/catalog"
	"github.com/nulpointcorp/ai-router/internal/providers"
	"github.com/nulpointcorp/ai-router/internal/ratelimit"
)

// fakeProvider is a scriptable Provider for chain tests.
type fakeProvider struct {
	name  string
	resp  *providers.ChatResponse
	err   error
	calls int

	lastModel string
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Chat(_ context.Context, vendorModel string, _ *providers.ChatRequest) (*providers.ChatResponse, error) {
	f.calls++
	f.lastModel = vendorModel
	if f.err != nil {
		return nil, f.err
	}
	resp := *f.resp
	return &resp, nil
}

func okResponse(content string) *providers.ChatResponse {
	return &providers.ChatResponse{
		ID:           "resp-1",
		Model:        "gpt-4o",
		Content:      content,
		FinishReason: "stop",
		Usage:        providers.Usage{InputTokens: 10, OutputTokens: 5},
		Status:       http.StatusOK,
	}
}

func serverError(vendor string) error {
	return &providers.ProviderError{
		Vendor:     vendor,
		StatusCode: http.StatusInternalServerError,
		Message:    "upstream exploded",
	}
}

func rateLimited(vendor string) error {
	return &providers.ProviderError{
		Vendor:     vendor,
		StatusCode: http.StatusTooManyRequests,
		Headers:    http.Header{"Retry-After": []string{"30"}},
		Message:    "rate limit exceeded",
	}
}

func newTestRouter(provs map[string]providers.Provider, cb *CircuitBreaker, tr *ratelimit.Tracker) *Router {
	return NewRouter(provs, catalog.New(), providers.DefaultPriority, cb, tr, nil, nil)
}

func chatReq(model string) *providers.ChatRequest {
	return &providers.ChatRequest{
		Model: model,
		Messages: []providers.Message{
			{Role: "user", Content: providers.MessageContent{Text: "hi"}},
		},
	}
}

func TestRouter_BuildChainKnownModel(t *testing.T) {
	provs := map[string]providers.Provider{
		"openai":    &fakeProvider{name: "openai"},
		"anthropic": &fakeProvider{name: "anthropic"},
		"google":    &fakeProvider{name: "google"},
	}
	r := newTestRouter(provs, nil, nil)

	chain := r.BuildChain("gpt-4o")
	if len(chain) != 3 {
		t.Fatalf("expected 3 candidates, got %d", len(chain))
	}
	if chain[0].Vendor != "openai" || chain[0].Model != "gpt-4o" {
		t.Errorf("unexpected first candidate: %+v", chain[0])
	}
	if chain[1].Vendor != "anthropic" || chain[1].Model != "claude-opus-4-1" {
		t.Errorf("unexpected second candidate: %+v", chain[1])
	}
	if chain[2].Vendor != "google" || chain[2].Model != "gemini-2.5-pro" {
		t.Errorf("unexpected third candidate: %+v", chain[2])
	}
}

func TestRouter_BuildChainSkipsUnconfiguredVendor(t *testing.T) {
	provs := map[string]providers.Provider{
		"openai": &fakeProvider{name: "openai"},
		"google": &fakeProvider{name: "google"},
	}
	r := newTestRouter(provs, nil, nil)

	chain := r.BuildChain("gpt-4o")
	if len(chain) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(chain))
	}
	for _, c := range chain {
		if c.Vendor == "anthropic" {
			t.Error("unconfigured vendor should not appear in chain")
		}
	}
}

func TestRouter_BuildChainUnknownModel(t *testing.T) {
	provs := map[string]providers.Provider{
		"anthropic": &fakeProvider{name: "anthropic"},
		"google":    &fakeProvider{name: "google"},
	}
	r := newTestRouter(provs, nil, nil)

	chain := r.BuildChain("some-future-model")
	if len(chain) != 1 {
		t.Fatalf("unknown model should yield exactly one candidate, got %d", len(chain))
	}
	// First configured vendor in priority order, raw model name untranslated.
	if chain[0].Vendor != "anthropic" {
		t.Errorf("expected anthropic, got %s", chain[0].Vendor)
	}
	if chain[0].Model != "some-future-model" {
		t.Errorf("model should pass through untranslated, got %s", chain[0].Model)
	}
}

func TestRouter_BuildChainVendorWithoutEquivalent(t *testing.T) {
	provs := map[string]providers.Provider{
		"openai":    &fakeProvider{name: "openai"},
		"anthropic": &fakeProvider{name: "anthropic"},
		"google":    &fakeProvider{name: "google"},
	}
	r := newTestRouter(provs, nil, nil)

	// Anthropic has no embeddings API — its column is empty.
	chain := r.BuildChain("text-embedding-3-small")
	if len(chain) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(chain))
	}
	for _, c := range chain {
		if c.Vendor == "anthropic" {
			t.Error("vendor without an equivalent model should be skipped")
		}
	}
}

func TestRouter_ExecutePrimarySuccess(t *testing.T) {
	primary := &fakeProvider{name: "openai", resp: okResponse("hello")}
	secondary := &fakeProvider{name: "anthropic", resp: okResponse("fallback")}
	r := newTestRouter(map[string]providers.Provider{
		"openai": primary, "anthropic": secondary,
	}, NewCircuitBreaker(), ratelimit.New(5))

	resp, vendor, err := r.Execute(context.Background(), chatReq("gpt-4o"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vendor != "openai" {
		t.Errorf("expected openai, got %s", vendor)
	}
	if resp.Content != "hello" {
		t.Errorf("unexpected content %q", resp.Content)
	}
	if resp.ServedModel != "gpt-4o" {
		t.Errorf("ServedModel should carry the vendor-native model, got %q", resp.ServedModel)
	}
	if secondary.calls != 0 {
		t.Error("secondary should not be called when primary succeeds")
	}
}

func TestRouter_ExecuteFailsOverOn5xx(t *testing.T) {
	cb := NewCircuitBreaker()
	primary := &fakeProvider{name: "openai", err: serverError("openai")}
	secondary := &fakeProvider{name: "anthropic", resp: okResponse("fallback")}
	r := newTestRouter(map[string]providers.Provider{
		"openai": primary, "anthropic": secondary,
	}, cb, ratelimit.New(5))

	resp, vendor, err := r.Execute(context.Background(), chatReq("gpt-4o"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vendor != "anthropic" {
		t.Errorf("expected anthropic after failover, got %s", vendor)
	}
	if resp.ServedModel != "claude-opus-4-1" {
		t.Errorf("ServedModel should be the serving vendor's model, got %q", resp.ServedModel)
	}
	if cb.FailureCount("openai") != 1 {
		t.Errorf("5xx should count against the breaker, got %d", cb.FailureCount("openai"))
	}
}

func TestRouter_Execute429CoolsDownWithoutTrippingBreaker(t *testing.T) {
	cb := NewCircuitBreaker()
	tr := ratelimit.New(5)
	primary := &fakeProvider{name: "openai", err: rateLimited("openai")}
	secondary := &fakeProvider{name: "anthropic", resp: okResponse("fallback")}
	r := newTestRouter(map[string]providers.Provider{
		"openai": primary, "anthropic": secondary,
	}, cb, tr)

	_, vendor, err := r.Execute(context.Background(), chatReq("gpt-4o"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vendor != "anthropic" {
		t.Errorf("expected anthropic, got %s", vendor)
	}
	if cb.FailureCount("openai") != 0 {
		t.Error("429 must never count against the breaker")
	}
	if !tr.ShouldAvoid("openai", "gpt-4o") {
		t.Error("429 should place the pair in cooldown")
	}

	// Next request skips openai proactively.
	calls := primary.calls
	_, _, _ = r.Execute(context.Background(), chatReq("gpt-4o"))
	if primary.calls != calls {
		t.Error("cooled-down vendor should be skipped without an upstream call")
	}
}

func TestRouter_ExecuteAbortsOnClientError(t *testing.T) {
	badReq := &providers.ProviderError{
		Vendor:     "openai",
		StatusCode: http.StatusBadRequest,
		Message:    "context length exceeded",
	}
	primary := &fakeProvider{name: "openai", err: badReq}
	secondary := &fakeProvider{name: "anthropic", resp: okResponse("fallback")}
	r := newTestRouter(map[string]providers.Provider{
		"openai": primary, "anthropic": secondary,
	}, NewCircuitBreaker(), ratelimit.New(5))

	_, _, err := r.Execute(context.Background(), chatReq("gpt-4o"))
	if err == nil {
		t.Fatal("expected error")
	}
	var pe *providers.ProviderError
	if !errors.As(err, &pe) || pe.StatusCode != http.StatusBadRequest {
		t.Errorf("client error should propagate unchanged, got %v", err)
	}
	if secondary.calls != 0 {
		t.Error("client errors must not fail over")
	}
}

func TestRouter_ExecuteAbortsOnCancelledContext(t *testing.T) {
	primary := &fakeProvider{name: "openai", err: context.Canceled}
	secondary := &fakeProvider{name: "anthropic", resp: okResponse("fallback")}
	r := newTestRouter(map[string]providers.Provider{
		"openai": primary, "anthropic": secondary,
	}, NewCircuitBreaker(), ratelimit.New(5))

	_, _, err := r.Execute(context.Background(), chatReq("gpt-4o"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if secondary.calls != 0 {
		t.Error("cancelled requests must not fail over")
	}
}

func TestRouter_ExecuteExhausted(t *testing.T) {
	primary := &fakeProvider{name: "openai", err: serverError("openai")}
	secondary := &fakeProvider{name: "anthropic", err: serverError("anthropic")}
	r := newTestRouter(map[string]providers.Provider{
		"openai": primary, "anthropic": secondary,
	}, NewCircuitBreaker(), ratelimit.New(5))

	_, _, err := r.Execute(context.Background(), chatReq("gpt-4o"))

	var ex *ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("expected ExhaustedError, got %v", err)
	}
	if ex.Model != "gpt-4o" {
		t.Errorf("unexpected model %q", ex.Model)
	}
	if len(ex.Candidates) != 2 {
		t.Errorf("expected 2 candidates, got %d", len(ex.Candidates))
	}
	if ex.HTTPStatus() != http.StatusServiceUnavailable {
		t.Errorf("exhausted chain should map to 503, got %d", ex.HTTPStatus())
	}
	if ex.RetryAt().IsZero() {
		t.Error("RetryAt should never be zero")
	}
}

func TestRouter_ExecuteSkipsOpenBreaker(t *testing.T) {
	cb := NewCircuitBreaker()
	for i := 0; i < CBFailureThreshold; i++ {
		cb.RecordFailure("openai")
	}

	primary := &fakeProvider{name: "openai", resp: okResponse("never")}
	secondary := &fakeProvider{name: "anthropic", resp: okResponse("fallback")}
	r := newTestRouter(map[string]providers.Provider{
		"openai": primary, "anthropic": secondary,
	}, cb, ratelimit.New(5))

	_, vendor, err := r.Execute(context.Background(), chatReq("gpt-4o"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vendor != "anthropic" {
		t.Errorf("expected anthropic, got %s", vendor)
	}
	if primary.calls != 0 {
		t.Error("open breaker must skip the vendor without an upstream call")
	}
}

func TestRouter_ExecuteNoProvidersConfigured(t *testing.T) {
	r := newTestRouter(map[string]providers.Provider{}, nil, nil)

	_, _, err := r.Execute(context.Background(), chatReq("gpt-4o"))

	var ex *ExhaustedError
	if !errors.As(err, &ex) {
		t.Fatalf("expected ExhaustedError, got %v", err)
	}
	if time.Until(ex.EarliestAvailable) > time.Second {
		t.Error("empty chain should be retryable immediately")
	}
}

// fakeImageProvider adds scripted image generation on top of fakeProvider.
type fakeImageProvider struct {
	fakeProvider
	imgResp  *providers.ImageResponse
	imgErr   error
	imgCalls int
}

func (f *fakeImageProvider) GenerateImage(_ context.Context, vendorModel string, _ *providers.ImageRequest) (*providers.ImageResponse, error) {
	f.imgCalls++
	f.lastModel = vendorModel
	if f.imgErr != nil {
		return nil, f.imgErr
	}
	resp := *f.imgResp
	return &resp, nil
}

// fakeEmbeddingProvider adds scripted embeddings on top of fakeProvider.
type fakeEmbeddingProvider struct {
	fakeProvider
	embResp  *providers.EmbeddingResponse
	embErr   error
	embCalls int
}

func (f *fakeEmbeddingProvider) Embed(_ context.Context, vendorModel string, _ *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	f.embCalls++
	f.lastModel = vendorModel
	if f.embErr != nil {
		return nil, f.embErr
	}
	resp := *f.embResp
	return &resp, nil
}

func TestRouter_ExecuteImageFailsOverAndReportsServedModel(t *testing.T) {
	primary := &fakeImageProvider{
		fakeProvider: fakeProvider{name: "openai"},
		imgErr:       serverError("openai"),
	}
	secondary := &fakeImageProvider{
		fakeProvider: fakeProvider{name: "google"},
		imgResp: &providers.ImageResponse{
			Created: 1700000000,
			Data:    []providers.ImageData{{B64JSON: "aW1n"}},
		},
	}
	r := newTestRouter(map[string]providers.Provider{
		"openai": primary, "google": secondary,
	}, NewCircuitBreaker(), ratelimit.New(5))

	resp, vendor, err := r.ExecuteImage(context.Background(), &providers.ImageRequest{
		Model:  "dall-e-3",
		Prompt: "a lighthouse at dusk",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vendor != "google" {
		t.Errorf("expected google after failover, got %s", vendor)
	}
	if resp.ServedModel != "imagen-3.0-generate-001" {
		t.Errorf("ServedModel should be the serving vendor's model, got %q", resp.ServedModel)
	}
	if primary.imgCalls != 1 || secondary.imgCalls != 1 {
		t.Errorf("expected one attempt per vendor, got %d/%d", primary.imgCalls, secondary.imgCalls)
	}
}

func TestRouter_ExecuteEmbeddingFailsOverAndReportsServedModel(t *testing.T) {
	primary := &fakeEmbeddingProvider{
		fakeProvider: fakeProvider{name: "openai"},
		embErr:       serverError("openai"),
	}
	secondary := &fakeEmbeddingProvider{
		fakeProvider: fakeProvider{name: "google"},
		embResp: &providers.EmbeddingResponse{
			Model: "text-embedding-3-small",
			Data:  []providers.EmbeddingData{{Index: 0, Embedding: []float32{0.1, 0.2}}},
			Usage: providers.Usage{InputTokens: 4},
		},
	}
	r := newTestRouter(map[string]providers.Provider{
		"openai": primary, "google": secondary,
	}, NewCircuitBreaker(), ratelimit.New(5))

	resp, vendor, err := r.ExecuteEmbedding(context.Background(), &providers.EmbeddingRequest{
		Model: "text-embedding-3-small",
		Input: []string{"hello"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if vendor != "google" {
		t.Errorf("expected google after failover, got %s", vendor)
	}
	if resp.ServedModel != "text-embedding-004" {
		t.Errorf("ServedModel should be the serving vendor's model, got %q", resp.ServedModel)
	}
}

func TestRouter_RateLimitSkipPreservesRecoveryProbe(t *testing.T) {
	cb := NewCircuitBreaker()
	for i := 0; i < CBFailureThreshold; i++ {
		cb.RecordFailure("openai")
	}
	// Cooldown elapsed: the next admitted request is the half-open probe.
	vcb := cb.breakers["openai"]
	vcb.mu.Lock()
	vcb.openedAt = time.Now().Add(-2 * CBCooldown)
	vcb.mu.Unlock()

	tr := ratelimit.New(5)
	tr.Update("openai", "gpt-4o", http.StatusTooManyRequests,
		http.Header{"Retry-After": []string{"60"}})

	primary := &fakeProvider{name: "openai", resp: okResponse("recovered")}
	r := newTestRouter(map[string]providers.Provider{"openai": primary}, cb, tr)

	// The pair is cooling down, so the candidate is skipped before the breaker
	// is consulted. The probe slot must survive the skip.
	if _, _, err := r.Execute(context.Background(), chatReq("gpt-4o")); err == nil {
		t.Fatal("expected exhausted error while the pair cools down")
	}
	if primary.calls != 0 {
		t.Fatal("cooled-down pair must not reach the vendor")
	}
	if cb.StateLabel("openai") != "open" {
		t.Fatalf("skipped candidate must not consume the probe, state=%s", cb.StateLabel("openai"))
	}

	// Cooldown over: the probe dispatches and closes the breaker.
	tr.Update("openai", "gpt-4o", http.StatusTooManyRequests,
		http.Header{"Retry-After": []string{"0"}})

	_, vendor, err := r.Execute(context.Background(), chatReq("gpt-4o"))
	if err != nil {
		t.Fatalf("recovery probe should have been dispatched: %v", err)
	}
	if vendor != "openai" || primary.calls != 1 {
		t.Errorf("expected one probe call to openai, got vendor=%s calls=%d", vendor, primary.calls)
	}
	if cb.StateLabel("openai") != "closed" {
		t.Errorf("successful probe should close the breaker, got %s", cb.StateLabel("openai"))
	}
}

func TestRouter_Vendors(t *testing.T) {
	r := newTestRouter(map[string]providers.Provider{
		"google": &fakeProvider{name: "google"},
		"openai": &fakeProvider{name: "openai"},
	}, nil, nil)

	got := r.Vendors()
	want := []string{"openai", "google"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("priority order broken: expected %v, got %v", want, got)
		}
	}
}
