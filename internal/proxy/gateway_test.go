package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/nulpointcorp/ai-router/internal/providers"
	"github.com/nulpointcorp/ai-router/internal/queue"
	"github.com/nulpointcorp/ai-router/internal/ratelimit"
	"github.com/nulpointcorp/ai-router/internal/store"
)

// --- helpers ----------------------------------------------------------------

func newTestGateway(provs map[string]providers.Provider, q *queue.Queue) *Gateway {
	r := newTestRouter(provs, NewCircuitBreaker(), ratelimit.New(5))
	return NewGateway(r, q, GatewayOptions{Version: "test"})
}

func newGatewayQueue(t *testing.T, cfg queue.Config, execute queue.ExecuteFunc) *queue.Queue {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	results := store.NewMemoryStore(ctx)
	q := queue.New(cfg, results, execute, nil, nil)
	t.Cleanup(func() {
		q.Close()
		results.Close()
		cancel()
	})
	return q
}

// serveGateway starts the full routed handler (middleware included) on an
// in-memory listener. Returns an HTTP client that routes to it.
func serveGateway(t *testing.T, gw *Gateway) *http.Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()

	go func() {
		_ = fasthttp.Serve(ln, gw.Handler(nil))
	}()
	t.Cleanup(func() { ln.Close() })

	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return ln.Dial()
			},
		},
	}
}

func doPost(t *testing.T, client *http.Client, path string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequest("POST", "http://test"+path, bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func doGet(t *testing.T, client *http.Client, path string) *http.Response {
	t.Helper()
	resp, err := client.Get("http://test" + path)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func readBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

// streamProvider yields a scripted SSE stream on every Chat call.
func streamProvider(name string, chunks ...providers.StreamChunk) *fakeProvider {
	ch := make(chan providers.StreamChunk, len(chunks))
	for _, c := range chunks {
		ch <- c
	}
	close(ch)
	return &fakeProvider{
		name: name,
		resp: &providers.ChatResponse{
			ID:     "chatcmpl-stream",
			Model:  "gpt-4o",
			Stream: ch,
		},
	}
}

// --- validation (bare RequestCtx, no upstream reached) ----------------------

func TestDispatchChat_InvalidJSON(t *testing.T) {
	gw := newTestGateway(map[string]providers.Provider{
		"openai": &fakeProvider{name: "openai", resp: okResponse("hi")},
	}, nil)

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetBody([]byte(`{invalid`))
	ctx.SetUserValue("request_id", "mock-1")

	gw.dispatchChat(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Errorf("expected 400, got %d", ctx.Response.StatusCode())
	}

	var errResp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(ctx.Response.Body(), &errResp); err != nil {
		t.Fatalf("failed to parse error response: %v", err)
	}
	if errResp.Error.Code != "invalid_request" {
		t.Errorf("expected code=invalid_request, got %s", errResp.Error.Code)
	}
}

func TestDispatchChat_MissingModel(t *testing.T) {
	gw := newTestGateway(map[string]providers.Provider{
		"openai": &fakeProvider{name: "openai", resp: okResponse("hi")},
	}, nil)

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetBody([]byte(`{"messages":[{"role":"user","content":"hi"}]}`))

	gw.dispatchChat(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Errorf("expected 400, got %d", ctx.Response.StatusCode())
	}
	if !strings.Contains(string(ctx.Response.Body()), "model") {
		t.Errorf("error should mention 'model', got: %s", ctx.Response.Body())
	}
}

func TestDispatchChat_EmptyMessages(t *testing.T) {
	gw := newTestGateway(map[string]providers.Provider{
		"openai": &fakeProvider{name: "openai", resp: okResponse("hi")},
	}, nil)

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetBody([]byte(`{"model":"gpt-4o","messages":[]}`))

	gw.dispatchChat(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Errorf("expected 400, got %d", ctx.Response.StatusCode())
	}
}

// --- full request path (in-memory server) -----------------------------------

func TestDispatchChat_Success(t *testing.T) {
	gw := newTestGateway(map[string]providers.Provider{
		"openai": &fakeProvider{name: "openai", resp: okResponse("hello there")},
	}, nil)

	client := serveGateway(t, gw)
	resp := doPost(t, client, "/v1/chat/completions",
		[]byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hello"}]}`))
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}

	var out outboundResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if out.Object != "chat.completion" {
		t.Errorf("expected object=chat.completion, got %s", out.Object)
	}
	if len(out.Choices) != 1 || out.Choices[0].Message.Content != "hello there" {
		t.Errorf("unexpected choices %+v", out.Choices)
	}
	if out.Choices[0].FinishReason != "stop" {
		t.Errorf("expected finish_reason=stop, got %s", out.Choices[0].FinishReason)
	}
	if out.Usage.TotalTokens != 15 {
		t.Errorf("expected total_tokens=15, got %d", out.Usage.TotalTokens)
	}

	if got := resp.Header.Get(headerProvider); got != "openai" {
		t.Errorf("expected provider header openai, got %q", got)
	}
	if got := resp.Header.Get(headerModel); got != "gpt-4o" {
		t.Errorf("expected model header gpt-4o, got %q", got)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("X-Request-ID response header should be set")
	}
}

func TestDispatchChat_ClientErrorPassesThrough(t *testing.T) {
	badReq := &providers.ProviderError{
		Vendor:     "openai",
		StatusCode: http.StatusBadRequest,
		Message:    "context length exceeded",
	}
	gw := newTestGateway(map[string]providers.Provider{
		"openai": &fakeProvider{name: "openai", err: badReq},
	}, nil)

	client := serveGateway(t, gw)
	resp := doPost(t, client, "/v1/chat/completions",
		[]byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`))
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("upstream 4xx should pass through, got %d: %s", resp.StatusCode, body)
	}
}

func TestDispatchChat_ExhaustedWithoutQueueIs503(t *testing.T) {
	gw := newTestGateway(map[string]providers.Provider{
		"openai": &fakeProvider{name: "openai", err: serverError("openai")},
	}, nil)

	client := serveGateway(t, gw)
	resp := doPost(t, client, "/v1/chat/completions",
		[]byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`))
	readBody(t, resp)

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503 when no queue is wired, got %d", resp.StatusCode)
	}
}

func TestDispatchChat_ExhaustedQueuesInline(t *testing.T) {
	// 5xx everywhere → exhausted with an immediate retry → short-wait sync
	// queue path. The queue's replay succeeds, so the client still gets 200.
	q := newGatewayQueue(t, queue.Config{}, func(_ context.Context, req *providers.ChatRequest) (*providers.ChatResponse, string, error) {
		return &providers.ChatResponse{
			ID: "chatcmpl-replayed", Model: req.Model, ServedModel: "claude-opus-4-1",
			Content: "after the storm", FinishReason: "stop",
			Usage: providers.Usage{InputTokens: 4, OutputTokens: 6},
		}, "anthropic", nil
	})
	gw := newTestGateway(map[string]providers.Provider{
		"openai": &fakeProvider{name: "openai", err: serverError("openai")},
	}, q)

	client := serveGateway(t, gw)
	resp := doPost(t, client, "/v1/chat/completions",
		[]byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`))
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from the queued replay, got %d: %s", resp.StatusCode, body)
	}
	var out outboundResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out.Choices[0].Message.Content != "after the storm" {
		t.Errorf("unexpected content %q", out.Choices[0].Message.Content)
	}
	if got := resp.Header.Get(headerProvider); got != "anthropic" {
		t.Errorf("expected provider header anthropic, got %q", got)
	}
}

func TestDispatchChat_ExhaustedLongWaitGoesAsync(t *testing.T) {
	// 429 with a long retry-after pushes the predicted wait past the async
	// threshold, so the client gets a 202 poll handle.
	q := newGatewayQueue(t, queue.Config{AsyncThreshold: 50 * time.Millisecond},
		func(context.Context, *providers.ChatRequest) (*providers.ChatResponse, string, error) {
			return nil, "", &stubRouteExhausted{at: time.Now().Add(time.Hour)}
		})
	gw := newTestGateway(map[string]providers.Provider{
		"openai": &fakeProvider{name: "openai", err: rateLimited("openai")},
	}, q)

	client := serveGateway(t, gw)
	resp := doPost(t, client, "/v1/chat/completions",
		[]byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`))
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", resp.StatusCode, body)
	}
	var out queuedResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out.Object != "queue.job" || out.Status != queue.StatusPending {
		t.Errorf("unexpected queue envelope %+v", out)
	}
	if out.ID == "" || out.PollURL != "/v1/queue/"+out.ID {
		t.Errorf("poll URL should embed the job id, got %+v", out)
	}
	if out.EstimatedWaitMs <= 0 {
		t.Error("estimated wait should be positive")
	}
}

func TestDispatchChat_StreamingExhaustedNeverQueued(t *testing.T) {
	q := newGatewayQueue(t, queue.Config{},
		func(context.Context, *providers.ChatRequest) (*providers.ChatResponse, string, error) {
			t.Error("streaming requests must not reach the queue")
			return nil, "", nil
		})
	gw := newTestGateway(map[string]providers.Provider{
		"openai": &fakeProvider{name: "openai", err: serverError("openai")},
	}, q)

	client := serveGateway(t, gw)
	resp := doPost(t, client, "/v1/chat/completions",
		[]byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}],"stream":true}`))
	readBody(t, resp)

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503 for exhausted streaming request, got %d", resp.StatusCode)
	}
}

func TestDispatchChat_StreamingResponse(t *testing.T) {
	gw := newTestGateway(map[string]providers.Provider{
		"openai": streamProvider("openai",
			providers.StreamChunk{Content: "hello "},
			providers.StreamChunk{Content: "world"},
			providers.StreamChunk{FinishReason: "stop"},
		),
	}, nil)

	client := serveGateway(t, gw)
	resp := doPost(t, client, "/v1/chat/completions",
		[]byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"stream"}],"stream":true}`))
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/event-stream") {
		t.Errorf("expected text/event-stream, got %s", ct)
	}

	scanner := bufio.NewScanner(resp.Body)
	var dataLines []string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			dataLines = append(dataLines, strings.TrimPrefix(line, "data: "))
		}
	}

	if len(dataLines) < 2 {
		t.Fatalf("expected several data lines, got %d", len(dataLines))
	}
	if dataLines[len(dataLines)-1] != "[DONE]" {
		t.Errorf("stream must terminate with [DONE], got %q", dataLines[len(dataLines)-1])
	}

	var first struct {
		Object  string `json:"object"`
		Choices []struct {
			Delta struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"delta"`
		} `json:"choices"`
	}
	if err := json.Unmarshal([]byte(dataLines[0]), &first); err != nil {
		t.Fatalf("first chunk should be JSON: %v", err)
	}
	if first.Object != "chat.completion.chunk" {
		t.Errorf("expected chat.completion.chunk, got %s", first.Object)
	}
	if first.Choices[0].Delta.Role != "assistant" {
		t.Error("first delta must carry the assistant role")
	}
}

// --- auth -------------------------------------------------------------------

func TestGateway_AuthRequired(t *testing.T) {
	gw := newTestGateway(map[string]providers.Provider{
		"openai": &fakeProvider{name: "openai", resp: okResponse("hi")},
	}, nil)
	gw.SetAPIKey("router-secret")

	client := serveGateway(t, gw)
	body := []byte(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`)

	// No credentials.
	resp := doPost(t, client, "/v1/chat/completions", body)
	readBody(t, resp)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("missing key should be 401, got %d", resp.StatusCode)
	}

	// Wrong key.
	req, _ := http.NewRequest("POST", "http://test/v1/chat/completions", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer wrong")
	resp, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	readBody(t, resp)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong key should be 401, got %d", resp.StatusCode)
	}

	// Bearer token.
	req, _ = http.NewRequest("POST", "http://test/v1/chat/completions", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer router-secret")
	resp, err = client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("valid bearer token should pass, got %d", resp.StatusCode)
	}

	// x-api-key header.
	req, _ = http.NewRequest("POST", "http://test/v1/chat/completions", bytes.NewReader(body))
	req.Header.Set("x-api-key", "router-secret")
	resp, err = client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	readBody(t, resp)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("valid x-api-key should pass, got %d", resp.StatusCode)
	}
}

func TestGateway_OpenPathsSkipAuth(t *testing.T) {
	gw := newTestGateway(map[string]providers.Provider{
		"openai": &fakeProvider{name: "openai", resp: okResponse("hi")},
	}, nil)
	gw.SetAPIKey("router-secret")

	client := serveGateway(t, gw)

	for _, path := range []string{"/health", "/v1/providers/status"} {
		resp := doGet(t, client, path)
		readBody(t, resp)
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s should be open, got %d", path, resp.StatusCode)
		}
	}
}

// --- queue poll -------------------------------------------------------------

func TestHandleQueuePoll_UnknownJob(t *testing.T) {
	q := newGatewayQueue(t, queue.Config{},
		func(context.Context, *providers.ChatRequest) (*providers.ChatResponse, string, error) {
			return nil, "", nil
		})
	gw := newTestGateway(nil, q)

	ctx := &fasthttp.RequestCtx{}
	ctx.SetUserValue("jobId", "no-such-job")
	gw.handleQueuePoll(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusNotFound {
		t.Errorf("expected 404, got %d", ctx.Response.StatusCode())
	}
}

func TestHandleQueuePoll_NoQueue(t *testing.T) {
	gw := newTestGateway(nil, nil)

	ctx := &fasthttp.RequestCtx{}
	ctx.SetUserValue("jobId", "any")
	gw.handleQueuePoll(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusNotFound {
		t.Errorf("expected 404 when queue is disabled, got %d", ctx.Response.StatusCode())
	}
}

func TestHandleQueuePoll_PendingThenDone(t *testing.T) {
	q := newGatewayQueue(t, queue.Config{},
		func(_ context.Context, req *providers.ChatRequest) (*providers.ChatResponse, string, error) {
			return &providers.ChatResponse{
				ID: "chatcmpl-async", Model: req.Model, Content: "done now", FinishReason: "stop",
			}, "openai", nil
		})
	gw := newTestGateway(nil, q)

	handle, err := q.EnqueueAsync(&providers.ChatRequest{
		Model:    "gpt-4o",
		Messages: []providers.Message{{Role: "user", Content: providers.MessageContent{Text: "hi"}}},
	}, time.Now().Add(60*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}

	ctx := &fasthttp.RequestCtx{}
	ctx.SetUserValue("jobId", handle.ID)
	gw.handleQueuePoll(ctx)
	if ctx.Response.StatusCode() != fasthttp.StatusAccepted {
		t.Fatalf("pending job should poll as 202, got %d", ctx.Response.StatusCode())
	}

	deadline := time.After(2 * time.Second)
	for {
		ctx = &fasthttp.RequestCtx{}
		ctx.SetUserValue("jobId", handle.ID)
		gw.handleQueuePoll(ctx)
		if ctx.Response.StatusCode() == fasthttp.StatusOK {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("job never completed, last status %d", ctx.Response.StatusCode())
		case <-time.After(10 * time.Millisecond):
		}
	}

	var out outboundResponse
	if err := json.Unmarshal(ctx.Response.Body(), &out); err != nil {
		t.Fatal(err)
	}
	if out.Choices[0].Message.Content != "done now" {
		t.Errorf("unexpected content %q", out.Choices[0].Message.Content)
	}
}

func TestHandleQueuePoll_PendingEchoesEstimate(t *testing.T) {
	q := newGatewayQueue(t, queue.Config{},
		func(context.Context, *providers.ChatRequest) (*providers.ChatResponse, string, error) {
			return nil, "", &stubRouteExhausted{at: time.Now().Add(time.Hour)}
		})
	gw := newTestGateway(nil, q)

	handle, err := q.EnqueueAsync(&providers.ChatRequest{
		Model:    "gpt-4o",
		Messages: []providers.Message{{Role: "user", Content: providers.MessageContent{Text: "hi"}}},
	}, time.Now().Add(10*time.Second))
	if err != nil {
		t.Fatal(err)
	}

	ctx := &fasthttp.RequestCtx{}
	ctx.SetUserValue("jobId", handle.ID)
	gw.handleQueuePoll(ctx)
	if ctx.Response.StatusCode() != fasthttp.StatusAccepted {
		t.Fatalf("pending job should poll as 202, got %d", ctx.Response.StatusCode())
	}

	var out queuedResponse
	if err := json.Unmarshal(ctx.Response.Body(), &out); err != nil {
		t.Fatal(err)
	}
	if out.EstimatedWaitMs <= 0 {
		t.Error("pending poll must echo the stored wait estimate")
	}
	if out.EstimatedWaitMs > handle.EstimatedWait.Milliseconds() {
		t.Errorf("echoed estimate %dms exceeds the enqueue-time estimate %dms",
			out.EstimatedWaitMs, handle.EstimatedWait.Milliseconds())
	}
}

func TestHandleQueuePoll_ImageJobRendersImageEnvelope(t *testing.T) {
	q := newGatewayQueue(t, queue.Config{}, nil)
	q.SetImageExecutor(func(context.Context, *providers.ImageRequest) (*providers.ImageResponse, string, error) {
		return &providers.ImageResponse{
			Created:     1700000000,
			Data:        []providers.ImageData{{B64JSON: "aW1n"}},
			ServedModel: "gpt-image-1",
		}, "openai", nil
	})
	gw := newTestGateway(nil, q)

	handle, err := q.EnqueueImageAsync(&providers.ImageRequest{
		Model: "gpt-image-1", Prompt: "a fox",
	}, time.Now().Add(40*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}

	var ctx *fasthttp.RequestCtx
	deadline := time.After(2 * time.Second)
	for {
		ctx = &fasthttp.RequestCtx{}
		ctx.SetUserValue("jobId", handle.ID)
		gw.handleQueuePoll(ctx)
		if ctx.Response.StatusCode() == fasthttp.StatusOK {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("job never completed, last status %d", ctx.Response.StatusCode())
		case <-time.After(10 * time.Millisecond):
		}
	}

	var out outboundImageResponse
	if err := json.Unmarshal(ctx.Response.Body(), &out); err != nil {
		t.Fatal(err)
	}
	if out.Created != 1700000000 || len(out.Data) != 1 || out.Data[0].B64JSON != "aW1n" {
		t.Errorf("unexpected image envelope %+v", out)
	}
	if got := string(ctx.Response.Header.Peek(headerModel)); got != "gpt-image-1" {
		t.Errorf("expected model header gpt-image-1, got %q", got)
	}
}

// --- images and embeddings dispatch -------------------------------------------

func TestDispatchImages_FallbackSetsServedModelHeader(t *testing.T) {
	gw := newTestGateway(map[string]providers.Provider{
		"openai": &fakeImageProvider{
			fakeProvider: fakeProvider{name: "openai"},
			imgErr:       serverError("openai"),
		},
		"google": &fakeImageProvider{
			fakeProvider: fakeProvider{name: "google"},
			imgResp: &providers.ImageResponse{
				Created: 1700000000,
				Data:    []providers.ImageData{{B64JSON: "aW1n"}},
			},
		},
	}, nil)

	client := serveGateway(t, gw)
	resp := doPost(t, client, "/v1/images/generations",
		[]byte(`{"model":"dall-e-3","prompt":"a lighthouse"}`))
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, body)
	}
	if got := resp.Header.Get(headerProvider); got != "google" {
		t.Errorf("expected provider header google, got %q", got)
	}
	if got := resp.Header.Get(headerModel); got != "imagen-3.0-generate-001" {
		t.Errorf("model header must carry the serving vendor's model, got %q", got)
	}
}

func TestDispatchImages_ExhaustedWithoutQueueIs503(t *testing.T) {
	gw := newTestGateway(map[string]providers.Provider{
		"openai": &fakeImageProvider{
			fakeProvider: fakeProvider{name: "openai"},
			imgErr:       rateLimited("openai"),
		},
	}, nil)

	client := serveGateway(t, gw)
	resp := doPost(t, client, "/v1/images/generations",
		[]byte(`{"model":"dall-e-3","prompt":"a lighthouse"}`))
	readBody(t, resp)

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503 when no queue is wired, got %d", resp.StatusCode)
	}
}

func TestDispatchImages_ExhaustedQueuesInline(t *testing.T) {
	q := newGatewayQueue(t, queue.Config{}, nil)
	q.SetImageExecutor(func(context.Context, *providers.ImageRequest) (*providers.ImageResponse, string, error) {
		return &providers.ImageResponse{
			Created:     1700000000,
			Data:        []providers.ImageData{{B64JSON: "aW1n", RevisedPrompt: "a tall lighthouse"}},
			ServedModel: "imagen-3.0-generate-001",
		}, "google", nil
	})
	gw := newTestGateway(map[string]providers.Provider{
		"openai": &fakeImageProvider{
			fakeProvider: fakeProvider{name: "openai"},
			imgErr:       serverError("openai"),
		},
	}, q)

	client := serveGateway(t, gw)
	resp := doPost(t, client, "/v1/images/generations",
		[]byte(`{"model":"dall-e-3","prompt":"a lighthouse"}`))
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from the queued replay, got %d: %s", resp.StatusCode, body)
	}
	var out outboundImageResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Data) != 1 || out.Data[0].RevisedPrompt != "a tall lighthouse" {
		t.Errorf("unexpected image envelope %+v", out)
	}
	if got := resp.Header.Get(headerProvider); got != "google" {
		t.Errorf("expected provider header google, got %q", got)
	}
}

func TestDispatchImages_ExhaustedLongWaitGoesAsync(t *testing.T) {
	q := newGatewayQueue(t, queue.Config{AsyncThreshold: 50 * time.Millisecond}, nil)
	q.SetImageExecutor(func(context.Context, *providers.ImageRequest) (*providers.ImageResponse, string, error) {
		return nil, "", &stubRouteExhausted{at: time.Now().Add(time.Hour)}
	})
	gw := newTestGateway(map[string]providers.Provider{
		"openai": &fakeImageProvider{
			fakeProvider: fakeProvider{name: "openai"},
			imgErr:       rateLimited("openai"),
		},
	}, q)

	client := serveGateway(t, gw)
	resp := doPost(t, client, "/v1/images/generations",
		[]byte(`{"model":"dall-e-3","prompt":"a lighthouse"}`))
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", resp.StatusCode, body)
	}
	var out queuedResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out.Object != "queue.job" || out.Status != queue.StatusPending {
		t.Errorf("unexpected queue envelope %+v", out)
	}
	if out.ID == "" || out.PollURL != "/v1/queue/"+out.ID {
		t.Errorf("poll URL should embed the job id, got %+v", out)
	}
}

func TestDispatchEmbeddings_ExhaustedWithoutQueueIs503(t *testing.T) {
	gw := newTestGateway(map[string]providers.Provider{
		"openai": &fakeEmbeddingProvider{
			fakeProvider: fakeProvider{name: "openai"},
			embErr:       rateLimited("openai"),
		},
	}, nil)

	client := serveGateway(t, gw)
	resp := doPost(t, client, "/v1/embeddings",
		[]byte(`{"model":"text-embedding-3-small","input":"hello"}`))
	readBody(t, resp)

	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503 when no queue is wired, got %d", resp.StatusCode)
	}
}

func TestDispatchEmbeddings_ExhaustedQueuesInline(t *testing.T) {
	q := newGatewayQueue(t, queue.Config{}, nil)
	q.SetEmbeddingExecutor(func(_ context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, string, error) {
		return &providers.EmbeddingResponse{
			Model:       req.Model,
			Data:        []providers.EmbeddingData{{Index: 0, Embedding: []float32{0.1, 0.2}}},
			Usage:       providers.Usage{InputTokens: 3},
			ServedModel: "text-embedding-004",
		}, "google", nil
	})
	gw := newTestGateway(map[string]providers.Provider{
		"openai": &fakeEmbeddingProvider{
			fakeProvider: fakeProvider{name: "openai"},
			embErr:       serverError("openai"),
		},
	}, q)

	client := serveGateway(t, gw)
	resp := doPost(t, client, "/v1/embeddings",
		[]byte(`{"model":"text-embedding-3-small","input":"hello"}`))
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from the queued replay, got %d: %s", resp.StatusCode, body)
	}
	var out outboundEmbeddingResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out.Object != "list" || len(out.Data) != 1 || out.Usage.PromptTokens != 3 {
		t.Errorf("unexpected embedding envelope %+v", out)
	}
	if got := resp.Header.Get(headerModel); got != "text-embedding-004" {
		t.Errorf("model header must carry the serving vendor's model, got %q", got)
	}
}

// --- status endpoints -------------------------------------------------------

func TestHandleHealth(t *testing.T) {
	gw := newTestGateway(map[string]providers.Provider{
		"openai": &fakeProvider{name: "openai"},
	}, nil)

	client := serveGateway(t, gw)
	resp := doGet(t, client, "/health")
	body := readBody(t, resp)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var out struct {
		Status  string `json:"status"`
		Service string `json:"service"`
		Version string `json:"version"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if out.Status != "ok" || out.Service != "ai-router" || out.Version != "test" {
		t.Errorf("unexpected health payload %+v", out)
	}
}

func TestHandleProvidersStatus(t *testing.T) {
	gw := newTestGateway(map[string]providers.Provider{
		"openai":    &fakeProvider{name: "openai"},
		"anthropic": &fakeProvider{name: "anthropic"},
	}, nil)

	client := serveGateway(t, gw)
	resp := doGet(t, client, "/v1/providers/status")
	body := readBody(t, resp)

	var out struct {
		Providers []vendorStatus `json:"providers"`
		Queue     struct {
			Depth int `json:"depth"`
		} `json:"queue"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatal(err)
	}
	if len(out.Providers) != 2 {
		t.Fatalf("expected 2 vendors, got %d", len(out.Providers))
	}
	// Priority order, all circuits closed at startup.
	if out.Providers[0].Vendor != "openai" || out.Providers[0].Circuit != "closed" {
		t.Errorf("unexpected first vendor %+v", out.Providers[0])
	}
	if out.Queue.Depth != 0 {
		t.Errorf("expected empty queue, got depth %d", out.Queue.Depth)
	}
}

// --- embeddings input union -------------------------------------------------

func TestParseEmbeddingInput(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    []string
		wantErr bool
	}{
		{"bare string", `"hello"`, []string{"hello"}, false},
		{"array", `["a","b"]`, []string{"a", "b"}, false},
		{"empty string", `""`, nil, true},
		{"empty array", `[]`, nil, true},
		{"missing", ``, nil, true},
		{"wrong type", `42`, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseEmbeddingInput(json.RawMessage(tt.raw))
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error for %q", tt.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("got %v, want %v", got, tt.want)
				}
			}
		})
	}
}

func TestDispatchImages_MissingPrompt(t *testing.T) {
	gw := newTestGateway(map[string]providers.Provider{
		"openai": &fakeProvider{name: "openai"},
	}, nil)

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetBody([]byte(`{"model":"dall-e-3"}`))
	gw.dispatchImages(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Errorf("expected 400, got %d", ctx.Response.StatusCode())
	}
}

func TestDispatchEmbeddings_MissingModel(t *testing.T) {
	gw := newTestGateway(map[string]providers.Provider{
		"openai": &fakeProvider{name: "openai"},
	}, nil)

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.SetBody([]byte(`{"input":"hello"}`))
	gw.dispatchEmbeddings(ctx)

	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Errorf("expected 400, got %d", ctx.Response.StatusCode())
	}
}

// stubRouteExhausted mimics the chain-exhausted error from the queue's
// point of view so async jobs stay pending for the duration of a test.
type stubRouteExhausted struct{ at time.Time }

func (e *stubRouteExhausted) Error() string      { return "all providers exhausted" }
func (e *stubRouteExhausted) RetryAt() time.Time { return e.at }
