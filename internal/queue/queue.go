// Package queue implements the deferred-retry queue: requests that exhausted
// every provider are parked until the earliest predicted recovery instant and
// replayed in arrival order.
//
// Two delivery modes share one queue. Short waits hold the caller's request
// open and deliver the replayed response in-band (sync). Longer waits return
// a job handle immediately and the caller polls for the result (async).
//
// With a shared store attached, async jobs live in a Redis list. The drain
// loop claims jobs with an atomic head pop, so a job is replayed by exactly
// one replica even when several routers watch the same list. Sync jobs stay
// in-process: their waiter is a local channel that cannot cross replicas.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/ai-router/internal/metrics"
	"github.com/nulpointcorp/ai-router/internal/providers"
	"github.com/nulpointcorp/ai-router/internal/store"
)

// retryableAt matches errors that carry a predicted recovery instant
// (the router's chain-exhausted error).
type retryableAt interface {
	error
	RetryAt() time.Time
}

// Defaults applied for zero Config fields.
const (
	DefaultMaxSize        = 100
	DefaultTimeout        = 30 * time.Second
	DefaultAsyncThreshold = 5 * time.Second
	DefaultResultTTL      = time.Minute

	// drainPause spaces consecutive replays so a recovering vendor is not
	// hammered the instant its window resets.
	drainPause = 50 * time.Millisecond
)

// Job result statuses, as reported by Poll.
const (
	StatusPending = "pending"
	StatusDone    = "done"
	StatusError   = "error"
	StatusExpired = "expired"
)

var (
	// ErrQueueFull is returned when the pending job count is at capacity.
	ErrQueueFull = errors.New("queue: full")

	// ErrTimeout is returned to a sync caller whose job was not replayed
	// before its deadline.
	ErrTimeout = errors.New("queue: wait timed out")
)

// ExecuteFunc replays one queued chat request through the fallback chain.
type ExecuteFunc func(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, string, error)

// ImageExecuteFunc replays one queued image generation request.
type ImageExecuteFunc func(ctx context.Context, req *providers.ImageRequest) (*providers.ImageResponse, string, error)

// EmbeddingExecuteFunc replays one queued embedding request.
type EmbeddingExecuteFunc func(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, string, error)

// Config tunes queue behavior. Zero values fall back to the defaults.
type Config struct {
	MaxSize        int           // pending jobs before rejecting with ErrQueueFull
	Timeout        time.Duration // per-job lifetime from enqueue to deadline
	AsyncThreshold time.Duration // waits above this go async
	ResultTTL      time.Duration // retention for finished job results
}

func (c *Config) maxSize() int {
	if c.MaxSize > 0 {
		return c.MaxSize
	}
	return DefaultMaxSize
}

func (c *Config) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return DefaultTimeout
}

func (c *Config) asyncThreshold() time.Duration {
	if c.AsyncThreshold > 0 {
		return c.AsyncThreshold
	}
	return DefaultAsyncThreshold
}

func (c *Config) resultTTL() time.Duration {
	if c.ResultTTL > 0 {
		return c.ResultTTL
	}
	return DefaultResultTTL
}

// Job is one parked request. The JSON shape is what lands in the shared list.
// Exactly one of Request, Image, Embedding is set, matching Capability; jobs
// persisted without a capability replay as chat.
type Job struct {
	ID         string                      `json:"id"`
	RequestID  string                      `json:"request_id"`
	Capability providers.Capability        `json:"capability,omitempty"`
	Request    *providers.ChatRequest      `json:"request,omitempty"`
	Image      *providers.ImageRequest     `json:"image_request,omitempty"`
	Embedding  *providers.EmbeddingRequest `json:"embedding_request,omitempty"`
	CreatedAt  time.Time                   `json:"created_at"`
	TimeoutAt  time.Time                   `json:"timeout_at"`
	Async      bool                        `json:"async"`
}

// Result is the terminal (or pending) outcome of a job. Capability tells the
// caller which payload fields are meaningful.
type Result struct {
	Status          string                    `json:"status"`
	Capability      providers.Capability      `json:"capability,omitempty"`
	Vendor          string                    `json:"vendor,omitempty"`
	ServedModel     string                    `json:"served_model,omitempty"`
	ResponseID      string                    `json:"response_id,omitempty"`
	Model           string                    `json:"model,omitempty"`
	Content         string                    `json:"content,omitempty"`
	FinishReason    string                    `json:"finish_reason,omitempty"`
	Usage           providers.Usage           `json:"usage"`
	Images          []providers.ImageData     `json:"images,omitempty"`
	ImagesCreated   int64                     `json:"images_created,omitempty"`
	Embeddings      []providers.EmbeddingData `json:"embeddings,omitempty"`
	EstimatedWaitMs int64                     `json:"estimated_wait_ms,omitempty"`
	ErrorStatus     int                       `json:"error_status,omitempty"`
	ErrorMessage    string                    `json:"error_message,omitempty"`
	CompletedAt     time.Time                 `json:"completed_at,omitzero"`
}

// Handle is returned to async callers at enqueue time.
type Handle struct {
	ID            string
	EstimatedWait time.Duration
}

// Queue is the deferred-retry queue. Safe for concurrent use.
type Queue struct {
	mu          sync.Mutex
	jobs        []*Job
	waiters     map[string]chan Result
	timer       *time.Timer
	scheduledAt time.Time
	draining    bool
	closed      bool

	cfg              Config
	execute          ExecuteFunc
	executeImage     ImageExecuteFunc
	executeEmbedding EmbeddingExecuteFunc
	results          store.Store
	shared           *store.RedisStore
	prefix           string
	metrics          *metrics.Metrics
	log              *slog.Logger
}

// New creates a Queue. results receives finished job outcomes with the
// configured TTL; execute replays jobs through the router.
func New(cfg Config, results store.Store, execute ExecuteFunc, m *metrics.Metrics, log *slog.Logger) *Queue {
	if log == nil {
		log = slog.Default()
	}
	return &Queue{
		waiters: make(map[string]chan Result),
		cfg:     cfg,
		execute: execute,
		results: results,
		metrics: m,
		log:     log,
	}
}

// SetImageExecutor registers the replay function for image generation jobs.
func (q *Queue) SetImageExecutor(fn ImageExecuteFunc) { q.executeImage = fn }

// SetEmbeddingExecutor registers the replay function for embedding jobs.
func (q *Queue) SetEmbeddingExecutor(fn EmbeddingExecuteFunc) { q.executeEmbedding = fn }

// SetSharedStore attaches the distributed backing. Async jobs are persisted
// in the list "<prefix>:queue:pending".
func (q *Queue) SetSharedStore(s *store.RedisStore, prefix string) {
	q.shared = s
	q.prefix = prefix
}

// Start schedules an immediate drain so jobs persisted by a previous process
// are picked up right away.
func (q *Queue) Start() {
	if q.shared != nil {
		q.scheduleAt(time.Now())
	}
}

// AsyncThreshold returns the wait duration above which Enqueue must go async.
func (q *Queue) AsyncThreshold() time.Duration { return q.cfg.asyncThreshold() }

// Depth returns the number of pending jobs across the local slice and the
// shared list.
func (q *Queue) Depth() int {
	q.mu.Lock()
	local := len(q.jobs)
	q.mu.Unlock()

	if q.shared != nil {
		local += q.shared.ListLen(context.Background(), q.pendingKey())
	}
	return local
}

// EnqueueSync parks a chat request and blocks until it is replayed, the job
// deadline passes, or ctx is cancelled. availableAt is when the chain is
// predicted to recover; the drain is scheduled for that instant.
func (q *Queue) EnqueueSync(ctx context.Context, req *providers.ChatRequest, availableAt time.Time) (Result, error) {
	job := q.newJob(req.RequestID, false)
	job.Capability = providers.CapabilityChat
	job.Request = req
	return q.enqueueSyncJob(ctx, job, availableAt)
}

// EnqueueAsync parks a chat request and returns a poll handle immediately.
func (q *Queue) EnqueueAsync(req *providers.ChatRequest, availableAt time.Time) (*Handle, error) {
	job := q.newJob(req.RequestID, true)
	job.Capability = providers.CapabilityChat
	job.Request = req
	return q.enqueueAsyncJob(job, availableAt)
}

// EnqueueImageSync parks an image generation request and blocks like
// EnqueueSync. Requires a registered image executor.
func (q *Queue) EnqueueImageSync(ctx context.Context, req *providers.ImageRequest, availableAt time.Time) (Result, error) {
	job := q.newJob(req.RequestID, false)
	job.Capability = providers.CapabilityImages
	job.Image = req
	return q.enqueueSyncJob(ctx, job, availableAt)
}

// EnqueueImageAsync parks an image generation request for polling.
func (q *Queue) EnqueueImageAsync(req *providers.ImageRequest, availableAt time.Time) (*Handle, error) {
	job := q.newJob(req.RequestID, true)
	job.Capability = providers.CapabilityImages
	job.Image = req
	return q.enqueueAsyncJob(job, availableAt)
}

// EnqueueEmbeddingSync parks an embedding request and blocks like EnqueueSync.
func (q *Queue) EnqueueEmbeddingSync(ctx context.Context, req *providers.EmbeddingRequest, availableAt time.Time) (Result, error) {
	job := q.newJob(req.RequestID, false)
	job.Capability = providers.CapabilityEmbeddings
	job.Embedding = req
	return q.enqueueSyncJob(ctx, job, availableAt)
}

// EnqueueEmbeddingAsync parks an embedding request for polling.
func (q *Queue) EnqueueEmbeddingAsync(req *providers.EmbeddingRequest, availableAt time.Time) (*Handle, error) {
	job := q.newJob(req.RequestID, true)
	job.Capability = providers.CapabilityEmbeddings
	job.Embedding = req
	return q.enqueueAsyncJob(job, availableAt)
}

func (q *Queue) enqueueSyncJob(ctx context.Context, job *Job, availableAt time.Time) (Result, error) {
	waiter := make(chan Result, 1)
	if err := q.appendJob(job, waiter); err != nil {
		return Result{}, err
	}

	q.observeDepth()
	if q.metrics != nil {
		q.metrics.RecordQueueEnqueue("sync")
	}
	q.scheduleAt(availableAt)

	deadline := time.NewTimer(time.Until(job.TimeoutAt))
	defer deadline.Stop()

	select {
	case res := <-waiter:
		return res, nil

	case <-deadline.C:
		q.dropWaiter(job.ID)
		return Result{}, ErrTimeout

	case <-ctx.Done():
		q.dropWaiter(job.ID)
		return Result{}, ctx.Err()
	}
}

// enqueueAsyncJob persists a pending result up front so Poll can distinguish
// "queued" from "unknown", then parks the job. The pending entry carries the
// wait estimate so polls can echo it.
func (q *Queue) enqueueAsyncJob(job *Job, availableAt time.Time) (*Handle, error) {
	handle := q.handle(job, availableAt)
	q.storeResult(job.ID, Result{
		Status:          StatusPending,
		Capability:      job.Capability,
		EstimatedWaitMs: handle.EstimatedWait.Milliseconds(),
	})

	if q.shared != nil {
		if q.Depth() >= q.cfg.maxSize() {
			_ = q.results.Delete(context.Background(), q.resultKey(job.ID))
			return nil, ErrQueueFull
		}
		data, merr := json.Marshal(job)
		if merr == nil && q.shared.ListPush(context.Background(), q.pendingKey(), string(data)) == nil {
			q.observeDepth()
			if q.metrics != nil {
				q.metrics.RecordQueueEnqueue("async")
			}
			q.scheduleAt(availableAt)
			return handle, nil
		}
		// Shared push failed; fall back to the local slice so the job is
		// not lost, at the cost of replica affinity.
		q.log.Warn("queue_shared_push_failed", slog.String("job_id", job.ID))
	}

	if err := q.appendJob(job, nil); err != nil {
		_ = q.results.Delete(context.Background(), q.resultKey(job.ID))
		return nil, err
	}

	q.observeDepth()
	if q.metrics != nil {
		q.metrics.RecordQueueEnqueue("async")
	}
	q.scheduleAt(availableAt)
	return handle, nil
}

// appendJob adds job to the local slice. The capacity check and the append
// share one critical section so the job count can never overshoot maxSize.
func (q *Queue) appendJob(job *Job, waiter chan Result) error {
	sharedLen := 0
	if q.shared != nil {
		sharedLen = q.shared.ListLen(context.Background(), q.pendingKey())
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrQueueFull
	}
	if len(q.jobs)+sharedLen >= q.cfg.maxSize() {
		return ErrQueueFull
	}
	q.jobs = append(q.jobs, job)
	if waiter != nil {
		q.waiters[job.ID] = waiter
	}
	return nil
}

// Poll returns the result for a job id. The bool is false when the id is
// unknown (never enqueued, or its result already aged out).
func (q *Queue) Poll(ctx context.Context, id string) (Result, bool) {
	data, ok := q.results.Get(ctx, q.resultKey(id))
	if !ok {
		return Result{}, false
	}
	var res Result
	if err := json.Unmarshal(data, &res); err != nil {
		return Result{}, false
	}
	return res, true
}

// Close rejects further enqueues and cancels the pending drain timer.
// In-flight drains finish their current job.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}

func (q *Queue) newJob(requestID string, async bool) *Job {
	now := time.Now()
	return &Job{
		ID:        uuid.NewString(),
		RequestID: requestID,
		CreatedAt: now,
		TimeoutAt: now.Add(q.cfg.timeout()),
		Async:     async,
	}
}

func (q *Queue) handle(job *Job, availableAt time.Time) *Handle {
	wait := time.Until(availableAt)
	if wait < 0 {
		wait = 0
	}
	return &Handle{ID: job.ID, EstimatedWait: wait}
}

// scheduleAt arms the drain timer for instant t. An already-armed earlier
// schedule wins; a later one is pulled forward. Instants in the past clamp
// to an immediate fire.
func (q *Queue) scheduleAt(t time.Time) {
	d := time.Until(t)
	if d < 0 {
		d = 0
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	if q.timer != nil {
		if !q.scheduledAt.IsZero() && !t.Before(q.scheduledAt) {
			return
		}
		q.timer.Stop()
	}
	q.scheduledAt = t
	q.timer = time.AfterFunc(d, q.onTimer)
}

func (q *Queue) onTimer() {
	q.mu.Lock()
	q.timer = nil
	q.scheduledAt = time.Time{}
	if q.draining || q.closed {
		q.mu.Unlock()
		return
	}
	q.draining = true
	q.mu.Unlock()

	q.drain()

	q.mu.Lock()
	q.draining = false
	q.mu.Unlock()
}

// drain replays pending jobs in arrival order until the queue is empty or a
// replay reports the chain exhausted again, in which case the job goes back
// to the head and the drain reschedules for the new recovery instant.
func (q *Queue) drain() {
	for {
		job, fromShared, ok := q.nextJob()
		if !ok {
			q.observeDepth()
			return
		}

		now := time.Now()
		if now.After(job.TimeoutAt) {
			q.finish(job, Result{
				Status:      StatusExpired,
				CompletedAt: now,
			})
			continue
		}

		ctx, cancel := context.WithDeadline(context.Background(), job.TimeoutAt)
		res, err := q.replay(ctx, job)
		cancel()

		var exhausted retryableAt
		if errors.As(err, &exhausted) {
			q.requeue(job, fromShared)
			q.scheduleAt(exhausted.RetryAt())
			q.observeDepth()
			return
		}

		if err != nil {
			status := 502
			var sc providers.StatusCoder
			if errors.As(err, &sc) {
				status = sc.HTTPStatus()
			}
			q.finish(job, Result{
				Status:       StatusError,
				Capability:   job.Capability,
				ErrorStatus:  status,
				ErrorMessage: err.Error(),
				CompletedAt:  time.Now(),
			})
		} else {
			res.CompletedAt = time.Now()
			q.finish(job, res)
		}

		q.observeDepth()
		time.Sleep(drainPause)
	}
}

// replay runs one job through the executor registered for its capability and
// shapes the successful outcome. Jobs persisted before capabilities existed
// default to chat.
func (q *Queue) replay(ctx context.Context, job *Job) (Result, error) {
	switch job.Capability {
	case providers.CapabilityImages:
		if q.executeImage == nil || job.Image == nil {
			return Result{}, errors.New("queue: no image executor registered")
		}
		resp, vendor, err := q.executeImage(ctx, job.Image)
		if err != nil {
			return Result{}, err
		}
		return Result{
			Status:        StatusDone,
			Capability:    job.Capability,
			Vendor:        vendor,
			ServedModel:   resp.ServedModel,
			Model:         job.Image.Model,
			Images:        resp.Data,
			ImagesCreated: resp.Created,
		}, nil

	case providers.CapabilityEmbeddings:
		if q.executeEmbedding == nil || job.Embedding == nil {
			return Result{}, errors.New("queue: no embedding executor registered")
		}
		resp, vendor, err := q.executeEmbedding(ctx, job.Embedding)
		if err != nil {
			return Result{}, err
		}
		return Result{
			Status:      StatusDone,
			Capability:  job.Capability,
			Vendor:      vendor,
			ServedModel: resp.ServedModel,
			Model:       resp.Model,
			Embeddings:  resp.Data,
			Usage:       resp.Usage,
		}, nil

	default:
		resp, vendor, err := q.execute(ctx, job.Request)
		if err != nil {
			return Result{}, err
		}
		return Result{
			Status:       StatusDone,
			Capability:   providers.CapabilityChat,
			Vendor:       vendor,
			ServedModel:  resp.ServedModel,
			ResponseID:   resp.ID,
			Model:        resp.Model,
			Content:      resp.Content,
			FinishReason: resp.FinishReason,
			Usage:        resp.Usage,
		}, nil
	}
}

// nextJob claims the oldest pending job across the local slice and the shared
// list. When both have a head, the younger one is put back at its front.
func (q *Queue) nextJob() (job *Job, fromShared bool, ok bool) {
	var local *Job
	q.mu.Lock()
	if len(q.jobs) > 0 {
		local = q.jobs[0]
		q.jobs = q.jobs[1:]
	}
	q.mu.Unlock()

	var shared *Job
	if q.shared != nil {
		if raw, popped := q.shared.ListPop(context.Background(), q.pendingKey()); popped {
			var j Job
			if err := json.Unmarshal([]byte(raw), &j); err == nil {
				// Request ids are stripped from payloads on marshal; restore
				// from the job record.
				switch {
				case j.Request != nil:
					j.Request.RequestID = j.RequestID
				case j.Image != nil:
					j.Image.RequestID = j.RequestID
				case j.Embedding != nil:
					j.Embedding.RequestID = j.RequestID
				}
				shared = &j
			} else {
				q.log.Warn("queue_job_decode_failed", slog.String("error", err.Error()))
			}
		}
	}

	switch {
	case local == nil && shared == nil:
		return nil, false, false
	case local == nil:
		return shared, true, true
	case shared == nil:
		return local, false, true
	case local.CreatedAt.Before(shared.CreatedAt):
		q.requeue(shared, true)
		return local, false, true
	default:
		q.requeue(local, false)
		return shared, true, true
	}
}

func (q *Queue) requeue(job *Job, toShared bool) {
	if toShared {
		data, err := json.Marshal(job)
		if err == nil && q.shared.ListPushFront(context.Background(), q.pendingKey(), string(data)) == nil {
			return
		}
		// Shared head push failed; keep the job locally rather than drop it.
	}
	q.mu.Lock()
	q.jobs = append([]*Job{job}, q.jobs...)
	q.mu.Unlock()
}

// finish persists the result and wakes the sync waiter if one is still there.
func (q *Queue) finish(job *Job, res Result) {
	q.storeResult(job.ID, res)

	q.mu.Lock()
	waiter := q.waiters[job.ID]
	delete(q.waiters, job.ID)
	q.mu.Unlock()

	if waiter != nil {
		waiter <- res
	}

	if q.metrics != nil {
		q.metrics.RecordQueueOutcome(res.Status)
	}
	q.log.Info("queue_job_finished",
		slog.String("job_id", job.ID),
		slog.String("request_id", job.RequestID),
		slog.String("status", res.Status),
		slog.String("vendor", res.Vendor),
	)
}

func (q *Queue) storeResult(id string, res Result) {
	data, err := json.Marshal(res)
	if err != nil {
		return
	}
	_ = q.results.Set(context.Background(), q.resultKey(id), data, q.cfg.resultTTL())
}

func (q *Queue) dropWaiter(id string) {
	q.mu.Lock()
	delete(q.waiters, id)
	q.mu.Unlock()
}

func (q *Queue) observeDepth() {
	if q.metrics != nil {
		q.metrics.SetQueueDepth(q.Depth())
	}
}

func (q *Queue) pendingKey() string {
	return q.prefix + ":queue:pending"
}

func (q *Queue) resultKey(id string) string {
	return q.prefix + ":queue:result:" + id
}
