package proxy

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/nulpointcorp/ai-router/internal/providers"
	"github.com/nulpointcorp/ai-router/internal/store"
)

// cbState represents the operational state of a per-vendor circuit breaker.
//
//	cbClosed   — normal operation; all requests pass through.
//	cbOpen     — vendor is failing; requests are rejected immediately.
//	cbHalfOpen — recovery probe; exactly one request is allowed through.
type cbState int

const (
	cbClosed   cbState = 0
	cbOpen     cbState = 1
	cbHalfOpen cbState = 2
)

// Default circuit breaker constants.
const (
	CBFailureThreshold = 5
	CBCooldown         = 60 * time.Second
)

// CBConfig holds circuit breaker tuning parameters. Zero values fall back to
// the package-level defaults.
type CBConfig struct {
	// FailureThreshold is the number of consecutive 5xx/transport failures
	// since the last success that trips the breaker. Default: 5.
	FailureThreshold int

	// Cooldown is how long the breaker stays open before allowing a single
	// probe request. Default: 60s.
	Cooldown time.Duration
}

func (c *CBConfig) failureThreshold() int {
	if c.FailureThreshold > 0 {
		return c.FailureThreshold
	}
	return CBFailureThreshold
}

func (c *CBConfig) cooldown() time.Duration {
	if c.Cooldown > 0 {
		return c.Cooldown
	}
	return CBCooldown
}

// vendorCB holds per-vendor circuit breaker state.
type vendorCB struct {
	mu sync.Mutex

	state         cbState
	failureCount  int
	openedAt      time.Time
	probeInflight bool // true while a half-open probe is in flight
}

// persistedCB is the JSON shape written to the shared store.
type persistedCB struct {
	State        int       `json:"state"`
	FailureCount int       `json:"failure_count"`
	OpenedAt     time.Time `json:"opened_at"`
}

// CircuitBreaker manages independent circuit breakers for each vendor.
// It is safe for concurrent use from multiple goroutines.
//
// Only 5xx and transport failures move the breaker; 429 and other 4xx
// responses are cooperation or client signals, not infrastructure outages,
// and the router never reports them here.
type CircuitBreaker struct {
	mu       sync.RWMutex
	breakers map[string]*vendorCB
	cfg      CBConfig

	shared *store.RedisStore
	prefix string
	writes *semaphore.Weighted
}

// NewCircuitBreaker creates a CircuitBreaker with default settings for every
// vendor in providers.DefaultPriority.
func NewCircuitBreaker() *CircuitBreaker {
	return NewCircuitBreakerWithConfig(CBConfig{})
}

// NewCircuitBreakerWithConfig creates a CircuitBreaker with custom thresholds.
func NewCircuitBreakerWithConfig(cfg CBConfig) *CircuitBreaker {
	cb := &CircuitBreaker{
		breakers: make(map[string]*vendorCB),
		cfg:      cfg,
		writes:   semaphore.NewWeighted(maxStateWrites),
	}
	for _, name := range providers.DefaultPriority {
		cb.breakers[name] = &vendorCB{state: cbClosed}
	}
	return cb
}

// maxStateWrites bounds outstanding fire-and-forget breaker writes.
const maxStateWrites = 16

// SetSharedStore attaches the distributed backing. Keys are written as
// "<prefix>:cb:<vendor>" with a TTL of three cooldowns.
func (cb *CircuitBreaker) SetSharedStore(s *store.RedisStore, prefix string) {
	cb.shared = s
	cb.prefix = prefix
}

// Load reloads breaker states from the shared store. Malformed entries are
// skipped; on any error the map keeps its initial (closed) states.
func (cb *CircuitBreaker) Load(ctx context.Context) {
	if cb.shared == nil {
		return
	}

	for _, key := range cb.shared.Keys(ctx, cb.prefix+":cb:*") {
		data, ok := cb.shared.Get(ctx, key)
		if !ok {
			continue
		}
		var p persistedCB
		if err := json.Unmarshal(data, &p); err != nil {
			continue
		}
		vendor := strings.TrimPrefix(key, cb.prefix+":cb:")

		vcb := cb.get(vendor)
		if vcb == nil {
			continue
		}
		vcb.mu.Lock()
		vcb.state = cbState(p.State)
		vcb.failureCount = p.FailureCount
		vcb.openedAt = p.OpenedAt
		vcb.probeInflight = false
		vcb.mu.Unlock()
	}
}

// Allow reports whether the named vendor should receive the next request.
//
//   - Closed   → always true.
//   - Open     → false, unless the cooldown has elapsed, in which case the
//     breaker transitions to HalfOpen and admits one probe.
//   - HalfOpen → true only if no probe is currently in flight.
//
// Returns true for unknown vendors (the breaker is not tracking them yet).
func (cb *CircuitBreaker) Allow(vendor string) bool {
	vcb := cb.get(vendor)
	if vcb == nil {
		return true
	}

	vcb.mu.Lock()
	defer vcb.mu.Unlock()

	switch vcb.state {
	case cbClosed:
		return true

	case cbOpen:
		if time.Since(vcb.openedAt) >= cb.cfg.cooldown() {
			vcb.state = cbHalfOpen
			vcb.probeInflight = true
			cb.persist(vendor, vcb)
			return true
		}
		return false

	case cbHalfOpen:
		if vcb.probeInflight {
			return false
		}
		vcb.probeInflight = true
		return true
	}

	return true
}

// RecordSuccess marks a successful response for vendor and resets the
// breaker to Closed regardless of its previous state.
func (cb *CircuitBreaker) RecordSuccess(vendor string) {
	vcb := cb.get(vendor)
	if vcb == nil {
		return
	}

	vcb.mu.Lock()
	defer vcb.mu.Unlock()

	vcb.state = cbClosed
	vcb.failureCount = 0
	vcb.probeInflight = false
	cb.persist(vendor, vcb)
}

// RecordFailure registers one 5xx or transport failure for vendor. The
// breaker opens when the consecutive count since the last success reaches the
// threshold. A failed half-open probe reopens immediately.
func (cb *CircuitBreaker) RecordFailure(vendor string) {
	vcb := cb.get(vendor)
	if vcb == nil {
		return
	}

	vcb.mu.Lock()
	defer vcb.mu.Unlock()

	if vcb.state == cbHalfOpen {
		vcb.state = cbOpen
		vcb.openedAt = time.Now()
		vcb.probeInflight = false
		cb.persist(vendor, vcb)
		return
	}

	vcb.failureCount++
	if vcb.failureCount >= cb.cfg.failureThreshold() {
		vcb.state = cbOpen
		vcb.openedAt = time.Now()
	}
	cb.persist(vendor, vcb)
}

// State returns the current cbState for vendor (used by status snapshots).
func (cb *CircuitBreaker) State(vendor string) cbState {
	vcb := cb.get(vendor)
	if vcb == nil {
		return cbClosed
	}
	vcb.mu.Lock()
	defer vcb.mu.Unlock()
	return vcb.state
}

// StateLabel returns "closed", "open", or "half_open".
func (cb *CircuitBreaker) StateLabel(vendor string) string {
	switch cb.State(vendor) {
	case cbOpen:
		return "open"
	case cbHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// FailureCount returns the current consecutive-failure count for vendor.
func (cb *CircuitBreaker) FailureCount(vendor string) int {
	vcb := cb.get(vendor)
	if vcb == nil {
		return 0
	}
	vcb.mu.Lock()
	defer vcb.mu.Unlock()
	return vcb.failureCount
}

func (cb *CircuitBreaker) get(vendor string) *vendorCB {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.breakers[vendor]
}

// persist writes one breaker state through to the shared store. Called with
// the vendor's lock held; the write itself happens off the request path and
// is dropped when the write budget is exhausted.
func (cb *CircuitBreaker) persist(vendor string, vcb *vendorCB) {
	if cb.shared == nil {
		return
	}
	if !cb.writes.TryAcquire(1) {
		return
	}

	p := persistedCB{
		State:        int(vcb.state),
		FailureCount: vcb.failureCount,
		OpenedAt:     vcb.openedAt,
	}
	key := cb.prefix + ":cb:" + vendor
	ttl := 3 * cb.cfg.cooldown()

	go func() {
		defer cb.writes.Release(1)
		data, err := json.Marshal(p)
		if err != nil {
			return
		}
		_ = cb.shared.Set(context.Background(), key, data, ttl)
	}()
}
