package ratelimit

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/nulpointcorp/ai-router/internal/store"
)

// maxOutstandingWrites bounds the number of concurrent fire-and-forget state
// writes to the shared store. Writes beyond the bound are dropped.
const maxOutstandingWrites = 32

// State holds the rate-limit view of one (vendor, model) pair. Exported
// fields so the state round-trips through the shared store as JSON.
type State struct {
	CoolingDown       bool      `json:"cooling_down"`
	CooldownUntil     time.Time `json:"cooldown_until"`
	RemainingRequests int       `json:"remaining_requests"`
	RemainingTokens   int       `json:"remaining_tokens"`
	ResetRequestsAt   time.Time `json:"reset_requests_at"`
	ResetTokensAt     time.Time `json:"reset_tokens_at"`
}

// Candidate is one (vendor, vendor-model) entry of a fallback chain.
type Candidate struct {
	Vendor string
	Model  string
}

// Tracker maintains per-(vendor, model) cooldown and remaining-counter state
// and predicts which candidates should be skipped proactively.
//
// It is safe for concurrent use. When a shared store is attached, every
// mutation writes through (fire-and-forget) and the map reloads at startup,
// so multiple router replicas converge on the same view.
type Tracker struct {
	mu     sync.Mutex
	states map[string]*State

	// lowThreshold triggers proactive avoidance when the known remaining
	// request count drops strictly below it.
	lowThreshold int

	shared *store.RedisStore
	prefix string
	writes *semaphore.Weighted
}

// New creates a Tracker with the given proactive-skip threshold.
func New(lowThreshold int) *Tracker {
	return &Tracker{
		states:       make(map[string]*State),
		lowThreshold: lowThreshold,
		writes:       semaphore.NewWeighted(maxOutstandingWrites),
	}
}

// SetSharedStore attaches the distributed backing. Keys are written as
// "<prefix>:rl:<vendor>:<model>".
func (t *Tracker) SetSharedStore(s *store.RedisStore, prefix string) {
	t.shared = s
	t.prefix = prefix
}

// Load reloads the tracker map from the shared store. Malformed entries are
// skipped; on any error the map simply starts empty.
func (t *Tracker) Load(ctx context.Context) {
	if t.shared == nil {
		return
	}

	pattern := t.prefix + ":rl:*"
	loaded := 0
	for _, key := range t.shared.Keys(ctx, pattern) {
		data, ok := t.shared.Get(ctx, key)
		if !ok {
			continue
		}
		var st State
		if err := json.Unmarshal(data, &st); err != nil {
			continue
		}
		rest := strings.TrimPrefix(key, t.prefix+":rl:")
		vendor, model, found := strings.Cut(rest, ":")
		if !found || vendor == "" || model == "" {
			continue
		}

		t.mu.Lock()
		t.states[stateKey(vendor, model)] = &st
		t.mu.Unlock()
		loaded++
	}

	if loaded > 0 {
		slog.Info("rate-limit state loaded", slog.Int("entries", loaded))
	}
}

// Update observes one upstream response for (vendor, model).
//
// On 429 the pair enters cooldown for the retry-after duration (default 60s).
// On 2xx the vendor's headers overwrite the counters and resets, and an
// elapsed cooldown is cleared.
func (t *Tracker) Update(vendor, model string, status int, h http.Header) {
	now := time.Now()

	t.mu.Lock()
	st := t.getLocked(vendor, model)

	switch {
	case status == http.StatusTooManyRequests:
		st.CoolingDown = true
		st.CooldownUntil = now.Add(ParseRetryAfter(headerGet(h, "retry-after"), now))

	case status >= 200 && status < 300:
		parsed := ParseVendorHeaders(vendor, h, now)
		st.RemainingRequests = parsed.RemainingRequests
		st.RemainingTokens = parsed.RemainingTokens
		st.ResetRequestsAt = parsed.ResetRequestsAt
		st.ResetTokensAt = parsed.ResetTokensAt
		if st.CoolingDown && !now.Before(st.CooldownUntil) {
			st.CoolingDown = false
			st.CooldownUntil = time.Time{}
		}
	}

	snapshot := *st
	t.mu.Unlock()

	t.writeThrough(vendor, model, snapshot, now)
}

// ShouldAvoid reports whether (vendor, model) should be skipped: either it is
// actively cooling down, or its known remaining request count is strictly
// below the low threshold. Stale cooldowns are cleared as a side effect.
func (t *Tracker) ShouldAvoid(vendor, model string) bool {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.states[stateKey(vendor, model)]
	if !ok {
		return false
	}

	if st.CoolingDown {
		if now.Before(st.CooldownUntil) {
			return true
		}
		st.CoolingDown = false
		st.CooldownUntil = time.Time{}
	}

	// Strict comparison: remaining == threshold is still available, which
	// avoids one-shot starvation at the boundary.
	if st.RemainingRequests != unknown && st.RemainingRequests < t.lowThreshold {
		return true
	}

	return false
}

// EarliestAvailable returns the earliest instant any candidate is expected to
// accept traffic: the minimum over candidates of cooldownUntil (if cooling),
// else resetRequestsAt (if remaining is low), else now. Unknown candidates
// count as available now. If every candidate is constrained but none exposes
// a reset instant, the fallback is now + 60s.
func (t *Tracker) EarliestAvailable(candidates []Candidate) time.Time {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	var earliest time.Time
	constrained := false

	for _, c := range candidates {
		st, ok := t.states[stateKey(c.Vendor, c.Model)]
		if !ok {
			return now
		}

		switch {
		case st.CoolingDown && now.Before(st.CooldownUntil):
			constrained = true
			if earliest.IsZero() || st.CooldownUntil.Before(earliest) {
				earliest = st.CooldownUntil
			}

		case st.RemainingRequests != unknown && st.RemainingRequests < t.lowThreshold:
			constrained = true
			if !st.ResetRequestsAt.IsZero() && (earliest.IsZero() || st.ResetRequestsAt.Before(earliest)) {
				earliest = st.ResetRequestsAt
			}

		default:
			return now
		}
	}

	if !constrained {
		return now
	}
	if earliest.IsZero() {
		// Constrained but no candidate exposed a reset instant.
		return now.Add(DefaultRetryAfter)
	}
	if earliest.Before(now) {
		return now
	}
	return earliest
}

// Snapshot returns a copy of the current state map keyed "vendor:model",
// for the providers/status endpoint.
func (t *Tracker) Snapshot() map[string]State {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]State, len(t.states))
	for k, st := range t.states {
		out[k] = *st
	}
	return out
}

func (t *Tracker) getLocked(vendor, model string) *State {
	key := stateKey(vendor, model)
	st, ok := t.states[key]
	if !ok {
		st = &State{RemainingRequests: unknown, RemainingTokens: unknown}
		t.states[key] = st
	}
	return st
}

// writeThrough persists one state to the shared store without blocking the
// request path. If the write budget is exhausted the update is dropped — the
// TTL bounds how stale a replica's view can get.
func (t *Tracker) writeThrough(vendor, model string, st State, now time.Time) {
	if t.shared == nil {
		return
	}
	if !t.writes.TryAcquire(1) {
		return
	}

	go func() {
		defer t.writes.Release(1)

		data, err := json.Marshal(st)
		if err != nil {
			return
		}

		ttl := DefaultRetryAfter
		if st.CoolingDown {
			if remaining := st.CooldownUntil.Sub(now); remaining > ttl {
				ttl = remaining
			}
		}

		key := t.prefix + ":rl:" + vendor + ":" + model
		_ = t.shared.Set(context.Background(), key, data, ttl)
	}()
}

func stateKey(vendor, model string) string {
	return vendor + ":" + model
}

// headerGet is a nil-safe case-insensitive header lookup.
func headerGet(h http.Header, key string) string {
	if h == nil {
		return ""
	}
	return h.Get(key)
}
