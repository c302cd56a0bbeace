// Package metrics provides a Prometheus metrics registry for the router.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Metrics holds all exported metrics.
type Metrics struct {
	reg *prometheus.Registry

	// router_inflight_requests
	inFlight prometheus.Gauge

	// router_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// router_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// router_requests_total{vendor,status}
	requestsTotal *prometheus.CounterVec

	// router_upstream_attempts_total{vendor,route,outcome}
	upstreamAttempts *prometheus.CounterVec

	// router_upstream_attempt_duration_seconds{vendor,route,outcome}
	upstreamDuration *prometheus.HistogramVec

	// vendor_errors_total{vendor,error_type}
	vendorErrors *prometheus.CounterVec

	// circuit_breaker_state{vendor} — 0=closed, 1=open, 2=half-open
	circuitBreakerState *prometheus.GaugeVec

	// router_circuit_breaker_transitions_total{vendor,to_state}
	cbTransitions *prometheus.CounterVec

	// router_circuit_breaker_rejections_total{vendor,state}
	cbRejections *prometheus.CounterVec

	// router_ratelimit_skips_total{vendor,model}
	rateLimitSkips *prometheus.CounterVec

	// router_failover_events_total{primary,from,to,reason}
	failoverEvents *prometheus.CounterVec

	// router_failover_success_total{primary,to}
	failoverSuccess *prometheus.CounterVec

	// router_failover_exhausted_total{primary}
	failoverExhausted *prometheus.CounterVec

	// router_queue_depth
	queueDepth prometheus.Gauge

	// router_queue_enqueued_total{mode}
	queueEnqueued *prometheus.CounterVec

	// router_queue_outcomes_total{status}
	queueOutcomes *prometheus.CounterVec

	// router_tokens_total{vendor,route,direction}
	tokensTotal *prometheus.CounterVec

	// router_build_info{version}
	buildInfo *prometheus.GaugeVec

	cbMu        sync.Mutex
	lastCBState map[string]float64

	metricsHandler fasthttp.RequestHandler
}

func New() *Metrics {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	m := &Metrics{
		reg:         reg,
		lastCBState: make(map[string]float64),

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "router_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the router",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_http_requests_total",
				Help: "Total number of HTTP requests handled by the router",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "router_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes queue wait)",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"route"},
		),

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_requests_total",
				Help: "Total number of routed requests by serving vendor",
			},
			[]string{"vendor", "status"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_upstream_attempts_total",
				Help: "Total upstream vendor attempts (includes failovers)",
			},
			[]string{"vendor", "route", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "router_upstream_attempt_duration_seconds",
				Help:    "Upstream vendor attempt duration in seconds",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"vendor", "route", "outcome"},
		),

		vendorErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "vendor_errors_total",
				Help: "Total vendor errors by type",
			},
			[]string{"vendor", "error_type"},
		),

		circuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed,1=open,2=half-open)",
			},
			[]string{"vendor"},
		),

		cbTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_circuit_breaker_transitions_total",
				Help: "Circuit breaker transitions to a new state",
			},
			[]string{"vendor", "to_state"},
		),

		cbRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_circuit_breaker_rejections_total",
				Help: "Requests rejected due to circuit breaker state",
			},
			[]string{"vendor", "state"},
		),

		rateLimitSkips: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_ratelimit_skips_total",
				Help: "Chain candidates skipped proactively by the rate-limit tracker",
			},
			[]string{"vendor", "model"},
		),

		failoverEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_failover_events_total",
				Help: "Failover events between vendors (emitted when switching to a different vendor)",
			},
			[]string{"primary", "from", "to", "reason"},
		),

		failoverSuccess: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_failover_success_total",
				Help: "Successful failovers (request served by a non-primary vendor)",
			},
			[]string{"primary", "to"},
		),

		failoverExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_failover_exhausted_total",
				Help: "Requests that exhausted the fallback chain without success",
			},
			[]string{"primary"},
		),

		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "router_queue_depth",
			Help: "Pending jobs in the deferred-retry queue",
		}),

		queueEnqueued: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_queue_enqueued_total",
				Help: "Jobs accepted by the deferred-retry queue",
			},
			[]string{"mode"},
		),

		queueOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_queue_outcomes_total",
				Help: "Terminal queue job outcomes",
			},
			[]string{"status"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "router_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"vendor", "route", "direction"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "router_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		m.inFlight,
		m.httpRequestsTotal,
		m.httpDuration,
		m.requestsTotal,
		m.upstreamAttempts,
		m.upstreamDuration,
		m.vendorErrors,
		m.circuitBreakerState,
		m.cbTransitions,
		m.cbRejections,
		m.rateLimitSkips,
		m.failoverEvents,
		m.failoverSuccess,
		m.failoverExhausted,
		m.queueDepth,
		m.queueEnqueued,
		m.queueOutcomes,
		m.tokensTotal,
		m.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	m.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return m
}

func (m *Metrics) IncInFlight() { m.inFlight.Inc() }
func (m *Metrics) DecInFlight() { m.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (m *Metrics) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	m.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	m.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

func (m *Metrics) RecordRequest(vendor string, statusCode int) {
	m.requestsTotal.WithLabelValues(vendor, strconv.Itoa(statusCode)).Inc()
}

// ObserveUpstreamAttempt records one upstream vendor attempt.
func (m *Metrics) ObserveUpstreamAttempt(vendor, route, outcome string, dur time.Duration) {
	m.upstreamAttempts.WithLabelValues(vendor, route, outcome).Inc()
	m.upstreamDuration.WithLabelValues(vendor, route, outcome).Observe(dur.Seconds())
}

func (m *Metrics) RecordError(vendor, errType string) {
	m.vendorErrors.WithLabelValues(vendor, errType).Inc()
}

// SetCircuitBreaker sets the circuit breaker state gauge and increments a
// transition counter when the state changes.
func (m *Metrics) SetCircuitBreaker(vendor string, state int64) {
	m.circuitBreakerState.WithLabelValues(vendor).Set(float64(state))

	m.cbMu.Lock()
	prev, ok := m.lastCBState[vendor]
	if !ok || prev != float64(state) {
		m.lastCBState[vendor] = float64(state)
		m.cbTransitions.WithLabelValues(vendor, strconv.FormatInt(state, 10)).Inc()
	}
	m.cbMu.Unlock()
}

func (m *Metrics) RecordCircuitBreakerRejection(vendor, state string) {
	m.cbRejections.WithLabelValues(vendor, state).Inc()
}

func (m *Metrics) RecordRateLimitSkip(vendor, model string) {
	m.rateLimitSkips.WithLabelValues(vendor, model).Inc()
}

func (m *Metrics) RecordFailover(primary, from, to, reason string) {
	m.failoverEvents.WithLabelValues(primary, from, to, reason).Inc()
}

func (m *Metrics) RecordFailoverSuccess(primary, to string) {
	m.failoverSuccess.WithLabelValues(primary, to).Inc()
}

func (m *Metrics) RecordFailoverExhausted(primary string) {
	m.failoverExhausted.WithLabelValues(primary).Inc()
}

func (m *Metrics) SetQueueDepth(depth int) {
	m.queueDepth.Set(float64(depth))
}

func (m *Metrics) RecordQueueEnqueue(mode string) {
	m.queueEnqueued.WithLabelValues(mode).Inc()
}

func (m *Metrics) RecordQueueOutcome(status string) {
	m.queueOutcomes.WithLabelValues(status).Inc()
}

func (m *Metrics) AddTokens(vendor, route string, inputTokens, outputTokens int) {
	if inputTokens > 0 {
		m.tokensTotal.WithLabelValues(vendor, route, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		m.tokensTotal.WithLabelValues(vendor, route, "output").Add(float64(outputTokens))
	}
}

func (m *Metrics) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	m.buildInfo.WithLabelValues(version).Set(1)
}

func (m *Metrics) Handler() fasthttp.RequestHandler {
	return m.metricsHandler
}

func (m *Metrics) PromRegistry() *prometheus.Registry { return m.reg }
