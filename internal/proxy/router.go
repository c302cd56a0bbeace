package proxy

import (
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management API handler functions
// that are registered alongside the proxy routes.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// Handler builds the full routed, middleware-wrapped request handler.
// Exposed separately from Start so tests can drive it over an in-memory
// listener.
func (g *Gateway) Handler(mgmt *ManagementRoutes) fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/chat/completions", g.dispatchChat)
	r.POST("/v1/messages", g.dispatchMessages)
	r.POST("/v1/images/generations", g.dispatchImages)
	r.POST("/v1/embeddings", g.dispatchEmbeddings)
	r.GET("/v1/queue/{jobId}", g.handleQueuePoll)
	r.GET("/v1/providers/status", g.handleProvidersStatus)
	r.GET("/health", g.handleHealth)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
		auth(g.apiKey),
	)
}

// Server builds the fasthttp server around the routed handler. Timeouts are
// generous since streaming completions can legitimately run for minutes.
func (g *Gateway) Server(mgmt *ManagementRoutes) *fasthttp.Server {
	return &fasthttp.Server{
		Handler:      g.Handler(mgmt),
		Name:         "ai-router",
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
}

// Start starts the HTTP server on addr (e.g. ":3000") and blocks until it
// stops. Pass nil for mgmt to start without the /metrics route.
func (g *Gateway) Start(addr string, mgmt *ManagementRoutes) error {
	return g.Server(mgmt).ListenAndServe(addr)
}
