package proxy

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/memory-router/pkg/apierr"
)

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management API handler functions
// that are registered alongside the proxy routes.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// Start starts the HTTP server on addr (e.g. ":8080").
// Pass nil for routes to start in proxy-only mode.
func (g *Gateway) Start(addr string) error {
	return g.StartWithRoutes(addr, nil)
}

// StartWithRoutes starts the HTTP server with optional management routes.
func (g *Gateway) StartWithRoutes(addr string, mgmt *ManagementRoutes) error {
	srv := &fasthttp.Server{
		Handler:      g.Handler(mgmt),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return srv.ListenAndServe(addr)
}

// Handler builds the full route table wrapped in the middleware chain.
func (g *Gateway) Handler(mgmt *ManagementRoutes) fasthttp.RequestHandler {
	r := router.New()

	// Memory-routed surfaces.
	r.POST("/v1/chat/completions", g.instrument("chat_completions", g.handleChatCompletions))
	r.POST("/v1/messages", g.instrument("messages", g.handleMessages))
	r.POST("/v1/models/{model}", g.instrument("generate_content", g.handleGenerateContent))

	// Memoryless pass-throughs.
	r.POST("/v1/completions", g.instrument("completions", g.handleCompletions))
	r.POST("/v1/embeddings", g.instrument("embeddings", g.handleEmbeddings))
	r.POST("/v1/audio/{rest:*}", g.instrument("audio", g.handleAudio))
	r.POST("/v1/images/{rest:*}", g.instrument("images", g.handleImages))

	// Bulk import.
	r.POST("/v1/memory/upload", g.instrument("memory_upload", g.handleMemoryUpload))

	// Admin surface.
	r.GET("/v1/admin/vaults", g.handleAdminVaults)
	// Vault names contain a slash (key/scope), so the parameter is a catch-all.
	r.DELETE("/v1/admin/vaults/{name:*}", g.handleAdminDeleteVault)
	r.POST("/v1/admin/reembed", g.handleAdminReembed)
	r.GET("/v1/admin/provider-keys", g.handleAdminListProviderKeys)
	r.PUT("/v1/admin/provider-keys", g.handleAdminUpsertProviderKey)
	r.DELETE("/v1/admin/provider-keys/{provider}", g.handleAdminDeleteProviderKey)
	r.GET("/v1/admin/debug-storage", g.handleAdminDebugStorage)

	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)
}

// instrument wraps a route handler with in-flight and latency metrics.
func (g *Gateway) instrument(route string, h fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		g.metrics.IncInFlight()
		h(ctx)
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start))
	}
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	if g.health == nil {
		writeJSON(ctx, map[string]any{"status": "ok", "version": g.version})
		return
	}
	snap := g.health.Snapshot()
	snap.Version = g.version
	writeJSON(ctx, snap)
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.health == nil || g.health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}

// unmarshalBody decodes the JSON request body into v, writing the 400 on
// failure.
func unmarshalBody(ctx *fasthttp.RequestCtx, v any) error {
	if err := json.Unmarshal(ctx.PostBody(), v); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"malformed request body", apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return err
	}
	return nil
}
