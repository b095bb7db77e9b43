// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/mcpany/gateway/pkg/admin"
	"github.com/mcpany/gateway/pkg/config"
	"github.com/mcpany/gateway/pkg/health"
	"github.com/mcpany/gateway/pkg/logging"
	"github.com/mcpany/gateway/pkg/mcp"
	"github.com/mcpany/gateway/pkg/metrics"
	"github.com/mcpany/gateway/pkg/middleware"
	"github.com/mcpany/gateway/pkg/pipeline"
	"github.com/mcpany/gateway/pkg/ratelimit"
	"github.com/mcpany/gateway/pkg/registry"
	"github.com/mcpany/gateway/pkg/routing"
	"github.com/mcpany/gateway/pkg/storage"
	"github.com/mcpany/gateway/pkg/streaming"
	"github.com/mcpany/gateway/pkg/upstream"
)

// Server wires every core package into one running gateway: the worker
// registry, its background health prober, the routing policy (plus the
// cache-aware sketch evictor when that policy is active), the request
// pipeline, the MCP orchestrator and streaming tool loop, the admin
// surface, and the HTTP middleware chain spec_full §4.14 calls for.
type Server struct {
	cfg config.GatewayConfig

	Registry     *registry.Registry
	Upstream     *upstream.Manager
	Pipeline     *pipeline.Pipeline
	Orchestrator *mcp.Orchestrator
	Responses    storage.ResponseStorage
	Conversations storage.ConversationStorage
	Loop         *streaming.Loop
	Prober       *health.Prober
	Admin        *admin.Server

	cacheAware *routing.CacheAware
	limiter    *ratelimit.PerTenant

	httpServer *http.Server

	cancelBackground context.CancelFunc
}

// New builds a fully wired Server from cfg. It does not start listening or
// probing yet — call Start for that.
func New(cfg config.GatewayConfig) *Server {
	logging.Init(LogLevel(cfg), os.Stderr)
	metrics.Initialize()

	s := &Server{cfg: cfg}

	s.Registry = registry.New(s.onRegistryChange)
	s.Upstream = upstream.NewManager(nil)

	policy, cacheAware := newPolicy(cfg.Routing)
	s.cacheAware = cacheAware

	s.Pipeline = pipeline.New(s.Registry, policy, s.Upstream, cfg.RequestTimeout)
	s.Orchestrator = mcp.NewOrchestrator(cfg.MCPServers, cfg.AuditRingCapacity, cfg.Bus, cfg.WorkerPool)
	s.Responses = storage.NewMemoryResponseStorage()
	s.Conversations = storage.NewMemoryConversationStorage()
	s.Loop = streaming.NewLoop(s.Pipeline, s.Orchestrator, s.Responses)
	s.Prober = health.NewProber(s.Registry, logging.GetLogger())
	s.Admin = admin.NewServer(s.Registry)

	if !cfg.RateLimit.Disabled {
		s.limiter = ratelimit.NewPerTenant(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	}

	for _, wc := range cfg.Workers {
		s.Registry.Register(wc)
	}

	return s
}

// onRegistryChange keeps the health prober and upstream dispatcher cache in
// sync with registry mutations (spec_full §4.13's local, non-mesh fan-out).
func (s *Server) onRegistryChange(e registry.ChangeEvent) {
	switch e.Kind {
	case registry.ChangeRegistered:
		if w, ok := s.Registry.GetByURL(e.URL); ok {
			s.Prober.Watch(context.Background(), w)
		}
	case registry.ChangeRemoved:
		s.Prober.Unwatch(e.URL)
		s.Upstream.Evict(e.URL)
	}
}

// Handler builds the full HTTP handler: the routed mux wrapped in the
// middleware chain (logging outermost, then security headers, then rate
// limiting just before the routes it gates).
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.Admin.RegisterRoutes(mux)
	s.registerAPIRoutes(mux)
	mux.Handle("GET /metrics", metrics.Handler())

	var h http.Handler = mux
	if s.limiter != nil {
		h = middleware.RateLimitMiddleware(s.limiter, tenantKey)(h)
	}
	h = middleware.SecurityHeadersMiddleware(h)
	h = middleware.LoggingMiddleware(logging.GetLogger())(h)
	return h
}

// Start begins background tasks (health probing of pre-configured workers,
// cache-aware eviction) and serves HTTP until ctx is cancelled or Shutdown
// is called.
func (s *Server) Start(ctx context.Context) error {
	bgCtx, cancel := context.WithCancel(ctx)
	s.cancelBackground = cancel

	for _, w := range s.Registry.GetWorkersFiltered(registry.Filter{}) {
		s.Prober.Watch(bgCtx, w)
	}
	s.Orchestrator.RefreshInventory(bgCtx)

	if s.cacheAware != nil && s.cfg.Routing.EvictionIntervalSecs > 0 {
		go s.runCacheEviction(bgCtx)
	}

	s.httpServer = &http.Server{
		Addr:    Addr(s.cfg),
		Handler: s.Handler(),
	}
	logging.GetLogger().Info("gateway listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// runCacheEviction drives CacheAware.Evict on the configured interval,
// treating every currently-registered worker URL as live (spec.md §4.4).
func (s *Server) runCacheEviction(ctx context.Context) {
	interval := time.Duration(s.cfg.Routing.EvictionIntervalSecs) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			live := make(map[string]bool)
			for _, w := range s.Registry.GetWorkersFiltered(registry.Filter{}) {
				live[w.URL()] = true
			}
			s.cacheAware.Evict(live, interval*4)
		}
	}
}

// Shutdown stops background tasks, closes upstream dispatchers and, if the
// HTTP server was started, gracefully drains it.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancelBackground != nil {
		s.cancelBackground()
	}
	s.Prober.Stop()
	s.Upstream.CloseAll()
	if err := s.Orchestrator.Close(); err != nil {
		logging.GetLogger().Warn("gateway: error closing mcp orchestrator", "error", err)
	}
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// tenantKey extracts the rate-limit admission key for a request. Identity
// is explicitly out of scope (spec.md Non-goals), so this is necessarily
// coarse: a caller-supplied X-Tenant-Id is preferred, falling back to the
// connection's remote address so at least distinct clients get distinct
// buckets.
func tenantKey(r *http.Request) string {
	if t := r.Header.Get("X-Tenant-Id"); t != "" {
		return t
	}
	return r.RemoteAddr
}
