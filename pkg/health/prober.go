// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

// Package health runs the periodic liveness probe described in spec.md
// §4.2: HTTP workers are GETed, gRPC workers are probed through the
// standard gRPC health-checking protocol.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/mcpany/gateway/pkg/config"
	"github.com/mcpany/gateway/pkg/registry"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Checker performs one liveness check against a worker. It is swapped out
// in tests to avoid real network I/O.
type Checker interface {
	Check(ctx context.Context, w *registry.Worker) error
}

// Prober runs one background goroutine per registered, health-checked
// worker, matching spec.md §4.2's "periodic task at check_interval"
// wording. It never blocks the scheduler with synchronous I/O: every
// check runs with a bounded context timeout.
type Prober struct {
	log      *slog.Logger
	registry *registry.Registry
	checker  Checker

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewProber builds a prober with the default HTTP+gRPC checker.
func NewProber(reg *registry.Registry, log *slog.Logger) *Prober {
	if log == nil {
		log = slog.Default()
	}
	return &Prober{
		log:      log,
		registry: reg,
		checker:  defaultChecker{client: &http.Client{}},
		cancels:  make(map[string]context.CancelFunc),
	}
}

// WithChecker overrides the liveness checker (used by tests).
func (p *Prober) WithChecker(c Checker) *Prober {
	p.checker = c
	return p
}

// Watch starts (or restarts) the periodic probe loop for w, unless its
// health check is disabled.
func (p *Prober) Watch(ctx context.Context, w *registry.Worker) {
	if w.Config().Health.Disabled {
		return
	}
	interval := w.Config().Health.CheckInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}

	p.mu.Lock()
	if cancel, ok := p.cancels[w.URL()]; ok {
		cancel()
	}
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancels[w.URL()] = cancel
	p.mu.Unlock()

	p.wg.Add(1)
	go p.loop(loopCtx, w, interval)
}

// Unwatch stops probing a worker (called when it is removed from the
// registry).
func (p *Prober) Unwatch(url string) {
	p.mu.Lock()
	cancel, ok := p.cancels[url]
	delete(p.cancels, url)
	p.mu.Unlock()
	if ok {
		cancel()
	}
}

// Stop cancels every running probe loop and waits for them to exit.
func (p *Prober) Stop() {
	p.mu.Lock()
	for _, cancel := range p.cancels {
		cancel()
	}
	p.cancels = make(map[string]context.CancelFunc)
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Prober) loop(ctx context.Context, w *registry.Worker, interval time.Duration) {
	defer p.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.runOnce(ctx, w)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.runOnce(ctx, w)
		}
	}
}

func (p *Prober) runOnce(ctx context.Context, w *registry.Worker) {
	timeout := w.Config().Health.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	checkCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := p.checker.Check(checkCtx, w)
	healthy := err == nil
	if w.Healthy() != healthy {
		p.log.Info("worker health changed", "url", w.URL(), "healthy", healthy, "error", err)
	}
	w.SetHealthy(healthy)
}

// defaultChecker dispatches on the worker's runtime.
type defaultChecker struct {
	client *http.Client
}

func (c defaultChecker) Check(ctx context.Context, w *registry.Worker) error {
	switch w.Runtime() {
	case config.RuntimeGRPC:
		return c.checkGRPC(ctx, w)
	default:
		return c.checkHTTP(ctx, w)
	}
}

func (c defaultChecker) checkHTTP(ctx context.Context, w *registry.Worker) error {
	endpoint := w.Config().Health.Endpoint
	if endpoint == "" {
		endpoint = "/healthz"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.URL()+endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("unhealthy status %d", resp.StatusCode)
	}
	return nil
}

func (c defaultChecker) checkGRPC(ctx context.Context, w *registry.Worker) error {
	conn, err := grpc.NewClient(w.URL(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	client := healthpb.NewHealthClient(conn)
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return fmt.Errorf("health rpc failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("unhealthy status %s", resp.GetStatus())
	}
	return nil
}
