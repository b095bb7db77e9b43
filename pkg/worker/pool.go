// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

// Package worker implements the bounded async execution fabric that backs
// the MCP orchestrator's execute_tools (spec.md §4.5, spec_full §4.13):
// the orchestrator publishes a ToolExecutionRequest and awaits the
// correlated ToolExecutionResult published back by this pool, so from the
// orchestrator's point of view execution is synchronous even though it is
// dispatched through the bus.
package worker

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/mcpany/gateway/pkg/bus"
	"github.com/mcpany/gateway/pkg/logging"
)

// Config tunes the pool's concurrency.
type Config struct {
	// MaxWorkers bounds how many requests are executed concurrently.
	MaxWorkers int
	// MaxQueueSize bounds how many requests may be waiting for a free
	// worker before Publish on the request topic starts blocking (and,
	// per the in-memory bus's own bound, eventually timing out and
	// dropping the request).
	MaxQueueSize int
}

// Executor performs one tool invocation and returns its JSON-encoded
// result, or an error. It is supplied by the MCP orchestrator (pkg/mcp)
// and must itself be safe for concurrent use, since the pool calls it from
// up to Config.MaxWorkers goroutines at once.
type Executor func(ctx context.Context, req *bus.ToolExecutionRequest) (json.RawMessage, error)

// Pool drains ToolExecutionRequest messages off the bus, executes them
// (bounded to cfg.MaxWorkers concurrently) and publishes a
// ToolExecutionResult correlated by request ID back onto the bus.
//
// Start and Stop are each idempotent and safe to call from any goroutine;
// critically, a Stop that returns guarantees the pool's subscription has
// already been torn down, so no request published after Stop returns is
// ever processed (pool_race_test.go's regression: an earlier version
// raced Subscribe against the unsubscribe call and could still deliver one
// in-flight message after Stop returned).
type Pool struct {
	provider *bus.Provider
	cfg      Config
	exec     Executor

	mu          sync.Mutex
	running     bool
	cancel      context.CancelFunc
	unsubscribe bus.UnsubscribeFunc
	jobs        chan *bus.ToolExecutionRequest
	wg          sync.WaitGroup
}

// New builds a Pool. cfg's zero values are replaced with small positive
// defaults so a caller that forgets to tune them still gets a working
// pool rather than a permanently blocked one.
func New(provider *bus.Provider, cfg Config, exec Executor) *Pool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 4
	}
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = cfg.MaxWorkers * 4
	}
	return &Pool{provider: provider, cfg: cfg, exec: exec}
}

// Start subscribes to the tool-execution request topic and launches
// cfg.MaxWorkers worker goroutines. Calling Start on an already-running
// pool is a no-op.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.jobs = make(chan *bus.ToolExecutionRequest, p.cfg.MaxQueueSize)
	p.running = true

	for i := 0; i < p.cfg.MaxWorkers; i++ {
		p.wg.Add(1)
		go p.runWorker(runCtx)
	}

	reqBus := bus.GetBus[*bus.ToolExecutionRequest](p.provider, bus.ToolExecutionRequestTopic)
	jobs := p.jobs
	p.unsubscribe = reqBus.Subscribe(runCtx, bus.ToolExecutionRequestTopic, func(req *bus.ToolExecutionRequest) {
		select {
		case jobs <- req:
		case <-runCtx.Done():
		}
	})
}

// Stop tears down the subscription and waits for every in-flight request
// to finish before returning. Calling Stop on a pool that was never
// started, or already stopped, is a no-op.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	unsubscribe := p.unsubscribe
	cancel := p.cancel
	jobs := p.jobs
	p.mu.Unlock()

	// Unsubscribe first so no new request can reach the job channel, then
	// cancel so workers blocked waiting on an empty channel wake up, then
	// close the channel so workers draining it exit once it's empty.
	if unsubscribe != nil {
		unsubscribe()
	}
	cancel()
	close(jobs)
	p.wg.Wait()
}

func (p *Pool) runWorker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case req, ok := <-p.jobs:
			if !ok {
				return
			}
			p.handle(ctx, req)
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pool) handle(ctx context.Context, req *bus.ToolExecutionRequest) {
	execCtx := ctx
	if req.Context != nil {
		execCtx = req.Context
	}

	result := &bus.ToolExecutionResult{BaseMessage: bus.BaseMessage{CID: req.CorrelationID()}}
	raw, err := p.exec(execCtx, req)
	if err != nil {
		result.Err = err.Error()
	}
	result.Result = raw

	resBus := bus.GetBus[*bus.ToolExecutionResult](p.provider, bus.ToolExecutionResultTopic)
	if pubErr := resBus.Publish(ctx, req.CorrelationID(), result); pubErr != nil {
		logging.GetLogger().Warn("failed to publish tool execution result", "correlation_id", req.CorrelationID(), "error", pubErr)
	}
}
