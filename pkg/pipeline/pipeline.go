// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/mcpany/gateway/pkg/apierr"
	"github.com/mcpany/gateway/pkg/registry"
	"github.com/mcpany/gateway/pkg/routing"
	"github.com/mcpany/gateway/pkg/upstream"
)

// Pipeline wires together worker selection, dispatch and the strict
// load/circuit-breaker accounting of spec.md §4.6.
type Pipeline struct {
	registry *registry.Registry
	policy   routing.Policy
	upstream *upstream.Manager
	timeout  time.Duration
}

// New builds a Pipeline. timeout is the per-request deadline applied in
// Execute (spec.md §4.6 "Per-request timeout = request_timeout_secs").
// BeginStream does not apply it: a streaming request is bounded only by
// the caller's context.
func New(reg *registry.Registry, policy routing.Policy, up *upstream.Manager, timeout time.Duration) *Pipeline {
	return &Pipeline{registry: reg, policy: policy, upstream: up, timeout: timeout}
}

// SelectWorker runs the SelectWorker state: it filters and ranks
// candidates without mutating any worker's load (spec.md §4.6 "select_worker
// selects without mutating load"), distinguishing ModelNotFound (404, no
// worker configured for the model at all) from NoHealthyWorkers (503, a
// configured worker exists but none currently passes the candidate
// filter) per spec.md §4.4's fallback rule.
//
// The candidate list is filtered with a non-mutating breaker peek
// (routing.Candidates), so the actual, mutating admission check
// (Worker.CanExecute, which performs the Open->HalfOpen transition and
// consumes that state's single probe slot) is only ever made against the
// one worker the policy picked — never against every candidate, which
// would let an unselected half-open worker burn its only probe with no
// request ever dispatched (spec.md §4.1 "admit at most one caller").
func (p *Pipeline) SelectWorker(req *Request) (*registry.Worker, *apierr.Error) {
	candidates := routing.Candidates(p.registry, req.Model)
	w, err := p.policy.Select(candidates, routing.Hint{})
	if err == nil {
		if !w.CanExecute() {
			return nil, apierr.NoHealthyWorkers(req.Model)
		}
		return w, nil
	}

	if !p.registry.AnyWorkerForModel(req.Model) {
		return nil, apierr.ModelNotFound(req.Model)
	}
	return nil, apierr.NoHealthyWorkers(req.Model)
}

// Handle is the load-accounting lifecycle callback a caller must invoke
// exactly once, regardless of exit path, after the response has been
// fully consumed (spec.md §4.6: "Load is decremented after the response
// body is fully delivered... This must hold on every exit path: success,
// upstream error, client disconnect, timeout. Circuit-breaker outcome is
// recorded once, after full consumption").
type Handle struct {
	worker   *registry.Worker
	finished bool
}

// Finish decrements the worker's load and records the circuit-breaker
// outcome. Calling it more than once is a no-op, so a caller that finishes
// on every exit path (success, error, disconnect, timeout) via defer can
// never double-count.
func (h *Handle) Finish(success bool) {
	if h == nil || h.finished {
		return
	}
	h.finished = true
	h.worker.DecrLoad()
	h.worker.Breaker.RecordOutcome(success)
}

// Build enters the Build state: it increments the worker's load (spec.md
// §4.6 "Entering Build increments the chosen worker's load") and returns
// the Handle the caller must Finish exactly once.
func (p *Pipeline) Build(w *registry.Worker) *Handle {
	w.IncrLoad()
	return &Handle{worker: w}
}

// Result is a fully-consumed non-streaming response.
type Result struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Execute runs the NonStream path end to end: Build, dispatch, read the
// full body, then Finish the handle — so a caller of Execute never needs
// to manage the Handle itself. It does not implement the NonStream
// "tool-calls? yes -> loop" transition; that belongs to a higher layer
// that inspects Result.Body and, if it finds pending tool calls, issues
// another Execute with the extended conversation.
func (p *Pipeline) Execute(ctx context.Context, req *Request, w *registry.Worker) (*Result, *apierr.Error) {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	handle := p.Build(w)

	dispatcher, err := p.upstream.For(w.Config())
	if err != nil {
		handle.Finish(false)
		return nil, apierr.Internal(err)
	}

	upReq, err := dispatcher.BuildRequest(ctx, upstream.BuildInput{
		Kind:          req.Kind,
		Model:         req.Model,
		Body:          req.RawBody,
		Stream:        false,
		Authorization: req.Authorization,
	})
	if err != nil {
		handle.Finish(false)
		return nil, apierr.Internal(err)
	}

	start := time.Now()
	upResp, err := dispatcher.Send(ctx, upReq)
	if err != nil {
		handle.Finish(false)
		return nil, apierr.UpstreamTransport(upstreamTransportStatus(ctx), err.Error())
	}
	defer upResp.Body.Close()

	body, err := io.ReadAll(upResp.Body)
	w.RecordLatency(time.Since(start))
	if err != nil {
		handle.Finish(false)
		return nil, apierr.UpstreamTransport(http.StatusBadGateway, "reading upstream response: "+err.Error())
	}

	success := upResp.StatusCode < 500
	handle.Finish(success)

	if upResp.StatusCode >= 400 {
		return &Result{StatusCode: upResp.StatusCode, Header: upResp.Header, Body: body},
			apierr.UpstreamProtocol(upResp.StatusCode, "upstream returned an error status")
	}

	return &Result{StatusCode: upResp.StatusCode, Header: upResp.Header, Body: body}, nil
}

// BeginStream enters the Build state for a streaming request and returns
// the dispatched upstream response plus the Handle the streaming layer
// (pkg/streaming) must Finish exactly once, after the final SSE frame is
// written (spec.md §4.6).
func (p *Pipeline) BeginStream(ctx context.Context, req *Request, w *registry.Worker) (*upstream.UpstreamResponse, *Handle, *apierr.Error) {
	handle := p.Build(w)

	dispatcher, err := p.upstream.For(w.Config())
	if err != nil {
		handle.Finish(false)
		return nil, nil, apierr.Internal(err)
	}

	upReq, err := dispatcher.BuildRequest(ctx, upstream.BuildInput{
		Kind:          req.Kind,
		Model:         req.Model,
		Body:          req.RawBody,
		Stream:        true,
		Authorization: req.Authorization,
	})
	if err != nil {
		handle.Finish(false)
		return nil, nil, apierr.Internal(err)
	}

	upResp, err := dispatcher.Send(ctx, upReq)
	if err != nil {
		handle.Finish(false)
		return nil, nil, apierr.UpstreamTransport(upstreamTransportStatus(ctx), err.Error())
	}

	return upResp, handle, nil
}

func upstreamTransportStatus(ctx context.Context) int {
	if ctx.Err() == context.DeadlineExceeded {
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}
