// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mcpany/gateway/pkg/bus"
	"github.com/mcpany/gateway/pkg/config"
	"github.com/mcpany/gateway/pkg/logging"
	"github.com/mcpany/gateway/pkg/transformer"
	"github.com/mcpany/gateway/pkg/worker"
	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

// OutcomeKind discriminates the five shapes execute_tools can return for a
// single input, per spec.md §4.5.
type OutcomeKind string

const (
	OutcomeSuccess         OutcomeKind = "success"
	OutcomeDenied          OutcomeKind = "denied"
	OutcomePendingApproval OutcomeKind = "pending_approval"
	OutcomeError           OutcomeKind = "error"
	OutcomeAlreadyPending  OutcomeKind = "already_pending"
)

// Outcome is the per-input result of execute_tools (spec.md §4.5).
type Outcome struct {
	Kind     OutcomeKind
	Output   json.RawMessage
	Duration time.Duration
	Reason   string
	Err      error
}

// ToolCall is one requested tool invocation plus the context it is
// evaluated under.
type ToolCall struct {
	CallID      string
	ServerLabel string
	Qualified   QualifiedToolName
	ArgsJSON    json.RawMessage
	Format      transformer.Format
}

// ExecContext carries the tenant/session identity an approval key and audit
// entry are recorded against, and the request id they're grouped under.
type ExecContext struct {
	TenantID  string
	SessionID string
	RequestID string
}

// ensureMCPClient is the per-server-key result of ensure_request_mcp_client
// (spec.md §4.5): the label callers used to reference the server, and the
// server key it resolved to.
type ensureMCPClient struct {
	Label     string
	ServerKey string
}

// Orchestrator is the facade over the connection pool, tool inventory and
// approval manager that the request pipeline calls through (spec.md §4.5,
// "MCP Orchestrator"): the batched execute_tools entry point is the only
// way tool calls reach an MCP server. Once approval-gated, an admitted
// call is dispatched as a bus.ToolExecutionRequest and actually performed
// by the bounded worker pool draining that bus (spec_full §4.13), so the
// orchestrator itself never calls the MCP transport directly except from
// the pool's Executor callback.
type Orchestrator struct {
	pool      *Pool
	inventory *Inventory
	approvals *ApprovalManager
	configs   map[string]config.MCPServerConfig

	busProvider *bus.Provider
	workerPool  *worker.Pool
}

// NewOrchestrator builds an Orchestrator wired to the given server
// configurations, bus backend and worker pool concurrency. Callers must
// call RefreshInventory once before the first list_tools/execute_tools
// call so every configured server's tools are discoverable. The worker
// pool is started immediately: by the time NewOrchestrator returns,
// ExecuteTools can already dispatch through it.
func NewOrchestrator(servers []config.MCPServerConfig, auditCapacity int, busCfg config.BusConfig, poolCfg config.WorkerPoolConfig) *Orchestrator {
	configs := make(map[string]config.MCPServerConfig, len(servers))
	for _, s := range servers {
		configs[s.ServerKey] = s
	}
	o := &Orchestrator{
		pool:      NewPool(servers),
		inventory: NewInventory(),
		approvals: NewApprovalManager(NewAuditLog(auditCapacity)),
		configs:   configs,
	}

	provider, err := bus.NewProvider(busCfg)
	if err != nil {
		logging.GetLogger().Error("mcp: bus provider misconfigured, falling back to in-memory", "error", err)
		provider, _ = bus.NewProvider(config.DefaultBusConfig())
	}
	o.busProvider = provider
	o.workerPool = worker.New(provider, worker.Config{MaxWorkers: poolCfg.Concurrency, MaxQueueSize: poolCfg.QueueDepth}, o.executeRequest)
	o.workerPool.Start(context.Background())

	return o
}

// Audit exposes the underlying audit log for the admin surface.
func (o *Orchestrator) Audit() *AuditLog { return o.approvals.audit }

// EnsureRequestMCPClient validates that every (label, serverKey) pair a
// request names maps to a live connection, dialing it if necessary
// (spec.md §4.5 "ensure_request_mcp_client").
func (o *Orchestrator) EnsureRequestMCPClient(ctx context.Context, tools []ToolCall) ([]ensureMCPClient, error) {
	seen := make(map[string]bool)
	out := make([]ensureMCPClient, 0, len(tools))
	for _, t := range tools {
		key := t.Qualified.ServerKey
		if seen[key] {
			continue
		}
		seen[key] = true
		if _, err := o.pool.Get(ctx, key); err != nil {
			return nil, fmt.Errorf("mcp: ensuring client for server %q: %w", key, err)
		}
		out = append(out, ensureMCPClient{Label: t.ServerLabel, ServerKey: key})
	}
	return out, nil
}

// RefreshInventory re-fetches the tool list from every configured server
// and replaces its entries in the inventory. A server that fails to answer
// keeps its previously known tools rather than being wiped to empty.
func (o *Orchestrator) RefreshInventory(ctx context.Context) {
	for key := range o.configs {
		sess, err := o.pool.Get(ctx, key)
		if err != nil {
			logging.GetLogger().Warn("mcp: skipping inventory refresh, server unreachable", "server_key", key, "error", err)
			continue
		}
		res, err := sess.ListTools(ctx, &sdkmcp.ListToolsParams{})
		if err != nil {
			logging.GetLogger().Warn("mcp: list_tools failed", "server_key", key, "error", err)
			o.pool.Invalidate(key)
			continue
		}
		entries := make([]ToolEntry, 0, len(res.Tools))
		for _, t := range res.Tools {
			entries = append(entries, entryFromSDKTool(key, t))
		}
		o.inventory.Replace(key, entries)
	}
}

// ListTools returns every known tool entry for the given server keys, or
// for every configured server if serverKeys is empty (spec.md §4.5
// "list_tools").
func (o *Orchestrator) ListTools(serverKeys []string) []ToolEntry {
	return o.inventory.List(serverKeys)
}

// LookupTool resolves a bare function-call name to the single configured
// MCP tool it names, reporting false if no server exposes it or if more
// than one does (an ambiguous bare name cannot be treated as an MCP tool
// call; the streaming tool loop forwards it to the client unchanged).
func (o *Orchestrator) LookupTool(name string) (QualifiedToolName, bool) {
	entry, err := o.inventory.Lookup(name)
	if err != nil {
		return QualifiedToolName{}, false
	}
	return entry.QualifiedName, true
}

// ExecuteTools batches a set of tool calls through the approval gate, then
// dispatches every admitted call concurrently onto the bus for the worker
// pool to actually execute (spec.md §4.5 "execute_tools", spec_full §4.13).
// The length and order of the returned slice matches calls.
func (o *Orchestrator) ExecuteTools(ctx context.Context, calls []ToolCall, execCtx ExecContext) []Outcome {
	outcomes := make([]Outcome, len(calls))

	var wg sync.WaitGroup
	for i, call := range calls {
		entry, gated := o.gate(call, execCtx)
		if gated != nil {
			outcomes[i] = *gated
			continue
		}
		wg.Add(1)
		go func(i int, call ToolCall, entry ToolEntry) {
			defer wg.Done()
			outcomes[i] = o.dispatch(ctx, call, entry)
		}(i, call, entry)
	}
	wg.Wait()

	return outcomes
}

// gate runs the lookup/approval checks of spec.md §4.5 that must be
// decided immediately rather than handed to the worker pool: an unknown
// tool, an already-pending approval, a newly pending approval or an
// outright denial. A nil Outcome means the call is admitted for dispatch
// and entry is the resolved inventory entry to execute against.
func (o *Orchestrator) gate(call ToolCall, execCtx ExecContext) (ToolEntry, *Outcome) {
	entry, ok := o.inventory.Get(call.Qualified)
	if !ok {
		return ToolEntry{}, &Outcome{Kind: OutcomeError, Err: &ErrToolNotFound{ToolName: call.Qualified.String()}}
	}

	cfg := o.configs[call.Qualified.ServerKey]
	key := ApprovalKey{TenantID: execCtx.TenantID, SessionID: execCtx.SessionID, QualifiedToolName: call.Qualified}

	if o.approvals.HasPending(key) {
		return ToolEntry{}, &Outcome{Kind: OutcomeAlreadyPending, Reason: fmt.Sprintf("an approval is already pending for %s", key)}
	}

	decision := o.approvals.Decide(key, entry, cfg.ApprovalMode, execCtx.RequestID)
	switch {
	case decision.Pending:
		return ToolEntry{}, &Outcome{Kind: OutcomePendingApproval, Output: transformer.Transform(transformer.Input{
			Format:      call.Format,
			CallID:      call.CallID,
			ServerLabel: call.ServerLabel,
			ToolName:    call.Qualified.ToolName,
			ArgsJSON:    call.ArgsJSON,
		})}
	case decision.Denied:
		return ToolEntry{}, &Outcome{Kind: OutcomeDenied, Reason: decision.Reason}
	}

	return entry, nil
}

// dispatch publishes one admitted call as a bus.ToolExecutionRequest and
// blocks until the worker pool publishes back the correlated
// ToolExecutionResult, or ctx is cancelled first (spec_full §4.13). It
// subscribes for the reply before publishing the request so the pool can
// never answer before anyone is listening.
func (o *Orchestrator) dispatch(ctx context.Context, call ToolCall, entry ToolEntry) Outcome {
	cid := uuid.NewString()
	req := &bus.ToolExecutionRequest{
		BaseMessage: bus.BaseMessage{CID: cid},
		Context:     ctx,
		ServerKey:   call.Qualified.ServerKey,
		ToolName:    entry.OriginalName,
		ToolInputs:  call.ArgsJSON,
		CallID:      call.CallID,
		ServerLabel: call.ServerLabel,
		Format:      string(call.Format),
	}

	resultCh := make(chan *bus.ToolExecutionResult, 1)
	resultBus := bus.GetBus[*bus.ToolExecutionResult](o.busProvider, bus.ToolExecutionResultTopic)
	unsubscribe := resultBus.SubscribeOnce(ctx, cid, func(res *bus.ToolExecutionResult) {
		resultCh <- res
	})
	defer unsubscribe()

	start := time.Now()
	requestBus := bus.GetBus[*bus.ToolExecutionRequest](o.busProvider, bus.ToolExecutionRequestTopic)
	if err := requestBus.Publish(ctx, bus.ToolExecutionRequestTopic, req); err != nil {
		return Outcome{Kind: OutcomeError, Err: fmt.Errorf("mcp: publishing tool execution request: %w", err)}
	}

	select {
	case res := <-resultCh:
		duration := time.Since(start)
		if res.Err != "" {
			return Outcome{Kind: OutcomeError, Err: errors.New(res.Err), Output: res.Result, Duration: duration}
		}
		return Outcome{Kind: OutcomeSuccess, Output: res.Result, Duration: duration}
	case <-ctx.Done():
		return Outcome{Kind: OutcomeError, Err: ctx.Err(), Duration: time.Since(start)}
	}
}

// executeRequest is the worker.Executor the worker pool invokes for every
// ToolExecutionRequest it drains off the bus: it performs the actual MCP
// call and renders the Response Transformer's output item itself
// (spec.md §4.8), so the result published back onto the bus already holds
// client-shaped bytes regardless of success or failure.
func (o *Orchestrator) executeRequest(ctx context.Context, req *bus.ToolExecutionRequest) (json.RawMessage, error) {
	sess, err := o.pool.Get(ctx, req.ServerKey)
	if err != nil {
		return transformer.Transform(transformer.Input{
			Err:         err,
			Format:      transformer.Format(req.Format),
			CallID:      req.CallID,
			ServerLabel: req.ServerLabel,
			ToolName:    req.ToolName,
			ArgsJSON:    req.ToolInputs,
		}), err
	}

	result, callErr := sess.CallTool(ctx, &sdkmcp.CallToolParams{
		Name:      req.ToolName,
		Arguments: req.ToolInputs,
	})
	if callErr != nil {
		o.pool.Invalidate(req.ServerKey)
	}

	output := transformer.Transform(transformer.Input{
		Result:      result,
		Err:         callErr,
		Format:      transformer.Format(req.Format),
		CallID:      req.CallID,
		ServerLabel: req.ServerLabel,
		ToolName:    req.ToolName,
		ArgsJSON:    req.ToolInputs,
	})
	return output, callErr
}

// Close stops the worker pool, releases every pooled MCP connection and
// closes the bus provider's shared backend connection.
func (o *Orchestrator) Close() error {
	o.workerPool.Stop()
	poolErr := o.pool.Close()
	busErr := o.busProvider.Close()
	if poolErr != nil {
		return poolErr
	}
	return busErr
}
