// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

package mcp

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mcpany/gateway/pkg/config"
)

// DecisionSource records why an approval decision came out the way it did,
// for the audit trail (spec.md §4.5, §8 property 2).
type DecisionSource string

const (
	SourceAlwaysAllow DecisionSource = "always_allow"
	SourcePolicy      DecisionSource = "policy"
	SourceInteractive DecisionSource = "interactive"
	SourceAnnotation  DecisionSource = "annotation_default"
	SourceTimeout     DecisionSource = "timeout"
)

// DecisionResult is the outcome of one approval decision.
type DecisionResult struct {
	Approved bool
	Denied   bool
	Reason   string
	Pending  bool
	TimedOut bool
}

// Approved reports a clean allow.
func Approved() DecisionResult { return DecisionResult{Approved: true} }

// Denied reports a refusal with a human-readable reason.
func Denied(reason string) DecisionResult { return DecisionResult{Denied: true, Reason: reason} }

// Pending reports that a human decision is still outstanding.
func Pending() DecisionResult { return DecisionResult{Pending: true} }

// TimedOut reports that an interactive approval expired unanswered.
func TimedOut() DecisionResult { return DecisionResult{TimedOut: true} }

// IsFinal reports whether this decision will not change on its own (i.e.
// it isn't Pending).
func (d DecisionResult) IsFinal() bool { return !d.Pending }

// ApprovalKey identifies one outstanding approval request. Per spec.md §4.5
// and §8 property 2, at most one approval may be pending for a given key at
// a time.
type ApprovalKey struct {
	TenantID          string
	SessionID         string
	QualifiedToolName QualifiedToolName
}

func (k ApprovalKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.TenantID, k.SessionID, k.QualifiedToolName)
}

// AuditEntry is one immutable record of an approval decision (grounded on
// the original implementation's audit.rs AuditEntry).
type AuditEntry struct {
	ID        string
	Timestamp time.Time
	TenantID  string
	RequestID string
	ServerKey string
	ToolName  string
	Result    DecisionResult
	Source    DecisionSource
}

const defaultAuditCapacity = 10000

// AuditLog is an append-only ring buffer of approval decisions: once full,
// recording a new entry silently drops the oldest one. Ported conceptually
// from the original Rust implementation's VecDeque-backed AuditLog.
type AuditLog struct {
	mu       sync.RWMutex
	entries  []AuditEntry
	capacity int
}

// NewAuditLog builds an AuditLog holding at most capacity entries. A
// capacity <= 0 falls back to the original implementation's default of
// 10000.
func NewAuditLog(capacity int) *AuditLog {
	if capacity <= 0 {
		capacity = defaultAuditCapacity
	}
	return &AuditLog{capacity: capacity}
}

// Record appends entry, evicting the oldest entry first if the log is full.
func (l *AuditLog) Record(entry AuditEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.entries) >= l.capacity {
		l.entries = l.entries[1:]
	}
	l.entries = append(l.entries, entry)
}

// RecordDecision builds and records an AuditEntry in one call, matching the
// call shape orchestrator code uses at each decision point.
func (l *AuditLog) RecordDecision(qual QualifiedToolName, tenantID, requestID string, result DecisionResult, source DecisionSource) {
	l.Record(AuditEntry{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		TenantID:  tenantID,
		RequestID: requestID,
		ServerKey: qual.ServerKey,
		ToolName:  qual.ToolName,
		Result:    result,
		Source:    source,
	})
}

// Recent returns up to limit most-recently-recorded entries, newest first.
func (l *AuditLog) Recent(limit int) []AuditEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if limit <= 0 || limit > len(l.entries) {
		limit = len(l.entries)
	}
	out := make([]AuditEntry, limit)
	for i := 0; i < limit; i++ {
		out[i] = l.entries[len(l.entries)-1-i]
	}
	return out
}

// ForTenant returns up to limit entries belonging to tenantID, newest first.
func (l *AuditLog) ForTenant(tenantID string, limit int) []AuditEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []AuditEntry
	for i := len(l.entries) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if l.entries[i].TenantID == tenantID {
			out = append(out, l.entries[i])
		}
	}
	return out
}

// ForRequest returns every entry recorded for requestID, in recording order.
func (l *AuditLog) ForRequest(requestID string) []AuditEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []AuditEntry
	for _, e := range l.entries {
		if e.RequestID == requestID {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of entries currently retained.
func (l *AuditLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// pendingApproval tracks one outstanding interactive approval.
type pendingApproval struct {
	resolved chan DecisionResult
}

// ApprovalManager gates destructive tool calls (spec.md §3, §4.5, §8
// property 2): a call whose tool is Destructive, not ReadOnly, and matches
// no allow policy must wait for an explicit decision, and at most one
// approval may be outstanding per ApprovalKey at a time.
type ApprovalManager struct {
	audit *AuditLog

	mu      sync.Mutex
	pending map[ApprovalKey]*pendingApproval
}

// NewApprovalManager builds an ApprovalManager backed by audit.
func NewApprovalManager(audit *AuditLog) *ApprovalManager {
	return &ApprovalManager{audit: audit, pending: make(map[ApprovalKey]*pendingApproval)}
}

// RequiresApproval reports whether a call to entry must be gated, per
// spec.md §4.5's ordering rule: destructive && !read_only && mode isn't
// always_allow. No per-tool policy rules are consulted.
func RequiresApproval(entry ToolEntry, mode config.ApprovalMode) bool {
	if mode == config.ApprovalModeAlwaysAllow {
		return false
	}
	if !entry.Annotations.Destructive || entry.Annotations.ReadOnly {
		return false
	}
	return true
}

// Decide evaluates one call against key's tool, recording exactly one
// AuditEntry for the decision (spec.md §8 property 2's "exactly one audit
// entry per decision" invariant). For ApprovalModePolicy, a call that
// requires approval is immediately Denied, since no interactive channel is
// configured to resolve it; callers that want a human in the loop must use
// ApprovalModeInteractive and resolve the key via Resolve.
func (m *ApprovalManager) Decide(key ApprovalKey, entry ToolEntry, mode config.ApprovalMode, requestID string) DecisionResult {
	if !RequiresApproval(entry, mode) {
		result := Approved()
		m.audit.RecordDecision(key.QualifiedToolName, key.TenantID, requestID, result, SourceAnnotation)
		return result
	}

	if mode == config.ApprovalModePolicy {
		result := Denied("destructive tool call requires interactive approval, but approval_mode is \"policy\"")
		m.audit.RecordDecision(key.QualifiedToolName, key.TenantID, requestID, result, SourcePolicy)
		return result
	}

	result := Pending()
	m.audit.RecordDecision(key.QualifiedToolName, key.TenantID, requestID, result, SourceInteractive)
	return result
}

// BeginInteractive registers key as having a pending interactive approval
// and returns a channel that receives the eventual decision. It returns an
// error if key already has one pending, enforcing the
// at-most-one-pending-per-key invariant.
func (m *ApprovalManager) BeginInteractive(key ApprovalKey) (<-chan DecisionResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.pending[key]; exists {
		return nil, fmt.Errorf("mcp: approval already pending for %s", key)
	}
	p := &pendingApproval{resolved: make(chan DecisionResult, 1)}
	m.pending[key] = p
	return p.resolved, nil
}

// Resolve delivers a human decision for key, recording the outcome to the
// audit log and clearing the pending slot so a later call may request
// approval again. It is a no-op if key has no pending approval (e.g. it
// already timed out).
func (m *ApprovalManager) Resolve(key ApprovalKey, requestID string, approved bool, reason string) {
	m.mu.Lock()
	p, exists := m.pending[key]
	if exists {
		delete(m.pending, key)
	}
	m.mu.Unlock()
	if !exists {
		return
	}

	var result DecisionResult
	if approved {
		result = Approved()
	} else {
		result = Denied(reason)
	}
	m.audit.RecordDecision(key.QualifiedToolName, key.TenantID, requestID, result, SourceInteractive)
	p.resolved <- result
}

// ExpireTimedOut resolves key as TimedOut if it is still pending, for the
// caller awaiting BeginInteractive's channel to unblock on a deadline.
func (m *ApprovalManager) ExpireTimedOut(key ApprovalKey, requestID string) {
	m.mu.Lock()
	p, exists := m.pending[key]
	if exists {
		delete(m.pending, key)
	}
	m.mu.Unlock()
	if !exists {
		return
	}
	result := TimedOut()
	m.audit.RecordDecision(key.QualifiedToolName, key.TenantID, requestID, result, SourceTimeout)
	p.resolved <- result
}

// HasPending reports whether key currently has an outstanding approval.
func (m *ApprovalManager) HasPending(key ApprovalKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, exists := m.pending[key]
	return exists
}
