// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

// Package mcp implements the MCP tool orchestrator (spec.md §4.5): the
// connection pool to configured MCP servers, the tool inventory exposed to
// callers, the approval gate guarding destructive calls, and the append-only
// audit log those decisions are recorded to.
package mcp

import (
	"encoding/json"
	"fmt"
	"sync"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

// QualifiedToolName identifies a tool unambiguously across every configured
// MCP server (spec.md §3 "Qualified Tool Name"). Two tools with the same
// bare ToolName on different servers coexist; only a bare-name lookup can
// collide.
type QualifiedToolName struct {
	ServerKey string
	ToolName  string
}

// String renders the qualified name the way it is logged and audited.
func (q QualifiedToolName) String() string {
	return q.ServerKey + "/" + q.ToolName
}

// Annotations mirrors the hints an MCP server may attach to a tool
// definition. Per spec.md §3's invariant, an annotation left unset by the
// server must be treated as the more conservative value: Destructive=true,
// ReadOnly=false. Idempotent and OpenWorld have no safety consequence.
// Idempotent defaults to false. OpenWorld is false for a tool with no
// annotations at all, and true for one whose annotations omit the hint.
type Annotations struct {
	ReadOnly    bool
	Destructive bool
	Idempotent  bool
	OpenWorld   bool
}

// conservativeAnnotations returns the safe defaults applied when a server's
// tool definition carries no annotations at all.
func conservativeAnnotations() Annotations {
	return Annotations{ReadOnly: false, Destructive: true}
}

// annotationsFromSDK converts the go-sdk's hint struct, applying the
// conservative-default invariant for a tool that declares none.
func annotationsFromSDK(a *sdkmcp.ToolAnnotations) Annotations {
	if a == nil {
		return conservativeAnnotations()
	}
	return Annotations{
		ReadOnly:    a.ReadOnlyHint,
		Destructive: a.DestructiveHint == nil || *a.DestructiveHint,
		Idempotent:  a.IdempotentHint,
		OpenWorld:   a.OpenWorldHint == nil || *a.OpenWorldHint,
	}
}

// ToolEntry is one tool discovered on a configured MCP server (spec.md §3
// "Tool Entry").
type ToolEntry struct {
	QualifiedName QualifiedToolName
	OriginalName  string
	Description   string
	InputSchema   json.RawMessage
	Annotations   Annotations
	Category      string
}

// ErrAmbiguousToolName is returned by Inventory.Lookup when more than one
// server exposes a tool under the same bare name.
type ErrAmbiguousToolName struct {
	ToolName string
	Servers  []string
}

func (e *ErrAmbiguousToolName) Error() string {
	return fmt.Sprintf("tool name %q is ambiguous across servers %v; qualify it with a server key", e.ToolName, e.Servers)
}

// ErrToolNotFound is returned by Inventory.Lookup and Inventory.Get when no
// server exposes the requested tool.
type ErrToolNotFound struct {
	ToolName string
}

func (e *ErrToolNotFound) Error() string {
	return fmt.Sprintf("tool %q not found", e.ToolName)
}

// Inventory indexes every tool discovered across the configured MCP
// servers, by qualified name and, for unambiguous names, by bare name too.
type Inventory struct {
	mu        sync.RWMutex
	byQual    map[QualifiedToolName]ToolEntry
	byBare    map[string][]QualifiedToolName
}

// NewInventory builds an empty Inventory.
func NewInventory() *Inventory {
	return &Inventory{
		byQual: make(map[QualifiedToolName]ToolEntry),
		byBare: make(map[string][]QualifiedToolName),
	}
}

// Replace atomically replaces every entry previously recorded for
// serverKey with entries, as happens whenever a server reconnects and its
// tool list is re-fetched (spec.md §4.5 "ensure_request_mcp_client").
func (inv *Inventory) Replace(serverKey string, entries []ToolEntry) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	for qual := range inv.byQual {
		if qual.ServerKey == serverKey {
			delete(inv.byQual, qual)
		}
	}
	for bare, quals := range inv.byBare {
		kept := quals[:0]
		for _, q := range quals {
			if q.ServerKey != serverKey {
				kept = append(kept, q)
			}
		}
		if len(kept) == 0 {
			delete(inv.byBare, bare)
		} else {
			inv.byBare[bare] = kept
		}
	}

	for _, e := range entries {
		inv.byQual[e.QualifiedName] = e
		inv.byBare[e.QualifiedName.ToolName] = append(inv.byBare[e.QualifiedName.ToolName], e.QualifiedName)
	}
}

// Get returns the entry for an exact qualified name.
func (inv *Inventory) Get(qual QualifiedToolName) (ToolEntry, bool) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()
	e, ok := inv.byQual[qual]
	return e, ok
}

// Lookup resolves a bare tool name, returning ErrAmbiguousToolName if more
// than one server exposes it and ErrToolNotFound if none do.
func (inv *Inventory) Lookup(toolName string) (ToolEntry, error) {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	quals, ok := inv.byBare[toolName]
	if !ok || len(quals) == 0 {
		return ToolEntry{}, &ErrToolNotFound{ToolName: toolName}
	}
	if len(quals) > 1 {
		servers := make([]string, len(quals))
		for i, q := range quals {
			servers[i] = q.ServerKey
		}
		return ToolEntry{}, &ErrAmbiguousToolName{ToolName: toolName, Servers: servers}
	}
	return inv.byQual[quals[0]], nil
}

// List returns every tool entry known for the given server keys, or for
// every server if serverKeys is empty (spec.md §4.5 "list_tools").
func (inv *Inventory) List(serverKeys []string) []ToolEntry {
	inv.mu.RLock()
	defer inv.mu.RUnlock()

	var want map[string]bool
	if len(serverKeys) > 0 {
		want = make(map[string]bool, len(serverKeys))
		for _, k := range serverKeys {
			want[k] = true
		}
	}

	out := make([]ToolEntry, 0, len(inv.byQual))
	for qual, e := range inv.byQual {
		if want == nil || want[qual.ServerKey] {
			out = append(out, e)
		}
	}
	return out
}

// entryFromSDKTool converts a tool definition fetched from an MCP server
// into the inventory's own ToolEntry shape.
func entryFromSDKTool(serverKey string, t *sdkmcp.Tool) ToolEntry {
	var schema json.RawMessage
	if t.InputSchema != nil {
		if raw, err := json.Marshal(t.InputSchema); err == nil {
			schema = raw
		}
	}
	return ToolEntry{
		QualifiedName: QualifiedToolName{ServerKey: serverKey, ToolName: t.Name},
		OriginalName:  t.Name,
		Description:   t.Description,
		InputSchema:   schema,
		Annotations:   annotationsFromSDK(t.Annotations),
	}
}
