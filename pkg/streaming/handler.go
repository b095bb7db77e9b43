// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

package streaming

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mcpany/gateway/pkg/mcp"
)

// Bounds from spec.md §4.7/§5: a response may not grow past 1024 distinct
// output blocks, and no single block's accumulated text may exceed 10 MiB.
const (
	maxOutputIndex = 1024
	maxBlockBytes  = 10 << 20

	// DefaultMaxIterations is the tool-loop round-trip cap (spec.md §4.7).
	DefaultMaxIterations = 8
)

// ErrOutputIndexOverflow is returned by Handler.Process when a response
// would need more than maxOutputIndex distinct output blocks.
var ErrOutputIndexOverflow = errors.New("streaming: output index exceeds 1024 block cap")

// ErrBlockTooLarge is returned when one output block's accumulated content
// exceeds maxBlockBytes.
var ErrBlockTooLarge = errors.New("streaming: output block exceeds 10 MiB cap")

// lifecycleEventTypes names the once-per-response events that must be
// suppressed on every iteration after the first, since the client already
// received them on iteration 1 (spec.md §4.7 "skip interaction.start /
// interaction.in_progress on iterations >= 2").
var lifecycleEventTypes = map[string]bool{
	"response.created":     true,
	"response.in_progress": true,
}

// Action is the disposition Handler.Process assigns to one upstream frame.
type Action int

const (
	// ActionForward means the (possibly rewritten) frame should be sent
	// downstream as-is.
	ActionForward Action = iota
	// ActionDrop means the frame carries no new information for the
	// downstream client (a deduplicated lifecycle event, or a delta that
	// was folded into an in-progress tool-call buffer) and nothing is sent.
	ActionDrop
)

// ToolCall is one function-call output item this iteration's upstream
// response finished emitting and that resolved to a configured MCP tool.
type ToolCall struct {
	CallID    string
	Name      string
	ArgsJSON  json.RawMessage
	Qualified mcp.QualifiedToolName
}

// ResolveFunc looks up whether name (a bare function-call name as the
// upstream model emitted it) names a configured MCP tool, and if so under
// which qualified name.
type ResolveFunc func(name string) (mcp.QualifiedToolName, bool)

// toolBuffer accumulates one in-flight function call's id, name and
// streamed argument bytes across the response.output_item.added ->
// response.function_call_arguments.delta* -> response.output_item.done
// event triple, keyed by output index, until it resolves into a ToolCall.
type toolBuffer struct {
	callID string
	name   string
	args   []byte
}

// Handler carries the per-response state that must survive across however
// many upstream round-trips the tool loop takes: continuously increasing
// sequence numbers, a stable output-index space the per-iteration upstream
// indices are remapped into, lifecycle-event dedup, and in-flight
// function-call argument buffers (spec.md §4.7, "the single most intricate
// subsystem").
type Handler struct {
	resolve ResolveFunc

	iteration int

	nextOutputIndex int
	indexRemap      map[int]int
	blockSizes      map[int]int

	sequenceNumber int
	responseID     string

	toolBuffers map[int]*toolBuffer
	pending     []ToolCall
}

// NewHandler builds a Handler starting output indices at startingIndex (0
// for a fresh response; a caller resuming a previously-persisted response
// would start past its existing output items, though this gateway always
// starts fresh responses at 0).
func NewHandler(startingIndex int, resolve ResolveFunc) *Handler {
	return &Handler{
		resolve:         resolve,
		nextOutputIndex: startingIndex,
		indexRemap:      make(map[int]int),
		blockSizes:      make(map[int]int),
		toolBuffers:     make(map[int]*toolBuffer),
	}
}

// BeginIteration starts a new upstream round-trip: the upstream's own
// output_index numbering resets to 0 each time it is asked to continue a
// conversation, so the remap table (but not nextOutputIndex itself, nor
// sequence numbering, nor the response id) resets too.
func (h *Handler) BeginIteration() {
	h.iteration++
	h.indexRemap = make(map[int]int)
}

// Iteration reports the 1-based round-trip currently in progress.
func (h *Handler) Iteration() int { return h.iteration }

// ResponseID reports the response id pinned on iteration 1 and preserved
// across every subsequent iteration.
func (h *Handler) ResponseID() string { return h.responseID }

// NextSequence increments and returns the next sequence number, for
// synthetic events the loop itself emits (tool-output frames that have no
// corresponding upstream SSE frame of their own).
func (h *Handler) NextSequence() int {
	h.sequenceNumber++
	return h.sequenceNumber
}

// TakePendingToolCalls returns and clears the function calls this
// iteration's stream resolved to configured MCP tools, in the order their
// output_item.done events arrived.
func (h *Handler) TakePendingToolCalls() []ToolCall {
	out := h.pending
	h.pending = nil
	return out
}

// Process consumes one upstream SSE frame, updates cross-iteration state,
// and reports what the caller should do with it.
func (h *Handler) Process(f Frame) (Action, Frame, error) {
	if f.Data == "" || f.Data == "[DONE]" {
		return ActionDrop, Frame{}, nil
	}

	var evt map[string]json.RawMessage
	if err := json.Unmarshal([]byte(f.Data), &evt); err != nil {
		// Not a structured event the transformer understands (a provider
		// keep-alive comment, say); forward it untouched rather than fail
		// the whole stream over it.
		return ActionForward, f, nil
	}

	typ := stringField(evt, "type")
	if typ == "" {
		typ = f.Event
	}

	if h.iteration > 1 && lifecycleEventTypes[typ] {
		return ActionDrop, Frame{}, nil
	}

	if rid := nestedStringField(evt, "response", "id"); rid != "" {
		if h.responseID == "" {
			h.responseID = rid
		} else if rid != h.responseID {
			setNestedStringField(evt, "response", "id", h.responseID)
		}
	}

	remapped, hasIdx, err := h.remapOutputIndex(evt)
	if err != nil {
		return ActionDrop, Frame{}, err
	}

	if err := h.trackBlockSize(remapped, hasIdx, evt); err != nil {
		return ActionDrop, Frame{}, err
	}

	h.trackFunctionCall(typ, remapped, hasIdx, evt)

	h.sequenceNumber++
	evt["sequence_number"] = marshalInt(h.sequenceNumber)

	out, err := json.Marshal(evt)
	if err != nil {
		return ActionDrop, Frame{}, fmt.Errorf("streaming: re-encoding event: %w", err)
	}
	return ActionForward, Frame{Event: f.Event, Data: string(out)}, nil
}

// remapOutputIndex rewrites evt's output_index, if present, from the
// upstream's per-iteration numbering into this handler's persistent,
// monotonically increasing index space.
func (h *Handler) remapOutputIndex(evt map[string]json.RawMessage) (int, bool, error) {
	upstreamIdx, ok := intField(evt, "output_index")
	if !ok {
		return 0, false, nil
	}

	downstreamIdx, known := h.indexRemap[upstreamIdx]
	if !known {
		if h.nextOutputIndex >= maxOutputIndex {
			return 0, false, ErrOutputIndexOverflow
		}
		downstreamIdx = h.nextOutputIndex
		h.indexRemap[upstreamIdx] = downstreamIdx
		h.nextOutputIndex++
	}

	evt["output_index"] = marshalInt(downstreamIdx)
	return downstreamIdx, true, nil
}

// trackBlockSize enforces the 10 MiB per-block cap against any delta text
// this event carries in its "delta" field; other fields are not counted.
func (h *Handler) trackBlockSize(idx int, hasIdx bool, evt map[string]json.RawMessage) error {
	if !hasIdx {
		return nil
	}
	n := len(stringField(evt, "delta"))
	if n == 0 {
		return nil
	}
	h.blockSizes[idx] += n
	if h.blockSizes[idx] > maxBlockBytes {
		return ErrBlockTooLarge
	}
	return nil
}

// trackFunctionCall watches the output_item.added / function_call_arguments
// delta and done / output_item.done events that together describe one
// function call, accumulating its arguments and, once it resolves to a
// configured MCP tool, rewriting its event type and, on done, queuing it
// in pending (spec.md §4.7 "function_call* events are rewritten to
// mcp_server_tool_call* when the name resolves to an MCP tool").
func (h *Handler) trackFunctionCall(typ string, idx int, hasIdx bool, evt map[string]json.RawMessage) {
	switch typ {
	case "response.output_item.added":
		item := nestedObject(evt, "item")
		if item == nil || stringField(item, "type") != "function_call" {
			return
		}
		name := stringField(item, "name")
		callID := stringField(item, "call_id")
		if !hasIdx {
			return
		}
		h.toolBuffers[idx] = &toolBuffer{callID: callID, name: name}
		if qual, ok := h.resolveTool(name); ok {
			h.rewriteType(evt, "response.mcp_server_tool_call.in_progress")
			_ = qual
		}

	case "response.function_call_arguments.delta":
		if !hasIdx {
			return
		}
		buf := h.toolBuffers[idx]
		if buf == nil {
			return
		}
		buf.args = append(buf.args, []byte(stringField(evt, "delta"))...)
		if _, ok := h.resolveTool(buf.name); ok {
			h.rewriteType(evt, "response.mcp_server_tool_call.arguments.delta")
		}

	case "response.function_call_arguments.done":
		if !hasIdx {
			return
		}
		buf := h.toolBuffers[idx]
		if buf == nil {
			return
		}
		if args := stringField(evt, "arguments"); args != "" {
			buf.args = []byte(args)
		}
		if _, ok := h.resolveTool(buf.name); ok {
			h.rewriteType(evt, "response.mcp_server_tool_call.arguments.done")
		}

	case "response.output_item.done":
		item := nestedObject(evt, "item")
		if item == nil || stringField(item, "type") != "function_call" || !hasIdx {
			return
		}
		buf := h.toolBuffers[idx]
		if buf == nil {
			return
		}
		delete(h.toolBuffers, idx)
		if qual, ok := h.resolveTool(buf.name); ok {
			h.rewriteType(evt, "response.mcp_server_tool_call.done")
			args := []byte(stringField(item, "arguments"))
			if len(args) == 0 {
				args = buf.args
			}
			h.pending = append(h.pending, ToolCall{
				CallID:    buf.callID,
				Name:      buf.name,
				ArgsJSON:  json.RawMessage(args),
				Qualified: qual,
			})
		}
	}
}

func (h *Handler) resolveTool(name string) (mcp.QualifiedToolName, bool) {
	if h.resolve == nil || name == "" {
		return mcp.QualifiedToolName{}, false
	}
	return h.resolve(name)
}

func (h *Handler) rewriteType(evt map[string]json.RawMessage, newType string) {
	evt["type"] = marshalString(newType)
}

// --- JSON field helpers over the map[string]json.RawMessage representation
// Process uses so every field this handler does not specifically examine
// or rewrite passes through byte-for-byte. ---

func stringField(m map[string]json.RawMessage, key string) string {
	raw, ok := m[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}

func intField(m map[string]json.RawMessage, key string) (int, bool) {
	raw, ok := m[key]
	if !ok {
		return 0, false
	}
	var n int
	if err := json.Unmarshal(raw, &n); err != nil {
		return 0, false
	}
	return n, true
}

func nestedObject(m map[string]json.RawMessage, key string) map[string]json.RawMessage {
	raw, ok := m[key]
	if !ok {
		return nil
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil
	}
	return obj
}

func nestedStringField(m map[string]json.RawMessage, key, field string) string {
	obj := nestedObject(m, key)
	if obj == nil {
		return ""
	}
	return stringField(obj, field)
}

func setNestedStringField(m map[string]json.RawMessage, key, field, value string) {
	obj := nestedObject(m, key)
	if obj == nil {
		obj = make(map[string]json.RawMessage)
	}
	obj[field] = marshalString(value)
	raw, err := json.Marshal(obj)
	if err != nil {
		return
	}
	m[key] = raw
}

func marshalString(s string) json.RawMessage {
	raw, _ := json.Marshal(s)
	return raw
}

func marshalInt(n int) json.RawMessage {
	raw, _ := json.Marshal(n)
	return raw
}
