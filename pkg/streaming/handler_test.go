// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

package streaming

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/mcpany/gateway/pkg/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noTools(string) (mcp.QualifiedToolName, bool) { return mcp.QualifiedToolName{}, false }

func decode(t *testing.T, data string) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(data), &m))
	return m
}

func TestHandler_ForwardsAndNumbersSequence(t *testing.T) {
	h := NewHandler(0, noTools)
	h.BeginIteration()

	action, out, err := h.Process(Frame{Event: "response.output_text.delta", Data: `{"type":"response.output_text.delta","output_index":0,"delta":"hi"}`})
	require.NoError(t, err)
	assert.Equal(t, ActionForward, action)

	evt := decode(t, out.Data)
	assert.EqualValues(t, 1, evt["sequence_number"])
	assert.EqualValues(t, 0, evt["output_index"])
}

func TestHandler_DropsLifecycleEventsAfterFirstIteration(t *testing.T) {
	h := NewHandler(0, noTools)
	h.BeginIteration()
	action, _, err := h.Process(Frame{Data: `{"type":"response.created"}`})
	require.NoError(t, err)
	assert.Equal(t, ActionForward, action)

	h.BeginIteration()
	action, _, err = h.Process(Frame{Data: `{"type":"response.created"}`})
	require.NoError(t, err)
	assert.Equal(t, ActionDrop, action)
}

func TestHandler_RemapsOutputIndexAcrossIterations(t *testing.T) {
	h := NewHandler(0, noTools)

	h.BeginIteration()
	_, out1, err := h.Process(Frame{Data: `{"type":"response.output_item.added","output_index":0,"item":{"type":"message"}}`})
	require.NoError(t, err)
	assert.EqualValues(t, 0, decode(t, out1.Data)["output_index"])

	h.BeginIteration()
	_, out2, err := h.Process(Frame{Data: `{"type":"response.output_item.added","output_index":0,"item":{"type":"message"}}`})
	require.NoError(t, err)
	assert.EqualValues(t, 1, decode(t, out2.Data)["output_index"], "iteration 2's upstream index 0 must map to a fresh downstream index")
}

func TestHandler_PreservesResponseIDAcrossIterations(t *testing.T) {
	h := NewHandler(0, noTools)

	h.BeginIteration()
	_, _, err := h.Process(Frame{Data: `{"type":"response.created","response":{"id":"resp_1"}}`})
	require.NoError(t, err)
	assert.Equal(t, "resp_1", h.ResponseID())

	h.BeginIteration()
	_, out, err := h.Process(Frame{Data: `{"type":"response.output_item.added","output_index":0,"item":{"type":"message"},"response":{"id":"resp_2"}}`})
	require.NoError(t, err)

	evt := decode(t, out.Data)
	resp := evt["response"].(map[string]any)
	assert.Equal(t, "resp_1", resp["id"], "the response id pinned on iteration 1 must win over a differing id from a later iteration")
}

func TestHandler_BlockSizeCapExceeded(t *testing.T) {
	h := NewHandler(0, noTools)
	h.BeginIteration()

	big := strings.Repeat("x", maxBlockBytes+1)
	frame := Frame{Data: `{"type":"response.output_text.delta","output_index":0,"delta":"` + big + `"}`}
	_, _, err := h.Process(frame)
	assert.ErrorIs(t, err, ErrBlockTooLarge)
}

func TestHandler_OutputIndexOverflow(t *testing.T) {
	h := NewHandler(maxOutputIndex, noTools)
	h.BeginIteration()

	_, _, err := h.Process(Frame{Data: `{"type":"response.output_item.added","output_index":0,"item":{"type":"message"}}`})
	assert.ErrorIs(t, err, ErrOutputIndexOverflow)
}

func resolveEcho(name string) (mcp.QualifiedToolName, bool) {
	if name != "get_weather" {
		return mcp.QualifiedToolName{}, false
	}
	return mcp.QualifiedToolName{ServerKey: "weather-server", ToolName: "get_weather"}, true
}

func TestHandler_RewritesAndQueuesMCPFunctionCalls(t *testing.T) {
	h := NewHandler(0, resolveEcho)
	h.BeginIteration()

	_, added, err := h.Process(Frame{Data: `{"type":"response.output_item.added","output_index":0,"item":{"type":"function_call","name":"get_weather","call_id":"call_1"}}`})
	require.NoError(t, err)
	assert.Equal(t, "response.mcp_server_tool_call.in_progress", decode(t, added.Data)["type"])

	_, delta, err := h.Process(Frame{Data: `{"type":"response.function_call_arguments.delta","output_index":0,"delta":"{\"city\":"}`})
	require.NoError(t, err)
	assert.Equal(t, "response.mcp_server_tool_call.arguments.delta", decode(t, delta.Data)["type"])

	_, done, err := h.Process(Frame{Data: `{"type":"response.output_item.done","output_index":0,"item":{"type":"function_call","name":"get_weather","call_id":"call_1","arguments":"{\"city\":\"nyc\"}"}}`})
	require.NoError(t, err)
	assert.Equal(t, "response.mcp_server_tool_call.done", decode(t, done.Data)["type"])

	pending := h.TakePendingToolCalls()
	require.Len(t, pending, 1)
	assert.Equal(t, "call_1", pending[0].CallID)
	assert.Equal(t, "get_weather", pending[0].Name)
	assert.Equal(t, mcp.QualifiedToolName{ServerKey: "weather-server", ToolName: "get_weather"}, pending[0].Qualified)
	assert.JSONEq(t, `{"city":"nyc"}`, string(pending[0].ArgsJSON))

	assert.Empty(t, h.TakePendingToolCalls(), "TakePendingToolCalls must clear the queue")
}

func TestHandler_NonMCPFunctionCallPassesThroughUnrewritten(t *testing.T) {
	h := NewHandler(0, noTools)
	h.BeginIteration()

	_, out, err := h.Process(Frame{Data: `{"type":"response.output_item.done","output_index":0,"item":{"type":"function_call","name":"local_fn","call_id":"call_2","arguments":"{}"}}`})
	require.NoError(t, err)
	assert.Equal(t, "response.output_item.done", decode(t, out.Data)["type"])
	assert.Empty(t, h.TakePendingToolCalls())
}

func TestHandler_NonJSONFrameForwardedVerbatim(t *testing.T) {
	h := NewHandler(0, noTools)
	h.BeginIteration()

	action, out, err := h.Process(Frame{Event: "ping", Data: "keep-alive"})
	require.NoError(t, err)
	assert.Equal(t, ActionForward, action)
	assert.Equal(t, "keep-alive", out.Data)
}

func TestHandler_EmptyDataDropped(t *testing.T) {
	h := NewHandler(0, noTools)
	h.BeginIteration()
	action, _, err := h.Process(Frame{Data: ""})
	require.NoError(t, err)
	assert.Equal(t, ActionDrop, action)
}
