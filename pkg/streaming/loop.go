// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/mcpany/gateway/pkg/apierr"
	"github.com/mcpany/gateway/pkg/logging"
	"github.com/mcpany/gateway/pkg/mcp"
	"github.com/mcpany/gateway/pkg/metrics"
	"github.com/mcpany/gateway/pkg/pipeline"
	"github.com/mcpany/gateway/pkg/registry"
	"github.com/mcpany/gateway/pkg/storage"
	"github.com/mcpany/gateway/pkg/transformer"
)

// Loop drives the streaming tool loop of spec.md §4.7: on every round-trip
// it posts the (possibly tool-result-extended) request upstream, forwards
// the resulting SSE stream to the client through a Handler, and whenever
// the handler surfaces function calls that resolve to configured MCP
// tools, executes them via the orchestrator and resumes the conversation
// with their results — up to MaxIterations round-trips.
type Loop struct {
	Pipeline     *pipeline.Pipeline
	Orchestrator *mcp.Orchestrator
	Responses    storage.ResponseStorage

	// MaxIterations bounds the tool loop (spec.md §4.7's
	// DEFAULT_MAX_ITERATIONS); zero means DefaultMaxIterations.
	MaxIterations int
}

// NewLoop builds a Loop with spec.md §4.7's default iteration cap.
func NewLoop(p *pipeline.Pipeline, orch *mcp.Orchestrator, responses storage.ResponseStorage) *Loop {
	return &Loop{Pipeline: p, Orchestrator: orch, Responses: responses, MaxIterations: DefaultMaxIterations}
}

// toolResultItem is the resume-conversation item spec.md §4.7 appends to
// the payload for the next iteration's upstream request, one per executed
// tool call.
type toolResultItem struct {
	Type    string          `json:"type"`
	CallID  string          `json:"call_id"`
	Output  json.RawMessage `json:"output"`
	Success bool            `json:"success"`
}

// Run executes the tool loop for one client request, writing every
// forwarded SSE frame to w. It applies to the Responses/Interactions
// surfaces, the only ones spec.md §4.7 names as tool-loop-eligible; a
// plain Chat Completions/Messages stream is forwarded frame-for-frame by a
// thinner caller that never constructs a Loop.
func (l *Loop) Run(ctx context.Context, req *pipeline.Request, w *registry.Worker, execCtx mcp.ExecContext, out http.ResponseWriter) *apierr.Error {
	sw, err := NewWriter(out)
	if err != nil {
		return apierr.Internal(err)
	}

	handler := NewHandler(0, l.Orchestrator.LookupTool)
	body := req.RawBody
	maxIter := l.MaxIterations
	if maxIter <= 0 {
		maxIter = DefaultMaxIterations
	}

	var forwardedAny bool

	for iter := 1; iter <= maxIter; iter++ {
		handler.BeginIteration()
		metrics.IncrCounter([]string{"streaming", "tool_loop_iterations_total"}, 1)

		iterReq := *req
		iterReq.RawBody = body

		upResp, handle, apiErr := l.Pipeline.BeginStream(ctx, &iterReq, w)
		if apiErr != nil {
			if forwardedAny {
				l.emitError(sw, apiErr)
				return nil
			}
			return apiErr
		}

		lastFrame, drainErr := l.drain(sw, handler, upResp.Body, &forwardedAny)
		_ = upResp.Body.Close()

		success := drainErr == nil
		handle.Finish(success)

		if drainErr != nil {
			failure := apierr.StreamingFailure(drainErr.Error())
			if forwardedAny {
				l.emitError(sw, failure)
				return nil
			}
			return failure
		}

		toolCalls := handler.TakePendingToolCalls()
		if len(toolCalls) == 0 {
			_ = sw.WriteDone()
			l.persist(ctx, handler, lastFrame)
			return nil
		}

		if iter == maxIter {
			l.emitError(sw, apierr.StreamingFailure(fmt.Sprintf("tool loop exceeded maximum of %d iterations", maxIter)))
			return nil
		}

		nextBody, err := l.executeAndResume(ctx, handler, sw, toolCalls, execCtx, body)
		if err != nil {
			l.emitError(sw, apierr.Internal(err))
			return nil
		}
		body = nextBody
	}

	return nil
}

// drain reads every SSE frame off r, feeding it through handler and
// forwarding whatever action it returns. It returns the last event data
// forwarded (the terminal response.completed analog, used as the body
// persisted to storage) and any error encountered reading or processing
// the stream.
func (l *Loop) drain(sw *Writer, handler *Handler, r io.Reader, forwardedAny *bool) (json.RawMessage, error) {
	scanner := NewFrameScanner(r)
	var last json.RawMessage

	for {
		frame, err := scanner.Next()
		if errors.Is(err, io.EOF) {
			return last, nil
		}
		if err != nil {
			return last, err
		}

		action, out, err := handler.Process(frame)
		if err != nil {
			return last, err
		}
		if action != ActionForward {
			continue
		}

		if err := sw.WriteEvent(out.Event, []byte(out.Data)); err != nil {
			return last, err
		}
		*forwardedAny = true
		last = json.RawMessage(out.Data)
	}
}

// executeAndResume runs toolCalls through the orchestrator, emits a
// synthetic output event per result so the client sees the call complete,
// and builds the next iteration's request body.
func (l *Loop) executeAndResume(ctx context.Context, handler *Handler, sw *Writer, toolCalls []ToolCall, execCtx mcp.ExecContext, prevBody []byte) ([]byte, error) {
	calls := make([]mcp.ToolCall, len(toolCalls))
	for i, tc := range toolCalls {
		calls[i] = mcp.ToolCall{
			CallID:      tc.CallID,
			ServerLabel: tc.Qualified.ServerKey,
			Qualified:   tc.Qualified,
			ArgsJSON:    tc.ArgsJSON,
			Format:      transformer.FormatPassthrough,
		}
	}

	outcomes := l.Orchestrator.ExecuteTools(ctx, calls, execCtx)

	items := make([]json.RawMessage, 0, len(outcomes))
	for i, oc := range outcomes {
		success := oc.Kind == mcp.OutcomeSuccess
		item, err := json.Marshal(toolResultItem{
			Type:    "mcp_tool_result",
			CallID:  toolCalls[i].CallID,
			Output:  oc.Output,
			Success: success,
		})
		if err != nil {
			return nil, fmt.Errorf("streaming: encoding tool result for %s: %w", toolCalls[i].CallID, err)
		}
		items = append(items, item)

		evt, err := json.Marshal(map[string]any{
			"type":            "response.mcp_server_tool_call.output",
			"call_id":         toolCalls[i].CallID,
			"sequence_number": handler.NextSequence(),
			"output":          oc.Output,
			"success":         success,
		})
		if err != nil {
			return nil, fmt.Errorf("streaming: encoding tool output event for %s: %w", toolCalls[i].CallID, err)
		}
		if err := sw.WriteEvent("response.mcp_server_tool_call.output", evt); err != nil {
			return nil, err
		}
	}

	return appendResumeItems(prevBody, handler.ResponseID(), items)
}

// appendResumeItems folds items into the original request body's "input"
// array (creating one if absent) and pins previous_response_id so the
// worker can correlate this round-trip with the one before it.
func appendResumeItems(body []byte, responseID string, items []json.RawMessage) ([]byte, error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, fmt.Errorf("streaming: request body is not a JSON object: %w", err)
	}

	var input []json.RawMessage
	if raw, ok := m["input"]; ok {
		if err := json.Unmarshal(raw, &input); err != nil {
			return nil, fmt.Errorf("streaming: \"input\" is not an array: %w", err)
		}
	}
	input = append(input, items...)

	raw, err := json.Marshal(input)
	if err != nil {
		return nil, err
	}
	m["input"] = raw

	if responseID != "" {
		raw, err := json.Marshal(responseID)
		if err != nil {
			return nil, err
		}
		m["previous_response_id"] = raw
	}

	raw, err = json.Marshal(true)
	if err != nil {
		return nil, err
	}
	m["stream"] = raw

	return json.Marshal(m)
}

// persist stores the final response body, keyed by the response id pinned
// on iteration 1, so a later request can list_chain from it (spec.md §6
// "Persistence trait surface"). A response with no body forwarded (an
// upstream that closed without emitting a terminal event) is not
// persisted.
func (l *Loop) persist(ctx context.Context, handler *Handler, body json.RawMessage) {
	if l.Responses == nil || handler.ResponseID() == "" || len(body) == 0 {
		return
	}
	if err := l.Responses.Put(ctx, handler.ResponseID(), body); err != nil {
		logging.GetLogger().Warn("streaming: failed to persist response", "response_id", handler.ResponseID(), "error", err)
	}
}

// emitError writes apiErr as a synthetic "error" SSE frame. Per spec.md
// §4.7/§7, a mid-stream failure after at least one frame has already been
// forwarded cannot be reported as an HTTP status (headers are long sent);
// the client instead sees a terminal error event and the response is left
// unpersisted.
func (l *Loop) emitError(sw *Writer, apiErr *apierr.Error) {
	payload, err := json.Marshal(struct {
		Type  string        `json:"type"`
		Error *apierr.Error `json:"error"`
	}{Type: "error", Error: apiErr})
	if err != nil {
		return
	}
	_ = sw.WriteEvent("error", payload)
	_ = sw.WriteDone()
}
