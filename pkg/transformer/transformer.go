// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

// Package transformer implements the Response Transformer (spec.md §4.8):
// a pure function turning a raw MCP tool result into the provider-specific
// output item shape requested for that tool.
package transformer

import (
	"encoding/json"
	"fmt"
	"strings"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

// Format selects the output-item shape a tool's result is rendered as
// (spec.md §4.8).
type Format string

const (
	FormatPassthrough       Format = "passthrough"
	FormatWebSearchCall     Format = "web_search_call"
	FormatCodeInterpreter   Format = "code_interpreter_call"
	FormatFileSearchCall    Format = "file_search_call"
)

// Input bundles everything Transform needs to build one output item. Result
// is nil when the call itself failed before any MCP result was obtained (the
// err string is still rendered into the item in that case).
type Input struct {
	Result      *sdkmcp.CallToolResult
	Err         error
	Format      Format
	CallID      string
	ServerLabel string
	ToolName    string
	ArgsJSON    json.RawMessage
}

// resultText concatenates every text content block of an MCP tool result,
// which is what every output-item shape below actually displays; MCP
// results may also carry image/embedded-resource content blocks, which
// every format, passthrough included, leaves out.
func resultText(result *sdkmcp.CallToolResult) string {
	if result == nil {
		return ""
	}
	var sb strings.Builder
	for _, c := range result.Content {
		if tc, ok := c.(*sdkmcp.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	return sb.String()
}

// isError reports whether the call failed: either the upstream call itself
// returned a transport/execution error, or the tool's MCP result has its
// IsError flag set. The two cases are not told apart.
func isError(in Input) bool {
	if in.Err != nil {
		return true
	}
	return in.Result != nil && in.Result.IsError
}

// Transform renders in into the provider-specific output item named by
// in.Format. It never fails: an error condition is represented within the
// item itself (an is_error/status field), since the caller must still emit
// something downstream regardless of what went wrong.
func Transform(in Input) json.RawMessage {
	switch in.Format {
	case FormatWebSearchCall:
		return transformWebSearchCall(in)
	case FormatCodeInterpreter:
		return transformCodeInterpreterCall(in)
	case FormatFileSearchCall:
		return transformFileSearchCall(in)
	default:
		return transformPassthrough(in)
	}
}

type passthroughItem struct {
	Type        string          `json:"type"`
	CallID      string          `json:"call_id"`
	ServerLabel string          `json:"server_label"`
	Name        string          `json:"name"`
	Arguments   json.RawMessage `json:"arguments,omitempty"`
	Output      string          `json:"output"`
	IsError     bool            `json:"is_error"`
	Error       string          `json:"error,omitempty"`
}

func transformPassthrough(in Input) json.RawMessage {
	item := passthroughItem{
		Type:        "mcp_call",
		CallID:      in.CallID,
		ServerLabel: in.ServerLabel,
		Name:        in.ToolName,
		Arguments:   in.ArgsJSON,
		Output:      resultText(in.Result),
		IsError:     isError(in),
	}
	if in.Err != nil {
		item.Error = in.Err.Error()
	}
	return mustMarshal(item)
}

type webSearchCallItem struct {
	Type    string `json:"type"`
	CallID  string `json:"call_id"`
	Status  string `json:"status"`
	Query   string `json:"query,omitempty"`
	Results string `json:"results,omitempty"`
}

func transformWebSearchCall(in Input) json.RawMessage {
	status := "completed"
	if isError(in) {
		status = "failed"
	}
	return mustMarshal(webSearchCallItem{
		Type:    "web_search_call",
		CallID:  in.CallID,
		Status:  status,
		Query:   extractArg(in.ArgsJSON, "query"),
		Results: resultText(in.Result),
	})
}

type codeInterpreterCallItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Status string `json:"status"`
	Code   string `json:"code,omitempty"`
	Output string `json:"output,omitempty"`
}

func transformCodeInterpreterCall(in Input) json.RawMessage {
	status := "completed"
	if isError(in) {
		status = "failed"
	}
	return mustMarshal(codeInterpreterCallItem{
		Type:   "code_interpreter_call",
		CallID: in.CallID,
		Status: status,
		Code:   extractArg(in.ArgsJSON, "code"),
		Output: resultText(in.Result),
	})
}

type fileSearchCallItem struct {
	Type    string `json:"type"`
	CallID  string `json:"call_id"`
	Status  string `json:"status"`
	Queries string `json:"queries,omitempty"`
	Results string `json:"results,omitempty"`
}

func transformFileSearchCall(in Input) json.RawMessage {
	status := "completed"
	if isError(in) {
		status = "failed"
	}
	return mustMarshal(fileSearchCallItem{
		Type:    "file_search_call",
		CallID:  in.CallID,
		Status:  status,
		Queries: extractArg(in.ArgsJSON, "query"),
		Results: resultText(in.Result),
	})
}

// extractArg pulls a single top-level string field out of a tool's raw JSON
// arguments, for display purposes only; a malformed or absent field yields
// an empty string rather than an error; malformed argument JSON is a
// caller-validation problem this pure formatting step does not surface.
func extractArg(argsJSON json.RawMessage, field string) string {
	if len(argsJSON) == 0 {
		return ""
	}
	var m map[string]any
	if err := json.Unmarshal(argsJSON, &m); err != nil {
		return ""
	}
	if v, ok := m[field].(string); ok {
		return v
	}
	return ""
}

func mustMarshal(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(fmt.Sprintf(`{"type":"mcp_call","is_error":true,"error":%q}`, err.Error()))
	}
	return raw
}
