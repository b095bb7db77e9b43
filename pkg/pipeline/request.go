// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

// Package pipeline implements the Request Pipeline state machine of
// spec.md §4.6: Validate -> SelectWorker -> LoadContext -> Build ->
// Execute/Stream -> ProcessResponse, with the strict load/circuit-breaker
// accounting spec.md §4.6 demands on every exit path.
package pipeline

import (
	"encoding/json"

	"github.com/mcpany/gateway/pkg/apierr"
	"github.com/mcpany/gateway/pkg/upstream"
)

// maxMessages is spec.md §4.6's "message count <= 1000" validation rule.
const maxMessages = 1000

// inboundBody is the subset of every request surface's JSON body the
// pipeline needs to validate and route on; the rest passes through to the
// worker untouched.
type inboundBody struct {
	Model         string          `json:"model"`
	Messages      json.RawMessage `json:"messages,omitempty"`
	MaxTokens     *int            `json:"max_tokens,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	StreamOptions json.RawMessage `json:"stream_options,omitempty"`
}

// Request is one validated inbound request, ready for SelectWorker.
type Request struct {
	Kind          upstream.RequestKind
	Model         string
	Stream        bool
	RawBody       []byte
	Authorization string
	TenantID      string
	SessionID     string
	RequestID     string
}

// Validate parses and checks body against spec.md §4.6's validation
// rules, returning *apierr.Error (400) on any failure.
func Validate(kind upstream.RequestKind, body []byte, authorization, tenantID, sessionID, requestID string) (*Request, *apierr.Error) {
	var parsed inboundBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, apierr.InvalidRequest("malformed request body: " + err.Error())
	}

	if parsed.Model == "" {
		return nil, apierr.InvalidRequest("model must not be empty")
	}

	count, err := messageCount(parsed.Messages)
	if err != nil {
		return nil, apierr.InvalidRequest("malformed messages: " + err.Error())
	}
	if count == 0 {
		return nil, apierr.InvalidRequest("messages must not be empty")
	}
	if count > maxMessages {
		return nil, apierr.InvalidRequest("too many messages (max 1000)")
	}

	if parsed.MaxTokens != nil && *parsed.MaxTokens <= 0 {
		return nil, apierr.InvalidRequest("max_tokens must be greater than zero")
	}

	if !parsed.Stream && len(parsed.StreamOptions) > 0 {
		return nil, apierr.InvalidRequest("stream_options requires stream=true")
	}

	return &Request{
		Kind:          kind,
		Model:         parsed.Model,
		Stream:        parsed.Stream,
		RawBody:       body,
		Authorization: authorization,
		TenantID:      tenantID,
		SessionID:     sessionID,
		RequestID:     requestID,
	}, nil
}

// messageCount counts the elements of the messages array. Messages is
// optional in the raw schema (the Responses/Interactions surfaces use
// "input" instead in the real dialects; this gateway forwards those bodies
// unexamined beyond the shared fields above), so an absent field reports 0
// rather than an error and leaves the "must not be empty" check to reject
// it uniformly.
func messageCount(raw json.RawMessage) (int, error) {
	if len(raw) == 0 {
		return 0, nil
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil {
		return 0, err
	}
	return len(arr), nil
}
