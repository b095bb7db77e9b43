// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

// Package apierr implements the gateway's error taxonomy and the JSON
// envelope every failure path returns (spec.md §6 "Error response
// envelope", §7 "Error Handling Design").
package apierr

import (
	"encoding/json"
	"net/http"

	"github.com/mcpany/gateway/pkg/logging"
)

// Type names the taxonomy category of an Error, used as the envelope's
// "type" field (spec.md §7).
type Type string

const (
	TypeInvalidRequest             Type = "invalid_request"
	TypeWorkerSelectionFailed      Type = "worker_selection_failed"
	TypeUpstreamTransport          Type = "upstream_transport"
	TypeUpstreamProtocol           Type = "upstream_protocol"
	TypeStreamingFailure           Type = "streaming_failure"
	TypeMCPTransport               Type = "mcp_transport"
	TypeMCPToolExecution           Type = "mcp_tool_execution"
	TypeMCPApprovalTimeout         Type = "mcp_approval_timeout"
	TypeInternalInvariantViolation Type = "internal_invariant_violation"
	TypeRateLimited                Type = "rate_limited"
	TypeUnauthorized                Type = "unauthorized"
)

// Error is the gateway's structured error, distinct from a plain Go error
// so every failure path carries an HTTP status and a taxonomy Type
// alongside its message.
type Error struct {
	Status  int    `json:"-"`
	Type    Type   `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *Error) Error() string { return e.Message }

// New builds an Error. code is optional (empty string omits it from the
// envelope).
func New(status int, t Type, code, message string) *Error {
	return &Error{Status: status, Type: t, Code: code, Message: message}
}

// InvalidRequest is a 400 validation failure; per spec.md §7 it is never
// retried by the caller.
func InvalidRequest(message string) *Error {
	return New(http.StatusBadRequest, TypeInvalidRequest, "", message)
}

// NoHealthyWorkers is the 503 returned when at least one worker supports
// the requested model but none currently passes the routing candidate
// filter (spec.md §4.4 "Fallback", §7).
func NoHealthyWorkers(model string) *Error {
	return New(http.StatusServiceUnavailable, TypeWorkerSelectionFailed, "no_healthy_workers", "no healthy worker currently available for model "+model)
}

// ModelNotFound is the 404 returned when no configured worker supports the
// requested model at all (spec.md §4.4, §7).
func ModelNotFound(model string) *Error {
	return New(http.StatusNotFound, TypeWorkerSelectionFailed, "model_not_found", "no worker configured for model "+model)
}

// UpstreamTransport is the 502/504 returned for a connect/TLS/timeout/reset
// failure talking to the selected worker (spec.md §7). status should be
// http.StatusBadGateway for a connection failure or http.StatusGatewayTimeout
// for a timeout.
func UpstreamTransport(status int, message string) *Error {
	return New(status, TypeUpstreamTransport, "", message)
}

// UpstreamProtocol wraps a non-2xx response from the selected worker,
// passing its status through where compatible with the public schema
// (spec.md §7).
func UpstreamProtocol(status int, message string) *Error {
	return New(status, TypeUpstreamProtocol, "", message)
}

// StreamingFailure represents a mid-stream upstream error; callers emit
// this as a synthetic SSE error frame rather than an HTTP status, since the
// response has already started (spec.md §7, §4.7).
func StreamingFailure(message string) *Error {
	return New(http.StatusOK, TypeStreamingFailure, "", message)
}

// RateLimited is the 429 returned by admission control (spec.md §6).
func RateLimited(message string) *Error {
	return New(http.StatusTooManyRequests, TypeRateLimited, "", message)
}

// Internal is the 500 returned for a programmer error / invariant
// violation; per spec.md §7 these are logged with full context and never
// silently recovered.
func Internal(cause error) *Error {
	logging.GetLogger().Error("internal invariant violation", "error", cause)
	return New(http.StatusInternalServerError, TypeInternalInvariantViolation, "", "internal server error")
}

// envelope is the wire shape of every failure response (spec.md §6).
type envelope struct {
	Error *Error `json:"error"`
}

// WriteJSON writes err as the standard JSON error envelope with err's
// status code. It never fails in a way the caller needs to check: a
// marshal error (which cannot happen for this type) would already have
// been caught by tests.
func WriteJSON(w http.ResponseWriter, err *Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.Status)
	_ = json.NewEncoder(w).Encode(envelope{Error: err})
}

// As converts any error into an *Error, wrapping unrecognized errors as an
// Internal failure so every code path that reaches an HTTP boundary can
// call WriteJSON uniformly.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	if apiErr, ok := err.(*Error); ok {
		return apiErr
	}
	return Internal(err)
}
