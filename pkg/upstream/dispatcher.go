// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

// Package upstream implements the provider-heterogeneity abstraction named
// in spec.md §9: a capability-set interface (Dispatcher), one
// implementation per transport (grpc, http), rather than a tagged sum over
// provider variants. New providers plug in by building a new Dispatcher
// construction path, not by touching the pipeline's control flow.
package upstream

import (
	"context"
	"io"
	"net/http"

	"github.com/mcpany/gateway/pkg/config"
)

// RequestKind selects which of the four external surfaces (spec.md §6) a
// request belongs to; a Dispatcher's request builder switches on it.
type RequestKind int

const (
	KindChatCompletions RequestKind = iota
	KindMessages
	KindResponses
	KindInteractions
	// KindRealtimeClientSecrets is the ephemeral-token-generation surface
	// (spec.md §6 "POST /v1/realtime/client_secrets"). It is a plain
	// request/response proxy, not an inference call, so only the HTTP
	// dispatcher serves it — a gRPC worker has no realtime surface.
	KindRealtimeClientSecrets
)

// BuildInput is everything a Dispatcher needs to translate one inbound
// request body into an upstream call.
type BuildInput struct {
	Kind       RequestKind
	Model      string
	Body       []byte // the client's original JSON body, already validated
	Stream     bool
	Authorization string // inbound Authorization header, verbatim
}

// UpstreamRequest is a transport-agnostic description of the call a
// Dispatcher wants made; Send turns it into bytes or a stream on the wire.
type UpstreamRequest struct {
	Method  string // HTTP verb ("POST" for gRPC, whose method name is in Path)
	Path    string // HTTP path, or gRPC full method, depending on IsGRPC
	Header  http.Header
	Body    []byte
}

// UpstreamResponse is the transport-agnostic result of Send.
type UpstreamResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// Dispatcher is the per-worker capability set spec.md §9 calls for:
// "build_chat_request, build_responses_request, is_grpc, bootstrap_host".
// BuildRequest covers both build_chat_request and build_responses_request
// (and the Messages/Interactions analogues added by this gateway) by
// switching on BuildInput.Kind, since all four share the same shape:
// translate a validated client body into one upstream call description.
type Dispatcher interface {
	// BuildRequest translates a validated client request into the call to
	// make against this worker.
	BuildRequest(ctx context.Context, in BuildInput) (*UpstreamRequest, error)

	// Send executes req against the worker and returns its response. For a
	// streaming request the caller reads UpstreamResponse.Body until EOF:
	// an SSE stream from the HTTP Dispatcher, or the bytes of the gRPC
	// Dispatcher's single unary reply (it opens no server-stream).
	Send(ctx context.Context, req *UpstreamRequest) (*UpstreamResponse, error)

	// IsGRPC reports the worker's runtime, per spec.md §9's "is_grpc".
	IsGRPC() bool

	// BootstrapHost returns the prefill-decode bootstrap host to inject
	// into the request for PD-split deployments, or "" if the worker is
	// not PD-split (spec.md §9's "bootstrap_host", GLOSSARY "PD /
	// Prefill-Decode").
	BootstrapHost() string

	// Close releases any pooled resources (a gRPC connection checkout,
	// nothing for HTTP since it relies on http.Transport's own pool).
	Close() error
}

// CredentialFor implements spec.md §9's external-worker credential rule,
// made explicit here rather than left implicit in each Dispatcher:
// substitute the worker's configured API key when present, otherwise
// forward the inbound Authorization header unchanged.
func CredentialFor(cfg config.WorkerConfig, inboundAuthorization string) string {
	if cfg.APIKey != "" {
		return "Bearer " + cfg.APIKey
	}
	return inboundAuthorization
}
