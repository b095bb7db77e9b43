// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

// Package http implements upstream.Dispatcher for workers reached over
// plain HTTP/HTTPS (external providers and any local engine exposing an
// HTTP API). Connection reuse is delegated entirely to net/http.Transport
// (spec_full §4.15): no additional pool is layered on top, unlike the gRPC
// dispatcher.
package http

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/mcpany/gateway/pkg/config"
	"github.com/mcpany/gateway/pkg/upstream"
)

// pathByKind is the upstream path this dispatcher calls for each
// RequestKind, mirroring spec.md §6's four surfaces one-for-one — the
// gateway does not translate dialects between providers, only forwards.
var pathByKind = map[upstream.RequestKind]string{
	upstream.KindChatCompletions:       "/v1/chat/completions",
	upstream.KindMessages:              "/v1/messages",
	upstream.KindResponses:             "/v1/responses",
	upstream.KindInteractions:          "/v1/interactions",
	upstream.KindRealtimeClientSecrets: "/v1/realtime/client_secrets",
}

// Dispatcher sends requests to one HTTP(S) worker.
type Dispatcher struct {
	cfg    config.WorkerConfig
	client *http.Client
	base   *url.URL
}

// New builds an HTTP dispatcher for cfg. client may be shared across
// dispatchers; its Transport is what actually pools TCP connections.
func New(cfg config.WorkerConfig, client *http.Client) (*Dispatcher, error) {
	base, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("upstream/http: invalid worker url %q: %w", cfg.URL, err)
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &Dispatcher{cfg: cfg, client: client, base: base}, nil
}

// BuildRequest resolves the path for in.Kind against the worker's base URL
// and attaches the credential spec.md §9 calls for.
func (d *Dispatcher) BuildRequest(ctx context.Context, in upstream.BuildInput) (*upstream.UpstreamRequest, error) {
	path, ok := pathByKind[in.Kind]
	if !ok {
		return nil, fmt.Errorf("upstream/http: unsupported request kind %d", in.Kind)
	}

	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	if in.Stream {
		header.Set("Accept", "text/event-stream")
	}
	if cred := upstream.CredentialFor(d.cfg, in.Authorization); cred != "" {
		header.Set("Authorization", cred)
	}

	return &upstream.UpstreamRequest{
		Method: http.MethodPost,
		Path:   path,
		Header: header,
		Body:   in.Body,
	}, nil
}

// Send issues req against the worker's base URL.
func (d *Dispatcher) Send(ctx context.Context, req *upstream.UpstreamRequest) (*upstream.UpstreamResponse, error) {
	target := *d.base
	target.Path = joinPath(d.base.Path, req.Path)

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), bytes.NewReader(req.Body))
	if err != nil {
		return nil, err
	}
	httpReq.Header = req.Header

	resp, err := d.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	return &upstream.UpstreamResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       resp.Body,
	}, nil
}

// IsGRPC always reports false for the HTTP dispatcher.
func (d *Dispatcher) IsGRPC() bool { return false }

// BootstrapHost returns the worker's hostname when it is a SGLang
// prefill-decode rank, the only PD flavor that needs bootstrap metadata
// (SGLang uses bootstrap-based PD; vLLM PD uses transparent KV transfer
// and needs nothing injected here).
func (d *Dispatcher) BootstrapHost() string {
	if d.cfg.Provider != config.ProviderSGLang || d.cfg.DPRank == nil {
		return ""
	}
	return d.base.Hostname()
}

// Close is a no-op: the dispatcher does not own the shared *http.Client.
func (d *Dispatcher) Close() error { return nil }

func joinPath(base, suffix string) string {
	if base == "" || base == "/" {
		return suffix
	}
	trimmed := base
	for len(trimmed) > 0 && trimmed[len(trimmed)-1] == '/' {
		trimmed = trimmed[:len(trimmed)-1]
	}
	return trimmed + suffix
}

var _ upstream.Dispatcher = (*Dispatcher)(nil)
