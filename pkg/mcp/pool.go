// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

package mcp

import (
	"context"
	"fmt"
	"net/http"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mcpany/gateway/pkg/config"
	"github.com/mcpany/gateway/pkg/logging"
	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

// ClientSession is the subset of *sdkmcp.ClientSession the pool depends on.
// It exists so tests can substitute a fake session without a real MCP
// server on the other end of a transport.
type ClientSession interface {
	ListTools(ctx context.Context, params *sdkmcp.ListToolsParams) (*sdkmcp.ListToolsResult, error)
	CallTool(ctx context.Context, params *sdkmcp.CallToolParams) (*sdkmcp.CallToolResult, error)
	Close() error
}

// connectForTesting is overridden by tests to substitute a fake
// ClientSession instead of dialing a real transport, the same seam the
// teacher's upstream/mcp package uses for its own client tests.
var connectForTesting func(ctx context.Context, client *sdkmcp.Client, transport sdkmcp.Transport) (ClientSession, error)

func connect(ctx context.Context, client *sdkmcp.Client, transport sdkmcp.Transport) (ClientSession, error) {
	if connectForTesting != nil {
		return connectForTesting(ctx, client, transport)
	}
	return client.Connect(ctx, transport, nil)
}

// buildTransport constructs the sdkmcp.Transport for one configured MCP
// server, per its configured transport mode (spec.md §3 "MCP Server
// Entry"). stdio, sse and streamable-http are all genuinely used transports
// across MCP client implementations; which one applies is a per-server
// config choice, not a gateway-wide one.
func buildTransport(cfg config.MCPServerConfig) (sdkmcp.Transport, error) {
	switch cfg.Transport {
	case config.MCPTransportStdio:
		parts := strings.Fields(cfg.Address)
		if len(parts) == 0 {
			return nil, fmt.Errorf("mcp: stdio server %q has an empty command", cfg.ServerKey)
		}
		cmd := exec.Command(parts[0], parts[1:]...)
		return &sdkmcp.CommandTransport{Command: cmd}, nil
	case config.MCPTransportSSE:
		return &sdkmcp.SSEClientTransport{
			Endpoint:   cfg.Address,
			HTTPClient: httpClientFor(cfg),
		}, nil
	case config.MCPTransportStreamableHTTP:
		return &sdkmcp.StreamableClientTransport{
			Endpoint:   cfg.Address,
			HTTPClient: httpClientFor(cfg),
		}, nil
	default:
		return nil, fmt.Errorf("mcp: server %q has unknown transport %q", cfg.ServerKey, cfg.Transport)
	}
}

// tokenRoundTripper injects the configured bearer token and any static
// headers into every outgoing request for an HTTP-based transport.
type tokenRoundTripper struct {
	base    http.RoundTripper
	token   string
	headers map[string]string
}

func (t *tokenRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

func httpClientFor(cfg config.MCPServerConfig) *http.Client {
	if cfg.Token == "" && len(cfg.Headers) == 0 {
		return http.DefaultClient
	}
	return &http.Client{
		Transport: &tokenRoundTripper{token: cfg.Token, headers: cfg.Headers},
	}
}

// Pool maintains exactly one live *sdkmcp.Client connection per configured
// server key, reconnecting with exponential backoff when a session drops.
type Pool struct {
	mu      sync.Mutex
	configs map[string]config.MCPServerConfig
	conns   map[string]ClientSession
}

// NewPool builds a Pool for the given server configurations, keyed by
// ServerKey.
func NewPool(servers []config.MCPServerConfig) *Pool {
	configs := make(map[string]config.MCPServerConfig, len(servers))
	for _, s := range servers {
		configs[s.ServerKey] = s
	}
	return &Pool{configs: configs, conns: make(map[string]ClientSession)}
}

// Get returns the live session for serverKey, dialing (and retrying with
// backoff) if none is cached yet. Concurrent callers for the same key may
// each dial; the first session stored is kept and returned to all of them,
// and every other freshly dialed session is closed.
func (p *Pool) Get(ctx context.Context, serverKey string) (ClientSession, error) {
	p.mu.Lock()
	if sess, ok := p.conns[serverKey]; ok {
		p.mu.Unlock()
		return sess, nil
	}
	cfg, ok := p.configs[serverKey]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("mcp: no server configured with key %q", serverKey)
	}

	sess, err := p.dial(ctx, cfg)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if existing, ok := p.conns[serverKey]; ok {
		p.mu.Unlock()
		_ = sess.Close()
		return existing, nil
	}
	p.conns[serverKey] = sess
	p.mu.Unlock()
	return sess, nil
}

// dial connects to cfg's server, retrying transient failures with
// exponential backoff (capped so a permanently unreachable server fails a
// bounded request rather than hanging it forever).
func (p *Pool) dial(ctx context.Context, cfg config.MCPServerConfig) (ClientSession, error) {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 30 * time.Second
	bo.InitialInterval = 100 * time.Millisecond

	var sess ClientSession
	operation := func() error {
		transport, err := buildTransport(cfg)
		if err != nil {
			return backoff.Permanent(err)
		}
		client := sdkmcp.NewClient(&sdkmcp.Implementation{Name: "mcpany-gateway"}, nil)
		s, err := connect(ctx, client, transport)
		if err != nil {
			logging.GetLogger().Warn("mcp: connect attempt failed, retrying", "server_key", cfg.ServerKey, "error", err)
			return err
		}
		sess = s
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(bo, ctx)); err != nil {
		return nil, fmt.Errorf("mcp: connecting to server %q: %w", cfg.ServerKey, err)
	}
	return sess, nil
}

// Invalidate drops the cached session for serverKey, forcing the next Get
// to redial. Callers invoke this after a CallTool fails with a transport
// error so a stale connection doesn't keep being reused.
func (p *Pool) Invalidate(serverKey string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sess, ok := p.conns[serverKey]; ok {
		_ = sess.Close()
		delete(p.conns, serverKey)
	}
}

// Close tears down every live session.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for key, sess := range p.conns {
		if err := sess.Close(); err != nil {
			logging.GetLogger().Warn("mcp: error closing session", "server_key", key, "error", err)
		}
	}
	p.conns = make(map[string]ClientSession)
	return nil
}

// ServerKeys returns every configured server key, in no particular order.
func (p *Pool) ServerKeys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	keys := make([]string, 0, len(p.configs))
	for k := range p.configs {
		keys = append(keys, k)
	}
	return keys
}
