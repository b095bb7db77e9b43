// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

// Package grpc implements upstream.Dispatcher for workers reached over
// gRPC (local inference engines — spec.md §1's "local gRPC engines").
// Connections are checked out of a pkg/pool.Pool[*pooledConn] per worker
// URL, grounded on spec_full §4.15's connection-pooling addition.
package grpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/mcpany/gateway/pkg/config"
	"github.com/mcpany/gateway/pkg/pool"
	"github.com/mcpany/gateway/pkg/upstream"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
)

var errNotRawBytes = errors.New("upstream/grpc: codec given a non-[]byte value")

// methodByKind names the gRPC method invoked for each RequestKind. The
// pack's retrieved example code never carried a concrete proto service
// definition for model inference (see codec.go's rawCodec doc comment), so
// these are the gateway's own fixed contract: a local engine's generate
// service exposes one RPC per surface, matching the HTTP dispatcher's one
// path per surface.
var methodByKind = map[upstream.RequestKind]string{
	upstream.KindChatCompletions: "/mcpany.gateway.v1.InferenceService/ChatCompletions",
	upstream.KindMessages:        "/mcpany.gateway.v1.InferenceService/Messages",
	upstream.KindResponses:       "/mcpany.gateway.v1.InferenceService/Responses",
	upstream.KindInteractions:    "/mcpany.gateway.v1.InferenceService/Interactions",
}

// pooledConn adapts *grpc.ClientConn to pool.Client.
type pooledConn struct {
	conn *grpc.ClientConn
}

func (c *pooledConn) IsHealthy() bool { return c.conn.GetState() != connectivity.Shutdown }
func (c *pooledConn) Close() error    { return c.conn.Close() }

// Dispatcher sends requests to one gRPC worker via a pooled ClientConn.
type Dispatcher struct {
	cfg  config.WorkerConfig
	pool *pool.Pool[*pooledConn]
}

// New builds a gRPC dispatcher for cfg, pre-warming minConns connections
// (usually 1) and allowing at most maxConns concurrently checked out.
func New(cfg config.WorkerConfig, minConns, maxConns, maxIdle int) (*Dispatcher, error) {
	factory := func(ctx context.Context) (*pooledConn, error) {
		conn, err := grpc.NewClient(cfg.URL,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithDefaultCallOptions(grpc.ForceCodec(rawCodec{})),
		)
		if err != nil {
			return nil, fmt.Errorf("upstream/grpc: dial %q: %w", cfg.URL, err)
		}
		return &pooledConn{conn: conn}, nil
	}

	p, err := pool.New(factory, minConns, maxConns, maxIdle)
	if err != nil {
		return nil, err
	}
	return &Dispatcher{cfg: cfg, pool: p}, nil
}

// BuildRequest resolves the gRPC method for in.Kind and carries the
// client's JSON body as the raw payload; the local engine is responsible
// for decoding it, mirroring the HTTP dispatcher's pass-through contract.
func (d *Dispatcher) BuildRequest(ctx context.Context, in upstream.BuildInput) (*upstream.UpstreamRequest, error) {
	method, ok := methodByKind[in.Kind]
	if !ok {
		return nil, fmt.Errorf("upstream/grpc: unsupported request kind %d", in.Kind)
	}

	header := make(http.Header)
	if cred := upstream.CredentialFor(d.cfg, in.Authorization); cred != "" {
		header.Set("Authorization", cred)
	}

	return &upstream.UpstreamRequest{
		Method: "POST",
		Path:   method,
		Header: header,
		Body:   in.Body,
	}, nil
}

// Send checks out a pooled connection, invokes req.Path as a unary RPC
// with the raw-bytes codec, and returns the reply bytes via an
// io.ReadCloser so callers treat it the same way as the HTTP dispatcher's
// response body. Streaming inference responses are not modeled as gRPC
// server-streams here because the gateway's own streaming contract is SSE
// (spec.md §4.7); a local gRPC engine that wants to stream produces one
// reply message carrying the full event, which the streaming pipeline then
// chunks into SSE frames same as it would an HTTP response — see
// pkg/streaming.
func (d *Dispatcher) Send(ctx context.Context, req *upstream.UpstreamRequest) (*upstream.UpstreamResponse, error) {
	pc, err := d.pool.Get(ctx)
	if err != nil {
		return nil, err
	}

	in := append([]byte(nil), req.Body...)
	var reply []byte
	authCtx := ctx
	if auth := req.Header.Get("Authorization"); auth != "" {
		authCtx = withAuthorization(ctx, auth)
	}
	if err := pc.conn.Invoke(authCtx, req.Path, &in, &reply); err != nil {
		d.pool.Put(pc) // the connection itself is still usable, only the call failed
		return nil, err
	}
	d.pool.Put(pc)

	return &upstream.UpstreamResponse{
		StatusCode: 200,
		Header:     make(http.Header),
		Body:       io.NopCloser(bytes.NewReader(reply)),
	}, nil
}

// IsGRPC always reports true for the gRPC dispatcher.
func (d *Dispatcher) IsGRPC() bool { return true }

// BootstrapHost returns the worker's configured host when it is a SGLang
// prefill-decode rank (see the HTTP dispatcher's identical rationale).
func (d *Dispatcher) BootstrapHost() string {
	if d.cfg.Provider != config.ProviderSGLang || d.cfg.DPRank == nil {
		return ""
	}
	return hostOf(d.cfg.URL)
}

// Close releases this dispatcher's pool, closing every pooled connection.
func (d *Dispatcher) Close() error {
	d.pool.Close()
	return nil
}

var _ upstream.Dispatcher = (*Dispatcher)(nil)
