// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

package streaming

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mcpany/gateway/pkg/config"
	"github.com/mcpany/gateway/pkg/mcp"
	"github.com/mcpany/gateway/pkg/pipeline"
	"github.com/mcpany/gateway/pkg/registry"
	"github.com/mcpany/gateway/pkg/routing"
	"github.com/mcpany/gateway/pkg/storage"
	"github.com/mcpany/gateway/pkg/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLoop(t *testing.T, server *httptest.Server) (*Loop, *registry.Worker) {
	t.Helper()
	reg := registry.New(nil)
	w := reg.Register(config.WorkerConfig{
		URL:      server.URL,
		Provider: config.ProviderVLLM,
		Runtime:  config.RuntimeHTTP,
		Models:   []string{"m"},
	})

	up := upstream.NewManager(server.Client())
	p := pipeline.New(reg, routing.NewLeastLoaded(), up, time.Second)
	orch := mcp.NewOrchestrator(nil, 10, config.DefaultBusConfig(), config.DefaultWorkerPoolConfig())
	t.Cleanup(func() { _ = orch.Close() })
	responses := storage.NewMemoryResponseStorage()

	return NewLoop(p, orch, responses), w
}

func TestLoop_NoToolCalls_ForwardsAndWritesDone(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		_, _ = w.Write([]byte("event: response.created\ndata: {\"type\":\"response.created\",\"response\":{\"id\":\"resp_abc\"}}\n\n"))
		flusher.Flush()
		_, _ = w.Write([]byte("event: response.completed\ndata: {\"type\":\"response.completed\",\"response\":{\"id\":\"resp_abc\"}}\n\n"))
		flusher.Flush()
	}))
	defer server.Close()

	loop, w := newTestLoop(t, server)
	req := &pipeline.Request{
		Model:   "m",
		Kind:    upstream.KindResponses,
		Stream:  true,
		RawBody: []byte(`{"model":"m","input":[{"role":"user","content":"hi"}],"stream":true}`),
	}

	rec := httptest.NewRecorder()
	apiErr := loop.Run(context.Background(), req, w, mcp.ExecContext{RequestID: "req-1"}, rec)
	require.Nil(t, apiErr)

	body := rec.Body.String()
	assert.Contains(t, body, "response.created")
	assert.Contains(t, body, "response.completed")
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))
	assert.Equal(t, int64(0), w.Load())

	stored, err := loop.Responses.Get(context.Background(), "resp_abc")
	require.NoError(t, err)
	assert.Contains(t, string(stored), "response.completed")
}

func TestLoop_BeginStreamFailure_ReturnsAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // force a connection failure

	loop, w := newTestLoop(t, server)
	req := &pipeline.Request{
		Model:   "m",
		Kind:    upstream.KindResponses,
		Stream:  true,
		RawBody: []byte(`{"model":"m","input":[{}],"stream":true}`),
	}

	rec := httptest.NewRecorder()
	apiErr := loop.Run(context.Background(), req, w, mcp.ExecContext{}, rec)
	require.NotNil(t, apiErr)
	assert.Equal(t, int64(0), w.Load())
}

func TestLoop_MidStreamFailure_EmitsSyntheticErrorFrame(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		_, _ = w.Write([]byte("event: response.created\ndata: {\"type\":\"response.created\",\"response\":{\"id\":\"resp_x\"}}\n\n"))
		flusher.Flush()
		// An oversized line with no terminator trips ErrLineTooLong in the
		// scanner, simulating a connection that breaks mid-frame.
		_, _ = w.Write([]byte("data: " + strings.Repeat("x", maxLineBuffer+10)))
		flusher.Flush()
	}))
	defer server.Close()

	loop, w := newTestLoop(t, server)
	req := &pipeline.Request{
		Model:   "m",
		Kind:    upstream.KindResponses,
		Stream:  true,
		RawBody: []byte(`{"model":"m","input":[{}],"stream":true}`),
	}

	rec := httptest.NewRecorder()
	apiErr := loop.Run(context.Background(), req, w, mcp.ExecContext{}, rec)
	require.Nil(t, apiErr, "a failure after forwarding is reported as an SSE frame, not an API error")

	body := rec.Body.String()
	assert.Contains(t, body, "event: error")
	assert.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))
	assert.Equal(t, int64(0), w.Load())

	_, err := loop.Responses.Get(context.Background(), "resp_x")
	assert.Error(t, err, "a response that failed mid-stream must not be persisted")
}
