// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

package grpc

import (
	"context"
	"net"
	"testing"

	"github.com/mcpany/gateway/pkg/config"
	"github.com/mcpany/gateway/pkg/pool"
	"github.com/mcpany/gateway/pkg/upstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

// echoUnknownServiceHandler answers any unregistered unary RPC by
// receiving one raw-bytes message and sending it back unchanged, enough
// to exercise Dispatcher.Send's request/response plumbing without a real
// inference backend.
func echoUnknownServiceHandler(srv any, stream grpc.ServerStream) error {
	var in []byte
	if err := stream.RecvMsg(&in); err != nil {
		return err
	}
	return stream.SendMsg(&in)
}

func startBufconnServer(t *testing.T) *bufconn.Listener {
	lis := bufconn.Listen(1024 * 1024)
	s := grpc.NewServer(
		grpc.UnknownServiceHandler(echoUnknownServiceHandler),
		grpc.ForceServerCodec(rawCodec{}),
	)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)
	return lis
}

func dialBufconn(t *testing.T, lis *bufconn.Listener) *Dispatcher {
	factory := func(ctx context.Context) (*pooledConn, error) {
		conn, err := grpc.NewClient("passthrough:///bufnet",
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.Dial() }),
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithDefaultCallOptions(grpc.ForceCodec(rawCodec{})),
		)
		require.NoError(t, err)
		return &pooledConn{conn: conn}, nil
	}
	p, err := pool.New(factory, 1, 4, 4)
	require.NoError(t, err)
	return &Dispatcher{cfg: config.WorkerConfig{URL: "bufnet", Runtime: config.RuntimeGRPC}, pool: p}
}

func TestDispatcher_BuildRequest_ResolvesMethodByKind(t *testing.T) {
	d := &Dispatcher{cfg: config.WorkerConfig{}}
	req, err := d.BuildRequest(context.Background(), upstream.BuildInput{Kind: upstream.KindChatCompletions, Body: []byte(`{}`)})
	require.NoError(t, err)
	assert.Equal(t, "/mcpany.gateway.v1.InferenceService/ChatCompletions", req.Path)
}

func TestDispatcher_BuildRequest_UnsupportedKind(t *testing.T) {
	d := &Dispatcher{cfg: config.WorkerConfig{}}
	_, err := d.BuildRequest(context.Background(), upstream.BuildInput{Kind: upstream.RequestKind(99)})
	assert.Error(t, err)
}

func TestDispatcher_Send_RoundTripsOverBufconn(t *testing.T) {
	lis := startBufconnServer(t)
	d := dialBufconn(t, lis)
	defer d.Close()

	req, err := d.BuildRequest(context.Background(), upstream.BuildInput{
		Kind: upstream.KindChatCompletions,
		Body: []byte(`{"model":"m"}`),
	})
	require.NoError(t, err)

	resp, err := d.Send(context.Background(), req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var got [13]byte
	n, _ := resp.Body.Read(got[:])
	assert.Equal(t, `{"model":"m"}`, string(got[:n]))
}

func TestDispatcher_IsGRPC_True(t *testing.T) {
	d := &Dispatcher{}
	assert.True(t, d.IsGRPC())
}

func TestDispatcher_BootstrapHost_OnlySGLangPD(t *testing.T) {
	rank := 0
	d := &Dispatcher{cfg: config.WorkerConfig{URL: "prefill.local:9000", Provider: config.ProviderSGLang, DPRank: &rank}}
	assert.Equal(t, "prefill.local", d.BootstrapHost())

	plain := &Dispatcher{cfg: config.WorkerConfig{URL: "worker.local:9000", Provider: config.ProviderVLLM}}
	assert.Empty(t, plain.BootstrapHost())
}
