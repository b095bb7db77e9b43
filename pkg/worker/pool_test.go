// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mcpany/gateway/pkg/bus"
	"github.com/mcpany/gateway/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemoryProvider(t *testing.T) *bus.Provider {
	t.Helper()
	p, err := bus.NewProvider(config.DefaultBusConfig())
	require.NoError(t, err)
	return p
}

func TestPool_SuccessfulExecution(t *testing.T) {
	provider := newMemoryProvider(t)
	reqBus := bus.GetBus[*bus.ToolExecutionRequest](provider, bus.ToolExecutionRequestTopic)
	resBus := bus.GetBus[*bus.ToolExecutionResult](provider, bus.ToolExecutionResultTopic)

	pool := New(provider, Config{MaxWorkers: 2, MaxQueueSize: 4}, func(ctx context.Context, req *bus.ToolExecutionRequest) (json.RawMessage, error) {
		return json.Marshal("success")
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	resultChan := make(chan *bus.ToolExecutionResult, 1)
	unsub := resBus.SubscribeOnce(ctx, "exec-test", func(result *bus.ToolExecutionResult) {
		resultChan <- result
	})
	defer unsub()

	reqBus.Publish(ctx, bus.ToolExecutionRequestTopic, &bus.ToolExecutionRequest{
		BaseMessage: bus.BaseMessage{CID: "exec-test"},
	})

	select {
	case result := <-resultChan:
		assert.Empty(t, result.Err)
		assert.JSONEq(t, `"success"`, string(result.Result))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for execution result")
	}
}

func TestPool_ExecutionFailure(t *testing.T) {
	provider := newMemoryProvider(t)
	reqBus := bus.GetBus[*bus.ToolExecutionRequest](provider, bus.ToolExecutionRequestTopic)
	resBus := bus.GetBus[*bus.ToolExecutionResult](provider, bus.ToolExecutionResultTopic)

	wantErr := errors.New("execution failed")
	pool := New(provider, Config{MaxWorkers: 1, MaxQueueSize: 1}, func(ctx context.Context, req *bus.ToolExecutionRequest) (json.RawMessage, error) {
		return nil, wantErr
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	resultChan := make(chan *bus.ToolExecutionResult, 1)
	unsub := resBus.SubscribeOnce(ctx, "exec-fail", func(result *bus.ToolExecutionResult) {
		resultChan <- result
	})
	defer unsub()

	reqBus.Publish(ctx, bus.ToolExecutionRequestTopic, &bus.ToolExecutionRequest{
		BaseMessage: bus.BaseMessage{CID: "exec-fail"},
	})

	select {
	case result := <-resultChan:
		assert.Equal(t, wantErr.Error(), result.Err)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for execution result")
	}
}

func TestPool_Concurrent(t *testing.T) {
	provider := newMemoryProvider(t)
	reqBus := bus.GetBus[*bus.ToolExecutionRequest](provider, bus.ToolExecutionRequestTopic)
	resBus := bus.GetBus[*bus.ToolExecutionResult](provider, bus.ToolExecutionResultTopic)

	pool := New(provider, Config{MaxWorkers: 8, MaxQueueSize: 64}, func(ctx context.Context, req *bus.ToolExecutionRequest) (json.RawMessage, error) {
		return json.Marshal("mock-result")
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pool.Start(ctx)
	defer pool.Stop()

	numRequests := 100
	var wg sync.WaitGroup
	wg.Add(numRequests)
	for i := 0; i < numRequests; i++ {
		go func(i int) {
			defer wg.Done()
			cid := fmt.Sprintf("exec-%d", i)
			resultChan := make(chan *bus.ToolExecutionResult, 1)
			unsub := resBus.SubscribeOnce(ctx, cid, func(result *bus.ToolExecutionResult) {
				resultChan <- result
			})
			defer unsub()

			reqBus.Publish(ctx, bus.ToolExecutionRequestTopic, &bus.ToolExecutionRequest{
				BaseMessage: bus.BaseMessage{CID: cid},
			})

			select {
			case result := <-resultChan:
				assert.Empty(t, result.Err)
				assert.JSONEq(t, `"mock-result"`, string(result.Result))
			case <-time.After(2 * time.Second):
				t.Errorf("timed out waiting for result %d", i)
			}
		}(i)
	}
	wg.Wait()
}
