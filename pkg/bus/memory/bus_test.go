// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mcpany/gateway/pkg/logging"
	"github.com/stretchr/testify/assert"
)

func TestBus_PublishSubscribe(t *testing.T) {
	t.Run("delivers to subscriber", func(t *testing.T) {
		b := New[string]()
		var wg sync.WaitGroup
		wg.Add(1)

		b.Subscribe(context.Background(), "test", func(msg string) {
			assert.Equal(t, "hello", msg)
			wg.Done()
		})

		b.Publish(context.Background(), "test", "hello")
		wg.Wait()
	})

	t.Run("SubscribeOnce fires exactly once", func(t *testing.T) {
		b := New[string]()
		var wg sync.WaitGroup
		var calls int32
		wg.Add(1)

		b.SubscribeOnce(context.Background(), "test", func(msg string) {
			atomic.AddInt32(&calls, 1)
			assert.Equal(t, "hello", msg)
			wg.Done()
		})

		b.Publish(context.Background(), "test", "hello")
		b.Publish(context.Background(), "test", "world")
		wg.Wait()

		time.Sleep(10 * time.Millisecond)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("unsubscribe stops delivery", func(t *testing.T) {
		b := New[string]()
		received := false

		unsub := b.Subscribe(context.Background(), "test", func(msg string) {
			received = true
		})
		unsub()

		b.Publish(context.Background(), "test", "hello")
		time.Sleep(10 * time.Millisecond)
		assert.False(t, received)
	})
}

func TestBus_Concurrent(t *testing.T) {
	b := New[int]()
	topic := "concurrent_topic"
	numSubscribers := 10
	numPublishers := 100
	var received int32

	var wg sync.WaitGroup
	expected := numSubscribers * numPublishers
	wg.Add(expected)

	for i := 0; i < numSubscribers; i++ {
		unsub := b.Subscribe(context.Background(), topic, func(msg int) {
			atomic.AddInt32(&received, 1)
			wg.Done()
		})
		defer unsub()
	}

	for i := 0; i < numPublishers; i++ {
		go b.Publish(context.Background(), topic, i)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for messages, got %d of %d", atomic.LoadInt32(&received), expected)
	}
	assert.Equal(t, int32(expected), atomic.LoadInt32(&received))
}

func TestBus_PublishTimeoutDropsAndLogs(t *testing.T) {
	var logBuf bytes.Buffer
	logging.ForTestsOnlyResetLogger()
	logging.Init(slog.LevelWarn, &logBuf)

	b := New[string]()
	b.SetPublishTimeout(1 * time.Millisecond)

	var wg sync.WaitGroup
	wg.Add(1)
	unsub := b.Subscribe(context.Background(), "timeout_topic", func(msg string) {
		wg.Wait() // block the subscriber goroutine so its buffer fills
	})
	defer unsub()

	for i := 0; i < subscriberBufferSize+1; i++ {
		b.Publish(context.Background(), "timeout_topic", "fill")
	}
	b.Publish(context.Background(), "timeout_topic", "should_drop")

	assert.Eventually(t, func() bool {
		return strings.Contains(logBuf.String(), "Message dropped on topic")
	}, time.Second, 10*time.Millisecond)

	wg.Done()
}

func TestBus_SubscribeOnce_UnsubscribeBeforeDelivery(t *testing.T) {
	b := New[string]()
	called := false

	unsub := b.SubscribeOnce(context.Background(), "once_topic", func(msg string) {
		called = true
	})
	unsub()

	b.Publish(context.Background(), "once_topic", "hello")
	time.Sleep(10 * time.Millisecond)
	assert.False(t, called)
}
