// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

// Package memory implements an in-process Bus backend: one buffered
// channel per subscriber, fanned out synchronously from Publish. It needs
// no external dependency and is the default backend for single-process
// deployments (spec_full §4.13).
package memory

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcpany/gateway/pkg/logging"
)

// subscriberBufferSize bounds how far a slow subscriber can lag before
// Publish starts timing out on it; it mirrors the backpressure cap used
// elsewhere for bounded in-process fan-out (spec_full §4.7's SSE buffers).
const subscriberBufferSize = 128

const defaultPublishTimeout = 5 * time.Second

type subscriber[T any] struct {
	id      uint64
	ch      chan T
	once    bool
	fired   atomic.Bool
	cancel  context.CancelFunc
	handler func(T)
}

// Bus is the in-memory Bus[T] implementation.
type Bus[T any] struct {
	publishTimeout time.Duration

	mu      sync.RWMutex
	nextID  uint64
	topics  map[string]map[uint64]*subscriber[T]
	closed  bool
}

// New builds an in-memory bus with the default publish timeout.
func New[T any]() *Bus[T] {
	return &Bus[T]{
		publishTimeout: defaultPublishTimeout,
		topics:         make(map[string]map[uint64]*subscriber[T]),
	}
}

// SetPublishTimeout overrides how long Publish waits for a slow
// subscriber's buffer to drain before dropping the message for that
// subscriber and logging a warning.
func (b *Bus[T]) SetPublishTimeout(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishTimeout = d
}

// Subscribe registers handler on topic, invoked from an internal goroutine
// fed by a buffered channel so a slow handler cannot block Publish
// indefinitely (bounded by publishTimeout instead).
func (b *Bus[T]) Subscribe(ctx context.Context, topic string, handler func(T)) func() {
	return b.subscribe(ctx, topic, handler, false)
}

// SubscribeOnce is like Subscribe but automatically unsubscribes after the
// first delivered message.
func (b *Bus[T]) SubscribeOnce(ctx context.Context, topic string, handler func(T)) func() {
	return b.subscribe(ctx, topic, handler, true)
}

func (b *Bus[T]) subscribe(ctx context.Context, topic string, handler func(T), once bool) func() {
	if handler == nil {
		panic("bus: nil handler")
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscriber[T]{
		ch:      make(chan T, subscriberBufferSize),
		once:    once,
		cancel:  cancel,
		handler: handler,
	}

	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[uint64]*subscriber[T])
		b.topics[topic] = subs
	}
	subs[sub.id] = sub
	b.mu.Unlock()

	go func() {
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-sub.ch:
				if !ok {
					return
				}
				sub.handler(msg)
				if sub.once {
					sub.fired.Store(true)
					b.unsubscribe(topic, sub.id)
					return
				}
			}
		}
	}()

	return func() { b.unsubscribe(topic, sub.id) }
}

func (b *Bus[T]) unsubscribe(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.topics[topic]
	if !ok {
		return
	}
	if sub, ok := subs[id]; ok {
		sub.cancel()
		delete(subs, id)
	}
	if len(subs) == 0 {
		delete(b.topics, topic)
	}
}

// Publish fans msg out to every current subscriber of topic. Each
// subscriber gets its own bounded wait: a subscriber whose buffer is full
// for longer than the publish timeout has this message dropped for it
// (logged at Warn) rather than stalling the other subscribers or the
// caller indefinitely.
func (b *Bus[T]) Publish(ctx context.Context, topic string, msg T) error {
	b.mu.RLock()
	subs := make([]*subscriber[T], 0, len(b.topics[topic]))
	for _, s := range b.topics[topic] {
		subs = append(subs, s)
	}
	timeout := b.publishTimeout
	b.mu.RUnlock()

	for _, s := range subs {
		select {
		case s.ch <- msg:
		case <-time.After(timeout):
			logging.GetLogger().Warn("Message dropped on topic", "topic", topic)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close unsubscribes every subscriber across every topic.
func (b *Bus[T]) Close() error {
	b.mu.Lock()
	topics := b.topics
	b.topics = make(map[string]map[uint64]*subscriber[T])
	b.closed = true
	b.mu.Unlock()

	for _, subs := range topics {
		for _, s := range subs {
			s.cancel()
		}
	}
	return nil
}
