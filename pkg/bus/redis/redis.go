// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

// Package redis implements the Bus backend over Redis pub-sub, for
// deployments that already run Redis for caching and would rather not add
// a NATS cluster just for tool-execution dispatch (spec_full §4.13).
package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mcpany/gateway/pkg/config"
	goredis "github.com/redis/go-redis/v9"
)

// Bus is the Redis-backed Bus[T] implementation. Messages are JSON-encoded
// onto the wire; T must therefore be JSON-serializable.
type Bus[T any] struct {
	client *goredis.Client
}

// New builds a Bus[T] from plain connection settings.
func New[T any](cfg config.RedisBusConfig) *Bus[T] {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &Bus[T]{client: client}
}

// NewWithClient wraps an already-configured *redis.Client, which lets
// tests substitute a redismock client without dialing a real server.
func NewWithClient[T any](client *goredis.Client) *Bus[T] {
	return &Bus[T]{client: client}
}

// Publish JSON-marshals msg and publishes it on topic.
func (b *Bus[T]) Publish(ctx context.Context, topic string, msg T) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("redis bus: marshal: %w", err)
	}
	return b.client.Publish(ctx, topic, payload).Err()
}

// Subscribe starts a Redis pub-sub subscription on topic and decodes every
// message delivered to it, invoking handler from an internal goroutine.
func (b *Bus[T]) Subscribe(ctx context.Context, topic string, handler func(T)) func() {
	if handler == nil {
		panic("redis bus: nil handler")
	}
	return b.subscribe(ctx, topic, handler, false)
}

// SubscribeOnce is like Subscribe but stops the subscription after the
// first delivered message.
func (b *Bus[T]) SubscribeOnce(ctx context.Context, topic string, handler func(T)) func() {
	if handler == nil {
		panic("redis bus: nil handler")
	}
	return b.subscribe(ctx, topic, handler, true)
}

func (b *Bus[T]) subscribe(ctx context.Context, topic string, handler func(T), once bool) func() {
	pubsub := b.client.Subscribe(ctx, topic)
	ch := pubsub.Channel()

	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var decoded T
				if err := json.Unmarshal([]byte(msg.Payload), &decoded); err != nil {
					continue
				}
				handler(decoded)
				if once {
					_ = pubsub.Close()
					return
				}
			}
		}
	}()

	return func() {
		close(done)
		_ = pubsub.Close()
	}
}

// Close releases the underlying Redis client.
func (b *Bus[T]) Close() error { return b.client.Close() }
