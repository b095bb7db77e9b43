// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

// Package nats implements the Bus backend over NATS core pub-sub, for
// multi-process deployments that want tool-execution dispatch fanned out
// across gateway instances (spec_full §4.13). When no server URL is
// configured it embeds nats-server in-process, which keeps a single-binary
// deployment possible without an external broker.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mcpany/gateway/pkg/config"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// Connection wraps a *nats.Conn plus, when embedded, the in-process server
// backing it. Callers share one Connection across every Bus[T] they build
// so subscriptions made against different topics still ride the same
// socket.
type Connection struct {
	client    *nats.Conn
	embedded  *natsserver.Server
}

// NewConnection dials cfg.ServerURL, or boots and dials an embedded
// in-process server when ServerURL is empty.
func NewConnection(cfg config.NATSBusConfig) (*Connection, error) {
	if cfg.ServerURL != "" {
		client, err := nats.Connect(cfg.ServerURL)
		if err != nil {
			return nil, fmt.Errorf("nats: connect: %w", err)
		}
		return &Connection{client: client}, nil
	}

	srv, err := natsserver.NewServer(&natsserver.Options{Port: -1})
	if err != nil {
		return nil, fmt.Errorf("nats: starting embedded server: %w", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(4 * time.Second) {
		return nil, fmt.Errorf("nats: embedded server did not become ready")
	}

	client, err := nats.Connect(srv.ClientURL())
	if err != nil {
		srv.Shutdown()
		return nil, fmt.Errorf("nats: connect to embedded server: %w", err)
	}
	return &Connection{client: client, embedded: srv}, nil
}

// Client returns the underlying *nats.Conn.
func (c *Connection) Client() *nats.Conn { return c.client }

// Shutdown closes the client connection and, if this Connection embedded a
// server, shuts that down too.
func (c *Connection) Shutdown() {
	if c.client != nil {
		c.client.Close()
	}
	if c.embedded != nil {
		c.embedded.Shutdown()
	}
}

// Bus is the NATS-backed Bus[T] implementation. Messages are JSON-encoded
// onto the wire; T must therefore be JSON-serializable.
type Bus[T any] struct {
	client *nats.Conn
}

// New wraps an already-connected *nats.Conn as a Bus[T].
func New[T any](client *nats.Conn) *Bus[T] {
	return &Bus[T]{client: client}
}

// Publish JSON-marshals msg and publishes it to topic.
func (b *Bus[T]) Publish(ctx context.Context, topic string, msg T) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("nats bus: marshal: %w", err)
	}
	return b.client.Publish(topic, payload)
}

// Subscribe decodes every message delivered on topic and invokes handler.
// The NATS client delivers asynchronously on its own goroutines, so
// handler may be called concurrently for distinct messages.
func (b *Bus[T]) Subscribe(ctx context.Context, topic string, handler func(T)) func() {
	if handler == nil {
		panic("nats bus: nil handler")
	}
	sub, err := b.client.Subscribe(topic, func(m *nats.Msg) {
		var msg T
		if err := json.Unmarshal(m.Data, &msg); err != nil {
			return
		}
		handler(msg)
	})
	if err != nil {
		return func() {}
	}
	return func() { _ = sub.Unsubscribe() }
}

// SubscribeOnce behaves like Subscribe but unsubscribes itself after the
// first delivered message, using NATS's native one-shot subscription.
func (b *Bus[T]) SubscribeOnce(ctx context.Context, topic string, handler func(T)) func() {
	if handler == nil {
		panic("nats bus: nil handler")
	}
	var sub *nats.Subscription
	var err error
	sub, err = b.client.Subscribe(topic, func(m *nats.Msg) {
		var msg T
		if jsonErr := json.Unmarshal(m.Data, &msg); jsonErr != nil {
			return
		}
		handler(msg)
		if sub != nil {
			_ = sub.Unsubscribe()
		}
	})
	if err != nil {
		return func() {}
	}
	if unsubErr := sub.AutoUnsubscribe(1); unsubErr != nil {
		return func() { _ = sub.Unsubscribe() }
	}
	return func() { _ = sub.Unsubscribe() }
}

// Close is a no-op: the underlying *nats.Conn is owned and closed by the
// Connection that created it, since it is shared across every Bus[T] built
// from it.
func (b *Bus[T]) Close() error { return nil }
