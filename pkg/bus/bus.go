// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

// Package bus defines the generic publish/subscribe abstraction that backs
// the gateway's async execution fabric (spec_full §4.13): the MCP
// orchestrator's execute_tools dispatches ToolExecutionRequest values onto
// a Bus and awaits a correlated ToolExecutionResult, and the worker
// registry fans out change events to interested watchers. Three backends
// implement Bus[T]: an in-process one (pkg/bus/memory), NATS
// (pkg/bus/nats) and Redis (pkg/bus/redis); callers obtain the right one
// for their deployment via a Provider, never by constructing a backend
// directly.
package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/mcpany/gateway/pkg/bus/memory"
	"github.com/mcpany/gateway/pkg/bus/nats"
	"github.com/mcpany/gateway/pkg/bus/redis"
	"github.com/mcpany/gateway/pkg/config"
	goredis "github.com/redis/go-redis/v9"
)

// Well-known topic names shared by the MCP orchestrator and the worker
// pool that drains tool-execution requests off the bus (spec_full §4.13).
const (
	ToolExecutionRequestTopic = "mcp.tool_execution.request"
	ToolExecutionResultTopic  = "mcp.tool_execution.result"
	WorkerRegistryEventTopic  = "registry.worker_change"
	AuditEventTopic           = "mcp.audit"
)

// Handler is called with every message published to a subscribed topic.
type Handler[T any] func(msg T)

// UnsubscribeFunc detaches a previously registered handler.
type UnsubscribeFunc func()

// Bus is the minimal pub-sub contract every backend satisfies for a single
// message type T. Implementations must be safe for concurrent use.
type Bus[T any] interface {
	Publish(ctx context.Context, topic string, msg T) error
	Subscribe(ctx context.Context, topic string, handler func(T)) func()
	SubscribeOnce(ctx context.Context, topic string, handler func(T)) func()
	Close() error
}

// BaseMessage carries the correlation id every bus message embeds so a
// publisher on one topic can be matched to a subscriber awaiting a reply
// on another (the request/result pairing used by execute_tools).
type BaseMessage struct {
	CID string
}

// CorrelationID returns the id a reply must echo back.
func (m BaseMessage) CorrelationID() string { return m.CID }

// ToolExecutionRequest is published by the MCP orchestrator for each tool
// invocation it hands off to the worker pool (spec_full §4.13). CallID,
// ServerLabel and Format carry just enough of the originating ToolCall for
// the pool's Executor to render the Response Transformer's output item
// itself, so the correlated ToolExecutionResult already holds the final,
// client-shaped bytes rather than a raw MCP result the orchestrator would
// need to re-transform.
type ToolExecutionRequest struct {
	BaseMessage
	Context     context.Context `json:"-"`
	ServerKey   string
	ToolName    string
	ToolInputs  []byte
	CallID      string
	ServerLabel string
	Format      string
}

// ToolExecutionResult is published back by the worker pool once a
// ToolExecutionRequest has been executed, successfully or not.
type ToolExecutionResult struct {
	BaseMessage
	Result []byte
	Err    string
}

// Provider lazily builds and caches exactly one Bus[T] per (Go type, topic)
// pair, so every caller asking for the same topic gets the same
// underlying subscriber set regardless of which component asked first.
type Provider struct {
	cfg config.BusConfig

	mu       sync.Mutex
	buses    map[string]any
	natsConn *nats.Connection
	redisCli *goredis.Client
}

// NewProvider builds a Provider for the given bus configuration. For the
// NATS backend it eagerly establishes (or embeds) the server connection,
// since every GetBus call for that backend shares it.
func NewProvider(cfg config.BusConfig) (*Provider, error) {
	p := &Provider{cfg: cfg, buses: make(map[string]any)}

	switch cfg.Backend {
	case "", config.BusBackendMemory:
		p.cfg.Backend = config.BusBackendMemory
	case config.BusBackendNATS:
		conn, err := nats.NewConnection(cfg.NATS)
		if err != nil {
			return nil, fmt.Errorf("bus: connecting to nats: %w", err)
		}
		p.natsConn = conn
	case config.BusBackendRedis:
		p.redisCli = goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	default:
		return nil, fmt.Errorf("bus: unknown backend %q", cfg.Backend)
	}
	return p, nil
}

// Close releases any shared backend connection (NATS, Redis). Individual
// per-topic Bus values created by GetBus share these connections and do
// not need to be closed separately.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.natsConn != nil {
		p.natsConn.Shutdown()
	}
	if p.redisCli != nil {
		return p.redisCli.Close()
	}
	return nil
}

// busKey namespaces the cache by both the element type and the topic, so
// GetBus[string](p, "x") and GetBus[int](p, "x") never collide.
func busKey[T any](topic string) string {
	var zero T
	return fmt.Sprintf("%T/%s", zero, topic)
}

// GetBus returns the Bus[T] for topic, constructing it on first use and
// reusing it (and its subscriber set) for every subsequent call with the
// same T and topic.
func GetBus[T any](p *Provider, topic string) Bus[T] {
	key := busKey[T](topic)

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.buses[key]; ok {
		return existing.(Bus[T])
	}

	var b Bus[T]
	switch p.cfg.Backend {
	case config.BusBackendNATS:
		b = nats.New[T](p.natsConn.Client())
	case config.BusBackendRedis:
		b = redis.NewWithClient[T](p.redisCli)
	default:
		mb := memory.New[T]()
		if p.cfg.PublishTimeout > 0 {
			mb.SetPublishTimeout(p.cfg.PublishTimeout)
		}
		b = mb
	}
	p.buses[key] = b
	return b
}

// compile-time assertion that *nats.Bus/*redis.Bus satisfy Bus[T] for the
// common instantiations exercised by this package's own tests.
var (
	_ Bus[string] = (*memory.Bus[string])(nil)
	_ Bus[string] = (*nats.Bus[string])(nil)
	_ Bus[string] = (*redis.Bus[string])(nil)
)
