// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

// Package config defines the plain data types the gateway core operates
// on. Parsing them out of YAML files, flags or environment variables is an
// external collaborator's job (out of scope, see spec.md §1); this package
// only owns the shapes.
package config

import "time"

// Runtime identifies how a worker is reached.
type Runtime string

const (
	RuntimeHTTP Runtime = "http"
	RuntimeGRPC Runtime = "grpc"
)

// Provider tags the backend's request/response dialect.
type Provider string

const (
	ProviderOpenAI    Provider = "openai"
	ProviderAnthropic Provider = "anthropic"
	ProviderGemini    Provider = "gemini"
	ProviderSGLang    Provider = "sglang"
	ProviderVLLM      Provider = "vllm"
	ProviderTRTLLM    Provider = "trtllm"
	ProviderExternal  Provider = "external"
)

// External returns true for workers whose health is assumed to be
// managed upstream (health checks default to disabled for these, per
// spec.md §4.2).
func (p Provider) External() bool {
	switch p {
	case ProviderOpenAI, ProviderAnthropic, ProviderGemini:
		return true
	default:
		return false
	}
}

// CircuitBreakerConfig tunes the per-worker circuit breaker (spec.md §4.1).
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	WindowDuration   time.Duration `yaml:"window_duration"`
	TimeoutDuration  time.Duration `yaml:"timeout_duration"`
}

// DefaultCircuitBreakerConfig matches the conservative defaults implied by
// spec.md §4.1 (a handful of failures in a short window opens the breaker).
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		WindowDuration:    30 * time.Second,
		TimeoutDuration:   30 * time.Second,
	}
}

// HealthCheckConfig tunes the per-worker health probe (spec.md §4.2).
type HealthCheckConfig struct {
	Disabled      bool          `yaml:"disable_health_check"`
	CheckInterval time.Duration `yaml:"check_interval"`
	Timeout       time.Duration `yaml:"timeout_secs"`
	Endpoint      string        `yaml:"endpoint"`
}

// DefaultHealthCheckConfig is the non-disabled default probe cadence.
func DefaultHealthCheckConfig() HealthCheckConfig {
	return HealthCheckConfig{
		CheckInterval: 10 * time.Second,
		Timeout:       2 * time.Second,
		Endpoint:      "/healthz",
	}
}

// WorkerConfig is the identity and static attributes of a backend
// inference worker (spec.md §3 "Worker").
type WorkerConfig struct {
	URL            string            `yaml:"url"`
	DisplayName    string            `yaml:"display_name"`
	Provider       Provider          `yaml:"provider"`
	Runtime        Runtime           `yaml:"runtime"`
	Models         []string          `yaml:"models"`
	Priority       int               `yaml:"priority"`
	Cost           float64           `yaml:"cost"`
	APIKey         string            `yaml:"api_key,omitempty"`
	Labels         map[string]string `yaml:"labels,omitempty"`
	Health         HealthCheckConfig `yaml:"health"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	DPRank         *int              `yaml:"dp_rank,omitempty"`
	DPSize         *int              `yaml:"dp_size,omitempty"`
}

// MCPTransport identifies how the gateway connects to an MCP server.
type MCPTransport string

const (
	MCPTransportStdio           MCPTransport = "stdio"
	MCPTransportSSE              MCPTransport = "sse"
	MCPTransportStreamableHTTP   MCPTransport = "streamable-http"
)

// ApprovalMode controls how destructive tool calls are gated (spec.md §4.5).
type ApprovalMode string

const (
	ApprovalModePolicy      ApprovalMode = "policy"
	ApprovalModeInteractive ApprovalMode = "interactive"
	ApprovalModeAlwaysAllow ApprovalMode = "always_allow"
)

// MCPServerConfig is one configured MCP server entry (spec.md §3 "MCP
// Server Entry").
type MCPServerConfig struct {
	ServerKey    string            `yaml:"server_key"`
	Transport    MCPTransport      `yaml:"transport"`
	Address      string            `yaml:"address"`
	Token        string            `yaml:"token,omitempty"`
	Headers      map[string]string `yaml:"headers,omitempty"`
	ApprovalMode ApprovalMode      `yaml:"approval_mode"`
}

// RoutingPolicyName selects the routing policy (spec.md §4.4).
type RoutingPolicyName string

const (
	RoutingRoundRobin RoutingPolicyName = "round_robin"
	RoutingRandom     RoutingPolicyName = "random"
	RoutingLeastLoaded RoutingPolicyName = "least_loaded"
	RoutingCacheAware RoutingPolicyName = "cache_aware"
)

// RoutingConfig tunes the selection policy (spec.md §4.4).
type RoutingConfig struct {
	Policy               RoutingPolicyName `yaml:"policy"`
	PrefixLength         int               `yaml:"prefix_length"`
	EvictionIntervalSecs int               `yaml:"eviction_interval_secs"`
}

// BusBackend selects the pub-sub transport backing the async execution
// fabric (spec_full §4.13).
type BusBackend string

const (
	BusBackendMemory BusBackend = "memory"
	BusBackendNATS   BusBackend = "nats"
	BusBackendRedis  BusBackend = "redis"
)

// NATSBusConfig addresses an embeddable or external NATS server. An empty
// ServerURL tells the bus provider to boot an in-process embedded server,
// which is convenient for single-node deployments and tests.
type NATSBusConfig struct {
	ServerURL string `yaml:"server_url,omitempty"`
}

// RedisBusConfig addresses a Redis server used for pub-sub only (no
// persistence guarantees are assumed; spec_full §4.13).
type RedisBusConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db"`
}

// BusConfig selects and tunes the message bus backend.
type BusConfig struct {
	Backend        BusBackend      `yaml:"backend"`
	PublishTimeout time.Duration   `yaml:"publish_timeout"`
	NATS           NATSBusConfig   `yaml:"nats"`
	Redis          RedisBusConfig  `yaml:"redis"`
}

// DefaultBusConfig is the zero-dependency in-memory backend, suitable for
// single-process deployments.
func DefaultBusConfig() BusConfig {
	return BusConfig{
		Backend:        BusBackendMemory,
		PublishTimeout: 2 * time.Second,
	}
}

// WorkerPoolConfig tunes the bounded worker pool that drains tool
// execution requests off the bus (spec_full §4.13).
type WorkerPoolConfig struct {
	Concurrency int `yaml:"concurrency"`
	QueueDepth  int `yaml:"queue_depth"`
}

// DefaultWorkerPoolConfig mirrors the concurrency a single gRPC-pooled
// worker machine can comfortably sustain.
func DefaultWorkerPoolConfig() WorkerPoolConfig {
	return WorkerPoolConfig{Concurrency: 8, QueueDepth: 256}
}

// RateLimitConfig tunes the token-bucket limiter applied per client
// (spec_full §4.14).
type RateLimitConfig struct {
	Disabled          bool    `yaml:"disabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// DefaultRateLimitConfig is a generous default meant to absorb bursts
// without materially throttling a well-behaved client.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{RequestsPerSecond: 50, Burst: 100}
}

// GatewayConfig is the top-level process configuration (spec.md §6 env
// vars plus the request pipeline's timeout).
type GatewayConfig struct {
	BindHost          string            `yaml:"bind_host"`
	BindPort          int               `yaml:"bind_port"`
	RequestTimeout    time.Duration     `yaml:"request_timeout_secs"`
	LogLevel          string            `yaml:"log_level"`
	Routing           RoutingConfig     `yaml:"routing"`
	Workers           []WorkerConfig    `yaml:"workers"`
	MCPServers        []MCPServerConfig `yaml:"mcp_servers"`
	AuditRingCapacity int               `yaml:"audit_ring_capacity"`
	Bus               BusConfig         `yaml:"bus"`
	WorkerPool        WorkerPoolConfig  `yaml:"worker_pool"`
	RateLimit         RateLimitConfig   `yaml:"rate_limit"`
}

// DefaultGatewayConfig mirrors spec.md §6's "all optional" env vars.
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		BindHost:       "0.0.0.0",
		BindPort:       8080,
		RequestTimeout: 60 * time.Second,
		LogLevel:       "info",
		Routing: RoutingConfig{
			Policy:               RoutingLeastLoaded,
			PrefixLength:         256,
			EvictionIntervalSecs: 300,
		},
		AuditRingCapacity: 1024,
		Bus:               DefaultBusConfig(),
		WorkerPool:        DefaultWorkerPoolConfig(),
		RateLimit:         DefaultRateLimitConfig(),
	}
}
