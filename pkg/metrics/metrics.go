// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

// Package metrics wires the gateway's counters and gauges (spec_full §4.10):
// worker load, circuit-breaker transitions, routing decisions, tool-loop
// iterations and SSE frame counts, all exported on a Prometheus-scrapeable
// /metrics endpoint.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	gometrics "github.com/armon/go-metrics"
	gometricsprom "github.com/armon/go-metrics/prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc/stats"
)

const metricNamespace = "mcpany"

// Metrics wraps one go-metrics instance bound to a Prometheus sink.
type Metrics struct {
	inmem *gometrics.InmemSink
	sink  *gometricsprom.PrometheusSink
}

// GlobalMetrics is the process-wide instance every other package records
// against. It is nil until Initialize is called; SetGauge/IncrCounter/
// MeasureSince are no-ops before that so packages that record metrics
// before the server finishes starting up don't need a nil check.
var GlobalMetrics *Metrics

func newMetrics() (*Metrics, error) {
	inmem := gometrics.NewInmemSink(10*time.Second, time.Minute)
	promSink, err := gometricsprom.NewPrometheusSink()
	var dup prometheus.AlreadyRegisteredError
	if errors.As(err, &dup) {
		// An earlier call registered its sink on the default registerer;
		// drop that one so this instance replaces it.
		prometheus.DefaultRegisterer.Unregister(dup.ExistingCollector)
		promSink, err = gometricsprom.NewPrometheusSink()
	}
	if err != nil {
		return nil, err
	}

	fanout := gometrics.FanoutSink{inmem, promSink}
	cfg := gometrics.DefaultConfig(metricNamespace)
	cfg.EnableHostname = false
	if _, err := gometrics.NewGlobal(cfg, fanout); err != nil {
		return nil, err
	}
	return &Metrics{inmem: inmem, sink: promSink}, nil
}

// Initialize builds GlobalMetrics and installs it as the package-level
// metrics sink. Calling it more than once replaces the previous instance,
// which is mainly useful for tests that want an isolated counter set.
func Initialize() *Metrics {
	m, err := newMetrics()
	if err != nil {
		// newMetrics already replaces a sink left registered by an
		// earlier call, so an error here is not a duplicate
		// registration; a panic would indicate a genuine programmer
		// error instead.
		panic(err)
	}
	GlobalMetrics = m
	return m
}

// Handler returns the HTTP handler serving /metrics in Prometheus
// exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetGauge records a point-in-time value under name, optionally
// partitioned by labels (rendered into the flattened go-metrics key the
// same way the rest of this package's keys are).
func SetGauge(name string, val float32, labels ...string) {
	if GlobalMetrics == nil {
		return
	}
	gometrics.SetGauge(append([]string{name}, labels...), val)
}

// IncrCounter increments a counter identified by key.
func IncrCounter(key []string, delta float32) {
	if GlobalMetrics == nil {
		return
	}
	gometrics.IncrCounter(key, delta)
}

// MeasureSince records the elapsed time since start under key, for
// latency-style histograms (routing decision time, tool-call duration,
// upstream round-trip time).
func MeasureSince(key []string, start time.Time) {
	if GlobalMetrics == nil {
		return
	}
	gometrics.MeasureSince(key, start)
}

// GrpcStatsHandler implements google.golang.org/grpc/stats.Handler,
// counting connection open/close events for pooled gRPC worker
// connections (spec_full §4.15). RPC-level events are not counted.
type GrpcStatsHandler struct{}

// TagRPC is a no-op: no per-RPC context enrichment is needed.
func (h *GrpcStatsHandler) TagRPC(ctx context.Context, _ *stats.RPCTagInfo) context.Context {
	return ctx
}

// HandleRPC is a no-op: RPC-level stats events are not currently recorded.
func (h *GrpcStatsHandler) HandleRPC(context.Context, stats.RPCStats) {}

// TagConn is a no-op: no per-connection context enrichment is needed.
func (h *GrpcStatsHandler) TagConn(ctx context.Context, _ *stats.ConnTagInfo) context.Context {
	return ctx
}

// HandleConn counts connection open/close events, summed across all
// workers (the counters carry no worker label).
func (h *GrpcStatsHandler) HandleConn(_ context.Context, s stats.ConnStats) {
	switch s.(type) {
	case *stats.ConnBegin:
		IncrCounter([]string{"grpc", "connections_opened_total"}, 1)
	case *stats.ConnEnd:
		IncrCounter([]string{"grpc", "connections_closed_total"}, 1)
	}
}
