// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

// Package registry implements the Worker Registry described in spec.md
// §4.3: the dynamic inventory of backend inference workers, indexed by
// URL, model and provider.
package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcpany/gateway/pkg/config"
	"github.com/mcpany/gateway/pkg/metrics"
	"github.com/mcpany/gateway/pkg/resilience"
)

// Worker is a backend inference endpoint plus its mutable runtime state
// (spec.md §3 "Worker"). Workers are reference-counted by request
// contexts: a request that selected a worker holds a strong reference to
// it (simply a *Worker pointer) that keeps it usable even if it is
// concurrently removed from the registry.
type Worker struct {
	cfg config.WorkerConfig

	Breaker *resilience.CircuitBreaker

	healthy        atomic.Bool
	load           atomic.Int64
	lastLatencyNs  atomic.Int64
}

// NewWorker builds a Worker in the healthy state with a fresh circuit
// breaker. Health defaults to true until the first probe runs, matching
// the teacher's "optimistic until proven otherwise" convention for newly
// registered backends.
func NewWorker(cfg config.WorkerConfig) *Worker {
	w := &Worker{
		cfg:     cfg,
		Breaker: resilience.NewCircuitBreaker(cfg.CircuitBreaker),
	}
	w.healthy.Store(true)
	return w
}

func (w *Worker) URL() string             { return w.cfg.URL }
func (w *Worker) DisplayName() string     { return w.cfg.DisplayName }
func (w *Worker) Provider() config.Provider { return w.cfg.Provider }
func (w *Worker) Runtime() config.Runtime { return w.cfg.Runtime }
func (w *Worker) Priority() int           { return w.cfg.Priority }
func (w *Worker) Cost() float64           { return w.cfg.Cost }
func (w *Worker) APIKey() string          { return w.cfg.APIKey }
func (w *Worker) Labels() map[string]string { return w.cfg.Labels }
func (w *Worker) Config() config.WorkerConfig { return w.cfg }

// SupportsModel reports whether this worker can serve the given model.
// An empty model set is a wildcard that accepts any model (spec.md §3,
// §4.3).
func (w *Worker) SupportsModel(model string) bool {
	if len(w.cfg.Models) == 0 {
		return true
	}
	for _, m := range w.cfg.Models {
		if m == model {
			return true
		}
	}
	return false
}

// IsWildcard reports whether the worker declared no explicit model set.
func (w *Worker) IsWildcard() bool { return len(w.cfg.Models) == 0 }

func (w *Worker) Healthy() bool     { return w.healthy.Load() }
func (w *Worker) SetHealthy(h bool) { w.healthy.Store(h) }

func (w *Worker) Load() int64 { return w.load.Load() }

// IncrLoad and DecrLoad implement the strict load-accounting contract of
// spec.md §4.6: exactly one increment on entering Build, exactly one
// decrement after the response is fully delivered, on every exit path.
func (w *Worker) IncrLoad() int64 {
	v := w.load.Add(1)
	metrics.SetGauge("worker.load", float32(v), w.cfg.URL)
	return v
}

func (w *Worker) DecrLoad() int64 {
	v := w.load.Add(-1)
	metrics.SetGauge("worker.load", float32(v), w.cfg.URL)
	return v
}

func (w *Worker) LastLatency() time.Duration {
	return time.Duration(w.lastLatencyNs.Load())
}

func (w *Worker) RecordLatency(d time.Duration) {
	w.lastLatencyNs.Store(int64(d))
}

// CanExecute reports whether the worker's circuit breaker currently
// admits traffic. It is mutating (see CircuitBreaker.CanExecute) and must
// only be called against the single worker a routing policy actually
// selected, never against every filtered candidate — use MayExecute for
// the latter.
func (w *Worker) CanExecute() bool { return w.Breaker.CanExecute() }

// MayExecute is a non-mutating breaker check suitable for filtering many
// candidates at once (see CircuitBreaker.Peek).
func (w *Worker) MayExecute() bool { return w.Breaker.Peek() }

// Candidate is the read view handed to the routing policy: a healthy,
// breaker-admitted worker that supports the requested model.
type Candidate struct {
	Worker *Worker
}

// Filter is the predicate set consulted by GetWorkersFiltered (spec.md
// §4.3).
type Filter struct {
	Model       string
	Provider    config.Provider
	Labels      map[string]string
	Runtime     config.Runtime
	HealthyOnly bool
}

func (f Filter) matches(w *Worker) bool {
	if f.Model != "" && !w.SupportsModel(f.Model) {
		return false
	}
	if f.Provider != "" && w.Provider() != f.Provider {
		return false
	}
	if f.Runtime != "" && w.Runtime() != f.Runtime {
		return false
	}
	if f.HealthyOnly && !w.Healthy() {
		return false
	}
	for k, v := range f.Labels {
		if w.Labels()[k] != v {
			return false
		}
	}
	return true
}

// Registry is the thread-safe worker inventory (spec.md §4.3). Readers
// take a shared lock for one lookup; writers hold exclusively across the
// primary and secondary index updates (spec.md §5).
type Registry struct {
	mu            sync.RWMutex
	byURL         map[string]*Worker
	byModel       map[string]map[string]*Worker // model -> url -> worker, explicit models only
	byProvider    map[config.Provider]map[string]*Worker
	onChange      func(event ChangeEvent)
}

// ChangeKind distinguishes registry mutations for subscribers (spec_full
// §4.13 — local fan-out, not mesh/CRDT gossip).
type ChangeKind int

const (
	ChangeRegistered ChangeKind = iota
	ChangeRemoved
)

// ChangeEvent describes one registry mutation.
type ChangeEvent struct {
	Kind ChangeKind
	URL  string
}

// New builds an empty registry. onChange may be nil.
func New(onChange func(ChangeEvent)) *Registry {
	return &Registry{
		byURL:      make(map[string]*Worker),
		byModel:    make(map[string]map[string]*Worker),
		byProvider: make(map[config.Provider]map[string]*Worker),
		onChange:   onChange,
	}
}

// Register inserts a worker by URL. A duplicate URL replaces the old
// entry — this is the mechanism for property updates (spec.md §4.3).
func (r *Registry) Register(cfg config.WorkerConfig) *Worker {
	w := NewWorker(cfg)
	if cfg.Provider.External() {
		// External providers default to disabled health checks unless the
		// caller explicitly turned them on (spec.md §4.2).
		if !cfg.Health.Disabled && cfg.Health.CheckInterval == 0 {
			w.cfg.Health.Disabled = true
		}
	}

	r.mu.Lock()
	if old, ok := r.byURL[cfg.URL]; ok {
		r.removeLocked(old)
	}
	r.byURL[cfg.URL] = w
	for _, m := range cfg.Models {
		idx, ok := r.byModel[m]
		if !ok {
			idx = make(map[string]*Worker)
			r.byModel[m] = idx
		}
		idx[cfg.URL] = w
	}
	idx, ok := r.byProvider[cfg.Provider]
	if !ok {
		idx = make(map[string]*Worker)
		r.byProvider[cfg.Provider] = idx
	}
	idx[cfg.URL] = w
	r.mu.Unlock()

	r.notify(ChangeEvent{Kind: ChangeRegistered, URL: cfg.URL})
	return w
}

// Remove deletes a worker by URL. It is a no-op if the URL is unknown.
// Per spec.md §3, decommissioning a worker whose load has not yet reached
// zero is the caller's responsibility to wait out — Remove itself is
// unconditional so an admin operator is never blocked indefinitely by a
// stuck request.
func (r *Registry) Remove(url string) {
	r.mu.Lock()
	w, ok := r.byURL[url]
	if ok {
		r.removeLocked(w)
	}
	r.mu.Unlock()
	if ok {
		r.notify(ChangeEvent{Kind: ChangeRemoved, URL: url})
	}
}

func (r *Registry) removeLocked(w *Worker) {
	delete(r.byURL, w.URL())
	for _, m := range w.Config().Models {
		if idx, ok := r.byModel[m]; ok {
			delete(idx, w.URL())
			if len(idx) == 0 {
				delete(r.byModel, m)
			}
		}
	}
	if idx, ok := r.byProvider[w.Provider()]; ok {
		delete(idx, w.URL())
		if len(idx) == 0 {
			delete(r.byProvider, w.Provider())
		}
	}
}

func (r *Registry) notify(e ChangeEvent) {
	if r.onChange != nil {
		r.onChange(e)
	}
}

// GetByURL returns the worker registered at url, if any.
func (r *Registry) GetByURL(url string) (*Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.byURL[url]
	return w, ok
}

// GetWorkersFiltered returns every worker matching f. Wildcard workers
// (empty model set) are not present in byModel and are discovered by the
// full scan, matching spec.md §4.3's "wildcard workers are discovered by
// supports_model scan" note.
func (r *Registry) GetWorkersFiltered(f Filter) []*Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Worker
	for _, w := range r.byURL {
		if f.matches(w) {
			out = append(out, w)
		}
	}
	return out
}

// SupportsModel reports whether the worker at url can serve model.
func (r *Registry) SupportsModel(url, model string) bool {
	r.mu.RLock()
	w, ok := r.byURL[url]
	r.mu.RUnlock()
	return ok && w.SupportsModel(model)
}

// AnyWorkerForModel reports whether at least one worker (healthy or not)
// declares support for model — used to distinguish spec.md §4.4's
// NoHealthyWorkers (503) from ModelNotFound (404) fallback.
func (r *Registry) AnyWorkerForModel(model string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, w := range r.byURL {
		if w.SupportsModel(model) {
			return true
		}
	}
	return false
}

// Len returns the number of registered workers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byURL)
}
