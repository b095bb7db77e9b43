// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

// Package routing implements the worker-selection policies of spec.md
// §4.4: round-robin, random, least-loaded and prefix-hash cache-aware
// selection over a pre-filtered candidate list.
package routing

import (
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/mcpany/gateway/pkg/metrics"
	"github.com/mcpany/gateway/pkg/registry"
)

// ErrNoHealthyWorkers is returned when the candidate list (already
// filtered to healthy, breaker-admitted workers for the requested model)
// is empty.
var ErrNoHealthyWorkers = errors.New("routing: no healthy workers")

// Hint carries request-specific routing input (the prompt prefix for
// cache-aware routing).
type Hint struct {
	PromptPrefix string
}

// Policy selects exactly one candidate, or reports ErrNoHealthyWorkers.
// Implementations are pure functions of (candidates, hint) plus whatever
// internal state the policy itself owns (e.g. the round-robin counter or
// the cache-aware sketch) — they never mutate the workers themselves.
type Policy interface {
	Select(candidates []*registry.Worker, hint Hint) (*registry.Worker, error)
}

// Candidates filters the registry down to the selectable set for one
// request: healthy, breaker-admitting, and either explicitly supporting
// the model or wildcard (spec.md §4.4). The breaker check here is
// MayExecute, a non-mutating peek — it must not consume a half-open
// worker's single probe slot just for appearing in the list alongside
// other candidates that might end up selected instead (spec.md §4.1
// "admit at most one caller"). The actual, mutating admission check
// happens once the policy has picked exactly one worker to use.
func Candidates(reg *registry.Registry, model string) []*registry.Worker {
	all := reg.GetWorkersFiltered(registry.Filter{Model: model, HealthyOnly: true})
	out := all[:0]
	for _, w := range all {
		if w.MayExecute() {
			out = append(out, w)
		}
	}
	return out
}

// RoundRobin cycles through candidates with an atomic counter.
type RoundRobin struct {
	counter atomic.Uint64
}

func NewRoundRobin() *RoundRobin { return &RoundRobin{} }

func (p *RoundRobin) Select(candidates []*registry.Worker, _ Hint) (*registry.Worker, error) {
	if len(candidates) == 0 {
		return nil, ErrNoHealthyWorkers
	}
	idx := p.counter.Add(1) - 1
	w := candidates[idx%uint64(len(candidates))]
	recordDecision("round_robin", w)
	return w, nil
}

// Random uniformly picks one candidate.
type Random struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewRandom(seed int64) *Random {
	return &Random{rng: rand.New(rand.NewSource(seed))}
}

func (p *Random) Select(candidates []*registry.Worker, _ Hint) (*registry.Worker, error) {
	if len(candidates) == 0 {
		return nil, ErrNoHealthyWorkers
	}
	p.mu.Lock()
	idx := p.rng.Intn(len(candidates))
	p.mu.Unlock()
	w := candidates[idx]
	recordDecision("random", w)
	return w, nil
}

// LeastLoaded picks argmin(priority, load, cost), lexicographically, a
// pure and therefore deterministic tie-break given equal inputs (spec.md
// §8 property 6).
type LeastLoaded struct{}

func NewLeastLoaded() LeastLoaded { return LeastLoaded{} }

func (LeastLoaded) Select(candidates []*registry.Worker, _ Hint) (*registry.Worker, error) {
	if len(candidates) == 0 {
		return nil, ErrNoHealthyWorkers
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if less(c, best) {
			best = c
		}
	}
	recordDecision("least_loaded", best)
	return best, nil
}

// recordDecision records which worker a policy selected (spec_full §4.10's
// "routing decisions" counter), labeled by policy name and worker URL.
func recordDecision(policy string, w *registry.Worker) {
	metrics.IncrCounter([]string{"routing", "decisions_total", policy, w.URL()}, 1)
}

func less(a, b *registry.Worker) bool {
	if a.Priority() != b.Priority() {
		return a.Priority() < b.Priority()
	}
	if a.Load() != b.Load() {
		return a.Load() < b.Load()
	}
	if a.Cost() != b.Cost() {
		return a.Cost() < b.Cost()
	}
	return a.URL() < b.URL() // final deterministic tie-break
}
