// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit implements the gateway's admission-control gate
// (spec_full §4.14): a token-bucket limiter applied per tenant before a
// request enters the pipeline's Validate state.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limiter is a single token-bucket rate limiter.
type Limiter struct {
	limiter *rate.Limiter
}

// NewInMemoryLimiter builds a Limiter refilling at requestsPerSecond with
// the given burst capacity.
func NewInMemoryLimiter(requestsPerSecond float64, burst int) *Limiter {
	return &Limiter{limiter: rate.NewLimiter(rate.Limit(requestsPerSecond), burst)}
}

// Allow reports whether one request may proceed right now, consuming a
// token if so.
func (l *Limiter) Allow() bool {
	return l.limiter.Allow()
}

// PerTenant lazily builds and caches one Limiter per tenant key, so every
// tenant gets its own independent bucket rather than sharing a single
// process-wide budget.
type PerTenant struct {
	requestsPerSecond float64
	burst             int

	mu       sync.Mutex
	limiters map[string]*Limiter
}

// NewPerTenant builds a PerTenant limiter factory; each tenant's bucket is
// configured with the same requestsPerSecond/burst.
func NewPerTenant(requestsPerSecond float64, burst int) *PerTenant {
	return &PerTenant{
		requestsPerSecond: requestsPerSecond,
		burst:             burst,
		limiters:          make(map[string]*Limiter),
	}
}

// Allow reports whether tenant may make one more request right now.
func (p *PerTenant) Allow(tenant string) bool {
	p.mu.Lock()
	l, ok := p.limiters[tenant]
	if !ok {
		l = NewInMemoryLimiter(p.requestsPerSecond, p.burst)
		p.limiters[tenant] = l
	}
	p.mu.Unlock()
	return l.Allow()
}
