// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"net/http"

	"github.com/mcpany/gateway/pkg/apierr"
)

// TenantLimiter is the subset of pkg/ratelimit.PerTenant this middleware
// needs, so tests can substitute a fake without depending on the real
// token-bucket clock.
type TenantLimiter interface {
	Allow(tenant string) bool
}

// TenantKeyFunc extracts the tenant identity a request is rate-limited
// under. The gateway keys this off the resolved tenant, not the raw
// Authorization header, so the same middleware works regardless of which
// auth scheme populated it.
type TenantKeyFunc func(r *http.Request) string

// RateLimitMiddleware admits or rejects requests per spec_full §4.14's
// admission-control gate, ahead of the request pipeline's own Validate
// state: a tenant that has exhausted its bucket gets 429 before any
// worker is ever selected.
func RateLimitMiddleware(limiter TenantLimiter, tenantKey TenantKeyFunc) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenant := tenantKey(r)
			if !limiter.Allow(tenant) {
				apierr.WriteJSON(w, apierr.RateLimited("rate limit exceeded for tenant "+tenant))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
