// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

// Package middleware implements the HTTP-layer cross-cutting concerns
// spec_full §4.14 names ahead of the pipeline: security headers, request
// logging, IP allowlisting (HTTP and gRPC), and rate-limit admission.
package middleware

import "net/http"

// SecurityHeadersMiddleware sets the baseline response headers every
// gateway endpoint returns, regardless of outcome.
func SecurityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}
