// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

// IPAllowlistMiddleware restricts HTTP access to a configured set of
// client IPs/CIDRs. An empty allowlist permits every client, matching the
// gateway's default (no network-policy restriction configured).
type IPAllowlistMiddleware struct {
	nets []*net.IPNet
	ips  []net.IP
}

// NewIPAllowlistMiddleware parses allowed (each entry a bare IP or CIDR),
// returning an error if any entry is malformed.
func NewIPAllowlistMiddleware(allowed []string) (*IPAllowlistMiddleware, error) {
	nets, ips, err := parseAllowlist(allowed)
	if err != nil {
		return nil, err
	}
	return &IPAllowlistMiddleware{nets: nets, ips: ips}, nil
}

// Handler wraps next, rejecting requests whose RemoteAddr does not match
// the allowlist with 403 Forbidden.
func (m *IPAllowlistMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(m.nets) == 0 && len(m.ips) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		host := r.RemoteAddr
		if h, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			host = h
		}
		ip := net.ParseIP(host)
		if ip == nil || !allowlistContains(m.nets, m.ips, ip) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// IPAllowlistInterceptor is the gRPC-dispatch analog of
// IPAllowlistMiddleware, for worker health checks and any gRPC-transport
// admin surface the gateway exposes.
type IPAllowlistInterceptor struct {
	nets []*net.IPNet
	ips  []net.IP
}

// NewIPAllowlistInterceptor parses allowed the same way
// NewIPAllowlistMiddleware does. A malformed entry is silently skipped
// here (the gRPC call path has no constructor-time error return in the
// pack's interceptor registration idiom); callers that need validation
// should parse with NewIPAllowlistMiddleware first.
func NewIPAllowlistInterceptor(allowed []string) *IPAllowlistInterceptor {
	var nets []*net.IPNet
	var ips []net.IP
	for _, entry := range allowed {
		n, ip, err := parseAllowlist([]string{entry})
		if err != nil {
			continue
		}
		nets = append(nets, n...)
		ips = append(ips, ip...)
	}
	return &IPAllowlistInterceptor{nets: nets, ips: ips}
}

// checkIP validates the peer address carried on ctx against the allowlist.
func (i *IPAllowlistInterceptor) checkIP(ctx context.Context) error {
	if len(i.nets) == 0 && len(i.ips) == 0 {
		return nil
	}

	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return status.Error(codes.Unauthenticated, "no peer address on context")
	}

	host, _, err := net.SplitHostPort(p.Addr.String())
	if err != nil {
		host = p.Addr.String()
	}
	ip := net.ParseIP(host)
	if ip == nil || !allowlistContains(i.nets, i.ips, ip) {
		return status.Errorf(codes.PermissionDenied, "client %s is not in the allowlist", host)
	}
	return nil
}

func parseAllowlist(allowed []string) ([]*net.IPNet, []net.IP, error) {
	var nets []*net.IPNet
	var ips []net.IP
	for _, entry := range allowed {
		if ip := net.ParseIP(entry); ip != nil {
			ips = append(ips, ip)
			continue
		}
		_, ipNet, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, nil, fmt.Errorf("middleware: invalid allowlist entry %q: %w", entry, err)
		}
		nets = append(nets, ipNet)
	}
	return nets, ips, nil
}

func allowlistContains(nets []*net.IPNet, ips []net.IP, ip net.IP) bool {
	for _, allowed := range ips {
		if allowed.Equal(ip) {
			return true
		}
	}
	for _, n := range nets {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
