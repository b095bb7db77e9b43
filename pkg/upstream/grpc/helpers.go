// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

package grpc

import (
	"context"
	"net/url"

	"google.golang.org/grpc/metadata"
)

// withAuthorization attaches an outgoing authorization metadata entry,
// gRPC's analogue of the HTTP dispatcher's Authorization header.
func withAuthorization(ctx context.Context, auth string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, "authorization", auth)
}

// hostOf extracts the hostname portion of a worker URL for bootstrap
// metadata injection, tolerating a bare host:port with no scheme.
func hostOf(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		if u2, err2 := url.Parse("//" + rawURL); err2 == nil {
			return u2.Hostname()
		}
		return rawURL
	}
	return u.Hostname()
}
