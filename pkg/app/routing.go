// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"time"

	"github.com/mcpany/gateway/pkg/config"
	"github.com/mcpany/gateway/pkg/routing"
)

// newPolicy builds the configured routing.Policy (spec.md §4.4). It also
// returns the *routing.CacheAware instance when that policy is selected,
// so the caller can drive its periodic Evict on the configured interval —
// every other policy returns a nil second value since only CacheAware
// carries evictable state.
func newPolicy(cfg config.RoutingConfig) (routing.Policy, *routing.CacheAware) {
	switch cfg.Policy {
	case config.RoutingRoundRobin:
		return routing.NewRoundRobin(), nil
	case config.RoutingRandom:
		return routing.NewRandom(time.Now().UnixNano()), nil
	case config.RoutingCacheAware:
		ca := routing.NewCacheAware(cfg.PrefixLength)
		return ca, ca
	case config.RoutingLeastLoaded:
		fallthrough
	default:
		return routing.NewLeastLoaded(), nil
	}
}
