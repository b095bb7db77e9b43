// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

// Package app wires every core package into one running gateway process:
// the HTTP server, its middleware chain, the request pipeline, the MCP
// streaming tool loop, and the background tasks (health probing,
// cache-aware sketch eviction) that keep the registry and routing policy
// current (spec.md §6).
package app

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/mcpany/gateway/pkg/config"
)

// Environment variable names spec.md §6 calls out as the core's entire
// bootstrap surface: "log-level override, request-timeout override,
// bind-host and bind-port, all optional". There is deliberately no
// config-file or CLI-flag parsing layer here (see DESIGN.md); workers and
// MCP servers are supplied programmatically by the embedding caller (the
// in-process default used by cmd/server is empty, meaning an operator
// populates the registry entirely through the admin surface after boot).
const (
	EnvLogLevel       = "GATEWAY_LOG_LEVEL"
	EnvRequestTimeout = "GATEWAY_REQUEST_TIMEOUT_SECS"
	EnvBindHost       = "GATEWAY_BIND_HOST"
	EnvBindPort       = "GATEWAY_BIND_PORT"
)

// ConfigFromEnv builds a GatewayConfig starting from config.DefaultGatewayConfig
// and overriding it with whichever of the four spec.md §6 environment
// variables are set. It never fails: an unparsable override is logged and
// ignored, falling back to the default, since a malformed env var should
// degrade gracefully rather than block startup (spec.md §6's "all
// optional").
func ConfigFromEnv() config.GatewayConfig {
	cfg := config.DefaultGatewayConfig()

	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv(EnvRequestTimeout); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.RequestTimeout = time.Duration(secs) * time.Second
		} else {
			logStartupWarning(EnvRequestTimeout, v)
		}
	}
	if v := os.Getenv(EnvBindHost); v != "" {
		cfg.BindHost = v
	}
	if v := os.Getenv(EnvBindPort); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 && port < 65536 {
			cfg.BindPort = port
		} else {
			logStartupWarning(EnvBindPort, v)
		}
	}

	return cfg
}

func logStartupWarning(name, value string) {
	slog.Default().Warn("app: ignoring unparsable environment override", "var", name, "value", value)
}

// LogLevel parses cfg.LogLevel into a slog.Level, defaulting to Info for
// an empty or unrecognized value.
func LogLevel(cfg config.GatewayConfig) slog.Level {
	switch cfg.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Addr renders cfg's bind host/port as a net.Listen-compatible address.
func Addr(cfg config.GatewayConfig) string {
	return fmt.Sprintf("%s:%d", cfg.BindHost, cfg.BindPort)
}
