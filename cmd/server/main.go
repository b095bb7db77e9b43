// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

// Command server is the gateway's entrypoint: it bootstraps a
// config.GatewayConfig from environment variables (see pkg/app's
// EnvLogLevel/EnvRequestTimeout/EnvBindHost/EnvBindPort), starts an
// app.Server, and blocks until it is asked to shut down (SIGINT/SIGTERM) or
// fails to start. Workers are populated after boot through the admin
// surface (spec.md §6); the default config configures no MCP servers, and
// the admin surface has no route for adding them. This binary carries no
// config-file or CLI-flag parsing layer.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mcpany/gateway/pkg/app"
	"github.com/mcpany/gateway/pkg/logging"
)

func main() {
	os.Exit(run())
}

// run is main's body, factored out so tests can exercise failure paths
// without calling os.Exit directly.
func run() int {
	cfg := app.ConfigFromEnv()
	srv := app.New(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintln(os.Stderr, "gateway: fatal startup error:", err)
			return 1
		}
		return 0
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.GetLogger().Warn("gateway: error during shutdown", "error", err)
		return 1
	}
	return 0
}
