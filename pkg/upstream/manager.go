// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/mcpany/gateway/pkg/config"
	grpcdispatch "github.com/mcpany/gateway/pkg/upstream/grpc"
	httpdispatch "github.com/mcpany/gateway/pkg/upstream/http"
)

// Manager builds and caches one Dispatcher per worker URL, so the request
// pipeline never re-dials a gRPC connection or re-parses an HTTP base URL
// on every request.
type Manager struct {
	httpClient *http.Client

	mu          sync.Mutex
	dispatchers map[string]Dispatcher
}

// NewManager builds a Manager. httpClient is shared by every HTTP
// dispatcher it creates; pass nil to use http.DefaultClient.
func NewManager(httpClient *http.Client) *Manager {
	return &Manager{httpClient: httpClient, dispatchers: make(map[string]Dispatcher)}
}

// For returns the Dispatcher for cfg.URL, building and caching one on
// first use per the worker's configured runtime.
func (m *Manager) For(cfg config.WorkerConfig) (Dispatcher, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d, ok := m.dispatchers[cfg.URL]; ok {
		return d, nil
	}

	var (
		d   Dispatcher
		err error
	)
	switch cfg.Runtime {
	case config.RuntimeGRPC:
		d, err = grpcdispatch.New(cfg, 1, 8, 8)
	case config.RuntimeHTTP:
		d, err = httpdispatch.New(cfg, m.httpClient)
	default:
		return nil, fmt.Errorf("upstream: unknown runtime %q for worker %q", cfg.Runtime, cfg.URL)
	}
	if err != nil {
		return nil, err
	}

	m.dispatchers[cfg.URL] = d
	return d, nil
}

// Evict closes and forgets the dispatcher for url, if any — used when a
// worker is removed from the registry.
func (m *Manager) Evict(url string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.dispatchers[url]; ok {
		d.Close()
		delete(m.dispatchers, url)
	}
}

// CloseAll closes every cached dispatcher.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.dispatchers {
		d.Close()
	}
	m.dispatchers = make(map[string]Dispatcher)
}
