// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"testing"

	"github.com/mcpany/gateway/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManager_For_CachesByURL(t *testing.T) {
	m := NewManager(nil)
	cfg := config.WorkerConfig{URL: "http://worker.local", Runtime: config.RuntimeHTTP}

	d1, err := m.For(cfg)
	require.NoError(t, err)
	d2, err := m.For(cfg)
	require.NoError(t, err)

	assert.Same(t, d1, d2)
}

func TestManager_For_UnknownRuntime(t *testing.T) {
	m := NewManager(nil)
	_, err := m.For(config.WorkerConfig{URL: "http://worker.local", Runtime: "websocket"})
	assert.Error(t, err)
}

func TestManager_Evict_ForcesRebuild(t *testing.T) {
	m := NewManager(nil)
	cfg := config.WorkerConfig{URL: "http://worker.local", Runtime: config.RuntimeHTTP}

	d1, err := m.For(cfg)
	require.NoError(t, err)

	m.Evict(cfg.URL)

	d2, err := m.For(cfg)
	require.NoError(t, err)
	assert.NotSame(t, d1, d2)
}
