// Copyright 2025 Author(s) of MCP Any
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"testing"

	"github.com/mcpany/gateway/pkg/config"
	"github.com/stretchr/testify/assert"
)

func TestCredentialFor_SubstitutesConfiguredAPIKey(t *testing.T) {
	cred := CredentialFor(config.WorkerConfig{APIKey: "sk-worker"}, "Bearer sk-client")
	assert.Equal(t, "Bearer sk-worker", cred)
}

func TestCredentialFor_ForwardsInboundWhenNoAPIKeyConfigured(t *testing.T) {
	cred := CredentialFor(config.WorkerConfig{}, "Bearer sk-client")
	assert.Equal(t, "Bearer sk-client", cred)
}

func TestCredentialFor_EmptyWhenNeitherPresent(t *testing.T) {
	cred := CredentialFor(config.WorkerConfig{}, "")
	assert.Empty(t, cred)
}
