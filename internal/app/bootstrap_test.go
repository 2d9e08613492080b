package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"learning-platform/internal/ratelimit"
	"learning-platform/pkg/config"
)

func TestNewBootstrapDefaultsToMemoryStores(t *testing.T) {
	b, err := NewBootstrap(nil)
	require.NoError(t, err)
	defer b.Close()

	require.NotNil(t, b.Logger)
	require.NotNil(t, b.QueueStore)
	require.NotNil(t, b.SessionStore)
	require.NotNil(t, b.Limiter)
	require.NotNil(t, b.ToolClient)

	// default bucket admits immediately
	ok, err := b.Limiter.Admit(context.Background(), "user:u1:agent:clo", 1, ratelimit.Config{})
	require.NoError(t, err)
	require.True(t, ok)
}

func TestNewBootstrapBuildsToolRegistryFromConfig(t *testing.T) {
	cfg := &config.Config{
		Tools: map[string]config.ToolConfig{
			"clo": {Endpoint: "http://localhost:9001", Version: "v1", PerMinute: 8, Timeout: "30s"},
		},
	}
	b, err := NewBootstrap(cfg)
	require.NoError(t, err)
	defer b.Close()

	entry, ok := b.ToolRegistry.Get("clo")
	require.True(t, ok)
	require.Equal(t, "http://localhost:9001", entry.Endpoint)
}

func TestNewBootstrapPostgresWithoutDSNFails(t *testing.T) {
	_, err := NewBootstrap(&config.Config{Queue: config.QueueConfig{Type: "postgres"}})
	require.Error(t, err)
}
