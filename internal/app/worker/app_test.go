package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"learning-platform/internal/app"
	"learning-platform/pkg/config"
)

func TestNewAppRequiresConfig(t *testing.T) {
	b, err := app.NewBootstrap(nil)
	require.NoError(t, err)
	t.Cleanup(b.Close)

	_, err = NewApp(b)
	require.Error(t, err)
}

func TestStartAndShutdown(t *testing.T) {
	cfg := &config.Config{
		Queue:  config.QueueConfig{Type: "memory"},
		Worker: config.WorkerConfig{Concurrency: 2, PollInterval: "10ms"},
	}
	b, err := app.NewBootstrap(cfg)
	require.NoError(t, err)

	a, err := NewApp(b)
	require.NoError(t, err)
	require.NoError(t, a.Start())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, a.Shutdown(ctx))
}

func TestDefaultWorkerIDNotEmpty(t *testing.T) {
	require.NotEmpty(t, DefaultWorkerID())
}
