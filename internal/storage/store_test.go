package storage_test

import (
	"context"
	"os"
	"testing"
	"time"

	"realtime-chat/internal/storage"
	"realtime-chat/internal/storage/storagetest"

	"github.com/caarlos0/env/v6"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// bootstrap connects to the database described by PG_* variables, set PG_TEST=1 to enable
func bootstrap(t *testing.T) *storage.Store {
	if os.Getenv("PG_TEST") == "" {
		t.Skip("PG_TEST is not set")
	}

	var cfg storage.Config
	require.NoError(t, env.Parse(&cfg))

	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	s, err := storage.New(context.Background(), logger.Sugar(), cfg, storage.ConnectionTimeout(5*time.Second))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(s.Close)

	return s
}

func TestStore(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Gateway {
		return bootstrap(t)
	})
}
