package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nkkko/stocksync/internal/config"
	"github.com/nkkko/stocksync/pkg/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[]`))
	}))
	t.Cleanup(backend.Close)

	cfg := config.DefaultConfig()
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Storage.StorageType = "memory"
	cfg.Remote.URL = backend.URL
	cfg.Dispatcher.Timezone = "UTC"
	return cfg
}

func TestCreateEngineRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Remote.Backend = "graphql"

	_, err := CreateEngine(cfg, Options{})
	assert.Error(t, err)

	cfg = testConfig(t)
	cfg.Dispatcher.Timezone = "Nowhere/Special"
	_, err = CreateEngine(cfg, Options{})
	assert.Error(t, err)
}

func TestEngineLifecycle(t *testing.T) {
	eng, err := CreateEngine(testConfig(t), Options{
		ViewerID: "manager-1",
		Role:     proto.RoleManager,
	})
	require.NoError(t, err)
	require.NotNil(t, eng.Hub())
	require.NotNil(t, eng.API())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- eng.Start(ctx)
	}()

	require.Eventually(t, func() bool {
		return eng.Sessions().Current() != nil
	}, 2*time.Second, 10*time.Millisecond)

	handle := eng.Sessions().Current()
	assert.Equal(t, "manager-1", handle.ViewerID)
	assert.Equal(t, proto.RoleManager, handle.Role)
	assert.Equal(t, 1, eng.Hub().Len())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = eng.Shutdown(shutdownCtx)

	assert.Nil(t, eng.Sessions().Current())
	assert.Equal(t, 0, eng.Hub().Len())
}
