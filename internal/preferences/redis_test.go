package preferences

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/nkkko/stocksync/pkg/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://"+s.Addr(), proto.DefaultPreferences())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, s
}

func TestRedisStoreDefaultsForUnknownUser(t *testing.T) {
	store, _ := setupTestRedis(t)

	prefs, err := store.Get(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, proto.DefaultPreferences(), prefs)
}

func TestRedisStorePutAndGet(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()

	want := proto.DefaultPreferences()
	want.SoundEnabled = false
	want.QuietHours = proto.QuietHours{Enabled: true, StartTime: "21:30", EndTime: "06:00"}

	require.NoError(t, store.Put(ctx, "alice", want))

	got, err := store.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestRedisStorePartialDocumentKeepsDefaults(t *testing.T) {
	store, s := setupTestRedis(t)

	require.NoError(t, s.Set("prefs:bob", `{"push_enabled":false}`))

	got, err := store.Get(context.Background(), "bob")
	require.NoError(t, err)
	assert.False(t, got.PushEnabled)
	assert.True(t, got.OrderStatusChanged)
	assert.Equal(t, "22:00", got.QuietHours.StartTime)
}

func TestRedisStoreCorruptDocument(t *testing.T) {
	store, s := setupTestRedis(t)

	require.NoError(t, s.Set("prefs:carol", `not json`))

	_, err := store.Get(context.Background(), "carol")
	assert.Error(t, err)
}

func TestRedisStoreUnreachable(t *testing.T) {
	s := miniredis.NewMiniRedis()
	require.NoError(t, s.Start())
	addr := s.Addr()
	s.Close()

	_, err := NewRedisStore("redis://"+addr, proto.DefaultPreferences())
	assert.Error(t, err)

	_, err = NewRedisStore("::not a url", proto.DefaultPreferences())
	assert.Error(t, err)
}
