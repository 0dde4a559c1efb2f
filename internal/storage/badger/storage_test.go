package badger

import (
	"context"
	"testing"
	"time"

	"github.com/nkkko/stocksync/pkg/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/timestamppb"
)

func newTestStorage(t *testing.T, config Config) *Storage {
	t.Helper()
	s, err := NewStorage(config)
	require.NoError(t, err)
	t.Cleanup(func() { s.Shutdown(context.Background()) })
	return s
}

func testSnapshot(audience proto.Audience, viewerID string, orderIDs ...string) *proto.OrderSnapshot {
	snapshot := &proto.OrderSnapshot{
		Audience:  audience,
		ViewerId:  viewerID,
		FetchedAt: timestamppb.New(time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC)),
	}
	for i, id := range orderIDs {
		snapshot.Orders = append(snapshot.Orders, &proto.Order{
			Id:          id,
			UserId:      viewerID,
			Status:      proto.StatusSubmitted,
			OrderNumber: string(rune('A' + i)),
		})
	}
	return snapshot
}

func TestSnapshotKey(t *testing.T) {
	assert.Equal(t, "snap:manager:carol", SnapshotKey(proto.AudienceManager, "carol"))
}

func TestSaveAndGetSnapshot(t *testing.T) {
	s := newTestStorage(t, Config{InMemory: true})
	ctx := context.Background()

	want := testSnapshot(proto.AudienceEmployee, "alice", "o-1", "o-2")
	require.NoError(t, s.SaveSnapshot(ctx, want))

	got, err := s.GetSnapshot(ctx, proto.AudienceEmployee, "alice")
	require.NoError(t, err)
	require.Len(t, got.Orders, 2)
	assert.Equal(t, "o-1", got.Orders[0].Id)
	assert.Equal(t, proto.AudienceEmployee, got.Audience)
	assert.True(t, want.FetchedAt.AsTime().Equal(got.FetchedAt.AsTime()))

	// Replacing keeps only the newest list
	require.NoError(t, s.SaveSnapshot(ctx, testSnapshot(proto.AudienceEmployee, "alice", "o-3")))
	got, err = s.GetSnapshot(ctx, proto.AudienceEmployee, "alice")
	require.NoError(t, err)
	require.Len(t, got.Orders, 1)
	assert.Equal(t, "o-3", got.Orders[0].Id)
}

func TestGetSnapshotWithoutCache(t *testing.T) {
	s := newTestStorage(t, Config{InMemory: true, CacheEnabled: false})
	ctx := context.Background()

	require.NoError(t, s.SaveSnapshot(ctx, testSnapshot(proto.AudienceManager, "carol", "o-1")))

	got, err := s.GetSnapshot(ctx, proto.AudienceManager, "carol")
	require.NoError(t, err)
	assert.Equal(t, "carol", got.ViewerId)
}

func TestGetSnapshotNotFound(t *testing.T) {
	s := newTestStorage(t, Config{InMemory: true, CacheEnabled: true})

	_, err := s.GetSnapshot(context.Background(), proto.AudienceManager, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSaveSnapshotValidation(t *testing.T) {
	s := newTestStorage(t, Config{InMemory: true})
	ctx := context.Background()

	assert.Error(t, s.SaveSnapshot(ctx, nil))
	assert.Error(t, s.SaveSnapshot(ctx, &proto.OrderSnapshot{Audience: proto.AudienceManager}))
}

func TestDeleteSnapshots(t *testing.T) {
	s := newTestStorage(t, Config{InMemory: true, CacheEnabled: true})
	ctx := context.Background()

	require.NoError(t, s.SaveSnapshot(ctx, testSnapshot(proto.AudienceManager, "carol", "o-1")))
	require.NoError(t, s.SaveSnapshot(ctx, testSnapshot(proto.AudienceEmployee, "carol", "o-2")))
	require.NoError(t, s.SaveSnapshot(ctx, testSnapshot(proto.AudienceEmployee, "alice", "o-3")))

	removed, err := s.DeleteSnapshots(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	_, err = s.GetSnapshot(ctx, proto.AudienceManager, "carol")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetSnapshot(ctx, proto.AudienceEmployee, "alice")
	assert.NoError(t, err)
}

func TestOnDiskPersistence(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewStorage(Config{DataDir: dir})
	require.NoError(t, err)
	require.NoError(t, s.SaveSnapshot(ctx, testSnapshot(proto.AudienceEmployee, "alice", "o-1")))
	require.NoError(t, s.Shutdown(ctx))

	reopened := newTestStorage(t, Config{DataDir: dir})
	got, err := reopened.GetSnapshot(ctx, proto.AudienceEmployee, "alice")
	require.NoError(t, err)
	require.Len(t, got.Orders, 1)
}

func TestStartStopsWithContext(t *testing.T) {
	s := newTestStorage(t, Config{InMemory: true, GCInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	time.Sleep(30 * time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}
