package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kisy/kipepeo/model"
	"github.com/kisy/kipepeo/pkg/logger"
)

func setupTestStore(t *testing.T, keep int) *Store {
	t.Helper()
	s, err := Open(":memory:", keep, logger.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testRecord(i int, finished time.Time) model.SessionRecord {
	return model.SessionRecord{
		ID:            fmt.Sprintf("00000000-0000-0000-0000-%012d", i),
		URL:           fmt.Sprintf("https://cdn.example.com/v/%d.mp4", i),
		State:         model.SessionCompleted,
		Encoding:      "br",
		OriginalBytes: 1000,
		ActualBytes:   400,
		StartTime:     finished.Add(-time.Second),
		FinishTime:    finished,
	}
}

func TestStore_Sessions(t *testing.T) {
	s := setupTestStore(t, 0)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		require.NoError(t, s.SaveSession(ctx, testRecord(i, base.Add(time.Duration(i)*time.Minute))))
	}

	got, err := s.RecentSessions(ctx, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, testRecord(4, time.Time{}).ID, got[0].ID)
	assert.Equal(t, testRecord(2, time.Time{}).ID, got[2].ID)
	assert.Equal(t, model.SessionCompleted, got[0].State)
	assert.Equal(t, uint64(1000), got[0].OriginalBytes)
	assert.Equal(t, uint64(400), got[0].ActualBytes)
	assert.True(t, got[0].FinishTime.Equal(base.Add(4*time.Minute)))

	all, err := s.RecentSessions(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestStore_SaveSessionIsIdempotent(t *testing.T) {
	s := setupTestStore(t, 0)
	ctx := context.Background()
	rec := testRecord(1, time.Now())

	require.NoError(t, s.SaveSession(ctx, rec))
	rec.State = model.SessionFailed
	require.NoError(t, s.SaveSession(ctx, rec))

	got, err := s.RecentSessions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, model.SessionFailed, got[0].State)
}

func TestStore_PrunesBeyondLimit(t *testing.T) {
	s := setupTestStore(t, 3)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 6; i++ {
		require.NoError(t, s.SaveSession(ctx, testRecord(i, base.Add(time.Duration(i)*time.Second))))
	}

	got, err := s.RecentSessions(ctx, 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, testRecord(5, time.Time{}).ID, got[0].ID)
	assert.Equal(t, testRecord(3, time.Time{}).ID, got[2].ID)
}

func TestStore_Ledger(t *testing.T) {
	s := setupTestStore(t, 0)
	ctx := context.Background()

	_, ok, err := s.LoadLedger(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	since := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.SaveLedger(ctx, model.Snapshot{
		Epoch: 3, BytesUsed: 600, BytesSaved: 900, Samples: 2, Aborted: 1, Since: since,
	}))
	require.NoError(t, s.SaveLedger(ctx, model.Snapshot{
		Epoch: 4, BytesUsed: 700, BytesSaved: 950, Samples: 3, DeviceReceived: 10, DeviceSent: 5, Since: since,
	}))

	snap, ok, err := s.LoadLedger(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uint64(4), snap.Epoch)
	assert.Equal(t, uint64(700), snap.BytesUsed)
	assert.Equal(t, uint64(950), snap.BytesSaved)
	assert.Equal(t, uint64(3), snap.Samples)
	assert.Zero(t, snap.Aborted)
	assert.Equal(t, uint64(10), snap.DeviceReceived)
	assert.Equal(t, uint64(5), snap.DeviceSent)
	assert.True(t, snap.Since.Equal(since))
}
