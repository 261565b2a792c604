package stats

import (
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kisy/kipepeo/model"
	"github.com/kisy/kipepeo/pkg/logger"
)

func newTestLedger() *Ledger {
	return NewLedger(logger.Nop())
}

func TestLedger_EmptySnapshot(t *testing.T) {
	l := newTestLedger()
	s := l.Snapshot()
	assert.Zero(t, s.BytesUsed)
	assert.Zero(t, s.BytesSaved)
	assert.Equal(t, 1.0, s.CompressionRatio)
	assert.Equal(t, uint64(1), s.Epoch)
}

func TestLedger_Record(t *testing.T) {
	tests := []struct {
		name      string
		records   [][2]uint64
		wantUsed  uint64
		wantSaved uint64
		wantRatio float64
		inflated  uint64
	}{
		{
			name:      "two sessions",
			records:   [][2]uint64{{1_000_000, 400_000}, {500_000, 500_000}},
			wantUsed:  900_000,
			wantSaved: 600_000,
			wantRatio: 0.6,
		},
		{
			name:      "inflated session saves nothing",
			records:   [][2]uint64{{100, 150}},
			wantUsed:  150,
			wantSaved: 0,
			wantRatio: 1.0,
			inflated:  1,
		},
		{
			name:      "zero byte session",
			records:   [][2]uint64{{0, 0}},
			wantRatio: 1.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newTestLedger()
			for _, r := range tt.records {
				l.Record(r[0], r[1])
			}
			s := l.Snapshot()
			assert.Equal(t, tt.wantUsed, s.BytesUsed)
			assert.Equal(t, tt.wantSaved, s.BytesSaved)
			assert.InDelta(t, tt.wantRatio, s.CompressionRatio, 1e-9)
			assert.Equal(t, uint64(len(tt.records)), s.Samples)
			assert.Equal(t, tt.inflated, s.Inflated)
		})
	}
}

func TestLedger_ResetStartsNewEpoch(t *testing.T) {
	l := newTestLedger()
	l.Record(1000, 200)
	l.AddDevice(10, 20)
	before := l.Begin()

	l.Reset()

	s := l.Snapshot()
	assert.Zero(t, s.BytesUsed)
	assert.Zero(t, s.BytesSaved)
	assert.Zero(t, s.Samples)
	assert.Zero(t, s.DeviceReceived)
	assert.Equal(t, 1.0, s.CompressionRatio)
	assert.Equal(t, uint64(before)+1, s.Epoch)
}

func TestLedger_StaleEpochIsDiscarded(t *testing.T) {
	l := newTestLedger()
	epoch := l.Begin()
	l.Reset()

	assert.False(t, l.RecordIn(epoch, 1000, 100))
	assert.False(t, l.AbortIn(epoch))

	s := l.Snapshot()
	assert.Zero(t, s.BytesUsed)
	assert.Zero(t, s.Aborted)

	assert.True(t, l.RecordIn(l.Begin(), 1000, 100))
	assert.Equal(t, uint64(900), l.Snapshot().BytesSaved)
}

func TestLedger_Abort(t *testing.T) {
	l := newTestLedger()
	l.Abort()
	require.True(t, l.AbortIn(l.Begin()))

	s := l.Snapshot()
	assert.Equal(t, uint64(2), s.Aborted)
	assert.Zero(t, s.Samples)
	assert.Zero(t, s.BytesUsed)
}

func TestLedger_OverflowResets(t *testing.T) {
	l := newTestLedger()
	l.Record(math.MaxUint64, math.MaxUint64-10)
	require.Equal(t, uint64(math.MaxUint64-10), l.Snapshot().BytesUsed)
	epoch := l.Begin()

	l.Record(100, 50)

	s := l.Snapshot()
	assert.Zero(t, s.BytesUsed)
	assert.Zero(t, s.BytesSaved)
	assert.Zero(t, s.Samples)
	assert.Greater(t, s.Epoch, uint64(epoch))
}

func TestLedger_ConcurrentRecords(t *testing.T) {
	l := newTestLedger()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				l.Record(1000, 250)
				_ = l.Snapshot()
			}
		}()
	}
	wg.Wait()

	s := l.Snapshot()
	assert.Equal(t, uint64(5000), s.Samples)
	assert.Equal(t, uint64(5000*250), s.BytesUsed)
	assert.Equal(t, uint64(5000*750), s.BytesSaved)
	assert.InDelta(t, 0.25, s.CompressionRatio, 1e-9)
}

func TestLedger_RecordsRacingReset(t *testing.T) {
	l := newTestLedger()

	var applied sync.Map // Epoch -> *atomic.Uint64
	count := func(e Epoch) *atomic.Uint64 {
		v, _ := applied.LoadOrStore(e, new(atomic.Uint64))
		return v.(*atomic.Uint64)
	}

	stop := make(chan struct{})
	var writers sync.WaitGroup
	for i := 0; i < 8; i++ {
		writers.Add(1)
		go func() {
			defer writers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				e := l.Begin()
				if l.RecordIn(e, 1000, 250) {
					count(e).Add(1)
				}
			}
		}()
	}

	var readers sync.WaitGroup
	readers.Add(1)
	go func() {
		defer readers.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			s := l.Snapshot()
			if s.BytesUsed != s.Samples*250 || s.BytesSaved != s.Samples*750 {
				t.Errorf("torn snapshot: samples=%d used=%d saved=%d", s.Samples, s.BytesUsed, s.BytesSaved)
				return
			}
		}
	}()

	for i := 0; i < 200; i++ {
		l.Reset()
		s := l.Snapshot()
		assert.Equal(t, s.Samples*250, s.BytesUsed)
		assert.Equal(t, s.Samples*750, s.BytesSaved)
	}
	close(stop)
	writers.Wait()
	readers.Wait()

	final := l.Snapshot()
	assert.Equal(t, uint64(201), final.Epoch)
	assert.Equal(t, count(Epoch(final.Epoch)).Load(), final.Samples, "every applied record of the live epoch is counted")
	assert.Equal(t, final.Samples*250, final.BytesUsed)
	assert.Equal(t, final.Samples*750, final.BytesSaved)
}

func TestLedger_Tick(t *testing.T) {
	l := newTestLedger()
	start := time.Now()
	l.Tick(start.Add(2 * time.Second))

	l.Record(4000, 1000)
	l.Tick(start.Add(2*time.Second + 500*time.Millisecond))
	assert.Zero(t, l.Snapshot().UsedRate, "ticks under a second apart are ignored")

	l.Tick(start.Add(4 * time.Second))
	s := l.Snapshot()
	assert.Equal(t, uint64(500), s.UsedRate)
	assert.Equal(t, uint64(1500), s.SavedRate)
}

func TestLedger_Restore(t *testing.T) {
	l := newTestLedger()
	epoch := l.Begin()
	since := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	l.Restore(model.Snapshot{BytesUsed: 300, BytesSaved: 700, Samples: 3, Epoch: 7, Since: since})

	s := l.Snapshot()
	assert.Equal(t, uint64(300), s.BytesUsed)
	assert.Equal(t, uint64(700), s.BytesSaved)
	assert.InDelta(t, 0.3, s.CompressionRatio, 1e-9)
	assert.Equal(t, uint64(8), s.Epoch)
	assert.True(t, since.Equal(s.Since))
	assert.False(t, l.RecordIn(epoch, 10, 5))
}

func TestFormatSaved(t *testing.T) {
	assert.Equal(t, "0 B", FormatSaved(0))
	assert.Equal(t, "12 MB", FormatSaved(12_000_000))
	assert.Equal(t, "1.2 GB", FormatSaved(1_200_000_000))
	assert.Equal(t, "60.0%", FormatRatio(0.6))
}
