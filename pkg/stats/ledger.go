package stats

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kisy/kipepeo/model"
)

// Epoch identifies the counting period between two resets.
type Epoch uint64

// Ledger accumulates (original, actual) byte pairs from completed sessions.
type Ledger struct {
	log *slog.Logger

	mu sync.RWMutex

	epoch Epoch
	since time.Time

	bytesUsed  uint64
	bytesSaved uint64
	samples    uint64
	aborted    uint64
	inflated   uint64

	deviceReceived uint64
	deviceSent     uint64

	// Internal state for rate calculation
	usedRate      uint64
	savedRate     uint64
	usedLast      uint64
	savedLast     uint64
	lastRateCalc  time.Time
	staleDiscards uint64
}

func NewLedger(log *slog.Logger) *Ledger {
	now := time.Now()
	return &Ledger{
		log:          log,
		epoch:        1,
		since:        now,
		lastRateCalc: now,
	}
}

// Begin returns the current epoch. Sessions pass it back to RecordIn so that a
// session which straddles a Reset is dropped instead of leaking into the new epoch.
func (l *Ledger) Begin() Epoch {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.epoch
}

// Record applies one session to the current epoch.
func (l *Ledger) Record(original, actual uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.apply(original, actual)
}

// RecordIn applies one session only if epoch is still current. It reports whether
// the session was applied.
func (l *Ledger) RecordIn(epoch Epoch, original, actual uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if epoch != l.epoch {
		l.staleDiscards++
		l.log.Debug("discarding session from previous epoch",
			"session_epoch", uint64(epoch), "epoch", uint64(l.epoch),
			"original", original, "actual", actual)
		return false
	}
	l.apply(original, actual)
	return true
}

// apply must be called with mu held.
func (l *Ledger) apply(original, actual uint64) {
	saved := safeSub(original, actual)
	if actual > original {
		l.inflated++
		l.log.Warn("session delivered more bytes than the original, counting no savings",
			"original", original, "actual", actual)
	}

	used := l.bytesUsed + actual
	totalSaved := l.bytesSaved + saved
	if used < l.bytesUsed || totalSaved < l.bytesSaved || l.samples+1 == 0 {
		l.log.Error("ledger corruption detected, resetting counters",
			"bytes_used", l.bytesUsed, "bytes_saved", l.bytesSaved,
			"samples", l.samples, "actual", actual, "saved", saved)
		l.resetLocked(time.Now())
		return
	}

	l.bytesUsed = used
	l.bytesSaved = totalSaved
	l.samples++
}

// Abort records a session that ended without delivering a complete response.
func (l *Ledger) Abort() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.aborted++
}

// AbortIn records an abort only if epoch is still current.
func (l *Ledger) AbortIn(epoch Epoch) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if epoch != l.epoch {
		return false
	}
	l.aborted++
	return true
}

// AddDevice adds device-wide traffic deltas observed by the kernel probe.
func (l *Ledger) AddDevice(received, sent uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.deviceReceived += received
	l.deviceSent += sent
}

func (l *Ledger) Snapshot() model.Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return model.Snapshot{
		BytesUsed:        l.bytesUsed,
		BytesSaved:       l.bytesSaved,
		CompressionRatio: ratio(l.bytesUsed, l.bytesSaved),
		Samples:          l.samples,
		Aborted:          l.aborted,
		Inflated:         l.inflated,
		UsedRate:         l.usedRate,
		SavedRate:        l.savedRate,
		DeviceReceived:   l.deviceReceived,
		DeviceSent:       l.deviceSent,
		Epoch:            uint64(l.epoch),
		Since:            l.since,
	}
}

func ratio(used, saved uint64) float64 {
	total := float64(used) + float64(saved)
	if total == 0 {
		return 1.0
	}
	return float64(used) / total
}

// Reset zeroes every counter and starts a new epoch.
func (l *Ledger) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetLocked(time.Now())
}

func (l *Ledger) resetLocked(now time.Time) {
	l.epoch++
	l.since = now
	l.bytesUsed = 0
	l.bytesSaved = 0
	l.samples = 0
	l.aborted = 0
	l.inflated = 0
	l.deviceReceived = 0
	l.deviceSent = 0
	l.usedRate = 0
	l.savedRate = 0
	l.usedLast = 0
	l.savedLast = 0
	l.lastRateCalc = now
}

// Restore loads persisted counters. The epoch always moves forward so sessions begun
// before the restore are not applied on top of it.
func (l *Ledger) Restore(s model.Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if Epoch(s.Epoch) > l.epoch {
		l.epoch = Epoch(s.Epoch)
	}
	l.epoch++
	l.since = s.Since
	if l.since.IsZero() {
		l.since = now
	}
	l.bytesUsed = s.BytesUsed
	l.bytesSaved = s.BytesSaved
	l.samples = s.Samples
	l.aborted = s.Aborted
	l.inflated = s.Inflated
	l.deviceReceived = s.DeviceReceived
	l.deviceSent = s.DeviceSent
	l.usedLast = s.BytesUsed
	l.savedLast = s.BytesSaved
	l.usedRate = 0
	l.savedRate = 0
	l.lastRateCalc = now
}

// Tick recomputes the per-second rates. Calls less than a second apart are ignored.
func (l *Ledger) Tick(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	elapsed := now.Sub(l.lastRateCalc)
	if elapsed < time.Second {
		return
	}
	l.usedRate = uint64(float64(safeSub(l.bytesUsed, l.usedLast)) / elapsed.Seconds())
	l.savedRate = uint64(float64(safeSub(l.bytesSaved, l.savedLast)) / elapsed.Seconds())
	l.usedLast = l.bytesUsed
	l.savedLast = l.bytesSaved
	l.lastRateCalc = now
}

// Start runs the rate calculation until ctx is done.
func (l *Ledger) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.Tick(now)
		}
	}
}

func safeSub(a, b uint64) uint64 {
	if a >= b {
		return a - b
	}
	return 0
}
