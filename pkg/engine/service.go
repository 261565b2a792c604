package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kisy/kipepeo/model"
	"github.com/kisy/kipepeo/pkg/goroutine"
	"github.com/kisy/kipepeo/pkg/stats"
)

// Service is the capability surface the UI layer binds to.
type Service interface {
	Activate(ctx context.Context) (model.Status, error)
	Deactivate(ctx context.Context) (model.Status, error)
	Reset(ctx context.Context) error
	Status() model.Status
	Snapshot() model.Snapshot
	Metrics() model.Metrics
	Sessions(ctx context.Context, limit int) ([]model.SessionRecord, error)
}

// InferenceMeter is attached by an on-device inference engine to report throughput.
type InferenceMeter interface {
	TokensPerSecond() float64
}

// Store persists session history and ledger counters.
type Store interface {
	SaveSession(ctx context.Context, rec model.SessionRecord) error
	RecentSessions(ctx context.Context, limit int) ([]model.SessionRecord, error)
	SaveLedger(ctx context.Context, snap model.Snapshot) error
	LoadLedger(ctx context.Context) (model.Snapshot, bool, error)
}

type Options struct {
	Controller *Controller
	Ledger     *stats.Ledger
	Store      Store // Optional
	Meter      InferenceMeter

	RateInterval    time.Duration
	PersistInterval time.Duration
	HistoryLimit    int
	PollInterval    time.Duration
}

// Engine ties the controller, the ledger and persistence together.
type Engine struct {
	log  *slog.Logger
	opts Options

	ctrl   *Controller
	ledger *stats.Ledger

	meterMu sync.RWMutex
	meter   InferenceMeter

	sessions chan model.SessionRecord
	dropped  uint64

	recentMu sync.Mutex
	recent   []model.SessionRecord

	// Held across snapshot and save.
	persistMu sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

var _ Service = (*Engine)(nil)

func New(opts Options, log *slog.Logger) *Engine {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 100
	}
	if opts.RateInterval <= 0 {
		opts.RateInterval = time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	return &Engine{
		log:      log,
		opts:     opts,
		ctrl:     opts.Controller,
		ledger:   opts.Ledger,
		meter:    opts.Meter,
		sessions: make(chan model.SessionRecord, 256),
	}
}

// Start restores persisted counters and launches the background loops.
func (e *Engine) Start(ctx context.Context) error {
	if e.opts.Store != nil {
		snap, ok, err := e.opts.Store.LoadLedger(ctx)
		if err != nil {
			e.log.Warn("failed to load ledger state, starting from zero", "error", err)
		} else if ok {
			e.ledger.Restore(snap)
			e.log.Info("ledger restored",
				"bytes_used", snap.BytesUsed, "bytes_saved", snap.BytesSaved,
				"saved", stats.FormatSaved(snap.BytesSaved))
		}
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel

	e.goLoop("ledger-rate", func() { e.ledger.Start(ctx, e.opts.RateInterval) })
	e.goLoop("session-writer", func() { e.writeSessions(ctx) })
	if e.opts.Store != nil && e.opts.PersistInterval > 0 {
		e.goLoop("ledger-persist", func() { e.persistLoop(ctx) })
	}
	return nil
}

func (e *Engine) goLoop(name string, fn func()) {
	e.wg.Add(1)
	goroutine.SafeGo(e.log, name, func() {
		defer e.wg.Done()
		fn()
	})
}

// Close deactivates interception, stops the loops and persists the ledger one last time.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if _, derr := e.ctrl.Deactivate(ctx); derr != nil {
			e.log.Warn("deactivate on close failed", "error", derr)
		}
		if e.cancel != nil {
			e.cancel()
		}
		e.wg.Wait()
		err = e.persist(ctx)
	})
	return err
}

func (e *Engine) Activate(ctx context.Context) (model.Status, error) {
	return e.ctrl.Activate(ctx)
}

func (e *Engine) Deactivate(ctx context.Context) (model.Status, error) {
	return e.ctrl.Deactivate(ctx)
}

// Reset zeroes the ledger. Sessions still in flight belong to the old epoch and are
// discarded when they finish.
func (e *Engine) Reset(ctx context.Context) error {
	e.ledger.Reset()
	e.log.Info("ledger reset")
	return e.persist(ctx)
}

func (e *Engine) Status() model.Status { return e.ctrl.Status() }

func (e *Engine) Snapshot() model.Snapshot { return e.ledger.Snapshot() }

func (e *Engine) Metrics() model.Metrics {
	m := model.Metrics{
		Status:   e.ctrl.Status(),
		Snapshot: e.ledger.Snapshot(),
	}
	e.meterMu.RLock()
	if e.meter != nil {
		m.TokensPerSecond = e.meter.TokensPerSecond()
	}
	e.meterMu.RUnlock()
	return m
}

// AttachMeter sets or clears the inference meter.
func (e *Engine) AttachMeter(m InferenceMeter) {
	e.meterMu.Lock()
	e.meter = m
	e.meterMu.Unlock()
}

// Poll calls fn with fresh metrics every poll interval while the engine is active.
// It blocks until ctx is done.
func (e *Engine) Poll(ctx context.Context, fn func(model.Metrics)) {
	NewPoller(e.ctrl, e.opts.PollInterval, e.Metrics).Run(ctx, fn)
}

// RecordSession queues a finished session for history. It never blocks; records are
// dropped when the writer falls behind.
func (e *Engine) RecordSession(rec model.SessionRecord) {
	select {
	case e.sessions <- rec:
	default:
		e.recentMu.Lock()
		e.dropped++
		dropped := e.dropped
		e.recentMu.Unlock()
		e.log.Warn("session history queue full, dropping record", "session", rec.ID, "dropped", dropped)
	}
}

func (e *Engine) Sessions(ctx context.Context, limit int) ([]model.SessionRecord, error) {
	if limit <= 0 || limit > e.opts.HistoryLimit {
		limit = e.opts.HistoryLimit
	}
	if e.opts.Store != nil {
		return e.opts.Store.RecentSessions(ctx, limit)
	}

	e.recentMu.Lock()
	defer e.recentMu.Unlock()
	n := min(limit, len(e.recent))
	out := make([]model.SessionRecord, 0, n)
	for i := len(e.recent) - 1; i >= len(e.recent)-n; i-- {
		out = append(out, e.recent[i])
	}
	return out, nil
}

func (e *Engine) writeSessions(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			e.drainSessions()
			return
		case rec := <-e.sessions:
			e.storeSession(rec)
		}
	}
}

func (e *Engine) drainSessions() {
	for {
		select {
		case rec := <-e.sessions:
			e.storeSession(rec)
		default:
			return
		}
	}
}

func (e *Engine) storeSession(rec model.SessionRecord) {
	if e.opts.Store == nil {
		e.recentMu.Lock()
		e.recent = append(e.recent, rec)
		if over := len(e.recent) - e.opts.HistoryLimit; over > 0 {
			e.recent = append(e.recent[:0], e.recent[over:]...)
		}
		e.recentMu.Unlock()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.opts.Store.SaveSession(ctx, rec); err != nil {
		e.log.Warn("failed to save session", "session", rec.ID, "error", err)
	}
}

func (e *Engine) persistLoop(ctx context.Context) {
	ticker := time.NewTicker(e.opts.PersistInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.persist(ctx); err != nil {
				e.log.Warn("failed to persist ledger", "error", err)
			}
		}
	}
}

func (e *Engine) persist(ctx context.Context) error {
	if e.opts.Store == nil {
		return nil
	}
	e.persistMu.Lock()
	defer e.persistMu.Unlock()
	return e.opts.Store.SaveLedger(ctx, e.ledger.Snapshot())
}
