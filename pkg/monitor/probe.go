package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// DeviceSink receives device-wide byte deltas. *stats.Ledger implements it.
type DeviceSink interface {
	AddDevice(received, sent uint64)
}

// Probe feeds conntrack deltas for flows in scope into a DeviceSink.
type Probe struct {
	log      *slog.Logger
	sink     DeviceSink
	mon      *ConntrackMonitor
	scope    *InterfaceScope
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	received atomic.Uint64
	sent     atomic.Uint64
}

func NewProbe(sink DeviceSink, scope *InterfaceScope, interval time.Duration, log *slog.Logger) *Probe {
	if interval <= 0 {
		interval = time.Second
	}
	return &Probe{
		log:      log,
		sink:     sink,
		mon:      NewConntrackMonitor(log),
		scope:    scope,
		interval: interval,
	}
}

// Start brings the probe up. The loops outlive ctx; only Stop ends them.
func (p *Probe) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		return nil
	}
	if err := p.scope.Refresh(); err != nil {
		return fmt.Errorf("probe scope: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if err := p.mon.Start(runCtx, p.interval); err != nil {
		cancel()
		return err
	}
	p.cancel = cancel

	p.wg.Go(func() { p.consume(runCtx) })
	p.wg.Go(func() { p.refreshLoop(runCtx) })

	p.log.Info("traffic probe started", "interval", p.interval)
	return nil
}

func (p *Probe) Stop(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel == nil {
		return nil
	}
	p.cancel()
	p.cancel = nil
	p.mon.Stop()
	p.wg.Wait()

	if n := p.mon.Dropped(); n > 0 {
		p.log.Warn("traffic probe dropped events", "dropped", n)
	}
	p.log.Info("traffic probe stopped")
	return nil
}

// Totals returns what the probe has attributed since it was created.
func (p *Probe) Totals() (received, sent uint64) {
	return p.received.Load(), p.sent.Load()
}

func (p *Probe) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-p.mon.Events():
			p.handleEvent(ev)
		}
	}
}

func (p *Probe) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.scope.Refresh(); err != nil {
				p.log.Warn("failed to refresh probe scope", "error", err)
			}
		}
	}
}

func (p *Probe) handleEvent(ev FlowEvent) {
	if !p.scope.Match(ev.SrcIP, ev.DstIP) {
		return
	}
	if ev.DstIP.IsMulticast() {
		return
	}
	if ip4 := ev.DstIP.To4(); ip4 != nil && ip4.Equal(net.IPv4bcast) {
		return
	}

	srcLocal := p.scope.IsLocal(ev.SrcIP)
	dstLocal := p.scope.IsLocal(ev.DstIP)

	var received, sent uint64
	switch {
	case srcLocal && !dstLocal:
		// Outbound: the reply direction is what we downloaded
		received, sent = ev.ReplyBytes, ev.OriginBytes
	case dstLocal && !srcLocal:
		received, sent = ev.OriginBytes, ev.ReplyBytes
	default:
		// Loopback (including our own proxy hops) or forwarded traffic
		return
	}

	p.received.Add(received)
	p.sent.Add(sent)
	p.sink.AddDevice(received, sent)
}
