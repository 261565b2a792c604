// Package monitor measures device-wide traffic from kernel connection tracking.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ti-mo/conntrack"
	"github.com/ti-mo/netfilter"
)

// FlowEvent carries the byte deltas of one flow since its previous observation.
type FlowEvent struct {
	SrcIP   net.IP
	DstIP   net.IP
	SrcPort uint16
	DstPort uint16
	Proto   uint8

	OriginBytes uint64 // Delta in the original direction
	ReplyBytes  uint64 // Delta in the reply direction

	FlowID    uint32
	Timestamp time.Time
	Type      EventType
}

type EventType int

const (
	EventUpdate EventType = iota
	EventDestroy
)

type flowState struct {
	LastOriginBytes uint64
	LastReplyBytes  uint64
}

// ConntrackMonitor turns conntrack events and periodic dumps into FlowEvents.
type ConntrackMonitor struct {
	log    *slog.Logger
	output chan FlowEvent

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	lastState map[uint32]*flowState // Key: FlowID

	dropped atomic.Uint64
}

func NewConntrackMonitor(log *slog.Logger) *ConntrackMonitor {
	return &ConntrackMonitor{
		log:       log,
		output:    make(chan FlowEvent, 1024),
		lastState: make(map[uint32]*flowState),
	}
}

// Start opens the conntrack sockets and runs until ctx is done or Stop is called.
func (m *ConntrackMonitor) Start(ctx context.Context, pollInterval time.Duration) error {
	c, err := conntrack.Dial(nil)
	if err != nil {
		return fmt.Errorf("dial conntrack: %w", err)
	}

	// Avoid "no buffer space available" under load
	if err := c.SetReadBuffer(2 << 20); err != nil {
		c.Close()
		return fmt.Errorf("set conntrack read buffer: %w", err)
	}

	evCh := make(chan conntrack.Event, 2048)
	errCh, err := c.Listen(evCh, 4, netfilter.GroupsCT)
	if err != nil {
		c.Close()
		return fmt.Errorf("listen conntrack: %w", err)
	}

	// Second connection for dumps
	pc, err := conntrack.Dial(nil)
	if err != nil {
		c.Close()
		return fmt.Errorf("dial polling conntrack: %w", err)
	}

	if pollInterval <= 0 {
		pollInterval = time.Second
	}

	m.mu.Lock()
	m.lastState = make(map[uint32]*flowState)
	m.mu.Unlock()

	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Go(func() {
		defer c.Close()
		defer pc.Close()

		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.poll(pc)
			case err := <-errCh:
				m.log.Warn("conntrack listen error", "error", err)
			case ev, ok := <-evCh:
				if !ok {
					return
				}
				m.processEvent(ev)
			}
		}
	})

	return nil
}

func (m *ConntrackMonitor) poll(c *conntrack.Conn) {
	flows, err := c.Dump(nil)
	if err != nil {
		m.log.Warn("conntrack dump error", "error", err)
		return
	}

	for i := range flows {
		m.processEvent(conntrack.Event{
			Type: conntrack.EventUpdate,
			Flow: &flows[i],
		})
	}
}

// Stop waits for the event loop to exit. The event channel stays open so the monitor
// can be started again.
func (m *ConntrackMonitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *ConntrackMonitor) Events() <-chan FlowEvent {
	return m.output
}

// Dropped counts events discarded because the consumer fell behind.
func (m *ConntrackMonitor) Dropped() uint64 {
	return m.dropped.Load()
}

func (m *ConntrackMonitor) processEvent(ev conntrack.Event) {
	if ev.Flow == nil {
		return
	}

	fid := ev.Flow.ID
	curOrig := ev.Flow.CountersOrig.Bytes
	curReply := ev.Flow.CountersReply.Bytes

	eventType := EventUpdate
	if ev.Type == conntrack.EventDestroy {
		eventType = EventDestroy
	}

	m.mu.Lock()
	last, exists := m.lastState[fid]

	var deltaOrig, deltaReply uint64
	if !exists {
		// First sighting only sets the baseline, so a restart does not count history.
		m.lastState[fid] = &flowState{
			LastOriginBytes: curOrig,
			LastReplyBytes:  curReply,
		}
	} else {
		// A decrease means the ID was reused; count nothing for this step.
		if curOrig >= last.LastOriginBytes {
			deltaOrig = curOrig - last.LastOriginBytes
		}
		if curReply >= last.LastReplyBytes {
			deltaReply = curReply - last.LastReplyBytes
		}
		last.LastOriginBytes = curOrig
		last.LastReplyBytes = curReply
	}

	if eventType == EventDestroy {
		delete(m.lastState, fid)
	}
	m.mu.Unlock()

	if deltaOrig == 0 && deltaReply == 0 {
		return
	}

	src := ev.Flow.TupleOrig.IP.SourceAddress.AsSlice()
	dst := ev.Flow.TupleOrig.IP.DestinationAddress.AsSlice()

	e := FlowEvent{
		SrcIP:       net.IP(src),
		DstIP:       net.IP(dst),
		SrcPort:     ev.Flow.TupleOrig.Proto.SourcePort,
		DstPort:     ev.Flow.TupleOrig.Proto.DestinationPort,
		Proto:       ev.Flow.TupleOrig.Proto.Protocol,
		OriginBytes: deltaOrig,
		ReplyBytes:  deltaReply,
		FlowID:      fid,
		Timestamp:   time.Now(),
		Type:        eventType,
	}

	select {
	case m.output <- e:
	default:
		m.dropped.Add(1)
	}
}
