package engine

import (
	"context"
	"time"

	"github.com/kisy/kipepeo/model"
)

// Poller delivers metrics on a fixed interval while the controller is active and
// goes quiet as soon as it leaves Active.
type Poller struct {
	ctrl     *Controller
	interval time.Duration
	sample   func() model.Metrics
}

func NewPoller(ctrl *Controller, interval time.Duration, sample func() model.Metrics) *Poller {
	if interval <= 0 {
		interval = time.Second
	}
	return &Poller{ctrl: ctrl, interval: interval, sample: sample}
}

// Run blocks until ctx is done.
func (p *Poller) Run(ctx context.Context, fn func(model.Metrics)) {
	updates, unsubscribe := p.ctrl.Subscribe()
	defer unsubscribe()

	for {
		if !p.ctrl.Status().Active() {
			select {
			case <-ctx.Done():
				return
			case <-updates:
				continue
			}
		}

		p.runActive(ctx, updates, fn)
		if ctx.Err() != nil {
			return
		}
	}
}

func (p *Poller) runActive(ctx context.Context, updates <-chan model.Status, fn func(model.Metrics)) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case st := <-updates:
			if !st.Active() {
				return
			}
		case <-ticker.C:
			m := p.sample()
			if !m.Status.Active() {
				return
			}
			fn(m)
		}
	}
}
