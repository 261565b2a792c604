// Package engine owns the interception lifecycle and the service surface the UI talks to.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/kisy/kipepeo/model"
	"github.com/kisy/kipepeo/pkg/hook"
)

const DefaultActivateTimeout = 10 * time.Second

// Hook status texts shown by the UI.
const (
	HookStatusInactive     = "Inactive"
	HookStatusActivating   = "Activating"
	HookStatusRoot         = "Active (Root Mode)"
	HookStatusNonRoot      = "Active (Non-Root Mode - Limited)"
	HookStatusDeactivating = "Deactivating"
)

type ControllerConfig struct {
	Privilege  hook.PrivilegeChecker
	Privileged hook.Installer
	Restricted hook.Installer

	// Timeout bounds a whole activation including retries.
	Timeout time.Duration

	// NewBackOff builds the retry schedule for failed installs. nil uses an
	// exponential backoff.
	NewBackOff func() backoff.BackOff
}

// Controller runs the Inactive -> Activating -> Active -> Deactivating state machine.
// Transitions are serialized; Status never waits for one.
type Controller struct {
	log *slog.Logger
	cfg ControllerConfig

	sem chan struct{}

	mu        sync.RWMutex
	status    model.Status
	installed hook.Installer

	subMu sync.Mutex
	subs  map[chan model.Status]struct{}
}

func NewController(cfg ControllerConfig, log *slog.Logger) *Controller {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultActivateTimeout
	}
	if cfg.Privilege == nil {
		cfg.Privilege = hook.StaticPrivilege(false)
	}
	if cfg.NewBackOff == nil {
		cfg.NewBackOff = func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 2 * time.Second
			return b
		}
	}
	return &Controller{
		log: log,
		cfg: cfg,
		sem: make(chan struct{}, 1),
		status: model.Status{
			State:         model.StateInactive,
			HookStatus:    HookStatusInactive,
			RootAvailable: cfg.Privilege.HasRoot(),
			Since:         time.Now(),
		},
		subs: make(map[chan model.Status]struct{}),
	}
}

func (c *Controller) Status() model.Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Active reports whether interception is installed. Interceptors call it per request.
func (c *Controller) Active() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status.State == model.StateActive
}

// Subscribe returns a channel holding the most recent status change. Call the returned
// func to unsubscribe.
func (c *Controller) Subscribe() (<-chan model.Status, func()) {
	ch := make(chan model.Status, 1)
	c.subMu.Lock()
	c.subs[ch] = struct{}{}
	c.subMu.Unlock()

	return ch, func() {
		c.subMu.Lock()
		delete(c.subs, ch)
		c.subMu.Unlock()
	}
}

func (c *Controller) acquire(ctx context.Context) error {
	select {
	case c.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrTransitionInProgress, ctx.Err())
	}
}

func (c *Controller) release() {
	<-c.sem
}

// Activate installs interception. It is a no-op when already active. On failure or
// cancellation the engine is left Inactive and the returned error is an
// *ActivationError unless the wait for another transition was abandoned.
func (c *Controller) Activate(ctx context.Context) (model.Status, error) {
	if err := c.acquire(ctx); err != nil {
		return c.Status(), err
	}
	defer c.release()

	if st := c.Status(); st.State == model.StateActive {
		return st, nil
	}

	root := c.cfg.Privilege.HasRoot()
	mode := model.HookRestricted
	inst := c.cfg.Restricted
	if root {
		mode = model.HookPrivileged
		inst = c.cfg.Privileged
	}

	c.setStatus(model.Status{
		State:         model.StateActivating,
		HookMode:      mode,
		HookStatus:    HookStatusActivating,
		RootAvailable: root,
	})
	c.log.Info("activating engine", "mode", mode, "timeout", c.cfg.Timeout)

	if inst == nil {
		return c.fail(mode, root, &ActivationError{Mode: mode, Reason: "no installer for hook mode"})
	}

	actx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	if err := c.install(actx, inst); err != nil {
		aerr := &ActivationError{Mode: mode, Reason: err.Error(), Err: err}
		switch {
		case ctx.Err() != nil:
			aerr.Reason = "activation cancelled"
		case errors.Is(err, context.DeadlineExceeded):
			aerr.Reason = fmt.Sprintf("activation timed out after %s", c.cfg.Timeout)
		}
		return c.fail(mode, root, aerr)
	}

	c.mu.Lock()
	c.installed = inst
	c.mu.Unlock()

	st := c.setStatus(model.Status{
		State:         model.StateActive,
		HookMode:      mode,
		HookStatus:    hookStatus(mode),
		RootAvailable: root,
	})
	c.log.Info("engine active", "mode", mode, "hook_status", st.HookStatus)
	return st, nil
}

func (c *Controller) fail(mode model.HookMode, root bool, aerr *ActivationError) (model.Status, error) {
	st := c.setStatus(model.Status{
		State:         model.StateInactive,
		HookStatus:    HookStatusInactive,
		Error:         aerr.Error(),
		RootAvailable: root,
	})
	c.log.Error("activation failed", "mode", mode, "reason", aerr.Reason, "error", aerr.Err)
	return st, aerr
}

// install retries transient failures until ctx expires. Install is expected to roll
// itself back, so every attempt starts clean.
func (c *Controller) install(ctx context.Context, inst hook.Installer) error {
	b := c.cfg.NewBackOff()
	b.Reset()

	for attempt := 1; ; attempt++ {
		err := inst.Install(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return errors.Join(ctx.Err(), err)
		}

		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			return perm.Unwrap()
		}

		delay := b.NextBackOff()
		if delay == backoff.Stop {
			return err
		}
		c.log.Warn("hook install failed, retrying",
			"mode", inst.Mode(), "attempt", attempt, "delay", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Join(ctx.Err(), err)
		case <-timer.C:
		}
	}
}

// Deactivate removes interception. Calling it while inactive is a no-op.
func (c *Controller) Deactivate(ctx context.Context) (model.Status, error) {
	if err := c.acquire(ctx); err != nil {
		return c.Status(), err
	}
	defer c.release()

	st := c.Status()
	if st.State == model.StateInactive {
		if st.Error != "" {
			st = c.setStatus(model.Status{
				State:         model.StateInactive,
				HookStatus:    HookStatusInactive,
				RootAvailable: st.RootAvailable,
			})
		}
		return st, nil
	}

	c.setStatus(model.Status{
		State:         model.StateDeactivating,
		HookMode:      st.HookMode,
		HookStatus:    HookStatusDeactivating,
		RootAvailable: st.RootAvailable,
	})
	c.log.Info("deactivating engine", "mode", st.HookMode)

	c.mu.Lock()
	inst := c.installed
	c.installed = nil
	c.mu.Unlock()

	var err error
	if inst != nil {
		if err = inst.Uninstall(ctx); err != nil {
			c.log.Warn("hook uninstall reported errors", "mode", st.HookMode, "error", err)
		}
	}

	st = c.setStatus(model.Status{
		State:         model.StateInactive,
		HookStatus:    HookStatusInactive,
		RootAvailable: st.RootAvailable,
	})
	c.log.Info("engine inactive")
	return st, err
}

func (c *Controller) setStatus(st model.Status) model.Status {
	st.Since = time.Now()

	c.mu.Lock()
	c.status = st
	c.mu.Unlock()

	c.subMu.Lock()
	defer c.subMu.Unlock()
	for ch := range c.subs {
		// Keep only the newest status.
		select {
		case <-ch:
		default:
		}
		ch <- st
	}
	return st
}

func hookStatus(mode model.HookMode) string {
	if mode == model.HookPrivileged {
		return HookStatusRoot
	}
	return HookStatusNonRoot
}
