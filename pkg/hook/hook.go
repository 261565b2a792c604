// Package hook installs and removes the interception point for each hook mode.
package hook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kisy/kipepeo/model"
)

// Installer brings interception up for one hook mode. Install must leave nothing
// behind when it fails. Uninstall is idempotent.
type Installer interface {
	Mode() model.HookMode
	Install(ctx context.Context) error
	Uninstall(ctx context.Context) error
}

// Component is one piece an installer starts, such as the local proxy.
type Component interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Part names a component for logging.
type Part struct {
	Name      string
	Component Component
}

// Chain starts its parts in order and stops them in reverse.
type Chain struct {
	log   *slog.Logger
	mode  model.HookMode
	parts []Part

	mu      sync.Mutex
	started int
}

func NewChain(mode model.HookMode, log *slog.Logger, parts ...Part) *Chain {
	return &Chain{mode: mode, log: log, parts: parts}
}

// NewRestricted intercepts through the local proxy only.
func NewRestricted(proxy Component, log *slog.Logger) *Chain {
	return NewChain(model.HookRestricted, log, Part{Name: "proxy", Component: proxy})
}

// NewPrivileged adds the kernel traffic probe to the local proxy. Failure of either
// fails the install.
func NewPrivileged(proxy, probe Component, log *slog.Logger) *Chain {
	return NewChain(model.HookPrivileged, log,
		Part{Name: "proxy", Component: proxy},
		Part{Name: "probe", Component: probe},
	)
}

func (c *Chain) Mode() model.HookMode { return c.mode }

func (c *Chain) Install(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started == len(c.parts) && c.started > 0 {
		return nil
	}

	for i := c.started; i < len(c.parts); i++ {
		p := c.parts[i]
		if err := ctx.Err(); err != nil {
			return errors.Join(err, c.rollback())
		}
		if err := p.Component.Start(ctx); err != nil {
			c.log.Warn("hook part failed to start", "mode", c.mode, "part", p.Name, "error", err)
			return errors.Join(fmt.Errorf("start %s: %w", p.Name, err), c.rollback())
		}
		c.started = i + 1
		c.log.Debug("hook part started", "mode", c.mode, "part", p.Name)
	}
	return nil
}

func (c *Chain) Uninstall(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopLocked(ctx)
}

// rollback stops whatever was started, ignoring the install deadline.
func (c *Chain) rollback() error {
	return c.stopLocked(context.Background())
}

func (c *Chain) stopLocked(ctx context.Context) error {
	var errs []error
	for i := c.started - 1; i >= 0; i-- {
		p := c.parts[i]
		if err := p.Component.Stop(ctx); err != nil {
			c.log.Warn("hook part failed to stop", "mode", c.mode, "part", p.Name, "error", err)
			errs = append(errs, fmt.Errorf("stop %s: %w", p.Name, err))
		}
	}
	c.started = 0
	return errors.Join(errs...)
}
