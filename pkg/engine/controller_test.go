package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kisy/kipepeo/model"
	"github.com/kisy/kipepeo/pkg/hook"
	"github.com/kisy/kipepeo/pkg/logger"
)

type fakeInstaller struct {
	mode model.HookMode

	mu         sync.Mutex
	installs   int
	uninstalls int
	failFirst  int
	err        error
	block      bool
	started    chan struct{}
}

func (f *fakeInstaller) Mode() model.HookMode { return f.mode }

func (f *fakeInstaller) Install(ctx context.Context) error {
	f.mu.Lock()
	f.installs++
	n := f.installs
	block := f.block
	started := f.started
	f.mu.Unlock()

	if started != nil && n == 1 {
		close(started)
	}
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if n <= f.failFirst {
		return f.err
	}
	return nil
}

func (f *fakeInstaller) Uninstall(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uninstalls++
	return nil
}

func (f *fakeInstaller) counts() (installs, uninstalls int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.installs, f.uninstalls
}

func discardLogger() *slog.Logger {
	return logger.Nop()
}

func fastBackOff() backoff.BackOff {
	return backoff.NewConstantBackOff(time.Millisecond)
}

func newTestController(root bool, privileged, restricted *fakeInstaller, timeout time.Duration) *Controller {
	cfg := ControllerConfig{
		Privilege:  hook.StaticPrivilege(root),
		Timeout:    timeout,
		NewBackOff: fastBackOff,
	}
	if privileged != nil {
		cfg.Privileged = privileged
	}
	if restricted != nil {
		cfg.Restricted = restricted
	}
	return NewController(cfg, discardLogger())
}

func TestActivate_RestrictedWithoutRoot(t *testing.T) {
	priv := &fakeInstaller{mode: model.HookPrivileged}
	restr := &fakeInstaller{mode: model.HookRestricted}
	c := newTestController(false, priv, restr, time.Second)

	st, err := c.Activate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.StateActive, st.State)
	assert.Equal(t, model.HookRestricted, st.HookMode)
	assert.Equal(t, HookStatusNonRoot, st.HookStatus)
	assert.False(t, st.RootAvailable)
	assert.True(t, c.Active())

	installs, _ := priv.counts()
	assert.Zero(t, installs)
}

func TestActivate_PrivilegedWithRoot(t *testing.T) {
	priv := &fakeInstaller{mode: model.HookPrivileged}
	c := newTestController(true, priv, &fakeInstaller{mode: model.HookRestricted}, time.Second)

	st, err := c.Activate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.HookPrivileged, st.HookMode)
	assert.Equal(t, HookStatusRoot, st.HookStatus)
	assert.True(t, st.RootAvailable)

	again, err := c.Activate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, st, again, "activating twice is a no-op")
	installs, _ := priv.counts()
	assert.Equal(t, 1, installs)
}

func TestActivate_PrivilegedFailureDoesNotDowngrade(t *testing.T) {
	priv := &fakeInstaller{mode: model.HookPrivileged, failFirst: 1, err: backoff.Permanent(errors.New("conntrack: permission denied"))}
	restr := &fakeInstaller{mode: model.HookRestricted}
	c := newTestController(true, priv, restr, time.Second)

	st, err := c.Activate(context.Background())
	var aerr *ActivationError
	require.ErrorAs(t, err, &aerr)
	assert.Equal(t, model.HookPrivileged, aerr.Mode)
	assert.Contains(t, aerr.Reason, "permission denied")

	assert.Equal(t, model.StateInactive, st.State)
	assert.NotEmpty(t, st.Error)
	assert.Equal(t, st, c.Status())

	installs, _ := priv.counts()
	assert.Equal(t, 1, installs, "permanent errors are not retried")
	installs, _ = restr.counts()
	assert.Zero(t, installs)
}

func TestActivate_RetriesTransientFailures(t *testing.T) {
	restr := &fakeInstaller{mode: model.HookRestricted, failFirst: 2, err: errors.New("address in use")}
	c := newTestController(false, nil, restr, time.Second)

	st, err := c.Activate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.StateActive, st.State)
	installs, _ := restr.counts()
	assert.Equal(t, 3, installs)
}

func TestActivate_Timeout(t *testing.T) {
	restr := &fakeInstaller{mode: model.HookRestricted, block: true}
	c := newTestController(false, nil, restr, 50*time.Millisecond)

	start := time.Now()
	st, err := c.Activate(context.Background())
	assert.Less(t, time.Since(start), 2*time.Second)

	var aerr *ActivationError
	require.ErrorAs(t, err, &aerr)
	assert.Contains(t, aerr.Reason, "timed out")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, model.StateInactive, st.State)
	assert.Equal(t, model.StateInactive, c.Status().State)
}

func TestActivate_Cancelled(t *testing.T) {
	started := make(chan struct{})
	restr := &fakeInstaller{mode: model.HookRestricted, block: true, started: started}
	c := newTestController(false, nil, restr, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Activate(ctx)
		done <- err
	}()

	<-started
	assert.Equal(t, model.StateActivating, c.Status().State)
	cancel()

	select {
	case err := <-done:
		var aerr *ActivationError
		require.ErrorAs(t, err, &aerr)
		assert.Equal(t, "activation cancelled", aerr.Reason)
	case <-time.After(2 * time.Second):
		t.Fatal("activate did not return after cancel")
	}
	assert.Equal(t, model.StateInactive, c.Status().State)
}

func TestActivate_NoInstaller(t *testing.T) {
	c := newTestController(false, nil, nil, time.Second)

	st, err := c.Activate(context.Background())
	assert.Error(t, err)
	assert.Equal(t, model.StateInactive, st.State)
}

func TestActivate_WaitHonoursContext(t *testing.T) {
	started := make(chan struct{})
	restr := &fakeInstaller{mode: model.HookRestricted, block: true, started: started}
	c := newTestController(false, nil, restr, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _, _ = c.Activate(ctx) }()
	<-started

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer waitCancel()
	_, err := c.Deactivate(waitCtx)
	assert.ErrorIs(t, err, ErrTransitionInProgress)
}

func TestActivate_ConcurrentCallsInstallOnce(t *testing.T) {
	restr := &fakeInstaller{mode: model.HookRestricted}
	c := newTestController(false, nil, restr, time.Second)

	var wg sync.WaitGroup
	var failures atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Activate(context.Background()); err != nil {
				failures.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Zero(t, failures.Load())
	installs, _ := restr.counts()
	assert.Equal(t, 1, installs)
}

func TestDeactivate(t *testing.T) {
	restr := &fakeInstaller{mode: model.HookRestricted}
	c := newTestController(false, nil, restr, time.Second)

	st, err := c.Deactivate(context.Background())
	require.NoError(t, err, "deactivate while inactive is a no-op")
	assert.Equal(t, model.StateInactive, st.State)

	_, err = c.Activate(context.Background())
	require.NoError(t, err)

	st, err = c.Deactivate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, model.StateInactive, st.State)
	assert.Equal(t, HookStatusInactive, st.HookStatus)
	assert.Equal(t, model.HookNone, st.HookMode)

	_, err = c.Deactivate(context.Background())
	require.NoError(t, err)
	_, uninstalls := restr.counts()
	assert.Equal(t, 1, uninstalls)
}

func TestDeactivate_ClearsError(t *testing.T) {
	restr := &fakeInstaller{mode: model.HookRestricted, failFirst: 1, err: backoff.Permanent(errors.New("boom"))}
	c := newTestController(false, nil, restr, time.Second)

	st, err := c.Activate(context.Background())
	require.Error(t, err)
	require.NotEmpty(t, st.Error)

	st, err = c.Deactivate(context.Background())
	require.NoError(t, err)
	assert.Empty(t, st.Error)
}

func TestSubscribe_KeepsLatest(t *testing.T) {
	c := newTestController(false, nil, &fakeInstaller{mode: model.HookRestricted}, time.Second)
	updates, unsubscribe := c.Subscribe()
	defer unsubscribe()

	_, err := c.Activate(context.Background())
	require.NoError(t, err)

	st := <-updates
	assert.Equal(t, model.StateActive, st.State)
	select {
	case extra := <-updates:
		t.Fatalf("unexpected extra status %v", extra.State)
	default:
	}
}
