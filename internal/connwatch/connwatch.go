// Package connwatch brings the device online and keeps watching the
// network link afterwards.
//
// The bootstrap runs in two blocking steps, each polled at a fixed
// interval with no overall deadline:
//  1. Network attach: request the link, then poll until it reports up.
//  2. Wall-clock sync: start synchronization, poll until synced, then
//     wait a settling delay before the clock is trusted.
//
// Every step retries until it succeeds or the process is stopped.
// After bootstrap a [Watcher] re-probes the link and reports outages.
package connwatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// LinkState is the network link state.
type LinkState int32

const (
	Disconnected LinkState = iota
	Connecting
	Connected
)

func (s LinkState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("LinkState(%d)", int32(s))
	}
}

// Link is the network attachment the device needs before anything else.
type Link interface {
	// Connect requests attachment. It may return before the link is up.
	Connect(ctx context.Context) error
	// Connected reports whether the link is currently usable.
	Connected() bool
}

// TimeSync synchronizes the wall clock.
type TimeSync interface {
	// Start begins synchronization in the background.
	Start(ctx context.Context) error
	// Synced reports whether the clock has been synchronized.
	Synced() bool
}

// PollConfig describes one retry-forever wait.
type PollConfig struct {
	// Name identifies the wait in logs (e.g. "network", "ntp").
	Name string
	// Interval between unsuccessful checks.
	Interval time.Duration
	// Check returns true once the awaited condition holds.
	Check func() bool
	Logger *slog.Logger
}

// Poll calls Check until it returns true, sleeping Interval after each
// false result. It returns nil on success and ctx.Err() if ctx is
// cancelled first. There is no attempt limit.
func Poll(ctx context.Context, cfg PollConfig) error {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	for attempt := 1; ; attempt++ {
		if cfg.Check() {
			if attempt > 1 {
				logger.Debug("wait finished", "wait", cfg.Name, "attempts", attempt)
			}
			return nil
		}
		logger.Info("waiting", "wait", cfg.Name, "attempt", attempt, "retry_in", cfg.Interval.String())
		if !SleepCtx(ctx, cfg.Interval) {
			return ctx.Err()
		}
	}
}

// SleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func SleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// BootstrapConfig configures a [Bootstrap].
type BootstrapConfig struct {
	Link Link
	// Clock is optional; nil skips the time sync step.
	Clock TimeSync

	LinkPollInterval time.Duration
	SyncPollInterval time.Duration
	// SettleDelay is waited once after the clock reports synced.
	SettleDelay time.Duration

	Logger *slog.Logger
}

// Bootstrap performs the connectivity bring-up sequence.
type Bootstrap struct {
	cfg   BootstrapConfig
	state atomic.Int32
}

// NewBootstrap creates a Bootstrap. Zero poll intervals default to 1s.
func NewBootstrap(cfg BootstrapConfig) *Bootstrap {
	if cfg.LinkPollInterval <= 0 {
		cfg.LinkPollInterval = time.Second
	}
	if cfg.SyncPollInterval <= 0 {
		cfg.SyncPollInterval = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Bootstrap{cfg: cfg}
}

// State returns the current link state.
func (b *Bootstrap) State() LinkState {
	return LinkState(b.state.Load())
}

// BringUp blocks until the link is attached and the clock is synced.
// Only cancellation of ctx makes it return an error.
func (b *Bootstrap) BringUp(ctx context.Context) error {
	logger := b.cfg.Logger

	b.state.Store(int32(Connecting))
	logger.Info("network attach started")
	if err := b.cfg.Link.Connect(ctx); err != nil {
		// Attach requests can fail while the radio is still coming up;
		// the poll below keeps waiting either way.
		logger.Warn("network attach request failed", "error", err)
	}
	err := Poll(ctx, PollConfig{
		Name:     "network",
		Interval: b.cfg.LinkPollInterval,
		Check:    b.cfg.Link.Connected,
		Logger:   logger,
	})
	if err != nil {
		b.state.Store(int32(Disconnected))
		return err
	}
	b.state.Store(int32(Connected))
	logger.Info("network attached")

	if b.cfg.Clock == nil {
		return nil
	}

	logger.Info("time sync started")
	if err := b.cfg.Clock.Start(ctx); err != nil {
		logger.Warn("time sync start failed", "error", err)
	}
	err = Poll(ctx, PollConfig{
		Name:     "time_sync",
		Interval: b.cfg.SyncPollInterval,
		Check:    b.cfg.Clock.Synced,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	logger.Info("time synchronized", "settle_delay", b.cfg.SettleDelay.String())

	if !SleepCtx(ctx, b.cfg.SettleDelay) {
		return ctx.Err()
	}
	return nil
}

// WatcherConfig configures a link [Watcher].
type WatcherConfig struct {
	// Name is a human-readable identifier for logging (e.g., "network").
	Name string

	// Probe returns true while the watched link is up.
	Probe func() bool

	// Interval between probes.
	Interval time.Duration

	// OnReady is called when the link transitions from down to up.
	// Called in a separate goroutine; must not block indefinitely. Optional.
	OnReady func()

	// OnDown is called when the link transitions from up to down.
	// Called in a separate goroutine; must not block indefinitely. Optional.
	OnDown func()

	Logger *slog.Logger
}

// Watcher re-probes a link after bootstrap and reports transitions.
type Watcher struct {
	config WatcherConfig
	ready  atomic.Bool
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastCheck time.Time
}

// Watch starts a Watcher that assumes the link is currently up. It
// runs until ctx is cancelled or Stop is called.
func Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	w.ready.Store(true)
	go w.run(watchCtx)
	return w
}

// IsReady reports whether the link was up at the last probe.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// LastCheck returns when the link was last probed.
func (w *Watcher) LastCheck() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastCheck
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	logger := w.config.Logger
	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			up := w.config.Probe()
			w.mu.Lock()
			w.lastCheck = time.Now()
			w.mu.Unlock()

			wasReady := w.ready.Load()
			switch {
			case wasReady && !up:
				w.ready.Store(false)
				logger.Warn("link lost", "link", w.config.Name)
				if w.config.OnDown != nil {
					go w.config.OnDown()
				}
			case !wasReady && up:
				w.ready.Store(true)
				logger.Info("link recovered", "link", w.config.Name)
				if w.config.OnReady != nil {
					go w.config.OnReady()
				}
			case !wasReady && !up:
				logger.Debug("link still down", "link", w.config.Name)
			}
		}
	}
}
