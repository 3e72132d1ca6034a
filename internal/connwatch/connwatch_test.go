package connwatch

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

// fakeLink comes up after upAfter calls to Connected.
type fakeLink struct {
	connectCalls atomic.Int32
	checks       atomic.Int32
	upAfter      int32
	connectErr   error
}

func (l *fakeLink) Connect(context.Context) error {
	l.connectCalls.Add(1)
	return l.connectErr
}

func (l *fakeLink) Connected() bool {
	return l.checks.Add(1) > l.upAfter
}

type fakeClock struct {
	started  atomic.Bool
	checks   atomic.Int32
	syncedAt int32
}

func (c *fakeClock) Start(context.Context) error {
	c.started.Store(true)
	return nil
}

func (c *fakeClock) Synced() bool {
	return c.started.Load() && c.checks.Add(1) > c.syncedAt
}

func TestLinkState_String(t *testing.T) {
	t.Parallel()
	tests := []struct {
		s    LinkState
		want string
	}{
		{Disconnected, "disconnected"},
		{Connecting, "connecting"},
		{Connected, "connected"},
		{LinkState(9), "LinkState(9)"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestPoll_RetriesUntilTrue(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	err := Poll(context.Background(), PollConfig{
		Name:     "test",
		Interval: time.Millisecond,
		Check:    func() bool { return calls.Add(1) >= 5 },
	})
	if err != nil {
		t.Fatalf("Poll() error = %v", err)
	}
	if n := calls.Load(); n != 5 {
		t.Errorf("Check called %d times, want 5", n)
	}
}

func TestPoll_Cancelled(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := Poll(ctx, PollConfig{
		Name:     "never",
		Interval: time.Millisecond,
		Check:    func() bool { return false },
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Poll() error = %v, want DeadlineExceeded", err)
	}
}

func TestSleepCtx(t *testing.T) {
	t.Parallel()
	if !SleepCtx(context.Background(), time.Millisecond) {
		t.Error("SleepCtx should return true when the timer fires")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if SleepCtx(ctx, time.Hour) {
		t.Error("SleepCtx should return false on a cancelled context")
	}
}

func TestBootstrap_BringUp(t *testing.T) {
	t.Parallel()
	link := &fakeLink{upAfter: 3, connectErr: errors.New("radio busy")}
	clock := &fakeClock{syncedAt: 2}

	b := NewBootstrap(BootstrapConfig{
		Link:             link,
		Clock:            clock,
		LinkPollInterval: time.Millisecond,
		SyncPollInterval: time.Millisecond,
		SettleDelay:      time.Millisecond,
		Logger:           slog.Default(),
	})
	if got := b.State(); got != Disconnected {
		t.Errorf("initial State() = %v, want disconnected", got)
	}

	if err := b.BringUp(context.Background()); err != nil {
		t.Fatalf("BringUp() error = %v", err)
	}
	if got := b.State(); got != Connected {
		t.Errorf("State() = %v, want connected", got)
	}
	if n := link.connectCalls.Load(); n != 1 {
		t.Errorf("Connect called %d times, want 1", n)
	}
	if n := link.checks.Load(); n != 4 {
		t.Errorf("link polled %d times, want 4", n)
	}
	if n := clock.checks.Load(); n != 3 {
		t.Errorf("clock polled %d times, want 3", n)
	}
}

func TestBootstrap_ClockWaitsForLink(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	clock := &fakeClock{}
	b := NewBootstrap(BootstrapConfig{
		Link:             &fakeLink{upAfter: 1 << 30},
		Clock:            clock,
		LinkPollInterval: time.Millisecond,
	})

	err := b.BringUp(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("BringUp() error = %v, want DeadlineExceeded", err)
	}
	if clock.started.Load() {
		t.Error("time sync started before the link was attached")
	}
	if got := b.State(); got != Disconnected {
		t.Errorf("State() = %v, want disconnected", got)
	}
}

func TestBootstrap_NoClock(t *testing.T) {
	t.Parallel()
	b := NewBootstrap(BootstrapConfig{Link: &fakeLink{}})
	if err := b.BringUp(context.Background()); err != nil {
		t.Fatalf("BringUp() error = %v", err)
	}
}

func TestWatcher_Transitions(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var up atomic.Bool
	up.Store(true)
	var downCalled, readyCalled atomic.Int32

	w := Watch(ctx, WatcherConfig{
		Name:     "test-link",
		Probe:    up.Load,
		Interval: 2 * time.Millisecond,
		OnDown:   func() { downCalled.Add(1) },
		OnReady:  func() { readyCalled.Add(1) },
	})
	defer w.Stop()

	if !w.IsReady() {
		t.Fatal("watcher should start ready")
	}

	up.Store(false)
	time.Sleep(30 * time.Millisecond)
	if w.IsReady() {
		t.Error("IsReady() = true after link went down")
	}
	if n := downCalled.Load(); n != 1 {
		t.Errorf("OnDown called %d times, want 1", n)
	}

	up.Store(true)
	time.Sleep(30 * time.Millisecond)
	if !w.IsReady() {
		t.Error("IsReady() = false after link recovered")
	}
	if n := readyCalled.Load(); n != 1 {
		t.Errorf("OnReady called %d times, want 1", n)
	}
	if w.LastCheck().IsZero() {
		t.Error("LastCheck() is zero after probes ran")
	}
}

func TestWatch_PanicsWithoutProbe(t *testing.T) {
	t.Parallel()
	defer func() {
		if recover() == nil {
			t.Error("expected panic for nil Probe")
		}
	}()
	Watch(context.Background(), WatcherConfig{Name: "x"})
}
