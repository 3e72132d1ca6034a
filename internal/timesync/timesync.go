// Package timesync provides the device's wall clock. Sample timestamps
// are only meaningful after the clock has been synchronized over NTP,
// so the bootstrap waits on [NTPClock.Synced] before telemetry starts.
package timesync

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/beevik/ntp"
)

// DefaultResync is how often the offset is refreshed after the first
// successful query.
const DefaultResync = time.Hour

// NTPClock is a wall clock corrected by the offset measured against
// an NTP server. The host clock is left untouched.
type NTPClock struct {
	server  string
	retry   time.Duration
	resync  time.Duration
	timeout time.Duration
	logger  *slog.Logger

	// query returns the local clock's offset from the server.
	query func(server string, timeout time.Duration) (time.Duration, error)

	offset  atomic.Int64
	synced  atomic.Bool
	started atomic.Bool
}

// NewNTPClock creates a clock that queries server, retrying failed
// queries every retry interval.
func NewNTPClock(server string, retry time.Duration, logger *slog.Logger) *NTPClock {
	if retry <= 0 {
		retry = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &NTPClock{
		server:  server,
		retry:   retry,
		resync:  DefaultResync,
		timeout: 5 * time.Second,
		logger:  logger,
		query:   queryOffset,
	}
}

func queryOffset(server string, timeout time.Duration) (time.Duration, error) {
	resp, err := ntp.QueryWithOptions(server, ntp.QueryOptions{Timeout: timeout})
	if err != nil {
		return 0, err
	}
	if err := resp.Validate(); err != nil {
		return 0, fmt.Errorf("invalid response from %s: %w", server, err)
	}
	return resp.ClockOffset, nil
}

// Start launches the background sync loop. Calling it again is a no-op.
func (c *NTPClock) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return nil
	}
	go c.run(ctx)
	return nil
}

// Synced reports whether at least one query has succeeded.
func (c *NTPClock) Synced() bool {
	return c.synced.Load()
}

// Offset returns the last measured offset.
func (c *NTPClock) Offset() time.Duration {
	return time.Duration(c.offset.Load())
}

// Now returns the corrected wall-clock time.
func (c *NTPClock) Now() time.Time {
	return time.Now().Add(c.Offset())
}

func (c *NTPClock) run(ctx context.Context) {
	for {
		wait := c.retry
		offset, err := c.query(c.server, c.timeout)
		if err != nil {
			c.logger.Debug("ntp query failed", "server", c.server, "error", err)
		} else {
			c.offset.Store(int64(offset))
			if !c.synced.Swap(true) {
				c.logger.Info("ntp synchronized", "server", c.server, "offset", offset.String())
			} else {
				c.logger.Debug("ntp resynchronized", "server", c.server, "offset", offset.String())
			}
			wait = c.resync
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// HostClock trusts the host clock as already synchronized, for hosts
// where chrony or systemd-timesyncd owns the clock.
type HostClock struct{}

// Start implements the bootstrap's TimeSync.
func (HostClock) Start(context.Context) error { return nil }

// Synced always reports true.
func (HostClock) Synced() bool { return true }

// Now returns time.Now.
func (HostClock) Now() time.Time { return time.Now() }
