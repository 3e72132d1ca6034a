// Package telemetry runs the steady-state sensor publish loop and
// builds the JSON documents the device sends to the telemetry topic.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/nugget/otanode/internal/mqtt"
	"github.com/nugget/otanode/internal/sensor"
	"github.com/nugget/otanode/internal/topic"
)

// Publisher sends one message to the broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error
}

// Clock supplies wall-clock time once it has been synchronized.
type Clock interface {
	Now() time.Time
}

// LoopConfig configures a [Loop].
type LoopConfig struct {
	Sensor    sensor.Port
	Publisher Publisher
	Clock     Clock
	// Interval between cycles (default 60s).
	Interval time.Duration
	// Zone renders send_time (default UTC).
	Zone   *time.Location
	Logger *slog.Logger
}

// Loop reads the sensor on a fixed period and publishes each sample.
type Loop struct {
	cfg LoopConfig
}

// NewLoop creates a Loop. Zero-value config fields get defaults.
func NewLoop(cfg LoopConfig) *Loop {
	if cfg.Interval <= 0 {
		cfg.Interval = 60 * time.Second
	}
	if cfg.Zone == nil {
		cfg.Zone = time.UTC
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Loop{cfg: cfg}
}

// Run publishes a sample every Interval until ctx is cancelled. A failed
// read skips that cycle only; the next cycle runs on schedule.
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.cycle(ctx)

		timer := time.NewTimer(l.cfg.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (l *Loop) cycle(ctx context.Context) {
	now := l.cfg.Clock.Now()

	r, err := l.cfg.Sensor.Read(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			l.cfg.Logger.Error("sensor read failed, skipping cycle", "error", err)
		}
		return
	}

	s := NewSample(now, l.cfg.Zone, r.Temperature, r.Humidity)
	payload, err := json.Marshal(s)
	if err != nil {
		l.cfg.Logger.Error("telemetry marshal failed", "error", err)
		return
	}

	if err := l.cfg.Publisher.Publish(ctx, topic.Telemetry, payload, mqtt.QoSAtLeastOnce, false); err != nil {
		// Session already logged the failure with topic and content.
		l.cfg.Logger.Debug("telemetry sample dropped", "ts", s.TS, "error", err)
		return
	}
	l.cfg.Logger.Info("telemetry published",
		"temperature", r.Temperature,
		"humidity", r.Humidity,
		"send_time", s.SendTime,
	)
}
