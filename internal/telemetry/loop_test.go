package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nugget/otanode/internal/sensor"
	"github.com/nugget/otanode/internal/topic"
)

type publishCall struct {
	topic   string
	payload []byte
	qos     byte
	retain  bool
}

type recordingPublisher struct {
	mu    sync.Mutex
	calls []publishCall
	err   error
}

func (p *recordingPublisher) Publish(_ context.Context, t string, payload []byte, qos byte, retain bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, publishCall{t, payload, qos, retain})
	return p.err
}

func (p *recordingPublisher) snapshot() []publishCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publishCall(nil), p.calls...)
}

// flakySensor fails every read whose 1-based index is in failOn.
type flakySensor struct {
	reads  atomic.Int32
	failOn map[int32]bool
}

func (s *flakySensor) Read(context.Context) (sensor.Reading, error) {
	n := s.reads.Add(1)
	if s.failOn[n] {
		return sensor.Reading{}, fmt.Errorf("%w: checksum mismatch", sensor.ErrRead)
	}
	return sensor.Reading{Temperature: 25.5, Humidity: 60}, nil
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

func TestNewSample(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 3, 1, 5, 30, 0, 0, time.UTC)
	wib := time.FixedZone("WIB", 7*60*60)

	s := NewSample(now, wib, 26.1, 70.2)
	if s.SendTime != "2024-03-01 12:30:00" {
		t.Errorf("SendTime = %q, want 2024-03-01 12:30:00", s.SendTime)
	}
	if s.TS != now.UnixMilli() {
		t.Errorf("TS = %d, want %d", s.TS, now.UnixMilli())
	}

	b, err := json.Marshal(s)
	if err != nil {
		t.Fatal(err)
	}
	want := `{"send_time":"2024-03-01 12:30:00","ts":1709271000000,"temperature":26.1,"humidity":70.2}`
	if string(b) != want {
		t.Errorf("json = %s, want %s", b, want)
	}
}

func TestFirmwarePayloads(t *testing.T) {
	t.Parallel()
	if got := string(FirmwareState("DOWNLOADING")); got != `{"fw_state":"DOWNLOADING"}` {
		t.Errorf("FirmwareState = %s", got)
	}
	if got := string(FirmwareVersion("PaceP-s3-v2.0")); got != `{"fw_version":"PaceP-s3-v2.0"}` {
		t.Errorf("FirmwareVersion = %s", got)
	}
}

func TestLoop_ContinuesAfterSensorFailure(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pub := &recordingPublisher{}
	sens := &flakySensor{failOn: map[int32]bool{1: true}}
	loop := NewLoop(LoopConfig{
		Sensor:    sens,
		Publisher: pub,
		Clock:     fixedClock{time.Unix(1700000000, 0)},
		Interval:  5 * time.Millisecond,
		Logger:    slog.Default(),
	})

	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(pub.snapshot()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Run() = %v, want context.Canceled", err)
	}

	calls := pub.snapshot()
	if len(calls) < 2 {
		t.Fatalf("published %d samples, want at least 2", len(calls))
	}
	// The first read failed, so publishes trail reads by one.
	if reads := sens.reads.Load(); int(reads) < len(calls)+1 {
		t.Errorf("reads = %d, publishes = %d; failed cycle should not publish", reads, len(calls))
	}

	c := calls[0]
	if c.topic != topic.Telemetry || c.qos != 1 || c.retain {
		t.Errorf("publish = (%q, qos %d, retain %v), want (%q, 1, false)", c.topic, c.qos, c.retain, topic.Telemetry)
	}
	var s Sample
	if err := json.Unmarshal(c.payload, &s); err != nil {
		t.Fatalf("payload %s: %v", c.payload, err)
	}
	if s.Temperature != 25.5 || s.Humidity != 60 || s.TS != 1700000000000 {
		t.Errorf("sample = %+v", s)
	}
}

func TestLoop_PublishFailureDoesNotStopLoop(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pub := &recordingPublisher{err: errors.New("not connected")}
	loop := NewLoop(LoopConfig{
		Sensor:    &flakySensor{},
		Publisher: pub,
		Clock:     fixedClock{time.Now()},
		Interval:  time.Millisecond,
	})

	go loop.Run(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for len(pub.snapshot()) < 3 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if n := len(pub.snapshot()); n < 3 {
		t.Errorf("publish attempts = %d, want at least 3", n)
	}
}
