package mqtt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/otanode/internal/config"
	"github.com/nugget/otanode/internal/connwatch"
	"github.com/nugget/otanode/internal/topic"
)

var (
	// ErrNotConnected is returned by Publish while the broker session is down.
	ErrNotConnected = errors.New("mqtt: broker not connected")

	// ErrPublishRejected wraps transport errors returned for a publish.
	ErrPublishRejected = errors.New("mqtt: publish rejected")
)

// QoSAtLeastOnce is the delivery level used for every application publish.
const QoSAtLeastOnce byte = 1

// subscribeTimeout bounds re-subscription after a transport reconnect.
const subscribeTimeout = 10 * time.Second

// Handle is one live broker connection.
type Handle interface {
	Publish(ctx context.Context, topic string, payload []byte, qos byte, retain bool) error
	Subscribe(ctx context.Context, filter string, qos byte) error
	Disconnect(ctx context.Context) error
}

// Events receives connection events from a transport. Implementations
// of [Dialer] call these from their own goroutines.
type Events interface {
	OnConnected()
	OnDisconnected(err error)
	OnMessage(topic string, payload []byte)
}

// Dialer opens a new broker connection. Dial may return before the
// connection is established; establishment is signalled through
// [Events.OnConnected].
type Dialer interface {
	Dial(ctx context.Context, events Events) (Handle, error)
}

// MessageHandler is called for each inbound message. It runs on the
// transport's delivery goroutine.
type MessageHandler func(topic string, payload []byte)

// SessionConfig configures a [Session].
type SessionConfig struct {
	Dialer Dialer

	// RetryDelay is slept after a failed dial or subscribe (default 5s).
	RetryDelay time.Duration

	// ConnectPoll is the interval at which the connected flag is
	// checked after a dial (default 500ms).
	ConnectPoll time.Duration

	// PublishTimeout bounds a single publish (default 10s).
	PublishTimeout time.Duration

	// OnMessage receives inbound messages. Optional.
	OnMessage MessageHandler

	// OnSession runs after the RPC subscription is in place, on the
	// initial connect and after every reconnect. Optional.
	OnSession func(ctx context.Context)

	Logger *slog.Logger
}

// SessionConfigFrom maps broker configuration onto session timings.
func SessionConfigFrom(cfg config.BrokerConfig) SessionConfig {
	return SessionConfig{
		RetryDelay:     cfg.RetryDelay,
		ConnectPoll:    cfg.ConnectPoll,
		PublishTimeout: cfg.PublishTimeout,
	}
}

type handleRef struct {
	h   Handle
	gen uint64
}

// Session owns the process-wide broker connection.
type Session struct {
	cfg SessionConfig

	// mu serializes handle replacement: dial, swap and subscribe. The
	// OnSession hook and every publish run without it.
	mu sync.Mutex

	handle     atomic.Pointer[handleRef]
	gen        atomic.Uint64
	connected  atomic.Bool
	subscribed atomic.Bool
}

// NewSession creates a Session. It does not connect.
func NewSession(cfg SessionConfig) *Session {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.ConnectPoll <= 0 {
		cfg.ConnectPoll = 500 * time.Millisecond
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Session{cfg: cfg}
}

// Connected reports the broker connection flag.
func (s *Session) Connected() bool {
	return s.connected.Load()
}

// ConnectWithRetry opens the broker session, retrying forever at a fixed
// interval. Once connected it subscribes to the RPC request topic and
// runs the OnSession hook. Any previous handle is disconnected first.
// It returns an error only if ctx is cancelled.
func (s *Session) ConnectWithRetry(ctx context.Context) (Handle, error) {
	s.mu.Lock()
	s.retireLocked(ctx)
	h, err := s.connectLocked(ctx)
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if s.cfg.OnSession != nil {
		s.cfg.OnSession(ctx)
	}
	return h, nil
}

// Reconnect replaces the live handle with a fresh connection.
func (s *Session) Reconnect(ctx context.Context) error {
	s.cfg.Logger.Info("mqtt session reconnecting")
	_, err := s.ConnectWithRetry(ctx)
	return err
}

// Close disconnects the live handle, if any.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref := s.handle.Swap(nil)
	s.gen.Add(1)
	s.connected.Store(false)
	if ref == nil {
		return nil
	}
	return ref.h.Disconnect(ctx)
}

// retireLocked drops the current handle so at most one is ever live.
// Events still in flight from it are ignored via the generation check.
func (s *Session) retireLocked(ctx context.Context) {
	ref := s.handle.Swap(nil)
	s.gen.Add(1)
	s.connected.Store(false)
	s.subscribed.Store(false)
	if ref == nil {
		return
	}
	dctx, cancel := context.WithTimeout(ctx, subscribeTimeout)
	defer cancel()
	if err := ref.h.Disconnect(dctx); err != nil {
		s.cfg.Logger.Debug("mqtt disconnect of previous handle failed", "error", err)
	}
}

func (s *Session) connectLocked(ctx context.Context) (Handle, error) {
	logger := s.cfg.Logger
	gen := s.gen.Load()
	events := &sessionEvents{s: s, gen: gen}

	var h Handle
	for attempt := 1; ; attempt++ {
		var err error
		h, err = s.cfg.Dialer.Dial(ctx, events)
		if err == nil {
			break
		}
		logger.Error("mqtt connect failed",
			"attempt", attempt,
			"retry_in", s.cfg.RetryDelay.String(),
			"error", err,
		)
		if !connwatch.SleepCtx(ctx, s.cfg.RetryDelay) {
			return nil, ctx.Err()
		}
	}
	s.handle.Store(&handleRef{h: h, gen: gen})

	err := connwatch.Poll(ctx, connwatch.PollConfig{
		Name:     "mqtt_connect",
		Interval: s.cfg.ConnectPoll,
		Check:    s.connected.Load,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	logger.Info("mqtt connected")

	for attempt := 1; ; attempt++ {
		err := h.Subscribe(ctx, topic.RPCRequestFilter, QoSAtLeastOnce)
		if err == nil {
			break
		}
		logger.Error("mqtt subscribe failed",
			"filter", topic.RPCRequestFilter,
			"attempt", attempt,
			"error", err,
		)
		if !connwatch.SleepCtx(ctx, s.cfg.RetryDelay) {
			return nil, ctx.Err()
		}
	}
	s.subscribed.Store(true)
	logger.Info("mqtt subscribed", "filter", topic.RPCRequestFilter)
	return h, nil
}

// Publish sends one message through the current handle. It fails fast
// with ErrNotConnected while the session is down. Every failure is
// logged with the topic and the start of the payload.
func (s *Session) Publish(ctx context.Context, t string, payload []byte, qos byte, retain bool) error {
	logger := s.cfg.Logger

	ref := s.handle.Load()
	if !s.connected.Load() || ref == nil {
		logger.Error("mqtt publish skipped, broker not connected",
			"topic", t, "content", contentID(payload))
		return ErrNotConnected
	}

	pctx, cancel := context.WithTimeout(ctx, s.cfg.PublishTimeout)
	defer cancel()

	if err := ref.h.Publish(pctx, t, payload, qos, retain); err != nil {
		logger.Error("mqtt publish failed",
			"topic", t, "content", contentID(payload), "error", err)
		return fmt.Errorf("%w: %s: %w", ErrPublishRejected, t, err)
	}
	logger.Log(ctx, config.LevelTrace, "mqtt published", "topic", t, "payload", string(payload))
	return nil
}

// contentID identifies a payload in logs without dumping all of it.
func contentID(payload []byte) string {
	const limit = 64
	if len(payload) <= limit {
		return string(payload)
	}
	return string(payload[:limit]) + "..."
}

// resubscribe restores the RPC subscription after the transport
// reconnected on its own.
func (s *Session) resubscribe(gen uint64) {
	ref := s.handle.Load()
	if ref == nil || ref.gen != gen {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeout)
	defer cancel()

	if err := ref.h.Subscribe(ctx, topic.RPCRequestFilter, QoSAtLeastOnce); err != nil {
		s.cfg.Logger.Error("mqtt resubscribe failed", "filter", topic.RPCRequestFilter, "error", err)
		return
	}
	s.cfg.Logger.Info("mqtt resubscribed", "filter", topic.RPCRequestFilter)
	if s.cfg.OnSession != nil {
		s.cfg.OnSession(ctx)
	}
}

// sessionEvents binds transport callbacks to one handle generation so a
// retired handle cannot flip the flag of its replacement.
type sessionEvents struct {
	s   *Session
	gen uint64
}

func (e *sessionEvents) current() bool {
	return e.s.gen.Load() == e.gen
}

func (e *sessionEvents) OnConnected() {
	if !e.current() {
		return
	}
	e.s.connected.Store(true)
	e.s.cfg.Logger.Info("mqtt connection up")
	if e.s.subscribed.Load() {
		go e.s.resubscribe(e.gen)
	}
}

func (e *sessionEvents) OnDisconnected(err error) {
	if !e.current() {
		return
	}
	if e.s.connected.Swap(false) {
		e.s.cfg.Logger.Warn("mqtt disconnected", "error", err)
	}
}

func (e *sessionEvents) OnMessage(t string, payload []byte) {
	if !e.current() || e.s.cfg.OnMessage == nil {
		return
	}
	e.s.cfg.OnMessage(t, payload)
}
