// Package rpc answers server-side RPC requests delivered over MQTT.
//
// Requests arrive on v1/devices/me/rpc/request/{id}; every request that
// carries an id gets exactly one {"status": ...} reply on
// v1/devices/me/rpc/response/{id}. The only command the device acts on
// is a firmware update, recognised by a string params.ota_url.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nugget/otanode/internal/mqtt"
	"github.com/nugget/otanode/internal/ota"
	"github.com/nugget/otanode/internal/telemetry"
	"github.com/nugget/otanode/internal/topic"
)

// Response statuses.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

var (
	// ErrMalformed means the payload is not a JSON object.
	ErrMalformed = errors.New("rpc: malformed payload")

	// ErrNoUpdateURL means params.ota_url is missing or not a string.
	ErrNoUpdateURL = errors.New("rpc: params.ota_url missing or not a string")
)

// Request is the envelope of an inbound RPC call. Only params is
// interpreted; method may hold any JSON value.
type Request struct {
	Method json.RawMessage            `json:"method,omitempty"`
	Params map[string]json.RawMessage `json:"params"`
}

// MethodName returns method when it is a JSON string, or "".
func (r Request) MethodName() string {
	var name string
	if err := json.Unmarshal(r.Method, &name); err != nil {
		return ""
	}
	return name
}

// Response is the reply to one request.
type Response struct {
	Status string `json:"status"`
}

// Updater admits firmware update jobs. *ota.Engine satisfies it.
type Updater interface {
	Begin(req ota.Request) (*ota.Job, error)
}

// DispatcherConfig configures a [Dispatcher].
type DispatcherConfig struct {
	Publisher telemetry.Publisher
	Updater   Updater
	Logger    *slog.Logger
}

// Dispatcher routes inbound RPC messages.
type Dispatcher struct {
	cfg  DispatcherConfig
	jobs sync.WaitGroup
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Dispatcher{cfg: cfg}
}

// ParseUpdate extracts the firmware update request from an RPC payload.
func ParseUpdate(payload []byte) (ota.Request, error) {
	req, err := decode(payload)
	if err != nil {
		return ota.Request{}, err
	}
	return updateRequest(req)
}

func decode(payload []byte) (Request, error) {
	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return Request{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return req, nil
}

func updateRequest(req Request) (ota.Request, error) {
	url, ok := stringParam(req.Params, "ota_url")
	if !ok {
		return ota.Request{}, ErrNoUpdateURL
	}
	sum, _ := stringParam(req.Params, "ota_sha256")
	return ota.Request{URL: url, SHA256: sum}, nil
}

func stringParam(params map[string]json.RawMessage, name string) (string, bool) {
	raw, ok := params[name]
	if !ok {
		return "", false
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// HandleMessage processes one inbound message. It is called on the
// transport's delivery goroutine and returns without waiting for any
// update it starts; the job runs under ctx.
func (d *Dispatcher) HandleMessage(ctx context.Context, t string, payload []byte) {
	logger := d.cfg.Logger

	if !topic.IsRPCRequest(t) {
		logger.Debug("ignoring message on unexpected topic", "topic", t)
		return
	}
	id, ok := topic.RequestID(t)
	if !ok {
		logger.Warn("rpc request without id dropped", "topic", t)
		return
	}
	logger = logger.With("request_id", id)
	logger.Info("rpc request received", "bytes", len(payload))

	env, err := decode(payload)
	if err != nil {
		logger.Warn("rpc request rejected", "error", err)
		d.respond(ctx, id, StatusFailure)
		return
	}
	if m := env.MethodName(); m != "" {
		logger = logger.With("method", m)
	}
	req, err := updateRequest(env)
	if err != nil {
		logger.Warn("rpc request rejected", "error", err)
		d.respond(ctx, id, StatusFailure)
		return
	}

	job, err := d.cfg.Updater.Begin(req)
	if err != nil {
		logger.Warn("firmware update refused", "url", req.URL, "error", err)
		d.respond(ctx, id, StatusFailure)
		return
	}

	logger.Info("firmware update accepted", "url", req.URL, "job_id", job.ID)
	d.respond(ctx, id, StatusSuccess)

	d.jobs.Add(1)
	go func() {
		defer d.jobs.Done()
		job.Run(ctx)
	}()
}

// Wait blocks until every update job started by the dispatcher returns.
func (d *Dispatcher) Wait() {
	d.jobs.Wait()
}

func (d *Dispatcher) respond(ctx context.Context, id, status string) {
	body, err := json.Marshal(Response{Status: status})
	if err != nil {
		d.cfg.Logger.Error("rpc response encode failed", "request_id", id, "error", err)
		return
	}
	respTopic := topic.RPCResponse(id)
	if err := d.cfg.Publisher.Publish(ctx, respTopic, body, mqtt.QoSAtLeastOnce, false); err != nil {
		d.cfg.Logger.Error("rpc response not sent",
			"request_id", id, "topic", respTopic, "status", status, "error", err)
	}
}
