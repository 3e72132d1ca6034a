// Package ota downloads and installs firmware images.
//
// An [Engine] admits one update [Job] at a time. A job walks
// IDLE → DOWNLOADING → VERIFYING → SUCCESS, or ends in FAILED from
// either of the middle states, and publishes each state it enters as
// {"fw_state": ...} telemetry. Status publishes are best-effort: a
// failed publish is logged and the job carries on.
//
// After SUCCESS the job waits a settling delay so the status can leave
// the device, then restarts into the new image. There is no rollback.
package ota

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/otanode/internal/connwatch"
	"github.com/nugget/otanode/internal/httpkit"
	"github.com/nugget/otanode/internal/mqtt"
	"github.com/nugget/otanode/internal/telemetry"
	"github.com/nugget/otanode/internal/topic"
)

// ErrBusy is returned by [Engine.Begin] while another job holds the slot.
var ErrBusy = errors.New("ota: update already in progress")

// Request describes one firmware update.
type Request struct {
	URL string
	// SHA256 is the optional hex digest the image must match.
	SHA256 string
}

// EngineConfig configures an [Engine].
type EngineConfig struct {
	Publisher telemetry.Publisher
	Updater   Updater
	Restarter Restarter

	// Client performs the download. Defaults to an httpkit client with
	// no overall timeout and dial retries.
	Client *http.Client

	// Store persists the job record. Optional.
	Store Store

	ChunkSize       int
	PostStatusDelay time.Duration
	RestartDelay    time.Duration

	Logger *slog.Logger
}

// Engine runs firmware update jobs.
type Engine struct {
	cfg  EngineConfig
	busy atomic.Bool
}

// NewEngine creates an Engine.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 1024
	}
	if cfg.Client == nil {
		cfg.Client = httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithRetry(3, 2*time.Second),
			httpkit.WithLogger(cfg.Logger),
		)
	}
	return &Engine{cfg: cfg}
}

// Active reports whether a job currently holds the slot.
func (e *Engine) Active() bool {
	return e.busy.Load()
}

// Begin reserves the update slot for req. The returned job must be run
// with [Job.Run], which releases the slot when it finishes. The URL is
// not checked here; an unusable one fails the job while downloading.
func (e *Engine) Begin(req Request) (*Job, error) {
	if !e.busy.CompareAndSwap(false, true) {
		return nil, ErrBusy
	}
	return &Job{
		ID:     uuid.NewString(),
		Req:    req,
		engine: e,
		state:  Idle,
	}, nil
}

// Recover marks a job that was interrupted by power loss or a crash as
// failed. It returns the stored record after any correction.
func (e *Engine) Recover() (Record, bool, error) {
	if e.cfg.Store == nil {
		return Record{}, false, nil
	}
	rec, ok, err := LoadRecord(e.cfg.Store)
	if err != nil || !ok || rec.State.Terminal() || rec.State == Idle {
		return rec, ok, err
	}
	e.cfg.Logger.Warn("ota job interrupted before completion",
		"job_id", rec.JobID, "state", rec.State.String(), "url", rec.URL)
	rec.State = Failed
	rec.Error = "interrupted"
	rec.UpdatedAt = time.Now()
	return rec, true, saveRecord(e.cfg.Store, rec)
}

// Job is one firmware update. It is owned by the goroutine running it.
type Job struct {
	ID  string
	Req Request

	engine *Engine

	mu      sync.Mutex
	state   State
	history []State
	err     error
}

// State returns the job's current state.
func (j *Job) State() State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.state
}

// History returns every state the job has entered, in order.
func (j *Job) History() []State {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]State(nil), j.history...)
}

// Err returns the failure cause once the job has failed.
func (j *Job) Err() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.err
}

// Run drives the job to a terminal state and returns it. On success the
// configured Restarter is invoked and Run only returns if it fails.
func (j *Job) Run(ctx context.Context) State {
	defer j.engine.busy.Store(false)

	cfg := j.engine.cfg
	logger := cfg.Logger.With("job_id", j.ID)
	logger.Info("ota job started", "url", j.Req.URL)

	j.enter(ctx, Downloading, nil)
	if !connwatch.SleepCtx(ctx, cfg.PostStatusDelay) {
		j.enter(ctx, Failed, ctx.Err())
		return Failed
	}

	w, size, err := j.download(ctx)
	if err != nil {
		logger.Error("ota download failed", "url", j.Req.URL, "error", err)
		j.enter(ctx, Failed, err)
		return Failed
	}
	logger.Info("ota download complete", "bytes", size)

	j.enter(ctx, Verifying, nil)
	if err := w.Commit(); err != nil {
		logger.Error("ota commit failed", "error", err)
		j.enter(ctx, Failed, err)
		return Failed
	}

	j.enter(ctx, Success, nil)
	logger.Info("ota complete, restarting", "restart_delay", cfg.RestartDelay.String())
	if !connwatch.SleepCtx(ctx, cfg.RestartDelay) {
		logger.Warn("restart skipped, shutting down")
		return Success
	}
	if err := cfg.Restarter.Restart(); err != nil {
		logger.Error("restart failed", "error", err)
	}
	return Success
}

// download fetches the image into a fresh update writer. On error the
// writer, if one was opened, has already been aborted.
func (j *Job) download(ctx context.Context) (UpdateWriter, int64, error) {
	cfg := j.engine.cfg

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, j.Req.URL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	resp, err := cfg.Client.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("GET firmware: %w", err)
	}
	if err := httpkit.CheckStatus(resp); err != nil {
		return nil, 0, err
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	w, err := cfg.Updater.Open(j.Req)
	if err != nil {
		return nil, 0, fmt.Errorf("open update: %w", err)
	}

	var total int64
	buf := make([]byte, cfg.ChunkSize)
	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				j.abort(w)
				return nil, total, fmt.Errorf("write chunk at offset %d: %w", total, werr)
			}
			total += int64(n)
		}
		if errors.Is(rerr, io.EOF) {
			return w, total, nil
		}
		if rerr != nil {
			j.abort(w)
			return nil, total, fmt.Errorf("read firmware at offset %d: %w", total, rerr)
		}
	}
}

func (j *Job) abort(w UpdateWriter) {
	if err := w.Abort(); err != nil {
		j.engine.cfg.Logger.Warn("ota abort failed", "job_id", j.ID, "error", err)
	}
}

// enter moves the job to s, then records and publishes it. Illegal
// transitions are ignored.
func (j *Job) enter(ctx context.Context, s State, cause error) {
	cfg := j.engine.cfg

	j.mu.Lock()
	if !canTransition(j.state, s) {
		from := j.state
		j.mu.Unlock()
		cfg.Logger.Error("ota illegal transition ignored", "job_id", j.ID, "from", from.String(), "to", s.String())
		return
	}
	j.state = s
	j.history = append(j.history, s)
	if cause != nil {
		j.err = cause
	}
	j.mu.Unlock()

	cfg.Logger.Info("ota state", "job_id", j.ID, "state", s.String())

	if cfg.Store != nil {
		rec := Record{JobID: j.ID, URL: j.Req.URL, State: s, UpdatedAt: time.Now()}
		if cause != nil {
			rec.Error = cause.Error()
		}
		if err := saveRecord(cfg.Store, rec); err != nil {
			cfg.Logger.Warn("ota state not persisted", "job_id", j.ID, "error", err)
		}
	}

	// Status reporting must not depend on the job's context: a FAILED
	// caused by shutdown still gets its one attempt.
	pctx := context.WithoutCancel(ctx)
	if err := cfg.Publisher.Publish(pctx, topic.Telemetry, telemetry.FirmwareState(s.String()), mqtt.QoSAtLeastOnce, false); err != nil {
		cfg.Logger.Warn("ota status publish failed", "job_id", j.ID, "state", s.String(), "error", err)
	}
}
