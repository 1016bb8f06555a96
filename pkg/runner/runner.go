// Package runner drives the flow run lifecycle against the remote engine
// and interprets its push-event stream into store updates.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tcmartin/flowconsole/pkg/config"
	"github.com/tcmartin/flowconsole/pkg/engine"
	"github.com/tcmartin/flowconsole/pkg/models"
	"github.com/tcmartin/flowconsole/pkg/store"
)

// Errors returned by Runner operations
var (
	ErrNoActiveFlow    = errors.New("no active flow")
	ErrNoSteps         = errors.New("active flow has no steps")
	ErrAlreadyRunning  = errors.New("a flow is already running")
	ErrRecordingActive = errors.New("recording in progress")
	ErrInitializing    = errors.New("initialization in progress")
)

// Engine is the command side of the remote engine the runner uses
type Engine interface {
	Initialize(ctx context.Context, cfg engine.InitConfig) (engine.Result, error)
	RunFlow(ctx context.Context, req engine.RunRequest) (engine.RunResponse, error)
	PauseFlow(ctx context.Context) (engine.Result, error)
	StopFlow(ctx context.Context) (engine.Result, error)
	ResumeFlow(ctx context.Context) (engine.Result, error)
}

// Streams is the single event stream slot shared with the recorder
type Streams interface {
	Open(ctx context.Context, handler engine.Handler) (*engine.Stream, error)
	Release(st *engine.Stream)
}

// FailureHandler takes over when the engine reports a failed step
type FailureHandler interface {
	Begin(failure models.StepFailureInfo)
	Reset()
}

// Options tune a Runner
type Options struct {
	// IdleTimeout fails a running flow after this long without stream
	// events; 0 disables it
	IdleTimeout time.Duration

	// Automation is the configuration snapshot sent with each run
	Automation config.AutomationConfig
}

// Runner owns the run lifecycle. Only one session is in flight at a time.
type Runner struct {
	store    *store.Store
	engine   Engine
	streams  Streams
	failures FailureHandler
	logger   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	automation  config.AutomationConfig
	idleTimeout time.Duration
	gen         uint64
	stream      *engine.Stream
	terminal    bool
	idle        *time.Timer
}

// New creates a runner
func New(st *store.Store, eng Engine, streams Streams, failures FailureHandler, opts Options, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		store:       st,
		engine:      eng,
		streams:     streams,
		failures:    failures,
		logger:      logger.With(slog.String("component", "runner")),
		ctx:         ctx,
		cancel:      cancel,
		automation:  opts.Automation,
		idleTimeout: opts.IdleTimeout,
	}
}

// SetAutomation replaces the configuration snapshot used by later runs
func (r *Runner) SetAutomation(cfg config.AutomationConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.automation = cfg
}

// Automation returns the current configuration snapshot
func (r *Runner) Automation() config.AutomationConfig {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.automation
}

// Close abandons any in-flight run request and stops the idle timer
func (r *Runner) Close() {
	r.cancel()
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopIdleLocked()
}

// Run submits the enabled steps of the active flow. It returns once the
// stream is open and the request is on its way; the outcome arrives via
// the stream and the request's response.
func (r *Runner) Run(ctx context.Context) error {
	flow, ok := r.store.ActiveFlow()
	if !ok {
		return ErrNoActiveFlow
	}
	if len(flow.Steps) == 0 {
		return ErrNoSteps
	}
	if err := r.claim(store.SessionRun); err != nil {
		return err
	}
	defer r.store.EndSessionStart()

	r.store.ClearLogs()
	r.store.SetStepFailure(nil)
	r.failures.Reset()

	gen, err := r.openSession(ctx)
	if err != nil {
		r.store.AddLog(models.LogError, fmt.Sprintf("Could not connect to engine stream: %v", err))
		r.store.SetExecutionStatus(models.StatusError)
		return err
	}

	r.store.SetExecutionStatus(models.StatusRunning)
	r.store.SetCurrentStepIndex(-1)
	r.armIdle(gen)

	enabled := flow.EnabledSteps()
	steps := make([]engine.StepPayload, len(enabled))
	for i, st := range enabled {
		steps[i] = engine.StepPayloadFrom(st)
	}

	automation := r.Automation()
	start := r.store.StartFromStepIndex()
	if start > 0 {
		r.store.AddLog(models.LogInfo, fmt.Sprintf("Starting from step %d of %d", start+1, len(enabled)))
	}
	r.store.AddLog(models.LogInfo, fmt.Sprintf("%d enabled steps of %d total", len(enabled), len(flow.Steps)))

	req := engine.RunRequest{
		Name:          flow.Name,
		Description:   flow.Description,
		Steps:         steps,
		Iterations:    automation.Iterations,
		StartFromStep: start,
		Config:        engine.NewInitConfig(automation),
	}

	r.logger.Info("submitting flow",
		slog.String("flow_id", flow.ID),
		slog.Int("steps", len(steps)),
		slog.Int("start_from", start))

	go r.submit(gen, req)
	return nil
}

// submit issues the run command and applies its response unless the
// stream already reported a terminal status or a newer session started
func (r *Runner) submit(gen uint64, req engine.RunRequest) {
	resp, err := r.engine.RunFlow(r.ctx, req)

	r.mu.Lock()
	defer r.mu.Unlock()

	if gen != r.gen || r.terminal {
		return
	}

	if err != nil {
		if r.ctx.Err() != nil {
			return
		}
		r.logger.Error("run request failed", slog.Any("error", err))
		r.store.AddLog(models.LogError, fmt.Sprintf("Error running flow: %v", err))
		r.store.SetExecutionStatus(models.StatusError)
		r.stopIdleLocked()
		return
	}

	switch resp.Status {
	case "error":
		msg := resp.Error
		if msg == "" {
			msg = "unknown error"
		}
		r.store.AddLog(models.LogError, fmt.Sprintf("Error: %s", msg))
		r.store.SetExecutionStatus(models.StatusError)
		r.stopIdleLocked()
	case string(models.StatusCompleted):
		r.store.SetExecutionStatus(models.StatusCompleted)
		r.store.SetCurrentStepIndex(-1)
		r.store.SetStartFromStepIndex(0)
		r.stopIdleLocked()
	case string(models.StatusStopped):
		r.store.SetExecutionStatus(models.StatusStopped)
		r.stopIdleLocked()
	}
}

// Pause asks the engine to pause. When the engine cannot be reached the
// local status becomes paused anyway.
func (r *Runner) Pause(ctx context.Context) error {
	res, err := r.engine.PauseFlow(ctx)
	if err != nil {
		r.logger.Warn("pause request failed", slog.Any("error", err))
		r.store.SetExecutionStatus(models.StatusPaused)
		r.store.AddLog(models.LogWarning, "Flow paused locally; the engine did not answer.")
		return nil
	}
	return res.Err()
}

// Stop asks the engine to stop. When the engine cannot be reached the
// local status becomes stopped anyway.
func (r *Runner) Stop(ctx context.Context) error {
	res, err := r.engine.StopFlow(ctx)
	if err != nil {
		r.logger.Warn("stop request failed", slog.Any("error", err))
		r.store.SetExecutionStatus(models.StatusStopped)
		r.store.SetCurrentStepIndex(-1)
		r.store.AddLog(models.LogWarning, "Flow stopped locally; the engine did not answer.")
		r.mu.Lock()
		r.stopIdleLocked()
		r.mu.Unlock()
		return nil
	}
	return res.Err()
}

// Resume asks the engine to continue a paused run
func (r *Runner) Resume(ctx context.Context) error {
	res, err := r.engine.ResumeFlow(ctx)
	if err != nil {
		r.logger.Warn("resume request failed", slog.Any("error", err))
		r.store.AddLog(models.LogWarning, fmt.Sprintf("Could not resume flow: %v", err))
		return err
	}
	if err := res.Err(); err != nil {
		return err
	}
	r.store.SetExecutionStatus(models.StatusRunning)
	r.mu.Lock()
	gen := r.gen
	r.mu.Unlock()
	r.armIdle(gen)
	return nil
}

// Initialize prepares the target application. Checklist progress arrives
// as init_step events on a fresh stream.
func (r *Runner) Initialize(ctx context.Context) error {
	if err := r.claim(store.SessionInit); err != nil {
		return err
	}
	defer r.store.EndSessionStart()

	r.store.ResetInitSteps()
	if _, err := r.openSession(ctx); err != nil {
		r.store.AddLog(models.LogError, fmt.Sprintf("Could not connect to engine stream: %v", err))
		return err
	}

	res, err := r.engine.Initialize(ctx, engine.NewInitConfig(r.Automation()))
	if err == nil {
		err = res.Err()
	}
	if err != nil {
		r.logger.Error("initialization failed", slog.Any("error", err))
		r.store.AddLog(models.LogError, fmt.Sprintf("Initialization failed: %v", err))
		r.store.SetInitialized(false)
		return err
	}

	r.store.SetInitialized(true)
	r.store.AddLog(models.LogSuccess, "Initialization complete.")
	return nil
}

// claim takes the engine session for kind or explains who holds it
func (r *Runner) claim(kind store.SessionKind) error {
	holder, ok := r.store.BeginSession(kind)
	if ok {
		return nil
	}
	switch holder {
	case store.SessionRecord:
		return ErrRecordingActive
	case store.SessionInit:
		return ErrInitializing
	}
	return ErrAlreadyRunning
}

// openSession starts a new generation and replaces the event stream
func (r *Runner) openSession(ctx context.Context) (uint64, error) {
	r.mu.Lock()
	r.gen++
	gen := r.gen
	r.terminal = false
	r.stream = nil
	r.stopIdleLocked()
	r.mu.Unlock()

	st, err := r.streams.Open(ctx, func(ev engine.Event) { r.handle(gen, ev) })
	if err != nil {
		return gen, err
	}

	r.mu.Lock()
	if gen == r.gen {
		r.stream = st
	}
	r.mu.Unlock()
	return gen, nil
}

// handle interprets one stream event
func (r *Runner) handle(gen uint64, ev engine.Event) {
	r.touch(gen)

	switch e := ev.(type) {
	case engine.LogEvent:
		r.store.AddLog(e.Level, e.Message)

	case engine.StepFailedEvent:
		r.failures.Begin(e.Failure)

	case engine.ProgressEvent:
		if e.StepIndex != nil {
			r.store.SetCurrentStepIndex(*e.StepIndex)
		}
		if e.Status != nil {
			r.applyStreamStatus(gen, *e.Status)
		}

	case engine.InitStepEvent:
		r.store.UpdateInitStep(e.StepID, e.Status, e.Message)

	case engine.RecordedStepEvent:
		r.logger.Debug("ignoring recorded step outside recording")
	}
}

func (r *Runner) applyStreamStatus(gen uint64, status models.ExecutionStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if gen != r.gen {
		return
	}
	r.store.SetExecutionStatus(status)
	if status.Terminal() {
		r.terminal = true
		r.stopIdleLocked()
		if status == models.StatusCompleted {
			r.store.SetCurrentStepIndex(-1)
			r.store.SetStartFromStepIndex(0)
		}
	}
}
