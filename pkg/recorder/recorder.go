// Package recorder captures steps while the engine is in recording mode
// and reconciles the steps streamed during capture with the authoritative
// list the engine returns when recording stops.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tcmartin/flowconsole/pkg/engine"
	"github.com/tcmartin/flowconsole/pkg/models"
	"github.com/tcmartin/flowconsole/pkg/store"
)

// Errors returned by Recorder operations
var (
	ErrNotRecording     = errors.New("not recording")
	ErrAlreadyRecording = errors.New("already recording")
	ErrNoActiveFlow     = errors.New("no active flow to record into")
	ErrRunActive        = errors.New("a flow is running")
	ErrInitializing     = errors.New("initialization in progress")
)

// Description given to selectors synthesized from recorded steps
const capturedDescription = "Captured automatically"

// defaultWaitTime is used for recorded wait steps that carry no duration
const defaultWaitTime = 1000

// Engine is the command side of the remote engine the recorder uses
type Engine interface {
	StartRecording(ctx context.Context) (engine.Result, error)
	StopRecording(ctx context.Context) (engine.RecordStopResponse, error)
}

// Streams is the single event stream slot shared with the runner
type Streams interface {
	Open(ctx context.Context, handler engine.Handler) (*engine.Stream, error)
	Close()
}

type streamedStep struct {
	payload engine.StepPayload
	stepID  string
}

// Result summarizes a finished recording session
type Result struct {
	FlowID   string `json:"flowId"`
	Streamed int    `json:"streamed"`
	Final    int    `json:"final"`
	Appended int    `json:"appended"`
	Removed  int    `json:"removed"`
}

// Recorder owns one recording session at a time
type Recorder struct {
	store   *store.Store
	engine  Engine
	streams Streams
	logger  *slog.Logger

	mu       sync.Mutex
	active   bool
	gen      uint64
	flowID   string
	streamed []streamedStep
}

// New creates a recorder
func New(st *store.Store, eng Engine, streams Streams, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		store:   st,
		engine:  eng,
		streams: streams,
		logger:  logger.With(slog.String("component", "recorder")),
	}
}

// Start puts the engine into capture mode. Captured steps are appended to
// the flow that is active now, even if another flow is selected later.
func (r *Recorder) Start(ctx context.Context) error {
	flow, ok := r.store.ActiveFlow()
	if !ok {
		return ErrNoActiveFlow
	}

	switch holder, ok := r.store.BeginSession(store.SessionRecord); {
	case ok:
		defer r.store.EndSessionStart()
	case holder == store.SessionRecord:
		return ErrAlreadyRecording
	case holder == store.SessionInit:
		return ErrInitializing
	default:
		return ErrRunActive
	}

	r.mu.Lock()
	if r.active {
		r.mu.Unlock()
		return ErrAlreadyRecording
	}
	r.active = true
	r.gen++
	gen := r.gen
	r.flowID = flow.ID
	r.streamed = nil
	r.mu.Unlock()

	if _, err := r.streams.Open(ctx, func(ev engine.Event) { r.handle(gen, ev) }); err != nil {
		r.abort(gen)
		r.store.AddLog(models.LogError, fmt.Sprintf("Could not connect to engine stream: %v", err))
		return err
	}

	res, err := r.engine.StartRecording(ctx)
	if err == nil {
		err = res.Err()
	}
	if err != nil {
		r.abort(gen)
		r.streams.Close()
		r.logger.Error("failed to start recording", slog.Any("error", err))
		r.store.AddLog(models.LogError, fmt.Sprintf("Could not start recording: %v", err))
		return err
	}

	r.store.SetRecording(true)
	r.logger.Info("recording started", slog.String("flow_id", flow.ID))
	return nil
}

func (r *Recorder) abort(gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if gen == r.gen {
		r.active = false
	}
}

// Recording reports whether a session is open
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Streamed returns how many steps arrived over the stream this session
func (r *Recorder) Streamed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streamed)
}

func (r *Recorder) handle(gen uint64, ev engine.Event) {
	switch e := ev.(type) {
	case engine.LogEvent:
		r.store.AddLog(e.Level, e.Message)

	case engine.RecordedStepEvent:
		r.mu.Lock()
		defer r.mu.Unlock()

		if gen != r.gen || !r.active {
			return
		}
		added, ok := r.store.AddStep(r.flowID, StepFromPayload(e.Step))
		if !ok {
			r.logger.Warn("recording target flow is gone", slog.String("flow_id", r.flowID))
			return
		}
		r.streamed = append(r.streamed, streamedStep{payload: e.Step, stepID: added.ID})
	}
}

// Stop ends capture mode and merges the engine's authoritative step list
// with the steps already materialized from the stream.
func (r *Recorder) Stop(ctx context.Context) (Result, error) {
	r.mu.Lock()
	if !r.active {
		r.mu.Unlock()
		return Result{}, ErrNotRecording
	}
	r.mu.Unlock()

	resp, err := r.engine.StopRecording(ctx)
	if err == nil {
		err = resp.Err()
	}

	r.mu.Lock()
	r.active = false
	r.gen++
	flowID := r.flowID
	streamed := r.streamed
	r.streamed = nil
	r.mu.Unlock()

	r.store.SetRecording(false)
	r.streams.Close()

	if err != nil {
		r.logger.Error("failed to stop recording", slog.Any("error", err))
		r.store.AddLog(models.LogError, fmt.Sprintf("Could not stop recording: %v", err))
		return Result{FlowID: flowID, Streamed: len(streamed)}, err
	}

	res := r.reconcile(flowID, streamed, resp.Steps)
	r.logger.Info("recording stopped",
		slog.String("flow_id", flowID),
		slog.Int("streamed", res.Streamed),
		slog.Int("final", res.Final),
		slog.Int("appended", res.Appended),
		slog.Int("removed", res.Removed))
	return res, nil
}

// reconcile compares the streamed steps with the final list position by
// position. On a full prefix match only the unseen tail is appended. When
// they diverge, the streamed steps from the divergence on are replaced by
// the final tail. A final list shorter than the streamed one with no
// divergence appends nothing.
func (r *Recorder) reconcile(flowID string, streamed []streamedStep, final []engine.StepPayload) Result {
	res := Result{FlowID: flowID, Streamed: len(streamed), Final: len(final)}

	d := 0
	for d < len(streamed) && d < len(final) && samePayload(streamed[d].payload, final[d]) {
		d++
	}

	switch {
	case d == len(streamed):
	case d == len(final):
		r.logger.Warn("final recording shorter than streamed steps",
			slog.Int("streamed", len(streamed)), slog.Int("final", len(final)))
		return res
	default:
		ids := make([]string, 0, len(streamed)-d)
		for _, s := range streamed[d:] {
			ids = append(ids, s.stepID)
		}
		res.Removed = r.store.RemoveSteps(flowID, ids)
		r.logger.Warn("streamed steps diverge from final recording",
			slog.Int("divergence_index", d), slog.Int("removed", res.Removed))
	}

	for _, p := range final[d:] {
		if _, ok := r.store.AddStep(flowID, StepFromPayload(p)); ok {
			res.Appended++
		}
	}
	return res
}

func samePayload(a, b engine.StepPayload) bool {
	return a.ActionType == b.ActionType &&
		a.SelectorType == b.SelectorType &&
		a.SelectorValue == b.SelectorValue &&
		a.Value == b.Value
}

// StepFromPayload synthesizes a flow step from a recorded payload
func StepFromPayload(p engine.StepPayload) models.Step {
	action := models.ActionType(p.ActionType)
	if !action.Valid() {
		action = models.ActionClick
	}

	st := models.Step{
		ActionType:  action,
		Description: p.Description,
		Value:       p.Value,
		WaitTime:    p.WaitTime,
		Enabled:     true,
	}
	if st.Description == "" {
		st.Description = fmt.Sprintf("%s recorded", action)
	}
	if action == models.ActionWait && st.WaitTime <= 0 {
		st.WaitTime = defaultWaitTime
	}

	selType := models.SelectorType(p.SelectorType)
	if selType.Valid() && p.SelectorValue != "" {
		st.ElementSelector = &models.ElementSelector{
			ID:            models.NewID(),
			Label:         p.SelectorValue,
			SelectorType:  selType,
			SelectorValue: p.SelectorValue,
			Description:   capturedDescription,
		}
	}
	return st
}
