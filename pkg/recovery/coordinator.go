// Package recovery runs the operator decision protocol for a step the
// remote engine failed to execute: retry with an edited or picked
// selector, skip, or stop and remember where to resume.
package recovery

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tcmartin/flowconsole/pkg/engine"
	"github.com/tcmartin/flowconsole/pkg/models"
	"github.com/tcmartin/flowconsole/pkg/store"
)

// Errors returned by Coordinator operations
var (
	ErrNoFailure         = errors.New("no step failure pending")
	ErrInvalidTransition = errors.New("invalid recovery transition")
)

// State is the coordinator's position within one failure occurrence
type State string

// Coordinator states
const (
	StateNone       State = "none"
	StateEditing    State = "editing"
	StateConfirming State = "confirming"
)

// Responder delivers decisions to the engine over the open stream
type Responder interface {
	Send(v interface{}) error
}

// Coordinator resolves step failures one at a time. Failures reported
// while one is pending are queued and presented in arrival order.
type Coordinator struct {
	store     *store.Store
	responder Responder
	logger    *slog.Logger

	mu      sync.Mutex
	state   State
	failure *models.StepFailureInfo
	queue   []models.StepFailureInfo
	draft   models.ElementSelector
}

// New creates a coordinator
func New(st *store.Store, responder Responder, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		store:     st,
		responder: responder,
		logger:    logger.With(slog.String("component", "recovery")),
		state:     StateNone,
	}
}

// Snapshot is the coordinator's view for the operator
type Snapshot struct {
	State   State                   `json:"state"`
	Failure *models.StepFailureInfo `json:"failure"`
	Draft   *models.ElementSelector `json:"draft,omitempty"`
	Queued  int                     `json:"queued"`
}

// Snapshot returns the current state
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{State: c.state, Queued: len(c.queue)}
	if c.failure != nil {
		f := *c.failure
		snap.Failure = &f
	}
	if c.state != StateNone {
		d := c.draft
		snap.Draft = &d
	}
	return snap
}

// State returns the current state
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Begin takes over a failure reported by the engine
func (c *Coordinator) Begin(failure models.StepFailureInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failure != nil {
		c.queue = append(c.queue, failure)
		c.logger.Warn("step failure queued behind pending decision",
			slog.Int("step_index", failure.StepIndex),
			slog.Int("queued", len(c.queue)))
		c.store.AddLog(models.LogWarning,
			fmt.Sprintf("Step %d also failed while a decision is pending; it will be shown next.", failure.StepIndex+1))
		return
	}
	c.presentLocked(failure)
}

// Reset drops the pending failure and the queue without notifying the engine
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.failure = nil
	c.queue = nil
	c.state = StateNone
	c.draft = models.ElementSelector{}
}

// Edit starts hand-editing the selector the engine could not resolve
func (c *Coordinator) Edit() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failure == nil {
		return ErrNoFailure
	}
	if c.state != StateNone {
		return fmt.Errorf("%w: edit from %s", ErrInvalidTransition, c.state)
	}

	sel := models.ElementSelector{
		SelectorType:  models.SelectorType(c.failure.SelectorType),
		SelectorValue: c.failure.SelectorValue,
	}
	if !sel.SelectorType.Valid() {
		sel.SelectorType = models.SelectorName
	}
	c.draft = sel
	c.state = StateEditing
	return nil
}

// Pick takes a selector chosen with the live element picker as-is
func (c *Coordinator) Pick(sel models.ElementSelector) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failure == nil {
		return ErrNoFailure
	}
	if c.state == StateConfirming {
		return fmt.Errorf("%w: pick from %s", ErrInvalidTransition, c.state)
	}
	if err := sel.Validate(); err != nil {
		return err
	}
	c.draft = sel
	c.state = StateConfirming
	return nil
}

// Confirm accepts a hand-edited selector
func (c *Coordinator) Confirm(selectorType models.SelectorType, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failure == nil {
		return ErrNoFailure
	}
	if c.state != StateEditing {
		return fmt.Errorf("%w: confirm from %s", ErrInvalidTransition, c.state)
	}
	sel := models.ElementSelector{SelectorType: selectorType, SelectorValue: value}
	if err := sel.Validate(); err != nil {
		return err
	}
	c.draft = sel
	c.state = StateConfirming
	return nil
}

// Cancel discards the draft selector and returns to the decision view
func (c *Coordinator) Cancel() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failure == nil {
		return ErrNoFailure
	}
	c.draft = models.ElementSelector{}
	c.state = StateNone
	return nil
}

// Retry asks the engine to run the failed step again. From confirming the
// flow's step is permanently updated with the new selector, which is sent
// along; from none the step is retried unchanged.
func (c *Coordinator) Retry() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failure == nil {
		return ErrNoFailure
	}

	var sel *models.ElementSelector
	switch c.state {
	case StateConfirming:
		sel = c.applySelectorLocked()
	case StateNone:
	default:
		return fmt.Errorf("%w: retry from %s", ErrInvalidTransition, c.state)
	}

	err := c.sendLocked(engine.NewStepResponse(engine.DecisionRetry, sel))
	c.store.SetExecutionStatus(models.StatusRunning)
	c.resolveLocked()
	return err
}

// Skip asks the engine to move past the failed step
func (c *Coordinator) Skip() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failure == nil {
		return ErrNoFailure
	}

	err := c.sendLocked(engine.NewStepResponse(engine.DecisionSkip, nil))
	c.store.SetExecutionStatus(models.StatusRunning)
	c.resolveLocked()
	return err
}

// Stop aborts the run and makes the failed step the next run's start
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.failure == nil {
		return ErrNoFailure
	}

	c.store.SetStartFromStepIndex(c.failure.StepIndex)
	err := c.sendLocked(engine.NewStepResponse(engine.DecisionStop, nil))
	c.store.SetExecutionStatus(models.StatusStopped)
	c.store.SetCurrentStepIndex(-1)

	// The remaining queued failures belong to the aborted run
	c.queue = nil
	c.resolveLocked()
	return err
}

// Dismiss closes the failure view without a choice, which stops the run
func (c *Coordinator) Dismiss() error {
	return c.Stop()
}

// applySelectorLocked writes the draft selector into the failed step of
// the active flow and returns the selector to send
func (c *Coordinator) applySelectorLocked() *models.ElementSelector {
	draft := c.draft
	sel := &models.ElementSelector{SelectorType: draft.SelectorType, SelectorValue: draft.SelectorValue}

	flow, ok := c.store.ActiveFlow()
	if !ok {
		c.logger.Warn("no active flow to update after retry")
		return sel
	}
	pos, ok := flow.StepAtEnabledIndex(c.failure.StepIndex)
	if !ok {
		c.logger.Warn("failed step index outside flow", slog.Int("step_index", c.failure.StepIndex))
		return sel
	}

	c.store.UpdateStep(flow.ID, flow.Steps[pos].ID, func(st *models.Step) {
		updated := models.ElementSelector{
			SelectorType:  draft.SelectorType,
			SelectorValue: draft.SelectorValue,
		}
		if st.ElementSelector != nil {
			updated.ID = st.ElementSelector.ID
			updated.Label = st.ElementSelector.Label
			updated.Description = st.ElementSelector.Description
		}
		if updated.ID == "" {
			updated.ID = models.NewID()
		}
		if draft.Label != "" {
			updated.Label = draft.Label
		}
		if draft.Description != "" {
			updated.Description = draft.Description
		}
		if updated.Label == "" {
			updated.Label = draft.SelectorValue
		}
		st.ElementSelector = &updated
	})

	c.logger.Info("step selector updated for retry",
		slog.String("flow_id", flow.ID),
		slog.Int("step_index", c.failure.StepIndex),
		slog.String("selector_type", string(sel.SelectorType)),
		slog.String("selector_value", sel.SelectorValue))
	return sel
}

func (c *Coordinator) sendLocked(resp engine.StepResponse) error {
	if err := c.responder.Send(resp); err != nil {
		c.logger.Warn("failed to deliver step decision", slog.String("action", string(resp.Action)), slog.Any("error", err))
		c.store.AddLog(models.LogWarning, fmt.Sprintf("Could not deliver %q decision to the engine: %v", resp.Action, err))
		return fmt.Errorf("failed to send %s decision: %w", resp.Action, err)
	}
	return nil
}

// resolveLocked clears the current failure and presents the next queued one
func (c *Coordinator) resolveLocked() {
	c.failure = nil
	c.state = StateNone
	c.draft = models.ElementSelector{}
	c.store.SetStepFailure(nil)

	if len(c.queue) > 0 {
		next := c.queue[0]
		c.queue = c.queue[1:]
		c.presentLocked(next)
	}
}

func (c *Coordinator) presentLocked(failure models.StepFailureInfo) {
	f := failure
	c.failure = &f
	c.state = StateNone
	c.draft = models.ElementSelector{}
	c.store.SetStepFailure(&f)
	c.store.SetExecutionStatus(models.StatusError)
}
