package recovery

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tcmartin/flowconsole/pkg/engine"
	"github.com/tcmartin/flowconsole/pkg/logging"
	"github.com/tcmartin/flowconsole/pkg/models"
	"github.com/tcmartin/flowconsole/pkg/store"
)

type mockResponder struct {
	mock.Mock
}

func (m *mockResponder) Send(v interface{}) error {
	args := m.Called(v)
	return args.Error(0)
}

type fixture struct {
	store     *store.Store
	responder *mockResponder
	coord     *Coordinator
	flow      models.Flow
}

// newFixture builds an active flow [A(enabled), B(disabled), C(enabled)]
func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := store.New(nil, logging.Discard())
	flow := st.CreateFlow("Checkout", "")
	st.AddStep(flow.ID, models.Step{ActionType: models.ActionClick, Description: "A", Enabled: true,
		ElementSelector: &models.ElementSelector{ID: "sel-a", Label: "A", SelectorType: models.SelectorName, SelectorValue: "A"}})
	st.AddStep(flow.ID, models.Step{ActionType: models.ActionClick, Description: "B", Enabled: false})
	st.AddStep(flow.ID, models.Step{ActionType: models.ActionClick, Description: "C", Enabled: true,
		ElementSelector: &models.ElementSelector{ID: "sel-c", Label: "Old label", SelectorType: models.SelectorName, SelectorValue: "Old"}})
	require.True(t, st.SetActiveFlow(flow.ID))
	flow, _ = st.Flow(flow.ID)

	responder := &mockResponder{}
	return &fixture{
		store:     st,
		responder: responder,
		coord:     New(st, responder, logging.Discard()),
		flow:      flow,
	}
}

func failureAt(idx int, selType, selValue string) models.StepFailureInfo {
	return models.StepFailureInfo{
		StepIndex: idx, StepDescription: "C", Error: "element not found",
		SelectorType: selType, SelectorValue: selValue, ActionType: "click",
	}
}

func TestBeginSuspendsRun(t *testing.T) {
	f := newFixture(t)
	f.store.SetExecutionStatus(models.StatusRunning)
	f.store.SetCurrentStepIndex(1)

	f.coord.Begin(failureAt(1, "name", "Old"))

	assert.Equal(t, StateNone, f.coord.State())
	require.NotNil(t, f.store.StepFailure())
	assert.Equal(t, 1, f.store.StepFailure().StepIndex)
	assert.Equal(t, models.StatusError, f.store.Status())
	assert.Equal(t, 1, f.store.CurrentStepIndex())
}

func TestRetryWithEditedSelectorUpdatesStep(t *testing.T) {
	f := newFixture(t)
	f.coord.Begin(failureAt(1, "name", "Old"))

	f.responder.On("Send", engine.StepResponse{
		Type: "step_response", Action: engine.DecisionRetry,
		SelectorType: "xpath", SelectorValue: "//New",
	}).Return(nil).Once()

	require.NoError(t, f.coord.Edit())
	assert.Equal(t, StateEditing, f.coord.State())
	draft := f.coord.Snapshot().Draft
	require.NotNil(t, draft)
	assert.Equal(t, models.SelectorName, draft.SelectorType)
	assert.Equal(t, "Old", draft.SelectorValue)

	require.NoError(t, f.coord.Confirm(models.SelectorXPath, "//New"))
	assert.Equal(t, StateConfirming, f.coord.State())
	require.NoError(t, f.coord.Retry())

	f.responder.AssertExpectations(t)
	assert.Equal(t, StateNone, f.coord.State())
	assert.Nil(t, f.store.StepFailure())
	assert.Equal(t, models.StatusRunning, f.store.Status())

	// Enabled index 1 is C, the third step overall
	got, _ := f.store.Flow(f.flow.ID)
	sel := got.Steps[2].ElementSelector
	require.NotNil(t, sel)
	assert.Equal(t, models.SelectorXPath, sel.SelectorType)
	assert.Equal(t, "//New", sel.SelectorValue)
	assert.Equal(t, "sel-c", sel.ID)
	assert.Equal(t, "Old label", sel.Label)
	assert.Equal(t, "A", got.Steps[0].ElementSelector.SelectorValue)
}

func TestRetryWithPickedSelectorOnStepWithoutSelector(t *testing.T) {
	f := newFixture(t)
	f.store.UpdateStep(f.flow.ID, f.flow.Steps[0].ID, func(st *models.Step) { st.ElementSelector = nil })
	f.coord.Begin(failureAt(0, "", ""))

	f.responder.On("Send", mock.AnythingOfType("engine.StepResponse")).Return(nil).Once()

	require.NoError(t, f.coord.Pick(models.ElementSelector{
		SelectorType: models.SelectorAccessibilityID, SelectorValue: "btnPay", Description: "Pay button",
	}))
	assert.Equal(t, StateConfirming, f.coord.State())
	require.NoError(t, f.coord.Retry())

	got, _ := f.store.Flow(f.flow.ID)
	sel := got.Steps[0].ElementSelector
	require.NotNil(t, sel)
	assert.NotEmpty(t, sel.ID)
	assert.Equal(t, "btnPay", sel.Label)
	assert.Equal(t, "Pay button", sel.Description)

	sent := f.responder.Calls[0].Arguments.Get(0).(engine.StepResponse)
	assert.Equal(t, "btnPay", sent.SelectorValue)
}

func TestPlainRetryAndSkip(t *testing.T) {
	f := newFixture(t)
	f.responder.On("Send", engine.StepResponse{Type: "step_response", Action: engine.DecisionRetry}).Return(nil).Once()
	f.responder.On("Send", engine.StepResponse{Type: "step_response", Action: engine.DecisionSkip}).Return(nil).Once()

	f.coord.Begin(failureAt(1, "name", "Old"))
	require.NoError(t, f.coord.Retry())
	assert.Equal(t, models.StatusRunning, f.store.Status())

	f.coord.Begin(failureAt(1, "name", "Old"))
	require.NoError(t, f.coord.Edit())
	require.NoError(t, f.coord.Skip())
	assert.Equal(t, StateNone, f.coord.State())
	assert.Nil(t, f.store.StepFailure())
	assert.Equal(t, models.StatusRunning, f.store.Status())

	got, _ := f.store.Flow(f.flow.ID)
	assert.Equal(t, "Old", got.Steps[2].ElementSelector.SelectorValue)
	f.responder.AssertExpectations(t)
}

func TestStopRecordsResumeOffset(t *testing.T) {
	for name, stop := range map[string]func(*Coordinator) error{
		"stop":    (*Coordinator).Stop,
		"dismiss": (*Coordinator).Dismiss,
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			f.responder.On("Send", engine.StepResponse{Type: "step_response", Action: engine.DecisionStop}).Return(nil).Once()
			f.store.SetCurrentStepIndex(1)

			f.coord.Begin(failureAt(1, "name", "Old"))
			require.NoError(t, f.coord.Pick(models.ElementSelector{SelectorType: models.SelectorID, SelectorValue: "x"}))
			require.NoError(t, stop(f.coord))

			assert.Equal(t, 1, f.store.StartFromStepIndex())
			assert.Equal(t, models.StatusStopped, f.store.Status())
			assert.Equal(t, -1, f.store.CurrentStepIndex())
			assert.Nil(t, f.store.StepFailure())
			f.responder.AssertExpectations(t)
		})
	}
}

func TestInvalidTransitions(t *testing.T) {
	f := newFixture(t)
	assert.ErrorIs(t, f.coord.Edit(), ErrNoFailure)
	assert.ErrorIs(t, f.coord.Retry(), ErrNoFailure)
	assert.ErrorIs(t, f.coord.Skip(), ErrNoFailure)
	assert.ErrorIs(t, f.coord.Stop(), ErrNoFailure)

	f.coord.Begin(failureAt(1, "name", "Old"))
	assert.ErrorIs(t, f.coord.Confirm(models.SelectorXPath, "//x"), ErrInvalidTransition)

	require.NoError(t, f.coord.Edit())
	assert.ErrorIs(t, f.coord.Edit(), ErrInvalidTransition)
	assert.ErrorIs(t, f.coord.Retry(), ErrInvalidTransition)
	assert.ErrorIs(t, f.coord.Confirm("tag", "a"), models.ErrUnknownSelector)
	assert.ErrorIs(t, f.coord.Confirm(models.SelectorXPath, ""), models.ErrEmptySelectorValue)

	require.NoError(t, f.coord.Confirm(models.SelectorXPath, "//x"))
	assert.ErrorIs(t, f.coord.Pick(models.ElementSelector{SelectorType: models.SelectorID, SelectorValue: "y"}), ErrInvalidTransition)

	require.NoError(t, f.coord.Cancel())
	assert.Equal(t, StateNone, f.coord.State())
	assert.Nil(t, f.coord.Snapshot().Draft)
	f.responder.AssertNotCalled(t, "Send", mock.Anything)
}

func TestSecondFailureIsQueued(t *testing.T) {
	f := newFixture(t)
	f.responder.On("Send", mock.Anything).Return(nil)

	f.coord.Begin(failureAt(0, "name", "A"))
	f.coord.Begin(failureAt(1, "name", "Old"))

	assert.Equal(t, 0, f.store.StepFailure().StepIndex)
	assert.Equal(t, 1, f.coord.Snapshot().Queued)
	logs := f.store.Logs()
	require.NotEmpty(t, logs)
	assert.Equal(t, models.LogWarning, logs[len(logs)-1].Level)

	require.NoError(t, f.coord.Skip())
	require.NotNil(t, f.store.StepFailure())
	assert.Equal(t, 1, f.store.StepFailure().StepIndex)
	assert.Equal(t, models.StatusError, f.store.Status())
	assert.Equal(t, 0, f.coord.Snapshot().Queued)

	f.coord.Begin(failureAt(2, "name", "Z"))
	require.NoError(t, f.coord.Stop())
	assert.Nil(t, f.store.StepFailure())
	assert.Equal(t, 0, f.coord.Snapshot().Queued)
}

func TestSendFailureStillResolvesLocally(t *testing.T) {
	f := newFixture(t)
	f.responder.On("Send", mock.Anything).Return(errors.New("stream closed"))

	f.coord.Begin(failureAt(1, "name", "Old"))
	err := f.coord.Stop()
	assert.Error(t, err)
	assert.Equal(t, models.StatusStopped, f.store.Status())
	assert.Nil(t, f.store.StepFailure())
	assert.Equal(t, 1, f.store.StartFromStepIndex())
}

func TestReset(t *testing.T) {
	f := newFixture(t)
	f.coord.Begin(failureAt(1, "name", "Old"))
	f.coord.Begin(failureAt(2, "name", "Z"))
	require.NoError(t, f.coord.Edit())

	f.coord.Reset()
	snap := f.coord.Snapshot()
	assert.Equal(t, StateNone, snap.State)
	assert.Nil(t, snap.Failure)
	assert.Equal(t, 0, snap.Queued)
}
