package recorder

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcmartin/flowconsole/pkg/engine"
	"github.com/tcmartin/flowconsole/pkg/engine/enginetest"
	"github.com/tcmartin/flowconsole/pkg/logging"
	"github.com/tcmartin/flowconsole/pkg/models"
	"github.com/tcmartin/flowconsole/pkg/store"
)

type harness struct {
	srv   *enginetest.Server
	store *store.Store
	rec   *Recorder
	flow  models.Flow
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	srv := enginetest.New(t)
	st := store.New(nil, logging.Discard())

	dialer, err := engine.NewWebSocketDialer(srv.URL, "/ws")
	require.NoError(t, err)
	slot := engine.NewStreamSlot(dialer, logging.Discard())
	t.Cleanup(slot.Close)

	flow := st.CreateFlow("Checkout", "")
	st.AddStep(flow.ID, models.Step{ActionType: models.ActionClick, Description: "existing", Enabled: true})
	require.True(t, st.SetActiveFlow(flow.ID))

	return &harness{
		srv:   srv,
		store: st,
		rec:   New(st, engine.NewClient(srv.URL, time.Second, logging.Discard()), slot, logging.Discard()),
		flow:  flow,
	}
}

func payload(action, selType, selValue string) engine.StepPayload {
	return engine.StepPayload{ActionType: action, SelectorType: selType, SelectorValue: selValue, Enabled: true}
}

func (h *harness) pushStep(t *testing.T, p engine.StepPayload) {
	t.Helper()
	h.srv.Status(t, "recorded_step", map[string]interface{}{
		"action_type":    p.ActionType,
		"selector_type":  p.SelectorType,
		"selector_value": p.SelectorValue,
	})
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.rec.Start(context.Background()))
	h.srv.WaitConns(t, 1)
}

func (h *harness) stream(t *testing.T, steps ...engine.StepPayload) {
	t.Helper()
	for _, p := range steps {
		h.pushStep(t, p)
	}
	require.Eventually(t, func() bool { return h.rec.Streamed() == len(steps) }, 2*time.Second, 5*time.Millisecond)
}

func (h *harness) stopWith(t *testing.T, final ...engine.StepPayload) Result {
	t.Helper()
	h.srv.ReplyJSON("/api/record/stop", engine.RecordStopResponse{
		Result: engine.Result{Status: "ok"}, Steps: final, Count: len(final),
	})
	res, err := h.rec.Stop(context.Background())
	require.NoError(t, err)
	return res
}

func (h *harness) values(t *testing.T) []string {
	t.Helper()
	f, ok := h.store.Flow(h.flow.ID)
	require.True(t, ok)
	var out []string
	for _, st := range f.Steps {
		if st.ElementSelector == nil {
			out = append(out, st.Description)
			continue
		}
		out = append(out, st.ElementSelector.SelectorValue)
	}
	return out
}

func TestStartPreconditions(t *testing.T) {
	h := newHarness(t)

	h.store.SetExecutionStatus(models.StatusRunning)
	assert.ErrorIs(t, h.rec.Start(context.Background()), ErrRunActive)

	h.store.SetExecutionStatus(models.StatusIdle)
	h.store.SetActiveFlow("")
	assert.ErrorIs(t, h.rec.Start(context.Background()), ErrNoActiveFlow)

	assert.Zero(t, h.srv.Dialed())
	assert.Empty(t, h.srv.Calls("/api/record/start"))

	_, err := h.rec.Stop(context.Background())
	assert.ErrorIs(t, err, ErrNotRecording)
}

func TestStartTwice(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	assert.True(t, h.store.IsRecording())
	assert.ErrorIs(t, h.rec.Start(context.Background()), ErrAlreadyRecording)
	assert.Equal(t, []string{"/ws", "/api/record/start"}, h.srv.Order())
}

func TestStartHoldsSessionUntilEngineAnswers(t *testing.T) {
	h := newHarness(t)

	release := make(chan struct{})
	h.srv.Reply("/api/record/start", func([]byte) (int, interface{}) {
		<-release
		return http.StatusOK, map[string]string{"status": "ok"}
	})

	done := make(chan error, 1)
	go func() { done <- h.rec.Start(context.Background()) }()
	require.Eventually(t, func() bool { return len(h.srv.Calls("/api/record/start")) == 1 }, 2*time.Second, 5*time.Millisecond)

	holder, ok := h.store.BeginSession(store.SessionRun)
	assert.False(t, ok)
	assert.Equal(t, store.SessionRecord, holder)

	close(release)
	require.NoError(t, <-done)
	_, ok = h.store.BeginSession(store.SessionRun)
	assert.False(t, ok)
	assert.True(t, h.store.IsRecording())
}

func TestStartRejectedWhileInitializing(t *testing.T) {
	h := newHarness(t)
	_, ok := h.store.BeginSession(store.SessionInit)
	require.True(t, ok)

	assert.ErrorIs(t, h.rec.Start(context.Background()), ErrInitializing)
	assert.Zero(t, h.srv.Dialed())
}

func TestStartRejectedByEngine(t *testing.T) {
	h := newHarness(t)
	h.srv.ReplyJSON("/api/record/start", map[string]string{"status": "error", "error": "no session"})

	err := h.rec.Start(context.Background())
	assert.ErrorIs(t, err, engine.ErrRejected)
	assert.False(t, h.rec.Recording())
	assert.False(t, h.store.IsRecording())
	h.srv.WaitConns(t, 0)
}

func TestStreamedStepsAreMaterialized(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.stream(t, payload("click", "name", "Pay"))

	f, _ := h.store.Flow(h.flow.ID)
	require.Len(t, f.Steps, 2)
	got := f.Steps[1]
	assert.Equal(t, models.ActionClick, got.ActionType)
	assert.Equal(t, "click recorded", got.Description)
	assert.True(t, got.Enabled)
	require.NotNil(t, got.ElementSelector)
	assert.Equal(t, "Pay", got.ElementSelector.Label)
	assert.Equal(t, models.SelectorName, got.ElementSelector.SelectorType)
	assert.Equal(t, "Captured automatically", got.ElementSelector.Description)
	assert.NotEmpty(t, got.ElementSelector.ID)
}

func TestRecordingTargetsFlowActiveAtStart(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	other := h.store.CreateFlow("Other", "")
	require.True(t, h.store.SetActiveFlow(other.ID))
	h.stream(t, payload("click", "name", "Pay"))

	assert.Equal(t, []string{"existing", "Pay"}, h.values(t))
	o, _ := h.store.Flow(other.ID)
	assert.Empty(t, o.Steps)
}

func TestStopAppendsUnseenTail(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	a, b := payload("click", "name", "A"), payload("click", "name", "B")
	h.stream(t, a, b)

	res := h.stopWith(t, a, b, payload("click", "name", "C"), payload("type", "id", "D"), payload("click", "xpath", "//E"))

	assert.Equal(t, 3, res.Appended)
	assert.Zero(t, res.Removed)
	assert.Equal(t, 2, res.Streamed)
	assert.Equal(t, 5, res.Final)
	assert.Equal(t, []string{"existing", "A", "B", "C", "D", "//E"}, h.values(t))
	assert.False(t, h.store.IsRecording())
	assert.False(t, h.rec.Recording())
	h.srv.WaitConns(t, 0)
}

func TestStopReplacesDivergedSteps(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	x := payload("click", "name", "X")
	h.stream(t, x, payload("click", "name", "Y"))

	res := h.stopWith(t, x, payload("click", "name", "Z"), payload("click", "name", "W"))

	assert.Equal(t, 1, res.Removed)
	assert.Equal(t, 2, res.Appended)
	assert.Equal(t, []string{"existing", "X", "Z", "W"}, h.values(t))

	f, _ := h.store.Flow(h.flow.ID)
	for i, st := range f.Steps {
		assert.Equal(t, i, st.Order)
	}
}

func TestStopWithShorterFinalKeepsStreamedSteps(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	x := payload("click", "name", "X")
	h.stream(t, x, payload("click", "name", "Y"))

	res := h.stopWith(t, x)

	assert.Zero(t, res.Appended)
	assert.Zero(t, res.Removed)
	assert.Equal(t, []string{"existing", "X", "Y"}, h.values(t))
}

func TestStopWithoutStreamedSteps(t *testing.T) {
	h := newHarness(t)
	h.start(t)

	res := h.stopWith(t, payload("click", "name", "A"), payload("wait", "", ""))

	assert.Equal(t, 2, res.Appended)
	assert.Equal(t, []string{"existing", "A", "wait recorded"}, h.values(t))
}

func TestStopFailureEndsSession(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	h.stream(t, payload("click", "name", "A"))
	h.srv.Reply("/api/record/stop", func([]byte) (int, interface{}) {
		return http.StatusInternalServerError, map[string]string{"detail": "recorder crashed"}
	})

	_, err := h.rec.Stop(context.Background())
	require.Error(t, err)
	assert.False(t, h.store.IsRecording())
	assert.False(t, h.rec.Recording())
	assert.Equal(t, []string{"existing", "A"}, h.values(t))
}

func TestStepFromPayload(t *testing.T) {
	tests := []struct {
		name    string
		in      engine.StepPayload
		action  models.ActionType
		desc    string
		hasSel  bool
		waitFor int
	}{
		{"defaults to click", engine.StepPayload{}, models.ActionClick, "click recorded", false, 0},
		{"unknown action", engine.StepPayload{ActionType: "hover"}, models.ActionClick, "click recorded", false, 0},
		{"keeps description", engine.StepPayload{ActionType: "type", Description: "Enter qty"}, models.ActionTypeText, "Enter qty", false, 0},
		{"selector needs value", engine.StepPayload{ActionType: "click", SelectorType: "name"}, models.ActionClick, "click recorded", false, 0},
		{"selector needs known type", engine.StepPayload{ActionType: "click", SelectorType: "tag", SelectorValue: "a"}, models.ActionClick, "click recorded", false, 0},
		{"full selector", engine.StepPayload{ActionType: "click", SelectorType: "accessibility_id", SelectorValue: "btn"}, models.ActionClick, "click recorded", true, 0},
		{"wait gets a duration", engine.StepPayload{ActionType: "wait"}, models.ActionWait, "wait recorded", false, 1000},
		{"wait keeps duration", engine.StepPayload{ActionType: "wait", WaitTime: 250}, models.ActionWait, "wait recorded", false, 250},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := StepFromPayload(tt.in)
			assert.Equal(t, tt.action, st.ActionType)
			assert.Equal(t, tt.desc, st.Description)
			assert.Equal(t, tt.hasSel, st.ElementSelector != nil)
			assert.Equal(t, tt.waitFor, st.WaitTime)
			assert.True(t, st.Enabled)
			assert.NoError(t, st.Validate())
		})
	}
}
