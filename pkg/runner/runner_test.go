package runner_test

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcmartin/flowconsole/pkg/config"
	"github.com/tcmartin/flowconsole/pkg/engine"
	"github.com/tcmartin/flowconsole/pkg/engine/enginetest"
	"github.com/tcmartin/flowconsole/pkg/logging"
	"github.com/tcmartin/flowconsole/pkg/models"
	"github.com/tcmartin/flowconsole/pkg/recovery"
	"github.com/tcmartin/flowconsole/pkg/runner"
	"github.com/tcmartin/flowconsole/pkg/store"
)

const waitFor = 2 * time.Second

type harness struct {
	srv    *enginetest.Server
	store  *store.Store
	coord  *recovery.Coordinator
	runner *runner.Runner
}

func newHarness(t *testing.T, engineURL string, idle time.Duration) *harness {
	t.Helper()
	srv := enginetest.New(t)
	if engineURL == "" {
		engineURL = srv.URL
	}

	st := store.New(nil, logging.Discard())
	dialer, err := engine.NewWebSocketDialer(srv.URL, "/ws")
	require.NoError(t, err)
	slot := engine.NewStreamSlot(dialer, logging.Discard())
	t.Cleanup(slot.Close)

	coord := recovery.New(st, slot, logging.Discard())
	r := runner.New(st, engine.NewClient(engineURL, time.Second, logging.Discard()), slot, coord,
		runner.Options{IdleTimeout: idle, Automation: config.DefaultConfig().Automation}, logging.Discard())
	t.Cleanup(r.Close)

	return &harness{srv: srv, store: st, coord: coord, runner: r}
}

// withFlow installs the active flow [A, B(disabled), C]
func (h *harness) withFlow(t *testing.T) models.Flow {
	t.Helper()
	f := h.store.CreateFlow("Checkout", "weekly order")
	h.store.AddStep(f.ID, models.Step{ActionType: models.ActionClick, Description: "A", Enabled: true,
		ElementSelector: &models.ElementSelector{ID: "a", SelectorType: models.SelectorName, SelectorValue: "A"}})
	h.store.AddStep(f.ID, models.Step{ActionType: models.ActionClick, Description: "B", Enabled: false})
	h.store.AddStep(f.ID, models.Step{ActionType: models.ActionWait, Description: "C", WaitTime: 500, Enabled: true})
	require.True(t, h.store.SetActiveFlow(f.ID))
	f, _ = h.store.Flow(f.ID)
	return f
}

// blockRun makes /api/run-flow hang until the returned func is called
func (h *harness) blockRun(t *testing.T, body interface{}) func() {
	t.Helper()
	release := make(chan struct{})
	h.srv.Reply("/api/run-flow", func([]byte) (int, interface{}) {
		<-release
		return http.StatusOK, body
	})
	var done bool
	unblock := func() {
		if !done {
			done = true
			close(release)
		}
	}
	t.Cleanup(unblock)
	return unblock
}

func (h *harness) hasLog(substr string) bool {
	for _, e := range h.store.Logs() {
		if strings.Contains(e.Message, substr) {
			return true
		}
	}
	return false
}

func TestRunSubmitsEnabledSteps(t *testing.T) {
	h := newHarness(t, "", 0)
	h.withFlow(t)
	h.srv.ReplyJSON("/api/run-flow", map[string]interface{}{"status": "completed", "steps_executed": 2})

	require.NoError(t, h.runner.Run(context.Background()))
	require.Eventually(t, func() bool { return h.store.Status() == models.StatusCompleted }, waitFor, 5*time.Millisecond)

	calls := h.srv.Calls("/api/run-flow")
	require.Len(t, calls, 1)
	var req engine.RunRequest
	require.NoError(t, json.Unmarshal(calls[0], &req))
	require.Len(t, req.Steps, 2)
	assert.Equal(t, "A", req.Steps[0].Description)
	assert.Equal(t, "A", req.Steps[0].SelectorValue)
	assert.Equal(t, "C", req.Steps[1].Description)
	assert.Equal(t, 500, req.Steps[1].WaitTime)
	assert.Equal(t, 0, req.StartFromStep)
	assert.Equal(t, "Checkout", req.Name)
	assert.Equal(t, 4, req.Iterations)
	assert.Equal(t, "http://127.0.0.1:4723", req.Config.AppiumURL)

	assert.Equal(t, []string{"/ws", "/api/run-flow"}, h.srv.Order())
	assert.Equal(t, -1, h.store.CurrentStepIndex())
	assert.True(t, h.hasLog("2 enabled steps of 3 total"))
}

func TestRunHonorsStartOffset(t *testing.T) {
	h := newHarness(t, "", 0)
	h.withFlow(t)
	h.store.SetStartFromStepIndex(1)
	h.srv.ReplyJSON("/api/run-flow", map[string]interface{}{"status": "completed"})

	require.NoError(t, h.runner.Run(context.Background()))
	require.Eventually(t, func() bool { return h.store.Status() == models.StatusCompleted }, waitFor, 5*time.Millisecond)

	var req engine.RunRequest
	require.NoError(t, json.Unmarshal(h.srv.Calls("/api/run-flow")[0], &req))
	assert.Equal(t, 1, req.StartFromStep)
	assert.Equal(t, 0, h.store.StartFromStepIndex())
	assert.True(t, h.hasLog("Starting from step 2 of 2"))
}

func TestRunPreconditions(t *testing.T) {
	h := newHarness(t, "", 0)

	assert.ErrorIs(t, h.runner.Run(context.Background()), runner.ErrNoActiveFlow)

	empty := h.store.CreateFlow("Empty", "")
	require.True(t, h.store.SetActiveFlow(empty.ID))
	assert.ErrorIs(t, h.runner.Run(context.Background()), runner.ErrNoSteps)

	h.withFlow(t)
	h.store.SetExecutionStatus(models.StatusRunning)
	assert.ErrorIs(t, h.runner.Run(context.Background()), runner.ErrAlreadyRunning)

	h.store.SetExecutionStatus(models.StatusIdle)
	h.store.SetRecording(true)
	assert.ErrorIs(t, h.runner.Run(context.Background()), runner.ErrRecordingActive)

	assert.Zero(t, h.srv.Dialed())
	assert.Empty(t, h.srv.Calls("/api/run-flow"))
}

func TestRunErrorResponse(t *testing.T) {
	h := newHarness(t, "", 0)
	h.withFlow(t)
	h.srv.ReplyJSON("/api/run-flow", map[string]interface{}{"status": "error", "error": "session lost"})

	require.NoError(t, h.runner.Run(context.Background()))
	require.Eventually(t, func() bool { return h.store.Status() == models.StatusError }, waitFor, 5*time.Millisecond)
	assert.True(t, h.hasLog("session lost"))
}

func TestRunClearsPreviousLogsAndFailure(t *testing.T) {
	h := newHarness(t, "", 0)
	h.withFlow(t)
	h.store.AddLog(models.LogInfo, "stale line")
	h.store.SetStepFailure(&models.StepFailureInfo{StepIndex: 0})
	h.blockRun(t, map[string]string{"status": "completed"})

	require.NoError(t, h.runner.Run(context.Background()))
	assert.False(t, h.hasLog("stale line"))
	assert.Nil(t, h.store.StepFailure())
	assert.Equal(t, models.StatusRunning, h.store.Status())
	assert.Equal(t, -1, h.store.CurrentStepIndex())
}

func TestStreamTerminalStatusWinsOverResponse(t *testing.T) {
	h := newHarness(t, "", 0)
	h.withFlow(t)
	unblock := h.blockRun(t, map[string]string{"status": "error", "error": "late answer"})

	require.NoError(t, h.runner.Run(context.Background()))
	h.srv.WaitConns(t, 1)
	h.srv.Status(t, "execution", map[string]interface{}{"status": "completed"})
	require.Eventually(t, func() bool { return h.store.Status() == models.StatusCompleted }, waitFor, 5*time.Millisecond)

	unblock()
	assert.Never(t, func() bool { return h.store.Status() != models.StatusCompleted }, 200*time.Millisecond, 10*time.Millisecond)
	assert.False(t, h.hasLog("late answer"))
	assert.Equal(t, -1, h.store.CurrentStepIndex())
}

func TestProgressStatusAndIndexAreIndependent(t *testing.T) {
	h := newHarness(t, "", 0)
	h.withFlow(t)
	h.blockRun(t, map[string]string{"status": "ok"})

	require.NoError(t, h.runner.Run(context.Background()))
	h.srv.WaitConns(t, 1)

	h.srv.Status(t, "execution", map[string]interface{}{"step_index": 1})
	require.Eventually(t, func() bool { return h.store.CurrentStepIndex() == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, models.StatusRunning, h.store.Status())

	h.srv.Status(t, "execution", map[string]interface{}{"status": "paused"})
	require.Eventually(t, func() bool { return h.store.Status() == models.StatusPaused }, waitFor, 5*time.Millisecond)
	assert.Equal(t, 1, h.store.CurrentStepIndex())

	h.srv.Log(t, "warn", "slow response")
	require.Eventually(t, func() bool { return h.hasLog("slow response") }, waitFor, 5*time.Millisecond)
}

func TestStepFailedHandsOffToRecovery(t *testing.T) {
	h := newHarness(t, "", 0)
	h.withFlow(t)
	h.blockRun(t, map[string]string{"status": "ok"})

	require.NoError(t, h.runner.Run(context.Background()))
	h.srv.WaitConns(t, 1)
	h.srv.Status(t, "execution", map[string]interface{}{"status": "running", "step_index": 1})
	h.srv.Status(t, "step_failed", map[string]interface{}{
		"step_index": 1, "step_description": "C", "error": "element not found",
	})

	require.Eventually(t, func() bool { return h.store.StepFailure() != nil }, waitFor, 5*time.Millisecond)
	assert.Equal(t, models.StatusError, h.store.Status())
	assert.Equal(t, 1, h.store.CurrentStepIndex())
	assert.Equal(t, "element not found", h.store.StepFailure().Error)

	require.NoError(t, h.coord.Skip())
	msgs := h.srv.WaitReceived(t, 1)
	assert.Equal(t, "step_response", msgs[0]["type"])
	assert.Equal(t, "skip", msgs[0]["action"])
	assert.Equal(t, models.StatusRunning, h.store.Status())
	assert.Nil(t, h.store.StepFailure())
}

func TestPauseAndStopFallBackLocally(t *testing.T) {
	h := newHarness(t, "http://127.0.0.1:1", 0)
	h.store.SetExecutionStatus(models.StatusRunning)
	h.store.SetCurrentStepIndex(3)

	require.NoError(t, h.runner.Pause(context.Background()))
	assert.Equal(t, models.StatusPaused, h.store.Status())
	assert.Equal(t, 3, h.store.CurrentStepIndex())
	assert.True(t, h.hasLog("paused locally"))

	require.NoError(t, h.runner.Stop(context.Background()))
	assert.Equal(t, models.StatusStopped, h.store.Status())
	assert.Equal(t, -1, h.store.CurrentStepIndex())
	assert.True(t, h.hasLog("stopped locally"))

	assert.Error(t, h.runner.Resume(context.Background()))
	assert.Equal(t, models.StatusStopped, h.store.Status())
}

func TestPauseRejectedByEngine(t *testing.T) {
	h := newHarness(t, "", 0)
	h.store.SetExecutionStatus(models.StatusRunning)
	h.srv.ReplyJSON("/api/pause-flow", map[string]string{"status": "error", "error": "nothing to pause"})

	err := h.runner.Pause(context.Background())
	assert.ErrorIs(t, err, engine.ErrRejected)
	assert.Equal(t, models.StatusRunning, h.store.Status())
}

func TestResumeSetsRunning(t *testing.T) {
	h := newHarness(t, "", 0)
	h.store.SetExecutionStatus(models.StatusPaused)

	require.NoError(t, h.runner.Resume(context.Background()))
	assert.Equal(t, models.StatusRunning, h.store.Status())
	assert.Len(t, h.srv.Calls("/api/resume-flow"), 1)
}

func TestIdleTimeoutFailsSilentRun(t *testing.T) {
	h := newHarness(t, "", 100*time.Millisecond)
	h.withFlow(t)
	unblock := h.blockRun(t, map[string]string{"status": "completed"})

	require.NoError(t, h.runner.Run(context.Background()))
	h.srv.WaitConns(t, 1)

	require.Eventually(t, func() bool { return h.store.Status() == models.StatusError }, waitFor, 5*time.Millisecond)
	assert.True(t, h.hasLog("No activity from the engine"))
	h.srv.WaitConns(t, 0)

	unblock()
	assert.Never(t, func() bool { return h.store.Status() != models.StatusError }, 200*time.Millisecond, 10*time.Millisecond)
}

func TestIdleTimeoutSparesPendingFailure(t *testing.T) {
	h := newHarness(t, "", 100*time.Millisecond)
	h.withFlow(t)
	h.blockRun(t, map[string]string{"status": "ok"})

	require.NoError(t, h.runner.Run(context.Background()))
	h.srv.WaitConns(t, 1)
	h.srv.Status(t, "step_failed", map[string]interface{}{"step_index": 0, "error": "boom"})
	require.Eventually(t, func() bool { return h.store.StepFailure() != nil }, waitFor, 5*time.Millisecond)

	assert.Never(t, func() bool { return h.srv.OpenConns() == 0 }, 400*time.Millisecond, 20*time.Millisecond)
	assert.False(t, h.hasLog("No activity from the engine"))
}

func TestIdleTimerStopsAfterRecoveryStop(t *testing.T) {
	h := newHarness(t, "", 50*time.Millisecond)
	h.withFlow(t)
	h.blockRun(t, map[string]string{"status": "ok"})

	require.NoError(t, h.runner.Run(context.Background()))
	h.srv.WaitConns(t, 1)
	h.srv.Status(t, "step_failed", map[string]interface{}{"step_index": 0, "error": "boom"})
	require.Eventually(t, func() bool { return h.store.StepFailure() != nil }, waitFor, 5*time.Millisecond)

	require.NoError(t, h.coord.Stop())
	require.Eventually(t, func() bool { return !h.runner.IdleArmed() }, waitFor, 5*time.Millisecond)
	assert.Equal(t, models.StatusStopped, h.store.Status())
	assert.False(t, h.hasLog("No activity from the engine"))
}

func TestIdleTimerStopsWhilePausedAndRearmsOnResume(t *testing.T) {
	h := newHarness(t, "", 50*time.Millisecond)
	h.withFlow(t)
	h.blockRun(t, map[string]string{"status": "ok"})

	require.NoError(t, h.runner.Run(context.Background()))
	h.srv.WaitConns(t, 1)
	require.NoError(t, h.runner.Pause(context.Background()))
	h.store.SetExecutionStatus(models.StatusPaused)

	require.Eventually(t, func() bool { return !h.runner.IdleArmed() }, waitFor, 5*time.Millisecond)

	require.NoError(t, h.runner.Resume(context.Background()))
	assert.True(t, h.runner.IdleArmed())
}

func TestInitializeTracksChecklist(t *testing.T) {
	h := newHarness(t, "", 0)
	h.srv.Reply("/api/initialize", func([]byte) (int, interface{}) {
		for h.srv.OpenConns() == 0 {
			time.Sleep(time.Millisecond)
		}
		h.srv.Status(t, "init_step", map[string]interface{}{"step_id": "check_appium", "status": "success"})
		h.srv.Status(t, "init_step", map[string]interface{}{"step_id": "open_app", "status": "error", "message": "not installed"})
		return http.StatusOK, map[string]string{"status": "ok"}
	})

	require.NoError(t, h.runner.Initialize(context.Background()))
	assert.True(t, h.store.Initialized())

	find := func(id string) models.InitStep {
		for _, s := range h.store.InitSteps() {
			if s.ID == id {
				return s
			}
		}
		return models.InitStep{}
	}
	require.Eventually(t, func() bool { return find("open_app").Status == models.InitError }, waitFor, 5*time.Millisecond)
	assert.Equal(t, models.InitSuccess, find("check_appium").Status)
	assert.Equal(t, "not installed", find("open_app").Message)
	assert.Equal(t, models.InitPending, find("load_products").Status)

	calls := h.srv.Calls("/api/initialize")
	require.Len(t, calls, 1)
	var cfg engine.InitConfig
	require.NoError(t, json.Unmarshal(calls[0], &cfg))
	assert.Equal(t, 10, cfg.ProductsPerIteration)
}

func TestInitializeFailure(t *testing.T) {
	h := newHarness(t, "", 0)
	h.srv.ReplyJSON("/api/initialize", map[string]string{"status": "error", "error": "app missing"})

	err := h.runner.Initialize(context.Background())
	assert.ErrorIs(t, err, engine.ErrRejected)
	assert.False(t, h.store.Initialized())
	assert.True(t, h.hasLog("app missing"))
}

func TestNewSessionReplacesStream(t *testing.T) {
	h := newHarness(t, "", 0)
	h.withFlow(t)
	h.blockRun(t, map[string]string{"status": "ok"})

	require.NoError(t, h.runner.Initialize(context.Background()))
	h.srv.WaitConns(t, 1)
	require.NoError(t, h.runner.Run(context.Background()))

	require.Eventually(t, func() bool { return len(h.srv.Calls("/api/run-flow")) == 1 }, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool { return h.srv.Dialed() == 2 }, waitFor, 5*time.Millisecond)
	h.srv.WaitConns(t, 1)
	assert.Equal(t, []string{"/ws", "/api/initialize", "/ws", "/api/run-flow"}, h.srv.Order())
}

func TestConcurrentRunsStartOneSession(t *testing.T) {
	h := newHarness(t, "", 0)
	h.withFlow(t)
	h.blockRun(t, map[string]string{"status": "completed"})

	const callers = 8
	errs := make(chan error, callers)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		go func() {
			<-start
			errs <- h.runner.Run(context.Background())
		}()
	}
	close(start)

	accepted := 0
	for i := 0; i < callers; i++ {
		err := <-errs
		if err == nil {
			accepted++
			continue
		}
		assert.ErrorIs(t, err, runner.ErrAlreadyRunning)
	}

	assert.Equal(t, 1, accepted)
	assert.Equal(t, 1, h.srv.Dialed())
	require.Eventually(t, func() bool { return len(h.srv.Calls("/api/run-flow")) == 1 }, waitFor, 5*time.Millisecond)
	assert.Never(t, func() bool { return len(h.srv.Calls("/api/run-flow")) > 1 }, 100*time.Millisecond, 10*time.Millisecond)
}

func TestRunRejectedWhileInitializing(t *testing.T) {
	h := newHarness(t, "", 0)
	h.withFlow(t)

	release := make(chan struct{})
	h.srv.Reply("/api/initialize", func([]byte) (int, interface{}) {
		<-release
		return http.StatusOK, map[string]string{"status": "ok"}
	})

	done := make(chan error, 1)
	go func() { done <- h.runner.Initialize(context.Background()) }()
	require.Eventually(t, func() bool { return len(h.srv.Calls("/api/initialize")) == 1 }, waitFor, 5*time.Millisecond)

	assert.ErrorIs(t, h.runner.Run(context.Background()), runner.ErrInitializing)
	assert.ErrorIs(t, h.runner.Initialize(context.Background()), runner.ErrInitializing)
	assert.Empty(t, h.srv.Calls("/api/run-flow"))

	close(release)
	require.NoError(t, <-done)
	require.NoError(t, h.runner.Run(context.Background()))
}
