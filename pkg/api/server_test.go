package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/r3labs/sse/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tcmartin/flowconsole/pkg/auth"
	"github.com/tcmartin/flowconsole/pkg/config"
	"github.com/tcmartin/flowconsole/pkg/engine"
	"github.com/tcmartin/flowconsole/pkg/engine/enginetest"
	"github.com/tcmartin/flowconsole/pkg/logging"
	"github.com/tcmartin/flowconsole/pkg/models"
	"github.com/tcmartin/flowconsole/pkg/recorder"
	"github.com/tcmartin/flowconsole/pkg/recovery"
	"github.com/tcmartin/flowconsole/pkg/runner"
	"github.com/tcmartin/flowconsole/pkg/scheduler"
	"github.com/tcmartin/flowconsole/pkg/store"
)

const waitFor = 2 * time.Second

type harness struct {
	engine *enginetest.Server
	store  *store.Store
	http   *httptest.Server
	token  string
}

func newHarness(t *testing.T, withAuth bool) *harness {
	t.Helper()
	eng := enginetest.New(t)
	cfg := config.DefaultConfig()
	st := store.New(nil, logging.Discard())

	client := engine.NewClient(eng.URL, time.Second, logging.Discard())
	dialer, err := engine.NewWebSocketDialer(eng.URL, "/ws")
	require.NoError(t, err)
	slot := engine.NewStreamSlot(dialer, logging.Discard())
	t.Cleanup(slot.Close)

	coord := recovery.New(st, slot, logging.Discard())
	run := runner.New(st, client, slot, coord, runner.Options{Automation: cfg.Automation}, logging.Discard())
	t.Cleanup(run.Close)

	var authn auth.Authenticator
	if withAuth {
		hash, err := auth.HashPassword("pw")
		require.NoError(t, err)
		cfg.Auth = config.AuthConfig{JWTSecret: "test-secret", TokenExpiration: 1, Username: "operator", PasswordHash: hash}
		authn = auth.NewOperatorAuth(cfg.Auth)
	}

	sched := scheduler.New(st, run, logging.Discard())
	require.NoError(t, sched.Add(config.ScheduleConfig{Name: "nightly", Cron: "@daily", Flow: "Checkout"}))

	s := NewServer(cfg, Dependencies{
		Store:     st,
		Engine:    client,
		Runner:    run,
		Recovery:  coord,
		Recorder:  recorder.New(st, client, slot, logging.Discard()),
		Scheduler: sched,
		Auth:      authn,
	}, logging.Discard())

	hs := httptest.NewServer(s.Handler())
	t.Cleanup(hs.Close)
	t.Cleanup(func() { s.Stop(context.Background()) })

	return &harness{engine: eng, store: st, http: hs}
}

func (h *harness) do(t *testing.T, method, path string, body interface{}) (int, []byte) {
	t.Helper()
	var rd io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		rd = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, h.http.URL+path, rd)
	require.NoError(t, err)
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, out
}

func (h *harness) login(t *testing.T) {
	t.Helper()
	code, body := h.do(t, http.MethodPost, "/api/v1/login", LoginRequest{Username: "operator", Password: "pw"})
	require.Equal(t, http.StatusOK, code, string(body))
	var resp LoginResponse
	require.NoError(t, json.Unmarshal(body, &resp))
	h.token = resp.Token
}

// checkoutFlow creates and activates [A, B(disabled), C]
func (h *harness) checkoutFlow(t *testing.T) models.Flow {
	t.Helper()
	f := h.store.CreateFlow("Checkout", "")
	h.store.AddStep(f.ID, models.Step{ActionType: models.ActionClick, Description: "A", Enabled: true})
	h.store.AddStep(f.ID, models.Step{ActionType: models.ActionClick, Description: "B"})
	h.store.AddStep(f.ID, models.Step{ActionType: models.ActionClick, Description: "C", Enabled: true})
	require.True(t, h.store.SetActiveFlow(f.ID))
	f, _ = h.store.Flow(f.ID)
	return f
}

func TestHealthIsPublic(t *testing.T) {
	h := newHarness(t, true)
	h.engine.ReplyJSON("/api/health", map[string]interface{}{"status": "healthy", "appium_connected": true})

	code, body := h.do(t, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"appium_connected":true`)
}

func TestAuthentication(t *testing.T) {
	h := newHarness(t, true)

	code, _ := h.do(t, http.MethodGet, "/api/v1/state", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	code, _ = h.do(t, http.MethodPost, "/api/v1/login", LoginRequest{Username: "operator", Password: "nope"})
	assert.Equal(t, http.StatusUnauthorized, code)

	h.login(t)
	code, body := h.do(t, http.MethodGet, "/api/v1/state", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"executionStatus":"idle"`)

	code, body = h.do(t, http.MethodPost, "/api/v1/refresh-token", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"username":"operator"`)
}

func TestFailedLoginsAreRateLimited(t *testing.T) {
	h := newHarness(t, true)

	for i := 0; i < 100; i++ {
		code, _ := h.do(t, http.MethodPost, "/api/v1/login", LoginRequest{Username: "intruder", Password: "guess"})
		require.Equal(t, http.StatusUnauthorized, code)
	}

	code, _ := h.do(t, http.MethodPost, "/api/v1/login", LoginRequest{Username: "operator", Password: "pw"})
	assert.Equal(t, http.StatusTooManyRequests, code)

	h.token = "anything"
	code, _ = h.do(t, http.MethodGet, "/api/v1/state", nil)
	assert.Equal(t, http.StatusTooManyRequests, code)
}

func TestLoginWithoutAuth(t *testing.T) {
	h := newHarness(t, false)

	code, _ := h.do(t, http.MethodPost, "/api/v1/login", LoginRequest{Username: "operator", Password: "pw"})
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = h.do(t, http.MethodGet, "/api/v1/state", nil)
	assert.Equal(t, http.StatusOK, code)
}

func TestFlowAndStepEditing(t *testing.T) {
	h := newHarness(t, false)

	code, body := h.do(t, http.MethodPost, "/api/v1/flows", map[string]string{"name": "Checkout"})
	require.Equal(t, http.StatusCreated, code)
	var flow models.Flow
	require.NoError(t, json.Unmarshal(body, &flow))
	require.NotEmpty(t, flow.ID)

	code, _ = h.do(t, http.MethodPost, "/api/v1/flows", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, code)

	base := "/api/v1/flows/" + flow.ID
	for _, desc := range []string{"one", "two", "three"} {
		code, body = h.do(t, http.MethodPost, base+"/steps", map[string]interface{}{"actionType": "click", "description": desc})
		require.Equal(t, http.StatusCreated, code, string(body))
	}
	code, _ = h.do(t, http.MethodPost, base+"/steps", map[string]interface{}{"actionType": "wait", "description": "pause"})
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = h.do(t, http.MethodPost, "/api/v1/flows/missing/steps", map[string]interface{}{"actionType": "click", "description": "x"})
	assert.Equal(t, http.StatusNotFound, code)

	code, body = h.do(t, http.MethodPost, base+"/steps", map[string]interface{}{
		"actionType": "search_product", "description": "products", "value": "SKU1", "enabled": false,
	})
	require.Equal(t, http.StatusCreated, code)
	var added models.Step
	require.NoError(t, json.Unmarshal(body, &added))
	assert.Equal(t, models.ProductsPlaceholder, added.Value)
	assert.False(t, added.Enabled)

	code, body = h.do(t, http.MethodPost, base+"/steps/reorder", map[string]int{"from": 0, "to": 2})
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(body, &flow))
	descs := make([]string, 0, len(flow.Steps))
	for i, st := range flow.Steps {
		assert.Equal(t, i, st.Order)
		descs = append(descs, st.Description)
	}
	assert.Equal(t, []string{"two", "three", "one", "products"}, descs)

	stepID := flow.Steps[0].ID
	code, body = h.do(t, http.MethodPut, base+"/steps/"+stepID, map[string]interface{}{"actionType": "type", "description": "typed", "value": "hi"})
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(body, &flow))
	assert.Equal(t, stepID, flow.Steps[0].ID)
	assert.Equal(t, models.ActionTypeText, flow.Steps[0].ActionType)
	assert.True(t, flow.Steps[0].Enabled)

	code, _ = h.do(t, http.MethodDelete, base+"/steps/"+stepID, nil)
	assert.Equal(t, http.StatusNoContent, code)

	code, _ = h.do(t, http.MethodPut, "/api/v1/active-flow", map[string]string{"id": flow.ID})
	assert.Equal(t, http.StatusOK, code)
	code, _ = h.do(t, http.MethodDelete, base, nil)
	assert.Equal(t, http.StatusNoContent, code)
	assert.Empty(t, h.store.ActiveFlowID())
	code, _ = h.do(t, http.MethodGet, base, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestImportExport(t *testing.T) {
	h := newHarness(t, false)
	doc := "metadata:\n  name: Imported\nsteps:\n  - action: click\n    description: Pay\n"

	code, body := h.do(t, http.MethodPost, "/api/v1/flows/import", doc)
	require.Equal(t, http.StatusCreated, code, string(body))
	var flow models.Flow
	require.NoError(t, json.Unmarshal(body, &flow))
	assert.Equal(t, "Imported", flow.Name)
	require.Len(t, flow.Steps, 1)
	assert.NotEmpty(t, flow.Steps[0].ID)

	code, body = h.do(t, http.MethodGet, "/api/v1/flows/"+flow.ID+"/export", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), "name: Imported")

	code, _ = h.do(t, http.MethodPost, "/api/v1/flows/import", "metadata: {}\n")
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestElementsAndLogs(t *testing.T) {
	h := newHarness(t, false)

	code, body := h.do(t, http.MethodPost, "/api/v1/elements", map[string]string{"selectorType": "name", "selectorValue": "Pay"})
	require.Equal(t, http.StatusCreated, code)
	var el models.ElementSelector
	require.NoError(t, json.Unmarshal(body, &el))
	assert.Equal(t, "Pay", el.Label)

	code, _ = h.do(t, http.MethodPost, "/api/v1/elements", map[string]string{"selectorType": "tag", "selectorValue": "a"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = h.do(t, http.MethodDelete, "/api/v1/elements/"+el.ID, nil)
	assert.Equal(t, http.StatusNoContent, code)
	code, _ = h.do(t, http.MethodDelete, "/api/v1/elements/"+el.ID, nil)
	assert.Equal(t, http.StatusNotFound, code)

	h.store.AddLog(models.LogInfo, "hello")
	code, body = h.do(t, http.MethodGet, "/api/v1/logs", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), "hello")
	code, _ = h.do(t, http.MethodDelete, "/api/v1/logs", nil)
	assert.Equal(t, http.StatusNoContent, code)
	assert.Empty(t, h.store.Logs())
}

func TestRunControl(t *testing.T) {
	h := newHarness(t, false)

	code, _ := h.do(t, http.MethodPost, "/api/v1/run", nil)
	assert.Equal(t, http.StatusBadRequest, code)

	h.checkoutFlow(t)
	code, body := h.do(t, http.MethodPost, "/api/v1/run", nil)
	require.Equal(t, http.StatusAccepted, code, string(body))
	assert.Contains(t, string(body), "running")
	require.Eventually(t, func() bool { return len(h.engine.Calls("/api/run-flow")) == 1 }, waitFor, 5*time.Millisecond)

	code, _ = h.do(t, http.MethodPost, "/api/v1/run", nil)
	assert.Equal(t, http.StatusConflict, code)

	code, _ = h.do(t, http.MethodPost, "/api/v1/pause", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Len(t, h.engine.Calls("/api/pause-flow"), 1)

	h.engine.ReplyJSON("/api/stop-flow", map[string]string{"status": "error", "error": "not running"})
	code, _ = h.do(t, http.MethodPost, "/api/v1/stop", nil)
	assert.Equal(t, http.StatusBadGateway, code)

	code, body = h.do(t, http.MethodPut, "/api/v1/start-step", map[string]int{"index": -3})
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"startFromStepIndex":0`)
}

func TestRecoveryActions(t *testing.T) {
	h := newHarness(t, false)
	h.checkoutFlow(t)

	code, _ := h.do(t, http.MethodPost, "/api/v1/recovery/skip", nil)
	assert.Equal(t, http.StatusConflict, code)
	code, _ = h.do(t, http.MethodPost, "/api/v1/recovery/shrug", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = h.do(t, http.MethodPost, "/api/v1/run", nil)
	require.Equal(t, http.StatusAccepted, code)
	h.engine.WaitConns(t, 1)
	h.engine.Status(t, "step_failed", map[string]interface{}{"step_index": 1, "error": "not found"})
	require.Eventually(t, func() bool { return h.store.StepFailure() != nil }, waitFor, 5*time.Millisecond)

	code, _ = h.do(t, http.MethodPost, "/api/v1/recovery/edit", nil)
	require.Equal(t, http.StatusOK, code)
	code, _ = h.do(t, http.MethodPost, "/api/v1/recovery/confirm", map[string]string{"selectorType": "bogus", "selectorValue": "x"})
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = h.do(t, http.MethodPost, "/api/v1/recovery/confirm", map[string]string{"selectorType": "xpath", "selectorValue": "//Pay"})
	require.Equal(t, http.StatusOK, code)

	code, body := h.do(t, http.MethodPost, "/api/v1/recovery/retry", nil)
	require.Equal(t, http.StatusOK, code, string(body))
	assert.Contains(t, string(body), `"state":"none"`)

	msgs := h.engine.WaitReceived(t, 1)
	assert.Equal(t, "retry", msgs[0]["action"])
	assert.Equal(t, "//Pay", msgs[0]["selector_value"])

	flow, _ := h.store.ActiveFlow()
	require.NotNil(t, flow.Steps[2].ElementSelector)
	assert.Equal(t, "//Pay", flow.Steps[2].ElementSelector.SelectorValue)
}

func TestRecording(t *testing.T) {
	h := newHarness(t, false)
	flow := h.checkoutFlow(t)

	code, _ := h.do(t, http.MethodPost, "/api/v1/record/start", nil)
	require.Equal(t, http.StatusOK, code)
	code, _ = h.do(t, http.MethodPost, "/api/v1/record/start", nil)
	assert.Equal(t, http.StatusConflict, code)

	h.engine.ReplyJSON("/api/record/stop", map[string]interface{}{
		"status": "ok",
		"steps":  []map[string]string{{"action_type": "click", "selector_type": "name", "selector_value": "Pay"}},
	})
	code, body := h.do(t, http.MethodPost, "/api/v1/record/stop", nil)
	require.Equal(t, http.StatusOK, code, string(body))
	assert.Contains(t, string(body), `"appended":1`)

	f, _ := h.store.Flow(flow.ID)
	assert.Len(t, f.Steps, 4)

	code, _ = h.do(t, http.MethodPost, "/api/v1/record/stop", nil)
	assert.Equal(t, http.StatusConflict, code)
}

func TestEngineUtilities(t *testing.T) {
	h := newHarness(t, false)
	h.engine.ReplyJSON("/api/load-products-file", map[string]interface{}{
		"status": "ok", "products": []map[string]interface{}{{"code": "SKU1", "quantity": 2}}, "count": 1,
	})

	code, _ := h.do(t, http.MethodPost, "/api/v1/products/load", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = h.do(t, http.MethodPost, "/api/v1/products/load", map[string]string{"file_path": "/data/products.txt"})
	require.Equal(t, http.StatusOK, code)
	code, body := h.do(t, http.MethodGet, "/api/v1/automation", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"products_file":"/data/products.txt"`)
	assert.Contains(t, string(body), "SKU1")

	code, _ = h.do(t, http.MethodPut, "/api/v1/automation", map[string]int{"iterations": 0})
	assert.Equal(t, http.StatusBadRequest, code)

	h.engine.ReplyJSON("/api/debug/capture-elements", map[string]interface{}{"status": "ok", "elements": []interface{}{}})
	code, _ = h.do(t, http.MethodPost, "/api/v1/debug/capture", nil)
	assert.Equal(t, http.StatusOK, code)

	code, _ = h.do(t, http.MethodPost, "/api/v1/engine/reconnect", map[string]string{})
	require.Equal(t, http.StatusOK, code)
	calls := h.engine.Calls("/api/reconnect")
	require.Len(t, calls, 1)
	assert.Contains(t, string(calls[0]), "http://127.0.0.1:4723")

	h.store.SetInitialized(true)
	code, _ = h.do(t, http.MethodPost, "/api/v1/engine/disconnect", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.False(t, h.store.Initialized())
}

func TestSchedules(t *testing.T) {
	h := newHarness(t, false)
	h.checkoutFlow(t)

	code, body := h.do(t, http.MethodGet, "/api/v1/schedules", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `"name":"nightly"`)

	code, _ = h.do(t, http.MethodPost, "/api/v1/schedules/unknown/trigger", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = h.do(t, http.MethodPost, "/api/v1/schedules/nightly/trigger", nil)
	assert.Equal(t, http.StatusAccepted, code)
	require.Eventually(t, func() bool { return len(h.engine.Calls("/api/run-flow")) == 1 }, waitFor, 5*time.Millisecond)
}

func TestChangeFeed(t *testing.T) {
	h := newHarness(t, true)
	h.login(t)

	wsURL := "ws" + strings.TrimPrefix(h.http.URL, "http") + "/api/v1/ws?token=" + h.token
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(waitFor))

	var msg FeedMessage
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "snapshot", msg.Type)
	require.NotNil(t, msg.State)
	assert.Equal(t, models.StatusIdle, msg.State.Status)

	h.store.CreateFlow("Live", "")
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "change", msg.Type)
	require.NotNil(t, msg.Change)
	assert.Equal(t, store.ChangeFlows, msg.Change.Kind)

	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "ping"}))
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "pong", msg.Type)

	_, _, err = websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(h.http.URL, "http")+"/api/v1/ws", nil)
	assert.Error(t, err)
}

func TestLogEvents(t *testing.T) {
	h := newHarness(t, true)
	h.login(t)

	client := sse.NewClient(h.http.URL + "/api/v1/events")
	client.Headers["Authorization"] = "Bearer " + h.token

	received := make(chan models.LogEntry, 16)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.SubscribeWithContext(ctx, LogStream, func(ev *sse.Event) {
		if string(ev.Event) != eventLog {
			return
		}
		var entry models.LogEntry
		if json.Unmarshal(ev.Data, &entry) == nil {
			received <- entry
		}
	})

	var got models.LogEntry
	require.Eventually(t, func() bool {
		h.store.AddLog(models.LogSuccess, "streamed line")
		select {
		case got = <-received:
			return true
		default:
			return false
		}
	}, 3*time.Second, 50*time.Millisecond)
	assert.Equal(t, "streamed line", got.Message)
	assert.Equal(t, models.LogSuccess, got.Level)
}
