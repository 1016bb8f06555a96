package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/tcmartin/flowconsole/pkg/config"
	"github.com/tcmartin/flowconsole/pkg/models"
	"github.com/tcmartin/flowconsole/pkg/store"
)

const changeBuffer = 64

// Dispatcher watches the store and posts run outcomes and step failures
// to the configured webhooks
type Dispatcher struct {
	hooks  []config.WebhookConfig
	store  *store.Store
	client *http.Client
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	unsub  func()
	wg     sync.WaitGroup

	lastStatus  models.ExecutionStatus
	lastFailure *models.StepFailureInfo
}

// NewDispatcher subscribes to the store and starts delivering events
func NewDispatcher(hooks []config.WebhookConfig, st *store.Store, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())

	d := &Dispatcher{
		hooks:      hooks,
		store:      st,
		client:     &http.Client{Timeout: 10 * time.Second},
		logger:     logger.With(slog.String("component", "webhooks")),
		ctx:        ctx,
		cancel:     cancel,
		lastStatus: st.Status(),
	}

	changes, unsub := st.Subscribe(changeBuffer)
	d.unsub = unsub
	d.wg.Add(1)
	go d.watch(changes)
	return d
}

// Close stops watching and abandons pending retries
func (d *Dispatcher) Close() {
	d.unsub()
	d.cancel()
	d.wg.Wait()
}

func (d *Dispatcher) watch(changes <-chan store.Change) {
	defer d.wg.Done()

	for change := range changes {
		if change.Kind != store.ChangeExecution {
			continue
		}
		for _, ev := range d.detect() {
			d.Send(ev)
		}
	}
}

// detect turns the current execution state into events not yet reported
func (d *Dispatcher) detect() []WebhookEvent {
	var events []WebhookEvent

	status, failure := d.store.RunState()
	if failure != nil && status == models.StatusError {
		// A failure awaiting an operator decision suspends the run
		status = models.StatusRunning
	}
	if status != d.lastStatus {
		d.lastStatus = status
		if typ, ok := statusEvents[status]; ok {
			events = append(events, d.event(typ, map[string]interface{}{
				"status":             string(status),
				"current_step_index": d.store.CurrentStepIndex(),
			}))
		}
	}

	if failure != nil && (d.lastFailure == nil || *failure != *d.lastFailure) {
		events = append(events, d.event(EventStepFailed, map[string]interface{}{
			"step_index":       failure.StepIndex,
			"step_description": failure.StepDescription,
			"error":            failure.Error,
			"selector_type":    failure.SelectorType,
			"selector_value":   failure.SelectorValue,
		}))
	}
	d.lastFailure = failure

	return events
}

var statusEvents = map[models.ExecutionStatus]string{
	models.StatusCompleted: EventRunCompleted,
	models.StatusStopped:   EventRunStopped,
	models.StatusError:     EventRunFailed,
}

func (d *Dispatcher) event(typ string, data map[string]interface{}) WebhookEvent {
	ev := WebhookEvent{Type: typ, Timestamp: time.Now().UTC(), Data: data}
	if flow, ok := d.store.ActiveFlow(); ok {
		ev.FlowID = flow.ID
		ev.FlowName = flow.Name
	}
	return ev
}

// Send delivers ev to every webhook subscribed to its type. Delivery runs
// in the background.
func (d *Dispatcher) Send(ev WebhookEvent) {
	body, err := json.Marshal(ev)
	if err != nil {
		d.logger.Error("failed to encode webhook event", slog.Any("error", err))
		return
	}

	for _, hook := range d.hooks {
		if !wants(hook, ev.Type) {
			continue
		}
		d.wg.Add(1)
		go func(hook config.WebhookConfig) {
			defer d.wg.Done()
			if err := d.deliver(hook, body); err != nil {
				d.logger.Warn("webhook delivery failed",
					slog.String("url", hook.URL),
					slog.String("event", ev.Type),
					slog.Any("error", err))
			}
		}(hook)
	}
}

func wants(hook config.WebhookConfig, typ string) bool {
	if len(hook.Events) == 0 {
		return true
	}
	for _, e := range hook.Events {
		if e == typ {
			return true
		}
	}
	return false
}

// deliver posts body, retrying failures with exponential backoff
func (d *Dispatcher) deliver(hook config.WebhookConfig, body []byte) error {
	retries := hook.Retry.MaxRetries
	if retries < 0 {
		retries = 0
	}
	b := backoff.WithContext(backoff.WithMaxRetries(newBackOff(hook.Retry), uint64(retries)), d.ctx)

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		return d.post(hook, body)
	}, b)
	if err != nil {
		return fmt.Errorf("failed after %d attempts: %w", attempts, err)
	}
	return nil
}

func (d *Dispatcher) post(hook config.WebhookConfig, body []byte) error {
	req, err := http.NewRequestWithContext(d.ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range hook.Headers {
		req.Header.Set(k, v)
	}
	if hook.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(hook.Secret, body))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Sign returns the signature header value for body
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// newBackOff builds the retry schedule of a webhook. Unset fields default
// to a 1s first delay doubling on each retry.
func newBackOff(cfg config.RetryConfig) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	if cfg.InitialDelay > 0 {
		b.InitialInterval = time.Duration(cfg.InitialDelay)
	}
	b.Multiplier = 2
	if cfg.BackoffFactor >= 1 {
		b.Multiplier = cfg.BackoffFactor
	}
	if cfg.MaxDelay > 0 {
		b.MaxInterval = time.Duration(cfg.MaxDelay)
	}
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Backoff returns the delay before retry number attempt (0-based)
func Backoff(cfg config.RetryConfig, attempt int) time.Duration {
	b := newBackOff(cfg)
	delay := b.NextBackOff()
	for i := 0; i < attempt; i++ {
		delay = b.NextBackOff()
	}
	return delay
}
