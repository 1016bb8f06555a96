package runner

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/tcmartin/flowconsole/pkg/models"
)

func (r *Runner) armIdle(gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.idleTimeout <= 0 || gen != r.gen {
		return
	}
	r.stopIdleLocked()
	r.idle = time.AfterFunc(r.idleTimeout, func() { r.onIdle(gen) })
}

// touch restarts the idle countdown after stream activity
func (r *Runner) touch(gen uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if gen == r.gen && r.idle != nil {
		r.idle.Reset(r.idleTimeout)
	}
}

func (r *Runner) stopIdleLocked() {
	if r.idle != nil {
		r.idle.Stop()
		r.idle = nil
	}
}

// onIdle fails a silent running session. A run waiting on an operator
// decision keeps the countdown going. Once the run has ended or is paused
// the countdown stops; Resume arms it again.
func (r *Runner) onIdle(gen uint64) {
	r.mu.Lock()
	if gen != r.gen || r.idle == nil {
		r.mu.Unlock()
		return
	}
	status := r.store.Status()
	if r.store.StepFailure() != nil {
		r.idle.Reset(r.idleTimeout)
		r.mu.Unlock()
		return
	}
	if status != models.StatusRunning {
		r.idle = nil
		r.mu.Unlock()
		return
	}

	r.logger.Warn("engine stream idle, failing run", slog.Duration("idle_timeout", r.idleTimeout))
	r.store.AddLog(models.LogError, fmt.Sprintf("No activity from the engine for %s; the run was marked as failed.", r.idleTimeout))
	r.store.SetExecutionStatus(models.StatusError)
	r.terminal = true
	r.idle = nil
	st := r.stream
	r.stream = nil
	r.mu.Unlock()

	r.streams.Release(st)
}
