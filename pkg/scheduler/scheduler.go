// Package scheduler triggers runs of named flows on cron schedules.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/tcmartin/flowconsole/pkg/config"
	"github.com/tcmartin/flowconsole/pkg/models"
	"github.com/tcmartin/flowconsole/pkg/store"
)

// Errors returned by the scheduler
var (
	ErrDuplicateSchedule = errors.New("schedule already exists")
	ErrUnknownSchedule   = errors.New("schedule not found")
)

// Runner starts a run of the active flow
type Runner interface {
	Run(ctx context.Context) error
}

// Entry describes one registered schedule
type Entry struct {
	Name    string    `json:"name"`
	Cron    string    `json:"cron"`
	Flow    string    `json:"flow"`
	Next    time.Time `json:"next,omitempty"`
	LastRun time.Time `json:"lastRun,omitempty"`
}

type job struct {
	cfg     config.ScheduleConfig
	id      cron.EntryID
	lastRun time.Time
}

// Scheduler owns the cron loop
type Scheduler struct {
	cron   *cron.Cron
	store  *store.Store
	runner Runner
	logger *slog.Logger

	mu   sync.Mutex
	jobs map[string]*job
}

// New creates a scheduler. Call Start to begin firing.
func New(st *store.Store, runner Runner, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "scheduler"))
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelWarn))

	return &Scheduler{
		cron:   cron.New(cron.WithLogger(cronLogger), cron.WithChain(cron.Recover(cronLogger))),
		store:  st,
		runner: runner,
		logger: logger,
		jobs:   make(map[string]*job),
	}
}

// parseSchedule accepts six-field expressions with seconds as well as the
// standard five-field form and descriptors such as @hourly
func parseSchedule(expr string) (cron.Schedule, error) {
	sched, err := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow).Parse(expr)
	if err == nil {
		return sched, nil
	}
	sched, err = cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched, nil
}

// Add registers a schedule
func (s *Scheduler) Add(cfg config.ScheduleConfig) error {
	if cfg.Name == "" {
		cfg.Name = cfg.Flow
	}
	if cfg.Flow == "" {
		return fmt.Errorf("schedule %q has no flow", cfg.Name)
	}
	sched, err := parseSchedule(cfg.Cron)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[cfg.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSchedule, cfg.Name)
	}
	name := cfg.Name
	j := &job{cfg: cfg}
	j.id = s.cron.Schedule(sched, cron.FuncJob(func() { s.fire(name) }))
	s.jobs[name] = j

	s.logger.Info("schedule registered",
		slog.String("name", name), slog.String("cron", cfg.Cron), slog.String("flow", cfg.Flow))
	return nil
}

// Remove unregisters a schedule
func (s *Scheduler) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSchedule, name)
	}
	s.cron.Remove(j.id)
	delete(s.jobs, name)
	return nil
}

// Entries lists the registered schedules by name
func (s *Scheduler) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	res := make([]Entry, 0, len(s.jobs))
	for name, j := range s.jobs {
		res = append(res, Entry{
			Name:    name,
			Cron:    j.cfg.Cron,
			Flow:    j.cfg.Flow,
			Next:    s.cron.Entry(j.id).Next,
			LastRun: j.lastRun,
		})
	}
	sort.Slice(res, func(i, k int) bool { return res[i].Name < res[k].Name })
	return res
}

// Start begins firing schedules in the background
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the cron loop and waits for a firing job to return
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Trigger fires a schedule immediately
func (s *Scheduler) Trigger(name string) error {
	s.mu.Lock()
	_, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSchedule, name)
	}
	s.fire(name)
	return nil
}

// fire selects the schedule's flow and starts it unless the console is busy
func (s *Scheduler) fire(name string) {
	s.mu.Lock()
	j, ok := s.jobs[name]
	if !ok {
		s.mu.Unlock()
		return
	}
	j.lastRun = time.Now()
	flowRef := j.cfg.Flow
	s.mu.Unlock()

	if reason := s.busy(); reason != "" {
		s.logger.Warn("skipping scheduled run", slog.String("name", name), slog.String("reason", reason))
		s.store.AddLog(models.LogWarning, fmt.Sprintf("Scheduled run %q skipped: %s.", name, reason))
		return
	}

	flow, ok := s.store.FlowByName(flowRef)
	if !ok {
		flow, ok = s.store.Flow(flowRef)
	}
	if !ok {
		s.logger.Error("scheduled flow not found", slog.String("name", name), slog.String("flow", flowRef))
		s.store.AddLog(models.LogError, fmt.Sprintf("Scheduled run %q: flow %q not found.", name, flowRef))
		return
	}

	s.store.SetActiveFlow(flow.ID)
	if err := s.runner.Run(context.Background()); err != nil {
		s.logger.Error("scheduled run failed to start", slog.String("name", name), slog.Any("error", err))
		s.store.AddLog(models.LogError, fmt.Sprintf("Scheduled run %q could not start: %v", name, err))
		return
	}
	s.logger.Info("scheduled run started", slog.String("name", name), slog.String("flow_id", flow.ID))
	s.store.AddLog(models.LogInfo, fmt.Sprintf("Scheduled run %q started flow %q.", name, flow.Name))
}

func (s *Scheduler) busy() string {
	switch {
	case s.store.IsRecording():
		return "recording in progress"
	case s.store.StepFailure() != nil:
		return "a step failure is awaiting a decision"
	}
	switch s.store.Status() {
	case models.StatusRunning, models.StatusPaused:
		return "a flow is in progress"
	}
	return ""
}
