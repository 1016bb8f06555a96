// Package store holds the console's process-wide state: flows, the active
// flow, the element library, the operator log buffer and execution flags.
// Durable parts are written through to a storage.FlowStore.
package store

import (
	"log/slog"
	"sync"
	"time"

	"github.com/tcmartin/flowconsole/pkg/models"
	"github.com/tcmartin/flowconsole/pkg/storage"
)

// ChangeKind names the part of the state a Change touched
type ChangeKind string

// Change kinds
const (
	ChangeFlows     ChangeKind = "flows"
	ChangeActive    ChangeKind = "active_flow"
	ChangeElements  ChangeKind = "elements"
	ChangeLog       ChangeKind = "log"
	ChangeLogsClear ChangeKind = "logs_cleared"
	ChangeExecution ChangeKind = "execution"
	ChangeRecording ChangeKind = "recording"
	ChangeInit      ChangeKind = "init"
)

// Change is published to subscribers after every mutation
type Change struct {
	Kind   ChangeKind       `json:"kind"`
	FlowID string           `json:"flowId,omitempty"`
	Log    *models.LogEntry `json:"log,omitempty"`
}

// Snapshot is a consistent copy of the whole state
type Snapshot struct {
	Flows              []models.Flow            `json:"flows"`
	ActiveFlowID       string                   `json:"activeFlowId"`
	Elements           []models.ElementSelector `json:"elements"`
	Logs               []models.LogEntry        `json:"logs"`
	Status             models.ExecutionStatus   `json:"executionStatus"`
	CurrentStepIndex   int                      `json:"currentStepIndex"`
	StartFromStepIndex int                      `json:"startFromStepIndex"`
	StepFailure        *models.StepFailureInfo  `json:"stepFailure"`
	Recording          bool                     `json:"isRecording"`
	InitSteps          []models.InitStep        `json:"initSteps"`
	Initialized        bool                     `json:"isInitialized"`
}

// Store is the state service every component mutates through.
// All methods are safe for concurrent use; mutators on unknown ids are no-ops.
type Store struct {
	mu sync.RWMutex

	flows        []models.Flow
	activeFlowID string
	elements     []models.ElementSelector

	logs               []models.LogEntry
	status             models.ExecutionStatus
	currentStepIndex   int
	startFromStepIndex int
	stepFailure        *models.StepFailureInfo
	recording          bool
	initSteps          []models.InitStep
	initialized        bool
	starting           SessionKind

	persist storage.FlowStore
	logger  *slog.Logger
	now     func() time.Time

	subMu   sync.Mutex
	subs    map[int]chan Change
	nextSub int
}

// New creates an empty store. persist may be nil for a session-only store.
func New(persist storage.FlowStore, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		status:           models.StatusIdle,
		currentStepIndex: -1,
		initSteps:        models.DefaultInitSteps(),
		persist:          persist,
		logger:           logger,
		now:              time.Now,
		subs:             make(map[int]chan Change),
	}
}

// Load replaces the durable state with what the persistence backend holds
func (s *Store) Load() error {
	if s.persist == nil {
		return nil
	}

	flows, err := s.persist.ListFlows()
	if err != nil {
		return err
	}
	elements, err := s.persist.ListElements()
	if err != nil {
		return err
	}
	active, err := s.persist.GetActiveFlowID()
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.flows = flows
	s.elements = elements
	s.activeFlowID = ""
	for _, f := range flows {
		if f.ID == active {
			s.activeFlowID = active
		}
	}
	s.mu.Unlock()

	s.logger.Info("state loaded",
		slog.Int("flows", len(flows)),
		slog.Int("elements", len(elements)),
		slog.String("active_flow_id", active))
	s.publish(Change{Kind: ChangeFlows})
	return nil
}

// Subscribe returns a channel receiving every subsequent change and a
// function that ends the subscription. Slow subscribers miss changes
// rather than blocking mutators.
func (s *Store) Subscribe(buffer int) (<-chan Change, func()) {
	ch := make(chan Change, buffer)

	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
			close(ch)
		})
	}
}

func (s *Store) publish(c Change) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	for _, ch := range s.subs {
		select {
		case ch <- c:
		default:
		}
	}
}

// Snapshot returns a deep copy of the current state
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Flows:              make([]models.Flow, len(s.flows)),
		ActiveFlowID:       s.activeFlowID,
		Elements:           append([]models.ElementSelector{}, s.elements...),
		Logs:               append([]models.LogEntry{}, s.logs...),
		Status:             s.status,
		CurrentStepIndex:   s.currentStepIndex,
		StartFromStepIndex: s.startFromStepIndex,
		Recording:          s.recording,
		InitSteps:          append([]models.InitStep{}, s.initSteps...),
		Initialized:        s.initialized,
	}
	for i, f := range s.flows {
		snap.Flows[i] = f.Clone()
	}
	if s.stepFailure != nil {
		failure := *s.stepFailure
		snap.StepFailure = &failure
	}
	return snap
}
