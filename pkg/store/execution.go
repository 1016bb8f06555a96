package store

import (
	"github.com/tcmartin/flowconsole/pkg/models"
)

// Status returns the execution status
func (s *Store) Status() models.ExecutionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// SetExecutionStatus sets the execution status
func (s *Store) SetExecutionStatus(status models.ExecutionStatus) {
	s.mu.Lock()
	changed := s.status != status
	s.status = status
	s.mu.Unlock()

	if changed {
		s.publish(Change{Kind: ChangeExecution})
	}
}

// RunState returns the status and a copy of the pending failure read together
func (s *Store) RunState() (models.ExecutionStatus, *models.StepFailureInfo) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.stepFailure == nil {
		return s.status, nil
	}
	f := *s.stepFailure
	return s.status, &f
}

// CurrentStepIndex returns the enabled-sequence index of the running step, -1 when none
func (s *Store) CurrentStepIndex() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentStepIndex
}

// SetCurrentStepIndex records which step the engine is executing
func (s *Store) SetCurrentStepIndex(idx int) {
	s.mu.Lock()
	s.currentStepIndex = idx
	s.mu.Unlock()
	s.publish(Change{Kind: ChangeExecution})
}

// StartFromStepIndex returns the enabled-sequence index the next run starts at
func (s *Store) StartFromStepIndex() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.startFromStepIndex
}

// SetStartFromStepIndex sets the resume offset; negative values reset it to 0
func (s *Store) SetStartFromStepIndex(idx int) {
	if idx < 0 {
		idx = 0
	}
	s.mu.Lock()
	s.startFromStepIndex = idx
	s.mu.Unlock()
	s.publish(Change{Kind: ChangeExecution})
}

// StepFailure returns a copy of the pending failure, nil when none
func (s *Store) StepFailure() *models.StepFailureInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.stepFailure == nil {
		return nil
	}
	failure := *s.stepFailure
	return &failure
}

// SetStepFailure records or, with nil, clears the pending failure
func (s *Store) SetStepFailure(failure *models.StepFailureInfo) {
	s.mu.Lock()
	if failure == nil {
		s.stepFailure = nil
	} else {
		f := *failure
		s.stepFailure = &f
	}
	s.mu.Unlock()
	s.publish(Change{Kind: ChangeExecution})
}

// IsRecording reports whether capture mode is on
func (s *Store) IsRecording() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.recording
}

// SetRecording toggles the recording flag
func (s *Store) SetRecording(recording bool) {
	s.mu.Lock()
	s.recording = recording
	s.mu.Unlock()
	s.publish(Change{Kind: ChangeRecording})
}

// InitSteps returns the initialization checklist
func (s *Store) InitSteps() []models.InitStep {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.InitStep{}, s.initSteps...)
}

// ResetInitSteps puts every checklist item back to pending
func (s *Store) ResetInitSteps() {
	s.mu.Lock()
	s.initSteps = models.DefaultInitSteps()
	s.initialized = false
	s.mu.Unlock()
	s.publish(Change{Kind: ChangeInit})
}

// UpdateInitStep sets the status of one checklist item
func (s *Store) UpdateInitStep(id string, status models.InitStepStatus, message string) bool {
	s.mu.Lock()
	found := false
	for i := range s.initSteps {
		if s.initSteps[i].ID == id {
			s.initSteps[i].Status = status
			s.initSteps[i].Message = message
			found = true
			break
		}
	}
	s.mu.Unlock()

	if found {
		s.publish(Change{Kind: ChangeInit})
	}
	return found
}

// Initialized reports whether the engine finished initialization
func (s *Store) Initialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initialized
}

// SetInitialized records the initialization outcome
func (s *Store) SetInitialized(v bool) {
	s.mu.Lock()
	s.initialized = v
	s.mu.Unlock()
	s.publish(Change{Kind: ChangeInit})
}
