package store

import (
	"github.com/tcmartin/flowconsole/pkg/models"
)

// AddLog appends an entry to the operator log buffer
func (s *Store) AddLog(level models.LogLevel, message string) models.LogEntry {
	return s.AddStepLog(level, message, "")
}

// AddStepLog appends an entry tied to a step
func (s *Store) AddStepLog(level models.LogLevel, message, stepID string) models.LogEntry {
	entry := models.LogEntry{
		ID:        models.NewID(),
		Timestamp: s.now(),
		Level:     level,
		Message:   message,
		StepID:    stepID,
	}

	s.mu.Lock()
	s.logs = append(s.logs, entry)
	s.mu.Unlock()

	s.publish(Change{Kind: ChangeLog, Log: &entry})
	return entry
}

// Logs returns a copy of the log buffer
func (s *Store) Logs() []models.LogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.LogEntry{}, s.logs...)
}

// ClearLogs empties the log buffer
func (s *Store) ClearLogs() {
	s.mu.Lock()
	s.logs = nil
	s.mu.Unlock()
	s.publish(Change{Kind: ChangeLogsClear})
}
