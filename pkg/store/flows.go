package store

import (
	"log/slog"

	"github.com/tcmartin/flowconsole/pkg/models"
)

// Flows returns copies of all flows in creation order
func (s *Store) Flows() []models.Flow {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res := make([]models.Flow, len(s.flows))
	for i, f := range s.flows {
		res[i] = f.Clone()
	}
	return res
}

// Flow returns a copy of the flow with the given id
func (s *Store) Flow(id string) (models.Flow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if i := s.flowIndex(id); i >= 0 {
		return s.flows[i].Clone(), true
	}
	return models.Flow{}, false
}

// FlowByName returns the first flow with the given name
func (s *Store) FlowByName(name string) (models.Flow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, f := range s.flows {
		if f.Name == name {
			return f.Clone(), true
		}
	}
	return models.Flow{}, false
}

// ActiveFlowID returns the active flow id, empty when none
func (s *Store) ActiveFlowID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeFlowID
}

// ActiveFlow returns a copy of the active flow
func (s *Store) ActiveFlow() (models.Flow, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if i := s.flowIndex(s.activeFlowID); i >= 0 {
		return s.flows[i].Clone(), true
	}
	return models.Flow{}, false
}

// CreateFlow adds an empty flow
func (s *Store) CreateFlow(name, description string) models.Flow {
	return s.AddFlow(models.Flow{Name: name, Description: description})
}

// AddFlow adds flow under a fresh id. Steps keep their content; missing
// step ids are generated and order is re-derived from position.
func (s *Store) AddFlow(flow models.Flow) models.Flow {
	now := s.now()
	f := flow.Clone()
	f.ID = models.NewID()
	f.CreatedAt = now
	f.UpdatedAt = now
	for i := range f.Steps {
		if f.Steps[i].ID == "" {
			f.Steps[i].ID = models.NewID()
		}
		f.Steps[i].Normalize()
	}
	f.Renumber()

	s.mu.Lock()
	s.flows = append(s.flows, f)
	s.mu.Unlock()

	s.saveFlow(f)
	s.publish(Change{Kind: ChangeFlows, FlowID: f.ID})
	return f.Clone()
}

// DeleteFlow removes a flow; deleting the active flow clears the pointer
func (s *Store) DeleteFlow(id string) bool {
	s.mu.Lock()
	i := s.flowIndex(id)
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	s.flows = append(s.flows[:i], s.flows[i+1:]...)
	clearedActive := s.activeFlowID == id
	if clearedActive {
		s.activeFlowID = ""
	}
	s.mu.Unlock()

	if s.persist != nil {
		if err := s.persist.DeleteFlow(id); err != nil {
			s.logger.Error("failed to delete persisted flow", slog.String("flow_id", id), slog.Any("error", err))
		}
	}
	s.publish(Change{Kind: ChangeFlows, FlowID: id})
	if clearedActive {
		s.saveActive("")
		s.publish(Change{Kind: ChangeActive})
	}
	return true
}

// SetActiveFlow selects a flow for editing and execution; empty clears it
func (s *Store) SetActiveFlow(id string) bool {
	s.mu.Lock()
	if id != "" && s.flowIndex(id) < 0 {
		s.mu.Unlock()
		return false
	}
	s.activeFlowID = id
	s.mu.Unlock()

	s.saveActive(id)
	s.publish(Change{Kind: ChangeActive, FlowID: id})
	return true
}

// UpdateFlow applies fn to a flow. Identity, creation time and step order
// are restored after fn; updatedAt is refreshed.
func (s *Store) UpdateFlow(id string, fn func(*models.Flow)) bool {
	return s.mutateFlow(id, func(f *models.Flow) bool {
		createdAt := f.CreatedAt
		fn(f)
		f.ID = id
		f.CreatedAt = createdAt
		return true
	})
}

// AddStep appends step at the end of the flow with a fresh id
func (s *Store) AddStep(flowID string, step models.Step) (models.Step, bool) {
	var added models.Step
	ok := s.mutateFlow(flowID, func(f *models.Flow) bool {
		added = step.Clone()
		added.ID = models.NewID()
		added.Order = len(f.Steps)
		added.Normalize()
		f.Steps = append(f.Steps, added.Clone())
		return true
	})
	return added, ok
}

// UpdateStep applies fn to one step; its id and order are preserved
func (s *Store) UpdateStep(flowID, stepID string, fn func(*models.Step)) bool {
	return s.mutateFlow(flowID, func(f *models.Flow) bool {
		for i := range f.Steps {
			if f.Steps[i].ID == stepID {
				fn(&f.Steps[i])
				f.Steps[i].ID = stepID
				f.Steps[i].Normalize()
				return true
			}
		}
		return false
	})
}

// DeleteStep removes a step by id
func (s *Store) DeleteStep(flowID, stepID string) bool {
	return s.RemoveSteps(flowID, []string{stepID}) > 0
}

// RemoveSteps removes every listed step and reports how many were found
func (s *Store) RemoveSteps(flowID string, stepIDs []string) int {
	drop := make(map[string]bool, len(stepIDs))
	for _, id := range stepIDs {
		drop[id] = true
	}

	removed := 0
	s.mutateFlow(flowID, func(f *models.Flow) bool {
		kept := f.Steps[:0]
		for _, st := range f.Steps {
			if drop[st.ID] {
				removed++
				continue
			}
			kept = append(kept, st)
		}
		f.Steps = kept
		return removed > 0
	})
	return removed
}

// ReorderSteps moves the step at from to position to
func (s *Store) ReorderSteps(flowID string, from, to int) bool {
	return s.mutateFlow(flowID, func(f *models.Flow) bool {
		n := len(f.Steps)
		if from < 0 || from >= n || to < 0 || to >= n {
			return false
		}
		st := f.Steps[from]
		steps := append(f.Steps[:from:from], f.Steps[from+1:]...)
		steps = append(steps[:to], append([]models.Step{st}, steps[to:]...)...)
		f.Steps = steps
		return true
	})
}

// mutateFlow runs fn on the stored flow under the write lock. When fn
// reports a change, order is re-derived, updatedAt refreshed, and the
// flow persisted and published.
func (s *Store) mutateFlow(id string, fn func(*models.Flow) bool) bool {
	s.mu.Lock()
	i := s.flowIndex(id)
	if i < 0 {
		s.mu.Unlock()
		return false
	}
	f := s.flows[i].Clone()
	if !fn(&f) {
		s.mu.Unlock()
		return false
	}
	f.Renumber()
	f.UpdatedAt = s.now()
	s.flows[i] = f
	s.mu.Unlock()

	s.saveFlow(f)
	s.publish(Change{Kind: ChangeFlows, FlowID: id})
	return true
}

func (s *Store) flowIndex(id string) int {
	if id == "" {
		return -1
	}
	for i, f := range s.flows {
		if f.ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) saveFlow(f models.Flow) {
	if s.persist == nil {
		return
	}
	if err := s.persist.SaveFlow(f); err != nil {
		s.logger.Error("failed to persist flow", slog.String("flow_id", f.ID), slog.Any("error", err))
	}
}

func (s *Store) saveActive(id string) {
	if s.persist == nil {
		return
	}
	if err := s.persist.SetActiveFlowID(id); err != nil {
		s.logger.Error("failed to persist active flow", slog.String("flow_id", id), slog.Any("error", err))
	}
}
