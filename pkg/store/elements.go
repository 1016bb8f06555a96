package store

import (
	"log/slog"

	"github.com/tcmartin/flowconsole/pkg/models"
)

// Elements returns the element library in insertion order
func (s *Store) Elements() []models.ElementSelector {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.ElementSelector{}, s.elements...)
}

// AddElement adds a selector to the library, generating an id when missing.
// A selector with an existing id replaces the stored one in place.
func (s *Store) AddElement(el models.ElementSelector) models.ElementSelector {
	if el.ID == "" {
		el.ID = models.NewID()
	}

	s.mu.Lock()
	replaced := false
	for i := range s.elements {
		if s.elements[i].ID == el.ID {
			s.elements[i] = el
			replaced = true
			break
		}
	}
	if !replaced {
		s.elements = append(s.elements, el)
	}
	s.mu.Unlock()

	if s.persist != nil {
		if err := s.persist.SaveElement(el); err != nil {
			s.logger.Error("failed to persist element", slog.String("element_id", el.ID), slog.Any("error", err))
		}
	}
	s.publish(Change{Kind: ChangeElements})
	return el
}

// DeleteElement removes a selector from the library. Steps that embedded
// a copy of it are untouched.
func (s *Store) DeleteElement(id string) bool {
	s.mu.Lock()
	found := false
	for i := range s.elements {
		if s.elements[i].ID == id {
			s.elements = append(s.elements[:i], s.elements[i+1:]...)
			found = true
			break
		}
	}
	s.mu.Unlock()

	if !found {
		return false
	}
	if s.persist != nil {
		if err := s.persist.DeleteElement(id); err != nil {
			s.logger.Error("failed to delete persisted element", slog.String("element_id", id), slog.Any("error", err))
		}
	}
	s.publish(Change{Kind: ChangeElements})
	return true
}
