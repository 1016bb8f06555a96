package storage

import (
	"sort"
	"sync"

	"github.com/tcmartin/flowconsole/pkg/models"
)

// MemoryProvider implements the StorageProvider interface using in-memory storage
type MemoryProvider struct {
	flowStore *MemoryFlowStore
}

// NewMemoryProvider creates a new in-memory storage provider
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		flowStore: NewMemoryFlowStore(),
	}
}

// Initialize sets up the storage backend
func (p *MemoryProvider) Initialize() error {
	// Nothing to initialize for in-memory storage
	return nil
}

// Close cleans up resources
func (p *MemoryProvider) Close() error {
	return nil
}

// GetFlowStore returns a store for flow definitions
func (p *MemoryProvider) GetFlowStore() FlowStore {
	return p.flowStore
}

// MemoryFlowStore implements the FlowStore interface using in-memory storage
type MemoryFlowStore struct {
	flows        map[string]models.Flow
	elements     map[string]models.ElementSelector
	elementOrder []string
	activeFlowID string
	mu           sync.RWMutex
}

// NewMemoryFlowStore creates a new in-memory flow store
func NewMemoryFlowStore() *MemoryFlowStore {
	return &MemoryFlowStore{
		flows:    make(map[string]models.Flow),
		elements: make(map[string]models.ElementSelector),
	}
}

// SaveFlow persists a flow definition
func (s *MemoryFlowStore) SaveFlow(flow models.Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.flows[flow.ID] = flow.Clone()
	return nil
}

// GetFlow retrieves a flow definition
func (s *MemoryFlowStore) GetFlow(flowID string) (models.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	flow, ok := s.flows[flowID]
	if !ok {
		return models.Flow{}, ErrFlowNotFound
	}
	return flow.Clone(), nil
}

// ListFlows returns all flows ordered by creation time
func (s *MemoryFlowStore) ListFlows() ([]models.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	flows := make([]models.Flow, 0, len(s.flows))
	for _, flow := range s.flows {
		flows = append(flows, flow.Clone())
	}
	sortFlows(flows)
	return flows, nil
}

// DeleteFlow removes a flow definition
func (s *MemoryFlowStore) DeleteFlow(flowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.flows[flowID]; !ok {
		return ErrFlowNotFound
	}
	delete(s.flows, flowID)
	return nil
}

// SaveElement persists an element library entry
func (s *MemoryFlowStore) SaveElement(element models.ElementSelector) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.elements[element.ID]; !ok {
		s.elementOrder = append(s.elementOrder, element.ID)
	}
	s.elements[element.ID] = element
	return nil
}

// ListElements returns the element library in insertion order
func (s *MemoryFlowStore) ListElements() ([]models.ElementSelector, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	elements := make([]models.ElementSelector, 0, len(s.elementOrder))
	for _, id := range s.elementOrder {
		elements = append(elements, s.elements[id])
	}
	return elements, nil
}

// DeleteElement removes an element library entry
func (s *MemoryFlowStore) DeleteElement(elementID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.elements[elementID]; !ok {
		return ErrElementNotFound
	}
	delete(s.elements, elementID)
	for i, id := range s.elementOrder {
		if id == elementID {
			s.elementOrder = append(s.elementOrder[:i], s.elementOrder[i+1:]...)
			break
		}
	}
	return nil
}

// SetActiveFlowID records the active flow
func (s *MemoryFlowStore) SetActiveFlowID(flowID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.activeFlowID = flowID
	return nil
}

// GetActiveFlowID returns the active flow
func (s *MemoryFlowStore) GetActiveFlowID() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.activeFlowID, nil
}

func sortFlows(flows []models.Flow) {
	sort.SliceStable(flows, func(i, j int) bool {
		if flows[i].CreatedAt.Equal(flows[j].CreatedAt) {
			return flows[i].ID < flows[j].ID
		}
		return flows[i].CreatedAt.Before(flows[j].CreatedAt)
	})
}
