// Package storage provides the persistence boundary for flow definitions.
package storage

import (
	"errors"

	"github.com/tcmartin/flowconsole/pkg/models"
)

// Errors returned by storage providers
var (
	ErrFlowNotFound    = errors.New("flow not found")
	ErrElementNotFound = errors.New("element not found")
)

// StorageProvider defines the interface for persistence backends
type StorageProvider interface {
	// Initialize sets up the storage backend
	Initialize() error

	// Close cleans up resources
	Close() error

	// GetFlowStore returns a store for flow definitions
	GetFlowStore() FlowStore
}

// FlowStore persists the durable part of the console state: flows, the
// element library and the active flow pointer. Logs, execution status and
// step failures are session-only and never reach a FlowStore.
type FlowStore interface {
	// SaveFlow creates or replaces a flow definition
	SaveFlow(flow models.Flow) error

	// GetFlow retrieves a flow definition
	GetFlow(flowID string) (models.Flow, error)

	// ListFlows returns all flows ordered by creation time
	ListFlows() ([]models.Flow, error)

	// DeleteFlow removes a flow definition
	DeleteFlow(flowID string) error

	// SaveElement creates or replaces an element library entry
	SaveElement(element models.ElementSelector) error

	// ListElements returns the element library in insertion order
	ListElements() ([]models.ElementSelector, error)

	// DeleteElement removes an element library entry
	DeleteElement(elementID string) error

	// SetActiveFlowID records the active flow; empty clears it
	SetActiveFlowID(flowID string) error

	// GetActiveFlowID returns the active flow or empty when none is set
	GetActiveFlowID() (string, error)
}
