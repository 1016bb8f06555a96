// Package loader converts flows to and from shareable YAML documents.
package loader

import "github.com/tcmartin/flowconsole/pkg/models"

// FlowLoader parses and renders YAML flow documents
type FlowLoader interface {
	// Parse converts a YAML document into a flow ready to be added to the store
	Parse(yamlContent string) (models.Flow, error)

	// Validate checks a YAML document without building a flow
	Validate(yamlContent string) error

	// Export renders a flow as a YAML document
	Export(flow models.Flow) ([]byte, error)
}

// FlowDefinition is the document shape of an exported flow
type FlowDefinition struct {
	// Metadata about the flow
	Metadata FlowMetadata `yaml:"metadata" json:"metadata"`

	// Steps in execution order
	Steps []StepDefinition `yaml:"steps" json:"steps"`
}

// FlowMetadata contains information about the flow
type FlowMetadata struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Version     string `yaml:"version,omitempty" json:"version,omitempty"`
}

// StepDefinition is one step of a flow document. Enabled defaults to true
// when omitted.
type StepDefinition struct {
	Action      models.ActionType       `yaml:"action" json:"action"`
	Description string                  `yaml:"description" json:"description"`
	Selector    *models.ElementSelector `yaml:"selector,omitempty" json:"selector,omitempty"`
	Value       string                  `yaml:"value,omitempty" json:"value,omitempty"`
	WaitTime    int                     `yaml:"wait_time,omitempty" json:"wait_time,omitempty"`
	Enabled     *bool                   `yaml:"enabled,omitempty" json:"enabled,omitempty"`
}
