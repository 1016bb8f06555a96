package loader

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/tcmartin/flowconsole/pkg/models"
	"gopkg.in/yaml.v3"
)

// DocumentVersion is written into exported documents
const DocumentVersion = "1"

// DefaultYAMLLoader implements the FlowLoader interface
type DefaultYAMLLoader struct{}

// NewYAMLLoader creates a new YAML loader
func NewYAMLLoader() FlowLoader {
	return &DefaultYAMLLoader{}
}

// Parse converts a YAML document into a flow. Ids and timestamps are left
// empty; the store assigns them when the flow is added.
func (l *DefaultYAMLLoader) Parse(yamlContent string) (models.Flow, error) {
	def, err := l.decode(yamlContent)
	if err != nil {
		return models.Flow{}, err
	}
	if err := validateDefinition(def); err != nil {
		return models.Flow{}, err
	}

	flow := models.Flow{
		Name:        def.Metadata.Name,
		Description: def.Metadata.Description,
		Steps:       make([]models.Step, 0, len(def.Steps)),
	}
	for i, sd := range def.Steps {
		st := sd.toStep()
		st.Order = i
		flow.Steps = append(flow.Steps, st)
	}
	return flow, nil
}

// Validate checks a YAML document conforms to the flow document schema
func (l *DefaultYAMLLoader) Validate(yamlContent string) error {
	def, err := l.decode(yamlContent)
	if err != nil {
		return err
	}
	return validateDefinition(def)
}

// Export renders a flow as a YAML document
func (l *DefaultYAMLLoader) Export(flow models.Flow) ([]byte, error) {
	def := FlowDefinition{
		Metadata: FlowMetadata{
			Name:        flow.Name,
			Description: flow.Description,
			Version:     DocumentVersion,
		},
		Steps: make([]StepDefinition, 0, len(flow.Steps)),
	}
	for _, st := range flow.Steps {
		def.Steps = append(def.Steps, fromStep(st))
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(def); err != nil {
		return nil, fmt.Errorf("failed to encode flow: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("failed to encode flow: %w", err)
	}
	return buf.Bytes(), nil
}

func (l *DefaultYAMLLoader) decode(yamlContent string) (FlowDefinition, error) {
	var def FlowDefinition
	dec := yaml.NewDecoder(strings.NewReader(yamlContent))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		if errors.Is(err, io.EOF) {
			return def, fmt.Errorf("invalid YAML: empty document")
		}
		return def, fmt.Errorf("invalid YAML: %w", err)
	}
	return def, nil
}

func validateDefinition(def FlowDefinition) error {
	if def.Metadata.Name == "" {
		return fmt.Errorf("flow name is required")
	}
	if def.Metadata.Version != "" && def.Metadata.Version != DocumentVersion {
		return fmt.Errorf("unsupported document version %q", def.Metadata.Version)
	}

	for i, sd := range def.Steps {
		st := sd.toStep()
		if err := st.Validate(); err != nil {
			return fmt.Errorf("step %d: %w", i+1, err)
		}
	}
	return nil
}

func (sd StepDefinition) toStep() models.Step {
	st := models.Step{
		ActionType:  sd.Action,
		Description: sd.Description,
		Value:       sd.Value,
		WaitTime:    sd.WaitTime,
		Enabled:     sd.Enabled == nil || *sd.Enabled,
	}
	if sd.Selector != nil {
		sel := *sd.Selector
		st.ElementSelector = &sel
	}
	st.Normalize()
	return st
}

func fromStep(st models.Step) StepDefinition {
	sd := StepDefinition{
		Action:      st.ActionType,
		Description: st.Description,
		Value:       st.Value,
		WaitTime:    st.WaitTime,
	}
	if st.ElementSelector != nil {
		sel := *st.ElementSelector
		sd.Selector = &sel
	}
	if !st.Enabled {
		disabled := false
		sd.Enabled = &disabled
	}
	return sd
}
