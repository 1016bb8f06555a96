// Package models defines the flow data model shared by the console components.
package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ActionType is the kind of automation action a step performs
type ActionType string

// Supported action types
const (
	ActionClick         ActionType = "click"
	ActionDoubleClick   ActionType = "double_click"
	ActionTypeText      ActionType = "type"
	ActionSendKeys      ActionType = "send_keys"
	ActionWait          ActionType = "wait"
	ActionClear         ActionType = "clear"
	ActionSelectCombo   ActionType = "select_combo"
	ActionSelectRadio   ActionType = "select_radio"
	ActionScroll        ActionType = "scroll"
	ActionAssert        ActionType = "assert"
	ActionSearchProduct ActionType = "search_product"
)

// SelectorType is the locator strategy the remote engine uses for a selector
type SelectorType string

// Supported selector types
const (
	SelectorName            SelectorType = "name"
	SelectorXPath           SelectorType = "xpath"
	SelectorID              SelectorType = "id"
	SelectorAccessibilityID SelectorType = "accessibility_id"
	SelectorCSS             SelectorType = "css"
	SelectorClassName       SelectorType = "class_name"
)

// ProductsPlaceholder is the value search_product steps carry; the engine
// expands it to the configured product list.
const ProductsPlaceholder = "{{products}}"

var actionTypes = map[ActionType]bool{
	ActionClick: true, ActionDoubleClick: true, ActionTypeText: true, ActionSendKeys: true,
	ActionWait: true, ActionClear: true, ActionSelectCombo: true, ActionSelectRadio: true,
	ActionScroll: true, ActionAssert: true, ActionSearchProduct: true,
}

var selectorTypes = map[SelectorType]bool{
	SelectorName: true, SelectorXPath: true, SelectorID: true,
	SelectorAccessibilityID: true, SelectorCSS: true, SelectorClassName: true,
}

// Validation errors
var (
	ErrEmptyDescription   = errors.New("step description is required")
	ErrInvalidWaitTime    = errors.New("wait steps require a positive wait time")
	ErrUnknownActionType  = errors.New("unknown action type")
	ErrUnknownSelector    = errors.New("unknown selector type")
	ErrEmptySelectorValue = errors.New("selector value is required")
)

// Valid reports whether a is part of the action vocabulary
func (a ActionType) Valid() bool {
	return actionTypes[a]
}

// Valid reports whether s is a known selector strategy
func (s SelectorType) Valid() bool {
	return selectorTypes[s]
}

// ElementSelector identifies a target UI control to the remote engine
type ElementSelector struct {
	ID            string       `json:"id" yaml:"id"`
	Label         string       `json:"label" yaml:"label"`
	SelectorType  SelectorType `json:"selectorType" yaml:"selector_type"`
	SelectorValue string       `json:"selectorValue" yaml:"selector_value"`
	Description   string       `json:"description,omitempty" yaml:"description,omitempty"`
}

// Validate checks the selector has a known type and a value
func (e ElementSelector) Validate() error {
	if !e.SelectorType.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownSelector, e.SelectorType)
	}
	if e.SelectorValue == "" {
		return ErrEmptySelectorValue
	}
	return nil
}

// Step is one automation action within a flow
type Step struct {
	ID              string           `json:"id" yaml:"id"`
	Order           int              `json:"order" yaml:"order"`
	ActionType      ActionType       `json:"actionType" yaml:"action_type"`
	ElementSelector *ElementSelector `json:"elementSelector,omitempty" yaml:"element_selector,omitempty"`
	Value           string           `json:"value,omitempty" yaml:"value,omitempty"`
	WaitTime        int              `json:"waitTime,omitempty" yaml:"wait_time,omitempty"`
	Description     string           `json:"description" yaml:"description"`
	Enabled         bool             `json:"enabled" yaml:"enabled"`
}

// Normalize applies the value pinning rules of the action vocabulary
func (s *Step) Normalize() {
	if s.ActionType == ActionSearchProduct {
		s.Value = ProductsPlaceholder
	}
}

// Validate checks the step invariants
func (s Step) Validate() error {
	if !s.ActionType.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownActionType, s.ActionType)
	}
	if s.Description == "" {
		return ErrEmptyDescription
	}
	if s.ActionType == ActionWait && s.WaitTime <= 0 {
		return ErrInvalidWaitTime
	}
	if s.ElementSelector != nil {
		if err := s.ElementSelector.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Clone returns a deep copy of the step
func (s Step) Clone() Step {
	if s.ElementSelector != nil {
		sel := *s.ElementSelector
		s.ElementSelector = &sel
	}
	return s
}

// Flow is an ordered, named sequence of steps
type Flow struct {
	ID          string    `json:"id" yaml:"id"`
	Name        string    `json:"name" yaml:"name"`
	Description string    `json:"description" yaml:"description"`
	Steps       []Step    `json:"steps" yaml:"steps"`
	CreatedAt   time.Time `json:"createdAt" yaml:"created_at"`
	UpdatedAt   time.Time `json:"updatedAt" yaml:"updated_at"`
}

// Clone returns a deep copy of the flow
func (f Flow) Clone() Flow {
	steps := make([]Step, len(f.Steps))
	for i, st := range f.Steps {
		steps[i] = st.Clone()
	}
	f.Steps = steps
	return f
}

// EnabledSteps returns the steps the remote engine will see, in order
func (f Flow) EnabledSteps() []Step {
	res := make([]Step, 0, len(f.Steps))
	for _, st := range f.Steps {
		if st.Enabled {
			res = append(res, st)
		}
	}
	return res
}

// StepAtEnabledIndex resolves an index into the enabled-steps sequence to
// the position of that step in the full step list.
func (f Flow) StepAtEnabledIndex(idx int) (int, bool) {
	if idx < 0 {
		return -1, false
	}
	n := 0
	for i, st := range f.Steps {
		if !st.Enabled {
			continue
		}
		if n == idx {
			return i, true
		}
		n++
	}
	return -1, false
}

// Renumber re-derives Order from each step's position
func (f *Flow) Renumber() {
	for i := range f.Steps {
		f.Steps[i].Order = i
	}
}

// NewID generates a fresh identifier for flows, steps, selectors and log entries
func NewID() string {
	return uuid.New().String()
}
