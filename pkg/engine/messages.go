package engine

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tcmartin/flowconsole/pkg/models"
)

// ErrMalformedMessage is returned by Decode for frames the console cannot interpret
var ErrMalformedMessage = errors.New("malformed stream message")

// Stream status tags with a dedicated payload
const (
	statusStepFailed   = "step_failed"
	statusRecordedStep = "recorded_step"
	statusInitStep     = "init_step"
)

// Event is one decoded push-stream message. Consumers switch on the
// concrete type.
type Event interface {
	event()
}

// LogEvent is a log line forwarded to the operator log buffer
type LogEvent struct {
	Level   models.LogLevel
	Message string
}

// ProgressEvent reports run progress. Either field may be nil and each
// must be applied independently.
type ProgressEvent struct {
	Status    *models.ExecutionStatus
	StepIndex *int
}

// StepFailedEvent reports a step the engine could not execute
type StepFailedEvent struct {
	Failure models.StepFailureInfo
}

// RecordedStepEvent carries one step captured during recording
type RecordedStepEvent struct {
	Step StepPayload
}

// InitStepEvent reports progress of one initialization checklist item
type InitStepEvent struct {
	StepID  string
	Status  models.InitStepStatus
	Message string
}

func (LogEvent) event()          {}
func (ProgressEvent) event()     {}
func (StepFailedEvent) event()   {}
func (RecordedStepEvent) event() {}
func (InitStepEvent) event()     {}

type wireMessage struct {
	Type    string          `json:"type"`
	Level   string          `json:"level"`
	Message *string         `json:"message"`
	Status  string          `json:"status"`
	Data    json.RawMessage `json:"data"`
}

type wireData struct {
	Status          *string `json:"status"`
	StepIndex       *int    `json:"step_index"`
	StepDescription string  `json:"step_description"`
	Error           string  `json:"error"`
	SelectorType    string  `json:"selector_type"`
	SelectorValue   string  `json:"selector_value"`
	ActionType      string  `json:"action_type"`
	Description     string  `json:"description"`
	Value           string  `json:"value"`
	WaitTime        int     `json:"wait_time"`
	StepID          string  `json:"step_id"`
	Message         string  `json:"message"`
}

// Decode parses one stream frame into a typed Event
func Decode(frame []byte) (Event, error) {
	var msg wireMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	switch msg.Type {
	case "log":
		if msg.Message == nil {
			return nil, fmt.Errorf("%w: log without message", ErrMalformedMessage)
		}
		return LogEvent{Level: models.ParseLogLevel(msg.Level), Message: *msg.Message}, nil
	case "status":
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, msg.Type)
	}

	var data wireData
	if len(msg.Data) > 0 && string(msg.Data) != "null" {
		if err := json.Unmarshal(msg.Data, &data); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
	}

	switch msg.Status {
	case statusStepFailed:
		if data.StepIndex == nil {
			return nil, fmt.Errorf("%w: step_failed without step_index", ErrMalformedMessage)
		}
		return StepFailedEvent{Failure: models.StepFailureInfo{
			StepIndex:       *data.StepIndex,
			StepDescription: data.StepDescription,
			Error:           data.Error,
			SelectorType:    data.SelectorType,
			SelectorValue:   data.SelectorValue,
			ActionType:      data.ActionType,
		}}, nil

	case statusRecordedStep:
		return RecordedStepEvent{Step: StepPayload{
			ActionType:    data.ActionType,
			Description:   data.Description,
			SelectorType:  data.SelectorType,
			SelectorValue: data.SelectorValue,
			Value:         data.Value,
			WaitTime:      data.WaitTime,
			Enabled:       true,
		}}, nil

	case statusInitStep:
		if data.StepID == "" || data.Status == nil {
			return nil, fmt.Errorf("%w: init_step without step_id or status", ErrMalformedMessage)
		}
		return InitStepEvent{
			StepID:  data.StepID,
			Status:  models.InitStepStatus(*data.Status),
			Message: data.Message,
		}, nil
	}

	var ev ProgressEvent
	if data.Status != nil {
		if st, ok := models.ParseExecutionStatus(*data.Status); ok {
			ev.Status = &st
		}
	}
	if data.StepIndex != nil {
		idx := *data.StepIndex
		ev.StepIndex = &idx
	}
	return ev, nil
}

// StepDecision is the operator's answer to a step failure
type StepDecision string

// Step decisions
const (
	DecisionRetry StepDecision = "retry"
	DecisionSkip  StepDecision = "skip"
	DecisionStop  StepDecision = "stop"
)

// StepResponse is the client-to-engine message resolving a step failure
type StepResponse struct {
	Type          string       `json:"type"`
	Action        StepDecision `json:"action"`
	SelectorType  string       `json:"selector_type,omitempty"`
	SelectorValue string       `json:"selector_value,omitempty"`
}

// NewStepResponse builds a step_response message. The selector is only
// carried for retry decisions.
func NewStepResponse(action StepDecision, sel *models.ElementSelector) StepResponse {
	resp := StepResponse{Type: "step_response", Action: action}
	if action == DecisionRetry && sel != nil {
		resp.SelectorType = string(sel.SelectorType)
		resp.SelectorValue = sel.SelectorValue
	}
	return resp
}
