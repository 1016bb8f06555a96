package models

import "time"

// ExecutionStatus is the process-wide state of the flow session
type ExecutionStatus string

// Execution statuses
const (
	StatusIdle      ExecutionStatus = "idle"
	StatusRunning   ExecutionStatus = "running"
	StatusPaused    ExecutionStatus = "paused"
	StatusStopped   ExecutionStatus = "stopped"
	StatusCompleted ExecutionStatus = "completed"
	StatusError     ExecutionStatus = "error"
)

// ParseExecutionStatus maps a wire value to a known status
func ParseExecutionStatus(s string) (ExecutionStatus, bool) {
	switch st := ExecutionStatus(s); st {
	case StatusIdle, StatusRunning, StatusPaused, StatusStopped, StatusCompleted, StatusError:
		return st, true
	}
	return "", false
}

// Terminal reports whether the status ends a run
func (s ExecutionStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusStopped
}

// StepFailureInfo is the snapshot of a step the remote engine could not
// execute. While one is pending the run waits for an operator decision.
type StepFailureInfo struct {
	// StepIndex indexes the enabled-steps sequence submitted to the engine
	StepIndex       int    `json:"stepIndex"`
	StepDescription string `json:"stepDescription"`
	Error           string `json:"error"`
	SelectorType    string `json:"selectorType,omitempty"`
	SelectorValue   string `json:"selectorValue,omitempty"`
	ActionType      string `json:"actionType,omitempty"`
}

// LogLevel is the severity of an operator log entry
type LogLevel string

// Log levels
const (
	LogInfo    LogLevel = "info"
	LogSuccess LogLevel = "success"
	LogWarning LogLevel = "warning"
	LogError   LogLevel = "error"
)

// ParseLogLevel maps a wire level to a LogLevel, defaulting to info
func ParseLogLevel(s string) LogLevel {
	switch l := LogLevel(s); l {
	case LogInfo, LogSuccess, LogWarning, LogError:
		return l
	case "warn":
		return LogWarning
	}
	return LogInfo
}

// LogEntry is one line of the operator-visible log buffer
type LogEntry struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Level     LogLevel  `json:"level"`
	Message   string    `json:"message"`
	StepID    string    `json:"stepId,omitempty"`
}

// InitStepStatus is the state of one item of the initialization checklist
type InitStepStatus string

// Initialization checklist states
const (
	InitPending InitStepStatus = "pending"
	InitRunning InitStepStatus = "running"
	InitSuccess InitStepStatus = "success"
	InitError   InitStepStatus = "error"
	InitSkipped InitStepStatus = "skipped"
)

// InitStep is one item of the engine initialization checklist
type InitStep struct {
	ID      string         `json:"id"`
	Name    string         `json:"name"`
	Status  InitStepStatus `json:"status"`
	Message string         `json:"message,omitempty"`
}

// DefaultInitSteps returns the checklist the engine reports during initialize
func DefaultInitSteps() []InitStep {
	return []InitStep{
		{ID: "check_appium", Name: "Check automation engine", Status: InitPending},
		{ID: "open_app", Name: "Open target application", Status: InitPending},
		{ID: "connect_appium", Name: "Connect engine session", Status: InitPending},
		{ID: "clear_order", Name: "Clear previous order", Status: InitPending},
		{ID: "load_products", Name: "Load product list", Status: InitPending},
	}
}
