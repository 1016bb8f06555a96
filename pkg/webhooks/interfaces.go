// Package webhooks provides functionality for sending HTTP callbacks when
// runs end or steps fail.
package webhooks

import (
	"time"
)

// Event types
const (
	EventRunCompleted = "run.completed"
	EventRunStopped   = "run.stopped"
	EventRunFailed    = "run.failed"
	EventStepFailed   = "step.failed"
)

// SignatureHeader carries the hex HMAC-SHA256 of the body when a secret is set
const SignatureHeader = "X-Flowconsole-Signature"

// WebhookEvent represents an event that triggers a webhook
type WebhookEvent struct {
	// Type of the event
	Type string `json:"type"`

	// Timestamp of the event
	Timestamp time.Time `json:"timestamp"`

	// FlowID is the ID of the active flow
	FlowID string `json:"flow_id"`

	// FlowName is the name of the active flow
	FlowName string `json:"flow_name,omitempty"`

	// Data contains event-specific information
	Data map[string]interface{} `json:"data,omitempty"`
}
