// Package trace provides the structured execution trace for a task: a typed
// event model and an append-only JSONL sink. The trace is the audit surface
// for gate decisions and runtime mode changes; replay records embed its tail.
package trace

import (
	"time"

	"github.com/google/uuid"
)

// EventType identifies the category of a trace event.
type EventType string

const (
	EventPolicyLoaded            EventType = "policy_loaded"
	EventToolStart               EventType = "tool_start"
	EventToolFinish              EventType = "tool_finish"
	EventVerificationFailed      EventType = "verification_failed"
	EventCodeReviewBlocked       EventType = "code_review_blocked"
	EventEvidenceGateFailed      EventType = "evidence_gate_failed"
	EventAdaptiveThrottleChanged EventType = "adaptive_throttle_changed"
	EventCostGuardrailWarned     EventType = "cost_guardrail_warned"
	EventCostGuardrailBlocked    EventType = "cost_guardrail_blocked"
	EventCanaryStateChanged      EventType = "canary_state_changed"
	EventCanaryGateFailed        EventType = "canary_gate_failed"
	EventCompletionAccepted      EventType = "completion_accepted"
	EventCouncilConsulted        EventType = "council_consulted"
	EventCorrectionSuggested     EventType = "correction_suggested"
)

// Event is a single structured trace record.
type Event struct {
	// ID uniquely identifies the event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// TaskID identifies the owning task.
	TaskID string `json:"task_id"`

	// Type categorizes the event.
	Type EventType `json:"type"`

	// Tool is the tool name for tool lifecycle events.
	Tool string `json:"tool,omitempty"`

	// RiskClass is the policy risk class for tool lifecycle events.
	RiskClass string `json:"risk_class,omitempty"`

	// Detail is a short human-readable description.
	Detail string `json:"detail,omitempty"`

	// Fields carries event-specific structured data.
	Fields map[string]interface{} `json:"fields,omitempty"`
}

// New builds an event with a fresh id and the given timestamp.
func New(taskID string, eventType EventType, at time.Time) Event {
	return Event{
		ID:        uuid.New().String(),
		Timestamp: at,
		TaskID:    taskID,
		Type:      eventType,
	}
}
