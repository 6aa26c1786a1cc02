// Package observability provides the fire-and-forget side channel for the
// autopilot: council generations, skipped enhancements, and gate outcomes
// are reported to a Tracer that never returns an error to its caller. The
// controller works identically against the no-op tracer and the batching
// HTTP exporter.
package observability

import "context"

// Tracer records the externally visible lifecycle of a task. All methods
// are fire-and-forget; implementations must never block the caller on
// network activity.
type Tracer interface {
	// StartTask opens a trace for the task.
	StartTask(taskID string, opts TaskOptions)

	// RecordGeneration records one completion-provider invocation.
	RecordGeneration(taskID string, gen GenerationInput)

	// RecordSkipped records an optional component that was skipped and why
	// (throttle mode, budget exhaustion, provider failure).
	RecordSkipped(taskID, component, reason string)

	// RecordGate records a completion-gate outcome.
	RecordGate(taskID, gate, outcome string)

	// CompleteTask closes the task's trace with a final status.
	CompleteTask(taskID, status string)

	// Flush forces buffered events out.
	Flush(ctx context.Context) error

	// Stop shuts the tracer down, flushing first.
	Stop(ctx context.Context) error
}

// TaskOptions annotates a new task trace.
type TaskOptions struct {
	// Fingerprint is the provider/model rollout cohort.
	Fingerprint string

	// Strategy is the task's fixed strategy (quick, standard, full).
	Strategy string

	// Mode is the agent mode the task started in.
	Mode string
}

// GenerationInput describes a single completion-provider invocation.
type GenerationInput struct {
	// Action is the council action (decompose_task, code_review, ...).
	Action string

	// Model is the provider model identifier.
	Model string

	// Prompt is the text sent to the provider.
	Prompt string

	// Output is the text returned by the provider.
	Output string

	// Status is "completed", "error", or "timeout".
	Status string

	// DurationMs is the wall-clock duration of the call.
	DurationMs int64
}
