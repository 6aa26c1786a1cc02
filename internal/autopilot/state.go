// Package autopilot implements the task-autopilot control loop: a phase
// state machine over persisted per-task state, an adaptive throttle, a
// multi-stage completion-gating pipeline, and the glue that drives the
// policy, verification, correction, memory, and council components.
package autopilot

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"taskpilot/internal/correct"
	"taskpilot/internal/tools"
)

// Phase is a task lifecycle phase.
type Phase string

const (
	PhaseDiscovery      Phase = "discovery"
	PhasePlanning       Phase = "planning"
	PhaseImplementation Phase = "implementation"
	PhaseVerification   Phase = "verification"
	PhaseDone           Phase = "done"
)

// Strategy is the task's fixed execution strategy, chosen at creation.
type Strategy string

const (
	StrategyQuick    Strategy = "quick"
	StrategyStandard Strategy = "standard"
	StrategyFull     Strategy = "full"
)

// ThrottleMode is the derived runtime posture.
type ThrottleMode string

const (
	ThrottleNormal    ThrottleMode = "normal"
	ThrottleThrottled ThrottleMode = "throttled"
	ThrottleFallback  ThrottleMode = "fallback"
)

// observationCap bounds the persisted ring of recent observations.
const observationCap = 20

// RuntimeSnapshot is the last computed runtime statistics set.
type RuntimeSnapshot struct {
	FailureRate  float64 `json:"failure_rate"`
	P95LatencyMs int64   `json:"p95_latency_ms"`
	Cost         float64 `json:"cost"`
	CostRatio    float64 `json:"cost_ratio"`
}

// TaskState is the persisted per-task state.
type TaskState struct {
	TaskID  string `json:"task_id"`
	DirName string `json:"dir_name"`

	TaskText string `json:"task_text"`
	Mode     string `json:"mode,omitempty"`

	Phase    Phase    `json:"phase"`
	Strategy Strategy `json:"strategy"`

	RequiredPhases  []Phase `json:"required_phases"`
	CompletedPhases []Phase `json:"completed_phases"`

	ToolRuns   int `json:"tool_runs"`
	WriteOps   int `json:"write_ops"`
	CommandOps int `json:"command_ops"`
	Notes      int `json:"notes"`

	// Observations is a capped ring of the most recent tool observations.
	Observations    []tools.Observation `json:"observations"`
	LastObservation *tools.Observation  `json:"last_observation,omitempty"`

	// StepAttempts counts consecutive failures per plan-step id.
	StepAttempts map[string]int `json:"step_attempts,omitempty"`

	CouncilRuns  map[Phase]int `json:"council_runs,omitempty"`
	CouncilTotal int           `json:"council_total"`

	CodeReviewRuns  int `json:"code_review_runs"`
	LastReviewScore int `json:"last_review_score"`

	ThrottleMode ThrottleMode    `json:"throttle_mode"`
	Snapshot     RuntimeSnapshot `json:"snapshot"`

	// CostWarned latches the one-time cost warn trace event.
	CostWarned bool `json:"cost_warned,omitempty"`

	// DegradedModeUsed is set once the task leaves normal mode, for the
	// completion memory note.
	DegradedModeUsed bool `json:"degraded_mode_used,omitempty"`

	PendingCorrection *correct.Suggestion `json:"pending_correction,omitempty"`

	// LastReplanToolRun is the ToolRuns value at the last replan evaluation.
	LastReplanToolRun int `json:"last_replan_tool_run"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

var dirNameSanitizer = regexp.MustCompile(`[^a-z0-9._-]+`)

// SanitizeTaskID derives a filesystem-safe directory name from a task id.
func SanitizeTaskID(taskID string) string {
	name := strings.ToLower(strings.TrimSpace(taskID))
	name = dirNameSanitizer.ReplaceAllString(name, "-")
	name = strings.Trim(name, "-.")
	if name == "" {
		name = "task"
	}
	if len(name) > 64 {
		name = name[:64]
	}
	return name
}

// quickTaskPattern matches task text that describes a trivial change.
var quickTaskPattern = regexp.MustCompile(`(?i)\b(typo|rename|bump|comment|whitespace|one[- ]liner)\b`)

// quickTaskTextLimit is the task-text length below which a trivial-looking
// task runs with the quick strategy.
const quickTaskTextLimit = 120

// ChooseStrategy fixes the strategy from task-text heuristics and the
// starting mode. An explicit starting strategy wins.
func ChooseStrategy(taskText, startingStrategy string) Strategy {
	switch Strategy(startingStrategy) {
	case StrategyQuick, StrategyStandard, StrategyFull:
		return Strategy(startingStrategy)
	}
	trimmed := strings.TrimSpace(taskText)
	if len(trimmed) < quickTaskTextLimit && quickTaskPattern.MatchString(trimmed) {
		return StrategyQuick
	}
	if len(trimmed) > 600 {
		return StrategyFull
	}
	return StrategyStandard
}

// NewTaskState creates the initial state for a task.
func NewTaskState(taskID, taskText, mode, startingStrategy string, now time.Time) *TaskState {
	strategy := ChooseStrategy(taskText, startingStrategy)

	required := []Phase{PhaseDiscovery, PhasePlanning, PhaseImplementation, PhaseVerification}
	phase := PhaseDiscovery
	if strategy == StrategyQuick {
		required = []Phase{PhaseImplementation, PhaseVerification}
		phase = PhaseImplementation
	}

	return &TaskState{
		TaskID:          taskID,
		DirName:         SanitizeTaskID(taskID),
		TaskText:        taskText,
		Mode:            mode,
		Phase:           phase,
		Strategy:        strategy,
		RequiredPhases:  required,
		CompletedPhases: []Phase{},
		Observations:    []tools.Observation{},
		StepAttempts:    map[string]int{},
		CouncilRuns:     map[Phase]int{},
		ThrottleMode:    ThrottleNormal,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// PhaseRequired reports whether the phase is in the required set.
func (s *TaskState) PhaseRequired(p Phase) bool {
	for _, r := range s.RequiredPhases {
		if r == p {
			return true
		}
	}
	return false
}

// PhaseCompleted reports whether the phase has been completed.
func (s *TaskState) PhaseCompleted(p Phase) bool {
	for _, c := range s.CompletedPhases {
		if c == p {
			return true
		}
	}
	return false
}

// CompletePhase marks a phase completed. Completing a phase that is neither
// required nor done is a no-op, preserving the invariant
// completedPhases ⊆ requiredPhases ∪ {done}.
func (s *TaskState) CompletePhase(p Phase) {
	if p != PhaseDone && !s.PhaseRequired(p) {
		return
	}
	if s.PhaseCompleted(p) {
		return
	}
	s.CompletedPhases = append(s.CompletedPhases, p)
}

// ReopenPhase removes a phase from the completed set, used by the
// correction-triggered regression.
func (s *TaskState) ReopenPhase(p Phase) {
	filtered := s.CompletedPhases[:0]
	for _, c := range s.CompletedPhases {
		if c != p {
			filtered = append(filtered, c)
		}
	}
	s.CompletedPhases = filtered
}

// AppendObservation records a finished tool invocation in the capped ring.
func (s *TaskState) AppendObservation(obs tools.Observation) {
	s.Observations = append(s.Observations, obs)
	if len(s.Observations) > observationCap {
		s.Observations = append([]tools.Observation(nil), s.Observations[len(s.Observations)-observationCap:]...)
	}
	copied := obs
	s.LastObservation = &copied
}

// phaseOrder orders phases for forward-only comparisons.
var phaseOrder = map[Phase]int{
	PhaseDiscovery:      0,
	PhasePlanning:       1,
	PhaseImplementation: 2,
	PhaseVerification:   3,
	PhaseDone:           4,
}

// AdvancePhase moves the phase forward. Backward moves are ignored; the
// only sanctioned regression goes through RegressToDiscovery.
func (s *TaskState) AdvancePhase(p Phase) bool {
	if phaseOrder[p] <= phaseOrder[s.Phase] {
		return false
	}
	s.Phase = p
	return true
}

// RegressToDiscovery is the single sanctioned backward transition: from
// implementation back to discovery after a correction recommends re-reading
// context. Discovery and planning reopen so they can be completed again.
func (s *TaskState) RegressToDiscovery() bool {
	if s.Phase != PhaseImplementation || !s.PhaseRequired(PhaseDiscovery) {
		return false
	}
	s.Phase = PhaseDiscovery
	s.ReopenPhase(PhaseDiscovery)
	s.ReopenPhase(PhasePlanning)
	return true
}

// SaveState writes the state as pretty-printed JSON.
func SaveState(path string, s *TaskState) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal task state: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// LoadState reads a persisted task state. A missing file returns
// (nil, nil) so callers can distinguish "new task" from a read failure.
func LoadState(path string) (*TaskState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read task state: %w", err)
	}
	var s TaskState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse task state: %w", err)
	}
	if s.StepAttempts == nil {
		s.StepAttempts = map[string]int{}
	}
	if s.CouncilRuns == nil {
		s.CouncilRuns = map[Phase]int{}
	}
	return &s, nil
}
