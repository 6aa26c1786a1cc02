// Package policy loads the two declarative policy documents consumed by the
// autopilot: the tool risk matrix and the quality gates. Loading is never
// fatal; missing or invalid documents fall back to built-in defaults and the
// resulting bundle records a warning for each substitution.
package policy

import "strings"

// RiskClass is the policy-assigned sensitivity tier of a tool or sub-tool.
// It is used for logging and gating emphasis, not for blocking by itself.
type RiskClass string

const (
	RiskR0 RiskClass = "R0"
	RiskR1 RiskClass = "R1"
	RiskR2 RiskClass = "R2"
	RiskR3 RiskClass = "R3"
)

// ValidRiskClass reports whether s is one of R0..R3.
func ValidRiskClass(s string) bool {
	switch RiskClass(s) {
	case RiskR0, RiskR1, RiskR2, RiskR3:
		return true
	}
	return false
}

// Strictness selects how many verification rules apply.
type Strictness string

const (
	StrictnessLenient  Strictness = "lenient"
	StrictnessStandard Strictness = "standard"
	StrictnessStrict   Strictness = "strict"
)

// Rank orders strictness levels so rule applicability can be compared.
func (s Strictness) Rank() int {
	switch s {
	case StrictnessLenient:
		return 0
	case StrictnessStandard:
		return 1
	case StrictnessStrict:
		return 2
	}
	return 1
}

// RiskMatrix maps tools (and sub-tools of the generic invoke tool) to risk
// classes.
type RiskMatrix struct {
	Default  RiskClass            `yaml:"default"`
	Tools    map[string]RiskClass `yaml:"tools"`
	SubTools map[string]RiskClass `yaml:"sub_tools"`
}

// Classify returns the risk class for a tool invocation. Sub-tool entries
// take precedence for the generic invoke tool.
func (m RiskMatrix) Classify(tool, subTool string) RiskClass {
	if subTool != "" {
		if c, ok := m.SubTools[strings.ToLower(subTool)]; ok {
			return c
		}
	}
	if c, ok := m.Tools[tool]; ok {
		return c
	}
	if m.Default != "" {
		return m.Default
	}
	return RiskR1
}

// AdaptiveThresholds configure the runtime throttle and re-planning cadence.
type AdaptiveThresholds struct {
	// Window is the number of recent observations used for failure rate and
	// p95 latency.
	Window int `yaml:"window"`

	ThrottleFailureRate float64 `yaml:"throttle_failure_rate"`
	ThrottleP95Ms       int64   `yaml:"throttle_p95_ms"`
	FallbackFailureRate float64 `yaml:"fallback_failure_rate"`
	FallbackP95Ms       int64   `yaml:"fallback_p95_ms"`

	// ReplanInterval is the base number of tool runs between re-planning
	// evaluations in normal mode; throttled and fallback modes stretch it.
	ReplanInterval    int     `yaml:"replan_interval"`
	ReplanFailureRate float64 `yaml:"replan_failure_rate"`
}

// CostGuardrails configure the live cost/cap ratio checks.
type CostGuardrails struct {
	Enabled       bool    `yaml:"enabled"`
	WarnRatio     float64 `yaml:"warn_ratio"`
	ThrottleRatio float64 `yaml:"throttle_ratio"`
	FallbackRatio float64 `yaml:"fallback_ratio"`
}

// CanaryPolicy configures the per-fingerprint rollout gate.
type CanaryPolicy struct {
	Enabled        bool    `yaml:"enabled"`
	SampleSize     int     `yaml:"sample_size"`
	MaxFailureRate float64 `yaml:"max_failure_rate"`
	MaxP95Ms       int64   `yaml:"max_p95_ms"`
	MinReviewScore int     `yaml:"min_review_score"`
}

// CodeReviewPolicy configures the pre-completion code review gate.
type CodeReviewPolicy struct {
	Enabled    bool `yaml:"enabled"`
	MinScore   int  `yaml:"min_score"`
	CharBudget int  `yaml:"char_budget"`
	MaxRuns    int  `yaml:"max_runs"`
	TimeoutSec int  `yaml:"timeout_sec"`
}

// CouncilPolicy limits how often the council may be consulted.
type CouncilPolicy struct {
	Enabled           bool `yaml:"enabled"`
	MaxPerPhase       int  `yaml:"max_per_phase"`
	MaxTotal          int  `yaml:"max_total"`
	MinTaskTextLength int  `yaml:"min_task_text_length"`
	TimeoutSec        int  `yaml:"timeout_sec"`
}

// MemoryPolicy configures cross-task memory freshness and retention.
type MemoryPolicy struct {
	FreshnessTTLHours int `yaml:"freshness_ttl_hours"`
	MaxStaleResults   int `yaml:"max_stale_results"`
	MaxEntries        int `yaml:"max_entries"`
	RecallLimit       int `yaml:"recall_limit"`
}

// ReplayPolicy bounds how much recent history a replay record captures.
type ReplayPolicy struct {
	ObservationTail int `yaml:"observation_tail"`
	TraceTail       int `yaml:"trace_tail"`
}

// QualityGates is the second policy document: everything that gates task
// completion and runtime posture.
type QualityGates struct {
	// Verification maps rule name to the minimum strictness at which it
	// applies, overriding the built-in applicability table.
	Verification map[string]Strictness `yaml:"verification"`

	// RequiredArtifacts are file names that must exist in the task directory
	// before completion is allowed.
	RequiredArtifacts []string `yaml:"required_artifacts"`

	Adaptive   AdaptiveThresholds `yaml:"adaptive"`
	Cost       CostGuardrails     `yaml:"cost"`
	Canary     CanaryPolicy       `yaml:"canary"`
	CodeReview CodeReviewPolicy   `yaml:"code_review"`
	Council    CouncilPolicy      `yaml:"council"`
	Memory     MemoryPolicy       `yaml:"memory"`
	Replay     ReplayPolicy       `yaml:"replay"`
}

// Bundle is the immutable policy set for one task's lifetime.
type Bundle struct {
	Risk  RiskMatrix
	Gates QualityGates

	// Warnings lists every fallback taken while loading.
	Warnings []string
}
