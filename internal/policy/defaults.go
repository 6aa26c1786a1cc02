package policy

// Built-in defaults, used whenever a policy document is missing or invalid.

// DefaultRiskMatrix returns the built-in tool risk matrix.
func DefaultRiskMatrix() RiskMatrix {
	return RiskMatrix{
		Default: RiskR1,
		Tools: map[string]RiskClass{
			"read_file":                  RiskR0,
			"search_files":               RiskR0,
			"list_files":                 RiskR0,
			"list_code_definition_names": RiskR0,
			"codebase_search":            RiskR0,
			"update_todo_list":           RiskR0,
			"ask_followup_question":      RiskR0,
			"switch_mode":                RiskR1,
			"write_to_file":              RiskR2,
			"apply_diff":                 RiskR2,
			"insert_content":             RiskR2,
			"search_and_replace":         RiskR2,
			"execute_command":            RiskR3,
			"use_mcp_tool":               RiskR2,
		},
		SubTools: map[string]RiskClass{
			"delete_file": RiskR3,
			"move_file":   RiskR2,
			"apply_patch": RiskR2,
			"write_file":  RiskR2,
			"edit_file":   RiskR2,
			"create_file": RiskR2,
		},
	}
}

// DefaultQualityGates returns the built-in quality gates.
func DefaultQualityGates() QualityGates {
	return QualityGates{
		Verification: map[string]Strictness{
			"Implementation evidence":    StrictnessLenient,
			"Last command success":       StrictnessStandard,
			"No unresolved write errors": StrictnessStandard,
			"Task keyword matching":      StrictnessStrict,
		},
		RequiredArtifacts: []string{
			"state.json",
			"task_plan.md",
			"findings.md",
			"progress.md",
			"execution_trace.jsonl",
		},
		Adaptive: AdaptiveThresholds{
			Window:              8,
			ThrottleFailureRate: 0.25,
			ThrottleP95Ms:       20000,
			FallbackFailureRate: 0.5,
			FallbackP95Ms:       45000,
			ReplanInterval:      6,
			ReplanFailureRate:   0.4,
		},
		Cost: CostGuardrails{
			Enabled:       true,
			WarnRatio:     0.5,
			ThrottleRatio: 0.7,
			FallbackRatio: 0.9,
		},
		Canary: CanaryPolicy{
			Enabled:        true,
			SampleSize:     5,
			MaxFailureRate: 0.3,
			MaxP95Ms:       45000,
			MinReviewScore: 4,
		},
		CodeReview: CodeReviewPolicy{
			Enabled:    true,
			MinScore:   4,
			CharBudget: 24000,
			MaxRuns:    1,
			TimeoutSec: 120,
		},
		Council: CouncilPolicy{
			Enabled:           true,
			MaxPerPhase:       2,
			MaxTotal:          6,
			MinTaskTextLength: 80,
			TimeoutSec:        90,
		},
		Memory: MemoryPolicy{
			FreshnessTTLHours: 168,
			MaxStaleResults:   2,
			MaxEntries:        500,
			RecallLimit:       5,
		},
		Replay: ReplayPolicy{
			ObservationTail: 10,
			TraceTail:       25,
		},
	}
}
