package verify

import (
	"strings"
	"testing"

	"taskpilot/internal/policy"
	"taskpilot/internal/tools"
)

func obs(tool string, success bool) tools.Observation {
	return tools.Observation{Tool: tool, Success: success}
}

func TestEvaluate_NoEvidenceAlwaysFails(t *testing.T) {
	for _, strictness := range []policy.Strictness{policy.StrictnessLenient, policy.StrictnessStandard, policy.StrictnessStrict} {
		res := Evaluate(Input{
			Observations: []tools.Observation{obs("read_file", true), obs("list_files", true)},
			TaskText:     "add a helper",
			Strictness:   strictness,
		})
		if res.Passed {
			t.Errorf("strictness %s: expected failure without write/command evidence", strictness)
		}
		if len(res.Suggestions) == 0 || !strings.Contains(res.Suggestions[0], RuleImplementationEvidence) {
			t.Errorf("strictness %s: expected a suggestion naming %q, got %v", strictness, RuleImplementationEvidence, res.Suggestions)
		}
	}
}

func TestEvaluate_StandardScenarioPasses(t *testing.T) {
	res := Evaluate(Input{
		Observations: []tools.Observation{
			obs("write_to_file", true),
			obs("execute_command", true),
		},
		TaskText:   "implement the feature",
		Strictness: policy.StrictnessStandard,
		WriteOps:   1,
		CommandOps: 1,
	})
	if !res.Passed {
		t.Fatalf("expected pass, got checks %+v", res.Checks)
	}
	if len(res.Suggestions) != 0 {
		t.Errorf("unexpected suggestions: %v", res.Suggestions)
	}
}

func TestEvaluate_LastCommandFailure(t *testing.T) {
	res := Evaluate(Input{
		Observations: []tools.Observation{
			obs("write_to_file", true),
			obs("execute_command", true),
			{Tool: "execute_command", Success: false, Error: "exit status 1\nstack trace"},
		},
		TaskText:   "implement the feature",
		Strictness: policy.StrictnessStandard,
	})
	if res.Passed {
		t.Fatal("expected failure when the most recent command failed")
	}
	found := false
	for _, s := range res.Suggestions {
		if strings.Contains(s, RuleLastCommandSuccess) && strings.Contains(s, "exit status 1") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected suggestion naming %q with first error line, got %v", RuleLastCommandSuccess, res.Suggestions)
	}
}

func TestEvaluate_CommandChecksSkippedWhenAbsent(t *testing.T) {
	res := Evaluate(Input{
		Observations: []tools.Observation{obs("write_to_file", true)},
		TaskText:     "implement the feature",
		Strictness:   policy.StrictnessStandard,
	})
	if !res.Passed {
		t.Fatalf("expected pass, got %+v", res.Checks)
	}
	for _, c := range res.Checks {
		if c.Name == RuleLastCommandSuccess && !c.Skipped {
			t.Error("last-command check should be skipped with no command observations")
		}
	}
}

func TestEvaluate_CountersOutliveObservationRing(t *testing.T) {
	// A long task's write and command observations can be evicted from the
	// capped ring; the rolling counters must still count as evidence.
	reads := make([]tools.Observation, 21)
	for i := range reads {
		reads[i] = obs("read_file", true)
	}

	res := Evaluate(Input{
		Observations: reads,
		TaskText:     "add tests for parser",
		Strictness:   policy.StrictnessStrict,
		WriteOps:     1,
		CommandOps:   1,
	})
	if !res.Passed {
		t.Fatalf("expected counters to satisfy evidence and keyword rules, got %+v", res.Checks)
	}
}

func TestEvaluate_TaskKeywordMatching(t *testing.T) {
	tests := []struct {
		name       string
		taskText   string
		strictness policy.Strictness
		withCmd    bool
		wantPass   bool
	}{
		{name: "strict, mentions test, no command", taskText: "add tests for parser", strictness: policy.StrictnessStrict, wantPass: false},
		{name: "strict, mentions spec, no command", taskText: "update the spec file handling", strictness: policy.StrictnessStrict, wantPass: false},
		{name: "strict, mentions test, has command", taskText: "add tests for parser", strictness: policy.StrictnessStrict, withCmd: true, wantPass: true},
		{name: "standard never applies keyword rule", taskText: "add tests for parser", strictness: policy.StrictnessStandard, wantPass: true},
		{name: "strict without keyword", taskText: "refactor parser", strictness: policy.StrictnessStrict, wantPass: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			observations := []tools.Observation{obs("write_to_file", true)}
			if tt.withCmd {
				observations = append(observations, obs("execute_command", true))
			}
			res := Evaluate(Input{
				Observations: observations,
				TaskText:     tt.taskText,
				Strictness:   tt.strictness,
			})
			if res.Passed != tt.wantPass {
				t.Errorf("Passed = %v, want %v (checks %+v)", res.Passed, tt.wantPass, res.Checks)
			}
			if !tt.wantPass {
				found := false
				for _, s := range res.Suggestions {
					if strings.Contains(s, RuleTaskKeywordMatching) {
						found = true
					}
				}
				if !found {
					t.Errorf("expected suggestion naming %q, got %v", RuleTaskKeywordMatching, res.Suggestions)
				}
			}
		})
	}
}

func TestEvaluate_InvokeSubToolEvidence(t *testing.T) {
	stateFile := "tasks/demo/state.json"

	tests := []struct {
		name string
		obs  tools.Observation
		want bool
	}{
		{
			name: "recognized write sub-tool counts",
			obs:  tools.Observation{Tool: tools.InvokeTool, SubTool: "edit_file", Success: true, Files: []string{"src/a.go"}},
			want: true,
		},
		{
			name: "unrecognized sub-tool does not count",
			obs:  tools.Observation{Tool: tools.InvokeTool, SubTool: "fetch_page", Success: true},
			want: false,
		},
		{
			name: "write to own state file does not count",
			obs:  tools.Observation{Tool: tools.InvokeTool, SubTool: "write_file", Success: true, Files: []string{stateFile}},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Evaluate(Input{
				Observations:  []tools.Observation{tt.obs},
				TaskText:      "do a thing",
				Strictness:    policy.StrictnessLenient,
				StateFilePath: stateFile,
			})
			if res.Passed != tt.want {
				t.Errorf("Passed = %v, want %v", res.Passed, tt.want)
			}
		})
	}
}

func TestEvaluate_PolicyOverrideDisablesRule(t *testing.T) {
	// Raising the keyword rule's minimum strictness above strict disables it
	// in practice; here we instead drop the last-command rule to lenient and
	// confirm it then applies at lenient strictness.
	res := Evaluate(Input{
		Observations: []tools.Observation{
			obs("write_to_file", true),
			{Tool: "execute_command", Success: false, Error: "boom"},
		},
		TaskText:   "implement",
		Strictness: policy.StrictnessLenient,
		Rules:      map[string]policy.Strictness{RuleLastCommandSuccess: policy.StrictnessLenient},
	})
	if res.Passed {
		t.Error("expected lowered applicability to enforce last-command rule at lenient strictness")
	}
}
