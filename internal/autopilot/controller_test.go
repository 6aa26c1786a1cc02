package autopilot

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"taskpilot/internal/correct"
	"taskpilot/internal/council"
	"taskpilot/internal/policy"
	"taskpilot/internal/tools"
)

type fakeProvider struct {
	response string
	err      error
}

func (f *fakeProvider) Name() string             { return "fake" }
func (f *fakeProvider) Model() string            { return "fake-model" }
func (f *fakeProvider) SupportsCompletion() bool { return true }

func (f *fakeProvider) Complete(_ context.Context, _ string) (string, error) {
	return f.response, f.err
}

func newTestController(t *testing.T, cfg Config) *Controller {
	t.Helper()
	if cfg.BaseDir == "" {
		cfg.BaseDir = t.TempDir()
	}
	if cfg.TaskID == "" {
		cfg.TaskID = "task-1"
	}
	if cfg.TaskText == "" {
		cfg.TaskText = "Refactor the request parser to handle chunked bodies"
	}
	cfg.Logger = log.New(io.Discard, "", 0)
	c := NewController(cfg)
	t.Cleanup(func() { c.Close(context.Background()) })
	return c
}

func succeeded(tool string, files ...string) tools.Observation {
	return tools.Observation{Tool: tool, Success: true, Files: files, DurationMs: 50}
}

func failed(tool, errText string, files ...string) tools.Observation {
	return tools.Observation{Tool: tool, Success: false, Error: errText, Files: files, DurationMs: 50}
}

func TestOnToolStart_ReadToolsNeverAdvancePhase(t *testing.T) {
	c := newTestController(t, Config{})
	ctx := context.Background()

	for _, tool := range []string{"read_file", "search_files", "list_files", "codebase_search"} {
		if err := c.OnToolStart(ctx, tool, nil); err != nil {
			t.Fatalf("OnToolStart(%s): %v", tool, err)
		}
	}
	if got := c.state.Phase; got != PhaseDiscovery {
		t.Errorf("phase = %s, want discovery", got)
	}
}

func TestOnToolStart_PhaseTransitions(t *testing.T) {
	tests := []struct {
		name      string
		tool      string
		params    map[string]interface{}
		wantPhase Phase
	}{
		{"planning tool", "update_todo_list", nil, PhasePlanning},
		{"write tool", "write_to_file", nil, PhaseImplementation},
		{"command tool", "execute_command", nil, PhaseImplementation},
		{"invoke write sub-tool", tools.InvokeTool, map[string]interface{}{"tool_name": "write_file"}, PhaseImplementation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestController(t, Config{})
			if err := c.OnToolStart(context.Background(), tt.tool, tt.params); err != nil {
				t.Fatalf("OnToolStart: %v", err)
			}
			if c.state.Phase != tt.wantPhase {
				t.Errorf("phase = %s, want %s", c.state.Phase, tt.wantPhase)
			}
		})
	}
}

func TestOnToolStart_ImplementationCompletesEarlierPhases(t *testing.T) {
	c := newTestController(t, Config{})
	if err := c.OnToolStart(context.Background(), "apply_diff", nil); err != nil {
		t.Fatalf("OnToolStart: %v", err)
	}
	if !c.state.PhaseCompleted(PhaseDiscovery) || !c.state.PhaseCompleted(PhasePlanning) {
		t.Errorf("discovery/planning not auto-completed: %v", c.state.CompletedPhases)
	}
}

func TestQuickStrategy_SkipsDiscoveryAndPlanning(t *testing.T) {
	c := newTestController(t, Config{TaskText: "fix typo in readme", Strategy: "quick"})
	if err := c.EnsureInitializedFast(context.Background()); err != nil {
		t.Fatalf("EnsureInitializedFast: %v", err)
	}
	if c.state.Phase != PhaseImplementation {
		t.Errorf("phase = %s, want implementation", c.state.Phase)
	}
	if c.state.PhaseRequired(PhaseDiscovery) || c.state.PhaseRequired(PhasePlanning) {
		t.Errorf("quick strategy requires %v, want implementation+verification only", c.state.RequiredPhases)
	}
	// Completing a non-required phase must be a no-op.
	c.state.CompletePhase(PhaseDiscovery)
	if c.state.PhaseCompleted(PhaseDiscovery) {
		t.Error("CompletePhase recorded a non-required phase")
	}
}

func TestGetCompletionBlocker_NoEvidence(t *testing.T) {
	c := newTestController(t, Config{})
	blocker, err := c.GetCompletionBlocker(context.Background())
	if err != nil {
		t.Fatalf("GetCompletionBlocker: %v", err)
	}
	if blocker == "" {
		t.Fatal("expected a blocker with zero recorded evidence")
	}
	if !strings.Contains(blocker, "Implementation evidence") {
		t.Errorf("blocker %q does not name the missing implementation evidence", blocker)
	}

	// A gate failure must leave a replay record behind.
	data, err := os.ReadFile(c.paths.ReplayFile())
	if err != nil {
		t.Fatalf("replay record not written: %v", err)
	}
	if !strings.Contains(string(data), GateVerification) {
		t.Errorf("replay record does not name the failed gate")
	}
}

func TestGetCompletionBlocker_StandardScenarioPasses(t *testing.T) {
	c := newTestController(t, Config{Strictness: policy.StrictnessStandard})
	ctx := context.Background()

	if err := c.OnToolFinish(ctx, "write_to_file", succeeded("write_to_file", "main.go")); err != nil {
		t.Fatalf("OnToolFinish: %v", err)
	}
	if err := c.OnToolFinish(ctx, "execute_command", succeeded("execute_command")); err != nil {
		t.Fatalf("OnToolFinish: %v", err)
	}

	blocker, err := c.GetCompletionBlocker(ctx)
	if err != nil {
		t.Fatalf("GetCompletionBlocker: %v", err)
	}
	if blocker != "" {
		t.Fatalf("unexpected blocker: %q", blocker)
	}
	if !c.state.PhaseCompleted(PhaseVerification) {
		t.Error("verification phase not completed after passing all gates")
	}
	if !c.state.PhaseCompleted(PhaseImplementation) {
		t.Error("implementation phase not completed after passing all gates")
	}
}

func TestGetCompletionBlocker_StrictTaskKeyword(t *testing.T) {
	c := newTestController(t, Config{
		TaskText:   "Add tests for the parser module",
		Strictness: policy.StrictnessStrict,
	})
	ctx := context.Background()
	if err := c.OnToolFinish(ctx, "write_to_file", succeeded("write_to_file", "parser_test.go")); err != nil {
		t.Fatalf("OnToolFinish: %v", err)
	}

	blocker, err := c.GetCompletionBlocker(ctx)
	if err != nil {
		t.Fatalf("GetCompletionBlocker: %v", err)
	}
	if !strings.Contains(blocker, "Task keyword matching") {
		t.Errorf("blocker %q does not name the keyword rule", blocker)
	}
}

func TestGetCompletionBlocker_EvidenceSurvivesRingEviction(t *testing.T) {
	c := newTestController(t, Config{})
	ctx := context.Background()

	if err := c.OnToolFinish(ctx, "write_to_file", succeeded("write_to_file", "parser.go")); err != nil {
		t.Fatalf("OnToolFinish: %v", err)
	}
	if err := c.OnToolFinish(ctx, "execute_command", succeeded("execute_command")); err != nil {
		t.Fatalf("OnToolFinish: %v", err)
	}
	for i := 0; i < 21; i++ {
		if err := c.OnToolFinish(ctx, "read_file", succeeded("read_file", "parser.go")); err != nil {
			t.Fatalf("OnToolFinish: %v", err)
		}
	}
	for _, obs := range c.state.Observations {
		if tools.WriteClass(obs) || tools.CommandClass(obs) {
			t.Fatal("evidence observations were not evicted; the scenario is stale")
		}
	}

	blocker, err := c.GetCompletionBlocker(ctx)
	if err != nil {
		t.Fatalf("GetCompletionBlocker: %v", err)
	}
	if blocker != "" {
		t.Errorf("blocker = %q, want completion allowed from rolling counters", blocker)
	}
}

func TestGateCost_ReadsLiveProbe(t *testing.T) {
	c := newTestController(t, Config{
		CostProbe: func() (float64, float64) { return 10, 10 },
	})
	ctx := context.Background()

	// No tool events, so the snapshot has never been refreshed; the gate
	// must still see the exhausted budget.
	blocker, err := c.GetCompletionBlocker(ctx)
	if err != nil {
		t.Fatalf("GetCompletionBlocker: %v", err)
	}
	if !strings.Contains(blocker, "Cost guardrail") {
		t.Errorf("blocker = %q, want the cost guardrail to block", blocker)
	}
	if c.state.Snapshot.CostRatio != 1.0 {
		t.Errorf("CostRatio = %.2f, want 1.0 from the live probe", c.state.Snapshot.CostRatio)
	}
}

func TestStateRoundTrip_FreshController(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	first := newTestController(t, Config{BaseDir: dir, TaskID: "round-trip"})
	if err := first.OnToolStart(ctx, "write_to_file", nil); err != nil {
		t.Fatalf("OnToolStart: %v", err)
	}
	if err := first.OnToolFinish(ctx, "write_to_file", succeeded("write_to_file", "a.go")); err != nil {
		t.Fatalf("OnToolFinish: %v", err)
	}
	if err := first.OnToolFinish(ctx, "execute_command", succeeded("execute_command")); err != nil {
		t.Fatalf("OnToolFinish: %v", err)
	}
	want := *first.state
	if err := first.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second := newTestController(t, Config{BaseDir: dir, TaskID: "round-trip"})
	if err := second.EnsureInitializedFast(ctx); err != nil {
		t.Fatalf("EnsureInitializedFast: %v", err)
	}
	got := second.state
	if got.Phase != want.Phase {
		t.Errorf("phase = %s, want %s", got.Phase, want.Phase)
	}
	if got.ToolRuns != want.ToolRuns || got.WriteOps != want.WriteOps || got.CommandOps != want.CommandOps {
		t.Errorf("counters = %d/%d/%d, want %d/%d/%d",
			got.ToolRuns, got.WriteOps, got.CommandOps, want.ToolRuns, want.WriteOps, want.CommandOps)
	}
	if len(got.Observations) != len(want.Observations) {
		t.Errorf("observations = %d, want %d", len(got.Observations), len(want.Observations))
	}
}

func TestOnToolFinish_RepeatedSameFileFailuresRegressPhase(t *testing.T) {
	c := newTestController(t, Config{})
	ctx := context.Background()

	if err := c.OnToolStart(ctx, "apply_diff", nil); err != nil {
		t.Fatalf("OnToolStart: %v", err)
	}
	if c.state.Phase != PhaseImplementation {
		t.Fatalf("setup: phase = %s", c.state.Phase)
	}

	sequence := []tools.Observation{
		failed("apply_diff", "search block does not match", "pkg/parser.go"),
		failed("apply_diff", "search block does not match", "pkg/parser.go"),
		succeeded("apply_diff", "pkg/parser.go"),
		failed("apply_diff", "search block does not match", "pkg/parser.go"),
		failed("apply_diff", "search block does not match", "pkg/parser.go"),
	}
	for i, obs := range sequence {
		if err := c.OnToolFinish(ctx, "apply_diff", obs); err != nil {
			t.Fatalf("OnToolFinish[%d]: %v", i, err)
		}
	}

	if c.state.Phase != PhaseDiscovery {
		t.Errorf("phase = %s, want discovery after repeated same-file failures", c.state.Phase)
	}
	pc := c.state.PendingCorrection
	if pc == nil || pc.Kind != correct.KindPhaseRegression {
		t.Errorf("pending correction = %+v, want phase_regression", pc)
	}
	if c.state.PhaseCompleted(PhaseDiscovery) {
		t.Error("discovery still marked completed after regression")
	}
}

func TestOnToolFinish_SuccessClearsPendingCorrection(t *testing.T) {
	c := newTestController(t, Config{})
	ctx := context.Background()

	if err := c.OnToolFinish(ctx, "apply_diff", failed("apply_diff", "no such file", "a.go")); err != nil {
		t.Fatalf("OnToolFinish: %v", err)
	}
	if c.state.PendingCorrection == nil {
		t.Fatal("no pending correction after a failure")
	}
	if err := c.OnToolFinish(ctx, "apply_diff", succeeded("apply_diff", "a.go")); err != nil {
		t.Fatalf("OnToolFinish: %v", err)
	}
	if c.state.PendingCorrection != nil {
		t.Error("pending correction survived a success")
	}
}

func TestOnToolFinish_ThrottleModeChangesUnderFailures(t *testing.T) {
	c := newTestController(t, Config{})
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		if err := c.OnToolFinish(ctx, "execute_command", failed("execute_command", "exit status 1")); err != nil {
			t.Fatalf("OnToolFinish: %v", err)
		}
	}
	if c.state.ThrottleMode != ThrottleFallback {
		t.Errorf("throttle mode = %s, want fallback at failure rate 1.0", c.state.ThrottleMode)
	}
	if !c.state.DegradedModeUsed {
		t.Error("DegradedModeUsed not latched")
	}
}

func TestNotesCounterTracksFindingsAndProgress(t *testing.T) {
	c := newTestController(t, Config{})
	ctx := context.Background()

	if err := c.EnsureInitialized(ctx); err != nil {
		t.Fatalf("EnsureInitialized: %v", err)
	}
	base := c.state.Notes
	if base == 0 {
		t.Fatal("initialization recorded no notes")
	}

	// A failure writes a warn finding.
	if err := c.OnToolFinish(ctx, "apply_diff", failed("apply_diff", "no match found", "a.go")); err != nil {
		t.Fatalf("OnToolFinish: %v", err)
	}
	if c.state.Notes <= base {
		t.Errorf("Notes = %d, want more than %d after a failure finding", c.state.Notes, base)
	}
}

func TestOnToolFinish_ScrubsErrorText(t *testing.T) {
	c := newTestController(t, Config{})
	ctx := context.Background()

	err := c.OnToolFinish(ctx, "execute_command",
		failed("execute_command", "curl failed: api_key=sk1234567890abcdefghijklmnop rejected"))
	if err != nil {
		t.Fatalf("OnToolFinish: %v", err)
	}
	last := c.state.LastObservation
	if last == nil {
		t.Fatal("no observation recorded")
	}
	if strings.Contains(last.Error, "sk1234567890") {
		t.Errorf("secret survived in stored error: %q", last.Error)
	}
	if !strings.Contains(last.Error, "***REDACTED***") {
		t.Errorf("expected redaction marker in %q", last.Error)
	}
}

func TestGetPromptGuidance_SingleStatusLine(t *testing.T) {
	c := newTestController(t, Config{})
	ctx := context.Background()
	if err := c.OnToolFinish(ctx, "read_file", succeeded("read_file", "main.go")); err != nil {
		t.Fatalf("OnToolFinish: %v", err)
	}

	line, err := c.GetPromptGuidance(ctx)
	if err != nil {
		t.Fatalf("GetPromptGuidance: %v", err)
	}
	if strings.Contains(line, "\n") {
		t.Errorf("guidance is not a single line: %q", line)
	}
	for _, want := range []string{"phase=", "strategy=", "throttle=", "last: read_file ok"} {
		if !strings.Contains(line, want) {
			t.Errorf("guidance %q missing %q", line, want)
		}
	}
}

func TestRegisterChildTask_EvidenceMerge(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	child := newTestController(t, Config{BaseDir: dir, TaskID: "child"})
	if err := child.OnToolFinish(ctx, "write_to_file", succeeded("write_to_file", "b.go")); err != nil {
		t.Fatalf("child OnToolFinish: %v", err)
	}
	if err := child.OnToolFinish(ctx, "execute_command", succeeded("execute_command")); err != nil {
		t.Fatalf("child OnToolFinish: %v", err)
	}
	childState := child.paths.StateFile()
	if err := child.Close(ctx); err != nil {
		t.Fatalf("child Close: %v", err)
	}

	parent := newTestController(t, Config{BaseDir: dir, TaskID: "parent"})
	if err := parent.EnsureInitializedFast(ctx); err != nil {
		t.Fatalf("EnsureInitializedFast: %v", err)
	}
	parent.RegisterChildTask(childState)

	blocker, err := parent.GetCompletionBlocker(ctx)
	if err != nil {
		t.Fatalf("GetCompletionBlocker: %v", err)
	}
	if blocker != "" {
		t.Errorf("child evidence did not satisfy verification: %q", blocker)
	}
}

func TestEnsureInitialized_CouncilPlanAdopted(t *testing.T) {
	provider := &fakeProvider{response: `{"summary": "plan", "steps": [` +
		`{"description": "Read the config loader", "phase": "discovery", "tools": ["read_file"]},` +
		`{"description": "Rewrite the loader", "phase": "implementation"}]}`}
	c := newTestController(t, Config{
		TaskText: strings.Repeat("Refactor the configuration loader to support layered overrides. ", 3),
		Council:  council.New(provider, 0),
	})
	if err := c.EnsureInitialized(context.Background()); err != nil {
		t.Fatalf("EnsureInitialized: %v", err)
	}
	if c.plan.Origin != PlanOriginCouncil {
		t.Errorf("plan origin = %s, want council", c.plan.Origin)
	}
	if len(c.plan.Steps) != 2 {
		t.Errorf("plan has %d steps, want 2", len(c.plan.Steps))
	}
	if c.state.CouncilTotal == 0 {
		t.Error("council consultation not counted")
	}
}

func TestEnsureInitialized_CouncilFailureKeepsHeuristicPlan(t *testing.T) {
	provider := &fakeProvider{err: io.ErrUnexpectedEOF}
	c := newTestController(t, Config{
		TaskText: strings.Repeat("Refactor the configuration loader to support layered overrides. ", 3),
		Council:  council.New(provider, 0),
	})
	if err := c.EnsureInitialized(context.Background()); err != nil {
		t.Fatalf("EnsureInitialized: %v", err)
	}
	if c.plan.Origin != PlanOriginHeuristic {
		t.Errorf("plan origin = %s, want heuristic fallback", c.plan.Origin)
	}
}

func TestGateCodeReview_LowScoreBlocks(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	reviewed := filepath.Join(dir, "handler.go")
	if err := os.WriteFile(reviewed, []byte("package main\n"), 0644); err != nil {
		t.Fatal(err)
	}

	provider := &fakeProvider{response: `{"score": 2, "summary": "incomplete error handling",` +
		` "critical_issues": ["nil deref"], "major_issues": [], "minor_issues": []}`}
	c := newTestController(t, Config{
		BaseDir:  dir,
		TaskText: strings.Repeat("Implement the request handler with streaming support. ", 3),
		Council:  council.New(provider, 0),
	})
	if err := c.EnsureInitializedFast(ctx); err != nil {
		t.Fatalf("EnsureInitializedFast: %v", err)
	}
	if err := c.OnToolFinish(ctx, "write_to_file", succeeded("write_to_file", reviewed)); err != nil {
		t.Fatalf("OnToolFinish: %v", err)
	}
	if err := c.OnToolFinish(ctx, "execute_command", succeeded("execute_command")); err != nil {
		t.Fatalf("OnToolFinish: %v", err)
	}

	blocker, err := c.GetCompletionBlocker(ctx)
	if err != nil {
		t.Fatalf("GetCompletionBlocker: %v", err)
	}
	if !strings.Contains(blocker, "Code review scored 2/10") {
		t.Errorf("blocker = %q, want a code review rejection", blocker)
	}
	if c.state.CodeReviewRuns != 1 {
		t.Errorf("CodeReviewRuns = %d, want 1", c.state.CodeReviewRuns)
	}
	if c.state.LastReviewScore != 2 {
		t.Errorf("LastReviewScore = %d, want 2", c.state.LastReviewScore)
	}
}

func TestBlockedReviewCountsCanaryFailure(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	reviewed := filepath.Join(dir, "handler.go")
	if err := os.WriteFile(reviewed, []byte("package main\n"), 0644); err != nil {
		t.Fatal(err)
	}

	provider := &fakeProvider{response: `{"score": 2, "summary": "incomplete error handling",` +
		` "critical_issues": ["nil deref"], "major_issues": [], "minor_issues": []}`}
	c := newTestController(t, Config{
		BaseDir:  dir,
		TaskText: strings.Repeat("Implement the request handler with streaming support. ", 3),
		Council:  council.New(provider, 0),
	})
	if err := c.EnsureInitializedFast(ctx); err != nil {
		t.Fatalf("EnsureInitializedFast: %v", err)
	}
	if err := c.OnToolFinish(ctx, "write_to_file", succeeded("write_to_file", reviewed)); err != nil {
		t.Fatalf("OnToolFinish: %v", err)
	}
	if err := c.OnToolFinish(ctx, "execute_command", succeeded("execute_command")); err != nil {
		t.Fatalf("OnToolFinish: %v", err)
	}

	if _, err := c.GetCompletionBlocker(ctx); err != nil {
		t.Fatalf("GetCompletionBlocker: %v", err)
	}
	if c.canary.Samples != 1 {
		t.Errorf("canary samples = %d, want 1 after a blocked review", c.canary.Samples)
	}
	if c.canary.FailedSamples != 1 {
		t.Errorf("canary failed samples = %d, want 1 after a blocked review", c.canary.FailedSamples)
	}
}

func TestGateCodeReview_ParseFailureDoesNotConsumeRunBudget(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	reviewed := filepath.Join(dir, "handler.go")
	if err := os.WriteFile(reviewed, []byte("package main\n"), 0644); err != nil {
		t.Fatal(err)
	}

	provider := &fakeProvider{response: "the code looks fine to me"}
	c := newTestController(t, Config{
		BaseDir:  dir,
		TaskText: strings.Repeat("Implement the request handler with streaming support. ", 3),
		Council:  council.New(provider, 0),
	})
	if err := c.EnsureInitializedFast(ctx); err != nil {
		t.Fatalf("EnsureInitializedFast: %v", err)
	}
	if err := c.OnToolFinish(ctx, "write_to_file", succeeded("write_to_file", reviewed)); err != nil {
		t.Fatalf("OnToolFinish: %v", err)
	}
	if err := c.OnToolFinish(ctx, "execute_command", succeeded("execute_command")); err != nil {
		t.Fatalf("OnToolFinish: %v", err)
	}

	blocker, err := c.GetCompletionBlocker(ctx)
	if err != nil {
		t.Fatalf("GetCompletionBlocker: %v", err)
	}
	if !strings.Contains(blocker, "review failed") {
		t.Errorf("blocker = %q, want a parse-failure rejection", blocker)
	}
	if c.state.CodeReviewRuns != 0 {
		t.Errorf("CodeReviewRuns = %d, want 0 after a parse failure", c.state.CodeReviewRuns)
	}
}

func TestMarkCompletionAccepted(t *testing.T) {
	c := newTestController(t, Config{})
	ctx := context.Background()
	if err := c.OnToolFinish(ctx, "write_to_file", succeeded("write_to_file", "a.go")); err != nil {
		t.Fatalf("OnToolFinish: %v", err)
	}

	if err := c.MarkCompletionAccepted(ctx); err != nil {
		t.Fatalf("MarkCompletionAccepted: %v", err)
	}
	if c.state.Phase != PhaseDone {
		t.Errorf("phase = %s, want done", c.state.Phase)
	}
	if _, err := os.Stat(c.paths.SummaryFile()); err != nil {
		t.Errorf("final summary not written: %v", err)
	}
	if c.canary.Samples != 1 {
		t.Errorf("canary samples = %d, want 1 recorded pass", c.canary.Samples)
	}
}

func TestMarkCompletionAccepted_RequiresInitialization(t *testing.T) {
	c := newTestController(t, Config{})
	err := c.MarkCompletionAccepted(context.Background())
	if err == nil || !strings.Contains(err.Error(), "not initialized") {
		t.Errorf("err = %v, want a not-initialized error", err)
	}
}
