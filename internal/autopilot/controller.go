package autopilot

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"taskpilot/internal/correct"
	"taskpilot/internal/council"
	"taskpilot/internal/memory"
	"taskpilot/internal/observability"
	"taskpilot/internal/policy"
	"taskpilot/internal/security"
	"taskpilot/internal/tools"
	"taskpilot/internal/trace"
)

// ErrNotInitialized is returned by operations that require a successful
// EnsureInitialized call first.
var ErrNotInitialized = errors.New("autopilot not initialized")

// Config wires a Controller to its collaborators. Only BaseDir and TaskID
// are required; everything else has a working default.
type Config struct {
	BaseDir  string
	TaskID   string
	TaskText string
	Mode     string

	// Strategy forces a strategy instead of the task-text heuristic.
	Strategy string

	// Strictness selects the verification level. Empty means standard.
	Strictness policy.Strictness

	// Council is the completion-provider engine. Nil disables every
	// council-backed enhancement and the code review gate.
	Council *council.Engine

	// Fingerprint overrides the council engine's provider/model fingerprint
	// for canary tracking.
	Fingerprint string

	// Memory is the shared cross-task store. Nil disables recall/remember.
	Memory *memory.Store

	// Tracer exports the task lifecycle. Nil selects the no-op tracer.
	Tracer observability.Tracer

	Logger *log.Logger

	// CostProbe returns the live running cost and its cap. Nil disables the
	// cost guardrails regardless of policy.
	CostProbe func() (cost, cap float64)

	Now func() time.Time
}

// Controller owns one task's autopilot state. All public operations are
// serialized through a single cooperative queue; the first call to any of
// them performs lazy initialization.
type Controller struct {
	cfg    Config
	queue  *opQueue
	logger *log.Logger
	tracer observability.Tracer
	now    func() time.Time

	closeOnce sync.Once
	scrubber  *security.Scrubber

	// Everything below is only touched from inside queue operations.
	initialized bool
	paths       TaskPaths
	bundle      *policy.Bundle
	state       *TaskState
	plan        *Plan
	sink        *trace.FileSink
	canaryStore *CanaryStore
	canary      CanaryState
	recalled    []memory.Entry
	progress    progressLog
	childStates []string
	lastBlocker string
}

// NewController creates a controller for one task. Initialization is
// deferred to the first operation.
func NewController(cfg Config) *Controller {
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[autopilot] ", log.LstdFlags)
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = &observability.NoOpTracer{}
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	if cfg.Strictness == "" {
		cfg.Strictness = policy.StrictnessStandard
	}
	return &Controller{
		cfg:      cfg,
		queue:    newOpQueue(),
		logger:   logger,
		tracer:   tracer,
		now:      now,
		scrubber: security.NewScrubber(),
	}
}

func (c *Controller) logInfo(format string, args ...interface{}) {
	c.logger.Printf(format, args...)
}

func (c *Controller) logWarning(format string, args ...interface{}) {
	c.logger.Printf("Warning: "+format, args...)
}

// EnsureInitialized performs full initialization, including the council
// decomposition attempt for eligible tasks.
func (c *Controller) EnsureInitialized(ctx context.Context) error {
	var err error
	c.queue.do(func() { err = c.initLocked(ctx, false) })
	return err
}

// EnsureInitializedFast initializes with the heuristic plan only, skipping
// every provider call so the first tool can run immediately.
func (c *Controller) EnsureInitializedFast(ctx context.Context) error {
	var err error
	c.queue.do(func() { err = c.initLocked(ctx, true) })
	return err
}

// DeferAIEnhancement upgrades a fast-initialized heuristic plan with a
// council decomposition in the background, without blocking the caller.
func (c *Controller) DeferAIEnhancement(ctx context.Context) {
	c.queue.submit(func() {
		if !c.initialized || c.plan == nil || c.plan.Origin != PlanOriginHeuristic {
			return
		}
		if upgraded := c.councilPlan(ctx); upgraded != nil {
			c.plan = upgraded
			c.logInfo("Upgraded heuristic plan to council plan (%d steps)", len(upgraded.Steps))
			c.syncArtifacts()
		}
	})
}

// Close drains the queue, persists state, and releases the trace sink.
// Safe to call more than once.
func (c *Controller) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		c.queue.do(func() {
			if !c.initialized {
				return
			}
			c.syncArtifacts()
			if closeErr := c.sink.Close(); closeErr != nil {
				c.logWarning("failed to close trace sink: %v", closeErr)
			}
		})
		c.queue.close()
		err = c.tracer.Stop(ctx)
	})
	return err
}

// initLocked runs inside the queue. Idempotent: a second call is a no-op.
func (c *Controller) initLocked(ctx context.Context, fast bool) error {
	if c.initialized {
		return nil
	}
	if c.cfg.BaseDir == "" || c.cfg.TaskID == "" {
		return errors.New("autopilot requires a base directory and task id")
	}

	c.paths = NewTaskPaths(c.cfg.BaseDir, SanitizeTaskID(c.cfg.TaskID))
	if err := c.paths.Ensure(); err != nil {
		return fmt.Errorf("failed to create task directory: %w", err)
	}
	if migrated := c.paths.MigrateLegacyLayout(); len(migrated) > 0 {
		c.logInfo("Migrated legacy artifacts: %s", strings.Join(migrated, ", "))
	}

	c.bundle = policy.Load(c.paths.PolicyDir())
	for _, w := range c.bundle.Warnings {
		c.logWarning("policy: %s", w)
	}

	state, err := LoadState(c.paths.StateFile())
	if err != nil {
		c.logWarning("unreadable task state, starting fresh: %v", err)
	}
	if state == nil {
		state = NewTaskState(c.cfg.TaskID, c.cfg.TaskText, c.cfg.Mode, c.cfg.Strategy, c.now())
		c.logInfo("Created task %s (strategy=%s, phase=%s)", state.TaskID, state.Strategy, state.Phase)
	} else {
		c.logInfo("Resumed task %s (strategy=%s, phase=%s, tool_runs=%d)",
			state.TaskID, state.Strategy, state.Phase, state.ToolRuns)
	}
	c.state = state

	sink, err := trace.NewFileSink(c.paths.TraceFile())
	if err != nil {
		return fmt.Errorf("failed to open execution trace: %w", err)
	}
	c.sink = sink

	c.canaryStore = NewCanaryStore(c.paths.ControlDir())
	if c.bundle.Gates.Canary.Enabled {
		c.canary = c.canaryStore.Load(c.fingerprint(), c.bundle.Gates.Canary.SampleSize)
	}

	c.plan = HeuristicPlan(c.state)
	if !fast {
		if upgraded := c.councilPlan(ctx); upgraded != nil {
			c.plan = upgraded
		}
	}

	c.recallMemory()

	c.initialized = true
	c.recordEvent(trace.EventPolicyLoaded, func(ev *trace.Event) {
		ev.Detail = fmt.Sprintf("policy loaded with %d warnings", len(c.bundle.Warnings))
		if len(c.bundle.Warnings) > 0 {
			ev.Fields = map[string]interface{}{"warnings": c.bundle.Warnings}
		}
	})
	c.tracer.StartTask(c.state.TaskID, observability.TaskOptions{
		Fingerprint: c.fingerprint(),
		Strategy:    string(c.state.Strategy),
		Mode:        c.state.Mode,
	})
	c.addProgress("task initialized (strategy=%s, plan=%s, %d steps)",
		c.state.Strategy, c.plan.Origin, len(c.plan.Steps))
	c.addFinding(FindingInfo, "task %s initialized with strategy %s", c.state.TaskID, c.state.Strategy)
	c.syncArtifacts()
	return nil
}

// fingerprint identifies the provider/model rollout cohort.
func (c *Controller) fingerprint() string {
	if c.cfg.Fingerprint != "" {
		return c.cfg.Fingerprint
	}
	if c.cfg.Council != nil {
		return c.cfg.Council.Fingerprint()
	}
	return "none"
}

// councilEligible reports whether this task may use the council at all.
func (c *Controller) councilEligible() bool {
	return c.cfg.Council != nil &&
		c.cfg.Council.Available() &&
		c.bundle.Gates.Council.Enabled &&
		len(c.cfg.TaskText) >= c.bundle.Gates.Council.MinTaskTextLength
}

// councilBudgetOK checks the per-phase and total consultation budgets and
// the throttle gate. Fallback mode suppresses everything except the
// verification-phase consultation.
func (c *Controller) councilBudgetOK(phase Phase) bool {
	gates := c.bundle.Gates.Council
	if c.state.CouncilRuns[phase] >= gates.MaxPerPhase || c.state.CouncilTotal >= gates.MaxTotal {
		return false
	}
	if c.state.ThrottleMode == ThrottleFallback && phase != PhaseVerification {
		return false
	}
	return true
}

// councilTimeout converts the policy timeout to a duration.
func (c *Controller) councilTimeout() time.Duration {
	if sec := c.bundle.Gates.Council.TimeoutSec; sec > 0 {
		return time.Duration(sec) * time.Second
	}
	return 0
}

// councilPlan asks the council for a structured decomposition. Any failure
// returns nil and the caller keeps its current plan.
func (c *Controller) councilPlan(ctx context.Context) *Plan {
	if !c.councilEligible() || !c.councilBudgetOK(c.state.Phase) {
		return nil
	}
	req := council.Request{
		Action:      council.ActionStructuredDecompose,
		Mode:        c.state.Mode,
		Strategy:    string(c.state.Strategy),
		TaskSummary: taskHeadline(c.state.TaskText),
		TaskText:    c.state.TaskText,
		Timeout:     c.councilTimeout(),
	}
	res, err := c.cfg.Council.Decompose(ctx, req)
	c.noteCouncilRun(c.state.Phase, string(council.ActionStructuredDecompose), err)
	if err != nil || !res.Parsed {
		return nil
	}
	return PlanFromCouncil(res)
}

// noteCouncilRun updates the consultation counters and audit trail for one
// council call, successful or not.
func (c *Controller) noteCouncilRun(phase Phase, action string, err error) {
	c.state.CouncilRuns[phase]++
	c.state.CouncilTotal++
	status := "ok"
	if err != nil {
		status = "error"
		c.logWarning("council %s failed: %v", action, err)
	}
	c.recordEvent(trace.EventCouncilConsulted, func(ev *trace.Event) {
		ev.Detail = fmt.Sprintf("%s (%s)", action, status)
		ev.Fields = map[string]interface{}{
			"phase":  string(phase),
			"action": action,
			"status": status,
		}
	})
	model := ""
	if c.cfg.Council != nil {
		model = c.fingerprint()
	}
	c.tracer.RecordGeneration(c.state.TaskID, observability.GenerationInput{
		Action: action,
		Model:  model,
		Status: status,
	})
}

// consult runs one generic council action as a best-effort enhancement.
func (c *Controller) consult(ctx context.Context, action council.Action, extra string) {
	if !c.councilEligible() || !c.councilBudgetOK(c.state.Phase) {
		c.tracer.RecordSkipped(c.state.TaskID, string(action), "ineligible or over budget")
		return
	}
	req := council.Request{
		Action:      action,
		Mode:        c.state.Mode,
		Strategy:    string(c.state.Strategy),
		TaskSummary: taskHeadline(c.state.TaskText),
		TaskText:    c.state.TaskText,
		Extra:       extra,
		Timeout:     c.councilTimeout(),
	}
	res, err := c.cfg.Council.Consult(ctx, req)
	c.noteCouncilRun(c.state.Phase, string(action), err)
	if err != nil {
		return
	}
	c.addFinding(FindingInfo, "council %s: %s", action, res.Summary)
}

// recallMemory loads cross-task memory and recalls entries relevant to the
// task text. Strictly best-effort.
func (c *Controller) recallMemory() {
	if c.cfg.Memory == nil || c.state.TaskText == "" {
		return
	}
	mem := c.bundle.Gates.Memory
	c.recalled = c.cfg.Memory.Recall(c.state.TaskText, mem.RecallLimit, memory.RecallOptions{
		FreshnessTTLHours: mem.FreshnessTTLHours,
		MaxStaleResults:   mem.MaxStaleResults,
	})
	for _, e := range c.recalled {
		c.addFinding(FindingInfo, "recalled %s: %s", e.Type, e.Content)
	}
	if len(c.recalled) > 0 {
		c.logInfo("Recalled %d memory entries", len(c.recalled))
	}
}

// RecalledMemory returns the entries recalled at initialization.
func (c *Controller) RecalledMemory() []memory.Entry {
	var out []memory.Entry
	c.queue.do(func() { out = c.recalled })
	return out
}

// RegisterChildTask points the controller at a completed child task's state
// file so the child's evidence counts toward this task's verification.
func (c *Controller) RegisterChildTask(stateFile string) {
	c.queue.do(func() { c.childStates = append(c.childStates, stateFile) })
}

// extractSubTool pulls the sub-tool name out of a generic invoke call's
// parameters.
func extractSubTool(params map[string]interface{}) string {
	for _, key := range []string{"tool_name", "sub_tool"} {
		if v, ok := params[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// OnToolStart records an imminent tool invocation: counters, risk
// classification, and automatic phase transitions.
func (c *Controller) OnToolStart(ctx context.Context, name string, params map[string]interface{}) error {
	var err error
	c.queue.do(func() {
		if err = c.initLocked(ctx, true); err != nil {
			return
		}
		subTool := ""
		if name == tools.InvokeTool {
			subTool = extractSubTool(params)
		}
		risk := c.bundle.Risk.Classify(name, subTool)

		c.state.ToolRuns++
		c.state.UpdatedAt = c.now()

		c.recordEvent(trace.EventToolStart, func(ev *trace.Event) {
			ev.Tool = name
			ev.RiskClass = string(risk)
			if subTool != "" {
				ev.Fields = map[string]interface{}{"sub_tool": subTool}
			}
		})

		c.applyPhaseTransition(ctx, name, subTool)
		c.maybeConsultDiscovery(ctx, name)
	})
	return err
}

// applyPhaseTransition implements the automatic forward transitions driven
// by tool class: planning tools move discovery to planning (non-quick), and
// any implementation-class tool moves to implementation, completing the
// earlier phases.
func (c *Controller) applyPhaseTransition(ctx context.Context, name, subTool string) {
	switch {
	case tools.IsImplementationClass(name, subTool):
		if c.state.Phase == PhaseDiscovery || c.state.Phase == PhasePlanning {
			c.state.CompletePhase(PhaseDiscovery)
			c.state.CompletePhase(PhasePlanning)
			c.state.AdvancePhase(PhaseImplementation)
			c.logInfo("Phase -> implementation (tool %s)", name)
			c.onPhaseEntered(ctx, PhaseImplementation)
		}
	case tools.IsPlanningClass(name):
		if c.state.Phase == PhaseDiscovery && c.state.Strategy != StrategyQuick {
			c.state.CompletePhase(PhaseDiscovery)
			c.state.AdvancePhase(PhasePlanning)
			c.logInfo("Phase -> planning (tool %s)", name)
			c.onPhaseEntered(ctx, PhasePlanning)
		}
	}
}

// onPhaseEntered fires the opportunistic phase-entry consultation.
func (c *Controller) onPhaseEntered(ctx context.Context, phase Phase) {
	switch phase {
	case PhasePlanning:
		c.consult(ctx, council.ActionDecomposeTask, "")
	case PhaseImplementation:
		c.consult(ctx, council.ActionBuildDecision, "entering implementation")
	case PhaseVerification:
		c.consult(ctx, council.ActionVerificationReview, c.evidenceSummary())
	}
}

// discoveryComplexityFloor is how many read-class observations during
// discovery trigger a one-time context analysis.
const discoveryComplexityFloor = 5

// maybeConsultDiscovery fires the discovery complexity heuristic: a task
// still reading after several read-class calls gets a context analysis.
func (c *Controller) maybeConsultDiscovery(ctx context.Context, name string) {
	if c.state.Phase != PhaseDiscovery || !tools.IsReadClass(name) {
		return
	}
	reads := 0
	for _, obs := range c.state.Observations {
		if tools.IsReadClass(obs.Tool) {
			reads++
		}
	}
	if reads == discoveryComplexityFloor {
		c.consult(ctx, council.ActionAnalyzeContext, fmt.Sprintf("%d files read so far", reads))
	}
}

// OnToolFinish records a completed tool invocation: counters, the
// observation ring, failure correction, plan advancement, the adaptive
// throttle, and re-planning.
func (c *Controller) OnToolFinish(ctx context.Context, name string, obs tools.Observation) error {
	var err error
	c.queue.do(func() {
		if err = c.initLocked(ctx, true); err != nil {
			return
		}
		if obs.Tool == "" {
			obs.Tool = name
		}
		if obs.Timestamp.IsZero() {
			obs.Timestamp = c.now()
		}
		if obs.Error != "" {
			// Error text is persisted to state, traces, and replay records.
			obs.Error = c.scrubber.Scrub(obs.Error)
		}

		if tools.WriteClass(obs) {
			c.state.WriteOps++
		}
		if tools.CommandClass(obs) {
			c.state.CommandOps++
		}

		if obs.Success {
			c.onToolSuccess(obs)
		} else {
			c.onToolFailure(obs)
		}

		c.state.AppendObservation(obs)
		c.state.UpdatedAt = c.now()

		c.recordEvent(trace.EventToolFinish, func(ev *trace.Event) {
			ev.Tool = obs.Tool
			ev.Fields = map[string]interface{}{
				"success":     obs.Success,
				"duration_ms": obs.DurationMs,
			}
			if obs.Error != "" {
				ev.Detail = firstErrorLine(obs.Error)
			}
		})

		if step := c.plan.AdvanceOnObservation(obs); step != nil {
			c.addProgress("step completed: %s", step.Description)
		}

		c.updateThrottle()
		c.maybeReplan(ctx)
		c.syncArtifacts()
	})
	return err
}

// onToolSuccess clears the failure streak for the current step and any
// pending correction.
func (c *Controller) onToolSuccess(obs tools.Observation) {
	if step := c.plan.CurrentStep(); step != nil {
		delete(c.state.StepAttempts, step.ID)
	}
	c.state.PendingCorrection = nil
}

// onToolFailure runs the correction engine and applies its recommendation.
func (c *Controller) onToolFailure(obs tools.Observation) {
	stepID := obs.Tool
	if step := c.plan.CurrentStep(); step != nil {
		stepID = step.ID
	}
	c.state.StepAttempts[stepID]++
	attempt := c.state.StepAttempts[stepID]

	suggestion := correct.Suggest(obs.Tool, obs.Error, obs, c.recentFailures(), attempt)
	c.state.PendingCorrection = &suggestion

	c.recordEvent(trace.EventCorrectionSuggested, func(ev *trace.Event) {
		ev.Tool = obs.Tool
		ev.Detail = suggestion.Message
		ev.Fields = map[string]interface{}{
			"kind":    string(suggestion.Kind),
			"level":   suggestion.Level,
			"attempt": attempt,
		}
	})
	c.addFinding(FindingWarn, "%s failed (attempt %d): %s", obs.Tool, attempt, suggestion.Message)

	if suggestion.Kind == correct.KindPhaseRegression && c.state.RegressToDiscovery() {
		if step := c.plan.CurrentStep(); step != nil {
			step.Status = StepBlocked
		}
		c.logInfo("Phase regressed to discovery after repeated failures on the same file")
		c.addProgress("phase regressed to discovery: %s", suggestion.Message)
	}
}

// recentFailures returns the failed observations currently in the ring.
func (c *Controller) recentFailures() []tools.Observation {
	var failed []tools.Observation
	for _, obs := range c.state.Observations {
		if !obs.Success {
			failed = append(failed, obs)
		}
	}
	return failed
}

// updateThrottle recomputes the runtime snapshot and throttle mode from the
// observation window and the live cost probe.
func (c *Controller) updateThrottle() {
	adaptive := c.bundle.Gates.Adaptive
	cost := c.bundle.Gates.Cost

	snap := RuntimeSnapshot{}
	snap.FailureRate, snap.P95LatencyMs = windowStats(c.state.Observations, adaptive.Window)
	if c.cfg.CostProbe != nil && cost.Enabled {
		spent, limit := c.cfg.CostProbe()
		snap.Cost = spent
		if limit > 0 {
			snap.CostRatio = spent / limit
		}
	} else {
		cost.Enabled = false
	}
	c.state.Snapshot = snap

	if cost.Enabled && snap.CostRatio >= cost.WarnRatio && !c.state.CostWarned {
		c.state.CostWarned = true
		c.recordEvent(trace.EventCostGuardrailWarned, func(ev *trace.Event) {
			ev.Detail = fmt.Sprintf("cost ratio %.2f crossed warn threshold %.2f", snap.CostRatio, cost.WarnRatio)
		})
		c.logWarning("cost ratio %.2f crossed warn threshold", snap.CostRatio)
	}

	mode := selectThrottleMode(snap, adaptive, cost)
	if mode != c.state.ThrottleMode {
		previous := c.state.ThrottleMode
		c.state.ThrottleMode = mode
		if mode != ThrottleNormal {
			c.state.DegradedModeUsed = true
		}
		c.recordEvent(trace.EventAdaptiveThrottleChanged, func(ev *trace.Event) {
			ev.Detail = fmt.Sprintf("%s -> %s", previous, mode)
			ev.Fields = map[string]interface{}{
				"failure_rate":   snap.FailureRate,
				"p95_latency_ms": snap.P95LatencyMs,
				"cost_ratio":     snap.CostRatio,
			}
		})
		c.logInfo("Throttle mode %s -> %s (failure_rate=%.2f, p95=%dms)",
			previous, mode, snap.FailureRate, snap.P95LatencyMs)
	}
}

// maybeReplan evaluates the adaptive re-planning trigger: every k tool runs
// (k stretched by throttle mode), when the recent failure rate is high or a
// step is blocked, ask the council for a fresh decomposition.
func (c *Controller) maybeReplan(ctx context.Context) {
	if c.state.Phase == PhaseVerification || c.state.Phase == PhaseDone {
		return
	}
	adaptive := c.bundle.Gates.Adaptive
	k := replanInterval(adaptive.ReplanInterval, c.state.ThrottleMode)
	if k <= 0 || c.state.ToolRuns-c.state.LastReplanToolRun < k {
		return
	}
	c.state.LastReplanToolRun = c.state.ToolRuns

	rate, _ := windowStats(c.state.Observations, k)
	if rate < adaptive.ReplanFailureRate && !c.plan.HasBlockedStep() {
		return
	}
	fresh := c.councilPlan(ctx)
	if fresh == nil {
		c.tracer.RecordSkipped(c.state.TaskID, "replan", "council unavailable or unparsed")
		return
	}
	c.plan.Replan(fresh)
	c.logInfo("Replanned: %d steps remain (failure_rate=%.2f)", len(c.plan.Steps), rate)
	c.addProgress("plan revised after elevated failure rate (%.2f)", rate)
}

// evidenceSummary condenses the recorded evidence for prompts and findings.
func (c *Controller) evidenceSummary() string {
	return fmt.Sprintf("tool_runs=%d write_ops=%d command_ops=%d failure_rate=%.2f",
		c.state.ToolRuns, c.state.WriteOps, c.state.CommandOps, c.state.Snapshot.FailureRate)
}

// GetPromptGuidance returns a single status line for injection into the
// agent's next turn.
func (c *Controller) GetPromptGuidance(ctx context.Context) (string, error) {
	var line string
	var err error
	c.queue.do(func() {
		if err = c.initLocked(ctx, true); err != nil {
			return
		}
		parts := []string{
			fmt.Sprintf("phase=%s", c.state.Phase),
			fmt.Sprintf("strategy=%s", c.state.Strategy),
			fmt.Sprintf("throttle=%s", c.state.ThrottleMode),
		}
		if c.bundle.Gates.Canary.Enabled {
			parts = append(parts, fmt.Sprintf("canary=%s", c.canary.Status))
		}
		if step := c.plan.CurrentStep(); step != nil {
			parts = append(parts, fmt.Sprintf("step %d/%d: %s", c.plan.CurrentIndex+1, len(c.plan.Steps), step.Description))
		}
		if next := c.plan.NextStep(); next != nil {
			parts = append(parts, fmt.Sprintf("next: %s", next.Description))
		}
		if last := c.state.LastObservation; last != nil {
			outcome := "ok"
			if !last.Success {
				outcome = "failed"
			}
			parts = append(parts, fmt.Sprintf("last: %s %s", last.Tool, outcome))
		}
		if pc := c.state.PendingCorrection; pc != nil {
			parts = append(parts, fmt.Sprintf("correction: %s", pc.Message))
		}
		line = "[autopilot] " + strings.Join(parts, " | ")
	})
	return line, err
}

// MarkCompletionAccepted is the terminal transition: phase done, the final
// summary artifact, a canary pass, and durable memory entries.
func (c *Controller) MarkCompletionAccepted(ctx context.Context) error {
	var err error
	c.queue.do(func() {
		if !c.initialized {
			err = ErrNotInitialized
			return
		}
		c.state.CompletePhase(PhaseImplementation)
		c.state.CompletePhase(PhaseVerification)
		c.state.AdvancePhase(PhaseDone)
		c.state.CompletePhase(PhaseDone)
		c.state.UpdatedAt = c.now()

		c.writeFinalSummary()
		c.recordCanaryOutcome(false)
		c.persistMemory()

		c.recordEvent(trace.EventCompletionAccepted, func(ev *trace.Event) {
			ev.Detail = c.evidenceSummary()
		})
		c.tracer.CompleteTask(c.state.TaskID, "completed")
		c.addProgress("task completed")
		c.logInfo("Task %s completed (%s)", c.state.TaskID, c.evidenceSummary())
		c.syncArtifacts()
	})
	return err
}

// writeFinalSummary renders final_summary.md once.
func (c *Controller) writeFinalSummary() {
	var b strings.Builder
	fmt.Fprintf(&b, "# Task Summary\n\nTask: %s\nCompleted: %s\nStrategy: %s\nMode: %s\n\n",
		c.state.TaskID, c.now().Format(time.RFC3339), c.state.Strategy, c.state.Mode)
	fmt.Fprintf(&b, "%s\n\n", taskHeadline(c.state.TaskText))
	fmt.Fprintf(&b, "- Tool runs: %d\n- Write operations: %d\n- Command operations: %d\n",
		c.state.ToolRuns, c.state.WriteOps, c.state.CommandOps)
	if c.state.LastReviewScore > 0 {
		fmt.Fprintf(&b, "- Code review score: %d/10\n", c.state.LastReviewScore)
	}
	if c.bundle.Gates.Canary.Enabled {
		fmt.Fprintf(&b, "- Canary: %s (%d/%d samples)\n", c.canary.Status, c.canary.Samples, c.canary.SampleSize)
	}
	if err := os.WriteFile(c.paths.SummaryFile(), []byte(b.String()), 0644); err != nil {
		c.logWarning("failed to write final summary: %v", err)
	}
}

// recordCanaryOutcome counts one completion attempt against the rollout
// fingerprint. Accepted completions count as passes; completions blocked on
// provider quality (low review score, degraded runtime stats) count as
// failures, which is what lets a bad rollout resolve to blocked.
func (c *Controller) recordCanaryOutcome(failed bool) {
	if !c.bundle.Gates.Canary.Enabled {
		return
	}
	changed := RecordOutcome(&c.canary, failed, c.bundle.Gates.Canary.MaxFailureRate)
	if err := c.canaryStore.Save(c.canary); err != nil {
		c.logWarning("failed to save canary state: %v", err)
	}
	if changed {
		c.recordEvent(trace.EventCanaryStateChanged, func(ev *trace.Event) {
			ev.Detail = fmt.Sprintf("fingerprint %s -> %s", c.canary.Fingerprint, c.canary.Status)
			ev.Fields = map[string]interface{}{
				"samples":        c.canary.Samples,
				"failed_samples": c.canary.FailedSamples,
			}
		})
		c.logInfo("Canary %s resolved to %s", c.canary.Fingerprint, c.canary.Status)
	}
}

// persistMemory writes the durable lessons of this task: key facts, a
// surviving correction hint, and a degraded-mode note. Best-effort.
func (c *Controller) persistMemory() {
	if c.cfg.Memory == nil {
		return
	}
	tags := []string{string(c.state.Strategy)}
	if c.state.Mode != "" {
		tags = append(tags, c.state.Mode)
	}
	c.cfg.Memory.Remember(memory.Entry{
		TaskID:     c.state.TaskID,
		Type:       memory.Lesson,
		Content:    fmt.Sprintf("Completed: %s (%s)", taskHeadline(c.state.TaskText), c.evidenceSummary()),
		Tags:       tags,
		Provenance: "autopilot completion",
	})
	if pc := c.state.PendingCorrection; pc != nil {
		c.cfg.Memory.Remember(memory.Entry{
			TaskID:     c.state.TaskID,
			Type:       memory.Pitfall,
			Content:    fmt.Sprintf("Unresolved correction at completion: %s", pc.Message),
			Tags:       append([]string{string(pc.Kind)}, tags...),
			Provenance: "autopilot completion",
		})
	}
	if c.state.DegradedModeUsed {
		c.cfg.Memory.Remember(memory.Entry{
			TaskID:     c.state.TaskID,
			Type:       memory.Pitfall,
			Content:    fmt.Sprintf("Task ran in a degraded throttle mode (final snapshot: %s)", c.evidenceSummary()),
			Tags:       append([]string{"throttle"}, tags...),
			Provenance: "autopilot completion",
		})
	}
	if err := c.cfg.Memory.Save(); err != nil {
		c.logWarning("failed to persist memory: %v", err)
	}
}

// recordEvent appends one trace event, best-effort.
func (c *Controller) recordEvent(eventType trace.EventType, fill func(*trace.Event)) {
	if c.sink == nil {
		return
	}
	ev := trace.New(c.state.TaskID, eventType, c.now())
	if fill != nil {
		fill(&ev)
	}
	if err := c.sink.Append(ev); err != nil {
		c.logWarning("failed to append trace event: %v", err)
	}
}

// addFinding appends to findings.md, best-effort.
func (c *Controller) addFinding(level FindingLevel, format string, args ...interface{}) {
	c.state.Notes++
	appendFinding(c.paths.FindingsFile(), level, c.now(), fmt.Sprintf(format, args...))
}

// addProgress appends to the rolling progress log.
func (c *Controller) addProgress(format string, args ...interface{}) {
	c.state.Notes++
	c.progress.add(c.now(), fmt.Sprintf(format, args...))
}

// syncArtifacts persists state, plan, and progress. Non-essential write
// failures are logged and swallowed.
func (c *Controller) syncArtifacts() {
	if err := SaveState(c.paths.StateFile(), c.state); err != nil {
		c.logWarning("failed to save task state: %v", err)
	}
	if err := os.WriteFile(c.paths.PlanFile(), []byte(c.plan.Markdown(c.state.TaskID)), 0644); err != nil {
		c.logWarning("failed to write task plan: %v", err)
	}
	c.progress.write(c.paths.ProgressFile())
}

func firstErrorLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return s
}
