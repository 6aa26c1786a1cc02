package autopilot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"taskpilot/internal/council"
	"taskpilot/internal/observability"
	"taskpilot/internal/tools"
	"taskpilot/internal/trace"
	"taskpilot/internal/verify"
)

// Gate names, used in replay records and gate trace exports.
const (
	GateCost         = "cost_guardrail"
	GateCanaryPre    = "canary_pre"
	GateVerification = "verification"
	GateCodeReview   = "code_review"
	GateCanaryPost   = "canary_post"
	GateArtifacts    = "required_artifacts"
)

// GetCompletionBlocker runs the completion-gating pipeline and returns a
// human-readable blocking explanation, or an empty string when completion is
// allowed. The call mutates state: a completion attempt advances the phase
// to verification, and passing every gate completes the implementation and
// verification phases.
func (c *Controller) GetCompletionBlocker(ctx context.Context) (string, error) {
	var blocker string
	var err error
	c.queue.do(func() {
		if err = c.initLocked(ctx, true); err != nil {
			return
		}
		blocker = c.runGates(ctx)
		c.lastBlocker = blocker
		c.syncArtifacts()
	})
	return blocker, err
}

// runGates evaluates the six gates in fixed order, short-circuiting on the
// first failure.
func (c *Controller) runGates(ctx context.Context) string {
	// A completion attempt is itself a phase transition.
	c.state.CompletePhase(PhaseDiscovery)
	c.state.CompletePhase(PhasePlanning)
	if c.state.Phase != PhaseVerification && c.state.Phase != PhaseDone {
		c.state.AdvancePhase(PhaseVerification)
		c.onPhaseEntered(ctx, PhaseVerification)
	}
	c.state.UpdatedAt = c.now()

	if msg := c.gateCost(); msg != "" {
		return msg
	}
	if msg := c.gateCanaryPre(); msg != "" {
		return msg
	}
	if msg := c.gateVerification(); msg != "" {
		return msg
	}
	if msg := c.gateCodeReview(ctx); msg != "" {
		return msg
	}
	if msg := c.gateCanaryPost(); msg != "" {
		return msg
	}
	if msg := c.gateArtifacts(); msg != "" {
		return msg
	}

	c.state.CompletePhase(PhaseImplementation)
	c.state.CompletePhase(PhaseVerification)
	c.tracer.RecordGate(c.state.TaskID, "completion", "pass")
	return ""
}

// blockGate records the shared bookkeeping for a failed gate: trace event,
// replay record, gate export, and a warn finding.
func (c *Controller) blockGate(gate string, eventType trace.EventType, message string, payload map[string]interface{}) string {
	c.recordEvent(eventType, func(ev *trace.Event) {
		ev.Detail = message
		if payload != nil {
			ev.Fields = payload
		}
	})
	c.writeReplay(gate, message, payload)
	c.tracer.RecordGate(c.state.TaskID, gate, "blocked")
	c.addFinding(FindingWarn, "completion blocked by %s: %s", gate, message)
	c.logInfo("Completion blocked by %s: %s", gate, message)
	return message
}

// writeReplay overwrites replay_record.json with the current gate failure.
func (c *Controller) writeReplay(gate, reason string, payload map[string]interface{}) {
	replay := c.bundle.Gates.Replay

	observations := c.state.Observations
	if tail := replay.ObservationTail; tail > 0 && len(observations) > tail {
		observations = observations[len(observations)-tail:]
	}

	record := ReplayRecord{
		Reason:             reason,
		Gate:               gate,
		RecordedAt:         c.now(),
		TaskText:           c.state.TaskText,
		State:              c.state,
		Canary:             c.canary,
		RecentObservations: observations,
		RecentTrace:        c.sink.Tail(replay.TraceTail),
		Payload:            payload,
	}
	if err := writeReplayRecord(c.paths.ReplayFile(), record); err != nil {
		c.logWarning("failed to write replay record: %v", err)
	}
}

// Gate 1: cost guardrail, fail closed at the fallback ratio. The probe is
// read live: cost accrued since the last tool event, including council calls
// made inside this pipeline, must be visible to the gate.
func (c *Controller) gateCost() string {
	cost := c.bundle.Gates.Cost
	if !cost.Enabled || c.cfg.CostProbe == nil {
		return ""
	}
	spent, limit := c.cfg.CostProbe()
	ratio := 0.0
	if limit > 0 {
		ratio = spent / limit
	}
	c.state.Snapshot.Cost = spent
	c.state.Snapshot.CostRatio = ratio
	if ratio < cost.FallbackRatio {
		return ""
	}
	msg := fmt.Sprintf("Cost guardrail: spend ratio %.2f is at or above the %.2f limit; completion is blocked until the budget is raised", ratio, cost.FallbackRatio)
	return c.blockGate(GateCost, trace.EventCostGuardrailBlocked, msg, map[string]interface{}{
		"cost":       spent,
		"cost_ratio": ratio,
	})
}

// Gate 2: canary pre-check, before spending any more provider calls.
func (c *Controller) gateCanaryPre() string {
	if !c.bundle.Gates.Canary.Enabled || c.canary.Status != CanaryBlocked {
		return ""
	}
	msg := fmt.Sprintf("Canary rollout for %s is blocked (%d/%d samples failed); completion is suspended for this provider/model", c.canary.Fingerprint, c.canary.FailedSamples, c.canary.Samples)
	return c.blockGate(GateCanaryPre, trace.EventCanaryGateFailed, msg, map[string]interface{}{
		"fingerprint":  c.canary.Fingerprint,
		"failure_rate": c.canary.FailureRate(),
	})
}

// Gate 3: verification engine, with child-task evidence merged in.
func (c *Controller) gateVerification() string {
	in := verify.Input{
		Observations:  c.state.Observations,
		TaskText:      c.state.TaskText,
		Mode:          c.state.Mode,
		Strictness:    c.cfg.Strictness,
		WriteOps:      c.state.WriteOps,
		CommandOps:    c.state.CommandOps,
		StateFilePath: c.paths.StateFile(),
		Rules:         c.bundle.Gates.Verification,
	}
	c.mergeChildEvidence(&in)

	res := verify.Evaluate(in)
	if res.Passed {
		return ""
	}

	var failed []string
	evidenceMissing := false
	for _, check := range res.Checks {
		if check.Passed {
			continue
		}
		failed = append(failed, check.Name)
		if check.Name == verify.RuleImplementationEvidence {
			evidenceMissing = true
		}
	}
	msg := fmt.Sprintf("Verification failed (%s). %s", strings.Join(failed, ", "), strings.Join(res.Suggestions, " "))

	eventType := trace.EventVerificationFailed
	if evidenceMissing {
		eventType = trace.EventEvidenceGateFailed
	}
	return c.blockGate(GateVerification, eventType, msg, map[string]interface{}{
		"failed_checks": failed,
	})
}

// mergeChildEvidence unions each registered child task's persisted
// observations and counters into the verification input, so delegated work
// counts as this task's implementation evidence.
func (c *Controller) mergeChildEvidence(in *verify.Input) {
	for _, path := range c.childStates {
		child, err := LoadState(path)
		if err != nil || child == nil {
			c.logWarning("child task state %s unavailable, skipping evidence merge", path)
			continue
		}
		in.Observations = append(in.Observations, child.Observations...)
		in.WriteOps += child.WriteOps
		in.CommandOps += child.CommandOps
	}
}

// Gate 4: code review, at most one counted run per task.
func (c *Controller) gateCodeReview(ctx context.Context) string {
	review := c.bundle.Gates.CodeReview
	if !review.Enabled || !c.councilEligible() {
		return ""
	}
	if c.state.CodeReviewRuns >= review.MaxRuns {
		return ""
	}
	// Fallback mode suppresses the review unless the canary rollout still
	// needs its score.
	if c.state.ThrottleMode == ThrottleFallback &&
		!(c.bundle.Gates.Canary.Enabled && c.canary.Status == CanaryActive) {
		c.tracer.RecordSkipped(c.state.TaskID, "code_review", "fallback throttle mode")
		return ""
	}

	files := c.collectReviewFiles(review.CharBudget)
	if len(files) == 0 {
		c.tracer.RecordSkipped(c.state.TaskID, "code_review", "no reviewable files")
		return ""
	}

	timeout := time.Duration(review.TimeoutSec) * time.Second
	res, err := c.cfg.Council.ReviewCode(ctx, council.ReviewRequest{
		Mode:        c.state.Mode,
		Strategy:    string(c.state.Strategy),
		TaskSummary: taskHeadline(c.state.TaskText),
		TaskText:    c.state.TaskText,
		Files:       files,
		Timeout:     timeout,
	})
	if err != nil {
		// Provider failure degrades to a skip; the run budget is untouched.
		c.logWarning("code review unavailable: %v", err)
		c.tracer.RecordSkipped(c.state.TaskID, "code_review", err.Error())
		return ""
	}

	c.tracer.RecordGeneration(c.state.TaskID, observability.GenerationInput{
		Action: string(council.ActionCodeReview),
		Model:  c.fingerprint(),
		Status: reviewStatus(res),
	})

	if !res.Parsed {
		// A malformed response rejects but does not consume the run budget,
		// so a later attempt can retry the review.
		msg := "Code review rejected: score 1, review failed (response could not be parsed)"
		return c.blockGate(GateCodeReview, trace.EventCodeReviewBlocked, msg, map[string]interface{}{
			"score":  1,
			"parsed": false,
		})
	}

	c.state.CodeReviewRuns++
	c.state.LastReviewScore = res.Score
	c.addFinding(FindingInfo, "code review scored %d/10: %s", res.Score, res.Summary)

	if res.Score < review.MinScore {
		c.recordCanaryOutcome(true)
		msg := fmt.Sprintf("Code review scored %d/10, below the %d threshold. %s", res.Score, review.MinScore, res.Summary)
		return c.blockGate(GateCodeReview, trace.EventCodeReviewBlocked, msg, map[string]interface{}{
			"score":    res.Score,
			"critical": res.Critical,
			"major":    res.Major,
			"report":   res.Report(),
		})
	}
	return ""
}

func reviewStatus(res council.ReviewResult) string {
	if !res.Parsed {
		return "unparsed"
	}
	return "ok"
}

// collectReviewFiles gathers the files touched by successful write-class
// observations, excluding binaries and the task's own state file, reading
// each under an even share of the character budget.
func (c *Controller) collectReviewFiles(charBudget int) []council.ReviewFile {
	stateFile := c.paths.StateFile()

	var paths []string
	seen := map[string]bool{}
	for _, obs := range c.state.Observations {
		if !obs.Success || !tools.WriteClass(obs) {
			continue
		}
		for _, f := range obs.Files {
			clean := filepath.Clean(f)
			if seen[clean] || tools.IsBinaryPath(clean) || clean == filepath.Clean(stateFile) {
				continue
			}
			seen[clean] = true
			paths = append(paths, clean)
		}
	}
	if len(paths) == 0 {
		return nil
	}

	perFile := charBudget / len(paths)
	if perFile <= 0 {
		perFile = charBudget
	}

	var files []council.ReviewFile
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		content := string(data)
		truncated := false
		if len(content) > perFile {
			content = content[:perFile] + "\n... [truncated]"
			truncated = true
		}
		files = append(files, council.ReviewFile{Path: path, Content: content, Truncated: truncated})
	}
	return files
}

// Gate 5: canary post-check against the latest runtime snapshot and review
// score.
func (c *Controller) gateCanaryPost() string {
	canary := c.bundle.Gates.Canary
	if !canary.Enabled {
		return ""
	}
	snap := c.state.Snapshot

	var reason string
	switch {
	case snap.FailureRate > canary.MaxFailureRate:
		reason = fmt.Sprintf("recent failure rate %.2f exceeds the %.2f canary limit", snap.FailureRate, canary.MaxFailureRate)
	case canary.MaxP95Ms > 0 && snap.P95LatencyMs > canary.MaxP95Ms:
		reason = fmt.Sprintf("p95 latency %dms exceeds the %dms canary limit", snap.P95LatencyMs, canary.MaxP95Ms)
	case c.state.LastReviewScore > 0 && c.state.LastReviewScore < canary.MinReviewScore:
		reason = fmt.Sprintf("code review score %d is below the %d canary minimum", c.state.LastReviewScore, canary.MinReviewScore)
	default:
		return ""
	}

	c.recordCanaryOutcome(true)
	msg := "Canary check failed: " + reason
	return c.blockGate(GateCanaryPost, trace.EventCanaryGateFailed, msg, map[string]interface{}{
		"failure_rate":   snap.FailureRate,
		"p95_latency_ms": snap.P95LatencyMs,
		"review_score":   c.state.LastReviewScore,
	})
}

// Gate 6: required pre-completion artifacts must exist on disk.
func (c *Controller) gateArtifacts() string {
	var missing []string
	for _, name := range c.bundle.Gates.RequiredArtifacts {
		if _, err := os.Stat(filepath.Join(c.paths.TaskDir, name)); err != nil {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return ""
	}
	msg := fmt.Sprintf("Missing required artifacts: %s", strings.Join(missing, ", "))
	return c.blockGate(GateArtifacts, trace.EventEvidenceGateFailed, msg, map[string]interface{}{
		"missing": missing,
	})
}
