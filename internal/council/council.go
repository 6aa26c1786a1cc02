// Package council builds structured prompts for the autopilot's reasoning
// actions, submits them to a single-prompt completion provider under a
// timeout, and robustly parses the structured results. Every action degrades
// gracefully: a malformed response becomes an unparsed summary rather than
// an error, and provider failures surface as errors the caller may treat as
// skips.
package council

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Action is one of the council's reasoning actions.
type Action string

const (
	ActionAnalyzeContext      Action = "analyze_context"
	ActionDecomposeTask       Action = "decompose_task"
	ActionBuildDecision       Action = "build_decision"
	ActionVerificationReview  Action = "verification_review"
	ActionStructuredDecompose Action = "structured_decompose"
	ActionCodeReview          Action = "code_review"
)

// DefaultTimeout bounds a single provider call.
const DefaultTimeout = 90 * time.Second

// Clamps applied to prompt embedding.
const (
	summaryClamp = 280
	taskClamp    = 4000
)

// Request describes a council consultation.
type Request struct {
	Action      Action
	Mode        string
	Strategy    string
	TaskSummary string
	TaskText    string

	// Extra is appended to the action instruction (e.g., the current failure
	// streak for build_decision).
	Extra string

	// Timeout overrides the engine default when positive.
	Timeout time.Duration
}

// Result is the parsed outcome of a generic action.
type Result struct {
	Summary  string   `json:"summary"`
	Findings []string `json:"findings"`
	Risks    []string `json:"risks"`

	// Parsed is false when the response could not be decoded and Summary
	// holds clamped raw output instead.
	Parsed bool `json:"-"`
}

// StepProposal is one step from a structured decomposition.
type StepProposal struct {
	Description string   `json:"description"`
	Phase       string   `json:"phase,omitempty"`
	Tools       []string `json:"tools,omitempty"`
}

// DecomposeResult is the outcome of a decomposition action.
type DecomposeResult struct {
	Summary string         `json:"summary"`
	Steps   []StepProposal `json:"steps"`
	Parsed  bool           `json:"-"`
}

// Engine drives the council actions against a provider.
type Engine struct {
	provider Provider
	timeout  time.Duration
}

// New creates an engine. A non-positive timeout selects DefaultTimeout.
func New(provider Provider, timeout time.Duration) *Engine {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Engine{provider: provider, timeout: timeout}
}

// Fingerprint identifies the provider+model rollout cohort.
func (e *Engine) Fingerprint() string {
	return fmt.Sprintf("%s/%s", e.provider.Name(), e.provider.Model())
}

// Available reports whether the provider can serve completions.
func (e *Engine) Available() bool {
	return e.provider != nil && e.provider.SupportsCompletion()
}

// actionInstructions holds the per-action prompt tail. Each instructs the
// model to answer with the generic {summary, findings, risks} object unless
// noted otherwise.
var actionInstructions = map[Action]string{
	ActionAnalyzeContext: "Analyze the current task context. Identify what is known, what is missing, " +
		"and which files or systems are most likely involved.",
	ActionDecomposeTask: "Break the task into a short ordered list of concrete steps. " +
		"Report each step as one finding, in execution order.",
	ActionBuildDecision: "The task has hit a decision point. Weigh the options and recommend exactly one " +
		"course of action in the summary, with supporting findings and risks.",
	ActionVerificationReview: "The task is about to be declared complete. Review the evidence summary and " +
		"call out anything that looks unfinished or unverified.",
	ActionStructuredDecompose: "Break the task into ordered steps. Respond with a JSON object " +
		`{"summary": string, "steps": [{"description": string, "phase": "discovery"|"planning"|"implementation"|"verification", "tools": [string]}]}.`,
}

// Consult runs a generic action and parses the {summary, findings, risks}
// shape.
func (e *Engine) Consult(ctx context.Context, req Request) (Result, error) {
	raw, err := e.invoke(ctx, req)
	if err != nil {
		return Result{}, err
	}

	var res Result
	if err := decodeJSON(raw, &res); err != nil || strings.TrimSpace(res.Summary) == "" {
		// Graceful degradation: keep something usable.
		return Result{Summary: clampText(strings.TrimSpace(raw), summaryClamp)}, nil
	}
	res.Parsed = true
	return res, nil
}

// Decompose runs a decomposition action. ActionStructuredDecompose expects
// the steps shape; ActionDecomposeTask maps generic findings onto steps.
func (e *Engine) Decompose(ctx context.Context, req Request) (DecomposeResult, error) {
	if req.Action == "" {
		req.Action = ActionStructuredDecompose
	}

	raw, err := e.invoke(ctx, req)
	if err != nil {
		return DecomposeResult{}, err
	}

	if req.Action == ActionStructuredDecompose {
		var res DecomposeResult
		if err := decodeJSON(raw, &res); err == nil && len(res.Steps) > 0 {
			res.Parsed = true
			return res, nil
		}
	}

	// Fall back to the generic shape: findings become steps.
	var generic Result
	if err := decodeJSON(raw, &generic); err == nil && len(generic.Findings) > 0 {
		res := DecomposeResult{Summary: generic.Summary, Parsed: true}
		for _, f := range generic.Findings {
			res.Steps = append(res.Steps, StepProposal{Description: f})
		}
		return res, nil
	}

	return DecomposeResult{Summary: clampText(strings.TrimSpace(raw), summaryClamp)}, nil
}

// invoke renders the prompt and calls the provider under the timeout.
func (e *Engine) invoke(ctx context.Context, req Request) (string, error) {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.timeout
	}
	return completeWithTimeout(ctx, e.provider, e.buildPrompt(req), timeout)
}

// buildPrompt renders the shared prompt frame plus the action instruction.
func (e *Engine) buildPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the reasoning council for an autonomous coding task.\n")
	fmt.Fprintf(&b, "Action: %s\n", req.Action)
	if req.Mode != "" {
		fmt.Fprintf(&b, "Mode: %s\n", req.Mode)
	}
	if req.Strategy != "" {
		fmt.Fprintf(&b, "Strategy: %s\n", req.Strategy)
	}
	if req.TaskSummary != "" {
		fmt.Fprintf(&b, "\nTask summary:\n%s\n", clampText(req.TaskSummary, summaryClamp))
	}
	if req.TaskText != "" {
		fmt.Fprintf(&b, "\nTask:\n%s\n", clampText(req.TaskText, taskClamp))
	}

	b.WriteString("\n")
	if instr, ok := actionInstructions[req.Action]; ok {
		b.WriteString(instr)
		b.WriteString("\n")
	}
	if req.Extra != "" {
		b.WriteString(req.Extra)
		b.WriteString("\n")
	}
	if req.Action != ActionStructuredDecompose && req.Action != ActionCodeReview {
		b.WriteString(`Respond with a JSON object {"summary": string, "findings": [string], "risks": [string]}.` + "\n")
	}
	return b.String()
}
