package council

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ReviewFile is one collected file submitted for code review.
type ReviewFile struct {
	Path      string
	Content   string
	Truncated bool
}

// ReviewRequest describes a code review invocation.
type ReviewRequest struct {
	Mode        string
	Strategy    string
	TaskSummary string
	TaskText    string
	Files       []ReviewFile

	// Timeout overrides the engine default when positive; code review often
	// gets a longer budget than other actions.
	Timeout time.Duration
}

// ReviewResult is the parsed outcome of a code review.
type ReviewResult struct {
	// Score is clamped to 1..10.
	Score    int      `json:"score"`
	Summary  string   `json:"summary"`
	Critical []string `json:"critical_issues"`
	Major    []string `json:"major_issues"`
	Minor    []string `json:"minor_issues"`

	// Parsed is false when the response could not be decoded; the result is
	// then an automatic reject (score 1) and the caller may retry without
	// consuming its run budget.
	Parsed bool `json:"-"`
}

// ReviewCode submits the collected files for a senior review and parses the
// scored result. Provider errors are returned as-is; malformed responses
// yield an automatic reject with Parsed=false.
func (e *Engine) ReviewCode(ctx context.Context, req ReviewRequest) (ReviewResult, error) {
	raw, err := completeWithTimeout(ctx, e.provider, buildReviewPrompt(req), reviewTimeout(e, req))
	if err != nil {
		return ReviewResult{}, err
	}

	var res ReviewResult
	if err := decodeJSON(raw, &res); err != nil || res.Score == 0 {
		return ReviewResult{
			Score:   1,
			Summary: "review response could not be parsed",
		}, nil
	}
	res.Score = clampScore(res.Score)
	res.Parsed = true
	return res, nil
}

func reviewTimeout(e *Engine, req ReviewRequest) time.Duration {
	if req.Timeout > 0 {
		return req.Timeout
	}
	return e.timeout
}

func clampScore(score int) int {
	if score < 1 {
		return 1
	}
	if score > 10 {
		return 10
	}
	return score
}

func buildReviewPrompt(req ReviewRequest) string {
	var b strings.Builder
	b.WriteString("You are a senior engineer reviewing the changes produced by an autonomous coding task.\n")
	fmt.Fprintf(&b, "Action: %s\n", ActionCodeReview)
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

	b.WriteString("\nModified files:\n")
	for _, f := range req.Files {
		fmt.Fprintf(&b, "\n--- %s ---\n%s\n", f.Path, f.Content)
		if f.Truncated {
			b.WriteString("[...truncated]\n")
		}
	}

	b.WriteString("\nScore the change set from 1 (unacceptable) to 10 (excellent) and bucket the issues by severity.\n")
	b.WriteString(`Respond with a JSON object {"score": number, "summary": string, "critical_issues": [string], "major_issues": [string], "minor_issues": [string]}.` + "\n")
	return b.String()
}

// Report renders the review as a markdown document.
func (r ReviewResult) Report() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Code Review\n\nScore: %d/10\n\n", r.Score)
	if r.Summary != "" {
		fmt.Fprintf(&b, "%s\n\n", r.Summary)
	}
	writeBucket(&b, "Critical", r.Critical)
	writeBucket(&b, "Major", r.Major)
	writeBucket(&b, "Minor", r.Minor)
	if !r.Parsed {
		b.WriteString("_The review response could not be parsed; this is an automatic reject._\n")
	}
	return b.String()
}

func writeBucket(b *strings.Builder, name string, issues []string) {
	if len(issues) == 0 {
		return
	}
	fmt.Fprintf(b, "## %s\n\n", name)
	for _, issue := range issues {
		fmt.Fprintf(b, "- %s\n", issue)
	}
	b.WriteString("\n")
}
