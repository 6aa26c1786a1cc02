// Package verify implements the stateless verification engine that decides
// whether a task's recorded observations constitute enough evidence to allow
// completion. It is a pure function over its input; the caller supplies the
// observation history and policy-derived rule applicability.
package verify

import (
	"fmt"
	"strings"

	"taskpilot/internal/policy"
	"taskpilot/internal/tools"
)

// Rule names. These appear verbatim in blocking messages and suggestions.
const (
	RuleImplementationEvidence = "Implementation evidence"
	RuleLastCommandSuccess     = "Last command success"
	RuleNoUnresolvedWrites     = "No unresolved write errors"
	RuleTaskKeywordMatching    = "Task keyword matching"
)

// builtinApplicability is the minimum strictness at which each rule applies.
var builtinApplicability = map[string]policy.Strictness{
	RuleImplementationEvidence: policy.StrictnessLenient,
	RuleLastCommandSuccess:     policy.StrictnessStandard,
	RuleNoUnresolvedWrites:     policy.StrictnessStandard,
	RuleTaskKeywordMatching:    policy.StrictnessStrict,
}

// Input carries everything the engine needs for one evaluation.
type Input struct {
	Observations []tools.Observation
	TaskText     string
	Mode         string
	Strictness   policy.Strictness
	WriteOps     int
	CommandOps   int

	// StateFilePath is the autopilot's own state file; writes that touch it
	// do not count as implementation evidence.
	StateFilePath string

	// Rules overrides the built-in rule applicability table. Nil means use
	// the built-in table.
	Rules map[string]policy.Strictness
}

// Check is the outcome of a single rule.
type Check struct {
	Name    string `json:"name"`
	Passed  bool   `json:"passed"`
	Skipped bool   `json:"skipped,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// Result is the overall verification outcome.
type Result struct {
	Passed      bool     `json:"passed"`
	Checks      []Check  `json:"checks"`
	Suggestions []string `json:"suggestions,omitempty"`
}

// Evaluate scores the observations against the strictness level. Rules that
// do not apply at the given strictness are omitted; rules whose precondition
// is absent (no command observations, no write observations) are recorded as
// skipped and count as passing.
func Evaluate(in Input) Result {
	res := Result{Passed: true}

	addCheck := func(c Check, detail string) {
		res.Checks = append(res.Checks, c)
		if !c.Passed {
			res.Passed = false
			res.Suggestions = append(res.Suggestions, fmt.Sprintf("Fix: %s: %s", c.Name, detail))
		}
	}

	if in.applies(RuleImplementationEvidence) {
		c, detail := in.checkImplementationEvidence()
		addCheck(c, detail)
	}
	if in.applies(RuleLastCommandSuccess) {
		c, detail := in.checkLastCommandSuccess()
		addCheck(c, detail)
	}
	if in.applies(RuleNoUnresolvedWrites) {
		c, detail := in.checkNoUnresolvedWrites()
		addCheck(c, detail)
	}
	if in.applies(RuleTaskKeywordMatching) {
		c, detail := in.checkTaskKeywordMatching()
		addCheck(c, detail)
	}

	return res
}

func (in Input) applies(rule string) bool {
	min, ok := builtinApplicability[rule]
	if override, o := in.Rules[rule]; o {
		min, ok = override, true
	}
	if !ok {
		return false
	}
	return in.Strictness.Rank() >= min.Rank()
}

// evidenceWrite reports whether the observation counts as write-class
// implementation evidence. Generic invoke observations count only when the
// sub-tool is a recognized write operation and the call does not touch the
// autopilot's own state file.
func (in Input) evidenceWrite(obs tools.Observation) bool {
	if !tools.WriteClass(obs) {
		return false
	}
	if obs.Tool == tools.InvokeTool && tools.TouchesPath(obs, in.StateFilePath) {
		return false
	}
	return true
}

func (in Input) checkImplementationEvidence() (Check, string) {
	// The observation ring is capped, so on long tasks the evidence may have
	// been evicted; the rolling counters outlive the ring.
	if in.WriteOps > 0 || in.CommandOps > 0 {
		return Check{Name: RuleImplementationEvidence, Passed: true}, ""
	}
	for _, obs := range in.Observations {
		if !obs.Success {
			continue
		}
		if in.evidenceWrite(obs) || tools.CommandClass(obs) {
			return Check{Name: RuleImplementationEvidence, Passed: true}, ""
		}
	}
	detail := "no successful file modification or command execution was recorded; implement the task before attempting completion"
	return Check{Name: RuleImplementationEvidence, Passed: false, Detail: detail}, detail
}

func (in Input) checkLastCommandSuccess() (Check, string) {
	last, ok := lastMatching(in.Observations, tools.CommandClass)
	if !ok {
		return Check{Name: RuleLastCommandSuccess, Passed: true, Skipped: true, Detail: "no command observations"}, ""
	}
	if last.Success {
		return Check{Name: RuleLastCommandSuccess, Passed: true}, ""
	}
	detail := fmt.Sprintf("the most recent command failed: %s", firstLine(last.Error))
	return Check{Name: RuleLastCommandSuccess, Passed: false, Detail: detail}, detail
}

func (in Input) checkNoUnresolvedWrites() (Check, string) {
	last, ok := lastMatching(in.Observations, tools.WriteClass)
	if !ok {
		return Check{Name: RuleNoUnresolvedWrites, Passed: true, Skipped: true, Detail: "no write observations"}, ""
	}
	if last.Success {
		return Check{Name: RuleNoUnresolvedWrites, Passed: true}, ""
	}
	detail := fmt.Sprintf("the most recent write to %s failed: %s", firstFile(last), firstLine(last.Error))
	return Check{Name: RuleNoUnresolvedWrites, Passed: false, Detail: detail}, detail
}

func (in Input) checkTaskKeywordMatching() (Check, string) {
	text := strings.ToLower(in.TaskText)
	if !strings.Contains(text, "test") && !strings.Contains(text, "spec") {
		return Check{Name: RuleTaskKeywordMatching, Passed: true, Skipped: true, Detail: "task text does not mention tests"}, ""
	}
	if in.CommandOps > 0 {
		return Check{Name: RuleTaskKeywordMatching, Passed: true}, ""
	}
	for _, obs := range in.Observations {
		if tools.CommandClass(obs) {
			return Check{Name: RuleTaskKeywordMatching, Passed: true}, ""
		}
	}
	detail := "the task mentions tests but no command was ever executed; run the test suite"
	return Check{Name: RuleTaskKeywordMatching, Passed: false, Detail: detail}, detail
}

func lastMatching(observations []tools.Observation, match func(tools.Observation) bool) (tools.Observation, bool) {
	for i := len(observations) - 1; i >= 0; i-- {
		if match(observations[i]) {
			return observations[i], true
		}
	}
	return tools.Observation{}, false
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if s == "" {
		return "(no error text)"
	}
	return s
}

func firstFile(obs tools.Observation) string {
	if len(obs.Files) > 0 {
		return obs.Files[0]
	}
	return "(unknown file)"
}
