// Package correct implements the failure-correction escalation ladder: a
// stateless classifier mapping a failed tool invocation and its recent
// history to a remediation suggestion. Level rises with the attempt count so
// repeated failures surface progressively stronger interventions.
package correct

import (
	"fmt"
	"regexp"
	"strings"

	"taskpilot/internal/tools"
)

// Kind identifies the suggested remediation.
type Kind string

const (
	// KindRetryWithModification nudges the agent to retry the same tool with
	// an adjusted input (level 1).
	KindRetryWithModification Kind = "retry_with_modification"
	// KindAlternativeApproach suggests a different tool or tactic (level 2).
	KindAlternativeApproach Kind = "alternative_approach"
	// KindPhaseRegression recommends re-entering discovery after repeated
	// failures against the same file (level 2).
	KindPhaseRegression Kind = "phase_regression"
	// KindAskUser escalates to the user (level 3).
	KindAskUser Kind = "ask_user"
)

// Suggestion is a single remediation recommendation.
type Suggestion struct {
	Kind    Kind   `json:"kind"`
	Level   int    `json:"level"`
	Message string `json:"message"`
}

// sameFileRegressionThreshold is how many recent failures must touch the
// same file before a phase regression is recommended.
const sameFileRegressionThreshold = 3

// errorCategory pairs an error-text pattern with a level-1 hint.
type errorCategory struct {
	name    string
	pattern *regexp.Regexp
	hint    string
}

var errorCategories = []errorCategory{
	{
		name:    "diff-mismatch",
		pattern: regexp.MustCompile(`(?i)(search block|does not match|diff.*(apply|failed)|mismatch)`),
		hint:    "re-read the file first; the diff no longer matches the current content",
	},
	{
		name:    "not-found",
		pattern: regexp.MustCompile(`(?i)(no such file|not found|enoent|does not exist)`),
		hint:    "verify the path with a directory listing before retrying",
	},
	{
		name:    "permission-denied",
		pattern: regexp.MustCompile(`(?i)(permission denied|eacces|access is denied|read-only)`),
		hint:    "the target is not writable; choose a different location or adjust the command",
	},
	{
		name:    "no-search-results",
		pattern: regexp.MustCompile(`(?i)(no results|0 results|no matches|nothing matched)`),
		hint:    "broaden the search pattern or search a wider directory",
	},
	{
		name:    "command-failure",
		pattern: regexp.MustCompile(`(?i)(exit status|exit code|command failed|non-zero)`),
		hint:    "inspect the command output above and fix the underlying error before rerunning",
	},
}

// alternativeHints maps a failing tool to a level-2 tactic switch.
var alternativeHints = map[string]string{
	"apply_diff":         "diff application keeps failing; write the whole file with write_to_file instead",
	"search_and_replace": "targeted replacement keeps failing; apply a diff or rewrite the file",
	"insert_content":     "insertion keeps failing; rewrite the affected file with write_to_file",
	"execute_command":    "the command keeps failing; split it into smaller steps and run them one at a time",
	"search_files":       "the search keeps returning nothing useful; list the directory tree and read candidate files directly",
	"read_file":          "reading keeps failing; list the parent directory to confirm the file exists",
}

// Suggest classifies a failure into a remediation. attempt is the per-step
// failure count including the current failure (1 = first failure).
func Suggest(failedTool, errorText string, obs tools.Observation, recent []tools.Observation, attempt int) Suggestion {
	if attempt >= 3 {
		return Suggestion{
			Kind:  KindAskUser,
			Level: 3,
			Message: fmt.Sprintf("%s has failed %d times in a row; ask the user how to proceed before trying again",
				failedTool, attempt),
		}
	}

	if attempt == 2 {
		if file, n := dominantFailureFile(obs, recent); n >= sameFileRegressionThreshold {
			return Suggestion{
				Kind:  KindPhaseRegression,
				Level: 2,
				Message: fmt.Sprintf("%d recent failures all touch %s; re-read the surrounding context before editing again",
					n, file),
			}
		}
		hint, ok := alternativeHints[failedTool]
		if !ok {
			hint = fmt.Sprintf("%s failed twice; try a different tool or approach for this step", failedTool)
		}
		return Suggestion{Kind: KindAlternativeApproach, Level: 2, Message: hint}
	}

	for _, cat := range errorCategories {
		if cat.pattern.MatchString(errorText) {
			return Suggestion{
				Kind:    KindRetryWithModification,
				Level:   1,
				Message: fmt.Sprintf("%s failed (%s): %s", failedTool, cat.name, cat.hint),
			}
		}
	}
	return Suggestion{
		Kind:    KindRetryWithModification,
		Level:   1,
		Message: fmt.Sprintf("%s failed; adjust the parameters and retry: %s", failedTool, firstLine(errorText)),
	}
}

// dominantFailureFile returns the file of the current failure and how many
// recent failed observations (including this one) touch it.
func dominantFailureFile(obs tools.Observation, recent []tools.Observation) (string, int) {
	if len(obs.Files) == 0 {
		return "", 0
	}
	file := obs.Files[0]
	count := 1
	for _, r := range recent {
		if r.Success {
			continue
		}
		if tools.TouchesPath(r, file) {
			count++
		}
	}
	return file, count
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if strings.TrimSpace(s) == "" {
		return "(no error text)"
	}
	return s
}
