package autopilot

import (
	"fmt"
	"strings"

	"taskpilot/internal/council"
	"taskpilot/internal/tools"
)

// StepStatus is the lifecycle state of a plan step.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepBlocked    StepStatus = "blocked"
	StepSkipped    StepStatus = "skipped"
)

// Plan origins.
const (
	PlanOriginHeuristic = "heuristic"
	PlanOriginCouncil   = "council"
)

// Step is a single unit of planned work.
type Step struct {
	ID            string     `json:"id"`
	Description   string     `json:"description"`
	Phase         Phase      `json:"phase"`
	Status        StepStatus `json:"status"`
	ExpectedTools []string   `json:"expected_tools,omitempty"`
	UsedTools     []string   `json:"used_tools,omitempty"`
	Outcome       string     `json:"outcome,omitempty"`
}

// Plan is the ordered step list for a task.
type Plan struct {
	Origin       string `json:"origin"`
	Steps        []Step `json:"steps"`
	CurrentIndex int    `json:"current_index"`
}

// HeuristicPlan builds the deterministic decomposition from the task text
// and strategy. The first step starts in progress.
func HeuristicPlan(s *TaskState) *Plan {
	summary := taskHeadline(s.TaskText)

	var steps []Step
	if s.Strategy != StrategyQuick {
		steps = append(steps,
			Step{Description: "Survey the code relevant to: " + summary, Phase: PhaseDiscovery,
				ExpectedTools: []string{"read_file", "search_files", "list_files"}},
			Step{Description: "Outline the change and record the approach", Phase: PhasePlanning,
				ExpectedTools: []string{"update_todo_list"}},
		)
	}
	steps = append(steps,
		Step{Description: "Implement: " + summary, Phase: PhaseImplementation,
			ExpectedTools: []string{"write_to_file", "apply_diff", "execute_command"}},
		Step{Description: "Verify the change by running the relevant commands", Phase: PhaseVerification,
			ExpectedTools: []string{"execute_command"}},
	)

	plan := &Plan{Origin: PlanOriginHeuristic, Steps: steps}
	plan.normalize()
	return plan
}

// PlanFromCouncil adopts a council decomposition. Steps with no usable
// phase tag default to implementation.
func PlanFromCouncil(res council.DecomposeResult) *Plan {
	plan := &Plan{Origin: PlanOriginCouncil}
	for _, proposal := range res.Steps {
		desc := strings.TrimSpace(proposal.Description)
		if desc == "" {
			continue
		}
		phase := Phase(strings.ToLower(proposal.Phase))
		switch phase {
		case PhaseDiscovery, PhasePlanning, PhaseImplementation, PhaseVerification:
		default:
			phase = PhaseImplementation
		}
		plan.Steps = append(plan.Steps, Step{
			Description:   desc,
			Phase:         phase,
			ExpectedTools: proposal.Tools,
		})
	}
	if len(plan.Steps) == 0 {
		return nil
	}
	plan.normalize()
	return plan
}

// normalize assigns step ids and statuses: the step at CurrentIndex is in
// progress, everything after is pending.
func (p *Plan) normalize() {
	for i := range p.Steps {
		if p.Steps[i].ID == "" {
			p.Steps[i].ID = fmt.Sprintf("step-%d", i+1)
		}
		if p.Steps[i].Status == "" {
			p.Steps[i].Status = StepPending
		}
	}
	if p.CurrentIndex < len(p.Steps) && p.Steps[p.CurrentIndex].Status == StepPending {
		p.Steps[p.CurrentIndex].Status = StepInProgress
	}
}

// CurrentStep returns the step at the cursor, or nil past the end.
func (p *Plan) CurrentStep() *Step {
	if p == nil || p.CurrentIndex >= len(p.Steps) {
		return nil
	}
	return &p.Steps[p.CurrentIndex]
}

// NextStep returns the step after the cursor, or nil.
func (p *Plan) NextStep() *Step {
	if p == nil || p.CurrentIndex+1 >= len(p.Steps) {
		return nil
	}
	return &p.Steps[p.CurrentIndex+1]
}

// HasBlockedStep reports whether any step is blocked.
func (p *Plan) HasBlockedStep() bool {
	for _, s := range p.Steps {
		if s.Status == StepBlocked {
			return true
		}
	}
	return false
}

// stepSatisfiedBy is the step-completion heuristic: a successful observation
// whose tool matches the step phase's canonical tool set completes the step.
func stepSatisfiedBy(step Step, obs tools.Observation) bool {
	if !obs.Success {
		return false
	}
	switch step.Phase {
	case PhaseDiscovery:
		return tools.IsReadClass(obs.Tool)
	case PhasePlanning:
		return tools.IsPlanningClass(obs.Tool)
	case PhaseImplementation:
		return tools.IsWriteClass(obs.Tool, obs.SubTool) || tools.IsCommandClass(obs.Tool)
	case PhaseVerification:
		return tools.IsCommandClass(obs.Tool)
	}
	return false
}

// AdvanceOnObservation completes the current step when the observation
// satisfies it and moves the cursor forward. Returns the completed step, or
// nil when nothing advanced.
func (p *Plan) AdvanceOnObservation(obs tools.Observation) *Step {
	step := p.CurrentStep()
	if step == nil || !stepSatisfiedBy(*step, obs) {
		return nil
	}
	step.Status = StepCompleted
	step.UsedTools = appendUnique(step.UsedTools, obs.Tool)
	step.Outcome = fmt.Sprintf("completed via %s", obs.Tool)
	p.CurrentIndex++
	if next := p.CurrentStep(); next != nil && next.Status == StepPending {
		next.Status = StepInProgress
	}
	return step
}

// Replan replaces all pending/in-progress/blocked steps with the new ones
// while preserving completed and skipped steps. The first new step starts
// in progress.
func (p *Plan) Replan(replacement *Plan) {
	var kept []Step
	for _, s := range p.Steps {
		if s.Status == StepCompleted || s.Status == StepSkipped {
			kept = append(kept, s)
		}
	}
	offset := len(kept)
	for i, s := range replacement.Steps {
		s.ID = fmt.Sprintf("step-%d", offset+i+1)
		s.Status = StepPending
		if i == 0 {
			s.Status = StepInProgress
		}
		kept = append(kept, s)
	}
	p.Steps = kept
	p.CurrentIndex = offset
	p.Origin = replacement.Origin
}

// Markdown renders the plan as a human-readable checklist.
func (p *Plan) Markdown(taskID string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Task Plan\n\nTask: %s\nOrigin: %s\n\n", taskID, p.Origin)
	for _, s := range p.Steps {
		fmt.Fprintf(&b, "- %s %s (%s)", checkbox(s.Status), s.Description, s.Phase)
		if s.Outcome != "" {
			fmt.Fprintf(&b, " -> %s", s.Outcome)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func checkbox(status StepStatus) string {
	switch status {
	case StepCompleted:
		return "[x]"
	case StepInProgress:
		return "[>]"
	case StepBlocked:
		return "[!]"
	case StepSkipped:
		return "[-]"
	}
	return "[ ]"
}

// taskHeadline clamps the task text to a single short line.
func taskHeadline(text string) string {
	line := strings.TrimSpace(text)
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = strings.TrimSpace(line[:i])
	}
	if len(line) > 80 {
		line = line[:80] + "..."
	}
	if line == "" {
		line = "the requested task"
	}
	return line
}

func appendUnique(list []string, item string) []string {
	for _, existing := range list {
		if existing == item {
			return list
		}
	}
	return append(list, item)
}
