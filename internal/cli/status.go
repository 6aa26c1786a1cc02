package cli

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"taskpilot/internal/autopilot"
	"taskpilot/internal/config"
)

var statusCmd = &cobra.Command{
	Use:   "status [task-id]",
	Short: "Show task status",
	Long: `Show the persisted status of supervised tasks.

Without arguments, lists every task under the base directory.
With a task id, shows that task's phase, counters, and throttle state.

Examples:
  taskpilot status                # List all tasks
  taskpilot status fix-parser-42  # Show one task`,
	Args: cobra.MaximumNArgs(1),
	RunE: showStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func showStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if len(args) == 0 {
		return listTasks(cfg.Runtime.BaseDir)
	}
	return showTask(cfg.Runtime.BaseDir, args[0])
}

func listTasks(baseDir string) error {
	entries, err := os.ReadDir(autopilot.TasksDir(baseDir))
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Println("No tasks found.")
			return nil
		}
		return fmt.Errorf("failed to list tasks: %w", err)
	}

	type row struct {
		state *autopilot.TaskState
		name  string
	}
	var rows []row
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		paths := autopilot.NewTaskPaths(baseDir, entry.Name())
		state, err := autopilot.LoadState(paths.StateFile())
		if err != nil || state == nil {
			continue
		}
		rows = append(rows, row{state: state, name: entry.Name()})
	}
	if len(rows) == 0 {
		fmt.Println("No tasks found.")
		return nil
	}
	sort.Slice(rows, func(a, b int) bool { return rows[a].state.UpdatedAt.After(rows[b].state.UpdatedAt) })

	fmt.Printf("%-32s %-15s %-9s %-10s %s\n", "TASK", "PHASE", "STRATEGY", "THROTTLE", "UPDATED")
	fmt.Println(strings.Repeat("-", 86))
	for _, r := range rows {
		fmt.Printf("%-32s %-15s %-9s %-10s %s\n",
			r.name, r.state.Phase, r.state.Strategy, r.state.ThrottleMode,
			r.state.UpdatedAt.Format("2006-01-02 15:04"))
	}
	return nil
}

func showTask(baseDir, taskID string) error {
	paths := autopilot.NewTaskPaths(baseDir, autopilot.SanitizeTaskID(taskID))
	state, err := autopilot.LoadState(paths.StateFile())
	if err != nil {
		return fmt.Errorf("failed to read task state: %w", err)
	}
	if state == nil {
		return fmt.Errorf("task not found: %s", taskID)
	}

	fmt.Printf("Task:      %s\n", state.TaskID)
	fmt.Printf("Phase:     %s (completed: %s)\n", state.Phase, joinPhases(state.CompletedPhases))
	fmt.Printf("Strategy:  %s\n", state.Strategy)
	fmt.Printf("Throttle:  %s (failure_rate=%.2f, p95=%dms)\n",
		state.ThrottleMode, state.Snapshot.FailureRate, state.Snapshot.P95LatencyMs)
	fmt.Printf("Counters:  %d tool runs, %d writes, %d commands\n",
		state.ToolRuns, state.WriteOps, state.CommandOps)
	if state.LastReviewScore > 0 {
		fmt.Printf("Review:    %d/10 (%d runs)\n", state.LastReviewScore, state.CodeReviewRuns)
	}
	if last := state.LastObservation; last != nil {
		outcome := "ok"
		if !last.Success {
			outcome = "failed: " + last.Error
		}
		fmt.Printf("Last tool: %s (%s)\n", last.Tool, outcome)
	}
	if pc := state.PendingCorrection; pc != nil {
		fmt.Printf("Pending:   [%s] %s\n", pc.Kind, pc.Message)
	}
	fmt.Printf("Updated:   %s\n", state.UpdatedAt.Format("2006-01-02 15:04:05"))
	return nil
}

func joinPhases(phases []autopilot.Phase) string {
	if len(phases) == 0 {
		return "none"
	}
	parts := make([]string, len(phases))
	for i, p := range phases {
		parts[i] = string(p)
	}
	return strings.Join(parts, ", ")
}
