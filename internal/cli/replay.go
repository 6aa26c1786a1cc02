package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"taskpilot/internal/autopilot"
	"taskpilot/internal/config"
	"taskpilot/internal/trace"
)

var replayCmd = &cobra.Command{
	Use:   "replay <task-id>",
	Short: "Show why a task's completion was last blocked",
	Long: `Show the replay record written when a completion gate last failed,
followed by the tail of the task's execution trace.

Examples:
  taskpilot replay fix-parser-42
  taskpilot replay fix-parser-42 --trace 50`,
	Args: cobra.ExactArgs(1),
	RunE: showReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)

	replayCmd.Flags().Int("trace", 25, "number of trace events to show")
}

func showReplay(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	paths := autopilot.NewTaskPaths(cfg.Runtime.BaseDir, autopilot.SanitizeTaskID(args[0]))

	data, err := os.ReadFile(paths.ReplayFile())
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no replay record found for task: %s", args[0])
		}
		return fmt.Errorf("failed to read replay record: %w", err)
	}

	var record autopilot.ReplayRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return fmt.Errorf("failed to parse replay record: %w", err)
	}

	fmt.Printf("Gate:     %s\n", record.Gate)
	fmt.Printf("Reason:   %s\n", record.Reason)
	fmt.Printf("Recorded: %s\n", record.RecordedAt.Format("2006-01-02 15:04:05"))
	if record.State != nil {
		fmt.Printf("Phase:    %s (throttle=%s)\n", record.State.Phase, record.State.ThrottleMode)
	}
	if record.Canary.Fingerprint != "" {
		fmt.Printf("Canary:   %s %s (%d/%d samples failed)\n",
			record.Canary.Fingerprint, record.Canary.Status,
			record.Canary.FailedSamples, record.Canary.Samples)
	}

	tail, _ := cmd.Flags().GetInt("trace")
	events := trace.TailFile(paths.TraceFile(), tail)
	if len(events) == 0 {
		return nil
	}
	fmt.Printf("\nRecent trace events:\n")
	for _, ev := range events {
		line := fmt.Sprintf("  %s %s", ev.Timestamp.Format("15:04:05"), ev.Type)
		if ev.Tool != "" {
			line += " " + ev.Tool
		}
		if ev.Detail != "" {
			line += ": " + ev.Detail
		}
		fmt.Println(line)
	}
	return nil
}
