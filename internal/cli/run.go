package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"taskpilot/internal/autopilot"
	"taskpilot/internal/config"
	"taskpilot/internal/memory"
	"taskpilot/internal/policy"
	"taskpilot/internal/tools"
)

var runCmd = &cobra.Command{
	Use:   "run <events.jsonl>",
	Short: "Drive a task from a recorded tool-event stream",
	Long: `Run feeds a recorded stream of tool events through the autopilot and
prints the completion verdict. Each line of the input file is one invocation:

  {"tool": "write_to_file", "params": {"path": "a.go"},
   "observation": {"success": true, "files": ["a.go"], "duration_ms": 120}}

This is the same contract the interactive front-end uses, made runnable for
recorded sessions.

Example:
  taskpilot run session.jsonl --task-id fix-parser --task-text "Fix the parser"`,
	Args: cobra.ExactArgs(1),
	RunE: runStream,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("task-id", "", "task identifier (default: the file name)")
	runCmd.Flags().String("task-text", "", "task description")
	runCmd.Flags().String("strategy", "", "force a strategy (quick, standard, full)")
	runCmd.Flags().String("mode", "", "agent mode the task runs in")
	runCmd.Flags().Bool("guidance", false, "print the guidance line after every event")
}

// streamEvent is one recorded tool invocation.
type streamEvent struct {
	Tool        string                 `json:"tool"`
	Params      map[string]interface{} `json:"params,omitempty"`
	Observation tools.Observation      `json:"observation"`
}

func runStream(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	taskID, _ := cmd.Flags().GetString("task-id")
	if taskID == "" {
		taskID = autopilot.SanitizeTaskID(args[0])
	}
	taskText, _ := cmd.Flags().GetString("task-text")
	strategy, _ := cmd.Flags().GetString("strategy")
	mode, _ := cmd.Flags().GetString("mode")
	showGuidance, _ := cmd.Flags().GetBool("guidance")

	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("failed to open event stream: %w", err)
	}
	defer f.Close()

	store := memory.NewStore(filepath.Join(cfg.Runtime.BaseDir, "control"), memory.Config{})
	if err := store.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: memory store unavailable: %v\n", err)
		store = nil
	}

	ctrl := autopilot.NewController(autopilot.Config{
		BaseDir:    cfg.Runtime.BaseDir,
		TaskID:     taskID,
		TaskText:   taskText,
		Mode:       mode,
		Strategy:   strategy,
		Strictness: policy.Strictness(cfg.Runtime.Strictness),
		Memory:     store,
		Logger:     log.New(os.Stderr, "[autopilot] ", log.LstdFlags),
	})

	ctx := context.Background()
	defer ctrl.Close(ctx)
	if err := ctrl.EnsureInitialized(ctx); err != nil {
		return fmt.Errorf("failed to initialize task: %w", err)
	}

	lineNo := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var evt streamEvent
		if err := json.Unmarshal(line, &evt); err != nil {
			return fmt.Errorf("bad event at line %d: %w", lineNo, err)
		}
		if evt.Tool == "" {
			return fmt.Errorf("bad event at line %d: missing tool name", lineNo)
		}
		if err := ctrl.OnToolStart(ctx, evt.Tool, evt.Params); err != nil {
			return fmt.Errorf("event %d: %w", lineNo, err)
		}
		if err := ctrl.OnToolFinish(ctx, evt.Tool, evt.Observation); err != nil {
			return fmt.Errorf("event %d: %w", lineNo, err)
		}
		if showGuidance {
			if guidance, err := ctrl.GetPromptGuidance(ctx); err == nil {
				fmt.Println(guidance)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read event stream: %w", err)
	}

	blocker, err := ctrl.GetCompletionBlocker(ctx)
	if err != nil {
		return fmt.Errorf("completion check failed: %w", err)
	}
	if blocker != "" {
		fmt.Printf("Completion blocked after %d events:\n  %s\n", lineNo, blocker)
		return nil
	}
	if err := ctrl.MarkCompletionAccepted(ctx); err != nil {
		return fmt.Errorf("failed to accept completion: %w", err)
	}
	fmt.Printf("Task %s completed after %d events.\n", taskID, lineNo)
	return nil
}
