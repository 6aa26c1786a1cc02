package cli

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"taskpilot/internal/autopilot"
	"taskpilot/internal/config"
	"taskpilot/internal/observability"
	"taskpilot/internal/trace"
)

var exportCmd = &cobra.Command{
	Use:   "export <task-id>",
	Short: "Send a task's lifecycle to the configured trace exporter",
	Long: `Export replays a task's execution trace to the ingestion endpoint
configured under "exporter" in the config file. Gate outcomes, council
generations, and the final status are sent as a batched upload.`,
	Args: cobra.ExactArgs(1),
	RunE: exportTask,
}

func init() {
	rootCmd.AddCommand(exportCmd)
}

// gateForEvent maps blocking trace events back to the gate that produced
// them. Events outside this map are not gate outcomes.
var gateForEvent = map[trace.EventType]string{
	trace.EventCostGuardrailBlocked: "cost_guardrail",
	trace.EventCanaryGateFailed:     "canary",
	trace.EventVerificationFailed:   "verification",
	trace.EventEvidenceGateFailed:   "evidence",
	trace.EventCodeReviewBlocked:    "code_review",
}

func exportTask(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if !cfg.Exporter.Enabled {
		return fmt.Errorf("exporter is not enabled; set exporter.enabled in the config file")
	}

	paths := autopilot.NewTaskPaths(cfg.Runtime.BaseDir, autopilot.SanitizeTaskID(args[0]))
	state, err := autopilot.LoadState(paths.StateFile())
	if err != nil {
		return fmt.Errorf("failed to load task state: %w", err)
	}
	if state == nil {
		return fmt.Errorf("task not found: %s", args[0])
	}

	tracer := observability.NewHTTPTracer(observability.ExporterConfig{
		BaseURL:   cfg.Exporter.Endpoint,
		PublicKey: cfg.Exporter.PublicKey,
		SecretKey: cfg.Exporter.SecretKey,
	}, log.New(os.Stderr, "", log.LstdFlags))

	tracer.StartTask(state.TaskID, observability.TaskOptions{
		Strategy: string(state.Strategy),
		Mode:     state.Mode,
	})

	sent := 0
	for _, evt := range trace.TailFile(paths.TraceFile(), exportTraceLimit) {
		switch evt.Type {
		case trace.EventCouncilConsulted:
			gen := observability.GenerationInput{Status: "completed"}
			if action, ok := evt.Fields["action"].(string); ok {
				gen.Action = action
			}
			if status, ok := evt.Fields["status"].(string); ok {
				gen.Status = status
			}
			tracer.RecordGeneration(state.TaskID, gen)
			sent++
		case trace.EventCompletionAccepted:
			tracer.RecordGate(state.TaskID, "completion", "pass")
			sent++
		default:
			if gate, ok := gateForEvent[evt.Type]; ok {
				tracer.RecordGate(state.TaskID, gate, "blocked")
				sent++
			}
		}
	}

	if state.Phase == autopilot.PhaseDone {
		tracer.CompleteTask(state.TaskID, "done")
	}

	if err := tracer.Stop(context.Background()); err != nil {
		return fmt.Errorf("failed to flush exporter: %w", err)
	}
	fmt.Printf("Exported %d events for task %s\n", sent, state.TaskID)
	return nil
}

const exportTraceLimit = 1000
