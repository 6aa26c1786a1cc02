package autopilot

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"taskpilot/internal/tools"
	"taskpilot/internal/trace"
)

// Per-task artifact file names.
const (
	StateFileName    = "state.json"
	PlanFileName     = "task_plan.md"
	FindingsFileName = "findings.md"
	ProgressFileName = "progress.md"
	TraceFileName    = "execution_trace.jsonl"
	ReplayFileName   = "replay_record.json"
	SummaryFileName  = "final_summary.md"
)

// progressCap bounds the rolling progress log.
const progressCap = 30

// TaskPaths resolves every artifact location for one task.
type TaskPaths struct {
	BaseDir string
	TaskDir string
}

// TasksDir is the directory holding every per-task subdirectory.
func TasksDir(baseDir string) string {
	return filepath.Join(baseDir, "tasks")
}

// NewTaskPaths derives the per-task layout under baseDir.
func NewTaskPaths(baseDir, dirName string) TaskPaths {
	return TaskPaths{
		BaseDir: baseDir,
		TaskDir: filepath.Join(TasksDir(baseDir), dirName),
	}
}

func (p TaskPaths) StateFile() string    { return filepath.Join(p.TaskDir, StateFileName) }
func (p TaskPaths) PlanFile() string     { return filepath.Join(p.TaskDir, PlanFileName) }
func (p TaskPaths) FindingsFile() string { return filepath.Join(p.TaskDir, FindingsFileName) }
func (p TaskPaths) ProgressFile() string { return filepath.Join(p.TaskDir, ProgressFileName) }
func (p TaskPaths) TraceFile() string    { return filepath.Join(p.TaskDir, TraceFileName) }
func (p TaskPaths) ReplayFile() string   { return filepath.Join(p.TaskDir, ReplayFileName) }
func (p TaskPaths) SummaryFile() string  { return filepath.Join(p.TaskDir, SummaryFileName) }

// ControlDir is the shared cross-task control directory (canary state).
func (p TaskPaths) ControlDir() string { return filepath.Join(p.BaseDir, "control") }

// PolicyDir is where the policy documents live.
func (p TaskPaths) PolicyDir() string { return filepath.Join(p.BaseDir, "policy") }

// Ensure creates the task directory.
func (p TaskPaths) Ensure() error {
	return os.MkdirAll(p.TaskDir, 0755)
}

// legacyArtifacts are the files eligible for forward-copy from the legacy
// single-shared-directory layout.
var legacyArtifacts = []string{
	StateFileName, PlanFileName, FindingsFileName, ProgressFileName, TraceFileName,
}

// MigrateLegacyLayout copies artifacts from the legacy shared layout
// (directly under baseDir) into the per-task directory. Existing per-task
// files are never overwritten. Returns the names of migrated files.
func (p TaskPaths) MigrateLegacyLayout() []string {
	var migrated []string
	for _, name := range legacyArtifacts {
		src := filepath.Join(p.BaseDir, name)
		dst := filepath.Join(p.TaskDir, name)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if _, err := os.Stat(dst); err == nil {
			continue
		}
		if err := copyFile(src, dst); err == nil {
			migrated = append(migrated, name)
		}
	}
	return migrated
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

// FindingLevel is the severity of a findings.md entry.
type FindingLevel string

const (
	FindingInfo  FindingLevel = "info"
	FindingWarn  FindingLevel = "warn"
	FindingError FindingLevel = "error"
)

// appendFinding appends one leveled line to findings.md. Failures are
// swallowed; the findings log is a best-effort side channel.
func appendFinding(path string, level FindingLevel, at time.Time, message string) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "- [%s] %s %s\n", level, at.Format(time.RFC3339), message)
}

// progressLog is the rolling event log rewritten on every sync.
type progressLog struct {
	entries []string
}

func (l *progressLog) add(at time.Time, message string) {
	l.entries = append(l.entries, fmt.Sprintf("- %s %s", at.Format(time.RFC3339), message))
	if len(l.entries) > progressCap {
		l.entries = append([]string(nil), l.entries[len(l.entries)-progressCap:]...)
	}
}

func (l *progressLog) write(path string) {
	var b strings.Builder
	b.WriteString("# Progress\n\n")
	for _, e := range l.entries {
		b.WriteString(e)
		b.WriteString("\n")
	}
	// Best-effort rewrite.
	_ = os.WriteFile(path, []byte(b.String()), 0644)
}

// ReplayRecord is the snapshot written on every gate failure so a human or
// another process can reconstruct why completion was blocked.
type ReplayRecord struct {
	Reason             string                 `json:"reason"`
	Gate               string                 `json:"gate"`
	RecordedAt         time.Time              `json:"recorded_at"`
	TaskText           string                 `json:"task_text"`
	State              *TaskState             `json:"state"`
	Canary             CanaryState            `json:"canary"`
	RecentObservations []tools.Observation    `json:"recent_observations,omitempty"`
	RecentTrace        []trace.Event          `json:"recent_trace,omitempty"`
	Payload            map[string]interface{} `json:"payload,omitempty"`
}

// writeReplayRecord overwrites replay_record.json with the current record.
func writeReplayRecord(path string, record ReplayRecord) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal replay record: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
