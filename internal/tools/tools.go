// Package tools defines the normalized tool observation consumed by the
// autopilot core and classifies tool invocations into behavioral classes.
// Classification drives phase transitions, verification evidence, and the
// step-completion heuristic; it never blocks execution by itself.
package tools

import (
	"path/filepath"
	"strings"
	"time"
)

// InvokeTool is the generic "invoke sub-tool" tool. Its effective class
// depends on the sub-tool name carried in the observation.
const InvokeTool = "use_mcp_tool"

// Observation is a single completed tool invocation as reported by the
// execution front-end.
type Observation struct {
	// Tool is the tool name (e.g., "write_to_file", "execute_command").
	Tool string `json:"tool"`

	// SubTool is the sub-tool name for InvokeTool observations.
	SubTool string `json:"sub_tool,omitempty"`

	// Success reports whether the invocation succeeded.
	Success bool `json:"success"`

	// Error is the error text for failed invocations.
	Error string `json:"error,omitempty"`

	// Files lists the file paths affected by the invocation.
	Files []string `json:"files,omitempty"`

	// DurationMs is the wall-clock duration of the invocation.
	DurationMs int64 `json:"duration_ms"`

	// Timestamp is when the invocation finished.
	Timestamp time.Time `json:"timestamp"`
}

// readClassTools are discovery-style tools: they inspect the workspace
// without changing it.
var readClassTools = map[string]bool{
	"read_file":                  true,
	"search_files":               true,
	"list_files":                 true,
	"list_code_definition_names": true,
	"codebase_search":            true,
}

// planningClassTools signal that the agent is organizing work rather than
// doing it.
var planningClassTools = map[string]bool{
	"update_todo_list":      true,
	"ask_followup_question": true,
	"switch_mode":           true,
}

// writeClassTools mutate workspace files directly.
var writeClassTools = map[string]bool{
	"write_to_file":      true,
	"apply_diff":         true,
	"insert_content":     true,
	"search_and_replace": true,
}

// writeSubTools are the sub-tool names of InvokeTool that count as file
// mutations.
var writeSubTools = map[string]bool{
	"write_file":  true,
	"edit_file":   true,
	"create_file": true,
	"apply_patch": true,
	"delete_file": true,
	"move_file":   true,
}

// commandClassTools execute shell commands.
var commandClassTools = map[string]bool{
	"execute_command": true,
}

// binaryExtensions are file extensions excluded from code review collection.
var binaryExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".ico": true,
	".pdf": true, ".zip": true, ".gz": true, ".tar": true, ".exe": true,
	".bin": true, ".woff": true, ".woff2": true, ".ttf": true, ".mp3": true,
	".mp4": true, ".so": true, ".dylib": true, ".dll": true, ".jar": true,
	".wasm": true,
}

// IsReadClass reports whether the tool is a read/search/list-class tool.
func IsReadClass(tool string) bool {
	return readClassTools[tool]
}

// IsPlanningClass reports whether the tool is a planning-class tool.
func IsPlanningClass(tool string) bool {
	return planningClassTools[tool]
}

// IsCommandClass reports whether the tool executes commands.
func IsCommandClass(tool string) bool {
	return commandClassTools[tool]
}

// IsWriteSubTool reports whether the given InvokeTool sub-tool name is a
// recognized write operation.
func IsWriteSubTool(subTool string) bool {
	return writeSubTools[strings.ToLower(strings.TrimSpace(subTool))]
}

// IsWriteClass reports whether the tool (with optional sub-tool for
// InvokeTool) mutates workspace files.
func IsWriteClass(tool, subTool string) bool {
	if writeClassTools[tool] {
		return true
	}
	if tool == InvokeTool {
		return IsWriteSubTool(subTool)
	}
	return false
}

// IsImplementationClass reports whether the observation evidences
// implementation work: a file mutation or a command execution.
func IsImplementationClass(tool, subTool string) bool {
	return IsWriteClass(tool, subTool) || IsCommandClass(tool)
}

// IsBinaryPath reports whether the file path has a binary extension.
func IsBinaryPath(path string) bool {
	return binaryExtensions[strings.ToLower(filepath.Ext(path))]
}

// TouchesPath reports whether the observation's affected file list contains
// the given path. Comparison is by cleaned path, so "./a/state.json" matches
// "a/state.json".
func TouchesPath(obs Observation, path string) bool {
	if path == "" {
		return false
	}
	want := filepath.Clean(path)
	for _, f := range obs.Files {
		if filepath.Clean(f) == want {
			return true
		}
	}
	return false
}

// WriteClass reports whether the observation is a write-class observation.
func WriteClass(obs Observation) bool {
	return IsWriteClass(obs.Tool, obs.SubTool)
}

// CommandClass reports whether the observation is a command-class observation.
func CommandClass(obs Observation) bool {
	return IsCommandClass(obs.Tool)
}
