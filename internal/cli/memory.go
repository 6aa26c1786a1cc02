package cli

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"taskpilot/internal/config"
	"taskpilot/internal/memory"
)

var memoryCmd = &cobra.Command{
	Use:   "memory",
	Short: "Inspect the cross-task memory store",
}

var memoryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored memory entries",
	Args:  cobra.NoArgs,
	RunE:  listMemory,
}

var memoryRecallCmd = &cobra.Command{
	Use:   "recall <query>",
	Short: "Recall entries relevant to a query",
	Long: `Recall memory entries ranked by relevance to the query text.

Example:
  taskpilot memory recall "flaky integration tests"`,
	Args: cobra.MinimumNArgs(1),
	RunE: recallMemory,
}

var memoryAddCmd = &cobra.Command{
	Use:   "add <content>",
	Short: "Add a memory entry",
	Args:  cobra.MinimumNArgs(1),
	RunE:  addMemory,
}

func init() {
	rootCmd.AddCommand(memoryCmd)
	memoryCmd.AddCommand(memoryListCmd)
	memoryCmd.AddCommand(memoryRecallCmd)
	memoryCmd.AddCommand(memoryAddCmd)

	memoryRecallCmd.Flags().Int("limit", 5, "maximum entries to return")
	memoryAddCmd.Flags().String("type", string(memory.Lesson), "entry type (pattern, pitfall, dependency, convention, decision, lesson)")
	memoryAddCmd.Flags().StringSlice("tag", nil, "tags for the entry")
}

func openMemory() (*memory.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	store := memory.NewStore(filepath.Join(cfg.Runtime.BaseDir, "control"), memory.Config{})
	if err := store.Load(); err != nil {
		return nil, fmt.Errorf("failed to load memory: %w", err)
	}
	return store, nil
}

func listMemory(cmd *cobra.Command, args []string) error {
	store, err := openMemory()
	if err != nil {
		return err
	}
	entries := store.Entries()
	if len(entries) == 0 {
		fmt.Println("No memory entries.")
		return nil
	}
	for _, e := range entries {
		printEntry(e)
	}
	fmt.Printf("\n%d entries\n", len(entries))
	return nil
}

func recallMemory(cmd *cobra.Command, args []string) error {
	store, err := openMemory()
	if err != nil {
		return err
	}
	limit, _ := cmd.Flags().GetInt("limit")
	entries := store.Recall(strings.Join(args, " "), limit, memory.RecallOptions{})
	if len(entries) == 0 {
		fmt.Println("Nothing relevant found.")
		return nil
	}
	for _, e := range entries {
		printEntry(e)
	}
	return nil
}

func addMemory(cmd *cobra.Command, args []string) error {
	store, err := openMemory()
	if err != nil {
		return err
	}
	entryType, _ := cmd.Flags().GetString("type")
	switch memory.EntryType(entryType) {
	case memory.Pattern, memory.Pitfall, memory.Dependency, memory.Convention, memory.Decision, memory.Lesson:
	default:
		return fmt.Errorf("invalid entry type: %s", entryType)
	}
	tags, _ := cmd.Flags().GetStringSlice("tag")

	entry := store.Remember(memory.Entry{
		Type:       memory.EntryType(entryType),
		Content:    strings.Join(args, " "),
		Tags:       tags,
		Provenance: "cli",
	})
	if err := store.Save(); err != nil {
		return fmt.Errorf("failed to save memory: %w", err)
	}
	fmt.Printf("Remembered %s entry %s\n", entry.Type, entry.ID)
	return nil
}

func printEntry(e memory.Entry) {
	line := fmt.Sprintf("[%s] %s %s", e.Type, e.Timestamp.Format("2006-01-02"), e.Content)
	if len(e.Tags) > 0 {
		line += " (" + strings.Join(e.Tags, ", ") + ")"
	}
	fmt.Println(line)
}
