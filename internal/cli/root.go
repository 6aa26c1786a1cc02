package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskpilot/internal/version"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "taskpilot",
	Short: "Taskpilot - autopilot supervision for long-running agent tasks",
	Long: `Taskpilot supervises a long-running agentic task from first action to
completion: it tracks phases, throttles adaptively, gates completion behind
verification and review, and keeps a cross-task memory of lessons learned.

The commands here inspect the persisted per-task artifacts.

Example:
  taskpilot status fix-parser-42
  taskpilot replay fix-parser-42`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Set version for --version flag
	rootCmd.Version = version.Short()
	rootCmd.SetVersionTemplate("{{.Name}} {{.Version}}\n")

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .taskpilot.yaml)")
	rootCmd.PersistentFlags().Bool("verbose", false, "enable verbose output")
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		cwd, err := os.Getwd()
		if err != nil {
			fmt.Fprintln(os.Stderr, "Error getting working directory:", err)
			os.Exit(1)
		}

		viper.AddConfigPath(cwd)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".taskpilot")
	}

	viper.SetEnvPrefix("TASKPILOT")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if viper.GetBool("verbose") {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}
}
