package main

import (
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "medmirrord",
	Short: "Medical data mirror synchronization daemon",
	Long: `medmirrord keeps a local mirror of external medical datasets in sync:
trial registries, bibliographic feeds, drug labels, code sets, and topic
summaries.

Each catalog source gets an independent sync job that pages through the
source, deduplicates records, and commits batches with resumable
checkpoints. Jobs are driven through the control API (start, pause,
resume, status).`,
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "Config file (default: ./medmirror.yaml or ~/.medmirror/medmirror.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "Log format (json, text)")

	// Bind flags to viper
	viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("logging.format", rootCmd.PersistentFlags().Lookup("log-format"))

	// Add subcommands
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkpointCmd)
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	setDefaults()

	// Use config file from flag if provided
	if cfgFile := rootCmd.PersistentFlags().Lookup("config").Value.String(); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// Search for config in current directory and home directory
		home, _ := os.UserHomeDir()
		viper.AddConfigPath(".")
		if home != "" {
			viper.AddConfigPath(home + "/.medmirror")
		}
		viper.SetConfigName("medmirror")
		viper.SetConfigType("yaml")
	}

	// Environment variables (MEDMIRROR_ENGINE_FAILURE_BUDGET -> engine.failure_budget)
	viper.SetEnvPrefix("MEDMIRROR")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Read config file (ignore error if not found)
	viper.ReadInConfig()
}
