package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Set at build time via -ldflags "-X main.version=... -X main.commit=..."
var (
	version = "dev"
	commit  = "none"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("medmirrord %s (commit %s)\n", version, commit)
	},
}
