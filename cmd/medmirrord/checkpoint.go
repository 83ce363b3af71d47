package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/medmirror/medmirror/pkg/checkpoint"
)

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Inspect and manage resume checkpoints",
	Long:  `Show or clear the durable resume cursor of a mirror source.`,
}

var checkpointShowCmd = &cobra.Command{
	Use:   "show SOURCE",
	Short: "Show a source's checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckpointShow,
}

var checkpointClearCmd = &cobra.Command{
	Use:   "clear SOURCE",
	Short: "Clear a source's checkpoint, forcing a full resync",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheckpointClear,
}

func init() {
	checkpointCmd.AddCommand(checkpointShowCmd)
	checkpointCmd.AddCommand(checkpointClearCmd)

	checkpointShowCmd.Flags().String("checkpoints", "", "Checkpoint DSN (sqlite://<path> or file://<dir>)")

	checkpointClearCmd.Flags().String("checkpoints", "", "Checkpoint DSN (sqlite://<path> or file://<dir>)")
	checkpointClearCmd.Flags().Bool("force", false, "Clear without confirmation")
}

func runCheckpointShow(cmd *cobra.Command, args []string) error {
	sourceID := args[0]

	cps, err := openCheckpointCLI(cmd)
	if err != nil {
		return err
	}
	defer cps.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cp, err := cps.Load(ctx, sourceID)
	if err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if cp == nil {
		fmt.Printf("No checkpoint for source '%s'\n", sourceID)
		return nil
	}

	out, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runCheckpointClear(cmd *cobra.Command, args []string) error {
	sourceID := args[0]
	force, _ := cmd.Flags().GetBool("force")

	if !force {
		fmt.Printf("Clear the checkpoint for source '%s'? The next sync job restarts from the beginning. (y/N): ", sourceID)
		var response string
		fmt.Scanln(&response)
		if response != "y" && response != "Y" {
			fmt.Println("Cancelled")
			return nil
		}
	}

	cps, err := openCheckpointCLI(cmd)
	if err != nil {
		return err
	}
	defer cps.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := cps.Clear(ctx, sourceID); err != nil {
		return fmt.Errorf("failed to clear checkpoint: %w", err)
	}

	fmt.Printf("Checkpoint cleared for source '%s'\n", sourceID)
	return nil
}

// openCheckpointCLI opens the checkpoint store for a CLI verb, preferring the
// command's own --checkpoints flag over the configured DSN.
func openCheckpointCLI(cmd *cobra.Command) (checkpoint.Store, error) {
	dsn, _ := cmd.Flags().GetString("checkpoints")
	if dsn == "" {
		dsn = viper.GetString("checkpoint.dsn")
	}

	cpCfg, err := ParseCheckpointDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid checkpoint DSN: %w", err)
	}
	return buildCheckpointStore(cpCfg)
}
