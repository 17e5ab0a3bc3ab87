package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Manage replication checkpoints",
	Long:  `Inspect and reset the checkpoints that let replications resume where they stopped.`,
}

var checkpointResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Discard stored checkpoints",
	Long: `Discard the stored checkpoints of a replication (--replication) or of every
configured replication, so the next run transfers every change again.

Fails when a replication currently holds one of the checkpoints.`,
	RunE: runCheckpointReset,
}

func init() {
	checkpointCmd.PersistentFlags().String("config", "", "Path to configuration file (YAML format)")
	checkpointResetCmd.Flags().String("replication", "", "Reset only the named replication")
	checkpointCmd.AddCommand(checkpointResetCmd)
}

func runCheckpointReset(cmd *cobra.Command, _ []string) error {
	path, err := configPath(cmd)
	if err != nil {
		return err
	}
	name, err := cmd.Flags().GetString("replication")
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	env, err := openEnvironment(ctx, path)
	if err != nil {
		return err
	}
	defer func() {
		if err := env.close(context.WithoutCancel(ctx)); err != nil {
			slog.Error("Failed to close resources", "error", err)
		}
	}()

	return resetCheckpoints(ctx, env, name)
}

func resetCheckpoints(ctx context.Context, env *environment, name string) error {
	reps, err := env.selectReplications(name)
	if err != nil {
		return err
	}
	for i := range reps {
		r, err := env.newReplicator(ctx, &reps[i])
		if err != nil {
			return err
		}
		if err := r.DiscardCheckpoints(ctx); err != nil {
			return fmt.Errorf("replication %s: %w", reps[i].Name, err)
		}
	}
	return nil
}
