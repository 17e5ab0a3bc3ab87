package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/stacklok/toolhive-replicator/internal/replicator"
)

const defaultShutdownTimeout = 30 * time.Second

var replicateCmd = &cobra.Command{
	Use:   "replicate",
	Short: "Replicate the local store with its configured targets",
	Long: `Run the replications listed in the configuration file (--config).

One-shot replications exit once every change has been transferred.
Continuous replications keep running until the process receives SIGINT or
SIGTERM, then finish their in-flight batches and stop.`,
	RunE: runReplicate,
}

func init() {
	replicateCmd.Flags().String("config", "", "Path to configuration file (YAML format)")
	replicateCmd.Flags().String("replication", "", "Run only the named replication")
	replicateCmd.Flags().Bool("reset-checkpoint", false, "Transfer every change again, ignoring stored checkpoints")
}

func runReplicate(cmd *cobra.Command, _ []string) error {
	path, err := configPath(cmd)
	if err != nil {
		return err
	}
	name, err := cmd.Flags().GetString("replication")
	if err != nil {
		return err
	}
	reset, err := cmd.Flags().GetBool("reset-checkpoint")
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	env, err := openEnvironment(ctx, path)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		if err := env.close(shutdownCtx); err != nil {
			slog.Error("Failed to close resources", "error", err)
		}
	}()

	return replicateAll(ctx, env, name, reset)
}

// replicateAll runs the selected replications concurrently until the
// one-shot ones have stopped and ctx is done for the continuous ones
func replicateAll(ctx context.Context, env *environment, name string, reset bool) error {
	reps, err := env.selectReplications(name)
	if err != nil {
		return err
	}

	replicators := make([]*replicator.Replicator, 0, len(reps))
	for i := range reps {
		r, err := env.newReplicator(ctx, &reps[i])
		if err != nil {
			return err
		}
		replicators = append(replicators, r)
	}

	g := new(errgroup.Group)
	for _, r := range replicators {
		g.Go(func() error {
			return replicate(ctx, r, reset)
		})
	}
	err = g.Wait()
	env.recordStoreSize(context.WithoutCancel(ctx))
	return err
}

// replicate runs one replication. A continuous replication runs until ctx is done.
func replicate(ctx context.Context, r *replicator.Replicator, reset bool) error {
	cfg := r.Config()
	logger := slog.With("replication", cfg.Name)

	token := r.AddChangeListener(func(s replicator.Status) {
		logger.Info("Replication progress",
			"activity", s.Activity.String(),
			"completed", s.Progress.Completed,
			"total", s.Progress.Total)
	})
	defer r.RemoveChangeListener(token)

	// one-shot replications run to completion, only an interrupt stops them early
	status, err := replicator.Run(ctx, r, replicator.RunOptions{
		ResetCheckpoint: reset,
		Until: func(s replicator.Status) bool {
			return s.Activity == replicator.ActivityStopped
		},
	})
	if errors.Is(err, replicator.ErrTimeout) {
		// interrupted: give in-flight batches time to drain
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.DrainTimeout+defaultShutdownTimeout)
		defer cancel()
		status, err = replicator.StopAndWait(stopCtx, r)
	}
	if err != nil {
		return fmt.Errorf("replication %s: %w", cfg.Name, err)
	}
	if status.Error != nil {
		return fmt.Errorf("replication %s failed: %w", cfg.Name, status.Error)
	}

	logger.Info("Replication finished", "completed", status.Progress.Completed, "total", status.Progress.Total)
	return nil
}
