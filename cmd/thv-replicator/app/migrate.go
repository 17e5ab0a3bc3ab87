package app

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/spf13/cobra"

	"github.com/stacklok/toolhive-replicator/database"
	"github.com/stacklok/toolhive-replicator/internal/config"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the PostgreSQL checkpoint schema",
	Long: `Create or drop the checkpoint schema in the database configured for the
postgres checkpoint backend. Use with 'up' or 'down' subcommands.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return cmd.Usage()
	},
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Create the checkpoint schema",
	Long: `Create the checkpoint table in the configured database. The replicator
also does this on startup, so running it ahead of time is only needed when the
replicator user may not create tables.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runMigrate(cmd, "create the checkpoint schema in", database.MigrateUp)
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Drop the checkpoint schema",
	Long:  `Drop the checkpoint table. Every stored checkpoint is lost.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runMigrate(cmd, "DROP every checkpoint from", database.MigrateDown)
	},
}

func init() {
	migrateCmd.PersistentFlags().BoolP("yes", "y", false, "Answer yes to all questions")
	migrateCmd.PersistentFlags().String("config", "", "Path to configuration file (YAML format)")

	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)
}

func runMigrate(cmd *cobra.Command, action string, migrate func(context.Context, database.Execer) error) error {
	ctx := cmd.Context()

	path, err := configPath(cmd)
	if err != nil {
		return err
	}
	yes, err := cmd.Flags().GetBool("yes")
	if err != nil {
		return fmt.Errorf("failed to get yes flag: %w", err)
	}

	cfg, err := config.LoadConfig(config.WithConfigPath(path))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Database == nil {
		return fmt.Errorf("database configuration is required")
	}

	if !yes {
		question := fmt.Sprintf("About to %s %s@%s:%d/%s. Continue? (yes/no): ",
			action, cfg.Database.User, cfg.Database.Host, cfg.Database.Port, cfg.Database.Database)
		ok, err := confirm(cmd.InOrStdin(), cmd.OutOrStdout(), question)
		if err != nil {
			return err
		}
		if !ok {
			slog.Info("Migration cancelled by user")
			return nil
		}
	}

	connString, err := cfg.Database.GetConnectionString()
	if err != nil {
		return err
	}
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer func() {
		if err := conn.Close(context.WithoutCancel(ctx)); err != nil {
			slog.Error("Error closing database connection", "error", err)
		}
	}()

	if err := migrate(ctx, conn); err != nil {
		return err
	}
	slog.Info("Migration finished", "database", cfg.Database.Database)
	return nil
}

// confirm asks question on out and reads a yes/no answer from in
func confirm(in io.Reader, out io.Writer, question string) (bool, error) {
	if _, err := fmt.Fprint(out, question); err != nil {
		return false, err
	}
	answer, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, fmt.Errorf("failed to read user input: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "yes", "y":
		return true, nil
	default:
		return false, nil
	}
}
