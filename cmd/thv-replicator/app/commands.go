// Package app provides the commands of the thv-replicator binary.
package app

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/toolhive-replicator/internal/config"
	"github.com/stacklok/toolhive-replicator/internal/versions"
)

// NewRootCmd creates the root command of thv-replicator
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "thv-replicator",
		DisableAutoGenTag: true,
		SilenceUsage:      true,
		Short:             "Replicate document stores",
		Long: `thv-replicator keeps a local document store in sync with other stores,
pushing local changes and pulling remote ones over websocket connections.`,
		Run: func(cmd *cobra.Command, _ []string) {
			if err := cmd.Help(); err != nil {
				slog.Error("Error displaying help", "error", err)
			}
		},
	}

	// THV_REPLICATOR_CONFIG stands in for --config
	viper.SetEnvPrefix(config.EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	rootCmd.AddCommand(replicateCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkpointCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(newVersionCmd())

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := versions.GetVersionInfo()
			format, err := cmd.Flags().GetString("format")
			if err != nil {
				return err
			}

			if format == "json" {
				output, err := json.MarshalIndent(info, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to format version info as JSON: %w", err)
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(output))
				return err
			}

			_, err = fmt.Fprintf(cmd.OutOrStdout(),
				"thv-replicator %s\n  commit:   %s\n  built:    %s\n  go:       %s\n  platform: %s\n  protocol: %s\n",
				info.Version, info.Commit, info.BuildDate, info.GoVersion, info.Platform, info.Protocol)
			return err
		},
	}
	cmd.Flags().String("format", "", "Output format (json)")
	return cmd
}
