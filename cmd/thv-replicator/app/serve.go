package app

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/stacklok/toolhive-replicator/internal/listener"
	"github.com/stacklok/toolhive-replicator/internal/peer"
	"github.com/stacklok/toolhive-replicator/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the local store to remote replicators",
	Long: `Accept replication connections for the local store described in the
configuration file (--config).

The listener section of the configuration selects the address, endpoint path
and credentials. With --replicate the configured replications run alongside
the listener until the process receives SIGINT or SIGTERM.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("config", "", "Path to configuration file (YAML format)")
	serveCmd.Flags().String("address", "", "Address to listen on, overrides listener.address")
	serveCmd.Flags().Bool("replicate", false, "Also run the configured replications")
}

func runServe(cmd *cobra.Command, _ []string) error {
	path, err := configPath(cmd)
	if err != nil {
		return err
	}
	address, err := cmd.Flags().GetString("address")
	if err != nil {
		return err
	}
	withReplications, err := cmd.Flags().GetBool("replicate")
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

	l, err := env.newListener(address)
	if err != nil {
		return err
	}
	if err := l.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if withReplications {
		g.Go(func() error {
			return replicateAll(gctx, env, "", false)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down listener")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		return l.Stop(shutdownCtx)
	})
	return g.Wait()
}

// newListener builds the listener described by the configuration. A non-empty
// address overrides the configured one.
func (e *environment) newListener(address string) (*listener.Listener, error) {
	lc := e.cfg.Listener
	if address == "" {
		address = lc.GetAddress()
	}

	metricsMiddleware, err := telemetry.MetricsMiddleware(e.telemetry.MeterProvider())
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP metrics: %w", err)
	}

	opts := []listener.Option{
		listener.WithAddress(address),
		listener.WithPath(lc.GetPath()),
		listener.WithMiddlewares(
			telemetry.TracingMiddleware(e.telemetry.TracerProvider()),
			metricsMiddleware,
		),
		listener.WithPeerOptions(peer.WithLogger(slog.Default())),
	}

	if lc != nil && lc.Auth != nil {
		password, err := lc.Auth.GetPassword()
		if err != nil {
			return nil, err
		}
		opts = append(opts, listener.WithBasicAuth(lc.Auth.Username, password))
	}

	if lc != nil && lc.Metrics {
		if handler := e.telemetry.MetricsHandler(); handler == nil {
			slog.Warn("listener.metrics is set but the prometheus exporter is not enabled in telemetry.metrics.exporters")
		} else {
			opts = append(opts, listener.WithMetricsHandler(handler))
		}
	}

	return listener.New(e.store, opts...), nil
}
