/*
main.go - Application entry point

PURPOSE:
  Starts the folio engine server and runs one-off maintenance commands.
  Handles configuration, dependency wiring and graceful shutdown.

COMMANDS:
  serve      HTTP API, offline drain loop and health scheduler (default)
  validate   Validate every open folio once and print the drift reports
  drain      Deliver pending offline operations once
  seed       Load a demo scenario into the database

STARTUP SEQUENCE (serve):
  1. Load .env, then config (defaults < folio.yaml < environment)
  2. Open the SQLite store and the configured lock backend
  3. Wire audit sinks, metrics, Coordinator, offline queue
  4. Start the drain loop and health scheduler
  5. Start the HTTP server with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler and the drain loop
  4. Close broker, lock backend and database connections

EXAMPLES:
  ./server serve --config ./folio.yaml
  ./server validate --tenant hotel-1 --fix
  ./server seed checkout-day --tenant demo-hotel

SEE ALSO:
  - config/loader.go: Configuration keys and environment variables
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/warp/folio-engine/api"
	"github.com/warp/folio-engine/config"
	"github.com/warp/folio-engine/folio"
	"github.com/warp/folio-engine/logging"
)

func main() {
	_ = godotenv.Load()

	var configPath string
	rootCmd := &cobra.Command{
		Use:   "folio-engine",
		Short: "Hotel folio ledger and stay transition engine",
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultConfigFile, "path to YAML config file")

	serve := serveCmd(&configPath)
	rootCmd.AddCommand(serve, validateCmd(&configPath), drainCmd(&configPath), seedCmd(&configPath))
	rootCmd.RunE = serve.RunE

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads configuration, configures logging and wires the app.
func setup(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.LoadFrom(configPath)
	if err != nil {
		return nil, err
	}
	log := logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	return newApp(ctx, *cfg, log)
}

func serveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, offline drain loop and health scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := setup(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.close()

			a.queue.Start()
			defer a.queue.Stop()
			a.scheduler.Start()
			defer a.scheduler.Stop()

			server := &http.Server{
				Addr:         ":" + a.cfg.Server.Port,
				Handler:      api.NewRouter(a.handler, a.cfg.Server.CORSOrigins),
				ReadTimeout:  15 * time.Second,
				WriteTimeout: a.cfg.Transitions.Timeout + 15*time.Second,
				IdleTimeout:  60 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				a.log.Info("server starting", "addr", server.Addr)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
			}()

			select {
			case err := <-errCh:
				return fmt.Errorf("server failed: %w", err)
			case <-ctx.Done():
			}

			a.log.Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				return fmt.Errorf("server forced to shutdown: %w", err)
			}
			a.log.Info("server stopped")
			return nil
		},
	}
}

func validateCmd(configPath *string) *cobra.Command {
	var (
		tenant string
		fix    bool
	)
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate every open folio and print drift reports",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := setup(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.close()

			reports, err := a.coord.ReconcileAll(ctx, tenant, fix, "cli:validate")
			if err != nil {
				return err
			}
			if err := printJSON(cmd, reports); err != nil {
				return err
			}
			for _, r := range reports {
				if r.HasCritical() && !r.Fixed {
					return fmt.Errorf("%d folio(s) with drift", len(reports))
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", "", "limit to one tenant")
	cmd.Flags().BoolVar(&fix, "fix", false, "rewrite stored totals from line items")
	return cmd
}

func drainCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Deliver pending offline operations once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := setup(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.close()

			report, err := a.queue.Drain(ctx)
			if err != nil {
				return err
			}
			a.log.Info("drain finished", "report", report.String())
			return printJSON(cmd, report)
		},
	}
}

func seedCmd(configPath *string) *cobra.Command {
	var tenant string
	cmd := &cobra.Command{
		Use:   "seed <scenario>",
		Short: "Load a demo scenario (front-desk, checkout-day, drift)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := setup(ctx, *configPath)
			if err != nil {
				return err
			}
			defer a.close()

			return a.handler.Seed(ctx, args[0], tenant)
		},
	}
	cmd.Flags().StringVar(&tenant, "tenant", api.DefaultScenarioTenant, "tenant to seed")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	if reports, ok := v.([]folio.Report); ok && reports == nil {
		v = []folio.Report{}
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
