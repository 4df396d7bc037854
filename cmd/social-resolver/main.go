package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ahmethakanbesel/social-resolver/internal/config"
	"github.com/ahmethakanbesel/social-resolver/internal/logging"
	"github.com/ahmethakanbesel/social-resolver/internal/server"
)

var (
	configFile string

	cfg      config.Config
	closeLog func() error
)

var rootCmd = &cobra.Command{
	Use:           "social-resolver",
	Short:         "Resolve wallet addresses to social identities",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		var err error
		cfg, err = config.Load(configFile)
		if err != nil {
			return err
		}
		closeLog, err = logging.Setup(cfg.Log.Level, cfg.Log.File)
		return err
	},
	PersistentPostRun: func(_ *cobra.Command, _ []string) {
		if closeLog != nil {
			_ = closeLog()
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, the worker pool and the maintenance scheduler",
	RunE:  runServe,
}

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Advance pending jobs by one chunk each, then exit",
	RunE:  runTick,
}

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Queue a refresh job for stale, frequently looked up wallets",
	RunE:  runRefresh,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "TOML config file (default $CONFIG_FILE)")
	rootCmd.AddCommand(serveCmd, tickCmd, refreshCmd)
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	// Root context: cancelled on SIGINT/SIGTERM so in-flight chunks release
	// their leases during graceful shutdown.
	rootCtx, rootCancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer rootCancel()

	a, err := newApp(rootCtx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	// Worker pool: picks up pending jobs in the background
	poolDone := make(chan struct{})
	go func() {
		a.pool.Run(rootCtx)
		close(poolDone)
	}()

	if _, err := a.jobs.RecoverExpiredLeases(rootCtx); err != nil {
		slog.Error("failed to count expired leases", "error", err)
	}
	a.pool.Notify()

	sched, err := a.scheduler()
	if err != nil {
		return err
	}
	sched.Start()

	srv := server.New(rootCtx, cfg.Port, a.deps())
	srvErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			srvErr <- err
		}
		close(srvErr)
	}()

	slog.Info("server started", "port", cfg.Port, "api_keys", a.keys.Len())
	select {
	case <-rootCtx.Done():
	case err := <-srvErr:
		if err != nil {
			slog.Error("server error", "error", err)
		}
		rootCancel()
	}

	// Stop scheduling and wait for the worker pool to drain before HTTP.
	sched.Stop()
	<-poolDone

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	slog.Info("server stopped")
	return nil
}

func runTick(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	report, err := a.pool.Tick(ctx)
	if err != nil {
		return err
	}
	return printJSON(cmd, report)
}

func runRefresh(cmd *cobra.Command, _ []string) error {
	a, err := newApp(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer a.close()

	res, err := a.selector.Run(cmd.Context())
	if err != nil {
		return err
	}
	return printJSON(cmd, res)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
