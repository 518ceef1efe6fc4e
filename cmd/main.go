// Package main is the entry point for the fleet panel.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/pifleet/panel/internal/api"
	"github.com/pifleet/panel/internal/auth"
	"github.com/pifleet/panel/internal/callback"
	"github.com/pifleet/panel/internal/config"
	"github.com/pifleet/panel/internal/docker"
	"github.com/pifleet/panel/internal/logging"
	"github.com/pifleet/panel/internal/publisher"
	"github.com/pifleet/panel/internal/registry"
	"github.com/pifleet/panel/internal/scanner"
	"github.com/pifleet/panel/internal/shell"
	"github.com/pifleet/panel/internal/telemetry"
	"github.com/pifleet/panel/internal/whitelist"
)

// Version is set at build time with -ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:     "panel",
	Short:   "Raspberry Pi fleet panel",
	Long:    `panel discovers Raspberry Pi devices on the local network and manages registered devices over SSH.`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func init() {
	rootCmd.SilenceUsage = true
	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() error {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	sugar, err := logging.New(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() { _ = sugar.Sync() }()

	sugar.Infow("Starting fleet panel",
		"version", Version,
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"registry", cfg.Registry.Path,
		"whitelist", cfg.Whitelist.Path,
	)
	if cfg.Auth.JWTSecret == "" {
		sugar.Warn("auth.jwt_secret is empty, tokens cannot be issued or verified")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wl, err := whitelist.Load(cfg.Whitelist.Path, sugar)
	if err != nil {
		return fmt.Errorf("failed to load whitelist: %w", err)
	}
	if cfg.Whitelist.Watch {
		if err := wl.Watch(ctx); err != nil {
			sugar.Warnw("Whitelist hot reload disabled", "error", err)
		}
	}

	metrics := telemetry.New()
	runner := shell.NewExecRunner()
	opts := []scanner.Option{scanner.WithRecorder(metrics)}

	// Initialize RabbitMQ publisher
	if cfg.RabbitMQ.Enabled {
		pub, err := publisher.New(cfg.RabbitMQ.URL, cfg.RabbitMQ.Exchange, sugar)
		if err != nil {
			return fmt.Errorf("failed to initialize publisher: %w", err)
		}
		defer func() { _ = pub.Close() }()
		opts = append(opts, scanner.WithPublisher(pub))
	}
	if cfg.Notify.CompleteURL != "" {
		opts = append(opts, scanner.WithNotifier(callback.NewReporter(cfg.Notify.CompleteURL, cfg.Notify.APIKey, sugar)))
	}

	scan := scanner.New(cfg.Scanner, runner, sugar, opts...)

	var dockerSvc *docker.Service
	if svc, err := docker.New(cfg.Docker.Host, sugar); err != nil {
		sugar.Warnw("Docker integration disabled", "error", err)
	} else {
		dockerSvc = svc
		defer func() { _ = dockerSvc.Close() }()
	}

	server := api.New(api.Deps{
		Config:    cfg,
		Scanner:   scan,
		Auth:      auth.NewManager(cfg.Auth),
		Registry:  registry.NewStore(cfg.Registry.Path, sugar),
		Whitelist: wl,
		Runner:    runner,
		Docker:    dockerSvc,
		Metrics:   metrics,
		Logger:    sugar,
	})

	httpServer := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Handler:      server.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		sugar.Infow("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		scan.Stop()
		return fmt.Errorf("HTTP server error: %w", err)
	}

	sugar.Info("Shutting down server...")

	// Graceful shutdown with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop scans first so open event streams end
	scan.Stop()
	cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		sugar.Errorw("Server forced to shutdown", "error", err)
	}

	sugar.Info("Server stopped")
	return nil
}

// newCLILogger logs to stderr so command output on stdout stays clean.
func newCLILogger(verbose bool) *zap.SugaredLogger {
	cfg := zap.NewDevelopmentConfig()
	cfg.OutputPaths = []string{"stderr"}
	cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop().Sugar()
	}
	return logger.Sugar()
}
