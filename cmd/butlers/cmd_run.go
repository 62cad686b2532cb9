package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/butler-fleet/butlers/pkg/butler"
	"github.com/butler-fleet/butlers/pkg/observability"
)

var runConfigPath string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one butler in the foreground",
	Long: `Run loads a single butler's manifest, runs its migration plan,
wires its module surface, and blocks serving its RPC listener until
interrupted (SIGINT/SIGTERM).`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runConfigPath, "config", "", "path to the butler's config directory (required)")
	_ = runCmd.MarkFlagRequired("config")
}

func runRun(cmd *cobra.Command, args []string) error {
	return runOne(runConfigPath)
}

// runOne loads the .env sitting alongside the manifest (if any),
// bootstraps the butler, and blocks in Run until ctx is cancelled by a
// terminating signal, exactly as cmd/tarsy/main.go loads its own
// deploy/config/.env before bootstrapping.
func runOne(configDir string) error {
	envPath := filepath.Join(configDir, ".env")
	if err := godotenv.Load(envPath); err != nil {
		slog.Warn("no .env file loaded, continuing with existing environment", "path", envPath, "error", err)
	}

	b, err := butler.Bootstrap(configDir)
	if err != nil {
		return fmt.Errorf("bootstrap %s: %w", configDir, err)
	}
	defer b.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.InitTracing(ctx, b.Manifest.Butler.Name)
	if err != nil {
		slog.Warn("trace export unavailable, continuing without it", "error", err)
	} else {
		defer func() {
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTracing(flushCtx)
		}()
	}

	slog.Info("butler ready", "name", b.Manifest.Butler.Name, "kind", string(b.Manifest.Butler.Kind), "port", b.Manifest.Butler.Port)
	if err := b.Run(ctx); err != nil {
		return fmt.Errorf("run %s: %w", b.Manifest.Butler.Name, err)
	}
	return nil
}
