package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	upWorkspace string
	upOnly      []string
)

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Bring up every butler in a workspace",
	Long: `Up discovers every butler config directory under --workspace
(one level deep, or the workspace root itself for a single butler),
validates each manifest, then supervises one "butlers run" child process
per butler. Each butler keeps its own process and RPC listener:
up is a process supervisor, not an in-process multiplexer. A SIGINT or
SIGTERM stops every child butler before up exits.`,
	RunE: runUp,
}

func init() {
	upCmd.Flags().StringVar(&upWorkspace, "workspace", ".", "workspace directory containing one subdirectory per butler")
	upCmd.Flags().StringSliceVar(&upOnly, "only", nil, "restrict to these butler names (repeatable, comma-separated)")
}

func runUp(cmd *cobra.Command, args []string) error {
	all, err := discoverWorkspace(upWorkspace)
	if err != nil {
		return err
	}
	selected, err := filterOnly(all, upOnly)
	if err != nil {
		return err
	}

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolve own executable path: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	errs := make(chan error, len(selected))
	for _, d := range selected {
		wg.Add(1)
		go func(d butlerDir) {
			defer wg.Done()
			errs <- superviseChild(ctx, self, d)
		}(d)
	}

	slog.Info("fleet starting", "butlers", len(selected), "workspace", upWorkspace)
	wg.Wait()
	close(errs)

	var firstErr error
	for err := range errs {
		if err != nil {
			slog.Error("butler exited with error", "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// superviseChild runs "butlers run --config <dir>" as a child process,
// forwarding its stdout/stderr, and returns when the child exits or ctx
// is cancelled (in which case the child is sent SIGTERM and given a
// chance to shut down cleanly before up itself returns).
func superviseChild(ctx context.Context, self string, d butlerDir) error {
	name := d.Manifest.Butler.Name
	log := slog.With("butler", name)

	child := exec.Command(self, "run", "--config", d.Path)
	child.Stdout = os.Stdout
	child.Stderr = os.Stderr
	child.SysProcAttr = childProcAttr()

	if err := child.Start(); err != nil {
		return fmt.Errorf("start %s: %w", name, err)
	}
	log.Info("butler started", "pid", child.Process.Pid, "config", d.Path)

	done := make(chan error, 1)
	go func() { done <- child.Wait() }()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		log.Info("butler exited")
		return nil
	case <-ctx.Done():
		log.Info("stopping butler")
		_ = child.Process.Signal(syscall.SIGTERM)
		<-done
		return nil
	}
}
