package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"engram/internal/config"
	"engram/internal/logging"
)

// workerCmd keeps the queue workers and the maintenance loop running until
// interrupted.
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run queue workers and periodic maintenance until interrupted",
	Long: `Recovers interrupted jobs, starts the queue workers and loops
maintenance sweeps on the configured interval. Tunables in the config file
are hot-reloaded while the worker runs.

Other engramd commands can enqueue with --no-wait while a worker owns the
processing.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	scope, err := requireUser()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logging.Boot("shutdown signal received")
		cancel()
	}()

	svc, err := openStack()
	if err != nil {
		return err
	}
	defer svc.close()

	path := configPath
	if path == "" {
		path = filepath.Join(cfg.DataDir, "config.yaml")
	}
	watcher, err := config.NewWatcher(path, cfg.DataDir, cfg, func(next *config.Config) {
		// Thresholds and sweep cadence apply on the next operation; the
		// store and queue keep their boot-time settings.
		cfg = next
	})
	if err != nil {
		return err
	}
	if err := watcher.Start(ctx); err != nil {
		return err
	}
	defer watcher.Stop()

	if n, err := svc.queue.Recover(ctx); err != nil {
		return fmt.Errorf("queue recovery failed: %w", err)
	} else if n > 0 {
		logging.Boot("recovered %d interrupted jobs", n)
	}
	svc.queue.Start(ctx)
	defer svc.queue.Stop()

	fmt.Println("engramd worker running (ctrl-c to stop)")
	interval := cfg.Maintenance.OrphanSweepInterval
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := svc.sweeper.Run(ctx, scope); err != nil {
				logging.Get(logging.CategoryMaintenance).Error("maintenance sweep failed: %v", err)
			}
			next := watcher.Current().Maintenance.OrphanSweepInterval
			if next > 0 && next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}
