package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/terracadastre/fieldsync/internal/auth"
	"github.com/terracadastre/fieldsync/internal/connectivity"
	"github.com/terracadastre/fieldsync/internal/coordinator"
	"github.com/terracadastre/fieldsync/internal/remote"
	"github.com/terracadastre/fieldsync/internal/syncer"
	"github.com/terracadastre/fieldsync/internal/ui"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Force one drain of the sync queue",
	Long: `Drain the sync queue once, in capture order.

This probes the authority, validates the cached session and pushes
every eligible queued mutation. Items that hit a transient network
failure stay pending; items rejected by the authority are marked
failed for manual retry.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		logger := log.New(os.Stderr, "[fieldsync] ", log.LstdFlags)

		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		authCache, client, err := buildAuth(cfg, st, logger)
		if err != nil {
			return err
		}

		monitor := connectivity.NewMonitor(&connectivity.Config{
			ProbeURL:         cfg.Remote.BaseURL + "/health",
			ProbeInterval:    cfg.Connectivity.ProbeInterval,
			DebounceInterval: cfg.Connectivity.Debounce,
			Logger:           logger,
		})

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		monitor.Start(ctx)
		defer monitor.Stop()

		if monitor.Current() == connectivity.Offline {
			fmt.Printf("%s Device is offline; queued work is safe and will sync later\n", ui.RenderWarn("!"))
			return nil
		}

		state, err := authCache.Bootstrap(ctx, monitor.Current())
		if err != nil {
			if errors.Is(err, remote.ErrAuthExpired) {
				return fmt.Errorf("session expired, run %s first", ui.RenderAccent("fieldsync login"))
			}
			return err
		}
		if state == auth.Unauthenticated {
			return fmt.Errorf("not logged in, run %s first", ui.RenderAccent("fieldsync login"))
		}

		processor := syncer.New(st, client, &syncer.Config{
			AttemptCap: cfg.Sync.AttemptCap,
			Logger:     logger,
		})
		coord := coordinator.New(monitor, authCache, processor, st, logger)

		start := time.Now()
		result, err := coord.TriggerDrain(ctx)
		if err != nil {
			if errors.Is(err, remote.ErrAuthExpired) {
				return fmt.Errorf("session expired mid-sync, run %s and retry", ui.RenderAccent("fieldsync login"))
			}
			return err
		}

		printDrainResult(result, time.Since(start))
		return nil
	},
}

// printDrainResult reports one drain pass to the terminal.
func printDrainResult(result *syncer.DrainResult, elapsed time.Duration) {
	if result.Processed == 0 {
		fmt.Printf("%s Queue is empty\n", ui.RenderPass("✓"))
		return
	}

	fmt.Printf("%s Drained %d item(s) in %s\n", ui.RenderPass("✓"), result.Processed, elapsed.Round(time.Millisecond))
	fmt.Printf("  completed: %d\n", result.Completed)
	if result.Conflicts > 0 {
		fmt.Printf("  conflicts resolved: %d (%d requeued)\n", result.Conflicts, result.Requeued)
	}
	if result.Failed > 0 {
		fmt.Printf("  %s %d item(s) failed, see %s\n", ui.RenderErr("✗"), result.Failed, ui.RenderAccent("fieldsync queue list"))
	}
	if result.StoppedEarly {
		fmt.Printf("  %s stopped early on a network failure; remaining items stay queued\n", ui.RenderWarn("!"))
	}
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
