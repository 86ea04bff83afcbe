package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/terracadastre/fieldsync/internal/connectivity"
	"github.com/terracadastre/fieldsync/internal/coordinator"
	"github.com/terracadastre/fieldsync/internal/schema"
	"github.com/terracadastre/fieldsync/internal/syncer"
	"github.com/terracadastre/fieldsync/internal/ui"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and retry queued mutations",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued mutations in capture order",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		st, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		all, _ := cmd.Flags().GetBool("all")

		var items []*schema.SyncQueueItem
		if all {
			// Every pending item plus every failed item, any attempt count
			items, err = st.ScanEligible(ctx, int(^uint(0)>>1))
		} else {
			items, err = st.ScanPending(ctx)
		}
		if err != nil {
			return err
		}

		if len(items) == 0 {
			fmt.Printf("%s Queue is empty\n", ui.RenderPass("✓"))
			return nil
		}

		fmt.Println(ui.RenderHeader(fmt.Sprintf("%d queued mutation(s)", len(items))))
		for _, item := range items {
			printQueueItem(item)
		}
		return nil
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry <item-id>",
	Short: "Reset a failed item to pending and sync if online",
	Args:  cobra.ExactArgs(1),
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
			Logger:           log.New(os.Stderr, "", 0),
		})

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		monitor.Start(ctx)
		defer monitor.Stop()

		if monitor.Current() == connectivity.Online {
			if _, err := authCache.Bootstrap(ctx, monitor.Current()); err != nil {
				return fmt.Errorf("session expired, run %s first", ui.RenderAccent("fieldsync login"))
			}
		}

		processor := syncer.New(st, client, &syncer.Config{
			AttemptCap: cfg.Sync.AttemptCap,
			Logger:     logger,
		})
		coord := coordinator.New(monitor, authCache, processor, st, logger)

		if err := coord.RetryFailedItem(ctx, args[0]); err != nil {
			return err
		}

		fmt.Printf("%s Item %s queued for retry\n", ui.RenderPass("✓"), args[0])
		return nil
	},
}

// printQueueItem renders one queue row.
func printQueueItem(item *schema.SyncQueueItem) {
	var status string
	switch item.Status {
	case schema.QueueFailed:
		status = ui.RenderErr(string(item.Status))
	case schema.QueueCompleted:
		status = ui.RenderFaint(string(item.Status))
	case schema.QueueProcessing:
		status = ui.RenderAccent(string(item.Status))
	default:
		status = ui.RenderWarn(string(item.Status))
	}

	fmt.Printf("  %s  %-18s %-36s %s", item.CreatedAt.Local().Format("2006-01-02 15:04:05"), item.Kind, item.ReferenceID, status)
	if item.Attempts > 0 {
		fmt.Printf(" (attempts: %d)", item.Attempts)
	}
	fmt.Println()
	fmt.Printf("    id: %s\n", ui.RenderFaint(item.ID))
	if item.Error != "" {
		fmt.Printf("    %s\n", ui.RenderFaint(item.Error))
	}
}

func init() {
	queueListCmd.Flags().Bool("all", false, "Include failed items")

	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueRetryCmd)
	rootCmd.AddCommand(queueCmd)
}
