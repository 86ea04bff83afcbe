package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/terracadastre/fieldsync/internal/config"
	"github.com/terracadastre/fieldsync/internal/connectivity"
	"github.com/terracadastre/fieldsync/internal/coordinator"
	"github.com/terracadastre/fieldsync/internal/remote"
	"github.com/terracadastre/fieldsync/internal/spool"
	"github.com/terracadastre/fieldsync/internal/statusd"
	"github.com/terracadastre/fieldsync/internal/syncer"
	"github.com/terracadastre/fieldsync/internal/ui"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the sync agent",
	Long: `Run the fieldsync agent in the foreground.

The agent:
  1. Opens the local store and sync queue
  2. Probes connectivity and debounces transitions
  3. Drains the queue whenever the device settles online
  4. Watches the photo spool for new captures
  5. Serves live status on a localhost WebSocket

Example usage:
  fieldsync agent                    # Run with config defaults
  fieldsync agent --port 9000        # Custom status port

Press Ctrl+C to stop.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if port, _ := cmd.Flags().GetInt("port"); port != 0 {
			cfg.Statusd.Port = port
		}

		logger, closeLog := buildLogger(cfg)
		defer closeLog()

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

		processor := syncer.New(st, client, &syncer.Config{
			AttemptCap: cfg.Sync.AttemptCap,
			Logger:     logger,
		})

		coord := coordinator.New(monitor, authCache, processor, st, logger)

		server := statusd.NewServer(st, coord, monitor, &statusd.Config{
			Port:   cfg.Statusd.Port,
			Logger: logger,
		})
		coord.OnEvent = server.BroadcastEvent
		processor.OnEvent = func(event, itemID string) {
			server.BroadcastEvent(event)
		}

		watcher, err := spool.New(st, &spool.Config{
			Dir:              cfg.Spool.Dir,
			DebounceInterval: spool.DefaultConfig().DebounceInterval,
			Logger:           logger,
		})
		if err != nil {
			return err
		}

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		monitor.Start(ctx)
		defer monitor.Stop()

		state, err := authCache.Bootstrap(ctx, monitor.Current())
		switch {
		case errors.Is(err, remote.ErrAuthExpired):
			// The session was cleared; no drain may run until a login
			// succeeds
			coord.NotifyAuthExpired()
			logger.Printf("Warning: %v", err)
			fmt.Printf("%s Session expired, run %s before syncing\n", ui.RenderWarn("!"), ui.RenderAccent("fieldsync login"))
		case err != nil:
			logger.Printf("Warning: %v", err)
		default:
			logger.Printf("Auth state: %s", state)
		}

		if err := server.Start(); err != nil {
			return err
		}
		defer server.Stop()

		go coord.Run(ctx)
		go func() {
			if err := watcher.Start(ctx); err != nil {
				logger.Printf("Spool watcher error: %v", err)
			}
		}()

		// Drain anything left over from the last run if we started
		// online with a valid session
		if monitor.Current() == connectivity.Online && !coord.AuthRequired() {
			if _, err := coord.TriggerDrain(ctx); err != nil {
				logger.Printf("Startup drain: %v", err)
			}
		}

		fmt.Printf("%s Agent running (mode: %s, status: http://localhost:%d)\n",
			ui.RenderPass("✓"), monitor.Current(), cfg.Statusd.Port)
		fmt.Println("Press Ctrl+C to stop...")

		<-ctx.Done()

		fmt.Println("\nShutting down...")
		return nil
	},
}

// buildLogger returns the agent logger. With log.file set, output goes
// to a size-rotated file; otherwise stderr.
func buildLogger(cfg *config.Config) (*log.Logger, func()) {
	if cfg.Log.File == "" {
		return log.New(os.Stderr, "[fieldsync] ", log.LstdFlags), func() {}
	}

	rotator := &lumberjack.Logger{
		Filename:   cfg.Log.File,
		MaxSize:    cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
	}
	out := io.MultiWriter(os.Stderr, rotator)
	return log.New(out, "[fieldsync] ", log.LstdFlags), func() { rotator.Close() }
}

func init() {
	agentCmd.Flags().IntP("port", "p", 0, "Status server port (overrides config)")

	rootCmd.AddCommand(agentCmd)
}
