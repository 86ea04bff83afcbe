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
	"github.com/terracadastre/fieldsync/internal/schema"
	"github.com/terracadastre/fieldsync/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connectivity, session and queue state",
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

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		monitor := connectivity.NewMonitor(&connectivity.Config{
			ProbeURL:         cfg.Remote.BaseURL + "/health",
			ProbeInterval:    cfg.Connectivity.ProbeInterval,
			DebounceInterval: cfg.Connectivity.Debounce,
			Logger:           log.New(os.Stderr, "", 0),
		})
		monitor.Start(ctx)
		mode := monitor.Current()
		monitor.Stop()

		fmt.Println(ui.RenderHeader("fieldsync status"))

		if mode == connectivity.Online {
			fmt.Printf("Connectivity: %s\n", ui.RenderPass(mode.String()))
		} else {
			fmt.Printf("Connectivity: %s\n", ui.RenderWarn(mode.String()))
		}

		authCache, _, err := buildAuth(cfg, st, logger)
		if err != nil {
			return err
		}
		session, err := authCache.GetCachedSession(ctx)
		switch {
		case errors.Is(err, auth.ErrNoSession):
			fmt.Printf("Session:      %s\n", ui.RenderWarn("not logged in"))
		case err != nil:
			return err
		default:
			fmt.Printf("Session:      %s (%s, cached %s)\n",
				ui.RenderPass(session.Username), session.Role,
				session.CachedAt.Local().Format("2006-01-02 15:04"))
		}

		depth, err := st.QueueDepth(ctx)
		if err != nil {
			return err
		}

		total := 0
		for _, n := range depth {
			total += n
		}

		fmt.Printf("Queue:        %d item(s)\n", total)
		if total > 0 {
			fmt.Printf("  pending:    %d\n", depth[schema.QueuePending])
			fmt.Printf("  processing: %d\n", depth[schema.QueueProcessing])
			if n := depth[schema.QueueFailed]; n > 0 {
				fmt.Printf("  failed:     %s\n", ui.RenderErr(fmt.Sprintf("%d", n)))
			}
			if n := depth[schema.QueueCompleted]; n > 0 {
				fmt.Printf("  completed:  %s\n", ui.RenderFaint(fmt.Sprintf("%d", n)))
			}
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
