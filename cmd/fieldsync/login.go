package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/terracadastre/fieldsync/internal/connectivity"
	"github.com/terracadastre/fieldsync/internal/ui"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authenticate with the municipal authority",
	Long: `Authenticate with the municipal authority and cache the session.

The cached session lets the agent keep working offline: captures made
without connectivity are attributed to the cached identity and synced
once the device is back online. Logging in requires connectivity; a
session is only ever cached after the authority accepts it.`,
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

		authCache, _, err := buildAuth(cfg, st, logger)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
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

		if mode == connectivity.Offline {
			return fmt.Errorf("cannot log in while offline; connect to the network and retry")
		}

		username, _ := cmd.Flags().GetString("username")
		password := ""

		var fields []huh.Field
		if username == "" {
			fields = append(fields, huh.NewInput().
				Title("Username").
				Value(&username).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("username is required")
					}
					return nil
				}))
		}
		fields = append(fields, huh.NewInput().
			Title("Password").
			EchoMode(huh.EchoModePassword).
			Value(&password).
			Validate(func(s string) error {
				if s == "" {
					return fmt.Errorf("password is required")
				}
				return nil
			}))

		form := huh.NewForm(huh.NewGroup(fields...))
		if err := form.Run(); err != nil {
			return err
		}

		session, err := authCache.Login(ctx, username, password)
		if err != nil {
			return fmt.Errorf("login failed: %w", err)
		}

		fmt.Printf("%s Logged in as %s (%s)\n", ui.RenderPass("✓"), session.Username, session.Role)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Clear the cached session",
	Long: `Clear the cached session.

Queued work is untouched: captures stay in the local store and the
sync queue, and sync resumes after the next login.`,
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

		authCache, _, err := buildAuth(cfg, st, logger)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := authCache.Logout(ctx); err != nil {
			return err
		}

		fmt.Printf("%s Logged out\n", ui.RenderPass("✓"))
		return nil
	},
}

func init() {
	loginCmd.Flags().StringP("username", "u", "", "Username (prompted when omitted)")

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)
}
