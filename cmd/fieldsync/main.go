package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/terracadastre/fieldsync/internal/auth"
	"github.com/terracadastre/fieldsync/internal/config"
	"github.com/terracadastre/fieldsync/internal/remote"
	"github.com/terracadastre/fieldsync/internal/store"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "fieldsync",
	Short: "Offline-first sync agent for municipal field data capture",
	Long: `fieldsync keeps field-captured missions, property collections and
photos in a local SQLite store and reconciles them with the municipal
authority whenever connectivity allows.

Captured data is always written locally first. A durable queue records
every mutation; when the device comes online the agent drains the queue
in capture order, resolves version conflicts and reports progress over
a localhost status socket.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file")
}

// loadConfig resolves configuration for the current invocation.
func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

// openStore opens the local database and ensures the schema exists.
func openStore(cfg *config.Config) (*store.Store, error) {
	st, err := store.Open(cfg.DB.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open local store: %w", err)
	}
	if err := st.InitSchema(); err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return st, nil
}

// buildAuth wires the remote client and the offline auth cache. The
// client reads its bearer token from the cache, so the two are built
// together.
func buildAuth(cfg *config.Config, st *store.Store, logger *log.Logger) (*auth.Cache, remote.Client, error) {
	if cfg.Remote.BaseURL == "" {
		return nil, nil, fmt.Errorf("remote.base_url is not configured")
	}

	var cache *auth.Cache
	client, err := remote.NewHTTPClient(remote.Config{
		BaseURL: cfg.Remote.BaseURL,
		Timeout: cfg.Remote.Timeout,
		Token: func() string {
			if cache == nil {
				return ""
			}
			return cache.Token()
		},
	})
	if err != nil {
		return nil, nil, err
	}

	cache = auth.NewCache(st, client, logger)
	return cache, client, nil
}
