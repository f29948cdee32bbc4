package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"convsync/internal/kvstore"
	"convsync/internal/relay"

	"github.com/spf13/cobra"
)

func relayCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the development relay server",
		Long: `Serves the conversation and notification namespaces under /ws/, a
health check at /healthz and, when uploads.dir is set, attachments under
/files/. Press Ctrl+C to stop.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Relay.Addr = addr
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var members map[string][]string
			if len(cfg.Relay.Members) > 0 {
				members = make(map[string][]string, len(cfg.Relay.Members))
				for room, users := range cfg.Relay.Members {
					members[room] = []string(users)
				}
			}

			rc := relay.Config{
				Addr:       cfg.Relay.Addr,
				Deny:       cfg.Relay.Deny,
				Members:    members,
				Names:      cfg.Relay.Names,
				FetchDelay: cfg.Relay.FetchDelay.Std(),
				FilesDir:   cfg.Uploads.Dir,
				Logger:     logger,
			}
			if b := cfg.Relay.Storage.Backend; b != "" && b != kvstore.BackendMemory {
				store, err := kvstore.Open(b, cfg.Relay.Storage.Path, logger)
				if err != nil {
					return fmt.Errorf("relay storage: %w", err)
				}
				defer store.Close()
				rc.Store = store
			}

			return relay.New(rc).Start(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides relay.addr)")
	return cmd
}
