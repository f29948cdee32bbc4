package main

import (
	"context"
	"fmt"
	"os"

	"convsync/internal/kvstore"
	"convsync/internal/notify"

	"github.com/spf13/cobra"
)

func unreadCmd() *cobra.Command {
	var history bool
	cmd := &cobra.Command{
		Use:   "unread",
		Short: "Show persisted unread counters without connecting",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := kvstore.Open(cfg.Storage.Backend, cfg.Storage.Path, logger)
			if err != nil {
				return fmt.Errorf("storage: %w", err)
			}
			defer store.Close()

			router := notify.New(notify.Config{
				Store:      store,
				Logger:     logger,
				HistoryCap: cfg.Notifications.HistoryCap,
			})
			if err := router.Load(context.Background()); err != nil {
				logger.Warn("some state could not be restored", "err", err)
			}

			out := newPrinter(os.Stdout, cfg.User.ID)
			printUnread(out, router.Unread(), router.Badges())
			if history {
				printHistory(out, router.History())
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&history, "history", false, "also print the notification history")
	return cmd
}
