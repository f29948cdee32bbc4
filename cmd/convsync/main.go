package main

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"convsync/internal/config"
	"convsync/internal/logging"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
	logClose   = func() error { return nil }
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "convsync",
		Short: "convsync: real-time conversation sync client and relay",
		Long: `convsync keeps a conversation log, unread counters and notifications in
sync with a realtime server over two WebSocket namespaces.`,
		SilenceUsage: true,
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return logClose()
		},
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default: ~/.convsync/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(chatCmd())
	root.AddCommand(relayCmd())
	root.AddCommand(unreadCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(configCmd())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("convsync", version)
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", cfgPath)
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return config.ExpandPath(configPath)
	}
	return config.DefaultConfigPath()
}

// loadConfig loads the config, falling back to defaults when the file is
// missing, and replaces the bootstrap logger with the configured one.
func loadConfig() (*config.Config, error) {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		if _, statErr := os.Stat(cfgPath); statErr == nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		logger.Warn("config not found, using defaults", "path", cfgPath)
		cfg = config.Defaults()
	}

	l, closeFn, err := logging.New(os.Stderr, cfg.Log.Level, config.ExpandPath(cfg.Log.File))
	if err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	logger = l
	logClose = closeFn
	slog.SetDefault(logger)
	return cfg, nil
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. sync.pageSize)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. sync.fetchTimeout 5s)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			paths := config.ListPaths(config.Sanitize(cfg))
			keys := make([]string, 0, len(paths))
			for k := range paths {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Printf("%s = %v\n", k, paths[k])
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}
