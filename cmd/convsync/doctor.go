package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"convsync/internal/config"
	"convsync/internal/domain"
	"convsync/internal/kvstore"

	"github.com/spf13/cobra"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your convsync setup",
		Long: `Verifies that the configuration, state storage and server are usable.
Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("convsync doctor v%s\n\n", version)

			passed := 0
			failed := 0
			warned := 0

			// 1. Config file exists
			if _, err := os.Stat(cfgPath); err != nil {
				printFail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'convsync init' to create a default configuration.\n")
				return nil
			}
			printPass("Config file", cfgPath)
			passed++

			// 2. Config loads and validates
			cfg, err := config.Load(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				fmt.Printf("\n%d passed, 1 failed\n", passed)
				return nil
			}
			printPass("Config validation", "valid")
			passed++

			if cfg.User.ID == "" {
				printWarn("User", "user.id not set (pass --user to chat)")
				warned++
			} else {
				printPass("User", cfg.User.ID)
				passed++
			}

			// 3. State storage round trip
			if err := checkStorage(cfg.Storage); err != nil {
				printFail("Storage", err.Error())
				failed++
			} else {
				printPass("Storage", storageLabel(cfg.Storage))
				passed++
			}

			// 4. Server reachable
			if err := checkServer(cfg.Server.URL); err != nil {
				printWarn("Server", fmt.Sprintf("%s unreachable: %v", cfg.Server.URL, err))
				warned++
			} else {
				printPass("Server", cfg.Server.URL)
				passed++
			}

			// 5. Metrics port
			if cfg.Metrics.Enabled {
				if err := checkPort(cfg.Metrics.Addr); err != nil {
					printWarn("Metrics addr", fmt.Sprintf("%s may be in use: %v", cfg.Metrics.Addr, err))
					warned++
				} else {
					printPass("Metrics addr", cfg.Metrics.Addr+" available")
					passed++
				}
			}

			// 6. Writable directories
			if cfg.Log.File != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.Log.File), 0o755); err != nil {
					printWarn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
					warned++
				} else {
					printPass("Log file", cfg.Log.File)
					passed++
				}
			}
			if cfg.Uploads.Dir != "" {
				if err := os.MkdirAll(cfg.Uploads.Dir, 0o755); err != nil {
					printFail("Uploads", fmt.Sprintf("cannot create %s: %v", cfg.Uploads.Dir, err))
					failed++
				} else {
					printPass("Uploads", cfg.Uploads.Dir)
					passed++
				}
			}

			fmt.Printf("\nResults: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				return fmt.Errorf("%d check(s) failed", failed)
			}
			return nil
		},
	}
}

func storageLabel(s config.StorageConfig) string {
	if s.Path == "" {
		return s.Backend
	}
	return s.Backend + " " + s.Path
}

func checkStorage(s config.StorageConfig) error {
	store, err := kvstore.Open(s.Backend, s.Path, logger)
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const key = "convsync/doctor"
	if err := store.Put(ctx, key, []byte("ok")); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	if _, err := store.Get(ctx, key); err != nil {
		return fmt.Errorf("not readable: %w", err)
	}
	if err := store.Delete(ctx, key); err != nil {
		return fmt.Errorf("cannot delete: %w", err)
	}
	if _, err := store.Get(ctx, key); !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("delete not applied: %v", err)
	}
	return nil
}

// checkServer probes /healthz, which the relay serves.
func checkServer(serverURL string) error {
	u := serverURL
	switch {
	case strings.HasPrefix(u, "ws://"):
		u = "http://" + strings.TrimPrefix(u, "ws://")
	case strings.HasPrefix(u, "wss://"):
		u = "https://" + strings.TrimPrefix(u, "wss://")
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(strings.TrimRight(u, "/") + "/healthz")
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("healthz returned %d", resp.StatusCode)
	}
	return nil
}

func checkPort(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
