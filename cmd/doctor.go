package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/mentorbot/internal/config"
	"github.com/nextlevelbuilder/mentorbot/internal/docs"
	"github.com/nextlevelbuilder/mentorbot/internal/store/pg"
	"github.com/nextlevelbuilder/mentorbot/internal/upgrade"
)

func doctorCmd() *cobra.Command {
	var showConfig bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check environment, secrets, database and configuration health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor(cmd.Context(), showConfig)
		},
	}
	cmd.Flags().BoolVar(&showConfig, "show-config", false, "print the effective config with secrets masked")
	return cmd
}

func runDoctor(ctx context.Context, showConfig bool) {
	fmt.Println("mentorbot doctor")
	fmt.Printf("  Version:  %s (schema %d)\n", Version, upgrade.RequiredSchemaVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults and env)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Secrets:")
	secrets := cfg.SecretStatus()
	names := make([]string, 0, len(secrets))
	for name := range secrets {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		state := "(not set)"
		if secrets[name] {
			state = "set"
		}
		fmt.Printf("    %-32s %s\n", name+":", state)
	}

	fmt.Println()
	fmt.Println("  Bot:")
	fmt.Printf("    %-12s %s\n", "Backend:", cfg.Dispatcher.Provider+" / "+cfg.Dispatcher.Model)
	fmt.Printf("    %-12s %d\n", "Packages:", len(cfg.Packages))
	if cfg.Telegram.AdminChatID == 0 {
		fmt.Printf("    %-12s (not configured, payment notices are skipped)\n", "Admin chat:")
	} else {
		fmt.Printf("    %-12s %d\n", "Admin chat:", cfg.Telegram.AdminChatID)
	}
	if _, err := time.LoadLocation(cfg.Dispatcher.Timezone); err != nil {
		fmt.Printf("    %-12s %s (INVALID, falling back to UTC)\n", "Timezone:", cfg.Dispatcher.Timezone)
	} else {
		fmt.Printf("    %-12s %s\n", "Timezone:", cfg.Dispatcher.Timezone)
	}
	if cfg.Docs.Path != "" {
		if idx, err := docs.LoadFile(config.ExpandHome(cfg.Docs.Path)); err != nil {
			fmt.Printf("    %-12s %s (LOAD FAILED: %s)\n", "Docs:", cfg.Docs.Path, err)
		} else {
			fmt.Printf("    %-12s %d entries\n", "Docs:", idx.Len())
		}
	}

	fmt.Println()
	fmt.Println("  Database:")
	if cfg.IsManagedMode() {
		fmt.Printf("    %-12s managed\n", "Mode:")
		checkManagedDB(ctx, cfg.Database.PostgresDSN)
	} else {
		fmt.Printf("    %-12s standalone\n", "Mode:")
		path := config.ExpandHome(cfg.Database.SQLitePath)
		if path == "" {
			fmt.Printf("    %-12s in-memory (records are lost on restart)\n", "Storage:")
		} else if _, err := os.Stat(path); err != nil {
			fmt.Printf("    %-12s %s (will be created)\n", "SQLite:", path)
		} else {
			fmt.Printf("    %-12s %s (OK)\n", "SQLite:", path)
		}
	}

	if showConfig {
		fmt.Println()
		data, err := json.MarshalIndent(cfg.MaskedCopy(), "  ", "  ")
		if err != nil {
			fmt.Printf("  Config encode error: %s\n", err)
		} else {
			fmt.Printf("  Effective config:\n  %s\n", data)
		}
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkManagedDB(ctx context.Context, dsn string) {
	db, err := pg.OpenDB(dsn)
	if err != nil {
		fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
		return
	}
	defer db.Close()

	s, err := upgrade.CheckSchema(ctx, db)
	switch {
	case err != nil:
		fmt.Printf("    %-12s CHECK FAILED (%s)\n", "Schema:", err)
	case s.Dirty:
		fmt.Printf("    %-12s v%d (DIRTY, see: mentorbot migrate force)\n", "Schema:", s.CurrentVersion)
	case s.Compatible:
		fmt.Printf("    %-12s v%d (up to date)\n", "Schema:", s.CurrentVersion)
	case s.CurrentVersion > s.RequiredVersion:
		fmt.Printf("    %-12s v%d (binary too old, requires v%d)\n", "Schema:", s.CurrentVersion, s.RequiredVersion)
	default:
		fmt.Printf("    %-12s v%d (upgrade needed, run: mentorbot migrate up)\n", "Schema:", s.CurrentVersion)
	}

	pending, err := upgrade.PendingHooks(ctx, db)
	if err == nil && len(pending) > 0 {
		fmt.Printf("    %-12s %d pending\n", "Data hooks:", len(pending))
	} else if err == nil {
		fmt.Printf("    %-12s all applied\n", "Data hooks:")
	}
}
