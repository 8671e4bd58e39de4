package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/wecomgw/internal/config"
	"github.com/nextlevelbuilder/wecomgw/internal/store"
	"github.com/nextlevelbuilder/wecomgw/internal/store/pg"
	"github.com/nextlevelbuilder/wecomgw/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, accounts and database health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("wecomgw doctor")
	fmt.Printf("  Version:  %s (agent protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Printf("  Listen:   %s:%d\n", cfg.Gateway.Host, cfg.Gateway.Port)
	fmt.Printf("  Agent:    %s", orDefault(cfg.Agent.Mode, "echo"))
	if cfg.Agent.Mode == "remote" {
		fmt.Printf(" (%s)", cfg.Agent.URL)
	}
	fmt.Println()

	checkAccounts(cfg.WeComSnapshot())
	checkDatabase(cfg.Database)

	fmt.Println()
	if cfg.Telemetry.Enabled {
		fmt.Printf("  Telemetry: %s via %s\n", cfg.Telemetry.Endpoint, orDefault(cfg.Telemetry.Protocol, "grpc"))
	} else {
		fmt.Println("  Telemetry: disabled")
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkAccounts(w config.WeComConfig) {
	fmt.Println()
	if !w.Enabled {
		fmt.Println("  WeCom:    disabled")
		return
	}
	resolved := w.ResolveAccounts()
	fmt.Printf("  WeCom:    %s mode, default account %q\n", resolved.Mode, resolved.DefaultAccountID)

	ids := make([]string, 0, len(resolved.Accounts))
	for id := range resolved.Accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		acct := resolved.Accounts[id]
		if acct.Bot != nil {
			checkAccount(id+"/bot", acct.Enabled, acct.Bot.Configured, config.BotWebhookPaths(resolved.Mode, id))
		}
		if acct.App != nil {
			checkAccount(id+"/app", acct.Enabled, acct.App.Configured, config.AppWebhookPaths(resolved.Mode, id))
		}
	}
	if len(ids) == 0 {
		fmt.Println("    (no accounts configured)")
	}
}

func checkAccount(label string, enabled, configured bool, paths []string) {
	status := "disabled"
	if enabled && configured {
		status = "enabled " + strings.Join(paths, ", ")
	} else if enabled {
		status = "enabled (missing credentials)"
	}
	fmt.Printf("    %-20s %s\n", label+":", status)
}

func checkDatabase(db config.DatabaseConfig) {
	fmt.Println()
	driver, err := store.NormalizeDriver(db.Driver)
	if err != nil {
		fmt.Printf("  Dedup:    %s\n", err)
		return
	}
	fmt.Printf("  Dedup:    %s\n", driver)

	switch driver {
	case store.DriverPostgres:
		conn, err := pg.OpenDB(context.Background(), db.PostgresDSN)
		if err != nil {
			fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
			return
		}
		defer conn.Close()
		s, err := pg.CheckSchema(context.Background(), conn)
		switch {
		case err != nil:
			fmt.Printf("    %-12s CHECK FAILED (%s)\n", "Schema:", err)
		case s.Dirty:
			fmt.Printf("    %-12s v%d (DIRTY, run: wecomgw migrate force %d)\n", "Schema:", s.CurrentVersion, s.CurrentVersion-1)
		case s.Compatible:
			fmt.Printf("    %-12s v%d (up to date)\n", "Schema:", s.CurrentVersion)
		case s.CurrentVersion > s.RequiredVersion:
			fmt.Printf("    %-12s v%d (binary too old, requires v%d)\n", "Schema:", s.CurrentVersion, s.RequiredVersion)
		default:
			fmt.Printf("    %-12s v%d (run: wecomgw migrate up)\n", "Schema:", s.CurrentVersion)
		}
	case store.DriverSQLite:
		path := orDefault(db.SQLitePath, store.DefaultSQLitePath())
		fmt.Printf("    %-12s %s\n", "Path:", config.ExpandHome(path))
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
