package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"clinicbot/internal/config"
	"clinicbot/internal/domain"
	"clinicbot/internal/locale"
	"clinicbot/internal/store"
)

// checkReport tallies doctor results.
type checkReport struct {
	passed, warned, failed int
}

func (r *checkReport) pass(name, detail string) {
	r.passed++
	fmt.Printf("  [PASS] %-24s %s\n", name, detail)
}

func (r *checkReport) warn(name, detail string) {
	r.warned++
	fmt.Printf("  [WARN] %-24s %s\n", name, detail)
}

func (r *checkReport) fail(name, detail string) {
	r.failed++
	fmt.Printf("  [FAIL] %-24s %s\n", name, detail)
}

func doctorCmd() *cobra.Command {
	var skipTokens bool

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on the clinicbot installation",
		Long: `Verifies the configuration, database, reply catalog and every
configured tenant bot token. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("clinicbot doctor %s\n\n", version)

			var r checkReport
			if _, err := os.Stat(cfgPath); err != nil {
				r.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'clinicbot init' to create a default configuration.\n")
				return fmt.Errorf("config file missing")
			}
			r.pass("Config file", cfgPath)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				return summarize(r)
			}
			r.pass("Config validation", "valid")

			catalog, err := locale.Load(cfg.General.DefaultLanguage, cfg.Locale.Path)
			if err != nil {
				r.fail("Reply catalog", err.Error())
			} else {
				source := "built-in"
				if cfg.Locale.Path != "" {
					source = cfg.Locale.Path
				}
				r.pass("Reply catalog", fmt.Sprintf("%s (%s)", source, strings.Join(catalog.Languages(), ", ")))
			}

			st, err := openStore(cfg)
			if err != nil {
				r.fail("Database", err.Error())
				return summarize(r)
			}
			defer st.Close()
			if v, err := store.GetSchemaVersion(st.DB()); err != nil {
				r.fail("Database", err.Error())
			} else {
				r.pass("Database", fmt.Sprintf("%s (schema v%d)", cfg.Store.DBPath, v))
			}

			if cfg.API.Enabled {
				if err := checkPort(cfg.API.Host, cfg.API.Port); err != nil {
					r.warn("API port", fmt.Sprintf("port %d may be in use: %v", cfg.API.Port, err))
				} else {
					r.pass("API port", fmt.Sprintf(":%d available", cfg.API.Port))
				}
				if cfg.API.APIKey == "" {
					r.warn("API key", "not set; /v1 endpoints are unauthenticated")
				}
			}

			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					r.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					r.pass("Log file", cfg.General.LogFile)
				}
			}

			tenants, err := st.ListTenantsWithToken(cmd.Context())
			switch {
			case err != nil:
				r.fail("Tenants", err.Error())
			case len(tenants) == 0:
				r.warn("Tenants", "no tenant has a bot token; serve will start idle")
			case skipTokens:
				r.pass("Tenants", fmt.Sprintf("%d with a bot token", len(tenants)))
			default:
				checkTokens(cmd.Context(), cfg, tenants, &r)
			}
			if catalog != nil && len(tenants) > 0 {
				langs := make([]string, 0, len(tenants))
				for _, t := range tenants {
					langs = append(langs, t.Language)
				}
				if missing := missingLanguages(catalog, langs...); len(missing) > 0 {
					r.warn("Tenant languages", "no replies for: "+strings.Join(missing, ", "))
				}
			}

			return summarize(r)
		},
	}

	cmd.Flags().BoolVar(&skipTokens, "offline", false, "skip contacting Telegram for token checks")
	return cmd
}

// checkTokens dials each distinct token once and reports every tenant on it.
func checkTokens(ctx context.Context, cfg *config.Config, tenants []domain.Tenant, r *checkReport) {
	dial := newDialer(cfg.Telegram)
	seen := make(map[string]string)
	for _, t := range tenants {
		name := "Bot: " + t.ID
		if detail, ok := seen[t.BotToken]; ok {
			r.pass(name, detail+" (shared)")
			continue
		}

		dctx, cancel := context.WithTimeout(ctx, time.Duration(cfg.Telegram.ConnectTimeoutSeconds)*time.Second)
		bot, err := dial(dctx, t.BotToken)
		cancel()
		if err != nil {
			r.fail(name, fmt.Sprintf("%s: %v", config.MaskToken(t.BotToken), err))
			continue
		}
		me, err := bot.GetMe()
		if err != nil {
			r.fail(name, fmt.Sprintf("%s: %v", config.MaskToken(t.BotToken), err))
			continue
		}
		detail := "@" + me.UserName
		seen[t.BotToken] = detail
		r.pass(name, detail)
	}
}

// missingLanguages returns the distinct non-empty languages the catalog does
// not carry, sorted.
func missingLanguages(catalog *locale.Catalog, langs ...string) []string {
	have := make(map[string]bool)
	for _, l := range catalog.Languages() {
		have[l] = true
	}
	var missing []string
	for _, l := range langs {
		if l == "" || have[l] {
			continue
		}
		have[l] = true
		missing = append(missing, l)
	}
	sort.Strings(missing)
	return missing
}

func summarize(r checkReport) error {
	fmt.Printf("\nResults: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
	if r.failed > 0 {
		return fmt.Errorf("%d check(s) failed", r.failed)
	}
	return nil
}

func checkPort(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return err
	}
	return ln.Close()
}
