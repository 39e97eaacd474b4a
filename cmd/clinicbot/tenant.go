package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"clinicbot/internal/config"
	"clinicbot/internal/domain"
	"clinicbot/internal/linking"
)

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage clinics",
	}
	cmd.AddCommand(tenantAddCmd())
	cmd.AddCommand(tenantListCmd())
	return cmd
}

func tenantAddCmd() *cobra.Command {
	var t domain.Tenant

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a clinic",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(t.Name) == "" {
				return errors.New("--name is required")
			}
			if t.ID == "" {
				t.ID = uuid.NewString()
			}
			t.BotToken = strings.TrimSpace(t.BotToken)

			cfg, err := loadConfigOrDefaults()
			if err != nil {
				return err
			}
			if t.Language == "" {
				t.Language = cfg.General.DefaultLanguage
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := st.CreateTenant(cmd.Context(), t); err != nil {
				return err
			}
			fmt.Printf("Clinic created: %s (%s)\n", t.Name, t.ID)
			if t.BotToken != "" {
				fmt.Println("The bot starts with the next 'clinicbot serve'.")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&t.ID, "id", "", "clinic id (default: random uuid)")
	cmd.Flags().StringVar(&t.Name, "name", "", "clinic name")
	cmd.Flags().StringVar(&t.OwnerPhone, "owner-phone", "", "phone of the clinic administrator")
	cmd.Flags().StringVar(&t.BotToken, "token", "", "Telegram bot token")
	cmd.Flags().StringVar(&t.Language, "language", "", "reply language (uz, ru, en)")
	return cmd
}

func tenantListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List clinics",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfigOrDefaults()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			tenants, err := st.ListTenants(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tLANG\tTOKEN\tADMIN LINKED")
			for _, t := range tenants {
				token := "-"
				if t.BotToken != "" {
					token = config.MaskToken(t.BotToken)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\n", t.ID, t.Name, t.Language, token, t.AdminChatID != "")
			}
			return w.Flush()
		},
	}
}

func identityCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "identity",
		Short: "Manage linkable patients and staff",
	}
	cmd.AddCommand(identityAddCmd())
	return cmd
}

func identityAddCmd() *cobra.Command {
	var (
		ident domain.Identity
		kind  string
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a patient or staff member and print their link key",
		RunE: func(cmd *cobra.Command, args []string) error {
			ident.Kind = domain.IdentityKind(kind)
			if ident.Kind != domain.KindPatient && ident.Kind != domain.KindStaff {
				return fmt.Errorf("--kind must be %q or %q", domain.KindPatient, domain.KindStaff)
			}
			if ident.TenantID == "" || strings.TrimSpace(ident.Name) == "" {
				return errors.New("--tenant and --name are required")
			}
			if ident.Phone != "" && linking.NormalizePhone(ident.Phone) == "" {
				return fmt.Errorf("invalid phone %q", ident.Phone)
			}
			ident.ID = uuid.NewString()
			ident.PublicKey = strings.ReplaceAll(uuid.NewString(), "-", "")

			cfg, err := loadConfigOrDefaults()
			if err != nil {
				return err
			}
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := cmd.Context()
			tenant, err := st.GetTenant(ctx, ident.TenantID)
			if err != nil {
				return err
			}
			if err := st.CreateIdentity(ctx, ident); err != nil {
				return err
			}

			fmt.Printf("%s %s added to %s\n", ident.Kind, ident.Name, tenant.Name)
			fmt.Printf("Link key: %s\n", ident.PublicKey)
			if link, ok := deepLink(ctx, cfg, tenant.BotToken, ident.PublicKey); ok {
				fmt.Printf("Link:     %s\n", link)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&ident.TenantID, "tenant", "", "clinic id")
	cmd.Flags().StringVar(&kind, "kind", string(domain.KindPatient), "patient or staff")
	cmd.Flags().StringVar(&ident.Name, "name", "", "display name")
	cmd.Flags().StringVar(&ident.Phone, "phone", "", "phone number used for contact matching")
	return cmd
}

// deepLink asks Telegram for the bot username behind token and builds the
// /start link for key.
func deepLink(ctx context.Context, cfg *config.Config, token, key string) (string, bool) {
	if token == "" {
		return "", false
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(cfg.Telegram.ConnectTimeoutSeconds)*time.Second)
	defer cancel()

	bot, err := newDialer(cfg.Telegram)(ctx, token)
	if err != nil {
		logger.Warn("could not reach bot to build link", "err", err)
		return "", false
	}
	me, err := bot.GetMe()
	if err != nil {
		logger.Warn("could not resolve bot username", "err", err)
		return "", false
	}
	return fmt.Sprintf("https://t.me/%s?start=%s", me.UserName, key), true
}
