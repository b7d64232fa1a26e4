package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/spf13/cobra"

	"giftledger/internal/common/money"
	"giftledger/internal/config"
	"giftledger/internal/identity"
	"giftledger/internal/ledger/domain"
)

func init() {
	rootCmd.AddCommand(merchantsCmd)
	merchantsCmd.AddCommand(merchantsCreateCmd)
	rootCmd.AddCommand(tokenCmd)

	f := merchantsCreateCmd.Flags()
	f.String("name", "", "Merchant display name")
	f.String("currency", "USD", "Card currency")
	f.String("partner", "", "Owning partner id")
	f.Int64("min-load", 100, "Smallest load in minor units")
	f.Int64("max-load", 50000, "Largest load in minor units")
	f.Int64("max-balance", 100000, "Largest card balance in minor units")

	t := tokenCmd.Flags()
	t.String("merchant", "", "Merchant id carried by the token")
	t.String("subject", "operator", "Token subject")
	t.String("role", string(identity.RoleOwner), "Portal role")
	t.Duration("ttl", time.Hour, "Token lifetime")
}

var merchantsCmd = &cobra.Command{
	Use:   "merchants",
	Short: "Manage merchants",
}

var merchantsCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a merchant and print it as JSON",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.StoreDriver != config.DriverPostgres {
			return errors.New("merchants can only be created in the postgres store")
		}
		f := cmd.Flags()
		name, _ := f.GetString("name")
		rawCurrency, _ := f.GetString("currency")
		partner, _ := f.GetString("partner")
		minLoad, _ := f.GetInt64("min-load")
		maxLoad, _ := f.GetInt64("max-load")
		maxBalance, _ := f.GetInt64("max-balance")

		currency, err := money.ParseCurrency(rawCurrency)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		m := &domain.Merchant{
			ID:             ulid.Make().String(),
			Name:           name,
			Currency:       currency,
			MinLoadAmount:  minLoad,
			MaxLoadAmount:  maxLoad,
			MaxCardBalance: maxBalance,
			Status:         domain.MerchantStatusActive,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if partner != "" {
			m.PartnerID = &partner
		}
		if err := m.Validate(); err != nil {
			return err
		}

		a, err := newApp(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.store.InsertMerchant(cmd.Context(), m); err != nil {
			return fmt.Errorf("inserting merchant: %w", err)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(m)
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Sign a portal token with JWT_SECRET",
	Long: `Sign a portal bearer token with the configured JWT_SECRET and JWT_ISSUER.
Intended for local development where no identity provider is running.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		f := cmd.Flags()
		merchant, _ := f.GetString("merchant")
		subject, _ := f.GetString("subject")
		role, _ := f.GetString("role")
		ttl, _ := f.GetDuration("ttl")
		if merchant == "" {
			return errors.New("--merchant is required")
		}
		token, err := identity.Sign(cfg.Identity.JWTSecret, cfg.Identity.JWTIssuer, subject, identity.Role(role), merchant, ttl)
		if err != nil {
			return err
		}
		fmt.Fprintln(os.Stdout, token)
		return nil
	},
}
