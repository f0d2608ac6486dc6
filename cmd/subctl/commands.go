package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"signalbot/internal/config"
	"signalbot/internal/entitlement"
	entitlementrepository "signalbot/internal/entitlement/repository"
	entitlementservice "signalbot/internal/entitlement/service"
	"signalbot/internal/logging"
	"signalbot/internal/subscription"
	"signalbot/pkg/db"
	"signalbot/pkg/hash"
	"signalbot/pkg/jwt"
)

type entitlementAdmin interface {
	Get(ctx context.Context, userID int64) (*entitlement.Entitlement, error)
	Revoke(ctx context.Context, userID int64) error
	RevokeExpired(ctx context.Context, now time.Time) ([]int64, error)
}

// env carries what subctl reads from the process environment.
type env struct {
	jwtSecret string
	plans     string
	openStore func(ctx context.Context) (entitlementAdmin, func(), error)
}

func defaultEnv() env {
	return env{
		jwtSecret: os.Getenv("JWT_SECRET"),
		plans:     os.Getenv("PLANS"),
		openStore: openPostgresStore,
	}
}

func openPostgresStore(ctx context.Context) (entitlementAdmin, func(), error) {
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		return nil, nil, fmt.Errorf("DATABASE_URL is required")
	}
	conn, err := db.Connect(ctx, url, db.Options{Attempts: 1})
	if err != nil {
		return nil, nil, err
	}
	return entitlementrepository.NewPostgresEntitlementRepository(conn), func() { conn.Close() }, nil
}

func newRootCmd(e env) *cobra.Command {
	root := &cobra.Command{
		Use:           "subctl",
		Short:         "Subscription service operator tool",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(
		newTokenCmd(e),
		newHashPasswordCmd(),
		newPlansCmd(e),
		newEntitlementCmd(e),
		newSweepCmd(e),
	)
	return root
}

func newTokenCmd(e env) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue an API token for a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if e.jwtSecret == "" {
				return fmt.Errorf("JWT_SECRET is required")
			}
			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			token, err := jwt.GenerateToken(e.jwtSecret, userID, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", jwt.DefaultTTL, "token lifetime")
	return cmd
}

func newHashPasswordCmd() *cobra.Command {
	var cost int
	cmd := &cobra.Command{
		Use:   "hash-password <password>",
		Short: "Print a bcrypt hash for METRICS_PASSWORD_HASH",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hashed, err := hash.HashPassword(args[0], cost)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hashed)
			return nil
		},
	}
	cmd.Flags().IntVar(&cost, "cost", hash.DefaultCost, "bcrypt work factor")
	return cmd
}

func newPlansCmd(e env) *cobra.Command {
	return &cobra.Command{
		Use:   "plans",
		Short: "Validate PLANS and print the catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			plans, err := config.ParsePlans(e.plans)
			if err != nil {
				return err
			}
			catalog, err := subscription.NewCatalog(plans)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, p := range catalog.List() {
				fmt.Fprintf(out, "%-12s %10s %4d days\n", p.ID, p.FiatPrice.StringFixed(2), p.DurationDays)
			}
			return nil
		},
	}
}

func newEntitlementCmd(e env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "entitlement",
		Short: "Inspect or revoke premium access",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get <user-id>",
		Short: "Show a user's entitlement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			store, closeStore, err := e.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()

			ent, err := store.Get(cmd.Context(), userID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if ent.ExpiresAt == nil {
				fmt.Fprintf(out, "user %d: premium=%t\n", userID, ent.IsPremium)
				return nil
			}
			fmt.Fprintf(out, "user %d: premium=%t expires=%s active=%t\n",
				userID, ent.IsPremium, ent.ExpiresAt.UTC().Format(time.RFC3339), ent.Active(time.Now()))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "revoke <user-id>",
		Short: "Revoke a user's premium access",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, err := parseUserID(args[0])
			if err != nil {
				return err
			}
			store, closeStore, err := e.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()

			if err := store.Revoke(cmd.Context(), userID); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "user %d: revoked\n", userID)
			return nil
		},
	})
	return cmd
}

func newSweepCmd(e env) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Revoke every lapsed entitlement now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := e.openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()

			log := logging.NewWithWriter(cmd.ErrOrStderr(), "info", "console")
			n, err := entitlementservice.NewSweeper(store, log).RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "revoked %d\n", n)
			return nil
		},
	}
}

func parseUserID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid user id %q", s)
	}
	return id, nil
}
