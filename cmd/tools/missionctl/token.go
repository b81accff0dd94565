package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/zhouzirui/mission-mentor/backend/internal/auth"
)

func newTokenCmd() *cobra.Command {
	var (
		id  auth.Identity
		ttl time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed access token",
		Long:  "Signs a token with JWT_SECRET for the given user, team and role.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			authCfg := cfg.Auth
			if ttl > 0 {
				authCfg.TokenTTL = ttl
			}
			token, expiry, err := auth.NewService(authCfg).Issue(id)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", expiry.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&id.UserID, "user", "", "user id (required)")
	cmd.Flags().StringVar(&id.TeamID, "team", "", "team name, required for members")
	cmd.Flags().BoolVar(&id.IsAdmin, "admin", false, "grant the administrator role")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "override JWT_TTL")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}
