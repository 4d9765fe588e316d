package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/fiscal/internal/authorization"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	grantOrg  string
	grantUser string
	grantRole string
)

// grantCmd bootstraps the first owner of an organization; later changes go through the API.
var grantCmd = &cobra.Command{
	Use:   "grant",
	Short: "Assign a role to a user in an organization",
	RunE: func(cmd *cobra.Command, _ []string) error {
		orgID, err := snowflake.ParseString(strings.TrimSpace(grantOrg))
		if err != nil || orgID == 0 {
			return fmt.Errorf("invalid --org %q", grantOrg)
		}
		userID := strings.TrimSpace(grantUser)
		if userID == "" {
			return errors.New("--user is required")
		}

		return runOnce(cmd.Context(),
			authorization.Module,
			fx.Invoke(func(lc fx.Lifecycle, svc authorization.Service, log *zap.Logger) {
				lc.Append(fx.Hook{
					OnStart: func(ctx context.Context) error {
						if err := svc.GrantMembership(ctx, orgID, userID, grantRole); err != nil {
							return err
						}
						log.Info("membership granted",
							zap.String("org_id", orgID.String()),
							zap.String("user_id", userID),
							zap.String("role", grantRole),
						)
						return nil
					},
				})
			}),
		)
	},
}

func init() {
	grantCmd.Flags().StringVar(&grantOrg, "org", "", "organization id")
	grantCmd.Flags().StringVar(&grantUser, "user", "", "user id as sent in X-User-Id")
	grantCmd.Flags().StringVar(&grantRole, "role", authorization.RoleOwner, "owner, admin or member")
	_ = grantCmd.MarkFlagRequired("org")
	_ = grantCmd.MarkFlagRequired("user")
}
