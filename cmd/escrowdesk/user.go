package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"escrowdesk/auth"
	"escrowdesk/config"
	"escrowdesk/db"
)

// createUserCommand bootstraps accounts, chiefly the first admin.
func createUserCommand() *cobra.Command {
	var req auth.RegisterRequest
	var role string
	cmd := &cobra.Command{
		Use:   "create-user",
		Short: "Create a user account",
		RunE: runE(func(cmd *cobra.Command, cfg config.Config, logger *slog.Logger) error {
			pool, err := db.NewPool(cmd.Context(), cfg.DatabaseURL, db.PoolOptions{MaxConns: 2})
			if err != nil {
				return err
			}
			defer pool.Close()

			req.Role = auth.Role(role)
			svc := auth.NewService(auth.NewRepository(pool), cfg.JWTSecret, cfg.SessionTTL)
			u, err := svc.Register(cmd.Context(), req)
			if err != nil {
				return err
			}
			logger.Info("user created", "component", "create-user", "user_id", u.ID, "role", u.Role)
			fmt.Fprintf(cmd.OutOrStdout(), "created user %d (%s)\n", u.ID, u.Role)
			return nil
		}),
	}
	cmd.Flags().StringVar(&req.Email, "email", "", "login email")
	cmd.Flags().StringVar(&req.Name, "name", "", "display name")
	cmd.Flags().StringVar(&req.Password, "password", "", "initial password")
	cmd.Flags().StringVar(&role, "role", string(auth.RoleUser), "admin, support or user")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}
