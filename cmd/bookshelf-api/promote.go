package main

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/bookshelf/internal/auth"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newPromoteCommand() *cobra.Command {
	var role string
	cmd := &cobra.Command{
		Use:   "promote <username>",
		Short: "Grant a role to an existing account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := auth.ParseRole(role)
			if err != nil {
				return err
			}
			app, err := newApplication()
			if err != nil {
				return err
			}
			defer app.close()

			user, err := app.users.SetRole(cmd.Context(), args[0], parsed)
			if err != nil {
				return err
			}
			app.logger.Info("role updated", zap.String("user_id", user.ID), zap.String("role", string(parsed)))
			fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", user.Username, parsed)
			return nil
		},
	}
	cmd.Flags().StringVar(&role, "role", string(auth.RoleAdmin), "Role to grant (user, admin)")
	return cmd
}
