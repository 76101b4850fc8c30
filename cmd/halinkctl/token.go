package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nerrad567/gray-logic-halink/internal/auth"
)

func newTokenCmd(c *cli) *cobra.Command {
	var (
		subject string
		role    string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a service token for the worker API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if c.cfg.secret == "" {
				return errNoSecret
			}
			r := auth.Role(role)
			if !auth.IsValidRole(r) {
				return fmt.Errorf("unknown role %q (want one of %v)", role, auth.ValidRoles)
			}
			if subject == "" {
				return fmt.Errorf("subject is required")
			}

			token, err := auth.GenerateServiceToken(subject, r, c.cfg.secret, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "token subject, e.g. the calling service's name")
	cmd.Flags().StringVar(&role, "role", string(auth.RoleReader), "reader, producer or operator")
	cmd.Flags().DurationVar(&ttl, "ttl", 15*time.Minute, "token lifetime")

	return cmd
}
