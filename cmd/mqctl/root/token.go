package root

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mathquest/mathquest-progress/config"
	"github.com/mathquest/mathquest-progress/internal/domain/shared"
	"github.com/mathquest/mathquest-progress/internal/interface/http/handlers"
)

func newTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "token <player>",
		Short: "Issue a player token for the HTTP API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			id, err := shared.NewPlayerID(args[0])
			if err != nil {
				return err
			}
			tok, err := handlers.NewPlayerAuth([]byte(cfg.Auth.JWTSecret), cfg.Auth.JWTIssuer, cfg.Auth.TokenTTL).Issue(id)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
}

func newHashKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-key <key>",
		Short: "Print the bcrypt hash to use as AUTH_ADMIN_KEY_HASH",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := handlers.HashAdminKey(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}
