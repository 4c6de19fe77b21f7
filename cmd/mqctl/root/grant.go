package root

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/mathquest/mathquest-progress/internal/application/command"
	"github.com/mathquest/mathquest-progress/internal/application/session"
	"github.com/mathquest/mathquest-progress/internal/domain/shared"
	"github.com/mathquest/mathquest-progress/internal/ui"
)

func newGrantCmd() *cobra.Command {
	var source string

	cmd := &cobra.Command{
		Use:   "grant <player> <amount> <reason>",
		Short: "Grant XP to a player directly in the ledger",
		Long: "grant writes to the ledger without a live session. A running server does not\n" +
			"see the grant until the player's next session starts.",
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			amount, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil {
				return fmt.Errorf("amount must be an integer: %w", err)
			}

			ctx := context.Background()
			ledger, cleanup, err := openLedger(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			registry := session.NewRegistry(nil, quietLogger())
			res, err := command.NewGrantXPHandler(registry, ledger, nil, quietLogger()).Handle(ctx, command.GrantXPCommand{
				PlayerID:     args[0],
				Amount:       amount,
				Reason:       args[2],
				Source:       source,
				AllowOffline: true,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if !res.Grant.Applied {
				fmt.Fprintln(out, ui.Warn.Render("nothing granted"))
				return nil
			}
			fmt.Fprintln(out, ui.Heading(ui.IconGrant, fmt.Sprintf("+%d XP", res.Grant.Grant.Amount.Int64())))
			fmt.Fprintln(out, ui.LabelValue("Grant", res.Grant.Grant.ID))
			if res.LeveledUp() {
				fmt.Fprintf(out, "%s %d → %d\n", ui.BadgeLevelUp, res.Before.Level, res.After.Level)
			}
			fmt.Fprintln(out, ui.Snapshot(res.PlayerID.String(), res.After))
			return nil
		},
	}
	cmd.Flags().StringVar(&source, "source", shared.SourceAdmin.String(), "grant source (gameplay, puzzle, quiz, quest, daily_login, admin)")
	return cmd
}
