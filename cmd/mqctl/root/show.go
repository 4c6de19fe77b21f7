package root

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mathquest/mathquest-progress/internal/application/query"
	"github.com/mathquest/mathquest-progress/internal/application/session"
	"github.com/mathquest/mathquest-progress/internal/bootstrap"
	"github.com/mathquest/mathquest-progress/internal/ui"
)

func newShowCmd() *cobra.Command {
	var grants int

	cmd := &cobra.Command{
		Use:   "show <player>",
		Short: "Show a player's stored progress and recent grants",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			cfg, backend, err := openBackend(ctx)
			if err != nil {
				return err
			}
			defer backend.Close()
			ledger := bootstrap.WrapLedger(backend.Store, cfg, nil, quietLogger())

			// No live sessions exist in the CLI, so this always reads the ledger
			registry := session.NewRegistry(nil, quietLogger())
			dto, err := query.NewGetProgressHandler(registry, ledger).Handle(ctx, query.GetProgressQuery{PlayerID: args[0]})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, ui.Snapshot(dto.PlayerID, dto.LevelSnapshot))

			if grants == 0 {
				return nil
			}
			history, err := query.NewGetGrantHistoryHandler(backend.History).Handle(ctx, query.GetGrantHistoryQuery{PlayerID: args[0], Limit: grants})
			if err != nil {
				return err
			}
			fmt.Fprintln(out)
			fmt.Fprintln(out, ui.Heading(ui.IconGrant, "Recent grants"))
			fmt.Fprintln(out, ui.GrantTable(history.Grants))
			return nil
		},
	}
	cmd.Flags().IntVar(&grants, "grants", 5, "recent grants to list (0 hides them)")
	return cmd
}
