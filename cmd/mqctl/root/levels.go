package root

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mathquest/mathquest-progress/internal/application/query"
	"github.com/mathquest/mathquest-progress/internal/ui"
)

func newLevelsCmd() *cobra.Command {
	var from, to int

	cmd := &cobra.Command{
		Use:   "levels",
		Short: "Print the level curve",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			table, err := query.NewGetLevelTableHandler().Handle(query.GetLevelTableQuery{From: from, To: to})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, ui.Heading(ui.IconLevel, "Level curve"))
			fmt.Fprintln(out, ui.LevelTable(table.Rows, table.ReachableMaxLevel))
			fmt.Fprintln(out, ui.Muted.Render(fmt.Sprintf("levels above %d cannot be reached with 64-bit XP", table.ReachableMaxLevel)))
			return nil
		},
	}
	cmd.Flags().IntVar(&from, "from", 1, "first level")
	cmd.Flags().IntVar(&to, "to", 20, "last level")
	return cmd
}
