package root

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mathquest/mathquest-progress/internal/ui"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending ledger schema migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			_, backend, err := openBackend(ctx)
			if err != nil {
				return err
			}
			defer backend.Close()

			applied, err := backend.Migrate(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), ui.Heading(ui.IconDB, "Ledger schema"))
			fmt.Fprintln(cmd.OutOrStdout(), ui.LabelValue("Driver", backend.Driver))
			fmt.Fprintln(cmd.OutOrStdout(), ui.LabelValue("Applied", applied))
			return nil
		},
	}
}
