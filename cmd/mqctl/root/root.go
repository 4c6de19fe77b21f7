package root

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mathquest/mathquest-progress/internal/ui"
)

const Version = "0.1.0"

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mqctl",
		Short: "MathQuest progression operator tool",
		Long: "mqctl inspects the XP curve and operates on the configured ledger.\n" +
			"It reads the same environment as the server (LEDGER_DRIVER, DATABASE_URL, SQLITE_PATH, AUTH_*).",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}
	cmd.SetVersionTemplate("{{.Name}} v{{.Version}}\n")

	cmd.AddCommand(
		newLevelsCmd(),
		newMigrateCmd(),
		newShowCmd(),
		newGrantCmd(),
		newTokenCmd(),
		newHashKeyCmd(),
	)
	return cmd
}

func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ui.Bad.Render(ui.IconError+" "+err.Error()))
		os.Exit(1)
	}
}
