package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_post/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	Long:  `Apply every embedded schema migration that the database has not seen yet.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if dsn == "" {
			return fmt.Errorf("no database configured: pass --dsn or set POSTCTL_DSN")
		}
		version, err := db.Migrate(dsn)
		if err != nil {
			return err
		}
		return printOutput(cmd.OutOrStdout(), map[string]uint{"version": version}, func(w io.Writer) {
			fmt.Fprintf(w, "Schema at version %d\n", version)
		})
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
