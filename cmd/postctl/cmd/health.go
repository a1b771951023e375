package cmd

import (
	"context"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the Harbor Post API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		resp, err := makeHTTPRequest(ctx, http.MethodGet, "/healthz", nil)
		if err != nil {
			return fmt.Errorf("HTTP health check failed: %w", err)
		}
		if outputJSON {
			fmt.Fprintln(cmd.OutOrStdout(), string(resp.Body))
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("service is unhealthy (HTTP %d)", resp.StatusCode)
		}
		if !outputJSON {
			fmt.Fprintln(cmd.OutOrStdout(), "✓ Service is healthy")
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(healthCmd)
}
