package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_post/internal/subscriber"
)

var (
	subscriberName      string
	subscriberConfirmed bool
)

// subscriberCmd represents the subscriber command
var subscriberCmd = &cobra.Command{
	Use:   "subscriber",
	Short: "Manage the subscriber list",
	Long:  `Add and confirm subscribers directly in the database.`,
}

var subscriberAddCmd = &cobra.Command{
	Use:   "add [email]",
	Short: "Add a subscriber",
	Long: `Add a subscriber. Only confirmed subscribers receive published issues.

Examples:
  postctl subscriber add reader@example.com --name "Ada" --confirmed`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		email, err := subscriber.ParseEmail(args[0])
		if err != nil {
			return err
		}

		pool, err := openPool(cmd.Context())
		if err != nil {
			return err
		}
		defer pool.Close()

		sub, err := subscriber.NewRepository(pool).Add(cmd.Context(), email, subscriberName, subscriberConfirmed)
		if err != nil {
			return err
		}
		return printOutput(cmd.OutOrStdout(), map[string]string{
			"id":     sub.ID.String(),
			"email":  sub.Email.String(),
			"status": sub.Status,
		}, func(w io.Writer) {
			fmt.Fprintf(w, "Added %s (%s)\n", sub.Email, sub.Status)
		})
	},
}

var subscriberConfirmCmd = &cobra.Command{
	Use:   "confirm [email]",
	Short: "Confirm a pending subscriber",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		email, err := subscriber.ParseEmail(args[0])
		if err != nil {
			return err
		}

		pool, err := openPool(cmd.Context())
		if err != nil {
			return err
		}
		defer pool.Close()

		if err := subscriber.NewRepository(pool).Confirm(cmd.Context(), email); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Confirmed %s\n", email)
		return nil
	},
}

var subscriberCountCmd = &cobra.Command{
	Use:   "count",
	Short: "Count confirmed subscribers",
	RunE: func(cmd *cobra.Command, args []string) error {
		pool, err := openPool(cmd.Context())
		if err != nil {
			return err
		}
		defer pool.Close()

		n, err := subscriber.NewRepository(pool).CountConfirmed(cmd.Context())
		if err != nil {
			return err
		}
		return printOutput(cmd.OutOrStdout(), map[string]int64{"confirmed": n}, func(w io.Writer) {
			fmt.Fprintf(w, "%d confirmed subscribers\n", n)
		})
	},
}

func init() {
	rootCmd.AddCommand(subscriberCmd)
	subscriberCmd.AddCommand(subscriberAddCmd, subscriberConfirmCmd, subscriberCountCmd)

	subscriberAddCmd.Flags().StringVar(&subscriberName, "name", "", "subscriber name")
	subscriberAddCmd.Flags().BoolVar(&subscriberConfirmed, "confirmed", false, "add the subscriber as already confirmed")
}
