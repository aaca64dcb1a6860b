package cli

import (
	"github.com/spf13/cobra"
)

// ─── escrow ─────────────────────────────────────────────────────────────────

func newEscrowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "escrow",
		Short: "Look up escrows",
	}

	get := &cobra.Command{
		Use:   "get ESCROW_ID",
		Short: "Show one escrow with its payouts and dispute",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := clientFrom(cmd).GetEscrow(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), raw)
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List escrows for the caller, or for --user with an arbiter token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			user, _ := cmd.Flags().GetString("user")
			limit, _ := cmd.Flags().GetInt("limit")
			raw, err := clientFrom(cmd).ListEscrows(cmd.Context(), user, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), raw)
		},
	}
	list.Flags().StringP("user", "u", "", "Client or tasker ID")
	list.Flags().IntP("limit", "n", 20, "Maximum number of escrows")

	cmd.AddCommand(get, list)
	return cmd
}
