package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mbd888/taskescrow/internal/apiclient"
)

// ─── dispute ────────────────────────────────────────────────────────────────

func newDisputeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dispute",
		Short: "Review and resolve disputes",
	}

	get := &cobra.Command{
		Use:   "get DISPUTE_ID",
		Short: "Show one dispute with its evidence",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := clientFrom(cmd).GetDispute(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), raw)
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List open and under-review disputes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			raw, err := clientFrom(cmd).ListActiveDisputes(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), raw)
		},
	}
	list.Flags().IntP("limit", "n", 20, "Maximum number of disputes")

	resolve := &cobra.Command{
		Use:   "resolve DISPUTE_ID",
		Short: "Resolve a dispute and move the money",
		Long: `Resolve a dispute. The amounts must add up to what is left in escrow
and agree with --type:

  full_release     everything to the tasker
  full_refund      everything back to the client
  partial_release  both sides, tasker share larger
  partial_refund   both sides, client share larger
  split            both sides`,
		Args: cobra.ExactArgs(1),
		RunE: runDisputeResolve,
	}
	resolve.Flags().String("type", "", "Resolution type")
	resolve.Flags().String("to-client", "0", "Amount refunded to the client")
	resolve.Flags().String("to-tasker", "0", "Amount paid to the tasker")
	resolve.Flags().String("reason", "", "Reason recorded on the dispute")
	resolve.Flags().String("notes", "", "Optional arbiter notes")
	_ = resolve.MarkFlagRequired("type")
	_ = resolve.MarkFlagRequired("reason")

	cmd.AddCommand(get, list, resolve)
	return cmd
}

func runDisputeResolve(cmd *cobra.Command, args []string) error {
	r := apiclient.Resolution{}
	r.Type, _ = cmd.Flags().GetString("type")
	r.AmountToClient, _ = cmd.Flags().GetString("to-client")
	r.AmountToTasker, _ = cmd.Flags().GetString("to-tasker")
	r.Reason, _ = cmd.Flags().GetString("reason")
	r.Notes, _ = cmd.Flags().GetString("notes")

	switch r.Type {
	case "full_release", "full_refund", "partial_release", "partial_refund", "split":
	default:
		return fmt.Errorf("unknown resolution type %q", r.Type)
	}

	raw, err := clientFrom(cmd).ResolveDispute(cmd.Context(), args[0], r)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), raw)
}
