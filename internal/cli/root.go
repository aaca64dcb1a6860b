// Package cli implements escrowctl, an operator CLI over the escrow API.
package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/mbd888/taskescrow/internal/apiclient"
)

// NewRootCmd builds the escrowctl command tree.
func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "escrowctl",
		Short: "Inspect escrows and resolve disputes",
		Long: `escrowctl talks to a running escrow API. Read commands work with any
token; listing other users' escrows, reviewing the dispute queue, resolving
disputes and verifying the audit chain need an arbiter token.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().String("api-url", envOrDefault("ESCROW_API_URL", "http://localhost:8080"), "Escrow API base URL")
	root.PersistentFlags().String("token", os.Getenv("ESCROW_API_TOKEN"), "Bearer token (JWT)")

	root.AddCommand(newEscrowCmd())
	root.AddCommand(newDisputeCmd())
	root.AddCommand(newStatsCmd())
	root.AddCommand(newAuditCmd())
	root.AddCommand(newTokenCmd())
	return root
}

// Execute runs the CLI against os.Args.
func Execute() error {
	return NewRootCmd().Execute()
}

func clientFrom(cmd *cobra.Command) *apiclient.Client {
	apiURL, _ := cmd.Flags().GetString("api-url")
	token, _ := cmd.Flags().GetString("token")
	return apiclient.New(apiclient.Config{APIURL: apiURL, Token: token})
}

// printJSON writes the API response indented.
func printJSON(w io.Writer, raw json.RawMessage) error {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		_, err = fmt.Fprintln(w, string(raw))
		return err
	}
	_, err := fmt.Fprintln(w, pretty.String())
	return err
}

func envOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
