package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "fiscal",
	Short: "Issue and reconcile certified fiscal documents",
	Long: `fiscal issues invoices, receipts and credit notes through a certified
billing provider and keeps a ledger of every document it has issued.

Examples:
  # Run the HTTP API
  fiscal serve

  # Apply database migrations and exit
  fiscal migrate

  # Give a user the owner role in an organization
  fiscal grant --org 1790000000000000000 --user u-42 --role owner`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.AddCommand(serveCmd, migrateCmd, grantCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
