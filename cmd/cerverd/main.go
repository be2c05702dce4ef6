// Command cerverd runs a cerver server and talks to one.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cerverd",
		Short: "A packet server over TCP",
		Long: `cerverd serves the cerver packet protocol over TCP.

Connections may be held until they authenticate, clients may join
through session tokens, and the server stats are exported as
prometheus metrics.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(
		serveCmd(),
		pingCmd(),
		versionCmd(),
	)
	return cmd
}
