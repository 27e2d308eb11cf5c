// handoffd serves the handoff orchestration core.
//
// Usage:
//
//	handoffd serve                                  # memory store, default routes
//	handoffd serve --config handoff.yaml --store redis --store-url localhost:6379
//	handoffd routes validate handoff.yaml
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version information
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "handoffd"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           appName,
		Short:         "Worker handoff orchestration core",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(serveCmd(), routesCmd(), &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build: %s)\n", appName, Version, BuildTime)
		},
	})
	return cmd
}
