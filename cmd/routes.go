package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jeeves-cluster-organization/handoffcore/coreengine/config"
)

func routesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "routes",
		Short: "Inspect routing tables",
	}

	var asJSON bool
	validate := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a configuration file and print its routing table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := config.LoadFile(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(f.Routing)
			}
			for _, r := range f.Routing.Routes {
				fmt.Fprintf(out, "%-18s %-22s -> %s\n", r.From, r.Hint, describeRoute(r))
			}
			fmt.Fprintf(out, "gated hints: %v\n", f.Routing.GatedHints())
			fmt.Fprintf(out, "ok: %d routes\n", len(f.Routing.Routes))
			return nil
		},
	}
	validate.Flags().BoolVar(&asJSON, "json", false, "Print the normalized table as JSON")

	cmd.AddCommand(validate)
	return cmd
}

func describeRoute(r config.Route) string {
	switch {
	case r.Complete:
		return "complete"
	case r.Approval:
		if r.Reason != "" {
			return "approval (" + r.Reason + ")"
		}
		return "approval"
	}
	workers := make([]string, 0, len(r.To))
	for _, t := range r.To {
		workers = append(workers, t.Worker)
	}
	return fmt.Sprint(workers)
}
