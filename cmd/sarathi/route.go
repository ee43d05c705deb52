package main

import (
	"maps"
	"slices"

	"github.com/spf13/cobra"

	"github.com/MrWong99/sarathi/internal/agent/orchestrator"
)

func newRouteCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "route <message>",
		Short: "Show which persona would answer a message, and why",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := e.cfg
			catalog, err := cfg.Catalog()
			if err != nil {
				return err
			}
			router := orchestrator.NewIntentRouter(catalog,
				orchestrator.WithFuzzyThreshold(cfg.Router.FuzzyThreshold),
				orchestrator.WithTieDefault(cfg.Router.TieDefault),
			)
			d, err := router.Explain(args[0], "")
			if err != nil {
				return err
			}
			cmd.Printf("%s (%s) via %s", d.Persona, catalog.Get(d.Persona).Name, d.Reason)
			if d.Matched != "" {
				cmd.Printf(" %q", d.Matched)
			}
			cmd.Println()
			for _, p := range slices.Sorted(maps.Keys(d.Scores)) {
				cmd.Printf("  %-12s %d\n", p, d.Scores[p])
			}
			return nil
		},
	}
}
