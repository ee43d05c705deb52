package main

import (
	"maps"
	"slices"

	"github.com/spf13/cobra"
)

func newConsolidateCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "consolidate",
		Short: "Prune per-user memory above the configured threshold once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := e.application(ctx)
			if err != nil {
				return err
			}
			report, err := a.Consolidator().ConsolidateNow(ctx)
			if err != nil {
				return err
			}
			cmd.Printf("%d users over threshold, %d entries pruned, %d summaries written\n",
				report.Users, report.Total(), report.Summaries)
			for _, c := range slices.Sorted(maps.Keys(report.Pruned)) {
				cmd.Printf("  %-20s %d\n", c, report.Pruned[c])
			}
			return nil
		},
	}
}
