package main

import (
	"fmt"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newLevelsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "levels",
		Short: "List the catalog's releases with the target and enabled levels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := g.project()
			if err != nil {
				return err
			}
			cat, err := m.Catalog()
			if err != nil {
				return err
			}
			res, err := m.Resolver(cat)
			if err != nil {
				return err
			}
			target := res.Target
			if target == 0 {
				target = cat.Newest().Level
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "LEVEL\tNAME\tVERSION\tNOTES")
			for _, r := range cat.Releases() {
				var notes []string
				if r.Level == target {
					notes = append(notes, "target")
				}
				if res.Enabled != nil && !slices.Contains(res.Enabled, r.Level) {
					notes = append(notes, "disabled")
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", r.Level, r.Name, r.Version, strings.Join(notes, ","))
			}
			return w.Flush()
		},
	}
}
