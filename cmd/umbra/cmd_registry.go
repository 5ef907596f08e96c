package main

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newRegistryCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "registry",
		Short: "Check and query the substitute registry",
	}

	check := &cobra.Command{
		Use:   "check",
		Short: "Load every registration index and report conflicts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := g.project()
			if err != nil {
				return err
			}
			reg, err := m.LoadRegistry()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %d descriptors for %d targets\n", reg.Len(), len(reg.Targets()))
			return nil
		},
	}

	var overrides map[string]string
	resolve := &cobra.Command{
		Use:   "resolve LEVEL",
		Short: "Show the substitute selected for every target at a level",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := g.project()
			if err != nil {
				return err
			}
			cat, err := m.Catalog()
			if err != nil {
				return err
			}
			level, err := parseLevel(args[0], cat)
			if err != nil {
				return err
			}
			reg, err := m.LoadRegistry()
			if err != nil {
				return err
			}

			mapping := reg.ResolveAll(level, overrides)
			targets := make([]string, 0, len(mapping))
			for t := range mapping {
				targets = append(targets, t)
			}
			sort.Strings(targets)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TARGET\tSUBSTITUTE\tRANGE\tPRIORITY\tSCOPE")
			for _, t := range targets {
				d := mapping[t]
				fmt.Fprintf(w, "%s\t%s\t%s..%s\t%d\t%s\n", t, d.Substitute, d.MinLevel, d.MaxLevel, d.Priority, d.Scope)
			}
			return w.Flush()
		},
	}
	resolve.Flags().StringToStringVarP(&overrides, "override", "o", nil, "substitute override TARGET=SUBSTITUTE (repeatable)")

	cmd.AddCommand(check, resolve)
	return cmd
}
