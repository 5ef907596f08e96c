package main

import (
	"fmt"
	"sort"

	"github.com/chazu/umbra/classfile"
	"github.com/chazu/umbra/rewrite"
	"github.com/spf13/cobra"
)

func newInstrumentCmd(g *globals) *cobra.Command {
	var (
		levelArg string
		raw      bool
	)
	cmd := &cobra.Command{
		Use:   "instrument CLASS",
		Short: "Disassemble a platform class as sandboxes load it",
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
			if levelArg == "" {
				levelArg = fmt.Sprint(cat.Newest().Level)
			}
			level, err := parseLevel(levelArg, cat)
			if err != nil {
				return err
			}
			store, closer, err := m.OpenArchive()
			if err != nil {
				return err
			}
			defer closer.Close()

			c, err := store.Class(cmd.Context(), level, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !raw {
				res, err := rewrite.Instrument(c, m.Instrumentation)
				if err != nil {
					return err
				}
				if !res.Rewritten {
					fmt.Fprintf(out, "; %s is not instrumented\n", c.Name)
				} else {
					sigs := make([]string, 0, len(res.Aliases))
					for sig := range res.Aliases {
						sigs = append(sigs, sig)
					}
					sort.Strings(sigs)
					fmt.Fprintf(out, "; %d shims, %d intercepted call sites\n", len(sigs), res.InterceptedSites)
					for _, sig := range sigs {
						fmt.Fprintf(out, ";   %s -> %s\n", sig, res.Aliases[sig])
					}
				}
				c = res.Class
			}
			fmt.Fprint(out, classfile.DisassembleClass(c))
			return nil
		},
	}
	cmd.Flags().StringVarP(&levelArg, "level", "l", "", "platform level or release name (default newest)")
	cmd.Flags().BoolVar(&raw, "raw", false, "show the class as stored, without instrumentation")
	return cmd
}
