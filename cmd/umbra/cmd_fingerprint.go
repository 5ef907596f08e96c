package main

import (
	"fmt"

	"github.com/chazu/umbra/config"
	"github.com/chazu/umbra/dispatch"
	"github.com/spf13/cobra"
)

func newFingerprintCmd(g *globals) *cobra.Command {
	var (
		overrides map[string]string
		packages  []string
		short     bool
	)
	cmd := &cobra.Command{
		Use:   "fingerprint LEVEL",
		Short: "Print the sandbox fingerprint of a run",
		Long: `Print the fingerprint identifying the sandbox a run at LEVEL uses.

The scope is the manifest's instrumentation plus --package. Methods
intercepted by the substitute library are not known here, so projects that
intercept methods see different fingerprints at test time.`,
		Args: cobra.ExactArgs(1),
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

			run := config.EffectiveConfig{Level: level, Substitutes: overrides, InstrumentedPackages: packages}
			sel := dispatch.Resolve(reg, level, overrides, run.Instrumentation(m.Instrumentation))
			fp, err := sel.Fingerprint()
			if err != nil {
				return err
			}
			if short {
				fmt.Fprintln(cmd.OutOrStdout(), fp.Short())
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), fp)
			}
			return nil
		},
	}
	cmd.Flags().StringToStringVarP(&overrides, "override", "o", nil, "substitute override TARGET=SUBSTITUTE (repeatable)")
	cmd.Flags().StringSliceVarP(&packages, "package", "p", nil, "additional instrumented package (repeatable)")
	cmd.Flags().BoolVarP(&short, "short", "s", false, "print the short form")
	return cmd
}
