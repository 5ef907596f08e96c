// umbra inspects and prepares umbra projects: the release catalog, the
// substitute registry, the platform archive and the instrumented form of
// platform classes.
//
// Usage:
//
//	umbra levels                          # releases, target and enabled levels
//	umbra registry check                  # load every registration index
//	umbra registry resolve 23             # substitutes selected at level 23
//	umbra fingerprint 23 -o A=ShadowA     # sandbox fingerprint of a run
//	umbra instrument android.view.View -l 23
//	umbra archive import ./classes        # copy classes into the project archive
package main

import (
	"fmt"
	"os"

	"github.com/chazu/umbra/config"
	"github.com/chazu/umbra/manifest"
	"github.com/chazu/umbra/platform"
	"github.com/spf13/cobra"
	"github.com/tliron/commonlog"
	_ "github.com/tliron/commonlog/simple"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "umbra:", err)
		os.Exit(1)
	}
}

// globals holds the persistent flags.
type globals struct {
	dir     string
	verbose int
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "umbra",
		Short:         "Inspect and prepare umbra projects",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			commonlog.Configure(g.verbose, nil)
		},
	}
	root.PersistentFlags().StringVarP(&g.dir, "dir", "C", ".", "project directory, searched upward for "+manifest.FileName)
	root.PersistentFlags().CountVarP(&g.verbose, "verbose", "v", "increase log verbosity (repeatable)")

	root.AddCommand(
		newLevelsCmd(g),
		newRegistryCmd(g),
		newFingerprintCmd(g),
		newInstrumentCmd(g),
		newArchiveCmd(g),
	)
	return root
}

// project loads the manifest governing g.dir.
func (g *globals) project() (*manifest.Manifest, error) {
	m, err := manifest.FindAndLoad(g.dir)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("no %s found above %s", manifest.FileName, g.dir)
	}
	return m, nil
}

// parseLevel accepts a level number or a release name.
func parseLevel(arg string, cat *platform.Catalog) (platform.Level, error) {
	levels, err := config.ParseLevels(arg, cat)
	if err != nil {
		return 0, err
	}
	if len(levels) != 1 {
		return 0, fmt.Errorf("expected one level, got %q", arg)
	}
	if !cat.Contains(levels[0]) {
		return 0, fmt.Errorf("level %s is not in the catalog", levels[0])
	}
	return levels[0], nil
}
