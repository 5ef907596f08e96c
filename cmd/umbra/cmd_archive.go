package main

import (
	"fmt"
	"io"
	"os"

	"github.com/chazu/umbra/archive"
	"github.com/chazu/umbra/classfile"
	"github.com/spf13/cobra"
)

func newArchiveCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Manage the platform class archive",
	}

	list := &cobra.Command{
		Use:   "list LEVEL",
		Short: "List the classes archived for a level",
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
			store, closer, err := m.OpenArchive()
			if err != nil {
				return err
			}
			defer closer.Close()
			names, err := store.Classes(cmd.Context(), level)
			if err != nil {
				return err
			}
			for _, n := range names {
				fmt.Fprintln(cmd.OutOrStdout(), n)
			}
			return nil
		},
	}

	var levelArg string
	digest := &cobra.Command{
		Use:   "digest CLASS",
		Short: "Print the content digest of an archived class",
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
			d, err := classfile.DigestOf(c)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s  %s@%d\n", d, c.Name, level)
			return nil
		},
	}
	digest.Flags().StringVarP(&levelArg, "level", "l", "", "platform level or release name (default newest)")

	importCmd := &cobra.Command{
		Use:   "import SOURCE",
		Short: "Copy every catalog level from another archive into the project archive",
		Long: `Copy every catalog level from SOURCE into the project archive. SOURCE is
a directory archive or a SQLite archive file.`,
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
			src, srcCloser, err := openStore(args[0])
			if err != nil {
				return err
			}
			defer srcCloser.Close()
			dst, dstCloser, err := m.OpenArchive()
			if err != nil {
				return err
			}
			defer dstCloser.Close()

			n, err := archive.Copy(cmd.Context(), dst, src, cat.Levels())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %d classes for %d levels\n", n, cat.Len())
			return nil
		},
	}

	cmd.AddCommand(list, digest, importCmd)
	return cmd
}

// openStore opens a directory archive, or a SQLite archive for any other
// path.
func openStore(path string) (archive.Store, io.Closer, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, nil, err
	}
	if info.IsDir() {
		d, err := archive.NewDir(path)
		if err != nil {
			return nil, nil, err
		}
		return d, nopCloser{}, nil
	}
	s, err := archive.OpenSQLite(path)
	if err != nil {
		return nil, nil, err
	}
	return s, s, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
