package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vango-dev/datarouter/internal/sim"
	"github.com/vango-dev/datarouter/pkg/discovery"
	"github.com/vango-dev/datarouter/pkg/route"
)

func routesCmd(flags *globalFlags) *cobra.Command {
	var paths []string

	cmd := &cobra.Command{
		Use:   "routes",
		Short: "Print the route tree and manifest index",
		Long: `Print the routes of the root manifest and the manifest index.

With --path, every listed location is discovered first so the
printed tree includes the manifests it pulled in.

Examples:
  navsim routes
  navsim routes --path /admin/users/1 --path /shop`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			logger := newLogger(cfg.Log, cmd.ErrOrStderr())

			r, d, err := sim.Build(ctx, cfg, sim.NewSource(cfg), logger)
			if err != nil {
				return err
			}
			defer r.Dispose()
			if err := r.Initialize(ctx); err != nil {
				return err
			}
			for _, p := range paths {
				if err := r.Navigate(ctx, p); err != nil {
					return fmt.Errorf("navigate %s: %w", p, err)
				}
			}

			printTree(out, r.Routes().Routes(), 0)

			idx, err := d.Index(ctx)
			if err != nil {
				failure(out, "index: %s", err)
				return nil
			}
			fmt.Fprintln(out)
			printIndex(out, idx)
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&paths, "path", nil, "Location to navigate to before printing (repeatable)")

	return cmd
}

func printTree(w io.Writer, routes []*route.Route, depth int) {
	indent := strings.Repeat("  ", depth)
	for _, rt := range routes {
		path := rt.Path
		switch {
		case rt.Index:
			path = "(index)"
		case path == "":
			path = "(layout)"
		}
		var marks []string
		if rt.HasLoader() {
			marks = append(marks, "loader")
		}
		if rt.HasAction() {
			marks = append(marks, "action")
		}
		if rt.EffectiveHasErrorBoundary() {
			marks = append(marks, "boundary")
		}
		line := fmt.Sprintf("%s%s  %s", indent, path, rt.ID)
		if len(marks) > 0 {
			line += "  [" + strings.Join(marks, " ") + "]"
		}
		fmt.Fprintln(w, line)
		printTree(w, rt.Children, depth+1)
	}
}

func printIndex(w io.Writer, idx *discovery.Index) {
	fmt.Fprintln(w, "manifests:")
	for _, e := range idx.Manifests {
		parent := e.Parent
		if parent == "" {
			parent = "(top)"
		}
		fmt.Fprintf(w, "  %-24s %-16s %s\n", e.Prefix, parent, e.File)
	}
}
