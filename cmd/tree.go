package cmd

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/agentic-research/stagetree/internal/assign"
	"github.com/agentic-research/stagetree/internal/service"
	"github.com/agentic-research/stagetree/internal/stage"
)

func newTreeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "tree [path]",
		Short: "Print the classified staging tree",
		Long: `Print the staging area as a tree. Collections are tagged with their
schema: study, dataset or mix. With a path only that subtree is printed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.load(cmd.Context())
			if err != nil {
				return err
			}
			view, err := a.svc.View(cmd.Context(), a.cfg.Level, false)
			if err != nil {
				return err
			}

			forest := view.Tree
			if len(args) == 1 {
				e, ok := view.Index.Lookup(args[0])
				if !ok {
					return fmt.Errorf("%s: %w", args[0], assign.ErrNotStaged)
				}
				forest = []*stage.Classified{e.Node}
			}

			out := cmd.OutOrStdout()
			if opts.json {
				if forest == nil {
					forest = []*stage.Classified{}
				}
				return writeJSON(out, map[string]any{"summary": view.Summary, "tree": forest})
			}
			if len(forest) == 0 {
				_, err := fmt.Fprintf(out, "nothing staged at %s level\n", view.Level)
				return err
			}
			return stage.Render(out, forest)
		},
	}
}

func newSummaryCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "summary",
		Short: "Print per-schema counts of the staging area",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.load(cmd.Context())
			if err != nil {
				return err
			}
			view, err := a.svc.View(cmd.Context(), a.cfg.Level, false)
			if err != nil {
				return err
			}
			if opts.json {
				return writeJSON(cmd.OutOrStdout(), view.Summary)
			}
			return printSummary(cmd.OutOrStdout(), view)
		},
	}
}

func printSummary(w io.Writer, v *service.View) error {
	s := v.Summary
	_, err := fmt.Fprintf(w, "source:   %s\nlevel:    %s\nentries:  %d\nroots:    %d\nstudies:  %d\ndatasets: %d\nmixed:    %d\nfiles:    %d\n",
		v.Source, s.Level, s.Unparsed, s.Roots, s.Studies, s.Datasets, s.Mixed, s.Files)
	return err
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
