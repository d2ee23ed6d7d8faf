package cmd

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/agentic-research/stagetree/api"
	"github.com/agentic-research/stagetree/internal/client"
)

func newAssignCmd(opts *options) *cobra.Command {
	var study string

	cmd := &cobra.Command{
		Use:   "assign PATH=TARGET...",
		Short: "Move staged files into datasets or attach them to a study",
		Long: `Assign staged files. TARGET is a dataset accession, or "` + api.ResourceTarget + `"
to attach the file to the study given with --study as a resource.`,
		Example: `  stagetree assign run1/r1.fq=DS001 run1/r2.fq=DS001
  stagetree assign notes.pdf=resource --study ST042`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			selection, err := parseSelection(args)
			if err != nil {
				return err
			}
			a, err := opts.load(cmd.Context())
			if err != nil {
				return err
			}

			out, err := a.planner.Assign(cmd.Context(), selection, study)
			if out == nil {
				return err
			}

			if opts.json {
				failed := make(map[string]string, len(out.Failed))
				for f, ferr := range out.Failed {
					failed[f] = ferr.Error()
				}
				if werr := writeJSON(cmd.OutOrStdout(), map[string]any{
					"moved":    out.Moved,
					"failed":   failed,
					"warnings": out.Warnings,
				}); werr != nil {
					return werr
				}
				return err
			}

			w := cmd.OutOrStdout()
			for _, m := range out.Moved {
				fmt.Fprintf(w, "moved  %s -> %s\n", m.File, m.Target)
			}
			files := make([]string, 0, len(out.Failed))
			for f := range out.Failed {
				files = append(files, f)
			}
			sort.Strings(files)
			for _, f := range files {
				fmt.Fprintf(w, "failed %s: %v\n", f, out.Failed[f])
			}
			for _, msg := range out.Warnings {
				fmt.Fprintf(w, "warning: %s\n", msg)
			}
			if err != nil {
				return err
			}
			if len(out.Failed) > 0 {
				return fmt.Errorf("%d of %d assignments failed", len(out.Failed), len(out.Failed)+len(out.Moved))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&study, "study", "", "Study accession for resource assignments")
	return cmd
}

// parseSelection turns PATH=TARGET arguments into a selection map.
func parseSelection(args []string) (map[string]string, error) {
	sel := make(map[string]string, len(args))
	for _, arg := range args {
		path, target, ok := strings.Cut(arg, "=")
		if !ok || path == "" || target == "" {
			return nil, fmt.Errorf("invalid assignment %q, want PATH=TARGET", arg)
		}
		sel[path] = target
	}
	return sel, nil
}

func newImportCmd(opts *options) *cobra.Command {
	var study string

	cmd := &cobra.Command{
		Use:   "import study|dataset PATH",
		Short: "Start a batch import of a staged study or dataset",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, path := args[0], args[1]
			a, err := opts.load(cmd.Context())
			if err != nil {
				return err
			}

			var res *client.Result
			switch kind {
			case "study":
				res, err = a.planner.ImportStudy(cmd.Context(), path)
			case "dataset":
				res, err = a.planner.ImportDataset(cmd.Context(), path, study)
			default:
				return fmt.Errorf("unknown import kind %q, want study or dataset", kind)
			}
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if opts.json {
				return writeJSON(w, map[string]any{"path": path, "kind": kind, "data": res.Data, "warnings": res.Warnings})
			}
			fmt.Fprintf(w, "import of %s %s started\n", kind, strings.TrimLeft(path, "/"))
			for _, msg := range res.Warnings {
				fmt.Fprintf(w, "warning: %s\n", msg)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&study, "study", "", "Study accession, required for dataset imports")
	return cmd
}
