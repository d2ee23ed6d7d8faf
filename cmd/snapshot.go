package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentic-research/stagetree/internal/snapshot"
)

func newSnapshotCmd(opts *options) *cobra.Command {
	var dbPath string

	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Record the classified staging area in the snapshot database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.load(cmd.Context())
			if err != nil {
				return err
			}
			if dbPath == "" {
				dbPath = a.cfg.SnapshotDB
			}

			start := time.Now()
			view, err := a.svc.View(cmd.Context(), a.cfg.Level, true)
			if err != nil {
				return err
			}

			store, err := snapshot.Open(dbPath)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			id, err := store.Save(cmd.Context(), view)
			if err != nil {
				return err
			}

			if opts.json {
				return writeJSON(cmd.OutOrStdout(), map[string]any{"id": id, "summary": view.Summary})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Snapshot %d written to %s in %v (%d roots).\n",
				id, dbPath, time.Since(start).Round(time.Millisecond), view.Summary.Roots)
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "Snapshot database path (default from config)")
	return cmd
}

func newHistoryCmd(opts *options) *cobra.Command {
	var (
		dbPath string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded snapshots, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.resolve()
			if err != nil {
				return err
			}
			if dbPath == "" {
				dbPath = cfg.SnapshotDB
			}

			store, err := snapshot.Open(dbPath)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			list, err := store.List(cmd.Context(), limit)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if opts.json {
				if list == nil {
					list = []*snapshot.Record{}
				}
				return writeJSON(w, list)
			}
			if len(list) == 0 {
				fmt.Fprintln(w, "no snapshots")
				return nil
			}
			for _, r := range list {
				s := r.Summary
				fmt.Fprintf(w, "%4d  %s  %-7s  %-4s  roots=%d studies=%d datasets=%d mixed=%d files=%d\n",
					r.ID, r.TakenAt.Format(time.RFC3339), s.Level, r.Source,
					s.Roots, s.Studies, s.Datasets, s.Mixed, s.Files)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dbPath, "db", "", "Snapshot database path (default from config)")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum number of snapshots to list, 0 for all")
	return cmd
}
