package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agentic-research/stagetree/internal/logging"
	"github.com/agentic-research/stagetree/internal/mcptools"
	"github.com/agentic-research/stagetree/internal/server"
	"github.com/agentic-research/stagetree/internal/snapshot"
)

func newServeCmd(opts *options) *cobra.Command {
	var (
		addr      string
		snapshots bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the classified staging area over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := opts.load(ctx)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = a.cfg.ListenAddr
			}

			var store *snapshot.Store
			if snapshots {
				store, err = snapshot.Open(a.cfg.SnapshotDB)
				if err != nil {
					return err
				}
				defer func() { _ = store.Close() }()
			}

			logging.Info("starting stagetree server",
				zap.String("version", version),
				zap.String("source", a.svc.SourceName()),
				zap.Stringer("level", a.cfg.Level),
				zap.Duration("cache_ttl", a.cfg.CacheTTL))

			return server.New(a.svc, a.planner, store, a.cfg.Level).ListenAndServe(ctx, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from config)")
	cmd.Flags().BoolVar(&snapshots, "snapshots", false, "Serve recorded snapshots from the snapshot database")
	return cmd
}

func newMCPCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the staging area as MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := opts.load(cmd.Context())
			if err != nil {
				return err
			}
			return mcptools.New(a.svc, a.cfg.Level).Serve(version)
		},
	}
}
