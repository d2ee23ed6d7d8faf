package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/spf13/cobra"

	"github.com/agentic-research/stagetree/internal/assign"
	"github.com/agentic-research/stagetree/internal/client"
	"github.com/agentic-research/stagetree/internal/config"
	"github.com/agentic-research/stagetree/internal/logging"
	"github.com/agentic-research/stagetree/internal/retry"
	"github.com/agentic-research/stagetree/internal/service"
	"github.com/agentic-research/stagetree/internal/source"
	"github.com/agentic-research/stagetree/internal/stage"
)

// version is set at build time with -ldflags.
var version = "dev"

const defaultConfigFile = "stagetree.hcl"

// options are the persistent flags shared by every command.
type options struct {
	configPath string
	level      string
	source     string
	dir        string
	file       string
	backend    string
	logLevel   string
	logFormat  string
	json       bool
}

// app is the wired runtime for one command invocation.
type app struct {
	cfg     *config.Config
	client  *client.Client
	svc     *service.Service
	planner *assign.Planner
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "stagetree",
		Short:         "Classify a staging area into studies, datasets and files",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "", "Path to an HCL config file (default ./"+defaultConfigFile+" if present)")
	pf.StringVarP(&opts.level, "level", "l", "", "Data level: study or dataset")
	pf.StringVar(&opts.source, "source", "", "Staging source: http, dir, s3 or file")
	pf.StringVar(&opts.dir, "dir", "", "Root directory for the dir source")
	pf.StringVar(&opts.file, "file", "", "Saved backend response for the file source")
	pf.StringVar(&opts.backend, "backend", "", "Backend API base URL")
	pf.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	pf.StringVar(&opts.logFormat, "log-format", "", "Log format: console or json")
	pf.BoolVar(&opts.json, "json", false, "Print JSON instead of text")

	root.AddCommand(
		newTreeCmd(opts),
		newSummaryCmd(opts),
		newAssignCmd(opts),
		newImportCmd(opts),
		newSnapshotCmd(opts),
		newHistoryCmd(opts),
		newServeCmd(opts),
		newMCPCmd(opts),
	)
	return root
}

// Execute runs the root command.
func Execute() {
	defer logging.Sync()
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// resolve loads the configuration and applies flag overrides.
func (o *options) resolve() (*config.Config, error) {
	path := o.configPath
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			path = defaultConfigFile
		}
	}
	cfg, err := config.Resolve(path)
	if err != nil {
		return nil, err
	}

	if o.level != "" {
		lv, err := stage.ParseDataLevel(o.level)
		if err != nil {
			return nil, err
		}
		cfg.Level = lv
	}
	override(&cfg.Source, o.source)
	override(&cfg.Dir, o.dir)
	override(&cfg.File, o.file)
	override(&cfg.BackendURL, o.backend)
	override(&cfg.LogLevel, o.logLevel)
	override(&cfg.LogFormat, o.logFormat)

	// a bare --dir or --file implies its source
	if o.source == "" {
		switch {
		case o.dir != "":
			cfg.Source = config.SourceDir
		case o.file != "":
			cfg.Source = config.SourceFile
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// load resolves the configuration and wires logging, the backend client,
// the staging source and the service.
func (o *options) load(ctx context.Context) (*app, error) {
	cfg, err := o.resolve()
	if err != nil {
		return nil, err
	}
	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
		return nil, err
	}

	c, err := client.New(client.Config{
		BaseURL:       cfg.BackendURL,
		Token:         cfg.Token,
		Timeout:       cfg.Timeout,
		DataSelector:  cfg.DataSelector,
		ErrorSelector: cfg.ErrorSelector,
		Retry:         retry.DefaultConfig(),
	})
	if err != nil {
		return nil, err
	}

	src, err := newSource(ctx, cfg, c)
	if err != nil {
		return nil, err
	}
	svc := service.New(src, cfg.CacheTTL)

	return &app{
		cfg:    cfg,
		client: c,
		svc:    svc,
		planner: &assign.Planner{
			Backend:     c,
			Viewer:      svc,
			Level:       cfg.Level,
			Concurrency: cfg.AssignConcurrency,
		},
	}, nil
}

func newSource(ctx context.Context, cfg *config.Config, c *client.Client) (source.Source, error) {
	switch cfg.Source {
	case config.SourceHTTP:
		return &source.HTTP{Client: c}, nil
	case config.SourceDir:
		info, err := os.Stat(cfg.Dir)
		if err != nil {
			return nil, fmt.Errorf("staging dir: %w", err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("staging dir %s is not a directory", cfg.Dir)
		}
		return &source.Dir{FS: osfs.New(cfg.Dir)}, nil
	case config.SourceS3:
		s3src, err := source.NewS3(ctx, source.S3Config{
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			Bucket:    cfg.S3Bucket,
			Prefix:    cfg.S3Prefix,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
		})
		if err != nil {
			return nil, err
		}
		return s3src, nil
	case config.SourceFile:
		env, err := client.NewEnvelope(cfg.DataSelector, cfg.ErrorSelector)
		if err != nil {
			return nil, err
		}
		return &source.File{Path: cfg.File, Envelope: env}, nil
	}
	return nil, errors.New("unknown source " + cfg.Source)
}

func override(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
