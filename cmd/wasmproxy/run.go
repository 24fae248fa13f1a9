package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"github.com/wasmproxy/wasmproxy/host/catalog"
	"github.com/wasmproxy/wasmproxy/host/core"
)

func newRunCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run installed plugins and serve the editor core on stdio",
		Long: `Discover installed plugins, start every plugin that is not disabled and
serve the editor core over line-delimited JSON on stdin and stdout.

The host exits when stdin is closed, the core sends "shutdown" or the
process is interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.run(cmd.Context())
		},
	}
}

func (a *app) run(ctx context.Context) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	logger, err := a.newLogger(cfg)
	if err != nil {
		return err
	}

	server := core.NewServer(a.stdin, a.stdout, core.WithLogger(logger))
	s, err := openCatalog(ctx, cfg, logger, catalog.WithCoreClient(server))
	if err != nil {
		return err
	}
	logger.InfoContext(ctx, "wasmproxy started", "root", cfg.Root, "version", Version)

	if err := s.catalog.StartAll(ctx); err != nil {
		logger.WarnContext(ctx, "some plugins failed to start", "error", err)
	}

	serveErr := server.Serve(ctx, s.catalog)
	if errors.Is(serveErr, context.Canceled) {
		serveErr = nil
	}
	closeErr := s.close(context.WithoutCancel(ctx))
	logger.InfoContext(ctx, "wasmproxy stopped")
	return errors.Join(serveErr, closeErr)
}
