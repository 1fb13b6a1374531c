package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/harvest/config"
	"github.com/hazyhaar/harvest/harvest"
)

var (
	serveNoStart bool
	serveDirect  bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pipeline and its control surface",
	Long: `Starts the optimizer, the orchestrator pools and the scheduler, then
serves the control routes:

  GET  /healthz
  GET  /status
  POST /scheduler/start | /scheduler/stop
  POST /orchestrator/start | /orchestrator/stop
  POST /tasks
  POST /instruments/{symbol}/refresh
  GET  /instruments/{symbol}/frequency

With mcp.stdio enabled the MCP tools are served on stdin/stdout as well.
The config file is watched and reloadable sections apply without restart.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveNoStart, "no-start", false, "serve the control surface without starting the pipeline")
	serveCmd.Flags().BoolVar(&serveDirect, "direct", false, "run tasks in-process without the durable queue")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var opts []harvest.Option
	if serveDirect {
		opts = append(opts, harvest.WithoutQueue())
	}
	svc, err := harvest.New(ctx, cfg, logger, opts...)
	if err != nil {
		return err
	}
	defer svc.Close()

	if !serveNoStart {
		svc.Start(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return svc.ServeHTTP(gctx, cfg.Listen) })

	if configPath != "" {
		r := config.NewReloader(configPath, cfg, svc.ReloadTargets(), 0, logger)
		g.Go(func() error { return r.Run(gctx) })
	}

	if cfg.MCP.Stdio {
		srv := mcp.NewServer(&mcp.Implementation{Name: "harvest", Version: "1.0.0"}, nil)
		svc.RegisterMCP(srv)
		g.Go(func() error {
			logger.Info("harvester: MCP on stdio")
			err := srv.Run(gctx, &mcp.StdioTransport{})
			if err != nil && gctx.Err() == nil {
				return err
			}
			return nil
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info("harvester: shutting down")
	return err
}
