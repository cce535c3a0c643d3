package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const drainTimeout = 30 * time.Second

func newServeCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the cron scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return c.serve(ctx)
		},
	}
	cmd.Flags().String("listen", "", "listen address (default :4100)")
	cmd.Flags().String("db", "", "database path (default ~/.agentflow/agentflow.db)")
	return cmd
}

func (c *cli) serve(ctx context.Context) error {
	logger := c.logger(os.Stderr)
	a, err := newApp(ctx, c.cfg, logger)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	srv := a.apiServer()
	g.Go(func() error { return srv.Run(gctx) })

	if err := a.scheduler.Start(gctx); err != nil {
		return errors.Join(err, a.Close(ctx))
	}
	g.Go(func() error {
		<-gctx.Done()
		return a.scheduler.Stop()
	})

	logger.Info("agentflow started",
		slog.String("listen", c.cfg.ListenAddr),
		slog.String("db", c.cfg.DBPath),
		slog.Int("max_concurrent_workflows", c.cfg.Limits.MaxConcurrentWorkflows))

	runErr := g.Wait()

	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := a.Close(drainCtx); err != nil {
		logger.Error("shutdown incomplete", slog.String("error", err.Error()))
		return errors.Join(runErr, err)
	}
	if runErr != nil {
		return fmt.Errorf("serve: %w", runErr)
	}
	logger.Info("agentflow stopped")
	return nil
}

func newMCPCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the agentflow tools over MCP stdio",
		Long: `Serve the agentflow tools over the Model Context Protocol on stdin/stdout.
Logs go to stderr. The cron scheduler also runs while the session is open.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger := c.logger(os.Stderr)
			a, err := newApp(ctx, c.cfg, logger)
			if err != nil {
				return err
			}
			if err := a.scheduler.Start(ctx); err != nil {
				return errors.Join(err, a.Close(ctx))
			}

			serveErr := a.mcpServer().Serve(ctx)
			if errors.Is(serveErr, context.Canceled) {
				serveErr = nil
			}

			drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
			defer cancel()
			return errors.Join(serveErr, a.scheduler.Stop(), a.Close(drainCtx))
		},
	}
	cmd.Flags().String("db", "", "database path (default ~/.agentflow/agentflow.db)")
	return cmd
}
