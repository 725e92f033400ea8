// File: cmd/serve.go
package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/certidao-cli/internal/api"
	"github.com/xkilldash9x/certidao-cli/internal/automation"
	"github.com/xkilldash9x/certidao-cli/internal/observability"
)

// newServeCmd creates the `serve` command hosting the run-control API.
func newServeCmd() *cobra.Command {
	var (
		listen   string
		headless bool
	)

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Starts the HTTP run-control API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.SetServerListenAddr(listen)
			}
			if cmd.Flags().Changed("headless") {
				cfg.SetBrowserHeadless(headless)
			}

			ctx := cmd.Context()
			logger := observability.GetLogger()

			c, err := initializeComponents(context.WithoutCancel(ctx), cfg, logger,
				automation.WithReporter(automation.NewLogReporter(logger)))
			if err != nil {
				return fmt.Errorf("failed to initialize components: %w", err)
			}
			defer c.Shutdown()

			var hopts []api.HandlerOption
			if c.DataSource != nil {
				hopts = append(hopts, api.WithDataSource(c.DataSource))
			}
			if c.Recorder != nil {
				hopts = append(hopts, api.WithHistory(c.Recorder))
			}
			srv := api.NewServer(cfg.Server(), api.NewHandlers(logger, c.Runner, c.Registry, hopts...), logger)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error { return srv.Run(gctx) })
			// Active runs are cancelled while the HTTP server drains.
			g.Go(func() error {
				<-gctx.Done()
				logger.Info("Stopping active runs.", zap.Int("tracked_runs", len(c.Runner.List())))
				shutdownCtx, cancel := context.WithTimeout(context.Background(), componentShutdownTimeout)
				defer cancel()
				return c.Runner.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}

	serveCmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides server.listen_addr)")
	serveCmd.Flags().BoolVar(&headless, "headless", false, "run the browser without a window")
	return serveCmd
}
