package cli

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/matzehuels/segrep/internal/server"
	"github.com/matzehuels/segrep/pkg/engine"
)

func (c *CLI) serveCommand() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP inspection server",
		Long: `Starts an engine from the config and serves its segmentations, viewports,
styles and Prometheus metrics over HTTP until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := c.loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			ctx := cmd.Context()
			logger := loggerFromContext(ctx)

			reg := prometheus.NewRegistry()
			reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
			e, err := newEngine(ctx, cfg, engine.WithMetrics(reg))
			if err != nil {
				return err
			}
			defer e.Close()

			srv := server.New(e, reg, logger.WithPrefix("server"))
			p := newPrinter(cmd.OutOrStdout())
			p.info("Serving on %s", cfg.Server.Addr)
			err = srv.ListenAndServe(ctx, cfg.Server.Addr)
			if errors.Is(err, context.Canceled) {
				p.success("Server stopped")
				return nil
			}
			return err
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.addr)")
	return cmd
}
