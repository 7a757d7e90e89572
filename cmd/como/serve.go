package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/ghalamif/como"
)

func serveCmd(g *globalFlags) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a publisher serving the configured sources",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := como.LoadConfig(g.configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}

			pub, err := como.NewPublisher(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signalContext()
			defer stop()

			slog.Info("publisher starting", "addr", cfg.Server.Addr, "metrics", cfg.Metrics.Addr, "opcua", cfg.OPCUA != nil)
			return pub.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	return cmd
}
