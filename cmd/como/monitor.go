package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ghalamif/como"
)

func watchCmd(g *globalFlags) *cobra.Command {
	var (
		address   string
		throttle  time.Duration
		reconnect bool
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print source updates from one or more publishers",
		Long: `Connects to the publishers listed under channels in the config, or to
--address when given, and prints every update. Nothing is recorded.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg *como.Config
			if address != "" {
				cfg = &como.Config{Channels: []como.ChannelConfig{{
					Name:      address,
					Type:      "tcp",
					Address:   address,
					Client:    como.ClientConfig{Throttle: throttle},
					Reconnect: como.ReconnectConfig{Enabled: reconnect},
				}}}
			} else {
				loaded, err := como.LoadConfig(g.configPath)
				if err != nil {
					return err
				}
				cfg = loaded
				cfg.History = como.HistoryConfig{}
				cfg.Metrics = como.MetricsConfig{}
			}

			mon, err := como.NewMonitor(cfg, como.WithEventHandler(printer(cmd.OutOrStdout())))
			if err != nil {
				return err
			}

			ctx, stop := signalContext()
			defer stop()
			return mon.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "Publisher address (host:port); overrides the config's channels")
	cmd.Flags().DurationVar(&throttle, "throttle", 0, "Minimum interval between updates of one source")
	cmd.Flags().BoolVar(&reconnect, "reconnect", false, "Reconnect with backoff when the connection drops")
	return cmd
}

func recordCmd(g *globalFlags) *cobra.Command {
	var (
		verbose bool
		watch   bool
	)

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record every update of the configured channels into history",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := como.LoadConfig(g.configPath)
			if err != nil {
				return err
			}

			var opts []como.Option
			if verbose {
				opts = append(opts, como.WithEventHandler(printer(cmd.OutOrStdout())))
			}
			mon, err := como.NewMonitor(cfg, opts...)
			if err != nil {
				return err
			}

			ctx, stop := signalContext()
			defer stop()

			if watch {
				go func() {
					if err := como.WatchConfig(ctx, g.configPath, nil, mon.ApplyConfig); err != nil {
						slog.Error("config watch stopped", "error", err)
					}
				}()
			}

			slog.Info("recorder starting",
				"channels", len(cfg.Channels),
				"history", cfg.History.Driver,
				"journal", cfg.Recorder.JournalDir)
			return mon.Run(ctx)
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Also print every update")
	cmd.Flags().BoolVar(&watch, "watch-config", true, "Apply throttle changes from the config file without restarting")
	return cmd
}

func printer(w io.Writer) como.EventHandler {
	if w == nil {
		w = os.Stdout
	}
	return func(channel string, ev como.Event) {
		ts := time.Now().Format(time.RFC3339Nano)
		switch ev.Kind {
		case como.EventSourceUpdated:
			fmt.Fprintf(w, "%s [%s] %s %s = %s\n", ts, channel, ev.Source.Key(), ev.Source.Type, ev.Source.ValueString())
		case como.EventSourceDeregistered:
			fmt.Fprintf(w, "%s [%s] %s deregistered\n", ts, channel, ev.Source.Key())
		case como.EventDisconnected:
			if ev.Err != nil {
				fmt.Fprintf(w, "%s [%s] disconnected: %v\n", ts, channel, ev.Err)
				return
			}
			fmt.Fprintf(w, "%s [%s] disconnected\n", ts, channel)
		default:
			fmt.Fprintf(w, "%s [%s] %s\n", ts, channel, ev.Kind)
		}
	}
}
