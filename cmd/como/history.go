package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ghalamif/como"
)

func historyCmd(g *globalFlags) *cobra.Command {
	var (
		typeName string
		name     string
		since    time.Duration
		from, to string
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print the stored history of one source",
		Example: `  como history --type Temperature --name boiler --since 1h
  como history --type Temperature --name boiler --from 2024-05-01T00:00:00Z --to 2024-05-02T00:00:00Z`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if typeName == "" || name == "" {
				return errors.New("--type and --name are required")
			}
			start, end, err := timeRange(since, from, to)
			if err != nil {
				return err
			}

			cfg, err := como.LoadConfig(g.configPath)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			h, err := como.OpenHistory(ctx, cfg.History)
			if err != nil {
				return err
			}
			defer h.Close()

			records, err := h.QueryRange(ctx, como.Key{TypeName: typeName, Name: name}, start, end)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tCHANNEL\tKIND\tTYPE\tVALUE")
			for _, r := range records {
				value := "-"
				if r.Source.Value != nil {
					value = r.Source.ValueString()
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					r.ReceivedAt.Format(time.RFC3339Nano), r.Channel, r.Kind, r.Source.Type, value)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&typeName, "type", "", "Source type name")
	cmd.Flags().StringVar(&name, "name", "", "Source name")
	cmd.Flags().DurationVar(&since, "since", time.Hour, "Look back this far when --from is not given")
	cmd.Flags().StringVar(&from, "from", "", "Start time (RFC 3339)")
	cmd.Flags().StringVar(&to, "to", "", "End time (RFC 3339), default now")
	return cmd
}

func timeRange(since time.Duration, from, to string) (time.Time, time.Time, error) {
	end := time.Now()
	if to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("--to: %w", err)
		}
		end = t
	}
	start := end.Add(-since)
	if from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("--from: %w", err)
		}
		start = t
	}
	if !start.Before(end) {
		return time.Time{}, time.Time{}, errors.New("empty time range")
	}
	return start, end, nil
}
