package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/ghalamif/como/pkg/como"
)

func main() {
	cfg, err := como.LoadConfig("../../configs/como.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	callback := func(batch []como.Record) error {
		for _, r := range batch {
			fmt.Printf("%s channel=%s %s %s seq=%d value=%v\n",
				r.ReceivedAt.Format(time.RFC3339Nano),
				r.Channel,
				r.Kind,
				r.Source.Key(),
				r.Seq,
				r.Source.Value,
			)
		}
		return nil
	}

	mon, err := como.NewMonitor(cfg, como.WithHistory(como.NewCallbackHistory("stdout", callback)))
	if err != nil {
		log.Fatalf("new monitor: %v", err)
	}
	if err := mon.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("monitor exited: %v", err)
	}
}
