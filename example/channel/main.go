package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/ghalamif/como"
)

func main() {
	cfg, err := como.LoadConfig("../../configs/como.yaml")
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	hist, batches, closeBatches := como.NewChannelHistory("fanout", 32)
	defer closeBatches()

	go fanoutWorker("ingest", batches)

	mon, err := como.NewMonitor(cfg, como.WithHistory(hist))
	if err != nil {
		log.Fatalf("new monitor: %v", err)
	}
	if err := mon.Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("monitor exited: %v", err)
	}
}

func fanoutWorker(name string, batches <-chan []como.Record) {
	for batch := range batches {
		fmt.Printf("[%s] forwarding %d records at %s\n", name, len(batch), time.Now().Format(time.RFC3339))
	}
}
