package main

import (
	"context"
	"log"
	"math"
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
	cfg.OPCUA = nil

	pub, err := como.NewPublisher(cfg)
	if err != nil {
		log.Fatalf("new publisher: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := pub.Start(ctx); err != nil {
		log.Fatalf("start: %v", err)
	}

	wave := como.NewDouble("Simulation", "sine", 0).WithDescription("1 Hz sine wave")
	state := como.NewString("Simulation", "state", "running")
	_ = pub.Register(wave)
	_ = pub.Register(state)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			_ = pub.Deregister(wave)
			_ = pub.Deregister(state)
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := pub.Shutdown(shutdownCtx); err != nil {
				log.Printf("shutdown: %v", err)
			}
			return
		case now := <-ticker.C:
			wave.Value = math.Sin(2 * math.Pi * now.Sub(start).Seconds())
			if err := pub.Update(wave); err != nil {
				log.Printf("update: %v", err)
			}
		}
	}
}
