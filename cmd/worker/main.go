package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nlc-ai/mailflow/internal/app"
	"github.com/nlc-ai/mailflow/internal/config"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config file")
	once := flag.Bool("once", false, "run one delivery, recovery and cleanup sweep and exit")
	flag.Parse()

	log.Println("Starting mailflow sweep worker...")

	if _, err := os.Stat(*configPath); err != nil {
		*configPath = ""
	}
	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pipeline, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize pipeline: %v", err)
	}
	defer pipeline.Close()

	if *once {
		runOnce(ctx, pipeline)
		return
	}

	if err := pipeline.Scheduler.Start(); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}

	// heartbeat with the running totals
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				st := pipeline.Scheduler.Stats()
				log.Printf("Worker heartbeat - sweeps=%d sent=%d failed=%d cancelled=%d",
					st.Sweeps, st.Sent, st.Failed, st.Cancelled)
			}
		}
	}()

	log.Println("Worker running...")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down worker...")
	cancel()
	pipeline.Scheduler.Stop()
	log.Println("Worker stopped")
}

func runOnce(ctx context.Context, pipeline *app.App) {
	if res, err := pipeline.Scheduler.RunRecoverySweep(ctx); err != nil {
		log.Printf("Recovery sweep failed: %v", err)
	} else {
		log.Printf("Recovery: requeued=%d failed=%d", res.Requeued, len(res.Failed))
	}
	if res, err := pipeline.Scheduler.RunDeliverySweep(ctx); err != nil {
		log.Printf("Delivery sweep failed: %v", err)
	} else {
		log.Printf("Delivery: due=%d sent=%d retried=%d failed=%d cancelled=%d",
			res.Due, res.Sent, res.Retried, res.Failed, res.Cancelled)
	}
	if n, err := pipeline.Scheduler.RunCleanupSweep(ctx); err != nil {
		log.Printf("Cleanup sweep failed: %v", err)
	} else {
		log.Printf("Cleanup: deleted=%d", n)
	}
}
