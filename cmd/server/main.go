package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nlc-ai/mailflow/internal/api"
	"github.com/nlc-ai/mailflow/internal/app"
	"github.com/nlc-ai/mailflow/internal/config"
)

// checkPortAvailable verifies that the target port is not already in use.
func checkPortAvailable(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("address %s is already in use: %v\n"+
			"  Hint: run 'lsof -i :%s' to find the blocking process", addr, err, addr[strings.LastIndex(addr, ":")+1:])
	}
	ln.Close()
	return nil
}

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config file")
	withSweeps := flag.Bool("with-sweeps", false, "also run the delivery, recovery and cleanup sweeps in this process")
	flag.Parse()

	log.Println("Starting mailflow API server...")

	if _, err := os.Stat(*configPath); err != nil {
		log.Printf("[config] %s not found, using defaults and environment", *configPath)
		*configPath = ""
	}
	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if err := checkPortAvailable(cfg.Server.Addr()); err != nil {
		log.Fatalf("Pre-flight check FAILED: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pipeline, err := app.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize pipeline: %v", err)
	}
	defer pipeline.Close()

	if *withSweeps {
		if err := pipeline.Scheduler.Start(); err != nil {
			log.Fatalf("Failed to start scheduler: %v", err)
		}
		defer pipeline.Scheduler.Stop()
	}

	server := api.NewServer(cfg.Server, pipeline.Services())

	go func() {
		log.Printf("Server listening on %s (system provider: %s, events: %s)",
			cfg.Server.Addr(), cfg.SystemProvider, cfg.Events.Transport)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	log.Println("Server stopped")
}
