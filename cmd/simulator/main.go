package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"pettracker/gateway/internal/config"
	"pettracker/gateway/internal/sim"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	host := flag.String("host", "", "gateway host override")
	port := flag.Int("port", 0, "gateway port override")
	deviceID := flag.String("device", "", "device ID override")
	verbose := flag.Bool("v", false, "verbose logging")
	flag.Parse()

	log.Println("[Simulator] Starting PetTracker device simulator...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[Simulator] Failed to load configuration: %v", err)
	}
	if *host != "" {
		cfg.JT808Host = *host
	}
	if *port != 0 {
		cfg.JT808Port = *port
	}
	if *deviceID != "" {
		cfg.DeviceID = *deviceID
	}
	if *verbose {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}
	log.Printf("[Simulator] Device %s, start position %.6f,%.6f",
		cfg.DeviceID, cfg.StartLatitude, cfg.StartLongitude)

	ctx, cancel := context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Println("[Simulator] Shutting down...")
		cancel()
	}()

	if err := sim.New(cfg).Run(ctx); err != nil && err != context.Canceled {
		log.Fatalf("[Simulator] %v", err)
	}
	log.Println("[Simulator] Stopped")
}
