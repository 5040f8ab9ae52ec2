package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"pettracker/gateway/internal/bus"
	"pettracker/gateway/internal/config"
	"pettracker/gateway/internal/registry"
	"pettracker/gateway/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	host := flag.String("host", "", "JT808 listen host override")
	port := flag.Int("port", 0, "JT808 listen port override")
	busHost := flag.String("mqtt-host", "", "MQTT broker host override")
	busPort := flag.Int("mqtt-port", 0, "MQTT broker port override")
	verbose := flag.Bool("v", false, "verbose logging")
	flag.Parse()

	log.Println("[Gateway] Starting PetTracker Gateway...")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("[Gateway] Failed to load configuration: %v", err)
	}
	if *host != "" {
		cfg.JT808Host = *host
	}
	if *port != 0 {
		cfg.JT808Port = *port
	}
	if *busHost != "" {
		cfg.BusHost = *busHost
	}
	if *busPort != 0 {
		cfg.BusPort = *busPort
	}
	if *verbose {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("[Gateway] Invalid configuration: %v", err)
	}
	log.Printf("[Gateway] Configuration loaded: ID=%s, Port=%d", cfg.GatewayID, cfg.JT808Port)

	mqttPub, err := bus.NewMQTT(bus.MQTTOptions{
		Host:          cfg.BusHost,
		Port:          cfg.BusPort,
		User:          cfg.BusUser,
		Password:      cfg.BusPassword,
		TLS:           cfg.BusTLS,
		AnnounceTopic: cfg.BusTopicPrefix + "/system/status",
	})
	if err != nil {
		log.Fatalf("[Gateway] Failed to set up MQTT client: %v", err)
	}

	var pub bus.Publisher = mqttPub
	if cfg.NATSURL != "" {
		natsPub, err := bus.NewNATS(cfg.NATSURL)
		if err != nil {
			log.Printf("[Gateway] NATS mirror unavailable: %v", err)
		} else {
			log.Printf("[Gateway] Mirroring events to NATS at %s", cfg.NATSURL)
			pub = bus.NewTee(mqttPub, natsPub)
		}
	}
	defer pub.Close()

	var reg *registry.Registry
	if cfg.RedisURL != "" {
		reg, err = registry.New(context.Background(), cfg.RedisURL, cfg.GatewayID)
		if err != nil {
			log.Fatalf("[Gateway] Failed to connect to Redis: %v", err)
		}
		log.Println("[Gateway] Connected to Redis")
		defer reg.Close()
	}

	tcpServer := server.NewTCPServer(cfg, pub, reg)
	if err := tcpServer.Start(); err != nil {
		log.Fatalf("[Gateway] Failed to start TCP server: %v", err)
	}
	log.Println("[Gateway] Server started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("[Gateway] Shutting down...")
	tcpServer.Stop()
	log.Println("[Gateway] Server stopped")
}
