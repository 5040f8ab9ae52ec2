// Package config loads the gateway and simulator settings: built-in
// defaults, then an optional JSON file, then environment overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

// Config holds every tunable of the gateway and the simulator. Values
// are frozen after Load; the core never mutates them.
type Config struct {
	// Listener.
	JT808Host string `json:"jt808_host"`
	JT808Port int    `json:"jt808_port"`
	GatewayID string `json:"gateway_id"`
	HTTPPort  int    `json:"http_port"`

	// Bus.
	BusHost             string `json:"bus_host"`
	BusPort             int    `json:"bus_port"`
	BusUser             string `json:"bus_user"`
	BusPassword         string `json:"bus_password"`
	BusTLS              bool   `json:"bus_tls"`
	BusTopicPrefix      string `json:"bus_topic_prefix"`
	BusLocationTemplate string `json:"bus_location_topic_template"`
	NATSURL             string `json:"nats_url"`
	RedisURL            string `json:"redis_url"`

	// Registration.
	AuthCode string `json:"auth_code"`

	// Throttle.
	HeartbeatInterval int `json:"heartbeat_interval"`
	StatusTTL         int `json:"status_ttl"`
	RegistrationTTL   int `json:"registration_ttl"`

	// Location gate.
	FastInterval        int     `json:"fast_interval"`
	FastDistance        float64 `json:"fast_distance"`
	WalkingInterval     int     `json:"walking_interval"`
	WalkingDistance     float64 `json:"walking_distance"`
	RestingInterval     int     `json:"resting_interval"`
	RestingDistance     float64 `json:"resting_distance"`
	SpeedThresholdFast    float64 `json:"speed_threshold_fast"`
	SpeedThresholdWalking float64 `json:"speed_threshold_walking"`

	// Output.
	OptimizePayload bool `json:"optimize_payload"`

	// Simulator.
	DeviceID         string  `json:"device_id"`
	StartLatitude    float64 `json:"start_latitude"`
	StartLongitude   float64 `json:"start_longitude"`
	Move             bool    `json:"move"`
	MoveDistance     float64 `json:"move_distance"`
	LocationInterval int     `json:"location_interval"`
	BatchEnabled     bool    `json:"batch_enabled"`
	BatchSize        int     `json:"batch_size"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		JT808Host: "0.0.0.0",
		JT808Port: 8008,
		GatewayID: "node-01",
		HTTPPort:  8081,

		BusHost:             "localhost",
		BusPort:             1883,
		BusTopicPrefix:      "pettracker",
		BusLocationTemplate: "pettracker/{device_id}/location",

		AuthCode: "123456",

		HeartbeatInterval: 60,
		StatusTTL:         300,
		RegistrationTTL:   3600,

		FastInterval:          5,
		FastDistance:          5.0,
		WalkingInterval:       60,
		WalkingDistance:       10.0,
		RestingInterval:       300,
		RestingDistance:       15.0,
		SpeedThresholdFast:    20,
		SpeedThresholdWalking: 5,

		DeviceID:         "123456789012",
		StartLatitude:    14.072275,
		StartLongitude:   -87.192136,
		Move:             true,
		MoveDistance:     5.0,
		LocationInterval: 5,
		BatchEnabled:     false,
		BatchSize:        5,
	}
}

// Load builds the configuration: defaults, then the JSON file at path
// (or ./config.json when path is empty and the file exists), then
// environment variables.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path == "" {
		if _, err := os.Stat("config.json"); err == nil {
			path = "config.json"
		}
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.JT808Host = getEnv("JT808_HOST", cfg.JT808Host)
	cfg.JT808Port = getEnvAsInt("JT808_PORT", cfg.JT808Port)
	cfg.GatewayID = getEnv("GATEWAY_ID", cfg.GatewayID)
	cfg.HTTPPort = getEnvAsInt("HTTP_PORT", cfg.HTTPPort)

	cfg.BusHost = getEnv("BUS_HOST", cfg.BusHost)
	cfg.BusPort = getEnvAsInt("BUS_PORT", cfg.BusPort)
	cfg.BusUser = getEnv("BUS_USER", cfg.BusUser)
	cfg.BusPassword = getEnv("BUS_PASSWORD", cfg.BusPassword)
	cfg.BusTLS = getEnvAsBool("BUS_TLS", cfg.BusTLS)
	cfg.BusTopicPrefix = getEnv("BUS_TOPIC_PREFIX", cfg.BusTopicPrefix)
	cfg.NATSURL = getEnv("NATS_URL", cfg.NATSURL)
	cfg.RedisURL = getEnv("REDIS_URL", cfg.RedisURL)

	cfg.AuthCode = getEnv("AUTH_CODE", cfg.AuthCode)
	cfg.DeviceID = getEnv("DEVICE_ID", cfg.DeviceID)

	return cfg, nil
}

// Validate rejects configurations the gateway cannot start with.
func (c *Config) Validate() error {
	if c.JT808Port <= 0 || c.JT808Port > 65535 {
		return fmt.Errorf("config: invalid jt808_port %d", c.JT808Port)
	}
	if c.BusPort <= 0 || c.BusPort > 65535 {
		return fmt.Errorf("config: invalid bus_port %d", c.BusPort)
	}
	if c.BusHost == "" {
		return fmt.Errorf("config: bus_host is required")
	}
	if (c.BusUser == "") != (c.BusPassword == "") {
		return fmt.Errorf("config: bus_user and bus_password must be set together")
	}
	if c.AuthCode == "" {
		c.AuthCode = "123456"
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
