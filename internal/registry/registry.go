// Package registry keeps the live session directory and per-device
// shadow in Redis so fleet tooling can see which gateway node holds
// which device. A nil *Registry is valid and does nothing.
package registry

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	sessionTTL = 300 * time.Second
	shadowTTL  = 24 * time.Hour
)

// Registry wraps the Redis client with the gateway's key schema.
type Registry struct {
	rdb       *redis.Client
	gatewayID string
}

// New connects to Redis and verifies the link.
func New(ctx context.Context, url, gatewayID string) (*Registry, error) {
	rdb := redis.NewClient(&redis.Options{Addr: url})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("registry: connect %s: %w", url, err)
	}
	return &Registry{rdb: rdb, gatewayID: gatewayID}, nil
}

func sessionKey(deviceID string) string { return "pettracker:sess:" + deviceID }
func shadowKey(deviceID string) string  { return "pettracker:shadow:" + deviceID }

// Register records which node and connection a device arrived on.
func (r *Registry) Register(ctx context.Context, deviceID, connID, clientIP string) {
	if r == nil {
		return
	}
	value := fmt.Sprintf("%s:%s:%s", r.gatewayID, connID, clientIP)
	if err := r.rdb.Set(ctx, sessionKey(deviceID), value, sessionTTL).Err(); err != nil {
		log.Printf("[Registry] Failed to register session for %s: %v", deviceID, err)
		return
	}
	log.Printf("[Registry] Session registered: %s -> %s", deviceID, value)
}

// Refresh extends the session entry and stamps the shadow. Called on
// device activity, typically heartbeats.
func (r *Registry) Refresh(ctx context.Context, deviceID string) {
	if r == nil {
		return
	}
	r.rdb.Expire(ctx, sessionKey(deviceID), sessionTTL)
	r.rdb.HSet(ctx, shadowKey(deviceID), "ts", time.Now().Unix())
	r.rdb.Expire(ctx, shadowKey(deviceID), shadowTTL)
}

// UpdatePosition writes the last known fix into the device shadow.
func (r *Registry) UpdatePosition(ctx context.Context, deviceID string, lat, lon float64) {
	if r == nil {
		return
	}
	r.rdb.HSet(ctx, shadowKey(deviceID), "ts", time.Now().Unix(), "lat", lat, "lon", lon)
	r.rdb.Expire(ctx, shadowKey(deviceID), shadowTTL)
}

// Remove drops the session entry when the connection closes. The
// shadow is left to its TTL.
func (r *Registry) Remove(ctx context.Context, deviceID string) {
	if r == nil {
		return
	}
	r.rdb.Del(ctx, sessionKey(deviceID))
}

// Close releases the Redis client.
func (r *Registry) Close() {
	if r == nil {
		return
	}
	r.rdb.Close()
}
