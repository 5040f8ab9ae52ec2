// Package gate decides which decoded events reach the bus. Locations
// pass a dual time-and-distance threshold keyed to the animal's
// activity; the other event kinds each have their own debouncer. One
// Gate serves one session and is touched only by that session's
// goroutine.
package gate

import (
	"log"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"pettracker/gateway/internal/bus"
	"pettracker/gateway/internal/config"
	"pettracker/gateway/internal/geo"
	"pettracker/gateway/internal/jt808"
	"pettracker/gateway/internal/metrics"
)

// Activity labels derived from reported speed.
type Activity string

const (
	ActivityFastMoving Activity = "fast_moving"
	ActivityWalking    Activity = "walking"
	ActivityResting    Activity = "resting"
)

const (
	statusCacheKey = "status"
	authCacheKey   = "auth"

	// Going online within this window of an offline is treated as
	// connection flap and suppressed.
	antiFlapWindow = 5 * time.Second
)

// Gate filters and shapes one session's events.
type Gate struct {
	cfg *config.Config
	pub bus.Publisher

	// Dual-threshold location state. Distance is measured from the
	// last published point, not the last seen one.
	lastLat     float64
	lastLon     float64
	lastPublish time.Time

	lastHeartbeatPub  time.Time
	lastHeartbeatSeen time.Time
	lastOffline       time.Time
	registered        bool

	statusCache *gocache.Cache
	authCache   *gocache.Cache

	now func() time.Time
}

// New builds a gate over the given publisher.
func New(cfg *config.Config, pub bus.Publisher) *Gate {
	return &Gate{
		cfg:         cfg,
		pub:         pub,
		statusCache: gocache.New(time.Duration(cfg.StatusTTL)*time.Second, 0),
		authCache:   gocache.New(time.Duration(cfg.RegistrationTTL)*time.Second, 0),
		now:         time.Now,
	}
}

// ActivityForSpeed maps a speed in km/h onto the activity label.
func ActivityForSpeed(speedKMH float64, cfg *config.Config) Activity {
	switch {
	case speedKMH > cfg.SpeedThresholdFast:
		return ActivityFastMoving
	case speedKMH > cfg.SpeedThresholdWalking:
		return ActivityWalking
	default:
		return ActivityResting
	}
}

// Thresholds returns the minimum elapsed time and distance for the
// given activity.
func Thresholds(a Activity, cfg *config.Config) (time.Duration, float64) {
	switch a {
	case ActivityFastMoving:
		return time.Duration(cfg.FastInterval) * time.Second, cfg.FastDistance
	case ActivityWalking:
		return time.Duration(cfg.WalkingInterval) * time.Second, cfg.WalkingDistance
	default:
		return time.Duration(cfg.RestingInterval) * time.Second, cfg.RestingDistance
	}
}

// Location runs the dual-threshold filter on one decoded report. A
// report publishes only when both the elapsed time and the distance
// from the last published fix meet the activity's thresholds.
func (g *Gate) Location(deviceID string, loc *jt808.LocationBody) {
	lat, lon := Coordinates(loc)
	activity := ActivityForSpeed(loc.SpeedKMH(), g.cfg)
	now := g.now()

	if !g.lastPublish.IsZero() {
		minTime, minDist := Thresholds(activity, g.cfg)
		dt := now.Sub(g.lastPublish)
		dx := geo.Haversine(g.lastLat, g.lastLon, lat, lon)
		if dt < minTime || dx < minDist {
			metrics.EventsSuppressed.WithLabelValues("location").Inc()
			return
		}
	}

	g.lastPublish = now
	g.lastLat = lat
	g.lastLon = lon

	g.publish(locationTopic(g.cfg, deviceID), g.locationPayload(deviceID, loc, lat, lon), "location")
	g.publish(g.cfg.BusTopicPrefix+"/tracking", g.trackingPayload(deviceID, loc, lat, lon), "tracking")
}

// BatchLocation publishes one event for a batch upload.
func (g *Gate) BatchLocation(deviceID string, batch *jt808.BatchLocationBody) {
	g.publish(topic(g.cfg, deviceID, "batch_location"), g.batchPayload(deviceID, batch), "batch_location")
}

// Heartbeat publishes at most one heartbeat per interval. The
// last-seen time is refreshed on every call regardless.
func (g *Gate) Heartbeat(deviceID string) {
	now := g.now()
	g.lastHeartbeatSeen = now

	interval := time.Duration(g.cfg.HeartbeatInterval) * time.Second
	if !g.lastHeartbeatPub.IsZero() && now.Sub(g.lastHeartbeatPub) < interval {
		metrics.EventsSuppressed.WithLabelValues("heartbeat").Inc()
		return
	}
	g.lastHeartbeatPub = now
	g.publish(topic(g.cfg, deviceID, "heartbeat"), g.heartbeatPayload(deviceID), "heartbeat")
}

// LastHeartbeat reports when the device last heartbeated, published or
// not.
func (g *Gate) LastHeartbeat() time.Time {
	return g.lastHeartbeatSeen
}

// Registration publishes only the first registration of the session.
func (g *Gate) Registration(deviceID string, reg *jt808.RegistrationBody) {
	if g.registered {
		metrics.EventsSuppressed.WithLabelValues("registration").Inc()
		return
	}
	g.registered = true
	g.publish(topic(g.cfg, deviceID, "registration"), g.registrationPayload(deviceID, reg), "registration")
}

// Authentication publishes only when the auth code changed since the
// last published one.
func (g *Gate) Authentication(deviceID, authCode string) {
	if cached, ok := g.authCache.Get(authCacheKey); ok && cached.(string) == authCode {
		metrics.EventsSuppressed.WithLabelValues("authentication").Inc()
		return
	}
	g.authCache.SetDefault(authCacheKey, authCode)
	g.publish(topic(g.cfg, deviceID, "authentication"), g.authPayload(deviceID, authCode), "authentication")
}

// Logout publishes the logout event; the caller follows with an
// offline status.
func (g *Gate) Logout(deviceID string) {
	g.publish(topic(g.cfg, deviceID, "logout"), g.logoutPayload(deviceID), "logout")
}

// Status publishes a status transition. Repeated online statuses are
// suppressed until the TTL lapses; an online within the anti-flap
// window of an offline is suppressed; transitions to offline always
// publish unless the device is already offline.
func (g *Gate) Status(deviceID, status string) {
	now := g.now()
	cached, found := g.statusCache.Get(statusCacheKey)

	if status == "online" {
		if !g.lastOffline.IsZero() && now.Sub(g.lastOffline) < antiFlapWindow {
			metrics.EventsSuppressed.WithLabelValues("status").Inc()
			return
		}
		if found && cached.(string) == "online" {
			metrics.EventsSuppressed.WithLabelValues("status").Inc()
			return
		}
	} else {
		if found && cached.(string) == "offline" {
			metrics.EventsSuppressed.WithLabelValues("status").Inc()
			return
		}
		g.lastOffline = now
	}

	g.statusCache.SetDefault(statusCacheKey, status)
	g.publish(topic(g.cfg, deviceID, "status"), g.statusPayload(deviceID, status), "status")
}

// publish marshals and sends one event, dropping it with a log line
// when the bus is down. The gate never blocks on bus failures.
func (g *Gate) publish(t string, payload map[string]interface{}, kind string) {
	data := marshalPayload(payload)
	if !g.pub.Connected() {
		log.Printf("[Gate] Bus not connected, dropped %s event on %s", kind, t)
		metrics.PublishErrors.Inc()
		return
	}
	if err := g.pub.Publish(t, data, 1); err != nil {
		log.Printf("[Gate] Publish to %s failed: %v", t, err)
		metrics.PublishErrors.Inc()
		return
	}
	metrics.EventsPublished.WithLabelValues(kind).Inc()
}

// Coordinates unpacks a location body into signed decimal degrees.
func Coordinates(loc *jt808.LocationBody) (lat, lon float64) {
	lat = geo.DMSToDecimal(loc.LatitudeRaw)
	lon = geo.DMSToDecimal(loc.LongitudeRaw)
	if loc.StatusFlags&jt808.StatusLatSouth != 0 {
		lat = -lat
	}
	if loc.StatusFlags&jt808.StatusLonWest != 0 {
		lon = -lon
	}
	return lat, lon
}
