// Package sim drives the terminal side of the protocol: it dials the
// gateway, completes the registration and authentication handshake,
// then emits heartbeats and location reports. Location cadence mirrors
// the gateway's dual gate, so a resting pet is quiet and a running one
// is chatty.
package sim

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"pettracker/gateway/internal/config"
	"pettracker/gateway/internal/gate"
	"pettracker/gateway/internal/geo"
	"pettracker/gateway/internal/jt808"
)

const (
	// Reconnect backoff bounds: initial delay doubles up to the max
	// and resets after a successful session.
	reconnectInitial = 5 * time.Second
	reconnectMax     = 60 * time.Second

	registerWait = 30 * time.Second
	authAckWait  = 10 * time.Second
	writeTimeout = 5 * time.Second

	defaultAuthCode = "123456"

	// Metres of latitude per degree, used by the random walk.
	metresPerDegree = 111320.0
)

// Simulator is one simulated tracker device.
type Simulator struct {
	cfg *config.Config
	rng *rand.Rand

	conn   net.Conn
	wmu    sync.Mutex
	serial uint32

	authCode      string
	authenticated bool
	handshakeOK   bool

	// Simulated motion state.
	lat       float64
	lon       float64
	direction float64
	speedKMH  float64
	mileageM  float64

	// Dual-gate mirror: thresholds measure from the last emitted fix.
	lastEmit    time.Time
	lastEmitLat float64
	lastEmitLon float64
	emitted     bool

	batch []*jt808.LocationBody
}

// New builds a simulator from the frozen configuration.
func New(cfg *config.Config) *Simulator {
	return &Simulator{
		cfg:       cfg,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		lat:       cfg.StartLatitude,
		lon:       cfg.StartLongitude,
		direction: float64(rand.Intn(360)),
	}
}

// Run connects and reconnects until the context is cancelled. Session
// errors trigger exponential backoff.
func (s *Simulator) Run(ctx context.Context) error {
	delay := reconnectInitial
	for {
		s.handshakeOK = false
		err := s.runSession(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.handshakeOK {
			delay = reconnectInitial
		}
		log.Printf("[Simulator] Session ended: %v, reconnecting in %s", err, delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > reconnectMax {
			delay = reconnectMax
		}
	}
}

// runSession performs one full connection lifecycle: dial, register,
// authenticate, then run the heartbeat and location loops until the
// link fails or the context ends.
func (s *Simulator) runSession(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.dialHost(), s.cfg.JT808Port)
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return fmt.Errorf("sim: dial %s: %w", addr, err)
	}
	s.conn = conn
	s.authenticated = false
	defer func() {
		conn.Close()
		s.conn = nil
		s.authenticated = false
	}()
	log.Printf("[Simulator] Connected to %s as device %s", addr, s.cfg.DeviceID)

	if err := s.handshake(); err != nil {
		return err
	}
	s.handshakeOK = true

	errCh := make(chan error, 2)
	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.heartbeatLoop(sessionCtx, errCh)
	go s.drainResponses(sessionCtx, errCh)

	ticker := time.NewTicker(time.Duration(s.cfg.LocationInterval) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-sessionCtx.Done():
			return sessionCtx.Err()
		case err := <-errCh:
			return err
		case <-ticker.C:
			s.move()
			if err := s.maybeEmitLocation(); err != nil {
				return err
			}
		}
	}
}

// handshake registers and authenticates. Missing responses degrade
// rather than abort: a silent registration falls back to the default
// auth code, and a silent auth ack is treated as success.
func (s *Simulator) handshake() error {
	reg := &jt808.RegistrationBody{
		ProvinceID:   0,
		CityID:       0,
		Manufacturer: "PTRKR",
		Model:        "PT-100",
		TerminalID:   "PT00001",
	}
	if err := s.send(jt808.MsgIDTerminalRegister, reg.Encode()); err != nil {
		return err
	}

	s.authCode = defaultAuthCode
	resp, err := s.awaitFrame(registerWait, jt808.MsgIDRegisterAck)
	if err != nil {
		log.Printf("[Simulator] No registration response, using default auth code")
	} else if ack, perr := jt808.ParseRegisterResponse(resp.Body); perr != nil {
		log.Printf("[Simulator] Bad registration response: %v", perr)
	} else if ack.Result != jt808.ResultSuccess {
		return fmt.Errorf("sim: registration rejected with result %d", ack.Result)
	} else if ack.AuthCode != "" {
		s.authCode = ack.AuthCode
	}

	if err := s.send(jt808.MsgIDTerminalAuth, jt808.EncodeAuthCode(s.authCode)); err != nil {
		return err
	}
	ackFrame, err := s.awaitFrame(authAckWait, jt808.MsgIDPlatformGeneralAck)
	if err != nil {
		// Some platforms never ack; carry on rather than flap.
		log.Printf("[Simulator] No auth ack within %s, assuming authenticated", authAckWait)
		s.authenticated = true
		return nil
	}
	if ack, perr := jt808.ParseGeneralResponse(ackFrame.Body); perr == nil && ack.Result != jt808.ResultSuccess {
		return fmt.Errorf("sim: authentication failed with result %d", ack.Result)
	}
	s.authenticated = true
	log.Printf("[Simulator] Authenticated with code %q", s.authCode)
	return nil
}

func (s *Simulator) heartbeatLoop(ctx context.Context, errCh chan<- error) {
	interval := time.Duration(s.cfg.HeartbeatInterval) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.send(jt808.MsgIDTerminalHeartbeat, nil); err != nil {
				errCh <- err
				return
			}
		}
	}
}

// drainResponses keeps reading platform acks after the handshake so
// the socket never backs up; a read error ends the session.
func (s *Simulator) drainResponses(ctx context.Context, errCh chan<- error) {
	buf := make([]byte, 1024)
	var pending []byte
	for {
		if ctx.Err() != nil {
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, err := s.conn.Read(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				continue
			}
			errCh <- fmt.Errorf("sim: read: %w", err)
			return
		}
		pending = append(pending, buf[:n]...)
		for {
			raw, rest := extractFrame(pending)
			pending = rest
			if raw == nil {
				break
			}
			if f, derr := jt808.Decode(raw); derr == nil && f.MsgID == jt808.MsgIDPlatformGeneralAck {
				if ack, perr := jt808.ParseGeneralResponse(f.Body); perr == nil && ack.Result != jt808.ResultSuccess {
					log.Printf("[Simulator] Platform nacked 0x%04X with result %d", ack.AckMsgID, ack.Result)
				}
			}
		}
	}
}

// move advances the random walk one tick: wander the heading a little,
// vary speed around the configured pace, step forward.
func (s *Simulator) move() {
	if !s.cfg.Move {
		s.speedKMH = 0
		return
	}
	interval := float64(s.cfg.LocationInterval)
	baseMPS := s.cfg.MoveDistance / interval

	s.direction += (s.rng.Float64() - 0.5) * 20
	for s.direction < 0 {
		s.direction += 360
	}
	for s.direction >= 360 {
		s.direction -= 360
	}

	mps := baseMPS * (0.8 + 0.4*s.rng.Float64())
	s.speedKMH = mps * 3.6

	dist := mps * interval
	s.mileageM += dist
	rad := s.direction * math.Pi / 180
	s.lat += dist * math.Cos(rad) / metresPerDegree
	s.lon += dist * math.Sin(rad) / (metresPerDegree * math.Cos(s.lat*math.Pi/180))
}

// maybeEmitLocation applies the same dual gate the gateway runs: emit
// only when both the elapsed time and the distance from the last
// emitted fix satisfy the current activity's thresholds.
func (s *Simulator) maybeEmitLocation() error {
	now := time.Now()
	if s.emitted {
		activity := gate.ActivityForSpeed(s.speedKMH, s.cfg)
		minTime, minDist := gate.Thresholds(activity, s.cfg)
		dt := now.Sub(s.lastEmit)
		dx := geo.Haversine(s.lastEmitLat, s.lastEmitLon, s.lat, s.lon)
		if dt < minTime || dx < minDist {
			return nil
		}
	}

	loc := s.buildLocation(now)
	if s.cfg.BatchEnabled {
		s.batch = append(s.batch, loc)
		if len(s.batch) < s.cfg.BatchSize {
			s.recordEmit(now)
			return nil
		}
		body := jt808.EncodeBatchLocation(0, s.batch)
		s.batch = s.batch[:0]
		if err := s.send(jt808.MsgIDBatchLocationUpload, body); err != nil {
			return err
		}
	} else {
		if err := s.send(jt808.MsgIDLocationReport, loc.Encode()); err != nil {
			return err
		}
	}
	s.recordEmit(now)
	return nil
}

func (s *Simulator) recordEmit(now time.Time) {
	s.emitted = true
	s.lastEmit = now
	s.lastEmitLat = s.lat
	s.lastEmitLon = s.lon
}

func (s *Simulator) buildLocation(now time.Time) *jt808.LocationBody {
	status := jt808.StatusLocationFixed | jt808.StatusACCOn
	if s.lat < 0 {
		status |= jt808.StatusLatSouth
	}
	if s.lon < 0 {
		status |= jt808.StatusLonWest
	}
	loc := &jt808.LocationBody{
		StatusFlags:  status,
		LatitudeRaw:  geo.DecimalToDMS(s.lat),
		LongitudeRaw: geo.DecimalToDMS(s.lon),
		AltitudeM:    100,
		SpeedTenths:  uint16(s.speedKMH * 10),
		DirectionDeg: uint16(s.direction) % 360,
		Timestamp:    jt808.EncodeTimestamp(now),
		Additional: []jt808.AdditionalItem{
			{ID: jt808.AddInfoMileage, Value: mileageValue(s.mileageM)},
			{ID: jt808.AddInfoFuel, Value: []byte{0x03, 0x84}}, // 90.0 in raw tenths
		},
	}
	return loc
}

func mileageValue(metres float64) []byte {
	// Wire unit is 0.1 km.
	raw := uint32(metres / 100)
	return []byte{byte(raw >> 24), byte(raw >> 16), byte(raw >> 8), byte(raw)}
}

// awaitFrame reads until a frame with the wanted message ID arrives or
// the deadline passes. Other frames are ignored; malformed ones are
// skipped.
func (s *Simulator) awaitFrame(wait time.Duration, wantID uint16) (*jt808.Frame, error) {
	deadline := time.Now().Add(wait)
	buf := make([]byte, 1024)
	var pending []byte
	for time.Now().Before(deadline) {
		s.conn.SetReadDeadline(deadline)
		n, err := s.conn.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("sim: await 0x%04X: %w", wantID, err)
		}
		pending = append(pending, buf[:n]...)
		for {
			raw, rest := extractFrame(pending)
			pending = rest
			if raw == nil {
				break
			}
			f, derr := jt808.Decode(raw)
			if derr != nil {
				log.Printf("[Simulator] %v", derr)
				continue
			}
			if f.MsgID == wantID {
				return f, nil
			}
		}
	}
	return nil, fmt.Errorf("sim: no 0x%04X within %s", wantID, wait)
}

func (s *Simulator) send(msgID uint16, body []byte) error {
	f := &jt808.Frame{
		MsgID:    msgID,
		DeviceID: s.cfg.DeviceID,
		SerialNo: uint16(atomic.AddUint32(&s.serial, 1)),
		Body:     body,
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := s.conn.Write(f.Encode()); err != nil {
		return fmt.Errorf("sim: send 0x%04X: %w", msgID, err)
	}
	return nil
}

func (s *Simulator) dialHost() string {
	if s.cfg.JT808Host == "" || s.cfg.JT808Host == "0.0.0.0" {
		return "127.0.0.1"
	}
	return s.cfg.JT808Host
}

// extractFrame pops the first complete 0x7E...0x7E run off the buffer.
func extractFrame(data []byte) (frame, rest []byte) {
	start := -1
	for i, b := range data {
		if b == jt808.FrameMarker {
			start = i
			break
		}
	}
	if start == -1 {
		return nil, nil
	}
	for i := start + 1; i < len(data); i++ {
		if data[i] == jt808.FrameMarker {
			return data[start : i+1], data[i+1:]
		}
	}
	return nil, data[start:]
}
