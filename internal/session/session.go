// Package session owns the per-connection state of one device link:
// the raw read buffer, frame boundary scanning, and the identity latch.
package session

import (
	"errors"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/xid"

	"pettracker/gateway/internal/jt808"
)

// MaxBufferSize caps the read buffer. A connection that accumulates
// this much data without a complete frame is torn down.
const MaxBufferSize = 64 * 1024

var (
	// ErrOversizeBuffer means no frame delimiter arrived within
	// MaxBufferSize bytes. Fatal to the session.
	ErrOversizeBuffer = errors.New("session: read buffer overflow without frame delimiter")

	// ErrIdentityConflict means a second, different device ID arrived
	// on an already identified session. The first identity wins.
	ErrIdentityConflict = errors.New("session: device identity conflict")
)

// Session is the state of one accepted TCP connection.
type Session struct {
	ID         string
	Conn       net.Conn
	ClientIP   string
	CreatedAt  time.Time
	LastActive time.Time

	deviceID string
	buf      []byte
	serial   uint32
}

// New wraps an accepted connection.
func New(conn net.Conn) *Session {
	s := &Session{
		ID:        xid.New().String(),
		Conn:      conn,
		CreatedAt: time.Now(),
	}
	s.LastActive = s.CreatedAt
	if conn != nil && conn.RemoteAddr() != nil {
		s.ClientIP = conn.RemoteAddr().String()
	}
	return s
}

// Append extends the read buffer. It fails with ErrOversizeBuffer when
// the buffer would exceed MaxBufferSize; frames are extracted after
// every read, so a buffer that large holds no complete frame.
func (s *Session) Append(data []byte) error {
	if len(s.buf)+len(data) > MaxBufferSize {
		return ErrOversizeBuffer
	}
	s.buf = append(s.buf, data...)
	s.LastActive = time.Now()
	return nil
}

// ExtractFrames scans the buffer for complete 0x7E...0x7E runs and
// returns them, advancing the read position. Bytes before the first
// marker are discarded and counted in discarded. An incomplete suffix
// is retained for the next Append.
func (s *Session) ExtractFrames() (frames [][]byte, discarded int) {
	for {
		start := indexOf(s.buf, jt808.FrameMarker)
		if start == -1 {
			discarded += len(s.buf)
			s.buf = s.buf[:0]
			return frames, discarded
		}
		if start > 0 {
			discarded += start
			s.buf = s.buf[start:]
		}
		end := indexOf(s.buf[1:], jt808.FrameMarker)
		if end == -1 {
			return frames, discarded
		}
		end += 1
		frame := make([]byte, end+1)
		copy(frame, s.buf[:end+1])
		frames = append(frames, frame)
		s.buf = s.buf[end+1:]
	}
}

// Buffered reports how many bytes await a frame delimiter.
func (s *Session) Buffered() int {
	return len(s.buf)
}

// SetIdentity latches the device ID from the first identified frame.
// Setting the same value again is a no-op; a different value is
// rejected and the first identity is kept.
func (s *Session) SetIdentity(deviceID string) error {
	if s.deviceID == "" {
		s.deviceID = deviceID
		return nil
	}
	if s.deviceID != deviceID {
		return ErrIdentityConflict
	}
	return nil
}

// DeviceID returns the latched identity, empty until the first
// identified frame.
func (s *Session) DeviceID() string {
	return s.deviceID
}

// NextSerial returns the next outbound message serial for responses
// written on this session.
func (s *Session) NextSerial() uint16 {
	return uint16(atomic.AddUint32(&s.serial, 1))
}

func indexOf(b []byte, marker byte) int {
	for i, c := range b {
		if c == marker {
			return i
		}
	}
	return -1
}
