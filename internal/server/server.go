// Package server runs the gateway: the TCP listener devices connect
// to, one reader goroutine per session, and the management HTTP
// endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"pettracker/gateway/internal/bus"
	"pettracker/gateway/internal/config"
	"pettracker/gateway/internal/gate"
	"pettracker/gateway/internal/handler"
	"pettracker/gateway/internal/jt808"
	"pettracker/gateway/internal/metrics"
	"pettracker/gateway/internal/registry"
	"pettracker/gateway/internal/session"
)

const (
	readChunkSize = 1024
	readTimeout   = 300 * time.Second

	// Accept failures back off briefly instead of spinning.
	acceptBackoff = time.Second

	// Bounded grace for in-flight sessions on shutdown.
	shutdownGrace = 5 * time.Second
)

// TCPServer accepts device connections and runs a session goroutine
// for each.
type TCPServer struct {
	cfg      *config.Config
	pub      bus.Publisher
	reg      *registry.Registry
	listener net.Listener
	sessions sync.Map // session ID -> *session.Session
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewTCPServer wires the server to its publisher and optional
// registry.
func NewTCPServer(cfg *config.Config, pub bus.Publisher, reg *registry.Registry) *TCPServer {
	ctx, cancel := context.WithCancel(context.Background())
	return &TCPServer{
		cfg:    cfg,
		pub:    pub,
		reg:    reg,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start binds the listener and management endpoint and begins
// accepting.
func (s *TCPServer) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.JT808Host, s.cfg.JT808Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	log.Printf("[Gateway] TCP server listening on %s", addr)

	go s.startHTTPServer()
	go s.acceptLoop()
	return nil
}

// Stop closes the listener, then every session socket, and waits a
// bounded grace period for in-flight writes.
func (s *TCPServer) Stop() {
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}
	s.sessions.Range(func(_, value interface{}) bool {
		if sess, ok := value.(*session.Session); ok {
			sess.Conn.Close()
		}
		return true
	})

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownGrace):
		log.Printf("[Gateway] Shutdown grace period expired with sessions still open")
	}
}

func (s *TCPServer) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				log.Printf("[Gateway] Accept error: %v", err)
				time.Sleep(acceptBackoff)
				continue
			}
		}
		s.wg.Add(1)
		go s.handleConnection(conn)
	}
}

// handleConnection is the per-session loop: read a chunk, extract
// frames, decode and handle each in receive order. The response for a
// frame is written before the next frame is read.
func (s *TCPServer) handleConnection(conn net.Conn) {
	defer s.wg.Done()

	sess := session.New(conn)
	g := gate.New(s.cfg, s.pub)
	h := handler.New(s.cfg, g, s.reg)

	s.sessions.Store(sess.ID, sess)
	metrics.ActiveSessions.Inc()
	log.Printf("[Gateway] New connection: %s from %s", sess.ID, sess.ClientIP)

	defer func() {
		s.sessions.Delete(sess.ID)
		metrics.ActiveSessions.Dec()
		if deviceID := sess.DeviceID(); deviceID != "" {
			g.Status(deviceID, "offline")
			s.reg.Remove(context.Background(), deviceID)
		}
		conn.Close()
		log.Printf("[Gateway] Connection closed: %s", sess.ID)
	}()

	buf := make([]byte, readChunkSize)
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		n, err := conn.Read(buf)
		if err != nil {
			if err != io.EOF && !errors.Is(err, os.ErrDeadlineExceeded) {
				log.Printf("[Gateway] Read error from %s: %v", sess.ID, err)
			}
			return
		}
		metrics.BytesRead.Add(float64(n))

		if err := sess.Append(buf[:n]); err != nil {
			log.Printf("[Gateway] %s: %v", sess.ID, err)
			return
		}

		frames, discarded := sess.ExtractFrames()
		if discarded > 0 {
			log.Printf("[Gateway] %s: discarded %d bytes of garbage before frame marker", sess.ID, discarded)
		}
		for _, raw := range frames {
			if closeAfter := s.handleFrame(sess, h, raw); closeAfter {
				return
			}
		}
	}
}

// handleFrame decodes and dispatches one raw frame. It returns true
// when the session must close, either on the protocol's request or a
// fatal write error.
func (s *TCPServer) handleFrame(sess *session.Session, h *handler.Handler, raw []byte) bool {
	f, err := jt808.Decode(raw)
	if err != nil {
		log.Printf("[Gateway] %s: %v", sess.ID, err)
		metrics.FrameErrors.Inc()
		return false
	}
	metrics.FramesDecoded.Inc()

	if f.DeviceID != "" {
		identified := sess.DeviceID() == ""
		if err := sess.SetIdentity(f.DeviceID); err != nil {
			log.Printf("[Gateway] %s: %v (keeping %s, frame carried %s)",
				sess.ID, err, sess.DeviceID(), f.DeviceID)
		} else if identified {
			log.Printf("[Gateway] %s identified as device %s", sess.ID, f.DeviceID)
			s.reg.Register(context.Background(), f.DeviceID, sess.ID, sess.ClientIP)
		}
	}

	closeAfter, err := h.HandleFrame(sess, f)
	if err != nil {
		log.Printf("[Gateway] %s: %v", sess.ID, err)
		return true
	}
	return closeAfter
}
