// Package handler dispatches decoded frames, writes protocol
// responses back on the session and feeds events to the publish gate.
package handler

import (
	"context"
	"fmt"
	"log"
	"time"

	"pettracker/gateway/internal/config"
	"pettracker/gateway/internal/gate"
	"pettracker/gateway/internal/jt808"
	"pettracker/gateway/internal/registry"
	"pettracker/gateway/internal/session"
)

// writeTimeout bounds each response write; a stuck peer tears the
// session down rather than stalling the reader.
const writeTimeout = 5 * time.Second

// Handler serves one session.
type Handler struct {
	cfg  *config.Config
	gate *gate.Gate
	reg  *registry.Registry
}

// New builds a handler over the session's gate. reg may be nil when no
// session registry is configured.
func New(cfg *config.Config, g *gate.Gate, reg *registry.Registry) *Handler {
	return &Handler{cfg: cfg, gate: g, reg: reg}
}

// HandleFrame processes one decoded frame: writes the response, then
// parses the body and emits events. Body parse failures are logged and
// dropped without closing the session; a write failure is fatal to it.
// closeAfter asks the caller to close the session once the response
// has been flushed.
func (h *Handler) HandleFrame(sess *session.Session, f *jt808.Frame) (closeAfter bool, err error) {
	deviceID := sess.DeviceID()

	switch f.MsgID {
	case jt808.MsgIDTerminalHeartbeat:
		if err := h.respondGeneral(sess, f, jt808.ResultSuccess); err != nil {
			return false, err
		}
		h.gate.Heartbeat(deviceID)
		h.gate.Status(deviceID, "online")
		h.reg.Refresh(context.Background(), deviceID)

	case jt808.MsgIDTerminalLogout:
		if err := h.respondGeneral(sess, f, jt808.ResultSuccess); err != nil {
			return false, err
		}
		h.gate.Logout(deviceID)
		h.gate.Status(deviceID, "offline")
		return true, nil

	case jt808.MsgIDTerminalRegister:
		if err := h.respondRegister(sess, f); err != nil {
			return false, err
		}
		reg, perr := jt808.ParseRegistration(f.Body)
		if perr != nil {
			log.Printf("[Handler] %s: %v", deviceID, perr)
			return false, nil
		}
		h.gate.Registration(deviceID, reg)
		h.gate.Status(deviceID, "online")

	case jt808.MsgIDTerminalAuth:
		if err := h.respondGeneral(sess, f, jt808.ResultSuccess); err != nil {
			return false, err
		}
		code, perr := jt808.ParseAuthCode(f.Body)
		if perr != nil {
			log.Printf("[Handler] %s: %v", deviceID, perr)
			return false, nil
		}
		h.gate.Authentication(deviceID, code)
		h.gate.Status(deviceID, "online")

	case jt808.MsgIDLocationReport:
		if err := h.respondGeneral(sess, f, jt808.ResultSuccess); err != nil {
			return false, err
		}
		loc, perr := jt808.ParseLocation(f.Body)
		if perr != nil {
			log.Printf("[Handler] %s: %v", deviceID, perr)
			return false, nil
		}
		h.gate.Location(deviceID, loc)
		h.gate.Status(deviceID, "online")
		lat, lon := gate.Coordinates(loc)
		h.reg.UpdatePosition(context.Background(), deviceID, lat, lon)

	case jt808.MsgIDBatchLocationUpload:
		if err := h.respondGeneral(sess, f, jt808.ResultSuccess); err != nil {
			return false, err
		}
		batch, perr := jt808.ParseBatchLocation(f.Body)
		if perr != nil {
			log.Printf("[Handler] %s: %v", deviceID, perr)
			return false, nil
		}
		h.gate.BatchLocation(deviceID, batch)
		h.gate.Status(deviceID, "online")

	default:
		log.Printf("[Handler] %s: unsupported message 0x%04X", deviceID, f.MsgID)
		if err := h.respondGeneral(sess, f, jt808.ResultUnsupported); err != nil {
			return false, err
		}
	}
	return false, nil
}

// respondGeneral acknowledges a frame with a platform general
// response.
func (h *Handler) respondGeneral(sess *session.Session, f *jt808.Frame, result byte) error {
	ack := &jt808.GeneralResponse{
		AckSerial: f.SerialNo,
		AckMsgID:  f.MsgID,
		Result:    result,
	}
	return h.write(sess, f.DeviceID, jt808.MsgIDPlatformGeneralAck, ack.Encode())
}

// respondRegister acknowledges a registration with the configured auth
// code. An empty configured value is replaced, never sent empty.
func (h *Handler) respondRegister(sess *session.Session, f *jt808.Frame) error {
	authCode := h.cfg.AuthCode
	if authCode == "" {
		authCode = "123456"
	}
	ack := &jt808.RegisterResponse{
		AckSerial: f.SerialNo,
		Result:    jt808.ResultSuccess,
		AuthCode:  authCode,
	}
	return h.write(sess, f.DeviceID, jt808.MsgIDRegisterAck, ack.Encode())
}

func (h *Handler) write(sess *session.Session, deviceID string, msgID uint16, body []byte) error {
	frame := &jt808.Frame{
		MsgID:    msgID,
		DeviceID: deviceID,
		SerialNo: sess.NextSerial(),
		Body:     body,
	}
	if err := sess.Conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("handler: set write deadline: %w", err)
	}
	if _, err := sess.Conn.Write(frame.Encode()); err != nil {
		return fmt.Errorf("handler: write response 0x%04X: %w", msgID, err)
	}
	return nil
}
