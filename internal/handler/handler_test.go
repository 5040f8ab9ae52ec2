package handler

import (
	"bytes"
	"net"
	"strings"
	"testing"
	"time"

	"pettracker/gateway/internal/config"
	"pettracker/gateway/internal/gate"
	"pettracker/gateway/internal/jt808"
	"pettracker/gateway/internal/session"
)

// fakeConn records writes; reads report a closed connection.
type fakeConn struct {
	written    bytes.Buffer
	failWrites bool
}

type fakeConnErr struct{}

func (fakeConnErr) Error() string { return "write refused" }

func (c *fakeConn) Read([]byte) (int, error) { return 0, net.ErrClosed }
func (c *fakeConn) Write(b []byte) (int, error) {
	if c.failWrites {
		return 0, fakeConnErr{}
	}
	return c.written.Write(b)
}
func (c *fakeConn) Close() error                       { return nil }
func (c *fakeConn) LocalAddr() net.Addr                { return &net.TCPAddr{} }
func (c *fakeConn) RemoteAddr() net.Addr               { return &net.TCPAddr{} }
func (c *fakeConn) SetDeadline(t time.Time) error      { return nil }
func (c *fakeConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *fakeConn) SetWriteDeadline(t time.Time) error { return nil }

type fakePublisher struct {
	topics []string
}

func (f *fakePublisher) Publish(topic string, payload []byte, qos byte) error {
	f.topics = append(f.topics, topic)
	return nil
}
func (f *fakePublisher) Connected() bool { return true }
func (f *fakePublisher) Close()          {}

func newTestHandler(cfg *config.Config) (*Handler, *session.Session, *fakeConn, *fakePublisher) {
	conn := &fakeConn{}
	sess := session.New(conn)
	pub := &fakePublisher{}
	g := gate.New(cfg, pub)
	return New(cfg, g, nil), sess, conn, pub
}

// decodeWritten splits and decodes every response frame the handler
// wrote.
func decodeWritten(t *testing.T, conn *fakeConn) []*jt808.Frame {
	t.Helper()
	data := conn.written.Bytes()
	var frames []*jt808.Frame
	for len(data) > 0 {
		start := bytes.IndexByte(data, jt808.FrameMarker)
		if start == -1 {
			break
		}
		end := bytes.IndexByte(data[start+1:], jt808.FrameMarker)
		if end == -1 {
			break
		}
		raw := data[start : start+end+2]
		data = data[start+end+2:]
		f, err := jt808.Decode(raw)
		if err != nil {
			t.Fatalf("handler wrote an undecodable frame: %v", err)
		}
		frames = append(frames, f)
	}
	return frames
}

func deviceFrame(msgID uint16, serial uint16, body []byte) *jt808.Frame {
	return &jt808.Frame{
		MsgID:    msgID,
		DeviceID: "123456789012",
		SerialNo: serial,
		Body:     body,
	}
}

// TestRegistrationHandshake covers the register -> auth exchange: the
// registration response must echo the serial, succeed and carry the
// configured auth code, and authenticating with that code must get a
// success ack.
func TestRegistrationHandshake(t *testing.T) {
	cfg := config.Defaults()
	h, sess, conn, pub := newTestHandler(cfg)

	reg := &jt808.RegistrationBody{
		ProvinceID: 11, CityID: 100,
		Manufacturer: "PTRKR", Model: "PT-100", TerminalID: "PT00001",
	}
	regFrame := deviceFrame(jt808.MsgIDTerminalRegister, 42, reg.Encode())
	sess.SetIdentity(regFrame.DeviceID)

	closeAfter, err := h.HandleFrame(sess, regFrame)
	if err != nil || closeAfter {
		t.Fatalf("HandleFrame(register) = close %v, err %v", closeAfter, err)
	}

	responses := decodeWritten(t, conn)
	if len(responses) != 1 {
		t.Fatalf("responses = %d, want 1", len(responses))
	}
	if responses[0].MsgID != jt808.MsgIDRegisterAck {
		t.Fatalf("response msg = 0x%04X, want 0x8100", responses[0].MsgID)
	}
	ack, err := jt808.ParseRegisterResponse(responses[0].Body)
	if err != nil {
		t.Fatalf("bad registration response body: %v", err)
	}
	if ack.AckSerial != 42 {
		t.Errorf("ack serial = %d, want 42", ack.AckSerial)
	}
	if ack.Result != jt808.ResultSuccess {
		t.Errorf("ack result = %d, want 0", ack.Result)
	}
	if ack.AuthCode != cfg.AuthCode {
		t.Errorf("auth code = %q, want %q", ack.AuthCode, cfg.AuthCode)
	}

	// Authenticate with the code from the response.
	conn.written.Reset()
	authFrame := deviceFrame(jt808.MsgIDTerminalAuth, 43, jt808.EncodeAuthCode(ack.AuthCode))
	if _, err := h.HandleFrame(sess, authFrame); err != nil {
		t.Fatalf("HandleFrame(auth) failed: %v", err)
	}
	responses = decodeWritten(t, conn)
	if len(responses) != 1 || responses[0].MsgID != jt808.MsgIDPlatformGeneralAck {
		t.Fatalf("auth responses = %+v", responses)
	}
	gen, err := jt808.ParseGeneralResponse(responses[0].Body)
	if err != nil {
		t.Fatalf("bad general response body: %v", err)
	}
	if gen.AckSerial != 43 || gen.AckMsgID != jt808.MsgIDTerminalAuth || gen.Result != jt808.ResultSuccess {
		t.Errorf("general response = %+v", gen)
	}

	for _, topic := range []string{"/registration", "/authentication", "/status"} {
		found := false
		for _, got := range pub.topics {
			if strings.HasSuffix(got, topic) {
				found = true
			}
		}
		if !found {
			t.Errorf("no event published on %s (topics: %v)", topic, pub.topics)
		}
	}
}

func TestUnknownMessage(t *testing.T) {
	cfg := config.Defaults()
	h, sess, conn, pub := newTestHandler(cfg)
	sess.SetIdentity("123456789012")

	frame := deviceFrame(0x0999, 9, nil)
	closeAfter, err := h.HandleFrame(sess, frame)
	if err != nil || closeAfter {
		t.Fatalf("HandleFrame = close %v, err %v", closeAfter, err)
	}

	responses := decodeWritten(t, conn)
	if len(responses) != 1 {
		t.Fatalf("responses = %d, want 1", len(responses))
	}
	gen, err := jt808.ParseGeneralResponse(responses[0].Body)
	if err != nil {
		t.Fatalf("bad general response: %v", err)
	}
	if gen.Result != jt808.ResultUnsupported {
		t.Errorf("result = %d, want 3", gen.Result)
	}
	if gen.AckMsgID != 0x0999 || gen.AckSerial != 9 {
		t.Errorf("echoed fields = %+v", gen)
	}
	if len(pub.topics) != 0 {
		t.Errorf("unknown message published events: %v", pub.topics)
	}
}

func TestHeartbeat(t *testing.T) {
	cfg := config.Defaults()
	h, sess, conn, pub := newTestHandler(cfg)
	sess.SetIdentity("123456789012")

	if _, err := h.HandleFrame(sess, deviceFrame(jt808.MsgIDTerminalHeartbeat, 1, nil)); err != nil {
		t.Fatalf("HandleFrame failed: %v", err)
	}
	responses := decodeWritten(t, conn)
	if len(responses) != 1 || responses[0].MsgID != jt808.MsgIDPlatformGeneralAck {
		t.Fatalf("responses = %+v", responses)
	}
	if n := len(pub.topics); n != 2 { // heartbeat + online status
		t.Errorf("published topics = %v", pub.topics)
	}
}

func TestLogoutClosesSession(t *testing.T) {
	cfg := config.Defaults()
	h, sess, _, pub := newTestHandler(cfg)
	sess.SetIdentity("123456789012")

	closeAfter, err := h.HandleFrame(sess, deviceFrame(jt808.MsgIDTerminalLogout, 2, nil))
	if err != nil {
		t.Fatalf("HandleFrame failed: %v", err)
	}
	if !closeAfter {
		t.Error("logout did not request session close")
	}
	sawLogout, sawOffline := false, false
	for _, topic := range pub.topics {
		if strings.HasSuffix(topic, "/logout") {
			sawLogout = true
		}
		if strings.HasSuffix(topic, "/status") {
			sawOffline = true
		}
	}
	if !sawLogout || !sawOffline {
		t.Errorf("logout events = %v", pub.topics)
	}
}

// A malformed body is acknowledged, logged and dropped; the session
// stays up and nothing is published for it.
func TestMalformedBodyDropsEvent(t *testing.T) {
	cfg := config.Defaults()
	h, sess, conn, pub := newTestHandler(cfg)
	sess.SetIdentity("123456789012")

	frame := deviceFrame(jt808.MsgIDLocationReport, 5, []byte{0x01, 0x02})
	closeAfter, err := h.HandleFrame(sess, frame)
	if err != nil || closeAfter {
		t.Fatalf("HandleFrame = close %v, err %v", closeAfter, err)
	}
	if len(decodeWritten(t, conn)) != 1 {
		t.Error("malformed body was not acknowledged")
	}
	for _, topic := range pub.topics {
		if strings.HasSuffix(topic, "/location") {
			t.Errorf("malformed location published: %v", pub.topics)
		}
	}
}

func TestWriteErrorIsFatal(t *testing.T) {
	cfg := config.Defaults()
	h, sess, conn, _ := newTestHandler(cfg)
	sess.SetIdentity("123456789012")
	conn.failWrites = true

	_, err := h.HandleFrame(sess, deviceFrame(jt808.MsgIDTerminalHeartbeat, 1, nil))
	if err == nil {
		t.Fatal("write failure did not surface")
	}
}

func TestLocationReportPublishes(t *testing.T) {
	cfg := config.Defaults()
	h, sess, _, pub := newTestHandler(cfg)
	sess.SetIdentity("123456789012")

	loc := &jt808.LocationBody{
		StatusFlags:  jt808.StatusLocationFixed,
		LatitudeRaw:  14041500,
		LongitudeRaw: 87113100,
		SpeedTenths:  100,
		Timestamp:    [6]byte{0x26, 0x08, 0x02, 0x12, 0x00, 0x00},
	}
	frame := deviceFrame(jt808.MsgIDLocationReport, 6, loc.Encode())
	if _, err := h.HandleFrame(sess, frame); err != nil {
		t.Fatalf("HandleFrame failed: %v", err)
	}
	found := false
	for _, topic := range pub.topics {
		if topic == "pettracker/123456789012/location" {
			found = true
		}
	}
	if !found {
		t.Errorf("location not published, topics = %v", pub.topics)
	}
}
