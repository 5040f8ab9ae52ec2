package jt808

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

// BodyParseError reports a field-level decode failure inside a known
// message type. The frame was well formed; the event is dropped.
type BodyParseError struct {
	MsgID  uint16
	Reason string
}

func (e *BodyParseError) Error() string {
	return fmt.Sprintf("jt808: bad 0x%04X body: %s", e.MsgID, e.Reason)
}

func bodyErrorf(msgID uint16, format string, args ...interface{}) error {
	return &BodyParseError{MsgID: msgID, Reason: fmt.Sprintf(format, args...)}
}

// RegistrationBody is the decoded 0x0100 terminal registration.
type RegistrationBody struct {
	ProvinceID   uint16
	CityID       uint16
	Manufacturer string
	Model        string
	TerminalID   string
	PlateColor   byte
	Plate        string
}

// ParseRegistration decodes a terminal registration body.
func ParseRegistration(body []byte) (*RegistrationBody, error) {
	if len(body) < 37 {
		return nil, bodyErrorf(MsgIDTerminalRegister, "too short: %d bytes", len(body))
	}
	r := &RegistrationBody{
		ProvinceID:   binary.BigEndian.Uint16(body[0:2]),
		CityID:       binary.BigEndian.Uint16(body[2:4]),
		Manufacturer: safeString(body[4:9]),
		Model:        safeString(body[9:29]),
		TerminalID:   safeString(body[29:36]),
		PlateColor:   body[36],
	}
	if len(body) > 37 {
		plateLen := int(body[37])
		if 38+plateLen <= len(body) {
			r.Plate = safeString(body[38 : 38+plateLen])
		}
	}
	return r, nil
}

// Encode packs a registration body, used by the simulator.
func (r *RegistrationBody) Encode() []byte {
	body := make([]byte, 38+len(r.Plate))
	binary.BigEndian.PutUint16(body[0:2], r.ProvinceID)
	binary.BigEndian.PutUint16(body[2:4], r.CityID)
	copy(body[4:9], fixedField(r.Manufacturer, 5))
	copy(body[9:29], fixedField(r.Model, 20))
	copy(body[29:36], fixedField(r.TerminalID, 7))
	body[36] = r.PlateColor
	body[37] = byte(len(r.Plate))
	copy(body[38:], r.Plate)
	return body
}

// AdditionalItem is one raw TLV item trailing the basic location body.
// Unknown IDs are preserved verbatim.
type AdditionalItem struct {
	ID    byte
	Value []byte
}

// LocationBody is the decoded 0x0200 location report.
type LocationBody struct {
	AlarmFlags   uint32
	StatusFlags  uint32
	LatitudeRaw  uint32
	LongitudeRaw uint32
	AltitudeM    uint16
	SpeedTenths  uint16
	DirectionDeg uint16
	Timestamp    [6]byte
	Additional   []AdditionalItem
}

// SpeedKMH is the reported speed in km/h.
func (l *LocationBody) SpeedKMH() float64 {
	return float64(l.SpeedTenths) / 10.0
}

const locationBasicLen = 28

// ParseLocation decodes the basic 28-byte location body plus any
// trailing TLV additional items. A truncated trailing item ends the
// walk without error.
func ParseLocation(body []byte) (*LocationBody, error) {
	if len(body) < locationBasicLen {
		return nil, bodyErrorf(MsgIDLocationReport, "too short: %d bytes", len(body))
	}
	l := &LocationBody{
		AlarmFlags:   binary.BigEndian.Uint32(body[0:4]),
		StatusFlags:  binary.BigEndian.Uint32(body[4:8]),
		LatitudeRaw:  binary.BigEndian.Uint32(body[8:12]),
		LongitudeRaw: binary.BigEndian.Uint32(body[12:16]),
		AltitudeM:    binary.BigEndian.Uint16(body[16:18]),
		SpeedTenths:  binary.BigEndian.Uint16(body[18:20]),
		DirectionDeg: binary.BigEndian.Uint16(body[20:22]),
	}
	copy(l.Timestamp[:], body[22:28])

	rest := body[locationBasicLen:]
	for len(rest) >= 2 {
		length := int(rest[1])
		if len(rest) < 2+length {
			break
		}
		value := make([]byte, length)
		copy(value, rest[2:2+length])
		l.Additional = append(l.Additional, AdditionalItem{ID: rest[0], Value: value})
		rest = rest[2+length:]
	}
	return l, nil
}

// Encode packs a location body, used by the simulator.
func (l *LocationBody) Encode() []byte {
	body := make([]byte, locationBasicLen)
	binary.BigEndian.PutUint32(body[0:4], l.AlarmFlags)
	binary.BigEndian.PutUint32(body[4:8], l.StatusFlags)
	binary.BigEndian.PutUint32(body[8:12], l.LatitudeRaw)
	binary.BigEndian.PutUint32(body[12:16], l.LongitudeRaw)
	binary.BigEndian.PutUint16(body[16:18], l.AltitudeM)
	binary.BigEndian.PutUint16(body[18:20], l.SpeedTenths)
	binary.BigEndian.PutUint16(body[20:22], l.DirectionDeg)
	copy(body[22:28], l.Timestamp[:])
	for _, item := range l.Additional {
		body = append(body, item.ID, byte(len(item.Value)))
		body = append(body, item.Value...)
	}
	return body
}

// BatchLocationBody is the decoded 0x0704 batch upload. Items are laid
// out back to back at a fixed 28-byte stride; devices that embed TLV
// extras in batch items will mis-parse, and a short trailing item stops
// the walk.
type BatchLocationBody struct {
	Type  byte
	Count uint16
	Items []*LocationBody
}

// ParseBatchLocation decodes a batch location upload body.
func ParseBatchLocation(body []byte) (*BatchLocationBody, error) {
	if len(body) < 3 {
		return nil, bodyErrorf(MsgIDBatchLocationUpload, "too short: %d bytes", len(body))
	}
	b := &BatchLocationBody{
		Type:  body[0],
		Count: binary.BigEndian.Uint16(body[1:3]),
	}
	pos := 3
	for i := 0; i < int(b.Count); i++ {
		if pos+locationBasicLen > len(body) {
			break
		}
		item, err := ParseLocation(body[pos : pos+locationBasicLen])
		if err != nil {
			break
		}
		b.Items = append(b.Items, item)
		pos += locationBasicLen
	}
	return b, nil
}

// EncodeBatchLocation packs count location bodies at the fixed stride,
// used by the simulator.
func EncodeBatchLocation(batchType byte, items []*LocationBody) []byte {
	body := make([]byte, 3, 3+locationBasicLen*len(items))
	body[0] = batchType
	binary.BigEndian.PutUint16(body[1:3], uint16(len(items)))
	for _, item := range items {
		body = append(body, item.Encode()[:locationBasicLen]...)
	}
	return body
}

// ParseAuthCode decodes a 0x0102 authentication body. The code is
// length-prefixed; a malformed prefix falls back to treating the whole
// body as the code.
func ParseAuthCode(body []byte) (string, error) {
	if len(body) == 0 {
		return "", bodyErrorf(MsgIDTerminalAuth, "empty body")
	}
	codeLen := int(body[0])
	if 1+codeLen <= len(body) {
		return safeString(body[1 : 1+codeLen]), nil
	}
	return safeString(body), nil
}

// EncodeAuthCode packs a length-prefixed authentication body.
func EncodeAuthCode(code string) []byte {
	body := make([]byte, 1+len(code))
	body[0] = byte(len(code))
	copy(body[1:], code)
	return body
}

// GeneralResponse is the 5-byte platform general response body.
type GeneralResponse struct {
	AckSerial uint16
	AckMsgID  uint16
	Result    byte
}

// Encode packs the general response body.
func (g *GeneralResponse) Encode() []byte {
	body := make([]byte, 5)
	binary.BigEndian.PutUint16(body[0:2], g.AckSerial)
	binary.BigEndian.PutUint16(body[2:4], g.AckMsgID)
	body[4] = g.Result
	return body
}

// ParseGeneralResponse decodes a platform general response body. Extra
// trailing bytes beyond the fixed five are ignored.
func ParseGeneralResponse(body []byte) (*GeneralResponse, error) {
	if len(body) < 5 {
		return nil, bodyErrorf(MsgIDPlatformGeneralAck, "too short: %d bytes", len(body))
	}
	return &GeneralResponse{
		AckSerial: binary.BigEndian.Uint16(body[0:2]),
		AckMsgID:  binary.BigEndian.Uint16(body[2:4]),
		Result:    body[4],
	}, nil
}

// RegisterResponse is the 0x8100 registration response body.
type RegisterResponse struct {
	AckSerial uint16
	Result    byte
	AuthCode  string
}

// Encode packs the registration response body.
func (r *RegisterResponse) Encode() []byte {
	body := make([]byte, 4+len(r.AuthCode))
	binary.BigEndian.PutUint16(body[0:2], r.AckSerial)
	body[2] = r.Result
	body[3] = byte(len(r.AuthCode))
	copy(body[4:], r.AuthCode)
	return body
}

// ParseRegisterResponse decodes a registration response body.
func ParseRegisterResponse(body []byte) (*RegisterResponse, error) {
	if len(body) < 4 {
		return nil, bodyErrorf(MsgIDRegisterAck, "too short: %d bytes", len(body))
	}
	r := &RegisterResponse{
		AckSerial: binary.BigEndian.Uint16(body[0:2]),
		Result:    body[2],
	}
	codeLen := int(body[3])
	if 4+codeLen <= len(body) {
		r.AuthCode = safeString(body[4 : 4+codeLen])
	}
	return r, nil
}

// safeString renders a fixed-width wire field: NUL padding stripped,
// printable ASCII kept, anything else falls back to uppercase hex.
func safeString(b []byte) string {
	trimmed := strings.TrimRight(string(b), "\x00")
	for i := 0; i < len(trimmed); i++ {
		if trimmed[i] < 0x20 || trimmed[i] > 0x7E {
			return strings.ToUpper(hex.EncodeToString(b))
		}
	}
	return trimmed
}

func fixedField(s string, width int) []byte {
	out := make([]byte, width)
	copy(out, s)
	return out
}
