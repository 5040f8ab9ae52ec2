package jt808

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// DeviceIDFromBCD renders a 6-byte BCD terminal phone number as its
// 12-digit decimal string. If any nibble is not a decimal digit the
// bytes are rendered as uppercase hex instead; it never fails.
func DeviceIDFromBCD(b []byte) string {
	var sb strings.Builder
	for _, c := range b {
		hi, lo := c>>4, c&0x0F
		if hi > 9 || lo > 9 {
			return strings.ToUpper(hex.EncodeToString(b))
		}
		sb.WriteByte('0' + hi)
		sb.WriteByte('0' + lo)
	}
	return sb.String()
}

// DeviceIDToBCD packs a device identity into the fixed six-byte BCD
// wire form. Non-digit characters are stripped, longer inputs keep
// their leading 12 digits, shorter inputs are left-padded with zeros.
func DeviceIDToBCD(id string) [6]byte {
	digits := make([]byte, 0, len(id))
	for i := 0; i < len(id); i++ {
		if id[i] >= '0' && id[i] <= '9' {
			digits = append(digits, id[i])
		}
	}
	if len(digits) > 12 {
		digits = digits[:12]
	}
	for len(digits) < 12 {
		digits = append([]byte{'0'}, digits...)
	}
	var out [6]byte
	for i := 0; i < 6; i++ {
		out[i] = (digits[i*2]-'0')<<4 | (digits[i*2+1] - '0')
	}
	return out
}

// NormalizeDeviceID reduces any device identity input to the canonical
// 12-character decimal string by round-tripping through the wire form.
func NormalizeDeviceID(id string) string {
	bcd := DeviceIDToBCD(id)
	return DeviceIDFromBCD(bcd[:])
}

// EncodeTimestamp packs a wall time as the protocol's 6-byte BCD
// YYMMDDhhmmss form.
func EncodeTimestamp(t time.Time) [6]byte {
	var out [6]byte
	parts := [6]int{t.Year() % 100, int(t.Month()), t.Day(), t.Hour(), t.Minute(), t.Second()}
	for i, v := range parts {
		out[i] = byte(v/10)<<4 | byte(v%10)
	}
	return out
}

// DecodeTimestamp parses a 6-byte BCD YYMMDDhhmmss value. The century
// is fixed at 2000.
func DecodeTimestamp(b []byte) (time.Time, error) {
	if len(b) != 6 {
		return time.Time{}, fmt.Errorf("jt808: timestamp must be 6 bytes, got %d", len(b))
	}
	var parts [6]int
	for i, c := range b {
		hi, lo := int(c>>4), int(c&0x0F)
		if hi > 9 || lo > 9 {
			return time.Time{}, fmt.Errorf("jt808: timestamp byte %d is not BCD: 0x%02X", i, c)
		}
		parts[i] = hi*10 + lo
	}
	t := time.Date(2000+parts[0], time.Month(parts[1]), parts[2], parts[3], parts[4], parts[5], 0, time.UTC)
	return t, nil
}

// TimestampISO renders a 6-byte BCD timestamp in the ISO-8601 form the
// event payloads use. Invalid BCD falls back to the raw hex digits.
func TimestampISO(b []byte) string {
	t, err := DecodeTimestamp(b)
	if err != nil {
		return strings.ToUpper(hex.EncodeToString(b))
	}
	return t.Format("2006-01-02T15:04:05Z")
}
