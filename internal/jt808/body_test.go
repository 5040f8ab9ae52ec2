package jt808

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func buildLocationBody(t *testing.T) []byte {
	t.Helper()
	loc := &LocationBody{
		AlarmFlags:   AlarmOverspeed | AlarmMainPowerUndervolt,
		StatusFlags:  StatusACCOn | StatusLocationFixed | StatusLonWest,
		LatitudeRaw:  14041500,  // 14 deg 04 min 15 sec
		LongitudeRaw: 87113100, // 87 deg 11 min 31 sec
		AltitudeM:    980,
		SpeedTenths:  123,
		DirectionDeg: 271,
		Timestamp:    [6]byte{0x26, 0x08, 0x02, 0x10, 0x20, 0x30},
		Additional: []AdditionalItem{
			{ID: AddInfoMileage, Value: []byte{0x00, 0x00, 0x30, 0x39}},
			{ID: AddInfoFuel, Value: []byte{0x01, 0xC2}},
			{ID: 0x30, Value: []byte{0x1F}},
		},
	}
	return loc.Encode()
}

func TestParseLocation(t *testing.T) {
	body := buildLocationBody(t)
	loc, err := ParseLocation(body)
	if err != nil {
		t.Fatalf("ParseLocation failed: %v", err)
	}
	if loc.AlarmFlags != (AlarmOverspeed | AlarmMainPowerUndervolt) {
		t.Errorf("AlarmFlags = 0x%08X", loc.AlarmFlags)
	}
	if loc.StatusFlags != (StatusACCOn | StatusLocationFixed | StatusLonWest) {
		t.Errorf("StatusFlags = 0x%08X", loc.StatusFlags)
	}
	if loc.LatitudeRaw != 14041500 || loc.LongitudeRaw != 87113100 {
		t.Errorf("coordinates = %d, %d", loc.LatitudeRaw, loc.LongitudeRaw)
	}
	if loc.AltitudeM != 980 || loc.SpeedTenths != 123 || loc.DirectionDeg != 271 {
		t.Errorf("altitude/speed/direction = %d/%d/%d", loc.AltitudeM, loc.SpeedTenths, loc.DirectionDeg)
	}
	if loc.SpeedKMH() != 12.3 {
		t.Errorf("SpeedKMH = %v, want 12.3", loc.SpeedKMH())
	}
	if len(loc.Additional) != 3 {
		t.Fatalf("Additional items = %d, want 3", len(loc.Additional))
	}
	if loc.Additional[0].ID != AddInfoMileage || binary.BigEndian.Uint32(loc.Additional[0].Value) != 12345 {
		t.Errorf("mileage item = %+v", loc.Additional[0])
	}
	if loc.Additional[2].ID != 0x30 || !bytes.Equal(loc.Additional[2].Value, []byte{0x1F}) {
		t.Errorf("unknown item = %+v", loc.Additional[2])
	}
}

func TestParseLocationTruncatedTLV(t *testing.T) {
	body := buildLocationBody(t)
	// Chop the final TLV item mid-value; the walk stops cleanly.
	body = body[:len(body)-1]
	loc, err := ParseLocation(body)
	if err != nil {
		t.Fatalf("ParseLocation failed: %v", err)
	}
	if len(loc.Additional) != 2 {
		t.Errorf("Additional items = %d, want 2", len(loc.Additional))
	}
}

func TestParseLocationTooShort(t *testing.T) {
	if _, err := ParseLocation(make([]byte, 27)); err == nil {
		t.Fatal("27-byte body accepted")
	}
}

func TestRegistrationRoundTrip(t *testing.T) {
	reg := &RegistrationBody{
		ProvinceID:   11,
		CityID:       100,
		Manufacturer: "PTRKR",
		Model:        "PT-100",
		TerminalID:   "PT00001",
		PlateColor:   1,
		Plate:        "ABC123",
	}
	got, err := ParseRegistration(reg.Encode())
	if err != nil {
		t.Fatalf("ParseRegistration failed: %v", err)
	}
	if *got != *reg {
		t.Errorf("round trip = %+v, want %+v", got, reg)
	}
}

func TestParseRegistrationNoPlate(t *testing.T) {
	reg := &RegistrationBody{Manufacturer: "PTRKR", Model: "PT-100", TerminalID: "PT00001"}
	body := reg.Encode()[:37]
	got, err := ParseRegistration(body)
	if err != nil {
		t.Fatalf("ParseRegistration failed: %v", err)
	}
	if got.Plate != "" {
		t.Errorf("Plate = %q, want empty", got.Plate)
	}
}

func TestParseRegistrationTooShort(t *testing.T) {
	if _, err := ParseRegistration(make([]byte, 20)); err == nil {
		t.Fatal("short registration accepted")
	}
}

func TestBatchLocationStride(t *testing.T) {
	one := &LocationBody{
		LatitudeRaw:  14041500,
		LongitudeRaw: 87113100,
		SpeedTenths:  50,
		Timestamp:    [6]byte{0x26, 0x08, 0x02, 0x10, 0x20, 0x30},
	}
	two := &LocationBody{
		LatitudeRaw:  14041600,
		LongitudeRaw: 87113200,
		SpeedTenths:  60,
		Timestamp:    [6]byte{0x26, 0x08, 0x02, 0x10, 0x21, 0x30},
	}
	body := EncodeBatchLocation(0, []*LocationBody{one, two})

	batch, err := ParseBatchLocation(body)
	if err != nil {
		t.Fatalf("ParseBatchLocation failed: %v", err)
	}
	if batch.Type != 0 || batch.Count != 2 || len(batch.Items) != 2 {
		t.Fatalf("batch = type %d count %d items %d", batch.Type, batch.Count, len(batch.Items))
	}
	if batch.Items[0].LatitudeRaw != 14041500 || batch.Items[1].LatitudeRaw != 14041600 {
		t.Errorf("item latitudes = %d, %d", batch.Items[0].LatitudeRaw, batch.Items[1].LatitudeRaw)
	}
}

func TestBatchLocationTruncatedItem(t *testing.T) {
	one := &LocationBody{LatitudeRaw: 14041500, Timestamp: [6]byte{0x26, 1, 1, 0, 0, 0}}
	body := EncodeBatchLocation(0, []*LocationBody{one, one})
	// Claimed count is two but the second item is cut short.
	body = body[:3+28+10]
	binary.BigEndian.PutUint16(body[1:3], 2)

	batch, err := ParseBatchLocation(body)
	if err != nil {
		t.Fatalf("ParseBatchLocation failed: %v", err)
	}
	if len(batch.Items) != 1 {
		t.Errorf("items = %d, want 1 (truncated tail dropped)", len(batch.Items))
	}
}

func TestAuthCodeRoundTrip(t *testing.T) {
	code, err := ParseAuthCode(EncodeAuthCode("123456"))
	if err != nil {
		t.Fatalf("ParseAuthCode failed: %v", err)
	}
	if code != "123456" {
		t.Errorf("code = %q, want 123456", code)
	}
	if _, err := ParseAuthCode(nil); err == nil {
		t.Error("empty auth body accepted")
	}
	// Bad length prefix falls back to the whole body.
	code, err = ParseAuthCode([]byte{0x7F, 'a', 'b'})
	if err != nil {
		t.Fatalf("ParseAuthCode fallback failed: %v", err)
	}
	if code == "" {
		t.Error("fallback produced empty code")
	}
}

func TestGeneralResponseRoundTrip(t *testing.T) {
	ack := &GeneralResponse{AckSerial: 42, AckMsgID: MsgIDLocationReport, Result: ResultSuccess}
	body := ack.Encode()
	if len(body) != 5 {
		t.Fatalf("body length = %d, want 5", len(body))
	}
	got, err := ParseGeneralResponse(body)
	if err != nil {
		t.Fatalf("ParseGeneralResponse failed: %v", err)
	}
	if *got != *ack {
		t.Errorf("round trip = %+v, want %+v", got, ack)
	}
}

func TestRegisterResponseRoundTrip(t *testing.T) {
	ack := &RegisterResponse{AckSerial: 7, Result: ResultSuccess, AuthCode: "123456"}
	got, err := ParseRegisterResponse(ack.Encode())
	if err != nil {
		t.Fatalf("ParseRegisterResponse failed: %v", err)
	}
	if *got != *ack {
		t.Errorf("round trip = %+v, want %+v", got, ack)
	}
}
