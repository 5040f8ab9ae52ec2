package gate

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"pettracker/gateway/internal/config"
	"pettracker/gateway/internal/jt808"
)

func topic(cfg *config.Config, deviceID, kind string) string {
	return cfg.BusTopicPrefix + "/" + deviceID + "/" + kind
}

func locationTopic(cfg *config.Config, deviceID string) string {
	if cfg.BusLocationTemplate != "" {
		return strings.ReplaceAll(cfg.BusLocationTemplate, "{device_id}", deviceID)
	}
	return topic(cfg, deviceID, "location")
}

func (g *Gate) timestamp() string {
	return g.now().UTC().Format(time.RFC3339)
}

func (g *Gate) locationPayload(deviceID string, loc *jt808.LocationBody, lat, lon float64) map[string]interface{} {
	ts := jt808.TimestampISO(loc.Timestamp[:])
	if g.cfg.OptimizePayload {
		p := map[string]interface{}{
			"d": deviceID,
			"t": ts,
			"loc": compactLocation(loc, lat, lon),
		}
		if st := trueFlags(loc.StatusFlags, jt808.StatusBits); len(st) > 0 {
			p["st"] = st
		}
		if alm := trueFlags(loc.AlarmFlags, jt808.AlarmBits); len(alm) > 0 {
			p["alm"] = alm
		}
		if add := compactAdditional(loc.Additional); len(add) > 0 {
			p["add"] = add
		}
		return p
	}
	return map[string]interface{}{
		"device_id": deviceID,
		"timestamp": ts,
		"event":     "location",
		"location": map[string]interface{}{
			"latitude":  lat,
			"longitude": lon,
			"altitude":  loc.AltitudeM,
			"speed":     loc.SpeedKMH(),
			"direction": loc.DirectionDeg,
		},
		"status":     allFlags(loc.StatusFlags, jt808.StatusBits),
		"alarm":      allFlags(loc.AlarmFlags, jt808.AlarmBits),
		"additional": additionalFields(loc.Additional),
	}
}

func (g *Gate) trackingPayload(deviceID string, loc *jt808.LocationBody, lat, lon float64) map[string]interface{} {
	return map[string]interface{}{
		"device_id": deviceID,
		"timestamp": g.timestamp(),
		"latitude":  lat,
		"longitude": lon,
		"speed":     loc.SpeedKMH(),
		"direction": loc.DirectionDeg,
	}
}

func (g *Gate) batchPayload(deviceID string, batch *jt808.BatchLocationBody) map[string]interface{} {
	locations := make([]map[string]interface{}, 0, len(batch.Items))
	for _, item := range batch.Items {
		lat, lon := Coordinates(item)
		locations = append(locations, map[string]interface{}{
			"timestamp": jt808.TimestampISO(item.Timestamp[:]),
			"latitude":  lat,
			"longitude": lon,
			"altitude":  item.AltitudeM,
			"speed":     item.SpeedKMH(),
			"direction": item.DirectionDeg,
		})
	}
	return map[string]interface{}{
		"device_id": deviceID,
		"timestamp": g.timestamp(),
		"event":     "batch_location",
		"type":      batch.Type,
		"count":     len(locations),
		"locations": locations,
	}
}

func (g *Gate) heartbeatPayload(deviceID string) map[string]interface{} {
	return map[string]interface{}{
		"device_id": deviceID,
		"timestamp": g.timestamp(),
		"event":     "heartbeat",
	}
}

func (g *Gate) registrationPayload(deviceID string, reg *jt808.RegistrationBody) map[string]interface{} {
	return map[string]interface{}{
		"device_id":           deviceID,
		"timestamp":           g.timestamp(),
		"event":               "registration",
		"province_id":         reg.ProvinceID,
		"city_id":             reg.CityID,
		"manufacturer_id":     reg.Manufacturer,
		"terminal_model":      reg.Model,
		"terminal_id":         reg.TerminalID,
		"license_plate_color": reg.PlateColor,
		"license_plate":       reg.Plate,
	}
}

func (g *Gate) authPayload(deviceID, authCode string) map[string]interface{} {
	return map[string]interface{}{
		"device_id": deviceID,
		"timestamp": g.timestamp(),
		"event":     "authentication",
		"auth_code": authCode,
	}
}

func (g *Gate) logoutPayload(deviceID string) map[string]interface{} {
	return map[string]interface{}{
		"device_id": deviceID,
		"timestamp": g.timestamp(),
		"event":     "logout",
	}
}

func (g *Gate) statusPayload(deviceID, status string) map[string]interface{} {
	return map[string]interface{}{
		"device_id": deviceID,
		"timestamp": g.timestamp(),
		"status":    status,
	}
}

func compactLocation(loc *jt808.LocationBody, lat, lon float64) map[string]interface{} {
	m := map[string]interface{}{
		"lat": lat,
		"lon": lon,
	}
	if loc.AltitudeM != 0 {
		m["alt"] = loc.AltitudeM
	}
	if loc.SpeedTenths != 0 {
		m["spd"] = loc.SpeedKMH()
	}
	if loc.DirectionDeg != 0 {
		m["dir"] = loc.DirectionDeg
	}
	return m
}

// allFlags maps every named bit to its boolean, the verbose shape.
func allFlags(word uint32, bits []jt808.FlagBit) map[string]interface{} {
	m := make(map[string]interface{}, len(bits))
	for _, b := range bits {
		m[b.Name] = word&b.Mask != 0
	}
	return m
}

// trueFlags keeps only the set bits, the compact shape.
func trueFlags(word uint32, bits []jt808.FlagBit) map[string]interface{} {
	m := make(map[string]interface{})
	for _, b := range bits {
		if word&b.Mask != 0 {
			m[b.Name] = true
		}
	}
	return m
}

// additionalFields decodes the canonical TLV items; unknown IDs are
// preserved as hex strings. Raw protocol scales are kept, semantic
// interpretation is the consumer's problem.
func additionalFields(items []jt808.AdditionalItem) map[string]interface{} {
	m := make(map[string]interface{})
	for _, item := range items {
		switch {
		case item.ID == jt808.AddInfoMileage && len(item.Value) == 4:
			m["mileage"] = float64(binary.BigEndian.Uint32(item.Value)) / 10.0
		case item.ID == jt808.AddInfoFuel && len(item.Value) == 2:
			m["fuel"] = float64(binary.BigEndian.Uint16(item.Value)) / 10.0
		case item.ID == jt808.AddInfoSpeed && len(item.Value) == 2:
			m["speed_sensor"] = float64(binary.BigEndian.Uint16(item.Value)) / 10.0
		case item.ID == jt808.AddInfoAltitude && len(item.Value) == 2:
			m["altitude_sensor"] = binary.BigEndian.Uint16(item.Value)
		default:
			m[fmt.Sprintf("id_%02X", item.ID)] = hex.EncodeToString(item.Value)
		}
	}
	return m
}

func compactAdditional(items []jt808.AdditionalItem) map[string]interface{} {
	m := make(map[string]interface{})
	for _, item := range items {
		switch {
		case item.ID == jt808.AddInfoMileage && len(item.Value) == 4:
			m["m"] = float64(binary.BigEndian.Uint32(item.Value)) / 10.0
		case item.ID == jt808.AddInfoFuel && len(item.Value) == 2:
			m["b"] = float64(binary.BigEndian.Uint16(item.Value)) / 10.0
		}
	}
	return m
}

// marshalPayload JSON-encodes an event. A value the encoder rejects is
// coerced to its string form rather than losing the whole event.
func marshalPayload(payload map[string]interface{}) []byte {
	data, err := json.Marshal(payload)
	if err == nil {
		return data
	}
	safe := make(map[string]interface{}, len(payload))
	for k, v := range payload {
		if _, kerr := json.Marshal(v); kerr != nil {
			safe[k] = fmt.Sprintf("%v", v)
		} else {
			safe[k] = v
		}
	}
	data, err = json.Marshal(safe)
	if err != nil {
		return []byte("{}")
	}
	return data
}
