// Package sample defines the wire-level telemetry reading and the clock and
// identity helpers used to order and deduplicate it (spec §3, §4.1).
package sample

import (
	"encoding/json"
	"math"
	"strconv"
	"time"
)

// Outliers is the upstream publisher's per-sample quality annotation.
type Outliers struct {
	FlaggedFields []string          `msgpack:"flagged_fields,omitempty" json:"flagged_fields,omitempty"`
	Severity      string            `msgpack:"severity,omitempty" json:"severity,omitempty"` // "info", "warning", "critical"
	Reasons       map[string]string `msgpack:"reasons,omitempty" json:"reasons,omitempty"`
}

// Sample is one telemetry reading. Numeric fields default to 0 after
// Normalize; Extras holds wire keys this struct doesn't model, per the
// "dynamic field presence" design note.
type Sample struct {
	Timestamp string `msgpack:"timestamp" json:"timestamp"`
	MessageID string `msgpack:"message_id,omitempty" json:"message_id,omitempty"`
	SessionID string `msgpack:"session_id" json:"session_id"`

	VoltageV float64 `msgpack:"voltage_v" json:"voltage_v"`
	CurrentA float64 `msgpack:"current_a" json:"current_a"`
	PowerW   float64 `msgpack:"power_w" json:"power_w"`
	EnergyJ  float64 `msgpack:"energy_j" json:"energy_j"`

	SpeedMS     float64 `msgpack:"speed_ms" json:"speed_ms"`
	DistanceM   float64 `msgpack:"distance_m" json:"distance_m"`
	ThrottlePct float64 `msgpack:"throttle_pct" json:"throttle_pct"`
	BrakePct    float64 `msgpack:"brake_pct" json:"brake_pct"`

	AccelX float64 `msgpack:"accel_x" json:"accel_x"`
	AccelY float64 `msgpack:"accel_y" json:"accel_y"`
	AccelZ float64 `msgpack:"accel_z" json:"accel_z"`
	GyroX  float64 `msgpack:"gyro_x" json:"gyro_x"`
	GyroY  float64 `msgpack:"gyro_y" json:"gyro_y"`
	GyroZ  float64 `msgpack:"gyro_z" json:"gyro_z"`

	Latitude  float64 `msgpack:"latitude" json:"latitude"`
	Longitude float64 `msgpack:"longitude" json:"longitude"`
	Altitude  float64 `msgpack:"altitude" json:"altitude"`

	Outliers *Outliers `msgpack:"outliers,omitempty" json:"outliers,omitempty"`

	Extras map[string]any `msgpack:"-" json:"-"`

	// epochMS is populated by Normalize from Timestamp; 0 until then.
	epochMS int64
}

// jsonKnownKeys lists every wire key modeled directly by Sample's fields,
// used by UnmarshalJSON to decide which leftover keys become Extras.
var jsonKnownKeys = map[string]bool{
	"timestamp": true, "message_id": true, "session_id": true,
	"voltage_v": true, "current_a": true, "power_w": true, "energy_j": true,
	"speed_ms": true, "distance_m": true, "throttle_pct": true, "brake_pct": true,
	"accel_x": true, "accel_y": true, "accel_z": true,
	"gyro_x": true, "gyro_y": true, "gyro_z": true,
	"latitude": true, "longitude": true, "altitude": true,
	"outliers": true,
}

// UnmarshalJSON decodes the inbound JSON wire format (spec §6 "Sample wire
// format"): known fields populate the struct directly; any unrecognized key
// (e.g. an altitude alias) is preserved in Extras for Normalize to resolve.
func (s *Sample) UnmarshalJSON(data []byte) error {
	type plain Sample
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*s = Sample(p)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil // malformed-but-decodable-as-struct payloads still normalize
	}
	for k, v := range raw {
		if jsonKnownKeys[k] {
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err == nil {
			if s.Extras == nil {
				s.Extras = make(map[string]any)
			}
			s.Extras[k] = val
		}
	}
	return nil
}

// altitudeAliases lists the wire keys Normalize checks, in priority order,
// when Altitude itself is absent from the decoded payload and Extras still
// carries the raw field under one of these names.
var altitudeAliases = []string{"altitude_m", "elevation", "gps_altitude", "alt"}

// Normalize parses Timestamp to an epoch, resolves altitude aliases from
// Extras, and clamps non-finite numerics to 0. It never fails: unparseable
// input degrades to safe defaults per spec §7.
func (s *Sample) Normalize() {
	s.epochMS = parseEpochMS(s.Timestamp)

	if s.Altitude == 0 {
		for _, alias := range altitudeAliases {
			if v, ok := s.Extras[alias]; ok {
				if f, ok := toFloat(v); ok {
					s.Altitude = f
					break
				}
			}
		}
	}

	s.VoltageV = finiteOr0(s.VoltageV)
	s.CurrentA = finiteOr0(s.CurrentA)
	s.PowerW = finiteOr0(s.PowerW)
	s.EnergyJ = finiteOr0(s.EnergyJ)
	s.SpeedMS = finiteOr0(s.SpeedMS)
	s.DistanceM = finiteOr0(s.DistanceM)
	s.ThrottlePct = finiteOr0(s.ThrottlePct)
	s.BrakePct = finiteOr0(s.BrakePct)
	s.AccelX = finiteOr0(s.AccelX)
	s.AccelY = finiteOr0(s.AccelY)
	s.AccelZ = finiteOr0(s.AccelZ)
	s.GyroX = finiteOr0(s.GyroX)
	s.GyroY = finiteOr0(s.GyroY)
	s.GyroZ = finiteOr0(s.GyroZ)
	s.Latitude = finiteOr0(s.Latitude)
	s.Longitude = finiteOr0(s.Longitude)
	s.Altitude = finiteOr0(s.Altitude)
}

// EpochMS returns the epoch milliseconds computed by Normalize. Call
// Normalize before EpochMS; an un-normalized Sample reports 0.
func (s *Sample) EpochMS() int64 { return s.epochMS }

// SetEpochMS lets callers that already resolved a wall-clock (e.g. from a
// broker message envelope, per spec §4.8 step 4) stamp a synthesized time
// without re-parsing Timestamp.
func (s *Sample) SetEpochMS(ms int64) { s.epochMS = ms }

func parseEpochMS(ts string) int64 {
	if ts == "" {
		return time.Now().UnixMilli()
	}
	if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		return t.UnixMilli()
	}
	if t, err := time.Parse(time.RFC3339, ts); err == nil {
		return t.UnixMilli()
	}
	// Accept raw epoch milliseconds/seconds as a fallback wire shape.
	if ms, err := strconv.ParseInt(ts, 10, 64); err == nil {
		if ms > 1_000_000_000_000 {
			return ms
		}
		return ms * 1000
	}
	return time.Now().UnixMilli()
}

func finiteOr0(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Key is the composite identity tuple of spec §4.1: (epoch_ms, message_id).
type Key struct {
	EpochMS   int64
	MessageID string
}

// Key returns s's composite identity. Normalize must have been called.
func (s *Sample) Key() Key {
	return Key{EpochMS: s.epochMS, MessageID: s.MessageID}
}

// Less implements the ordering rule of spec §4.1: epoch_ms ascending, ties
// broken by message_id lexicographically.
func (k Key) Less(other Key) bool {
	if k.EpochMS != other.EpochMS {
		return k.EpochMS < other.EpochMS
	}
	return k.MessageID < other.MessageID
}

// DerivedSample is a Sample plus the physically meaningful quantities the
// Derivation Engine computes from it (spec §3). Its raw fields always equal
// the originating Sample's.
type DerivedSample struct {
	Sample

	RollDeg           float64
	PitchDeg          float64
	GLong             float64
	GLat              float64
	GTotal            float64
	TotalAcceleration float64
}

// Session is an opaque session identifier (spec §3).
type Session string

// Rollover reports whether moving from prev to next constitutes a session
// rollover: a change of session_id observed during steady state (spec §4.9).
func Rollover(prev, next Session) bool {
	return prev != "" && next != "" && prev != next
}
