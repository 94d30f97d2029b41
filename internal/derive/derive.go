// Package derive implements the stateful, causal Derivation Engine (spec
// §4.3): roll/pitch from accelerometer, bias-compensated longitudinal and
// lateral g-forces, and total g. It is a pure state-transformer grounded on
// the teacher's pattern of a long-lived collector holding previous-sample
// state across calls (internal/agent/host.go's delta tracking), with the
// running-accumulator idiom of ja7ad-consumption/pkg/consumption (style
// only — that module is not a dependency of this one).
package derive

import (
	"math"

	"github.com/ridgeline/evtelemetry/internal/sample"
)

// G is standard gravity in m/s^2, used to convert accelerometer units to g.
const G = 9.80665

// StationarySpeedThreshold is the speed below which the vehicle is assumed
// stationary and the accelerometer bias estimator updates (spec §4.3).
//
// Platform-coupling assumption (spec §9 open question): this assumes a
// wheeled vehicle that regularly decelerates to a stop. On a platform that
// never stops, axBias/ayBias never update past their zero-value initial
// estimate and no bias correction occurs; this is a known limitation carried
// over from the source design, not a bug in this engine.
const StationarySpeedThreshold = 0.6

const (
	biasBeta  = 0.02 // bias estimator smoothing factor
	emaAlpha  = 0.22 // output EMA smoothing factor
)

// Engine holds the Derivation Engine's streaming state: bias estimates and
// EMA-smoothed accelerations. Its lifetime equals one connection; on
// reconnect, construct a new Engine (spec §9 "global engine state").
type Engine struct {
	axBias float64
	ayBias float64
	axEMA  float64
	ayEMA  float64
}

// New creates a fresh Derivation Engine with zeroed bias/EMA state.
func New() *Engine {
	return &Engine{}
}

// Reset zeroes the engine's bias/EMA state, e.g. on Realtime Controller
// reconnect (spec §4.9 "reset the Derivation Engine bias state").
func (e *Engine) Reset() {
	*e = Engine{}
}

// Derive computes a DerivedSample from s using and updating the engine's
// streaming state. Missing/non-finite inputs are already clamped to 0 by
// Sample.Normalize, so Derive never fails — it is a pure state-transformer
// per spec §4.3's failure semantics.
func (e *Engine) Derive(s sample.Sample) sample.DerivedSample {
	ax, ay, az := s.AccelX, s.AccelY, s.AccelZ

	roll := math.Atan2(ay, math.Hypot(ax, az)) * 180 / math.Pi
	pitch := math.Atan2(ax, math.Hypot(ay, az)) * 180 / math.Pi

	if math.Abs(s.SpeedMS) < StationarySpeedThreshold {
		e.axBias = (1-biasBeta)*e.axBias + biasBeta*ax
		e.ayBias = (1-biasBeta)*e.ayBias + biasBeta*ay
	}

	e.axEMA = (1-emaAlpha)*e.axEMA + emaAlpha*(ax-e.axBias)
	e.ayEMA = (1-emaAlpha)*e.ayEMA + emaAlpha*(ay-e.ayBias)

	gLong := e.axEMA / G
	gLat := e.ayEMA / G
	gTotal := math.Hypot(gLong, gLat)
	totalAccel := math.Hypot(math.Hypot(ax, ay), az)

	return sample.DerivedSample{
		Sample:            s,
		RollDeg:           roll,
		PitchDeg:          pitch,
		GLong:             gLong,
		GLat:              gLat,
		GTotal:            gTotal,
		TotalAcceleration: totalAccel,
	}
}

// DeriveAll runs Derive over samples in order, mutating the engine's state
// causally across the whole sequence — used by the Triangulator to replay
// the merged bootstrap timeline (spec §4.8 step 6) and by the Processing
// Worker for process_batch (spec §4.6).
func (e *Engine) DeriveAll(samples []sample.Sample) []sample.DerivedSample {
	out := make([]sample.DerivedSample, len(samples))
	for i, s := range samples {
		out[i] = e.Derive(s)
	}
	return out
}
