// Package kpi computes the aggregate KPI Snapshot from a Ring Buffer
// snapshot (spec §4.4), grounded on the teacher's RateCalc
// (internal/tui/rates.go) per-tick aggregation style.
package kpi

import "github.com/ridgeline/evtelemetry/internal/sample"

// Config holds the KPI Calculator's configurable thresholds (spec §6).
type Config struct {
	BatteryEmptyV float64
	BatteryFullV  float64
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{BatteryEmptyV: 50.4, BatteryFullV: 58.5}
}

// Snapshot is the value-type computed from a buffer prefix (spec §3).
type Snapshot struct {
	CurrentSpeedMS float64
	AvgSpeedMS     float64
	MaxSpeedMS     float64
	CurrentSpeedKMH float64
	AvgSpeedKMH    float64
	MaxSpeedKMH    float64

	DistanceKM float64
	EnergyKWh  float64

	CurrentPowerW float64
	AvgPowerW     float64
	MaxPowerW     float64

	CurrentA float64
	AvgA     float64

	BatteryVoltage float64
	BatteryPercent float64

	EfficiencyKMPerKWh float64
}

// Compute derives a KPI Snapshot from buf, a chronologically ordered buffer
// prefix (typically ring.Buffer.Snapshot()). Compute is pure: calling it
// twice on the same buf yields the same Snapshot (spec §8 property 7).
func Compute(buf []sample.DerivedSample, cfg Config) Snapshot {
	var out Snapshot
	if len(buf) == 0 {
		return out
	}

	last := buf[len(buf)-1]
	out.CurrentSpeedMS = max0(last.SpeedMS)
	out.CurrentSpeedKMH = out.CurrentSpeedMS * 3.6
	out.CurrentPowerW = last.PowerW
	out.CurrentA = last.CurrentA
	out.BatteryVoltage = max0(last.VoltageV)

	out.DistanceKM = max0(last.DistanceM) / 1000
	out.EnergyKWh = max0(last.EnergyJ) / 3.6e6

	var (
		speedSum, speedN float64
		powerSum, powerN float64
		aSum, aN         float64
	)
	for _, d := range buf {
		if d.SpeedMS > out.MaxSpeedMS {
			out.MaxSpeedMS = d.SpeedMS
		}
		if d.PowerW > out.MaxPowerW {
			out.MaxPowerW = d.PowerW
		}
		// Averages ignore exactly-zero values (sentinel for idle, spec §4.4).
		if d.SpeedMS != 0 {
			speedSum += d.SpeedMS
			speedN++
		}
		if d.PowerW != 0 {
			powerSum += d.PowerW
			powerN++
		}
		if d.CurrentA != 0 {
			aSum += d.CurrentA
			aN++
		}
	}
	out.MaxSpeedKMH = out.MaxSpeedMS * 3.6
	if speedN > 0 {
		out.AvgSpeedMS = speedSum / speedN
		out.AvgSpeedKMH = out.AvgSpeedMS * 3.6
	}
	if powerN > 0 {
		out.AvgPowerW = powerSum / powerN
	}
	if aN > 0 {
		out.AvgA = aSum / aN
	}

	out.BatteryPercent = batteryPercent(out.BatteryVoltage, cfg)

	if out.EnergyKWh > 0 {
		out.EfficiencyKMPerKWh = out.DistanceKM / out.EnergyKWh
	}

	return out
}

func max0(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}

// batteryPercent is piecewise-linear: 0% at <= empty, 100% at >= full,
// clamped (spec §4.4).
func batteryPercent(v float64, cfg Config) float64 {
	empty, full := cfg.BatteryEmptyV, cfg.BatteryFullV
	if full <= empty {
		return 0
	}
	if v <= empty {
		return 0
	}
	if v >= full {
		return 100
	}
	return (v - empty) / (full - empty) * 100
}
