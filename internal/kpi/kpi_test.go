package kpi

import (
	"math"
	"testing"

	"github.com/ridgeline/evtelemetry/internal/sample"
)

func d(speed, power, a, volt, dist, energy float64) sample.DerivedSample {
	var s sample.DerivedSample
	s.SpeedMS = speed
	s.PowerW = power
	s.CurrentA = a
	s.VoltageV = volt
	s.DistanceM = dist
	s.EnergyJ = energy
	return s
}

func TestComputeEmptyBuffer(t *testing.T) {
	got := Compute(nil, DefaultConfig())
	if got != (Snapshot{}) {
		t.Errorf("Compute(nil) = %+v, want zero value", got)
	}
}

func TestComputeIsIdempotent(t *testing.T) {
	buf := []sample.DerivedSample{
		d(1, 100, 2, 54, 1000, 3_600_000),
		d(2, 200, 4, 55, 2000, 7_200_000),
	}
	a := Compute(buf, DefaultConfig())
	b := Compute(buf, DefaultConfig())
	if a != b {
		t.Errorf("Compute not idempotent: %+v vs %+v", a, b)
	}
}

func TestCurrentAndTotalsFromLastRow(t *testing.T) {
	buf := []sample.DerivedSample{
		d(5, 500, 10, 50, 1000, 1_800_000),
		d(10, 1000, 20, 56, 5000, 3_600_000),
	}
	got := Compute(buf, DefaultConfig())

	if got.CurrentSpeedMS != 10 {
		t.Errorf("CurrentSpeedMS = %v, want 10", got.CurrentSpeedMS)
	}
	if got.DistanceKM != 5 {
		t.Errorf("DistanceKM = %v, want 5", got.DistanceKM)
	}
	if got.EnergyKWh != 1 {
		t.Errorf("EnergyKWh = %v, want 1", got.EnergyKWh)
	}
	if got.MaxSpeedMS != 10 {
		t.Errorf("MaxSpeedMS = %v, want 10", got.MaxSpeedMS)
	}
}

func TestNegativeSpeedClampedToZero(t *testing.T) {
	buf := []sample.DerivedSample{d(-5, 0, 0, -10, -100, 0)}
	got := Compute(buf, DefaultConfig())
	if got.CurrentSpeedMS != 0 {
		t.Errorf("CurrentSpeedMS = %v, want 0 (clamped)", got.CurrentSpeedMS)
	}
	if got.BatteryVoltage != 0 {
		t.Errorf("BatteryVoltage = %v, want 0 (clamped)", got.BatteryVoltage)
	}
	if got.DistanceKM != 0 {
		t.Errorf("DistanceKM = %v, want 0 (clamped)", got.DistanceKM)
	}
}

func TestAveragesIgnoreZeroSentinel(t *testing.T) {
	buf := []sample.DerivedSample{
		d(0, 0, 0, 0, 0, 0), // idle sentinel, excluded
		d(10, 100, 5, 55, 100, 1000),
		d(20, 200, 10, 56, 200, 2000),
	}
	got := Compute(buf, DefaultConfig())
	wantAvgSpeed := (10.0 + 20.0) / 2
	if got.AvgSpeedMS != wantAvgSpeed {
		t.Errorf("AvgSpeedMS = %v, want %v (zero excluded)", got.AvgSpeedMS, wantAvgSpeed)
	}
}

func TestBatteryPercentPiecewiseLinear(t *testing.T) {
	cfg := DefaultConfig()
	cases := []struct {
		v    float64
		want float64
	}{
		{40, 0},
		{cfg.BatteryEmptyV, 0},
		{cfg.BatteryFullV, 100},
		{70, 100},
		{(cfg.BatteryEmptyV + cfg.BatteryFullV) / 2, 50},
	}
	for _, c := range cases {
		buf := []sample.DerivedSample{d(0, 0, 0, c.v, 0, 0)}
		got := Compute(buf, cfg).BatteryPercent
		// The float midpoint of 50.4 and 58.5 is not exact, so compare
		// within rounding error rather than bit-for-bit.
		if math.Abs(got-c.want) > 1e-9 {
			t.Errorf("batteryPercent(%v) = %v, want %v", c.v, got, c.want)
		}
	}
}

func TestEfficiencyZeroWhenNoEnergy(t *testing.T) {
	buf := []sample.DerivedSample{d(0, 0, 0, 0, 1000, 0)}
	got := Compute(buf, DefaultConfig())
	if got.EfficiencyKMPerKWh != 0 {
		t.Errorf("EfficiencyKMPerKWh = %v, want 0", got.EfficiencyKMPerKWh)
	}
}

func TestEfficiencyComputed(t *testing.T) {
	buf := []sample.DerivedSample{d(0, 0, 0, 0, 10_000, 3.6e6)} // 10km / 1kWh
	got := Compute(buf, DefaultConfig())
	if got.EfficiencyKMPerKWh != 10 {
		t.Errorf("EfficiencyKMPerKWh = %v, want 10", got.EfficiencyKMPerKWh)
	}
}
