package quality

import (
	"testing"
	"time"

	"github.com/ridgeline/evtelemetry/internal/sample"
)

func mkAt(epochMS int64) sample.DerivedSample {
	var d sample.DerivedSample
	d.SetEpochMS(epochMS)
	d.VoltageV = 55
	d.CurrentA = 5
	d.SpeedMS = 3
	return d
}

func TestMedianAndEstimatedHz(t *testing.T) {
	buf := []sample.DerivedSample{mkAt(0), mkAt(100), mkAt(200), mkAt(300)}
	an := New(DefaultConfig(), NewCooldowns(), func() time.Time { return time.UnixMilli(300) })
	rep, _ := an.Analyze(buf, false)
	if rep.MedianIntervalSec != 0.1 {
		t.Errorf("MedianIntervalSec = %v, want 0.1", rep.MedianIntervalSec)
	}
	if rep.EstimatedHz != 10 {
		t.Errorf("EstimatedHz = %v, want 10", rep.EstimatedHz)
	}
}

func TestDropoutCountedWhenGapExceedsThreeTimesMedian(t *testing.T) {
	buf := []sample.DerivedSample{
		mkAt(0), mkAt(100), mkAt(200), // median dt = 0.1s
		mkAt(1200),                    // gap of 1s >> 3*0.1
	}
	an := New(DefaultConfig(), NewCooldowns(), func() time.Time { return time.UnixMilli(1200) })
	rep, _ := an.Analyze(buf, false)
	if rep.DropoutCount == 0 {
		t.Errorf("DropoutCount = 0, want > 0 for a 1s gap against a 0.1s median")
	}
	if rep.MaxGapSec != 1.0 {
		t.Errorf("MaxGapSec = %v, want 1.0", rep.MaxGapSec)
	}
}

func TestEmptyBufferScoresPerfect(t *testing.T) {
	an := New(DefaultConfig(), NewCooldowns(), nil)
	rep, alerts := an.Analyze(nil, true)
	if rep.Score != 100 {
		t.Errorf("Score = %v, want 100 for empty buffer", rep.Score)
	}
	if len(alerts) != 0 {
		t.Errorf("alerts = %v, want none for empty buffer", alerts)
	}
}

func TestScorePenalizedByMissingFieldsAndDropouts(t *testing.T) {
	buf := make([]sample.DerivedSample, 0, 10)
	for i := 0; i < 10; i++ {
		d := mkAt(int64(i * 100))
		d.VoltageV = 0 // missing every sample -> 100% missing rate on this field
		buf = append(buf, d)
	}
	an := New(DefaultConfig(), NewCooldowns(), func() time.Time { return time.UnixMilli(900) })
	rep, _ := an.Analyze(buf, false)
	if rep.Score >= 100 {
		t.Errorf("Score = %v, want < 100 when a field is always missing", rep.Score)
	}
}

func TestStallDetectedWhenAgeExceedsThreshold(t *testing.T) {
	buf := []sample.DerivedSample{mkAt(0), mkAt(100), mkAt(200)}
	now := time.UnixMilli(200).Add(10 * time.Second) // way past max(5s, 5*0.1s)
	an := New(DefaultConfig(), NewCooldowns(), func() time.Time { return now })

	_, alerts := an.Analyze(buf, true)
	found := false
	for _, a := range alerts {
		if a.CooldownKey == "dataStall" {
			found = true
		}
	}
	if !found {
		t.Errorf("alerts = %+v, want a dataStall alert", alerts)
	}
}

func TestStallNotDetectedWhenNotLive(t *testing.T) {
	buf := []sample.DerivedSample{mkAt(0), mkAt(100), mkAt(200)}
	now := time.UnixMilli(200).Add(10 * time.Second)
	an := New(DefaultConfig(), NewCooldowns(), func() time.Time { return now })

	_, alerts := an.Analyze(buf, false)
	for _, a := range alerts {
		if a.CooldownKey == "dataStall" {
			t.Errorf("got dataStall alert in non-live analysis, want none")
		}
	}
}

func TestStallCooldownSuppressesRepeat(t *testing.T) {
	buf := []sample.DerivedSample{mkAt(0), mkAt(100), mkAt(200)}
	clock := time.UnixMilli(200).Add(10 * time.Second)
	an := New(DefaultConfig(), NewCooldowns(), func() time.Time { return clock })

	_, first := an.Analyze(buf, true)
	_, second := an.Analyze(buf, true)

	if !hasAlert(first, "dataStall") {
		t.Fatalf("first analysis: want dataStall alert, got %+v", first)
	}
	if hasAlert(second, "dataStall") {
		t.Errorf("second analysis within cooldown window: want no dataStall alert, got %+v", second)
	}
}

// TestOutlierCascade implements scenario S6: of the last 20 samples, 4 have
// severity=critical, flagged_fields=["voltage_v"]. Expect an err alert
// naming voltage_v, a quality-score penalty of at least 4*2=8, and the
// sensor-anomaly cooldown engaged.
func TestOutlierCascade(t *testing.T) {
	buf := make([]sample.DerivedSample, 0, 20)
	for i := 0; i < 20; i++ {
		d := mkAt(int64(i * 100))
		if i < 4 {
			d.Outliers = &sample.Outliers{
				FlaggedFields: []string{"voltage_v"},
				Severity:      "critical",
			}
		}
		buf = append(buf, d)
	}
	an := New(DefaultConfig(), NewCooldowns(), func() time.Time { return time.UnixMilli(1900) })
	rep, alerts := an.Analyze(buf, true)

	baseline := score(Report{MissingRate: rep.MissingRate})
	// Both scores are rounded to 0.1 in float64, so their difference can
	// land a hair below the exact 8.0; allow for that rounding error only.
	if baseline-rep.Score < 8-1e-9 {
		t.Errorf("score penalty = %v, want >= 8 for 4 critical outliers", baseline-rep.Score)
	}

	var anomaly *Alert
	for i := range alerts {
		if alerts[i].CooldownKey == "sensorAnomaly" {
			anomaly = &alerts[i]
		}
	}
	if anomaly == nil {
		t.Fatalf("alerts = %+v, want a sensorAnomaly alert", alerts)
	}
	if anomaly.Kind != "err" {
		t.Errorf("anomaly.Kind = %q, want %q", anomaly.Kind, "err")
	}
}

func TestOutlierMetadataMissingAlertsOnce(t *testing.T) {
	buf := []sample.DerivedSample{mkAt(0), mkAt(100)}
	clock := time.UnixMilli(100)
	an := New(DefaultConfig(), NewCooldowns(), func() time.Time { return clock })

	_, first := an.Analyze(buf, false)
	_, second := an.Analyze(buf, false)

	if !hasAlert(first, "outlierMissing") {
		t.Fatalf("first analysis: want outlierMissing alert, got %+v", first)
	}
	if hasAlert(second, "outlierMissing") {
		t.Errorf("second analysis within cooldown window: want no outlierMissing alert, got %+v", second)
	}
}

func TestNoSessionAlertCooldown(t *testing.T) {
	clock := time.UnixMilli(0)
	an := New(DefaultConfig(), NewCooldowns(), func() time.Time { return clock })

	_, ok1 := an.NoSessionAlert(clock)
	_, ok2 := an.NoSessionAlert(clock)
	if !ok1 {
		t.Fatalf("first NoSessionAlert: want ok=true")
	}
	if ok2 {
		t.Errorf("second NoSessionAlert within cooldown: want ok=false")
	}

	later := clock.Add(11 * time.Second)
	if _, ok := an.NoSessionAlert(later); !ok {
		t.Errorf("NoSessionAlert after cooldown elapsed: want ok=true")
	}
}

func hasAlert(alerts []Alert, key string) bool {
	for _, a := range alerts {
		if a.CooldownKey == key {
			return true
		}
	}
	return false
}
