// Package quality implements the Quality Analyzer (spec §4.5): sample-rate
// estimation, dropout detection, field-completeness, outlier aggregation, a
// synthetic quality score, stall detection, and cooldown-governed Alert
// emission. The cooldown/alert-instance state machine is grounded directly
// on internal/agent/alert.go's Alerter (thobiasn-tori-cli).
package quality

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/ridgeline/evtelemetry/internal/sample"
)

// Alert is an out-facing notification subject to a cooldown (spec §3, §6).
type Alert struct {
	Kind        string // "warn" or "err"
	Text        string
	Severity    string
	CooldownKey string
}

// Report is the Quality Analyzer's output (spec §3).
type Report struct {
	RowCount    int
	ColumnCount int

	MedianIntervalSec float64
	EstimatedHz       float64
	DropoutCount      int
	MaxGapSec         float64
	TimeSpanSec       float64

	MissingRate map[string]float64
	OutlierCounts map[string]int
	SeverityHistogram map[string]int
	ReasonHistogram   map[string]int

	Score float64 // [0, 100], rounded to 0.1
}

// columnFields lists the fields whose completeness is tracked for the
// MissingRate histogram (spec §3 "per-field missing rate").
var columnFields = []string{
	"voltage_v", "current_a", "power_w", "energy_j",
	"speed_ms", "distance_m", "throttle_pct", "brake_pct",
	"accel_x", "accel_y", "accel_z", "gyro_x", "gyro_y", "gyro_z",
	"latitude", "longitude", "altitude",
}

// Config holds the cooldown durations of spec §6 plus the stall thresholds
// of spec §4.5.
type Config struct {
	StallMinSeconds       float64
	StallRateMultiplier   float64
	DataStallCooldown     time.Duration
	SensorAnomalyCooldown time.Duration
	NoSessionCooldown     time.Duration
	// ConnectionLostCooldown has no spec-mandated default ("unused default",
	// spec §5); callers that want it simply never Ready() the key.
	ConnectionLostCooldown time.Duration
	OutlierMissingCooldown time.Duration // 120s per spec §7
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		StallMinSeconds:        5,
		StallRateMultiplier:    5,
		DataStallCooldown:      60 * time.Second,
		SensorAnomalyCooldown:  90 * time.Second,
		NoSessionCooldown:      10 * time.Second,
		OutlierMissingCooldown: 120 * time.Second,
	}
}

// Cooldowns tracks the four monotonic timestamps of spec §5, read and
// updated atomically. Grounded on Alerter.silences in internal/agent/alert.go.
type Cooldowns struct {
	mu   sync.Mutex
	next map[string]time.Time
}

// NewCooldowns creates an empty cooldown tracker.
func NewCooldowns() *Cooldowns {
	return &Cooldowns{next: make(map[string]time.Time)}
}

// Ready reports whether key's cooldown has elapsed as of now, and if so
// immediately re-arms it for dur — the check-and-set is atomic so two
// concurrent callers can't both observe "ready".
func (c *Cooldowns) Ready(key string, now time.Time, dur time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if until, ok := c.next[key]; ok && now.Before(until) {
		return false
	}
	c.next[key] = now.Add(dur)
	return true
}

// Analyzer computes Quality Reports and raises cooldown-gated Alerts.
type Analyzer struct {
	cfg       Config
	cooldowns *Cooldowns
	now       func() time.Time
}

// New creates an Analyzer. now defaults to time.Now when nil (tests may
// inject a fake clock).
func New(cfg Config, cooldowns *Cooldowns, now func() time.Time) *Analyzer {
	if now == nil {
		now = time.Now
	}
	if cooldowns == nil {
		cooldowns = NewCooldowns()
	}
	return &Analyzer{cfg: cfg, cooldowns: cooldowns, now: now}
}

// Analyze computes a Report from buf. live enables stall detection (spec
// §4.5: "only in live mode"). It returns the report plus any Alerts to
// surface (already cooldown-filtered).
func (a *Analyzer) Analyze(buf []sample.DerivedSample, live bool) (Report, []Alert) {
	var rep Report
	rep.RowCount = len(buf)
	rep.ColumnCount = len(columnFields)
	rep.MissingRate = make(map[string]float64, len(columnFields))
	rep.OutlierCounts = make(map[string]int)
	rep.SeverityHistogram = make(map[string]int)
	rep.ReasonHistogram = make(map[string]int)

	var alerts []Alert

	if len(buf) == 0 {
		rep.Score = 100
		return rep, alerts
	}

	deltas := intervalsSec(buf)
	medianDt := median(deltas)
	rep.MedianIntervalSec = medianDt
	if medianDt > 0 {
		rep.EstimatedHz = 1 / medianDt
	}
	rep.TimeSpanSec = float64(buf[len(buf)-1].EpochMS()-buf[0].EpochMS()) / 1000

	if medianDt > 0 {
		var gapSum float64
		for _, dt := range deltas {
			if dt > 3*medianDt {
				gapSum += dt
			}
			if dt > rep.MaxGapSec {
				rep.MaxGapSec = dt
			}
		}
		rep.DropoutCount = int(math.Floor(gapSum / medianDt))
	}

	a.computeMissingRates(buf, &rep)
	haveOutlierMeta := a.computeOutliers(buf, &rep)

	now := a.now()
	rep.Score = score(rep)

	if live {
		if alert, ok := a.stallAlert(buf, deltas, now); ok {
			alerts = append(alerts, alert)
		}
		if alert, ok := a.sensorAnomalyAlert(buf, now); ok {
			alerts = append(alerts, alert)
		}
	}
	if !haveOutlierMeta {
		if alert, ok := a.outlierMissingAlert(now); ok {
			alerts = append(alerts, alert)
		}
	}

	return rep, alerts
}

func intervalsSec(buf []sample.DerivedSample) []float64 {
	if len(buf) < 2 {
		return nil
	}
	out := make([]float64, 0, len(buf)-1)
	for i := 1; i < len(buf); i++ {
		dt := float64(buf[i].EpochMS()-buf[i-1].EpochMS()) / 1000
		if dt < 0 {
			dt = 0
		}
		out = append(out, dt)
	}
	return out
}

func median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func (a *Analyzer) computeMissingRates(buf []sample.DerivedSample, rep *Report) {
	missing := make(map[string]int, len(columnFields))
	for _, d := range buf {
		for _, f := range columnFields {
			if fieldValue(d, f) == 0 {
				missing[f]++
			}
		}
	}
	n := float64(len(buf))
	for _, f := range columnFields {
		rep.MissingRate[f] = float64(missing[f]) / n
	}
}

func fieldValue(d sample.DerivedSample, field string) float64 {
	switch field {
	case "voltage_v":
		return d.VoltageV
	case "current_a":
		return d.CurrentA
	case "power_w":
		return d.PowerW
	case "energy_j":
		return d.EnergyJ
	case "speed_ms":
		return d.SpeedMS
	case "distance_m":
		return d.DistanceM
	case "throttle_pct":
		return d.ThrottlePct
	case "brake_pct":
		return d.BrakePct
	case "accel_x":
		return d.AccelX
	case "accel_y":
		return d.AccelY
	case "accel_z":
		return d.AccelZ
	case "gyro_x":
		return d.GyroX
	case "gyro_y":
		return d.GyroY
	case "gyro_z":
		return d.GyroZ
	case "latitude":
		return d.Latitude
	case "longitude":
		return d.Longitude
	case "altitude":
		return d.Altitude
	}
	return 0
}

// computeOutliers aggregates per-field outlier counts, severity and reason
// histograms from each Sample's Outliers field. It returns whether outlier
// metadata was present anywhere in the window (spec §7 "outlier metadata
// missing").
func (a *Analyzer) computeOutliers(buf []sample.DerivedSample, rep *Report) bool {
	have := false
	for _, d := range buf {
		if d.Outliers == nil {
			continue
		}
		have = true
		rep.SeverityHistogram[d.Outliers.Severity]++
		for _, f := range d.Outliers.FlaggedFields {
			rep.OutlierCounts[f]++
		}
		for _, reason := range d.Outliers.Reasons {
			rep.ReasonHistogram[reason]++
		}
	}
	return have
}

// score implements spec §4.5's quality score formula, clamped to [0,100]
// and rounded to 0.1.
func score(rep Report) float64 {
	var missingSum float64
	for _, v := range rep.MissingRate {
		missingSum += v
	}
	missingMean := 0.0
	if len(rep.MissingRate) > 0 {
		missingMean = missingSum / float64(len(rep.MissingRate))
	}

	crit := rep.SeverityHistogram["critical"]
	warn := rep.SeverityHistogram["warning"]
	info := rep.SeverityHistogram["info"]

	s := 100.0
	s -= 40 * missingMean
	s -= minF(20, 0.2*float64(rep.DropoutCount))
	s -= minF(15, 2*float64(crit))
	s -= minF(10, 0.5*float64(warn))
	s -= minF(5, 0.1*float64(info))

	if s < 0 {
		s = 0
	}
	if s > 100 {
		s = 100
	}
	return math.Round(s*10) / 10
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// stallAlert implements spec §4.5's data-stall detection: only in live mode,
// age = now - last.timestamp, avg_dt over the trailing <=50 intervals.
func (a *Analyzer) stallAlert(buf []sample.DerivedSample, deltas []float64, now time.Time) (Alert, bool) {
	last := buf[len(buf)-1]
	age := now.Sub(time.UnixMilli(last.EpochMS())).Seconds()

	trailing := deltas
	if len(trailing) > 50 {
		trailing = trailing[len(trailing)-50:]
	}
	avgDt := mean(trailing)

	threshold := math.Max(a.cfg.StallMinSeconds, a.cfg.StallRateMultiplier*avgDt)
	if age <= threshold {
		return Alert{}, false
	}
	if !a.cooldowns.Ready("dataStall", now, a.cfg.DataStallCooldown) {
		return Alert{}, false
	}
	return Alert{
		Kind:        "warn",
		Text:        fmt.Sprintf("data stall: no samples for %.1fs (threshold %.1fs)", age, threshold),
		Severity:    "warning",
		CooldownKey: "dataStall",
	}, true
}

// sensorAnomalyAlert implements spec §4.5's trailing-20-sample outlier
// cascade detection.
func (a *Analyzer) sensorAnomalyAlert(buf []sample.DerivedSample, now time.Time) (Alert, bool) {
	trailing := buf
	if len(trailing) > 20 {
		trailing = trailing[len(trailing)-20:]
	}

	var crit, warn int
	fieldSeen := make(map[string]bool)
	var fields []string
	for _, d := range trailing {
		if d.Outliers == nil {
			continue
		}
		switch d.Outliers.Severity {
		case "critical":
			crit++
		case "warning":
			warn++
		}
		for _, f := range d.Outliers.FlaggedFields {
			if !fieldSeen[f] {
				fieldSeen[f] = true
				fields = append(fields, f)
			}
		}
	}

	kind := ""
	switch {
	case crit >= 3:
		kind = "err"
	case warn >= 5 || (crit >= 1 && warn >= 2):
		kind = "warn"
	default:
		return Alert{}, false
	}

	if !a.cooldowns.Ready("sensorAnomaly", now, a.cfg.SensorAnomalyCooldown) {
		return Alert{}, false
	}

	if len(fields) > 3 {
		fields = fields[:3]
	}
	severity := "warning"
	if kind == "err" {
		severity = "critical"
	}
	return Alert{
		Kind:        kind,
		Text:        fmt.Sprintf("sensor anomaly: fields %v (critical=%d warning=%d)", fields, crit, warn),
		Severity:    severity,
		CooldownKey: "sensorAnomaly",
	}, true
}

// outlierMissingAlert implements spec §7: "outlier metadata missing...
// surfaced once per 120s as an error-level alert".
func (a *Analyzer) outlierMissingAlert(now time.Time) (Alert, bool) {
	if !a.cooldowns.Ready("outlierMissing", now, a.cfg.OutlierMissingCooldown) {
		return Alert{}, false
	}
	return Alert{
		Kind:        "err",
		Text:        "sensor failure detection unavailable: outlier metadata absent across the window",
		Severity:    "critical",
		CooldownKey: "outlierMissing",
	}, true
}

// NoSessionAlert raises a cooldown-gated alert for the "stale channel, no
// active session" path (spec §4.8 step 2, scenario S2).
func (a *Analyzer) NoSessionAlert(now time.Time) (Alert, bool) {
	if !a.cooldowns.Ready("noSession", now, a.cfg.NoSessionCooldown) {
		return Alert{}, false
	}
	return Alert{
		Kind:        "warn",
		Text:        "no active session found; waiting for live data",
		Severity:    "warning",
		CooldownKey: "noSession",
	}, true
}
