// Package schedule implements the Render Scheduler (spec §4.10): three
// independently throttled dispatch tiers driving Gauge, Chart, and KPIView
// interfaces. Per spec §1's explicit exclusion of chart/gauge/map rendering
// libraries, this package only decides *when* those interfaces are called;
// no rendering library is imported. Grounded on internal/tui/render.go's
// panel-visibility model and internal/agent/hub.go's non-blocking,
// drop-on-full fan-out for the coalescing discipline.
package schedule

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/ridgeline/evtelemetry/internal/kpi"
	"github.com/ridgeline/evtelemetry/internal/quality"
	"github.com/ridgeline/evtelemetry/internal/sample"
)

// Gauge is a single numeric readout a real UI would implement (speed,
// voltage, etc.). Update is only called when the smart-redraw rule fires.
type Gauge interface {
	Update(value float64)
}

// Chart is a time-series panel. Refresh is only called on a chart-tier tick
// while the panel is Visible and marked needsRefresh; a panel switch marks
// it, and it renders on the next chart tick (spec §4.10).
type Chart interface {
	Visible() bool
	Refresh(data []sample.DerivedSample)
}

// KPIView renders the KPI/table/quality surface, coalesced to at most once
// per animation frame regardless of how many updates arrive in between.
type KPIView interface {
	Update(k kpi.Snapshot, q quality.Report, alerts []quality.Alert)
}

// Config holds the three tiers' cadences and the gauge redraw threshold
// (spec §4.10's documented defaults).
type Config struct {
	GaugeInterval time.Duration // default 100ms (10 Hz)
	ChartInterval time.Duration // default 250ms (4 Hz)
	FrameInterval time.Duration // default ~16ms, stands in for requestAnimationFrame
	GaugeDeltaPct float64       // default 0.005 (0.5%)
}

// DefaultConfig returns the spec's documented cadences.
func DefaultConfig() Config {
	return Config{
		GaugeInterval: 100 * time.Millisecond,
		ChartInterval: 250 * time.Millisecond,
		FrameInterval: 16 * time.Millisecond,
		GaugeDeltaPct: 0.005,
	}
}

type gaugeState struct {
	g          Gauge
	last       float64
	hasLast    bool
	pending    float64
	hasPending bool
}

type chartState struct {
	c            Chart
	needsRefresh bool
	pendingData  []sample.DerivedSample
}

type pendingKPI struct {
	k      kpi.Snapshot
	q      quality.Report
	alerts []quality.Alert
}

// Scheduler is single-threaded cooperative: it never preempts in-flight
// derivation, it only decides when to call into the Gauge/Chart/KPIView
// interfaces the caller registers.
type Scheduler struct {
	cfg Config

	mu      sync.Mutex
	gauges  map[string]*gaugeState
	charts  map[string]*chartState
	kpiView KPIView
	pending *pendingKPI
	dirty   bool
}

// New creates a Scheduler. Call RegisterGauge/RegisterChart/SetKPIView
// before Run.
func New(cfg Config) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		gauges: make(map[string]*gaugeState),
		charts: make(map[string]*chartState),
	}
}

// RegisterGauge adds a named gauge to the 10 Hz tier.
func (s *Scheduler) RegisterGauge(id string, g Gauge) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gauges[id] = &gaugeState{g: g}
}

// RegisterChart adds a named chart to the 4 Hz tier. New charts start
// needsRefresh so the first panel switch always renders.
func (s *Scheduler) RegisterChart(id string, c Chart) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.charts[id] = &chartState{c: c, needsRefresh: true}
}

// SetKPIView installs the coalesced KPI/table/quality sink.
func (s *Scheduler) SetKPIView(v KPIView) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kpiView = v
}

// UpdateGauge records a fresh value for the next 10 Hz tick. It never
// redraws synchronously — the smart-update rule is applied by the ticker.
func (s *Scheduler) UpdateGauge(id string, value float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	gs, ok := s.gauges[id]
	if !ok {
		return
	}
	gs.pending = value
	gs.hasPending = true
}

// UpdateChart marks id dirty for the next 4 Hz tick.
func (s *Scheduler) UpdateChart(id string, data []sample.DerivedSample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.charts[id]
	if !ok {
		return
	}
	cs.pendingData = data
	cs.needsRefresh = true
}

// PanelSwitched marks id needsRefresh so the next chart-tier tick renders it
// if it is Visible by then — "rendered on panel switch" (spec §4.10).
func (s *Scheduler) PanelSwitched(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cs, ok := s.charts[id]; ok {
		cs.needsRefresh = true
	}
}

// UpdateKPI records the latest KPI/quality snapshot; the frame tier
// coalesces any number of these into a single KPIView.Update call.
func (s *Scheduler) UpdateKPI(k kpi.Snapshot, q quality.Report, alerts []quality.Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = &pendingKPI{k: k, q: q, alerts: alerts}
	s.dirty = true
}

// Run starts the three ticker-driven tiers until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	gauges := time.NewTicker(s.cfg.GaugeInterval)
	charts := time.NewTicker(s.cfg.ChartInterval)
	frame := time.NewTicker(s.cfg.FrameInterval)
	defer gauges.Stop()
	defer charts.Stop()
	defer frame.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-gauges.C:
			s.tickGauges()
		case <-charts.C:
			s.tickCharts()
		case <-frame.C:
			s.tickFrame()
		}
	}
}

// tickGauges applies the smart-redraw rule: only call Gauge.Update when the
// pending value differs from the last drawn one by more than 0.5% of the
// larger magnitude (spec §4.10).
func (s *Scheduler) tickGauges() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, gs := range s.gauges {
		if !gs.hasPending {
			continue
		}
		if !gs.hasLast || exceedsDelta(gs.last, gs.pending, s.cfg.GaugeDeltaPct) {
			gs.g.Update(gs.pending)
			gs.last = gs.pending
			gs.hasLast = true
		}
		gs.hasPending = false
	}
}

func exceedsDelta(last, next, pct float64) bool {
	magnitude := math.Max(math.Abs(last), math.Abs(next))
	if magnitude == 0 {
		return next != last
	}
	return math.Abs(next-last) > pct*magnitude
}

// tickCharts refreshes only the currently visible, dirty panels; the rest
// keep needsRefresh set until PanelSwitched brings them into view.
func (s *Scheduler) tickCharts() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cs := range s.charts {
		if !cs.needsRefresh || !cs.c.Visible() {
			continue
		}
		cs.c.Refresh(cs.pendingData)
		cs.needsRefresh = false
	}
}

// tickFrame fires the coalesced KPI/table/quality update at most once per
// frame, regardless of how many UpdateKPI calls arrived since the last tick.
func (s *Scheduler) tickFrame() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty || s.kpiView == nil {
		return
	}
	p := s.pending
	s.dirty = false
	s.kpiView.Update(p.k, p.q, p.alerts)
}
