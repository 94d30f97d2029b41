// Package worker implements the Processing Worker (spec §4.6): an
// off-thread execution context hosting the Ring Buffer, Derivation Engine,
// KPI Calculator, and Quality Analyzer behind a typed message channel.
// Grounded on internal/agent/hub.go's single-goroutine pub/sub loop
// (thobiasn-tori-cli) — a dedicated goroutine owns all mutable state and
// communicates exclusively by channel, mirroring the teacher's
// no-shared-memory Hub.
package worker

import (
	"context"

	"github.com/ridgeline/evtelemetry/internal/derive"
	"github.com/ridgeline/evtelemetry/internal/kpi"
	"github.com/ridgeline/evtelemetry/internal/metrics"
	"github.com/ridgeline/evtelemetry/internal/quality"
	"github.com/ridgeline/evtelemetry/internal/ring"
	"github.com/ridgeline/evtelemetry/internal/sample"
)

// MsgType names the control messages a Processing Worker accepts (spec §4.6).
type MsgType string

const (
	MsgInit          MsgType = "init"
	MsgNewData       MsgType = "new_data"
	MsgProcessBatch  MsgType = "process_batch"
	MsgGetAllData    MsgType = "get_all_data"
	MsgClear         MsgType = "clear"
	MsgSetConfig     MsgType = "set_config"
	// MsgLoadSnapshot replaces the Ring Buffer contents with a triangulated
	// timeline, replaying it through the worker's long-lived Derivation
	// Engine in order (spec §4.8 step 6). Not part of spec §4.6's literal
	// message list — it is how the Triangulator's bootstrap result reaches
	// the Processing Worker that owns the Ring Buffer.
	MsgLoadSnapshot MsgType = "load_snapshot"
)

// BootstrapStats mirrors the Triangulator's provenance stats (spec §4.8
// step 7 / §6 "onDataReady({stats, data})") without this package importing
// internal/triangulate.
type BootstrapStats struct {
	FromStore         int
	FromBrokerHistory int
	FromLiveBuffer    int
	Total             int
}

// Request is one control message sent to the worker's channel.
type Request struct {
	Type MsgType

	// init
	MaxPoints           int
	DownsampleThreshold int

	// new_data
	Sample sample.Sample

	// process_batch
	Batch []sample.Sample

	// load_snapshot
	Snapshot      []sample.Sample
	SnapshotStats BootstrapStats

	// set_config
	KPIConfig     *kpi.Config
	QualityConfig *quality.Config

	// Live is threaded through to the Quality Analyzer (stall/anomaly
	// detection only fires in live mode, spec §4.5).
	Live bool
}

// EventType names the messages a Processing Worker emits (spec §4.6).
type EventType string

const (
	EventInitComplete   EventType = "init_complete"
	EventProcessedData  EventType = "processed_data"
	EventBatchProcessed EventType = "batch_processed"
	EventAllData        EventType = "all_data"
	EventCleared        EventType = "cleared"
	EventError          EventType = "error"
	// EventDataReady fires once per completed triangulation (spec §6
	// "onDataReady({stats, data})").
	EventDataReady EventType = "data_ready"
)

// Event is one message emitted by the worker.
type Event struct {
	Type EventType

	Latest     sample.DerivedSample
	KPIs       kpi.Snapshot
	Quality    quality.Report
	Alerts     []quality.Alert
	ChartData  []sample.DerivedSample
	TotalCount int

	AllData []sample.DerivedSample

	// data_ready
	Stats BootstrapStats

	Err error
}

// Worker owns the Ring Buffer, Derivation Engine, and Quality Analyzer. It
// must run in its own goroutine via Run; all other access is via Requests
// and Events.
type Worker struct {
	reqs   chan Request
	events chan Event
	m      *metrics.Registry

	buf     *ring.Buffer
	engine  *derive.Engine
	qa      *quality.Analyzer
	kpiCfg  kpi.Config
	initted bool
}

// New creates a Processing Worker. reqQueueSize sizes the request channel;
// the Worker Bridge (§4.7) is responsible for head-drop backpressure in
// front of this channel, so it can be small.
func New(reqQueueSize int, m *metrics.Registry) *Worker {
	return &Worker{
		reqs:   make(chan Request, reqQueueSize),
		events: make(chan Event, reqQueueSize),
		m:      m,
		engine: derive.New(),
		kpiCfg: kpi.DefaultConfig(),
		qa:     quality.New(quality.DefaultConfig(), quality.NewCooldowns(), nil),
	}
}

// Requests returns the send side of the worker's control channel.
func (w *Worker) Requests() chan<- Request { return w.reqs }

// Events returns the receive side of the worker's emission channel.
func (w *Worker) Events() <-chan Event { return w.events }

// Run processes requests until ctx is cancelled or the request channel is
// closed. It must run on its own goroutine. The worker never blocks on I/O:
// every request is handled synchronously against in-memory state. Run
// always closes its events channel on exit, so a bridge pumping Events()
// can tell this worker instance is dead rather than blocking forever.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.events)
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-w.reqs:
			if !ok {
				return
			}
			w.handle(ctx, req)
		}
	}
}

func (w *Worker) handle(ctx context.Context, req Request) {
	if !w.initted && req.Type != MsgInit {
		w.emit(ctx, Event{Type: EventError, Err: errNotInitialized{req.Type}})
		return
	}

	switch req.Type {
	case MsgInit:
		cap := req.MaxPoints
		if cap <= 0 {
			cap = ring.DefaultCapacity
		}
		w.buf = ring.New(cap)
		w.engine.Reset()
		w.initted = true
		w.emit(ctx, Event{Type: EventInitComplete})

	case MsgNewData:
		s := req.Sample
		s.Normalize()
		d := w.engine.Derive(s)
		w.buf.MergeInsert(d)
		if w.m != nil {
			w.m.SamplesProcessed.Inc()
		}
		w.emitProcessed(ctx, req.Live)

	case MsgProcessBatch:
		for _, s := range req.Batch {
			s.Normalize()
			w.buf.Push(w.engine.Derive(s))
		}
		if w.m != nil {
			w.m.BatchesProcessed.Inc()
			w.m.SamplesProcessed.Add(float64(len(req.Batch)))
		}
		snap := w.buf.Snapshot()
		k := kpi.Compute(snap, w.kpiCfg)
		rep, alerts := w.qa.Analyze(snap, req.Live)
		if w.m != nil {
			w.m.QualityScore.Set(rep.Score)
		}
		w.emit(ctx, Event{
			Type:       EventBatchProcessed,
			KPIs:       k,
			Quality:    rep,
			Alerts:     alerts,
			ChartData:  snap,
			TotalCount: w.buf.Len(),
		})

	case MsgLoadSnapshot:
		w.buf.Clear()
		for _, s := range req.Snapshot {
			s.Normalize()
			w.buf.Push(w.engine.Derive(s))
		}
		snap := w.buf.Snapshot()
		k := kpi.Compute(snap, w.kpiCfg)
		rep, alerts := w.qa.Analyze(snap, false)
		if w.m != nil {
			w.m.QualityScore.Set(rep.Score)
			w.m.TriangulationTotal.Inc()
		}
		w.emit(ctx, Event{
			Type:       EventDataReady,
			Stats:      req.SnapshotStats,
			KPIs:       k,
			Quality:    rep,
			Alerts:     alerts,
			ChartData:  snap,
			TotalCount: w.buf.Len(),
		})

	case MsgGetAllData:
		w.emit(ctx, Event{Type: EventAllData, AllData: w.buf.Snapshot()})

	case MsgClear:
		w.buf.Clear()
		w.engine.Reset()
		w.emit(ctx, Event{Type: EventCleared})

	case MsgSetConfig:
		if req.KPIConfig != nil {
			w.kpiCfg = *req.KPIConfig
		}
		if req.QualityConfig != nil {
			w.qa = quality.New(*req.QualityConfig, quality.NewCooldowns(), nil)
		}
		w.emit(ctx, Event{Type: EventInitComplete})
	}
}

func (w *Worker) emitProcessed(ctx context.Context, live bool) {
	snap := w.buf.Snapshot()
	last, _ := w.buf.Last()
	k := kpi.Compute(snap, w.kpiCfg)
	rep, alerts := w.qa.Analyze(snap, live)
	if w.m != nil {
		w.m.QualityScore.Set(rep.Score)
	}
	w.emit(ctx, Event{
		Type:       EventProcessedData,
		Latest:     last,
		KPIs:       k,
		Quality:    rep,
		Alerts:     alerts,
		ChartData:  snap,
		TotalCount: w.buf.Len(),
	})
}

// emit sends ev, preferring ctx cancellation over blocking forever if the
// consumer has stopped reading.
func (w *Worker) emit(ctx context.Context, ev Event) {
	select {
	case w.events <- ev:
	case <-ctx.Done():
	}
}

type errNotInitialized struct{ msgType MsgType }

func (e errNotInitialized) Error() string {
	return "worker: " + string(e.msgType) + " received before init_complete"
}
