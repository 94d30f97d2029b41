// Package bridge implements the Worker Bridge (spec §4.7): a bounded,
// head-drop FIFO in front of the Processing Worker, a health-check monitor
// that restarts a stuck worker, and an inline-fallback path that keeps the
// pipeline degrading gracefully rather than stopping. Grounded on
// internal/agent/events.go's reconnect/backoff loop (thobiasn-tori-cli) for
// the restart state machine, and internal/agent/hub.go's non-blocking,
// drop-on-full Publish for the head-drop queue discipline.
package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/ridgeline/evtelemetry/internal/derive"
	"github.com/ridgeline/evtelemetry/internal/kpi"
	"github.com/ridgeline/evtelemetry/internal/metrics"
	"github.com/ridgeline/evtelemetry/internal/quality"
	"github.com/ridgeline/evtelemetry/internal/ring"
	"github.com/ridgeline/evtelemetry/internal/worker"
)

// DefaultMaxQueueSize is the spec's documented head-drop queue capacity.
const DefaultMaxQueueSize = 1000

// DefaultHealthCheckInterval governs how often the bridge checks whether
// the worker has gone silent.
const DefaultHealthCheckInterval = 2 * time.Second

// DefaultStuckAfter is the silent interval past which the worker is
// considered stuck and a restart is attempted.
const DefaultStuckAfter = 5 * time.Second

// State names the bridge's lifecycle (spec §4.7 state diagram).
type State string

const (
	StateNotInit     State = "not_init"
	StateInitializing State = "initializing"
	StateReady       State = "ready"
	StateRestarting  State = "restarting"
	StateFallback    State = "fallback" // absorbing
)

// Config configures a Bridge.
type Config struct {
	MaxQueueSize        int
	HealthCheckInterval time.Duration
	StuckAfter          time.Duration
	MaxRestartAttempts  int
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxQueueSize:        DefaultMaxQueueSize,
		HealthCheckInterval: DefaultHealthCheckInterval,
		StuckAfter:          DefaultStuckAfter,
		MaxRestartAttempts:  1,
	}
}

// Bridge fronts a worker.Worker with a head-drop queue and health monitor.
type Bridge struct {
	cfg Config
	m   *metrics.Registry

	mu            sync.Mutex
	state         State
	queue         []worker.Request
	w             *worker.Worker
	cancelWorker  context.CancelFunc
	cancel        context.CancelFunc // stops this bridge's own pump/monitor goroutines
	lastResponse  time.Time
	restartCount  int

	// fallback path: synchronous C3/C4 computations run here when the
	// worker cannot be revived (spec §4.7).
	fallbackBuf    *ring.Buffer
	fallbackEngine *derive.Engine
	fallbackQA     *quality.Analyzer
	fallbackKPICfg kpi.Config

	onProcessed func(worker.Event)

	reqQueueSize int
}

// New creates a Bridge. onProcessed is invoked for every processed_data /
// batch_processed event, whether produced by the live worker or by the
// inline-fallback path, so downstream consumers never need to know which
// mode is active.
func New(cfg Config, m *metrics.Registry, onProcessed func(worker.Event)) *Bridge {
	return &Bridge{
		cfg:            cfg,
		m:              m,
		state:          StateNotInit,
		onProcessed:    onProcessed,
		fallbackEngine: derive.New(),
		fallbackQA:     quality.New(quality.DefaultConfig(), quality.NewCooldowns(), nil),
		fallbackKPICfg: kpi.DefaultConfig(),
		reqQueueSize:   64,
	}
}

// Start spins up the Processing Worker and the health-check monitor.
// ctx governs the bridge's whole lifetime; call Terminate for an explicit,
// synchronous shutdown.
func (b *Bridge) Start(ctx context.Context, maxPoints, downsampleThreshold int) {
	ctx, cancel := context.WithCancel(ctx)
	b.mu.Lock()
	b.cancel = cancel
	b.state = StateInitializing
	b.spawnWorkerLocked(ctx)
	w := b.w
	b.mu.Unlock()

	w.Requests() <- worker.Request{Type: worker.MsgInit, MaxPoints: maxPoints, DownsampleThreshold: downsampleThreshold}

	go b.pump(ctx)
	go b.monitor(ctx)
}

// spawnWorkerLocked creates a fresh worker and fallback ring buffer sized to
// match. Caller must hold b.mu.
func (b *Bridge) spawnWorkerLocked(ctx context.Context) {
	wctx, cancel := context.WithCancel(ctx)
	w := worker.New(b.reqQueueSize, b.m)
	b.w = w
	b.cancelWorker = cancel
	b.lastResponse = time.Now()
	go w.Run(wctx)
}

// Send enqueues req for the worker. Before init_complete, messages enter the
// bounded head-drop queue (spec §4.7): on overflow the OLDEST queued message
// is dropped, never the newest.
func (b *Bridge) Send(req worker.Request) {
	b.mu.Lock()
	state := b.state
	b.mu.Unlock()

	switch state {
	case StateReady, StateInitializing:
		b.mu.Lock()
		ready := b.state == StateReady
		w := b.w
		b.mu.Unlock()
		if ready {
			w.Requests() <- req
			return
		}
		b.enqueue(req)
	case StateRestarting:
		b.enqueue(req)
	case StateFallback:
		b.runInline(req)
	default:
		b.enqueue(req)
	}
}

func (b *Bridge) enqueue(req worker.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) >= b.cfg.MaxQueueSize {
		b.queue = b.queue[1:] // head-drop: evict oldest, keep newest
		if b.m != nil {
			b.m.BridgeDropped.Inc()
		}
	}
	b.queue = append(b.queue, req)
	if b.m != nil {
		b.m.BridgeQueueDepth.Set(float64(len(b.queue)))
	}
}

// pump watches for init_complete / processed events from the worker, flips
// the bridge ready on init_complete, flushes the queued backlog, and
// forwards outputs to onProcessed. A restart installs a fresh worker with
// its own events channel (spawnWorkerLocked); Worker.Run always closes its
// events channel on exit, so when pump's current worker is replaced its
// read returns ok=false and pump re-fetches b.w and follows the new worker
// instead of blocking on the dead one forever.
func (b *Bridge) pump(ctx context.Context) {
	for {
		b.mu.Lock()
		w := b.w
		b.mu.Unlock()
		if w == nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events():
			if !ok {
				continue
			}
			b.mu.Lock()
			b.lastResponse = time.Now()
			b.mu.Unlock()

			if ev.Type == worker.EventInitComplete {
				b.becomeReady(ctx)
			}
			if b.onProcessed != nil && (ev.Type == worker.EventProcessedData || ev.Type == worker.EventBatchProcessed || ev.Type == worker.EventDataReady) {
				b.onProcessed(ev)
			}
		}
	}
}

func (b *Bridge) becomeReady(ctx context.Context) {
	b.mu.Lock()
	b.state = StateReady
	b.restartCount = 0
	backlog := b.queue
	b.queue = nil
	w := b.w
	b.mu.Unlock()

	for _, req := range backlog {
		w.Requests() <- req
	}
	if b.m != nil {
		b.m.BridgeQueueDepth.Set(0)
	}
}

// monitor polls lastResponse; if the worker has been silent past StuckAfter,
// it restarts the worker, or engages inline fallback if restarts are
// exhausted (spec §4.7 state diagram).
func (b *Bridge) monitor(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.checkHealth(ctx)
		}
	}
}

func (b *Bridge) checkHealth(ctx context.Context) {
	b.mu.Lock()
	if b.state == StateFallback {
		b.mu.Unlock()
		return
	}
	silent := time.Since(b.lastResponse)
	stuck := silent > b.cfg.StuckAfter
	b.mu.Unlock()

	if !stuck {
		return
	}
	b.restart(ctx)
}

func (b *Bridge) restart(ctx context.Context) {
	b.mu.Lock()
	if b.restartCount >= b.cfg.MaxRestartAttempts {
		b.state = StateFallback
		if b.cancelWorker != nil {
			b.cancelWorker()
		}
		b.fallbackBuf = ring.New(ring.DefaultCapacity)
		backlog := b.queue
		b.queue = nil
		if b.m != nil {
			b.m.FallbackEngagements.Inc()
			b.m.BridgeQueueDepth.Set(0)
		}
		b.mu.Unlock()
		// Requests queued while restarting must still reach onProcessed via
		// the inline path rather than being silently dropped on the floor.
		for _, req := range backlog {
			b.runInline(req)
		}
		return
	}
	b.restartCount++
	b.state = StateRestarting
	if b.cancelWorker != nil {
		b.cancelWorker()
	}
	b.spawnWorkerLocked(ctx)
	w := b.w
	b.state = StateInitializing
	if b.m != nil {
		b.m.WorkerRestarts.Inc()
	}
	b.mu.Unlock()

	w.Requests() <- worker.Request{Type: worker.MsgInit, MaxPoints: ring.DefaultCapacity}
}

// runInline executes the equivalent of req synchronously on the control
// thread, bypassing the (presumed dead) worker, and fires onProcessed
// exactly as the live path would (spec §4.7 "same onProcessed callback").
func (b *Bridge) runInline(req worker.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fallbackBuf == nil {
		b.fallbackBuf = ring.New(ring.DefaultCapacity)
	}

	switch req.Type {
	case worker.MsgNewData:
		s := req.Sample
		s.Normalize()
		d := b.fallbackEngine.Derive(s)
		b.fallbackBuf.MergeInsert(d)
	case worker.MsgProcessBatch:
		for _, s := range req.Batch {
			s.Normalize()
			b.fallbackBuf.Push(b.fallbackEngine.Derive(s))
		}
	case worker.MsgClear:
		b.fallbackBuf.Clear()
		b.fallbackEngine.Reset()
		if b.onProcessed != nil {
			b.onProcessed(worker.Event{Type: worker.EventCleared})
		}
		return
	default:
		return
	}

	snap := b.fallbackBuf.Snapshot()
	last, _ := b.fallbackBuf.Last()
	k := kpi.Compute(snap, b.fallbackKPICfg)
	rep, alerts := b.fallbackQA.Analyze(snap, req.Live)

	if b.onProcessed != nil {
		b.onProcessed(worker.Event{
			Type:       worker.EventProcessedData,
			Latest:     last,
			KPIs:       k,
			Quality:    rep,
			Alerts:     alerts,
			ChartData:  snap,
			TotalCount: b.fallbackBuf.Len(),
		})
	}
}

// State reports the bridge's current lifecycle state.
func (b *Bridge) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// QueueLen reports the pre-init backlog depth.
func (b *Bridge) QueueLen() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Terminate clears the queue, stops the worker, and stops this bridge's own
// pump/monitor goroutines (spec §4.7 explicit terminate()). Without the
// latter, a monitor left running on the caller's ctx could observe the
// silence left by the cancelled worker and restart a brand-new one, resurrecting
// a bridge the caller believed was stopped.
func (b *Bridge) Terminate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancelWorker != nil {
		b.cancelWorker()
	}
	if b.cancel != nil {
		b.cancel()
	}
	b.queue = nil
	b.w = nil
	b.state = StateNotInit
}
