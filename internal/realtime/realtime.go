// Package realtime implements the Realtime Controller (spec §4.9): the
// explicit connect/triangulate/steady-state/disconnect state machine that
// ties the Triangulator and the Worker Bridge together. Grounded on
// internal/tui/app_connect.go's connectServerCmd / handleConnectDone, in
// particular the per-session connectCancel field used to abandon an
// in-flight connect attempt when a newer one supersedes it.
package realtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ridgeline/evtelemetry/internal/bridge"
	"github.com/ridgeline/evtelemetry/internal/quality"
	"github.com/ridgeline/evtelemetry/internal/sample"
	"github.com/ridgeline/evtelemetry/internal/triangulate"
	"github.com/ridgeline/evtelemetry/internal/worker"
)

// State names the Controller's connection lifecycle (spec §4.9).
type State string

const (
	Disconnected      State = "disconnected"
	Loading           State = "loading"
	WaitingForSession State = "waiting_for_session"
	Triangulating     State = "triangulating"
	Connected         State = "connected"
	Failed            State = "failed"
)

// Controller is the single-threaded state machine of spec §4.9. All methods
// are safe for concurrent use; HandleLiveMessage is expected to be called
// from the transport's subscription callback and Connect/Disconnect/Fail
// from the UI/control thread, per spec §5's two-execution-context model.
type Controller struct {
	mu sync.Mutex

	state            State
	currentSessionID sample.Session

	// isBuffering gates live-message routing during bootstrap (spec §4.8
	// preconditions): while true, HandleLiveMessage appends to liveBuffer
	// instead of forwarding to the Worker Bridge.
	isBuffering              bool
	liveBuffer               []sample.Sample
	initialTriangulationDone bool

	// cancelBootstrap lets a newer Connect abandon an in-flight bootstrap
	// (spec §9 third open question; spec §5 "Cancellation"), grounded on
	// the teacher's Session.connectCancel field.
	cancelBootstrap context.CancelFunc

	tri *triangulate.Triangulator
	br  *bridge.Bridge

	// qa raises the cooldown-gated noSession alert (spec §4.8 step 2,
	// scenario S2); it carries its own Cooldowns instance, independent of
	// the Worker Bridge's Analyzer, since "no active session" is a
	// Controller-level condition the worker never observes.
	qa *quality.Analyzer

	onStateChange func(State)
	onAlert       func(quality.Alert)
}

// New creates a Controller in the Disconnected state. onStateChange, if
// non-nil, is invoked (outside any lock) on every state transition; onAlert,
// if non-nil, is invoked for alerts the Controller itself raises (currently
// just noSession).
func New(tri *triangulate.Triangulator, br *bridge.Bridge, onStateChange func(State), onAlert func(quality.Alert)) *Controller {
	return &Controller{
		state:         Disconnected,
		tri:           tri,
		br:            br,
		qa:            quality.New(quality.DefaultConfig(), quality.NewCooldowns(), nil),
		onStateChange: onStateChange,
		onAlert:       onAlert,
	}
}

// State reports the Controller's current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CurrentSessionID reports the session currently considered live, or "" if
// none has been adopted yet.
func (c *Controller) CurrentSessionID() sample.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentSessionID
}

// Connect implements the `disconnected/failed --user connect--> loading`
// transition. Per spec §4.9 "On user connect": atomically clear the Ring
// Buffer, reset KPI-cached last-values, reset the Derivation Engine bias
// state, and null currentSessionId — realized here by sending worker.MsgClear
// to the Bridge (the Worker owns the buffer and engine the Controller itself
// does not) plus resetting the Controller's own session/buffering state.
// A Connect that arrives while an earlier bootstrap is still in flight
// cancels that earlier attempt first, so its result is discarded on arrival.
func (c *Controller) Connect(ctx context.Context) {
	c.mu.Lock()
	if c.cancelBootstrap != nil {
		c.cancelBootstrap()
	}
	bctx, cancel := context.WithCancel(ctx)
	c.cancelBootstrap = cancel
	c.currentSessionID = ""
	c.isBuffering = true
	c.liveBuffer = nil
	c.initialTriangulationDone = false
	c.state = Loading
	c.mu.Unlock()

	c.notify(Loading)
	c.br.Send(worker.Request{Type: worker.MsgClear})

	go c.runBootstrap(bctx)
}

// runBootstrap drives the `loading -> triangulating -> connected` branch of
// spec §4.9's transition table and, when no active session is found, the
// `triangulating -> waiting_for_session` branch. The no-session path always
// passes through triangulating; it never moves from loading straight to
// waiting_for_session.
func (c *Controller) runBootstrap(ctx context.Context) {
	c.mu.Lock()
	c.state = Triangulating
	snapshot := append([]sample.Sample(nil), c.liveBuffer...)
	c.mu.Unlock()
	c.notify(Triangulating)

	res, err := c.tri.Bootstrap(ctx, snapshot)
	if ctx.Err() != nil {
		// Superseded by a newer Connect (or the caller's ctx was cancelled):
		// discard the late result outright (spec §5 "Cancellation").
		return
	}
	if err != nil {
		c.Fail(err)
		return
	}

	switch res.Outcome {
	case triangulate.OutcomeWaitingForSession:
		c.mu.Lock()
		c.state = WaitingForSession
		c.isBuffering = false
		c.mu.Unlock()
		slog.Info("realtime: waiting for session", "reason", "no active session or stale channel")
		c.notify(WaitingForSession)
		if alert, ok := c.qa.NoSessionAlert(time.Now()); ok {
			c.notifyAlert(alert)
		}

	case triangulate.OutcomeReady:
		c.mu.Lock()
		c.currentSessionID = sample.Session(res.SessionID)
		c.isBuffering = false
		c.liveBuffer = nil
		c.initialTriangulationDone = true
		c.state = Connected
		c.mu.Unlock()

		c.br.Send(worker.Request{
			Type:     worker.MsgLoadSnapshot,
			Snapshot: res.Samples,
			SnapshotStats: worker.BootstrapStats{
				FromStore:         res.Stats.FromStore,
				FromBrokerHistory: res.Stats.FromBrokerHistory,
				FromLiveBuffer:    res.Stats.FromLiveBuffer,
				Total:             res.Stats.Total,
			},
		})
		slog.Info("realtime: triangulation complete", "session", res.SessionID, "total", res.Stats.Total)
		c.notify(Connected)
	}
}

// HandleLiveMessage routes one inbound live Sample, implementing the
// remaining transitions of spec §4.9: buffering during bootstrap, session
// adoption out of waiting_for_session on the first live message, and
// rollover detection (log + update, no re-triangulate) in steady state.
func (c *Controller) HandleLiveMessage(s sample.Sample) {
	c.mu.Lock()
	if c.isBuffering {
		c.liveBuffer = append(c.liveBuffer, s)
		c.mu.Unlock()
		return
	}

	switch c.state {
	case WaitingForSession:
		c.currentSessionID = sample.Session(s.SessionID)
		c.state = Connected
		c.mu.Unlock()
		slog.Info("realtime: session adopted from first live message", "session", s.SessionID)
		c.notify(Connected)
		c.br.Send(worker.Request{Type: worker.MsgNewData, Sample: s, Live: true})

	case Connected:
		if sample.Rollover(c.currentSessionID, sample.Session(s.SessionID)) {
			slog.Info("realtime: session rollover", "from", c.currentSessionID, "to", s.SessionID)
			c.currentSessionID = sample.Session(s.SessionID)
		}
		c.mu.Unlock()
		c.br.Send(worker.Request{Type: worker.MsgNewData, Sample: s, Live: true})

	default:
		// disconnected/loading/triangulating/failed: no subscription should
		// be active in these states; drop defensively rather than panic.
		c.mu.Unlock()
	}
}

// Disconnect implements `connected --transport disconnect--> disconnected`
// and the teardown of spec §4.9: cancel any in-flight bootstrap, unsubscribe
// hooks supplied by the caller (the channel/transport/DB subscriptions this
// package does not itself own), and reset triangulation flags and buffers.
func (c *Controller) Disconnect(teardown ...func()) {
	c.mu.Lock()
	if c.cancelBootstrap != nil {
		c.cancelBootstrap()
		c.cancelBootstrap = nil
	}
	c.isBuffering = false
	c.liveBuffer = nil
	c.initialTriangulationDone = false
	c.currentSessionID = ""
	c.state = Disconnected
	c.mu.Unlock()

	for _, fn := range teardown {
		fn()
	}
	c.notify(Disconnected)
}

// Fail implements `any --transport failed--> failed`. A subsequent Connect
// resumes the normal `failed --user connect--> loading` transition.
func (c *Controller) Fail(err error) {
	c.mu.Lock()
	if c.cancelBootstrap != nil {
		c.cancelBootstrap()
		c.cancelBootstrap = nil
	}
	c.isBuffering = false
	c.state = Failed
	c.mu.Unlock()

	slog.Error("realtime: transport failed", "error", err)
	c.notify(Failed)
}

func (c *Controller) notify(s State) {
	if c.onStateChange != nil {
		c.onStateChange(s)
	}
}

func (c *Controller) notifyAlert(a quality.Alert) {
	if c.onAlert != nil {
		c.onAlert(a)
	}
}
