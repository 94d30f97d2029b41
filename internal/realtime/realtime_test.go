package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ridgeline/evtelemetry/internal/bridge"
	"github.com/ridgeline/evtelemetry/internal/metrics"
	"github.com/ridgeline/evtelemetry/internal/quality"
	"github.com/ridgeline/evtelemetry/internal/sample"
	"github.com/ridgeline/evtelemetry/internal/transport"
	"github.com/ridgeline/evtelemetry/internal/triangulate"
	"github.com/ridgeline/evtelemetry/internal/worker"
)

type fakeStore struct{ rows []sample.Sample }

func (f *fakeStore) FetchBySession(ctx context.Context, sessionID string, offset, limit int) ([]sample.Sample, bool, error) {
	if offset >= len(f.rows) {
		return nil, false, nil
	}
	end := offset + limit
	if end > len(f.rows) {
		end = len(f.rows)
	}
	return f.rows[offset:end], end < len(f.rows), nil
}

type fakePager struct{ items []transport.Item }

func (p *fakePager) Page() transport.Page { return transport.Page{Items: p.items} }
func (p *fakePager) HasNext() bool        { return false }
func (p *fakePager) Next(ctx context.Context) (transport.HistoryPager, error) {
	return nil, errors.New("no next")
}

type fakeBroker struct{ pager *fakePager }

func (b *fakeBroker) Subscribe(event string, cb func(transport.Item)) (func(), error) {
	return func() {}, nil
}
func (b *fakeBroker) Attach(ctx context.Context) error { return nil }
func (b *fakeBroker) History(ctx context.Context, q transport.HistoryQuery) (transport.HistoryPager, error) {
	return b.pager, nil
}

func itemFor(t *testing.T, s sample.Sample, ts time.Time) transport.Item {
	t.Helper()
	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return transport.Item{Name: "sample", Timestamp: ts, Data: data}
}

func newTestBridge(t *testing.T, onProcessed func(worker.Event)) *bridge.Bridge {
	t.Helper()
	m := metrics.NewRegistry(prometheus.NewRegistry())
	b := bridge.New(bridge.DefaultConfig(), m, onProcessed)
	b.Start(context.Background(), 1000, 100)
	return b
}

func waitStateValue(t *testing.T, states <-chan State, want State) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case s := <-states:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for state %v", want)
		}
	}
}

func TestConnectWaitsForSessionWhenNoneFound(t *testing.T) {
	broker := &fakeBroker{pager: &fakePager{items: nil}}
	tri := triangulate.New(triangulate.DefaultConfig(), &fakeStore{}, broker, nil)

	states := make(chan State, 16)
	br := newTestBridge(t, nil)
	c := New(tri, br, func(s State) { states <- s }, nil)

	c.Connect(context.Background())
	waitStateValue(t, states, WaitingForSession)
}

func TestConnectEmitsNoSessionAlertWhenWaitingForSession(t *testing.T) {
	broker := &fakeBroker{pager: &fakePager{items: nil}}
	tri := triangulate.New(triangulate.DefaultConfig(), &fakeStore{}, broker, nil)

	states := make(chan State, 16)
	alerts := make(chan quality.Alert, 4)
	br := newTestBridge(t, nil)
	c := New(tri, br, func(s State) { states <- s }, func(a quality.Alert) { alerts <- a })

	c.Connect(context.Background())
	waitStateValue(t, states, WaitingForSession)

	select {
	case a := <-alerts:
		if a.CooldownKey != "noSession" {
			t.Errorf("CooldownKey = %q, want noSession", a.CooldownKey)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the noSession alert")
	}
}

func TestConnectReachesConnectedAndLoadsSnapshot(t *testing.T) {
	now := time.Unix(1000, 0)
	store := &fakeStore{rows: []sample.Sample{
		{Timestamp: "2026-01-01T00:00:00Z", SessionID: "s1", MessageID: "1", SpeedMS: 1},
	}}
	histItem := itemFor(t, sample.Sample{SessionID: "s1", MessageID: "2", SpeedMS: 2}, now)
	broker := &fakeBroker{pager: &fakePager{items: []transport.Item{histItem}}}
	cfg := triangulate.DefaultConfig()
	tri := triangulate.New(cfg, store, broker, func() time.Time { return now })

	var dataReady worker.Event
	got := make(chan struct{}, 1)
	br := newTestBridge(t, func(ev worker.Event) {
		if ev.Type == worker.EventDataReady {
			dataReady = ev
			select {
			case got <- struct{}{}:
			default:
			}
		}
	})

	states := make(chan State, 16)
	c := New(tri, br, func(s State) { states <- s }, nil)

	c.Connect(context.Background())
	waitStateValue(t, states, Connected)

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for data_ready event")
	}
	if dataReady.Stats.Total != 2 {
		t.Errorf("Stats.Total = %d, want 2", dataReady.Stats.Total)
	}
	if c.CurrentSessionID() != "s1" {
		t.Errorf("CurrentSessionID = %q, want s1", c.CurrentSessionID())
	}
}

func TestHandleLiveMessageAdoptsSessionFromWaitingForSession(t *testing.T) {
	broker := &fakeBroker{pager: &fakePager{items: nil}}
	tri := triangulate.New(triangulate.DefaultConfig(), &fakeStore{}, broker, nil)

	states := make(chan State, 16)
	br := newTestBridge(t, nil)
	c := New(tri, br, func(s State) { states <- s }, nil)

	c.Connect(context.Background())
	waitStateValue(t, states, WaitingForSession)

	c.HandleLiveMessage(sample.Sample{Timestamp: "2026-01-01T00:00:00Z", SessionID: "s7", SpeedMS: 3})
	waitStateValue(t, states, Connected)
	if c.CurrentSessionID() != "s7" {
		t.Errorf("CurrentSessionID = %q, want s7", c.CurrentSessionID())
	}
}

func TestHandleLiveMessageBuffersDuringBootstrap(t *testing.T) {
	c := &Controller{state: Loading, isBuffering: true}
	c.HandleLiveMessage(sample.Sample{SessionID: "s1"})
	if len(c.liveBuffer) != 1 {
		t.Fatalf("liveBuffer len = %d, want 1", len(c.liveBuffer))
	}
}

func TestHandleLiveMessageRolloverUpdatesSessionWithoutReset(t *testing.T) {
	var processed []worker.Event
	br := newTestBridge(t, func(ev worker.Event) { processed = append(processed, ev) })
	c := &Controller{state: Connected, currentSessionID: "s1", br: br}

	c.HandleLiveMessage(sample.Sample{Timestamp: "2026-01-01T00:00:00Z", SessionID: "s2", SpeedMS: 5})
	time.Sleep(50 * time.Millisecond)

	if c.CurrentSessionID() != "s2" {
		t.Errorf("CurrentSessionID = %q, want s2 (rollover)", c.CurrentSessionID())
	}
}

func TestDisconnectResetsStateAndCancelsBootstrap(t *testing.T) {
	cancelled := false
	c := &Controller{
		state:                    Connected,
		currentSessionID:         "s1",
		initialTriangulationDone: true,
		cancelBootstrap:          func() { cancelled = true },
	}
	torn := false
	c.Disconnect(func() { torn = true })

	if c.State() != Disconnected {
		t.Errorf("State = %v, want disconnected", c.State())
	}
	if c.CurrentSessionID() != "" {
		t.Errorf("CurrentSessionID = %q, want empty after disconnect", c.CurrentSessionID())
	}
	if !cancelled {
		t.Error("Disconnect did not cancel the in-flight bootstrap")
	}
	if !torn {
		t.Error("Disconnect did not invoke the teardown hook")
	}
}

func TestFailTransitionsToFailedAndConnectRecovers(t *testing.T) {
	broker := &fakeBroker{pager: &fakePager{items: nil}}
	tri := triangulate.New(triangulate.DefaultConfig(), &fakeStore{}, broker, nil)
	states := make(chan State, 16)
	br := newTestBridge(t, nil)
	c := New(tri, br, func(s State) { states <- s }, nil)

	c.Fail(errors.New("socket closed"))
	if c.State() != Failed {
		t.Fatalf("State = %v, want failed", c.State())
	}

	c.Connect(context.Background())
	waitStateValue(t, states, Loading)
}
