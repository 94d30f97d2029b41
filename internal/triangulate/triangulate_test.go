package triangulate

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ridgeline/evtelemetry/internal/sample"
	"github.com/ridgeline/evtelemetry/internal/transport"
)

type fakeStore struct {
	rows []sample.Sample
	err  error
}

func (f *fakeStore) FetchBySession(ctx context.Context, sessionID string, offset, limit int) ([]sample.Sample, bool, error) {
	if f.err != nil {
		return nil, false, f.err
	}
	if offset >= len(f.rows) {
		return nil, false, nil
	}
	end := offset + limit
	if end > len(f.rows) {
		end = len(f.rows)
	}
	return f.rows[offset:end], end < len(f.rows), nil
}

type fakePager struct {
	items []transport.Item
	err   error
}

func (p *fakePager) Page() transport.Page            { return transport.Page{Items: p.items} }
func (p *fakePager) HasNext() bool                    { return false }
func (p *fakePager) Next(ctx context.Context) (transport.HistoryPager, error) { return nil, errors.New("no next") }

type fakeBroker struct {
	pager *fakePager
	err   error
}

func (b *fakeBroker) Subscribe(event string, cb func(transport.Item)) (func(), error) { return func() {}, nil }
func (b *fakeBroker) Attach(ctx context.Context) error                               { return nil }
func (b *fakeBroker) History(ctx context.Context, q transport.HistoryQuery) (transport.HistoryPager, error) {
	if b.err != nil {
		return nil, b.err
	}
	return b.pager, nil
}

func itemFor(s sample.Sample, ts time.Time) transport.Item {
	data, _ := json.Marshal(s)
	return transport.Item{Name: "sample", Timestamp: ts, Data: data}
}

func TestBootstrapIdentifiesSessionFromLiveBuffer(t *testing.T) {
	tri := New(DefaultConfig(), &fakeStore{}, nil, func() time.Time { return time.Unix(1000, 0) })
	liveBuffer := []sample.Sample{{Timestamp: "2026-01-01T00:00:00Z", SessionID: "s1", SpeedMS: 5}}

	res, err := tri.Bootstrap(context.Background(), liveBuffer)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if res.Outcome != OutcomeReady {
		t.Fatalf("Outcome = %v, want ready", res.Outcome)
	}
	if res.SessionID != "s1" {
		t.Errorf("SessionID = %q, want s1", res.SessionID)
	}
	if res.Stats.FromLiveBuffer != 1 || res.Stats.Total != 1 {
		t.Errorf("Stats = %+v, want FromLiveBuffer=1 Total=1", res.Stats)
	}
}

func TestBootstrapWaitsForSessionWhenNoneFound(t *testing.T) {
	broker := &fakeBroker{pager: &fakePager{items: nil}}
	tri := New(DefaultConfig(), &fakeStore{}, broker, nil)

	res, err := tri.Bootstrap(context.Background(), nil)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if res.Outcome != OutcomeWaitingForSession {
		t.Fatalf("Outcome = %v, want waiting_for_session", res.Outcome)
	}
}

func TestBootstrapWaitsForSessionWhenChannelStale(t *testing.T) {
	old := time.Unix(0, 0)
	item := itemFor(sample.Sample{SessionID: "s1"}, old)
	broker := &fakeBroker{pager: &fakePager{items: []transport.Item{item}}}
	tri := New(DefaultConfig(), &fakeStore{}, broker, func() time.Time { return time.Unix(10000, 0) })

	res, err := tri.Bootstrap(context.Background(), nil)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if res.Outcome != OutcomeWaitingForSession {
		t.Fatalf("Outcome = %v, want waiting_for_session (stale channel)", res.Outcome)
	}
}

func TestBootstrapMergesByPriorityStoreThenBrokerThenLive(t *testing.T) {
	now := time.Unix(1000, 0)
	store := &fakeStore{rows: []sample.Sample{
		{Timestamp: "2026-01-01T00:00:00Z", SessionID: "s1", MessageID: "1", SpeedMS: 1},
		{Timestamp: "2026-01-01T00:00:01Z", SessionID: "s1", MessageID: "2", SpeedMS: 2},
	}}
	brokerSample := sample.Sample{Timestamp: "2026-01-01T00:00:01Z", SessionID: "s1", MessageID: "2", SpeedMS: 99}
	broker := &fakeBroker{pager: &fakePager{items: []transport.Item{itemFor(brokerSample, now)}}}

	liveBuffer := []sample.Sample{
		{Timestamp: "2026-01-01T00:00:01Z", SessionID: "s1", MessageID: "2", SpeedMS: 999},
		{Timestamp: "2026-01-01T00:00:02Z", SessionID: "s1", MessageID: "3", SpeedMS: 3},
	}

	tri := New(DefaultConfig(), store, broker, func() time.Time { return now })
	res, err := tri.Bootstrap(context.Background(), liveBuffer)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if res.Stats.Total != 3 {
		t.Fatalf("Stats.Total = %d, want 3 (keys: msg 1, 2, 3)", res.Stats.Total)
	}

	// MessageID "2" exists in all three sources; live buffer must win.
	var got float64
	for _, d := range res.Samples {
		if d.MessageID == "2" {
			got = d.SpeedMS
		}
	}
	if got != 999 {
		t.Errorf("merged speed for message 2 = %v, want 999 (live buffer wins)", got)
	}

	// Output must be chronologically sorted.
	for i := 1; i < len(res.Samples); i++ {
		if res.Samples[i].EpochMS() < res.Samples[i-1].EpochMS() {
			t.Fatalf("output not chronologically sorted: %+v", res.Samples)
		}
	}
}

func TestBootstrapDegradesWhenStoreErrors(t *testing.T) {
	now := time.Unix(1000, 0)
	store := &fakeStore{err: errors.New("db down")}
	liveSample := sample.Sample{Timestamp: "2026-01-01T00:00:00Z", SessionID: "s1", MessageID: "1", SpeedMS: 7}
	broker := &fakeBroker{pager: &fakePager{items: nil}}

	tri := New(DefaultConfig(), store, broker, func() time.Time { return now })
	res, err := tri.Bootstrap(context.Background(), []sample.Sample{liveSample})
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if res.Outcome != OutcomeReady {
		t.Fatalf("Outcome = %v, want ready (store error must degrade, not fail)", res.Outcome)
	}
	if res.Stats.FromLiveBuffer != 1 {
		t.Errorf("Stats = %+v, want FromLiveBuffer=1 despite store error", res.Stats)
	}
}

func TestBootstrapDropsMismatchedSessionMessages(t *testing.T) {
	now := time.Unix(1000, 0)
	store := &fakeStore{rows: []sample.Sample{
		{Timestamp: "2026-01-01T00:00:00Z", SessionID: "other-session", MessageID: "1", SpeedMS: 1},
	}}
	liveBuffer := []sample.Sample{{Timestamp: "2026-01-01T00:00:01Z", SessionID: "s1", MessageID: "2", SpeedMS: 2}}

	tri := New(DefaultConfig(), store, nil, func() time.Time { return now })
	res, err := tri.Bootstrap(context.Background(), liveBuffer)
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if res.Stats.FromStore != 0 {
		t.Errorf("Stats.FromStore = %d, want 0 (mismatched session dropped)", res.Stats.FromStore)
	}
	if res.Stats.Total != 1 {
		t.Errorf("Stats.Total = %d, want 1", res.Stats.Total)
	}
}
