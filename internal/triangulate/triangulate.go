// Package triangulate implements the Triangulator (spec §4.8): the one-shot
// session bootstrap protocol that merges a durable store, the broker's
// bounded replay history, and a live-buffered queue into a single
// deduplicated, chronologically sorted timeline. The merge-by-priority-map
// algorithm and the cross-source reconciliation style are grounded on
// internal/tui/backfill.go's handleMetricsBackfill / mergeByServiceIdentity
// (thobiasn-tori-cli).
package triangulate

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/ridgeline/evtelemetry/internal/sample"
	"github.com/ridgeline/evtelemetry/internal/transport"
)

// Stats reports where each merged Sample ultimately came from (spec §6
// "onDataReady({stats, data})").
type Stats struct {
	FromStore         int
	FromBrokerHistory int
	FromLiveBuffer    int
	Total             int
}

// Outcome names the bootstrap's terminal disposition.
type Outcome string

const (
	OutcomeReady             Outcome = "ready"
	OutcomeWaitingForSession Outcome = "waiting_for_session"
)

// Result is what Bootstrap returns: a merged, deduplicated, chronologically
// sorted run of raw Samples ready for the caller's Derivation Engine to
// replay in order (spec §4.8 step 6 "run the Derivation Engine over the
// result (stateful, in order)" — deliberately the SAME engine instance the
// caller will keep using in steady state, so Bootstrap itself never derives;
// see internal/realtime.Controller), plus provenance stats.
type Result struct {
	Outcome   Outcome
	SessionID string
	Samples   []sample.Sample
	Stats     Stats
}

// Config holds the Triangulator's tunables (spec §4.8, §9 Open Question on
// the history-lookback window).
type Config struct {
	PageSize    int
	MaxPages    int
	Liveness    time.Duration // "stale channel" threshold, default 30s
	HistoryLookback time.Duration // default 60s; spec allows 60s or 120s, see §9
	RingCapacity    int
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		PageSize:        1000,
		MaxPages:        100,
		Liveness:        30 * time.Second,
		HistoryLookback: 60 * time.Second,
		RingCapacity:    50000,
	}
}

// Triangulator runs the session bootstrap protocol exactly once per
// connect (spec §4.8 "fires once per connect"; idempotence enforced by the
// caller via initialTriangulationDone, see internal/realtime).
type Triangulator struct {
	cfg    Config
	store  transport.DurableStore
	broker transport.BrokerChannel
	now    func() time.Time
}

// New creates a Triangulator. store or broker may be nil — per spec §4.8
// failure semantics, a missing/erroring source degrades gracefully rather
// than failing the whole bootstrap.
func New(cfg Config, store transport.DurableStore, broker transport.BrokerChannel, now func() time.Time) *Triangulator {
	if now == nil {
		now = time.Now
	}
	return &Triangulator{cfg: cfg, store: store, broker: broker, now: now}
}

// Bootstrap runs the full protocol of spec §4.8 steps 1-7. liveBuffer is the
// (already-drained) queue of messages accumulated by the caller while
// isBuffering was true.
func (t *Triangulator) Bootstrap(ctx context.Context, liveBuffer []sample.Sample) (Result, error) {
	sessionID, lastHistoryMsgTime, err := t.identifySession(ctx, liveBuffer)
	if err != nil {
		return Result{}, err
	}
	if sessionID == "" {
		return Result{Outcome: OutcomeWaitingForSession}, nil
	}

	if !lastHistoryMsgTime.IsZero() {
		age := t.now().Sub(lastHistoryMsgTime)
		if age > t.cfg.Liveness {
			return Result{Outcome: OutcomeWaitingForSession, SessionID: sessionID}, nil
		}
	}

	// Parallel fetch (spec §4.8 step 3): store and broker history legs run
	// concurrently; either leg's error degrades gracefully to "no
	// contribution from that source" rather than failing the bootstrap.
	var storeSamples, brokerSamples []sample.Sample
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		storeSamples, _ = t.fetchStore(ctx, sessionID)
	}()
	go func() {
		defer wg.Done()
		brokerSamples, _ = t.fetchBrokerHistory(ctx, sessionID)
	}()
	wg.Wait()

	merged := make(map[sample.Key]sample.Sample)
	var stats Stats

	for _, s := range storeSamples {
		if s.SessionID != "" && s.SessionID != sessionID {
			continue
		}
		s.Normalize()
		merged[s.Key()] = s
		stats.FromStore++
	}
	for _, s := range brokerSamples {
		if s.SessionID != "" && s.SessionID != sessionID {
			continue
		}
		s.Normalize()
		merged[s.Key()] = s
		stats.FromBrokerHistory++
	}
	for _, s := range liveBuffer {
		if s.SessionID != "" && s.SessionID != sessionID {
			continue
		}
		s.Normalize()
		merged[s.Key()] = s
		stats.FromLiveBuffer++
	}
	stats.Total = len(merged)

	ordered := make([]sample.Sample, 0, len(merged))
	for _, s := range merged {
		ordered = append(ordered, s)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Key().Less(ordered[j].Key()) })

	if len(ordered) > t.cfg.RingCapacity {
		ordered = ordered[len(ordered)-t.cfg.RingCapacity:]
	}

	return Result{
		Outcome:   OutcomeReady,
		SessionID: sessionID,
		Samples:   ordered,
		Stats:     stats,
	}, nil
}

// identifySession implements spec §4.8 step 1: prefer the live buffer's
// first session_id; otherwise issue a single backwards history query
// (limit 1) and extract the session from the most recent message.
func (t *Triangulator) identifySession(ctx context.Context, liveBuffer []sample.Sample) (sessionID string, lastHistoryMsgTime time.Time, err error) {
	if len(liveBuffer) > 0 && liveBuffer[0].SessionID != "" {
		return liveBuffer[0].SessionID, time.Time{}, nil
	}
	if t.broker == nil {
		return "", time.Time{}, nil
	}

	pager, err := t.broker.History(ctx, transport.HistoryQuery{
		Direction: transport.DirectionBackwards,
		Limit:     1,
	})
	if err != nil {
		return "", time.Time{}, nil // treated as "no session found", not fatal
	}
	page := pager.Page()
	if len(page.Items) == 0 {
		return "", time.Time{}, nil
	}
	item := page.Items[0]
	var s sample.Sample
	if jsonErr := json.Unmarshal(item.Data, &s); jsonErr != nil {
		return "", item.Timestamp, nil
	}
	return s.SessionID, item.Timestamp, nil
}

// fetchStore implements spec §4.8 step 3's durable-store leg: paginated,
// page size cfg.PageSize, capped at cfg.MaxPages.
func (t *Triangulator) fetchStore(ctx context.Context, sessionID string) ([]sample.Sample, error) {
	if t.store == nil {
		return nil, errors.New("triangulate: no durable store configured")
	}
	var all []sample.Sample
	offset := 0
	for page := 0; page < t.cfg.MaxPages; page++ {
		rows, hasMore, err := t.store.FetchBySession(ctx, sessionID, offset, t.cfg.PageSize)
		if err != nil {
			return all, err
		}
		all = append(all, rows...)
		if !hasMore || len(rows) == 0 {
			break
		}
		offset += len(rows)
	}
	return all, nil
}

// fetchBrokerHistory implements spec §4.8 step 3's broker leg: a time lower
// bound of now-HistoryLookback combined with the attach-anchor flag.
func (t *Triangulator) fetchBrokerHistory(ctx context.Context, sessionID string) ([]sample.Sample, error) {
	if t.broker == nil {
		return nil, errors.New("triangulate: no broker channel configured")
	}
	pager, err := t.broker.History(ctx, transport.HistoryQuery{
		Start:       t.now().Add(-t.cfg.HistoryLookback),
		UntilAttach: true,
		Direction:   transport.DirectionForwards,
		Limit:       t.cfg.PageSize,
	})
	if err != nil {
		return nil, err
	}

	var out []sample.Sample
	for {
		page := pager.Page()
		for _, item := range page.Items {
			var s sample.Sample
			if jsonErr := json.Unmarshal(item.Data, &s); jsonErr != nil {
				continue
			}
			if s.Timestamp == "" {
				s.Timestamp = item.Timestamp.Format(time.RFC3339Nano)
			}
			out = append(out, s)
		}
		if !pager.HasNext() {
			break
		}
		pager, err = pager.Next(ctx)
		if err != nil {
			return out, err
		}
	}
	return out, nil
}
