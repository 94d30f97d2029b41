// Package transport declares the external collaborators the core consumes
// but never owns (spec §1, §6): the pub/sub broker channel and the durable
// session store. Both are interfaces only — no concrete broker or database
// client lives in this package; internal/sqlitestore provides a reference
// DurableStore implementation for tests and the demo CLI.
package transport

import (
	"context"
	"time"

	"github.com/ridgeline/evtelemetry/internal/sample"
)

// HistoryDirection selects which end of a channel's history window a query
// starts from (spec §6 "history({..., direction, limit})").
type HistoryDirection string

const (
	DirectionForwards  HistoryDirection = "forwards"
	DirectionBackwards HistoryDirection = "backwards"
)

// HistoryQuery parameters a broker channel history fetch (spec §4.8 step 3).
type HistoryQuery struct {
	Start       time.Time // optional; zero value means unbounded
	UntilAttach bool      // end the query at the exact channel-attach instant
	Direction   HistoryDirection
	Limit       int
}

// Item is one message delivered by the broker, either live or from history
// (spec §6 "Each item carries name, timestamp, and data").
type Item struct {
	Name      string
	Timestamp time.Time
	Data      []byte // JSON or raw string payload, resolved by the caller
}

// Page is one page of a paginated history result.
type Page struct {
	Items []Item
}

// HistoryPager is the paginated cursor returned by a history query (spec §6
// "paginated({items, hasNext(), next()})").
type HistoryPager interface {
	Page() Page
	HasNext() bool
	Next(ctx context.Context) (HistoryPager, error)
}

// BrokerChannel is the pub/sub broker channel the Realtime Controller and
// Triangulator consume (spec §6). A concrete implementation (Ably, NATS,
// etc.) lives outside this module.
type BrokerChannel interface {
	Subscribe(event string, cb func(Item)) (unsubscribe func(), err error)
	Attach(ctx context.Context) error
	History(ctx context.Context, q HistoryQuery) (HistoryPager, error)
}

// DurableStore is the paginated read endpoint over historical sessions
// (spec §6 "Durable store (consumed)": "GET /sessions/{id}/records?offset&limit
// returning {rows: [Sample]}"). internal/sqlitestore provides a reference
// implementation; the real production store is an external collaborator out
// of this module's scope.
type DurableStore interface {
	FetchBySession(ctx context.Context, sessionID string, offset, limit int) (rows []sample.Sample, hasMore bool, err error)
}
