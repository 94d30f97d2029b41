// Package ring implements the bounded in-memory store of the most recent N
// derived samples (spec §4.2), generalized from the teacher's hand-rolled
// generic ring buffer (internal/tui/state.go in thobiasn-tori-cli).
package ring

import (
	"sort"

	"github.com/ridgeline/evtelemetry/internal/sample"
)

// DefaultCapacity is the default ring-buffer capacity from spec §3.
const DefaultCapacity = 50000

// Buffer is a fixed-capacity, chronologically ordered ring buffer of
// DerivedSamples. Push is O(1) amortized; on overflow the oldest entry is
// evicted. Zero value is not usable — construct with New.
type Buffer struct {
	buf   []sample.DerivedSample
	cap   int
	head  int // next write position
	count int

	evicted int64 // total evictions since New/Clear, for diagnostics
}

// New creates a Buffer with the given capacity. A capacity <= 0 falls back
// to DefaultCapacity.
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		buf: make([]sample.DerivedSample, capacity),
		cap: capacity,
	}
}

// Push appends s, evicting the oldest entry if the buffer is at capacity.
func (b *Buffer) Push(s sample.DerivedSample) {
	b.buf[b.head] = s
	b.head = (b.head + 1) % b.cap
	if b.count < b.cap {
		b.count++
	} else {
		b.evicted++
	}
}

// Snapshot returns a stable, chronologically ordered copy of the buffer's
// current contents. Safe to read without further synchronization.
func (b *Buffer) Snapshot() []sample.DerivedSample {
	if b.count == 0 {
		return nil
	}
	out := make([]sample.DerivedSample, b.count)
	start := (b.head - b.count + b.cap) % b.cap
	for i := 0; i < b.count; i++ {
		out[i] = b.buf[(start+i)%b.cap]
	}
	return out
}

// Last returns the most recently pushed sample, or false if empty.
func (b *Buffer) Last() (sample.DerivedSample, bool) {
	if b.count == 0 {
		return sample.DerivedSample{}, false
	}
	idx := (b.head - 1 + b.cap) % b.cap
	return b.buf[idx], true
}

// Len returns the number of samples currently stored (<= Cap).
func (b *Buffer) Len() int { return b.count }

// Cap returns the buffer's fixed capacity.
func (b *Buffer) Cap() int { return b.cap }

// Evicted returns the number of samples evicted since creation or Clear.
func (b *Buffer) Evicted() int64 { return b.evicted }

// Clear empties the buffer without changing its capacity.
func (b *Buffer) Clear() {
	b.head = 0
	b.count = 0
	b.evicted = 0
}

// MergeInsert routes one live Derived Sample into the buffer, implementing
// spec §4.9/§4.1's steady-state merge-by-composite-key rule: a key newer
// than the last entry is appended in O(1); a key equal to or preceding the
// last entry is deduplicated against the whole buffer by composite key and
// the buffer is re-sorted, since an out-of-order or retried live message
// must not break the Ring Buffer's monotonically-non-decreasing invariant.
func (b *Buffer) MergeInsert(s sample.DerivedSample) {
	last, ok := b.Last()
	if !ok || last.Key().Less(s.Key()) {
		b.Push(s)
		return
	}

	merged := make(map[sample.Key]sample.DerivedSample, b.count+1)
	for _, existing := range b.Snapshot() {
		merged[existing.Key()] = existing
	}
	merged[s.Key()] = s

	ordered := make([]sample.DerivedSample, 0, len(merged))
	for _, v := range merged {
		ordered = append(ordered, v)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Key().Less(ordered[j].Key()) })

	b.ReplaceAll(ordered)
}

// ReplaceAll atomically replaces the buffer's contents with samples,
// truncating to capacity (keeping the newest) if samples exceeds it. Used
// by the Triangulator to install the bootstrap timeline (spec §4.8 step 6).
func (b *Buffer) ReplaceAll(samples []sample.DerivedSample) {
	b.Clear()
	if len(samples) > b.cap {
		samples = samples[len(samples)-b.cap:]
	}
	for _, s := range samples {
		b.Push(s)
	}
}
