// Package state holds the latest known record for every vehicle.
package state

import (
	"sort"
	"time"

	"livetraffic/internal/model"
)

type entry struct {
	vehicle  model.VehicleState
	lastSeen time.Time
}

// Buffer maps vehicle id to its latest record. It is owned by a single
// goroutine (the engine loop) and does no locking of its own.
type Buffer struct {
	entries    map[string]entry
	now        func() time.Time
	staleAfter time.Duration
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithClock replaces time.Now for last-seen bookkeeping.
func WithClock(now func() time.Time) Option {
	return func(b *Buffer) { b.now = now }
}

// WithStaleAfter enables eviction of records that have not been refreshed
// within d. Zero keeps every record until the buffer is discarded.
func WithStaleAfter(d time.Duration) Option {
	return func(b *Buffer) { b.staleAfter = d }
}

func NewBuffer(opts ...Option) *Buffer {
	b := &Buffer{
		entries: make(map[string]entry),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Upsert stores v, replacing any previous record with the same id in full.
func (b *Buffer) Upsert(v model.VehicleState) {
	b.entries[v.ID] = entry{vehicle: v, lastSeen: b.now()}
}

// UpsertAll applies Upsert in order, so the last record for an id wins.
func (b *Buffer) UpsertAll(vs []model.VehicleState) {
	now := b.now()
	for _, v := range vs {
		b.entries[v.ID] = entry{vehicle: v, lastSeen: now}
	}
}

// Get returns the record stored for id.
func (b *Buffer) Get(id string) (model.VehicleState, bool) {
	e, ok := b.entries[id]
	return e.vehicle, ok
}

func (b *Buffer) Len() int { return len(b.entries) }

// Snapshot returns a copy of every record, ordered by id.
func (b *Buffer) Snapshot() []model.VehicleState {
	out := make([]model.VehicleState, 0, len(b.entries))
	for _, e := range b.entries {
		out = append(out, e.vehicle)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// EvictStale drops records last seen more than staleAfter before now and
// returns how many were removed. It does nothing when no TTL is set.
func (b *Buffer) EvictStale(now time.Time) int {
	if b.staleAfter <= 0 {
		return 0
	}
	cutoff := now.Add(-b.staleAfter)
	removed := 0
	for id, e := range b.entries {
		if e.lastSeen.Before(cutoff) {
			delete(b.entries, id)
			removed++
		}
	}
	return removed
}
