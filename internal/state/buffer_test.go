package state

import (
	"fmt"
	"testing"
	"time"

	"livetraffic/internal/model"
)

type fakeClock struct{ t time.Time }

func newFakeClock() *fakeClock { return &fakeClock{t: time.Unix(1700000000, 0)} }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func vehicle(id string, lat float64) model.VehicleState {
	return model.VehicleState{ID: id, Lat: lat, Lon: lat * 2}
}

func TestUpsertLastWriteWins(t *testing.T) {
	b := NewBuffer()
	want := map[string]model.VehicleState{}
	for i := 0; i < 100; i++ {
		v := vehicle(fmt.Sprintf("v%d", i%7), float64(i))
		b.Upsert(v)
		want[v.ID] = v
	}
	if b.Len() != len(want) {
		t.Fatalf("len = %d, want %d", b.Len(), len(want))
	}
	for id, w := range want {
		got, ok := b.Get(id)
		if !ok || got != w {
			t.Fatalf("Get(%s) = %+v, %v; want %+v", id, got, ok, w)
		}
	}
}

func TestUpsertReplacesWholeRecord(t *testing.T) {
	b := NewBuffer()
	b.Upsert(model.VehicleState{ID: "a", Lat: 1, Lon: 2, Speed: 30})
	b.Upsert(model.VehicleState{ID: "a", Lat: 3, Lon: 4})
	got, _ := b.Get("a")
	if got.Speed != 0 {
		t.Fatalf("speed was merged from the previous record: %+v", got)
	}
}

func TestUpsertAllKeepsLastPerID(t *testing.T) {
	b := NewBuffer()
	b.UpsertAll([]model.VehicleState{vehicle("a", 1), vehicle("b", 2), vehicle("a", 3)})
	got, _ := b.Get("a")
	if got.Lat != 3 || b.Len() != 2 {
		t.Fatalf("a = %+v, len = %d", got, b.Len())
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	b := NewBuffer()
	b.Upsert(vehicle("b", 2))
	b.Upsert(vehicle("a", 1))

	snap := b.Snapshot()
	if len(snap) != 2 || snap[0].ID != "a" || snap[1].ID != "b" {
		t.Fatalf("snapshot = %+v", snap)
	}
	snap[0].Lat = 99
	b.Upsert(vehicle("c", 3))

	if got, _ := b.Get("a"); got.Lat != 1 {
		t.Fatalf("mutating the snapshot changed the buffer: %+v", got)
	}
	if len(snap) != 2 {
		t.Fatalf("snapshot grew after a later upsert: %+v", snap)
	}
}

func TestEvictStaleDisabledByDefault(t *testing.T) {
	clock := newFakeClock()
	b := NewBuffer(WithClock(clock.Now))
	b.Upsert(vehicle("a", 1))
	clock.Advance(24 * time.Hour)
	if n := b.EvictStale(clock.Now()); n != 0 || b.Len() != 1 {
		t.Fatalf("evicted %d, len %d; want nothing evicted", n, b.Len())
	}
}

func TestEvictStale(t *testing.T) {
	clock := newFakeClock()
	b := NewBuffer(WithClock(clock.Now), WithStaleAfter(time.Minute))
	b.Upsert(vehicle("old", 1))
	clock.Advance(45 * time.Second)
	b.Upsert(vehicle("fresh", 2))
	clock.Advance(30 * time.Second)

	if n := b.EvictStale(clock.Now()); n != 1 {
		t.Fatalf("evicted %d, want 1", n)
	}
	if _, ok := b.Get("old"); ok {
		t.Fatal("stale record still present")
	}
	if _, ok := b.Get("fresh"); !ok {
		t.Fatal("fresh record was evicted")
	}
}
