// Package scheduler republishes the vehicle table at a fixed cadence,
// independent of how often updates arrive.
package scheduler

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"livetraffic/internal/model"
)

// Source is the table being published.
type Source interface {
	Len() int
	Snapshot() []model.VehicleState
}

// Handler receives each published snapshot. Handlers run on the caller of
// Tick and must not block.
type Handler func(model.Snapshot)

// Ticker delivers tick times until stopped.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFunc creates a Ticker firing every d.
type TickerFunc func(d time.Duration) Ticker

type timeTicker struct{ t *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

// NewTimeTicker is the wall-clock Ticker.
func NewTimeTicker(d time.Duration) Ticker {
	return timeTicker{t: time.NewTicker(d)}
}

type Scheduler struct {
	src       Source
	interval  time.Duration
	newTicker TickerFunc

	mu       sync.Mutex
	handlers map[uint64]Handler
	nextID   uint64

	seq       uint64
	published atomic.Uint64
	skipped   atomic.Uint64
}

// New returns a scheduler publishing src every interval. A nil newTicker
// uses the wall clock.
func New(src Source, interval time.Duration, newTicker TickerFunc) *Scheduler {
	if newTicker == nil {
		newTicker = NewTimeTicker
	}
	return &Scheduler{
		src:       src,
		interval:  interval,
		newTicker: newTicker,
		handlers:  make(map[uint64]Handler),
	}
}

func (s *Scheduler) Interval() time.Duration { return s.interval }

// NewTicker starts a ticker at the scheduler's interval. The caller owns it
// and must Stop it.
func (s *Scheduler) NewTicker() Ticker { return s.newTicker(s.interval) }

// Subscribe registers h and returns a function that removes it.
func (s *Scheduler) Subscribe(h Handler) (cancel func()) {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.handlers[id] = h
	s.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.handlers, id)
			s.mu.Unlock()
		})
	}
}

// Tick publishes one snapshot taken at now. An empty source is skipped and
// Tick reports false. Unchanged contents are published again.
func (s *Scheduler) Tick(now time.Time) bool {
	if s.src.Len() == 0 {
		s.skipped.Add(1)
		return false
	}
	vehicles := s.src.Snapshot()
	s.seq++
	seq := s.seq

	s.mu.Lock()
	handlers := make([]Handler, 0, len(s.handlers))
	for _, h := range s.handlers {
		handlers = append(handlers, h)
	}
	s.mu.Unlock()

	for _, h := range handlers {
		h(model.Snapshot{Seq: seq, At: now, Vehicles: slices.Clone(vehicles)})
	}
	s.published.Add(1)
	return true
}

// Published is the number of ticks that produced a snapshot.
func (s *Scheduler) Published() uint64 { return s.published.Load() }

// Skipped is the number of ticks that found the source empty.
func (s *Scheduler) Skipped() uint64 { return s.skipped.Load() }
