// Package engine wires the stream, normalizer, vehicle table and snapshot
// scheduler into one event loop, with the road cache loading alongside.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"livetraffic/internal/channel"
	"livetraffic/internal/config"
	"livetraffic/internal/logging"
	"livetraffic/internal/model"
	"livetraffic/internal/normalize"
	"livetraffic/internal/roads"
	"livetraffic/internal/scheduler"
	"livetraffic/internal/state"
	"livetraffic/internal/viewport"
)

const dropReportInterval = 5 * time.Second

var ErrAlreadyRunning = errors.New("engine: already running")

// Options replace the engine's collaborators, mostly for tests. Zero values
// use the network and the wall clock.
type Options struct {
	Dialer     channel.Dialer
	NewTicker  scheduler.TickerFunc
	Now        func() time.Time
	RoadSource roads.Source
}

// Stats is a point-in-time view of the engine counters.
type Stats struct {
	FramesReceived     uint64
	FramesMalformed    uint64
	FramesUnrecognized uint64
	RecordsUpserted    uint64
	RecordsSkipped     uint64
	RecordsEvicted     uint64
	SnapshotsPublished uint64
	TicksSkipped       uint64
	Vehicles           int
	Stream             channel.State
	Dropouts           uint64
	Roads              roads.Status
}

type Engine struct {
	cfg      *config.Config
	stream   *channel.Channel
	viewport *viewport.Subscription
	buffer   *state.Buffer
	sched    *scheduler.Scheduler
	roads    *roads.Cache

	framesReceived     atomic.Uint64
	framesMalformed    atomic.Uint64
	framesUnrecognized atomic.Uint64
	recordsUpserted    atomic.Uint64
	recordsSkipped     atomic.Uint64
	recordsEvicted     atomic.Uint64
	vehicles           atomic.Int64

	// owned by the loop
	lastDropReport time.Time
	reportedDrops  uint64

	mu      sync.Mutex
	running bool
}

func New(cfg *config.Config, opts Options) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	src := opts.RoadSource
	if src == nil {
		switch cfg.Roads.Source {
		case "geojson":
			src = roads.GeoJSONSource{Path: cfg.Roads.GeoJSONPath}
		default:
			src = roads.NewHTTPSource(cfg.MapURL(), cfg.Server.HTTPTimeout)
		}
	}
	stream := channel.New(cfg.StreamURL(), channel.Options{
		Dialer:       opts.Dialer,
		InitialDelay: cfg.Reconnect.InitialDelay,
		MaxDelay:     cfg.Reconnect.MaxDelay,
		OnState: func(s channel.State) {
			log.Printf("stream state: %s", s)
		},
	})
	buffer := state.NewBuffer(state.WithClock(now), state.WithStaleAfter(cfg.State.StaleAfter))
	return &Engine{
		cfg:      cfg,
		stream:   stream,
		viewport: viewport.New(stream, cfg.Viewport.LiveResubscribe),
		buffer:   buffer,
		sched:    scheduler.New(buffer, cfg.Scheduler.Interval, opts.NewTicker),
		roads:    roads.NewCache(src, cfg.Roads.MaxSegments),
	}, nil
}

// Subscribe registers a snapshot consumer. Handlers run on the engine loop
// and receive their own copy of each snapshot; they must not block.
func (e *Engine) Subscribe(h func(model.Snapshot)) (cancel func()) {
	return e.sched.Subscribe(h)
}

// Roads returns the road geometry once loaded. Before then the error is
// roads.ErrNotLoaded; a failed load returns its error.
func (e *Engine) Roads() ([]model.RoadSegment, roads.Stats, error) {
	return e.roads.Roads()
}

// Viewport is the subscription driving the stream, for reporting view
// changes.
func (e *Engine) Viewport() *viewport.Subscription { return e.viewport }

func (e *Engine) Stats() Stats {
	return Stats{
		FramesReceived:     e.framesReceived.Load(),
		FramesMalformed:    e.framesMalformed.Load(),
		FramesUnrecognized: e.framesUnrecognized.Load(),
		RecordsUpserted:    e.recordsUpserted.Load(),
		RecordsSkipped:     e.recordsSkipped.Load(),
		RecordsEvicted:     e.recordsEvicted.Load(),
		SnapshotsPublished: e.sched.Published(),
		TicksSkipped:       e.sched.Skipped(),
		Vehicles:           int(e.vehicles.Load()),
		Stream:             e.stream.State(),
		Dropouts:           e.stream.Dropouts(),
		Roads:              e.roads.Status(),
	}
}

// Start runs the engine in the background. The returned stop cancels it and
// waits for the loop, the stream and the ticker to shut down.
func (e *Engine) Start(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := e.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("engine stopped: %v", err)
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

// Run binds the initial viewport, starts the road load and processes frames
// and ticks until ctx is done. An engine runs once; the stream is closed on
// return.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	e.running = true
	e.mu.Unlock()

	defer e.stream.Close()

	go e.roads.Load(ctx)

	vp := e.cfg.Viewport
	if _, err := e.viewport.Bind(viewport.View{CenterLat: vp.CenterLat, CenterLon: vp.CenterLon, RadiusKm: vp.RadiusKm}); err != nil {
		return fmt.Errorf("bind viewport: %w", err)
	}

	ticker := e.sched.NewTicker()
	defer ticker.Stop()

	frames := e.stream.Frames()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-frames:
			if !ok {
				frames = nil
				continue
			}
			e.handleFrame(f)
		case now := <-ticker.C():
			e.tick(now)
		}
	}
}

func (e *Engine) handleFrame(f channel.Frame) {
	e.framesReceived.Add(1)

	var (
		res normalize.Result
		err error
	)
	switch f.Kind {
	case channel.BinaryFrame:
		res, err = normalize.DecodeGTFS(f.Data)
	default:
		res, err = normalize.Decode(f.Data)
	}
	if err != nil {
		e.framesMalformed.Add(1)
		if logging.DebugEnabled() {
			logging.Debugf("dropping frame %s: %v", preview(f), err)
		}
		return
	}
	if res.Skipped > 0 {
		e.recordsSkipped.Add(uint64(res.Skipped))
	}

	switch res.Shape {
	case normalize.ArrayOfEntities, normalize.WrappedEntities, normalize.SingleEntity:
		e.buffer.UpsertAll(res.Vehicles)
		e.recordsUpserted.Add(uint64(len(res.Vehicles)))
		e.vehicles.Store(int64(e.buffer.Len()))
	case normalize.Unrecognized:
		e.framesUnrecognized.Add(1)
		if logging.DebugEnabled() {
			logging.Debugf("dropping frame with unrecognized shape: %s", preview(f))
		}
	}
}

func (e *Engine) tick(now time.Time) {
	if n := e.buffer.EvictStale(now); n > 0 {
		e.recordsEvicted.Add(uint64(n))
		logging.Debugf("evicted %d stale vehicles", n)
	}
	e.vehicles.Store(int64(e.buffer.Len()))
	e.sched.Tick(now)
	e.reportDrops(now)
}

// reportDrops logs a summary of dropped frames at most once per interval so
// a noisy stream cannot flood the log.
func (e *Engine) reportDrops(now time.Time) {
	if now.Sub(e.lastDropReport) < dropReportInterval {
		return
	}
	malformed, unrecognized := e.framesMalformed.Load(), e.framesUnrecognized.Load()
	total := malformed + unrecognized
	if total == e.reportedDrops {
		return
	}
	log.Printf("dropped frames: %d (totals: malformed %d, unrecognized %d)", total-e.reportedDrops, malformed, unrecognized)
	e.reportedDrops = total
	e.lastDropReport = now
}

const previewLen = 64

// preview renders the start of a frame for debug logs.
func preview(f channel.Frame) string {
	data := f.Data
	suffix := ""
	if len(data) > previewLen {
		data, suffix = data[:previewLen], "..."
	}
	if f.Kind == channel.BinaryFrame {
		return fmt.Sprintf("(%d bytes) %x%s", len(f.Data), data, suffix)
	}
	return fmt.Sprintf("(%d bytes) %q%s", len(f.Data), data, suffix)
}
