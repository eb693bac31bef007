// Package roads fetches the static road geometry once and keeps it for the
// life of the process.
package roads

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"livetraffic/internal/model"
)

var ErrNotLoaded = errors.New("roads: not loaded")

// Stats tells how much of the source made it into the cache. Limit is zero
// when no cap is configured.
type Stats struct {
	Total     int  `json:"total"`
	Returned  int  `json:"returned"`
	Limit     int  `json:"limit"`
	Truncated bool `json:"truncated"`
}

// Status of the one-shot load.
type Status int

const (
	NotLoaded Status = iota
	Loading
	Loaded
	Failed
)

func (s Status) String() string {
	switch s {
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	case Failed:
		return "failed"
	default:
		return "not_loaded"
	}
}

// Cache holds the road set. Load runs the source at most once; a failed
// load is kept and never retried.
type Cache struct {
	src   Source
	limit int

	mu       sync.Mutex
	status   Status
	done     chan struct{}
	segments []model.RoadSegment
	stats    Stats
	err      error
}

// NewCache caps the road set at limit segments; limit <= 0 keeps everything.
// The cap bounds memory and render cost for very large maps; what it cut is
// reported in Stats and logged.
func NewCache(src Source, limit int) *Cache {
	if limit < 0 {
		limit = 0
	}
	return &Cache{src: src, limit: limit, done: make(chan struct{})}
}

// Load fetches the road set on the first call. Concurrent and later calls
// wait for that fetch and return its result.
func (c *Cache) Load(ctx context.Context) ([]model.RoadSegment, Stats, error) {
	c.mu.Lock()
	if c.status != NotLoaded {
		c.mu.Unlock()
		select {
		case <-c.done:
		case <-ctx.Done():
			return nil, Stats{}, ctx.Err()
		}
		return c.Roads()
	}
	c.status = Loading
	c.mu.Unlock()

	segments, err := c.src.Fetch(ctx)
	var stats Stats
	if err == nil {
		segments, stats = truncate(segments, c.limit)
		if stats.Truncated {
			log.Printf("roads loaded: %d of %d segments (cap %d)", stats.Returned, stats.Total, stats.Limit)
		} else {
			log.Printf("roads loaded: %d segments", stats.Returned)
		}
	} else {
		err = fmt.Errorf("load roads: %w", err)
		log.Printf("%v", err)
	}

	c.mu.Lock()
	c.segments = segments
	c.stats = stats
	c.err = err
	if err != nil {
		c.status = Failed
	} else {
		c.status = Loaded
	}
	close(c.done)
	c.mu.Unlock()
	return c.Roads()
}

// Roads returns a copy of the cached set. Before the load has finished it
// returns ErrNotLoaded; after a failed load it returns that failure.
func (c *Cache) Roads() ([]model.RoadSegment, Stats, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.status {
	case Loaded:
		out := make([]model.RoadSegment, len(c.segments))
		for i, s := range c.segments {
			out[i] = s.Clone()
		}
		return out, c.stats, nil
	case Failed:
		return nil, Stats{}, c.err
	default:
		return nil, Stats{}, ErrNotLoaded
	}
}

func (c *Cache) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func truncate(segments []model.RoadSegment, limit int) ([]model.RoadSegment, Stats) {
	stats := Stats{Total: len(segments), Returned: len(segments), Limit: limit}
	if limit > 0 && len(segments) > limit {
		segments = segments[:limit:limit]
		stats.Returned = limit
		stats.Truncated = true
	}
	return segments, stats
}
