package relay

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"livetraffic/internal/model"
)

// Poller fetches the feed periodically and publishes the vehicle set when
// any position changed.
type Poller struct {
	feed       Feed
	minRefresh time.Duration
	timeout    time.Duration
	publish    func([]model.VehicleState)

	mu           sync.Mutex
	lastVehicles map[string]model.VehicleState
	fetched      bool
}

func NewPoller(feed Feed, minRefresh, timeout time.Duration, publish func([]model.VehicleState)) *Poller {
	return &Poller{
		feed:         feed,
		minRefresh:   minRefresh,
		timeout:      timeout,
		publish:      publish,
		lastVehicles: make(map[string]model.VehicleState),
	}
}

// Run polls until ctx is done. Slow upstreams stretch the interval to twice
// the fetch time.
func (p *Poller) Run(ctx context.Context) {
	t := time.NewTimer(0)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			start := time.Now()
			p.Poll(ctx)
			t.Reset(max(2*time.Since(start), p.minRefresh))
		}
	}
}

// Poll runs one fetch and publishes on change. It reports whether it
// published.
func (p *Poller) Poll(ctx context.Context) bool {
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	vehicles, err := p.feed.Fetch(ctx)
	if err != nil {
		log.Printf("poll error: %v", err)
		return false
	}
	log.Printf("fetched vehicles: %d", len(vehicles))

	changed, snapshot := p.detectChanges(vehicles)
	if !changed {
		return false
	}
	log.Printf("vehicles updated: %d", len(snapshot))
	p.publish(snapshot)
	return true
}

func (p *Poller) detectChanges(in []model.VehicleState) (bool, []model.VehicleState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	changed := !p.fetched
	current := make(map[string]model.VehicleState, len(in))
	for _, v := range in {
		if prev, ok := p.lastVehicles[v.ID]; !ok || prev != v {
			changed = true
		}
		current[v.ID] = v
	}
	if len(current) != len(p.lastVehicles) {
		changed = true
	}
	p.lastVehicles = current
	p.fetched = true
	return changed, sortedVehicles(current)
}

// Last returns the most recent vehicle set, ordered by id.
func (p *Poller) Last() []model.VehicleState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return sortedVehicles(p.lastVehicles)
}

func sortedVehicles(m map[string]model.VehicleState) []model.VehicleState {
	out := make([]model.VehicleState, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
