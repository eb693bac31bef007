// Package viewport turns the visible map area into stream subscription
// parameters.
package viewport

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"livetraffic/internal/model"
)

var (
	ErrAlreadyBound = errors.New("viewport: already bound")
	ErrNotBound     = errors.New("viewport: not bound")
	ErrInvalidView  = errors.New("viewport: invalid view")
)

// View is what the map currently shows. RadiusKm is optional; zero means
// the stream is not limited by distance.
type View struct {
	CenterLat float64
	CenterLon float64
	RadiusKm  float64
}

func (v View) validate() error {
	switch {
	case v.CenterLat < -90 || v.CenterLat > 90:
		return fmt.Errorf("%w: latitude %v", ErrInvalidView, v.CenterLat)
	case v.CenterLon < -180 || v.CenterLon > 180:
		return fmt.Errorf("%w: longitude %v", ErrInvalidView, v.CenterLon)
	case v.RadiusKm < 0:
		return fmt.Errorf("%w: radius %v", ErrInvalidView, v.RadiusKm)
	}
	return nil
}

// Params converts the view into subscription parameters.
func (v View) Params() model.SubscriptionParams {
	return model.SubscriptionParams{CenterLat: v.CenterLat, CenterLon: v.CenterLon, RadiusKm: v.RadiusKm}
}

// Opener is the stream the subscription drives.
type Opener interface {
	Open(model.SubscriptionParams) error
	Resubscribe(model.SubscriptionParams) error
}

// Subscription binds a view to the stream once. Later view changes are only
// pushed to the stream when live resubscription is enabled; otherwise they
// wait in Pending until Apply reconnects with them.
type Subscription struct {
	stream Opener
	live   bool

	mu      sync.Mutex
	bound   bool
	current model.SubscriptionParams
	pending *model.SubscriptionParams
}

func New(stream Opener, live bool) *Subscription {
	return &Subscription{stream: stream, live: live}
}

// Bind opens the stream for the initial view.
func (s *Subscription) Bind(v View) (model.SubscriptionParams, error) {
	if err := v.validate(); err != nil {
		return model.SubscriptionParams{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bound {
		return s.current, ErrAlreadyBound
	}
	p := v.Params()
	if err := s.stream.Open(p); err != nil {
		return model.SubscriptionParams{}, fmt.Errorf("open stream: %w", err)
	}
	s.bound = true
	s.current = p
	log.Printf("viewport bound: lat=%v lon=%v radius_km=%v", p.CenterLat, p.CenterLon, p.RadiusKm)
	return p, nil
}

// Update reports a new view. It returns true when the stream was
// resubscribed.
func (s *Subscription) Update(v View) (bool, error) {
	if err := v.validate(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.bound {
		return false, ErrNotBound
	}
	p := v.Params()
	if p == s.current {
		s.pending = nil
		return false, nil
	}
	if !s.live {
		s.pending = &p
		log.Printf("viewport changed, stream keeps lat=%v lon=%v until reconnect", s.current.CenterLat, s.current.CenterLon)
		return false, nil
	}
	return true, s.resubscribeLocked(p)
}

// Pending returns a view change that has not reached the stream yet.
func (s *Subscription) Pending() (model.SubscriptionParams, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return model.SubscriptionParams{}, false
	}
	return *s.pending, true
}

// Apply reconnects the stream with the pending view, if any.
func (s *Subscription) Apply() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending == nil {
		return nil
	}
	return s.resubscribeLocked(*s.pending)
}

// Params returns the parameters the stream was last opened with.
func (s *Subscription) Params() model.SubscriptionParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Subscription) resubscribeLocked(p model.SubscriptionParams) error {
	if err := s.stream.Resubscribe(p); err != nil {
		return fmt.Errorf("resubscribe stream: %w", err)
	}
	s.current = p
	s.pending = nil
	log.Printf("viewport resubscribed: lat=%v lon=%v radius_km=%v", p.CenterLat, p.CenterLon, p.RadiusKm)
	return nil
}
