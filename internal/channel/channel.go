// Package channel keeps one logical websocket subscription open to the
// telemetry stream, redialing whenever the connection drops.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"livetraffic/internal/model"
)

var (
	ErrClosed      = errors.New("channel: closed")
	ErrAlreadyOpen = errors.New("channel: already open")
)

// State of the connection.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "disconnected"
	}
}

// FrameKind mirrors the websocket message type.
type FrameKind int

const (
	TextFrame FrameKind = iota
	BinaryFrame
)

// Frame is one message exactly as received; the payload is not decoded.
type Frame struct {
	Kind     FrameKind
	Data     []byte
	Received time.Time
}

// Conn is the read side of a websocket connection.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// Dialer opens a Conn to a fully built stream URL.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string) (Conn, error)
}

// WebsocketDialer dials with gorilla/websocket.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
	Header http.Header
}

func (d WebsocketDialer) DialContext(ctx context.Context, urlStr string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, urlStr, d.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (http status %d)", urlStr, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", urlStr, err)
	}
	return conn, nil
}

// Options tune a Channel. Zero values are usable: gorilla's default dialer,
// a 256-frame queue and immediate redial with no backoff.
type Options struct {
	Dialer Dialer
	// QueueSize bounds frames received but not yet consumed. A full queue
	// stops reading from the socket until the consumer catches up.
	QueueSize int
	// InitialDelay is the wait before redialing after a drop. Failed dials
	// double it up to MaxDelay. Zero redials immediately, forever.
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// OnState is called from the connection goroutine on every transition.
	OnState func(State)
}

// Channel is a single streaming subscription.
type Channel struct {
	baseURL string
	opts    Options
	frames  chan Frame
	state   atomic.Int32

	mu       sync.Mutex
	params   model.SubscriptionParams
	opened   bool
	closed   bool
	resub    bool
	conn     Conn
	cancel   context.CancelFunc
	done     chan struct{}
	dropouts atomic.Uint64
}

// New prepares a channel for the stream at baseURL (for example
// ws://localhost:3000/ws). Nothing is dialed until Open.
func New(baseURL string, opts Options) *Channel {
	if opts.Dialer == nil {
		opts.Dialer = WebsocketDialer{}
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.MaxDelay < opts.InitialDelay {
		opts.MaxDelay = opts.InitialDelay
	}
	return &Channel{
		baseURL: baseURL,
		opts:    opts,
		frames:  make(chan Frame, opts.QueueSize),
	}
}

// BuildURL appends the subscription parameters to base as lat, lon and,
// when present, radius_km.
func BuildURL(base string, p model.SubscriptionParams) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse stream url: %w", err)
	}
	q := u.Query()
	q.Set("lat", strconv.FormatFloat(p.CenterLat, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(p.CenterLon, 'f', -1, 64))
	if p.HasRadius() {
		q.Set("radius_km", strconv.FormatFloat(p.RadiusKm, 'f', -1, 64))
	} else {
		q.Del("radius_km")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Open starts the connection with params fixed for its lifetime. It returns
// once the connection goroutine is running; dial failures are retried there.
func (c *Channel) Open(params model.SubscriptionParams) error {
	if _, err := BuildURL(c.baseURL, params); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.opened {
		return ErrAlreadyOpen
	}
	c.opened = true
	c.params = params
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.run(ctx)
	return nil
}

// Resubscribe drops the current connection and reconnects with params.
// Frames keep flowing on the same Frames channel.
func (c *Channel) Resubscribe(params model.SubscriptionParams) error {
	if _, err := BuildURL(c.baseURL, params); err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if !c.opened {
		c.mu.Unlock()
		return c.Open(params)
	}
	c.params = params
	conn := c.conn
	if conn != nil {
		c.resub = true
	}
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	return nil
}

// Frames delivers received frames in arrival order. It is closed after Close.
func (c *Channel) Frames() <-chan Frame { return c.frames }

func (c *Channel) State() State { return State(c.state.Load()) }

// Params returns the parameters used for the next or current dial.
func (c *Channel) Params() model.SubscriptionParams {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.params
}

// Dropouts counts connections lost after having been established.
func (c *Channel) Dropouts() uint64 { return c.dropouts.Load() }

// Close stops the connection for good. No reconnect follows.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	opened := c.opened
	if c.cancel != nil {
		c.cancel()
	}
	conn := c.conn
	done := c.done
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if opened {
		<-done
	} else {
		close(c.frames)
	}
	c.setState(Disconnected)
	return nil
}

func (c *Channel) setState(s State) {
	if State(c.state.Swap(int32(s))) == s {
		return
	}
	if c.opts.OnState != nil {
		c.opts.OnState(s)
	}
}

func (c *Channel) run(ctx context.Context) {
	defer close(c.done)
	defer close(c.frames)

	var delay time.Duration
	c.setState(Connecting)
	for {
		c.mu.Lock()
		params := c.params
		c.mu.Unlock()
		target, _ := BuildURL(c.baseURL, params)

		conn, err := c.opts.Dialer.DialContext(ctx, target)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("ws dial error: %v", err)
			c.setState(Reconnecting)
			delay = c.nextDelay(delay)
			if !sleep(ctx, delay) {
				return
			}
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			conn.Close()
			return
		}
		c.conn = conn
		c.mu.Unlock()

		c.setState(Connected)
		log.Printf("ws connected: %s", target)
		delay = 0

		err = c.read(ctx, conn)

		c.mu.Lock()
		c.conn = nil
		resub := c.resub
		c.resub = false
		closed := c.closed
		c.mu.Unlock()
		conn.Close()
		if closed || ctx.Err() != nil {
			return
		}

		c.setState(Reconnecting)
		if resub {
			log.Printf("ws resubscribing")
			continue
		}
		c.dropouts.Add(1)
		log.Printf("ws connection lost: %v", err)
		delay = c.opts.InitialDelay
		if !sleep(ctx, delay) {
			return
		}
	}
}

func (c *Channel) read(ctx context.Context, conn Conn) error {
	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		kind := TextFrame
		if mt == websocket.BinaryMessage {
			kind = BinaryFrame
		}
		select {
		case c.frames <- Frame{Kind: kind, Data: data, Received: time.Now()}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Channel) nextDelay(d time.Duration) time.Duration {
	if d == 0 {
		return c.opts.InitialDelay
	}
	d *= 2
	if d > c.opts.MaxDelay {
		d = c.opts.MaxDelay
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
