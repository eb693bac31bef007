package channel

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"livetraffic/internal/model"
)

// streamServer accepts websocket connections and hands each one to the test.
type streamServer struct {
	srv      *httptest.Server
	conns    chan *websocket.Conn
	mu       sync.Mutex
	queries  []url.Values
	upgrader websocket.Upgrader
}

func newStreamServer(t *testing.T) *streamServer {
	t.Helper()
	s := &streamServer{conns: make(chan *websocket.Conn, 8)}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.queries = append(s.queries, r.URL.Query())
		s.mu.Unlock()
		s.conns <- conn
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *streamServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws"
}

func (s *streamServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-s.conns:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("no connection accepted")
		return nil
	}
}

func (s *streamServer) query(i int) url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries[i]
}

// stateLog records transitions reported through Options.OnState.
type stateLog struct {
	ch chan State
}

func newStateLog() *stateLog { return &stateLog{ch: make(chan State, 64)} }

func (l *stateLog) record(s State) { l.ch <- s }

func (l *stateLog) expect(t *testing.T, want ...State) {
	t.Helper()
	for _, w := range want {
		select {
		case got := <-l.ch:
			if got != w {
				t.Fatalf("state = %v, want %v", got, w)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for state %v", w)
		}
	}
}

func readFrame(t *testing.T, c *Channel) Frame {
	t.Helper()
	select {
	case f, ok := <-c.Frames():
		if !ok {
			t.Fatal("frames channel closed")
		}
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return Frame{}
	}
}

func TestBuildURL(t *testing.T) {
	got, err := BuildURL("ws://localhost:3000/ws", model.SubscriptionParams{CenterLat: 52.52, CenterLon: 13.405, RadiusKm: 2.5})
	if err != nil {
		t.Fatal(err)
	}
	u, _ := url.Parse(got)
	q := u.Query()
	if u.Path != "/ws" || q.Get("lat") != "52.52" || q.Get("lon") != "13.405" || q.Get("radius_km") != "2.5" {
		t.Fatalf("url = %s", got)
	}

	got, err = BuildURL("ws://localhost:3000/ws?radius_km=9", model.SubscriptionParams{CenterLat: 1, CenterLon: 2})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(got, "radius_km") {
		t.Fatalf("radius_km present without a radius: %s", got)
	}
}

func TestFramesForwardedVerbatim(t *testing.T) {
	srv := newStreamServer(t)
	states := newStateLog()
	c := New(srv.url(), Options{OnState: states.record})
	t.Cleanup(func() { c.Close() })

	if err := c.Open(model.SubscriptionParams{CenterLat: 52.5, CenterLon: 13.4, RadiusKm: 3}); err != nil {
		t.Fatal(err)
	}
	conn := srv.accept(t)
	states.expect(t, Connecting, Connected)

	if q := srv.query(0); q.Get("lat") != "52.5" || q.Get("radius_km") != "3" {
		t.Fatalf("query = %v", q)
	}

	payloads := []string{`[{"id":"a"}]`, `not json`, `{"id":"b"}`}
	for _, p := range payloads {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(p)); err != nil {
			t.Fatal(err)
		}
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}); err != nil {
		t.Fatal(err)
	}
	for _, p := range payloads {
		f := readFrame(t, c)
		if f.Kind != TextFrame || string(f.Data) != p {
			t.Fatalf("frame = %v %q, want text %q", f.Kind, f.Data, p)
		}
	}
	if f := readFrame(t, c); f.Kind != BinaryFrame || len(f.Data) != 3 {
		t.Fatalf("binary frame = %+v", f)
	}
}

func TestReconnectAfterDrop(t *testing.T) {
	srv := newStreamServer(t)
	states := newStateLog()
	c := New(srv.url(), Options{OnState: states.record})
	t.Cleanup(func() { c.Close() })

	if err := c.Open(model.SubscriptionParams{CenterLat: 1, CenterLon: 2}); err != nil {
		t.Fatal(err)
	}
	first := srv.accept(t)
	states.expect(t, Connecting, Connected)
	first.WriteMessage(websocket.TextMessage, []byte(`{"id":"a"}`))
	readFrame(t, c)

	first.Close()
	states.expect(t, Reconnecting, Connected)

	second := srv.accept(t)
	second.WriteMessage(websocket.TextMessage, []byte(`{"id":"b"}`))
	if f := readFrame(t, c); string(f.Data) != `{"id":"b"}` {
		t.Fatalf("frame after reconnect = %q", f.Data)
	}
	if c.Dropouts() != 1 {
		t.Fatalf("dropouts = %d, want 1", c.Dropouts())
	}
	if q := srv.query(1); q.Get("lat") != "1" || q.Get("lon") != "2" {
		t.Fatalf("reconnect used different params: %v", q)
	}
}

func TestCloseIsTerminal(t *testing.T) {
	srv := newStreamServer(t)
	states := newStateLog()
	c := New(srv.url(), Options{OnState: states.record})

	if err := c.Open(model.SubscriptionParams{}); err != nil {
		t.Fatal(err)
	}
	srv.accept(t)
	states.expect(t, Connecting, Connected)

	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	states.expect(t, Disconnected)
	if c.State() != Disconnected {
		t.Fatalf("state = %v", c.State())
	}
	if _, ok := <-c.Frames(); ok {
		t.Fatal("frames channel still open after Close")
	}
	if err := c.Open(model.SubscriptionParams{}); !errors.Is(err, ErrClosed) {
		t.Fatalf("Open after Close = %v, want ErrClosed", err)
	}
	select {
	case <-srv.conns:
		t.Fatal("channel redialed after Close")
	case <-time.After(100 * time.Millisecond):
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second Close = %v", err)
	}
}

func TestOpenTwice(t *testing.T) {
	srv := newStreamServer(t)
	c := New(srv.url(), Options{})
	t.Cleanup(func() { c.Close() })
	if err := c.Open(model.SubscriptionParams{}); err != nil {
		t.Fatal(err)
	}
	if err := c.Open(model.SubscriptionParams{}); !errors.Is(err, ErrAlreadyOpen) {
		t.Fatalf("second Open = %v, want ErrAlreadyOpen", err)
	}
}

func TestResubscribeUsesNewParams(t *testing.T) {
	srv := newStreamServer(t)
	states := newStateLog()
	c := New(srv.url(), Options{OnState: states.record, InitialDelay: time.Hour})
	t.Cleanup(func() { c.Close() })

	if err := c.Open(model.SubscriptionParams{CenterLat: 1, CenterLon: 1}); err != nil {
		t.Fatal(err)
	}
	srv.accept(t)
	states.expect(t, Connecting, Connected)

	if err := c.Resubscribe(model.SubscriptionParams{CenterLat: 5, CenterLon: 6, RadiusKm: 1}); err != nil {
		t.Fatal(err)
	}
	// A resubscribe redials straight away, ignoring the hour-long delay.
	states.expect(t, Reconnecting, Connected)
	second := srv.accept(t)
	if q := srv.query(1); q.Get("lat") != "5" || q.Get("lon") != "6" || q.Get("radius_km") != "1" {
		t.Fatalf("resubscribe query = %v", q)
	}
	second.WriteMessage(websocket.TextMessage, []byte(`[]`))
	readFrame(t, c)
	if c.Dropouts() != 0 {
		t.Fatalf("dropouts after resubscribe = %d, want 0", c.Dropouts())
	}
}

type failingDialer struct {
	mu    sync.Mutex
	calls int
}

func (d *failingDialer) DialContext(ctx context.Context, _ string) (Conn, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	return nil, errors.New("connection refused")
}

func (d *failingDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

func TestDialFailuresKeepRetrying(t *testing.T) {
	d := &failingDialer{}
	c := New("ws://unreachable.invalid/ws", Options{Dialer: d, InitialDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond})

	if err := c.Open(model.SubscriptionParams{}); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for d.count() < 5 {
		if time.Now().After(deadline) {
			t.Fatalf("only %d dial attempts", d.count())
		}
		time.Sleep(time.Millisecond)
	}
	if c.State() != Reconnecting {
		t.Fatalf("state = %v, want reconnecting", c.State())
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	n := d.count()
	time.Sleep(20 * time.Millisecond)
	if d.count() != n {
		t.Fatal("dialing continued after Close")
	}
}

func TestNextDelay(t *testing.T) {
	c := New("ws://x/ws", Options{InitialDelay: 100 * time.Millisecond, MaxDelay: 350 * time.Millisecond})
	want := []time.Duration{100, 200, 350, 350}
	var d time.Duration
	for i, w := range want {
		d = c.nextDelay(d)
		if d != w*time.Millisecond {
			t.Fatalf("step %d: delay = %v, want %v", i, d, w*time.Millisecond)
		}
	}

	immediate := New("ws://x/ws", Options{})
	if d := immediate.nextDelay(immediate.nextDelay(0)); d != 0 {
		t.Fatalf("zero initial delay backed off to %v", d)
	}
}
