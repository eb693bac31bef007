package relay

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"livetraffic/internal/model"
	"livetraffic/internal/normalize"
)

const writeTimeout = 5 * time.Second

// Encoder turns a vehicle set into websocket messages.
//
//	json/array    one text message: [{...}, ...]
//	json/wrapped  one text message: {"vehicles": [...]}
//	json/single   one text message per vehicle: {...}
//	gtfs-rt       one binary FeedMessage, whatever the shape
type Encoder struct {
	Shape    string
	Encoding string
	Now      func() time.Time
}

type message struct {
	kind int
	data []byte
}

func (e Encoder) encode(vehicles []model.VehicleState) ([]message, error) {
	if vehicles == nil {
		vehicles = []model.VehicleState{}
	}
	if e.Encoding == "gtfs-rt" {
		now := time.Now
		if e.Now != nil {
			now = e.Now
		}
		data, err := normalize.EncodeGTFS(vehicles, uint64(now().Unix()))
		if err != nil {
			return nil, err
		}
		return []message{{websocket.BinaryMessage, data}}, nil
	}
	switch e.Shape {
	case "single":
		out := make([]message, 0, len(vehicles))
		for _, v := range vehicles {
			data, err := json.Marshal(v)
			if err != nil {
				return nil, err
			}
			out = append(out, message{websocket.TextMessage, data})
		}
		return out, nil
	case "wrapped":
		data, err := json.Marshal(struct {
			Vehicles []model.VehicleState `json:"vehicles"`
		}{vehicles})
		if err != nil {
			return nil, err
		}
		return []message{{websocket.TextMessage, data}}, nil
	case "array", "":
		data, err := json.Marshal(vehicles)
		if err != nil {
			return nil, err
		}
		return []message{{websocket.TextMessage, data}}, nil
	}
	return nil, fmt.Errorf("unknown frame shape %q", e.Shape)
}

type client struct {
	conn   *websocket.Conn
	params model.SubscriptionParams
}

// Hub fans vehicle sets out to websocket clients, each filtered to its own
// subscription radius. Writes happen under the hub lock, so every
// connection has a single writer.
type Hub struct {
	enc Encoder

	mu      sync.Mutex
	clients map[*client]struct{}
	replay  func() []model.VehicleState
}

func NewHub(enc Encoder) *Hub {
	return &Hub{enc: enc, clients: make(map[*client]struct{})}
}

// ReplayFrom sets where newly attached clients get their first vehicle set,
// typically Poller.Last. Without it they start from an empty set.
func (h *Hub) ReplayFrom(last func() []model.VehicleState) {
	h.mu.Lock()
	h.replay = last
	h.mu.Unlock()
}

// Attach registers conn, sends it the latest vehicle set and starts
// draining its reads. The hub owns conn from here on.
func (h *Hub) Attach(conn *websocket.Conn, params model.SubscriptionParams) {
	c := &client{conn: conn, params: params}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	var initial []model.VehicleState
	if h.replay != nil {
		initial = h.replay()
	}
	if err := h.send(c, initial); err != nil {
		h.dropLocked(c)
	}
	h.mu.Unlock()
	go h.readPump(c)
}

// Broadcast sends vehicles to every client.
func (h *Hub) Broadcast(vehicles []model.VehicleState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if err := h.send(c, vehicles); err != nil {
			log.Printf("ws write error: %v", err)
			h.dropLocked(c)
		}
	}
}

// Clients is the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		h.dropLocked(c)
	}
}

func (h *Hub) send(c *client, vehicles []model.VehicleState) error {
	visible := make([]model.VehicleState, 0, len(vehicles))
	for _, v := range vehicles {
		if c.params.Contains(v) {
			visible = append(visible, v)
		}
	}
	msgs, err := h.enc.encode(visible)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.conn.WriteMessage(m.kind, m.data); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hub) dropLocked(c *client) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	c.conn.Close()
}

func (h *Hub) readPump(c *client) {
	defer func() {
		h.mu.Lock()
		h.dropLocked(c)
		h.mu.Unlock()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
