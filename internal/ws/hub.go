package ws

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Msg is a message sent to scoreboard clients.
type Msg struct {
	Type    string `json:"type"`
	ArenaID string `json:"arena_id"`
	Data    any    `json:"data"`
}

// Hub manages per-arena WebSocket subscriptions. Engines publish queue
// snapshots, bookings, settlement results and audit alerts through it.
type Hub struct {
	mu      sync.RWMutex
	rooms   map[string]map[*conn]bool // arenaID -> set of conns
	allConn map[*conn]bool
}

type conn struct {
	ws    *websocket.Conn
	send  chan []byte
	hub   *Hub
	arena string
}

func NewHub() *Hub {
	return &Hub{
		rooms:   make(map[string]map[*conn]bool),
		allConn: make(map[*conn]bool),
	}
}

// Publish sends a message to all subscribers of an arena.
func (h *Hub) Publish(arenaID, msgType string, data any) {
	msg := Msg{Type: msgType, ArenaID: arenaID, Data: data}
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	// Hold the lock through the sends: removeConn closes send channels
	// under the write lock.
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[arenaID] {
		select {
		case c.send <- b:
		default:
			// slow client, drop
		}
	}
}

// HandleWS is the HTTP handler for WebSocket connections.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}
	c := &conn{
		ws:   wsConn,
		send: make(chan []byte, 64),
		hub:  h,
	}
	h.mu.Lock()
	h.allConn[c] = true
	h.mu.Unlock()

	go c.writePump()
	go c.readPump()
}

func (c *conn) readPump() {
	defer func() {
		c.hub.removeConn(c)
		c.ws.Close()
	}()
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			break
		}
		// Subscription message: {"action":"subscribe","arena_id":"..."}
		var sub struct {
			Action  string `json:"action"`
			ArenaID string `json:"arena_id"`
		}
		if err := json.Unmarshal(msg, &sub); err != nil {
			continue
		}
		switch sub.Action {
		case "subscribe":
			c.hub.subscribe(c, sub.ArenaID)
		case "unsubscribe":
			c.hub.unsubscribe(c, sub.ArenaID)
		}
	}
}

func (c *conn) writePump() {
	defer c.ws.Close()
	for msg := range c.send {
		if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
			break
		}
	}
}

func (h *Hub) subscribe(c *conn, arenaID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	// A client follows one arena at a time.
	if c.arena != "" {
		if room, ok := h.rooms[c.arena]; ok {
			delete(room, c)
			if len(room) == 0 {
				delete(h.rooms, c.arena)
			}
		}
	}
	c.arena = arenaID
	room, ok := h.rooms[arenaID]
	if !ok {
		room = make(map[*conn]bool)
		h.rooms[arenaID] = room
	}
	room[c] = true
}

func (h *Hub) unsubscribe(c *conn, arenaID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if room, ok := h.rooms[arenaID]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, arenaID)
		}
	}
	if c.arena == arenaID {
		c.arena = ""
	}
}

func (h *Hub) removeConn(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.allConn, c)
	if c.arena != "" {
		if room, ok := h.rooms[c.arena]; ok {
			delete(room, c)
			if len(room) == 0 {
				delete(h.rooms, c.arena)
			}
		}
	}
	close(c.send)
}
