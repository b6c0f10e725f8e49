// Package hub streams runtime updates to websocket observers.
package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/plantflow/flowengine/pkg/logger"
)

// Rooms
const (
	RoomStateMachines = "statemachines"
	RoomRuns          = "runs"
)

// Message is the frame exchanged with observers.
type Message struct {
	Type      string      `json:"type"`
	Event     string      `json:"event,omitempty"`
	Room      string      `json:"room,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

type Hub struct {
	clients      map[*Client]bool
	rooms        map[string]map[*Client]bool
	defaultRooms []string
	broadcast    chan Message
	register     chan *Client
	unregister   chan *Client
	upgrader     websocket.Upgrader
	logger       logger.Logger
	mu           sync.RWMutex
	done         chan struct{}
}

// New creates a hub. Clients join defaultRooms on connect unless they ask
// for specific rooms with ?rooms=a,b.
func New(log logger.Logger, defaultRooms ...string) *Hub {
	if log == nil {
		log = logger.NewNop()
	}
	if len(defaultRooms) == 0 {
		defaultRooms = []string{RoomStateMachines, RoomRuns}
	}
	return &Hub{
		clients:      make(map[*Client]bool),
		rooms:        make(map[string]map[*Client]bool),
		defaultRooms: defaultRooms,
		broadcast:    make(chan Message, 1000),
		register:     make(chan *Client),
		unregister:   make(chan *Client),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		logger: log.With("component", "hub"),
		done:   make(chan struct{}),
	}
}

// Run processes registrations and broadcasts until ctx is done.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.registerClient(client)
		case client := <-h.unregister:
			h.unregisterClient(client)
		case message := <-h.broadcast:
			h.broadcastMessage(message)
		}
	}
}

// Broadcast queues a message for the clients in room, or for every client
// when room is empty. It never blocks; messages are dropped when the queue
// is full.
func (h *Hub) Broadcast(room, event string, payload interface{}) {
	msg := Message{Type: "event", Event: event, Room: room, Payload: payload, Timestamp: time.Now().UTC()}
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("Broadcast queue full, dropping message", "room", room, "event", event)
	}
}

// ClientCount returns the number of connected observers.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades the request and attaches a client.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	rooms := h.defaultRooms
	if q := r.URL.Query().Get("rooms"); q != "" {
		rooms = nil
		for _, room := range strings.Split(q, ",") {
			if room = strings.TrimSpace(room); room != "" {
				rooms = append(rooms, room)
			}
		}
	}

	client := &Client{
		id:    uuid.NewString(),
		hub:   h,
		conn:  conn,
		send:  make(chan []byte, 256),
		rooms: make(map[string]bool),
	}
	for _, room := range rooms {
		client.rooms[room] = true
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (h *Hub) registerClient(client *Client) {
	h.mu.Lock()
	h.clients[client] = true
	for room := range client.rooms {
		h.joinLocked(client, room)
	}
	h.mu.Unlock()

	h.logger.Info("Client connected", "clientId", client.id)
	client.enqueue(Message{
		Type:      "connected",
		Payload:   map[string]interface{}{"clientId": client.id, "rooms": client.roomList()},
		Timestamp: time.Now().UTC(),
	})
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; !ok {
		return
	}
	delete(h.clients, client)
	for room := range client.rooms {
		h.leaveLocked(client, room)
	}
	close(client.send)
	h.logger.Info("Client disconnected", "clientId", client.id)
}

func (h *Hub) broadcastMessage(message Message) {
	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("Failed to marshal message", "event", message.Event, "error", err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	targets := h.clients
	if message.Room != "" {
		targets = h.rooms[message.Room]
	}
	for client := range targets {
		select {
		case client.send <- data:
		default:
			h.logger.Warn("Message dropped", "clientId", client.id, "room", message.Room)
		}
	}
}

func (h *Hub) join(client *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.joinLocked(client, room)
}

func (h *Hub) joinLocked(client *Client, room string) {
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*Client]bool)
	}
	h.rooms[room][client] = true
	client.rooms[room] = true
}

func (h *Hub) leave(client *Client, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(client, room)
}

func (h *Hub) leaveLocked(client *Client, room string) {
	if clients, ok := h.rooms[room]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(client.rooms, room)
}

func (h *Hub) shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.rooms = make(map[string]map[*Client]bool)
}
