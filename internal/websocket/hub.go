package websocket

import (
	"encoding/json"
	"log"
	"sync"
	"time"
)

// Event is what devices of a session receive when its scans change
type Event struct {
	Type      string      `json:"type"`
	SessionID string      `json:"sessionId"`
	Payload   interface{} `json:"payload,omitempty"`
	SentAt    time.Time   `json:"sentAt"`
}

// Hub maintains the connected clients grouped by session and fans scan
// events out to them
type Hub struct {
	// Registered clients: SessionID -> set of clients
	sessions map[string]map[*Client]bool

	// Register requests
	register chan *Client

	// Unregister requests
	unregister chan *Client

	stop chan struct{}

	// Mutex for thread-safe access to sessions map
	mu sync.RWMutex
}

// NewHub creates a new Hub instance
func NewHub() *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stop:       make(chan struct{}),
		sessions:   make(map[string]map[*Client]bool),
	}
}

// Run starts the hub's main loop
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			set, ok := h.sessions[client.SessionID]
			if !ok {
				set = make(map[*Client]bool)
				h.sessions[client.SessionID] = set
			}
			// A device that reconnects replaces its old connection
			for old := range set {
				if old.DeviceID == client.DeviceID {
					delete(set, old)
					close(old.send)
				}
			}
			set[client] = true
			h.mu.Unlock()
			log.Printf("📱 Device %s joined session %s", client.DeviceID, client.SessionID)

		case client := <-h.unregister:
			h.mu.Lock()
			if set, ok := h.sessions[client.SessionID]; ok && set[client] {
				delete(set, client)
				close(client.send)
				if len(set) == 0 {
					delete(h.sessions, client.SessionID)
				}
				log.Printf("📴 Device %s left session %s", client.DeviceID, client.SessionID)
			}
			h.mu.Unlock()

		case <-h.stop:
			h.mu.Lock()
			for id, set := range h.sessions {
				for c := range set {
					close(c.send)
				}
				delete(h.sessions, id)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Stop ends Run and disconnects every client
func (h *Hub) Stop() {
	close(h.stop)
}

// Publish sends an event to every device of a session. Slow clients miss it.
func (h *Hub) Publish(sessionID, event string, payload interface{}) {
	jsonMsg, err := json.Marshal(Event{
		Type:      event,
		SessionID: sessionID,
		Payload:   payload,
		SentAt:    time.Now().UTC(),
	})
	if err != nil {
		log.Printf("Error marshaling %s event: %v", event, err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.sessions[sessionID] {
		select {
		case client.send <- jsonMsg:
		default:
			log.Printf("⚠️ Dropping %s for device %s: send buffer full", event, client.DeviceID)
		}
	}
}

// Count is the number of clients connected to a session
func (h *Hub) Count(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions[sessionID])
}
