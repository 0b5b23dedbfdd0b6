package hub

import (
	"encoding/json"
	"log"
	"sync"
	"time"
)

// Subscription scopes a client to one practitioner's events. An empty
// Doctor receives the whole facility feed.
type Subscription struct {
	Doctor string
}

type Client struct {
	ID           string
	Send         chan []byte
	Subscription Subscription
}

// Hub fans coordinator events out to connected presentation clients.
// Slow clients drop messages rather than blocking the broadcaster.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

type SubscribeMessage struct {
	Action string `json:"action"`
	Doctor string `json:"doctor"`
}

// Envelope is the wire shape of every broadcast event.
type Envelope struct {
	Type      string      `json:"type"`
	Payload   interface{} `json:"payload"`
	CreatedAt time.Time   `json:"created_at"`
}

func New() *Hub {
	return &Hub{clients: make(map[string]*Client)}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, client.ID)
	close(client.Send)
}

func (h *Hub) UpdateSubscription(client *Client, sub Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.Subscription = sub
}

// Publish implements the coordinator's Publisher: it wraps the payload in
// an envelope and broadcasts it to clients subscribed to the doctor.
func (h *Hub) Publish(eventType, doctor string, payload interface{}) {
	data, err := json.Marshal(Envelope{Type: eventType, Payload: payload, CreatedAt: time.Now().UTC()})
	if err != nil {
		log.Printf("hub marshal error: %v", err)
		return
	}
	h.Broadcast(data, doctor)
}

func (h *Hub) Broadcast(payload []byte, doctor string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if !match(client.Subscription, doctor) {
			continue
		}
		select {
		case client.Send <- payload:
		default:
			log.Printf("drop message for client %s", client.ID)
		}
	}
}

func match(sub Subscription, doctor string) bool {
	if sub.Doctor == "" {
		return true
	}
	return doctor == "" || doctor == sub.Doctor
}

func ParseSubscribe(data []byte) (SubscribeMessage, bool) {
	var msg SubscribeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return SubscribeMessage{}, false
	}
	if msg.Action != "subscribe" && msg.Action != "unsubscribe" {
		return SubscribeMessage{}, false
	}
	return msg, true
}
