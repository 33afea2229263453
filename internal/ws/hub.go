package ws

import "sync"

// Subscriber abstracts a streaming log client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// Hub fans captured log lines out to subscribers, keyed by project ID.
// Broadcast never blocks on a slow subscriber; send failures drop the
// subscriber.
type Hub struct {
	mu      sync.RWMutex
	streams map[string]map[Subscriber]struct{}
}

// NewHub creates an initialized Hub.
func NewHub() *Hub {
	return &Hub{streams: make(map[string]map[Subscriber]struct{})}
}

// Register adds a subscriber to a project stream.
func (h *Hub) Register(projectID string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.streams[projectID]; !ok {
		h.streams[projectID] = make(map[Subscriber]struct{})
	}
	h.streams[projectID][sub] = struct{}{}
}

// Unregister removes a subscriber.
func (h *Hub) Unregister(projectID string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.streams[projectID]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.streams, projectID)
		}
	}
}

// Broadcast delivers payload to every subscriber of the project stream.
func (h *Hub) Broadcast(projectID string, payload []byte) {
	h.mu.RLock()
	subs := make([]Subscriber, 0, len(h.streams[projectID]))
	for sub := range h.streams[projectID] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		if err := sub.Send(payload); err != nil {
			sub.Close()
			h.Unregister(projectID, sub)
		}
	}
}
