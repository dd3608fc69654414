// Package registry is the per-process connection registry: the only
// component with direct access to a client's wire egress. It maps a
// clientId to its egress handle, metadata, subscribed channel set, and
// join time.
package registry

import (
	"encoding/json"
	"sync"
	"time"
)

// Egress is the minimal write surface a transport must provide. The
// registry never reads from it.
type Egress interface {
	// WriteMessage sends a single frame. Returns an error if the
	// underlying connection is closed or the write failed.
	WriteMessage(payload []byte) error
}

// Entry is one registered client's bookkeeping.
type Entry struct {
	ClientID string
	Egress   Egress
	Metadata map[string]string
	Channels map[string]bool
	JoinedAt time.Time
}

// Registry is a concurrency-safe clientId -> Entry map. Writes happen
// only on accept and cleanup; reads dominate, so it is RWMutex-guarded
// rather than channel-serialized.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]*Entry
}

// New constructs an empty registry.
func New() *Registry {
	return &Registry{clients: make(map[string]*Entry)}
}

// Add registers clientId with its egress and connect metadata.
func (r *Registry) Add(clientID string, egress Egress, metadata map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[clientID] = &Entry{
		ClientID: clientID,
		Egress:   egress,
		Metadata: metadata,
		Channels: make(map[string]bool),
		JoinedAt: time.Now(),
	}
}

// Remove deletes clientId. Safe to call even if clientId is unknown.
func (r *Registry) Remove(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, clientID)
}

// Get returns clientId's entry, if present.
func (r *Registry) Get(clientID string) (*Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.clients[clientID]
	return e, ok
}

// AddChannel records that clientId is locally subscribed to channel.
func (r *Registry) AddChannel(clientID, channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.clients[clientID]; ok {
		e.Channels[channel] = true
	}
}

// RemoveChannel records that clientId is no longer locally subscribed
// to channel.
func (r *Registry) RemoveChannel(clientID, channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.clients[clientID]; ok {
		delete(e.Channels, channel)
	}
}

// Channels returns a snapshot of clientId's subscribed channels.
func (r *Registry) Channels(clientID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.clients[clientID]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(e.Channels))
	for ch := range e.Channels {
		out = append(out, ch)
	}
	return out
}

// LocalSubscribers returns the clientIds locally subscribed to channel.
func (r *Registry) LocalSubscribers(channel string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for id, e := range r.clients {
		if e.Channels[channel] {
			out = append(out, id)
		}
	}
	return out
}

// Count returns the number of locally registered clients.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// All returns every registered clientId, for shutdown fan-out.
func (r *Registry) All() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.clients))
	for id := range r.clients {
		out = append(out, id)
	}
	return out
}

// SendToLocalClient serializes payload to JSON if it is not already a
// string, and writes it to clientId's egress. Returns false if clientId
// is unknown or its egress write failed (the caller is expected to then
// unregister the client per the peer-error policy).
func (r *Registry) SendToLocalClient(clientID string, payload interface{}) bool {
	r.mu.RLock()
	e, ok := r.clients[clientID]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	var data []byte
	switch v := payload.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		encoded, err := json.Marshal(payload)
		if err != nil {
			return false
		}
		data = encoded
	}

	return e.Egress.WriteMessage(data) == nil
}
