// Package presence tracks which users currently have a live, addressable
// connection. The registry maps a user id to at most one connection handle;
// Redis keeps the online flag and last-seen timestamp so peers and the HTTP
// API can read presence without holding a socket.
package presence

import "sync"

// Handle is the live-connection capability the registry stores per user.
// The real-time layer implements it; presence never touches the socket
// itself.
type Handle interface {
	// ID identifies the connection (not the user). Used to guard stale
	// unregisters after a reconnect superseded the mapping.
	ID() string

	// Enqueue offers a payload to the connection's outbound queue without
	// blocking. It returns false when the queue is full or closed; the
	// caller treats that as a dropped push.
	Enqueue(payload []byte) bool
}

// Registry is the in-process user -> connection mapping. It is constructed
// at server start and injected into the dispatcher and connection handlers;
// there is no ambient global.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]Handle
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byUser: make(map[string]Handle)}
}

// Register maps userID to h, superseding any previous mapping. The evicted
// handle is returned (nil if there was none) so the caller can decide what
// to tell it; the registry never closes connections itself.
func (r *Registry) Register(userID string, h Handle) Handle {
	r.mu.Lock()
	old := r.byUser[userID]
	r.byUser[userID] = h
	r.mu.Unlock()
	return old
}

// Unregister removes the mapping for userID only if h is still the current
// handle. A stale unregister racing a newer register for a reconnecting user
// is a no-op. Returns true if the mapping was removed.
func (r *Registry) Unregister(userID string, h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.byUser[userID]
	if !ok || current.ID() != h.ID() {
		return false
	}
	delete(r.byUser, userID)
	return true
}

// Lookup returns the live handle for userID, or nil if the user has no
// connection on this instance.
func (r *Registry) Lookup(userID string) Handle {
	r.mu.RLock()
	h := r.byUser[userID]
	r.mu.RUnlock()
	return h
}

// Count returns the number of users with a live connection.
func (r *Registry) Count() int {
	r.mu.RLock()
	n := len(r.byUser)
	r.mu.RUnlock()
	return n
}
