// Package typing tracks which users are currently typing in each
// conversation. Entries auto-expire after a short inactivity window, so
// no explicit "stopped typing" message is required from clients.
package typing

import (
	"sync"
	"time"
)

// DefaultTimeout is the inactivity window after which a typing entry is
// treated as an implicit stop.
const DefaultTimeout = 4 * time.Second

// ExpireFunc is called when a typing entry expires without a refresh, so
// the caller can emit the implicit stop event to the peer.
type ExpireFunc func(conversationID, userID string)

// entry is one typing user within a conversation. Each entry owns its own
// timer; mutations for different users are independent. gen increments on
// every refresh so an expiry callback scheduled before the refresh can tell
// it is stale and must not remove the entry.
type entry struct {
	timer *time.Timer
	gen   uint64
}

// Tracker maintains per-conversation sets of typing users with TTL-based
// auto-clear.
type Tracker struct {
	mu       sync.Mutex
	convs    map[string]map[string]*entry // conversationID -> userID -> entry
	timeout  time.Duration
	onExpire ExpireFunc
}

// NewTracker creates a Tracker with the given inactivity timeout. onExpire
// may be nil if the caller does not need implicit-stop notifications.
func NewTracker(timeout time.Duration, onExpire ExpireFunc) *Tracker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Tracker{
		convs:    make(map[string]map[string]*entry),
		timeout:  timeout,
		onExpire: onExpire,
	}
}

// SetTyping records that userID is typing in the conversation and (re)starts
// the entry's inactivity timer.
func (t *Tracker) SetTyping(conversationID, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	users, ok := t.convs[conversationID]
	if !ok {
		users = make(map[string]*entry)
		t.convs[conversationID] = users
	}

	if e, ok := users[userID]; ok {
		// A fired timer may already have expire queued on the mutex;
		// bumping the generation invalidates it. The timer is recreated
		// rather than Reset so the new callback carries the new generation.
		e.timer.Stop()
		e.gen++
		gen := e.gen
		e.timer = time.AfterFunc(t.timeout, func() {
			t.expire(conversationID, userID, gen)
		})
		return
	}

	e := &entry{gen: 1}
	e.timer = time.AfterFunc(t.timeout, func() {
		t.expire(conversationID, userID, 1)
	})
	users[userID] = e
}

// Clear removes the typing entry early (the client sent an explicit stop).
// It does not fire the expiry callback; the caller already knows.
func (t *Tracker) Clear(conversationID, userID string) {
	t.mu.Lock()
	t.remove(conversationID, userID)
	t.mu.Unlock()
}

// IsTyping reports whether userID currently has a live typing entry in the
// conversation.
func (t *Tracker) IsTyping(conversationID, userID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	users, ok := t.convs[conversationID]
	if !ok {
		return false
	}
	_, ok = users[userID]
	return ok
}

// expire is the timer callback: drop the entry and notify, unless the entry
// was refreshed after this callback was scheduled. The generation check
// catches the race where the timer fires just as SetTyping grabs the mutex:
// the stale callback sees a newer generation and backs off.
func (t *Tracker) expire(conversationID, userID string, gen uint64) {
	t.mu.Lock()
	users, ok := t.convs[conversationID]
	if !ok {
		t.mu.Unlock()
		return
	}
	e, ok := users[userID]
	if !ok || e.gen != gen {
		t.mu.Unlock()
		return
	}
	t.remove(conversationID, userID)
	t.mu.Unlock()

	if t.onExpire != nil {
		t.onExpire(conversationID, userID)
	}
}

// remove deletes the entry and stops its timer. Caller holds the lock.
func (t *Tracker) remove(conversationID, userID string) bool {
	users, ok := t.convs[conversationID]
	if !ok {
		return false
	}
	e, ok := users[userID]
	if !ok {
		return false
	}
	e.timer.Stop()
	delete(users, userID)
	if len(users) == 0 {
		delete(t.convs, conversationID)
	}
	return true
}
