// Package client implements the client-side reconciliation engine: the
// local view of conversations that a UI renders. Sends are optimistic — the
// message appears immediately in a pending state and is reconciled against
// the server's response — and every real-time event folds into the view
// idempotently, so replays and races with fetches cannot corrupt it.
package client

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/safetalk/chat-app/internal/protocol"
	"github.com/safetalk/chat-app/internal/store"
)

// DeliveryState tracks a locally originated message through its round trip.
type DeliveryState int

const (
	// StatePending is an optimistic send awaiting server confirmation.
	StatePending DeliveryState = iota

	// StateConfirmed means the server persisted the message.
	StateConfirmed

	// StateFailed means the send was rejected or timed out. The UI offers a
	// retry; a retry reuses the same id so the server deduplicates it.
	StateFailed
)

// ViewMessage is a message as the UI sees it: the wire message plus the
// local delivery state.
type ViewMessage struct {
	protocol.Message
	State DeliveryState
}

// conversationState holds the per-conversation slice of the view.
type conversationState struct {
	messages map[string]*ViewMessage // by message id
	unread   int
	typing   bool
}

// View is the reconciliation engine for one user. All methods are
// goroutine-safe; the transport's read loop and the UI thread share it.
type View struct {
	selfID string

	mu            sync.RWMutex
	conversations map[string]*conversationState
	active        string          // conversation currently open in the UI
	online        map[string]bool // peer presence
	lastSeen      map[string]time.Time
}

// NewView creates an empty view for the given user.
func NewView(selfID string) *View {
	return &View{
		selfID:        selfID,
		conversations: make(map[string]*conversationState),
		online:        make(map[string]bool),
		lastSeen:      make(map[string]time.Time),
	}
}

func (v *View) conv(id string) *conversationState {
	cs, ok := v.conversations[id]
	if !ok {
		cs = &conversationState{messages: make(map[string]*ViewMessage)}
		v.conversations[id] = cs
	}
	return cs
}

// SendOptimistic records a pending message and returns it. The generated id
// doubles as the server-side idempotency key, so the caller passes it
// unchanged on the POST and on any retry.
func (v *View) SendOptimistic(conversationID, receiverID, content, contentType, mediaURL string) ViewMessage {
	m := ViewMessage{
		Message: protocol.Message{
			ID:             uuid.New().String(),
			ConversationID: conversationID,
			SenderID:       v.selfID,
			ReceiverID:     receiverID,
			Content:        content,
			ContentType:    contentType,
			MediaURL:       mediaURL,
			Status:         store.StatusQueued,
			CreatedAt:      time.Now(),
		},
		State: StatePending,
	}

	v.mu.Lock()
	v.conv(conversationID).messages[m.ID] = &m
	v.mu.Unlock()
	return m
}

// ConfirmSend reconciles a pending message with the server's persisted copy.
// The server copy wins on every field; unknown ids are inserted, which
// covers a confirm racing ahead of the optimistic insert after a reconnect.
func (v *View) ConfirmSend(serverMsg protocol.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()

	cs := v.conv(serverMsg.ConversationID)
	if existing, ok := cs.messages[serverMsg.ID]; ok {
		// Never regress a status the view already learned from an event.
		if !store.StatusAdvances(existing.Status, serverMsg.Status) {
			serverMsg.Status = existing.Status
		}
	}
	cs.messages[serverMsg.ID] = &ViewMessage{Message: serverMsg, State: StateConfirmed}
}

// FailSend marks a pending message as failed. Confirmed messages are left
// alone.
func (v *View) FailSend(conversationID, messageID string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if m, ok := v.conv(conversationID).messages[messageID]; ok && m.State == StatePending {
		m.State = StateFailed
		m.Status = store.StatusFailed
	}
}

// MergeHistory folds a fetched message page into the view. Fetch results are
// authoritative for everything they contain except local pending state.
func (v *View) MergeHistory(conversationID string, msgs []protocol.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()

	cs := v.conv(conversationID)
	for _, m := range msgs {
		if existing, ok := cs.messages[m.ID]; ok && !store.StatusAdvances(existing.Status, m.Status) {
			m.Status = existing.Status
		}
		cs.messages[m.ID] = &ViewMessage{Message: m, State: StateConfirmed}
	}
}

// OpenConversation marks a conversation as the one on screen. Events for the
// open conversation don't bump its unread counter, and opening clears it.
func (v *View) OpenConversation(conversationID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.active = conversationID
	v.conv(conversationID).unread = 0
}

// ApplyEvent folds a raw server event into the view. Unknown event types and
// malformed payloads are ignored; the next fetch repairs anything missed.
func (v *View) ApplyEvent(data []byte) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return
	}

	switch env.Type {
	case protocol.TypeMessageReceived:
		var msg protocol.MessageReceivedMsg
		if json.Unmarshal(data, &msg) != nil {
			return
		}
		v.applyReceived(msg.Message)

	case protocol.TypeMessageStatusChanged:
		var msg protocol.MessageStatusChangedMsg
		if json.Unmarshal(data, &msg) != nil {
			return
		}
		v.applyStatus(msg.ConversationID, msg.MessageID, msg.Status)

	case protocol.TypeMessageDeleted:
		var msg protocol.MessageDeletedMsg
		if json.Unmarshal(data, &msg) != nil {
			return
		}
		v.applyDeleted(msg.ConversationID, msg.MessageID)

	case protocol.TypeTypingChanged:
		var msg protocol.TypingChangedMsg
		if json.Unmarshal(data, &msg) != nil {
			return
		}
		v.applyTyping(msg.ConversationID, msg.IsTyping)

	case protocol.TypePresenceChanged:
		var msg protocol.PresenceChangedMsg
		if json.Unmarshal(data, &msg) != nil {
			return
		}
		v.applyPresence(msg.UserID, msg.Online, msg.LastSeen)
	}
}

func (v *View) applyReceived(m protocol.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()

	cs := v.conv(m.ConversationID)
	if _, dup := cs.messages[m.ID]; dup {
		// Duplicate push (redelivery after reconnect); keep the first copy.
		return
	}
	cs.messages[m.ID] = &ViewMessage{Message: m, State: StateConfirmed}
	// A peer typing indicator is implicitly over once their message lands.
	cs.typing = false
	if m.ReceiverID == v.selfID && v.active != m.ConversationID {
		cs.unread++
	}
}

func (v *View) applyStatus(conversationID, messageID, status string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	m, ok := v.conv(conversationID).messages[messageID]
	if !ok {
		return
	}
	// Stale or out-of-order events never move a status backwards.
	if store.StatusAdvances(m.Status, status) {
		m.Status = status
	}
}

func (v *View) applyDeleted(conversationID, messageID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.conv(conversationID).messages, messageID)
}

func (v *View) applyTyping(conversationID string, isTyping bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.conv(conversationID).typing = isTyping
}

func (v *View) applyPresence(userID string, online bool, lastSeen int64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.online[userID] = online
	if !online && lastSeen > 0 {
		v.lastSeen[userID] = time.Unix(lastSeen, 0)
	}
}

// Messages returns the conversation's messages ordered by creation time with
// id as a stable tie-break, matching the server's fetch order.
func (v *View) Messages(conversationID string) []ViewMessage {
	v.mu.RLock()
	defer v.mu.RUnlock()

	cs, ok := v.conversations[conversationID]
	if !ok {
		return nil
	}
	out := make([]ViewMessage, 0, len(cs.messages))
	for _, m := range cs.messages {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Message returns a single message from the view by id.
func (v *View) Message(conversationID, messageID string) (ViewMessage, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if cs, ok := v.conversations[conversationID]; ok {
		if m, ok := cs.messages[messageID]; ok {
			return *m, true
		}
	}
	return ViewMessage{}, false
}

// Unread returns the unread counter of a conversation.
func (v *View) Unread(conversationID string) int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if cs, ok := v.conversations[conversationID]; ok {
		return cs.unread
	}
	return 0
}

// PeerTyping reports whether the peer of the conversation is typing.
func (v *View) PeerTyping(conversationID string) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if cs, ok := v.conversations[conversationID]; ok {
		return cs.typing
	}
	return false
}

// PeerOnline reports the last known presence of a user, and their last-seen
// time when offline.
func (v *View) PeerOnline(userID string) (online bool, lastSeen time.Time) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.online[userID], v.lastSeen[userID]
}
