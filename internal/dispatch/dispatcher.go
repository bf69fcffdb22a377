// Package dispatch pushes real-time events to connected clients. It bridges
// the persistence layer and the presence registry: every mutation that
// matters to a live peer (new message, status change, deletion, typing,
// presence transition) goes through the Dispatcher, which resolves the
// target user to a connection and enqueues the event on its outbound queue.
//
// Delivery is at-most-once. A full queue or a missing connection drops the
// event; clients recover dropped events on their next fetch. When a NATS
// client is configured, events for users connected to another instance are
// forwarded on the per-user subject instead of being dropped.
package dispatch

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/safetalk/chat-app/internal/messaging"
	"github.com/safetalk/chat-app/internal/metrics"
	"github.com/safetalk/chat-app/internal/presence"
	"github.com/safetalk/chat-app/internal/protocol"
	"github.com/safetalk/chat-app/internal/store"
)

// Dispatcher routes server events to user connections.
type Dispatcher struct {
	registry *presence.Registry
	store    *store.Store
	nats     *messaging.NATSClient // nil in single-instance deployments
}

// New creates a Dispatcher. The NATS client may be nil, in which case events
// for users without a local connection are dropped.
func New(registry *presence.Registry, st *store.Store, nc *messaging.NATSClient) *Dispatcher {
	return &Dispatcher{
		registry: registry,
		store:    st,
		nats:     nc,
	}
}

// ToWire converts a persisted message to its wire representation.
func ToWire(m *store.Message) protocol.Message {
	return protocol.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		ReceiverID:     m.ReceiverID,
		Content:        m.Content,
		ContentType:    m.ContentType,
		MediaURL:       m.MediaURL,
		Status:         m.Status,
		CreatedAt:      m.CreatedAt,
	}
}

// deliverLocal enqueues a payload on the user's connection on this instance
// only. Absent users and full queues are drops; nothing is forwarded.
// Returns true only for a confirmed enqueue.
func (d *Dispatcher) deliverLocal(userID, event string, payload []byte) bool {
	h := d.registry.Lookup(userID)
	if h == nil {
		metrics.EventsDispatched.WithLabelValues(event, "offline").Inc()
		return false
	}
	if h.Enqueue(payload) {
		metrics.EventsDispatched.WithLabelValues(event, "delivered").Inc()
		return true
	}
	// Queue full: the connection is backed up, drop rather than block.
	metrics.EventsDispatched.WithLabelValues(event, "dropped").Inc()
	log.Printf("dispatch: dropped %s for user=%s (queue full)", event, userID)
	return false
}

// deliver enqueues a payload on the target user's connection. If the user
// has no connection on this instance and NATS is configured, the payload is
// forwarded to the per-user subject for whichever instance owns the
// connection. Returns true only for a confirmed local enqueue.
func (d *Dispatcher) deliver(userID, event string, payload []byte) bool {
	if d.registry.Lookup(userID) != nil {
		return d.deliverLocal(userID, event, payload)
	}

	if d.nats != nil {
		if err := d.nats.PublishUserEvent(userID, payload); err != nil {
			log.Printf("dispatch: nats publish %s for user=%s: %v", event, userID, err)
		}
	}
	metrics.EventsDispatched.WithLabelValues(event, "offline").Inc()
	return false
}

// DeliverMessage pushes a freshly persisted message to its receiver. If the
// receiver's connection accepts the event, the message advances to delivered
// in the store and the sender is notified of the status change. Returns the
// message's status after dispatch.
func (d *Dispatcher) DeliverMessage(ctx context.Context, m *store.Message) string {
	payload, err := protocol.NewServerMessage(protocol.TypeMessageReceived, protocol.MessageReceivedMsg{
		Message: ToWire(m),
	})
	if err != nil {
		log.Printf("dispatch: build message_received for %s: %v", m.ID, err)
		return m.Status
	}

	if !d.deliver(m.ReceiverID, protocol.TypeMessageReceived, payload) {
		return m.Status
	}

	// Live emit succeeded: sent -> delivered.
	advanced, err := d.store.MarkDelivered(ctx, m.ID)
	if err != nil {
		log.Printf("dispatch: mark delivered %s: %v", m.ID, err)
		return m.Status
	}
	if !advanced {
		return m.Status
	}

	metrics.MessagesTotal.WithLabelValues("delivered").Inc()
	d.NotifyStatus(m.SenderID, m.ID, m.ConversationID, store.StatusDelivered)
	return store.StatusDelivered
}

// NotifyStatus tells a user that one of their messages changed status.
func (d *Dispatcher) NotifyStatus(userID, messageID, conversationID, status string) {
	payload, err := protocol.NewServerMessage(protocol.TypeMessageStatusChanged, protocol.MessageStatusChangedMsg{
		MessageID:      messageID,
		ConversationID: conversationID,
		Status:         status,
	})
	if err != nil {
		log.Printf("dispatch: build message_status_changed for %s: %v", messageID, err)
		return
	}
	d.deliver(userID, protocol.TypeMessageStatusChanged, payload)
}

// NotifyRead emits a status change to each message's sender after a batch
// read. Messages in the batch may span conversations.
func (d *Dispatcher) NotifyRead(msgs []store.Message) {
	for i := range msgs {
		m := &msgs[i]
		d.NotifyStatus(m.SenderID, m.ID, m.ConversationID, store.StatusRead)
	}
}

// NotifyDeleted tells the receiver that the sender removed a message.
func (d *Dispatcher) NotifyDeleted(receiverID, messageID, conversationID string) {
	payload, err := protocol.NewServerMessage(protocol.TypeMessageDeleted, protocol.MessageDeletedMsg{
		MessageID:      messageID,
		ConversationID: conversationID,
	})
	if err != nil {
		log.Printf("dispatch: build message_deleted for %s: %v", messageID, err)
		return
	}
	d.deliver(receiverID, protocol.TypeMessageDeleted, payload)
}

// NotifyTyping relays a typing indicator to the conversation peer.
func (d *Dispatcher) NotifyTyping(peerID, conversationID, userID string, isTyping bool) {
	payload, err := protocol.NewServerMessage(protocol.TypeTypingChanged, protocol.TypingChangedMsg{
		ConversationID: conversationID,
		UserID:         userID,
		IsTyping:       isTyping,
	})
	if err != nil {
		log.Printf("dispatch: build typing_changed for conv %s: %v", conversationID, err)
		return
	}
	d.deliver(peerID, protocol.TypeTypingChanged, payload)
}

// NotifyModerationBlocked tells a sender their message was refused by the
// moderation gate.
func (d *Dispatcher) NotifyModerationBlocked(userID, level, reason, suggestion string) {
	payload, err := protocol.NewServerMessage(protocol.TypeModerationBlocked, protocol.ModerationBlockedMsg{
		Level:      level,
		Reason:     reason,
		Suggestion: suggestion,
	})
	if err != nil {
		log.Printf("dispatch: build moderation_blocked for user %s: %v", userID, err)
		return
	}
	d.deliver(userID, protocol.TypeModerationBlocked, payload)
}

// BroadcastPresence notifies every conversation peer of userID that the
// user went online or offline. With NATS the transition is published once
// on the shared presence subject and every instance (this one included)
// fans it out to its local peers; without NATS the fan-out runs directly.
func (d *Dispatcher) BroadcastPresence(ctx context.Context, userID string, online bool, lastSeen time.Time) {
	var ts int64
	if !online {
		ts = lastSeen.Unix()
	}

	payload, err := protocol.NewServerMessage(protocol.TypePresenceChanged, protocol.PresenceChangedMsg{
		UserID:   userID,
		Online:   online,
		LastSeen: ts,
	})
	if err != nil {
		log.Printf("dispatch: build presence_changed for %s: %v", userID, err)
		return
	}

	if d.nats != nil {
		if err := d.nats.PublishPresenceEvent(payload); err == nil {
			return
		} else {
			log.Printf("dispatch: nats publish presence for %s: %v", userID, err)
		}
	}
	d.fanOutPresence(ctx, payload)
}

// BindPresence subscribes this instance to the shared presence subject so
// transitions published by any instance reach local peers. Call once at
// startup; no-op without NATS.
func (d *Dispatcher) BindPresence() {
	if d.nats == nil {
		return
	}
	err := d.nats.SubscribePresenceEvents(func(data []byte) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		d.fanOutPresence(ctx, data)
	})
	if err != nil {
		log.Printf("dispatch: subscribe presence events: %v", err)
	}
}

// fanOutPresence delivers a presence_changed payload to the local
// connections of the affected user's conversation peers. Peers come from
// the conversation list; a user with no conversations produces no events.
func (d *Dispatcher) fanOutPresence(ctx context.Context, payload []byte) {
	var ev struct {
		UserID string `json:"user_id"`
	}
	if err := json.Unmarshal(payload, &ev); err != nil || ev.UserID == "" {
		return
	}

	convs, err := d.store.ListConversations(ctx, ev.UserID)
	if err != nil {
		log.Printf("dispatch: list conversations for presence of %s: %v", ev.UserID, err)
		return
	}

	seen := make(map[string]struct{}, len(convs))
	for i := range convs {
		peer := convs[i].Peer(ev.UserID)
		if peer == "" {
			continue
		}
		if _, dup := seen[peer]; dup {
			continue
		}
		seen[peer] = struct{}{}
		d.deliverLocal(peer, protocol.TypePresenceChanged, payload)
	}
}

// BindUser subscribes this instance to the user's NATS event subject so
// events published by other instances reach the local connection. Call when
// the user's connection registers; no-op without NATS.
func (d *Dispatcher) BindUser(userID string) {
	if d.nats == nil {
		return
	}
	err := d.nats.SubscribeUserEvents(userID, func(data []byte) {
		d.handleForwarded(userID, data)
	})
	if err != nil {
		log.Printf("dispatch: subscribe user events for %s: %v", userID, err)
	}
}

// UnbindUser drops the user's NATS subscription. Call when the user's last
// connection on this instance goes away; no-op without NATS.
func (d *Dispatcher) UnbindUser(userID string) {
	if d.nats == nil {
		return
	}
	if err := d.nats.UnsubscribeUserEvents(userID); err != nil {
		log.Printf("dispatch: unsubscribe user events for %s: %v", userID, err)
	}
}

// handleForwarded enqueues a payload forwarded from another instance onto
// the local connection. Forwarded message_received events that land on a
// live connection advance the message to delivered, same as a local emit.
func (d *Dispatcher) handleForwarded(userID string, data []byte) {
	h := d.registry.Lookup(userID)
	if h == nil {
		// Connection went away between subscription and delivery.
		metrics.EventsDispatched.WithLabelValues("forwarded", "offline").Inc()
		return
	}
	if !h.Enqueue(data) {
		metrics.EventsDispatched.WithLabelValues("forwarded", "dropped").Inc()
		return
	}
	metrics.EventsDispatched.WithLabelValues("forwarded", "delivered").Inc()

	var env struct {
		Type    string `json:"type"`
		Message struct {
			ID             string `json:"id"`
			ConversationID string `json:"conversation_id"`
			SenderID       string `json:"sender_id"`
		} `json:"message"`
	}
	if err := json.Unmarshal(data, &env); err != nil || env.Type != protocol.TypeMessageReceived {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	advanced, err := d.store.MarkDelivered(ctx, env.Message.ID)
	if err != nil {
		log.Printf("dispatch: mark delivered forwarded %s: %v", env.Message.ID, err)
		return
	}
	if advanced {
		metrics.MessagesTotal.WithLabelValues("delivered").Inc()
		d.NotifyStatus(env.Message.SenderID, env.Message.ID, env.Message.ConversationID, store.StatusDelivered)
	}
}
