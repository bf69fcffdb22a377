package api

import (
	"log"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/safetalk/chat-app/internal/dispatch"
	"github.com/safetalk/chat-app/internal/metrics"
	"github.com/safetalk/chat-app/internal/protocol"
	"github.com/safetalk/chat-app/internal/store"
)

// conversationView is the wire shape of a conversation summary. The peer id
// is resolved for the requesting user so clients don't deal with the
// canonical pair ordering.
type conversationView struct {
	ID          string            `json:"id"`
	PeerID      string            `json:"peer_id"`
	UnreadCount int               `json:"unread_count"`
	UpdatedAt   int64             `json:"updated_at"`
	LastMessage *protocol.Message `json:"last_message,omitempty"`
}

// ListConversations handles GET /api/conversations. Conversations are
// ordered by most recent activity.
func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	userID := identity(w, r)
	if userID == "" {
		return
	}

	convs, err := h.Store.ListConversations(r.Context(), userID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	views := make([]conversationView, 0, len(convs))
	for i := range convs {
		c := &convs[i]
		v := conversationView{
			ID:          c.ID,
			PeerID:      c.Peer(userID),
			UnreadCount: c.UnreadCount,
			UpdatedAt:   c.UpdatedAt.Unix(),
		}
		if c.LastMessage != nil {
			wire := dispatch.ToWire(c.LastMessage)
			v.LastMessage = &wire
		}
		views = append(views, v)
	}

	writeJSON(w, http.StatusOK, views)
}

// GetMessages handles GET /api/conversations/{id}/messages. Fetching history
// is the read signal: the conversation's unread counter resets and every
// message addressed to the requester that has not reached read yet is
// advanced, with status events pushed to the senders.
func (h *Handler) GetMessages(w http.ResponseWriter, r *http.Request) {
	userID := identity(w, r)
	if userID == "" {
		return
	}
	convID := mux.Vars(r)["id"]

	msgs, err := h.Store.ListMessages(r.Context(), convID, userID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	if err := h.Store.ResetUnread(r.Context(), convID); err != nil {
		log.Printf("api: reset unread conv=%s: %v", convID, err)
	}

	var unreadIDs []string
	for i := range msgs {
		m := &msgs[i]
		if m.ReceiverID == userID && m.Status != store.StatusRead && m.Status != store.StatusFailed {
			unreadIDs = append(unreadIDs, m.ID)
		}
	}

	if len(unreadIDs) > 0 {
		read, err := h.Store.MarkRead(r.Context(), unreadIDs, userID)
		if err != nil {
			log.Printf("api: mark read on fetch conv=%s: %v", convID, err)
		} else {
			metrics.MessagesTotal.WithLabelValues("read").Add(float64(len(read)))
			h.Dispatcher.NotifyRead(read)
			// Reflect the new status in the response.
			readSet := make(map[string]struct{}, len(read))
			for i := range read {
				readSet[read[i].ID] = struct{}{}
			}
			for i := range msgs {
				if _, ok := readSet[msgs[i].ID]; ok {
					msgs[i].Status = store.StatusRead
				}
			}
		}
	}

	views := make([]protocol.Message, 0, len(msgs))
	for i := range msgs {
		views = append(views, dispatch.ToWire(&msgs[i]))
	}

	writeJSON(w, http.StatusOK, views)
}

// GetPresence handles GET /api/presence/{user_id}, returning the online flag
// and last-seen timestamp from the Redis status store.
func (h *Handler) GetPresence(w http.ResponseWriter, r *http.Request) {
	if identity(w, r) == "" {
		return
	}
	target := mux.Vars(r)["user_id"]

	st, err := h.Status.Get(r.Context(), target)
	if err != nil {
		log.Printf("api: presence get user=%s: %v", target, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	var lastSeen int64
	if !st.LastSeen.IsZero() {
		lastSeen = st.LastSeen.Unix()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":   target,
		"online":    st.Online,
		"last_seen": lastSeen,
	})
}
