package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/safetalk/chat-app/internal/dispatch"
	"github.com/safetalk/chat-app/internal/media"
	"github.com/safetalk/chat-app/internal/metrics"
	"github.com/safetalk/chat-app/internal/moderation"
	"github.com/safetalk/chat-app/internal/ratelimit"
	"github.com/safetalk/chat-app/internal/store"
)

// sendRequest is the body of POST /api/messages. ID is an optional client
// idempotency key; retries with the same id return the original message.
// Exactly one of content or media_url must be set. ContentType defaults to
// text and is required for media messages.
type sendRequest struct {
	ID          string `json:"id,omitempty"`
	ReceiverID  string `json:"receiver_id"`
	Content     string `json:"content,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	MediaURL    string `json:"media_url,omitempty"`
}

// moderationBlockedResponse is returned with 422 when the gate refuses a
// message.
type moderationBlockedResponse struct {
	Error      string `json:"error"`
	Level      string `json:"level"`
	Suggestion string `json:"suggestion,omitempty"`
}

// softenResponse is returned with 409 when the gate asks the sender to
// consider a rewrite. The client resends with accept_suggestion or the
// original text after an explicit user choice.
type softenResponse struct {
	Error      string `json:"error"`
	Level      string `json:"level"`
	Suggestion string `json:"suggestion"`
}

// SendMessage handles POST /api/messages. Text messages pass through the
// moderation gate before anything is persisted; a blocked message leaves no
// trace. On success the message is persisted and pushed to the receiver's
// live connection when there is one.
func (h *Handler) SendMessage(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	userID := identity(w, r)
	if userID == "" {
		return
	}

	if h.Limiter != nil {
		allowed, _ := h.Limiter.Allow(r.Context(), userID, ratelimit.RuleMessage)
		if !allowed {
			writeError(w, http.StatusTooManyRequests, "message rate limit exceeded")
			return
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ReceiverID == "" {
		writeError(w, http.StatusBadRequest, "receiver_id is required")
		return
	}
	if req.ReceiverID == userID {
		writeError(w, http.StatusBadRequest, "cannot message yourself")
		return
	}
	if req.ContentType == "" {
		req.ContentType = store.ContentText
	}

	// Gate text content before any write. Media bypasses the classifier.
	if req.ContentType == store.ContentText && h.Gate != nil {
		verdict, err := h.Gate.Evaluate(r.Context(), req.Content)
		if err != nil {
			if !errors.Is(err, moderation.ErrUnavailable) {
				log.Printf("api: moderation evaluate: %v", err)
			}
			metrics.ModerationResults.WithLabelValues("unavailable").Inc()
			verdict = moderation.Fallback()
		}

		switch verdict.Decision() {
		case moderation.Block:
			metrics.ModerationResults.WithLabelValues("block").Inc()
			metrics.MessagesTotal.WithLabelValues("blocked").Inc()
			h.Dispatcher.NotifyModerationBlocked(userID, verdict.Severity.Label(), "message rejected by moderation", verdict.SuggestedAlternative)
			writeJSON(w, http.StatusUnprocessableEntity, moderationBlockedResponse{
				Error:      "message rejected by moderation",
				Level:      verdict.Severity.Label(),
				Suggestion: verdict.SuggestedAlternative,
			})
			return
		case moderation.Soften:
			if r.URL.Query().Get("force") != "true" {
				metrics.ModerationResults.WithLabelValues("soften").Inc()
				writeJSON(w, http.StatusConflict, softenResponse{
					Error:      "message flagged by moderation",
					Level:      verdict.Severity.Label(),
					Suggestion: verdict.SuggestedAlternative,
				})
				return
			}
			metrics.ModerationResults.WithLabelValues("allow").Inc()
		default:
			metrics.ModerationResults.WithLabelValues("allow").Inc()
		}
	}

	conv, err := h.Store.FindOrCreateConversation(r.Context(), userID, req.ReceiverID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	receiverOnline := false
	if h.Status != nil {
		if st, err := h.Status.Get(r.Context(), req.ReceiverID); err == nil {
			receiverOnline = st.Online
		}
	}

	msg, err := h.Store.AppendMessage(r.Context(), store.AppendParams{
		ID:             req.ID,
		ConversationID: conv.ID,
		SenderID:       userID,
		ReceiverID:     req.ReceiverID,
		Content:        req.Content,
		ContentType:    req.ContentType,
		MediaURL:       req.MediaURL,
		ReceiverOnline: receiverOnline,
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}

	metrics.MessagesTotal.WithLabelValues("sent").Inc()
	msg.Status = h.Dispatcher.DeliverMessage(r.Context(), msg)

	metrics.MessageLatency.Observe(time.Since(start).Seconds())
	writeJSON(w, http.StatusCreated, dispatch.ToWire(msg))
}

// markReadRequest is the body of POST /api/messages/read.
type markReadRequest struct {
	MessageIDs []string `json:"message_ids"`
}

// MarkRead handles POST /api/messages/read. Only messages addressed to the
// caller advance; ids that are already read, missing, or someone else's are
// skipped silently, which makes retries safe.
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID := identity(w, r)
	if userID == "" {
		return
	}

	var req markReadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.MessageIDs) == 0 {
		writeError(w, http.StatusBadRequest, "message_ids is required")
		return
	}

	read, err := h.Store.MarkRead(r.Context(), req.MessageIDs, userID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	metrics.MessagesTotal.WithLabelValues("read").Add(float64(len(read)))
	h.Dispatcher.NotifyRead(read)

	updated := make([]string, 0, len(read))
	for i := range read {
		updated = append(updated, read[i].ID)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"updated": updated})
}

// DeleteMessage handles DELETE /api/messages/{id}. Only the sender may
// delete; the receiver is notified so their view drops the message too.
func (h *Handler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	userID := identity(w, r)
	if userID == "" {
		return
	}
	id := mux.Vars(r)["id"]

	msg, err := h.Store.DeleteMessage(r.Context(), id, userID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	metrics.MessagesTotal.WithLabelValues("deleted").Inc()
	h.Dispatcher.NotifyDeleted(msg.ReceiverID, msg.ID, msg.ConversationID)

	w.WriteHeader(http.StatusNoContent)
}

// UploadMedia handles POST /api/media. The attachment arrives as a
// multipart form under the "file" field; the response carries the public
// URL and the content type to use on the follow-up send.
func (h *Handler) UploadMedia(w http.ResponseWriter, r *http.Request) {
	userID := identity(w, r)
	if userID == "" {
		return
	}
	if h.Uploader == nil {
		writeError(w, http.StatusNotImplemented, "media uploads are not configured")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, media.MaxUploadBytes+4096)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file field is required")
		return
	}
	defer file.Close()

	mimeType := header.Header.Get("Content-Type")
	kind := media.KindForMIME(mimeType)
	if kind == "" {
		writeError(w, http.StatusUnsupportedMediaType, "only image and video attachments are accepted")
		return
	}

	url, err := h.Uploader.Upload(r.Context(), header.Filename, mimeType, file)
	if err != nil {
		log.Printf("api: upload media user=%s: %v", userID, err)
		writeError(w, http.StatusInternalServerError, "upload failed")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"url":          url,
		"content_type": kind,
	})
}

// checkRequest is the body of POST /api/moderation/check.
type checkRequest struct {
	Text string `json:"text"`
}

// CheckModeration handles POST /api/moderation/check: a standalone
// classifier round-trip clients use to pre-check a draft before sending.
// Nothing is persisted.
func (h *Handler) CheckModeration(w http.ResponseWriter, r *http.Request) {
	userID := identity(w, r)
	if userID == "" {
		return
	}
	if h.Gate == nil {
		writeError(w, http.StatusNotImplemented, "moderation is not configured")
		return
	}

	if h.Limiter != nil {
		allowed, _ := h.Limiter.Allow(r.Context(), userID, ratelimit.RuleModeration)
		if !allowed {
			writeError(w, http.StatusTooManyRequests, "moderation check rate limit exceeded")
			return
		}
	}

	var req checkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}

	start := time.Now()
	verdict, err := h.Gate.Evaluate(r.Context(), req.Text)
	metrics.ModerationLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ModerationResults.WithLabelValues("unavailable").Inc()
		writeError(w, http.StatusBadGateway, "moderation service unavailable")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"flagged":    verdict.Flagged,
		"level":      verdict.Severity.Label(),
		"suggestion": verdict.SuggestedAlternative,
		"blocked":    verdict.Decision() == moderation.Block,
	})
}
