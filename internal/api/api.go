// Package api exposes the REST surface of the chat backend: conversation
// listing, message history, sends, reads, deletions, attachment uploads, and
// a standalone moderation check. Identity arrives in the X-User-ID header,
// set by the authenticating proxy in front of this service.
package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/safetalk/chat-app/internal/dispatch"
	"github.com/safetalk/chat-app/internal/media"
	"github.com/safetalk/chat-app/internal/metrics"
	"github.com/safetalk/chat-app/internal/moderation"
	"github.com/safetalk/chat-app/internal/presence"
	"github.com/safetalk/chat-app/internal/ratelimit"
	"github.com/safetalk/chat-app/internal/store"
)

// Handler holds the application dependencies shared by all REST endpoints.
type Handler struct {
	Store      *store.Store
	Gate       *moderation.Gate
	Dispatcher *dispatch.Dispatcher
	Status     *presence.StatusStore
	Limiter    *ratelimit.Limiter
	Uploader   media.Uploader
	UploadDir  string // served at /uploads when non-empty
}

// Router configures the HTTP router with all REST routes, wrapped in CORS
// middleware.
func (h *Handler) Router(allowedOrigins []string) http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/api/conversations", h.ListConversations).Methods("GET")
	r.HandleFunc("/api/conversations/{id}/messages", h.GetMessages).Methods("GET")
	r.HandleFunc("/api/messages", h.SendMessage).Methods("POST")
	r.HandleFunc("/api/messages/read", h.MarkRead).Methods("POST")
	r.HandleFunc("/api/messages/{id}", h.DeleteMessage).Methods("DELETE")
	r.HandleFunc("/api/media", h.UploadMedia).Methods("POST")
	r.HandleFunc("/api/moderation/check", h.CheckModeration).Methods("POST")
	r.HandleFunc("/api/presence/{user_id}", h.GetPresence).Methods("GET")
	r.HandleFunc("/health", h.Health).Methods("GET")
	r.Handle("/metrics", metrics.Handler()).Methods("GET")

	if h.UploadDir != "" {
		r.PathPrefix("/uploads/").Handler(
			http.StripPrefix("/uploads/", http.FileServer(http.Dir(h.UploadDir))))
	}

	c := cors.New(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "X-User-ID"},
		AllowCredentials: true,
	})

	return c.Handler(r)
}

// Health responds with a flat ok for load balancer checks.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// identity extracts the caller's user id from the X-User-ID header. Writes a
// 401 and returns empty when the header is missing.
func identity(w http.ResponseWriter, r *http.Request) string {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "X-User-ID header is required")
	}
	return userID
}

// writeJSON encodes v as the response body with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("api: encode response: %v", err)
	}
}

// writeError sends a JSON error body with the given status code.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeStoreError maps store sentinel errors to HTTP status codes.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrForbidden):
		writeError(w, http.StatusForbidden, "not a participant")
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	default:
		log.Printf("api: store error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
