package store

import "time"

// Content types for persisted messages.
const (
	ContentText  = "text"
	ContentImage = "image"
	ContentVideo = "video"
)

// Message status values. The machine moves strictly forward:
//
//	queued -> sent -> delivered -> read
//
// with queued|sent -> failed as the only other transition.
const (
	StatusQueued    = "queued"
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
	StatusFailed    = "failed"
)

// statusRank orders the forward-only part of the status machine. failed is
// terminal and unordered relative to delivered/read.
var statusRank = map[string]int{
	StatusQueued:    0,
	StatusSent:      1,
	StatusDelivered: 2,
	StatusRead:      3,
}

// StatusAdvances reports whether moving from one status to another is a
// legal forward transition. Clients use it to ignore stale status events;
// the SQL guards enforce the same rule server-side.
func StatusAdvances(from, to string) bool {
	if to == StatusFailed {
		return from == StatusQueued || from == StatusSent
	}
	fr, ok := statusRank[from]
	if !ok {
		return false
	}
	tr, ok := statusRank[to]
	if !ok {
		return false
	}
	return tr > fr
}

// ValidContentType reports whether ct is one of the supported content types.
func ValidContentType(ct string) bool {
	return ct == ContentText || ct == ContentImage || ct == ContentVideo
}

// Conversation is a durable 1:1 thread between two user identities. The
// participant pair is stored in canonical (sorted) order so that lookup by
// pair is order-independent.
type Conversation struct {
	ID            string
	ParticipantLo string
	ParticipantHi string
	LastMessageID string // empty until the first message lands
	UnreadCount   int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// HasParticipant reports whether userID is one of the two participants.
func (c *Conversation) HasParticipant(userID string) bool {
	return userID == c.ParticipantLo || userID == c.ParticipantHi
}

// Peer returns the other participant of the conversation, or "" if userID is
// not a participant.
func (c *Conversation) Peer(userID string) string {
	switch userID {
	case c.ParticipantLo:
		return c.ParticipantHi
	case c.ParticipantHi:
		return c.ParticipantLo
	}
	return ""
}

// Message is a single chat message owned by its conversation. Only Status
// ever changes after insert; everything else is immutable until the sender
// deletes the message.
type Message struct {
	ID             string
	ConversationID string
	SenderID       string
	ReceiverID     string
	Content        string // empty for media messages
	ContentType    string
	MediaURL       string // empty for text messages
	Status         string
	CreatedAt      time.Time
}

// ConversationSummary is a conversation plus its most recent message, as
// returned by the conversation listing API.
type ConversationSummary struct {
	Conversation
	LastMessage *Message
}

// canonicalPair returns the two user ids in sorted order.
func canonicalPair(a, b string) (lo, hi string) {
	if a < b {
		return a, b
	}
	return b, a
}
