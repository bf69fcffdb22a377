package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const messageCols = `id, conversation_id, sender_id, receiver_id, content, content_type, media_url, status, created_at`

func scanMessage(row interface{ Scan(...interface{}) error }) (*Message, error) {
	var m Message
	err := row.Scan(
		&m.ID,
		&m.ConversationID,
		&m.SenderID,
		&m.ReceiverID,
		&m.Content,
		&m.ContentType,
		&m.MediaURL,
		&m.Status,
		&m.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// AppendParams describes a message to be appended to a conversation.
type AppendParams struct {
	// ID is an optional client-supplied idempotency key. When set, a retry
	// of the same append returns the already-persisted message instead of
	// inserting a duplicate. When empty a fresh id is generated.
	ID             string
	ConversationID string
	SenderID       string
	ReceiverID     string
	Content        string
	ContentType    string
	MediaURL       string

	// ReceiverOnline selects the initial status: sent when the receiver had
	// a live session at write time, queued otherwise. The dispatcher
	// promotes to delivered only after a successful push.
	ReceiverOnline bool
}

func (p *AppendParams) validate() error {
	if !ValidContentType(p.ContentType) {
		return fmt.Errorf("%w: unsupported content type %q", ErrValidation, p.ContentType)
	}
	hasText := strings.TrimSpace(p.Content) != ""
	hasMedia := p.MediaURL != ""
	if hasText == hasMedia {
		return fmt.Errorf("%w: exactly one of content or media is required", ErrValidation)
	}
	if p.ContentType == ContentText && !hasText {
		return fmt.Errorf("%w: text message without content", ErrValidation)
	}
	if p.ContentType != ContentText && !hasMedia {
		return fmt.Errorf("%w: media message without media url", ErrValidation)
	}
	if len(p.Content) > MaxContentBytes {
		return fmt.Errorf("%w: content exceeds %d byte limit", ErrValidation, MaxContentBytes)
	}
	if hasText && !utf8.ValidString(p.Content) {
		return fmt.Errorf("%w: content contains invalid UTF-8", ErrValidation)
	}
	return nil
}

// AppendMessage validates and inserts a message, then updates the owning
// conversation's last_message_id, unread counter and updated_at in the same
// transaction. No reader ever observes the insert without the conversation
// update.
func (s *Store) AppendMessage(ctx context.Context, p AppendParams) (*Message, error) {
	if err := p.validate(); err != nil {
		return nil, err
	}

	conv, err := s.Conversation(ctx, p.ConversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(p.SenderID) || !conv.HasParticipant(p.ReceiverID) || p.SenderID == p.ReceiverID {
		return nil, fmt.Errorf("%w: sender and receiver must be the conversation participants", ErrForbidden)
	}

	id := p.ID
	if id == "" {
		id = uuid.New().String()
	}
	status := StatusQueued
	if p.ReceiverOnline {
		status = StatusSent
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin append: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		INSERT INTO messages (id, conversation_id, sender_id, receiver_id, content, content_type, media_url, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING `+messageCols,
		id, p.ConversationID, p.SenderID, p.ReceiverID,
		p.Content, p.ContentType, p.MediaURL, status,
	)
	msg, err := scanMessage(row)
	if err != nil {
		if isUniqueViolation(err) {
			// Idempotent retry with the same client id: return the row the
			// first attempt persisted — but only if it really is the same
			// send. An id colliding with someone else's message must not
			// leak that row back to the caller.
			existing, readErr := s.Message(ctx, id)
			if readErr != nil {
				return nil, fmt.Errorf("store: re-read message after conflict: %w", readErr)
			}
			if existing.ConversationID != p.ConversationID ||
				existing.SenderID != p.SenderID ||
				existing.ReceiverID != p.ReceiverID {
				return nil, fmt.Errorf("%w: message id is already in use", ErrValidation)
			}
			return existing, nil
		}
		return nil, fmt.Errorf("store: insert message: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE conversations
		SET last_message_id = $2,
		    unread_count = unread_count + 1,
		    updated_at = NOW()
		WHERE id = $1`,
		p.ConversationID, msg.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: update conversation on append: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit append: %w", err)
	}
	return msg, nil
}

// Message returns a message by id, or ErrNotFound.
func (s *Store) Message(ctx context.Context, id string) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+messageCols+`
		FROM messages
		WHERE id = $1`,
		id,
	)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get message: %w", err)
	}
	return msg, nil
}

// ListMessages returns every message of a conversation in ascending
// created_at order (id as a stable tie-break). The requester must be a
// participant or ErrForbidden is returned.
func (s *Store) ListMessages(ctx context.Context, conversationID, requester string) ([]Message, error) {
	conv, err := s.Conversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(requester) {
		return nil, fmt.Errorf("%w: not a participant of conversation %s", ErrForbidden, conversationID)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageCols+`
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC, id ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]Message, 0)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		messages = append(messages, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	return messages, nil
}

// MarkRead advances every message in ids whose receiver is the requester and
// whose status has not yet reached read. Already-read ids are skipped, not
// errors, so the call is idempotent. It returns the messages actually
// updated so the caller can notify their senders.
func (s *Store) MarkRead(ctx context.Context, ids []string, requester string) ([]Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		UPDATE messages
		SET status = 'read'
		WHERE id = ANY($1)
		  AND receiver_id = $2
		  AND status IN ('queued', 'sent', 'delivered')
		RETURNING `+messageCols,
		pq.Array(ids), requester,
	)
	if err != nil {
		return nil, fmt.Errorf("store: mark read: %w", err)
	}
	defer rows.Close()

	updated := make([]Message, 0, len(ids))
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan marked message: %w", err)
		}
		updated = append(updated, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: mark read: %w", err)
	}
	return updated, nil
}

// MarkDelivered promotes a message to delivered after a successful live
// push. The guard keeps the machine forward-only: a message already read (or
// failed) is left untouched. Returns true if the row changed.
func (s *Store) MarkDelivered(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET status = 'delivered'
		WHERE id = $1 AND status IN ('queued', 'sent')`,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("store: mark delivered: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkFailed flags an undeliverable message. Only queued or sent messages
// can fail; delivered and read are past the point of failure.
func (s *Store) MarkFailed(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages
		SET status = 'failed'
		WHERE id = $1 AND status IN ('queued', 'sent')`,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("store: mark failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteMessage removes a message. Only the sender may delete; anyone else
// gets ErrForbidden with no side effects. The deleted message is returned so
// the caller can notify the receiver.
func (s *Store) DeleteMessage(ctx context.Context, id, requester string) (*Message, error) {
	msg, err := s.Message(ctx, id)
	if err != nil {
		return nil, err
	}
	if msg.SenderID != requester {
		return nil, fmt.Errorf("%w: only the sender may delete a message", ErrForbidden)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin delete: %w", err)
	}
	defer tx.Rollback()

	// Drop the lastMessage reference if it points at the deleted row; the
	// weak reference must not dangle.
	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations
		SET last_message_id = NULL
		WHERE id = $1 AND last_message_id = $2`,
		msg.ConversationID, id,
	); err != nil {
		return nil, fmt.Errorf("store: clear last message: %w", err)
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = $1 AND sender_id = $2`, id, requester)
	if err != nil {
		return nil, fmt.Errorf("store: delete message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit delete: %w", err)
	}
	return msg, nil
}
