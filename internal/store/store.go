// Package store provides PostgreSQL-backed storage for conversations and
// messages. It is the single source of truth: real-time delivery is layered
// on top and a dropped push is recovered by re-reading from here.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Sentinel errors surfaced to callers. API handlers map these onto HTTP
// status codes with errors.Is.
var (
	// ErrValidation indicates missing or invalid message content.
	ErrValidation = errors.New("store: invalid message")

	// ErrForbidden indicates the requester is not allowed to touch the
	// resource (non-participant read, non-sender delete).
	ErrForbidden = errors.New("store: forbidden")

	// ErrNotFound indicates the conversation or message does not exist.
	ErrNotFound = errors.New("store: not found")
)

// MaxContentBytes caps text message size at the store boundary.
const MaxContentBytes = 4096

// Store manages conversations and messages in PostgreSQL.
type Store struct {
	db *sql.DB
}

// New creates a Store backed by the given database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to PostgreSQL with the given DSN and verifies the connection.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying handle for use by migrations and tests.
func (s *Store) DB() *sql.DB {
	return s.db
}

const conversationCols = `id, participant_lo, participant_hi, COALESCE(last_message_id::text, ''), unread_count, created_at, updated_at`

func scanConversation(row interface{ Scan(...interface{}) error }) (*Conversation, error) {
	var c Conversation
	err := row.Scan(
		&c.ID,
		&c.ParticipantLo,
		&c.ParticipantHi,
		&c.LastMessageID,
		&c.UnreadCount,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// FindOrCreateConversation returns the conversation between the two users,
// creating it if absent. The pair is canonicalized so (a,b) and (b,a) always
// resolve to the same row. Concurrent first contact is resolved by the unique
// constraint on the canonical pair: a conflicting insert falls through to a
// re-read of the winner's row.
func (s *Store) FindOrCreateConversation(ctx context.Context, userA, userB string) (*Conversation, error) {
	if userA == "" || userB == "" || userA == userB {
		return nil, fmt.Errorf("%w: conversation needs two distinct participants", ErrValidation)
	}
	lo, hi := canonicalPair(userA, userB)

	// ON CONFLICT DO NOTHING returns no row when we lost the race, so the
	// insert and the fallback read are tried in order.
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO conversations (id, participant_lo, participant_hi)
		VALUES ($1, $2, $3)
		ON CONFLICT (participant_lo, participant_hi) DO NOTHING
		RETURNING `+conversationCols,
		uuid.New().String(), lo, hi,
	)
	c, err := scanConversation(row)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: create conversation: %w", err)
	}

	c, err = s.conversationByPair(ctx, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("store: re-read conversation after conflict: %w", err)
	}
	return c, nil
}

func (s *Store) conversationByPair(ctx context.Context, lo, hi string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+conversationCols+`
		FROM conversations
		WHERE participant_lo = $1 AND participant_hi = $2`,
		lo, hi,
	)
	return scanConversation(row)
}

// Conversation returns a conversation by id, or ErrNotFound.
func (s *Store) Conversation(ctx context.Context, id string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+conversationCols+`
		FROM conversations
		WHERE id = $1`,
		id,
	)
	c, err := scanConversation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get conversation: %w", err)
	}
	return c, nil
}

// ListConversations returns every conversation the user participates in,
// most recent activity first, each with its last message attached.
func (s *Store) ListConversations(ctx context.Context, userID string) ([]ConversationSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT
			c.id, c.participant_lo, c.participant_hi,
			COALESCE(c.last_message_id::text, ''), c.unread_count,
			c.created_at, c.updated_at,
			m.id, m.conversation_id, m.sender_id, m.receiver_id,
			m.content, m.content_type, m.media_url, m.status, m.created_at
		FROM conversations c
		LEFT JOIN messages m ON m.id = c.last_message_id
		WHERE c.participant_lo = $1 OR c.participant_hi = $1
		ORDER BY c.updated_at DESC, c.id DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list conversations: %w", err)
	}
	defer rows.Close()

	summaries := make([]ConversationSummary, 0)
	for rows.Next() {
		var cs ConversationSummary
		var (
			mID, mConv, mSender, mReceiver sql.NullString
			mContent, mType, mMedia, mStat sql.NullString
			mCreated                       sql.NullTime
		)
		if err := rows.Scan(
			&cs.ID, &cs.ParticipantLo, &cs.ParticipantHi,
			&cs.LastMessageID, &cs.UnreadCount,
			&cs.CreatedAt, &cs.UpdatedAt,
			&mID, &mConv, &mSender, &mReceiver,
			&mContent, &mType, &mMedia, &mStat, &mCreated,
		); err != nil {
			return nil, fmt.Errorf("store: scan conversation summary: %w", err)
		}
		if mID.Valid {
			cs.LastMessage = &Message{
				ID:             mID.String,
				ConversationID: mConv.String,
				SenderID:       mSender.String,
				ReceiverID:     mReceiver.String,
				Content:        mContent.String,
				ContentType:    mType.String,
				MediaURL:       mMedia.String,
				Status:         mStat.String,
				CreatedAt:      mCreated.Time,
			}
		}
		summaries = append(summaries, cs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: list conversations: %w", err)
	}
	return summaries, nil
}

// ResetUnread zeroes the unread counter of a conversation. Called when the
// receiving participant fetches the message list.
func (s *Store) ResetUnread(ctx context.Context, conversationID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET unread_count = 0
		WHERE id = $1`,
		conversationID,
	)
	if err != nil {
		return fmt.Errorf("store: reset unread: %w", err)
	}
	return nil
}

// isUniqueViolation reports whether err is a Postgres unique constraint
// violation (class 23505).
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
