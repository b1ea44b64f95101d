package chat

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gatherly/backend/internal/contracts"
)

// Summary is one row of the viewer's chat list. Status is derived from
// the event end time at read time, never stored.
type Summary struct {
	ChatID          string     `json:"chat_id"`
	EventID         string     `json:"event_id"`
	EventTitle      string     `json:"event_title"`
	EventEndsAt     *time.Time `json:"event_ends_at,omitempty"`
	LastMessageText string     `json:"last_message_text,omitempty"`
	LastMessageAt   *time.Time `json:"last_message_at,omitempty"`
	UnreadCount     int        `json:"unread_count"`
	Status          Status     `json:"status"`
}

// Repository persists chat messages and read markers. Every event has an
// implicit chat with the same id; membership is the event's owner plus
// anyone invited or with an RSVP.
type Repository interface {
	EnsureSchema(ctx context.Context) error
	ListChats(ctx context.Context, viewerID string) ([]Summary, error)
	EventEnd(ctx context.Context, chatID string) (*time.Time, error)
	IsMember(ctx context.Context, chatID, userID string) (bool, error)
	InsertMessage(ctx context.Context, msg contracts.ChatMessage) error
	ListMessages(ctx context.Context, chatID string, limit int) ([]contracts.ChatMessage, error)
	MarkRead(ctx context.Context, chatID, userID string, at time.Time) error
}

type PostgresRepository struct {
	Pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{Pool: pool}
}

const createChatMessagesSQL = `
CREATE TABLE IF NOT EXISTS chat_messages (
  message_id text PRIMARY KEY,
  chat_id text NOT NULL,
  sender_id text NOT NULL,
  body text NOT NULL,
  created_at timestamptz NOT NULL,
  inserted_at timestamptz NOT NULL DEFAULT now()
)`

const createChatMessagesIndexSQL = `
CREATE INDEX IF NOT EXISTS chat_messages_chat_created
ON chat_messages (chat_id, created_at)`

const createChatReadsSQL = `
CREATE TABLE IF NOT EXISTS chat_reads (
  chat_id text NOT NULL,
  user_id text NOT NULL,
  last_read_at timestamptz NOT NULL,
  PRIMARY KEY (chat_id, user_id)
)`

const listChatsSQL = `
SELECT e.event_id, e.title, e.ends_at,
       m.body, m.created_at,
       (SELECT count(*) FROM chat_messages c
        WHERE c.chat_id = e.event_id
          AND c.sender_id <> $1
          AND c.created_at > COALESCE(
            (SELECT last_read_at FROM chat_reads r WHERE r.chat_id = e.event_id AND r.user_id = $1),
            'epoch'::timestamptz)) AS unread
FROM events e
LEFT JOIN LATERAL (
  SELECT body, created_at FROM chat_messages c
  WHERE c.chat_id = e.event_id
  ORDER BY c.created_at DESC, c.message_id DESC
  LIMIT 1
) m ON true
WHERE e.owner_id = $1
   OR EXISTS (SELECT 1 FROM event_invites i WHERE i.event_id = e.event_id AND i.user_id = $1)
   OR EXISTS (SELECT 1 FROM event_attendance a WHERE a.event_id = e.event_id AND a.user_id = $1 AND a.is_going)
ORDER BY m.created_at DESC NULLS LAST, e.starts_at DESC
`

const isMemberSQL = `
SELECT EXISTS (
  SELECT 1 FROM events e
  WHERE e.event_id = $1
    AND (e.owner_id = $2
      OR EXISTS (SELECT 1 FROM event_invites i WHERE i.event_id = e.event_id AND i.user_id = $2)
      OR EXISTS (SELECT 1 FROM event_attendance a WHERE a.event_id = e.event_id AND a.user_id = $2 AND a.is_going))
)`

func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	for _, stmt := range []string{createChatMessagesSQL, createChatMessagesIndexSQL, createChatReadsSQL} {
		if _, err := r.Pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (r *PostgresRepository) ListChats(ctx context.Context, viewerID string) ([]Summary, error) {
	rows, err := r.Pool.Query(ctx, listChatsSQL, viewerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	summaries := make([]Summary, 0)
	for rows.Next() {
		var s Summary
		var body *string
		if err := rows.Scan(&s.EventID, &s.EventTitle, &s.EventEndsAt, &body, &s.LastMessageAt, &s.UnreadCount); err != nil {
			return nil, err
		}
		s.ChatID = s.EventID
		if body != nil {
			s.LastMessageText = *body
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

func (r *PostgresRepository) EventEnd(ctx context.Context, chatID string) (*time.Time, error) {
	var endsAt *time.Time
	err := r.Pool.QueryRow(ctx, `SELECT ends_at FROM events WHERE event_id = $1`, chatID).Scan(&endsAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrChatNotFound
		}
		return nil, err
	}
	return endsAt, nil
}

func (r *PostgresRepository) IsMember(ctx context.Context, chatID, userID string) (bool, error) {
	var member bool
	err := r.Pool.QueryRow(ctx, isMemberSQL, chatID, userID).Scan(&member)
	return member, err
}

func (r *PostgresRepository) InsertMessage(ctx context.Context, msg contracts.ChatMessage) error {
	_, err := r.Pool.Exec(ctx,
		`INSERT INTO chat_messages (message_id, chat_id, sender_id, body, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (message_id) DO NOTHING`,
		msg.MessageID, msg.ChatID, msg.SenderID, msg.Text, msg.CreatedAt,
	)
	return err
}

func (r *PostgresRepository) ListMessages(ctx context.Context, chatID string, limit int) ([]contracts.ChatMessage, error) {
	rows, err := r.Pool.Query(ctx,
		`SELECT message_id, chat_id, sender_id, body, created_at
		 FROM (
		   SELECT message_id, chat_id, sender_id, body, created_at
		   FROM chat_messages
		   WHERE chat_id = $1
		   ORDER BY created_at DESC, message_id DESC
		   LIMIT $2
		 ) latest
		 ORDER BY created_at, message_id`,
		chatID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	msgs := make([]contracts.ChatMessage, 0)
	for rows.Next() {
		var m contracts.ChatMessage
		if err := rows.Scan(&m.MessageID, &m.ChatID, &m.SenderID, &m.Text, &m.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (r *PostgresRepository) MarkRead(ctx context.Context, chatID, userID string, at time.Time) error {
	_, err := r.Pool.Exec(ctx,
		`INSERT INTO chat_reads (chat_id, user_id, last_read_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (chat_id, user_id) DO UPDATE
		 SET last_read_at = GREATEST(chat_reads.last_read_at, EXCLUDED.last_read_at)`,
		chatID, userID, at,
	)
	return err
}

// PurgeOrphanedMessages drops messages and read markers for chats whose
// event no longer exists. Deleting an event leaves its chat rows behind;
// this runs from the housekeeper rather than inline with the delete.
func (r *PostgresRepository) PurgeOrphanedMessages(ctx context.Context) (int64, error) {
	tag, err := r.Pool.Exec(ctx,
		`DELETE FROM chat_messages
		 WHERE NOT EXISTS (SELECT 1 FROM events e WHERE e.event_id = chat_messages.chat_id)`,
	)
	if err != nil {
		return 0, err
	}
	if _, err := r.Pool.Exec(ctx,
		`DELETE FROM chat_reads
		 WHERE NOT EXISTS (SELECT 1 FROM events e WHERE e.event_id = chat_reads.chat_id)`,
	); err != nil {
		return tag.RowsAffected(), err
	}
	return tag.RowsAffected(), nil
}
