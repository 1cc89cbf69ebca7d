// Package ledger provides PostgreSQL-backed storage for terminal dispatch
// outcomes. Each row records what happened to one notification so operators
// can see why a receiver never got pushed.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/whisper/chat-notify/internal/chat"
	"github.com/whisper/chat-notify/internal/dispatch"
)

// Store manages delivery outcomes in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Entry is one recorded outcome.
type Entry struct {
	ID                uuid.UUID
	MessageID         string
	RoomID            string
	ReceiverID        string
	Outcome           string
	Reason            string
	Attempts          int
	ProviderMessageID string
	CreatedAt         time.Time
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("ledger: open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxIdleTime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: ping: %w", err)
	}
	return db, nil
}

// NewStore creates a new ledger store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// RecordOutcome inserts the terminal outcome of one dispatch.
func (s *Store) RecordOutcome(ctx context.Context, ev chat.MessageEvent, out dispatch.Outcome) error {
	const query = `
		INSERT INTO delivery_outcomes
			(id, message_id, room_id, receiver_id, outcome, reason, attempts, provider_message_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	_, err := s.db.ExecContext(ctx, query,
		uuid.New(),
		ev.MessageID,
		ev.RoomID,
		ev.ReceiverID,
		string(out.Status),
		truncateReason(out.Reason),
		out.Attempts,
		out.ProviderMessageID,
	)
	if err != nil {
		return fmt.Errorf("ledger: insert: %w", err)
	}
	return nil
}

// ListByMessage returns every outcome recorded for a message, oldest first.
// Redelivered events may leave more than one row.
func (s *Store) ListByMessage(ctx context.Context, messageID string) ([]Entry, error) {
	const query = `
		SELECT id, message_id, room_id, receiver_id, outcome, reason, attempts, provider_message_id, created_at
		FROM delivery_outcomes
		WHERE message_id = $1
		ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, messageID)
	if err != nil {
		return nil, fmt.Errorf("ledger: list: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.MessageID, &e.RoomID, &e.ReceiverID, &e.Outcome,
			&e.Reason, &e.Attempts, &e.ProviderMessageID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("ledger: scan: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: list: %w", err)
	}
	return entries, nil
}

// CountRecent returns outcome counts recorded within the given window,
// keyed by outcome.
func (s *Store) CountRecent(ctx context.Context, window time.Duration) (map[string]int, error) {
	const query = `
		SELECT outcome, COUNT(*)
		FROM delivery_outcomes
		WHERE created_at >= NOW() - ($1 * INTERVAL '1 second')
		GROUP BY outcome`

	rows, err := s.db.QueryContext(ctx, query, window.Seconds())
	if err != nil {
		return nil, fmt.Errorf("ledger: count recent: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("ledger: scan: %w", err)
		}
		counts[outcome] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: count recent: %w", err)
	}
	return counts, nil
}

const maxReasonBytes = 1024

func truncateReason(s string) string {
	if len(s) <= maxReasonBytes {
		return s
	}
	return strings.ToValidUTF8(s[:maxReasonBytes], "")
}
