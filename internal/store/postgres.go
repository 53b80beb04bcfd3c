package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Triggers that end a session.
const (
	TriggerStop      = "stop"
	TriggerDeparture = "departure"
	TriggerHTTP      = "http"
	TriggerAdmin     = "admin"
)

var ErrNotFound = errors.New("store: not found")

// SessionSummary is one finished co-edit session.
type SessionSummary struct {
	ID           int64     `json:"id"`
	ConvID       string    `json:"convId"`
	CreatorID    string    `json:"creatorId"`
	StartedAt    time.Time `json:"startedAt"`
	EndedAt      time.Time `json:"endedAt"`
	Trigger      string    `json:"trigger"`
	Participants []string  `json:"participants"`
	Edited       bool      `json:"edited"`
	ArchiveKey   string    `json:"archiveKey,omitempty"`
}

// Duration is how long the session was open.
func (s SessionSummary) Duration() time.Duration {
	return s.EndedAt.Sub(s.StartedAt)
}

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RecordSession appends a finished session. Recording the same conversation
// and start time twice keeps the first row.
func (s *PostgresStore) RecordSession(ctx context.Context, summary SessionSummary) error {
	if summary.ConvID == "" || summary.CreatorID == "" {
		return fmt.Errorf("record session: conversation and creator are required")
	}
	participants := summary.Participants
	if participants == nil {
		participants = []string{}
	}
	encoded, err := json.Marshal(participants)
	if err != nil {
		return fmt.Errorf("encode participants: %w", err)
	}
	trigger := summary.Trigger
	if trigger == "" {
		trigger = TriggerStop
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO session_history (conv_id, creator_id, started_at, ended_at, end_trigger, participants, edited, archive_key)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb, $7, $8)
		ON CONFLICT (conv_id, started_at) DO NOTHING
	`, summary.ConvID, summary.CreatorID, summary.StartedAt.UTC(), summary.EndedAt.UTC(), trigger, string(encoded), summary.Edited, summary.ArchiveKey)
	if err != nil {
		return fmt.Errorf("insert session history: %w", err)
	}
	return nil
}

// LastSession returns the most recently ended session of a conversation.
func (s *PostgresStore) LastSession(ctx context.Context, convID string) (SessionSummary, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, conv_id, creator_id, started_at, ended_at, end_trigger, participants, edited, archive_key
		FROM session_history
		WHERE conv_id = $1
		ORDER BY ended_at DESC, id DESC
		LIMIT 1
	`, convID)
	summary, err := scanSummary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return SessionSummary{}, ErrNotFound
	}
	if err != nil {
		return SessionSummary{}, fmt.Errorf("load last session: %w", err)
	}
	return summary, nil
}

// ListSessions returns up to limit sessions, newest first. An empty convID
// lists across all conversations.
func (s *PostgresStore) ListSessions(ctx context.Context, convID string, limit int) ([]SessionSummary, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conv_id, creator_id, started_at, ended_at, end_trigger, participants, edited, archive_key
		FROM session_history
		WHERE ($1 = '' OR conv_id = $1)
		ORDER BY ended_at DESC, id DESC
		LIMIT $2
	`, convID, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	result := make([]SessionSummary, 0)
	for rows.Next() {
		summary, err := scanSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		result = append(result, summary)
	}
	return result, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSummary(row rowScanner) (SessionSummary, error) {
	var (
		summary      SessionSummary
		participants []byte
	)
	if err := row.Scan(
		&summary.ID,
		&summary.ConvID,
		&summary.CreatorID,
		&summary.StartedAt,
		&summary.EndedAt,
		&summary.Trigger,
		&participants,
		&summary.Edited,
		&summary.ArchiveKey,
	); err != nil {
		return SessionSummary{}, err
	}
	if len(participants) > 0 {
		if err := json.Unmarshal(participants, &summary.Participants); err != nil {
			return SessionSummary{}, fmt.Errorf("decode participants: %w", err)
		}
	}
	return summary, nil
}
