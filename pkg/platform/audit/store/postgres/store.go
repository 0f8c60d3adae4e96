package postgres

import (
	"context"
	"database/sql"
	"fmt"

	id "tally/pkg/domain"
	"tally/pkg/platform/audit"
)

// Store persists audit events in PostgreSQL. Append-only; nothing in the
// system deletes audit rows.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Append(ctx context.Context, event audit.Event) error {
	query := `
		INSERT INTO audit_events (occurred_at, user_id, action, code, actor_id, reason, request_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.db.ExecContext(ctx, query,
		event.Timestamp,
		event.UserID.String(),
		event.Action,
		event.Code,
		event.ActorID,
		event.Reason,
		event.RequestID,
	)
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

func (s *Store) ListByUser(ctx context.Context, userID id.UserID) ([]audit.Event, error) {
	query := `
		SELECT occurred_at, user_id, action, code, actor_id, reason, request_id
		FROM audit_events
		WHERE user_id = $1
		ORDER BY occurred_at
	`
	rows, err := s.db.QueryContext(ctx, query, userID.String())
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var events []audit.Event
	for rows.Next() {
		var e audit.Event
		var rawUserID string
		if err := rows.Scan(&e.Timestamp, &rawUserID, &e.Action, &e.Code, &e.ActorID, &e.Reason, &e.RequestID); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		uid, err := id.ParseUserID(rawUserID)
		if err != nil {
			return nil, fmt.Errorf("parse audit user id: %w", err)
		}
		e.UserID = uid
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit events: %w", err)
	}
	return events, nil
}
