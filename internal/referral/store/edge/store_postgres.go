package edge

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"tally/internal/referral/models"
	id "tally/pkg/domain"
	"tally/pkg/platform/sentinel"
	ptx "tally/pkg/platform/tx"
)

// PostgresStore persists referral edges. A UNIQUE constraint on referee_id
// enforces the one-referrer-per-referee rule at the storage layer as well.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) q(ctx context.Context) querier {
	if tx, ok := ptx.From(ctx); ok {
		return tx
	}
	return s.db
}

func (s *PostgresStore) Create(ctx context.Context, e *models.Edge) error {
	query := `
		INSERT INTO referral_edges (referrer_id, referee_id, created_at)
		VALUES ($1, $2, $3)
	`
	_, err := s.q(ctx).ExecContext(ctx, query,
		e.ReferrerID.String(), e.RefereeID.String(), e.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("referee %s edge: %w", e.RefereeID, sentinel.ErrAlreadyUsed)
		}
		return fmt.Errorf("create edge: %w", err)
	}
	return nil
}

func (s *PostgresStore) FindByReferee(ctx context.Context, refereeID id.UserID) (*models.Edge, error) {
	query := `SELECT referrer_id, referee_id, created_at FROM referral_edges WHERE referee_id = $1`
	e, err := scanEdge(s.q(ctx).QueryRowContext(ctx, query, refereeID.String()))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("referee %s edge: %w", refereeID, sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("find edge by referee: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) ListByReferrer(ctx context.Context, referrerID id.UserID) ([]*models.Edge, error) {
	query := `
		SELECT referrer_id, referee_id, created_at
		FROM referral_edges
		WHERE referrer_id = $1
		ORDER BY created_at
	`
	rows, err := s.q(ctx).QueryContext(ctx, query, referrerID.String())
	if err != nil {
		return nil, fmt.Errorf("list edges by referrer: %w", err)
	}
	defer rows.Close()

	var edges []*models.Edge
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, fmt.Errorf("scan edge: %w", err)
		}
		edges = append(edges, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate edges: %w", err)
	}
	return edges, nil
}

func (s *PostgresStore) CountByReferrer(ctx context.Context, referrerID id.UserID) (int, error) {
	var count int
	err := s.q(ctx).QueryRowContext(ctx,
		`SELECT COUNT(*) FROM referral_edges WHERE referrer_id = $1`,
		referrerID.String()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count edges by referrer: %w", err)
	}
	return count, nil
}

type edgeRow interface {
	Scan(dest ...any) error
}

func scanEdge(row edgeRow) (*models.Edge, error) {
	var e models.Edge
	var rawReferrer, rawReferee string
	if err := row.Scan(&rawReferrer, &rawReferee, &e.CreatedAt); err != nil {
		return nil, err
	}
	referrer, err := id.ParseUserID(rawReferrer)
	if err != nil {
		return nil, err
	}
	referee, err := id.ParseUserID(rawReferee)
	if err != nil {
		return nil, err
	}
	e.ReferrerID = referrer
	e.RefereeID = referee
	return &e, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
