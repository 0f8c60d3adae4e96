package code

import (
	"context"
	"database/sql"
	"fmt"

	"tally/internal/referral/models"
	id "tally/pkg/domain"
	"tally/pkg/platform/sentinel"
	ptx "tally/pkg/platform/tx"
)

// PostgresStore persists the code→owner uniqueness index. The primary key on
// the code string makes Create the atomic claim the reservation path retries
// on.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) q(ctx context.Context) querier {
	if tx, ok := ptx.From(ctx); ok {
		return tx
	}
	return s.db
}

// Create claims the code. ON CONFLICT DO NOTHING instead of a bare INSERT so
// a collision reports ErrAlreadyUsed without aborting the surrounding SQL
// transaction; the reservation retry loop continues inside the same tx.
func (s *PostgresStore) Create(ctx context.Context, record *models.CodeRecord) error {
	query := `
		INSERT INTO referral_codes (code, owner_id, reserved_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (code) DO NOTHING
	`
	result, err := s.q(ctx).ExecContext(ctx, query,
		record.Code, record.OwnerID.String(), record.ReservedAt)
	if err != nil {
		return fmt.Errorf("create code record: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("create code record rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("code %s: %w", record.Code, sentinel.ErrAlreadyUsed)
	}
	return nil
}

func (s *PostgresStore) Find(ctx context.Context, codeStr string) (*models.CodeRecord, error) {
	query := `SELECT code, owner_id, reserved_at FROM referral_codes WHERE code = $1`
	rec, err := scanCode(s.q(ctx).QueryRowContext(ctx, query, codeStr))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("code %s: %w", codeStr, sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("find code record: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) FindByOwner(ctx context.Context, ownerID id.UserID) (*models.CodeRecord, error) {
	query := `SELECT code, owner_id, reserved_at FROM referral_codes WHERE owner_id = $1 ORDER BY reserved_at LIMIT 1`
	rec, err := scanCode(s.q(ctx).QueryRowContext(ctx, query, ownerID.String()))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("owner %s: %w", ownerID, sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("find code by owner: %w", err)
	}
	return rec, nil
}

// Rewrite realigns the index row with the authoritative User record.
func (s *PostgresStore) Rewrite(ctx context.Context, record *models.CodeRecord) error {
	query := `
		INSERT INTO referral_codes (code, owner_id, reserved_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (code) DO UPDATE SET
			owner_id = EXCLUDED.owner_id,
			reserved_at = EXCLUDED.reserved_at
	`
	_, err := s.q(ctx).ExecContext(ctx, query,
		record.Code, record.OwnerID.String(), record.ReservedAt)
	if err != nil {
		return fmt.Errorf("rewrite code record: %w", err)
	}
	return nil
}

type codeRow interface {
	Scan(dest ...any) error
}

func scanCode(row codeRow) (*models.CodeRecord, error) {
	var rec models.CodeRecord
	var rawOwner string
	if err := row.Scan(&rec.Code, &rawOwner, &rec.ReservedAt); err != nil {
		return nil, err
	}
	owner, err := id.ParseUserID(rawOwner)
	if err != nil {
		return nil, err
	}
	rec.OwnerID = owner
	return &rec, nil
}
