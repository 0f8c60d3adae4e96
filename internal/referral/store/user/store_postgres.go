package user

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

// PostgresStore persists User records in PostgreSQL. Pure I/O; invariant
// enforcement that needs cross-store atomicity lives in the service
// transactions, single-row invariants are guarded here with conditional
// UPDATEs.
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

// q joins the surrounding transaction when RunInTx put one in context.
func (s *PostgresStore) q(ctx context.Context) querier {
	if tx, ok := ptx.From(ctx); ok {
		return tx
	}
	return s.db
}

func (s *PostgresStore) CreateIfAbsent(ctx context.Context, u *models.User) error {
	query := `
		INSERT INTO referral_users (id, referral_code, referred_by, direct_count, is_operator, created_at)
		VALUES ($1, NULLIF($2, ''), $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`
	var referredBy any
	if u.ReferredBy != nil {
		referredBy = u.ReferredBy.String()
	}
	result, err := s.q(ctx).ExecContext(ctx, query,
		u.ID.String(), u.ReferralCode, referredBy, u.DirectCount, u.Operator, u.CreatedAt)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("create user rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("user %s: %w", u.ID, sentinel.ErrAlreadyUsed)
	}
	return nil
}

func (s *PostgresStore) FindByID(ctx context.Context, userID id.UserID) (*models.User, error) {
	query := `
		SELECT id, COALESCE(referral_code, ''), referred_by, direct_count, is_operator, created_at
		FROM referral_users
		WHERE id = $1
	`
	u, err := scanUser(s.q(ctx).QueryRowContext(ctx, query, userID.String()))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("user %s: %w", userID, sentinel.ErrNotFound)
		}
		return nil, fmt.Errorf("find user: %w", err)
	}
	return u, nil
}

func (s *PostgresStore) SetReferralCode(ctx context.Context, userID id.UserID, code string) error {
	result, err := s.q(ctx).ExecContext(ctx,
		`UPDATE referral_users SET referral_code = $2 WHERE id = $1`,
		userID.String(), code)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("referral code %s: %w", code, sentinel.ErrAlreadyUsed)
		}
		return fmt.Errorf("set referral code: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set referral code rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("user %s: %w", userID, sentinel.ErrNotFound)
	}
	return nil
}

// SetReferredBy only succeeds while referred_by is NULL; the first valid
// application is permanent.
func (s *PostgresStore) SetReferredBy(ctx context.Context, userID, referrerID id.UserID) error {
	result, err := s.q(ctx).ExecContext(ctx,
		`UPDATE referral_users SET referred_by = $2 WHERE id = $1 AND referred_by IS NULL`,
		userID.String(), referrerID.String())
	if err != nil {
		return fmt.Errorf("set referred by: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set referred by rows affected: %w", err)
	}
	if rows == 0 {
		if _, ferr := s.FindByID(ctx, userID); ferr != nil {
			return ferr
		}
		return fmt.Errorf("user %s referred_by: %w", userID, sentinel.ErrAlreadyUsed)
	}
	return nil
}

func (s *PostgresStore) AdjustDirectCount(ctx context.Context, userID id.UserID, delta int) error {
	result, err := s.q(ctx).ExecContext(ctx,
		`UPDATE referral_users SET direct_count = direct_count + $2 WHERE id = $1 AND direct_count + $2 >= 0`,
		userID.String(), delta)
	if err != nil {
		return fmt.Errorf("adjust direct count: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("adjust direct count rows affected: %w", err)
	}
	if rows == 0 {
		if _, ferr := s.FindByID(ctx, userID); ferr != nil {
			return ferr
		}
		return fmt.Errorf("direct count below zero: %w", sentinel.ErrInvalidState)
	}
	return nil
}

func (s *PostgresStore) SetDirectCount(ctx context.Context, userID id.UserID, count int) error {
	if count < 0 {
		return fmt.Errorf("negative direct count: %w", sentinel.ErrInvalidState)
	}
	result, err := s.q(ctx).ExecContext(ctx,
		`UPDATE referral_users SET direct_count = $2 WHERE id = $1`,
		userID.String(), count)
	if err != nil {
		return fmt.Errorf("set direct count: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set direct count rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("user %s: %w", userID, sentinel.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ListIDs(ctx context.Context) ([]id.UserID, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `SELECT id FROM referral_users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list user ids: %w", err)
	}
	defer rows.Close()

	var ids []id.UserID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		uid, err := id.ParseUserID(raw)
		if err != nil {
			return nil, fmt.Errorf("parse user id: %w", err)
		}
		ids = append(ids, uid)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate user ids: %w", err)
	}
	return ids, nil
}

type userRow interface {
	Scan(dest ...any) error
}

func scanUser(row userRow) (*models.User, error) {
	var u models.User
	var rawID string
	var referredBy sql.NullString
	if err := row.Scan(&rawID, &u.ReferralCode, &referredBy, &u.DirectCount, &u.Operator, &u.CreatedAt); err != nil {
		return nil, err
	}
	uid, err := id.ParseUserID(rawID)
	if err != nil {
		return nil, err
	}
	u.ID = uid
	if referredBy.Valid {
		ref, err := id.ParseUserID(referredBy.String)
		if err != nil {
			return nil, err
		}
		u.ReferredBy = &ref
	}
	return &u, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
