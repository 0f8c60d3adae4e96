package main

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"tally/internal/referral/ports"
	id "tally/pkg/domain"
	dErrors "tally/pkg/domain-errors"
	"tally/pkg/platform/sentinel"
	ptx "tally/pkg/platform/tx"
)

const pgTxTimeout = 5 * time.Second

// postgresTx runs referral mutations inside a database transaction. The
// stores join it through the tx-in-context convention, so the same store
// values serve both transactional and plain reads.
type postgresTx struct {
	db     *sql.DB
	stores ports.Stores
}

func newPostgresTx(db *sql.DB, stores ports.Stores) ports.StoreTx {
	return &postgresTx{db: db, stores: stores}
}

func (t *postgresTx) RunInTx(ctx context.Context, scope id.UserID, fn func(txCtx context.Context, stores ports.Stores) error) error {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, pgTxTimeout)
		defer cancel()
	}

	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "begin transaction")
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize transactions for the same user, mirroring the sharded
	// in-memory tx: the second reservation for a user queues on the row
	// lock and re-reads the winner's code after commit, instead of both
	// reading an empty code and binding different ones.
	if !scope.IsNil() {
		if _, err := tx.ExecContext(ctx,
			`SELECT id FROM referral_users WHERE id = $1 FOR UPDATE`,
			scope.String()); err != nil {
			return translatePgTxErr(dErrors.Wrap(err, dErrors.CodeInternal, "lock user row"))
		}
	}

	if err := fn(ptx.WithTx(ctx, tx), t.stores); err != nil {
		return translatePgTxErr(err)
	}
	if err := tx.Commit(); err != nil {
		return translatePgTxErr(dErrors.Wrap(err, dErrors.CodeInternal, "commit transaction"))
	}
	return nil
}

// translatePgTxErr maps serialization failures and deadlocks onto the
// transient-conflict code so the service retry loop picks them up.
func translatePgTxErr(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01":
			return dErrors.Wrap(errors.Join(err, sentinel.ErrConflict),
				dErrors.CodeTransientConflict, "transaction write conflict")
		}
	}
	return err
}
