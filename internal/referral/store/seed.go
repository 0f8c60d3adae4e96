package store

import (
	"context"
	"errors"
	"log/slog"

	"tally/internal/referral/models"
	"tally/internal/referral/ports"
	id "tally/pkg/domain"
	"tally/pkg/platform/audit"
	"tally/pkg/platform/sentinel"
	"tally/pkg/requestcontext"
)

// SeedOperator creates the operator account if it does not exist yet. It is
// an explicit idempotent startup operation: the existence check and insert
// are one atomic CreateIfAbsent, so concurrent replicas racing at boot still
// produce exactly one record.
func SeedOperator(ctx context.Context, users ports.UserStore, pub ports.AuditPublisher, logger *slog.Logger, operatorID id.UserID) error {
	op := &models.User{
		ID:        operatorID,
		Operator:  true,
		CreatedAt: requestcontext.Now(ctx),
	}
	err := users.CreateIfAbsent(ctx, op)
	if errors.Is(err, sentinel.ErrAlreadyUsed) {
		return nil
	}
	if err != nil {
		return err
	}

	logger.InfoContext(ctx, "seeded operator account", "user_id", operatorID.String())
	if pub != nil {
		_ = pub.Emit(ctx, audit.Event{
			UserID: operatorID,
			Action: string(audit.EventOperatorSeeded),
		})
	}
	return nil
}
