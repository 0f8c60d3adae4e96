// Package ports defines shared interfaces for the referral module.
// Interfaces live here because they are consumed by the service, the auditor,
// and the transaction adapters alike.
package ports

//go:generate mockgen -destination=mocks/mocks.go -package=mocks tally/internal/referral/ports StatsCache,AuditPublisher

import (
	"context"

	"tally/internal/referral/models"
	id "tally/pkg/domain"
	"tally/pkg/platform/audit"
)

// UserStore persists the authoritative User records.
type UserStore interface {
	// CreateIfAbsent inserts the user unless the ID already exists.
	// Returns sentinel.ErrAlreadyUsed when it does.
	CreateIfAbsent(ctx context.Context, user *models.User) error

	// FindByID returns sentinel.ErrNotFound for unknown users.
	FindByID(ctx context.Context, userID id.UserID) (*models.User, error)

	// SetReferralCode sets the user's code. It must only be called inside a
	// reservation transaction after the matching CodeRecord was created.
	SetReferralCode(ctx context.Context, userID id.UserID, code string) error

	// SetReferredBy records the referrer for a user that has none yet.
	// Returns sentinel.ErrAlreadyUsed when ReferredBy is already set.
	SetReferredBy(ctx context.Context, userID, referrerID id.UserID) error

	// AdjustDirectCount adds delta to the referrer's direct counter.
	AdjustDirectCount(ctx context.Context, userID id.UserID, delta int) error

	// SetDirectCount overwrites the counter; auditor repair path only.
	SetDirectCount(ctx context.Context, userID id.UserID, count int) error

	// ListIDs returns the full user population in stable order, for the
	// auditor's batch scan.
	ListIDs(ctx context.Context) ([]id.UserID, error)
}

// CodeStore is the derived uniqueness index from code string to owner.
type CodeStore interface {
	// Create claims the code for an owner. Returns sentinel.ErrAlreadyUsed
	// when the code string is already reserved, by anyone. This check-and-
	// create must be atomic; it anchors global code uniqueness.
	Create(ctx context.Context, record *models.CodeRecord) error

	// Find returns sentinel.ErrNotFound for unreserved codes.
	Find(ctx context.Context, code string) (*models.CodeRecord, error)

	// FindByOwner returns the record owned by the user, or sentinel.ErrNotFound.
	FindByOwner(ctx context.Context, ownerID id.UserID) (*models.CodeRecord, error)

	// Rewrite force-sets the record for a code to the given owner. Auditor
	// repair path only: User.ReferralCode is authoritative and the index is
	// realigned to it.
	Rewrite(ctx context.Context, record *models.CodeRecord) error
}

// EdgeStore persists referrer→referee edges.
type EdgeStore interface {
	// Create inserts the edge. Returns sentinel.ErrAlreadyUsed when the
	// referee already has an edge (one referrer per referee, ever).
	Create(ctx context.Context, edge *models.Edge) error

	// FindByReferee returns the referee's single inbound edge, or
	// sentinel.ErrNotFound.
	FindByReferee(ctx context.Context, refereeID id.UserID) (*models.Edge, error)

	// ListByReferrer returns the referrer's outbound edges.
	ListByReferrer(ctx context.Context, referrerID id.UserID) ([]*models.Edge, error)

	// CountByReferrer returns the number of outbound edges.
	CountByReferrer(ctx context.Context, referrerID id.UserID) (int, error)
}

// Stores bundles the three record stores visible inside a transaction scope.
type Stores struct {
	Users UserStore
	Codes CodeStore
	Edges EdgeStore
}

// StoreTx provides the transactional boundary for referral mutations.
// Transactions for the same scope user are serialized. The database
// implementation additionally makes the callback's writes atomic; the
// in-memory sharded lock does not isolate readers under a different scope,
// so a cross-scope read may observe a transaction's writes mid-flight.
type StoreTx interface {
	RunInTx(ctx context.Context, scope id.UserID, fn func(txCtx context.Context, stores Stores) error) error
}

// StatsCache fronts the read-only stats view. A nil cache is valid and means
// every read goes to the stores.
type StatsCache interface {
	Get(ctx context.Context, userID id.UserID) (*models.Stats, bool, error)
	Set(ctx context.Context, userID id.UserID, stats *models.Stats) error
	Invalidate(ctx context.Context, userID id.UserID) error
}

// AuditPublisher emits audit events for referral-relevant operations.
type AuditPublisher interface {
	Emit(ctx context.Context, event audit.Event) error
}
