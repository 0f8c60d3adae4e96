// Package service implements the referral operations: code reservation,
// referral application, and the stats view. All mutations run inside the
// StoreTx boundary so their effects are observed together or not at all.
package service

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"tally/internal/referral/code"
	refmetrics "tally/internal/referral/metrics"
	"tally/internal/referral/models"
	"tally/internal/referral/ports"
	id "tally/pkg/domain"
	dErrors "tally/pkg/domain-errors"
	"tally/pkg/platform/audit"
	"tally/pkg/platform/sentinel"
	"tally/pkg/requestcontext"
)

const (
	// maxReserveAttempts bounds candidate generation. With ~8.9e8 codes and
	// tens of millions of users, eight collisions in a row means the entropy
	// source is broken or the space is near saturation; either way the
	// caller gets CodeSpaceExhausted, never an unreserved code.
	maxReserveAttempts = 8

	// maxTxRetries bounds transparent retries of optimistic-concurrency
	// conflicts before TransientConflict is surfaced.
	maxTxRetries = 3

	// defaultStatsDepth bounds the indirect-count traversal.
	defaultStatsDepth = 3
)

// Service orchestrates the referral domain.
type Service struct {
	tx      ports.StoreTx
	stores  ports.Stores
	cache   ports.StatsCache
	logger  *slog.Logger
	metrics *refmetrics.Metrics
	auditor ports.AuditPublisher

	reserveAttempts int
	statsDepth      int
	tracer          trace.Tracer
	generate        func() (string, error)
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithMetrics(m *refmetrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithAuditPublisher(pub ports.AuditPublisher) Option {
	return func(s *Service) { s.auditor = pub }
}

func WithStatsCache(cache ports.StatsCache) Option {
	return func(s *Service) { s.cache = cache }
}

// WithStatsDepth sets the indirect traversal bound; depth <= 1 disables
// indirect counting.
func WithStatsDepth(depth int) Option {
	return func(s *Service) { s.statsDepth = depth }
}

func New(tx ports.StoreTx, stores ports.Stores, opts ...Option) (*Service, error) {
	if tx == nil {
		return nil, dErrors.New(dErrors.CodeInternal, "store tx is required")
	}
	if stores.Users == nil || stores.Codes == nil || stores.Edges == nil {
		return nil, dErrors.New(dErrors.CodeInternal, "user, code and edge stores are required")
	}
	s := &Service{
		tx:              tx,
		stores:          stores,
		logger:          slog.Default(),
		reserveAttempts: maxReserveAttempts,
		statsDepth:      defaultStatsDepth,
		tracer:          otel.Tracer("tally/referral"),
		generate:        code.Generate,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Reserve returns the caller's referral code, creating one on first use.
// Idempotent: any number of calls for the same user yield the same code, and
// only the first performs writes. It never returns a code whose CodeRecord is
// absent or owned by someone else.
func (s *Service) Reserve(ctx context.Context, userID id.UserID) (string, error) {
	ctx, span := s.tracer.Start(ctx, "referral.Reserve")
	defer span.End()

	if userID.IsNil() {
		return "", dErrors.New(dErrors.CodeInvalidInput, "user id is required")
	}

	var reserved string
	var wrote bool
	err := s.runInTxWithRetry(ctx, userID, func(txCtx context.Context, st ports.Stores) error {
		reserved = ""
		wrote = false

		u, err := st.Users.FindByID(txCtx, userID)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				return dErrors.Wrap(err, dErrors.CodeNotFound, "unknown user")
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "load user")
		}

		now := requestcontext.Now(txCtx)

		if u.ReferralCode != "" {
			rec, err := st.Codes.Find(txCtx, u.ReferralCode)
			switch {
			case err == nil && rec.OwnerID == userID:
				// The common case: nothing to do.
				reserved = u.ReferralCode
				return nil
			case errors.Is(err, sentinel.ErrNotFound):
				// The index lost the record. The User record is
				// authoritative, so try to re-claim the same string.
				claim := &models.CodeRecord{Code: u.ReferralCode, OwnerID: userID, ReservedAt: now}
				if cerr := st.Codes.Create(txCtx, claim); cerr == nil {
					reserved = u.ReferralCode
					wrote = true
					return nil
				} else if !errors.Is(cerr, sentinel.ErrAlreadyUsed) {
					return dErrors.Wrap(cerr, dErrors.CodeInternal, "re-claim code")
				}
				// Claimed by someone else meanwhile: fall through and
				// issue a fresh code.
			case err != nil:
				return dErrors.Wrap(err, dErrors.CodeInternal, "load code record")
			}
			// rec.OwnerID != userID: the stored code belongs to another
			// user. Returning it would break uniqueness; issue a fresh one.
		}

		for attempt := 0; attempt < s.reserveAttempts; attempt++ {
			candidate, err := s.generate()
			if err != nil {
				return dErrors.Wrap(err, dErrors.CodeInternal, "generate candidate")
			}
			err = st.Codes.Create(txCtx, &models.CodeRecord{
				Code:       candidate,
				OwnerID:    userID,
				ReservedAt: now,
			})
			if errors.Is(err, sentinel.ErrAlreadyUsed) {
				if s.metrics != nil {
					s.metrics.ReserveCollisions.Inc()
				}
				continue
			}
			if err != nil {
				return dErrors.Wrap(err, dErrors.CodeInternal, "claim candidate")
			}
			if err := st.Users.SetReferralCode(txCtx, userID, candidate); err != nil {
				return dErrors.Wrap(err, dErrors.CodeInternal, "bind code to user")
			}
			reserved = candidate
			wrote = true
			return nil
		}
		return dErrors.New(dErrors.CodeSpaceExhausted, "could not reserve a unique code")
	})
	if err != nil {
		return "", err
	}

	span.SetAttributes(attribute.Bool("referral.reserved_new", wrote))
	if wrote {
		if s.metrics != nil {
			s.metrics.CodesReserved.Inc()
		}
		s.emit(ctx, audit.Event{
			UserID: userID,
			Action: string(audit.EventCodeReserved),
			Code:   reserved,
		})
	}
	return reserved, nil
}

// Apply claims a referral code for the referee. The first successful
// application is permanent; repeating it is a no-op success.
func (s *Service) Apply(ctx context.Context, refereeID id.UserID, codeStr string) (models.ApplyResult, error) {
	ctx, span := s.tracer.Start(ctx, "referral.Apply")
	defer span.End()

	if refereeID.IsNil() {
		return models.ApplyResult{}, dErrors.New(dErrors.CodeInvalidInput, "user id is required")
	}
	if !code.Valid(codeStr) {
		// Validation failures are reported, never papered over with a
		// substitute code.
		s.reject(ctx, refereeID, codeStr, dErrors.CodeInvalidFormat)
		return models.ApplyResult{}, dErrors.New(dErrors.CodeInvalidFormat, "malformed referral code")
	}

	var result models.ApplyResult
	var referrerID id.UserID
	err := s.runInTxWithRetry(ctx, refereeID, func(txCtx context.Context, st ports.Stores) error {
		result = models.ApplyResult{}

		rec, err := st.Codes.Find(txCtx, codeStr)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				return dErrors.New(dErrors.CodeUnknownCode, "no such referral code")
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "load code record")
		}
		referrerID = rec.OwnerID

		if referrerID == refereeID {
			return dErrors.New(dErrors.CodeSelfReferral, "cannot apply your own code")
		}

		referee, err := st.Users.FindByID(txCtx, refereeID)
		if err != nil {
			if errors.Is(err, sentinel.ErrNotFound) {
				return dErrors.Wrap(err, dErrors.CodeNotFound, "unknown user")
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "load referee")
		}

		if referee.ReferredBy != nil {
			if *referee.ReferredBy == referrerID {
				result = models.ApplyResult{Applied: true, Reason: models.ApplyReasonAlreadyApplied}
				return nil
			}
			return dErrors.New(dErrors.CodeAlreadyReferred, "a different referral was already applied")
		}

		now := requestcontext.Now(txCtx)
		if err := st.Users.SetReferredBy(txCtx, refereeID, referrerID); err != nil {
			if errors.Is(err, sentinel.ErrAlreadyUsed) {
				// Lost a concurrent apply between read and write; the tx
				// retry loop re-reads and settles it.
				return dErrors.Wrap(sentinel.ErrConflict, dErrors.CodeTransientConflict, "concurrent apply")
			}
			return dErrors.Wrap(err, dErrors.CodeInternal, "set referred by")
		}
		err = st.Edges.Create(txCtx, &models.Edge{
			ReferrerID: referrerID,
			RefereeID:  refereeID,
			CreatedAt:  now,
		})
		if err != nil && !errors.Is(err, sentinel.ErrAlreadyUsed) {
			return dErrors.Wrap(err, dErrors.CodeInternal, "create edge")
		}
		if err == nil {
			if err := st.Users.AdjustDirectCount(txCtx, referrerID, 1); err != nil {
				return dErrors.Wrap(err, dErrors.CodeInternal, "increment direct count")
			}
		}

		result = models.ApplyResult{Applied: true, Reason: models.ApplyReasonApplied}
		return nil
	})
	if err != nil {
		if rejectionReason(err) != "" {
			s.reject(ctx, refereeID, codeStr, dErrors.CodeOf(err))
		}
		return models.ApplyResult{}, err
	}

	span.SetAttributes(attribute.String("referral.reason", string(result.Reason)))
	if result.Reason == models.ApplyReasonApplied {
		if s.metrics != nil {
			s.metrics.ReferralsApplied.Inc()
		}
		s.emit(ctx, audit.Event{
			UserID: refereeID,
			Action: string(audit.EventReferralApplied),
			Code:   codeStr,
		})
		s.invalidateStats(ctx, refereeID, referrerID)
	}
	return result, nil
}

// Stats returns the caller's code and referral counts. Read-only: a missing
// code is reported as NoCodeYet, never fabricated or reserved inline.
func (s *Service) Stats(ctx context.Context, userID id.UserID) (*models.Stats, error) {
	ctx, span := s.tracer.Start(ctx, "referral.Stats")
	defer span.End()

	if userID.IsNil() {
		return nil, dErrors.New(dErrors.CodeInvalidInput, "user id is required")
	}

	if s.cache != nil {
		if cached, ok, err := s.cache.Get(ctx, userID); err == nil && ok {
			return cached, nil
		}
	}

	u, err := s.stores.Users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.Wrap(err, dErrors.CodeNotFound, "unknown user")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load user")
	}
	if u.ReferralCode == "" {
		return nil, dErrors.New(dErrors.CodeNoCodeYet, "no referral code reserved yet")
	}

	indirect, err := s.countIndirect(ctx, userID)
	if err != nil {
		return nil, err
	}

	stats := &models.Stats{
		Code:          u.ReferralCode,
		DirectCount:   u.DirectCount,
		IndirectCount: indirect,
	}
	if s.cache != nil {
		_ = s.cache.Set(ctx, userID, stats)
	}
	return stats, nil
}

// countIndirect walks the edge graph breadth-first from the user's direct
// referees down to statsDepth levels, counting everyone past level one. The
// visited set guards against referral cycles between old accounts.
func (s *Service) countIndirect(ctx context.Context, userID id.UserID) (int, error) {
	if s.statsDepth <= 1 {
		return 0, nil
	}

	visited := map[id.UserID]bool{userID: true}
	frontier := []id.UserID{userID}
	count := 0
	for depth := 1; depth <= s.statsDepth && len(frontier) > 0; depth++ {
		var next []id.UserID
		for _, uid := range frontier {
			edges, err := s.stores.Edges.ListByReferrer(ctx, uid)
			if err != nil {
				return 0, dErrors.Wrap(err, dErrors.CodeInternal, "list referees")
			}
			for _, e := range edges {
				if visited[e.RefereeID] {
					continue
				}
				visited[e.RefereeID] = true
				if depth > 1 {
					count++
				}
				next = append(next, e.RefereeID)
			}
		}
		frontier = next
	}
	return count, nil
}

// runInTxWithRetry retries the transaction on optimistic-concurrency
// conflicts up to maxTxRetries; past the bound the conflict surfaces as
// TransientConflict.
func (s *Service) runInTxWithRetry(ctx context.Context, scope id.UserID, fn func(txCtx context.Context, st ports.Stores) error) error {
	var err error
	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err = s.tx.RunInTx(ctx, scope, fn)
		if err == nil || !isTransient(err) {
			return err
		}
		s.logger.WarnContext(ctx, "retrying transaction after write conflict",
			"attempt", attempt+1,
			"request_id", requestcontext.RequestID(ctx),
		)
	}
	return dErrors.Wrap(err, dErrors.CodeTransientConflict, "write conflict persisted past retry bound")
}

func isTransient(err error) bool {
	return errors.Is(err, sentinel.ErrConflict) || dErrors.HasCode(err, dErrors.CodeTransientConflict)
}

// rejectionReason returns the audit label for business-rule rejections, or ""
// for errors that are not rejections.
func rejectionReason(err error) string {
	for _, c := range []dErrors.Code{
		dErrors.CodeInvalidFormat,
		dErrors.CodeUnknownCode,
		dErrors.CodeSelfReferral,
		dErrors.CodeAlreadyReferred,
	} {
		if dErrors.HasCode(err, c) {
			return string(c)
		}
	}
	return ""
}

func (s *Service) reject(ctx context.Context, userID id.UserID, codeStr string, c dErrors.Code) {
	if s.metrics != nil {
		s.metrics.Rejections.WithLabelValues(string(c)).Inc()
	}
	s.emit(ctx, audit.Event{
		UserID: userID,
		Action: string(audit.EventReferralRejected),
		Code:   codeStr,
		Reason: string(c),
	})
}

func (s *Service) emit(ctx context.Context, event audit.Event) {
	if s.auditor == nil {
		return
	}
	if err := s.auditor.Emit(ctx, event); err != nil {
		s.logger.WarnContext(ctx, "audit emit failed", "error", err.Error())
	}
}

func (s *Service) invalidateStats(ctx context.Context, userIDs ...id.UserID) {
	if s.cache == nil {
		return
	}
	for _, uid := range userIDs {
		if err := s.cache.Invalidate(ctx, uid); err != nil {
			s.logger.WarnContext(ctx, "stats cache invalidation failed",
				"user_id", uid.String(),
				"error", err.Error(),
			)
		}
	}
}
