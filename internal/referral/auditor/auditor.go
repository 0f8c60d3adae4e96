// Package auditor implements the batch consistency pass over the full user
// population. It detects drift between the authoritative User records and the
// derived code index, and between counters and the edge graph, and repairs it
// with the same atomic transactions the online paths use. It deletes nothing.
package auditor

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	refmetrics "tally/internal/referral/metrics"
	"tally/internal/referral/models"
	"tally/internal/referral/ports"
	"tally/internal/referral/service"
	id "tally/pkg/domain"
	dErrors "tally/pkg/domain-errors"
	"tally/pkg/platform/audit"
	"tally/pkg/platform/sentinel"
	"tally/pkg/requestcontext"
)

// defaultConcurrency bounds the worker pool. Users are independent, so the
// scan parallelizes freely; the bound only protects the store.
const defaultConcurrency = 16

type Auditor struct {
	tx      ports.StoreTx
	stores  ports.Stores
	reserve *service.Service
	logger  *slog.Logger
	metrics *refmetrics.Metrics
	pub     ports.AuditPublisher

	concurrency int
	tracer      trace.Tracer
}

type Option func(*Auditor)

func WithLogger(logger *slog.Logger) Option {
	return func(a *Auditor) { a.logger = logger }
}

func WithMetrics(m *refmetrics.Metrics) Option {
	return func(a *Auditor) { a.metrics = m }
}

func WithAuditPublisher(pub ports.AuditPublisher) Option {
	return func(a *Auditor) { a.pub = pub }
}

func WithConcurrency(n int) Option {
	return func(a *Auditor) {
		if n > 0 {
			a.concurrency = n
		}
	}
}

// New builds an Auditor. The service supplies the reservation path so the
// missing-code repair follows exactly the online reservation rules.
func New(tx ports.StoreTx, stores ports.Stores, svc *service.Service, opts ...Option) (*Auditor, error) {
	if tx == nil || svc == nil {
		return nil, dErrors.New(dErrors.CodeInternal, "store tx and service are required")
	}
	a := &Auditor{
		tx:          tx,
		stores:      stores,
		reserve:     svc,
		logger:      slog.Default(),
		concurrency: defaultConcurrency,
		tracer:      otel.Tracer("tally/referral/auditor"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Run scans every user and repairs what drifted. Users are processed
// independently and concurrently; a second run over the repaired population
// reports zero discrepancies.
func (a *Auditor) Run(ctx context.Context) (*models.Report, error) {
	ctx, span := a.tracer.Start(ctx, "referral.ConsistencyRun")
	defer span.End()

	report := &models.Report{StartedAt: requestcontext.Now(ctx)}

	ids, err := a.stores.Users.ListIDs(ctx)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "list user population")
	}
	report.Scanned = len(ids)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for _, uid := range ids {
		g.Go(func() error {
			repairs, err := a.checkAndRepair(gctx, uid)
			if err != nil {
				return err
			}
			if len(repairs) > 0 {
				mu.Lock()
				report.Repairs = append(report.Repairs, repairs...)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report.FinishedAt = requestcontext.Now(ctx)
	if a.metrics != nil {
		a.metrics.AuditorScanned.Add(float64(report.Scanned))
	}
	span.SetAttributes(
		attribute.Int("auditor.scanned", report.Scanned),
		attribute.Int("auditor.repairs", len(report.Repairs)),
	)
	a.logger.InfoContext(ctx, "consistency run finished",
		"scanned", report.Scanned,
		"repairs", len(report.Repairs),
	)
	return report, nil
}

// checkAndRepair handles one user. Each repair is its own idempotent atomic
// transaction, so a crash mid-run leaves nothing half-applied.
func (a *Auditor) checkAndRepair(ctx context.Context, userID id.UserID) ([]models.Repair, error) {
	var repairs []models.Repair

	u, err := a.stores.Users.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			// Deleted between listing and scanning; nothing to repair.
			return nil, nil
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load user")
	}

	if u.ReferralCode == "" {
		if _, err := a.reserve.Reserve(ctx, userID); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "repair missing code")
		}
		repairs = append(repairs, a.record(ctx, models.Repair{
			UserID:      userID,
			Discrepancy: models.DiscrepancyMissingCode,
			Action:      models.RepairActionReservedCode,
		}))
	} else {
		repair, err := a.repairCodeRecord(ctx, userID)
		if err != nil {
			return nil, err
		}
		if repair != nil {
			repairs = append(repairs, a.record(ctx, *repair))
		}
	}

	repair, err := a.repairCounter(ctx, userID)
	if err != nil {
		return nil, err
	}
	if repair != nil {
		repairs = append(repairs, a.record(ctx, *repair))
	}

	return repairs, nil
}

// repairCodeRecord realigns the code index with the authoritative
// User.ReferralCode. It never touches ReferredBy or edges, and never deletes
// a record: a code row owned by a different user is that user's uniqueness
// anchor, so the drift is resolved through a fresh reservation instead.
func (a *Auditor) repairCodeRecord(ctx context.Context, userID id.UserID) (*models.Repair, error) {
	var repair *models.Repair
	err := a.tx.RunInTx(ctx, userID, func(txCtx context.Context, st ports.Stores) error {
		repair = nil

		u, err := st.Users.FindByID(txCtx, userID)
		if err != nil || u.ReferralCode == "" {
			return err
		}

		rec, err := st.Codes.Find(txCtx, u.ReferralCode)
		switch {
		case err == nil && rec.OwnerID == userID:
			return nil
		case err == nil:
			// Foreign-owned record. If the index already holds a record
			// owned by this user, the User row drifted away from it:
			// realign the user to the owned code rather than burning a
			// fresh one. Otherwise a fresh reservation happens below.
			owned, ferr := st.Codes.FindByOwner(txCtx, userID)
			if errors.Is(ferr, sentinel.ErrNotFound) {
				return nil
			}
			if ferr != nil {
				return dErrors.Wrap(ferr, dErrors.CodeInternal, "load owned code record")
			}
			if err := st.Users.SetReferralCode(txCtx, userID, owned.Code); err != nil {
				return dErrors.Wrap(err, dErrors.CodeInternal, "realign user code")
			}
			repair = &models.Repair{
				UserID:      userID,
				Discrepancy: models.DiscrepancyMismatchedCode,
				Action:      models.RepairActionAdoptedOwnedCode,
				Detail:      owned.Code,
			}
			return nil
		case errors.Is(err, sentinel.ErrNotFound):
			if err := st.Codes.Rewrite(txCtx, &models.CodeRecord{
				Code:       u.ReferralCode,
				OwnerID:    userID,
				ReservedAt: requestcontext.Now(txCtx),
			}); err != nil {
				return dErrors.Wrap(err, dErrors.CodeInternal, "rewrite code record")
			}
			repair = &models.Repair{
				UserID:      userID,
				Discrepancy: models.DiscrepancyMismatchedCode,
				Action:      models.RepairActionRewroteCodeRecord,
				Detail:      u.ReferralCode,
			}
			return nil
		default:
			return dErrors.Wrap(err, dErrors.CodeInternal, "load code record")
		}
	})
	if err != nil {
		return nil, err
	}
	if repair != nil {
		return repair, nil
	}

	// Outside the tx: if the user's code turned out foreign-owned, route the
	// repair through the reservation path, which issues a fresh code.
	u, err := a.stores.Users.FindByID(ctx, userID)
	if err != nil || u.ReferralCode == "" {
		return nil, err
	}
	rec, err := a.stores.Codes.Find(ctx, u.ReferralCode)
	if err != nil || rec.OwnerID == userID {
		return nil, nil
	}
	fresh, err := a.reserve.Reserve(ctx, userID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "repair foreign-owned code")
	}
	return &models.Repair{
		UserID:      userID,
		Discrepancy: models.DiscrepancyMismatchedCode,
		Action:      models.RepairActionReservedCode,
		Detail:      fresh,
	}, nil
}

// repairCounter recomputes DirectCount from the edge graph. The transaction
// runs under the referrer's scope while applications run under the referee's,
// so in memory mode an application landing between its edge write and counter
// increment can briefly recreate a one-off drift; the next run settles it.
func (a *Auditor) repairCounter(ctx context.Context, userID id.UserID) (*models.Repair, error) {
	var repair *models.Repair
	err := a.tx.RunInTx(ctx, userID, func(txCtx context.Context, st ports.Stores) error {
		repair = nil

		u, err := st.Users.FindByID(txCtx, userID)
		if err != nil {
			return err
		}
		actual, err := st.Edges.CountByReferrer(txCtx, userID)
		if err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "count edges")
		}
		if u.DirectCount == actual {
			return nil
		}
		if err := st.Users.SetDirectCount(txCtx, userID, actual); err != nil {
			return dErrors.Wrap(err, dErrors.CodeInternal, "correct direct count")
		}
		repair = &models.Repair{
			UserID:      userID,
			Discrepancy: models.DiscrepancyDriftedCounter,
			Action:      models.RepairActionRecountedEdges,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return repair, nil
}

// record counts the repair and writes it to the audit trail.
func (a *Auditor) record(ctx context.Context, r models.Repair) models.Repair {
	if a.metrics != nil {
		a.metrics.AuditorRepairs.WithLabelValues(string(r.Discrepancy)).Inc()
	}
	if a.pub != nil {
		_ = a.pub.Emit(ctx, audit.Event{
			UserID: r.UserID,
			Action: string(audit.EventConsistencyRepaired),
			Code:   r.Detail,
			Reason: string(r.Discrepancy),
		})
	}
	return r
}
