package auditor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tally/internal/referral/models"
	"tally/internal/referral/ports"
	"tally/internal/referral/service"
	codestore "tally/internal/referral/store/code"
	edgestore "tally/internal/referral/store/edge"
	userstore "tally/internal/referral/store/user"
	id "tally/pkg/domain"
)

type fixture struct {
	auditor *Auditor
	svc     *service.Service
	stores  ports.Stores
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	stores := ports.Stores{
		Users: userstore.New(),
		Codes: codestore.New(),
		Edges: edgestore.New(),
	}
	tx := service.NewShardedTx(stores)
	svc, err := service.New(tx, stores)
	require.NoError(t, err)
	a, err := New(tx, stores, svc)
	require.NoError(t, err)
	return &fixture{auditor: a, svc: svc, stores: stores}
}

func (f *fixture) addUser(t *testing.T) id.UserID {
	t.Helper()
	userID := id.NewUserID()
	require.NoError(t, f.stores.Users.CreateIfAbsent(context.Background(), &models.User{ID: userID}))
	return userID
}

// requireClean asserts a follow-up run finds nothing left to fix.
func requireClean(t *testing.T, f *fixture) {
	t.Helper()
	report, err := f.auditor.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Repairs, "second run must find a consistent population")
}

func TestRunCleanPopulation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for range 5 {
		userID := f.addUser(t)
		_, err := f.svc.Reserve(ctx, userID)
		require.NoError(t, err)
	}

	report, err := f.auditor.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, report.Scanned)
	assert.Empty(t, report.Repairs)
	assert.False(t, report.FinishedAt.Before(report.StartedAt))
}

func TestRunRepairsMissingCode(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	userID := f.addUser(t)

	report, err := f.auditor.Run(ctx)
	require.NoError(t, err)
	require.Len(t, report.Repairs, 1)
	assert.Equal(t, models.DiscrepancyMissingCode, report.Repairs[0].Discrepancy)
	assert.Equal(t, models.RepairActionReservedCode, report.Repairs[0].Action)

	u, err := f.stores.Users.FindByID(ctx, userID)
	require.NoError(t, err)
	require.NotEmpty(t, u.ReferralCode)

	rec, err := f.stores.Codes.Find(ctx, u.ReferralCode)
	require.NoError(t, err)
	assert.Equal(t, userID, rec.OwnerID)

	requireClean(t, f)
}

func TestRunRepairsLostCodeRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	userID := f.addUser(t)
	// The user carries a code the index never heard of.
	require.NoError(t, f.stores.Users.SetReferralCode(ctx, userID, "TAL7X2M9Q"))

	report, err := f.auditor.Run(ctx)
	require.NoError(t, err)
	require.Len(t, report.Repairs, 1)
	assert.Equal(t, models.DiscrepancyMismatchedCode, report.Repairs[0].Discrepancy)
	assert.Equal(t, models.RepairActionRewroteCodeRecord, report.Repairs[0].Action)

	rec, err := f.stores.Codes.Find(ctx, "TAL7X2M9Q")
	require.NoError(t, err)
	assert.Equal(t, userID, rec.OwnerID)

	requireClean(t, f)
}

func TestRunRepairsForeignOwnedRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ownerID := f.addUser(t)
	victimID := f.addUser(t)
	require.NoError(t, f.stores.Codes.Create(ctx, &models.CodeRecord{Code: "TAL7X2M9Q", OwnerID: ownerID}))
	require.NoError(t, f.stores.Users.SetReferralCode(ctx, ownerID, "TAL7X2M9Q"))
	// The victim's stored code points at the owner's record.
	require.NoError(t, f.stores.Users.SetReferralCode(ctx, victimID, "TAL7X2M9Q"))

	report, err := f.auditor.Run(ctx)
	require.NoError(t, err)
	require.Len(t, report.Repairs, 1)
	assert.Equal(t, models.DiscrepancyMismatchedCode, report.Repairs[0].Discrepancy)
	assert.Equal(t, models.RepairActionReservedCode, report.Repairs[0].Action)
	assert.Equal(t, victimID, report.Repairs[0].UserID)

	// The owner keeps the contested code; the victim got a fresh one.
	rec, err := f.stores.Codes.Find(ctx, "TAL7X2M9Q")
	require.NoError(t, err)
	assert.Equal(t, ownerID, rec.OwnerID)

	victim, err := f.stores.Users.FindByID(ctx, victimID)
	require.NoError(t, err)
	require.NotEmpty(t, victim.ReferralCode)
	require.NotEqual(t, "TAL7X2M9Q", victim.ReferralCode)

	fresh, err := f.stores.Codes.Find(ctx, victim.ReferralCode)
	require.NoError(t, err)
	assert.Equal(t, victimID, fresh.OwnerID)

	requireClean(t, f)
}

func TestRunAdoptsOwnedCode(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ownerID := f.addUser(t)
	victimID := f.addUser(t)
	require.NoError(t, f.stores.Codes.Create(ctx, &models.CodeRecord{Code: "TAL7X2M9Q", OwnerID: ownerID}))
	require.NoError(t, f.stores.Users.SetReferralCode(ctx, ownerID, "TAL7X2M9Q"))
	// The victim already owns a reserved code, but the User row drifted onto
	// the owner's code string.
	require.NoError(t, f.stores.Codes.Create(ctx, &models.CodeRecord{Code: "TALQQ8F4N", OwnerID: victimID}))
	require.NoError(t, f.stores.Users.SetReferralCode(ctx, victimID, "TAL7X2M9Q"))

	report, err := f.auditor.Run(ctx)
	require.NoError(t, err)
	require.Len(t, report.Repairs, 1)
	assert.Equal(t, models.DiscrepancyMismatchedCode, report.Repairs[0].Discrepancy)
	assert.Equal(t, models.RepairActionAdoptedOwnedCode, report.Repairs[0].Action)
	assert.Equal(t, victimID, report.Repairs[0].UserID)

	// The victim is put back onto the code it owns; no fresh code is burned.
	victim, err := f.stores.Users.FindByID(ctx, victimID)
	require.NoError(t, err)
	assert.Equal(t, "TALQQ8F4N", victim.ReferralCode)

	rec, err := f.stores.Codes.Find(ctx, "TAL7X2M9Q")
	require.NoError(t, err)
	assert.Equal(t, ownerID, rec.OwnerID)

	requireClean(t, f)
}

func TestRunRepairsDriftedCounter(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	referrerID := f.addUser(t)
	refCode, err := f.svc.Reserve(ctx, referrerID)
	require.NoError(t, err)
	for range 3 {
		refereeID := f.addUser(t)
		_, err := f.svc.Apply(ctx, refereeID, refCode)
		require.NoError(t, err)
	}
	// Knock the counter out of line with the edge graph.
	require.NoError(t, f.stores.Users.SetDirectCount(ctx, referrerID, 7))

	report, err := f.auditor.Run(ctx)
	require.NoError(t, err)

	var counterRepairs []models.Repair
	for _, r := range report.Repairs {
		if r.Discrepancy == models.DiscrepancyDriftedCounter {
			counterRepairs = append(counterRepairs, r)
		}
	}
	require.Len(t, counterRepairs, 1)
	assert.Equal(t, referrerID, counterRepairs[0].UserID)
	assert.Equal(t, models.RepairActionRecountedEdges, counterRepairs[0].Action)

	u, err := f.stores.Users.FindByID(ctx, referrerID)
	require.NoError(t, err)
	assert.Equal(t, 3, u.DirectCount)

	requireClean(t, f)
}

func TestRunRepairsMixedDrift(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// Healthy user.
	healthyID := f.addUser(t)
	_, err := f.svc.Reserve(ctx, healthyID)
	require.NoError(t, err)

	// No code at all.
	missingID := f.addUser(t)

	// Counter drifted low.
	driftedID := f.addUser(t)
	driftedCode, err := f.svc.Reserve(ctx, driftedID)
	require.NoError(t, err)
	refereeID := f.addUser(t)
	_, err = f.svc.Apply(ctx, refereeID, driftedCode)
	require.NoError(t, err)
	require.NoError(t, f.stores.Users.SetDirectCount(ctx, driftedID, 0))

	report, err := f.auditor.Run(ctx)
	require.NoError(t, err)

	// missingID gets a code, refereeID gets a code, driftedID gets recounted.
	byUser := make(map[id.UserID][]models.Repair)
	for _, r := range report.Repairs {
		byUser[r.UserID] = append(byUser[r.UserID], r)
	}
	assert.Empty(t, byUser[healthyID])
	require.Len(t, byUser[missingID], 1)
	assert.Equal(t, models.DiscrepancyMissingCode, byUser[missingID][0].Discrepancy)
	require.Len(t, byUser[driftedID], 1)
	assert.Equal(t, models.DiscrepancyDriftedCounter, byUser[driftedID][0].Discrepancy)

	u, err := f.stores.Users.FindByID(ctx, driftedID)
	require.NoError(t, err)
	assert.Equal(t, 1, u.DirectCount)

	requireClean(t, f)
}
