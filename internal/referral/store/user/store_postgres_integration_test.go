//go:build integration

package user_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/suite"

	"tally/internal/referral/models"
	"tally/internal/referral/store/user"
	id "tally/pkg/domain"
	"tally/pkg/platform/sentinel"
	"tally/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *user.PostgresStore
}

func TestPostgresStoreSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresStoreSuite))
}

func (s *PostgresStoreSuite) SetupSuite() {
	mgr := containers.GetManager()
	s.postgres = mgr.GetPostgres(s.T())
	s.store = user.NewPostgres(s.postgres.DB)
}

func (s *PostgresStoreSuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateTables(context.Background(), "referral_users"))
}

func (s *PostgresStoreSuite) addUser() id.UserID {
	userID := id.NewUserID()
	s.Require().NoError(s.store.CreateIfAbsent(context.Background(), &models.User{ID: userID}))
	return userID
}

func (s *PostgresStoreSuite) TestCreateIfAbsent() {
	ctx := context.Background()
	userID := s.addUser()

	err := s.store.CreateIfAbsent(ctx, &models.User{ID: userID})
	s.ErrorIs(err, sentinel.ErrAlreadyUsed)
}

func (s *PostgresStoreSuite) TestSetReferralCodeRoundTrip() {
	ctx := context.Background()
	userID := s.addUser()

	s.Require().NoError(s.store.SetReferralCode(ctx, userID, "TAL7X2M9Q"))

	u, err := s.store.FindByID(ctx, userID)
	s.Require().NoError(err)
	s.Equal("TAL7X2M9Q", u.ReferralCode)
}

// TestConcurrentSetReferredBy verifies the conditional UPDATE admits exactly
// one referrer when many race for the same referee.
func (s *PostgresStoreSuite) TestConcurrentSetReferredBy() {
	ctx := context.Background()
	refereeID := s.addUser()

	const contenders = 10
	referrers := make([]id.UserID, contenders)
	for i := range referrers {
		referrers[i] = s.addUser()
	}

	var wins atomic.Int32
	var wg sync.WaitGroup
	wg.Add(contenders)
	for i := 0; i < contenders; i++ {
		go func(referrerID id.UserID) {
			defer wg.Done()
			if err := s.store.SetReferredBy(ctx, refereeID, referrerID); err == nil {
				wins.Add(1)
			}
		}(referrers[i])
	}
	wg.Wait()

	s.Equal(int32(1), wins.Load())

	u, err := s.store.FindByID(ctx, refereeID)
	s.Require().NoError(err)
	s.Require().NotNil(u.ReferredBy)
}

func (s *PostgresStoreSuite) TestAdjustDirectCountConcurrent() {
	ctx := context.Background()
	userID := s.addUser()

	const workers = 20
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			s.NoError(s.store.AdjustDirectCount(ctx, userID, 1))
		}()
	}
	wg.Wait()

	u, err := s.store.FindByID(ctx, userID)
	s.Require().NoError(err)
	s.Equal(workers, u.DirectCount)
}

func (s *PostgresStoreSuite) TestAdjustDirectCountNeverNegative() {
	ctx := context.Background()
	userID := s.addUser()

	err := s.store.AdjustDirectCount(ctx, userID, -1)
	s.ErrorIs(err, sentinel.ErrInvalidState)
}

func (s *PostgresStoreSuite) TestListIDs() {
	ctx := context.Background()
	want := map[id.UserID]bool{}
	for i := 0; i < 3; i++ {
		want[s.addUser()] = true
	}

	ids, err := s.store.ListIDs(ctx)
	s.Require().NoError(err)
	s.Len(ids, 3)
	for _, uid := range ids {
		s.True(want[uid])
	}
}
