//go:build integration

package code_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/suite"

	"tally/internal/referral/models"
	"tally/internal/referral/store/code"
	id "tally/pkg/domain"
	"tally/pkg/platform/sentinel"
	"tally/pkg/testutil/containers"
)

type PostgresStoreSuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	store    *code.PostgresStore
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
	s.store = code.NewPostgres(s.postgres.DB)
}

func (s *PostgresStoreSuite) SetupTest() {
	s.Require().NoError(s.postgres.TruncateTables(context.Background(), "referral_codes"))
}

func (s *PostgresStoreSuite) TestCreateAndFind() {
	ctx := context.Background()
	ownerID := id.NewUserID()

	s.Require().NoError(s.store.Create(ctx, &models.CodeRecord{Code: "TAL7X2M9Q", OwnerID: ownerID}))

	rec, err := s.store.Find(ctx, "TAL7X2M9Q")
	s.Require().NoError(err)
	s.Equal(ownerID, rec.OwnerID)

	byOwner, err := s.store.FindByOwner(ctx, ownerID)
	s.Require().NoError(err)
	s.Equal("TAL7X2M9Q", byOwner.Code)
}

func (s *PostgresStoreSuite) TestCreateDuplicate() {
	ctx := context.Background()
	ownerID := id.NewUserID()
	s.Require().NoError(s.store.Create(ctx, &models.CodeRecord{Code: "TAL7X2M9Q", OwnerID: ownerID}))

	err := s.store.Create(ctx, &models.CodeRecord{Code: "TAL7X2M9Q", OwnerID: id.NewUserID()})
	s.Require().ErrorIs(err, sentinel.ErrAlreadyUsed)

	rec, err := s.store.Find(ctx, "TAL7X2M9Q")
	s.Require().NoError(err)
	s.Equal(ownerID, rec.OwnerID)
}

// TestConcurrentCreateSingleWinner verifies that under real database
// concurrency exactly one of many contenders claims a code.
func (s *PostgresStoreSuite) TestConcurrentCreateSingleWinner() {
	ctx := context.Background()
	const contenders = 20

	var wins atomic.Int32
	var wg sync.WaitGroup
	wg.Add(contenders)
	for i := 0; i < contenders; i++ {
		go func() {
			defer wg.Done()
			err := s.store.Create(ctx, &models.CodeRecord{Code: "TAL222222", OwnerID: id.NewUserID()})
			if err == nil {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), wins.Load())
}

func (s *PostgresStoreSuite) TestRewrite() {
	ctx := context.Background()
	oldOwner := id.NewUserID()
	newOwner := id.NewUserID()
	s.Require().NoError(s.store.Create(ctx, &models.CodeRecord{Code: "TAL7X2M9Q", OwnerID: oldOwner}))

	s.Require().NoError(s.store.Rewrite(ctx, &models.CodeRecord{Code: "TAL7X2M9Q", OwnerID: newOwner}))

	rec, err := s.store.Find(ctx, "TAL7X2M9Q")
	s.Require().NoError(err)
	s.Equal(newOwner, rec.OwnerID)
}

func (s *PostgresStoreSuite) TestFindMisses() {
	ctx := context.Background()

	_, err := s.store.Find(ctx, "TAL999999")
	s.ErrorIs(err, sentinel.ErrNotFound)

	_, err = s.store.FindByOwner(ctx, id.NewUserID())
	s.ErrorIs(err, sentinel.ErrNotFound)
}
