package service

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"tally/internal/referral/models"
	"tally/internal/referral/ports"
	"tally/internal/referral/ports/mocks"
	codestore "tally/internal/referral/store/code"
	edgestore "tally/internal/referral/store/edge"
	userstore "tally/internal/referral/store/user"
	id "tally/pkg/domain"
	"tally/pkg/platform/audit"
)

type AuditEmissionSuite struct {
	suite.Suite
	ctrl   *gomock.Controller
	pub    *mocks.MockAuditPublisher
	cache  *mocks.MockStatsCache
	stores ports.Stores
	svc    *Service
}

func (s *AuditEmissionSuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.pub = mocks.NewMockAuditPublisher(s.ctrl)
	s.cache = mocks.NewMockStatsCache(s.ctrl)
	s.stores = ports.Stores{
		Users: userstore.New(),
		Codes: codestore.New(),
		Edges: edgestore.New(),
	}
	svc, err := New(NewShardedTx(s.stores), s.stores,
		WithAuditPublisher(s.pub),
		WithStatsCache(s.cache),
	)
	s.Require().NoError(err)
	s.svc = svc
}

func (s *AuditEmissionSuite) addUser() id.UserID {
	userID := id.NewUserID()
	s.Require().NoError(s.stores.Users.CreateIfAbsent(context.Background(), &models.User{ID: userID}))
	return userID
}

func (s *AuditEmissionSuite) TestReserveEmitsOnce() {
	ctx := context.Background()
	userID := s.addUser()

	var emitted audit.Event
	s.pub.EXPECT().
		Emit(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, e audit.Event) error {
			emitted = e
			return nil
		}).
		Times(1)

	got, err := s.svc.Reserve(ctx, userID)
	s.Require().NoError(err)

	// Replays write nothing, so nothing more is emitted.
	_, err = s.svc.Reserve(ctx, userID)
	s.Require().NoError(err)

	s.Equal(string(audit.EventCodeReserved), emitted.Action)
	s.Equal(userID, emitted.UserID)
	s.Equal(got, emitted.Code)
}

func (s *AuditEmissionSuite) TestRejectionEmitsReason() {
	userID := s.addUser()

	var emitted audit.Event
	s.pub.EXPECT().
		Emit(gomock.Any(), gomock.Any()).
		DoAndReturn(func(_ context.Context, e audit.Event) error {
			emitted = e
			return nil
		}).
		Times(1)

	_, err := s.svc.Apply(context.Background(), userID, "not-a-code")
	s.Require().Error(err)

	s.Equal(string(audit.EventReferralRejected), emitted.Action)
	s.NotEmpty(emitted.Reason)
}

func (s *AuditEmissionSuite) TestEmitFailureDoesNotFailTheOperation() {
	userID := s.addUser()

	s.pub.EXPECT().
		Emit(gomock.Any(), gomock.Any()).
		Return(errors.New("sink unavailable"))

	got, err := s.svc.Reserve(context.Background(), userID)
	s.Require().NoError(err)
	s.NotEmpty(got)
}

func (s *AuditEmissionSuite) TestStatsSurvivesCacheErrors() {
	ctx := context.Background()
	userID := s.addUser()

	s.pub.EXPECT().Emit(gomock.Any(), gomock.Any()).Return(nil)
	reserved, err := s.svc.Reserve(ctx, userID)
	s.Require().NoError(err)

	s.cache.EXPECT().
		Get(gomock.Any(), userID).
		Return(nil, false, errors.New("redis down"))
	s.cache.EXPECT().
		Set(gomock.Any(), userID, gomock.Any()).
		Return(errors.New("redis down"))

	stats, err := s.svc.Stats(ctx, userID)
	s.Require().NoError(err, "a broken cache must degrade to store reads")
	s.Equal(reserved, stats.Code)
}

func TestAuditEmissionSuite(t *testing.T) {
	suite.Run(t, new(AuditEmissionSuite))
}
