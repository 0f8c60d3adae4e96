package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tally/internal/platform/middleware"
	"tally/internal/platform/secrets"
	"tally/internal/referral/models"
	id "tally/pkg/domain"
	dErrors "tally/pkg/domain-errors"
)

type stubService struct {
	reserveCode string
	reserveErr  error
	applyResult models.ApplyResult
	applyErr    error
	applyCode   string
	stats       *models.Stats
	statsErr    error
}

func (s *stubService) Reserve(_ context.Context, _ id.UserID) (string, error) {
	return s.reserveCode, s.reserveErr
}

func (s *stubService) Apply(_ context.Context, _ id.UserID, code string) (models.ApplyResult, error) {
	s.applyCode = code
	return s.applyResult, s.applyErr
}

func (s *stubService) Stats(_ context.Context, _ id.UserID) (*models.Stats, error) {
	return s.stats, s.statsErr
}

type stubAuditor struct {
	report *models.Report
	err    error
	calls  int
}

func (a *stubAuditor) Run(_ context.Context) (*models.Report, error) {
	a.calls++
	return a.report, a.err
}

type stubValidator struct {
	userID id.UserID
	err    error
}

func (v *stubValidator) ValidateToken(_ string) (*middleware.JWTClaims, error) {
	if v.err != nil {
		return nil, v.err
	}
	return &middleware.JWTClaims{UserID: v.userID}, nil
}

const testAdminToken = "admin-token-for-tests"

func newTestRouter(t *testing.T, svc *stubService, aud *stubAuditor, validator *stubValidator) http.Handler {
	t.Helper()
	hash, err := secrets.Hash(testAdminToken)
	require.NoError(t, err)

	logger := slog.New(slog.DiscardHandler)
	h := New(svc, aud, logger, nil, validator, hash)
	r := chi.NewRouter()
	h.Register(r)
	return r
}

func authedRequest(method, target, body string) *http.Request {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	req.Header.Set("Authorization", "Bearer some-token")
	return req
}

func TestHandleReserve(t *testing.T) {
	userID := id.NewUserID()

	t.Run("returns the reserved code", func(t *testing.T) {
		svc := &stubService{reserveCode: "TAL7X2M9Q"}
		router := newTestRouter(t, svc, &stubAuditor{}, &stubValidator{userID: userID})

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, authedRequest(http.MethodPost, "/referral/code", ""))

		require.Equal(t, http.StatusOK, rec.Code)
		var resp reserveResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "TAL7X2M9Q", resp.Code)
	})

	t.Run("maps exhaustion to 503", func(t *testing.T) {
		svc := &stubService{reserveErr: dErrors.New(dErrors.CodeSpaceExhausted, "could not reserve")}
		router := newTestRouter(t, svc, &stubAuditor{}, &stubValidator{userID: userID})

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, authedRequest(http.MethodPost, "/referral/code", ""))

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Contains(t, rec.Body.String(), string(dErrors.CodeSpaceExhausted))
	})

	t.Run("rejects missing bearer token", func(t *testing.T) {
		router := newTestRouter(t, &stubService{}, &stubAuditor{}, &stubValidator{userID: userID})

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/referral/code", nil)
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestHandleApply(t *testing.T) {
	userID := id.NewUserID()

	t.Run("passes the code through and returns the result", func(t *testing.T) {
		svc := &stubService{applyResult: models.ApplyResult{Applied: true, Reason: models.ApplyReasonApplied}}
		router := newTestRouter(t, svc, &stubAuditor{}, &stubValidator{userID: userID})

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, authedRequest(http.MethodPost, "/referral/apply", `{"code":"TAL39XQ55"}`))

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "TAL39XQ55", svc.applyCode)
		var result models.ApplyResult
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
		assert.True(t, result.Applied)
	})

	t.Run("rejects malformed body", func(t *testing.T) {
		router := newTestRouter(t, &stubService{}, &stubAuditor{}, &stubValidator{userID: userID})

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, authedRequest(http.MethodPost, "/referral/apply", "{not json"))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("maps rejection codes onto HTTP statuses", func(t *testing.T) {
		cases := []struct {
			name string
			err  error
			want int
		}{
			{"unknown code", dErrors.New(dErrors.CodeUnknownCode, "no such code"), http.StatusNotFound},
			{"self referral", dErrors.New(dErrors.CodeSelfReferral, "own code"), http.StatusConflict},
			{"already referred", dErrors.New(dErrors.CodeAlreadyReferred, "bound elsewhere"), http.StatusConflict},
			{"bad format", dErrors.New(dErrors.CodeInvalidFormat, "malformed"), http.StatusUnprocessableEntity},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				svc := &stubService{applyErr: tc.err}
				router := newTestRouter(t, svc, &stubAuditor{}, &stubValidator{userID: userID})

				rec := httptest.NewRecorder()
				router.ServeHTTP(rec, authedRequest(http.MethodPost, "/referral/apply", `{"code":"TAL39XQ55"}`))

				assert.Equal(t, tc.want, rec.Code)
			})
		}
	})
}

func TestHandleStats(t *testing.T) {
	userID := id.NewUserID()

	t.Run("returns stats for the authenticated user", func(t *testing.T) {
		svc := &stubService{stats: &models.Stats{Code: "TAL7X2M9Q", DirectCount: 3, IndirectCount: 5}}
		router := newTestRouter(t, svc, &stubAuditor{}, &stubValidator{userID: userID})

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, authedRequest(http.MethodGet, "/referral/stats", ""))

		require.Equal(t, http.StatusOK, rec.Code)
		var stats models.Stats
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
		assert.Equal(t, 3, stats.DirectCount)
		assert.Equal(t, 5, stats.IndirectCount)
	})

	t.Run("returns 404 before any code is reserved", func(t *testing.T) {
		svc := &stubService{statsErr: dErrors.New(dErrors.CodeNoCodeYet, "no code reserved")}
		router := newTestRouter(t, svc, &stubAuditor{}, &stubValidator{userID: userID})

		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, authedRequest(http.MethodGet, "/referral/stats", ""))

		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestHandleConsistency(t *testing.T) {
	t.Run("requires the admin token", func(t *testing.T) {
		aud := &stubAuditor{report: &models.Report{}}
		router := newTestRouter(t, &stubService{}, aud, &stubValidator{})

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/admin/referral/consistency", nil)
		router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Zero(t, aud.calls)
	})

	t.Run("runs the auditor and returns the report", func(t *testing.T) {
		aud := &stubAuditor{report: &models.Report{Scanned: 7}}
		router := newTestRouter(t, &stubService{}, aud, &stubValidator{})

		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/admin/referral/consistency", nil)
		req.Header.Set("X-Admin-Token", testAdminToken)
		router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 1, aud.calls)
		var report models.Report
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
		assert.Equal(t, 7, report.Scanned)
	})
}
