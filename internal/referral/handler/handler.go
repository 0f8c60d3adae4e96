// Package handler is the thin HTTP layer over the referral service. It
// delegates to domain services without embedding business logic so transport
// concerns stay isolated.
package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"tally/internal/platform/metrics"
	"tally/internal/platform/middleware"
	"tally/internal/referral/models"
	id "tally/pkg/domain"
	dErrors "tally/pkg/domain-errors"
	"tally/pkg/requestcontext"
)

// Service defines the caller-facing referral operations.
type Service interface {
	Reserve(ctx context.Context, userID id.UserID) (string, error)
	Apply(ctx context.Context, refereeID id.UserID, code string) (models.ApplyResult, error)
	Stats(ctx context.Context, userID id.UserID) (*models.Stats, error)
}

// ConsistencyRunner triggers the operator-only batch repair.
type ConsistencyRunner interface {
	Run(ctx context.Context) (*models.Report, error)
}

type Handler struct {
	logger       *slog.Logger
	service      Service
	auditor      ConsistencyRunner
	metrics      *metrics.Metrics
	jwtValidator middleware.JWTValidator
	adminHash    string
}

func New(service Service, auditor ConsistencyRunner, logger *slog.Logger, m *metrics.Metrics,
	jwtValidator middleware.JWTValidator, adminHash string) *Handler {
	return &Handler{
		logger:       logger,
		service:      service,
		auditor:      auditor,
		metrics:      m,
		jwtValidator: jwtValidator,
		adminHash:    adminHash,
	}
}

// Register mounts the referral routes on the chi router.
func (h *Handler) Register(r chi.Router) {
	userRouter := chi.NewRouter()
	userRouter.Use(middleware.RequestID)
	userRouter.Use(middleware.Recovery(h.logger))
	userRouter.Use(middleware.Logger(h.logger))
	userRouter.Use(middleware.Timeout(30 * time.Second))
	if h.metrics != nil {
		userRouter.Use(middleware.Latency(h.metrics))
	}
	userRouter.Use(middleware.RequireAuth(h.jwtValidator, h.logger))
	userRouter.Post("/referral/code", h.handleReserve)
	userRouter.Post("/referral/apply", h.handleApply)
	userRouter.Get("/referral/stats", h.handleStats)
	r.Mount("/", userRouter)

	adminRouter := chi.NewRouter()
	adminRouter.Use(middleware.RequestID)
	adminRouter.Use(middleware.Recovery(h.logger))
	adminRouter.Use(middleware.Logger(h.logger))
	adminRouter.Use(middleware.RequireAdminToken(h.adminHash, h.logger))
	adminRouter.Post("/referral/consistency", h.handleConsistency)
	r.Mount("/admin", adminRouter)
}

type reserveResponse struct {
	Code string `json:"code"`
}

func (h *Handler) handleReserve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := requestcontext.UserID(ctx)
	if userID.IsNil() {
		h.authContextError(ctx, w)
		return
	}

	code, err := h.service.Reserve(ctx, userID)
	if err != nil {
		h.logger.WarnContext(ctx, "reserve failed",
			"request_id", requestcontext.RequestID(ctx),
			"error", err.Error(),
		)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reserveResponse{Code: code})
}

type applyRequest struct {
	Code string `json:"code"`
}

func (h *Handler) handleApply(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := requestcontext.UserID(ctx)
	if userID.IsNil() {
		h.authContextError(ctx, w)
		return
	}

	var req applyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, dErrors.New(dErrors.CodeBadRequest, "invalid request body"))
		return
	}

	result, err := h.service.Apply(ctx, userID, req.Code)
	if err != nil {
		h.logger.WarnContext(ctx, "apply rejected",
			"request_id", requestcontext.RequestID(ctx),
			"error", err.Error(),
		)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := requestcontext.UserID(ctx)
	if userID.IsNil() {
		h.authContextError(ctx, w)
		return
	}

	stats, err := h.service.Stats(ctx, userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleConsistency(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	report, err := h.auditor.Run(ctx)
	if err != nil {
		h.logger.ErrorContext(ctx, "consistency run failed",
			"request_id", requestcontext.RequestID(ctx),
			"error", err.Error(),
		)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// authContextError should never fire when RequireAuth is configured
// correctly.
func (h *Handler) authContextError(ctx context.Context, w http.ResponseWriter) {
	h.logger.ErrorContext(ctx, "user id missing from context despite auth middleware",
		"request_id", requestcontext.RequestID(ctx),
	)
	writeError(w, dErrors.New(dErrors.CodeInternal, "authentication context error"))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError centralizes domain error translation so every endpoint returns
// the same JSON error envelope.
func writeError(w http.ResponseWriter, err error) {
	code := dErrors.CodeOf(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(dErrors.ToHTTPStatus(code))
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": string(code),
	})
}
