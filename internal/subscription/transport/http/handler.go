package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"signalbot/internal/api/dto"
	"signalbot/internal/entitlement"
	"signalbot/internal/payment"
	"signalbot/internal/subscription"
	"signalbot/internal/subscription/service"
	"signalbot/pkg/middleware"
)

const retryAfterSeconds = 5

type Workflow interface {
	ListPlans() []subscription.Plan
	SelectPlan(ctx context.Context, userID int64, planID string) (*subscription.SessionSummary, error)
	IssueOptions(ctx context.Context, userID int64) (map[payment.RailID]subscription.PaymentOption, error)
	RequestVerification(ctx context.Context, userID int64, railID payment.RailID, txID string) (*service.VerificationResult, error)
	GetEntitlement(ctx context.Context, userID int64) (*entitlement.Entitlement, error)
}

type Handler struct {
	svc Workflow
	log zerolog.Logger
}

func NewSubscriptionHandler(svc Workflow, log zerolog.Logger) *Handler {
	return &Handler{svc: svc, log: log.With().Str("component", "subscription_http").Logger()}
}

// Routes mounts the authenticated subscription endpoints.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/api/plans", h.ListPlans)
	r.Post("/api/subscription/plan", h.SelectPlan)
	r.Post("/api/subscription/options", h.IssueOptions)
	r.Post("/api/subscription/verify", h.Verify)
	r.Get("/api/subscription/entitlement", h.GetEntitlement)
}

func (h *Handler) ListPlans(w http.ResponseWriter, r *http.Request) {
	middleware.WriteJSON(w, http.StatusOK, dto.NewPlansResponse(h.svc.ListPlans()))
}

func (h *Handler) SelectPlan(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		middleware.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req dto.SelectPlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := dto.Validate.Struct(req); err != nil {
		middleware.HandleValidationError(w, err)
		return
	}

	summary, err := h.svc.SelectPlan(r.Context(), userID, req.PlanID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusCreated, summary)
}

func (h *Handler) IssueOptions(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		middleware.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	opts, err := h.svc.IssueOptions(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, dto.NewOptionsResponse(opts))
}

func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		middleware.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req dto.VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := dto.Validate.Struct(req); err != nil {
		middleware.HandleValidationError(w, err)
		return
	}
	railID, err := payment.ParseRailID(req.RailID)
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.svc.RequestVerification(r.Context(), userID, railID, req.TxID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}

	resp := dto.VerifyResponse{
		Status:          string(res.Status),
		Confirmations:   res.Confirmations,
		ReissueRequired: res.ReissueRequired,
		AlreadyGranted:  res.AlreadyGranted,
		Entitlement:     res.Entitlement,
	}
	if res.Reason != nil {
		resp.Reason = res.Reason.Error()
	}
	if !res.Received.IsZero() {
		received := res.Received
		resp.Received = &received
	}
	status := http.StatusOK
	if res.Status == service.VerificationPending {
		status = http.StatusAccepted
	}
	middleware.WriteJSON(w, status, resp)
}

func (h *Handler) GetEntitlement(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		middleware.WriteError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	ent, err := h.svc.GetEntitlement(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	middleware.WriteJSON(w, http.StatusOK, ent)
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrUnknownPlan), errors.Is(err, service.ErrUnknownRail), errors.Is(err, payment.ErrUnknownRailID):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrNoSession):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrSessionSuperseded), errors.Is(err, service.ErrOptionsNotIssued),
		errors.Is(err, service.ErrSessionFailed), errors.Is(err, service.ErrVerificationClosed),
		errors.Is(err, service.ErrAllRailsUnavailable):
		status = http.StatusConflict
	case errors.Is(err, service.ErrSessionExpired):
		status = http.StatusGone
	case errors.Is(err, service.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, service.ErrTransientRail):
		status = http.StatusServiceUnavailable
	}

	if service.IsRetryable(err) {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	if status == http.StatusInternalServerError {
		h.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		middleware.WriteError(w, status, "internal error")
		return
	}
	middleware.WriteError(w, status, err.Error())
}
