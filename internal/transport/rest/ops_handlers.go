package rest

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"
	"github.com/liam-jons/buildappswith-reconciler/internal/domain"
	"github.com/liam-jons/buildappswith-reconciler/internal/pkg/logger"
	"github.com/liam-jons/buildappswith-reconciler/internal/transport/rest/response"
)

// Ops surface: booking provisioning and the operator review queue. All of it
// sits behind the bearer-token middleware.

func (h *Handler) CreateBooking(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
	}
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid body", nil)
		return
	}
	if req.Amount <= 0 {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid amount", map[string]string{
			"amount": "must be positive",
		})
		return
	}
	if len(strings.TrimSpace(req.Currency)) != 3 {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid currency", map[string]string{
			"currency": "must be a 3-letter code",
		})
		return
	}

	b, err := h.svc.CreateBooking(r.Context(), req.Amount, req.Currency)
	if err != nil {
		handleOpsErr(w, r, err)
		return
	}

	response.Data(w, http.StatusCreated, map[string]any{
		"id":           b.ID,
		"state":        b.State(),
		"schedule_ref": b.ScheduleRef,
	})
}

func (h *Handler) AttachPaymentRef(w http.ResponseWriter, r *http.Request) {
	bookingID, err := uuid.Parse(chi.URLParam(r, "bookingID"))
	if err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid bookingID", nil)
		return
	}

	var req struct {
		PaymentRef string `json:"payment_ref"`
	}
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid body", nil)
		return
	}
	if strings.TrimSpace(req.PaymentRef) == "" {
		fail(w, r, http.StatusBadRequest, "request.invalid", "payment_ref required", nil)
		return
	}

	if err := h.svc.AttachPaymentRef(r.Context(), bookingID, req.PaymentRef); err != nil {
		handleOpsErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, map[string]string{"msg": "attached"})
}

func (h *Handler) GetBooking(w http.ResponseWriter, r *http.Request) {
	bookingID, err := uuid.Parse(chi.URLParam(r, "bookingID"))
	if err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid bookingID", nil)
		return
	}

	snap, err := h.svc.GetBooking(r.Context(), bookingID)
	if err != nil {
		handleOpsErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, snap)
}

func (h *Handler) ListReviewFlags(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r.URL.Query().Get("limit"))
	flags, err := h.svc.ListOpenReviewFlags(r.Context(), limit)
	if err != nil {
		handleOpsErr(w, r, err)
		return
	}
	response.Data(w, http.StatusOK, map[string]any{"items": flags})
}

func (h *Handler) ResolveReviewFlag(w http.ResponseWriter, r *http.Request) {
	flagID, err := uuid.Parse(chi.URLParam(r, "flagID"))
	if err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "invalid flagID", nil)
		return
	}
	if err := h.svc.ResolveReviewFlag(r.Context(), flagID); err != nil {
		handleOpsErr(w, r, err)
		return
	}

	if a, ok := GetAuth(r.Context()); ok {
		logger.WithCtx(r.Context()).Info().
			Str("flag_id", flagID.String()).
			Str("resolved_by", a.UserID).
			Msg("review flag resolved")
	}
	response.Data(w, http.StatusOK, map[string]string{"msg": "resolved"})
}

func handleOpsErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrBookingNotFound):
		fail(w, r, http.StatusNotFound, "booking.not_found", err.Error(), nil)
	case errors.Is(err, domain.ErrRefAlreadySet):
		fail(w, r, http.StatusConflict, "booking.ref_already_set", err.Error(), nil)
	case errors.Is(err, domain.ErrFlagNotFound):
		fail(w, r, http.StatusNotFound, "review_flag.not_found", err.Error(), nil)
	default:
		fail(w, r, http.StatusInternalServerError, "internal", "internal error", nil)
	}
}

func parseLimit(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 50
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 50
	}
	if n < 1 {
		return 1
	}
	if n > 200 {
		return 200
	}
	return n
}
