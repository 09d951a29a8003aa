package rest

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/liam-jons/buildappswith-reconciler/internal/domain"
	appCtx "github.com/liam-jons/buildappswith-reconciler/internal/pkg/context"
	"github.com/liam-jons/buildappswith-reconciler/internal/security"
	"github.com/liam-jons/buildappswith-reconciler/internal/service"
	"github.com/liam-jons/buildappswith-reconciler/internal/transport/rest/response"
)

// maxWebhookBody bounds provider payload size.
const maxWebhookBody = 1 << 20

type Handler struct {
	svc *service.ReconcileService
}

func NewHandler(svc *service.ReconcileService) *Handler {
	return &Handler{svc: svc}
}

func providerSource(provider string) (domain.Source, bool) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "scheduling":
		return domain.SourceScheduling, true
	case "payment":
		return domain.SourcePayment, true
	}
	return "", false
}

// Webhook handles POST /webhooks/{provider}. Response codes drive the
// provider's retry behavior: 2xx stops redelivery, 4xx stops it too
// (signature or payload bug, retrying cannot help), 5xx invites a retry
// which the idempotency ledger makes safe.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	source, ok := providerSource(chi.URLParam(r, "provider"))
	if !ok {
		fail(w, r, http.StatusNotFound, "provider.unknown", "unknown webhook provider", nil)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		fail(w, r, http.StatusBadRequest, "request.invalid", "unreadable body", nil)
		return
	}

	traceID := appCtx.GetRequestID(r.Context())
	if traceID == "" {
		traceID = "no-request-id"
	}

	out, err := h.svc.HandleWebhook(r.Context(), traceID, source, body, r.Header)
	if err != nil {
		handleWebhookErr(w, r, err)
		return
	}

	response.Data(w, http.StatusOK, map[string]any{
		"event_id": out.EventID,
		"state":    out.State,
		"applied":  out.Applied,
		"deduped":  out.Deduped,
	})
}

func handleWebhookErr(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, security.ErrInvalidSignature):
		fail(w, r, http.StatusUnauthorized, "webhook.invalid_signature", "signature verification failed", nil)
	case errors.Is(err, security.ErrStaleEvent):
		fail(w, r, http.StatusUnauthorized, "webhook.stale_event", "signed timestamp outside tolerance", nil)
	case errors.Is(err, domain.ErrMalformedPayload):
		// Distinct from signature failures so a provider-side bug is never
		// mistaken for a security issue.
		fail(w, r, http.StatusBadRequest, "webhook.malformed_payload", "payload missing required fields", nil)
	case errors.Is(err, domain.ErrUnknownProvider):
		fail(w, r, http.StatusNotFound, "provider.unknown", "unknown webhook provider", nil)
	case errors.Is(err, domain.ErrEventInFlight), errors.Is(err, domain.ErrTransientStore):
		fail(w, r, http.StatusServiceUnavailable, "webhook.retryable", "transient failure; safe to redeliver", nil)
	default:
		fail(w, r, http.StatusInternalServerError, "internal", "internal error", nil)
	}
}

func fail(w http.ResponseWriter, r *http.Request, status int, code, message string, meta map[string]string) {
	reqID := appCtx.GetRequestID(r.Context())
	if reqID == "" {
		reqID = "no-request-id"
	}
	response.Fail(w, status, code, message, meta, reqID)
}
