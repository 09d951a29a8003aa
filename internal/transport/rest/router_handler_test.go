package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/liam-jons/buildappswith-reconciler/internal/audit"
	"github.com/liam-jons/buildappswith-reconciler/internal/domain"
	"github.com/liam-jons/buildappswith-reconciler/internal/normalize"
	"github.com/liam-jons/buildappswith-reconciler/internal/security"
	"github.com/liam-jons/buildappswith-reconciler/internal/service"
	"github.com/liam-jons/buildappswith-reconciler/internal/transport/rest/response"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const testSecret = "whsec_test"

var restNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fakeVerifier struct {
	claims security.TokenClaims
	err    error
}

func (f fakeVerifier) VerifyAccessToken(token string) (security.TokenClaims, error) {
	return f.claims, f.err
}

type fakeCache struct {
	allow bool
	snaps map[uuid.UUID][]byte
}

func newFakeCache() *fakeCache {
	return &fakeCache{allow: true, snaps: map[uuid.UUID][]byte{}}
}

func (c *fakeCache) GetBookingSnapshot(ctx context.Context, id uuid.UUID) ([]byte, error) {
	raw, ok := c.snaps[id]
	if !ok {
		return nil, domain.ErrCacheMiss
	}
	return raw, nil
}
func (c *fakeCache) SetBookingSnapshot(ctx context.Context, id uuid.UUID, raw []byte, ttl time.Duration) error {
	c.snaps[id] = raw
	return nil
}
func (c *fakeCache) InvalidateBookingSnapshot(ctx context.Context, id uuid.UUID) error {
	delete(c.snaps, id)
	return nil
}
func (c *fakeCache) AllowRequest(ctx context.Context, ip string, limit int, window time.Duration) (bool, error) {
	return c.allow, nil
}

type fakeRepo struct {
	reserveFn func(ctx context.Context, ev domain.InboundEvent) (domain.ReserveResult, error)
	applyFn   func(ctx context.Context, traceID string, ev domain.InboundEvent, now time.Time) (domain.TransitionOutcome, error)
	createFn  func(ctx context.Context, b domain.Booking) error
	getFn     func(ctx context.Context, id uuid.UUID) (domain.Booking, error)
	attachFn  func(ctx context.Context, id uuid.UUID, ref string) error
	listFn    func(ctx context.Context, limit int) ([]domain.ReviewFlag, error)
	resolveFn func(ctx context.Context, id uuid.UUID) error

	reservations []string
}

func (r *fakeRepo) CheckAndReserve(ctx context.Context, ev domain.InboundEvent) (domain.ReserveResult, error) {
	r.reservations = append(r.reservations, ev.EventID)
	if r.reserveFn == nil {
		return domain.ReserveResult{Status: domain.Reserved}, nil
	}
	return r.reserveFn(ctx, ev)
}
func (r *fakeRepo) ApplyReserved(ctx context.Context, traceID string, ev domain.InboundEvent, now time.Time) (domain.TransitionOutcome, error) {
	if r.applyFn == nil {
		return domain.TransitionOutcome{EventID: ev.EventID, State: domain.StateScheduled, Applied: true}, nil
	}
	return r.applyFn(ctx, traceID, ev, now)
}
func (r *fakeRepo) ReleaseReservation(ctx context.Context, eventID string) error {
	return nil
}
func (r *fakeRepo) CreateBooking(ctx context.Context, b domain.Booking) error {
	if r.createFn == nil {
		return nil
	}
	return r.createFn(ctx, b)
}
func (r *fakeRepo) GetBooking(ctx context.Context, id uuid.UUID) (domain.Booking, error) {
	if r.getFn == nil {
		return domain.Booking{}, domain.ErrBookingNotFound
	}
	return r.getFn(ctx, id)
}
func (r *fakeRepo) AttachPaymentRef(ctx context.Context, id uuid.UUID, ref string) error {
	if r.attachFn == nil {
		return nil
	}
	return r.attachFn(ctx, id, ref)
}
func (r *fakeRepo) ListStalled(ctx context.Context, now time.Time, bookingTTL, refundReviewAfter, settleDelay time.Duration, limit int) ([]domain.Booking, error) {
	return nil, nil
}
func (r *fakeRepo) ListStaleReservations(ctx context.Context, olderThan time.Time, limit int) ([]domain.StaleReservation, error) {
	return nil, nil
}
func (r *fakeRepo) ReconcileStaleReservation(ctx context.Context, traceID string, s domain.StaleReservation) (bool, error) {
	return false, nil
}
func (r *fakeRepo) ListOpenReviewFlags(ctx context.Context, limit int) ([]domain.ReviewFlag, error) {
	if r.listFn == nil {
		return nil, nil
	}
	return r.listFn(ctx, limit)
}
func (r *fakeRepo) ResolveReviewFlag(ctx context.Context, id uuid.UUID) error {
	if r.resolveFn == nil {
		return nil
	}
	return r.resolveFn(ctx, id)
}

func newTestRouter(repo *fakeRepo, cache *fakeCache, claims security.TokenClaims) http.Handler {
	verifiers := map[domain.Source]security.WebhookVerifier{
		domain.SourceScheduling: security.NewSchedulingVerifier(security.Secrets{Current: testSecret}, 0),
		domain.SourcePayment:    security.NewPaymentVerifier(security.Secrets{Current: testSecret}, 0),
	}
	svc := service.New(repo, cache, verifiers, normalize.Registry(), audit.New(zerolog.Nop()), 0).
		WithClock(func() time.Time { return restNow })
	h := NewHandler(svc)
	return NewRouter(RouterDeps{
		Cache:            cache,
		Handler:          h,
		Verifier:         fakeVerifier{claims: claims},
		JWTIssuer:        claims.Issuer,
		RateLimitEnabled: true,
	})
}

func operatorClaims() security.TokenClaims {
	return security.TokenClaims{UserID: uuid.NewString(), Role: "operator", Issuer: "ops-auth"}
}

func signedSchedulingRequest(t *testing.T, body []byte) *http.Request {
	t.Helper()
	ts := strconv.FormatInt(restNow.Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/scheduling", bytes.NewReader(body))
	req.Header.Set("X-Webhook-Timestamp", ts)
	req.Header.Set("X-Webhook-Signature", security.SignPayload(testSecret, ts, body))
	return req
}

func decodeData(t *testing.T, rr *httptest.ResponseRecorder) response.Envelope {
	t.Helper()
	var env response.Envelope
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &env))
	return env
}

func decodeError(t *testing.T, rr *httptest.ResponseRecorder) response.ErrorBody {
	t.Helper()
	var errBody response.ErrorBody
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &errBody))
	return errBody
}

func TestWebhook_ValidSignature_200(t *testing.T) {
	repo := &fakeRepo{
		applyFn: func(ctx context.Context, traceID string, ev domain.InboundEvent, now time.Time) (domain.TransitionOutcome, error) {
			require.Equal(t, domain.EventScheduleCreated, ev.Type)
			require.Equal(t, "sch_abc", ev.CorrelationKey)
			return domain.TransitionOutcome{EventID: ev.EventID, State: domain.StateScheduled, Applied: true}, nil
		},
	}
	r := newTestRouter(repo, newFakeCache(), operatorClaims())

	body := []byte(`{"id":"evt_1","event":"booking.created","payload":{"booking_ref":"sch_abc"}}`)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, signedSchedulingRequest(t, body))

	require.Equal(t, http.StatusOK, rr.Code)
	env := decodeData(t, rr)
	m := env.Data.(map[string]any)
	require.Equal(t, "evt_1", m["event_id"])
	require.Equal(t, "SCHEDULED", m["state"])
	require.Equal(t, true, m["applied"])
}

func TestWebhook_TamperedBody_401_NoReservation(t *testing.T) {
	repo := &fakeRepo{}
	r := newTestRouter(repo, newFakeCache(), operatorClaims())

	body := []byte(`{"id":"evt_1","event":"booking.created","payload":{"booking_ref":"sch_abc"}}`)
	tampered := []byte(`{"id":"evt_1","event":"booking.cancelled","payload":{"booking_ref":"sch_abc"}}`)

	// Signature over the original body, delivered with the tampered one.
	ts := strconv.FormatInt(restNow.Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/scheduling", bytes.NewReader(tampered))
	req.Header.Set("X-Webhook-Timestamp", ts)
	req.Header.Set("X-Webhook-Signature", security.SignPayload(testSecret, ts, body))

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	require.Equal(t, http.StatusUnauthorized, rr.Code)
	require.Equal(t, "webhook.invalid_signature", decodeError(t, rr).Error.Code)
	require.Empty(t, repo.reservations, "rejected deliveries must never reach the ledger")
}

func TestWebhook_StaleTimestamp_401(t *testing.T) {
	r := newTestRouter(&fakeRepo{}, newFakeCache(), operatorClaims())

	body := []byte(`{"id":"evt_1","event":"booking.created","payload":{"booking_ref":"sch_abc"}}`)
	ts := strconv.FormatInt(restNow.Add(-10*time.Minute).Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/scheduling", bytes.NewReader(body))
	req.Header.Set("X-Webhook-Timestamp", ts)
	req.Header.Set("X-Webhook-Signature", security.SignPayload(testSecret, ts, body))

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	require.Equal(t, http.StatusUnauthorized, rr.Code)
	require.Equal(t, "webhook.stale_event", decodeError(t, rr).Error.Code)
}

func TestWebhook_MalformedPayload_400(t *testing.T) {
	r := newTestRouter(&fakeRepo{}, newFakeCache(), operatorClaims())

	// Valid signature over an invalid payload: a provider bug, not an attack.
	body := []byte(`{"event":"booking.created","payload":{}}`)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, signedSchedulingRequest(t, body))

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "webhook.malformed_payload", decodeError(t, rr).Error.Code)
}

func TestWebhook_UnknownProvider_404(t *testing.T) {
	r := newTestRouter(&fakeRepo{}, newFakeCache(), operatorClaims())

	req := httptest.NewRequest(http.MethodPost, "/webhooks/sms", bytes.NewReader([]byte("{}")))
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	require.Equal(t, http.StatusNotFound, rr.Code)
	require.Equal(t, "provider.unknown", decodeError(t, rr).Error.Code)
}

func TestWebhook_Duplicate_200Deduped(t *testing.T) {
	repo := &fakeRepo{
		reserveFn: func(ctx context.Context, ev domain.InboundEvent) (domain.ReserveResult, error) {
			return domain.ReserveResult{
				Status:     domain.AlreadyProcessed,
				PriorState: domain.StateScheduled,
			}, nil
		},
	}
	r := newTestRouter(repo, newFakeCache(), operatorClaims())

	body := []byte(`{"id":"evt_1","event":"booking.created","payload":{"booking_ref":"sch_abc"}}`)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, signedSchedulingRequest(t, body))

	require.Equal(t, http.StatusOK, rr.Code)
	m := decodeData(t, rr).Data.(map[string]any)
	require.Equal(t, true, m["deduped"])
}

func TestWebhook_InFlight_503(t *testing.T) {
	repo := &fakeRepo{
		reserveFn: func(ctx context.Context, ev domain.InboundEvent) (domain.ReserveResult, error) {
			return domain.ReserveResult{Status: domain.InFlight}, nil
		},
	}
	r := newTestRouter(repo, newFakeCache(), operatorClaims())

	body := []byte(`{"id":"evt_1","event":"booking.created","payload":{"booking_ref":"sch_abc"}}`)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, signedSchedulingRequest(t, body))

	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	require.Equal(t, "webhook.retryable", decodeError(t, rr).Error.Code)
}

func TestWebhook_PaymentProviderScheme(t *testing.T) {
	repo := &fakeRepo{
		applyFn: func(ctx context.Context, traceID string, ev domain.InboundEvent, now time.Time) (domain.TransitionOutcome, error) {
			require.Equal(t, domain.EventPaymentSucceeded, ev.Type)
			require.Equal(t, "pi_123", ev.CorrelationKey)
			return domain.TransitionOutcome{EventID: ev.EventID, State: domain.StateAwaitingSchedule, Applied: true}, nil
		},
	}
	r := newTestRouter(repo, newFakeCache(), operatorClaims())

	body := []byte(`{"id":"evt_p1","type":"payment_intent.succeeded","data":{"object":{"id":"pi_123"}}}`)
	ts := strconv.FormatInt(restNow.Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", bytes.NewReader(body))
	req.Header.Set("X-Payment-Signature", "t="+ts+",v1="+security.SignPayload(testSecret, ts, body))

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestOps_RequireAuth(t *testing.T) {
	r := newTestRouter(&fakeRepo{}, newFakeCache(), operatorClaims())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/review-flags", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	require.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestOps_CreateBooking_201(t *testing.T) {
	var created domain.Booking
	repo := &fakeRepo{
		createFn: func(ctx context.Context, b domain.Booking) error {
			created = b
			return nil
		},
	}
	r := newTestRouter(repo, newFakeCache(), operatorClaims())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/bookings",
		bytes.NewBufferString(`{"amount":4500,"currency":"usd"}`))
	req.Header.Set("Authorization", "Bearer ok")
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	require.Equal(t, http.StatusCreated, rr.Code)
	m := decodeData(t, rr).Data.(map[string]any)
	require.Equal(t, "DRAFT", m["state"])
	require.Equal(t, created.ID.String(), m["id"])
	require.NotEmpty(t, m["schedule_ref"])
	require.Equal(t, "USD", created.Currency)
}

func TestOps_CreateBooking_InvalidAmount_400(t *testing.T) {
	r := newTestRouter(&fakeRepo{}, newFakeCache(), operatorClaims())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/bookings",
		bytes.NewBufferString(`{"amount":0,"currency":"usd"}`))
	req.Header.Set("Authorization", "Bearer ok")
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
	require.Equal(t, "request.invalid", decodeError(t, rr).Error.Code)
}

func TestOps_GetBooking_NotFound_404(t *testing.T) {
	r := newTestRouter(&fakeRepo{}, newFakeCache(), operatorClaims())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/bookings/"+uuid.NewString(), nil)
	req.Header.Set("Authorization", "Bearer ok")
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	require.Equal(t, http.StatusNotFound, rr.Code)
	require.Equal(t, "booking.not_found", decodeError(t, rr).Error.Code)
}

func TestOps_GetBooking_InvalidID_400(t *testing.T) {
	r := newTestRouter(&fakeRepo{}, newFakeCache(), operatorClaims())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/bookings/not-a-uuid", nil)
	req.Header.Set("Authorization", "Bearer ok")
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestOps_AttachPaymentRef_Conflict_409(t *testing.T) {
	repo := &fakeRepo{
		attachFn: func(ctx context.Context, id uuid.UUID, ref string) error {
			return domain.ErrRefAlreadySet
		},
	}
	r := newTestRouter(repo, newFakeCache(), operatorClaims())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/bookings/"+uuid.NewString()+"/payment-ref",
		bytes.NewBufferString(`{"payment_ref":"pi_123"}`))
	req.Header.Set("Authorization", "Bearer ok")
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	require.Equal(t, http.StatusConflict, rr.Code)
	require.Equal(t, "booking.ref_already_set", decodeError(t, rr).Error.Code)
}

func TestOps_ReviewFlags_ListAndResolve(t *testing.T) {
	flagID := uuid.New()
	resolved := false
	repo := &fakeRepo{
		listFn: func(ctx context.Context, limit int) ([]domain.ReviewFlag, error) {
			require.Equal(t, 50, limit)
			return []domain.ReviewFlag{{ID: flagID, Reason: "refund_failed"}}, nil
		},
		resolveFn: func(ctx context.Context, id uuid.UUID) error {
			if id != flagID {
				return domain.ErrFlagNotFound
			}
			resolved = true
			return nil
		},
	}
	r := newTestRouter(repo, newFakeCache(), operatorClaims())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/review-flags", nil)
	req.Header.Set("Authorization", "Bearer ok")
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/review-flags/"+flagID.String()+"/resolve", nil)
	req.Header.Set("Authorization", "Bearer ok")
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
	require.True(t, resolved)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/review-flags/"+uuid.NewString()+"/resolve", nil)
	req.Header.Set("Authorization", "Bearer ok")
	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, req)
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRouter_RateLimit_429(t *testing.T) {
	cache := newFakeCache()
	cache.allow = false
	r := newTestRouter(&fakeRepo{}, cache, operatorClaims())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	require.Equal(t, http.StatusTooManyRequests, rr.Code)
}

func TestRouter_RateLimitDisabledSkipsCache(t *testing.T) {
	cache := newFakeCache()
	cache.allow = false

	svc := service.New(&fakeRepo{}, cache, nil, normalize.Registry(), audit.New(zerolog.Nop()), 0)
	r := NewRouter(RouterDeps{
		Cache:    cache,
		Handler:  NewHandler(svc),
		Verifier: fakeVerifier{claims: operatorClaims()},
	})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
}

func TestRouter_Healthz(t *testing.T) {
	r := newTestRouter(&fakeRepo{}, newFakeCache(), operatorClaims())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))
}

func TestRouter_RequestIDEchoedInErrors(t *testing.T) {
	r := newTestRouter(&fakeRepo{}, newFakeCache(), operatorClaims())

	req := httptest.NewRequest(http.MethodPost, "/webhooks/sms", bytes.NewReader([]byte("{}")))
	req.Header.Set("X-Request-Id", "rid-42")
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	require.Equal(t, "rid-42", decodeError(t, rr).Error.RequestID)
}
