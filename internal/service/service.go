package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/liam-jons/buildappswith-reconciler/internal/audit"
	"github.com/liam-jons/buildappswith-reconciler/internal/domain"
	"github.com/liam-jons/buildappswith-reconciler/internal/normalize"
	"github.com/liam-jons/buildappswith-reconciler/internal/security"
)

// versionConflictRetries bounds the internal retry loop before a conflict
// surfaces as TransientStoreFailure and the provider's redelivery takes over.
const versionConflictRetries = 3

const defaultBookingCacheTTL = 5 * time.Second

// ReconcileService wires verifier -> normalizer -> ledger -> state machine ->
// persistence for the webhook path, and exposes the provisioning/read surface
// for the ops API.
type ReconcileService struct {
	repo        domain.ReconcileRepository
	cache       domain.CacheRepository
	verifiers   map[domain.Source]security.WebhookVerifier
	normalizers map[domain.Source]normalize.Func
	audit       *audit.Logger
	cacheTTL    time.Duration
	now         func() time.Time
}

func New(
	repo domain.ReconcileRepository,
	cache domain.CacheRepository,
	verifiers map[domain.Source]security.WebhookVerifier,
	normalizers map[domain.Source]normalize.Func,
	auditLog *audit.Logger,
	cacheTTL time.Duration,
) *ReconcileService {
	if cacheTTL <= 0 {
		cacheTTL = defaultBookingCacheTTL
	}
	return &ReconcileService{
		repo:        repo,
		cache:       cache,
		verifiers:   verifiers,
		normalizers: normalizers,
		audit:       auditLog,
		cacheTTL:    cacheTTL,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// WithClock overrides the service clock. Tests only.
func (s *ReconcileService) WithClock(now func() time.Time) *ReconcileService {
	s.now = now
	return s
}

// HandleWebhook processes one raw provider delivery end to end. Signature
// failure is terminal and happens before anything touches the ledger.
func (s *ReconcileService) HandleWebhook(ctx context.Context, traceID string, source domain.Source, body []byte, header http.Header) (domain.TransitionOutcome, error) {
	verifier, ok := s.verifiers[source]
	if !ok {
		return domain.TransitionOutcome{}, domain.ErrUnknownProvider
	}
	now := s.now()
	if err := verifier.Verify(body, header, now); err != nil {
		return domain.TransitionOutcome{}, err
	}

	normalizer, ok := s.normalizers[source]
	if !ok {
		return domain.TransitionOutcome{}, domain.ErrUnknownProvider
	}
	ev, err := normalizer(body, now)
	if err != nil {
		return domain.TransitionOutcome{}, err
	}

	return s.ApplyEvent(ctx, traceID, ev)
}

// ApplyEvent drives one canonical event through dedupe, transition and
// commit. Safe to call any number of times with the same event id.
func (s *ReconcileService) ApplyEvent(ctx context.Context, traceID string, ev domain.InboundEvent) (domain.TransitionOutcome, error) {
	res, err := s.repo.CheckAndReserve(ctx, ev)
	if err != nil {
		// The ledger rejects empty event ids; redelivering such a payload can
		// never succeed, so it must not surface as retryable.
		if errors.Is(err, domain.ErrMalformedPayload) {
			return domain.TransitionOutcome{}, err
		}
		return domain.TransitionOutcome{}, fmt.Errorf("%w: %v", domain.ErrTransientStore, err)
	}

	switch res.Status {
	case domain.AlreadyProcessed:
		s.audit.DuplicateIgnored(ev, res.PriorOutcome, traceID)
		return domain.TransitionOutcome{
			EventID: ev.EventID,
			State:   res.PriorState,
			Deduped: true,
		}, nil
	case domain.InFlight:
		// Another handler holds the reservation; provider redelivery plus
		// the ledger makes retrying safe.
		return domain.TransitionOutcome{}, domain.ErrEventInFlight
	}

	var out domain.TransitionOutcome
	for attempt := 0; ; attempt++ {
		out, err = s.repo.ApplyReserved(ctx, traceID, ev, s.now())
		if err == nil {
			break
		}
		if errors.Is(err, domain.ErrVersionConflict) && attempt+1 < versionConflictRetries {
			continue
		}
		if errors.Is(err, domain.ErrVersionConflict) {
			// Release the reservation so the provider's redelivery gets a
			// clean start instead of bouncing off InFlight.
			_ = s.repo.ReleaseReservation(ctx, ev.EventID)
			s.audit.VersionConflictExhausted(ev, versionConflictRetries, traceID)
			return domain.TransitionOutcome{}, fmt.Errorf("%w: version conflict after %d attempts", domain.ErrTransientStore, versionConflictRetries)
		}
		return domain.TransitionOutcome{}, fmt.Errorf("%w: %v", domain.ErrTransientStore, err)
	}

	switch {
	case out.NotFound:
		s.audit.BookingNotFound(ev, traceID)
	case out.Applied:
		s.audit.EventApplied(ev, out, traceID)
	default:
		s.audit.EventNoop(ev, out.State, traceID)
	}

	// A booking that just became PAID is finalized immediately through the
	// same pipeline. The deterministic id keeps crash-interrupted finalizes
	// idempotent; the sweeper is the safety net.
	if out.Applied && out.State == domain.StatePaid && ev.Type != domain.EventBookingFinalize {
		fin := SynthesizeFinalize(ev.CorrelationKey, ev.EventID, s.now())
		if finOut, err := s.ApplyEvent(ctx, traceID, fin); err == nil && finOut.Applied {
			// The caller delivered ev, so the outcome keeps its id; only the
			// settled state reflects the cascade.
			out.State = finOut.State
		}
	}

	return out, nil
}

// SynthesizeFinalize builds the internal PAID -> CONFIRMED event. The id
// derives from the triggering event so a re-payment after a reversal
// finalizes again; overlap with a sweeper finalize is harmless because the
// transition no-ops once confirmed.
func SynthesizeFinalize(correlationKey, triggerEventID string, now time.Time) domain.InboundEvent {
	return domain.InboundEvent{
		EventID:           "finalize:" + triggerEventID,
		Source:            domain.SourceInternal,
		Type:              domain.EventBookingFinalize,
		CorrelationKey:    correlationKey,
		ReceivedAt:        now,
		ProviderTimestamp: now,
	}
}

// ---- ops surface ----

func (s *ReconcileService) CreateBooking(ctx context.Context, amount int64, currency string) (domain.Booking, error) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	b := domain.NewBooking(amount, currency, s.now())
	if err := s.repo.CreateBooking(ctx, b); err != nil {
		return domain.Booking{}, err
	}
	return b, nil
}

func (s *ReconcileService) AttachPaymentRef(ctx context.Context, id uuid.UUID, paymentRef string) error {
	if err := s.repo.AttachPaymentRef(ctx, id, paymentRef); err != nil {
		return err
	}
	if s.cache != nil {
		_ = s.cache.InvalidateBookingSnapshot(ctx, id)
	}
	return nil
}

// BookingSnapshot is the read model served to the ops API.
type BookingSnapshot struct {
	ID             uuid.UUID           `json:"id"`
	State          domain.BookingState `json:"state"`
	ScheduleRef    string              `json:"schedule_ref"`
	PaymentRef     string              `json:"payment_ref,omitempty"`
	Amount         int64               `json:"amount"`
	Currency       string              `json:"currency"`
	Version        int64               `json:"version"`
	CreatedAt      time.Time           `json:"created_at"`
	StateEnteredAt time.Time           `json:"state_entered_at"`
}

func snapshotOf(b domain.Booking) BookingSnapshot {
	return BookingSnapshot{
		ID:             b.ID,
		State:          b.State(),
		ScheduleRef:    b.ScheduleRef,
		PaymentRef:     b.PaymentRef,
		Amount:         b.Amount,
		Currency:       b.Currency,
		Version:        b.Version,
		CreatedAt:      b.CreatedAt,
		StateEnteredAt: b.StateEnteredAt,
	}
}

func (s *ReconcileService) GetBooking(ctx context.Context, id uuid.UUID) (BookingSnapshot, error) {
	if s.cache != nil {
		if raw, err := s.cache.GetBookingSnapshot(ctx, id); err == nil {
			var snap BookingSnapshot
			if json.Unmarshal(raw, &snap) == nil {
				return snap, nil
			}
		}
		// cache errors are soft; fall through to the store
	}

	b, err := s.repo.GetBooking(ctx, id)
	if err != nil {
		return BookingSnapshot{}, err
	}

	snap := snapshotOf(b)
	if s.cache != nil {
		if raw, err := json.Marshal(snap); err == nil {
			_ = s.cache.SetBookingSnapshot(ctx, id, raw, s.cacheTTL)
		}
	}
	return snap, nil
}

func (s *ReconcileService) ListOpenReviewFlags(ctx context.Context, limit int) ([]domain.ReviewFlag, error) {
	return s.repo.ListOpenReviewFlags(ctx, limit)
}

func (s *ReconcileService) ResolveReviewFlag(ctx context.Context, id uuid.UUID) error {
	return s.repo.ResolveReviewFlag(ctx, id)
}
