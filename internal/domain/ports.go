package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Reservation outcome of the idempotency ledger.
type ReserveStatus int

const (
	// Reserved: first sighting, caller owns processing and must commit.
	Reserved ReserveStatus = iota
	// AlreadyProcessed: a committed record exists; PriorOutcome holds it.
	AlreadyProcessed
	// InFlight: an uncommitted, unexpired reservation exists. The caller
	// should answer retryable and let the provider redeliver.
	InFlight
)

type ReserveResult struct {
	Status       ReserveStatus
	PriorOutcome string
	PriorState   BookingState
}

// StaleReservation is a ledger row reserved long ago and never committed:
// evidence of a handler that crashed mid-flight.
type StaleReservation struct {
	EventID    string
	Source     Source
	ReservedAt time.Time
	// CorrelationKey is recovered from the retained raw payload so the
	// sweeper can re-derive the outcome.
	CorrelationKey string
}

// TransitionOutcome is what one event application produced. It is also the
// value recorded in the ledger, making the webhook endpoint a pure function
// of the event id.
type TransitionOutcome struct {
	EventID string
	State   BookingState
	Applied bool
	Deduped bool
	// NotFound: the correlation key matched no booking. The event is still
	// acknowledged (and committed in the ledger) so the provider stops
	// retrying; an operator flag is raised instead.
	NotFound bool
}

// ReconcileRepository is the transactional store behind the engine: bookings,
// the idempotency ledger, review flags and the side-effect outbox all live in
// the same database so one commit covers a whole transition.
type ReconcileRepository interface {
	// CheckAndReserve atomically claims ev.EventID. Runs in its own short
	// transaction so the reservation survives a later crash and the sweeper
	// can find it.
	CheckAndReserve(ctx context.Context, ev InboundEvent) (ReserveResult, error)

	// ApplyReserved loads the correlated booking under a row lock, runs the
	// pure transition, persists the new state with an optimistic version
	// check, commits the ledger entry and enqueues the emitted side effects,
	// all in one transaction. Returns ErrVersionConflict when the optimistic
	// check loses; the caller retries from a fresh read.
	ApplyReserved(ctx context.Context, traceID string, ev InboundEvent, now time.Time) (TransitionOutcome, error)

	// ReleaseReservation drops an uncommitted reservation after a handler
	// gave up deterministically, so the provider's redelivery starts clean
	// instead of bouncing off InFlight until the sweeper intervenes.
	ReleaseReservation(ctx context.Context, eventID string) error

	// Provisioning and reads for the ops surface.
	CreateBooking(ctx context.Context, b Booking) error
	GetBooking(ctx context.Context, id uuid.UUID) (Booking, error)
	AttachPaymentRef(ctx context.Context, id uuid.UUID, paymentRef string) error

	// Sweeper support.
	ListStalled(ctx context.Context, now time.Time, bookingTTL, refundReviewAfter, settleDelay time.Duration, limit int) ([]Booking, error)
	ListStaleReservations(ctx context.Context, olderThan time.Time, limit int) ([]StaleReservation, error)
	ReconcileStaleReservation(ctx context.Context, traceID string, r StaleReservation) (flagged bool, err error)

	// Review flags.
	ListOpenReviewFlags(ctx context.Context, limit int) ([]ReviewFlag, error)
	ResolveReviewFlag(ctx context.Context, id uuid.UUID) error
}

type ReviewFlag struct {
	ID         uuid.UUID
	BookingID  *uuid.UUID
	EventID    string
	Reason     string
	Details    string
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// CacheRepository backs the rate limiter and the short-lived booking read
// cache. Failures are soft; the store stays authoritative.
type CacheRepository interface {
	GetBookingSnapshot(ctx context.Context, id uuid.UUID) ([]byte, error)
	SetBookingSnapshot(ctx context.Context, id uuid.UUID, raw []byte, ttl time.Duration) error
	InvalidateBookingSnapshot(ctx context.Context, id uuid.UUID) error

	AllowRequest(ctx context.Context, ip string, limit int, window time.Duration) (bool, error)
}
