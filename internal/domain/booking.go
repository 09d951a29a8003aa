package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// BookingState is the externally reported lifecycle state. It is always
// derived from the booking's fact pair (scheduled, paid) plus its phase;
// nothing stores it as the source of truth.
type BookingState string

const (
	StateDraft            BookingState = "DRAFT"
	StateAwaitingSchedule BookingState = "AWAITING_SCHEDULE"
	StateScheduled        BookingState = "SCHEDULED"
	StateAwaitingPayment  BookingState = "AWAITING_PAYMENT"
	StatePaid             BookingState = "PAID"
	StateConfirmed        BookingState = "CONFIRMED"
	StateCancelled        BookingState = "CANCELLED"
	StateExpired          BookingState = "EXPIRED"
	StateRefundPending    BookingState = "REFUND_PENDING"
	StateRefunded         BookingState = "REFUNDED"
	StateRefundFailed     BookingState = "REFUND_FAILED"
)

// Phase is the internal lifecycle phase. While a booking is open, its
// reported state comes from the fact pair; once it leaves the open phase the
// phase alone decides the state.
type Phase string

const (
	PhaseOpen          Phase = "open"
	PhaseConfirmed     Phase = "confirmed"
	PhaseCancelled     Phase = "cancelled"
	PhaseExpired       Phase = "expired"
	PhaseRefundPending Phase = "refund_pending"
	PhaseRefunded      Phase = "refunded"
	PhaseRefundFailed  Phase = "refund_failed"
)

var (
	ErrBookingNotFound   = errors.New("booking not found")
	ErrMalformedPayload  = errors.New("malformed payload")
	ErrVersionConflict   = errors.New("booking version conflict")
	ErrEventInFlight     = errors.New("event reserved by another handler")
	ErrRefAlreadySet     = errors.New("payment ref already set")
	ErrTransientStore    = errors.New("transient store failure")
	ErrFlagNotFound      = errors.New("review flag not found")
	ErrCacheMiss         = errors.New("cache miss")
	ErrUnknownProvider   = errors.New("unknown provider")
)

type Booking struct {
	ID          uuid.UUID
	ScheduleRef string
	PaymentRef  string // empty until a payment intent is attached

	Amount   int64
	Currency string

	// Fact pair plus retry marker. PaymentRetry distinguishes
	// AWAITING_PAYMENT (a payment was reversed) from plain SCHEDULED.
	Scheduled    bool
	Paid         bool
	PaymentRetry bool

	Phase Phase

	Version        int64
	CreatedAt      time.Time
	StateEnteredAt time.Time
}

// State derives the reported state. Pure.
func (b Booking) State() BookingState {
	switch b.Phase {
	case PhaseConfirmed:
		return StateConfirmed
	case PhaseCancelled:
		return StateCancelled
	case PhaseExpired:
		return StateExpired
	case PhaseRefundPending:
		return StateRefundPending
	case PhaseRefunded:
		return StateRefunded
	case PhaseRefundFailed:
		return StateRefundFailed
	}

	switch {
	case b.Scheduled && b.Paid:
		return StatePaid
	case b.Paid:
		return StateAwaitingSchedule
	case b.Scheduled && b.PaymentRetry:
		return StateAwaitingPayment
	case b.Scheduled:
		return StateScheduled
	default:
		return StateDraft
	}
}

// Terminal reports whether no further automated transition can apply.
// CONFIRMED is not terminal: a schedule cancellation still routes it into
// the refund path.
func (s BookingState) Terminal() bool {
	switch s {
	case StateCancelled, StateExpired, StateRefunded, StateRefundFailed:
		return true
	}
	return false
}

// Expirable reports whether the state is subject to the booking timeout.
// PAID and later states are excluded: once money has moved, expiry would
// strand funds.
func (s BookingState) Expirable() bool {
	switch s {
	case StateDraft, StateAwaitingSchedule, StateScheduled, StateAwaitingPayment:
		return true
	}
	return false
}

// NewBooking creates a DRAFT booking. The schedule ref is the correlation
// key handed to the scheduling provider; it never changes afterwards.
func NewBooking(amount int64, currency string, now time.Time) Booking {
	return Booking{
		ID:             uuid.New(),
		ScheduleRef:    "sch_" + uuid.NewString(),
		Amount:         amount,
		Currency:       currency,
		Phase:          PhaseOpen,
		Version:        1,
		CreatedAt:      now,
		StateEnteredAt: now,
	}
}
