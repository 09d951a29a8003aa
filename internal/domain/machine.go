package domain

import "time"

// Transition is the result of applying one event to one booking.
// Applied=false means the (state, event) pair has no listed transition: the
// event is acknowledged, nothing changes, no effects are emitted. Providers
// routinely redeliver, so this is never an error.
type Transition struct {
	Booking Booking
	Effects []SideEffect
	Applied bool
}

// -------------------------
// Transition table (derived state x event type):
//
//   DRAFT             SCHEDULE_CREATED   -> SCHEDULED
//   DRAFT             PAYMENT_SUCCEEDED  -> AWAITING_SCHEDULE   (payment fact buffered)
//   AWAITING_SCHEDULE SCHEDULE_CREATED   -> PAID                + confirmation email
//   SCHEDULED         PAYMENT_SUCCEEDED  -> PAID                + confirmation email
//   SCHEDULED         SCHEDULE_CANCELLED -> CANCELLED
//   AWAITING_PAYMENT  PAYMENT_SUCCEEDED  -> PAID                + confirmation email
//   PAID              PAYMENT_FAILED     -> AWAITING_PAYMENT    (retry window)
//   PAID              PAYMENT_CANCELLED  -> AWAITING_PAYMENT
//   PAID              BOOKING_FINALIZE   -> CONFIRMED
//   CONFIRMED         SCHEDULE_CANCELLED -> REFUND_PENDING      + initiate refund
//   REFUND_PENDING    PAYMENT_REFUNDED   -> REFUNDED
//   REFUND_PENDING    PAYMENT_REFUND_FAILED -> REFUND_FAILED    + review flag
//   REFUND_PENDING    BOOKING_TIMEOUT    -> (unchanged)         + review flag
//   any expirable     BOOKING_TIMEOUT    -> EXPIRED             + release hold
//
// Everything else is a no-op. Both facts are independent booleans, so the
// two provider confirmations converge to PAID in either arrival order.
// -------------------------

// Apply is the pure transition function. It never touches storage and never
// executes effects; the caller commits the booking and dispatches effects
// afterwards.
func Apply(b Booking, ev InboundEvent, now time.Time) Transition {
	state := b.State()

	switch ev.Type {
	case EventScheduleCreated:
		if b.Phase == PhaseOpen && !b.Scheduled {
			b.Scheduled = true
			var effects []SideEffect
			if b.State() == StatePaid {
				effects = append(effects, SideEffect{Kind: EffectSendConfirmationEmail, Reason: "booking_paid"})
			}
			return applied(b, now, effects)
		}

	case EventPaymentSucceeded:
		if b.Phase == PhaseOpen && !b.Paid {
			b.Paid = true
			b.PaymentRetry = false
			var effects []SideEffect
			if b.State() == StatePaid {
				effects = append(effects, SideEffect{Kind: EffectSendConfirmationEmail, Reason: "booking_paid"})
			}
			return applied(b, now, effects)
		}

	case EventPaymentFailed, EventPaymentCancelled:
		// Only a fully PAID booking re-opens the payment window; the pair
		// (paid, !scheduled) is not listed and stays untouched.
		if state == StatePaid {
			b.Paid = false
			b.PaymentRetry = true
			return applied(b, now, nil)
		}

	case EventBookingFinalize:
		if state == StatePaid {
			b.Phase = PhaseConfirmed
			return applied(b, now, nil)
		}

	case EventScheduleCancelled:
		switch state {
		case StateScheduled:
			b.Phase = PhaseCancelled
			return applied(b, now, nil)
		case StateConfirmed:
			// Money has moved: never CONFIRMED -> CANCELLED directly.
			b.Phase = PhaseRefundPending
			return applied(b, now, []SideEffect{{Kind: EffectInitiateRefund, Reason: "schedule_cancelled"}})
		}

	case EventPaymentRefunded:
		if state == StateRefundPending {
			b.Phase = PhaseRefunded
			return applied(b, now, nil)
		}

	case EventPaymentRefundFailed:
		if state == StateRefundPending {
			// Terminal for automation; an operator takes over.
			b.Phase = PhaseRefundFailed
			return applied(b, now, []SideEffect{{Kind: EffectFlagForReview, Reason: "refund_failed"}})
		}

	case EventBookingTimeout:
		if state.Expirable() {
			effects := []SideEffect{{Kind: EffectReleaseHold, Reason: "booking_expired"}}
			if b.Paid {
				// Funds were captured but the schedule never confirmed.
				effects = append(effects, SideEffect{Kind: EffectFlagForReview, Reason: "expired_with_captured_payment"})
			}
			b.Phase = PhaseExpired
			return applied(b, now, effects)
		}
		if state == StateRefundPending {
			// Stalled refund: keep the state, raise an operator flag. The
			// sweeper's deterministic event id makes this fire once per stall.
			return applied(b, now, []SideEffect{{Kind: EffectFlagForReview, Reason: "refund_stalled"}})
		}
	}

	return Transition{Booking: b, Applied: false}
}

func applied(b Booking, now time.Time, effects []SideEffect) Transition {
	b.Version++
	b.StateEnteredAt = now
	return Transition{Booking: b, Effects: effects, Applied: true}
}
