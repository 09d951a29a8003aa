package notify

import (
	"time"

	"github.com/liam-jons/buildappswith-reconciler/internal/domain"
)

// Envelope is the canonical message shape handed to the notification/ops
// dispatcher. Consumers tolerate extra fields.
type Envelope[T any] struct {
	Version    int       `json:"version"`
	Producer   string    `json:"producer"`
	TraceID    string    `json:"trace_id,omitempty"`
	MessageID  string    `json:"message_id,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
	Payload    T         `json:"payload"`
}

// SideEffectPayload is the outbox body for every dispatched side effect.
type SideEffectPayload struct {
	BookingID   string `json:"booking_id"`
	State       string `json:"state"`
	Effect      string `json:"effect"`
	Reason      string `json:"reason,omitempty"`
	ScheduleRef string `json:"schedule_ref,omitempty"`
	PaymentRef  string `json:"payment_ref,omitempty"`
	Amount      int64  `json:"amount,omitempty"`
	Currency    string `json:"currency,omitempty"`
	EventID     string `json:"event_id,omitempty"`
}

// ReviewFlagPayload notifies operators of a flag raised outside a booking
// transition (unmatched correlation key, stale-reservation fallout).
type ReviewFlagPayload struct {
	EventID string `json:"event_id"`
	Reason  string `json:"reason"`
	Details string `json:"details,omitempty"`
}

// RoutingKey maps a side-effect kind onto the topic-exchange routing key its
// downstream consumer is bound to.
func RoutingKey(kind domain.SideEffectKind) string {
	switch kind {
	case domain.EffectSendConfirmationEmail:
		return "notify.booking_confirmed"
	case domain.EffectReleaseHold:
		return "schedule.release_hold"
	case domain.EffectInitiateRefund:
		return "payment.refund_requested"
	case domain.EffectFlagForReview:
		return "ops.review_flag"
	}
	return "ops.unknown_effect"
}
