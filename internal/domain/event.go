package domain

import "time"

type Source string

const (
	SourceScheduling Source = "SCHEDULING"
	SourcePayment    Source = "PAYMENT"
	SourceInternal   Source = "INTERNAL_TIMER"
)

type EventType string

const (
	EventScheduleCreated     EventType = "SCHEDULE_CREATED"
	EventScheduleCancelled   EventType = "SCHEDULE_CANCELLED"
	EventPaymentSucceeded    EventType = "PAYMENT_SUCCEEDED"
	EventPaymentFailed       EventType = "PAYMENT_FAILED"
	EventPaymentCancelled    EventType = "PAYMENT_CANCELLED"
	EventPaymentRefunded     EventType = "PAYMENT_REFUNDED"
	EventPaymentRefundFailed EventType = "PAYMENT_REFUND_FAILED"
	EventBookingTimeout      EventType = "BOOKING_TIMEOUT"
	EventBookingFinalize     EventType = "BOOKING_FINALIZE"

	// Unknown provider event types land here and apply as a no-op, so new
	// provider features never hard-fail the pipeline.
	EventUnrecognized EventType = "UNRECOGNIZED"
)

// InboundEvent is the canonical, provider-agnostic envelope. Created once by
// the normalizer (or synthesized by the sweeper) and never mutated.
type InboundEvent struct {
	EventID        string
	Source         Source
	Type           EventType
	CorrelationKey string

	ReceivedAt        time.Time
	ProviderTimestamp time.Time

	// RawPayload is kept opaque for audit/replay; only the normalizer ever
	// looked inside it.
	RawPayload []byte
}

type SideEffectKind string

const (
	EffectSendConfirmationEmail SideEffectKind = "SEND_CONFIRMATION_EMAIL"
	EffectReleaseHold           SideEffectKind = "RELEASE_HOLD"
	EffectInitiateRefund        SideEffectKind = "INITIATE_REFUND"
	EffectFlagForReview         SideEffectKind = "FLAG_FOR_REVIEW"
)

// SideEffect is a declarative instruction emitted by a transition. It is
// dispatched only after the transition is durably committed.
type SideEffect struct {
	Kind   SideEffectKind
	Reason string
}
