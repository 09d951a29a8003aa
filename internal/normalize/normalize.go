package normalize

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/liam-jons/buildappswith-reconciler/internal/domain"
)

// Func maps one provider's raw payload onto the canonical envelope. Pure:
// malformed input returns domain.ErrMalformedPayload, unknown event types
// come back as domain.EventUnrecognized so the state machine no-ops them.
type Func func(raw []byte, receivedAt time.Time) (domain.InboundEvent, error)

// Registry builds the immutable source -> normalizer mapping. Constructed
// once at process start and passed by reference; never mutated at runtime.
func Registry() map[domain.Source]Func {
	return map[domain.Source]Func{
		domain.SourceScheduling: Scheduling,
		domain.SourcePayment:    Payment,
	}
}

// schedulingPayload is the scheduling provider's wire shape:
//
//	{"id":"evt_..","event":"booking.created",
//	 "payload":{"booking_ref":"sch_..","occurred_at":"<RFC3339>"}}
type schedulingPayload struct {
	ID      string `json:"id"`
	Event   string `json:"event"`
	Payload struct {
		BookingRef string `json:"booking_ref"`
		OccurredAt string `json:"occurred_at"`
	} `json:"payload"`
}

func Scheduling(raw []byte, receivedAt time.Time) (domain.InboundEvent, error) {
	var p schedulingPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return domain.InboundEvent{}, fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
	}
	if strings.TrimSpace(p.ID) == "" || strings.TrimSpace(p.Payload.BookingRef) == "" {
		return domain.InboundEvent{}, fmt.Errorf("%w: missing id or booking_ref", domain.ErrMalformedPayload)
	}

	var typ domain.EventType
	switch p.Event {
	case "booking.created":
		typ = domain.EventScheduleCreated
	case "booking.cancelled", "booking.canceled":
		typ = domain.EventScheduleCancelled
	default:
		typ = domain.EventUnrecognized
	}

	ts := receivedAt
	if t, err := time.Parse(time.RFC3339, p.Payload.OccurredAt); err == nil {
		ts = t.UTC()
	}

	return domain.InboundEvent{
		EventID:           p.ID,
		Source:            domain.SourceScheduling,
		Type:              typ,
		CorrelationKey:    p.Payload.BookingRef,
		ReceivedAt:        receivedAt,
		ProviderTimestamp: ts,
		RawPayload:        raw,
	}, nil
}

// paymentPayload is the payment provider's wire shape:
//
//	{"id":"evt_..","type":"payment_intent.succeeded","created":<unix>,
//	 "data":{"object":{"id":"pi_.."}}}
type paymentPayload struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object struct {
			ID string `json:"id"`
		} `json:"object"`
	} `json:"data"`
}

func Payment(raw []byte, receivedAt time.Time) (domain.InboundEvent, error) {
	var p paymentPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return domain.InboundEvent{}, fmt.Errorf("%w: %v", domain.ErrMalformedPayload, err)
	}
	if strings.TrimSpace(p.ID) == "" || strings.TrimSpace(p.Data.Object.ID) == "" {
		return domain.InboundEvent{}, fmt.Errorf("%w: missing id or data.object.id", domain.ErrMalformedPayload)
	}

	var typ domain.EventType
	switch p.Type {
	case "payment_intent.succeeded":
		typ = domain.EventPaymentSucceeded
	case "payment_intent.payment_failed":
		typ = domain.EventPaymentFailed
	case "payment_intent.canceled":
		typ = domain.EventPaymentCancelled
	case "charge.refunded":
		typ = domain.EventPaymentRefunded
	case "refund.failed":
		typ = domain.EventPaymentRefundFailed
	default:
		typ = domain.EventUnrecognized
	}

	ts := receivedAt
	if p.Created > 0 {
		ts = time.Unix(p.Created, 0).UTC()
	}

	return domain.InboundEvent{
		EventID:           p.ID,
		Source:            domain.SourcePayment,
		Type:              typ,
		CorrelationKey:    p.Data.Object.ID,
		ReceivedAt:        receivedAt,
		ProviderTimestamp: ts,
		RawPayload:        raw,
	}, nil
}
