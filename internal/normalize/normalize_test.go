package normalize_test

import (
	"testing"
	"time"

	"github.com/liam-jons/buildappswith-reconciler/internal/domain"
	"github.com/liam-jons/buildappswith-reconciler/internal/normalize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var recvAt = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func TestScheduling_Created(t *testing.T) {
	raw := []byte(`{
		"id": "evt_s1",
		"event": "booking.created",
		"payload": {"booking_ref": "sch_abc", "occurred_at": "2025-06-01T11:59:30Z"}
	}`)

	ev, err := normalize.Scheduling(raw, recvAt)
	require.NoError(t, err)
	assert.Equal(t, "evt_s1", ev.EventID)
	assert.Equal(t, domain.SourceScheduling, ev.Source)
	assert.Equal(t, domain.EventScheduleCreated, ev.Type)
	assert.Equal(t, "sch_abc", ev.CorrelationKey)
	assert.Equal(t, recvAt, ev.ReceivedAt)
	assert.Equal(t, time.Date(2025, 6, 1, 11, 59, 30, 0, time.UTC), ev.ProviderTimestamp)
	assert.Equal(t, raw, ev.RawPayload)
}

func TestScheduling_CancelledBothSpellings(t *testing.T) {
	for _, name := range []string{"booking.cancelled", "booking.canceled"} {
		raw := []byte(`{"id":"evt_s2","event":"` + name + `","payload":{"booking_ref":"sch_abc"}}`)
		ev, err := normalize.Scheduling(raw, recvAt)
		require.NoError(t, err)
		assert.Equal(t, domain.EventScheduleCancelled, ev.Type, name)
	}
}

func TestScheduling_UnknownTypeIsUnrecognized(t *testing.T) {
	raw := []byte(`{"id":"evt_s3","event":"booking.rescheduled","payload":{"booking_ref":"sch_abc"}}`)
	ev, err := normalize.Scheduling(raw, recvAt)
	require.NoError(t, err)
	assert.Equal(t, domain.EventUnrecognized, ev.Type)
}

func TestScheduling_Malformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"invalid json", `{nope`},
		{"missing id", `{"event":"booking.created","payload":{"booking_ref":"sch_abc"}}`},
		{"missing booking_ref", `{"id":"evt_s4","event":"booking.created","payload":{}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := normalize.Scheduling([]byte(tt.raw), recvAt)
			require.ErrorIs(t, err, domain.ErrMalformedPayload)
		})
	}
}

func TestScheduling_BadTimestampFallsBackToReceivedAt(t *testing.T) {
	raw := []byte(`{"id":"evt_s5","event":"booking.created","payload":{"booking_ref":"sch_abc","occurred_at":"yesterday"}}`)
	ev, err := normalize.Scheduling(raw, recvAt)
	require.NoError(t, err)
	assert.Equal(t, recvAt, ev.ProviderTimestamp)
}

func TestPayment_TypeMapping(t *testing.T) {
	tests := []struct {
		wire string
		want domain.EventType
	}{
		{"payment_intent.succeeded", domain.EventPaymentSucceeded},
		{"payment_intent.payment_failed", domain.EventPaymentFailed},
		{"payment_intent.canceled", domain.EventPaymentCancelled},
		{"charge.refunded", domain.EventPaymentRefunded},
		{"refund.failed", domain.EventPaymentRefundFailed},
		{"customer.subscription.updated", domain.EventUnrecognized},
	}
	for _, tt := range tests {
		t.Run(tt.wire, func(t *testing.T) {
			raw := []byte(`{"id":"evt_p1","type":"` + tt.wire + `","created":1748779170,"data":{"object":{"id":"pi_123"}}}`)
			ev, err := normalize.Payment(raw, recvAt)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ev.Type)
			assert.Equal(t, domain.SourcePayment, ev.Source)
			assert.Equal(t, "pi_123", ev.CorrelationKey)
			assert.Equal(t, time.Unix(1748779170, 0).UTC(), ev.ProviderTimestamp)
		})
	}
}

func TestPayment_Malformed(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"invalid json", `[`},
		{"missing id", `{"type":"payment_intent.succeeded","data":{"object":{"id":"pi_123"}}}`},
		{"missing object id", `{"id":"evt_p2","type":"payment_intent.succeeded","data":{"object":{}}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := normalize.Payment([]byte(tt.raw), recvAt)
			require.ErrorIs(t, err, domain.ErrMalformedPayload)
		})
	}
}

func TestPayment_ZeroCreatedFallsBackToReceivedAt(t *testing.T) {
	raw := []byte(`{"id":"evt_p3","type":"payment_intent.succeeded","data":{"object":{"id":"pi_123"}}}`)
	ev, err := normalize.Payment(raw, recvAt)
	require.NoError(t, err)
	assert.Equal(t, recvAt, ev.ProviderTimestamp)
}

func TestRegistry_CoversBothProviders(t *testing.T) {
	reg := normalize.Registry()
	require.Contains(t, reg, domain.SourceScheduling)
	require.Contains(t, reg, domain.SourcePayment)
}
