package audit

import (
	"github.com/google/uuid"
	"github.com/liam-jons/buildappswith-reconciler/internal/domain"
	"github.com/rs/zerolog"
)

// Logger provides structured audit logging for reconciliation events. Every
// entry carries the event id and correlation key for traceability.
type Logger struct {
	log zerolog.Logger
}

func New(log zerolog.Logger) *Logger {
	return &Logger{
		log: log.With().Bool("audit", true).Logger(),
	}
}

// EventApplied logs a committed transition.
func (l *Logger) EventApplied(ev domain.InboundEvent, out domain.TransitionOutcome, traceID string) {
	l.log.Info().
		Str("action", "event_applied").
		Str("event_id", ev.EventID).
		Str("event_type", string(ev.Type)).
		Str("source", string(ev.Source)).
		Str("correlation_key", ev.CorrelationKey).
		Str("state", string(out.State)).
		Str("trace_id", traceID).
		Msg("Transition committed")
}

// EventNoop logs an acknowledged event with no listed transition.
func (l *Logger) EventNoop(ev domain.InboundEvent, state domain.BookingState, traceID string) {
	l.log.Info().
		Str("action", "event_noop").
		Str("event_id", ev.EventID).
		Str("event_type", string(ev.Type)).
		Str("correlation_key", ev.CorrelationKey).
		Str("state", string(state)).
		Str("trace_id", traceID).
		Msg("No valid transition; acknowledged")
}

// DuplicateIgnored logs a dedupe short-circuit.
func (l *Logger) DuplicateIgnored(ev domain.InboundEvent, prior string, traceID string) {
	l.log.Info().
		Str("action", "duplicate_ignored").
		Str("event_id", ev.EventID).
		Str("correlation_key", ev.CorrelationKey).
		Str("prior_outcome", prior).
		Str("trace_id", traceID).
		Msg("Duplicate delivery short-circuited")
}

// BookingNotFound logs an unmatched correlation key.
func (l *Logger) BookingNotFound(ev domain.InboundEvent, traceID string) {
	l.log.Warn().
		Str("action", "booking_not_found").
		Str("event_id", ev.EventID).
		Str("source", string(ev.Source)).
		Str("correlation_key", ev.CorrelationKey).
		Str("trace_id", traceID).
		Msg("Event acknowledged but matched no booking; flagged for review")
}

// VersionConflictExhausted logs a transition abandoned after retries.
func (l *Logger) VersionConflictExhausted(ev domain.InboundEvent, attempts int, traceID string) {
	l.log.Error().
		Str("action", "version_conflict_exhausted").
		Str("event_id", ev.EventID).
		Str("correlation_key", ev.CorrelationKey).
		Int("attempts", attempts).
		Str("trace_id", traceID).
		Msg("Optimistic retries exhausted; surfacing as transient")
}

// BookingExpired logs a sweeper-driven expiry.
func (l *Logger) BookingExpired(bookingID uuid.UUID, state domain.BookingState) {
	l.log.Info().
		Str("action", "booking_expired").
		Str("booking_id", bookingID.String()).
		Str("from_state", string(state)).
		Msg("Booking expired by sweeper")
}

// SweepCompleted logs one sweeper pass.
func (l *Logger) SweepCompleted(processed, flagged int) {
	l.log.Debug().
		Str("action", "sweep_completed").
		Int("processed", processed).
		Int("flagged", flagged).
		Msg("Sweep pass completed")
}
