package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/liam-jons/buildappswith-reconciler/internal/domain"
	"github.com/liam-jons/buildappswith-reconciler/internal/pkg/logger"
)

// reservationTTL: a reservation with no commit after this long is treated as
// a crashed in-flight handler and re-examined by the sweeper.
const DefaultReservationTTL = 2 * time.Minute

// CheckAndReserve claims ev.EventID with an atomic insert-if-absent. The
// insert runs in its own short transaction, before any booking lock, so the
// reservation is durable evidence even if the handler dies right after.
//
//	first insert            -> Reserved (caller proceeds and must commit)
//	committed record exists -> AlreadyProcessed with the prior outcome
//	uncommitted record      -> InFlight (caller answers retryable)
func (r *Repository) CheckAndReserve(ctx context.Context, ev domain.InboundEvent) (domain.ReserveResult, error) {
	eventID := strings.TrimSpace(ev.EventID)
	if eventID == "" {
		// No id means no safe dedupe; refuse rather than guess.
		return domain.ReserveResult{}, domain.ErrMalformedPayload
	}

	tag, err := r.pool.Exec(ctx, `
		INSERT INTO processed_events (event_id, source, correlation_key, raw_payload, reserved_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (event_id) DO NOTHING
	`, eventID, string(ev.Source), ev.CorrelationKey, ev.RawPayload)
	if err != nil {
		return domain.ReserveResult{}, err
	}
	if tag.RowsAffected() == 1 {
		return domain.ReserveResult{Status: domain.Reserved}, nil
	}

	var outcome *string
	var committedAt *time.Time
	err = r.pool.QueryRow(ctx,
		`SELECT outcome, committed_at FROM processed_events WHERE event_id = $1`,
		eventID).Scan(&outcome, &committedAt)
	if err != nil {
		return domain.ReserveResult{}, err
	}

	if committedAt == nil {
		return domain.ReserveResult{Status: domain.InFlight}, nil
	}

	res := domain.ReserveResult{Status: domain.AlreadyProcessed}
	if outcome != nil {
		res.PriorOutcome = *outcome
		res.PriorState = stateFromOutcome(*outcome)
	}
	return res, nil
}

// stateFromOutcome recovers the booking state from a recorded outcome label
// ("PAID", "noop:CONFIRMED", "reconciled:EXPIRED", ...).
func stateFromOutcome(outcome string) domain.BookingState {
	if i := strings.LastIndexByte(outcome, ':'); i >= 0 {
		outcome = outcome[i+1:]
	}
	switch s := domain.BookingState(outcome); s {
	case domain.StateDraft, domain.StateAwaitingSchedule, domain.StateScheduled,
		domain.StateAwaitingPayment, domain.StatePaid, domain.StateConfirmed,
		domain.StateCancelled, domain.StateExpired, domain.StateRefundPending,
		domain.StateRefunded, domain.StateRefundFailed:
		return s
	}
	return ""
}

func (r *Repository) commitLedgerTx(ctx context.Context, tx pgx.Tx, eventID, outcome string) error {
	_, err := tx.Exec(ctx, `
		UPDATE processed_events
		SET committed_at = NOW(), outcome = $2
		WHERE event_id = $1 AND committed_at IS NULL
	`, eventID, outcome)
	return err
}

// commitNotFoundTx acknowledges an event whose correlation key matched no
// booking: the ledger entry commits (so redeliveries dedupe) and an operator
// flag is raised instead of silently discarding.
func (r *Repository) commitNotFoundTx(ctx context.Context, tx pgx.Tx, traceID string, ev domain.InboundEvent) error {
	if err := r.commitLedgerTx(ctx, tx, ev.EventID, "booking_not_found"); err != nil {
		return err
	}
	if err := r.insertReviewFlagTx(ctx, tx, nil, ev.EventID, "booking_not_found",
		"correlation_key="+ev.CorrelationKey+" source="+string(ev.Source)); err != nil {
		return err
	}
	return r.enqueueReviewFlagMessageTx(ctx, tx, traceID, ev.EventID, "booking_not_found",
		"correlation_key="+ev.CorrelationKey)
}

func (r *Repository) ListStaleReservations(ctx context.Context, olderThan time.Time, limit int) ([]domain.StaleReservation, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT event_id, source, correlation_key, reserved_at
		FROM processed_events
		WHERE committed_at IS NULL AND reserved_at < $1
		ORDER BY reserved_at ASC
		LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.StaleReservation
	for rows.Next() {
		var s domain.StaleReservation
		var source string
		if err := rows.Scan(&s.EventID, &source, &s.CorrelationKey, &s.ReservedAt); err != nil {
			return nil, err
		}
		s.Source = domain.Source(source)
		out = append(out, s)
	}
	return out, rows.Err()
}

// ReconcileStaleReservation closes out a reservation whose handler crashed
// mid-flight. The outcome is re-derived from the current booking state: if
// the booking exists, the event either applied before the crash or will be
// redelivered, so a no-op commit is safe; if nothing correlates, an operator
// flag goes up.
func (r *Repository) ReconcileStaleReservation(ctx context.Context, traceID string, s domain.StaleReservation) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	b, err := scanBooking(tx.QueryRow(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE `+correlationFilter(s.Source),
		s.CorrelationKey))

	flagged := false
	switch {
	case err == nil:
		err = r.commitLedgerTx(ctx, tx, s.EventID, "reconciled:"+string(b.State()))
	case errors.Is(err, pgx.ErrNoRows):
		flagged = true
		if err = r.commitLedgerTx(ctx, tx, s.EventID, "reconciled:unknown"); err == nil {
			if err = r.insertReviewFlagTx(ctx, tx, nil, s.EventID, "stale_reservation_unmatched",
				"correlation_key="+s.CorrelationKey+" source="+string(s.Source)); err == nil {
				err = r.enqueueReviewFlagMessageTx(ctx, tx, traceID, s.EventID,
					"stale_reservation_unmatched", "correlation_key="+s.CorrelationKey)
			}
		}
	}
	if err != nil {
		return false, err
	}

	return flagged, tx.Commit(ctx)
}

// ReleaseReservation drops an uncommitted reservation. Called when a handler
// exhausted its retries on a known-transient failure; a committed row is
// never touched, so dedupe history stays intact.
func (r *Repository) ReleaseReservation(ctx context.Context, eventID string) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM processed_events WHERE event_id = $1 AND committed_at IS NULL`,
		eventID)
	return err
}

// StartLedgerCleanup deletes committed ledger rows past the retention window
// so the table does not grow without bound. Uncommitted rows are never
// deleted here; those belong to the sweeper.
func (r *Repository) StartLedgerCleanup(ctx context.Context, retention time.Duration) {
	go func() {
		log := logger.Logger.With().Str("component", "ledger_cleanup").Logger()
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()

		r.cleanupCommittedEvents(ctx, retention)

		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("stopped")
				return
			case <-ticker.C:
				r.cleanupCommittedEvents(ctx, retention)
			}
		}
	}()
}

func (r *Repository) cleanupCommittedEvents(ctx context.Context, retention time.Duration) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM processed_events WHERE committed_at IS NOT NULL AND committed_at < NOW() - $1::interval`,
		fmt.Sprintf("%f seconds", retention.Seconds()))
	if err != nil {
		logger.Logger.Warn().Err(err).Msg("ledger cleanup failed")
		return
	}
	if n := tag.RowsAffected(); n > 0 {
		logger.Logger.Info().Int64("deleted", n).Msg("committed ledger rows cleaned up")
	}
}
