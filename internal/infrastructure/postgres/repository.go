package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/liam-jons/buildappswith-reconciler/internal/contracts/notify"
	"github.com/liam-jons/buildappswith-reconciler/internal/domain"
)

type Repository struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// -------------------------
// Locking policy:
// Per-booking ordering is the only ordering we guarantee. Every transition
// takes exactly one row lock (the bookings row, FOR UPDATE) and writes go
// through an optimistic version check on top of it, so concurrent deliveries
// for the same booking serialize and a lost update can never be applied
// blindly. Ledger reservation happens in its own short transaction BEFORE
// the booking lock; no transaction ever holds both the reservation insert
// and a booking lock from separate transactions, so there is no lock cycle.
// -------------------------

const bookingColumns = `
	id, schedule_ref, COALESCE(payment_ref, ''), amount, currency,
	scheduled, paid, payment_retry, phase, version, created_at, state_entered_at`

func scanBooking(row pgx.Row) (domain.Booking, error) {
	var b domain.Booking
	var phase string
	err := row.Scan(
		&b.ID, &b.ScheduleRef, &b.PaymentRef, &b.Amount, &b.Currency,
		&b.Scheduled, &b.Paid, &b.PaymentRetry, &phase, &b.Version,
		&b.CreatedAt, &b.StateEnteredAt,
	)
	if err != nil {
		return domain.Booking{}, err
	}
	b.Phase = domain.Phase(phase)
	return b, nil
}

func (r *Repository) CreateBooking(ctx context.Context, b domain.Booking) error {
	var paymentRef *string
	if b.PaymentRef != "" {
		paymentRef = &b.PaymentRef
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO bookings
			(id, schedule_ref, payment_ref, amount, currency,
			 scheduled, paid, payment_retry, phase, state, version,
			 created_at, state_entered_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`, b.ID, b.ScheduleRef, paymentRef, b.Amount, b.Currency,
		b.Scheduled, b.Paid, b.PaymentRetry, string(b.Phase), string(b.State()),
		b.Version, b.CreatedAt, b.StateEnteredAt)
	return err
}

func (r *Repository) GetBooking(ctx context.Context, id uuid.UUID) (domain.Booking, error) {
	b, err := scanBooking(r.pool.QueryRow(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Booking{}, domain.ErrBookingNotFound
	}
	return b, err
}

// AttachPaymentRef sets the payment correlation key once. The ref is
// immutable: a second attach with a different value is a conflict.
func (r *Repository) AttachPaymentRef(ctx context.Context, id uuid.UUID, paymentRef string) error {
	paymentRef = strings.TrimSpace(paymentRef)

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var existing *string
	err = tx.QueryRow(ctx,
		`SELECT payment_ref FROM bookings WHERE id = $1 FOR UPDATE`, id).Scan(&existing)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrBookingNotFound
	}
	if err != nil {
		return err
	}

	if existing != nil && *existing != "" {
		if *existing == paymentRef {
			// idempotent attach
			return tx.Commit(ctx)
		}
		return domain.ErrRefAlreadySet
	}

	if _, err := tx.Exec(ctx,
		`UPDATE bookings SET payment_ref = $2 WHERE id = $1`, id, paymentRef); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func correlationFilter(source domain.Source) string {
	switch source {
	case domain.SourcePayment:
		return "payment_ref = $1"
	case domain.SourceScheduling:
		return "schedule_ref = $1"
	default:
		// Synthetic internal events inherit whichever correlation key their
		// trigger carried; refs never collide across the two columns.
		return "(schedule_ref = $1 OR payment_ref = $1)"
	}
}

// ApplyReserved runs the read -> pure transition -> write sequence for an
// event whose ledger reservation the caller already holds. Everything,
// including the ledger commit and the side-effect outbox rows, lands in one
// transaction: effects become dispatchable only after the state is durable.
func (r *Repository) ApplyReserved(ctx context.Context, traceID string, ev domain.InboundEvent, now time.Time) (domain.TransitionOutcome, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return domain.TransitionOutcome{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	b, err := scanBooking(tx.QueryRow(ctx,
		`SELECT `+bookingColumns+` FROM bookings WHERE `+correlationFilter(ev.Source)+` FOR UPDATE`,
		ev.CorrelationKey))
	if errors.Is(err, pgx.ErrNoRows) {
		if err := r.commitNotFoundTx(ctx, tx, traceID, ev); err != nil {
			return domain.TransitionOutcome{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return domain.TransitionOutcome{}, err
		}
		return domain.TransitionOutcome{EventID: ev.EventID, NotFound: true}, nil
	}
	if err != nil {
		return domain.TransitionOutcome{}, err
	}

	tr := domain.Apply(b, ev, now)

	if tr.Applied {
		tag, err := tx.Exec(ctx, `
			UPDATE bookings
			SET scheduled = $3, paid = $4, payment_retry = $5,
			    phase = $6, state = $7, version = $8, state_entered_at = $9
			WHERE id = $1 AND version = $2
		`, b.ID, b.Version,
			tr.Booking.Scheduled, tr.Booking.Paid, tr.Booking.PaymentRetry,
			string(tr.Booking.Phase), string(tr.Booking.State()),
			tr.Booking.Version, tr.Booking.StateEnteredAt)
		if err != nil {
			return domain.TransitionOutcome{}, err
		}
		if tag.RowsAffected() == 0 {
			return domain.TransitionOutcome{}, domain.ErrVersionConflict
		}

		for _, eff := range tr.Effects {
			if err := r.enqueueEffectTx(ctx, tx, traceID, tr.Booking, ev, eff); err != nil {
				return domain.TransitionOutcome{}, err
			}
		}
	}

	outcome := string(tr.Booking.State())
	if !tr.Applied {
		outcome = "noop:" + outcome
	}
	if err := r.commitLedgerTx(ctx, tx, ev.EventID, outcome); err != nil {
		return domain.TransitionOutcome{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return domain.TransitionOutcome{}, err
	}

	return domain.TransitionOutcome{
		EventID: ev.EventID,
		State:   tr.Booking.State(),
		Applied: tr.Applied,
	}, nil
}

// enqueueEffectTx turns one declarative side effect into an outbox row (and,
// for review flags, an operator-visible row as well).
func (r *Repository) enqueueEffectTx(ctx context.Context, tx pgx.Tx, traceID string, b domain.Booking, ev domain.InboundEvent, eff domain.SideEffect) error {
	if eff.Kind == domain.EffectFlagForReview {
		if err := r.insertReviewFlagTx(ctx, tx, &b.ID, ev.EventID, eff.Reason, ""); err != nil {
			return err
		}
	}

	messageID := uuid.New()
	payload, err := json.Marshal(notify.Envelope[notify.SideEffectPayload]{
		Version:    1,
		Producer:   "booking-reconciler",
		TraceID:    traceID,
		MessageID:  messageID.String(),
		OccurredAt: time.Now().UTC(),
		Payload: notify.SideEffectPayload{
			BookingID:   b.ID.String(),
			State:       string(b.State()),
			Effect:      string(eff.Kind),
			Reason:      eff.Reason,
			ScheduleRef: b.ScheduleRef,
			PaymentRef:  b.PaymentRef,
			Amount:      b.Amount,
			Currency:    b.Currency,
			EventID:     ev.EventID,
		},
	})
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO outbox (id, message_id, trace_id, routing_key, payload, occurred_at, status, attempt, next_retry_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), 'pending', 0, NOW())
	`, uuid.New(), messageID, traceID, notify.RoutingKey(eff.Kind), payload)
	return err
}

// ListStalled returns bookings overdue for a sweeper-driven transition:
// open bookings past the booking TTL, PAID bookings past the settle delay
// (finalize safety net for a crash between the PAID commit and its finalize
// event), and refunds pending past the review window.
func (r *Repository) ListStalled(ctx context.Context, now time.Time, bookingTTL, refundReviewAfter, settleDelay time.Duration, limit int) ([]domain.Booking, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE (phase = 'open' AND NOT (scheduled AND paid) AND state_entered_at < $1)
		   OR (phase = 'open' AND scheduled AND paid AND state_entered_at < $2)
		   OR (phase = 'refund_pending' AND state_entered_at < $3)
		ORDER BY state_entered_at ASC
		LIMIT $4
	`, now.Add(-bookingTTL), now.Add(-settleDelay), now.Add(-refundReviewAfter), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}
