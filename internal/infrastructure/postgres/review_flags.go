package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/liam-jons/buildappswith-reconciler/internal/contracts/notify"
	"github.com/liam-jons/buildappswith-reconciler/internal/domain"
)

func (r *Repository) insertReviewFlagTx(ctx context.Context, tx pgx.Tx, bookingID *uuid.UUID, eventID, reason, details string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO review_flags (id, booking_id, event_id, reason, details, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, uuid.New(), bookingID, eventID, reason, details)
	return err
}

// enqueueReviewFlagMessageTx mirrors a flag into the outbox for flags raised
// outside a booking transition (no booking row to hang the effect on).
func (r *Repository) enqueueReviewFlagMessageTx(ctx context.Context, tx pgx.Tx, traceID, eventID, reason, details string) error {
	messageID := uuid.New()
	payload, err := json.Marshal(notify.Envelope[notify.ReviewFlagPayload]{
		Version:    1,
		Producer:   "booking-reconciler",
		TraceID:    traceID,
		MessageID:  messageID.String(),
		OccurredAt: time.Now().UTC(),
		Payload: notify.ReviewFlagPayload{
			EventID: eventID,
			Reason:  reason,
			Details: details,
		},
	})
	if err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO outbox (id, message_id, trace_id, routing_key, payload, occurred_at, status, attempt, next_retry_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), 'pending', 0, NOW())
	`, uuid.New(), messageID, traceID, notify.RoutingKey(domain.EffectFlagForReview), payload)
	return err
}

func (r *Repository) ListOpenReviewFlags(ctx context.Context, limit int) ([]domain.ReviewFlag, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, booking_id, event_id, reason, details, created_at, resolved_at
		FROM review_flags
		WHERE resolved_at IS NULL
		ORDER BY created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ReviewFlag
	for rows.Next() {
		var f domain.ReviewFlag
		if err := rows.Scan(&f.ID, &f.BookingID, &f.EventID, &f.Reason, &f.Details, &f.CreatedAt, &f.ResolvedAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (r *Repository) ResolveReviewFlag(ctx context.Context, id uuid.UUID) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE review_flags SET resolved_at = NOW() WHERE id = $1 AND resolved_at IS NULL`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Either unknown or already resolved; resolving twice is idempotent,
		// but an unknown id should surface.
		var exists bool
		if err := r.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM review_flags WHERE id = $1)`, id).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return domain.ErrFlagNotFound
		}
	}
	return nil
}
