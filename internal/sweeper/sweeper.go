package sweeper

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/liam-jons/buildappswith-reconciler/internal/audit"
	"github.com/liam-jons/buildappswith-reconciler/internal/domain"
	"github.com/liam-jons/buildappswith-reconciler/internal/pkg/logger"
	"github.com/liam-jons/buildappswith-reconciler/internal/service"
)

const stalledBatchSize = 100

// Applier is the slice of the reconcile service the sweeper needs.
type Applier interface {
	ApplyEvent(ctx context.Context, traceID string, ev domain.InboundEvent) (domain.TransitionOutcome, error)
}

type Config struct {
	Interval time.Duration // default 60s

	BookingTTL        time.Duration // expiry window from last transition, default 15m
	RefundReviewAfter time.Duration // REFUND_PENDING stall window
	SettleDelay       time.Duration // PAID finalize safety net
	ReservationTTL    time.Duration // uncommitted ledger reservations
}

func (c *Config) defaults() {
	if c.Interval <= 0 {
		c.Interval = 60 * time.Second
	}
	if c.BookingTTL <= 0 {
		c.BookingTTL = 15 * time.Minute
	}
	if c.RefundReviewAfter <= 0 {
		c.RefundReviewAfter = 1 * time.Hour
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = 2 * time.Minute
	}
	if c.ReservationTTL <= 0 {
		c.ReservationTTL = 2 * time.Minute
	}
}

// Sweeper force-transitions bookings stuck in transient states and closes
// out ledger reservations left behind by crashed handlers. All transitions
// flow through the same ApplyEvent pipeline as real webhooks, so every sweep
// pass is idempotent.
type Sweeper struct {
	repo    domain.ReconcileRepository
	applier Applier
	audit   *audit.Logger
	cfg     Config
}

func New(repo domain.ReconcileRepository, applier Applier, auditLog *audit.Logger, cfg Config) *Sweeper {
	cfg.defaults()
	return &Sweeper{repo: repo, applier: applier, audit: auditLog, cfg: cfg}
}

// Start runs the sweep loop until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) {
	go func() {
		log := logger.Logger.With().Str("component", "sweeper").Logger()
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("stopped")
				return
			case <-ticker.C:
				report, err := s.Sweep(ctx, time.Now().UTC())
				if err != nil {
					log.Warn().Err(err).Msg("sweep pass failed")
					continue
				}
				s.audit.SweepCompleted(report.Processed, report.Flagged)
			}
		}
	}()
}

type Report struct {
	Processed int
	Flagged   int
}

// Sweep runs one pass: overdue bookings first, stale reservations second.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) (Report, error) {
	var report Report

	traceID := "sweep-" + uuid.NewString()
	log := logger.Logger.With().Str("component", "sweeper").Str("trace_id", traceID).Logger()

	stalled, err := s.repo.ListStalled(ctx, now,
		s.cfg.BookingTTL, s.cfg.RefundReviewAfter, s.cfg.SettleDelay, stalledBatchSize)
	if err != nil {
		return report, fmt.Errorf("list stalled: %w", err)
	}

	for _, b := range stalled {
		ev := s.synthesize(b, now)
		out, err := s.applier.ApplyEvent(ctx, traceID, ev)
		if err != nil {
			// Transient; the booking stays overdue and the next pass retries.
			log.Warn().Err(err).Str("booking_id", b.ID.String()).Msg("sweep transition failed")
			continue
		}
		if out.Applied {
			report.Processed++
			if out.State == domain.StateExpired {
				s.audit.BookingExpired(b.ID, b.State())
			}
			if out.State == domain.StateRefundPending {
				// A refund stall keeps its state; the applied transition was
				// the operator flag.
				report.Flagged++
			}
		}
	}

	stale, err := s.repo.ListStaleReservations(ctx, now.Add(-s.cfg.ReservationTTL), stalledBatchSize)
	if err != nil {
		return report, fmt.Errorf("list stale reservations: %w", err)
	}
	for _, r := range stale {
		flagged, err := s.repo.ReconcileStaleReservation(ctx, traceID, r)
		if err != nil {
			log.Warn().Err(err).Str("event_id", r.EventID).Msg("stale reservation reconcile failed")
			continue
		}
		report.Processed++
		if flagged {
			report.Flagged++
		}
	}

	return report, nil
}

// synthesize picks the internal event an overdue booking needs: finalize for
// PAID, timeout for everything else.
func (s *Sweeper) synthesize(b domain.Booking, now time.Time) domain.InboundEvent {
	typ := domain.EventBookingTimeout
	if b.State() == domain.StatePaid {
		typ = domain.EventBookingFinalize
	}
	return domain.InboundEvent{
		EventID:           TimeoutEventID(b),
		Source:            domain.SourceInternal,
		Type:              typ,
		CorrelationKey:    b.ScheduleRef,
		ReceivedAt:        now,
		ProviderTimestamp: now,
	}
}

// TimeoutEventID derives a deterministic event id from the booking id and
// the moment it entered its current state, so overlapping sweep passes
// dedupe against each other in the ledger.
func TimeoutEventID(b domain.Booking) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%d", b.ID, b.StateEnteredAt.UnixNano())))
	return "sweep:" + hex.EncodeToString(h[:16])
}

var _ Applier = (*service.ReconcileService)(nil)
