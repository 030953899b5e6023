// Package scheduler runs the background replay sweep. Ledger rows that were
// acknowledged but never reconciled are picked up here and pushed through the
// same state machine the synchronous path uses.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
	auditdomain "github.com/stencilworks/tally/internal/audit/domain"
	"github.com/stencilworks/tally/internal/clock"
	ledgerdomain "github.com/stencilworks/tally/internal/ledger/domain"
	obsmetrics "github.com/stencilworks/tally/internal/observability/metrics"
	"github.com/stencilworks/tally/internal/ratelimit"
	subscriptiondomain "github.com/stencilworks/tally/internal/subscription/domain"
	"github.com/stencilworks/tally/internal/webhook"
	webhookdomain "github.com/stencilworks/tally/internal/webhook/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const sweepLockKey = "tally:sweep:ledger"

var ErrInvalidConfig = errors.New("invalid_sweeper_config")

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	LedgerRepo ledgerdomain.Repository
	Reconciler subscriptiondomain.Service
	AuditSvc   auditdomain.Service
	Locker     *ratelimit.Locker   `optional:"true"`
	Metrics    *obsmetrics.Metrics `optional:"true"`
	Config     Config              `optional:"true"`
}

type Sweeper struct {
	db         *gorm.DB
	log        *zap.Logger
	cfg        Config
	clock      clock.Clock
	ledgerRepo ledgerdomain.Repository
	reconciler subscriptiondomain.Service
	auditSvc   auditdomain.Service
	locker     *ratelimit.Locker
	metrics    *obsmetrics.Metrics
}

func New(p Params) (*Sweeper, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil || p.LedgerRepo == nil || p.Reconciler == nil || p.AuditSvc == nil {
		return nil, ErrInvalidConfig
	}
	return &Sweeper{
		db:         p.DB,
		log:        p.Log.Named("scheduler.sweep"),
		cfg:        p.Config.withDefaults(),
		clock:      p.Clock,
		ledgerRepo: p.LedgerRepo,
		reconciler: p.Reconciler,
		auditSvc:   p.AuditSvc,
		locker:     p.Locker,
		metrics:    p.Metrics,
	}, nil
}

// RunOnce replays one batch of unapplied ledger rows. Only one instance
// sweeps at a time; losing the lock skips the run without error.
func (s *Sweeper) RunOnce(ctx context.Context) error {
	runID := ulid.Make().String()
	log := s.log.With(zap.String("run_id", runID))

	if s.locker != nil {
		token, ok, err := s.locker.TryLock(ctx, sweepLockKey, s.cfg.LockTTL)
		if err != nil {
			// A dead lock backend degrades to unguarded sweeping. Replay
			// is idempotent, so a duplicate run wastes work but stays safe.
			log.Warn("sweep lock unavailable", zap.Error(err))
		} else if !ok {
			return nil
		} else {
			defer func() {
				if err := s.locker.Release(ctx, sweepLockKey, token); err != nil {
					log.Warn("sweep lock release failed", zap.Error(err))
				}
			}()
		}
	}

	s.metrics.IncSweepRun()

	entries, err := s.ledgerRepo.ListUnapplied(ctx, s.db, s.cfg.BatchSize, s.cfg.MaxAttempts)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		return nil
	}

	log.Info("replaying unapplied events", zap.Int("count", len(entries)))
	for i := range entries {
		s.replayEntry(ctx, log, &entries[i])
	}
	return nil
}

func (s *Sweeper) replayEntry(ctx context.Context, log *zap.Logger, entry *ledgerdomain.Entry) {
	event, err := webhook.ParseLedgerPayload(entry.Payload)
	if err != nil {
		// A payload that fails to parse will never succeed; retire it.
		reason := webhookdomain.ErrMalformedEvent.Error()
		if markErr := s.ledgerRepo.MarkApplied(ctx, s.db, entry.ID, s.clock.Now(), &reason); markErr != nil {
			log.Error("retire malformed entry failed", zap.String("event_id", entry.EventID), zap.Error(markErr))
			return
		}
		s.metrics.IncSweepEntry("malformed")
		log.Warn("retired malformed ledger entry", zap.String("event_id", entry.EventID))
		return
	}

	_, err = s.reconciler.Apply(ctx, event)
	switch {
	case err == nil:
		if markErr := s.ledgerRepo.MarkApplied(ctx, s.db, entry.ID, s.clock.Now(), nil); markErr != nil {
			log.Error("mark applied failed", zap.String("event_id", entry.EventID), zap.Error(markErr))
			return
		}
		s.metrics.IncSweepEntry(obsmetrics.OutcomeApplied)
		log.Info("replayed event", zap.String("event_id", entry.EventID), zap.String("account_id", entry.AccountID))

	case errors.Is(err, subscriptiondomain.ErrStaleEvent):
		reason := subscriptiondomain.ErrStaleEvent.Error()
		if markErr := s.ledgerRepo.MarkApplied(ctx, s.db, entry.ID, s.clock.Now(), &reason); markErr != nil {
			log.Error("mark stale failed", zap.String("event_id", entry.EventID), zap.Error(markErr))
			return
		}
		s.metrics.IncSweepEntry(obsmetrics.OutcomeStale)

	default:
		if markErr := s.ledgerRepo.MarkFailed(ctx, s.db, entry.ID, err.Error()); markErr != nil {
			log.Error("mark failed errored", zap.String("event_id", entry.EventID), zap.Error(markErr))
			return
		}
		s.metrics.IncSweepEntry(obsmetrics.OutcomeFailed)

		if entry.Attempts+1 >= s.cfg.MaxAttempts {
			s.recordExhausted(ctx, entry, err)
			log.Error("replay attempts exhausted",
				zap.String("event_id", entry.EventID),
				zap.String("account_id", entry.AccountID),
				zap.Int("attempts", entry.Attempts+1),
				zap.Error(err),
			)
			return
		}
		log.Warn("replay failed, will retry",
			zap.String("event_id", entry.EventID),
			zap.Int("attempts", entry.Attempts+1),
			zap.Error(err),
		)
	}
}

func (s *Sweeper) recordExhausted(ctx context.Context, entry *ledgerdomain.Entry, cause error) {
	eventID := entry.EventID
	if err := s.auditSvc.Record(ctx, auditdomain.ActorTypeSystem, nil, "ledger.replay_exhausted", "event_ledger", &eventID, map[string]any{
		"account_id": entry.AccountID,
		"event_type": entry.EventType,
		"attempts":   entry.Attempts + 1,
		"error":      cause.Error(),
	}); err != nil {
		s.log.Warn("exhaustion audit failed", zap.String("event_id", eventID), zap.Error(err))
	}
	s.metrics.IncSweepEntry("exhausted")
}

// RunForever loops RunOnce on the configured interval until ctx ends.
func (s *Sweeper) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()

	for {
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("sweep run failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Cancellation and a tick can race; never start another run
			// after the context ended.
			if ctx.Err() != nil {
				return
			}
		}
	}
}
