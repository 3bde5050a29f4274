package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Dado-hash/fundings-screener/internal/alerting"
	"github.com/Dado-hash/fundings-screener/internal/market"
	"github.com/Dado-hash/fundings-screener/internal/opportunity"
	"github.com/Dado-hash/fundings-screener/internal/scheduler"
	"github.com/Dado-hash/fundings-screener/internal/storage"
)

// SnapshotSource serves the current snapshot. cache.SnapshotCache satisfies it.
type SnapshotSource interface {
	Get(ctx context.Context, now time.Time) (market.Snapshot, error)
}

type subscriberDeactivator interface {
	DeactivateSubscriber(ctx context.Context, chatID int64) error
}

// Options tune tick processing.
type Options struct {
	HighSpreadThreshold float64
	// AdvisoryLockKey guards ticks across replicas. Zero disables the lock.
	AdvisoryLockKey int64
}

// Service decides which alerts are due on each tick and delivers them.
type Service struct {
	scheduler   *scheduler.Scheduler
	snapshots   SnapshotSource
	store       storage.SubscriptionStore
	deactivator subscriberDeactivator
	notifier    alerting.Notifier
	logger      zerolog.Logger

	threshold float64
	locker    storage.AdvisoryLocker
	lockKey   int64

	deliveries metric.Int64Counter
}

// New constructs the notification service.
func New(opts Options, sched *scheduler.Scheduler, snapshots SnapshotSource, store storage.SubscriptionStore, notifier alerting.Notifier, logger zerolog.Logger) *Service {
	threshold := opts.HighSpreadThreshold
	if threshold <= 0 {
		threshold = opportunity.DefaultHighSpreadThreshold
	}

	var locker storage.AdvisoryLocker
	if l, ok := store.(storage.AdvisoryLocker); ok {
		locker = l
	}
	var deactivator subscriberDeactivator
	if d, ok := store.(subscriberDeactivator); ok {
		deactivator = d
	}

	deliveries, _ := otel.Meter("fundings-screener/service").Int64Counter("notifications.deliveries",
		metric.WithDescription("Alert deliveries by status"),
		metric.WithUnit("{delivery}"))

	return &Service{
		scheduler:   sched,
		snapshots:   snapshots,
		store:       store,
		deactivator: deactivator,
		notifier:    notifier,
		logger:      logger.With().Str("component", "service").Logger(),
		threshold:   threshold,
		locker:      locker,
		lockKey:     opts.AdvisoryLockKey,
		deliveries:  deliveries,
	}
}

// Run begins the fixed-rate notification loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.ProcessTick)
}

// ProcessTick 执行一次调度：筛选到期告警并投递。
func (s *Service) ProcessTick(ctx context.Context, now time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("tick", now).Msg("skip tick because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	return s.executeTick(ctx, now)
}

// DueAlerts keeps the candidates whose interval has elapsed at now, ordered by id.
func DueAlerts(candidates []storage.AlertConfig, now time.Time) []storage.AlertConfig {
	due := make([]storage.AlertConfig, 0, len(candidates))
	for _, c := range candidates {
		if c.IsDue(now) {
			due = append(due, c)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	return due
}

func (s *Service) executeTick(ctx context.Context, now time.Time) error {
	logger := s.logger.With().Str("tick_id", uuid.NewString()).Time("tick", now).Logger()

	candidates, err := s.store.ListActiveDueCandidates(ctx)
	if err != nil {
		return fmt.Errorf("list due candidates: %w", err)
	}
	due := DueAlerts(candidates, now)
	if len(due) == 0 {
		logger.Debug().Int("candidates", len(candidates)).Msg("no alerts due")
		return nil
	}

	// one snapshot serves the whole batch
	snap, err := s.snapshots.Get(ctx, now)
	if err != nil {
		return fmt.Errorf("obtain snapshot: %w", err)
	}

	counts := make(map[storage.DeliveryStatus]int, 3)
	for _, alert := range due {
		if ctx.Err() != nil {
			logger.Warn().Int64("alert_id", alert.ID).Msg("tick cancelled; remaining alerts retry next tick")
			break
		}
		status := s.deliver(ctx, logger, alert, snap, now)
		counts[status]++
	}

	logger.Info().
		Int("candidates", len(candidates)).
		Int("due", len(due)).
		Int("sent", counts[storage.StatusSent]).
		Int("no_data", counts[storage.StatusNoData]).
		Int("failed", counts[storage.StatusFailed]).
		Msg("tick processed")
	return nil
}

func (s *Service) deliver(ctx context.Context, logger zerolog.Logger, alert storage.AlertConfig, snap market.Snapshot, now time.Time) storage.DeliveryStatus {
	log := logger.With().Int64("alert_id", alert.ID).Int64("subscriber_id", alert.SubscriberID).Logger()

	ops := opportunity.Apply(snap, alert.Criteria(s.threshold))
	if len(ops) == 0 {
		s.advance(ctx, log, alert, now)
		s.record(ctx, log, alert, now, 0, storage.StatusNoData)
		log.Info().Str("status", string(storage.StatusNoData)).Msg("no opportunities for alert")
		return storage.StatusNoData
	}

	message := alerting.RenderOpportunities(alert, ops, now)
	if err := s.notifier.Send(ctx, alert.SubscriberID, message); err != nil {
		s.record(ctx, log, alert, now, len(ops), storage.StatusFailed)
		log.Warn().Err(err).
			Str("status", string(storage.StatusFailed)).
			Int("opportunities", len(ops)).
			Msg("delivery failed; will retry next tick")
		if errors.Is(err, alerting.ErrChatUnreachable) {
			s.deactivate(ctx, log, alert.SubscriberID)
		}
		return storage.StatusFailed
	}

	s.advance(ctx, log, alert, now)
	s.record(ctx, log, alert, now, len(ops), storage.StatusSent)
	log.Info().
		Str("status", string(storage.StatusSent)).
		Int("opportunities", len(ops)).
		Msg("alert delivered")
	return storage.StatusSent
}

func (s *Service) advance(ctx context.Context, log zerolog.Logger, alert storage.AlertConfig, now time.Time) {
	if err := s.store.AdvanceLastSent(ctx, alert.ID, now); err != nil {
		log.Error().Err(err).Msg("failed to advance last sent")
	}
}

func (s *Service) record(ctx context.Context, log zerolog.Logger, alert storage.AlertConfig, now time.Time, count int, status storage.DeliveryStatus) {
	if s.deliveries != nil {
		s.deliveries.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
	}
	rec := storage.DeliveryRecord{
		SubscriberID:     alert.SubscriberID,
		AlertID:          alert.ID,
		SentAt:           now,
		OpportunityCount: count,
		Status:           status,
	}
	if err := s.store.AppendDeliveryRecord(ctx, rec); err != nil {
		log.Error().Err(err).Str("status", string(status)).Msg("failed to append delivery record")
	}
}

func (s *Service) deactivate(ctx context.Context, log zerolog.Logger, chatID int64) {
	if s.deactivator == nil {
		return
	}
	if err := s.deactivator.DeactivateSubscriber(ctx, chatID); err != nil {
		log.Error().Err(err).Msg("failed to deactivate unreachable subscriber")
		return
	}
	log.Info().Msg("subscriber deactivated: chat unreachable")
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
