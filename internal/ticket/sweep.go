package ticket

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/lvdashuaibi/farepass/config"
	"github.com/lvdashuaibi/farepass/internal/lock"
	"github.com/lvdashuaibi/farepass/internal/metrics"
	"github.com/lvdashuaibi/farepass/internal/model"
	"github.com/lvdashuaibi/farepass/internal/repository"
)

const SweepLeaseName = "farepass:sweep:lease"

var ErrSweepInProgress = errors.New("sweep already running in this process")

// Sweeper 过期清理任务. 补写账本写入失败的核验, 并标记过期未核验的票据
type Sweeper struct {
	ledger   Ledger
	store    TokenStore
	events   Publisher
	lock     lock.Lock
	clock    clockwork.Clock
	logger   *zap.Logger
	grace    time.Duration
	batch    int
	leaseTTL time.Duration

	publishTimeout time.Duration

	running atomic.Bool
}

func NewSweeper(
	ledger Ledger,
	store TokenStore,
	events Publisher,
	l lock.Lock,
	cfg config.TicketConfig,
	leaseTTL time.Duration,
	clock clockwork.Clock,
	logger *zap.Logger,
) *Sweeper {
	return &Sweeper{
		ledger:   ledger,
		store:    store,
		events:   events,
		lock:     l,
		clock:    clock,
		logger:   logger.With(zap.String("component", "sweep")),
		grace:    cfg.SweepGrace,
		batch:    cfg.SweepBatch,
		leaseTTL: leaseTTL,

		publishTimeout: cfg.PublishTimeout,
	}
}

// Run 执行一轮清理, 返回本轮标记过期的票据数. 其他实例持有清理锁时返回0
func (s *Sweeper) Run(ctx context.Context, now time.Time) (int, error) {
	if !s.running.CompareAndSwap(false, true) {
		return 0, ErrSweepInProgress
	}
	defer s.running.Store(false)

	ok, err := s.lock.Acquire(ctx, SweepLeaseName, s.leaseTTL)
	if err != nil {
		metrics.SweepRuns.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("acquire sweep lease: %w", err)
	}
	if !ok {
		metrics.SweepRuns.WithLabelValues("skipped").Inc()
		s.logger.Debug("sweep lease held elsewhere")
		return 0, nil
	}

	held, release := lock.Hold(ctx, s.lock, SweepLeaseName, s.leaseTTL, s.clock, s.logger)
	defer release()

	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	reconciled, err := s.reconcile(held)
	if err != nil {
		metrics.SweepRuns.WithLabelValues("error").Inc()
		return 0, err
	}

	expired, err := s.expire(held, now.UTC().Truncate(time.Millisecond))
	if err != nil {
		metrics.SweepRuns.WithLabelValues("error").Inc()
		return expired, err
	}

	metrics.SweepRuns.WithLabelValues("ok").Inc()
	if reconciled > 0 || expired > 0 {
		s.logger.Info("sweep finished", zap.Int("reconciled", reconciled), zap.Int("expired", expired))
	}
	return expired, nil
}

// reconcile 在标记过期之前补写所有待补写核验
func (s *Sweeper) reconcile(ctx context.Context) (int, error) {
	ids, err := s.store.ListPending(ctx)
	if err != nil {
		return 0, fmt.Errorf("list pending validations: %w", err)
	}

	var applied int
	for _, id := range ids {
		p, err := s.store.ClaimPending(ctx, id, "")
		if err != nil {
			return applied, fmt.Errorf("claim pending validation %s: %w", id, err)
		}
		if p == nil {
			continue
		}

		t, flipped, err := s.ledger.MarkValidated(ctx, p.TicketID, p.ValidatorID, p.UsedAt)
		if errors.Is(err, repository.ErrTicketNotFound) {
			s.logger.Error("pending validation for missing ticket dropped",
				zap.String("token_id", p.TokenID), zap.Int64("ticket_id", p.TicketID))
			continue
		}
		if err != nil {
			s.requeue(ctx, *p)
			return applied, fmt.Errorf("apply pending validation %s: %w", id, err)
		}

		owned := t.IsValidated && t.ValidatedBy != nil && *t.ValidatedBy == p.ValidatorID
		if !flipped && !owned {
			s.logger.Error("pending validation declined by ledger",
				zap.Int64("ticket_id", t.ID),
				zap.String("validator_id", p.ValidatorID),
				zap.Bool("is_expired", t.IsExpired))
			continue
		}

		applied++
		metrics.PendingReconciled.Inc()
		if err := s.store.MarkReconciled(ctx, p.TokenID, p.ValidatorID, t.ExpiresAt); err != nil {
			s.logger.Warn("mark reconciled failed", zap.String("token_id", p.TokenID), zap.Error(err))
		}
		s.publish(ctx, model.TicketValidated{
			TicketID:    t.ID,
			HolderID:    t.HolderID,
			TripID:      t.TripID,
			Timestamp:   p.UsedAt,
			ValidatorID: p.ValidatorID,
			IsPaid:      t.IsPaid,
		})
	}
	return applied, nil
}

func (s *Sweeper) requeue(ctx context.Context, p model.PendingValidation) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rollbackTimeout)
	defer cancel()
	if err := s.store.SavePending(rctx, p); err != nil {
		s.logger.Error("requeue pending validation failed",
			zap.String("token_id", p.TokenID), zap.Int64("ticket_id", p.TicketID), zap.Error(err))
	}
}

// expire 标记 expires_at < now - grace 的未核验票据. 刚通过原子核验、账本
// 写入尚未完成的票据被跳过, 由核验流程或下一轮的补写处理. 一批中没有任何
// 进展时结束本轮.
func (s *Sweeper) expire(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-s.grace)

	var expired int
	for {
		if err := ctx.Err(); err != nil {
			return expired, fmt.Errorf("sweep interrupted: %w", err)
		}

		ids, err := s.ledger.FindExpirable(ctx, cutoff, s.batch)
		if err != nil {
			return expired, fmt.Errorf("find expirable tickets: %w", err)
		}

		var progressed int
		for _, id := range ids {
			inFlight, err := s.store.RedemptionInFlight(ctx, id)
			if err != nil {
				return expired, fmt.Errorf("check redemption of ticket %d: %w", id, err)
			}
			if inFlight {
				s.logger.Debug("ticket redeemed, ledger write pending", zap.Int64("ticket_id", id))
				continue
			}

			t, flipped, err := s.ledger.MarkExpired(ctx, id, now)
			if errors.Is(err, repository.ErrTicketNotFound) {
				continue
			}
			if err != nil {
				return expired, fmt.Errorf("mark ticket %d expired: %w", id, err)
			}
			if !flipped {
				continue
			}

			progressed++
			expired++
			metrics.TicketsExpired.Inc()
			s.publish(ctx, model.TicketExpired{
				TicketID:  t.ID,
				HolderID:  t.HolderID,
				TripID:    t.TripID,
				Timestamp: now,
			})
		}

		if len(ids) < s.batch || progressed == 0 {
			return expired, nil
		}
	}
}

func (s *Sweeper) publish(ctx context.Context, e model.Event) {
	publishEvent(ctx, s.events, s.publishTimeout, s.logger, e)
}

// Schedule 每隔interval执行一轮清理, 上一轮未结束时跳过
func (s *Sweeper) Schedule(ctx context.Context, interval time.Duration) (gocron.Scheduler, error) {
	sched, err := gocron.NewScheduler(gocron.WithClock(s.clock))
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			n, err := s.Run(ctx, s.clock.Now())
			switch {
			case errors.Is(err, ErrSweepInProgress):
				s.logger.Debug("previous sweep still running")
			case err != nil:
				s.logger.Error("sweep failed", zap.Int("expired", n), zap.Error(err))
			}
		}),
		gocron.WithName("expiration-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithEventListeners(
			gocron.AfterJobRunsWithPanic(func(_ uuid.UUID, name string, recoverData any) {
				s.logger.Error("sweep panicked", zap.String("job", name), zap.Any("panic", recoverData))
			}),
		),
	)
	if err != nil {
		_ = sched.Shutdown()
		return nil, fmt.Errorf("schedule sweep: %w", err)
	}

	sched.Start()
	return sched, nil
}
