// Package cron runs the periodic sweeps that keep the webhook queue moving
// when no delivery arrives to do it.
package cron

import (
	"context"
	"errors"
	"fmt"
	"time"

	"payment-reconciler/internal/apperr"
	"payment-reconciler/internal/config"
	"payment-reconciler/internal/model"
	"payment-reconciler/internal/repository"
	"payment-reconciler/internal/service"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

const batchSize = 500

type Report struct {
	Requeued  int
	Expired   int
	Recovered int
}

type Sweeper struct {
	events  repository.WebhookEventRepository
	intents repository.PaymentIntentRepository
	webhook service.WebhookService
	cfg     config.Webhook
	logger  *zap.Logger
	wake    func()
	now     func() time.Time
}

type Option func(*Sweeper)

func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) { s.now = now }
}

// WithWaker sets the callback run after events were put back on the queue.
func WithWaker(fn func()) Option {
	return func(s *Sweeper) { s.wake = fn }
}

func NewSweeper(
	events repository.WebhookEventRepository,
	intents repository.PaymentIntentRepository,
	webhook service.WebhookService,
	cfg config.Webhook,
	logger *zap.Logger,
	opts ...Option,
) *Sweeper {
	s := &Sweeper{
		events:  events,
		intents: intents,
		webhook: webhook,
		cfg:     cfg,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RunOnce runs every sweep in order.
func (s *Sweeper) RunOnce(ctx context.Context) (Report, error) {
	var report Report
	var err error

	if report.Requeued, err = s.ReevaluateDeferred(ctx); err != nil {
		return report, fmt.Errorf("reevaluate deferred events: %w", err)
	}
	if report.Expired, err = s.ExpireDeferred(ctx); err != nil {
		return report, fmt.Errorf("expire deferred events: %w", err)
	}
	if report.Recovered, err = s.RecoverStale(ctx); err != nil {
		return report, fmt.Errorf("recover stale events: %w", err)
	}

	if report.Requeued+report.Recovered > 0 && s.wake != nil {
		s.wake()
	}
	return report, nil
}

// ReevaluateDeferred requeues deferred refunds whose intent has left the
// created and pending states since they were deferred.
func (s *Sweeper) ReevaluateDeferred(ctx context.Context) (int, error) {
	deferred, err := s.events.ListDeferred(ctx, batchSize)
	if err != nil {
		return 0, err
	}

	var ready []string
	for _, ev := range deferred {
		pi, err := s.intents.FindByID(ctx, nil, ev.PaymentIntentID)
		if err != nil && !errors.Is(err, apperr.ErrPaymentIntentNotFound) {
			return 0, err
		}
		if pi != nil && (pi.Status == model.PaymentCreated || pi.Status == model.PaymentPending) {
			continue
		}
		ready = append(ready, ev.EventID)
	}

	if err := s.events.Requeue(ctx, nil, ready, s.now()); err != nil {
		return 0, err
	}
	if len(ready) > 0 {
		s.logger.Info("deferred events requeued", zap.Strings("event_ids", ready))
	}
	return len(ready), nil
}

// ExpireDeferred dead-letters deferred events older than the deferred window.
func (s *Sweeper) ExpireDeferred(ctx context.Context) (int, error) {
	deferred, err := s.events.ListDeferred(ctx, batchSize)
	if err != nil {
		return 0, err
	}

	now := s.now()
	cutoff := now.Add(-s.cfg.DeferredWindow)
	expired := 0
	for _, ev := range deferred {
		if !ev.ReceivedAt.Before(cutoff) {
			continue
		}
		if err := s.events.DeadLetter(ctx, ev.EventID, "deferred past window", now); err != nil {
			return expired, err
		}
		s.logger.Warn("deferred event dead-lettered",
			zap.String("event_id", ev.EventID),
			zap.String("payment_intent_id", ev.PaymentIntentID),
			zap.Time("received_at", ev.ReceivedAt),
		)
		expired++
	}
	return expired, nil
}

// RecoverStale finds events whose processor died holding the lease and
// schedules them again, counting the lost run as a failed attempt.
func (s *Sweeper) RecoverStale(ctx context.Context) (int, error) {
	now := s.now()
	stale, err := s.events.ListStale(ctx, now.Add(-s.cfg.StaleAfter), now, batchSize)
	if err != nil {
		return 0, err
	}

	for i, ev := range stale {
		if err := s.webhook.Fail(ctx, ev, errors.New("lease expired before an outcome was written")); err != nil {
			return i, err
		}
	}
	return len(stale), nil
}

// Scheduler runs the sweeps on a gocron scheduler.
type Scheduler struct {
	sched   gocron.Scheduler
	sweeper *Sweeper
	logger  *zap.Logger
}

func NewScheduler(ctx context.Context, sweeper *Sweeper, interval time.Duration, logger *zap.Logger) (*Scheduler, error) {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	s := &Scheduler{sched: sched, sweeper: sweeper, logger: logger}
	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() { s.run(ctx) }),
		gocron.WithName("webhook-sweep"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return nil, fmt.Errorf("schedule webhook sweep: %w", err)
	}
	return s, nil
}

func (s *Scheduler) run(ctx context.Context) {
	report, err := s.sweeper.RunOnce(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Error("webhook sweep", zap.Error(err))
		}
		return
	}
	if report != (Report{}) {
		s.logger.Info("webhook sweep",
			zap.Int("requeued", report.Requeued),
			zap.Int("expired", report.Expired),
			zap.Int("recovered", report.Recovered),
		)
	}
}

func (s *Scheduler) Start() {
	s.sched.Start()
}

func (s *Scheduler) Shutdown() error {
	return s.sched.Shutdown()
}
