// Package worker drains the durable webhook queue: events that were stored
// but not applied inline, retries after transient failures, and deferred
// refunds that became applicable.
package worker

import (
	"context"
	"sync"
	"time"

	"payment-reconciler/internal/config"
	"payment-reconciler/internal/model"
	"payment-reconciler/internal/service"

	"go.uber.org/zap"
)

// Queue is the part of the event store the pool reads from.
type Queue interface {
	ListDue(ctx context.Context, now time.Time, limit int) ([]*model.WebhookEvent, error)
}

type Pool struct {
	queue   Queue
	webhook service.WebhookService
	workers int
	poll    time.Duration
	logger  *zap.Logger

	jobs chan string
	wake chan struct{}
	wg   sync.WaitGroup
}

func NewPool(queue Queue, webhook service.WebhookService, cfg config.Webhook, logger *zap.Logger) *Pool {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = time.Second
	}

	return &Pool{
		queue:   queue,
		webhook: webhook,
		workers: workers,
		poll:    poll,
		logger:  logger,
		jobs:    make(chan string),
		wake:    make(chan struct{}, 1),
	}
}

// Start launches the dispatcher and workers. They stop when ctx is done;
// Wait blocks until they have.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.work(ctx, i)
	}

	p.wg.Add(1)
	go p.dispatch(ctx)
}

func (p *Pool) Wait() {
	p.wg.Wait()
}

// Notify wakes the dispatcher before the next poll.
func (p *Pool) Notify() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pool) dispatch(ctx context.Context) {
	defer p.wg.Done()
	defer close(p.jobs)

	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()

	for {
		p.drain(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-p.wake:
		}
	}
}

func (p *Pool) drain(ctx context.Context) {
	due, err := p.queue.ListDue(ctx, time.Now().UTC(), p.workers*4)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Error("list due webhook events", zap.Error(err))
		}
		return
	}

	for _, ev := range due {
		select {
		case p.jobs <- ev.EventID:
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pool) work(ctx context.Context, id int) {
	defer p.wg.Done()

	for eventID := range p.jobs {
		if ctx.Err() != nil {
			return
		}
		p.RunOne(ctx, eventID)
	}
	p.logger.Debug("worker stopped", zap.Int("worker", id))
}

// RunOne claims and applies one event. It reports whether this call did
// the work; false means another processor holds the event or it is done.
func (p *Pool) RunOne(ctx context.Context, eventID string) bool {
	claimed, err := p.webhook.Claim(ctx, eventID)
	if err != nil {
		p.logger.Error("claim webhook event", zap.String("event_id", eventID), zap.Error(err))
		return false
	}
	if !claimed {
		return false
	}

	res, err := p.webhook.Process(ctx, eventID)
	if err != nil {
		p.logger.Warn("webhook event failed", zap.String("event_id", eventID), zap.Error(err))
		return true
	}
	p.logger.Debug("webhook event processed",
		zap.String("event_id", eventID),
		zap.String("outcome", string(res.Outcome)),
	)
	return true
}
