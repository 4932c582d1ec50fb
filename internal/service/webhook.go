package service

import (
	"context"
	"errors"
	"fmt"
	"payment-reconciler/internal/apperr"
	"payment-reconciler/internal/config"
	"payment-reconciler/internal/dispatch"
	"payment-reconciler/internal/model"
	"payment-reconciler/internal/notify"
	"payment-reconciler/internal/paymentstate"
	"payment-reconciler/internal/repository"
	"payment-reconciler/internal/signature"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Result is what happened to one delivery.
type Result struct {
	EventID   string
	EventType string
	Outcome   model.EventOutcome
	Reason    string
	// Async is set when the delivery was stored but not applied yet; the
	// worker will pick it up.
	Async bool
	// Err is the domain error behind a rejected outcome.
	Err error
}

type WebhookService interface {
	// Receive authenticates, records and applies one delivery. An error is
	// returned only when the delivery was not durably recorded.
	Receive(ctx context.Context, header string, body []byte) (Result, error)
	// Process applies a recorded event. The caller must hold its lease.
	// A returned error means the event has been scheduled for retry.
	Process(ctx context.Context, eventID string) (Result, error)
	// Fail schedules a retry with backoff, or dead-letters the event once
	// it has used all its attempts.
	Fail(ctx context.Context, event *model.WebhookEvent, cause error) error
	Claim(ctx context.Context, eventID string) (bool, error)
	Replay(ctx context.Context, eventID string) error
	ListEvents(ctx context.Context, outcome model.EventOutcome, limit int) ([]*model.WebhookEvent, error)
	// SetWaker registers a callback run whenever events are queued.
	SetWaker(fn func())
	// Wait blocks until deliveries still being applied in the background
	// have finished or ctx is done.
	Wait(ctx context.Context) error
}

type webhookServiceImpl struct {
	db         *gorm.DB
	cfg        config.Webhook
	verifier   *signature.Verifier
	eventRepo  repository.WebhookEventRepository
	intentRepo repository.PaymentIntentRepository
	refundRepo repository.RefundRepository
	ledgerRepo repository.LedgerRepository
	reconciler ReconcilerService
	publisher  notify.Publisher
	logger     *zap.Logger

	now      func() time.Time
	inflight sync.WaitGroup
	wakeMu   sync.RWMutex
	wake     func()
}

func NewWebhookService(
	db *gorm.DB,
	cfg config.Webhook,
	verifier *signature.Verifier,
	eventRepo repository.WebhookEventRepository,
	intentRepo repository.PaymentIntentRepository,
	refundRepo repository.RefundRepository,
	ledgerRepo repository.LedgerRepository,
	reconciler ReconcilerService,
	publisher notify.Publisher,
	logger *zap.Logger,
) WebhookService {
	return &webhookServiceImpl{
		db:         db,
		cfg:        cfg,
		verifier:   verifier,
		eventRepo:  eventRepo,
		intentRepo: intentRepo,
		refundRepo: refundRepo,
		ledgerRepo: ledgerRepo,
		reconciler: reconciler,
		publisher:  publisher,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (s *webhookServiceImpl) Receive(ctx context.Context, header string, body []byte) (Result, error) {
	if err := s.verifier.Verify(header, body); err != nil {
		s.logger.Warn("webhook signature rejected", zap.Error(err))
		return Result{}, err
	}

	ev, err := dispatch.Decode(body)
	if err != nil {
		s.logger.Warn("webhook payload rejected", zap.Error(err))
		return Result{}, err
	}
	meta := ev.Meta()

	now := s.now()
	lease := now.Add(s.cfg.LeaseDuration)
	row := &model.WebhookEvent{
		EventID:         meta.EventID,
		EventType:       meta.Type,
		PaymentIntentID: meta.PaymentIntentID,
		RawPayload:      datatypes.JSON(body),
		Deliveries:      1,
		NextAttemptAt:   &now,
		LeaseUntil:      &lease,
		ReceivedAt:      now,
	}

	isNew, err := s.eventRepo.RecordIfNew(ctx, row)
	if err != nil {
		return Result{}, fmt.Errorf("record webhook event %s: %w", meta.EventID, err)
	}
	if !isNew {
		s.logger.Info("duplicate webhook delivery",
			zap.String("event_id", meta.EventID),
			zap.String("event_type", meta.Type),
		)
		return Result{
			EventID:   meta.EventID,
			EventType: meta.Type,
			Outcome:   model.OutcomeDuplicate,
			Reason:    "already received",
		}, nil
	}

	type processed struct {
		res Result
		err error
	}
	done := make(chan processed, 1)

	// The delivery keeps being applied after the response if it runs over
	// budget, so it must not inherit the request's cancellation.
	bg := context.WithoutCancel(ctx)
	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()
		res, err := s.Process(bg, meta.EventID)
		done <- processed{res: res, err: err}
	}()

	timer := time.NewTimer(s.cfg.ProcessingBudget)
	defer timer.Stop()

	select {
	case p := <-done:
		if p.err != nil {
			return s.queued(meta, "retry scheduled"), nil
		}
		return p.res, nil
	case <-timer.C:
		s.logger.Info("webhook processing over budget, continuing in background",
			zap.String("event_id", meta.EventID),
			zap.Duration("budget", s.cfg.ProcessingBudget),
		)
		return s.queued(meta, "processing continues asynchronously"), nil
	}
}

func (s *webhookServiceImpl) queued(meta dispatch.Meta, reason string) Result {
	return Result{
		EventID:   meta.EventID,
		EventType: meta.Type,
		Outcome:   model.OutcomeNone,
		Reason:    reason,
		Async:     true,
	}
}

func (s *webhookServiceImpl) Claim(ctx context.Context, eventID string) (bool, error) {
	now := s.now()
	return s.eventRepo.Claim(ctx, eventID, now, now.Add(s.cfg.LeaseDuration))
}

func (s *webhookServiceImpl) Process(ctx context.Context, eventID string) (Result, error) {
	stored, err := s.eventRepo.Get(ctx, eventID)
	if err != nil {
		return Result{}, fmt.Errorf("load webhook event %s: %w", eventID, err)
	}
	res := Result{EventID: stored.EventID, EventType: stored.EventType}

	if stored.Outcome.Final() {
		res.Outcome = stored.Outcome
		res.Reason = stored.Reason
		return res, nil
	}

	ev, err := dispatch.Decode(stored.RawPayload)
	if err != nil {
		return s.finish(ctx, stored, nil, dispatch.Verdict{Outcome: model.OutcomeRejected, Reason: apperr.Reason(err)}, err)
	}

	var h *txHandler
	for attempt := 1; ; attempt++ {
		h = &txHandler{s: s, now: s.now()}
		var verdict dispatch.Verdict
		err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			h.tx = tx
			v, err := dispatch.Dispatch(ctx, ev, h)
			if err != nil {
				return err
			}
			verdict = v
			return s.eventRepo.MarkOutcome(ctx, tx, stored.EventID, v.Outcome, v.Reason, h.now)
		})
		if err == nil {
			return s.finish(ctx, stored, h, verdict, h.rejected)
		}
		var rj *rejection
		if errors.As(err, &rj) {
			// The writes made before the rejection were rolled back; only
			// the outcome is recorded.
			return s.finish(ctx, stored, nil, dispatch.Verdict{Outcome: model.OutcomeRejected, Reason: apperr.Reason(rj.err)}, rj.err)
		}
		if errors.Is(err, apperr.ErrConcurrentModification) && attempt < maxCASAttempts {
			s.logger.Debug("webhook transaction conflicted, retrying",
				zap.String("event_id", stored.EventID),
				zap.Int("attempt", attempt),
			)
			continue
		}
		break
	}

	if ferr := s.Fail(ctx, stored, err); ferr != nil {
		s.logger.Error("schedule webhook retry", zap.String("event_id", stored.EventID), zap.Error(ferr))
	}
	return res, fmt.Errorf("apply webhook event %s: %w", stored.EventID, err)
}

// finish runs once the outcome is durable: it logs, publishes and wakes the
// queue. A decode failure arrives with a nil handler and is written here.
func (s *webhookServiceImpl) finish(ctx context.Context, stored *model.WebhookEvent, h *txHandler, verdict dispatch.Verdict, cause error) (Result, error) {
	if h == nil {
		if err := s.eventRepo.MarkOutcome(ctx, nil, stored.EventID, verdict.Outcome, verdict.Reason, s.now()); err != nil {
			return Result{}, fmt.Errorf("mark webhook event %s: %w", stored.EventID, err)
		}
	}

	fields := []zap.Field{
		zap.String("event_id", stored.EventID),
		zap.String("event_type", stored.EventType),
		zap.String("payment_intent_id", stored.PaymentIntentID),
		zap.String("outcome", string(verdict.Outcome)),
		zap.String("reason", verdict.Reason),
	}
	switch verdict.Outcome {
	case model.OutcomeRejected:
		s.logger.Warn("webhook event rejected", append(fields, zap.Error(cause))...)
	case model.OutcomeDeferred:
		s.logger.Info("webhook event deferred", fields...)
	default:
		s.logger.Info("webhook event applied", fields...)
	}

	if h != nil {
		publishAll(ctx, s.publisher, s.logger, h.notes)
		if h.requeued > 0 {
			s.logger.Info("deferred refunds requeued",
				zap.String("payment_intent_id", stored.PaymentIntentID),
				zap.Int("count", h.requeued),
			)
			s.wakeUp()
		}
	}

	return Result{
		EventID:   stored.EventID,
		EventType: stored.EventType,
		Outcome:   verdict.Outcome,
		Reason:    verdict.Reason,
		Err:       cause,
	}, nil
}

func (s *webhookServiceImpl) Fail(ctx context.Context, event *model.WebhookEvent, cause error) error {
	attempts := event.Attempts + 1
	reason := "error"
	if cause != nil {
		reason = cause.Error()
	}

	if attempts >= s.cfg.MaxAttempts {
		s.logger.Error("webhook event dead-lettered",
			zap.String("event_id", event.EventID),
			zap.String("event_type", event.EventType),
			zap.Int("attempts", attempts),
			zap.Error(cause),
		)
		return s.eventRepo.DeadLetter(ctx, event.EventID, "max attempts reached: "+reason, s.now())
	}

	delay := Backoff(attempts, s.cfg.RetryBaseDelay, s.cfg.RetryMaxDelay)
	s.logger.Warn("webhook event retry scheduled",
		zap.String("event_id", event.EventID),
		zap.Int("attempts", attempts),
		zap.Duration("delay", delay),
		zap.Error(cause),
	)
	if err := s.eventRepo.ScheduleRetry(ctx, event.EventID, s.now().Add(delay), reason); err != nil {
		return err
	}
	s.wakeUp()
	return nil
}

func (s *webhookServiceImpl) Replay(ctx context.Context, eventID string) error {
	stored, err := s.eventRepo.Get(ctx, eventID)
	if err != nil {
		if errors.Is(err, repository.ErrEventNotFound) {
			return fmt.Errorf("webhook event %s: %w", eventID, apperr.ErrInvalidRequest)
		}
		return err
	}
	if stored.Outcome != model.OutcomeDeadLetter && stored.Outcome != model.OutcomeRejected {
		return fmt.Errorf("webhook event %s is %q, only dead-lettered or rejected events replay: %w",
			eventID, stored.Outcome, apperr.ErrInvalidRequest)
	}

	if err := s.eventRepo.Requeue(ctx, nil, []string{eventID}, s.now()); err != nil {
		return fmt.Errorf("requeue webhook event %s: %w", eventID, err)
	}
	s.logger.Info("webhook event replayed", zap.String("event_id", eventID))
	s.wakeUp()
	return nil
}

func (s *webhookServiceImpl) ListEvents(ctx context.Context, outcome model.EventOutcome, limit int) ([]*model.WebhookEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.eventRepo.ListByOutcome(ctx, outcome, limit)
}

func (s *webhookServiceImpl) SetWaker(fn func()) {
	s.wakeMu.Lock()
	defer s.wakeMu.Unlock()
	s.wake = fn
}

func (s *webhookServiceImpl) wakeUp() {
	s.wakeMu.RLock()
	defer s.wakeMu.RUnlock()
	if s.wake != nil {
		s.wake()
	}
}

func (s *webhookServiceImpl) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Backoff is base·2^(attempt−1), capped at ceiling.
func Backoff(attempt int, base, ceiling time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= ceiling {
			return ceiling
		}
	}
	if d > ceiling {
		return ceiling
	}
	return d
}

// txHandler applies typed events inside one transaction. Domain rejections
// become verdicts; only transient failures are returned as errors so the
// transaction rolls back.
type txHandler struct {
	s   *webhookServiceImpl
	tx  *gorm.DB
	now time.Time

	notes    []notify.Notification
	requeued int
	rejected error
	// dirty is set once the handler has written to the transaction.
	dirty bool
}

// rejection carries a domain error out of a transaction that already holds
// writes, so they roll back before the rejection is recorded.
type rejection struct {
	err error
}

func (r *rejection) Error() string { return r.err.Error() }

func (r *rejection) Unwrap() error { return r.err }

func (h *txHandler) reject(err error) (dispatch.Verdict, error) {
	h.rejected = err
	return dispatch.Verdict{Outcome: model.OutcomeRejected, Reason: apperr.Reason(err)}, nil
}

// domain reports whether err is a business rule verdict rather than an
// infrastructure failure.
func domain(err error) bool {
	return errors.Is(err, apperr.ErrPaymentIntentNotFound) ||
		errors.Is(err, apperr.ErrDealNotFound) ||
		errors.Is(err, apperr.ErrOutOfOrderEvent) ||
		errors.Is(err, apperr.ErrPartialRefundMismatch) ||
		errors.Is(err, apperr.ErrMalformedEvent)
}

func (h *txHandler) load(ctx context.Context, ev dispatch.Event) (*model.PaymentIntent, paymentstate.Decision, error) {
	pi, err := h.s.intentRepo.FindByID(ctx, h.tx, ev.Meta().PaymentIntentID)
	if err != nil {
		return nil, paymentstate.Decision{}, err
	}
	kind, _ := dispatch.KindOf(ev)
	return pi, paymentstate.Decide(pi.Status, kind), nil
}

func (h *txHandler) notify(pi *model.PaymentIntent, eventType string) {
	h.notes = append(h.notes, notify.Notification{
		DealID:          pi.DealID,
		EventType:       eventType,
		PaymentIntentID: pi.ID,
		OccurredAt:      h.now,
	})
}

func (h *txHandler) reconcile(ctx context.Context, pi *model.PaymentIntent, kind EffectKind) error {
	res, err := h.s.reconciler.ApplyInTx(ctx, h.tx, pi.DealID, PaymentEffect{
		Kind:            kind,
		PaymentIntentID: pi.ID,
		MilestoneID:     pi.MilestoneID,
	})
	if err != nil {
		return err
	}
	h.notes = append(h.notes, res.Notifications...)
	return nil
}

// settle turns the error of a step into a verdict or a rollback.
func (h *txHandler) settle(err error) (dispatch.Verdict, error) {
	if domain(err) {
		if h.dirty {
			return dispatch.Verdict{}, &rejection{err: err}
		}
		return h.reject(err)
	}
	return dispatch.Verdict{}, err
}

func noop(pi *model.PaymentIntent) dispatch.Verdict {
	return dispatch.Verdict{Outcome: model.OutcomeApplied, Reason: "no-op: intent already " + string(pi.Status)}
}

func (h *txHandler) PaymentProcessing(ctx context.Context, e *dispatch.PaymentProcessing) (dispatch.Verdict, error) {
	pi, d, err := h.load(ctx, e)
	if err != nil {
		return h.settle(err)
	}

	switch d.Action {
	case paymentstate.ActionNoOp:
		return noop(pi), nil
	case paymentstate.ActionReject:
		return h.reject(d.Err)
	}

	if err := h.s.intentRepo.Transition(ctx, h.tx, pi, d.Next, nil); err != nil {
		return h.settle(err)
	}
	h.dirty = true
	if err := h.reconcile(ctx, pi, EffectPending); err != nil {
		return h.settle(err)
	}
	return dispatch.Verdict{Outcome: model.OutcomeApplied}, nil
}

func (h *txHandler) PaymentSucceeded(ctx context.Context, e *dispatch.PaymentSucceeded) (dispatch.Verdict, error) {
	pi, d, err := h.load(ctx, e)
	if err != nil {
		return h.settle(err)
	}

	switch d.Action {
	case paymentstate.ActionNoOp:
		return noop(pi), nil
	case paymentstate.ActionReject:
		return h.reject(d.Err)
	}

	if e.Amount != 0 && e.Amount != pi.Amount {
		return h.reject(fmt.Errorf("succeeded amount %d for intent of %d: %w", e.Amount, pi.Amount, apperr.ErrMalformedEvent))
	}

	if err := h.s.intentRepo.Transition(ctx, h.tx, pi, d.Next, nil); err != nil {
		return h.settle(err)
	}
	h.dirty = true
	if err := h.s.ledgerRepo.Adjust(ctx, h.tx, pi.Currency, pi.Amount, 0); err != nil {
		return dispatch.Verdict{}, fmt.Errorf("book gross: %w", err)
	}
	if err := h.reconcile(ctx, pi, EffectPaid); err != nil {
		return h.settle(err)
	}
	h.notify(pi, notify.PaymentSucceeded)

	deferred, err := h.s.eventRepo.ListDeferredForIntent(ctx, h.tx, pi.ID)
	if err != nil {
		return dispatch.Verdict{}, fmt.Errorf("list deferred events: %w", err)
	}
	if len(deferred) > 0 {
		ids := make([]string, len(deferred))
		for i, d := range deferred {
			ids[i] = d.EventID
		}
		if err := h.s.eventRepo.Requeue(ctx, h.tx, ids, h.now); err != nil {
			return dispatch.Verdict{}, fmt.Errorf("requeue deferred events: %w", err)
		}
		h.requeued = len(ids)
	}

	return dispatch.Verdict{Outcome: model.OutcomeApplied}, nil
}

func (h *txHandler) PaymentFailed(ctx context.Context, e *dispatch.PaymentFailed) (dispatch.Verdict, error) {
	pi, d, err := h.load(ctx, e)
	if err != nil {
		return h.settle(err)
	}

	switch d.Action {
	case paymentstate.ActionNoOp:
		return noop(pi), nil
	case paymentstate.ActionReject:
		return h.reject(d.Err)
	}

	fields := map[string]interface{}{
		"failure_code":   repository.Truncate(e.Code, 64),
		"failure_reason": repository.Truncate(e.Reason, 255),
	}
	if err := h.s.intentRepo.Transition(ctx, h.tx, pi, d.Next, fields); err != nil {
		return h.settle(err)
	}
	h.dirty = true
	if err := h.reconcile(ctx, pi, EffectPaymentFailed); err != nil {
		return h.settle(err)
	}
	h.notify(pi, notify.PaymentFailed)
	return dispatch.Verdict{Outcome: model.OutcomeApplied}, nil
}

func (h *txHandler) ChargeRefunded(ctx context.Context, e *dispatch.ChargeRefunded) (dispatch.Verdict, error) {
	pi, d, err := h.load(ctx, e)
	if err != nil {
		return h.settle(err)
	}

	switch d.Action {
	case paymentstate.ActionDefer:
		return dispatch.Verdict{Outcome: model.OutcomeDeferred, Reason: "awaiting payment success"}, nil
	case paymentstate.ActionReject:
		return h.reject(d.Err)
	}

	records, err := h.s.refundRepo.ListForIntent(ctx, h.tx, pi.ID)
	if err != nil {
		return dispatch.Verdict{}, fmt.Errorf("list refunds: %w", err)
	}
	recorded := make(map[string]bool, len(records))
	for _, r := range records {
		recorded[r.ID] = true
	}

	incoming := e.Refunds
	if len(incoming) == 0 {
		incoming = paymentstate.CumulativeRefund(e.ChargeID, e.AmountRefunded, pi.AmountRefunded)
	}

	result, err := paymentstate.ApplyRefunds(pi.Amount, pi.AmountRefunded, recorded, incoming)
	if err != nil {
		return h.reject(err)
	}
	if len(result.New) == 0 {
		return dispatch.Verdict{Outcome: model.OutcomeApplied, Reason: "no-op: refunds already recorded"}, nil
	}

	var added int64
	newRecords := make([]*model.RefundRecord, 0, len(result.New))
	for _, r := range result.New {
		added += r.Amount
		newRecords = append(newRecords, &model.RefundRecord{
			ID:              r.ID,
			PaymentIntentID: pi.ID,
			EventID:         e.Meta().EventID,
			AmountRefunded:  r.Amount,
			Reason:          repository.Truncate(r.Reason, 255),
			AppliedAt:       h.now,
		})
	}

	// The intent row is written first so a concurrent refund of the same
	// intent fails the swap before its refund ids collide.
	fields := map[string]interface{}{"amount_refunded": result.Total}
	if err := h.s.intentRepo.Transition(ctx, h.tx, pi, result.Next, fields); err != nil {
		return h.settle(err)
	}
	h.dirty = true
	if err := h.s.refundRepo.Create(ctx, h.tx, newRecords); err != nil {
		return dispatch.Verdict{}, fmt.Errorf("store refunds: %w", err)
	}
	if err := h.s.ledgerRepo.Adjust(ctx, h.tx, pi.Currency, 0, added); err != nil {
		return dispatch.Verdict{}, fmt.Errorf("book refund: %w", err)
	}

	effect := EffectPartiallyRefunded
	if result.Next == model.PaymentFullyRefunded {
		effect = EffectRefunded
		h.notify(pi, notify.PaymentFullyRefunded)
	}
	if err := h.reconcile(ctx, pi, effect); err != nil {
		return h.settle(err)
	}

	return dispatch.Verdict{Outcome: model.OutcomeApplied}, nil
}
