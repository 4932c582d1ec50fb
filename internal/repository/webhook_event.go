package repository

import (
	"context"
	"errors"
	"fmt"
	"payment-reconciler/internal/model"
	"time"
	"unicode/utf8"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrEventNotFound = errors.New("webhook event not found")

type WebhookEventRepository interface {
	// RecordIfNew inserts event unless its id exists. The insert is the
	// dedup primitive: of two racing deliveries exactly one sees true.
	RecordIfNew(ctx context.Context, event *model.WebhookEvent) (bool, error)
	Get(ctx context.Context, eventID string) (*model.WebhookEvent, error)
	Claim(ctx context.Context, eventID string, now, leaseUntil time.Time) (bool, error)
	MarkOutcome(ctx context.Context, tx *gorm.DB, eventID string, outcome model.EventOutcome, reason string, at time.Time) error
	ScheduleRetry(ctx context.Context, eventID string, at time.Time, lastErr string) error
	DeadLetter(ctx context.Context, eventID, reason string, at time.Time) error
	Requeue(ctx context.Context, tx *gorm.DB, eventIDs []string, at time.Time) error
	ListDue(ctx context.Context, now time.Time, limit int) ([]*model.WebhookEvent, error)
	ListDeferred(ctx context.Context, limit int) ([]*model.WebhookEvent, error)
	ListDeferredForIntent(ctx context.Context, tx *gorm.DB, intentID string) ([]*model.WebhookEvent, error)
	ListStale(ctx context.Context, receivedBefore, now time.Time, limit int) ([]*model.WebhookEvent, error)
	ListByOutcome(ctx context.Context, outcome model.EventOutcome, limit int) ([]*model.WebhookEvent, error)
}

type webhookEventRepositoryImpl struct {
	db *gorm.DB
}

func NewWebhookEventRepository(db *gorm.DB) WebhookEventRepository {
	return &webhookEventRepositoryImpl{db: db}
}

func (r *webhookEventRepositoryImpl) RecordIfNew(ctx context.Context, event *model.WebhookEvent) (bool, error) {
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(event)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 1 {
		return true, nil
	}

	err := r.db.WithContext(ctx).Model(&model.WebhookEvent{}).
		Where("event_id = ?", event.EventID).
		Update("deliveries", gorm.Expr("deliveries + 1")).Error
	if err != nil {
		return false, fmt.Errorf("count duplicate delivery: %w", err)
	}
	return false, nil
}

func (r *webhookEventRepositoryImpl) Get(ctx context.Context, eventID string) (*model.WebhookEvent, error) {
	var event model.WebhookEvent
	err := r.db.WithContext(ctx).
		Where("event_id = ?", eventID).
		First(&event).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrEventNotFound
		}
		return nil, err
	}

	return &event, nil
}

// Claim takes the processing lease on an event that still needs work.
func (r *webhookEventRepositoryImpl) Claim(ctx context.Context, eventID string, now, leaseUntil time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&model.WebhookEvent{}).
		Where(`
			event_id = ?
			AND outcome IN ?
			AND (lease_until IS NULL OR lease_until < ?)
		`,
			eventID,
			[]model.EventOutcome{model.OutcomeNone, model.OutcomeDeferred},
			now,
		).
		Update("lease_until", leaseUntil)

	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *webhookEventRepositoryImpl) MarkOutcome(ctx context.Context, tx *gorm.DB, eventID string, outcome model.EventOutcome, reason string, at time.Time) error {
	updates := map[string]interface{}{
		"outcome":         outcome,
		"reason":          Truncate(reason, 255),
		"lease_until":     nil,
		"next_attempt_at": nil,
	}
	if outcome.Final() {
		updates["processed_at"] = at
	}

	result := conn(r.db, tx).WithContext(ctx).Model(&model.WebhookEvent{}).
		Where("event_id = ?", eventID).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrEventNotFound
	}
	return nil
}

func (r *webhookEventRepositoryImpl) ScheduleRetry(ctx context.Context, eventID string, at time.Time, lastErr string) error {
	return r.db.WithContext(ctx).Model(&model.WebhookEvent{}).
		Where("event_id = ? AND outcome IN ?", eventID, []model.EventOutcome{model.OutcomeNone, model.OutcomeDeferred}).
		Updates(map[string]interface{}{
			"outcome":         model.OutcomeNone,
			"attempts":        gorm.Expr("attempts + 1"),
			"next_attempt_at": at,
			"lease_until":     nil,
			"last_error":      Truncate(lastErr, 512),
		}).Error
}

func (r *webhookEventRepositoryImpl) DeadLetter(ctx context.Context, eventID, reason string, at time.Time) error {
	return r.db.WithContext(ctx).Model(&model.WebhookEvent{}).
		Where("event_id = ?", eventID).
		Updates(map[string]interface{}{
			"outcome":         model.OutcomeDeadLetter,
			"reason":          Truncate(reason, 255),
			"processed_at":    at,
			"lease_until":     nil,
			"next_attempt_at": nil,
		}).Error
}

// Requeue puts events back on the queue, e.g. deferred refunds once the
// payment they depend on has succeeded, or an operator replay.
func (r *webhookEventRepositoryImpl) Requeue(ctx context.Context, tx *gorm.DB, eventIDs []string, at time.Time) error {
	if len(eventIDs) == 0 {
		return nil
	}
	return conn(r.db, tx).WithContext(ctx).Model(&model.WebhookEvent{}).
		Where("event_id IN ?", eventIDs).
		Updates(map[string]interface{}{
			"outcome":         model.OutcomeNone,
			"attempts":        0,
			"next_attempt_at": at,
			"processed_at":    nil,
			"lease_until":     nil,
		}).Error
}

func (r *webhookEventRepositoryImpl) ListDue(ctx context.Context, now time.Time, limit int) ([]*model.WebhookEvent, error) {
	var events []*model.WebhookEvent
	err := r.db.WithContext(ctx).
		Where(`
			outcome = ?
			AND next_attempt_at <= ?
			AND (lease_until IS NULL OR lease_until < ?)
		`, model.OutcomeNone, now, now).
		Order("next_attempt_at").
		Limit(limit).
		Find(&events).Error

	return events, err
}

func (r *webhookEventRepositoryImpl) ListDeferred(ctx context.Context, limit int) ([]*model.WebhookEvent, error) {
	var events []*model.WebhookEvent
	err := r.db.WithContext(ctx).
		Where("outcome = ?", model.OutcomeDeferred).
		Order("received_at").
		Limit(limit).
		Find(&events).Error

	return events, err
}

func (r *webhookEventRepositoryImpl) ListDeferredForIntent(ctx context.Context, tx *gorm.DB, intentID string) ([]*model.WebhookEvent, error) {
	var events []*model.WebhookEvent
	err := conn(r.db, tx).WithContext(ctx).
		Where("outcome = ? AND payment_intent_id = ?", model.OutcomeDeferred, intentID).
		Order("received_at").
		Find(&events).Error

	return events, err
}

// ListStale returns events received before receivedBefore that were claimed
// but never finished: the lease ran out without an outcome being written.
func (r *webhookEventRepositoryImpl) ListStale(ctx context.Context, receivedBefore, now time.Time, limit int) ([]*model.WebhookEvent, error) {
	var events []*model.WebhookEvent
	err := r.db.WithContext(ctx).
		Where(`
			outcome = ?
			AND received_at < ?
			AND lease_until IS NOT NULL
			AND lease_until < ?
		`, model.OutcomeNone, receivedBefore, now).
		Order("received_at").
		Limit(limit).
		Find(&events).Error

	return events, err
}

func (r *webhookEventRepositoryImpl) ListByOutcome(ctx context.Context, outcome model.EventOutcome, limit int) ([]*model.WebhookEvent, error) {
	var events []*model.WebhookEvent
	err := r.db.WithContext(ctx).
		Where("outcome = ?", outcome).
		Order("received_at DESC").
		Limit(limit).
		Find(&events).Error

	return events, err
}

func conn(db, tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return db
}

// Truncate shortens s to at most n bytes without splitting a UTF-8
// sequence.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
