package repository

import (
	"context"
	"errors"
	"fmt"
	"payment-reconciler/internal/apperr"
	"payment-reconciler/internal/model"
	"time"

	"gorm.io/gorm"
)

type DealRepository interface {
	Create(ctx context.Context, deal *model.Deal) error
	Get(ctx context.Context, tx *gorm.DB, id string) (*model.Deal, error)
	// CompareAndSwap writes deal's mutable fields if the stored version is
	// still expectedVersion, then sets deal.Version to the new version.
	CompareAndSwap(ctx context.Context, tx *gorm.DB, deal *model.Deal, expectedVersion int) error
	MarkMilestone(ctx context.Context, tx *gorm.DB, milestoneID string, status model.MilestoneStatus, intentID string) error
	// CountHeldIntents counts the deal's intents, other than exceptIntentID,
	// whose money has not been refunded in full.
	CountHeldIntents(ctx context.Context, tx *gorm.DB, dealID, exceptIntentID string) (int64, error)
}

type dealRepoImpl struct {
	db *gorm.DB
}

func NewDealRepository(db *gorm.DB) DealRepository {
	return &dealRepoImpl{
		db: db,
	}
}

func (r *dealRepoImpl) Create(ctx context.Context, deal *model.Deal) error {
	return r.db.WithContext(ctx).Create(deal).Error
}

func (r *dealRepoImpl) Get(ctx context.Context, tx *gorm.DB, id string) (*model.Deal, error) {
	var deal model.Deal
	err := conn(r.db, tx).WithContext(ctx).
		Preload("Milestones", func(db *gorm.DB) *gorm.DB {
			return db.Order("created_at, id")
		}).
		Where("id = ?", id).
		First(&deal).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("deal %s: %w", id, apperr.ErrDealNotFound)
		}
		return nil, err
	}

	return &deal, nil
}

func (r *dealRepoImpl) CompareAndSwap(ctx context.Context, tx *gorm.DB, deal *model.Deal, expectedVersion int) error {
	now := time.Now()
	result := conn(r.db, tx).WithContext(ctx).Model(&model.Deal{}).
		Where("id = ? AND version = ?", deal.ID, expectedVersion).
		Updates(map[string]interface{}{
			"title":          deal.Title,
			"status":         deal.Status,
			"payment_status": deal.PaymentStatus,
			"cancelled_by":   deal.CancelledBy,
			"version":        gorm.Expr("version + 1"),
			"updated_at":     now,
		})

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("deal %s at version %d: %w", deal.ID, expectedVersion, apperr.ErrConcurrentModification)
	}

	deal.Version = expectedVersion + 1
	deal.UpdatedAt = now
	return nil
}

func (r *dealRepoImpl) MarkMilestone(ctx context.Context, tx *gorm.DB, milestoneID string, status model.MilestoneStatus, intentID string) error {
	return conn(r.db, tx).WithContext(ctx).Model(&model.Milestone{}).
		Where("id = ?", milestoneID).
		Updates(map[string]interface{}{
			"status":            status,
			"payment_intent_id": intentID,
			"updated_at":        time.Now(),
		}).Error
}

func (r *dealRepoImpl) CountHeldIntents(ctx context.Context, tx *gorm.DB, dealID, exceptIntentID string) (int64, error) {
	var count int64
	err := conn(r.db, tx).WithContext(ctx).Model(&model.PaymentIntent{}).
		Where("deal_id = ? AND id <> ? AND status IN ?", dealID, exceptIntentID, []model.PaymentStatus{
			model.PaymentSucceeded,
			model.PaymentPartiallyRefunded,
		}).
		Count(&count).Error

	return count, err
}
