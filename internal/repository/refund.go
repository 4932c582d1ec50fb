package repository

import (
	"context"
	"payment-reconciler/internal/model"

	"gorm.io/gorm"
)

type RefundRepository interface {
	Create(ctx context.Context, tx *gorm.DB, records []*model.RefundRecord) error
	ListForIntent(ctx context.Context, tx *gorm.DB, intentID string) ([]*model.RefundRecord, error)
}

type refundRepoImpl struct {
	db *gorm.DB
}

func NewRefundRepository(db *gorm.DB) RefundRepository {
	return &refundRepoImpl{
		db: db,
	}
}

// Create appends records. A refund id already on file is a primary key
// violation, which aborts the caller's transaction.
func (r *refundRepoImpl) Create(ctx context.Context, tx *gorm.DB, records []*model.RefundRecord) error {
	if len(records) == 0 {
		return nil
	}
	return conn(r.db, tx).WithContext(ctx).Create(&records).Error
}

func (r *refundRepoImpl) ListForIntent(ctx context.Context, tx *gorm.DB, intentID string) ([]*model.RefundRecord, error) {
	var records []*model.RefundRecord
	err := conn(r.db, tx).WithContext(ctx).
		Where("payment_intent_id = ?", intentID).
		Order("applied_at, id").
		Find(&records).Error

	return records, err
}
