package repository

import (
	"context"
	"errors"
	"fmt"
	"payment-reconciler/internal/apperr"
	"payment-reconciler/internal/model"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LiveStatuses are the intent statuses that block a second intent for the
// same deal and amount.
var LiveStatuses = []model.PaymentStatus{
	model.PaymentCreated,
	model.PaymentPending,
	model.PaymentSucceeded,
}

type PaymentIntentRepository interface {
	// Create inserts pi unless its id is taken and reports whether it did.
	Create(ctx context.Context, tx *gorm.DB, pi *model.PaymentIntent) (bool, error)
	FindByID(ctx context.Context, tx *gorm.DB, id string) (*model.PaymentIntent, error)
	FindLive(ctx context.Context, tx *gorm.DB, dealID string, amount int64) (*model.PaymentIntent, error)
	CountForDealAmount(ctx context.Context, tx *gorm.DB, dealID string, amount int64) (int64, error)
	// Transition moves current to status to. The write only lands while the
	// stored status and refunded amount still equal current's; otherwise it
	// fails with apperr.ErrConcurrentModification.
	Transition(ctx context.Context, tx *gorm.DB, current *model.PaymentIntent, to model.PaymentStatus, fields map[string]interface{}) error
}

type paymentIntentRepoImpl struct {
	db *gorm.DB
}

func NewPaymentIntentRepository(db *gorm.DB) PaymentIntentRepository {
	return &paymentIntentRepoImpl{
		db: db,
	}
}

func (r *paymentIntentRepoImpl) Create(ctx context.Context, tx *gorm.DB, pi *model.PaymentIntent) (bool, error) {
	result := conn(r.db, tx).WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(pi)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *paymentIntentRepoImpl) FindByID(ctx context.Context, tx *gorm.DB, id string) (*model.PaymentIntent, error) {
	var pi model.PaymentIntent
	err := conn(r.db, tx).WithContext(ctx).
		Where("id = ?", id).
		First(&pi).Error

	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("intent %s: %w", id, apperr.ErrPaymentIntentNotFound)
		}
		return nil, err
	}

	return &pi, nil
}

// FindLive returns the live intent for the pair, or nil when there is none.
func (r *paymentIntentRepoImpl) FindLive(ctx context.Context, tx *gorm.DB, dealID string, amount int64) (*model.PaymentIntent, error) {
	var intents []*model.PaymentIntent
	err := conn(r.db, tx).WithContext(ctx).
		Where("deal_id = ? AND amount = ? AND status IN ?", dealID, amount, LiveStatuses).
		Order("created_at").
		Limit(1).
		Find(&intents).Error
	if err != nil {
		return nil, err
	}
	if len(intents) == 0 {
		return nil, nil
	}
	return intents[0], nil
}

func (r *paymentIntentRepoImpl) CountForDealAmount(ctx context.Context, tx *gorm.DB, dealID string, amount int64) (int64, error) {
	var count int64
	err := conn(r.db, tx).WithContext(ctx).Model(&model.PaymentIntent{}).
		Where("deal_id = ? AND amount = ?", dealID, amount).
		Count(&count).Error

	return count, err
}

func (r *paymentIntentRepoImpl) Transition(ctx context.Context, tx *gorm.DB, current *model.PaymentIntent, to model.PaymentStatus, fields map[string]interface{}) error {
	updates := map[string]interface{}{
		"status":     to,
		"updated_at": time.Now(),
	}
	for k, v := range fields {
		updates[k] = v
	}

	result := conn(r.db, tx).WithContext(ctx).Model(&model.PaymentIntent{}).
		Where(`
			id = ?
			AND status = ?
			AND amount_refunded = ?
		`,
			current.ID,
			current.Status,
			current.AmountRefunded,
		).
		Updates(updates)

	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("intent %s left %s with %d refunded: %w",
			current.ID, current.Status, current.AmountRefunded, apperr.ErrConcurrentModification)
	}
	return nil
}
