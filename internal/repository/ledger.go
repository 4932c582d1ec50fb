package repository

import (
	"context"
	"payment-reconciler/internal/model"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Totals are per currency sums in minor units.
type Totals struct {
	Currency string
	Gross    int64
	Refunded int64
}

type LedgerRepository interface {
	Adjust(ctx context.Context, tx *gorm.DB, currency string, grossDelta, refundedDelta int64) error
	Get(ctx context.Context, currency string) (*model.LedgerSnapshot, error)
	List(ctx context.Context, tx *gorm.DB) ([]*model.LedgerSnapshot, error)
	// LockAll returns every snapshot locked for update. Adjust calls in
	// other transactions wait until tx ends.
	LockAll(ctx context.Context, tx *gorm.DB) ([]*model.LedgerSnapshot, error)
	// Aggregate recomputes totals from payment_intents and refund_records.
	Aggregate(ctx context.Context, tx *gorm.DB) (map[string]*Totals, error)
	Replace(ctx context.Context, tx *gorm.DB, snapshots []*model.LedgerSnapshot) error
}

type ledgerRepoImpl struct {
	db *gorm.DB
}

func NewLedgerRepository(db *gorm.DB) LedgerRepository {
	return &ledgerRepoImpl{
		db: db,
	}
}

func (r *ledgerRepoImpl) Adjust(ctx context.Context, tx *gorm.DB, currency string, grossDelta, refundedDelta int64) error {
	now := time.Now()
	snapshot := &model.LedgerSnapshot{
		Currency:       currency,
		GrossEarnings:  grossDelta,
		RefundedAmount: refundedDelta,
		NetEarnings:    grossDelta - refundedDelta,
		UpdatedAt:      now,
	}

	return conn(r.db, tx).WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "currency"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"gross_earnings":  gorm.Expr("ledger_snapshots.gross_earnings + ?", grossDelta),
			"refunded_amount": gorm.Expr("ledger_snapshots.refunded_amount + ?", refundedDelta),
			"net_earnings":    gorm.Expr("ledger_snapshots.net_earnings + ?", grossDelta-refundedDelta),
			"updated_at":      now,
		}),
	}).Create(snapshot).Error
}

// Get returns the snapshot for currency, or a zero snapshot when nothing has
// been booked in it yet.
func (r *ledgerRepoImpl) Get(ctx context.Context, currency string) (*model.LedgerSnapshot, error) {
	var snapshots []*model.LedgerSnapshot
	err := r.db.WithContext(ctx).
		Where("currency = ?", currency).
		Limit(1).
		Find(&snapshots).Error
	if err != nil {
		return nil, err
	}
	if len(snapshots) == 0 {
		return &model.LedgerSnapshot{Currency: currency}, nil
	}
	return snapshots[0], nil
}

func (r *ledgerRepoImpl) List(ctx context.Context, tx *gorm.DB) ([]*model.LedgerSnapshot, error) {
	var snapshots []*model.LedgerSnapshot

	err := conn(r.db, tx).WithContext(ctx).Order("currency").Find(&snapshots).Error
	if err != nil {
		return nil, err
	}

	return snapshots, nil
}

func (r *ledgerRepoImpl) LockAll(ctx context.Context, tx *gorm.DB) ([]*model.LedgerSnapshot, error) {
	var snapshots []*model.LedgerSnapshot

	err := conn(r.db, tx).WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Order("currency").
		Find(&snapshots).Error
	if err != nil {
		return nil, err
	}

	return snapshots, nil
}

func (r *ledgerRepoImpl) Aggregate(ctx context.Context, tx *gorm.DB) (map[string]*Totals, error) {
	type row struct {
		Currency string
		Total    int64
	}

	db := conn(r.db, tx).WithContext(ctx)

	var gross []row
	err := db.Model(&model.PaymentIntent{}).
		Select("currency, COALESCE(SUM(amount), 0) AS total").
		Where("status IN ?", []model.PaymentStatus{
			model.PaymentSucceeded,
			model.PaymentPartiallyRefunded,
			model.PaymentFullyRefunded,
		}).
		Group("currency").
		Scan(&gross).Error
	if err != nil {
		return nil, err
	}

	var refunded []row
	err = db.Table("refund_records").
		Select("payment_intents.currency AS currency, COALESCE(SUM(refund_records.amount_refunded), 0) AS total").
		Joins("JOIN payment_intents ON payment_intents.id = refund_records.payment_intent_id").
		Group("payment_intents.currency").
		Scan(&refunded).Error
	if err != nil {
		return nil, err
	}

	out := make(map[string]*Totals)
	get := func(currency string) *Totals {
		t, ok := out[currency]
		if !ok {
			t = &Totals{Currency: currency}
			out[currency] = t
		}
		return t
	}
	for _, g := range gross {
		get(g.Currency).Gross = g.Total
	}
	for _, rf := range refunded {
		get(rf.Currency).Refunded = rf.Total
	}
	return out, nil
}

func (r *ledgerRepoImpl) Replace(ctx context.Context, tx *gorm.DB, snapshots []*model.LedgerSnapshot) error {
	return conn(r.db, tx).WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&model.LedgerSnapshot{}).Error; err != nil {
			return err
		}
		if len(snapshots) == 0 {
			return nil
		}
		return tx.Create(&snapshots).Error
	})
}
