package service

import (
	"context"
	"errors"
	"fmt"
	"payment-reconciler/internal/apperr"
	"payment-reconciler/internal/model"
	"payment-reconciler/internal/notify"
	"payment-reconciler/internal/repository"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// maxCASAttempts bounds read-compute-swap loops on the webhook path.
const maxCASAttempts = 10

type EffectKind string

const (
	EffectPending           EffectKind = "pending"
	EffectPaid              EffectKind = "paid"
	EffectPaymentFailed     EffectKind = "payment_failed"
	EffectPartiallyRefunded EffectKind = "partially_refunded"
	EffectRefunded          EffectKind = "refunded"
)

// PaymentEffect is what a payment transition means for the deal that owns
// the intent.
type PaymentEffect struct {
	Kind            EffectKind
	PaymentIntentID string
	MilestoneID     string
}

type EffectResult struct {
	Deal    *model.Deal
	Changed bool
	// Notifications are to be published once the surrounding transaction
	// has committed.
	Notifications []notify.Notification
}

type ReconcilerService interface {
	// ApplyPaymentEffect merges effect into the deal in its own transaction.
	// With expectedVersion it makes one attempt and fails with
	// apperr.ErrConcurrentModification if the deal moved; without it the
	// read-compute-swap loop is retried.
	ApplyPaymentEffect(ctx context.Context, dealID string, effect PaymentEffect, expectedVersion *int) (int, error)
	// ApplyInTx makes a single attempt inside the caller's transaction.
	ApplyInTx(ctx context.Context, tx *gorm.DB, dealID string, effect PaymentEffect) (*EffectResult, error)
}

type reconcilerServiceImpl struct {
	db        *gorm.DB
	dealRepo  repository.DealRepository
	publisher notify.Publisher
	logger    *zap.Logger
}

func NewReconcilerService(
	db *gorm.DB,
	dealRepo repository.DealRepository,
	publisher notify.Publisher,
	logger *zap.Logger,
) ReconcilerService {
	return &reconcilerServiceImpl{
		db:        db,
		dealRepo:  dealRepo,
		publisher: publisher,
		logger:    logger,
	}
}

func (s *reconcilerServiceImpl) ApplyPaymentEffect(ctx context.Context, dealID string, effect PaymentEffect, expectedVersion *int) (int, error) {
	attempts := maxCASAttempts
	if expectedVersion != nil {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		var res *EffectResult
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			deal, err := s.dealRepo.Get(ctx, tx, dealID)
			if err != nil {
				return err
			}
			if expectedVersion != nil && deal.Version != *expectedVersion {
				return fmt.Errorf("deal %s is at version %d, not %d: %w",
					dealID, deal.Version, *expectedVersion, apperr.ErrConcurrentModification)
			}

			res, err = s.apply(ctx, tx, deal, effect)
			return err
		})
		if err == nil {
			publishAll(ctx, s.publisher, s.logger, res.Notifications)
			return res.Deal.Version, nil
		}
		if !errors.Is(err, apperr.ErrConcurrentModification) {
			return 0, err
		}
		lastErr = err
	}

	return 0, lastErr
}

func (s *reconcilerServiceImpl) ApplyInTx(ctx context.Context, tx *gorm.DB, dealID string, effect PaymentEffect) (*EffectResult, error) {
	deal, err := s.dealRepo.Get(ctx, tx, dealID)
	if err != nil {
		return nil, err
	}
	return s.apply(ctx, tx, deal, effect)
}

func (s *reconcilerServiceImpl) apply(ctx context.Context, tx *gorm.DB, deal *model.Deal, effect PaymentEffect) (*EffectResult, error) {
	var otherHeld bool
	if effect.Kind == EffectRefunded {
		held, err := s.dealRepo.CountHeldIntents(ctx, tx, deal.ID, effect.PaymentIntentID)
		if err != nil {
			return nil, fmt.Errorf("count held intents for deal %s: %w", deal.ID, err)
		}
		otherHeld = held > 0
	}

	next, notes := nextDealState(deal, effect, otherHeld)

	milestone, milestoneStatus := milestoneChange(deal, effect)
	dealChanged := next.Status != deal.Status || next.PaymentStatus != deal.PaymentStatus
	if !dealChanged && milestone == nil {
		return &EffectResult{Deal: deal}, nil
	}

	if err := s.dealRepo.CompareAndSwap(ctx, tx, next, deal.Version); err != nil {
		return nil, err
	}
	if milestone != nil {
		if err := s.dealRepo.MarkMilestone(ctx, tx, milestone.ID, milestoneStatus, effect.PaymentIntentID); err != nil {
			return nil, fmt.Errorf("update milestone %s: %w", milestone.ID, err)
		}
		milestone.Status = milestoneStatus
		milestone.PaymentIntentID = effect.PaymentIntentID
	}

	s.logger.Info("deal reconciled",
		zap.String("deal_id", deal.ID),
		zap.String("effect", string(effect.Kind)),
		zap.String("status", string(next.Status)),
		zap.String("payment_status", string(next.PaymentStatus)),
		zap.Int("version", next.Version),
	)

	now := time.Now().UTC()
	out := &EffectResult{Deal: next, Changed: true}
	for _, eventType := range notes {
		out.Notifications = append(out.Notifications, notify.Notification{
			DealID:          deal.ID,
			EventType:       eventType,
			PaymentIntentID: effect.PaymentIntentID,
			OccurredAt:      now,
		})
	}
	return out, nil
}

// nextDealState computes the deal after effect. otherHeld reports whether
// another intent of the deal still holds money. A cancel that beat a
// successful payment leaves the deal paid_then_cancelled so the money can be
// refunded; once nothing is held any more the deal is cancelled.
func nextDealState(deal *model.Deal, effect PaymentEffect, otherHeld bool) (*model.Deal, []string) {
	next := *deal
	var notes []string

	switch effect.Kind {
	case EffectPending:
		switch deal.PaymentStatus {
		case model.DealUnpaid, model.DealPaymentFailed, model.DealRefunded:
			next.PaymentStatus = model.DealPaymentPending
		}

	case EffectPaid:
		// A new charge after an earlier refund makes the deal paid again.
		next.PaymentStatus = model.DealPaid
		if deal.Status == model.DealCancelled {
			next.Status = model.DealPaidThenCancelled
			notes = append(notes, notify.DealPaidThenCancelled)
		}

	case EffectPaymentFailed:
		if deal.PaymentStatus == model.DealUnpaid || deal.PaymentStatus == model.DealPaymentPending {
			next.PaymentStatus = model.DealPaymentFailed
		}

	case EffectPartiallyRefunded:
		if deal.PaymentStatus == model.DealPaid {
			next.PaymentStatus = model.DealPartiallyRefunded
		}

	case EffectRefunded:
		if otherHeld {
			if deal.PaymentStatus != model.DealPartiallyRefunded {
				next.PaymentStatus = model.DealPaid
			}
			break
		}
		next.PaymentStatus = model.DealRefunded
		if deal.Status == model.DealPaidThenCancelled {
			next.Status = model.DealCancelled
			notes = append(notes, notify.DealCancelled)
		}
	}

	return &next, notes
}

func milestoneChange(deal *model.Deal, effect PaymentEffect) (*model.Milestone, model.MilestoneStatus) {
	if effect.MilestoneID == "" {
		return nil, ""
	}

	var want model.MilestoneStatus
	switch effect.Kind {
	case EffectPaid:
		want = model.MilestoneFunded
	case EffectRefunded:
		want = model.MilestoneRefunded
	default:
		return nil, ""
	}

	for i := range deal.Milestones {
		m := &deal.Milestones[i]
		if m.ID == effect.MilestoneID && m.Status != want {
			return m, want
		}
	}
	return nil, ""
}

func publishAll(ctx context.Context, publisher notify.Publisher, logger *zap.Logger, notes []notify.Notification) {
	for _, n := range notes {
		if err := publisher.Publish(ctx, n); err != nil {
			logger.Warn("publish notification",
				zap.String("event_type", n.EventType),
				zap.String("deal_id", n.DealID),
				zap.Error(err),
			)
		}
	}
}
