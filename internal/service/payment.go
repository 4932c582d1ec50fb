package service

import (
	"context"
	"fmt"
	"payment-reconciler/internal/apperr"
	"payment-reconciler/internal/model"
	"payment-reconciler/internal/repository"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// intentNamespace seeds the deterministic payment intent ids.
var intentNamespace = uuid.MustParse("5b0f6c8e-3d4a-4f7e-9a51-2c8d7e1f4b63")

type CreateIntentInput struct {
	DealID      string
	MilestoneID string
	Amount      int64
	Currency    string
}

type PaymentService interface {
	// CreateIntent returns the live intent for (deal, amount) if there is
	// one, so a double submit does not open a second charge.
	CreateIntent(ctx context.Context, in CreateIntentInput) (*model.PaymentIntent, error)
	GetStatus(ctx context.Context, id string) (*model.PaymentIntent, error)
}

type paymentServiceImpl struct {
	db              *gorm.DB
	intentRepo      repository.PaymentIntentRepository
	dealRepo        repository.DealRepository
	defaultCurrency string
	logger          *zap.Logger
}

func NewPaymentService(
	db *gorm.DB,
	intentRepo repository.PaymentIntentRepository,
	dealRepo repository.DealRepository,
	defaultCurrency string,
	logger *zap.Logger,
) PaymentService {
	return &paymentServiceImpl{
		db:              db,
		intentRepo:      intentRepo,
		dealRepo:        dealRepo,
		defaultCurrency: defaultCurrency,
		logger:          logger,
	}
}

func (s *paymentServiceImpl) CreateIntent(ctx context.Context, in CreateIntentInput) (*model.PaymentIntent, error) {
	if in.Amount <= 0 {
		return nil, fmt.Errorf("amount must be positive: %w", apperr.ErrInvalidRequest)
	}
	if in.DealID == "" {
		return nil, fmt.Errorf("dealId is required: %w", apperr.ErrInvalidRequest)
	}
	currency := strings.ToLower(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = s.defaultCurrency
	}

	var intent *model.PaymentIntent
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		deal, err := s.dealRepo.Get(ctx, tx, in.DealID)
		if err != nil {
			return err
		}
		if deal.Status != model.DealActive {
			return fmt.Errorf("deal %s is %s: %w", deal.ID, deal.Status, apperr.ErrInvalidDealTransition)
		}
		if in.MilestoneID != "" && !hasMilestone(deal, in.MilestoneID) {
			return fmt.Errorf("milestone %s not on deal %s: %w", in.MilestoneID, deal.ID, apperr.ErrInvalidRequest)
		}

		live, err := s.intentRepo.FindLive(ctx, tx, in.DealID, in.Amount)
		if err != nil {
			return fmt.Errorf("find live intent: %w", err)
		}
		if live != nil {
			intent = live
			return nil
		}

		prior, err := s.intentRepo.CountForDealAmount(ctx, tx, in.DealID, in.Amount)
		if err != nil {
			return fmt.Errorf("count intents: %w", err)
		}

		candidate := &model.PaymentIntent{
			ID:          IntentID(in.DealID, in.Amount, prior),
			DealID:      in.DealID,
			MilestoneID: in.MilestoneID,
			Amount:      in.Amount,
			Currency:    currency,
			Status:      model.PaymentCreated,
			Metadata: datatypes.JSONMap{
				"deal_id":      in.DealID,
				"milestone_id": in.MilestoneID,
			},
		}
		created, err := s.intentRepo.Create(ctx, tx, candidate)
		if err != nil {
			return fmt.Errorf("store intent: %w", err)
		}
		if created {
			intent = candidate
			return nil
		}

		// Lost the race on the primary key: hand back the winner.
		intent, err = s.intentRepo.FindByID(ctx, tx, candidate.ID)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("payment intent ready",
		zap.String("payment_intent_id", intent.ID),
		zap.String("deal_id", intent.DealID),
		zap.Int64("amount", intent.Amount),
		zap.String("status", string(intent.Status)),
	)
	return intent, nil
}

func (s *paymentServiceImpl) GetStatus(ctx context.Context, id string) (*model.PaymentIntent, error) {
	return s.intentRepo.FindByID(ctx, nil, id)
}

// IntentID derives the id of the n-th intent opened for a deal and amount.
// Two requests racing for the same slot compute the same id.
func IntentID(dealID string, amount, n int64) string {
	name := fmt.Sprintf("%s:%d:%d", dealID, amount, n)
	return "pi_" + uuid.NewSHA1(intentNamespace, []byte(name)).String()
}

func hasMilestone(deal *model.Deal, id string) bool {
	for _, m := range deal.Milestones {
		if m.ID == id {
			return true
		}
	}
	return false
}
