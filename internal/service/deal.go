package service

import (
	"context"
	"fmt"
	"payment-reconciler/internal/apperr"
	"payment-reconciler/internal/model"
	"payment-reconciler/internal/notify"
	"payment-reconciler/internal/repository"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type NewMilestone struct {
	Title  string
	Amount int64
}

type CreateDealInput struct {
	Title      string
	Milestones []NewMilestone
}

// UpdateDealInput carries a user edit. Nil fields are left alone. Version,
// when set, must match the stored version.
type UpdateDealInput struct {
	Title   *string
	Status  *model.DealStatus
	Version *int
	Actor   string
}

type DealService interface {
	Create(ctx context.Context, in CreateDealInput) (*model.Deal, error)
	Get(ctx context.Context, id string) (*model.Deal, error)
	Update(ctx context.Context, id string, in UpdateDealInput) (*model.Deal, error)
}

type dealServiceImpl struct {
	dealRepo  repository.DealRepository
	publisher notify.Publisher
	logger    *zap.Logger
}

func NewDealService(dealRepo repository.DealRepository, publisher notify.Publisher, logger *zap.Logger) DealService {
	return &dealServiceImpl{
		dealRepo:  dealRepo,
		publisher: publisher,
		logger:    logger,
	}
}

func (s *dealServiceImpl) Create(ctx context.Context, in CreateDealInput) (*model.Deal, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, fmt.Errorf("deal title is required: %w", apperr.ErrInvalidRequest)
	}

	deal := &model.Deal{
		ID:            uuid.NewString(),
		Title:         title,
		Status:        model.DealActive,
		PaymentStatus: model.DealUnpaid,
		Version:       1,
	}
	for _, m := range in.Milestones {
		if m.Amount <= 0 {
			return nil, fmt.Errorf("milestone %q amount must be positive: %w", m.Title, apperr.ErrInvalidRequest)
		}
		deal.Milestones = append(deal.Milestones, model.Milestone{
			ID:     uuid.NewString(),
			DealID: deal.ID,
			Title:  m.Title,
			Amount: m.Amount,
			Status: model.MilestonePending,
		})
	}

	if err := s.dealRepo.Create(ctx, deal); err != nil {
		return nil, fmt.Errorf("store deal: %w", err)
	}
	return deal, nil
}

func (s *dealServiceImpl) Get(ctx context.Context, id string) (*model.Deal, error) {
	return s.dealRepo.Get(ctx, nil, id)
}

func (s *dealServiceImpl) Update(ctx context.Context, id string, in UpdateDealInput) (*model.Deal, error) {
	deal, err := s.dealRepo.Get(ctx, nil, id)
	if err != nil {
		return nil, err
	}

	expected := deal.Version
	if in.Version != nil {
		if *in.Version != deal.Version {
			return nil, fmt.Errorf("deal %s is at version %d, not %d: %w",
				id, deal.Version, *in.Version, apperr.ErrConcurrentModification)
		}
		expected = *in.Version
	}

	next := *deal
	if in.Title != nil {
		title := strings.TrimSpace(*in.Title)
		if title == "" {
			return nil, fmt.Errorf("deal title is required: %w", apperr.ErrInvalidRequest)
		}
		next.Title = title
	}

	cancelled := false
	if in.Status != nil && *in.Status != deal.Status {
		if err := checkDealTransition(deal, *in.Status); err != nil {
			return nil, err
		}
		next.Status = *in.Status
		if next.Status == model.DealCancelled {
			next.CancelledBy = in.Actor
			cancelled = true
		}
	}

	if next.Title == deal.Title && next.Status == deal.Status {
		return deal, nil
	}

	if err := s.dealRepo.CompareAndSwap(ctx, nil, &next, expected); err != nil {
		return nil, err
	}

	if cancelled {
		publishAll(ctx, s.publisher, s.logger, []notify.Notification{{
			DealID:     id,
			EventType:  notify.DealCancelled,
			OccurredAt: time.Now().UTC(),
		}})
	}
	return &next, nil
}

func checkDealTransition(deal *model.Deal, to model.DealStatus) error {
	if deal.Status != model.DealActive {
		return fmt.Errorf("deal %s is %s: %w", deal.ID, deal.Status, apperr.ErrInvalidDealTransition)
	}

	switch to {
	case model.DealCancelled:
		switch deal.PaymentStatus {
		case model.DealPaid, model.DealPartiallyRefunded:
			return fmt.Errorf("deal %s: %w", deal.ID, apperr.ErrDealAlreadyPaid)
		}
		return nil
	case model.DealCompleted:
		if deal.PaymentStatus != model.DealPaid {
			return fmt.Errorf("deal %s cannot complete while %s: %w", deal.ID, deal.PaymentStatus, apperr.ErrInvalidDealTransition)
		}
		return nil
	}

	return fmt.Errorf("deal %s cannot move to %s: %w", deal.ID, to, apperr.ErrInvalidDealTransition)
}
