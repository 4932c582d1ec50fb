package service

import (
	"context"
	"fmt"
	"payment-reconciler/internal/model"
	"payment-reconciler/internal/repository"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Drift is a currency whose incremental snapshot disagreed with the
// recomputed figure.
type Drift struct {
	Currency string
	Before   model.LedgerSnapshot
	After    model.LedgerSnapshot
}

type RebuildReport struct {
	Snapshots []*model.LedgerSnapshot
	Drift     []Drift
}

type LedgerService interface {
	Snapshot(ctx context.Context, currency string) (*model.LedgerSnapshot, error)
	List(ctx context.Context) ([]*model.LedgerSnapshot, error)
	// Rebuild recomputes every snapshot from payment intents and refund
	// records and overwrites the stored projection.
	Rebuild(ctx context.Context) (*RebuildReport, error)
}

type ledgerServiceImpl struct {
	db              *gorm.DB
	ledgerRepo      repository.LedgerRepository
	defaultCurrency string
	logger          *zap.Logger
}

func NewLedgerService(db *gorm.DB, ledgerRepo repository.LedgerRepository, defaultCurrency string, logger *zap.Logger) LedgerService {
	return &ledgerServiceImpl{
		db:              db,
		ledgerRepo:      ledgerRepo,
		defaultCurrency: defaultCurrency,
		logger:          logger,
	}
}

func (s *ledgerServiceImpl) Snapshot(ctx context.Context, currency string) (*model.LedgerSnapshot, error) {
	currency = strings.ToLower(strings.TrimSpace(currency))
	if currency == "" {
		currency = s.defaultCurrency
	}
	return s.ledgerRepo.Get(ctx, currency)
}

func (s *ledgerServiceImpl) List(ctx context.Context) ([]*model.LedgerSnapshot, error) {
	return s.ledgerRepo.List(ctx, nil)
}

// Rebuild holds the snapshot rows locked from the read of the current
// figures to the replace, so a payment booked meanwhile lands either in the
// aggregate or on top of the rebuilt rows.
func (s *ledgerServiceImpl) Rebuild(ctx context.Context) (*RebuildReport, error) {
	var report *RebuildReport
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.ledgerRepo.LockAll(ctx, tx)
		if err != nil {
			return fmt.Errorf("load ledger: %w", err)
		}
		totals, err := s.ledgerRepo.Aggregate(ctx, tx)
		if err != nil {
			return fmt.Errorf("aggregate ledger: %w", err)
		}

		report = diffTotals(current, totals)

		if err := s.ledgerRepo.Replace(ctx, tx, report.Snapshots); err != nil {
			return fmt.Errorf("store ledger: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for _, d := range report.Drift {
		s.logger.Warn("ledger drift",
			zap.String("currency", d.Currency),
			zap.Int64("net_before", d.Before.NetEarnings),
			zap.Int64("net_after", d.After.NetEarnings),
		)
	}
	return report, nil
}

func diffTotals(current []*model.LedgerSnapshot, totals map[string]*repository.Totals) *RebuildReport {
	before := make(map[string]model.LedgerSnapshot, len(current))
	for _, snap := range current {
		before[snap.Currency] = *snap
	}

	now := time.Now().UTC()
	report := &RebuildReport{}
	currencies := make([]string, 0, len(totals))
	for c := range totals {
		currencies = append(currencies, c)
	}
	for c := range before {
		if _, ok := totals[c]; !ok {
			currencies = append(currencies, c)
		}
	}
	sort.Strings(currencies)

	for _, c := range currencies {
		after := model.LedgerSnapshot{Currency: c, UpdatedAt: now}
		if t, ok := totals[c]; ok {
			after.GrossEarnings = t.Gross
			after.RefundedAmount = t.Refunded
			after.NetEarnings = t.Gross - t.Refunded
		}

		prev := before[c]
		if prev.GrossEarnings != after.GrossEarnings ||
			prev.RefundedAmount != after.RefundedAmount ||
			prev.NetEarnings != after.NetEarnings {
			report.Drift = append(report.Drift, Drift{Currency: c, Before: prev, After: after})
		}

		if _, ok := totals[c]; ok {
			snap := after
			report.Snapshots = append(report.Snapshots, &snap)
		}
	}
	return report
}
