// Package testutil provides a throwaway database and signed webhook payloads
// for package tests.
package testutil

import (
	"path/filepath"
	"payment-reconciler/internal/client"
	"payment-reconciler/internal/config"
	"payment-reconciler/internal/model"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// NewDB opens a migrated sqlite database in the test's temp dir.
func NewDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := client.InitDBClient(config.Database{
		Driver: "sqlite",
		URL:    filepath.Join(t.TempDir(), "test.db"),
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return db
}

// SeedDeal inserts an active, unpaid deal with one milestone.
func SeedDeal(t *testing.T, db *gorm.DB) *model.Deal {
	t.Helper()

	id := uuid.NewString()
	deal := &model.Deal{
		ID:            id,
		Title:         "Launch campaign",
		Status:        model.DealActive,
		PaymentStatus: model.DealUnpaid,
		Version:       1,
		Milestones: []model.Milestone{{
			ID:     uuid.NewString(),
			DealID: id,
			Title:  "Deposit",
			Amount: 100000,
			Status: model.MilestonePending,
		}},
	}
	require.NoError(t, db.Create(deal).Error)
	return deal
}

// SeedIntent inserts a payment intent for deal in the given status.
func SeedIntent(t *testing.T, db *gorm.DB, dealID string, amount int64, status model.PaymentStatus) *model.PaymentIntent {
	t.Helper()

	pi := &model.PaymentIntent{
		ID:        "pi_" + uuid.NewString(),
		DealID:    dealID,
		Amount:    amount,
		Currency:  "usd",
		Status:    status,
		CreatedAt: time.Now(),
	}
	require.NoError(t, db.Create(pi).Error)
	return pi
}
