package model

import (
	"time"

	"gorm.io/datatypes"
)

// PaymentIntent is the local record of one attempted charge. It is mutated
// only through the payment state machine and never deleted.
type PaymentIntent struct {
	ID             string        `gorm:"primaryKey;size:64;not null"`
	DealID         string        `gorm:"size:64;index:idx_intent_deal_amount,priority:1;not null"`
	MilestoneID    string        `gorm:"size:64"`
	Amount         int64         `gorm:"index:idx_intent_deal_amount,priority:2;not null"` // minor units
	AmountRefunded int64         `gorm:"not null;default:0"`
	Currency       string        `gorm:"size:8;not null"`
	Status         PaymentStatus `gorm:"size:32;index;not null"`
	FailureCode    string        `gorm:"size:64"`
	FailureReason  string        `gorm:"size:255"`
	Metadata       datatypes.JSONMap
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// WebhookEvent is one inbound delivery, keyed by the processor event id.
// An empty Outcome means received but not applied yet.
type WebhookEvent struct {
	EventID         string       `gorm:"primaryKey;size:128;not null"`
	EventType       string       `gorm:"size:64;index"`
	PaymentIntentID string       `gorm:"size:64;index"`
	RawPayload      datatypes.JSON
	Outcome         EventOutcome `gorm:"size:16;index"`
	Reason          string       `gorm:"size:255"`
	Attempts        int          `gorm:"not null;default:0"`
	Deliveries      int          `gorm:"not null;default:1"`
	NextAttemptAt   *time.Time   `gorm:"index"`
	LeaseUntil      *time.Time
	LastError       string    `gorm:"size:512"`
	ReceivedAt      time.Time `gorm:"index;not null"`
	ProcessedAt     *time.Time
}

type Deal struct {
	ID            string            `gorm:"primaryKey;size:64;not null"`
	Title         string            `gorm:"size:255"`
	Status        DealStatus        `gorm:"size:32;index;not null"`
	PaymentStatus DealPaymentStatus `gorm:"size:32;not null"`
	Version       int               `gorm:"not null;default:1"` // bumped on every accepted write
	CancelledBy   string            `gorm:"size:64"`
	Milestones    []Milestone       `gorm:"foreignKey:DealID"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type Milestone struct {
	ID              string          `gorm:"primaryKey;size:64;not null"`
	DealID          string          `gorm:"size:64;index;not null"`
	Title           string          `gorm:"size:255"`
	Amount          int64           `gorm:"not null"`
	Status          MilestoneStatus `gorm:"size:32;not null"`
	PaymentIntentID string          `gorm:"size:64"`
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// RefundRecord is append-only. ID is the processor refund id, so a refund
// seen in several charge.refunded deliveries is recorded once.
type RefundRecord struct {
	ID              string    `gorm:"primaryKey;size:64;not null"`
	PaymentIntentID string    `gorm:"size:64;index;not null"`
	EventID         string    `gorm:"size:128;index"`
	AmountRefunded  int64     `gorm:"not null"`
	Reason          string    `gorm:"size:255"`
	AppliedAt       time.Time `gorm:"not null"`
}

// LedgerSnapshot is a projection of payment_intents and refund_records.
type LedgerSnapshot struct {
	Currency       string `gorm:"primaryKey;size:8;not null"`
	GrossEarnings  int64  `gorm:"not null;default:0"`
	RefundedAmount int64  `gorm:"not null;default:0"`
	NetEarnings    int64  `gorm:"not null;default:0"`
	UpdatedAt      time.Time
}
