package dto

import (
	"payment-reconciler/internal/model"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type CreateIntentRequest struct {
	Amount      int64  `json:"amount"`
	DealID      string `json:"dealId"`
	Currency    string `json:"currency"`
	MilestoneID string `json:"milestoneId"`
}

type CreateIntentResponse struct {
	PaymentIntentID string `json:"paymentIntentId"`
	Status          string `json:"status"`
}

type PaymentStatusResponse struct {
	PaymentIntentID string `json:"paymentIntentId"`
	DealID          string `json:"dealId"`
	Status          string `json:"status"`
	Amount          int64  `json:"amount"`
	AmountRefunded  int64  `json:"amountRefunded"`
	Currency        string `json:"currency"`
	AmountDisplay   string `json:"amountDisplay"`
	FailureCode     string `json:"failureCode,omitempty"`
	FailureReason   string `json:"failureReason,omitempty"`
}

type WebhookResponse struct {
	Received bool   `json:"received"`
	EventID  string `json:"eventId,omitempty"`
	Outcome  string `json:"outcome"`
	Reason   string `json:"reason,omitempty"`
}

type LedgerResponse struct {
	Currency       string    `json:"currency"`
	GrossEarnings  string    `json:"grossEarnings"`
	RefundedAmount string    `json:"refundedAmount"`
	NetEarnings    string    `json:"netEarnings"`
	UpdatedAt      time.Time `json:"updatedAt,omitempty"`
}

type LedgerDrift struct {
	Currency  string `json:"currency"`
	NetBefore string `json:"netBefore"`
	NetAfter  string `json:"netAfter"`
}

type RebuildLedgerResponse struct {
	Ledgers []LedgerResponse `json:"ledgers"`
	Drift   []LedgerDrift    `json:"drift"`
}

type MilestoneRequest struct {
	Title  string `json:"title"`
	Amount int64  `json:"amount"`
}

type CreateDealRequest struct {
	Title      string             `json:"title"`
	Milestones []MilestoneRequest `json:"milestones"`
}

type UpdateDealRequest struct {
	Title   *string `json:"title"`
	Status  *string `json:"status"`
	Version *int    `json:"version"`
}

type MilestoneResponse struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	Amount          int64  `json:"amount"`
	Status          string `json:"status"`
	PaymentIntentID string `json:"paymentIntentId,omitempty"`
}

type DealResponse struct {
	ID            string              `json:"id"`
	Title         string              `json:"title"`
	Status        string              `json:"status"`
	PaymentStatus string              `json:"paymentStatus"`
	Version       int                 `json:"version"`
	CancelledBy   string              `json:"cancelledBy,omitempty"`
	Milestones    []MilestoneResponse `json:"milestones"`
	UpdatedAt     time.Time           `json:"updatedAt"`
}

type WebhookEventResponse struct {
	EventID         string     `json:"eventId"`
	EventType       string     `json:"eventType"`
	PaymentIntentID string     `json:"paymentIntentId,omitempty"`
	Outcome         string     `json:"outcome"`
	Reason          string     `json:"reason,omitempty"`
	Attempts        int        `json:"attempts"`
	Deliveries      int        `json:"deliveries"`
	LastError       string     `json:"lastError,omitempty"`
	ReceivedAt      time.Time  `json:"receivedAt"`
	ProcessedAt     *time.Time `json:"processedAt,omitempty"`
}

// zeroDecimal lists currencies whose minor unit is the major unit.
var zeroDecimal = map[string]bool{
	"bif": true, "clp": true, "djf": true, "gnf": true, "jpy": true,
	"kmf": true, "krw": true, "mga": true, "pyg": true, "rwf": true,
	"ugx": true, "vnd": true, "vuv": true, "xaf": true, "xof": true, "xpf": true,
}

// Money renders an amount in minor units as a decimal string.
func Money(amount int64, currency string) string {
	if zeroDecimal[strings.ToLower(currency)] {
		return decimal.NewFromInt(amount).StringFixed(0)
	}
	return decimal.New(amount, -2).StringFixed(2)
}

func NewPaymentStatus(pi *model.PaymentIntent) PaymentStatusResponse {
	return PaymentStatusResponse{
		PaymentIntentID: pi.ID,
		DealID:          pi.DealID,
		Status:          string(pi.Status),
		Amount:          pi.Amount,
		AmountRefunded:  pi.AmountRefunded,
		Currency:        pi.Currency,
		AmountDisplay:   Money(pi.Amount, pi.Currency),
		FailureCode:     pi.FailureCode,
		FailureReason:   pi.FailureReason,
	}
}

func NewLedger(s *model.LedgerSnapshot) LedgerResponse {
	return LedgerResponse{
		Currency:       s.Currency,
		GrossEarnings:  Money(s.GrossEarnings, s.Currency),
		RefundedAmount: Money(s.RefundedAmount, s.Currency),
		NetEarnings:    Money(s.NetEarnings, s.Currency),
		UpdatedAt:      s.UpdatedAt,
	}
}

func NewDeal(d *model.Deal) DealResponse {
	out := DealResponse{
		ID:            d.ID,
		Title:         d.Title,
		Status:        string(d.Status),
		PaymentStatus: string(d.PaymentStatus),
		Version:       d.Version,
		CancelledBy:   d.CancelledBy,
		Milestones:    make([]MilestoneResponse, 0, len(d.Milestones)),
		UpdatedAt:     d.UpdatedAt,
	}
	for _, m := range d.Milestones {
		out.Milestones = append(out.Milestones, MilestoneResponse{
			ID:              m.ID,
			Title:           m.Title,
			Amount:          m.Amount,
			Status:          string(m.Status),
			PaymentIntentID: m.PaymentIntentID,
		})
	}
	return out
}

func NewWebhookEvent(e *model.WebhookEvent) WebhookEventResponse {
	outcome := string(e.Outcome)
	if outcome == "" {
		outcome = "pending"
	}
	return WebhookEventResponse{
		EventID:         e.EventID,
		EventType:       e.EventType,
		PaymentIntentID: e.PaymentIntentID,
		Outcome:         outcome,
		Reason:          e.Reason,
		Attempts:        e.Attempts,
		Deliveries:      e.Deliveries,
		LastError:       e.LastError,
		ReceivedAt:      e.ReceivedAt,
		ProcessedAt:     e.ProcessedAt,
	}
}
