package model

type PaymentStatus string

const (
	PaymentCreated           PaymentStatus = "created"
	PaymentPending           PaymentStatus = "pending"
	PaymentSucceeded         PaymentStatus = "succeeded"
	PaymentFailed            PaymentStatus = "failed"
	PaymentPartiallyRefunded PaymentStatus = "partially_refunded"
	PaymentFullyRefunded     PaymentStatus = "fully_refunded"
)

// EventOutcome is what happened to a webhook delivery. Duplicate is never
// stored on a row: the row belongs to the first delivery.
type EventOutcome string

const (
	OutcomeNone       EventOutcome = ""
	OutcomeApplied    EventOutcome = "applied"
	OutcomeDuplicate  EventOutcome = "duplicate"
	OutcomeRejected   EventOutcome = "rejected"
	OutcomeDeferred   EventOutcome = "deferred"
	OutcomeDeadLetter EventOutcome = "dead_letter"
)

// Final reports whether no further processing will happen without an
// operator replay.
func (o EventOutcome) Final() bool {
	switch o {
	case OutcomeApplied, OutcomeRejected, OutcomeDeadLetter:
		return true
	}
	return false
}

type DealStatus string

const (
	DealActive            DealStatus = "active"
	DealCancelled         DealStatus = "cancelled"
	DealCompleted         DealStatus = "completed"
	DealPaidThenCancelled DealStatus = "paid_then_cancelled"
)

type DealPaymentStatus string

const (
	DealUnpaid            DealPaymentStatus = "unpaid"
	DealPaymentPending    DealPaymentStatus = "pending"
	DealPaid              DealPaymentStatus = "paid"
	DealPaymentFailed     DealPaymentStatus = "failed"
	DealPartiallyRefunded DealPaymentStatus = "partially_refunded"
	DealRefunded          DealPaymentStatus = "refunded"
)

type MilestoneStatus string

const (
	MilestonePending  MilestoneStatus = "pending"
	MilestoneFunded   MilestoneStatus = "funded"
	MilestoneRefunded MilestoneStatus = "refunded"
)
