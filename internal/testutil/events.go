package testutil

import (
	"encoding/json"
	"fmt"
	"time"
)

type Refund struct {
	ID     string
	Amount int64
}

func envelope(eventID, eventType string, object map[string]any) []byte {
	body, err := json.Marshal(map[string]any{
		"id":          eventID,
		"object":      "event",
		"type":        eventType,
		"created":     time.Now().Unix(),
		"api_version": "2025-03-31.basil",
		"data":        map[string]any{"object": object},
	})
	if err != nil {
		panic(fmt.Sprintf("marshal test event: %v", err))
	}
	return body
}

func intentObject(intentID string, amount int64) map[string]any {
	return map[string]any{
		"id":       intentID,
		"object":   "payment_intent",
		"amount":   amount,
		"currency": "usd",
	}
}

func ProcessingEvent(eventID, intentID string, amount int64) []byte {
	return envelope(eventID, "payment_intent.processing", intentObject(intentID, amount))
}

func SucceededEvent(eventID, intentID string, amount int64) []byte {
	obj := intentObject(intentID, amount)
	obj["status"] = "succeeded"
	obj["amount_received"] = amount
	return envelope(eventID, "payment_intent.succeeded", obj)
}

func FailedEvent(eventID, intentID string, amount int64, declineCode, message string) []byte {
	obj := intentObject(intentID, amount)
	obj["status"] = "requires_payment_method"
	obj["last_payment_error"] = map[string]any{
		"type":         "card_error",
		"code":         "card_declined",
		"decline_code": declineCode,
		"message":      message,
	}
	return envelope(eventID, "payment_intent.payment_failed", obj)
}

// RefundedEvent builds a charge.refunded delivery. amountRefunded is the
// cumulative figure; refunds may be nil to omit the refund list.
func RefundedEvent(eventID, intentID string, amount, amountRefunded int64, refunds []Refund) []byte {
	obj := map[string]any{
		"id":              "ch_" + intentID,
		"object":          "charge",
		"amount":          amount,
		"amount_refunded": amountRefunded,
		"refunded":        amountRefunded >= amount,
		"payment_intent":  intentID,
	}
	if refunds != nil {
		data := make([]map[string]any, 0, len(refunds))
		for _, r := range refunds {
			data = append(data, map[string]any{
				"id":     r.ID,
				"object": "refund",
				"amount": r.Amount,
				"status": "succeeded",
				"reason": "requested_by_customer",
			})
		}
		obj["refunds"] = map[string]any{"object": "list", "data": data}
	}
	return envelope(eventID, "charge.refunded", obj)
}

func UnhandledEvent(eventID string) []byte {
	return envelope(eventID, "customer.created", map[string]any{"id": "cus_1", "object": "customer"})
}
