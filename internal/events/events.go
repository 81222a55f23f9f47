// Package events carries payment lifecycle events to a message broker and
// consumes deferred verification requests.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jogardn/payment-reconciler/pkg/models"
)

const (
	PaymentCompletedTopic      = "payment.completed"
	PaymentFailedTopic         = "payment.failed"
	VerificationRequestedTopic = "payment.verification.requested"
	VerificationDLQTopic       = "payment.verification.dlq"
)

type PaymentEvent struct {
	EventID       string               `json:"event_id"`
	EventType     string               `json:"event_type"`
	PaymentID     string               `json:"payment_id"`
	OrderID       string               `json:"order_id"`
	UserID        string               `json:"user_id"`
	Reference     string               `json:"reference"`
	Amount        float64              `json:"amount"`
	PaymentStatus models.PaymentStatus `json:"payment_status"`
	EventTime     time.Time            `json:"event_time"`
}

// NewPaymentEvent builds the event published on topic for payment.
func NewPaymentEvent(topic string, payment *models.Payment) PaymentEvent {
	return PaymentEvent{
		EventID:       uuid.New().String(),
		EventType:     topic,
		PaymentID:     payment.ID,
		OrderID:       payment.OrderID,
		UserID:        payment.UserID,
		Reference:     payment.Reference,
		Amount:        payment.Amount,
		PaymentStatus: payment.PaymentStatus,
	}
}

// VerificationRequest asks for a verification the gateway could not answer
// in time. The order stays locked until one succeeds.
type VerificationRequest struct {
	Reference   string    `json:"reference"`
	OrderID     string    `json:"order_id,omitempty"`
	Attempts    int       `json:"attempts"`
	Reason      string    `json:"reason,omitempty"`
	RequestedAt time.Time `json:"requested_at"`
}

type Publisher interface {
	PublishPaymentEvent(ctx context.Context, event PaymentEvent) error
	PublishVerificationRequest(ctx context.Context, req VerificationRequest) error
	Close() error
}
