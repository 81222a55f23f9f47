package models

import "time"

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "Pending"
	PaymentStatusCompleted PaymentStatus = "Completed"
	PaymentStatusFailed    PaymentStatus = "Failed"
)

func (s PaymentStatus) Terminal() bool {
	return s == PaymentStatusCompleted || s == PaymentStatusFailed
}

// Payment is one attempt to charge an order. Reference is unique across all
// attempts and is the key the gateway knows the transaction by.
type Payment struct {
	ID            string        `json:"id"`
	OrderID       string        `json:"order_id"`
	UserID        string        `json:"user_id"`
	PaymentMethod PaymentMethod `json:"payment_method"`
	Amount        float64       `json:"amount"`
	Reference     string        `json:"reference"`
	PaymentStatus PaymentStatus `json:"payment_status"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

type InitializeResponse struct {
	Success          bool     `json:"success"`
	Message          string   `json:"message"`
	AuthorizationURL string   `json:"authorizationUrl"`
	Payment          *Payment `json:"payment"`
}

type VerifyResponse struct {
	Success           bool     `json:"success"`
	Message           string   `json:"message"`
	Payment           *Payment `json:"payment"`
	Order             *Order   `json:"order"`
	AlreadyReconciled bool     `json:"alreadyReconciled"`
}

type ErrorResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}
