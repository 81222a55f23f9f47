package models

import (
	"errors"
	"time"
)

type PaymentMethod string

const (
	PaymentMethodCard          PaymentMethod = "Card"
	PaymentMethodPayOnDelivery PaymentMethod = "Pay-on-Delivery"
)

func (m PaymentMethod) Valid() bool {
	return m == PaymentMethodCard || m == PaymentMethodPayOnDelivery
}

type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "Pending"
	OrderStatusProcessing OrderStatus = "Processing"
	OrderStatusShipped    OrderStatus = "Shipped"
	OrderStatusDelivered  OrderStatus = "Delivered"
	OrderStatusCancelled  OrderStatus = "Cancelled"
)

// Terminal reports whether no further status change is allowed.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled
}

// CanTransition allows one step forward along Pending→Processing→Shipped→Delivered,
// or Cancelled from any non-terminal status.
func (s OrderStatus) CanTransition(to OrderStatus) bool {
	if s.Terminal() {
		return false
	}
	if to == OrderStatusCancelled {
		return true
	}
	switch s {
	case OrderStatusPending:
		return to == OrderStatusProcessing
	case OrderStatusProcessing:
		return to == OrderStatusShipped
	case OrderStatusShipped:
		return to == OrderStatusDelivered
	}
	return false
}

var (
	ErrNoItems              = errors.New("order has no items")
	ErrInvalidQuantity      = errors.New("item quantity must be greater than zero")
	ErrInvalidUnitPrice     = errors.New("item unit price must not be negative")
	ErrInvalidPaymentMethod = errors.New("invalid payment method")
	ErrMissingAddress       = errors.New("delivery address is required")
)

type Order struct {
	ID              string          `json:"id"`
	UserID          string          `json:"user_id"`
	Items           []OrderItem     `json:"items"`
	DeliveryAddress DeliveryAddress `json:"delivery_address"`
	PaymentMethod   PaymentMethod   `json:"payment_method"`
	TotalPrice      float64         `json:"total_price"`
	IsPaid          bool            `json:"is_paid"`
	IsLocked        bool            `json:"is_locked"`
	LockedAt        *time.Time      `json:"locked_at,omitempty"`
	OrderStatus     OrderStatus     `json:"order_status"`
	PaymentStatus   PaymentStatus   `json:"payment_status"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

type OrderItem struct {
	ProductID string  `json:"product_id"`
	Quantity  int     `json:"quantity"`
	UnitPrice float64 `json:"unit_price"`
}

type DeliveryAddress struct {
	Address string `json:"address"`
	City    string `json:"city"`
}

// NewOrder builds an unpaid, unlocked order in Pending status. TotalPrice is
// fixed here from the item prices and never recomputed.
func NewOrder(id, userID string, items []OrderItem, address DeliveryAddress, method PaymentMethod) (*Order, error) {
	if len(items) == 0 {
		return nil, ErrNoItems
	}
	if address.Address == "" || address.City == "" {
		return nil, ErrMissingAddress
	}
	if !method.Valid() {
		return nil, ErrInvalidPaymentMethod
	}

	var total float64
	for _, item := range items {
		if item.Quantity <= 0 {
			return nil, ErrInvalidQuantity
		}
		if item.UnitPrice < 0 {
			return nil, ErrInvalidUnitPrice
		}
		total += float64(item.Quantity) * item.UnitPrice
	}

	now := time.Now().UTC()
	return &Order{
		ID:              id,
		UserID:          userID,
		Items:           items,
		DeliveryAddress: address,
		PaymentMethod:   method,
		TotalPrice:      total,
		OrderStatus:     OrderStatusPending,
		PaymentStatus:   PaymentStatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}
