package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jogardn/payment-reconciler/internal/store"
	"github.com/jogardn/payment-reconciler/pkg/models"
)

type CreateOrderRequest struct {
	UserID          string                 `json:"userId"`
	Email           string                 `json:"email"`
	Items           []models.OrderItem     `json:"items"`
	DeliveryAddress models.DeliveryAddress `json:"deliveryAddress"`
	PaymentMethod   models.PaymentMethod   `json:"paymentMethod"`
}

// CreateOrder records a new unpaid order. When an email is given it becomes
// the owner's contact address for gateway checkouts.
func (o *Orchestrator) CreateOrder(ctx context.Context, req CreateOrderRequest) (*models.Order, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		return nil, invalid("userId is required")
	}

	order, err := models.NewOrder(uuid.New().String(), req.UserID, req.Items, req.DeliveryAddress, req.PaymentMethod)
	if err != nil {
		return nil, invalid(err.Error())
	}

	if email := strings.TrimSpace(req.Email); email != "" {
		if err := o.users.CreateUser(ctx, req.UserID, email); err != nil {
			return nil, internal("failed to record user", err)
		}
	}
	if err := o.orders.CreateOrder(ctx, order); err != nil {
		return nil, internal("failed to create order", err)
	}

	o.logger.WithField("order_id", order.ID).WithField("total_price", order.TotalPrice).Info("Order created")
	return order, nil
}

// UpdateOrderStatus moves an order along its fulfilment chain. An order with
// a payment attempt in flight cannot be cancelled.
func (o *Orchestrator) UpdateOrderStatus(ctx context.Context, orderID string, status models.OrderStatus) (*models.Order, error) {
	order, err := o.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !order.OrderStatus.CanTransition(status) {
		return nil, invalid(fmt.Sprintf("cannot move order from %s to %s", order.OrderStatus, status))
	}
	if status == models.OrderStatusCancelled && (order.IsLocked || order.IsPaid) {
		if order.IsPaid {
			return nil, ErrOrderAlreadyPaid
		}
		return nil, ErrOrderBusy
	}

	order.OrderStatus = status
	if err := o.orders.SaveOrder(ctx, order); err != nil {
		if errors.Is(err, store.ErrOrderNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
		}
		return nil, internal("failed to save order", err)
	}

	o.logger.WithField("order_id", order.ID).WithField("order_status", status).Info("Order status updated")
	o.notify(order.ID, MessageOrderStatusUpdated, order)
	return order, nil
}
