// Package store persists orders, payments and the order lock flag.
//
// Two implementations share these contracts: PostgresStore for production
// and MemoryStore for tests and local runs against the gateway mock.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/jogardn/payment-reconciler/pkg/models"
)

var (
	ErrOrderNotFound          = errors.New("order not found")
	ErrPaymentNotFound        = errors.New("payment not found")
	ErrUserNotFound           = errors.New("user not found")
	ErrDuplicateReference     = errors.New("payment reference already exists")
	ErrPendingPaymentExists   = errors.New("order already has a pending payment")
	ErrInvalidStateTransition = errors.New("payment is not pending")
)

type OrderStore interface {
	CreateOrder(ctx context.Context, order *models.Order) error
	GetOrder(ctx context.Context, id string) (*models.Order, error)
	SaveOrder(ctx context.Context, order *models.Order) error
	// MarkPaid sets is_paid and the Completed payment status. It does not
	// touch the lock.
	MarkPaid(ctx context.Context, id string) (*models.Order, error)
	ListLockedBefore(ctx context.Context, cutoff time.Time) ([]*models.Order, error)
}

// LockStore is the only way to change an order's lock flag. The swap is
// atomic per order: of N concurrent calls expecting false, one succeeds.
type LockStore interface {
	CompareAndSetLock(ctx context.Context, orderID string, expected, desired bool) (bool, error)
}

type PaymentStore interface {
	CreatePayment(ctx context.Context, payment *models.Payment) error
	FindByReference(ctx context.Context, reference string) (*models.Payment, error)
	FindPendingByOrder(ctx context.Context, orderID string) (*models.Payment, error)
	ListByOrder(ctx context.Context, orderID string) ([]*models.Payment, error)
	MarkCompleted(ctx context.Context, paymentID string) (*models.Payment, error)
	MarkFailed(ctx context.Context, paymentID string) (*models.Payment, error)
}

type UserStore interface {
	CreateUser(ctx context.Context, id, email string) error
	GetUserEmail(ctx context.Context, userID string) (string, error)
}

// Store bundles every contract; both implementations satisfy it.
type Store interface {
	OrderStore
	LockStore
	PaymentStore
	UserStore
	Ping(ctx context.Context) error
}
