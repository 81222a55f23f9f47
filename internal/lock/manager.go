// Package lock guards an order against concurrent payment attempts.
//
// The lock is an advisory flag persisted on the order row. It is changed only
// through the store's compare-and-set primitive, so two callers racing for the
// same order can never both win. A process that dies between TryAcquire and
// Release leaks the lock; the sweeper package reclaims such locks.
package lock

import (
	"context"
	"fmt"

	"github.com/jogardn/payment-reconciler/internal/store"
	"github.com/sirupsen/logrus"
)

type Manager struct {
	store  store.LockStore
	logger *logrus.Logger
}

func NewManager(s store.LockStore, logger *logrus.Logger) *Manager {
	return &Manager{store: s, logger: logger}
}

// TryAcquire returns true only for the caller that flipped the flag.
func (m *Manager) TryAcquire(ctx context.Context, orderID string) (bool, error) {
	granted, err := m.store.CompareAndSetLock(ctx, orderID, false, true)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock for order %s: %w", orderID, err)
	}

	m.logger.WithFields(logrus.Fields{
		"order_id": orderID,
		"granted":  granted,
	}).Debug("Order lock acquisition attempted")

	return granted, nil
}

// Release clears the flag. Releasing an unlocked order is a no-op.
func (m *Manager) Release(ctx context.Context, orderID string) error {
	released, err := m.store.CompareAndSetLock(ctx, orderID, true, false)
	if err != nil {
		return fmt.Errorf("failed to release lock for order %s: %w", orderID, err)
	}

	if released {
		m.logger.WithField("order_id", orderID).Debug("Order lock released")
	}
	return nil
}
