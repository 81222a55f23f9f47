package lock

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/jogardn/payment-reconciler/internal/store"
	"github.com/jogardn/payment-reconciler/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T) (*Manager, *store.MemoryStore, string) {
	t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)

	s := store.NewMemoryStore()
	order := &models.Order{UserID: "user-1", TotalPrice: 100, PaymentMethod: models.PaymentMethodCard}
	require.NoError(t, s.CreateOrder(context.Background(), order))
	return NewManager(s, logger), s, order.ID
}

func TestTryAcquireAndRelease(t *testing.T) {
	ctx := context.Background()
	m, s, orderID := newManager(t)

	granted, err := m.TryAcquire(ctx, orderID)
	require.NoError(t, err)
	assert.True(t, granted)

	granted, err = m.TryAcquire(ctx, orderID)
	require.NoError(t, err)
	assert.False(t, granted, "second acquire must not be granted")

	require.NoError(t, m.Release(ctx, orderID))
	order, _ := s.GetOrder(ctx, orderID)
	assert.False(t, order.IsLocked)

	require.NoError(t, m.Release(ctx, orderID), "release of an unlocked order is a no-op")

	granted, err = m.TryAcquire(ctx, orderID)
	require.NoError(t, err)
	assert.True(t, granted)
}

func TestTryAcquireMissingOrder(t *testing.T) {
	m, _, _ := newManager(t)

	_, err := m.TryAcquire(context.Background(), "missing")
	assert.True(t, errors.Is(err, store.ErrOrderNotFound))

	err = m.Release(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrOrderNotFound)
}

func TestTryAcquireConcurrent(t *testing.T) {
	ctx := context.Background()
	m, _, orderID := newManager(t)

	const callers = 100
	results := make([]bool, callers)
	var wg sync.WaitGroup
	start := make(chan struct{})

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			granted, err := m.TryAcquire(ctx, orderID)
			assert.NoError(t, err)
			results[i] = granted
		}(i)
	}
	close(start)
	wg.Wait()

	var trues, falses int
	for _, granted := range results {
		if granted {
			trues++
		} else {
			falses++
		}
	}
	assert.Equal(t, 1, trues)
	assert.Equal(t, callers-1, falses)
}
