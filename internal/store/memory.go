package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jogardn/payment-reconciler/pkg/models"
)

// MemoryStore keeps everything behind one mutex, which makes every method
// linearizable.
type MemoryStore struct {
	mu          sync.RWMutex
	orders      map[string]models.Order
	payments    map[string]models.Payment
	byReference map[string]string
	users       map[string]string
	now         func() time.Time
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders:      make(map[string]models.Order),
		payments:    make(map[string]models.Payment),
		byReference: make(map[string]string),
		users:       make(map[string]string),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func copyOrder(o models.Order) *models.Order {
	o.Items = append([]models.OrderItem(nil), o.Items...)
	if o.LockedAt != nil {
		t := *o.LockedAt
		o.LockedAt = &t
	}
	return &o
}

func (m *MemoryStore) CreateOrder(ctx context.Context, order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if order.ID == "" {
		order.ID = uuid.New().String()
	}
	now := m.now()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	m.orders[order.ID] = *copyOrder(*order)
	return nil
}

func (m *MemoryStore) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return copyOrder(o), nil
}

// SaveOrder writes every field except the lock and the paid state, which only
// CompareAndSetLock and MarkPaid may change.
func (m *MemoryStore) SaveOrder(ctx context.Context, order *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.orders[order.ID]
	if !ok {
		return ErrOrderNotFound
	}
	updated := *copyOrder(*order)
	updated.IsLocked = current.IsLocked
	updated.LockedAt = current.LockedAt
	updated.IsPaid = current.IsPaid
	updated.PaymentStatus = current.PaymentStatus
	updated.TotalPrice = current.TotalPrice
	updated.UpdatedAt = m.now()
	m.orders[order.ID] = updated
	order.UpdatedAt = updated.UpdatedAt
	return nil
}

func (m *MemoryStore) MarkPaid(ctx context.Context, id string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	o.IsPaid = true
	o.PaymentStatus = models.PaymentStatusCompleted
	o.UpdatedAt = m.now()
	m.orders[id] = o
	return copyOrder(o), nil
}

func (m *MemoryStore) ListLockedBefore(ctx context.Context, cutoff time.Time) ([]*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Order
	for _, o := range m.orders {
		if o.IsLocked && o.LockedAt != nil && o.LockedAt.Before(cutoff) {
			out = append(out, copyOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LockedAt.Before(*out[j].LockedAt) })
	return out, nil
}

func (m *MemoryStore) CompareAndSetLock(ctx context.Context, orderID string, expected, desired bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok {
		return false, ErrOrderNotFound
	}
	if o.IsLocked != expected {
		return false, nil
	}
	o.IsLocked = desired
	if desired {
		t := m.now()
		o.LockedAt = &t
	} else {
		o.LockedAt = nil
	}
	o.UpdatedAt = m.now()
	m.orders[orderID] = o
	return true, nil
}

func (m *MemoryStore) CreatePayment(ctx context.Context, payment *models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.byReference[payment.Reference]; exists {
		return ErrDuplicateReference
	}
	if payment.PaymentStatus == "" {
		payment.PaymentStatus = models.PaymentStatusPending
	}
	if payment.PaymentStatus == models.PaymentStatusPending {
		for _, p := range m.payments {
			if p.OrderID == payment.OrderID && p.PaymentStatus == models.PaymentStatusPending {
				return ErrPendingPaymentExists
			}
		}
	}
	if payment.ID == "" {
		payment.ID = uuid.New().String()
	}
	now := m.now()
	payment.CreatedAt = now
	payment.UpdatedAt = now

	m.payments[payment.ID] = *payment
	m.byReference[payment.Reference] = payment.ID
	return nil
}

func (m *MemoryStore) FindByReference(ctx context.Context, reference string) (*models.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byReference[reference]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	p := m.payments[id]
	return &p, nil
}

func (m *MemoryStore) FindPendingByOrder(ctx context.Context, orderID string) (*models.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, p := range m.payments {
		if p.OrderID == orderID && p.PaymentStatus == models.PaymentStatusPending {
			found := p
			return &found, nil
		}
	}
	return nil, ErrPaymentNotFound
}

func (m *MemoryStore) ListByOrder(ctx context.Context, orderID string) ([]*models.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*models.Payment
	for _, p := range m.payments {
		if p.OrderID == orderID {
			found := p
			out = append(out, &found)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) MarkCompleted(ctx context.Context, paymentID string) (*models.Payment, error) {
	return m.transition(paymentID, models.PaymentStatusCompleted)
}

func (m *MemoryStore) MarkFailed(ctx context.Context, paymentID string) (*models.Payment, error) {
	return m.transition(paymentID, models.PaymentStatusFailed)
}

func (m *MemoryStore) transition(paymentID string, to models.PaymentStatus) (*models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.payments[paymentID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	if p.PaymentStatus != models.PaymentStatusPending {
		return nil, ErrInvalidStateTransition
	}
	p.PaymentStatus = to
	p.UpdatedAt = m.now()
	m.payments[paymentID] = p
	return &p, nil
}

func (m *MemoryStore) CreateUser(ctx context.Context, id, email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users[id] = email
	return nil
}

func (m *MemoryStore) GetUserEmail(ctx context.Context, userID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	email, ok := m.users[userID]
	if !ok {
		return "", ErrUserNotFound
	}
	return email, nil
}
