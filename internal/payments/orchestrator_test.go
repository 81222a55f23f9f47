package payments

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"

	"github.com/jogardn/payment-reconciler/internal/events"
	"github.com/jogardn/payment-reconciler/internal/paystack"
	"github.com/jogardn/payment-reconciler/internal/store"
	"github.com/jogardn/payment-reconciler/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewReferenceFormat(t *testing.T) {
	pattern := regexp.MustCompile(`^REF-\d{13}-[0-9a-z]{8}$`)
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		ref := NewReference()
		assert.Regexp(t, pattern, ref)
		assert.False(t, seen[ref], "duplicate reference %s", ref)
		seen[ref] = true
	}
}

func TestInitializeCreatesPendingPayment(t *testing.T) {
	f := newFixture(t)
	order := f.seedOrder(t, 5000)

	result, err := f.orch.Initialize(context.Background(), InitializeRequest{OrderID: order.ID, Amount: 5000})
	require.NoError(t, err)

	assert.NotEmpty(t, result.AuthorizationURL)
	assert.Equal(t, models.PaymentStatusPending, result.Payment.PaymentStatus)
	assert.Equal(t, 5000.0, result.Payment.Amount)
	assert.Equal(t, order.ID, result.Payment.OrderID)
	assert.Equal(t, models.PaymentMethodCard, result.Payment.PaymentMethod)

	assert.True(t, f.order(t, order.ID).IsLocked, "order stays locked until verification")

	// email falls back to the order owner and the order id travels as metadata
	assert.Equal(t, "buyer@example.com", f.gateway.lastInit.Email)
	assert.Equal(t, order.ID, f.gateway.lastInit.OrderID)
	assert.Equal(t, []string{MessagePaymentInitialized}, f.notifier.types)
}

func TestInitializeValidation(t *testing.T) {
	f := newFixture(t)
	order := f.seedOrder(t, 5000)

	tests := []struct {
		name string
		req  InitializeRequest
		want error
		kind ErrorKind
	}{
		{"missing order id", InitializeRequest{Amount: 5000}, ErrInvalidRequest, KindInvalidRequest},
		{"zero amount", InitializeRequest{OrderID: order.ID}, ErrInvalidRequest, KindInvalidRequest},
		{"amount mismatch", InitializeRequest{OrderID: order.ID, Amount: 4999}, ErrAmountMismatch, KindInvalidRequest},
		{"unknown order", InitializeRequest{OrderID: "missing", Amount: 5000}, ErrOrderNotFound, KindNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.orch.Initialize(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, tt.kind, Kind(err))
			assert.False(t, IsRetryable(err))
		})
	}

	initCalls, _ := f.gateway.calls()
	assert.Equal(t, 0, initCalls)
	assert.False(t, f.order(t, order.ID).IsLocked)
}

func TestInitializeRequiresEmail(t *testing.T) {
	f := newFixture(t)
	order, err := models.NewOrder("", "user-without-email",
		[]models.OrderItem{{ProductID: "p", Quantity: 2, UnitPrice: 10}},
		models.DeliveryAddress{Address: "a", City: "b"}, models.PaymentMethodCard)
	require.NoError(t, err)
	require.NoError(t, f.store.CreateOrder(context.Background(), order))

	_, err = f.orch.Initialize(context.Background(), InitializeRequest{OrderID: order.ID, Amount: 20})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.orch.Initialize(context.Background(), InitializeRequest{OrderID: order.ID, Amount: 20, Email: "x@example.com"})
	assert.NoError(t, err)
}

func TestInitializeRejectsPayOnDelivery(t *testing.T) {
	f := newFixture(t)
	order, err := models.NewOrder("", "user-1",
		[]models.OrderItem{{ProductID: "p", Quantity: 1, UnitPrice: 10}},
		models.DeliveryAddress{Address: "a", City: "b"}, models.PaymentMethodPayOnDelivery)
	require.NoError(t, err)
	require.NoError(t, f.store.CreateOrder(context.Background(), order))

	_, err = f.orch.Initialize(context.Background(), InitializeRequest{OrderID: order.ID, Amount: 10, Email: "a@b.c"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestInitializeWithPendingPaymentConflicts(t *testing.T) {
	f := newFixture(t)
	order := f.seedOrder(t, 5000)
	ctx := context.Background()

	_, err := f.orch.Initialize(ctx, InitializeRequest{OrderID: order.ID, Amount: 5000})
	require.NoError(t, err)

	_, err = f.orch.Initialize(ctx, InitializeRequest{OrderID: order.ID, Amount: 5000})
	assert.ErrorIs(t, err, ErrPaymentAlreadyInFlight)
	assert.Equal(t, KindConflict, Kind(err))

	initCalls, _ := f.gateway.calls()
	assert.Equal(t, 1, initCalls, "the gateway must not be contacted for a conflicting attempt")

	payments, err := f.store.ListByOrder(ctx, order.ID)
	require.NoError(t, err)
	assert.Len(t, payments, 1)
}

func TestInitializeOnLockedOrderIsBusy(t *testing.T) {
	f := newFixture(t)
	order := f.seedOrder(t, 5000)
	ctx := context.Background()

	ok, err := f.store.CompareAndSetLock(ctx, order.ID, false, true)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = f.orch.Initialize(ctx, InitializeRequest{OrderID: order.ID, Amount: 5000})
	assert.ErrorIs(t, err, ErrOrderBusy)
}

func TestInitializeNotAcceptedReleasesLock(t *testing.T) {
	f := newFixture(t)
	order := f.seedOrder(t, 5000)
	f.gateway.initFn = func(in paystack.InitRequest) (*paystack.InitResult, error) {
		return &paystack.InitResult{Accepted: false, Message: "Invalid key"}, nil
	}

	_, err := f.orch.Initialize(context.Background(), InitializeRequest{OrderID: order.ID, Amount: 5000})
	assert.ErrorIs(t, err, ErrPaymentInitFailed)
	assert.Equal(t, KindRejected, Kind(err))
	assert.Contains(t, err.Error(), "Invalid key")

	assert.False(t, f.order(t, order.ID).IsLocked)
	payments, _ := f.store.ListByOrder(context.Background(), order.ID)
	assert.Empty(t, payments)
}

func TestInitializeGatewayUnreachableReleasesLock(t *testing.T) {
	f := newFixture(t)
	order := f.seedOrder(t, 5000)
	f.gateway.initFn = func(in paystack.InitRequest) (*paystack.InitResult, error) {
		return nil, unreachable()
	}

	_, err := f.orch.Initialize(context.Background(), InitializeRequest{OrderID: order.ID, Amount: 5000})
	assert.ErrorIs(t, err, ErrGatewayUnavailable)
	assert.True(t, IsRetryable(err))
	assert.False(t, f.order(t, order.ID).IsLocked)
}

func TestInitializeGatewayRejectedReleasesLock(t *testing.T) {
	f := newFixture(t)
	order := f.seedOrder(t, 5000)
	f.gateway.initFn = func(in paystack.InitRequest) (*paystack.InitResult, error) {
		return nil, paystack.ErrGatewayRejected
	}

	_, err := f.orch.Initialize(context.Background(), InitializeRequest{OrderID: order.ID, Amount: 5000})
	assert.ErrorIs(t, err, ErrPaymentInitFailed)
	assert.False(t, f.order(t, order.ID).IsLocked)
}

type failingCreatePayment struct{ store.Store }

func (f failingCreatePayment) CreatePayment(ctx context.Context, p *models.Payment) error {
	return errors.New("disk full")
}

func TestInitializePersistFailureReleasesLock(t *testing.T) {
	mem := store.NewMemoryStore()
	f := newFixtureWithStore(t, mem, func(s store.Store) store.Store { return failingCreatePayment{s} })
	order := f.seedOrder(t, 5000)

	_, err := f.orch.Initialize(context.Background(), InitializeRequest{OrderID: order.ID, Amount: 5000})
	assert.Equal(t, KindInternal, Kind(err))
	assert.False(t, f.order(t, order.ID).IsLocked)
}

type racingCreatePayment struct{ store.Store }

func (f racingCreatePayment) CreatePayment(ctx context.Context, p *models.Payment) error {
	return store.ErrPendingPaymentExists
}

func TestInitializeLosingPersistRaceConflicts(t *testing.T) {
	mem := store.NewMemoryStore()
	f := newFixtureWithStore(t, mem, func(s store.Store) store.Store { return racingCreatePayment{s} })
	order := f.seedOrder(t, 5000)

	_, err := f.orch.Initialize(context.Background(), InitializeRequest{OrderID: order.ID, Amount: 5000})
	assert.ErrorIs(t, err, ErrPaymentAlreadyInFlight)
	assert.Equal(t, KindConflict, Kind(err))
	assert.False(t, f.order(t, order.ID).IsLocked)
}

func TestInitializeCancelledOrder(t *testing.T) {
	f := newFixture(t)
	order := f.seedOrder(t, 5000)
	ctx := context.Background()

	_, err := f.orch.UpdateOrderStatus(ctx, order.ID, models.OrderStatusCancelled)
	require.NoError(t, err)

	_, err = f.orch.Initialize(ctx, InitializeRequest{OrderID: order.ID, Amount: 5000})
	assert.ErrorIs(t, err, ErrOrderCancelled)
	assert.Equal(t, KindConflict, Kind(err))

	initCalls, _ := f.gateway.calls()
	assert.Zero(t, initCalls)
	assert.False(t, f.order(t, order.ID).IsLocked)
}

type failingRelease struct{ store.Store }

func (f failingRelease) CompareAndSetLock(ctx context.Context, orderID string, expected, desired bool) (bool, error) {
	if expected && !desired {
		return false, errors.New("connection reset")
	}
	return f.Store.CompareAndSetLock(ctx, orderID, expected, desired)
}

func TestReleaseFailureKeepsPrimaryError(t *testing.T) {
	mem := store.NewMemoryStore()
	f := newFixtureWithStore(t, mem, func(s store.Store) store.Store { return failingRelease{s} })
	order := f.seedOrder(t, 5000)
	f.gateway.initFn = func(in paystack.InitRequest) (*paystack.InitResult, error) {
		return nil, unreachable()
	}

	_, err := f.orch.Initialize(context.Background(), InitializeRequest{OrderID: order.ID, Amount: 5000})
	require.Error(t, err)
	assert.Equal(t, KindGatewayUnavailable, Kind(err))
	assert.Contains(t, err.Error(), "connection reset")
}

func TestConcurrentInitializeSingleWinner(t *testing.T) {
	f := newFixture(t)
	order := f.seedOrder(t, 5000)

	const callers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	start := make(chan struct{})

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.orch.Initialize(context.Background(), InitializeRequest{OrderID: order.ID, Amount: 5000})
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
			assert.Equal(t, KindConflict, Kind(err), "unexpected error: %v", err)
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, successes)
	initCalls, _ := f.gateway.calls()
	assert.Equal(t, 1, initCalls)

	payments, _ := f.store.ListByOrder(context.Background(), order.ID)
	assert.Len(t, payments, 1)
}

func initialized(t *testing.T, f *fixture, reference string) *models.Order {
	t.Helper()
	order := f.seedOrder(t, 5000)
	f.orch.newReference = func() string { return reference }
	_, err := f.orch.Initialize(context.Background(), InitializeRequest{OrderID: order.ID, Amount: 5000})
	require.NoError(t, err)
	return order
}

func TestVerifyExhaustedRetriesKeepsLock(t *testing.T) {
	f := newFixture(t)
	order := initialized(t, f, "REF-1")
	f.gateway.verifyFn = func(call int, reference string) (*paystack.VerifyResult, error) {
		return nil, unreachable()
	}

	_, err := f.orch.Verify(context.Background(), "REF-1")
	assert.ErrorIs(t, err, ErrGatewayUnavailable)
	assert.True(t, IsRetryable(err))

	_, verifyCalls := f.gateway.calls()
	assert.Equal(t, 3, verifyCalls)

	got := f.order(t, order.ID)
	assert.True(t, got.IsLocked, "unknown outcome must keep the order locked")
	assert.False(t, got.IsPaid)

	payment, err := f.store.FindByReference(context.Background(), "REF-1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, payment.PaymentStatus)

	require.Len(t, f.publisher.requests, 1)
	assert.Equal(t, "REF-1", f.publisher.requests[0].Reference)
	assert.Equal(t, order.ID, f.publisher.requests[0].OrderID)
	assert.Equal(t, 3, f.publisher.requests[0].Attempts)
	assert.Contains(t, f.notifier.types, MessagePaymentVerificationDeferred)
}

func TestVerifySucceedsAfterTransientFailures(t *testing.T) {
	f := newFixture(t)
	order := initialized(t, f, "REF-1")
	f.gateway.verifyFn = func(call int, reference string) (*paystack.VerifyResult, error) {
		if call <= 2 {
			return nil, unreachable()
		}
		return &paystack.VerifyResult{Succeeded: true, GatewayStatus: "success"}, nil
	}

	result, err := f.orch.Verify(context.Background(), "REF-1")
	require.NoError(t, err)
	assert.False(t, result.AlreadyReconciled)
	assert.Equal(t, models.PaymentStatusCompleted, result.Payment.PaymentStatus)
	assert.True(t, result.Order.IsPaid)
	assert.False(t, result.Order.IsLocked)

	got := f.order(t, order.ID)
	assert.True(t, got.IsPaid)
	assert.False(t, got.IsLocked)
	assert.Equal(t, models.PaymentStatusCompleted, got.PaymentStatus)

	require.Len(t, f.publisher.payments, 1)
	assert.Equal(t, "payment.completed", f.publisher.payments[0].EventType)
	assert.Contains(t, f.notifier.types, MessagePaymentCompleted)
}

func TestVerifyTwiceIsIdempotent(t *testing.T) {
	f := newFixture(t)
	order := initialized(t, f, "REF-1")
	ctx := context.Background()

	first, err := f.orch.Verify(ctx, "REF-1")
	require.NoError(t, err)
	before, _ := f.store.FindByReference(ctx, "REF-1")
	orderBefore := f.order(t, order.ID)

	second, err := f.orch.Verify(ctx, "REF-1")
	require.NoError(t, err)
	assert.True(t, second.AlreadyReconciled)
	assert.Equal(t, first.Payment.ID, second.Payment.ID)
	assert.Equal(t, models.PaymentStatusCompleted, second.Payment.PaymentStatus)

	assert.False(t, first.AlreadyReconciled)
	assert.Equal(t, first.Payment.PaymentStatus, second.Payment.PaymentStatus)
	assert.Equal(t, first.Payment.Reference, second.Payment.Reference)
	assert.Equal(t, first.Order.ID, second.Order.ID)
	assert.Equal(t, first.Order.IsPaid, second.Order.IsPaid)
	assert.Equal(t, first.Order.IsLocked, second.Order.IsLocked)

	after, _ := f.store.FindByReference(ctx, "REF-1")
	assert.Equal(t, before.UpdatedAt, after.UpdatedAt, "second verification must not mutate the payment")
	assert.Equal(t, orderBefore.UpdatedAt, f.order(t, order.ID).UpdatedAt)
	assert.Len(t, f.publisher.payments, 1)
}

func TestVerifyFailureMarksPaymentFailed(t *testing.T) {
	f := newFixture(t)
	order := initialized(t, f, "REF-1")
	f.gateway.verifyFn = func(call int, reference string) (*paystack.VerifyResult, error) {
		return &paystack.VerifyResult{Succeeded: false, GatewayStatus: "abandoned"}, nil
	}

	_, err := f.orch.Verify(context.Background(), "REF-1")
	assert.ErrorIs(t, err, ErrPaymentVerificationFailed)
	assert.False(t, IsRetryable(err))

	got := f.order(t, order.ID)
	assert.False(t, got.IsLocked)
	assert.False(t, got.IsPaid)

	payment, _ := f.store.FindByReference(context.Background(), "REF-1")
	assert.Equal(t, models.PaymentStatusFailed, payment.PaymentStatus)
	require.Len(t, f.publisher.payments, 1)
	assert.Equal(t, "payment.failed", f.publisher.payments[0].EventType)

	// a fresh attempt is possible once the failed one is settled
	f.orch.newReference = NewReference
	_, err = f.orch.Initialize(context.Background(), InitializeRequest{OrderID: order.ID, Amount: 5000})
	assert.NoError(t, err)
}

// flakyGetOrder fails order loads while fail is set.
type flakyGetOrder struct {
	store.Store
	fail *bool
}

func (f flakyGetOrder) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	if *f.fail {
		return nil, errors.New("connection reset")
	}
	return f.Store.GetOrder(ctx, id)
}

func TestVerifyFailureReleasesLockWhenOrderLoadFails(t *testing.T) {
	fail := false
	mem := store.NewMemoryStore()
	f := newFixtureWithStore(t, mem, func(s store.Store) store.Store { return flakyGetOrder{s, &fail} })
	order := initialized(t, f, "REF-1")
	require.True(t, f.order(t, order.ID).IsLocked)

	f.gateway.verifyFn = func(call int, reference string) (*paystack.VerifyResult, error) {
		return &paystack.VerifyResult{Succeeded: false, GatewayStatus: "failed"}, nil
	}
	fail = true
	_, err := f.orch.Verify(context.Background(), "REF-1")
	fail = false
	assert.ErrorIs(t, err, ErrPaymentVerificationFailed)

	payment, _ := f.store.FindByReference(context.Background(), "REF-1")
	assert.Equal(t, models.PaymentStatusFailed, payment.PaymentStatus)
	assert.False(t, f.order(t, order.ID).IsLocked)

	f.orch.newReference = NewReference
	_, err = f.orch.Initialize(context.Background(), InitializeRequest{OrderID: order.ID, Amount: 5000})
	assert.NoError(t, err)
}

func TestReverifyingFailedReferenceKeepsNewAttemptLocked(t *testing.T) {
	f := newFixture(t)
	order := initialized(t, f, "REF-A")
	ctx := context.Background()
	f.gateway.verifyFn = func(call int, reference string) (*paystack.VerifyResult, error) {
		return &paystack.VerifyResult{Succeeded: false, GatewayStatus: "abandoned", OrderID: order.ID}, nil
	}

	_, err := f.orch.Verify(ctx, "REF-A")
	require.ErrorIs(t, err, ErrPaymentVerificationFailed)
	require.False(t, f.order(t, order.ID).IsLocked)

	f.orch.newReference = func() string { return "REF-B" }
	_, err = f.orch.Initialize(ctx, InitializeRequest{OrderID: order.ID, Amount: 5000})
	require.NoError(t, err)
	require.True(t, f.order(t, order.ID).IsLocked)
	published := len(f.publisher.payments)
	notified := len(f.notifier.types)

	_, err = f.orch.Verify(ctx, "REF-A")
	assert.ErrorIs(t, err, ErrPaymentVerificationFailed)
	assert.Equal(t, KindRejected, Kind(err))

	assert.True(t, f.order(t, order.ID).IsLocked, "the REF-B attempt must keep its lock")
	pending, err := f.store.FindByReference(ctx, "REF-B")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, pending.PaymentStatus)
	assert.Len(t, f.publisher.payments, published)
	assert.Len(t, f.notifier.types, notified)

	_, err = f.orch.Initialize(ctx, InitializeRequest{OrderID: order.ID, Amount: 5000})
	assert.Equal(t, KindConflict, Kind(err))
}

func TestVerifyUnknownReferenceOnSuccess(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.Verify(context.Background(), "REF-unknown")
	assert.ErrorIs(t, err, ErrPaymentNotFound)
	assert.Equal(t, KindNotFound, Kind(err))
}

func TestVerifyFailureWithoutPaymentReleasesLockFromMetadata(t *testing.T) {
	f := newFixture(t)
	order := f.seedOrder(t, 5000)
	ok, err := f.store.CompareAndSetLock(context.Background(), order.ID, false, true)
	require.NoError(t, err)
	require.True(t, ok)

	f.gateway.verifyFn = func(call int, reference string) (*paystack.VerifyResult, error) {
		return &paystack.VerifyResult{Succeeded: false, GatewayStatus: "failed", OrderID: order.ID}, nil
	}

	_, err = f.orch.Verify(context.Background(), "REF-orphan")
	assert.ErrorIs(t, err, ErrPaymentVerificationFailed)
	assert.False(t, f.order(t, order.ID).IsLocked)
}

func TestVerifyRepairsUnpaidOrderOfCompletedPayment(t *testing.T) {
	f := newFixture(t)
	order := initialized(t, f, "REF-1")
	ctx := context.Background()

	payment, err := f.store.FindByReference(ctx, "REF-1")
	require.NoError(t, err)
	_, err = f.store.MarkCompleted(ctx, payment.ID)
	require.NoError(t, err)

	result, err := f.orch.Verify(ctx, "REF-1")
	require.NoError(t, err)
	assert.True(t, result.AlreadyReconciled)

	got := f.order(t, order.ID)
	assert.True(t, got.IsPaid)
	assert.False(t, got.IsLocked)
}

// ctxAwareStore fails lock changes once the caller's context is done, like a
// database driver would.
type ctxAwareStore struct{ store.Store }

func (s ctxAwareStore) CompareAndSetLock(ctx context.Context, orderID string, expected, desired bool) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return s.Store.CompareAndSetLock(ctx, orderID, expected, desired)
}

func TestAbandonedInitializeStillReleasesLock(t *testing.T) {
	mem := store.NewMemoryStore()
	f := newFixtureWithStore(t, mem, func(s store.Store) store.Store { return ctxAwareStore{s} })
	order := f.seedOrder(t, 5000)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.gateway.initFn = func(in paystack.InitRequest) (*paystack.InitResult, error) {
		cancel()
		return nil, unreachable()
	}

	_, err := f.orch.Initialize(ctx, InitializeRequest{OrderID: order.ID, Amount: 5000})
	assert.Equal(t, KindGatewayUnavailable, Kind(err))
	assert.False(t, f.order(t, order.ID).IsLocked)
}

func TestVerifyRequiresReference(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.Verify(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestCreateOrderAndUpdateStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, err := f.orch.CreateOrder(ctx, CreateOrderRequest{
		UserID: "user-9",
		Email:  "nine@example.com",
		Items: []models.OrderItem{
			{ProductID: "a", Quantity: 2, UnitPrice: 1500},
			{ProductID: "b", Quantity: 1, UnitPrice: 2000},
		},
		DeliveryAddress: models.DeliveryAddress{Address: "2 Allen Avenue", City: "Ikeja"},
		PaymentMethod:   models.PaymentMethodCard,
	})
	require.NoError(t, err)
	assert.Equal(t, 5000.0, order.TotalPrice)

	email, err := f.store.GetUserEmail(ctx, "user-9")
	require.NoError(t, err)
	assert.Equal(t, "nine@example.com", email)

	_, err = f.orch.UpdateOrderStatus(ctx, order.ID, models.OrderStatusShipped)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	updated, err := f.orch.UpdateOrderStatus(ctx, order.ID, models.OrderStatusProcessing)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusProcessing, updated.OrderStatus)

	_, err = f.orch.Initialize(ctx, InitializeRequest{OrderID: order.ID, Amount: 5000})
	require.NoError(t, err)
	_, err = f.orch.UpdateOrderStatus(ctx, order.ID, models.OrderStatusCancelled)
	assert.ErrorIs(t, err, ErrOrderBusy)
}

func TestCreateOrderValidation(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.CreateOrder(context.Background(), CreateOrderRequest{
		UserID:          "user-1",
		DeliveryAddress: models.DeliveryAddress{Address: "a", City: "b"},
		PaymentMethod:   models.PaymentMethodCard,
	})
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Contains(t, err.Error(), models.ErrNoItems.Error())
}

func TestDeferredVerifier(t *testing.T) {
	f := newFixture(t)
	order := initialized(t, f, "REF-1")
	v := NewDeferredVerifier(f.orch)

	f.gateway.verifyFn = func(call int, reference string) (*paystack.VerifyResult, error) {
		return nil, unreachable()
	}
	err := v.HandleVerificationRequest(context.Background(), events.VerificationRequest{Reference: "REF-1"})
	assert.True(t, v.IsRetryable(err))
	assert.Empty(t, f.publisher.requests, "deferred verification must not enqueue itself again")

	f.gateway.verifyFn = func(call int, reference string) (*paystack.VerifyResult, error) {
		return &paystack.VerifyResult{GatewayStatus: "failed"}, nil
	}
	require.NoError(t, v.HandleVerificationRequest(context.Background(), events.VerificationRequest{Reference: "REF-1"}))
	assert.False(t, f.order(t, order.ID).IsLocked)

	f.gateway.verifyFn = nil
	err = v.HandleVerificationRequest(context.Background(), events.VerificationRequest{Reference: "REF-missing"})
	assert.Error(t, err)
	assert.False(t, v.IsRetryable(err))
}
