package payments

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jogardn/payment-reconciler/internal/events"
	"github.com/jogardn/payment-reconciler/internal/lock"
	"github.com/jogardn/payment-reconciler/internal/paystack"
	"github.com/jogardn/payment-reconciler/internal/store"
	"github.com/jogardn/payment-reconciler/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

func unreachable() error {
	return fmt.Errorf("%w: connection refused", paystack.ErrGatewayUnreachable)
}

type fakeGateway struct {
	mu          sync.Mutex
	initCalls   int
	verifyCalls int
	lastInit    paystack.InitRequest

	initFn   func(in paystack.InitRequest) (*paystack.InitResult, error)
	verifyFn func(call int, reference string) (*paystack.VerifyResult, error)
}

func (g *fakeGateway) InitializeTransaction(ctx context.Context, in paystack.InitRequest) (*paystack.InitResult, error) {
	g.mu.Lock()
	g.initCalls++
	g.lastInit = in
	fn := g.initFn
	g.mu.Unlock()

	if fn != nil {
		return fn(in)
	}
	return &paystack.InitResult{
		AuthorizationURL: "https://checkout.paystack.com/" + in.Reference,
		Reference:        in.Reference,
		Accepted:         true,
	}, nil
}

func (g *fakeGateway) VerifyTransaction(ctx context.Context, reference string) (*paystack.VerifyResult, error) {
	g.mu.Lock()
	g.verifyCalls++
	call := g.verifyCalls
	fn := g.verifyFn
	g.mu.Unlock()

	if fn != nil {
		return fn(call, reference)
	}
	return &paystack.VerifyResult{Succeeded: true, GatewayStatus: "success"}, nil
}

func (g *fakeGateway) calls() (int, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.initCalls, g.verifyCalls
}

type recordingPublisher struct {
	mu       sync.Mutex
	payments []events.PaymentEvent
	requests []events.VerificationRequest
}

func (p *recordingPublisher) PublishPaymentEvent(ctx context.Context, event events.PaymentEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payments = append(p.payments, event)
	return nil
}

func (p *recordingPublisher) PublishVerificationRequest(ctx context.Context, req events.VerificationRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	return nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	types []string
}

func (n *recordingNotifier) Broadcast(orderID, messageType string, data interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.types = append(n.types, messageType)
}

type fixture struct {
	orch      *Orchestrator
	store     *store.MemoryStore
	gateway   *fakeGateway
	publisher *recordingPublisher
	notifier  *recordingNotifier
}

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithStore(t, store.NewMemoryStore())
}

// newFixtureWithStore lets a test wrap the memory store to inject failures.
func newFixtureWithStore(t *testing.T, mem *store.MemoryStore, wrap ...func(store.Store) store.Store) *fixture {
	t.Helper()
	logger := testLogger()

	var s store.Store = mem
	for _, w := range wrap {
		s = w(s)
	}

	f := &fixture{
		store:     mem,
		gateway:   &fakeGateway{},
		publisher: &recordingPublisher{},
		notifier:  &recordingNotifier{},
	}
	f.orch = NewOrchestrator(Dependencies{
		Orders:    s,
		Payments:  s,
		Users:     s,
		Locks:     lock.NewManager(s, logger),
		Gateway:   f.gateway,
		Publisher: f.publisher,
		Notifier:  f.notifier,
	}, Options{
		VerifyAttempts:     3,
		VerifyInitialDelay: time.Millisecond,
		VerifyMaxDelay:     2 * time.Millisecond,
	}, logger)
	return f
}

func (f *fixture) seedOrder(t *testing.T, total float64) *models.Order {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.store.CreateUser(ctx, "user-1", "buyer@example.com"))

	order, err := models.NewOrder("", "user-1",
		[]models.OrderItem{{ProductID: "prod-1", Quantity: 1, UnitPrice: total}},
		models.DeliveryAddress{Address: "1 Marina Road", City: "Lagos"},
		models.PaymentMethodCard)
	require.NoError(t, err)
	require.NoError(t, f.store.CreateOrder(ctx, order))
	return order
}

func (f *fixture) order(t *testing.T, id string) *models.Order {
	t.Helper()
	order, err := f.store.GetOrder(context.Background(), id)
	require.NoError(t, err)
	return order
}
