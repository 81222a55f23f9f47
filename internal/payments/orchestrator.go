// Package payments coordinates payment attempts between orders, the payment
// gateway and the payment records.
//
// An attempt holds the order lock from initialization until a definitive
// verification answer. Every state change after the lock is taken is decided
// by Decide and carried out by the orchestrator's effect runner, which always
// runs ReleaseLock even when an earlier effect fails.
package payments

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/jogardn/payment-reconciler/internal/events"
	"github.com/jogardn/payment-reconciler/internal/lock"
	"github.com/jogardn/payment-reconciler/internal/paystack"
	"github.com/jogardn/payment-reconciler/internal/retry"
	"github.com/jogardn/payment-reconciler/internal/store"
	"github.com/jogardn/payment-reconciler/pkg/models"
	"github.com/sirupsen/logrus"
)

// Websocket message types.
const (
	MessagePaymentInitialized          = "payment_initialized"
	MessagePaymentCompleted            = "payment_completed"
	MessagePaymentFailed               = "payment_failed"
	MessagePaymentVerificationDeferred = "payment_verification_deferred"
	MessageOrderStatusUpdated          = "order_status_updated"
)

const defaultCleanupTimeout = 5 * time.Second

type Gateway interface {
	InitializeTransaction(ctx context.Context, in paystack.InitRequest) (*paystack.InitResult, error)
	VerifyTransaction(ctx context.Context, reference string) (*paystack.VerifyResult, error)
}

type EventPublisher interface {
	PublishPaymentEvent(ctx context.Context, event events.PaymentEvent) error
	PublishVerificationRequest(ctx context.Context, req events.VerificationRequest) error
}

type Notifier interface {
	Broadcast(orderID, messageType string, data interface{})
}

type Dependencies struct {
	Orders   store.OrderStore
	Payments store.PaymentStore
	Users    store.UserStore
	Locks    *lock.Manager
	Gateway  Gateway
	// Publisher and Notifier are optional.
	Publisher EventPublisher
	Notifier  Notifier
}

type Options struct {
	VerifyAttempts     int
	VerifyInitialDelay time.Duration
	VerifyMaxDelay     time.Duration
	// CleanupTimeout bounds the effects that run after the caller's context
	// may already be gone.
	CleanupTimeout time.Duration
}

type InitializeRequest struct {
	OrderID string  `json:"orderId"`
	Email   string  `json:"email"`
	Amount  float64 `json:"amount"`
}

type InitializeResult struct {
	AuthorizationURL string
	Payment          *models.Payment
}

type VerifyResult struct {
	Payment           *models.Payment
	Order             *models.Order
	AlreadyReconciled bool
}

type Orchestrator struct {
	orders         store.OrderStore
	payments       store.PaymentStore
	users          store.UserStore
	locks          *lock.Manager
	gateway        Gateway
	publisher      EventPublisher
	notifier       Notifier
	verifyPolicy   retry.Policy
	cleanupTimeout time.Duration
	newReference   func() string
	logger         *logrus.Logger
}

func NewOrchestrator(deps Dependencies, opts Options, logger *logrus.Logger) *Orchestrator {
	if opts.VerifyAttempts <= 0 {
		opts.VerifyAttempts = retry.DefaultAttempts
	}
	if opts.VerifyInitialDelay <= 0 {
		opts.VerifyInitialDelay = retry.DefaultInitialDelay
	}
	if opts.VerifyMaxDelay <= 0 {
		opts.VerifyMaxDelay = retry.DefaultMaxDelay
	}
	if opts.CleanupTimeout <= 0 {
		opts.CleanupTimeout = defaultCleanupTimeout
	}

	o := &Orchestrator{
		orders:         deps.Orders,
		payments:       deps.Payments,
		users:          deps.Users,
		locks:          deps.Locks,
		gateway:        deps.Gateway,
		publisher:      deps.Publisher,
		notifier:       deps.Notifier,
		cleanupTimeout: opts.CleanupTimeout,
		newReference:   NewReference,
		logger:         logger,
	}
	o.verifyPolicy = retry.Policy{
		Attempts:     opts.VerifyAttempts,
		InitialDelay: opts.VerifyInitialDelay,
		MaxDelay:     opts.VerifyMaxDelay,
		Retryable: func(err error) bool {
			return errors.Is(err, paystack.ErrGatewayUnreachable)
		},
		OnRetry: func(attempt int, delay time.Duration, err error) {
			o.logger.WithError(err).WithFields(logrus.Fields{
				"attempt": attempt,
				"delay":   delay,
			}).Warn("Verification attempt failed, retrying")
		},
	}
	return o
}

// NewReference returns REF-<unix millis>-<8 base36 chars>.
func NewReference() string {
	id := uuid.New()
	suffix := strconv.FormatUint(binary.BigEndian.Uint64(id[:8]), 36)
	if len(suffix) < 8 {
		suffix = strings.Repeat("0", 8-len(suffix)) + suffix
	}
	return fmt.Sprintf("REF-%d-%s", time.Now().UnixMilli(), suffix[len(suffix)-8:])
}

func sameAmount(a, b float64) bool {
	return paystack.ToMinorUnits(a, 100) == paystack.ToMinorUnits(b, 100)
}

// Initialize starts a payment attempt for an order. On success the order
// stays locked until the attempt is verified.
func (o *Orchestrator) Initialize(ctx context.Context, req InitializeRequest) (*InitializeResult, error) {
	req.OrderID = strings.TrimSpace(req.OrderID)
	req.Email = strings.TrimSpace(req.Email)
	if req.OrderID == "" {
		return nil, invalid("orderId is required")
	}
	if req.Amount <= 0 || math.IsNaN(req.Amount) || math.IsInf(req.Amount, 0) {
		return nil, invalid("amount must be greater than zero")
	}

	order, err := o.orders.GetOrder(ctx, req.OrderID)
	if err != nil {
		if errors.Is(err, store.ErrOrderNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, req.OrderID)
		}
		return nil, internal("failed to load order", err)
	}
	if order.IsPaid {
		return nil, ErrOrderAlreadyPaid
	}
	if order.OrderStatus == models.OrderStatusCancelled {
		return nil, ErrOrderCancelled
	}
	if order.PaymentMethod != models.PaymentMethodCard {
		return nil, invalid(fmt.Sprintf("order payment method %q cannot be paid online", order.PaymentMethod))
	}
	if !sameAmount(req.Amount, order.TotalPrice) {
		return nil, ErrAmountMismatch
	}

	email := req.Email
	if email == "" {
		email, err = o.users.GetUserEmail(ctx, order.UserID)
		if err != nil && !errors.Is(err, store.ErrUserNotFound) {
			return nil, internal("failed to load user email", err)
		}
		if email == "" {
			return nil, invalid("email is required")
		}
	}

	pending, err := o.payments.FindPendingByOrder(ctx, order.ID)
	if err != nil && !errors.Is(err, store.ErrPaymentNotFound) {
		return nil, internal("failed to look up pending payments", err)
	}
	if pending != nil {
		return nil, fmt.Errorf("%w: reference %s", ErrPaymentAlreadyInFlight, pending.Reference)
	}

	if order.IsLocked {
		return nil, ErrOrderBusy
	}
	granted, err := o.locks.TryAcquire(ctx, order.ID)
	if err != nil {
		return nil, internal("failed to lock order", err)
	}
	if !granted {
		return nil, ErrOrderBusy
	}
	logger := o.logger.WithField("order_id", order.ID)
	reference := o.newReference()
	logger = logger.WithField("reference", reference)

	payment := &models.Payment{
		OrderID:       order.ID,
		UserID:        order.UserID,
		PaymentMethod: order.PaymentMethod,
		Amount:        order.TotalPrice,
		Reference:     reference,
		PaymentStatus: models.PaymentStatusPending,
	}
	target := &effectTarget{orderID: order.ID, order: order, payment: payment}

	res, gwErr := o.gateway.InitializeTransaction(ctx, paystack.InitRequest{
		Reference: reference,
		Email:     email,
		Amount:    order.TotalPrice,
		OrderID:   order.ID,
	})

	var event Event
	switch {
	case gwErr != nil && errors.Is(gwErr, paystack.ErrGatewayUnreachable):
		event = EventInitError
	case gwErr != nil, res == nil || !res.Accepted:
		event = EventInitRejected
	default:
		event = EventInitAccepted
	}

	snap := Snapshot{OrderKnown: true}
	decision := Decide(StateInitializing, event, snap)
	effectErr := o.apply(ctx, decision, target)

	switch decision.Outcome {
	case OutcomeGatewayUnavailable:
		logger.WithError(gwErr).Warn("Payment gateway unavailable during initialization")
		return nil, combine(fmt.Errorf("%w: %v", ErrGatewayUnavailable, gwErr), effectErr)

	case OutcomeInitFailed:
		msg := "gateway declined the transaction"
		if gwErr != nil {
			msg = gwErr.Error()
		} else if res != nil && res.Message != "" {
			msg = res.Message
		}
		logger.WithField("reason", msg).Warn("Payment initialization declined")
		return nil, combine(fmt.Errorf("%w: %s", ErrPaymentInitFailed, msg), effectErr)
	}

	if effectErr != nil {
		logger.WithError(effectErr).Error("Failed to record accepted payment")
		failure := Decide(decision.Next, EventPersistError, snap)
		releaseErr := o.apply(ctx, failure, target)
		recordErr := internal("failed to record payment", effectErr)
		if errors.Is(effectErr, store.ErrDuplicateReference) || errors.Is(effectErr, store.ErrPendingPaymentExists) {
			recordErr = fmt.Errorf("%w: %v", ErrPaymentAlreadyInFlight, effectErr)
		}
		return nil, combine(recordErr, releaseErr)
	}

	logger.WithField("payment_id", payment.ID).Info("Payment initialized, awaiting verification")
	o.notify(order.ID, MessagePaymentInitialized, payment)

	return &InitializeResult{AuthorizationURL: res.AuthorizationURL, Payment: payment}, nil
}

// Verify asks the gateway about reference and reconciles the payment and
// order with the answer. Verifying an already completed payment reports
// success again without changing anything.
func (o *Orchestrator) Verify(ctx context.Context, reference string) (*VerifyResult, error) {
	return o.verify(ctx, reference, true)
}

func (o *Orchestrator) verify(ctx context.Context, reference string, deferOnUnavailable bool) (*VerifyResult, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, invalid("reference is required")
	}
	logger := o.logger.WithField("reference", reference)

	var result *paystack.VerifyResult
	attempts, err := retry.Do(ctx, o.verifyPolicy, func(ctx context.Context, attempt int) error {
		r, err := o.gateway.VerifyTransaction(ctx, reference)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	if err != nil {
		logger.WithError(err).WithField("attempts", attempts).Warn("Verification exhausted retries, order stays locked")
		if deferOnUnavailable {
			o.deferVerification(ctx, reference, attempts, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}

	snap := Snapshot{}
	target := &effectTarget{}

	payment, err := o.payments.FindByReference(ctx, reference)
	switch {
	case err == nil:
		snap.PaymentFound = true
		snap.PaymentStatus = payment.PaymentStatus
		target.payment = payment
		target.orderID = payment.OrderID
	case errors.Is(err, store.ErrPaymentNotFound):
	default:
		logger.WithError(err).Error("Failed to look up payment")
	}
	if target.orderID == "" {
		target.orderID = result.OrderID
	}
	if target.orderID != "" {
		snap.OrderIDKnown = true
		order, err := o.orders.GetOrder(ctx, target.orderID)
		if err == nil {
			snap.OrderKnown = true
			snap.OrderPaid = order.IsPaid
			target.order = order
		} else {
			logger.WithError(err).WithField("order_id", target.orderID).Error("Failed to load order for verification")
		}
	}

	event := EventVerifyFailure
	if result.Succeeded {
		event = EventVerifySuccess
	}
	decision := Decide(StateAwaitingVerification, event, snap)
	effectErr := o.apply(ctx, decision, target)
	logger = logger.WithField("order_id", target.orderID)

	if effectErr != nil && errors.Is(effectErr, store.ErrInvalidStateTransition) {
		// Another verification finished this payment first.
		return o.reloadReconciled(ctx, reference, effectErr)
	}

	switch decision.Outcome {
	case OutcomeCompleted, OutcomeAlreadyReconciled:
		if effectErr != nil {
			logger.WithError(effectErr).Error("Failed to reconcile successful payment")
			return nil, internal("failed to reconcile payment", effectErr)
		}
		if decision.Outcome == OutcomeCompleted {
			logger.Info("Payment verified and order marked paid")
			o.publish(ctx, events.PaymentCompletedTopic, target)
			o.notify(target.orderID, MessagePaymentCompleted, target.payment)
		} else {
			logger.Info("Payment already reconciled")
		}
		return &VerifyResult{
			Payment:           target.payment,
			Order:             target.order,
			AlreadyReconciled: decision.Outcome == OutcomeAlreadyReconciled,
		}, nil

	case OutcomeFailed:
		logger.WithField("gateway_status", result.GatewayStatus).Info("Payment not successful at gateway")
		if target.payment != nil {
			o.publish(ctx, events.PaymentFailedTopic, target)
		}
		o.notify(target.orderID, MessagePaymentFailed, target.payment)
		msg := result.GatewayStatus
		if msg == "" {
			msg = result.Message
		}
		return nil, combine(fmt.Errorf("%w: %s", ErrPaymentVerificationFailed, msg), effectErr)

	case OutcomeAlreadyFailed:
		logger.Info("Payment was already settled as failed")
		return nil, fmt.Errorf("%w: payment %s already failed", ErrPaymentVerificationFailed, reference)

	default:
		if !snap.PaymentFound {
			logger.Error("Gateway reports a transaction with no matching payment record")
			return nil, combine(fmt.Errorf("%w: %s", ErrPaymentNotFound, reference), effectErr)
		}
		logger.WithFields(logrus.Fields{
			"payment_status": snap.PaymentStatus,
			"succeeded":      result.Succeeded,
			"order_known":    snap.OrderKnown,
		}).Error("Gateway answer contradicts payment records")
		return nil, combine(internal("payment records disagree with gateway", fmt.Errorf("payment %s is %s", reference, snap.PaymentStatus)), effectErr)
	}
}

func (o *Orchestrator) reloadReconciled(ctx context.Context, reference string, cause error) (*VerifyResult, error) {
	payment, err := o.payments.FindByReference(ctx, reference)
	if err != nil || payment.PaymentStatus != models.PaymentStatusCompleted {
		return nil, internal("payment changed during verification", cause)
	}
	order, err := o.orders.GetOrder(ctx, payment.OrderID)
	if err != nil {
		return nil, internal("failed to reload order", err)
	}
	return &VerifyResult{Payment: payment, Order: order, AlreadyReconciled: true}, nil
}

// GetOrder and ListPayments are read-only views for operators.
func (o *Orchestrator) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	order, err := o.orders.GetOrder(ctx, orderID)
	if errors.Is(err, store.ErrOrderNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
	}
	if err != nil {
		return nil, internal("failed to load order", err)
	}
	return order, nil
}

func (o *Orchestrator) ListPayments(ctx context.Context, orderID string) ([]*models.Payment, error) {
	if _, err := o.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	payments, err := o.payments.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, internal("failed to list payments", err)
	}
	if payments == nil {
		payments = []*models.Payment{}
	}
	return payments, nil
}

type effectTarget struct {
	orderID string
	order   *models.Order
	payment *models.Payment
}

// apply runs the decision's effects in order. A failed effect skips the
// remaining bookkeeping effects but never the lock release.
func (o *Orchestrator) apply(ctx context.Context, d Decision, t *effectTarget) error {
	if len(d.Effects) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cleanupTimeout)
	defer cancel()

	var result *multierror.Error
	failed := false
	for _, effect := range d.Effects {
		if failed && effect != EffectReleaseLock {
			continue
		}

		var err error
		switch effect {
		case EffectPersistPayment:
			err = o.payments.CreatePayment(ctx, t.payment)
		case EffectMarkPaymentCompleted:
			var p *models.Payment
			if p, err = o.payments.MarkCompleted(ctx, t.payment.ID); err == nil {
				t.payment = p
			}
		case EffectMarkPaymentFailed:
			var p *models.Payment
			if p, err = o.payments.MarkFailed(ctx, t.payment.ID); err == nil {
				t.payment = p
			}
		case EffectMarkOrderPaid:
			var ord *models.Order
			if ord, err = o.orders.MarkPaid(ctx, t.orderID); err == nil {
				t.order = ord
			}
		case EffectReleaseLock:
			if err = o.locks.Release(ctx, t.orderID); err == nil && t.order != nil {
				t.order.IsLocked = false
				t.order.LockedAt = nil
			}
		}

		if err != nil {
			failed = true
			result = multierror.Append(result, fmt.Errorf("%s: %w", effect, err))
			o.logger.WithError(err).WithFields(logrus.Fields{
				"effect":   effect.String(),
				"order_id": t.orderID,
			}).Error("Reconciliation effect failed")
		}
	}
	return result.ErrorOrNil()
}

func combine(primary, secondary error) error {
	if secondary == nil {
		return primary
	}
	return multierror.Append(primary, secondary)
}

func (o *Orchestrator) deferVerification(ctx context.Context, reference string, attempts int, cause error) {
	ctx = context.WithoutCancel(ctx)
	orderID := ""
	if payment, err := o.payments.FindByReference(ctx, reference); err == nil {
		orderID = payment.OrderID
	}
	o.notify(orderID, MessagePaymentVerificationDeferred, map[string]interface{}{
		"reference": reference,
		"attempts":  attempts,
	})

	if o.publisher == nil {
		return
	}
	req := events.VerificationRequest{
		Reference:   reference,
		OrderID:     orderID,
		Attempts:    attempts,
		Reason:      cause.Error(),
		RequestedAt: time.Now().UTC(),
	}
	if err := o.publisher.PublishVerificationRequest(ctx, req); err != nil {
		// Don't fail the request, the caller already gets a retryable error
		o.logger.WithError(err).WithField("reference", reference).Error("Failed to enqueue deferred verification")
	}
}

func (o *Orchestrator) publish(ctx context.Context, topic string, t *effectTarget) {
	if o.publisher == nil || t.payment == nil {
		return
	}
	event := events.NewPaymentEvent(topic, t.payment)
	if err := o.publisher.PublishPaymentEvent(context.WithoutCancel(ctx), event); err != nil {
		o.logger.WithError(err).WithFields(logrus.Fields{
			"topic":     topic,
			"reference": t.payment.Reference,
		}).Error("Failed to publish payment event")
	}
}

func (o *Orchestrator) notify(orderID, messageType string, data interface{}) {
	if o.notifier == nil || orderID == "" {
		return
	}
	o.notifier.Broadcast(orderID, messageType, data)
}
