package payments

import (
	"errors"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/jogardn/payment-reconciler/internal/store"
)

type ErrorKind string

const (
	KindInvalidRequest     ErrorKind = "INVALID_REQUEST"
	KindNotFound           ErrorKind = "NOT_FOUND"
	KindConflict           ErrorKind = "CONFLICT"
	KindGatewayUnavailable ErrorKind = "GATEWAY_UNAVAILABLE"
	KindRejected           ErrorKind = "REJECTED"
	KindInternal           ErrorKind = "INTERNAL"
)

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrOrderNotFound  = errors.New("order not found")
	// ErrPaymentNotFound on verification means the provider knows a
	// transaction we have no record of.
	ErrPaymentNotFound           = errors.New("payment not found")
	ErrPaymentAlreadyInFlight    = errors.New("a payment is already in progress for this order")
	ErrOrderBusy                 = errors.New("order is being processed by another payment attempt")
	ErrOrderAlreadyPaid          = errors.New("order is already paid")
	ErrOrderCancelled            = errors.New("order is cancelled")
	ErrPaymentInitFailed         = errors.New("payment initialization failed")
	ErrGatewayUnavailable        = errors.New("payment gateway unavailable")
	ErrPaymentVerificationFailed = errors.New("payment verification failed")
	ErrInternal                  = errors.New("internal error")

	ErrAmountMismatch = fmt.Errorf("%w: amount does not match order total", ErrInvalidRequest)
)

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidRequest, msg)
}

func internal(msg string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrInternal, msg, err)
}

// Kind classifies err for callers that need to pick a response. Unknown
// errors are Internal. For combined errors only the first one counts; the rest
// are cleanup failures.
func Kind(err error) ErrorKind {
	err = primary(err)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInternal):
		return KindInternal
	case errors.Is(err, ErrInvalidRequest):
		return KindInvalidRequest
	case errors.Is(err, ErrOrderNotFound), errors.Is(err, ErrPaymentNotFound),
		errors.Is(err, store.ErrOrderNotFound), errors.Is(err, store.ErrPaymentNotFound):
		return KindNotFound
	case errors.Is(err, ErrPaymentAlreadyInFlight), errors.Is(err, ErrOrderBusy),
		errors.Is(err, ErrOrderAlreadyPaid), errors.Is(err, ErrOrderCancelled),
		errors.Is(err, store.ErrPendingPaymentExists),
		errors.Is(err, store.ErrDuplicateReference):
		return KindConflict
	case errors.Is(err, ErrGatewayUnavailable):
		return KindGatewayUnavailable
	case errors.Is(err, ErrPaymentInitFailed), errors.Is(err, ErrPaymentVerificationFailed):
		return KindRejected
	default:
		return KindInternal
	}
}

// IsRetryable separates "could not reach the provider, try again" from a
// definitive answer.
func IsRetryable(err error) bool {
	return Kind(err) == KindGatewayUnavailable
}

// primary strips the cleanup failures a multierror carries after the error
// that ended the operation.
func primary(err error) error {
	var merr *multierror.Error
	if errors.As(err, &merr) && len(merr.Errors) > 0 {
		return merr.Errors[0]
	}
	return err
}
