package paystack

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"time"

	"github.com/jogardn/payment-reconciler/internal/circuitbreaker"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const BreakerName = "paystack"

var (
	// ErrGatewayUnreachable covers every outcome where the provider's answer
	// is unknown: transport errors, 5xx, undecodable bodies, an open circuit.
	ErrGatewayUnreachable = errors.New("payment gateway unreachable")
	// ErrGatewayRejected is a well-formed refusal from the provider.
	ErrGatewayRejected = errors.New("payment gateway rejected the request")
)

// InitRequest carries one initialization. OrderID travels to the provider
// as metadata and comes back on verification.
type InitRequest struct {
	Reference string
	Email     string
	Amount    float64
	OrderID   string
}

type InitResult struct {
	AuthorizationURL string
	AccessCode       string
	Reference        string
	Accepted         bool
	Message          string
}

type VerifyResult struct {
	Succeeded     bool
	GatewayStatus string
	AmountMinor   int64
	OrderID       string
	Message       string
}

type Options struct {
	BaseURL       string
	SecretKey     string
	SubunitFactor int64
	Timeout       time.Duration
	RatePerSecond float64
	Burst         int
	Breaker       *circuitbreaker.CircuitBreaker
}

type Client struct {
	baseURL       string
	secretKey     string
	subunitFactor int64
	httpClient    *http.Client
	limiter       *rate.Limiter
	breaker       *circuitbreaker.CircuitBreaker
	logger        *logrus.Logger
}

type envelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type metadata struct {
	OrderID string `json:"order_id,omitempty"`
}

type initializeRequest struct {
	Email     string   `json:"email"`
	Amount    int64    `json:"amount"`
	Reference string   `json:"reference"`
	Metadata  metadata `json:"metadata"`
}

type initializeData struct {
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
	Reference        string `json:"reference"`
}

type verifyData struct {
	Status    string          `json:"status"`
	Reference string          `json:"reference"`
	Amount    int64           `json:"amount"`
	Metadata  json.RawMessage `json:"metadata"`
}

func NewClient(opts Options, logger *logrus.Logger) *Client {
	if opts.SubunitFactor <= 0 {
		opts.SubunitFactor = 100
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}

	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	if opts.Burst <= 0 {
		opts.Burst = 1
	}

	return &Client{
		baseURL:       opts.BaseURL,
		secretKey:     opts.SecretKey,
		subunitFactor: opts.SubunitFactor,
		httpClient: &http.Client{
			Timeout: opts.Timeout,
		},
		limiter: rate.NewLimiter(limit, opts.Burst),
		breaker: opts.Breaker,
		logger:  logger,
	}
}

// BreakerConfig is the breaker setup the client expects: only unreachable
// errors count as failures.
func BreakerConfig(maxFailures int, timeout time.Duration) circuitbreaker.Config {
	return circuitbreaker.Config{
		Name:        BreakerName,
		MaxFailures: maxFailures,
		Timeout:     timeout,
		MaxRequests: 1,
		IsFailure: func(err error) bool {
			return errors.Is(err, ErrGatewayUnreachable)
		},
	}
}

// ToMinorUnits converts an amount in major currency units into the integer
// subunit the provider bills in.
func ToMinorUnits(amount float64, factor int64) int64 {
	return int64(math.Round(amount * float64(factor)))
}

func (c *Client) InitializeTransaction(ctx context.Context, in InitRequest) (*InitResult, error) {
	reference := in.Reference
	minor := ToMinorUnits(in.Amount, c.subunitFactor)
	c.logger.WithFields(logrus.Fields{
		"reference":    reference,
		"amount_minor": minor,
	}).Info("Initializing transaction with Paystack")

	body, err := json.Marshal(initializeRequest{
		Email:     in.Email,
		Amount:    minor,
		Reference: reference,
		Metadata:  metadata{OrderID: in.OrderID},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal initialize request: %w", err)
	}

	var env envelope
	status, err := c.do(ctx, http.MethodPost, "/transaction/initialize", body, &env)
	if err != nil {
		return nil, err
	}

	if status >= 400 || !env.Status {
		c.logger.WithFields(logrus.Fields{
			"reference": reference,
			"status":    status,
			"message":   env.Message,
		}).Warn("Paystack declined transaction initialization")
		if status >= 400 {
			return nil, fmt.Errorf("%w: %s (status %d)", ErrGatewayRejected, env.Message, status)
		}
		return &InitResult{Reference: reference, Accepted: false, Message: env.Message}, nil
	}

	var data initializeData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, fmt.Errorf("%w: failed to decode initialize data: %v", ErrGatewayUnreachable, err)
	}

	c.logger.WithField("reference", reference).Info("Paystack accepted transaction initialization")

	return &InitResult{
		AuthorizationURL: data.AuthorizationURL,
		AccessCode:       data.AccessCode,
		Reference:        reference,
		Accepted:         true,
		Message:          env.Message,
	}, nil
}

func (c *Client) VerifyTransaction(ctx context.Context, reference string) (*VerifyResult, error) {
	c.logger.WithField("reference", reference).Info("Verifying transaction with Paystack")

	var env envelope
	status, err := c.do(ctx, http.MethodGet, "/transaction/verify/"+url.PathEscape(reference), nil, &env)
	if err != nil {
		return nil, err
	}

	if status >= 400 && status != http.StatusBadRequest && status != http.StatusNotFound {
		// Auth and permission failures say nothing about the transaction.
		return nil, fmt.Errorf("%w: Paystack refused verification with status %d: %s",
			ErrGatewayUnreachable, status, env.Message)
	}

	result := &VerifyResult{Message: env.Message}
	if status >= 400 || !env.Status {
		// Unknown reference is a definite "not paid".
		c.logger.WithFields(logrus.Fields{
			"reference": reference,
			"status":    status,
			"message":   env.Message,
		}).Info("Paystack reported transaction as not verified")
		return result, nil
	}

	var data verifyData
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, fmt.Errorf("%w: failed to decode verify data: %v", ErrGatewayUnreachable, err)
		}
	}

	result.GatewayStatus = data.Status
	result.AmountMinor = data.Amount
	result.Succeeded = data.Status == "success"

	// Paystack echoes metadata back as an object, or as "" when none was set.
	var meta metadata
	if len(data.Metadata) > 0 && json.Unmarshal(data.Metadata, &meta) == nil {
		result.OrderID = meta.OrderID
	}

	c.logger.WithFields(logrus.Fields{
		"reference":      reference,
		"gateway_status": data.Status,
		"succeeded":      result.Succeeded,
	}).Info("Received verification from Paystack")

	return result, nil
}

// do performs one call. The returned error is always ErrGatewayUnreachable-
// wrapped; HTTP status handling is left to the caller.
func (c *Client) do(ctx context.Context, method, path string, body []byte, out *envelope) (int, error) {
	var status int

	call := func(ctx context.Context) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: rate limiter: %v", ErrGatewayUnreachable, err)
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return fmt.Errorf("%w: failed to create request: %v", ErrGatewayUnreachable, err)
		}
		req.Header.Set("Authorization", "Bearer "+c.secretKey)
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrGatewayUnreachable, err)
		}
		defer resp.Body.Close()

		status = resp.StatusCode
		if status >= 500 || status == http.StatusRequestTimeout || status == http.StatusTooManyRequests {
			return fmt.Errorf("%w: Paystack returned status %d", ErrGatewayUnreachable, status)
		}

		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: failed to decode Paystack response: %v", ErrGatewayUnreachable, err)
		}
		return nil
	}

	var err error
	if c.breaker != nil {
		err = c.breaker.Execute(ctx, call)
		if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) {
			err = fmt.Errorf("%w: %v", ErrGatewayUnreachable, err)
		}
	} else {
		err = call(ctx)
	}
	if err != nil && !errors.Is(err, ErrGatewayUnreachable) {
		// context errors surfaced by the breaker before the call ran
		err = fmt.Errorf("%w: %v", ErrGatewayUnreachable, err)
	}
	if err != nil {
		c.logger.WithError(err).WithField("path", path).Warn("Paystack call failed")
	}
	return status, err
}
