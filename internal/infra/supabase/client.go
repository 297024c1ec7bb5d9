// Package supabase provides a client for Supabase (PostgREST).
// It is the hosted persistence backend for the ledger, loans and notifications.
package supabase

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/boddenberg/iou-ledger-go/internal/domain"
	"github.com/boddenberg/iou-ledger-go/internal/infra/resilience"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("supabase")

// Client wraps HTTP calls to Supabase PostgREST API and implements port.Store.
type Client struct {
	httpClient     *http.Client
	baseURL        string
	apiKey         string
	serviceRoleKey string
	cb             *gobreaker.CircuitBreaker
	cfg            resilience.Config
	logger         *zap.Logger
}

// NewClient creates a Supabase client.
func NewClient(httpClient *http.Client, baseURL, apiKey, serviceRoleKey string, cb *gobreaker.CircuitBreaker, cfg resilience.Config, logger *zap.Logger) *Client {
	return &Client{
		httpClient:     httpClient,
		baseURL:        baseURL,
		apiKey:         apiKey,
		serviceRoleKey: serviceRoleKey,
		cb:             cb,
		cfg:            cfg,
		logger:         logger,
	}
}

// IgnoreNotFound is the breaker filter for this client: a missing row is an
// answer, not an outage.
func IgnoreNotFound(err error) bool {
	var nf *domain.ErrNotFound
	return errors.As(err, &nf)
}

// statusError is a non-2xx PostgREST response.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("supabase returned status %d: %s", e.code, e.body)
}

// classify marks client errors as permanent so they are not retried.
func classify(err error) error {
	var se *statusError
	if errors.As(err, &se) && se.code >= 400 && se.code < 500 && se.code != http.StatusTooManyRequests {
		return resilience.Permanent(err)
	}
	return err
}

// call runs fn through the circuit breaker with retries and maps whatever is
// left to the domain's storage error.
func (c *Client) call(ctx context.Context, op string, fn func() error) error {
	return c.execute(ctx, op, func() error {
		return resilience.RetryWithBackoff(ctx, c.cfg, fn)
	})
}

// callOnce is call without retries. Conditional writes use it: a retried
// compare-and-set whose first attempt committed would match no rows and
// read as "not applied".
func (c *Client) callOnce(ctx context.Context, op string, fn func() error) error {
	return c.execute(ctx, op, fn)
}

func (c *Client) execute(ctx context.Context, op string, fn func() error) error {
	_, err := c.cb.Execute(func() (any, error) {
		return nil, fn()
	})
	if err == nil {
		return nil
	}

	var nf *domain.ErrNotFound
	if errors.As(err, &nf) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	c.logger.Warn("supabase: operation failed", zap.String("op", op), zap.Error(err))
	return &domain.ErrStorageUnavailable{Op: op, Err: err}
}

// Ping checks that PostgREST answers.
func (c *Client) Ping(ctx context.Context) error {
	return c.call(ctx, "ping", func() error {
		_, err := c.doGet(ctx, "loans?select=id&limit=1")
		return classify(err)
	})
}

// Close is a no-op; the HTTP client is owned by the caller.
func (c *Client) Close() error { return nil }
