// Package broker provides the narrow brokerage surface the closing engine
// consumes: order submission, cancellation, status, transaction history and
// event-stream session creation. The Tradier client implements it; everything
// else in the system depends only on the interface.
package broker

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/sony/gobreaker"

	"github.com/eddiefleurent/scranton_closer/internal/models"
)

// Broker defines the interface for interacting with a brokerage.
type Broker interface {
	// SubmitOrder places an order and returns the broker-assigned order id.
	SubmitOrder(ctx context.Context, spec OrderSpec) (string, error)

	// CancelOrder cancels a working order. Cancelling an already-terminal
	// order returns an error the caller resolves via GetOrderStatus.
	CancelOrder(ctx context.Context, orderID string) error

	// GetOrderStatus retrieves the current state of an order.
	GetOrderStatus(ctx context.Context, orderID string) (*OrderStatus, error)

	// GetTransactionHistory returns every account transaction for symbol
	// since the given time, normalized to ledger transactions.
	GetTransactionHistory(ctx context.Context, symbol string, since time.Time) ([]models.Transaction, error)

	// CreateEventSession mints a fresh order event stream session. Sessions
	// expire quickly and must not be reused across connections.
	CreateEventSession(ctx context.Context) (*EventSession, error)
}

// CircuitBreakerBroker wraps a Broker with circuit breaker functionality so a
// flapping broker API cannot stall every sweep.
type CircuitBreakerBroker struct {
	broker  Broker
	breaker *gobreaker.CircuitBreaker
}

// Ensure CircuitBreakerBroker implements Broker at compile time.
var _ Broker = (*CircuitBreakerBroker)(nil)

// CircuitBreakerSettings configures circuit breaker behavior.
type CircuitBreakerSettings struct {
	MaxRequests  uint32        // Max requests when half-open
	Interval     time.Duration // Reset counts interval
	Timeout      time.Duration // Open circuit duration
	MinRequests  uint32        // Min requests before tripping
	FailureRatio float64       // Failure ratio threshold
}

// NewCircuitBreakerBroker creates a CircuitBreakerBroker with sensible defaults.
func NewCircuitBreakerBroker(b Broker) *CircuitBreakerBroker {
	return NewCircuitBreakerBrokerWithSettings(b, CircuitBreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	})
}

// NewCircuitBreakerBrokerWithSettings creates a CircuitBreakerBroker with custom settings.
func NewCircuitBreakerBrokerWithSettings(b Broker, settings CircuitBreakerSettings) *CircuitBreakerBroker {
	gbSettings := gobreaker.Settings{
		Name:        "BrokerCircuitBreaker",
		MaxRequests: settings.MaxRequests,
		Interval:    settings.Interval,
		Timeout:     settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < settings.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= settings.FailureRatio
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("Circuit breaker %s state changed from %s to %s", name, from, to)
		},
	}

	return &CircuitBreakerBroker{
		broker:  b,
		breaker: gobreaker.NewCircuitBreaker(gbSettings),
	}
}

// execCircuitBreaker is a generic helper for circuit breaker wrapper methods.
func execCircuitBreaker[T any](
	breaker *gobreaker.CircuitBreaker,
	b Broker,
	fn func(Broker) (T, error),
) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(b) })
	if err != nil {
		return zero, err
	}
	if res == nil {
		return zero, nil
	}
	v, ok := res.(T)
	if !ok {
		return zero, errors.New("circuit breaker: type assertion failed")
	}
	return v, nil
}

// SubmitOrder wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) SubmitOrder(ctx context.Context, spec OrderSpec) (string, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (string, error) {
		return b.SubmitOrder(ctx, spec)
	})
}

// CancelOrder wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) CancelOrder(ctx context.Context, orderID string) error {
	_, err := execCircuitBreaker(c.breaker, c.broker, func(b Broker) (struct{}, error) {
		return struct{}{}, b.CancelOrder(ctx, orderID)
	})
	return err
}

// GetOrderStatus wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetOrderStatus(ctx context.Context, orderID string) (*OrderStatus, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*OrderStatus, error) {
		return b.GetOrderStatus(ctx, orderID)
	})
}

// GetTransactionHistory wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) GetTransactionHistory(
	ctx context.Context, symbol string, since time.Time,
) ([]models.Transaction, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) ([]models.Transaction, error) {
		return b.GetTransactionHistory(ctx, symbol, since)
	})
}

// CreateEventSession wraps the underlying broker call with circuit breaker.
func (c *CircuitBreakerBroker) CreateEventSession(ctx context.Context) (*EventSession, error) {
	return execCircuitBreaker(c.breaker, c.broker, func(b Broker) (*EventSession, error) {
		return b.CreateEventSession(ctx)
	})
}
