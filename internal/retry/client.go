// Package retry wraps idempotent broker reads with bounded retries. Only
// reads are retried here; order submissions go through the replacement
// coordinator, which never retries inside a call.
package retry

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"

	"github.com/eddiefleurent/scranton_closer/internal/broker"
	"github.com/eddiefleurent/scranton_closer/internal/models"
)

type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	Timeout:        2 * time.Minute,
}

type Client struct {
	broker broker.Broker
	logger *log.Logger
	config Config
}

func NewClient(b broker.Broker, logger *log.Logger, config ...Config) *Client {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}

	return &Client{
		broker: b,
		logger: logger,
		config: cfg,
	}
}

// GetTransactionHistoryWithRetry fetches account history, retrying transient
// failures with backoff. Safe because history reads are idempotent.
func (c *Client) GetTransactionHistoryWithRetry(
	ctx context.Context,
	symbol string,
	since time.Time,
) ([]models.Transaction, error) {
	var txns []models.Transaction
	err := c.do(ctx, fmt.Sprintf("transaction history for %s", symbol), func(callCtx context.Context) error {
		var err error
		txns, err = c.broker.GetTransactionHistory(callCtx, symbol, since)
		return err
	})
	return txns, err
}

// GetOrderStatusWithRetry fetches an order's status, retrying transient
// failures with backoff.
func (c *Client) GetOrderStatusWithRetry(ctx context.Context, orderID string) (*broker.OrderStatus, error) {
	var status *broker.OrderStatus
	err := c.do(ctx, fmt.Sprintf("order status %s", orderID), func(callCtx context.Context) error {
		var err error
		status, err = c.broker.GetOrderStatus(callCtx, orderID)
		return err
	})
	return status, err
}

func (c *Client) do(ctx context.Context, what string, call func(context.Context) error) error {
	opCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if opCtx.Err() != nil {
			return fmt.Errorf("%s timed out after %v: %w", what, c.config.Timeout, opCtx.Err())
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%s canceled: %w", what, ctx.Err())
		}

		err := call(opCtx)
		if err == nil {
			return nil
		}

		lastErr = err
		c.logger.Printf("Attempt %d/%d for %s failed: %v", attempt+1, c.config.MaxRetries+1, what, err)

		if !c.isTransientError(err) || attempt == c.config.MaxRetries {
			break
		}

		c.logger.Printf("Transient error, retrying in %v", backoff)
		select {
		case <-time.After(backoff):
			backoff = c.calculateNextBackoff(backoff)
		case <-opCtx.Done():
			return fmt.Errorf("%s timed out during backoff: %w", what, opCtx.Err())
		case <-ctx.Done():
			return fmt.Errorf("%s canceled during backoff: %w", what, ctx.Err())
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", what, c.config.MaxRetries+1, lastErr)
}

func (c *Client) calculateNextBackoff(currentBackoff time.Duration) time.Duration {
	backoff := time.Duration(float64(currentBackoff) * 1.5)
	if backoff > c.config.MaxBackoff {
		backoff = c.config.MaxBackoff
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			log.Printf("Failed to generate jitter: %v", err)
		} else {
			backoff += time.Duration(jitterVal.Int64())
		}
	}

	return backoff
}

func (c *Client) isTransientError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())

	transientPatterns := []string{
		"timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"server error",
		"rate limit",
		"429", // HTTP 429 Too Many Requests
		"502", // HTTP 502 Bad Gateway
		"503", // HTTP 503 Service Unavailable
		"504", // HTTP 504 Gateway Timeout
		"network",
		"dns",
		"tcp",
	}

	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}
