// Package retry wraps the safety-critical exchange exits with bounded
// retries. Only idempotent-enough operations live here: closing exposure and
// cancelling orders. Entries are never retried; the intent-hash window
// handles those.
package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rdelgatto/permabull/internal/exchange"
)

// Config tunes the retry policy.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

// DefaultConfig is the production policy.
var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	Timeout:        2 * time.Minute,
}

// Client retries close and cancel calls against the exchange.
type Client struct {
	ex     exchange.Exchange
	log    *logrus.Logger
	config Config
}

// NewClient builds a retry client. Config is optional.
func NewClient(ex exchange.Exchange, log *logrus.Logger, config ...Config) *Client {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	return &Client{ex: ex, log: log, config: cfg}
}

// ClosePositionWithRetry flattens size contracts of symbol, retrying
// transient venue failures with backoff. The overall attempt is bounded by
// the configured timeout.
func (c *Client) ClosePositionWithRetry(ctx context.Context, symbol string, size float64) (*exchange.OrderAck, error) {
	var ack *exchange.OrderAck
	err := c.withRetry(ctx, fmt.Sprintf("close %s", symbol), func(ctx context.Context) error {
		var err error
		ack, err = c.ex.ClosePosition(ctx, symbol, size)
		return err
	})
	return ack, err
}

// CancelOrderWithRetry cancels an order, retrying transient failures. A
// venue "order not found" is success: the order is gone either way.
func (c *Client) CancelOrderWithRetry(ctx context.Context, orderID string) error {
	return c.withRetry(ctx, fmt.Sprintf("cancel %s", orderID), func(ctx context.Context) error {
		return c.ex.CancelFuturesOrder(ctx, orderID)
	})
}

func (c *Client) withRetry(ctx context.Context, label string, op func(context.Context) error) error {
	opCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if err := opCtx.Err(); err != nil {
			return fmt.Errorf("%s timed out after %v: %w", label, c.config.Timeout, err)
		}

		err := op(opCtx)
		if err == nil {
			if attempt > 0 {
				c.log.WithField("attempt", attempt+1).Infof("%s succeeded after retry", label)
			}
			return nil
		}
		lastErr = err
		c.log.WithError(err).WithField("attempt", attempt+1).Warnf("%s failed", label)

		if !IsTransient(err) || attempt == c.config.MaxRetries {
			break
		}
		select {
		case <-time.After(backoff):
			backoff = c.nextBackoff(backoff)
		case <-opCtx.Done():
			return fmt.Errorf("%s timed out during backoff: %w", label, opCtx.Err())
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", label, c.config.MaxRetries+1, lastErr)
}

// nextBackoff grows the delay by 1.5x, capped, with up to 25% jitter.
func (c *Client) nextBackoff(current time.Duration) time.Duration {
	backoff := time.Duration(float64(current) * 1.5)
	if backoff > c.config.MaxBackoff {
		backoff = c.config.MaxBackoff
	}
	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err == nil {
			backoff += time.Duration(jitterVal.Int64())
		}
	}
	return backoff
}

// IsTransient reports whether an error looks like a temporary venue or
// network condition worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *exchange.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Status {
		case 429, 500, 502, 503, 504:
			return true
		}
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
		"429",
		"502",
		"503",
		"504",
		"network",
		"dns",
		"tcp",
		"eof",
	}
	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
