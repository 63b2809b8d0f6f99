package exchange

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"

	"github.com/rdelgatto/permabull/internal/models"
)

// CircuitBreakerExchange wraps an Exchange with circuit breaker behavior so a
// failing venue stops absorbing call budget until it recovers.
type CircuitBreakerExchange struct {
	inner   Exchange
	breaker *gobreaker.CircuitBreaker
}

// Ensure CircuitBreakerExchange implements Exchange at compile time.
var _ Exchange = (*CircuitBreakerExchange)(nil)

// BreakerSettings configures circuit breaker behavior.
type BreakerSettings struct {
	MaxRequests  uint32        // max requests when half-open
	Interval     time.Duration // reset counts interval
	Timeout      time.Duration // open circuit duration
	MinRequests  uint32        // minimum requests before tripping
	FailureRatio float64       // failure ratio threshold
}

// NewCircuitBreakerExchange wraps an exchange with sensible defaults.
func NewCircuitBreakerExchange(inner Exchange, log *logrus.Logger) *CircuitBreakerExchange {
	return NewCircuitBreakerExchangeWithSettings(inner, log, BreakerSettings{
		MaxRequests:  3,
		Interval:     60 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	})
}

// NewCircuitBreakerExchangeWithSettings wraps an exchange with custom settings.
func NewCircuitBreakerExchangeWithSettings(inner Exchange, log *logrus.Logger, s BreakerSettings) *CircuitBreakerExchange {
	if log == nil {
		log = logrus.New()
	}
	settings := gobreaker.Settings{
		Name:        "ExchangeCircuitBreaker",
		MaxRequests: s.MaxRequests,
		Interval:    s.Interval,
		Timeout:     s.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests == 0 || counts.Requests < s.MinRequests {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= s.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker state change")
		},
	}
	return &CircuitBreakerExchange{inner: inner, breaker: gobreaker.NewCircuitBreaker(settings)}
}

// execBreaker is the generic helper shared by every wrapper method.
func execBreaker[T any](breaker *gobreaker.CircuitBreaker, ex Exchange, fn func(Exchange) (T, error)) (T, error) {
	var zero T
	res, err := breaker.Execute(func() (interface{}, error) { return fn(ex) })
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

func (c *CircuitBreakerExchange) GetOHLCV(ctx context.Context, symbol string, tf models.Timeframe, limit int) ([]models.Candle, error) {
	return execBreaker(c.breaker, c.inner, func(e Exchange) ([]models.Candle, error) {
		return e.GetOHLCV(ctx, symbol, tf, limit)
	})
}

func (c *CircuitBreakerExchange) GetFuturesTickersBulk(ctx context.Context) (map[string]Ticker, error) {
	return execBreaker(c.breaker, c.inner, func(e Exchange) (map[string]Ticker, error) {
		return e.GetFuturesTickersBulk(ctx)
	})
}

func (c *CircuitBreakerExchange) GetFuturesInstruments(ctx context.Context) ([]RawInstrument, error) {
	return execBreaker(c.breaker, c.inner, func(e Exchange) ([]RawInstrument, error) {
		return e.GetFuturesInstruments(ctx)
	})
}

func (c *CircuitBreakerExchange) GetFuturesBalance(ctx context.Context) (Balance, error) {
	return execBreaker(c.breaker, c.inner, func(e Exchange) (Balance, error) {
		return e.GetFuturesBalance(ctx)
	})
}

func (c *CircuitBreakerExchange) GetAllFuturesPositions(ctx context.Context) ([]FuturesPosition, error) {
	return execBreaker(c.breaker, c.inner, func(e Exchange) ([]FuturesPosition, error) {
		return e.GetAllFuturesPositions(ctx)
	})
}

func (c *CircuitBreakerExchange) GetFuturesOpenOrders(ctx context.Context) ([]OpenOrder, error) {
	return execBreaker(c.breaker, c.inner, func(e Exchange) ([]OpenOrder, error) {
		return e.GetFuturesOpenOrders(ctx)
	})
}

func (c *CircuitBreakerExchange) PlaceFuturesOrder(ctx context.Context, req OrderRequest) (*OrderAck, error) {
	return execBreaker(c.breaker, c.inner, func(e Exchange) (*OrderAck, error) {
		return e.PlaceFuturesOrder(ctx, req)
	})
}

func (c *CircuitBreakerExchange) CancelFuturesOrder(ctx context.Context, orderID string) error {
	_, err := execBreaker(c.breaker, c.inner, func(e Exchange) (struct{}, error) {
		return struct{}{}, e.CancelFuturesOrder(ctx, orderID)
	})
	return err
}

func (c *CircuitBreakerExchange) EditFuturesOrder(ctx context.Context, orderID string, price, size float64) (*OrderAck, error) {
	return execBreaker(c.breaker, c.inner, func(e Exchange) (*OrderAck, error) {
		return e.EditFuturesOrder(ctx, orderID, price, size)
	})
}

func (c *CircuitBreakerExchange) ClosePosition(ctx context.Context, symbol string, size float64) (*OrderAck, error) {
	return execBreaker(c.breaker, c.inner, func(e Exchange) (*OrderAck, error) {
		return e.ClosePosition(ctx, symbol, size)
	})
}

func (c *CircuitBreakerExchange) SetLeverage(ctx context.Context, symbol string, leverage float64) error {
	_, err := execBreaker(c.breaker, c.inner, func(e Exchange) (struct{}, error) {
		return struct{}{}, e.SetLeverage(ctx, symbol, leverage)
	})
	return err
}
