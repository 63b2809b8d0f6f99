// Package exchange provides venue API clients for perpetual futures trading.
// It includes the Kraken Futures client implementation plus the circuit
// breaker wrapper the rest of the system talks through.
package exchange

import (
	"context"
	"fmt"
	"time"

	"github.com/rdelgatto/permabull/internal/models"
)

// APIError represents a venue error with status code and response body.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Body)
}

// Ticker is one futures market snapshot from the bulk ticker feed.
type Ticker struct {
	Symbol    string
	Last      float64
	Bid       float64
	Ask       float64
	MarkPrice float64
	IndexPrice float64
	FundingRate float64
	Volume24h float64
	Timestamp time.Time
}

// Mid returns the bid/ask midpoint, falling back to last.
func (t Ticker) Mid() float64 {
	if t.Bid > 0 && t.Ask > 0 {
		return (t.Bid + t.Ask) / 2
	}
	return t.Last
}

// RawInstrument is the venue's instrument listing before spec parsing. Raw
// keeps the untouched payload so the spec registry can apply its own
// precedence rules over fields the typed view flattens.
type RawInstrument struct {
	Symbol string
	Raw    map[string]any
}

// FuturesPosition is one open venue position.
type FuturesPosition struct {
	Symbol       string
	Side         string // "long" or "short"
	Size         float64
	EntryPrice   float64
	MarkPrice    float64
	Leverage     float64
	UnrealizedPnL float64
	LiquidationPrice float64
	// SizeIsNotional is set when the venue reports size in quote currency
	// rather than contracts.
	SizeIsNotional bool
	Raw            map[string]any
}

// OpenOrder is one resting venue order.
type OpenOrder struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          string
	Type          string
	Price         float64
	Size          float64
	Filled        float64
	ReduceOnly    bool
	CreatedAt     time.Time
	Raw           map[string]any
}

// Balance is the futures wallet snapshot.
type Balance struct {
	Equity          float64
	AvailableMargin float64
	UsedMargin      float64
	UnrealizedPnL   float64
}

// OrderRequest is a venue order submission.
type OrderRequest struct {
	Symbol        string
	Side          models.OrderSide
	Type          models.OrderType
	Size          float64
	Price         float64 // limit/trigger price; zero for market
	ReduceOnly    bool
	ClientOrderID string
}

// OrderAck is the venue's acceptance of an order.
type OrderAck struct {
	OrderID       string
	ClientOrderID string
	Status        models.OrderStatus
	FilledSize    float64
	AvgFillPrice  float64
}

// Exchange defines the venue surface the trading system needs. All calls are
// blocking network operations and take a context.
type Exchange interface {
	// Market data
	GetOHLCV(ctx context.Context, symbol string, tf models.Timeframe, limit int) ([]models.Candle, error)
	GetFuturesTickersBulk(ctx context.Context) (map[string]Ticker, error)
	GetFuturesInstruments(ctx context.Context) ([]RawInstrument, error)

	// Account state
	GetFuturesBalance(ctx context.Context) (Balance, error)
	GetAllFuturesPositions(ctx context.Context) ([]FuturesPosition, error)
	GetFuturesOpenOrders(ctx context.Context) ([]OpenOrder, error)

	// Trading
	PlaceFuturesOrder(ctx context.Context, req OrderRequest) (*OrderAck, error)
	CancelFuturesOrder(ctx context.Context, orderID string) error
	EditFuturesOrder(ctx context.Context, orderID string, price, size float64) (*OrderAck, error)
	ClosePosition(ctx context.Context, symbol string, size float64) (*OrderAck, error)
	SetLeverage(ctx context.Context, symbol string, leverage float64) error
}
