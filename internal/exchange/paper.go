package exchange

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rdelgatto/permabull/internal/models"
)

// PaperExchange simulates the trading half of the venue while delegating all
// market data to a real client. Orders fill against the live mark: market
// orders immediately, resting orders on the first ticker refresh that crosses
// their price. Positions, balance and open orders live in memory only.
type PaperExchange struct {
	inner  Exchange
	logger *logrus.Logger

	mu       sync.Mutex
	cash     float64
	marks    map[string]float64
	leverage map[string]float64
	orders   map[string]*paperOrder
	pos      map[string]*paperPosition
	seq      int
}

var _ Exchange = (*PaperExchange)(nil)

type paperOrder struct {
	id         string
	clientID   string
	symbol     string
	side       models.OrderSide
	typ        models.OrderType
	price      float64
	size       float64
	reduceOnly bool
	createdAt  time.Time
}

type paperPosition struct {
	symbol   string
	side     string // "long" or "short"
	size     float64
	avgEntry float64
}

// NewPaperExchange wraps inner with a simulated account holding
// startingEquity USD of cash.
func NewPaperExchange(inner Exchange, startingEquity float64, logger *logrus.Logger) *PaperExchange {
	if startingEquity <= 0 {
		startingEquity = 10000
	}
	return &PaperExchange{
		inner:    inner,
		logger:   logger,
		cash:     startingEquity,
		marks:    make(map[string]float64),
		leverage: make(map[string]float64),
		orders:   make(map[string]*paperOrder),
		pos:      make(map[string]*paperPosition),
	}
}

func (p *PaperExchange) GetOHLCV(ctx context.Context, symbol string, tf models.Timeframe, limit int) ([]models.Candle, error) {
	return p.inner.GetOHLCV(ctx, symbol, tf, limit)
}

func (p *PaperExchange) GetFuturesInstruments(ctx context.Context) ([]RawInstrument, error) {
	return p.inner.GetFuturesInstruments(ctx)
}

// GetFuturesTickersBulk refreshes marks from the real feed and sweeps resting
// orders for fills before returning.
func (p *PaperExchange) GetFuturesTickersBulk(ctx context.Context) (map[string]Ticker, error) {
	tickers, err := p.inner.GetFuturesTickersBulk(ctx)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	for sym, t := range tickers {
		if m := t.Mid(); m > 0 {
			p.marks[sym] = m
		}
	}
	p.sweepLocked()
	p.mu.Unlock()
	return tickers, nil
}

func (p *PaperExchange) GetFuturesBalance(_ context.Context) (Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	unrealized := 0.0
	used := 0.0
	for _, pos := range p.pos {
		mark := p.marks[pos.symbol]
		if mark > 0 {
			unrealized += pos.unrealized(mark)
		}
		lev := p.leverage[pos.symbol]
		if lev <= 0 {
			lev = 1
		}
		used += pos.size * pos.avgEntry / lev
	}
	equity := p.cash + unrealized
	return Balance{
		Equity:          equity,
		AvailableMargin: equity - used,
		UsedMargin:      used,
		UnrealizedPnL:   unrealized,
	}, nil
}

func (p *PaperExchange) GetAllFuturesPositions(_ context.Context) ([]FuturesPosition, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]FuturesPosition, 0, len(p.pos))
	for _, pos := range p.pos {
		mark := p.marks[pos.symbol]
		lev := p.leverage[pos.symbol]
		if lev <= 0 {
			lev = 1
		}
		out = append(out, FuturesPosition{
			Symbol:           pos.symbol,
			Side:             pos.side,
			Size:             pos.size,
			EntryPrice:       pos.avgEntry,
			MarkPrice:        mark,
			Leverage:         lev,
			UnrealizedPnL:    pos.unrealized(mark),
			LiquidationPrice: pos.liquidation(lev),
		})
	}
	return out, nil
}

func (p *PaperExchange) GetFuturesOpenOrders(_ context.Context) ([]OpenOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]OpenOrder, 0, len(p.orders))
	for _, o := range p.orders {
		out = append(out, OpenOrder{
			OrderID:       o.id,
			ClientOrderID: o.clientID,
			Symbol:        o.symbol,
			Side:          string(o.side),
			Type:          venueOrderType(o.typ),
			Price:         o.price,
			Size:          o.size,
			ReduceOnly:    o.reduceOnly,
			CreatedAt:     o.createdAt,
		})
	}
	return out, nil
}

func (p *PaperExchange) PlaceFuturesOrder(_ context.Context, req OrderRequest) (*OrderAck, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.seq++
	id := fmt.Sprintf("paper-%d", p.seq)

	if req.Type == models.OrderTypeMarket {
		mark := p.marks[req.Symbol]
		if mark <= 0 {
			return nil, fmt.Errorf("paper: no mark for %s yet", req.Symbol)
		}
		p.applyFillLocked(req.Symbol, req.Side, req.Size, mark, req.ReduceOnly)
		return &OrderAck{
			OrderID:       id,
			ClientOrderID: req.ClientOrderID,
			Status:        models.OrderStatusFilled,
			FilledSize:    req.Size,
			AvgFillPrice:  mark,
		}, nil
	}

	if req.Price <= 0 {
		return nil, fmt.Errorf("paper: %s order requires a price", req.Type)
	}
	p.orders[id] = &paperOrder{
		id:         id,
		clientID:   req.ClientOrderID,
		symbol:     req.Symbol,
		side:       req.Side,
		typ:        req.Type,
		price:      req.Price,
		size:       req.Size,
		reduceOnly: req.ReduceOnly,
		createdAt:  time.Now().UTC(),
	}
	return &OrderAck{
		OrderID:       id,
		ClientOrderID: req.ClientOrderID,
		Status:        models.OrderStatusSubmitted,
	}, nil
}

func (p *PaperExchange) CancelFuturesOrder(_ context.Context, orderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.orders[orderID]; !ok {
		return &APIError{Status: 404, Body: fmt.Sprintf("paper: unknown order %s", orderID)}
	}
	delete(p.orders, orderID)
	return nil
}

func (p *PaperExchange) EditFuturesOrder(_ context.Context, orderID string, price, size float64) (*OrderAck, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return nil, &APIError{Status: 404, Body: fmt.Sprintf("paper: unknown order %s", orderID)}
	}
	if price > 0 {
		o.price = price
	}
	if size > 0 {
		o.size = size
	}
	return &OrderAck{OrderID: o.id, ClientOrderID: o.clientID, Status: models.OrderStatusSubmitted}, nil
}

func (p *PaperExchange) ClosePosition(_ context.Context, symbol string, size float64) (*OrderAck, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.pos[symbol]
	if !ok {
		return nil, fmt.Errorf("paper: no position in %s", symbol)
	}
	mark := p.marks[symbol]
	if mark <= 0 {
		return nil, fmt.Errorf("paper: no mark for %s yet", symbol)
	}
	if size <= 0 || size > pos.size {
		size = pos.size
	}
	side := models.OrderSideSell
	if pos.side == "short" {
		side = models.OrderSideBuy
	}
	p.applyFillLocked(symbol, side, size, mark, true)

	p.seq++
	return &OrderAck{
		OrderID:      fmt.Sprintf("paper-%d", p.seq),
		Status:       models.OrderStatusFilled,
		FilledSize:   size,
		AvgFillPrice: mark,
	}, nil
}

func (p *PaperExchange) SetLeverage(_ context.Context, symbol string, leverage float64) error {
	if leverage <= 0 {
		return fmt.Errorf("paper: leverage must be > 0")
	}
	p.mu.Lock()
	p.leverage[symbol] = leverage
	p.mu.Unlock()
	return nil
}

// sweepLocked fills every resting order the current marks have crossed.
// Filled orders disappear from the book, which is how the rest of the system
// detects fills on the real venue too.
func (p *PaperExchange) sweepLocked() {
	for id, o := range p.orders {
		mark := p.marks[o.symbol]
		if mark <= 0 {
			continue
		}
		if !crossed(o, mark) {
			continue
		}
		delete(p.orders, id)
		p.applyFillLocked(o.symbol, o.side, o.size, o.price, o.reduceOnly)
		p.logger.WithFields(logrus.Fields{
			"order_id": id,
			"symbol":   o.symbol,
			"type":     o.typ,
			"price":    o.price,
			"size":     o.size,
		}).Info("paper fill")
	}
}

func crossed(o *paperOrder, mark float64) bool {
	switch o.typ {
	case models.OrderTypeLimit:
		if o.side == models.OrderSideBuy {
			return mark <= o.price
		}
		return mark >= o.price
	case models.OrderTypeStopLoss:
		// Stops trigger when the mark moves through them against the position.
		if o.side == models.OrderSideSell {
			return mark <= o.price
		}
		return mark >= o.price
	case models.OrderTypeTakeProfit:
		if o.side == models.OrderSideSell {
			return mark >= o.price
		}
		return mark <= o.price
	}
	return false
}

// applyFillLocked mutates position and cash for one fill. Reduce fills
// realize PnL into cash; opening fills extend the average entry.
func (p *PaperExchange) applyFillLocked(symbol string, side models.OrderSide, size, price float64, reduceOnly bool) {
	pos := p.pos[symbol]

	opposes := pos != nil &&
		((pos.side == "long" && side == models.OrderSideSell) ||
			(pos.side == "short" && side == models.OrderSideBuy))

	if reduceOnly || opposes {
		if pos == nil {
			return
		}
		closeSize := math.Min(size, pos.size)
		pnl := (price - pos.avgEntry) * closeSize
		if pos.side == "short" {
			pnl = -pnl
		}
		p.cash += pnl
		pos.size -= closeSize
		if pos.size <= 1e-12 {
			delete(p.pos, symbol)
		}
		return
	}

	if pos == nil {
		dir := "long"
		if side == models.OrderSideSell {
			dir = "short"
		}
		p.pos[symbol] = &paperPosition{symbol: symbol, side: dir, size: size, avgEntry: price}
		return
	}
	pos.avgEntry = (pos.avgEntry*pos.size + price*size) / (pos.size + size)
	pos.size += size
}

func (pp *paperPosition) unrealized(mark float64) float64 {
	if mark <= 0 {
		return 0
	}
	pnl := (mark - pp.avgEntry) * pp.size
	if pp.side == "short" {
		pnl = -pnl
	}
	return pnl
}

func (pp *paperPosition) liquidation(lev float64) float64 {
	if lev <= 0 {
		return 0
	}
	if pp.side == "long" {
		return pp.avgEntry * (1 - 1/lev)
	}
	return pp.avgEntry * (1 + 1/lev)
}

func venueOrderType(t models.OrderType) string {
	switch t {
	case models.OrderTypeLimit:
		return "lmt"
	case models.OrderTypeStopLoss:
		return "stp"
	case models.OrderTypeTakeProfit:
		return "take_profit"
	}
	return "mkt"
}
