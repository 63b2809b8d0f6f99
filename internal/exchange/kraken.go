package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rdelgatto/permabull/internal/models"
)

const (
	defaultBaseURL = "https://futures.kraken.com"
	chartsPath     = "/api/charts/v1/trade"
	derivPath      = "/derivatives/api/v3"
)

// resolution maps internal timeframes to the venue's chart resolutions.
var resolutions = map[models.Timeframe]string{
	models.Timeframe15m: "15m",
	models.Timeframe1h:  "1h",
	models.Timeframe4h:  "4h",
	models.Timeframe1d:  "1d",
}

// KrakenClient is the Kraken Futures REST client.
type KrakenClient struct {
	client    *http.Client
	baseURL   string
	apiKey    string
	apiSecret string
	log       *logrus.Logger
	nonce     func() string
}

// Ensure KrakenClient implements Exchange at compile time.
var _ Exchange = (*KrakenClient)(nil)

// NewKrakenClient creates a client with default settings.
func NewKrakenClient(apiKey, apiSecret string, log *logrus.Logger) *KrakenClient {
	return NewKrakenClientWithBaseURL(apiKey, apiSecret, "", nil, log)
}

// NewKrakenClientWithBaseURL creates a client with an optional custom base
// URL and HTTP client, for demo environments and tests.
func NewKrakenClientWithBaseURL(apiKey, apiSecret, baseURL string, client *http.Client, log *logrus.Logger) *KrakenClient {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if log == nil {
		log = logrus.New()
	}
	return &KrakenClient{
		client:    client,
		baseURL:   baseURL,
		apiKey:    apiKey,
		apiSecret: apiSecret,
		log:       log,
		nonce: func() string {
			return strconv.FormatInt(time.Now().UnixNano()/int64(time.Millisecond), 10)
		},
	}
}

// authent computes the Kraken Futures request signature:
// base64(HMAC-SHA512(sha256(postData + nonce + endpointPath), base64decode(secret))).
func (k *KrakenClient) authent(endpointPath, nonce, postData string) (string, error) {
	secret, err := base64.StdEncoding.DecodeString(k.apiSecret)
	if err != nil {
		return "", fmt.Errorf("decode api secret: %w", err)
	}
	inner := sha256.Sum256([]byte(postData + nonce + endpointPath))
	mac := hmac.New(sha512.New, secret)
	mac.Write(inner[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil)), nil
}

// doRequest performs one HTTP call and decodes the JSON body into out.
// Private endpoints are signed; public ones go through unsigned.
func (k *KrakenClient) doRequest(ctx context.Context, method, path string, params url.Values, private bool, out any) error {
	postData := ""
	if params != nil {
		postData = params.Encode()
	}

	fullURL := k.baseURL + path
	var body io.Reader
	if method == http.MethodGet && postData != "" {
		fullURL += "?" + postData
	} else if postData != "" {
		body = bytes.NewBufferString(postData)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if private {
		nonce := k.nonce()
		sig, err := k.authent(path, nonce, postData)
		if err != nil {
			return err
		}
		req.Header.Set("APIKey", k.apiKey)
		req.Header.Set("Nonce", nonce)
		req.Header.Set("Authent", sig)
	}

	resp, err := k.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			k.log.WithError(cerr).Warn("closing response body")
		}
	}()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Body: string(raw)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

// checkResult rejects venue-level failures that arrive with HTTP 200.
func checkResult(result, errText string) error {
	if result != "" && result != "success" {
		if errText == "" {
			errText = result
		}
		return fmt.Errorf("venue rejected request: %s", errText)
	}
	return nil
}

// GetOHLCV fetches up to limit candles for the symbol and timeframe,
// chronological order, the newest last.
func (k *KrakenClient) GetOHLCV(ctx context.Context, symbol string, tf models.Timeframe, limit int) ([]models.Candle, error) {
	res, ok := resolutions[tf]
	if !ok {
		return nil, fmt.Errorf("unsupported timeframe %q", tf)
	}
	raw := FromCCXTSymbol(symbol)
	if raw == "" {
		raw = symbol
	}

	var payload struct {
		Candles []struct {
			Time   int64  `json:"time"`
			Open   string `json:"open"`
			High   string `json:"high"`
			Low    string `json:"low"`
			Close  string `json:"close"`
			Volume string `json:"volume"`
		} `json:"candles"`
	}
	params := url.Values{}
	if limit > 0 {
		from := time.Now().Add(-time.Duration(limit+1) * tf.Duration()).Unix()
		params.Set("from", strconv.FormatInt(from, 10))
	}
	path := fmt.Sprintf("%s/%s/%s", chartsPath, raw, res)
	if err := k.doRequest(ctx, http.MethodGet, path, params, false, &payload); err != nil {
		return nil, err
	}

	candles := make([]models.Candle, 0, len(payload.Candles))
	for _, c := range payload.Candles {
		open, err1 := strconv.ParseFloat(c.Open, 64)
		high, err2 := strconv.ParseFloat(c.High, 64)
		low, err3 := strconv.ParseFloat(c.Low, 64)
		closeP, err4 := strconv.ParseFloat(c.Close, 64)
		vol, err5 := strconv.ParseFloat(c.Volume, 64)
		if err1 != nil || err2 != nil || err3 != nil || err4 != nil || err5 != nil {
			k.log.WithField("symbol", symbol).Warn("skipping unparseable candle")
			continue
		}
		candles = append(candles, models.Candle{
			Timestamp: time.Unix(c.Time/1000, 0).UTC(),
			Symbol:    symbol,
			Timeframe: tf,
			Open:      open,
			High:      high,
			Low:       low,
			Close:     closeP,
			Volume:    vol,
		})
	}
	sort.Slice(candles, func(i, j int) bool { return candles[i].Timestamp.Before(candles[j].Timestamp) })
	if limit > 0 && len(candles) > limit {
		candles = candles[len(candles)-limit:]
	}
	return candles, nil
}

// GetFuturesTickersBulk fetches all tickers in one call, keyed by CCXT symbol.
// Non-perpetual and non-USD listings are dropped.
func (k *KrakenClient) GetFuturesTickersBulk(ctx context.Context) (map[string]Ticker, error) {
	var payload struct {
		Result  string `json:"result"`
		Error   string `json:"error"`
		Tickers []struct {
			Symbol      string  `json:"symbol"`
			Last        float64 `json:"last"`
			Bid         float64 `json:"bid"`
			Ask         float64 `json:"ask"`
			MarkPrice   float64 `json:"markPrice"`
			IndexPrice  float64 `json:"indexPrice"`
			FundingRate float64 `json:"fundingRate"`
			Vol24h      float64 `json:"vol24h"`
		} `json:"tickers"`
	}
	if err := k.doRequest(ctx, http.MethodGet, derivPath+"/tickers", nil, false, &payload); err != nil {
		return nil, err
	}
	if err := checkResult(payload.Result, payload.Error); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	out := make(map[string]Ticker, len(payload.Tickers))
	for _, t := range payload.Tickers {
		ccxt := ToCCXTSymbol(t.Symbol)
		if ccxt == "" || !strings.HasPrefix(strings.ToUpper(t.Symbol), "PF_") {
			continue
		}
		out[ccxt] = Ticker{
			Symbol:      ccxt,
			Last:        t.Last,
			Bid:         t.Bid,
			Ask:         t.Ask,
			MarkPrice:   t.MarkPrice,
			IndexPrice:  t.IndexPrice,
			FundingRate: t.FundingRate,
			Volume24h:   t.Vol24h,
			Timestamp:   now,
		}
	}
	return out, nil
}

// GetFuturesInstruments fetches the instrument listing with raw payloads
// preserved for the spec registry.
func (k *KrakenClient) GetFuturesInstruments(ctx context.Context) ([]RawInstrument, error) {
	var payload struct {
		Result      string           `json:"result"`
		Error       string           `json:"error"`
		Instruments []map[string]any `json:"instruments"`
	}
	if err := k.doRequest(ctx, http.MethodGet, derivPath+"/instruments", nil, false, &payload); err != nil {
		return nil, err
	}
	if err := checkResult(payload.Result, payload.Error); err != nil {
		return nil, err
	}

	out := make([]RawInstrument, 0, len(payload.Instruments))
	for _, inst := range payload.Instruments {
		sym, _ := inst["symbol"].(string)
		if sym == "" {
			continue
		}
		out = append(out, RawInstrument{Symbol: sym, Raw: inst})
	}
	return out, nil
}

// GetFuturesBalance fetches the flex futures wallet.
func (k *KrakenClient) GetFuturesBalance(ctx context.Context) (Balance, error) {
	var payload struct {
		Result   string `json:"result"`
		Error    string `json:"error"`
		Accounts map[string]struct {
			Type     string             `json:"type"`
			Balances map[string]float64 `json:"balances"`
			Auxiliary struct {
				PortfolioValue  float64 `json:"pv"`
				AvailableFunds  float64 `json:"af"`
				UnrealizedFunds float64 `json:"pnl"`
			} `json:"auxiliary"`
			MarginRequirements struct {
				InitialMargin float64 `json:"im"`
			} `json:"marginRequirements"`
		} `json:"accounts"`
	}
	if err := k.doRequest(ctx, http.MethodGet, derivPath+"/accounts", nil, true, &payload); err != nil {
		return Balance{}, err
	}
	if err := checkResult(payload.Result, payload.Error); err != nil {
		return Balance{}, err
	}

	for _, acct := range payload.Accounts {
		if acct.Type != "multiCollateralMarginAccount" && acct.Type != "cashAccount" {
			continue
		}
		return Balance{
			Equity:          acct.Auxiliary.PortfolioValue,
			AvailableMargin: acct.Auxiliary.AvailableFunds,
			UsedMargin:      acct.MarginRequirements.InitialMargin,
			UnrealizedPnL:   acct.Auxiliary.UnrealizedFunds,
		}, nil
	}
	return Balance{}, fmt.Errorf("no margin account in accounts response")
}

// GetAllFuturesPositions fetches open positions, symbols in CCXT form.
func (k *KrakenClient) GetAllFuturesPositions(ctx context.Context) ([]FuturesPosition, error) {
	var payload struct {
		Result        string `json:"result"`
		Error         string `json:"error"`
		OpenPositions []struct {
			Symbol   string  `json:"symbol"`
			Side     string  `json:"side"`
			Size     float64 `json:"size"`
			Price    float64 `json:"price"`
			MaxFixedLeverage float64 `json:"maxFixedLeverage"`
			UnrealizedFunding float64 `json:"unrealizedFunding"`
		} `json:"openPositions"`
	}
	if err := k.doRequest(ctx, http.MethodGet, derivPath+"/openpositions", nil, true, &payload); err != nil {
		return nil, err
	}
	if err := checkResult(payload.Result, payload.Error); err != nil {
		return nil, err
	}

	out := make([]FuturesPosition, 0, len(payload.OpenPositions))
	for _, p := range payload.OpenPositions {
		ccxt := ToCCXTSymbol(p.Symbol)
		if ccxt == "" {
			ccxt = p.Symbol
		}
		out = append(out, FuturesPosition{
			Symbol:     ccxt,
			Side:       strings.ToLower(p.Side),
			Size:       p.Size,
			EntryPrice: p.Price,
			Leverage:   p.MaxFixedLeverage,
			Raw: map[string]any{
				"symbol":            p.Symbol,
				"unrealizedFunding": p.UnrealizedFunding,
			},
		})
	}
	return out, nil
}

// GetFuturesOpenOrders fetches resting orders, symbols in CCXT form.
func (k *KrakenClient) GetFuturesOpenOrders(ctx context.Context) ([]OpenOrder, error) {
	var payload struct {
		Result     string `json:"result"`
		Error      string `json:"error"`
		OpenOrders []struct {
			OrderID       string  `json:"order_id"`
			CliOrdID      string  `json:"cliOrdId"`
			Symbol        string  `json:"symbol"`
			Side          string  `json:"side"`
			OrderType     string  `json:"orderType"`
			LimitPrice    float64 `json:"limitPrice"`
			StopPrice     float64 `json:"stopPrice"`
			UnfilledSize  float64 `json:"unfilledSize"`
			FilledSize    float64 `json:"filledSize"`
			ReduceOnly    bool    `json:"reduceOnly"`
			ReceivedTime  string  `json:"receivedTime"`
		} `json:"openOrders"`
	}
	if err := k.doRequest(ctx, http.MethodGet, derivPath+"/openorders", nil, true, &payload); err != nil {
		return nil, err
	}
	if err := checkResult(payload.Result, payload.Error); err != nil {
		return nil, err
	}

	out := make([]OpenOrder, 0, len(payload.OpenOrders))
	for _, o := range payload.OpenOrders {
		ccxt := ToCCXTSymbol(o.Symbol)
		if ccxt == "" {
			ccxt = o.Symbol
		}
		price := o.LimitPrice
		if o.StopPrice > 0 {
			price = o.StopPrice
		}
		created, _ := time.Parse(time.RFC3339, o.ReceivedTime)
		out = append(out, OpenOrder{
			OrderID:       o.OrderID,
			ClientOrderID: o.CliOrdID,
			Symbol:        ccxt,
			Side:          strings.ToLower(o.Side),
			Type:          strings.ToLower(o.OrderType),
			Price:         price,
			Size:          o.UnfilledSize + o.FilledSize,
			Filled:        o.FilledSize,
			ReduceOnly:    o.ReduceOnly,
			CreatedAt:     created.UTC(),
		})
	}
	return out, nil
}

// orderTypeParam maps internal order types to venue order types.
func orderTypeParam(t models.OrderType) (string, error) {
	switch t {
	case models.OrderTypeMarket:
		return "mkt", nil
	case models.OrderTypeLimit:
		return "lmt", nil
	case models.OrderTypeStopLoss:
		return "stp", nil
	case models.OrderTypeTakeProfit:
		return "take_profit", nil
	default:
		return "", fmt.Errorf("unsupported order type %q", t)
	}
}

// PlaceFuturesOrder submits one order.
func (k *KrakenClient) PlaceFuturesOrder(ctx context.Context, req OrderRequest) (*OrderAck, error) {
	otype, err := orderTypeParam(req.Type)
	if err != nil {
		return nil, err
	}
	raw := FromCCXTSymbol(req.Symbol)
	if raw == "" {
		raw = req.Symbol
	}

	params := url.Values{}
	params.Set("orderType", otype)
	params.Set("symbol", raw)
	params.Set("side", string(req.Side))
	params.Set("size", strconv.FormatFloat(req.Size, 'f', -1, 64))
	if req.Price > 0 {
		key := "limitPrice"
		if req.Type == models.OrderTypeStopLoss || req.Type == models.OrderTypeTakeProfit {
			key = "stopPrice"
		}
		params.Set(key, strconv.FormatFloat(req.Price, 'f', -1, 64))
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}
	if req.ClientOrderID != "" {
		params.Set("cliOrdId", req.ClientOrderID)
	}

	var payload struct {
		Result     string `json:"result"`
		Error      string `json:"error"`
		SendStatus struct {
			OrderID string `json:"order_id"`
			Status  string `json:"status"`
			OrderEvents []struct {
				Type   string  `json:"type"`
				Amount float64 `json:"amount"`
				Price  float64 `json:"price"`
			} `json:"orderEvents"`
		} `json:"sendStatus"`
	}
	if err := k.doRequest(ctx, http.MethodPost, derivPath+"/sendorder", params, true, &payload); err != nil {
		return nil, err
	}
	if err := checkResult(payload.Result, payload.Error); err != nil {
		return nil, err
	}

	ack := &OrderAck{
		OrderID:       payload.SendStatus.OrderID,
		ClientOrderID: req.ClientOrderID,
		Status:        sendStatusToOrderStatus(payload.SendStatus.Status),
	}
	for _, ev := range payload.SendStatus.OrderEvents {
		if ev.Type == "EXECUTION" || ev.Type == "execution" {
			ack.FilledSize += ev.Amount
			ack.AvgFillPrice = ev.Price
		}
	}
	return ack, nil
}

func sendStatusToOrderStatus(s string) models.OrderStatus {
	switch strings.ToLower(s) {
	case "placed":
		return models.OrderStatusSubmitted
	case "filled", "fullyexecuted", "partiallyfilled":
		return models.OrderStatusFilled
	case "cancelled":
		return models.OrderStatusCancelled
	case "rejected", "insufficientavailablefunds", "wouldnotreduceposition":
		return models.OrderStatusRejected
	default:
		return models.OrderStatusPending
	}
}

// CancelFuturesOrder cancels one resting order.
func (k *KrakenClient) CancelFuturesOrder(ctx context.Context, orderID string) error {
	params := url.Values{}
	params.Set("order_id", orderID)

	var payload struct {
		Result       string `json:"result"`
		Error        string `json:"error"`
		CancelStatus struct {
			Status string `json:"status"`
		} `json:"cancelStatus"`
	}
	if err := k.doRequest(ctx, http.MethodPost, derivPath+"/cancelorder", params, true, &payload); err != nil {
		return err
	}
	if err := checkResult(payload.Result, payload.Error); err != nil {
		return err
	}
	status := strings.ToLower(payload.CancelStatus.Status)
	if status != "cancelled" && status != "notfound" {
		return fmt.Errorf("cancel order %s: unexpected status %q", orderID, payload.CancelStatus.Status)
	}
	return nil
}

// EditFuturesOrder amends price and size of a resting order.
func (k *KrakenClient) EditFuturesOrder(ctx context.Context, orderID string, price, size float64) (*OrderAck, error) {
	params := url.Values{}
	params.Set("orderId", orderID)
	if size > 0 {
		params.Set("size", strconv.FormatFloat(size, 'f', -1, 64))
	}
	if price > 0 {
		params.Set("limitPrice", strconv.FormatFloat(price, 'f', -1, 64))
		params.Set("stopPrice", strconv.FormatFloat(price, 'f', -1, 64))
	}

	var payload struct {
		Result     string `json:"result"`
		Error      string `json:"error"`
		EditStatus struct {
			OrderID string `json:"orderId"`
			Status  string `json:"status"`
		} `json:"editStatus"`
	}
	if err := k.doRequest(ctx, http.MethodPost, derivPath+"/editorder", params, true, &payload); err != nil {
		return nil, err
	}
	if err := checkResult(payload.Result, payload.Error); err != nil {
		return nil, err
	}
	if strings.ToLower(payload.EditStatus.Status) != "edited" {
		return nil, fmt.Errorf("edit order %s: unexpected status %q", orderID, payload.EditStatus.Status)
	}
	return &OrderAck{OrderID: payload.EditStatus.OrderID, Status: models.OrderStatusSubmitted}, nil
}

// ClosePosition market-closes up to size of the position, reduce-only.
func (k *KrakenClient) ClosePosition(ctx context.Context, symbol string, size float64) (*OrderAck, error) {
	positions, err := k.GetAllFuturesPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("lookup position for close: %w", err)
	}
	for _, p := range positions {
		if !SameMarket(p.Symbol, symbol) {
			continue
		}
		side := models.OrderSideSell
		if p.Side == "short" {
			side = models.OrderSideBuy
		}
		closeSize := p.Size
		if size > 0 && size < closeSize {
			closeSize = size
		}
		return k.PlaceFuturesOrder(ctx, OrderRequest{
			Symbol:     symbol,
			Side:       side,
			Type:       models.OrderTypeMarket,
			Size:       closeSize,
			ReduceOnly: true,
		})
	}
	return nil, fmt.Errorf("no open position for %s", symbol)
}

// SetLeverage sets the leverage preference for a market.
func (k *KrakenClient) SetLeverage(ctx context.Context, symbol string, leverage float64) error {
	raw := FromCCXTSymbol(symbol)
	if raw == "" {
		raw = symbol
	}
	params := url.Values{}
	params.Set("symbol", raw)
	params.Set("maxLeverage", strconv.FormatFloat(leverage, 'f', -1, 64))

	var payload struct {
		Result string `json:"result"`
		Error  string `json:"error"`
	}
	if err := k.doRequest(ctx, http.MethodPut, derivPath+"/leveragepreferences", params, true, &payload); err != nil {
		return err
	}
	return checkResult(payload.Result, payload.Error)
}
