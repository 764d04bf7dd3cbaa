package bybit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perpbot/internal/crypto"
	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/exchange"
)

const (
	// DefaultBaseURL is the Bybit production REST endpoint.
	DefaultBaseURL = "https://api.bybit.com"
	// DefaultWSURL is the public linear-perp stream endpoint.
	DefaultWSURL = "wss://stream.bybit.com/v5/public/linear"

	venueName = "BYBIT"
	// recvWindow must comfortably exceed the clock safety buffer, or every
	// request would sit on the rejection boundary.
	recvWindow = "20000"

	// timestampRetries bounds resync-and-retry after a drift rejection.
	timestampRetries = 3
)

// Local sentinels for retCodes that call sites swallow or handle specially.
var (
	errTimestampDrift        = errors.New("bybit: request timestamp outside recv window")
	errLeverageNotModified   = errors.New("bybit: leverage not modified")
	errMarginModeNotModified = errors.New("bybit: margin mode not modified")
)

// Client is the REST client for Bybit V5 linear perpetuals. All payloads are
// normalized to domain types at this boundary and errors map onto the domain
// taxonomy.
type Client struct {
	baseURL    string
	wsURL      string
	auth       *crypto.HMACAuth
	httpClient *http.Client
	logger     *slog.Logger
	limiter    *exchange.TokenBucket
	clock      *exchange.Clock

	mu          sync.RWMutex
	instruments map[string]domain.Instrument // keyed by canonical symbol
	byVenue     map[string]string            // venue symbol -> canonical
	leverage    map[string]int               // last leverage set per canonical symbol
}

// New creates a Bybit adapter from registry params.
func New(p exchange.Params) (*Client, error) {
	if p.APIKey == "" || p.APISecret == "" {
		return nil, fmt.Errorf("bybit: missing API credentials: %w", domain.ErrInvalidParam)
	}

	baseURL := p.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	wsURL := p.WSURL
	if wsURL == "" {
		wsURL = DefaultWSURL
	}
	httpClient := p.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		wsURL:       wsURL,
		auth:        &crypto.HMACAuth{Key: p.APIKey, Secret: p.APISecret},
		httpClient:  httpClient,
		logger:      p.Logger.With(slog.String("component", "bybit_client")),
		limiter:     exchange.NewTokenBucket(8, 8),
		clock:       exchange.NewClock(0),
		instruments: make(map[string]domain.Instrument),
		byVenue:     make(map[string]string),
		leverage:    make(map[string]int),
	}, nil
}

// Name returns the venue identifier.
func (c *Client) Name() string { return venueName }

// SupportsAttachedProtection is true: SL/TP bind to the entry order and
// surface later as conditional orders once the entry fills.
func (c *Client) SupportsAttachedProtection() bool { return true }

// Init synchronizes the server clock and loads instrument trading rules.
func (c *Client) Init(ctx context.Context) error {
	if err := c.SyncClock(ctx); err != nil {
		return err
	}
	if err := c.loadInstruments(ctx); err != nil {
		return err
	}
	c.logger.Info("bybit client initialized",
		slog.Int("instruments", len(c.instruments)),
		slog.Duration("clock_offset", c.clock.Offset()),
	)
	return nil
}

// Close releases idle HTTP connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}

// ServerTime returns the venue clock.
func (c *Client) ServerTime(ctx context.Context) (time.Time, error) {
	return c.fetchServerTime(ctx)
}

// SyncClock refreshes the drift offset used to stamp signed requests.
func (c *Client) SyncClock(ctx context.Context) error {
	return c.clock.Sync(ctx, c.fetchServerTime)
}

func (c *Client) fetchServerTime(ctx context.Context) (time.Time, error) {
	raw, err := c.doPublic(ctx, "/v5/market/time", nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("bybit: server time: %w", err)
	}
	var res serverTimeResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return time.Time{}, fmt.Errorf("bybit: decode server time: %w", err)
	}
	nano, err := strconv.ParseInt(res.TimeNano, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("bybit: parse server time %q: %w", res.TimeNano, err)
	}
	return time.Unix(0, nano).UTC(), nil
}

func (c *Client) loadInstruments(ctx context.Context) error {
	instruments := make(map[string]domain.Instrument)
	byVenue := make(map[string]string)

	cursor := ""
	for {
		params := url.Values{}
		params.Set("category", "linear")
		params.Set("limit", "1000")
		params.Set("status", "Trading")
		if cursor != "" {
			params.Set("cursor", cursor)
		}

		raw, err := c.doPublic(ctx, "/v5/market/instruments-info", params)
		if err != nil {
			return fmt.Errorf("bybit: load instruments: %w", err)
		}
		var res instrumentsResult
		if err := json.Unmarshal(raw, &res); err != nil {
			return fmt.Errorf("bybit: decode instruments: %w", err)
		}

		for _, info := range res.List {
			canonical := splitVenueSymbol(info.Symbol)
			maxLev, _ := strconv.ParseFloat(info.LeverageFilter.MaxLeverage, 64)
			instruments[canonical] = domain.Instrument{
				Symbol:      canonical,
				VenueSymbol: info.Symbol,
				TickSize:    parseDec(info.PriceFilter.TickSize),
				QtyStep:     parseDec(info.LotSizeFilter.QtyStep),
				MinQty:      parseDec(info.LotSizeFilter.MinOrderQty),
				MinNotional: parseDec(info.LotSizeFilter.MinNotionalValue),
				MaxLeverage: int(maxLev),
			}
			byVenue[info.Symbol] = canonical
		}

		cursor = res.NextPageCursor
		if cursor == "" {
			break
		}
	}

	c.mu.Lock()
	c.instruments = instruments
	c.byVenue = byVenue
	c.mu.Unlock()
	return nil
}

// Instrument returns the trading rules for a canonical symbol.
func (c *Client) Instrument(symbol string) (domain.Instrument, error) {
	c.mu.RLock()
	inst, ok := c.instruments[symbol]
	c.mu.RUnlock()
	if !ok {
		return domain.Instrument{}, fmt.Errorf("bybit: instrument %s: %w", symbol, domain.ErrNotFound)
	}
	return inst, nil
}

// AmountToPrecision floors qty to the instrument quantity step.
func (c *Client) AmountToPrecision(symbol string, qty decimal.Decimal) decimal.Decimal {
	inst, err := c.Instrument(symbol)
	if err != nil {
		return qty
	}
	return inst.RoundQty(qty)
}

// PriceToPrecision floors price to the instrument tick size.
func (c *Client) PriceToPrecision(symbol string, price decimal.Decimal) decimal.Decimal {
	inst, err := c.Instrument(symbol)
	if err != nil {
		return price
	}
	return inst.RoundPrice(price)
}

// NormalizeSymbol maps a venue symbol like BTCUSDT to canonical BTC/USDT.
func (c *Client) NormalizeSymbol(venueSymbol string) string {
	c.mu.RLock()
	canonical, ok := c.byVenue[venueSymbol]
	c.mu.RUnlock()
	if ok {
		return canonical
	}
	return splitVenueSymbol(venueSymbol)
}

// VenueSymbol maps a canonical symbol to the venue form.
func (c *Client) VenueSymbol(canonical string) string {
	return domain.CompactSymbol(canonical)
}

// splitVenueSymbol reinserts the separator before a known quote suffix.
func splitVenueSymbol(venueSymbol string) string {
	for _, quote := range []string{"USDT", "USDC", "USD"} {
		if base, found := strings.CutSuffix(venueSymbol, quote); found && base != "" {
			return base + "/" + quote
		}
	}
	return venueSymbol
}

// FetchTicker returns the latest linear-perp quote for one symbol.
func (c *Client) FetchTicker(ctx context.Context, symbol string) (domain.Ticker, error) {
	params := url.Values{}
	params.Set("category", "linear")
	params.Set("symbol", c.VenueSymbol(symbol))

	raw, err := c.doPublic(ctx, "/v5/market/tickers", params)
	if err != nil {
		return domain.Ticker{}, fmt.Errorf("bybit: get ticker %s: %w", symbol, err)
	}
	var res tickersResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return domain.Ticker{}, fmt.Errorf("bybit: decode ticker: %w", err)
	}
	if len(res.List) == 0 {
		return domain.Ticker{}, fmt.Errorf("bybit: ticker %s: %w", symbol, domain.ErrNotFound)
	}

	t := res.List[0]
	return domain.Ticker{
		Symbol:    symbol,
		Last:      parseDec(t.LastPrice),
		Bid:       parseDec(t.Bid1Price),
		Ask:       parseDec(t.Ask1Price),
		Mark:      parseDec(t.MarkPrice),
		Timestamp: time.Now().UTC(),
	}, nil
}

// FetchOHLCV returns up to limit bars in ascending time order.
func (c *Client) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]domain.Candle, error) {
	interval, ok := intervals[timeframe]
	if !ok {
		return nil, fmt.Errorf("bybit: unsupported timeframe %q: %w", timeframe, domain.ErrInvalidParam)
	}

	params := url.Values{}
	params.Set("category", "linear")
	params.Set("symbol", c.VenueSymbol(symbol))
	params.Set("interval", interval)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	raw, err := c.doPublic(ctx, "/v5/market/kline", params)
	if err != nil {
		return nil, fmt.Errorf("bybit: get kline %s %s: %w", symbol, timeframe, err)
	}
	var res klineResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("bybit: decode kline: %w", err)
	}

	// The list arrives newest-first; callers want chronological order.
	candles := make([]domain.Candle, 0, len(res.List))
	for i := len(res.List) - 1; i >= 0; i-- {
		row := res.List[i]
		if len(row) < 6 {
			continue
		}
		candles = append(candles, domain.Candle{
			OpenTime: parseMillis(row[0]),
			Open:     parseDec(row[1]),
			High:     parseDec(row[2]),
			Low:      parseDec(row[3]),
			Close:    parseDec(row[4]),
			Volume:   parseDec(row[5]),
		})
	}
	return candles, nil
}

// PlaceEntry submits an entry order. Attached SL/TP are enriched with
// full-position tpsl mode triggered on mark price.
func (c *Client) PlaceEntry(ctx context.Context, req exchange.EntryRequest) (domain.OrderAck, error) {
	body := map[string]any{
		"category":    "linear",
		"symbol":      c.VenueSymbol(req.Symbol),
		"side":        orderSide(req.Side),
		"orderType":   "Market",
		"qty":         req.Qty.String(),
		"positionIdx": 0,
	}
	if !req.Market() {
		body["orderType"] = "Limit"
		body["price"] = req.LimitPrice.String()
		body["timeInForce"] = "GTC"
	}
	if req.ClientOrderID != "" {
		body["orderLinkId"] = req.ClientOrderID
	}
	if !req.AttachedSL.IsZero() || !req.AttachedTP.IsZero() {
		body["tpslMode"] = "Full"
		if !req.AttachedSL.IsZero() {
			body["stopLoss"] = req.AttachedSL.String()
			body["slTriggerBy"] = "MarkPrice"
		}
		if !req.AttachedTP.IsZero() {
			body["takeProfit"] = req.AttachedTP.String()
			body["tpTriggerBy"] = "MarkPrice"
		}
	}

	raw, err := c.doSigned(ctx, http.MethodPost, "/v5/order/create", nil, body)
	if err != nil {
		return domain.OrderAck{}, fmt.Errorf("bybit: place entry %s: %w", req.Symbol, err)
	}
	var res orderResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return domain.OrderAck{}, fmt.Errorf("bybit: decode order response: %w", err)
	}
	return domain.OrderAck{OrderID: res.OrderID, ClientOrderID: res.OrderLinkID, Status: "NEW"}, nil
}

// PlaceReduceOnly submits a position-reducing order: a conditional market
// trigger when StopPrice is set, an immediate market close otherwise.
func (c *Client) PlaceReduceOnly(ctx context.Context, req exchange.ReduceOnlyRequest) (domain.OrderAck, error) {
	body := map[string]any{
		"category":    "linear",
		"symbol":      c.VenueSymbol(req.Symbol),
		"side":        orderSide(req.Side),
		"orderType":   "Market",
		"qty":         req.Qty.String(),
		"reduceOnly":  true,
		"positionIdx": 0,
	}
	if req.ClientOrderID != "" {
		body["orderLinkId"] = req.ClientOrderID
	}
	if !req.StopPrice.IsZero() {
		body["triggerPrice"] = req.StopPrice.String()
		body["triggerDirection"] = triggerDirection(req.Side, req.Kind)
		body["triggerBy"] = "MarkPrice"
		body["closeOnTrigger"] = true
	}

	raw, err := c.doSigned(ctx, http.MethodPost, "/v5/order/create", nil, body)
	if err != nil {
		return domain.OrderAck{}, fmt.Errorf("bybit: place reduce-only %s %s: %w", req.Kind, req.Symbol, err)
	}
	var res orderResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return domain.OrderAck{}, fmt.Errorf("bybit: decode order response: %w", err)
	}
	return domain.OrderAck{OrderID: res.OrderID, ClientOrderID: res.OrderLinkID, Status: "NEW"}, nil
}

func orderSide(side domain.OrderSide) string {
	if side == domain.OrderSideBuy {
		return "Buy"
	}
	return "Sell"
}

// triggerDirection returns 1 (triggered on rise) or 2 (triggered on fall)
// for a protective trigger order.
func triggerDirection(side domain.OrderSide, kind domain.OrderKind) int {
	fall := (side == domain.OrderSideSell && kind != domain.OrderKindTP) ||
		(side == domain.OrderSideBuy && kind == domain.OrderKindTP)
	if fall {
		return 2
	}
	return 1
}

// CancelOrder cancels an order. Conditional orders live in a separate queue
// that needs an explicit orderFilter; CancelAuto fails over to it when the
// standard queue reports the order missing.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string, hint domain.CancelHint) error {
	err := c.cancel(ctx, symbol, orderID, hint == domain.CancelConditional)
	if err == nil {
		return nil
	}
	if hint == domain.CancelAuto && errors.Is(err, domain.ErrOrderNotFound) {
		c.logger.Info("order missing from standard queue, retrying cancel as conditional",
			slog.String("symbol", symbol), slog.String("order_id", orderID))
		return c.cancel(ctx, symbol, orderID, true)
	}
	return err
}

func (c *Client) cancel(ctx context.Context, symbol, orderID string, conditional bool) error {
	body := map[string]any{
		"category": "linear",
		"symbol":   c.VenueSymbol(symbol),
		"orderId":  orderID,
	}
	if conditional {
		body["orderFilter"] = "StopOrder"
	}
	if _, err := c.doSigned(ctx, http.MethodPost, "/v5/order/cancel", nil, body); err != nil {
		return fmt.Errorf("bybit: cancel order %s: %w", orderID, err)
	}
	return nil
}

// FetchOpenOrders merges the standard and StopOrder queues. An empty symbol
// fetches across all USDT-settled contracts.
func (c *Client) FetchOpenOrders(ctx context.Context, symbol string) ([]domain.OpenOrder, error) {
	standard, err := c.fetchOrderQueue(ctx, symbol, false)
	if err != nil {
		return nil, fmt.Errorf("bybit: fetch open orders: %w", err)
	}
	conditional, err := c.fetchOrderQueue(ctx, symbol, true)
	if err != nil {
		return nil, fmt.Errorf("bybit: fetch conditional orders: %w", err)
	}

	out := make([]domain.OpenOrder, 0, len(standard)+len(conditional))
	for _, o := range append(standard, conditional...) {
		out = append(out, o.toOpenOrder(c.NormalizeSymbol(o.Symbol)))
	}
	return out, nil
}

func (c *Client) fetchOrderQueue(ctx context.Context, symbol string, conditional bool) ([]orderInfo, error) {
	params := url.Values{}
	params.Set("category", "linear")
	params.Set("openOnly", "0")
	params.Set("limit", "50")
	if symbol != "" {
		params.Set("symbol", c.VenueSymbol(symbol))
	} else {
		params.Set("settleCoin", "USDT")
	}
	if conditional {
		params.Set("orderFilter", "StopOrder")
	}

	raw, err := c.doSigned(ctx, http.MethodGet, "/v5/order/realtime", params, nil)
	if err != nil {
		return nil, err
	}
	var res ordersResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode orders: %w", err)
	}
	return res.List, nil
}

// FetchOrder looks up one order, checking the standard queue, then the
// conditional queue, then history for orders that already left the book.
func (c *Client) FetchOrder(ctx context.Context, symbol, orderID string) (domain.OrderAck, error) {
	paths := []struct {
		path        string
		conditional bool
	}{
		{"/v5/order/realtime", false},
		{"/v5/order/realtime", true},
		{"/v5/order/history", false},
	}

	for _, q := range paths {
		params := url.Values{}
		params.Set("category", "linear")
		params.Set("orderId", orderID)
		if symbol != "" {
			params.Set("symbol", c.VenueSymbol(symbol))
		}
		if q.conditional {
			params.Set("orderFilter", "StopOrder")
		}

		raw, err := c.doSigned(ctx, http.MethodGet, q.path, params, nil)
		if err != nil {
			if errors.Is(err, domain.ErrOrderNotFound) {
				continue
			}
			return domain.OrderAck{}, fmt.Errorf("bybit: fetch order %s: %w", orderID, err)
		}
		var res ordersResult
		if err := json.Unmarshal(raw, &res); err != nil {
			return domain.OrderAck{}, fmt.Errorf("bybit: decode order: %w", err)
		}
		if len(res.List) > 0 {
			return res.List[0].toAck(), nil
		}
	}
	return domain.OrderAck{}, fmt.Errorf("bybit: fetch order %s: %w", orderID, domain.ErrOrderNotFound)
}

// FetchPositions returns all non-zero USDT-settled positions.
func (c *Client) FetchPositions(ctx context.Context) ([]domain.ExchangePosition, error) {
	params := url.Values{}
	params.Set("category", "linear")
	params.Set("settleCoin", "USDT")

	raw, err := c.doSigned(ctx, http.MethodGet, "/v5/position/list", params, nil)
	if err != nil {
		return nil, fmt.Errorf("bybit: fetch positions: %w", err)
	}
	var res positionsResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("bybit: decode positions: %w", err)
	}

	var out []domain.ExchangePosition
	for _, p := range res.List {
		if parseDec(p.Size).LessThanOrEqual(decimal.Zero) {
			continue
		}
		out = append(out, p.toDomain(c.NormalizeSymbol(p.Symbol)))
	}
	return out, nil
}

// FetchMyTrades returns executions for a symbol since the given time.
func (c *Client) FetchMyTrades(ctx context.Context, symbol string, since time.Time) ([]domain.Fill, error) {
	params := url.Values{}
	params.Set("category", "linear")
	params.Set("symbol", c.VenueSymbol(symbol))
	params.Set("limit", "100")
	if !since.IsZero() {
		params.Set("startTime", strconv.FormatInt(since.UnixMilli(), 10))
	}

	raw, err := c.doSigned(ctx, http.MethodGet, "/v5/execution/list", params, nil)
	if err != nil {
		return nil, fmt.Errorf("bybit: fetch my trades %s: %w", symbol, err)
	}
	var res executionsResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("bybit: decode executions: %w", err)
	}

	fills := make([]domain.Fill, 0, len(res.List))
	for _, e := range res.List {
		fills = append(fills, e.toFill(c.NormalizeSymbol(e.Symbol)))
	}
	return fills, nil
}

// FetchBalance returns the unified-account USDT balance.
func (c *Client) FetchBalance(ctx context.Context) (domain.Balance, error) {
	params := url.Values{}
	params.Set("accountType", "UNIFIED")

	raw, err := c.doSigned(ctx, http.MethodGet, "/v5/account/wallet-balance", params, nil)
	if err != nil {
		return domain.Balance{}, fmt.Errorf("bybit: fetch balance: %w", err)
	}
	var res walletResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return domain.Balance{}, fmt.Errorf("bybit: decode balance: %w", err)
	}
	if len(res.List) == 0 {
		return domain.Balance{}, fmt.Errorf("bybit: wallet balance: %w", domain.ErrNotFound)
	}

	acct := res.List[0]
	bal := domain.Balance{
		Asset: "USDT",
		Total: parseDec(acct.TotalEquity),
		Free:  parseDec(acct.TotalAvailableBalance),
	}
	for _, coin := range acct.Coin {
		if coin.Coin == "USDT" {
			bal.Total = parseDec(coin.WalletBalance)
			break
		}
	}
	return bal, nil
}

// SetLeverage sets symmetric buy/sell leverage. An unchanged value is not an
// error.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	lev := strconv.Itoa(leverage)
	body := map[string]any{
		"category":     "linear",
		"symbol":       c.VenueSymbol(symbol),
		"buyLeverage":  lev,
		"sellLeverage": lev,
	}
	_, err := c.doSigned(ctx, http.MethodPost, "/v5/position/set-leverage", nil, body)
	if err != nil && !errors.Is(err, errLeverageNotModified) {
		return fmt.Errorf("bybit: set leverage %s %dx: %w", symbol, leverage, err)
	}

	c.mu.Lock()
	c.leverage[symbol] = leverage
	c.mu.Unlock()
	return nil
}

// SetMarginMode switches between isolated and cross margin. The venue
// requires leverage values on the switch call, so the last SetLeverage value
// is reused. An unchanged mode is not an error.
func (c *Client) SetMarginMode(ctx context.Context, symbol string, mode domain.MarginMode) error {
	tradeMode := 0
	if mode == domain.MarginIsolated {
		tradeMode = 1
	}

	c.mu.RLock()
	lev := c.leverage[symbol]
	c.mu.RUnlock()
	if lev == 0 {
		lev = 10
	}

	body := map[string]any{
		"category":     "linear",
		"symbol":       c.VenueSymbol(symbol),
		"tradeMode":    tradeMode,
		"buyLeverage":  strconv.Itoa(lev),
		"sellLeverage": strconv.Itoa(lev),
	}
	_, err := c.doSigned(ctx, http.MethodPost, "/v5/position/switch-isolated", nil, body)
	if err != nil && !errors.Is(err, errMarginModeNotModified) {
		return fmt.Errorf("bybit: set margin mode %s %s: %w", symbol, mode, err)
	}
	return nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// doPublic sends an unauthenticated GET and unwraps the V5 envelope.
// doPublic sends an unauthenticated GET, retrying transient network and
// rate-limit failures with backoff.
func (c *Client) doPublic(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	var raw json.RawMessage
	err := exchange.Retry(ctx, c.logger, "GET "+path, func(ctx context.Context) error {
		var err error
		raw, err = c.doPublicOnce(ctx, path, params)
		return err
	})
	return raw, err
}

func (c *Client) doPublicOnce(ctx context.Context, path string, params url.Values) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	fullURL := c.baseURL + path
	if len(params) > 0 {
		fullURL += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	return c.send(req)
}

// doSigned sends an authenticated request, retrying transient network and
// rate-limit failures with backoff. Duplicate submissions on a mutating
// retry are rejected by the venue on orderLinkId.
func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values, body map[string]any) (json.RawMessage, error) {
	var raw json.RawMessage
	err := exchange.Retry(ctx, c.logger, method+" "+path, func(ctx context.Context) error {
		var err error
		raw, err = c.doSignedResync(ctx, method, path, params, body)
		return err
	})
	return raw, err
}

// doSignedResync resyncs the clock and retries when the venue rejects the
// request timestamp.
func (c *Client) doSignedResync(ctx context.Context, method, path string, params url.Values, body map[string]any) (json.RawMessage, error) {
	var raw json.RawMessage
	var err error

	for attempt := 0; attempt < timestampRetries; attempt++ {
		raw, err = c.doSignedOnce(ctx, method, path, params, body)
		if err == nil || !errors.Is(err, errTimestampDrift) {
			return raw, err
		}
		c.logger.Warn("timestamp rejected, resyncing clock",
			slog.String("path", path), slog.Int("attempt", attempt+1))
		if syncErr := c.SyncClock(ctx); syncErr != nil {
			return nil, syncErr
		}
	}
	return raw, err
}

func (c *Client) doSignedOnce(ctx context.Context, method, path string, params url.Values, body map[string]any) (json.RawMessage, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	query := ""
	if len(params) > 0 {
		query = params.Encode()
	}

	var bodyBytes []byte
	if body != nil {
		var err error
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
	}

	fullURL := c.baseURL + path
	if query != "" {
		fullURL += "?" + query
	}

	var bodyReader io.Reader
	if bodyBytes != nil {
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if bodyBytes != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	// V5 signs timestamp + key + recvWindow + (query | body).
	ts := strconv.FormatInt(c.clock.Timestamp(), 10)
	payload := ts + c.auth.Key + recvWindow + query
	if bodyBytes != nil {
		payload = ts + c.auth.Key + recvWindow + string(bodyBytes)
	}
	req.Header.Set("X-BAPI-API-KEY", c.auth.Key)
	req.Header.Set("X-BAPI-TIMESTAMP", ts)
	req.Header.Set("X-BAPI-RECV-WINDOW", recvWindow)
	req.Header.Set("X-BAPI-SIGN", c.auth.SignHex(payload))

	return c.send(req)
}

// send executes the request, maps transport-level failures, and unwraps the
// V5 envelope.
func (c *Client) send(req *http.Request) (json.RawMessage, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w: %w", err, domain.ErrTransientNetwork)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w: %w", err, domain.ErrTransientNetwork)
	}

	if err := checkHTTPStatus(resp.StatusCode); err != nil {
		return nil, err
	}

	var env response
	if err := json.Unmarshal(respBody, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if err := checkRetCode(env.RetCode, env.RetMsg); err != nil {
		return nil, err
	}
	return env.Result, nil
}

// checkHTTPStatus maps non-2xx transport statuses onto the error taxonomy.
func checkHTTPStatus(statusCode int) error {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return nil
	case statusCode == http.StatusTooManyRequests:
		return &domain.RateLimitError{}
	case statusCode == http.StatusUnauthorized, statusCode == http.StatusForbidden:
		return fmt.Errorf("HTTP %d: %w", statusCode, domain.ErrAuth)
	case statusCode >= 500:
		return fmt.Errorf("HTTP %d: %w", statusCode, domain.ErrVenueDown)
	default:
		return fmt.Errorf("HTTP %d: %w", statusCode, domain.ErrTransientNetwork)
	}
}

// checkRetCode maps V5 business codes onto the error taxonomy.
func checkRetCode(code int, msg string) error {
	switch code {
	case 0:
		return nil
	case 10002:
		return fmt.Errorf("retCode %d: %s: %w", code, msg, errTimestampDrift)
	case 10006, 10018:
		return fmt.Errorf("retCode %d: %s: %w", code, msg, &domain.RateLimitError{})
	case 10003, 10004, 10005, 33004:
		return fmt.Errorf("retCode %d: %s: %w", code, msg, domain.ErrAuth)
	case 10001:
		return fmt.Errorf("retCode %d: %s: %w", code, msg, domain.ErrInvalidParam)
	case 10016:
		return fmt.Errorf("retCode %d: %s: %w", code, msg, domain.ErrVenueDown)
	case 110001:
		return fmt.Errorf("retCode %d: %s: %w", code, msg, domain.ErrOrderNotFound)
	case 110007:
		return fmt.Errorf("retCode %d: %s: %w", code, msg, domain.ErrInsufficientFunds)
	case 110043:
		return errLeverageNotModified
	case 110026, 110027:
		return errMarginModeNotModified
	}

	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "order does not exist"), strings.Contains(lower, "order not exists"):
		return fmt.Errorf("retCode %d: %s: %w", code, msg, domain.ErrOrderNotFound)
	case strings.Contains(lower, "not modified"):
		return errMarginModeNotModified
	default:
		return fmt.Errorf("retCode %d: %s", code, msg)
	}
}
