package binance

import (
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
	// DefaultBaseURL is the USDT-margined futures production endpoint.
	DefaultBaseURL = "https://fapi.binance.com"
	// DefaultWSURL is the public market stream endpoint.
	DefaultWSURL = "wss://fstream.binance.com/ws"

	venueName = "BINANCE"

	// recvWindow is generous so the clock safety buffer never puts request
	// timestamps on the rejection boundary.
	recvWindow = "60000"

	// timestampRetries bounds resync-and-retry after a drift rejection.
	timestampRetries = 3

	// defaultMaxLeverage applies when the bracket endpoint is unavailable.
	defaultMaxLeverage = 125
)

// errTimestampDrift marks code -1021 so the signed-request path can resync
// and retry.
var errTimestampDrift = errors.New("binance: request timestamp outside recv window")

// Client is the REST client for Binance USDT-margined perpetuals. All
// payloads are normalized to domain types at this boundary and errors map
// onto the domain taxonomy.
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
}

// New creates a Binance adapter from registry params.
func New(p exchange.Params) (*Client, error) {
	if p.APIKey == "" || p.APISecret == "" {
		return nil, fmt.Errorf("binance: missing API credentials: %w", domain.ErrInvalidParam)
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
		logger:      p.Logger.With(slog.String("component", "binance_client")),
		limiter:     exchange.NewTokenBucket(10, 10),
		clock:       exchange.NewClock(0),
		instruments: make(map[string]domain.Instrument),
		byVenue:     make(map[string]string),
	}, nil
}

// Name returns the venue identifier.
func (c *Client) Name() string { return venueName }

// SupportsAttachedProtection is false: SL/TP cannot ride on the entry and
// are placed as separate conditional orders after the fill.
func (c *Client) SupportsAttachedProtection() bool { return false }

// Init synchronizes the server clock and loads instrument trading rules.
func (c *Client) Init(ctx context.Context) error {
	if err := c.SyncClock(ctx); err != nil {
		return err
	}
	if err := c.loadInstruments(ctx); err != nil {
		return err
	}
	c.logger.Info("binance client initialized",
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
	raw, err := c.doPublic(ctx, "/fapi/v1/time", nil)
	if err != nil {
		return time.Time{}, fmt.Errorf("binance: server time: %w", err)
	}
	var res serverTimeResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		return time.Time{}, fmt.Errorf("binance: decode server time: %w", err)
	}
	return time.UnixMilli(res.ServerTime).UTC(), nil
}

func (c *Client) loadInstruments(ctx context.Context) error {
	raw, err := c.doPublic(ctx, "/fapi/v1/exchangeInfo", nil)
	if err != nil {
		return fmt.Errorf("binance: load exchange info: %w", err)
	}
	var res exchangeInfoResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		return fmt.Errorf("binance: decode exchange info: %w", err)
	}

	instruments := make(map[string]domain.Instrument)
	byVenue := make(map[string]string)
	for _, s := range res.Symbols {
		if s.Status != "TRADING" {
			continue
		}
		canonical := s.BaseAsset + "/" + s.QuoteAsset
		inst := domain.Instrument{
			Symbol:      canonical,
			VenueSymbol: s.Symbol,
			MaxLeverage: defaultMaxLeverage,
		}
		for _, f := range s.Filters {
			switch f.FilterType {
			case "PRICE_FILTER":
				inst.TickSize = parseDec(f.TickSize)
			case "LOT_SIZE":
				inst.QtyStep = parseDec(f.StepSize)
				inst.MinQty = parseDec(f.MinQty)
			case "MIN_NOTIONAL":
				inst.MinNotional = parseDec(f.Notional)
			}
		}
		instruments[canonical] = inst
		byVenue[s.Symbol] = canonical
	}

	// Leverage ceilings come from the bracket endpoint; keep defaults when
	// the key lacks permission for it.
	if err := c.applyLeverageBrackets(ctx, instruments, byVenue); err != nil {
		c.logger.Warn("leverage brackets unavailable, using default ceiling",
			slog.Int("default", defaultMaxLeverage), slog.String("error", err.Error()))
	}

	c.mu.Lock()
	c.instruments = instruments
	c.byVenue = byVenue
	c.mu.Unlock()
	return nil
}

func (c *Client) applyLeverageBrackets(ctx context.Context, instruments map[string]domain.Instrument, byVenue map[string]string) error {
	raw, err := c.doSigned(ctx, http.MethodGet, "/fapi/v1/leverageBracket", nil)
	if err != nil {
		return err
	}
	var brackets []leverageBracketInfo
	if err := json.Unmarshal(raw, &brackets); err != nil {
		return fmt.Errorf("decode leverage brackets: %w", err)
	}

	for _, b := range brackets {
		canonical, ok := byVenue[b.Symbol]
		if !ok || len(b.Brackets) == 0 {
			continue
		}
		inst := instruments[canonical]
		inst.MaxLeverage = b.Brackets[0].InitialLeverage
		instruments[canonical] = inst
	}
	return nil
}

// Instrument returns the trading rules for a canonical symbol.
func (c *Client) Instrument(symbol string) (domain.Instrument, error) {
	c.mu.RLock()
	inst, ok := c.instruments[symbol]
	c.mu.RUnlock()
	if !ok {
		return domain.Instrument{}, fmt.Errorf("binance: instrument %s: %w", symbol, domain.ErrNotFound)
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
	for _, quote := range []string{"USDT", "USDC", "BUSD"} {
		if base, found := strings.CutSuffix(venueSymbol, quote); found && base != "" {
			return base + "/" + quote
		}
	}
	return venueSymbol
}

// VenueSymbol maps a canonical symbol to the venue form.
func (c *Client) VenueSymbol(canonical string) string {
	return domain.CompactSymbol(canonical)
}

// FetchTicker returns the latest perp quote. Last and mark come from two
// lightweight public endpoints; bid/ask arrive over the stream feed.
func (c *Client) FetchTicker(ctx context.Context, symbol string) (domain.Ticker, error) {
	params := url.Values{}
	params.Set("symbol", c.VenueSymbol(symbol))

	raw, err := c.doPublic(ctx, "/fapi/v1/ticker/price", params)
	if err != nil {
		return domain.Ticker{}, fmt.Errorf("binance: get ticker %s: %w", symbol, err)
	}
	var price priceTickerResponse
	if err := json.Unmarshal(raw, &price); err != nil {
		return domain.Ticker{}, fmt.Errorf("binance: decode ticker: %w", err)
	}

	tick := domain.Ticker{
		Symbol:    symbol,
		Last:      parseDec(price.Price),
		Timestamp: time.Now().UTC(),
	}

	if raw, err = c.doPublic(ctx, "/fapi/v1/premiumIndex", params); err == nil {
		var premium premiumIndexResponse
		if err := json.Unmarshal(raw, &premium); err == nil {
			tick.Mark = parseDec(premium.MarkPrice)
		}
	}
	return tick, nil
}

// FetchOHLCV returns up to limit bars in ascending time order.
func (c *Client) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]domain.Candle, error) {
	if _, ok := validIntervals[timeframe]; !ok {
		return nil, fmt.Errorf("binance: unsupported timeframe %q: %w", timeframe, domain.ErrInvalidParam)
	}

	params := url.Values{}
	params.Set("symbol", c.VenueSymbol(symbol))
	params.Set("interval", timeframe)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	raw, err := c.doPublic(ctx, "/fapi/v1/klines", params)
	if err != nil {
		return nil, fmt.Errorf("binance: get klines %s %s: %w", symbol, timeframe, err)
	}

	var rows [][]any
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("binance: decode klines: %w", err)
	}

	candles := make([]domain.Candle, 0, len(rows))
	for _, row := range rows {
		if len(row) < 6 {
			continue
		}
		openTime, ok := row[0].(float64)
		if !ok {
			continue
		}
		candles = append(candles, domain.Candle{
			OpenTime: time.UnixMilli(int64(openTime)).UTC(),
			Open:     parseDec(asString(row[1])),
			High:     parseDec(asString(row[2])),
			Low:      parseDec(asString(row[3])),
			Close:    parseDec(asString(row[4])),
			Volume:   parseDec(asString(row[5])),
		})
	}
	return candles, nil
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

// PlaceEntry submits an entry order. Attached protection is not supported
// on this venue; the caller places SL/TP separately after the fill.
func (c *Client) PlaceEntry(ctx context.Context, req exchange.EntryRequest) (domain.OrderAck, error) {
	params := url.Values{}
	params.Set("symbol", c.VenueSymbol(req.Symbol))
	params.Set("side", string(req.Side))
	params.Set("quantity", req.Qty.String())
	// RESULT responses carry final status and fill price for market orders.
	params.Set("newOrderRespType", "RESULT")
	if req.Market() {
		params.Set("type", "MARKET")
	} else {
		params.Set("type", "LIMIT")
		params.Set("timeInForce", "GTC")
		params.Set("price", req.LimitPrice.String())
	}
	if req.ClientOrderID != "" {
		params.Set("newClientOrderId", req.ClientOrderID)
	}

	raw, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		return domain.OrderAck{}, fmt.Errorf("binance: place entry %s: %w", req.Symbol, err)
	}
	var res orderResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		return domain.OrderAck{}, fmt.Errorf("binance: decode order response: %w", err)
	}
	return res.toAck(), nil
}

// PlaceReduceOnly submits a position-reducing order: a mark-price trigger
// when StopPrice is set, an immediate market close otherwise.
func (c *Client) PlaceReduceOnly(ctx context.Context, req exchange.ReduceOnlyRequest) (domain.OrderAck, error) {
	params := url.Values{}
	params.Set("symbol", c.VenueSymbol(req.Symbol))
	params.Set("side", string(req.Side))
	params.Set("quantity", req.Qty.String())
	params.Set("reduceOnly", "true")
	params.Set("newOrderRespType", "RESULT")
	if req.ClientOrderID != "" {
		params.Set("newClientOrderId", req.ClientOrderID)
	}

	if req.StopPrice.IsZero() {
		params.Set("type", "MARKET")
	} else {
		if req.Kind == domain.OrderKindTP {
			params.Set("type", "TAKE_PROFIT_MARKET")
		} else {
			params.Set("type", "STOP_MARKET")
		}
		params.Set("stopPrice", req.StopPrice.String())
		params.Set("workingType", "MARK_PRICE")
	}

	raw, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		return domain.OrderAck{}, fmt.Errorf("binance: place reduce-only %s %s: %w", req.Kind, req.Symbol, err)
	}
	var res orderResponse
	if err := json.Unmarshal(raw, &res); err != nil {
		return domain.OrderAck{}, fmt.Errorf("binance: decode order response: %w", err)
	}
	return res.toAck(), nil
}

// CancelOrder cancels an order. The standard endpoint also removes
// conditional orders by id; when it reports the order missing and the hint
// allows it, the algo cancel endpoint is tried before giving up.
func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string, hint domain.CancelHint) error {
	params := url.Values{}
	params.Set("symbol", c.VenueSymbol(symbol))
	params.Set("orderId", orderID)

	_, err := c.doSigned(ctx, http.MethodDelete, "/fapi/v1/order", params)
	if err == nil {
		return nil
	}
	if !errors.Is(err, domain.ErrOrderNotFound) || hint == domain.CancelStandard {
		return fmt.Errorf("binance: cancel order %s: %w", orderID, err)
	}

	c.logger.Info("order missing from standard queue, retrying cancel as algo",
		slog.String("symbol", symbol), slog.String("order_id", orderID))
	algoParams := url.Values{}
	algoParams.Set("algoId", orderID)
	if _, algoErr := c.doSigned(ctx, http.MethodDelete, "/fapi/v1/algoOrder", algoParams); algoErr != nil {
		return fmt.Errorf("binance: cancel algo order %s: %w", orderID, algoErr)
	}
	return nil
}

// FetchOpenOrders merges the standard and algo queues. Both queues must
// answer; partial visibility would make protective-order checks unsafe.
func (c *Client) FetchOpenOrders(ctx context.Context, symbol string) ([]domain.OpenOrder, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", c.VenueSymbol(symbol))
	}

	raw, err := c.doSigned(ctx, http.MethodGet, "/fapi/v1/openOrders", params)
	if err != nil {
		return nil, fmt.Errorf("binance: fetch open orders: %w", err)
	}
	var standard []orderResponse
	if err := json.Unmarshal(raw, &standard); err != nil {
		return nil, fmt.Errorf("binance: decode open orders: %w", err)
	}

	raw, err = c.doSigned(ctx, http.MethodGet, "/fapi/v1/openAlgoOrders", params)
	if err != nil {
		return nil, fmt.Errorf("binance: fetch algo orders: %w", err)
	}
	var algos []algoOrderInfo
	if err := json.Unmarshal(raw, &algos); err != nil {
		return nil, fmt.Errorf("binance: decode algo orders: %w", err)
	}

	out := make([]domain.OpenOrder, 0, len(standard)+len(algos))
	for _, o := range standard {
		out = append(out, o.toOpenOrder(c.NormalizeSymbol(o.Symbol)))
	}
	for _, a := range algos {
		out = append(out, a.toOpenOrder(c.NormalizeSymbol(a.Symbol)))
	}
	return out, nil
}

// FetchOrder looks up one order, failing over to the algo queue for
// conditional orders the standard endpoint cannot see.
func (c *Client) FetchOrder(ctx context.Context, symbol, orderID string) (domain.OrderAck, error) {
	params := url.Values{}
	params.Set("symbol", c.VenueSymbol(symbol))
	params.Set("orderId", orderID)

	raw, err := c.doSigned(ctx, http.MethodGet, "/fapi/v1/order", params)
	if err == nil {
		var res orderResponse
		if err := json.Unmarshal(raw, &res); err != nil {
			return domain.OrderAck{}, fmt.Errorf("binance: decode order: %w", err)
		}
		return res.toAck(), nil
	}
	if !errors.Is(err, domain.ErrOrderNotFound) {
		return domain.OrderAck{}, fmt.Errorf("binance: fetch order %s: %w", orderID, err)
	}

	// The algo queue has no by-id lookup; scan the symbol's open set.
	algoParams := url.Values{}
	algoParams.Set("symbol", c.VenueSymbol(symbol))
	raw, algoErr := c.doSigned(ctx, http.MethodGet, "/fapi/v1/openAlgoOrders", algoParams)
	if algoErr != nil {
		return domain.OrderAck{}, fmt.Errorf("binance: fetch order %s: %w", orderID, err)
	}
	var algos []algoOrderInfo
	if err := json.Unmarshal(raw, &algos); err != nil {
		return domain.OrderAck{}, fmt.Errorf("binance: decode algo orders: %w", err)
	}
	for _, a := range algos {
		if a.AlgoID.String() == orderID {
			return domain.OrderAck{
				OrderID:       a.AlgoID.String(),
				ClientOrderID: a.ClientAlgoID,
				Status:        "NEW",
			}, nil
		}
	}
	return domain.OrderAck{}, fmt.Errorf("binance: fetch order %s: %w", orderID, domain.ErrOrderNotFound)
}

// FetchPositions returns all non-zero positions.
func (c *Client) FetchPositions(ctx context.Context) ([]domain.ExchangePosition, error) {
	raw, err := c.doSigned(ctx, http.MethodGet, "/fapi/v2/positionRisk", nil)
	if err != nil {
		return nil, fmt.Errorf("binance: fetch positions: %w", err)
	}
	var rows []positionRiskInfo
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("binance: decode positions: %w", err)
	}

	var out []domain.ExchangePosition
	for _, p := range rows {
		if parseDec(p.PositionAmt).IsZero() {
			continue
		}
		out = append(out, p.toDomain(c.NormalizeSymbol(p.Symbol)))
	}
	return out, nil
}

// FetchMyTrades returns executions for a symbol since the given time.
func (c *Client) FetchMyTrades(ctx context.Context, symbol string, since time.Time) ([]domain.Fill, error) {
	params := url.Values{}
	params.Set("symbol", c.VenueSymbol(symbol))
	params.Set("limit", "100")
	if !since.IsZero() {
		params.Set("startTime", strconv.FormatInt(since.UnixMilli(), 10))
	}

	raw, err := c.doSigned(ctx, http.MethodGet, "/fapi/v1/userTrades", params)
	if err != nil {
		return nil, fmt.Errorf("binance: fetch my trades %s: %w", symbol, err)
	}
	var rows []userTradeInfo
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, fmt.Errorf("binance: decode my trades: %w", err)
	}

	fills := make([]domain.Fill, 0, len(rows))
	for _, t := range rows {
		fills = append(fills, t.toFill(c.NormalizeSymbol(t.Symbol)))
	}
	return fills, nil
}

// FetchBalance returns the USDT futures wallet balance.
func (c *Client) FetchBalance(ctx context.Context) (domain.Balance, error) {
	raw, err := c.doSigned(ctx, http.MethodGet, "/fapi/v2/balance", nil)
	if err != nil {
		return domain.Balance{}, fmt.Errorf("binance: fetch balance: %w", err)
	}
	var rows []balanceInfo
	if err := json.Unmarshal(raw, &rows); err != nil {
		return domain.Balance{}, fmt.Errorf("binance: decode balance: %w", err)
	}

	for _, b := range rows {
		if b.Asset == "USDT" {
			return domain.Balance{
				Asset: "USDT",
				Total: parseDec(b.Balance),
				Free:  parseDec(b.AvailableBalance),
			}, nil
		}
	}
	return domain.Balance{}, fmt.Errorf("binance: USDT balance: %w", domain.ErrNotFound)
}

// SetLeverage sets position leverage; setting the current value again is a
// no-op on this venue.
func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	params := url.Values{}
	params.Set("symbol", c.VenueSymbol(symbol))
	params.Set("leverage", strconv.Itoa(leverage))

	if _, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/leverage", params); err != nil {
		return fmt.Errorf("binance: set leverage %s %dx: %w", symbol, leverage, err)
	}
	return nil
}

// SetMarginMode switches between isolated and cross margin. An unchanged
// mode is reported as code -4046 and is not an error.
func (c *Client) SetMarginMode(ctx context.Context, symbol string, mode domain.MarginMode) error {
	marginType := "CROSSED"
	if mode == domain.MarginIsolated {
		marginType = "ISOLATED"
	}
	params := url.Values{}
	params.Set("symbol", c.VenueSymbol(symbol))
	params.Set("marginType", marginType)

	_, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/marginType", params)
	if err != nil && !errors.Is(err, errMarginUnchanged) {
		return fmt.Errorf("binance: set margin mode %s %s: %w", symbol, mode, err)
	}
	return nil
}

// errMarginUnchanged marks code -4046 "No need to change margin type".
var errMarginUnchanged = errors.New("binance: margin type unchanged")

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// doPublic sends an unauthenticated GET, retrying transient network and
// rate-limit failures with backoff.
func (c *Client) doPublic(ctx context.Context, path string, params url.Values) ([]byte, error) {
	var body []byte
	err := exchange.Retry(ctx, c.logger, "GET "+path, func(ctx context.Context) error {
		var err error
		body, err = c.doPublicOnce(ctx, path, params)
		return err
	})
	return body, err
}

func (c *Client) doPublicOnce(ctx context.Context, path string, params url.Values) ([]byte, error) {
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
// rate-limit failures with backoff. All params travel in the query string
// with the signature appended, for GET and POST alike.
func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	var body []byte
	err := exchange.Retry(ctx, c.logger, method+" "+path, func(ctx context.Context) error {
		var err error
		body, err = c.doSignedResync(ctx, method, path, params)
		return err
	})
	return body, err
}

// doSignedResync resyncs the clock and retries when the venue rejects the
// request timestamp.
func (c *Client) doSignedResync(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	var body []byte
	var err error

	for attempt := 0; attempt < timestampRetries; attempt++ {
		body, err = c.doSignedOnce(ctx, method, path, params)
		if err == nil || !errors.Is(err, errTimestampDrift) {
			return body, err
		}
		c.logger.Warn("timestamp rejected, resyncing clock",
			slog.String("path", path), slog.Int("attempt", attempt+1))
		if syncErr := c.SyncClock(ctx); syncErr != nil {
			return nil, syncErr
		}
	}
	return body, err
}

func (c *Client) doSignedOnce(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	signed := url.Values{}
	for k, vs := range params {
		for _, v := range vs {
			signed.Add(k, v)
		}
	}
	signed.Set("recvWindow", recvWindow)
	signed.Set("timestamp", strconv.FormatInt(c.clock.Timestamp(), 10))

	query := signed.Encode()
	query += "&signature=" + c.auth.SignHex(query)

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path+"?"+query, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-MBX-APIKEY", c.auth.Key)

	return c.send(req)
}

// send executes the request and maps failures onto the error taxonomy.
func (c *Client) send(req *http.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w: %w", err, domain.ErrTransientNetwork)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w: %w", err, domain.ErrTransientNetwork)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return respBody, nil
	}
	return nil, c.mapError(resp, respBody)
}

// mapError converts a non-2xx response onto the error taxonomy, honoring
// Retry-After on bans and rate limits.
func (c *Client) mapError(resp *http.Response, body []byte) error {
	var apiErr apiError
	_ = json.Unmarshal(body, &apiErr)

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 418 {
		retryAfter := time.Duration(0)
		if s := resp.Header.Get("Retry-After"); s != "" {
			if secs, err := strconv.Atoi(s); err == nil {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return fmt.Errorf("HTTP %d: %s: %w", resp.StatusCode, apiErr.Msg,
			&domain.RateLimitError{RetryAfter: retryAfter})
	}
	if resp.StatusCode >= 500 {
		return fmt.Errorf("HTTP %d: %s: %w", resp.StatusCode, apiErr.Msg, domain.ErrVenueDown)
	}

	switch apiErr.Code {
	case -1021:
		return fmt.Errorf("code %d: %s: %w", apiErr.Code, apiErr.Msg, errTimestampDrift)
	case -1003, -1015:
		return fmt.Errorf("code %d: %s: %w", apiErr.Code, apiErr.Msg, &domain.RateLimitError{})
	case -2011, -2013:
		return fmt.Errorf("code %d: %s: %w", apiErr.Code, apiErr.Msg, domain.ErrOrderNotFound)
	case -2019:
		return fmt.Errorf("code %d: %s: %w", apiErr.Code, apiErr.Msg, domain.ErrInsufficientFunds)
	case -2014, -2015, -1022:
		return fmt.Errorf("code %d: %s: %w", apiErr.Code, apiErr.Msg, domain.ErrAuth)
	case -4046:
		return errMarginUnchanged
	case -1102, -1111, -1013, -4028:
		return fmt.Errorf("code %d: %s: %w", apiErr.Code, apiErr.Msg, domain.ErrInvalidParam)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("HTTP %d: %s: %w", resp.StatusCode, apiErr.Msg, domain.ErrAuth)
	}
	return fmt.Errorf("HTTP %d: code %d: %s", resp.StatusCode, apiErr.Code, apiErr.Msg)
}
