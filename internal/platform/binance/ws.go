package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// readWait bounds silence on the socket; the combined streams tick far
	// more often than this.
	readWait = 120 * time.Second

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second
)

// WSClient streams public perp market data. Last, bid/ask, and mark arrive
// on separate streams (aggTrade, bookTicker, markPrice), so the client keeps
// per-symbol state and emits merged tickers.
type WSClient struct {
	wsURL string
	conn  *websocket.Conn

	mu     sync.RWMutex
	closed bool
	nextID int

	// Venue symbols to restore on reconnect.
	subscribed []string

	// Merged last-known ticker state per venue symbol.
	state map[string]domain.Ticker

	handlerMu sync.RWMutex
	handlers  []domain.TickerHandler

	// done is closed when the client is shut down.
	done chan struct{}
}

// NewWSClient creates a public stream client for the given endpoint;
// an empty URL selects the production stream.
func NewWSClient(wsURL string) *WSClient {
	if wsURL == "" {
		wsURL = DefaultWSURL
	}
	return &WSClient{
		wsURL: wsURL,
		state: make(map[string]domain.Ticker),
		done:  make(chan struct{}),
	}
}

// Connect establishes the WebSocket connection and starts the read loop.
// Previously subscribed symbols are restored.
func (w *WSClient) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("binance/ws: client closed: %w", domain.ErrTransientNetwork)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, w.wsURL, nil)
	if err != nil {
		return fmt.Errorf("binance/ws: connect: %w", err)
	}
	w.conn = conn
	w.conn.SetReadDeadline(time.Now().Add(readWait))

	// The venue pings at the protocol level; answer and extend the deadline.
	w.conn.SetPingHandler(func(appData string) error {
		w.conn.SetReadDeadline(time.Now().Add(readWait))
		w.conn.SetWriteDeadline(time.Now().Add(writeWait))
		return w.conn.WriteMessage(websocket.PongMessage, []byte(appData))
	})

	go w.readLoop()

	if len(w.subscribed) > 0 {
		if err := w.sendSubscribe(w.subscribed); err != nil {
			return fmt.Errorf("binance/ws: restore subscriptions: %w", err)
		}
	}
	return nil
}

// SubscribeTickers subscribes to the trade, book, and mark streams for the
// given venue symbols.
func (w *WSClient) SubscribeTickers(_ context.Context, venueSymbols []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		return fmt.Errorf("binance/ws: not connected")
	}
	if err := w.sendSubscribe(venueSymbols); err != nil {
		return fmt.Errorf("binance/ws: subscribe: %w", err)
	}
	w.subscribed = append(w.subscribed, venueSymbols...)
	return nil
}

// OnTicker registers a handler invoked for every merged ticker update.
func (w *WSClient) OnTicker(handler domain.TickerHandler) {
	w.handlerMu.Lock()
	defer w.handlerMu.Unlock()
	w.handlers = append(w.handlers, handler)
}

// Close shuts down the connection and stops the read loop.
func (w *WSClient) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	close(w.done)

	if w.conn != nil {
		_ = w.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		return w.conn.Close()
	}
	return nil
}

// --------------------------------------------------------------------------
// Internal methods
// --------------------------------------------------------------------------

// sendSubscribe writes one SUBSCRIBE frame covering all three streams per
// symbol. Caller must hold w.mu.
func (w *WSClient) sendSubscribe(venueSymbols []string) error {
	params := make([]string, 0, len(venueSymbols)*3)
	for _, s := range venueSymbols {
		lower := strings.ToLower(s)
		params = append(params,
			lower+"@aggTrade",
			lower+"@bookTicker",
			lower+"@markPrice@1s",
		)
	}
	w.nextID++
	cmd := map[string]any{"method": "SUBSCRIBE", "params": params, "id": w.nextID}

	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal subscribe: %w", err)
	}
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(websocket.TextMessage, data)
}

func (w *WSClient) readLoop() {
	defer func() {
		w.mu.RLock()
		conn := w.conn
		w.mu.RUnlock()
		if conn != nil {
			conn.Close()
		}
	}()

	for {
		select {
		case <-w.done:
			return
		default:
		}

		w.mu.RLock()
		conn := w.conn
		w.mu.RUnlock()
		if conn == nil {
			return
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-w.done:
				return
			default:
			}
			w.reconnect()
			return // readLoop restarts via reconnect -> Connect
		}
		conn.SetReadDeadline(time.Now().Add(readWait))
		w.handleMessage(message)
	}
}

func (w *WSClient) handleMessage(raw []byte) {
	var msg struct {
		Event     string `json:"e"`
		Symbol    string `json:"s"`
		Price     string `json:"p"` // aggTrade last / markPrice value
		BidPrice  string `json:"b"`
		AskPrice  string `json:"a"`
		EventTime int64  `json:"E"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return // Silently drop unparseable messages.
	}
	if msg.Symbol == "" {
		return // subscription acks
	}

	w.mu.Lock()
	tick := w.state[msg.Symbol]
	tick.Symbol = msg.Symbol
	switch msg.Event {
	case "aggTrade":
		tick.Last = parseDec(msg.Price)
	case "bookTicker":
		tick.Bid = parseDec(msg.BidPrice)
		tick.Ask = parseDec(msg.AskPrice)
	case "markPriceUpdate":
		tick.Mark = parseDec(msg.Price)
	default:
		w.mu.Unlock()
		return
	}
	if msg.EventTime > 0 {
		tick.Timestamp = time.UnixMilli(msg.EventTime).UTC()
	} else {
		tick.Timestamp = time.Now().UTC()
	}
	w.state[msg.Symbol] = tick
	w.mu.Unlock()

	out := tick
	out.Symbol = normalizeStreamSymbol(msg.Symbol)

	w.handlerMu.RLock()
	handlers := w.handlers
	w.handlerMu.RUnlock()
	for _, h := range handlers {
		h(out)
	}
}

// normalizeStreamSymbol reinserts the separator before a known quote suffix.
func normalizeStreamSymbol(venueSymbol string) string {
	for _, quote := range []string{"USDT", "USDC", "BUSD"} {
		if base, found := strings.CutSuffix(venueSymbol, quote); found && base != "" {
			return base + "/" + quote
		}
	}
	return venueSymbol
}

// reconnect re-establishes the connection with exponential backoff. It
// blocks until successful or the client is closed.
func (w *WSClient) reconnect() {
	delay := reconnectDelay

	for {
		select {
		case <-w.done:
			return
		default:
		}

		time.Sleep(delay)

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		err := w.Connect(ctx)
		cancel()
		if err == nil {
			return
		}

		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}
