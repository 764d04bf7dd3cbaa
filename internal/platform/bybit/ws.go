package bybit

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

	// pingPeriod is how often the op-level ping is sent. Bybit expects one
	// at least every 20 seconds or it drops the connection.
	pingPeriod = 20 * time.Second

	// readWait bounds silence on the socket before the connection is
	// considered dead.
	readWait = 60 * time.Second

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second
)

// WSClient streams public linear-perp tickers. Bybit sends a snapshot per
// subscription followed by deltas carrying only changed fields, so the
// client keeps per-symbol state and emits merged tickers.
type WSClient struct {
	wsURL string
	conn  *websocket.Conn

	mu     sync.RWMutex
	closed bool

	// Venue symbols to restore on reconnect.
	subscribed []string

	// Merged last-known ticker state per venue symbol.
	state map[string]tickerInfo

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
		state: make(map[string]tickerInfo),
		done:  make(chan struct{}),
	}
}

// Connect establishes the WebSocket connection and starts the read and ping
// loops. Previously subscribed topics are restored.
func (w *WSClient) Connect(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return fmt.Errorf("bybit/ws: client closed: %w", domain.ErrTransientNetwork)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, w.wsURL, nil)
	if err != nil {
		return fmt.Errorf("bybit/ws: connect: %w", err)
	}
	w.conn = conn
	w.conn.SetReadDeadline(time.Now().Add(readWait))

	go w.readLoop()
	go w.pingLoop()

	if len(w.subscribed) > 0 {
		if err := w.sendSubscribe(w.subscribed); err != nil {
			return fmt.Errorf("bybit/ws: restore subscriptions: %w", err)
		}
	}
	return nil
}

// SubscribeTickers subscribes to ticker topics for the given venue symbols.
func (w *WSClient) SubscribeTickers(_ context.Context, venueSymbols []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		return fmt.Errorf("bybit/ws: not connected")
	}
	if err := w.sendSubscribe(venueSymbols); err != nil {
		return fmt.Errorf("bybit/ws: subscribe: %w", err)
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

// Close shuts down the connection and stops the loops.
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

// sendSubscribe writes one subscribe op for the given symbols. Caller must
// hold w.mu.
func (w *WSClient) sendSubscribe(venueSymbols []string) error {
	args := make([]string, 0, len(venueSymbols))
	for _, s := range venueSymbols {
		args = append(args, "tickers."+s)
	}
	cmd := map[string]any{"op": "subscribe", "args": args}

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

// pingLoop sends op-level pings; Bybit does not use protocol pings on the
// public stream.
func (w *WSClient) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.mu.RLock()
			conn := w.conn
			w.mu.RUnlock()
			if conn == nil {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"op":"ping"}`)); err != nil {
				return
			}
		}
	}
}

func (w *WSClient) handleMessage(raw []byte) {
	var envelope struct {
		Topic string          `json:"topic"`
		Type  string          `json:"type"`
		Data  json.RawMessage `json:"data"`
		TS    int64           `json:"ts"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return // Silently drop unparseable messages.
	}
	if !strings.HasPrefix(envelope.Topic, "tickers.") {
		return // op acks, pongs, and other topics
	}

	var update tickerInfo
	if err := json.Unmarshal(envelope.Data, &update); err != nil {
		return
	}
	if update.Symbol == "" {
		return
	}

	w.mu.Lock()
	merged := w.state[update.Symbol]
	merged.Symbol = update.Symbol
	if update.LastPrice != "" {
		merged.LastPrice = update.LastPrice
	}
	if update.Bid1Price != "" {
		merged.Bid1Price = update.Bid1Price
	}
	if update.Ask1Price != "" {
		merged.Ask1Price = update.Ask1Price
	}
	if update.MarkPrice != "" {
		merged.MarkPrice = update.MarkPrice
	}
	w.state[update.Symbol] = merged
	w.mu.Unlock()

	ts := time.Now().UTC()
	if envelope.TS > 0 {
		ts = time.UnixMilli(envelope.TS).UTC()
	}
	tick := domain.Ticker{
		Symbol:    splitVenueSymbol(merged.Symbol),
		Last:      parseDec(merged.LastPrice),
		Bid:       parseDec(merged.Bid1Price),
		Ask:       parseDec(merged.Ask1Price),
		Mark:      parseDec(merged.MarkPrice),
		Timestamp: ts,
	}

	w.handlerMu.RLock()
	handlers := w.handlers
	w.handlerMu.RUnlock()
	for _, h := range handlers {
		h(tick)
	}
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
