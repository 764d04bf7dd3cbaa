package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perpbot/internal/domain"
)

// DefaultPaperBalance seeds a paper account when no balance is configured.
var DefaultPaperBalance = decimal.NewFromInt(10000)

// defaultTakerFeeRate approximates perp taker commission for simulated fills.
var defaultTakerFeeRate = decimal.NewFromFloat(0.0006)

type paperOrder struct {
	id         string
	clientID   string
	symbol     string
	side       domain.OrderSide
	kind       domain.OrderKind
	queue      domain.OrderQueue
	qty        decimal.Decimal
	price      decimal.Decimal
	stopPrice  decimal.Decimal
	reduceOnly bool
	createdAt  time.Time
}

type paperPosition struct {
	symbol     string
	side       domain.PositionSide
	qty        decimal.Decimal
	entryPrice decimal.Decimal
	leverage   int
}

// PaperAdapter simulates order execution against live market data. It
// delegates every read-only market call to the wrapped venue client and
// keeps its own resting orders, positions, fills, and balance, so dry-run
// profiles exercise the full engine without a single mutating venue call.
// Limit and trigger orders settle lazily: each read refreshes the ticker
// for touched symbols and fills whatever the latest price crosses.
type PaperAdapter struct {
	live   Adapter
	logger *slog.Logger

	mu         sync.Mutex
	seq        int64
	balance    decimal.Decimal
	feeRate    decimal.Decimal
	orders     map[string]*paperOrder
	positions  map[string]*paperPosition // keyed by canonical symbol
	fills      []domain.Fill
	leverage   map[string]int
	marginMode map[string]domain.MarginMode
}

// NewPaperAdapter wraps a live adapter for market data and simulates
// execution on top of it with the given starting balance.
func NewPaperAdapter(live Adapter, startingBalance decimal.Decimal, logger *slog.Logger) *PaperAdapter {
	if startingBalance.LessThanOrEqual(decimal.Zero) {
		startingBalance = DefaultPaperBalance
	}
	return &PaperAdapter{
		live:       live,
		logger:     logger.With(slog.String("component", "paper_adapter")),
		balance:    startingBalance,
		feeRate:    defaultTakerFeeRate,
		orders:     make(map[string]*paperOrder),
		positions:  make(map[string]*paperPosition),
		leverage:   make(map[string]int),
		marginMode: make(map[string]domain.MarginMode),
	}
}

func (p *PaperAdapter) Name() string { return p.live.Name() }

func (p *PaperAdapter) Init(ctx context.Context) error { return p.live.Init(ctx) }

// nextIDLocked mints an order id. Caller holds mu.
func (p *PaperAdapter) nextIDLocked(prefix string) string {
	p.seq++
	return fmt.Sprintf("%s-%d-%d", prefix, time.Now().UnixMilli(), p.seq)
}

// settle fills resting orders the latest price has crossed. Caller must not
// hold the mutex; settle locks internally after fetching quotes.
func (p *PaperAdapter) settle(ctx context.Context) {
	p.mu.Lock()
	symbols := make(map[string]struct{})
	for _, o := range p.orders {
		symbols[o.symbol] = struct{}{}
	}
	p.mu.Unlock()

	for symbol := range symbols {
		tk, err := p.live.FetchTicker(ctx, symbol)
		if err != nil {
			p.logger.Warn("paper settle skipped, ticker unavailable",
				slog.String("symbol", symbol), slog.String("error", err.Error()))
			continue
		}
		p.settleSymbol(symbol, tk.Last)
	}
}

func (p *PaperAdapter) settleSymbol(symbol string, last decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id, o := range p.orders {
		if o.symbol != symbol {
			continue
		}
		switch {
		case o.queue == domain.QueueStandard && !o.price.IsZero():
			if limitCrossed(o.side, o.price, last) {
				delete(p.orders, id)
				p.fillLocked(o, o.price)
			}
		case o.queue == domain.QueueConditional && !o.stopPrice.IsZero():
			pos := p.positions[symbol]
			if pos == nil {
				continue
			}
			if triggerCrossed(pos.side, o.kind, o.stopPrice, last) {
				delete(p.orders, id)
				p.fillLocked(o, o.stopPrice)
			}
		}
	}
}

// limitCrossed reports whether a resting limit order would have executed at
// the given last price.
func limitCrossed(side domain.OrderSide, limit, last decimal.Decimal) bool {
	if side == domain.OrderSideBuy {
		return last.LessThanOrEqual(limit)
	}
	return last.GreaterThanOrEqual(limit)
}

// triggerCrossed reports whether a protective trigger fired. Direction
// depends on the position side and whether the order protects (SL) or
// takes profit (TP).
func triggerCrossed(posSide domain.PositionSide, kind domain.OrderKind, stop, last decimal.Decimal) bool {
	if posSide == domain.SideLong {
		if kind == domain.OrderKindTP {
			return last.GreaterThanOrEqual(stop)
		}
		return last.LessThanOrEqual(stop)
	}
	if kind == domain.OrderKindTP {
		return last.LessThanOrEqual(stop)
	}
	return last.GreaterThanOrEqual(stop)
}

// fillLocked applies one execution to the simulated book. Caller holds mu.
func (p *PaperAdapter) fillLocked(o *paperOrder, price decimal.Decimal) {
	fee := o.qty.Mul(price).Mul(p.feeRate)
	p.balance = p.balance.Sub(fee)

	p.fills = append(p.fills, domain.Fill{
		OrderID:    o.id,
		TradeID:    p.nextIDLocked("papertrade"),
		Symbol:     o.symbol,
		Side:       o.side,
		Qty:        o.qty,
		Price:      price,
		Fee:        fee,
		FeeAsset:   "USDT",
		ReduceOnly: o.reduceOnly,
		Timestamp:  time.Now().UTC(),
	})

	pos := p.positions[o.symbol]
	if o.reduceOnly {
		if pos == nil {
			return
		}
		closed := decimal.Min(o.qty, pos.qty)
		pnl := domain.GrossPnL(pos.side, closed, pos.entryPrice, price)
		p.balance = p.balance.Add(pnl)
		pos.qty = pos.qty.Sub(closed)
		if pos.qty.LessThanOrEqual(decimal.Zero) {
			delete(p.positions, o.symbol)
			p.dropReduceOnlyLocked(o.symbol)
		}
		p.logger.Info("paper position reduced",
			slog.String("symbol", o.symbol),
			slog.String("closed_qty", closed.String()),
			slog.String("pnl", pnl.String()),
		)
		return
	}

	if pos == nil {
		side := domain.SideLong
		if o.side == domain.OrderSideSell {
			side = domain.SideShort
		}
		p.positions[o.symbol] = &paperPosition{
			symbol:     o.symbol,
			side:       side,
			qty:        o.qty,
			entryPrice: price,
			leverage:   p.leverage[o.symbol],
		}
		return
	}

	// Same-direction add: average the entry. Opposite entries are rejected
	// at placement, so this is the only remaining case.
	total := pos.qty.Add(o.qty)
	pos.entryPrice = pos.entryPrice.Mul(pos.qty).Add(price.Mul(o.qty)).Div(total)
	pos.qty = total
}

// dropReduceOnlyLocked discards protective orders left behind by a fully
// closed position, mirroring parent-child venue behavior.
func (p *PaperAdapter) dropReduceOnlyLocked(symbol string) {
	for id, o := range p.orders {
		if o.symbol == symbol && o.reduceOnly {
			delete(p.orders, id)
		}
	}
}

func (p *PaperAdapter) PlaceEntry(ctx context.Context, req EntryRequest) (domain.OrderAck, error) {
	if req.Qty.LessThanOrEqual(decimal.Zero) {
		return domain.OrderAck{}, fmt.Errorf("exchange: paper entry qty must be positive: %w", domain.ErrInvalidParam)
	}

	p.mu.Lock()
	pos := p.positions[req.Symbol]
	if pos != nil && pos.side.EntryOrderSide() != req.Side {
		p.mu.Unlock()
		return domain.OrderAck{}, fmt.Errorf("exchange: paper entry opposes open %s position on %s: %w",
			pos.side, req.Symbol, domain.ErrInvalidParam)
	}
	p.mu.Unlock()

	o := &paperOrder{
		id:        p.nextID("paper"),
		clientID:  req.ClientOrderID,
		symbol:    req.Symbol,
		side:      req.Side,
		kind:      domain.OrderKindEntry,
		queue:     domain.QueueStandard,
		qty:       req.Qty,
		price:     req.LimitPrice,
		createdAt: time.Now().UTC(),
	}

	if req.Market() {
		tk, err := p.live.FetchTicker(ctx, req.Symbol)
		if err != nil {
			return domain.OrderAck{}, fmt.Errorf("exchange: paper market entry: %w", err)
		}
		p.mu.Lock()
		p.fillLocked(o, tk.Last)
		p.attachProtectionLocked(req, o)
		p.mu.Unlock()

		p.logger.Info("paper market entry filled",
			slog.String("symbol", req.Symbol),
			slog.String("side", string(req.Side)),
			slog.String("qty", req.Qty.String()),
			slog.String("price", tk.Last.String()),
		)
		return domain.OrderAck{
			OrderID:       o.id,
			ClientOrderID: req.ClientOrderID,
			Status:        "FILLED",
			FilledQty:     req.Qty,
			AvgFillPrice:  tk.Last,
		}, nil
	}

	p.mu.Lock()
	p.orders[o.id] = o
	p.attachProtectionLocked(req, o)
	p.mu.Unlock()

	p.logger.Info("paper limit entry resting",
		slog.String("symbol", req.Symbol),
		slog.String("side", string(req.Side)),
		slog.String("limit", req.LimitPrice.String()),
	)
	return domain.OrderAck{OrderID: o.id, ClientOrderID: req.ClientOrderID, Status: "NEW"}, nil
}

// nextID is nextIDLocked with its own locking, for call sites outside mu.
func (p *PaperAdapter) nextID(prefix string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nextIDLocked(prefix)
}

// attachProtectionLocked materializes attached SL/TP as conditional orders
// when the wrapped venue binds protection to entries. Caller holds mu.
func (p *PaperAdapter) attachProtectionLocked(req EntryRequest, entry *paperOrder) {
	if !p.live.SupportsAttachedProtection() {
		return
	}
	closeSide := domain.OrderSideSell
	if req.Side == domain.OrderSideSell {
		closeSide = domain.OrderSideBuy
	}
	for _, att := range []struct {
		kind  domain.OrderKind
		price decimal.Decimal
	}{
		{domain.OrderKindSL, req.AttachedSL},
		{domain.OrderKindTP, req.AttachedTP},
	} {
		if att.price.IsZero() {
			continue
		}
		id := p.nextIDLocked("paper")
		p.orders[id] = &paperOrder{
			id:         id,
			symbol:     req.Symbol,
			side:       closeSide,
			kind:       att.kind,
			queue:      domain.QueueConditional,
			qty:        req.Qty,
			stopPrice:  att.price,
			reduceOnly: true,
			createdAt:  entry.createdAt,
		}
	}
}

func (p *PaperAdapter) PlaceReduceOnly(ctx context.Context, req ReduceOnlyRequest) (domain.OrderAck, error) {
	if req.Qty.LessThanOrEqual(decimal.Zero) {
		return domain.OrderAck{}, fmt.Errorf("exchange: paper reduce-only qty must be positive: %w", domain.ErrInvalidParam)
	}

	if req.StopPrice.IsZero() {
		// Immediate market close at the latest price.
		tk, err := p.live.FetchTicker(ctx, req.Symbol)
		if err != nil {
			return domain.OrderAck{}, fmt.Errorf("exchange: paper market close: %w", err)
		}
		o := &paperOrder{
			id:         p.nextID("paper"),
			clientID:   req.ClientOrderID,
			symbol:     req.Symbol,
			side:       req.Side,
			kind:       req.Kind,
			queue:      domain.QueueStandard,
			qty:        req.Qty,
			reduceOnly: true,
			createdAt:  time.Now().UTC(),
		}
		p.mu.Lock()
		p.fillLocked(o, tk.Last)
		p.mu.Unlock()
		return domain.OrderAck{
			OrderID:       o.id,
			ClientOrderID: req.ClientOrderID,
			Status:        "FILLED",
			FilledQty:     req.Qty,
			AvgFillPrice:  tk.Last,
		}, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextIDLocked("paper")
	p.orders[id] = &paperOrder{
		id:         id,
		clientID:   req.ClientOrderID,
		symbol:     req.Symbol,
		side:       req.Side,
		kind:       req.Kind,
		queue:      domain.QueueConditional,
		qty:        req.Qty,
		stopPrice:  req.StopPrice,
		reduceOnly: true,
		createdAt:  time.Now().UTC(),
	}
	return domain.OrderAck{OrderID: id, ClientOrderID: req.ClientOrderID, Status: "NEW"}, nil
}

func (p *PaperAdapter) CancelOrder(_ context.Context, _ string, orderID string, _ domain.CancelHint) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.orders[orderID]; !ok {
		return fmt.Errorf("exchange: paper cancel %s: %w", orderID, domain.ErrOrderNotFound)
	}
	delete(p.orders, orderID)
	return nil
}

func (p *PaperAdapter) FetchOpenOrders(ctx context.Context, symbol string) ([]domain.OpenOrder, error) {
	p.settle(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.OpenOrder
	for _, o := range p.orders {
		if symbol != "" && o.symbol != symbol {
			continue
		}
		out = append(out, domain.OpenOrder{
			OrderID:       o.id,
			ClientOrderID: o.clientID,
			Symbol:        o.symbol,
			Side:          o.side,
			Kind:          o.kind,
			Queue:         o.queue,
			Qty:           o.qty,
			Price:         o.price,
			StopPrice:     o.stopPrice,
			ReduceOnly:    o.reduceOnly,
			CreatedAt:     o.createdAt,
		})
	}
	return out, nil
}

func (p *PaperAdapter) FetchOrder(ctx context.Context, _ string, orderID string) (domain.OrderAck, error) {
	p.settle(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	if o, ok := p.orders[orderID]; ok {
		return domain.OrderAck{OrderID: o.id, ClientOrderID: o.clientID, Status: "NEW"}, nil
	}
	for _, f := range p.fills {
		if f.OrderID == orderID {
			return domain.OrderAck{
				OrderID:      orderID,
				Status:       "FILLED",
				FilledQty:    f.Qty,
				AvgFillPrice: f.Price,
			}, nil
		}
	}
	return domain.OrderAck{}, fmt.Errorf("exchange: paper order %s: %w", orderID, domain.ErrOrderNotFound)
}

func (p *PaperAdapter) FetchPositions(ctx context.Context) ([]domain.ExchangePosition, error) {
	p.settle(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.ExchangePosition
	for _, pos := range p.positions {
		out = append(out, domain.ExchangePosition{
			Symbol:     pos.symbol,
			Side:       pos.side,
			Qty:        pos.qty,
			EntryPrice: pos.entryPrice,
			Leverage:   pos.leverage,
		})
	}
	return out, nil
}

func (p *PaperAdapter) FetchMyTrades(ctx context.Context, symbol string, since time.Time) ([]domain.Fill, error) {
	p.settle(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.Fill
	for _, f := range p.fills {
		if symbol != "" && f.Symbol != symbol {
			continue
		}
		if !since.IsZero() && f.Timestamp.Before(since) {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}

func (p *PaperAdapter) FetchTicker(ctx context.Context, symbol string) (domain.Ticker, error) {
	return p.live.FetchTicker(ctx, symbol)
}

func (p *PaperAdapter) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]domain.Candle, error) {
	return p.live.FetchOHLCV(ctx, symbol, timeframe, limit)
}

func (p *PaperAdapter) FetchBalance(context.Context) (domain.Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return domain.Balance{Asset: "USDT", Total: p.balance, Free: p.balance}, nil
}

func (p *PaperAdapter) SetLeverage(_ context.Context, symbol string, leverage int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.leverage[symbol] = leverage
	return nil
}

func (p *PaperAdapter) SetMarginMode(_ context.Context, symbol string, mode domain.MarginMode) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.marginMode[symbol] = mode
	return nil
}

func (p *PaperAdapter) Instrument(symbol string) (domain.Instrument, error) {
	return p.live.Instrument(symbol)
}

func (p *PaperAdapter) AmountToPrecision(symbol string, qty decimal.Decimal) decimal.Decimal {
	return p.live.AmountToPrecision(symbol, qty)
}

func (p *PaperAdapter) PriceToPrecision(symbol string, price decimal.Decimal) decimal.Decimal {
	return p.live.PriceToPrecision(symbol, price)
}

func (p *PaperAdapter) NormalizeSymbol(venueSymbol string) string {
	return p.live.NormalizeSymbol(venueSymbol)
}

func (p *PaperAdapter) VenueSymbol(canonical string) string {
	return p.live.VenueSymbol(canonical)
}

func (p *PaperAdapter) ServerTime(ctx context.Context) (time.Time, error) {
	return p.live.ServerTime(ctx)
}

func (p *PaperAdapter) SyncClock(ctx context.Context) error { return p.live.SyncClock(ctx) }

func (p *PaperAdapter) SupportsAttachedProtection() bool {
	return p.live.SupportsAttachedProtection()
}

func (p *PaperAdapter) Close() error { return p.live.Close() }
