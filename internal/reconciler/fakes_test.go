package reconciler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/exchange"
	"github.com/alanyoungcy/perpbot/internal/risk"
	"github.com/alanyoungcy/perpbot/internal/trader"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeVenue is a scripted adapter: tests set the positions, orders and
// fills the venue reports and observe the mutations the reconciler makes.
type fakeVenue struct {
	mu         sync.Mutex
	positions  []domain.ExchangePosition
	orders     []domain.OpenOrder
	fills      []domain.Fill
	prices     map[string]decimal.Decimal
	tradeFails int // FetchMyTrades errors served before success
	tradeCalls int
	nextID     int
	cancelled  []string
	placed     []exchange.ReduceOnlyRequest
	inst       domain.Instrument
}

func newFakeVenue() *fakeVenue {
	return &fakeVenue{
		prices: map[string]decimal.Decimal{"BTC/USDT": decimal.NewFromInt(100)},
		inst: domain.Instrument{
			Symbol:      "BTC/USDT",
			TickSize:    decimal.NewFromFloat(0.01),
			QtyStep:     decimal.NewFromFloat(0.001),
			MinQty:      decimal.NewFromFloat(0.001),
			MinNotional: decimal.NewFromInt(5),
			MaxLeverage: 50,
		},
	}
}

func (v *fakeVenue) setPositions(eps ...domain.ExchangePosition) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.positions = eps
}

func (v *fakeVenue) setOrders(orders ...domain.OpenOrder) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.orders = orders
}

func (v *fakeVenue) addFill(f domain.Fill) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.fills = append(v.fills, f)
}

func (v *fakeVenue) Name() string { return "BYBIT" }

func (v *fakeVenue) Init(context.Context) error { return nil }

func (v *fakeVenue) PlaceEntry(context.Context, exchange.EntryRequest) (domain.OrderAck, error) {
	return domain.OrderAck{}, fmt.Errorf("fake venue: entry placement is not scripted: %w", domain.ErrInvalidParam)
}

func (v *fakeVenue) PlaceReduceOnly(_ context.Context, req exchange.ReduceOnlyRequest) (domain.OrderAck, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.nextID++
	id := fmt.Sprintf("v-%d", v.nextID)
	v.placed = append(v.placed, req)
	v.orders = append(v.orders, domain.OpenOrder{
		OrderID:       id,
		ClientOrderID: req.ClientOrderID,
		Symbol:        req.Symbol,
		Side:          req.Side,
		Kind:          req.Kind,
		Queue:         domain.QueueConditional,
		Qty:           req.Qty,
		StopPrice:     req.StopPrice,
		ReduceOnly:    true,
		CreatedAt:     time.Now().UTC(),
	})
	return domain.OrderAck{OrderID: id, ClientOrderID: req.ClientOrderID, Status: "NEW"}, nil
}

func (v *fakeVenue) CancelOrder(_ context.Context, _ string, orderID string, _ domain.CancelHint) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.orders {
		if v.orders[i].OrderID == orderID {
			v.orders = append(v.orders[:i], v.orders[i+1:]...)
			v.cancelled = append(v.cancelled, orderID)
			return nil
		}
	}
	return fmt.Errorf("fake venue: cancel %s: %w", orderID, domain.ErrOrderNotFound)
}

func (v *fakeVenue) FetchOpenOrders(_ context.Context, symbol string) ([]domain.OpenOrder, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []domain.OpenOrder
	for _, o := range v.orders {
		if symbol == "" || o.Symbol == symbol {
			out = append(out, o)
		}
	}
	return out, nil
}

func (v *fakeVenue) FetchOrder(_ context.Context, _, orderID string) (domain.OrderAck, error) {
	return domain.OrderAck{}, fmt.Errorf("fake venue: order %s: %w", orderID, domain.ErrOrderNotFound)
}

func (v *fakeVenue) FetchPositions(context.Context) ([]domain.ExchangePosition, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]domain.ExchangePosition, len(v.positions))
	copy(out, v.positions)
	return out, nil
}

func (v *fakeVenue) FetchMyTrades(_ context.Context, symbol string, since time.Time) ([]domain.Fill, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tradeCalls++
	if v.tradeFails > 0 {
		v.tradeFails--
		return nil, fmt.Errorf("fake venue: trade history: %w", domain.ErrVenueDown)
	}
	var out []domain.Fill
	for _, f := range v.fills {
		if f.Symbol == symbol && !f.Timestamp.Before(since) {
			out = append(out, f)
		}
	}
	return out, nil
}

func (v *fakeVenue) FetchTicker(_ context.Context, symbol string) (domain.Ticker, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	last, ok := v.prices[symbol]
	if !ok {
		return domain.Ticker{}, fmt.Errorf("fake venue: ticker %s: %w", symbol, domain.ErrNotFound)
	}
	return domain.Ticker{Symbol: symbol, Last: last, Timestamp: time.Now().UTC()}, nil
}

func (v *fakeVenue) FetchOHLCV(context.Context, string, string, int) ([]domain.Candle, error) {
	return nil, nil
}

func (v *fakeVenue) FetchBalance(context.Context) (domain.Balance, error) {
	total := decimal.NewFromInt(1000)
	return domain.Balance{Asset: "USDT", Total: total, Free: total}, nil
}

func (v *fakeVenue) SetLeverage(context.Context, string, int) error { return nil }

func (v *fakeVenue) SetMarginMode(context.Context, string, domain.MarginMode) error { return nil }

func (v *fakeVenue) Instrument(string) (domain.Instrument, error) { return v.inst, nil }

func (v *fakeVenue) AmountToPrecision(_ string, qty decimal.Decimal) decimal.Decimal {
	return v.inst.RoundQty(qty)
}

func (v *fakeVenue) PriceToPrecision(_ string, price decimal.Decimal) decimal.Decimal {
	return v.inst.RoundPrice(price)
}

func (v *fakeVenue) NormalizeSymbol(s string) string { return s }

func (v *fakeVenue) VenueSymbol(s string) string { return s }

func (v *fakeVenue) ServerTime(context.Context) (time.Time, error) { return time.Now().UTC(), nil }

func (v *fakeVenue) SyncClock(context.Context) error { return nil }

func (v *fakeVenue) SupportsAttachedProtection() bool { return false }

func (v *fakeVenue) Close() error { return nil }

// fakePositionStore mirrors the store contract over a map.
type fakePositionStore struct {
	mu     sync.Mutex
	rows   map[int64]*domain.Position
	nextID int64
	trades []domain.Trade
}

func newFakePositionStore() *fakePositionStore {
	return &fakePositionStore{rows: map[int64]*domain.Position{}}
}

func (s *fakePositionStore) UpsertActive(_ context.Context, pos *domain.Position) error {
	if err := pos.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rows {
		if r.ID != pos.ID && r.ProfileID == pos.ProfileID && r.PosKey == pos.PosKey && r.Status.Open() {
			return domain.ErrConflictActiveExists
		}
	}
	if pos.ID == 0 {
		s.nextID++
		pos.ID = s.nextID
	}
	cp := *pos
	s.rows[pos.ID] = &cp
	return nil
}

func (s *fakePositionStore) Update(_ context.Context, pos *domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[pos.ID]; !ok {
		return domain.ErrNotFound
	}
	cp := *pos
	s.rows[pos.ID] = &cp
	return nil
}

func (s *fakePositionStore) MarkActive(_ context.Context, id int64, fillPrice, fillQty decimal.Decimal, filledAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	if r.Status != domain.PositionPending {
		return fmt.Errorf("fake store: mark active from %s: %w", r.Status, domain.ErrInvalidParam)
	}
	r.Status = domain.PositionActive
	r.EntryPrice = fillPrice
	r.Qty = fillQty
	r.EntryTime = filledAt
	return nil
}

func (s *fakePositionStore) Finalize(_ context.Context, id int64, status domain.PositionStatus, trade *domain.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	if !status.Terminal() {
		return fmt.Errorf("fake store: finalize to %s: %w", status, domain.ErrInvalidParam)
	}
	r.Status = status
	if trade != nil {
		t := *trade
		t.ID = int64(len(s.trades) + 1)
		s.trades = append(s.trades, t)
	}
	return nil
}

func (s *fakePositionStore) MarkWaitingSync(_ context.Context, id int64, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	r.Status = domain.PositionWaitingSync
	r.WaitingSyncReason = reason
	return nil
}

func (s *fakePositionStore) ClearWaitingSync(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	if r.Status != domain.PositionWaitingSync {
		return fmt.Errorf("fake store: clear from %s: %w", r.Status, domain.ErrInvalidParam)
	}
	r.Status = domain.PositionActive
	r.WaitingSyncReason = ""
	return nil
}

func (s *fakePositionStore) GetByID(_ context.Context, id int64) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[id]
	if !ok {
		return domain.Position{}, domain.ErrNotFound
	}
	return *r, nil
}

func (s *fakePositionStore) GetActive(_ context.Context, profileID int64, key domain.PosKey) (domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rows {
		if r.ProfileID == profileID && r.PosKey == key && r.Status.Open() {
			return *r, nil
		}
	}
	return domain.Position{}, domain.ErrNotFound
}

func (s *fakePositionStore) ListActive(_ context.Context, profileID int64) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Position
	for id := int64(1); id <= s.nextID; id++ {
		if r, ok := s.rows[id]; ok && r.ProfileID == profileID && r.Status.Open() {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *fakePositionStore) ListAllActive(_ context.Context) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Position
	for id := int64(1); id <= s.nextID; id++ {
		if r, ok := s.rows[id]; ok && r.Status.Open() {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *fakePositionStore) ListWaitingSync(_ context.Context, profileID int64) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Position
	for id := int64(1); id <= s.nextID; id++ {
		if r, ok := s.rows[id]; ok && r.ProfileID == profileID && r.Status == domain.PositionWaitingSync {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *fakePositionStore) ListHistory(_ context.Context, profileID int64, _ domain.ListOpts) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Position
	for id := int64(1); id <= s.nextID; id++ {
		if r, ok := s.rows[id]; ok && r.ProfileID == profileID && r.Status.Terminal() {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *fakePositionStore) tradeLedger() []domain.Trade {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Trade, len(s.trades))
	copy(out, s.trades)
	return out
}

// fakeRiskStore is a map-backed risk ledger.
type fakeRiskStore struct {
	mu        sync.Mutex
	metrics   map[string]domain.RiskMetrics
	cooldowns map[string]domain.Cooldown
}

func newFakeRiskStore() *fakeRiskStore {
	return &fakeRiskStore{
		metrics:   map[string]domain.RiskMetrics{},
		cooldowns: map[string]domain.Cooldown{},
	}
}

func riskKey(profileID int64, suffix string) string {
	return fmt.Sprintf("%d/%s", profileID, suffix)
}

func (s *fakeRiskStore) GetMetrics(_ context.Context, profileID int64, env domain.Environment) (domain.RiskMetrics, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.metrics[riskKey(profileID, string(env))]
	if !ok {
		return domain.RiskMetrics{}, domain.ErrNotFound
	}
	return m, nil
}

func (s *fakeRiskStore) SaveMetrics(_ context.Context, m *domain.RiskMetrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics[riskKey(m.ProfileID, string(m.Environment))] = *m
	return nil
}

func (s *fakeRiskStore) SetCooldown(_ context.Context, c *domain.Cooldown) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cooldowns[riskKey(c.ProfileID, c.Symbol)] = *c
	return nil
}

func (s *fakeRiskStore) GetCooldown(_ context.Context, profileID int64, symbol string) (domain.Cooldown, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cooldowns[riskKey(profileID, symbol)]
	if !ok {
		return domain.Cooldown{}, domain.ErrNotFound
	}
	return c, nil
}

func (s *fakeRiskStore) ListCooldowns(_ context.Context, profileID int64) ([]domain.Cooldown, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Cooldown
	for _, c := range s.cooldowns {
		if c.ProfileID == profileID {
			out = append(out, c)
		}
	}
	return out, nil
}

func (s *fakeRiskStore) PurgeExpiredCooldowns(context.Context, time.Time) (int64, error) {
	return 0, nil
}

// fakeCandles satisfies the OHLCV store with no data; protective TP
// extension simply stays inactive.
type fakeCandles struct{}

func (fakeCandles) SaveCandles(context.Context, string, string, string, []domain.Candle) error {
	return nil
}

func (fakeCandles) GetCandles(context.Context, string, string, string, int) ([]domain.Candle, error) {
	return nil, nil
}

func (fakeCandles) PurgeStale(context.Context, time.Time) (int64, error) { return 0, nil }

// fakeSignals never has a snapshot; the reconciler path does not consume
// signals.
type fakeSignals struct{}

func (fakeSignals) Latest(domain.Slot) (domain.SignalSnapshot, bool) {
	return domain.SignalSnapshot{}, false
}

type fakeSink struct {
	mu     sync.Mutex
	events []domain.EngineEvent
}

func (s *fakeSink) Emit(_ context.Context, ev domain.EngineEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *fakeSink) byType(typ domain.EngineEventType) []domain.EngineEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.EngineEvent
	for _, ev := range s.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

type harness struct {
	recon   *Reconciler
	trader  *trader.Trader
	venue   *fakeVenue
	store   *fakePositionStore
	riskDB  *fakeRiskStore
	sink    *fakeSink
	profile *domain.Profile
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := testLogger()
	profile := &domain.Profile{
		ID:          1,
		Name:        "main",
		Environment: domain.EnvTest,
		Exchange:    "BYBIT",
		Symbols:     []string{"BTC/USDT"},
		Timeframes:  []string{"15m"},
		Active:      true,
	}
	venue := newFakeVenue()
	store := newFakePositionStore()
	riskDB := newFakeRiskStore()
	sink := &fakeSink{}

	breaker := risk.NewBreaker(riskDB, sink, risk.BreakerConfig{Timezone: time.UTC}, logger)
	gate := risk.NewGate(riskDB, store, breaker, nil, 0, logger)
	tr := trader.New(profile, venue, store, gate, breaker, nil, fakeCandles{}, fakeSignals{}, sink,
		trader.NewKeyLock(), trader.Config{}, logger)

	return &harness{
		recon:   New(tr, venue, store, sink, Config{}, logger),
		trader:  tr,
		venue:   venue,
		store:   store,
		riskDB:  riskDB,
		sink:    sink,
		profile: profile,
	}
}

// quickPhantom collapses the protocol sleeps so tests run fast.
func quickPhantom(t *testing.T) {
	t.Helper()
	old := phantomDelay
	phantomDelay = time.Millisecond
	t.Cleanup(func() { phantomDelay = old })
}

// seedActive journals an ACTIVE long the venue is expected to hold.
func seedActive(t *testing.T, h *harness) domain.Position {
	t.Helper()
	pos := &domain.Position{
		ProfileID:     1,
		PosKey:        domain.BuildPosKey(1, "BYBIT", "BTC/USDT", "15m"),
		Exchange:      "BYBIT",
		Symbol:        "BTC/USDT",
		Timeframe:     "15m",
		Side:          domain.SideLong,
		Qty:           decimal.NewFromFloat(0.25),
		EntryPrice:    decimal.NewFromInt(100),
		SLPrice:       decimal.NewFromFloat(98.3),
		TPPrice:       decimal.NewFromInt(104),
		Leverage:      5,
		MarginMode:    domain.MarginIsolated,
		EntryType:     domain.EntryMarket,
		Status:        domain.PositionActive,
		EntryOrderID:  "e-1",
		ClientOrderID: "dry_BYBIT_BTCUSDT_BUY_1",
		SLOrderID:     "sl-1",
		TPOrderID:     "tp-1",
		OriginalSL:    decimal.NewFromFloat(98.3),
		OriginalTP:    decimal.NewFromInt(104),
		EntryTime:     time.Now().UTC().Add(-time.Hour),
	}
	require.NoError(t, h.store.UpsertActive(context.Background(), pos))
	return *pos
}

// holdOnVenue mirrors the seeded row as a venue position with protective
// orders resting at the journaled ids.
func holdOnVenue(h *harness, pos domain.Position) {
	h.venue.setPositions(domain.ExchangePosition{
		Symbol:     pos.Symbol,
		Side:       pos.Side,
		Qty:        pos.Qty,
		EntryPrice: pos.EntryPrice,
		Leverage:   pos.Leverage,
	})
	h.venue.setOrders(
		domain.OpenOrder{
			OrderID: pos.SLOrderID, Symbol: pos.Symbol, Side: domain.OrderSideSell,
			Kind: domain.OrderKindSL, Queue: domain.QueueConditional,
			Qty: pos.Qty, StopPrice: pos.SLPrice, ReduceOnly: true,
		},
		domain.OpenOrder{
			OrderID: pos.TPOrderID, Symbol: pos.Symbol, Side: domain.OrderSideSell,
			Kind: domain.OrderKindTP, Queue: domain.QueueConditional,
			Qty: pos.Qty, StopPrice: pos.TPPrice, ReduceOnly: true,
		},
	)
}
