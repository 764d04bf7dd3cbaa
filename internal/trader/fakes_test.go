package trader

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/exchange"
	"github.com/alanyoungcy/perpbot/internal/risk"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeMarket serves market data only; trading calls must never reach it
// because every test wraps it in the paper simulator.
type fakeMarket struct {
	mu       sync.Mutex
	prices   map[string]decimal.Decimal
	candles  map[string][]domain.Candle
	attached bool
	inst     domain.Instrument
}

func newFakeMarket(attached bool) *fakeMarket {
	return &fakeMarket{
		prices:   make(map[string]decimal.Decimal),
		candles:  make(map[string][]domain.Candle),
		attached: attached,
		inst: domain.Instrument{
			TickSize:    decimal.NewFromFloat(0.01),
			QtyStep:     decimal.NewFromFloat(0.001),
			MinQty:      decimal.NewFromFloat(0.001),
			MinNotional: decimal.NewFromInt(5),
			MaxLeverage: 50,
		},
	}
}

func (f *fakeMarket) setPrice(symbol string, price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[symbol] = decimal.NewFromFloat(price)
}

func (f *fakeMarket) Name() string { return "BYBIT" }

func (f *fakeMarket) Init(context.Context) error { return nil }

func (f *fakeMarket) SupportsAttachedProtection() bool { return f.attached }

func (f *fakeMarket) Close() error { return nil }

func (f *fakeMarket) FetchTicker(_ context.Context, symbol string) (domain.Ticker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.prices[symbol]
	if !ok {
		return domain.Ticker{}, fmt.Errorf("fake market: no price for %s: %w", symbol, domain.ErrNotFound)
	}
	return domain.Ticker{Symbol: symbol, Last: p, Timestamp: time.Now()}, nil
}

func (f *fakeMarket) FetchOHLCV(_ context.Context, symbol, _ string, _ int) ([]domain.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.candles[symbol], nil
}

func (f *fakeMarket) Instrument(symbol string) (domain.Instrument, error) {
	inst := f.inst
	inst.Symbol = symbol
	return inst, nil
}

func (f *fakeMarket) AmountToPrecision(_ string, qty decimal.Decimal) decimal.Decimal {
	return f.inst.RoundQty(qty)
}

func (f *fakeMarket) PriceToPrecision(_ string, price decimal.Decimal) decimal.Decimal {
	return f.inst.RoundPrice(price)
}

func (f *fakeMarket) NormalizeSymbol(v string) string { return v }

func (f *fakeMarket) VenueSymbol(c string) string { return c }

func (f *fakeMarket) ServerTime(context.Context) (time.Time, error) { return time.Now(), nil }

func (f *fakeMarket) SyncClock(context.Context) error { return nil }

func (f *fakeMarket) PlaceEntry(context.Context, exchange.EntryRequest) (domain.OrderAck, error) {
	return domain.OrderAck{}, fmt.Errorf("fake market: mutation reached live adapter: %w", domain.ErrDryRunMutation)
}

func (f *fakeMarket) PlaceReduceOnly(context.Context, exchange.ReduceOnlyRequest) (domain.OrderAck, error) {
	return domain.OrderAck{}, fmt.Errorf("fake market: mutation reached live adapter: %w", domain.ErrDryRunMutation)
}

func (f *fakeMarket) CancelOrder(context.Context, string, string, domain.CancelHint) error {
	return fmt.Errorf("fake market: mutation reached live adapter: %w", domain.ErrDryRunMutation)
}

func (f *fakeMarket) FetchOpenOrders(context.Context, string) ([]domain.OpenOrder, error) {
	return nil, nil
}

func (f *fakeMarket) FetchOrder(context.Context, string, string) (domain.OrderAck, error) {
	return domain.OrderAck{}, domain.ErrOrderNotFound
}

func (f *fakeMarket) FetchPositions(context.Context) ([]domain.ExchangePosition, error) {
	return nil, nil
}

func (f *fakeMarket) FetchMyTrades(context.Context, string, time.Time) ([]domain.Fill, error) {
	return nil, nil
}

func (f *fakeMarket) FetchBalance(context.Context) (domain.Balance, error) {
	return domain.Balance{}, fmt.Errorf("fake market: balance read reached live adapter: %w", domain.ErrDryRunMutation)
}

func (f *fakeMarket) SetLeverage(context.Context, string, int) error {
	return fmt.Errorf("fake market: mutation reached live adapter: %w", domain.ErrDryRunMutation)
}

func (f *fakeMarket) SetMarginMode(context.Context, string, domain.MarginMode) error {
	return fmt.Errorf("fake market: mutation reached live adapter: %w", domain.ErrDryRunMutation)
}

// fakePositionStore is an in-memory PositionStore with the single-open-row
// rule and finalize-to-ledger semantics the trader relies on.
type fakePositionStore struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]*domain.Position
	trades []domain.Trade
}

func newFakePositionStore() *fakePositionStore {
	return &fakePositionStore{rows: make(map[int64]*domain.Position)}
}

func (s *fakePositionStore) UpsertActive(_ context.Context, pos *domain.Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rows {
		if r.ID != pos.ID && r.ProfileID == pos.ProfileID && r.PosKey == pos.PosKey && r.Status.Open() {
			return fmt.Errorf("fake store: %s: %w", pos.PosKey, domain.ErrConflictActiveExists)
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
		return fmt.Errorf("fake store: mark active on %s row: %w", r.Status, domain.ErrInvalidParam)
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
		trade.ID = int64(len(s.trades) + 1)
		s.trades = append(s.trades, *trade)
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
	for _, r := range s.rows {
		if r.ProfileID == profileID && r.Status.Open() {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *fakePositionStore) ListAllActive(_ context.Context) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Position
	for _, r := range s.rows {
		if r.Status.Open() {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *fakePositionStore) ListWaitingSync(_ context.Context, profileID int64) ([]domain.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Position
	for _, r := range s.rows {
		if r.ProfileID == profileID && r.Status == domain.PositionWaitingSync {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *fakePositionStore) ListHistory(context.Context, int64, domain.ListOpts) ([]domain.Position, error) {
	return nil, nil
}

// setEntryTime backdates a row, for aging pending entries in tests.
func (s *fakePositionStore) setEntryTime(id int64, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.rows[id]; ok {
		r.EntryTime = at
	}
}

func (s *fakePositionStore) tradeLedger() []domain.Trade {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Trade, len(s.trades))
	copy(out, s.trades)
	return out
}

// fakeRiskStore backs the real gate and breaker in trader tests.
type fakeRiskStore struct {
	mu        sync.Mutex
	metrics   map[string]domain.RiskMetrics
	cooldowns map[string]domain.Cooldown
}

func newFakeRiskStore() *fakeRiskStore {
	return &fakeRiskStore{
		metrics:   make(map[string]domain.RiskMetrics),
		cooldowns: make(map[string]domain.Cooldown),
	}
}

func riskKey(profileID int64, s string) string { return fmt.Sprintf("%d/%s", profileID, s) }

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

// fakeCandles serves a fixed candle set per symbol.
type fakeCandles struct {
	mu   sync.Mutex
	sets map[string][]domain.Candle
}

func newFakeCandles() *fakeCandles {
	return &fakeCandles{sets: make(map[string][]domain.Candle)}
}

func (f *fakeCandles) SaveCandles(_ context.Context, _, symbol, _ string, candles []domain.Candle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sets[symbol] = candles
	return nil
}

func (f *fakeCandles) GetCandles(_ context.Context, _, symbol, _ string, _ int) ([]domain.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sets[symbol], nil
}

func (f *fakeCandles) PurgeStale(context.Context, time.Time) (int64, error) { return 0, nil }

// fakeSignals is a settable SignalSource.
type fakeSignals struct {
	mu    sync.Mutex
	snaps map[domain.PosKey]domain.SignalSnapshot
}

func newFakeSignals() *fakeSignals {
	return &fakeSignals{snaps: make(map[domain.PosKey]domain.SignalSnapshot)}
}

func (f *fakeSignals) set(snap domain.SignalSnapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snaps[snap.Slot.PosKey()] = snap
}

func (f *fakeSignals) clear(slot domain.Slot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.snaps, slot.PosKey())
}

func (f *fakeSignals) Latest(slot domain.Slot) (domain.SignalSnapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.snaps[slot.PosKey()]
	return snap, ok
}

// fakeSink records emitted events.
type fakeSink struct {
	mu     sync.Mutex
	events []domain.EngineEvent
}

func (f *fakeSink) Emit(_ context.Context, ev domain.EngineEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
}

func (f *fakeSink) byType(typ domain.EngineEventType) []domain.EngineEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.EngineEvent
	for _, ev := range f.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// harness bundles a trader wired against the paper simulator and in-memory
// stores, with handles on every fake.
type harness struct {
	trader  *Trader
	market  *fakeMarket
	paper   *exchange.PaperAdapter
	store   *fakePositionStore
	riskDB  *fakeRiskStore
	candles *fakeCandles
	signals *fakeSignals
	sink    *fakeSink
	profile *domain.Profile
}

func testProfile() *domain.Profile {
	return &domain.Profile{
		ID:          1,
		Name:        "main",
		Environment: domain.EnvTest,
		Exchange:    "BYBIT",
		Symbols:     []string{"BTC/USDT"},
		Timeframes:  []string{"15m"},
		Active:      true,
	}
}

func newHarness(attached bool, cfg Config) *harness {
	logger := testLogger()
	market := newFakeMarket(attached)
	market.setPrice("BTC/USDT", 100)

	paper := exchange.NewPaperAdapter(market, decimal.NewFromInt(1000), logger)
	store := newFakePositionStore()
	riskDB := newFakeRiskStore()
	candles := newFakeCandles()
	signals := newFakeSignals()
	sink := &fakeSink{}
	profile := testProfile()

	breaker := risk.NewBreaker(riskDB, sink, risk.BreakerConfig{Timezone: time.UTC}, logger)
	gate := risk.NewGate(riskDB, store, breaker, nil, 0, logger)

	tr := New(profile, paper, store, gate, breaker, nil, candles, signals, sink, NewKeyLock(), cfg, logger)
	return &harness{
		trader:  tr,
		market:  market,
		paper:   paper,
		store:   store,
		riskDB:  riskDB,
		candles: candles,
		signals: signals,
		sink:    sink,
		profile: profile,
	}
}

func (h *harness) slot() domain.Slot {
	return domain.Slot{ProfileID: h.profile.ID, Exchange: "BYBIT", Symbol: "BTC/USDT", Timeframe: "15m"}
}

func (h *harness) snap(side domain.SignalSide, confidence, score float64) domain.SignalSnapshot {
	return domain.SignalSnapshot{
		Slot:       h.slot(),
		Side:       side,
		Confidence: confidence,
		Score:      score,
		Timestamp:  time.Now(),
	}
}
