package engine

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
	"github.com/alanyoungcy/perpbot/internal/reconciler"
	"github.com/alanyoungcy/perpbot/internal/risk"
	"github.com/alanyoungcy/perpbot/internal/signal"
	"github.com/alanyoungcy/perpbot/internal/trader"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeMarket serves market data only. Engine tests wrap it in the paper
// simulator, so a trading call reaching it means a wiring bug.
type fakeMarket struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
	inst   domain.Instrument
}

func newFakeMarket() *fakeMarket {
	return &fakeMarket{
		prices: make(map[string]decimal.Decimal),
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

func (f *fakeMarket) SupportsAttachedProtection() bool { return false }

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

func (f *fakeMarket) FetchOHLCV(context.Context, string, string, int) ([]domain.Candle, error) {
	return nil, nil
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
// rule and finalize-to-ledger semantics.
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

func (s *fakePositionStore) tradeLedger() []domain.Trade {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Trade, len(s.trades))
	copy(out, s.trades)
	return out
}

// fakeRiskStore backs the real gate and breaker.
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

// fakeCandles satisfies the OHLCV store; nothing here feeds it.
type fakeCandles struct{}

func (fakeCandles) SaveCandles(context.Context, string, string, string, []domain.Candle) error {
	return nil
}

func (fakeCandles) GetCandles(context.Context, string, string, string, int) ([]domain.Candle, error) {
	return nil, nil
}

func (fakeCandles) PurgeStale(context.Context, time.Time) (int64, error) { return 0, nil }

// fakeTradeStore records status-report queries; the ledger itself lives on
// the position store.
type fakeTradeStore struct {
	mu        sync.Mutex
	trades    []domain.Trade
	pnl       decimal.Decimal
	lastSince time.Time
}

func (s *fakeTradeStore) Insert(_ context.Context, trade *domain.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trades = append(s.trades, *trade)
	return nil
}

func (s *fakeTradeStore) ListByProfile(_ context.Context, profileID int64, _ domain.ListOpts) ([]domain.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Trade
	for _, tr := range s.trades {
		if tr.ProfileID == profileID {
			out = append(out, tr)
		}
	}
	return out, nil
}

func (s *fakeTradeStore) SumPnLSince(_ context.Context, _ int64, since time.Time) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSince = since
	return s.pnl, nil
}

func (s *fakeTradeStore) ListBefore(context.Context, time.Time) ([]domain.Trade, error) {
	return nil, nil
}

func (s *fakeTradeStore) DeleteBefore(context.Context, time.Time) (int64, error) { return 0, nil }

func (s *fakeTradeStore) setPnL(pnl decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pnl = pnl
}

func (s *fakeTradeStore) sinceSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSince
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

// fakeLockManager records acquisitions and can refuse keys.
type fakeLockManager struct {
	mu       sync.Mutex
	held     map[string]bool
	acquired []string
	released []string
}

func newFakeLockManager() *fakeLockManager {
	return &fakeLockManager{held: make(map[string]bool)}
}

func (m *fakeLockManager) hold(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.held[key] = true
}

func (m *fakeLockManager) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held[key] {
		return nil, fmt.Errorf("fake locks: %s: %w", key, domain.ErrLockHeld)
	}
	m.acquired = append(m.acquired, key)
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.released = append(m.released, key)
	}, nil
}

func (m *fakeLockManager) acquiredKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.acquired))
	copy(out, m.acquired)
	return out
}

func (m *fakeLockManager) releasedKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.released))
	copy(out, m.released)
	return out
}

// runtimeParts is one profile's fully wired runtime with handles on every
// fake behind it.
type runtimeParts struct {
	rt     *Runtime
	market *fakeMarket
	paper  *exchange.PaperAdapter
	store  *fakePositionStore
	riskDB *fakeRiskStore
	trades *fakeTradeStore
}

func buildRuntime(profile *domain.Profile, hub *signal.Hub, sink *fakeSink, tcfg trader.Config, logger *slog.Logger) *runtimeParts {
	market := newFakeMarket()
	market.setPrice("BTC/USDT", 100)

	paper := exchange.NewPaperAdapter(market, decimal.NewFromInt(1000), logger)
	store := newFakePositionStore()
	riskDB := newFakeRiskStore()
	trades := &fakeTradeStore{}

	breaker := risk.NewBreaker(riskDB, sink, risk.BreakerConfig{Timezone: time.UTC}, logger)
	gate := risk.NewGate(riskDB, store, breaker, nil, 0, logger)
	tr := trader.New(profile, paper, store, gate, breaker, nil, fakeCandles{}, hub, sink, trader.NewKeyLock(), tcfg, logger)
	recon := reconciler.New(tr, paper, store, sink, reconciler.Config{}, logger)

	return &runtimeParts{
		rt: &Runtime{
			Profile:   profile,
			Adapter:   paper,
			Trader:    tr,
			Recon:     recon,
			Positions: store,
			Trades:    trades,
		},
		market: market,
		paper:  paper,
		store:  store,
		riskDB: riskDB,
		trades: trades,
	}
}

func testProfile(id int64, name string, env domain.Environment) *domain.Profile {
	return &domain.Profile{
		ID:          id,
		Name:        name,
		Environment: env,
		Exchange:    "BYBIT",
		Symbols:     []string{"BTC/USDT"},
		Timeframes:  []string{"15m"},
		Active:      true,
	}
}

// harness wires a single dry-run profile through the real trader,
// reconciler and paper simulator, driven by direct tick calls.
type harness struct {
	engine  *Engine
	rt      *Runtime
	hub     *signal.Hub
	market  *fakeMarket
	paper   *exchange.PaperAdapter
	store   *fakePositionStore
	riskDB  *fakeRiskStore
	trades  *fakeTradeStore
	sink    *fakeSink
	locks   *fakeLockManager
	profile *domain.Profile
}

func newHarness(tcfg trader.Config) *harness {
	logger := testLogger()
	hub := signal.NewHub()
	sink := &fakeSink{}
	locks := newFakeLockManager()
	profile := testProfile(1, "main", domain.EnvTest)

	parts := buildRuntime(profile, hub, sink, tcfg, logger)
	eng := New([]*Runtime{parts.rt}, hub, locks, sink, Config{}, logger)

	return &harness{
		engine:  eng,
		rt:      parts.rt,
		hub:     hub,
		market:  parts.market,
		paper:   parts.paper,
		store:   parts.store,
		riskDB:  parts.riskDB,
		trades:  parts.trades,
		sink:    sink,
		locks:   locks,
		profile: profile,
	}
}

func (h *harness) slot() domain.Slot {
	return domain.Slot{ProfileID: h.profile.ID, Exchange: "BYBIT", Symbol: "BTC/USDT", Timeframe: "15m"}
}

// put publishes a fresh snapshot for the harness slot.
func (h *harness) put(side domain.SignalSide, confidence, score float64) {
	h.hub.Put(domain.SignalSnapshot{
		Slot:       h.slot(),
		Side:       side,
		Confidence: confidence,
		Score:      score,
		Timestamp:  time.Now(),
	})
}

// tick runs one full heartbeat round synchronously.
func (h *harness) tick(ctx context.Context) {
	h.engine.tickProfile(ctx, h.rt, h.profile.Slots(), h.engine.logger)
}
