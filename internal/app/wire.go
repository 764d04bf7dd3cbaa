package app

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/shopspring/decimal"

	s3blob "github.com/alanyoungcy/perpbot/internal/blob/s3"
	"github.com/alanyoungcy/perpbot/internal/cache/redis"
	"github.com/alanyoungcy/perpbot/internal/config"
	"github.com/alanyoungcy/perpbot/internal/crypto"
	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/engine"
	"github.com/alanyoungcy/perpbot/internal/exchange"
	"github.com/alanyoungcy/perpbot/internal/feed"
	"github.com/alanyoungcy/perpbot/internal/notify"
	"github.com/alanyoungcy/perpbot/internal/platform/binance"
	"github.com/alanyoungcy/perpbot/internal/platform/bybit"
	"github.com/alanyoungcy/perpbot/internal/reconciler"
	"github.com/alanyoungcy/perpbot/internal/risk"
	"github.com/alanyoungcy/perpbot/internal/signal"
	"github.com/alanyoungcy/perpbot/internal/store/postgres"
	"github.com/alanyoungcy/perpbot/internal/store/sqlite"
	"github.com/alanyoungcy/perpbot/internal/trader"
)

// stores groups the persistence interfaces the rest of the wiring consumes,
// independent of the configured driver.
type stores struct {
	positions domain.PositionStore
	trades    domain.TradeStore
	profiles  domain.ProfileStore
	risk      domain.RiskStore
	candles   domain.OHLCVStore
	audit     domain.AuditStore
}

// profileRuntime extends the engine runtime with the risk components the
// admin API needs to reach per profile. The engine itself never touches the
// gate or breaker directly; the trader does.
type profileRuntime struct {
	rt      *engine.Runtime
	gate    *risk.Gate
	breaker *risk.Breaker
}

// Dependencies is the fully wired object graph for one process.
type Dependencies struct {
	Manager  *config.Manager
	Stores   stores
	Redis    *redis.Client
	Bus      *redis.SignalBus
	Locks    *redis.LockManager
	Limiter  *redis.RateLimiter
	Hub      *signal.Hub
	Source   *signal.RedisSource
	Notifier *notify.Notifier
	Engine   *engine.Engine
	Runtimes []*profileRuntime
	Feeds    []*feed.PriceFeed
	Poller   *feed.OHLCVPoller
	Archiver *s3blob.Archiver
	Archives *s3blob.Reader
	Blob     *s3blob.Client
}

// Wire builds every component from the configuration. The returned cleanup
// closes everything built so far, in reverse order, and is safe to call
// after a partial failure.
func Wire(ctx context.Context, manager *config.Manager, logger *slog.Logger) (*Dependencies, func(), error) {
	cfg := manager.Config()

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{Manager: manager}

	// Persistence.
	st, closeStores, err := buildStores(ctx, cfg, logger)
	if err != nil {
		return fail(err)
	}
	closers = append(closers, closeStores)
	deps.Stores = st

	// Redis: prices, locks, limiter, bus.
	rc, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		return fail(fmt.Errorf("app: redis: %w", err))
	}
	closers = append(closers, func() { _ = rc.Close() })
	deps.Redis = rc
	deps.Bus = redis.NewSignalBus(rc)
	deps.Locks = redis.NewLockManager(rc)
	deps.Limiter = redis.NewRateLimiter(rc)
	prices := redis.NewPriceCache(rc)

	// Object storage and ledger archival, when configured.
	if cfg.S3.Bucket != "" {
		blob, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("app: s3: %w", err))
		}
		closers = append(closers, func() { _ = blob.Close() })
		deps.Blob = blob
		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(blob), st.trades,
			st.profiles, st.risk, st.audit, logger)
		deps.Archives = s3blob.NewReader(blob)
	}

	// Notification channels double as the engine event sink.
	deps.Notifier = notify.NewNotifier(buildSenders(cfg, deps.Limiter), deps.Bus, notify.Config{
		Events:     notifyEvents(cfg.Notify.Events),
		BusChannel: notify.DefaultBusChannel,
	}, logger)

	// Signal ingress: the hub is the latest-value store every trader reads;
	// the source tails the scoring collaborator's stream into it.
	deps.Hub = signal.NewHub()
	deps.Source = signal.NewRedisSource(deps.Bus, deps.Hub, cfg.Engine.SignalStream, 0, logger)

	// Per-profile runtimes.
	doc, version := manager.Strategy()
	traderCfg := traderConfigFrom(doc, version)
	tiers, maxLev := sizingFrom(doc)
	breakerCfg := risk.BreakerConfig{
		DrawdownLimit:  dec(doc.Risk.DrawdownLimit),
		DailyLossLimit: dec(doc.Risk.DailyLossLimit),
		Timezone:       cfg.Location(),
	}

	registry := buildRegistry()
	for _, pc := range cfg.ActiveProfiles() {
		prt, err := buildRuntime(ctx, pc, registry, st, prices, deps, traderCfg, breakerCfg, tiers, maxLev, logger)
		if err != nil {
			return fail(err)
		}
		closers = append(closers, func() { _ = prt.rt.Adapter.Close() })
		deps.Runtimes = append(deps.Runtimes, prt)
	}

	// Strategy reloads reach every profile: new opens use the new tuning,
	// open positions keep the version they were entered under.
	manager.RegisterOnReload(func(doc config.StrategyDoc, version string) {
		tc := traderConfigFrom(doc, version)
		tiers, maxLev := sizingFrom(doc)
		for _, prt := range deps.Runtimes {
			prt.rt.Trader.Reconfigure(tc)
			prt.gate.Reconfigure(tiers, maxLev)
		}
	})

	// Market data: one ticker feed per venue, one candle poller overall.
	deps.Feeds = buildFeeds(cfg, deps.Runtimes, prices, logger)
	deps.Poller = buildPoller(deps.Runtimes, st.candles, logger)

	var locks domain.LockManager
	if cfg.Engine.RunLock {
		locks = deps.Locks
	}
	runtimes := make([]*engine.Runtime, 0, len(deps.Runtimes))
	for _, prt := range deps.Runtimes {
		runtimes = append(runtimes, prt.rt)
	}
	deps.Engine = engine.New(runtimes, deps.Hub, locks, deps.Notifier, engine.Config{
		Heartbeat:     cfg.Engine.Heartbeat.Duration,
		TickTimeout:   cfg.Engine.TickTimeout.Duration,
		SignalMaxAge:  cfg.Engine.SignalMaxAge.Duration,
		StatusEvery:   cfg.Engine.StatusEvery.Duration,
		ShutdownGrace: cfg.Engine.ShutdownGrace.Duration,
		Timezone:      cfg.Location(),
	}, logger)

	return deps, cleanup, nil
}

// buildStores opens the configured persistence backend: a single SQLite
// database file by default, or a shared PostgreSQL database for multi-host
// deployments.
func buildStores(ctx context.Context, cfg config.Config, logger *slog.Logger) (stores, func(), error) {
	if cfg.Storage.Driver != "postgres" {
		path := cfg.Storage.SQLitePath
		if path == "" {
			path = filepath.Join(cfg.DataDir, "perpbot.db")
		}
		sq, err := sqlite.New(ctx, sqlite.ClientConfig{Path: path})
		if err != nil {
			return stores{}, nil, fmt.Errorf("app: sqlite: %w", err)
		}
		if err := sq.RunMigrations(ctx); err != nil {
			_ = sq.Close()
			return stores{}, nil, fmt.Errorf("app: sqlite migrations: %w", err)
		}
		logger.Info("storage ready", "driver", "sqlite", "path", path)
		return stores{
			positions: sqlite.NewPositionStore(sq),
			trades:    sqlite.NewTradeStore(sq),
			profiles:  sqlite.NewProfileStore(sq),
			risk:      sqlite.NewRiskStore(sq),
			candles:   sqlite.NewOHLCVStore(sq),
			audit:     sqlite.NewAuditStore(sq),
		}, func() { _ = sq.Close() }, nil
	}

	pg, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Storage.Postgres.DSN,
		Host:     cfg.Storage.Postgres.Host,
		Port:     cfg.Storage.Postgres.Port,
		Database: cfg.Storage.Postgres.Database,
		User:     cfg.Storage.Postgres.User,
		Password: cfg.Storage.Postgres.Password,
		SSLMode:  cfg.Storage.Postgres.SSLMode,
		MaxConns: cfg.Storage.Postgres.PoolMaxConns,
		MinConns: cfg.Storage.Postgres.PoolMinConns,
	})
	if err != nil {
		return stores{}, nil, fmt.Errorf("app: postgres: %w", err)
	}
	if cfg.Storage.Postgres.RunMigrations {
		if err := pg.RunMigrations(ctx); err != nil {
			pg.Close()
			return stores{}, nil, fmt.Errorf("app: postgres migrations: %w", err)
		}
	}
	logger.Info("storage ready", "driver", "postgres", "database", cfg.Storage.Postgres.Database)
	return stores{
		positions: postgres.NewPositionStore(pg.Pool()),
		trades:    postgres.NewTradeStore(pg.Pool()),
		profiles:  postgres.NewProfileStore(pg.Pool()),
		risk:      postgres.NewRiskStore(pg.Pool()),
		candles:   postgres.NewOHLCVStore(pg.Pool()),
		audit:     postgres.NewAuditStore(pg.Pool()),
	}, func() { pg.Close() }, nil
}

// buildRegistry registers every supported venue.
func buildRegistry() *exchange.Registry {
	r := exchange.NewRegistry()
	_ = r.Register("BYBIT", func(p exchange.Params) (exchange.Adapter, error) { return bybit.New(p) })
	_ = r.Register("BINANCE", func(p exchange.Params) (exchange.Adapter, error) { return binance.New(p) })
	return r
}

// buildRuntime assembles one profile's component stack: adapter (paper
// wrapped for TEST), breaker, gate, trader, reconciler.
func buildRuntime(ctx context.Context, pc config.ProfileConfig,
	registry *exchange.Registry, st stores, prices domain.PriceCache, deps *Dependencies,
	traderCfg trader.Config, breakerCfg risk.BreakerConfig, tiers []domain.SizingTier,
	maxLev int, logger *slog.Logger,
) (*profileRuntime, error) {
	profile := &domain.Profile{
		ID:          pc.ID,
		Name:        pc.Name,
		Environment: domain.Environment(strings.ToUpper(pc.Environment)),
		Exchange:    strings.ToUpper(pc.Exchange),
		Symbols:     pc.Symbols,
		Timeframes:  pc.Timeframes,
		Active:      true,
	}
	if err := st.profiles.Upsert(ctx, profile); err != nil {
		return nil, fmt.Errorf("app: profile %s: %w", pc.Name, err)
	}

	var params exchange.Params
	params.Logger = logger
	if !profile.DryRun() {
		creds, err := crypto.LoadCredentials(crypto.KeyConfig{
			APIKey:           pc.APIKey,
			APISecret:        pc.APISecret,
			EncryptedKeyPath: pc.EncryptedKeyPath,
			KeyPassword:      pc.KeyPassword,
		})
		if err != nil {
			return nil, fmt.Errorf("app: profile %s: %w", pc.Name, err)
		}
		params.APIKey = creds.APIKey
		params.APISecret = creds.APISecret
	}

	adapter, err := registry.New(profile.Exchange, params)
	if err != nil {
		return nil, fmt.Errorf("app: profile %s: %w", pc.Name, err)
	}
	if profile.DryRun() {
		adapter = exchange.NewPaperAdapter(adapter, decimal.NewFromFloat(pc.PaperBalance), logger)
	}
	if err := adapter.Init(ctx); err != nil {
		_ = adapter.Close()
		return nil, fmt.Errorf("app: init %s adapter for %s: %w", profile.Exchange, pc.Name, err)
	}

	breaker := risk.NewBreaker(st.risk, deps.Notifier, breakerCfg, logger)
	gate := risk.NewGate(st.risk, st.positions, breaker, tiers, maxLev, logger)

	tr := trader.New(profile, adapter, st.positions, gate, breaker, prices,
		st.candles, deps.Hub, deps.Notifier, trader.NewKeyLock(), traderCfg, logger)
	recon := reconciler.New(tr, adapter, st.positions, deps.Notifier, reconciler.Config{
		SLPct: traderCfg.SLPct,
		TPPct: traderCfg.TPPct,
	}, logger)

	return &profileRuntime{
		rt: &engine.Runtime{
			Profile:   profile,
			Adapter:   adapter,
			Trader:    tr,
			Recon:     recon,
			Positions: st.positions,
			Trades:    st.trades,
		},
		gate:    gate,
		breaker: breaker,
	}, nil
}

// buildFeeds opens one public ticker stream per venue, subscribed to the
// union of the venue's profile symbols. Streams are public data, so one
// connection serves every profile on that venue.
func buildFeeds(cfg config.Config, runtimes []*profileRuntime, prices domain.PriceCache, logger *slog.Logger) []*feed.PriceFeed {
	type venueFeed struct {
		mapper  feed.SymbolMapper
		symbols map[string]bool
	}
	venues := make(map[string]*venueFeed)
	for _, prt := range runtimes {
		name := prt.rt.Profile.Exchange
		vf, ok := venues[name]
		if !ok {
			vf = &venueFeed{mapper: prt.rt.Adapter, symbols: make(map[string]bool)}
			venues[name] = vf
		}
		for _, s := range prt.rt.Profile.Symbols {
			vf.symbols[s] = true
		}
	}

	var feeds []*feed.PriceFeed
	for name, vf := range venues {
		symbols := make([]string, 0, len(vf.symbols))
		for s := range vf.symbols {
			symbols = append(symbols, s)
		}
		var stream feed.TickerStream
		switch name {
		case "BYBIT":
			stream = bybit.NewWSClient(bybit.DefaultWSURL)
		case "BINANCE":
			stream = binance.NewWSClient(binance.DefaultWSURL)
		default:
			logger.Warn("no ticker stream for venue, relying on REST quotes", "venue", name)
			continue
		}
		feeds = append(feeds, feed.NewPriceFeed(name, stream, vf.mapper, prices, symbols, logger))
	}
	return feeds
}

// buildPoller backfills candles for every slot so ATR always has data, even
// for symbols whose ticker stream just connected.
func buildPoller(runtimes []*profileRuntime, candles domain.OHLCVStore, logger *slog.Logger) *feed.OHLCVPoller {
	sources := make(map[string]feed.CandleSource)
	for _, prt := range runtimes {
		sources[prt.rt.Profile.Exchange] = prt.rt.Adapter
	}
	slots := func() []domain.Slot {
		var out []domain.Slot
		for _, prt := range runtimes {
			out = append(out, prt.rt.Profile.Slots()...)
		}
		return out
	}
	return feed.NewOHLCVPoller(sources, candles, slots, 0, 0, logger)
}

// buildSenders assembles the configured paging channels.
func buildSenders(cfg config.Config, limiter domain.RateLimiter) []notify.Sender {
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID, limiter))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	return senders
}

func notifyEvents(names []string) []domain.EngineEventType {
	out := make([]domain.EngineEventType, 0, len(names))
	for _, n := range names {
		out = append(out, domain.EngineEventType(strings.ToLower(strings.TrimSpace(n))))
	}
	return out
}

// traderConfigFrom maps the strategy document onto the trader's lifecycle
// tuning. Zero document fields stay zero and fall back to the trader's own
// defaults.
func traderConfigFrom(doc config.StrategyDoc, version string) trader.Config {
	cfg := trader.Config{
		UseLimitOrders:         true,
		PatiencePct:            dec(doc.Entry.PatiencePct),
		SLPct:                  dec(doc.Entry.SLPct),
		TPPct:                  dec(doc.Entry.TPPct),
		PendingPoll:            doc.Pending.Poll.Duration,
		MinPendingAge:          doc.Pending.MinAge.Duration,
		PendingTimeout:         doc.Pending.Timeout.Duration,
		StrongReversal:         doc.Pending.StrongReversal,
		Invalidation:           doc.Pending.Invalidation,
		ExitScore:              doc.Exit.Score,
		SLCooldown:             doc.Exit.SLCooldown.Duration,
		RecreateCooldown:       doc.Protective.RecreateCooldown.Duration,
		ProfitLockThreshold:    dec(doc.Protective.ProfitLockThreshold),
		ProfitLockLevel:        dec(doc.Protective.ProfitLockLevel),
		ATRExtension:           dec(doc.Protective.ATRExtension),
		TPExtensionCap:         dec(doc.Protective.TPExtensionCap),
		TightenConfidenceRatio: doc.Protective.TightenConfidenceRatio,
		TightenFactor:          dec(doc.Protective.TightenFactor),
		ConfigVersion:          version,
	}
	if doc.Entry.UseLimitOrders != nil {
		cfg.UseLimitOrders = *doc.Entry.UseLimitOrders
	}
	return cfg
}

// sizingFrom maps the document's sizing ladder onto domain tiers. An empty
// ladder falls back to the gate's defaults.
func sizingFrom(doc config.StrategyDoc) ([]domain.SizingTier, int) {
	tiers := make([]domain.SizingTier, 0, len(doc.Sizing.Tiers))
	for _, t := range doc.Sizing.Tiers {
		tiers = append(tiers, domain.SizingTier{
			Name:       t.Name,
			MinScore:   t.MinScore,
			Leverage:   t.Leverage,
			MarginUSDT: decimal.NewFromFloat(t.MarginUSDT),
		})
	}
	return tiers, doc.Sizing.MaxLeverage
}

func dec(f float64) decimal.Decimal {
	if f == 0 {
		return decimal.Decimal{}
	}
	return decimal.NewFromFloat(f)
}
