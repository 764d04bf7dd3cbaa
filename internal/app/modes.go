package app

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	s3blob "github.com/alanyoungcy/perpbot/internal/blob/s3"
	"github.com/alanyoungcy/perpbot/internal/domain"
	"github.com/alanyoungcy/perpbot/internal/server"
	"github.com/alanyoungcy/perpbot/internal/server/handler"
	"github.com/alanyoungcy/perpbot/internal/server/ws"
)

// runTrade is the full engine: signal ingress, market data, trading,
// archival and the admin API, all under one errgroup. Any component error
// tears the group down; the engine drains with its shutdown grace.
func (a *App) runTrade(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.deps.Notifier.Run(gctx) })
	g.Go(func() error { return a.deps.Source.Run(gctx) })
	g.Go(func() error { return a.deps.Manager.Watch(gctx) })
	for _, f := range a.deps.Feeds {
		f := f
		g.Go(func() error { return f.Run(gctx) })
	}
	g.Go(func() error { return a.deps.Poller.Run(gctx) })

	if a.deps.Archiver != nil && a.cfg.Archive.Enabled {
		g.Go(func() error {
			return a.deps.Archiver.Run(gctx, a.cfg.Archive.Interval.Duration)
		})
	}

	if a.cfg.Server.Enabled {
		if err := a.startServer(gctx, g); err != nil {
			return err
		}
	}

	g.Go(func() error { return a.deps.Engine.Run(gctx) })

	return g.Wait()
}

// runMonitor serves the admin API over the stores without trading: no
// engine, no order flow, adapters used read-only for balances. Useful
// against the live database while the trading instance is down.
func (a *App) runMonitor(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.deps.Notifier.Run(gctx) })
	if err := a.startServer(gctx, g); err != nil {
		return err
	}
	return g.Wait()
}

// runReconcile performs one deep scan per profile and exits. Intended for
// operator-driven repair after an incident, with the trading instance
// stopped.
func (a *App) runReconcile(ctx context.Context) error {
	for _, prt := range a.deps.Runtimes {
		name := prt.rt.Profile.Name
		a.logger.Info("deep scan", "profile", name)
		if err := prt.rt.Recon.DeepScan(ctx); err != nil {
			return fmt.Errorf("app: deep scan %s: %w", name, err)
		}
	}
	a.logger.Info("reconcile complete", "profiles", len(a.deps.Runtimes))
	return nil
}

// startServer builds the admin HTTP server and runs it in the group,
// shutting it down cleanly when the group context ends.
func (a *App) startServer(gctx context.Context, g *errgroup.Group) error {
	hub := ws.NewHub(a.deps.Bus, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: a.startedAt,
	}, a.logger)
	g.Go(func() error { return hub.Run(gctx) })

	handlers := server.Handlers{
		Health:    handler.NewHealthHandler(a.healthDeps(), a.logger),
		Status:    handler.NewStatusHandler(a.cfg.Mode, a.startedAt, a, a.stop, a.logger),
		Positions: handler.NewPositionHandler(a.deps.Stores.positions, a, a.logger),
		Trades: handler.NewTradeHandler(a.deps.Stores.trades, archiverOrNil(a.deps.Archiver),
			readerOrNil(a.deps.Archives), a.logger),
		Risk:    handler.NewRiskHandler(a, a.logger),
		Config:  handler.NewConfigHandler(a.deps.Manager, a.logger),
		Signals: handler.NewSignalHandler(a.deps.Hub, a.logger),
	}
	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, hub, a.deps.Limiter, a.logger)

	g.Go(func() error {
		err := srv.Start()
		if gctx.Err() != nil {
			return nil
		}
		return err
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return nil
}

// healthDeps lists the infrastructure the health endpoint pings.
func (a *App) healthDeps() map[string]handler.Pinger {
	deps := map[string]handler.Pinger{
		"redis": handler.PingerFunc(a.deps.Redis.Ping),
	}
	if a.deps.Blob != nil {
		deps["s3"] = handler.PingerFunc(a.deps.Blob.Health)
	}
	return deps
}

// archiverOrNil keeps the trade handler's nil check working: a typed nil
// inside a non-nil interface would defeat it.
func archiverOrNil(arc *s3blob.Archiver) domain.Archiver {
	if arc == nil {
		return nil
	}
	return arc
}

// readerOrNil does the same for the archive browser.
func readerOrNil(r *s3blob.Reader) domain.BlobReader {
	if r == nil {
		return nil
	}
	return r
}

// runtime returns the profile's runtime, or an error for unknown ids.
func (a *App) runtime(profileID int64) (*profileRuntime, error) {
	for _, prt := range a.deps.Runtimes {
		if prt.rt.Profile.ID == profileID {
			return prt, nil
		}
	}
	return nil, fmt.Errorf("app: profile %d: %w", profileID, domain.ErrNotFound)
}

// ProfileStatuses reports each profile's live balance and open position
// count for the status endpoint.
func (a *App) ProfileStatuses(ctx context.Context) ([]handler.ProfileStatus, error) {
	out := make([]handler.ProfileStatus, 0, len(a.deps.Runtimes))
	for _, prt := range a.deps.Runtimes {
		p := prt.rt.Profile
		ps := handler.ProfileStatus{
			ProfileID:   p.ID,
			Name:        p.Name,
			Exchange:    p.Exchange,
			Environment: string(p.Environment),
		}
		if bal, err := prt.rt.Adapter.FetchBalance(ctx); err == nil {
			ps.Balance = bal.Total
			ps.FreeBalance = bal.Free
		}
		if open, err := a.deps.Stores.positions.ListActive(ctx, p.ID); err == nil {
			ps.OpenPositions = len(open)
		}
		out = append(out, ps)
	}
	return out, nil
}

// ForceClose routes an operator close to the owning profile's trader, so it
// runs under the same symbol lock as the engine's own exits.
func (a *App) ForceClose(ctx context.Context, profileID int64, key domain.PosKey) error {
	prt, err := a.runtime(profileID)
	if err != nil {
		return err
	}
	pos, err := a.deps.Stores.positions.GetActive(ctx, profileID, key)
	if err != nil {
		return err
	}
	return prt.rt.Trader.ForceClose(ctx, pos.ID, domain.ExitManual, "operator force close")
}

// Metrics returns the profile's risk row in its environment.
func (a *App) Metrics(ctx context.Context, profileID int64) (domain.RiskMetrics, error) {
	prt, err := a.runtime(profileID)
	if err != nil {
		return domain.RiskMetrics{}, err
	}
	return a.deps.Stores.risk.GetMetrics(ctx, profileID, prt.rt.Profile.Environment)
}

// Cooldowns lists the profile's active symbol cooldowns.
func (a *App) Cooldowns(ctx context.Context, profileID int64) ([]domain.Cooldown, error) {
	if _, err := a.runtime(profileID); err != nil {
		return nil, err
	}
	return a.deps.Stores.risk.ListCooldowns(ctx, profileID)
}

// Resume clears the profile's latched circuit breaker.
func (a *App) Resume(ctx context.Context, profileID int64) error {
	prt, err := a.runtime(profileID)
	if err != nil {
		return err
	}
	return prt.breaker.Resume(ctx, prt.rt.Profile)
}
