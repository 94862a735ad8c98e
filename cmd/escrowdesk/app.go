package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"escrowdesk/audit"
	"escrowdesk/auth"
	"escrowdesk/checkout"
	"escrowdesk/config"
	"escrowdesk/dashboard"
	"escrowdesk/db"
	"escrowdesk/dispute"
	"escrowdesk/escrow"
	"escrowdesk/flash"
	"escrowdesk/listing"
	"escrowdesk/metrics"
	"escrowdesk/offer"
	"escrowdesk/settings"
	"escrowdesk/ticket"
)

// app holds the wired services shared by serve and worker.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	pool    *pgxpool.Pool
	rdb     *redis.Client
	metrics *metrics.Registry

	auth      *auth.Service
	audit     *audit.Repository
	escrow    *escrow.Service
	disputes  *dispute.Service
	offers    *offer.Service
	listings  *listing.Service
	tickets   *ticket.Service
	settings  *settings.Service
	dashboard *dashboard.Service
	flash     flash.Store
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{})
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a := &app{cfg: cfg, logger: logger, pool: pool, metrics: metrics.New(reg)}

	auditRepo := audit.NewRepository(pool)
	a.audit = auditRepo
	a.auth = auth.NewService(auth.NewRepository(pool), cfg.JWTSecret, cfg.SessionTTL)
	a.settings = settings.NewService(pool, settings.NewRepository(pool), nil).WithCache(settingsCacheTTL)

	// The escrow service opens disputes and the dispute service settles
	// escrow, so the settler is attached after both exist.
	a.disputes = dispute.NewService(pool, dispute.NewRepository(pool), nil)
	a.escrow = escrow.NewService(pool, escrow.NewRepository(pool), nil, a.disputes).
		WithObserver(a.metrics).
		WithWindows(escrow.Windows{SellerSubmit: cfg.SellerSubmitWindow, BuyerVerify: cfg.BuyerVerifyWindow}).
		WithWindowSource(a.windows)
	a.disputes.WithSettler(a.escrow)

	a.listings = listing.NewService(pool, listing.NewRepository(pool), nil)
	a.offers = offer.NewService(pool, offer.NewRepository(pool), nil, checkout.NewHook(a.listings, a.escrow))
	a.tickets = ticket.NewService(pool, ticket.NewRepository(pool), nil)
	a.dashboard = dashboard.NewService(pool, logger, a.metrics)

	a.flash = flash.NewMemoryStore(flash.DefaultTTL)
	if cfg.RedisAddr != "" {
		a.rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			a.Close()
			return nil, fmt.Errorf("redis: ping: %w", err)
		}
		a.flash = flash.NewRedisStore(a.rdb, flash.DefaultTTL)
	}
	return a, nil
}

// settingsCacheTTL bounds how long an admin edit takes to reach other
// replicas. The replica that saved it sees it at once.
const settingsCacheTTL = 30 * time.Second

// windows overlays the admin settings on the configured deadlines. The
// settings table may not exist before the first migrate.
func (a *app) windows(ctx context.Context) (escrow.Windows, error) {
	return settingsWindows(ctx, a.settings, a.cfg, a.logger)
}

type valuesReader interface {
	Values(ctx context.Context) (settings.Values, error)
}

func settingsWindows(ctx context.Context, src valuesReader, cfg config.Config, logger *slog.Logger) (escrow.Windows, error) {
	w := escrow.Windows{SellerSubmit: cfg.SellerSubmitWindow, BuyerVerify: cfg.BuyerVerifyWindow}
	v, err := src.Values(ctx)
	if err != nil {
		logger.WarnContext(ctx, "read deadline settings, using config", "err", err)
		return w, err
	}
	w.SellerSubmit = v.SellerSubmitWindow(w.SellerSubmit)
	w.BuyerVerify = v.BuyerVerifyWindow(w.BuyerVerify)
	return w, nil
}

func (a *app) redisOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: a.cfg.RedisAddr, Password: a.cfg.RedisPassword, DB: a.cfg.RedisDB}
}

func (a *app) Close() {
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	a.pool.Close()
}
