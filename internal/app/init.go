package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nulpointcorp/memory-router/internal/auth"
	"github.com/nulpointcorp/memory-router/internal/billing"
	"github.com/nulpointcorp/memory-router/internal/blocklist"
	"github.com/nulpointcorp/memory-router/internal/dispatch"
	"github.com/nulpointcorp/memory-router/internal/embedder"
	"github.com/nulpointcorp/memory-router/internal/exclusions"
	"github.com/nulpointcorp/memory-router/internal/kronos"
	"github.com/nulpointcorp/memory-router/internal/metrics"
	"github.com/nulpointcorp/memory-router/internal/proxy"
	"github.com/nulpointcorp/memory-router/internal/ratelimit"
	"github.com/nulpointcorp/memory-router/internal/usage"
	"github.com/nulpointcorp/memory-router/internal/vault"
)

// initInfra establishes the external connections. Postgres is required;
// Redis and ClickHouse are optional and their absence degrades features
// (no snapshots and rate limiting, no usage analytics) rather than startup.
func (a *App) initInfra(ctx context.Context) error {
	pool, err := pgxpool.New(ctx, a.cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return fmt.Errorf("postgres ping: %w", err)
	}
	a.pg = pool
	a.log.Info("postgres connected")

	if a.cfg.Redis.URL != "" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))
		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	if a.cfg.ClickHouse.DSN != "" {
		conn, err := connectClickHouse(ctx, a.cfg.ClickHouse.DSN)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		a.ch = conn
		a.log.Info("clickhouse connected")
	}

	return nil
}

// initMemory builds the embedding client, the vault registry with its
// Postgres mirror and Redis snapshots, and the retrieval engine.
func (a *App) initMemory(_ context.Context) error {
	var opts []embedder.Option
	if a.cfg.Embed.BaseURL != "" {
		opts = append(opts, embedder.WithBaseURL(a.cfg.Embed.BaseURL))
	}
	emb, err := embedder.New(a.cfg.Embed.APIKey, a.cfg.Embed.Model, a.cfg.Embed.Dims, opts...)
	if err != nil {
		return fmt.Errorf("embedder: %w", err)
	}
	a.embed = emb

	a.vaults = vault.NewRegistry(a.cfg.Embed.Dims, a.rdb, vault.NewMirror(a.pg), a.log)
	a.engine = kronos.New(kronosConfig(a.cfg.Kronos), a.log)

	return nil
}

// initServices creates metrics, auth, billing, usage accounting, rate
// limiting and the memory exclusion list.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	a.authSvc = auth.NewService(a.pg, a.log)
	a.blocked = blocklist.New(a.rdb)

	if !a.cfg.Billing.Disabled {
		// No Charger in the open-source build: auto-reup refuses instead of
		// charging. The managed version plugs a payment processor in here.
		a.billingSvc = billing.NewService(billing.NewPGStore(a.pg), nil, a.blocked, a.log)
		a.log.Info("billing checkpoint enabled")
	} else {
		a.log.Info("billing checkpoint disabled")
	}

	if a.ch != nil {
		rec, err := usage.NewRecorder(a.baseCtx, usage.NewCHSink(a.ch), a.log)
		if err != nil {
			return fmt.Errorf("usage recorder: %w", err)
		}
		a.recorder = rec
		a.rollup = usage.NewRollup(usage.NewCHSource(a.ch), usage.NewPGDailyStore(a.pg), a.log)
	}

	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		a.rpm = ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit)
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	if len(a.cfg.MemoryExcludeExact) > 0 || len(a.cfg.MemoryExcludePatterns) > 0 {
		el, err := exclusions.New(a.cfg.MemoryExcludeExact, a.cfg.MemoryExcludePatterns)
		if err != nil {
			return fmt.Errorf("memory exclusions: %w", err)
		}
		a.excl = el
		a.log.Info("memory exclusions loaded", slog.Int("rules", el.Len()))
	}

	return nil
}

// initGateway wires the Gateway together with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	probes := map[string]proxy.Probe{
		"postgres": func(ctx context.Context) error { return a.pg.Ping(ctx) },
	}
	if a.rdb != nil {
		rdb := a.rdb
		probes["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}
	if a.ch != nil {
		ch := a.ch
		probes["clickhouse"] = func(ctx context.Context) error { return ch.Ping(ctx) }
	}
	emb := a.embed
	probes["embedder"] = func(ctx context.Context) error {
		_, err := emb.Embed(ctx, "ok")
		return err
	}
	a.health = proxy.NewHealthChecker(a.baseCtx, probes, a.prom)

	anthropicClient, googleClient := a.translators(a.baseCtx)

	var sink proxy.UsageSink
	if a.recorder != nil {
		sink = a.recorder
	}

	gw, err := proxy.New(a.baseCtx, proxy.Options{
		Logger:  a.log,
		Metrics: a.prom,

		Auth:       a.authSvc,
		Billing:    a.billingSvc,
		Usage:      sink,
		RPM:        a.rpm,
		Exclusions: a.excl,

		Embed:  a.embed,
		Vaults: a.vaults,
		Kronos: a.engine,

		Dispatch:  dispatch.New(a.log),
		Anthropic: anthropicClient,
		Google:    googleClient,

		Defaults:    a.cfg.Defaults,
		AdminSecret: a.cfg.AdminSecret,
		TopUpURL:    a.cfg.TopUpURL,
		CORSOrigins: a.cfg.CORSOrigins,
		Version:     a.version,

		Health: a.health,
	})
	if err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	a.gw = gw

	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	return nil
}
