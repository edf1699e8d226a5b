// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra    — external connections (Postgres, Redis, ClickHouse)
//  2. initMemory   — embedder, vault registry, retrieval engine
//  3. initServices — auth, billing, usage accounting, rate limiting
//  4. initGateway  — proxy + management routes
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/memory-router/internal/auth"
	"github.com/nulpointcorp/memory-router/internal/billing"
	"github.com/nulpointcorp/memory-router/internal/blocklist"
	"github.com/nulpointcorp/memory-router/internal/config"
	"github.com/nulpointcorp/memory-router/internal/embedder"
	"github.com/nulpointcorp/memory-router/internal/exclusions"
	"github.com/nulpointcorp/memory-router/internal/kronos"
	"github.com/nulpointcorp/memory-router/internal/metrics"
	"github.com/nulpointcorp/memory-router/internal/providers/anthropic"
	"github.com/nulpointcorp/memory-router/internal/providers/google"
	"github.com/nulpointcorp/memory-router/internal/proxy"
	"github.com/nulpointcorp/memory-router/internal/ratelimit"
	"github.com/nulpointcorp/memory-router/internal/usage"
	"github.com/nulpointcorp/memory-router/internal/vault"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// External connections. Postgres is required; the rest are nil when
	// not configured.
	pg  *pgxpool.Pool
	rdb *redis.Client
	ch  driver.Conn

	embed  *embedder.Embedder
	vaults *vault.Registry
	engine *kronos.Engine

	prom       *metrics.Registry
	authSvc    *auth.Service
	blocked    *blocklist.List
	billingSvc *billing.Service
	recorder   *usage.Recorder
	rollup     *usage.Rollup
	rpm        *ratelimit.RPMLimiter
	excl       *exclusions.List

	health *proxy.HealthChecker
	mgmt   *proxy.ManagementRoutes
	gw     *proxy.Gateway
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"memory", a.initMemory},
		{"services", a.initServices},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and the background loops, blocking until ctx is
// cancelled or a fatal error occurs. It closes the app when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	a.log.Info("starting memory router",
		slog.String("version", a.version),
		slog.String("addr", addr),
		slog.Int("embed_dims", a.cfg.Embed.Dims),
		slog.Bool("billing", a.billingSvc != nil),
		slog.Bool("usage_sink", a.recorder != nil),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.StartWithRoutes(addr, a.mgmt)
	})

	// Periodic vault snapshot flush.
	g.Go(func() error {
		return a.vaults.Run(gctx)
	})

	if a.rollup != nil {
		g.Go(func() error {
			a.rollup.Run(gctx)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times.
func (a *App) Close() {
	if a.gw != nil {
		a.gw.Close()
		a.gw = nil
	}
	if a.health != nil {
		a.health.Close()
		a.health = nil
	}
	if a.recorder != nil {
		if err := a.recorder.Close(); err != nil {
			a.log.Error("usage recorder close error", slog.String("error", err.Error()))
		}
		a.recorder = nil
	}
	if a.vaults != nil {
		a.vaults.Close()
		a.vaults = nil
	}
	if a.ch != nil {
		if err := a.ch.Close(); err != nil {
			a.log.Error("clickhouse close error", slog.String("error", err.Error()))
		}
		a.ch = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
	if a.pg != nil {
		a.pg.Close()
		a.pg = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error — callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// connectClickHouse opens the usage-event sink connection and verifies it.
func connectClickHouse(ctx context.Context, dsn string) (driver.Conn, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.Ping(pingCtx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return conn, nil
}

// kronosConfig converts the configured window sizes to engine durations,
// falling back to the production defaults for zero values.
func kronosConfig(kc config.KronosConfig) kronos.Config {
	cfg := kronos.DefaultConfig()
	if kc.HotHours > 0 {
		cfg.Hot = time.Duration(kc.HotHours) * time.Hour
	}
	if kc.SessionHotHours > 0 {
		cfg.SessionHot = time.Duration(kc.SessionHotHours) * time.Hour
	}
	if kc.WorkingDays > 0 {
		cfg.Working = time.Duration(kc.WorkingDays) * 24 * time.Hour
	}
	if kc.LongTermDays > 0 {
		cfg.LongTerm = time.Duration(kc.LongTermDays) * 24 * time.Hour
	}
	return cfg
}

// translators builds the Anthropic and Google translation clients from the
// router-level default keys. Per-request keys override these at call time.
func (a *App) translators(ctx context.Context) (*anthropic.Client, *google.Client) {
	return anthropic.New(a.cfg.Defaults.Anthropic),
		google.New(ctx, a.cfg.Defaults.Google)
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
