package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/oncopharm/cdss/internal/config"
	"github.com/oncopharm/cdss/internal/domain/adverseevent"
	"github.com/oncopharm/cdss/internal/domain/episode"
	"github.com/oncopharm/cdss/internal/domain/risk"
	"github.com/oncopharm/cdss/internal/ingest"
	"github.com/oncopharm/cdss/internal/platform/auth"
	"github.com/oncopharm/cdss/internal/platform/db"
	"github.com/oncopharm/cdss/internal/platform/hl7v2"
	"github.com/oncopharm/cdss/internal/platform/metrics"
	"github.com/oncopharm/cdss/internal/platform/middleware"
)

const systemName = "OncoPharm Integration Module"

// storeHandle is an opened episode store and whatever must be closed with it.
type storeHandle struct {
	backend string
	store   *episode.Store
	pool    *pgxpool.Pool
	close   func()
}

func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*storeHandle, error) {
	policy := episode.RetryPolicy{
		Attempts:  cfg.StoreRetryAttempts,
		Backoff:   cfg.StoreRetryBackoff,
		OpTimeout: cfg.StoreOpTimeout,
	}
	h := &storeHandle{backend: cfg.StoreBackend, close: func() {}}

	var repo episode.Repository
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		pool, err := db.NewPool(ctx, db.PoolConfig{
			URL:      cfg.DatabaseURL,
			MaxConns: cfg.DBMaxConns,
			MinConns: cfg.DBMinConns,
		}, logger)
		if err != nil {
			return nil, err
		}
		h.pool = pool
		h.close = pool.Close
		repo = episode.NewEpisodeRepoPG(pool)
	case config.BackendSQLite:
		r, closeFn, err := episode.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		h.close = func() {
			if err := closeFn(); err != nil {
				logger.Error().Err(err).Msg("close sqlite store")
			}
		}
		repo = r
	case config.BackendMemory:
		repo = episode.NewMemoryRepo()
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}

	h.store = episode.NewStore(repo, policy, logger)
	logger.Info().Str("backend", cfg.StoreBackend).Msg("episode store ready")
	return h, nil
}

// app holds the wired service.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	st       *storeHandle
	recorder *metrics.Recorder
	detector *adverseevent.Detector
	gateway  *ingest.Gateway
	risk     *risk.Aggregator
	echo     *echo.Echo
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	table := adverseevent.DefaultTerminology()
	if cfg.AETerminologyFile != "" {
		t, err := adverseevent.LoadTerminology(cfg.AETerminologyFile)
		if err != nil {
			return nil, err
		}
		table = t
	}

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		st:       st,
		recorder: metrics.NewRecorder(),
		detector: adverseevent.NewDetector(table),
	}
	if st.pool != nil {
		a.recorder.RegisterPool(st.pool)
	}
	a.gateway = ingest.NewGateway(st.store, nil, a.recorder, logger)
	a.risk = risk.NewAggregator(st.store, a.detector, risk.Config{
		RenalThresholdMgDL: cfg.RenalThresholdMgDL,
		Observer:           a.recorder,
	}, logger)
	a.echo = a.routes()
	return a, nil
}

func (a *app) routes() *echo.Echo {
	cfg := a.cfg
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(a.recorder.Middleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))

	// Auth middleware
	if cfg.IsDev() && cfg.AuthSigningKey == "" {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	api := e.Group("/api/v1", middleware.RateLimit(rateLimitCfg))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status": "online",
			"system": systemName,
		})
	})
	e.GET("/health/db", db.HealthHandler(a.st.backend, a.st.store, a.st.pool))
	e.GET("/metrics", echo.WrapHandler(a.recorder.Handler()))

	ingest.NewHandler(a.gateway).RegisterRoutes(api)
	episode.NewHandler(a.st.store).RegisterRoutes(api)
	adverseevent.NewHandler(a.detector).RegisterRoutes(api)
	risk.NewHandler(a.risk).RegisterRoutes(api)

	return e
}

// Run serves HTTP, and MLLP and the simulated feed when configured, until ctx
// ends or one of them fails.
func (a *app) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	addr := ":" + a.cfg.Port
	g.Go(func() error {
		a.logger.Info().Str("addr", addr).Msg("starting server")
		if err := a.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		a.logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.echo.Shutdown(shutdownCtx)
	})

	if a.cfg.MLLPAddr != "" {
		srv := hl7v2.NewMLLPServer(a.cfg.MLLPAddr, ingest.MLLPHandler(a.gateway), a.logger)
		g.Go(func() error { return srv.Serve(ctx) })
	}

	if a.cfg.FeedEnabled {
		feed := ingest.NewSimulatedFeed(ingest.FeedConfig{
			Interval: a.cfg.FeedInterval,
			Patients: a.cfg.FeedPatients,
		})
		g.Go(func() error {
			defer feed.Stop()
			return ingest.NewRunner("simulator", feed, a.gateway, a.logger).Run(ctx)
		})
	}

	err := g.Wait()
	a.logger.Info().Msg("server stopped")
	return err
}

func (a *app) Close() {
	a.st.close()
}
