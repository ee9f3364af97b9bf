package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"

	"reward-decision-api/internal/cache"
	"reward-decision-api/internal/config"
	"reward-decision-api/internal/database"
	"reward-decision-api/internal/engine"
	"reward-decision-api/internal/events"
	"reward-decision-api/internal/features"
	"reward-decision-api/internal/handler"
	"reward-decision-api/internal/logging"
	"reward-decision-api/internal/middleware"
	"reward-decision-api/internal/rewards"
	"reward-decision-api/internal/simulator"
	"reward-decision-api/internal/tracing"
)

var version = "dev"

func main() {
	configFile := flag.String("config", "", "Path to a JSON config file")
	seedProgram := flag.String("seed", "", "Seed a demo campaign for this program id and exit")
	flag.Parse()

	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		logrus.Fatalf("Invalid configuration: %v", err)
	}

	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format, os.Stdout)

	if err := run(cfg, logger, *seedProgram); err != nil {
		logger.WithError(err).Fatal("server stopped")
	}
}

func run(cfg *config.Config, logger *logrus.Logger, seedProgram string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracer, err := tracing.InitTracing(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		Version:     version,
		Environment: cfg.Tracing.Environment,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(shutdownCtx); err != nil {
			logging.LogError(logger, "main", "run", "tracing shutdown", nil, err)
		}
	}()

	db, err := database.NewDB(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer db.Close()

	if seedProgram != "" {
		campaign, err := db.SeedDemo(ctx, seedProgram)
		if err != nil {
			return fmt.Errorf("failed to seed demo campaign: %w", err)
		}
		logger.WithFields(logrus.Fields{
			"program_id":  seedProgram,
			"campaign_id": campaign.ID,
			"version":     campaign.CurrentVersion.Version,
		}).Info("demo campaign seeded")
		return nil
	}

	flags := features.NewDefaultManager(cfg.Features.CampaignCache, cfg.Features.DecisionEvents, cfg.Features.SimulatorAPI)

	location, err := cfg.Location()
	if err != nil {
		return err
	}

	var campaigns engine.CampaignSource
	if flags.IsEnabled(features.FeatureCampaignCache) {
		store, closeCache := newCacheStore(ctx, cfg.Redis, logger)
		defer closeCache()
		campaigns = cache.NewCampaignCache(store, db, cfg.Redis.TTL.Duration, logger.WithField("module", "cache"))
	}

	provider, err := newProvider(cfg.Rewards)
	if err != nil {
		return err
	}

	eventManager := events.NewManager(flags.IsEnabled(features.FeatureDecisionEvents), logger.WithField("module", "events"))
	subscribeAudit(eventManager, logger.WithField("module", "audit"))
	defer eventManager.Shutdown()

	eng := engine.New(db, provider, engine.Options{
		Campaigns:    campaigns,
		Events:       eventManager,
		Logger:       logger.WithField("module", "engine"),
		Tracer:       tracer,
		IssueTimeout: cfg.Engine.IssueTimeout.Duration,
		StoreTimeout: cfg.Engine.StoreTimeout.Duration,
		Location:     location,
	})

	h := handler.NewHandler(eng, db, simulator.New(cfg.Engine.RateSampleLimit), flags, handler.NewHandlerOptions{
		MaxBodySize: cfg.Security.MaxRequestBodySize,
		Logger:      logger.WithField("module", "handler"),
	})

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(logger.WithField("module", "http")))
	r.Use(chimw.Recoverer)
	r.Use(middleware.TracingMiddleware(serviceName(cfg)))

	if cfg.RateLimit.Enabled {
		limiter := middleware.NewRateLimiter(cfg.RateLimit.Rate, time.Duration(cfg.RateLimit.Window)*time.Second)
		defer limiter.Stop()
		r.Use(middleware.RateLimitMiddleware(limiter))
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: splitOrigins(cfg.Security.AllowedOrigins),
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-RateLimit-Limit", "X-RateLimit-Remaining"},
		MaxAge:         300,
	}))

	h.Routes(r)

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithFields(logrus.Fields{
			"addr":         server.Addr,
			"tls":          cfg.Server.EnableTLS,
			"database":     cfg.Database.Path,
			"rewards_mode": cfg.Rewards.Mode,
			"features":     flags.List(),
		}).Info("starting server")

		var err error
		if cfg.Server.EnableTLS {
			err = server.ListenAndServeTLS(cfg.Server.CertFile, cfg.Server.KeyFile)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}

// newCacheStore connects to Redis when configured and falls back to the
// in-process cache otherwise.
func newCacheStore(ctx context.Context, cfg config.RedisConfig, logger logrus.FieldLogger) (cache.Cache, func()) {
	if cfg.Addr == "" {
		return cache.NewInMemoryCache(), func() {}
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	rc, err := cache.NewRedisCache(pingCtx, cfg.Addr, cfg.Password, cfg.DB, cfg.Prefix)
	if err != nil {
		logger.WithError(err).WithField("addr", cfg.Addr).Warn("redis unavailable, using in-memory campaign cache")
		return cache.NewInMemoryCache(), func() {}
	}
	return rc, func() { rc.Close() }
}

func newProvider(cfg config.RewardsConfig) (rewards.Provider, error) {
	switch cfg.Mode {
	case config.RewardsModeHTTP:
		return rewards.NewHTTPProvider(cfg.Endpoint, cfg.APIKey, cfg.Timeout.Duration)
	default:
		return rewards.NewMockProvider(), nil
	}
}

func subscribeAudit(m *events.Manager, logger logrus.FieldLogger) {
	audit := func(_ context.Context, e events.Event) error {
		data, ok := e.Data.(events.DecisionData)
		if !ok {
			return fmt.Errorf("unexpected payload %T", e.Data)
		}
		logger.WithFields(logrus.Fields{
			"event":          string(e.Type),
			"decision_id":    data.Decision.ID,
			"transaction_id": data.Decision.TransactionID,
			"program_id":     data.Decision.ProgramID,
			"counter":        data.Decision.CounterValue,
			"rule_id":        data.Decision.MatchedRuleID,
			"voucher_code":   data.Decision.VoucherCode,
			"reason":         data.Reason,
			"duplicate":      data.IsDuplicate,
		}).Info("decision event")
		return nil
	}
	m.Subscribe(events.EventDecisionIssued, audit)
	m.Subscribe(events.EventDecisionNoReward, audit)
	m.Subscribe(events.EventDecisionIssueFailed, audit)
}

func serviceName(cfg *config.Config) string {
	if cfg.Tracing.ServiceName != "" {
		return cfg.Tracing.ServiceName
	}
	return tracing.DefaultServiceName
}

func splitOrigins(raw string) []string {
	var origins []string
	for _, o := range strings.Split(raw, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
