package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/multisession-server-go/internal/config"
	"github.com/openclaw/multisession-server-go/internal/connector"
	"github.com/openclaw/multisession-server-go/internal/connector/bridge"
	"github.com/openclaw/multisession-server-go/internal/connector/discord"
	"github.com/openclaw/multisession-server-go/internal/database"
	"github.com/openclaw/multisession-server-go/internal/handler"
	"github.com/openclaw/multisession-server-go/internal/jobs"
	"github.com/openclaw/multisession-server-go/internal/middleware"
	"github.com/openclaw/multisession-server-go/internal/model"
	"github.com/openclaw/multisession-server-go/internal/redis"
	"github.com/openclaw/multisession-server-go/internal/repository"
	"github.com/openclaw/multisession-server-go/internal/service"
	"github.com/openclaw/multisession-server-go/internal/sse"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	var sessionRepo repository.SessionRepository
	if cfg.DatabaseURL == "" {
		sessionRepo = repository.NewMemorySessionRepository()
	} else {
		db, err := database.Connect(cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		defer db.Close()

		ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
		if err := db.Ping(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to ping database")
		}
		if err := db.EnsureSchema(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to apply database schema")
		}
		cancel()
		log.Info().Msg("database connected")

		sessionRepo = repository.NewSessionRepository(db.DB)
	}

	var redisClient *redis.Client
	var limiter middleware.Limiter = middleware.NewRateLimiter()
	if cfg.RedisURL != "" {
		redisClient, err = redis.NewClient(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisClient.Close()
		log.Info().Msg("redis connected")

		limiter = middleware.NewRedisRateLimiter(redisClient.Client)
	}

	broker := sse.NewBroker(redisClient)
	defer broker.Close()

	registry := buildRegistry(cfg)

	logCollector := service.NewLogCollector(cfg.LogRetention)
	pairingService := service.NewPairingService(cfg.PairingTTL())
	controller := service.NewSessionController(
		sessionRepo, registry, pairingService, logCollector, broker, cfg.ConnectorTimeout(),
	)
	sessionService := service.NewSessionService(sessionRepo, controller, logCollector, broker)
	bulkCoordinator := service.NewBulkActionCoordinator(controller, cfg.BulkConcurrency)
	analytics := service.NewAnalyticsAggregator(
		sessionRepo, logCollector, cfg.AnalyticsWindow(), cfg.AnalyticsBucket(),
	)

	reconcileCtx, reconcileCancel := context.WithTimeout(context.Background(), config.ReconcileTimeout)
	if _, err := controller.Reconcile(reconcileCtx); err != nil {
		log.Fatal().Err(err).Msg("failed to reconcile sessions")
	}
	reconcileCancel()

	rateLimitMiddleware := middleware.NewRateLimitMiddleware(limiter, cfg.RateLimitPerMin)
	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(0)
	securityHeadersMiddleware := middleware.NewSecurityHeadersMiddleware(cfg.IsProduction())

	botsHandler := handler.NewBotsHandler(
		controller, sessionService, pairingService, logCollector, rateLimitMiddleware.Handler,
	)
	multiSessionHandler := handler.NewMultiSessionHandler(
		sessionService,
		bulkCoordinator,
		handler.NewEventsHandler(broker),
		handler.NewWSHandler(broker, cfg.WSOriginPatterns...),
	)
	analyticsHandler := handler.NewAnalyticsHandler(analytics)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(bodyLimitMiddleware.Handler)
	r.Use(securityHeadersMiddleware.Handler)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"status":     "ok",
			"timestamp":  time.Now().UnixMilli(),
			"platforms":  registry.Platforms(),
			"sseClients": broker.TotalClients(),
		})
	})

	// Streaming routes are mounted outside the request timeout.
	r.Group(func(r chi.Router) {
		r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
		r.Mount("/bots", botsHandler.Routes())
		r.Mount("/api/analytics", analyticsHandler.Routes())
	})
	r.Mount("/api/multisessions", multiSessionHandler.Routes())

	healthMonitor := jobs.NewHealthMonitor(
		sessionRepo, registry, controller,
		cfg.HealthInterval(), cfg.HealthFailureThreshold, cfg.HealthProbeTimeout(),
	)
	healthMonitor.Start()
	defer healthMonitor.Stop()

	expiryJob := jobs.NewPairingExpiryJob(pairingService, cfg.PairingSweepInterval())
	expiryJob.Start()
	defer expiryJob.Stop()

	refreshJob, err := jobs.NewAnalyticsRefreshJob(analytics, broker, cfg.AnalyticsRefreshSchedule)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid analytics schedule")
	}
	refreshJob.RunOnce()
	refreshJob.Start()
	defer refreshJob.Stop()

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down server")

	// Event streams only end when their subscriptions close.
	broker.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

// buildRegistry registers the in-process Discord connector and a bridge
// connector for every configured sidecar. A sidecar endpoint for a platform
// replaces the in-process connector.
func buildRegistry(cfg *config.Config) *connector.Registry {
	registry := connector.NewRegistry()

	if cfg.DiscordEnabled {
		registry.Register(model.PlatformDiscord, discord.New())
	}

	var opts []bridge.Option
	if cfg.PublicURL != "" {
		opts = append(opts, bridge.WithCallbackURL(strings.TrimRight(cfg.PublicURL, "/")+"/bots"))
	}

	platforms := make([]string, 0, len(cfg.ConnectorEndpoints))
	for p := range cfg.ConnectorEndpoints {
		platforms = append(platforms, p)
	}
	sort.Strings(platforms)

	for _, p := range platforms {
		platform := model.Platform(p)
		c, err := bridge.New(platform, cfg.ConnectorEndpoints[p], opts...)
		if err != nil {
			log.Fatal().Err(err).Str("platform", p).Msg("failed to configure connector")
		}
		registry.Register(platform, c)
		log.Info().Str("platform", p).Str("endpoint", cfg.ConnectorEndpoints[p]).Msg("bridge connector registered")
	}

	log.Info().Interface("platforms", registry.Platforms()).Msg("connectors ready")
	return registry
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
