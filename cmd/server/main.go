package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/augmentos/cloud-relay-go/internal/auth"
	"github.com/augmentos/cloud-relay-go/internal/broker"
	"github.com/augmentos/cloud-relay-go/internal/config"
	"github.com/augmentos/cloud-relay-go/internal/database"
	"github.com/augmentos/cloud-relay-go/internal/handler"
	"github.com/augmentos/cloud-relay-go/internal/jobs"
	"github.com/augmentos/cloud-relay-go/internal/middleware"
	"github.com/augmentos/cloud-relay-go/internal/redis"
	"github.com/augmentos/cloud-relay-go/internal/repository"
	"github.com/augmentos/cloud-relay-go/internal/router"
	"github.com/augmentos/cloud-relay-go/internal/service"
	"github.com/augmentos/cloud-relay-go/internal/session"
	"github.com/augmentos/cloud-relay-go/internal/subscription"
	"github.com/augmentos/cloud-relay-go/internal/tpa"
	"github.com/augmentos/cloud-relay-go/internal/ws"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setLogLevel(cfg.LogLevel)

	isProduction := os.Getenv("FLY_APP_NAME") != ""
	if err := cfg.Validate(isProduction); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
	if err := db.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}
	cancel()
	log.Info().Msg("database connected")

	if cfg.RunMigrations {
		if err := database.Migrate(db.DB.DB); err != nil {
			log.Fatal().Err(err).Msg("failed to run migrations")
		}
	}

	redisClient, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisClient.Close()
	log.Info().Msg("redis connected")

	appRepo := repository.NewAppRepository(db.DB)
	userAppRepo := repository.NewUserAppRepository(db.DB)
	tpaServerRepo := repository.NewTpaServerRepository(db.DB)

	catalog := service.NewAppCatalogService(appRepo, userAppRepo, redisClient.Client, cfg.AppCacheTTL())
	webhooks := service.NewWebhookService(catalog, cfg.CloudPublicWSURL, cfg.WebhookTimeout())

	table := session.NewTable()
	registry := subscription.NewRegistry()
	streamRouter := router.New(table, registry, router.NopAudioSink{})

	tpaManager := tpa.NewManager(table, webhooks, catalog, tpa.Config{
		ActivationTimeout:   cfg.ActivationTimeout(),
		HealthCheckInterval: cfg.HealthCheckInterval(),
		MaxMissedPongs:      config.MaxMissedPongs,
		ReconnectBaseDelay:  cfg.ReconnectBaseDelay(),
		ReconnectAttempts:   cfg.ReconnectMaxAttempts,
	})
	sessionService := service.NewSessionService(table, registry, streamRouter, tpaManager, catalog, cfg.GracePeriod())
	tpaManager.SetListener(sessionService)
	lifecycleService := service.NewAppLifecycleService(sessionService, tpaManager, catalog, streamRouter)

	serverBroker := broker.NewBroker(redisClient, func(ctx context.Context, ev broker.ServerRegistered) {
		tpaManager.HandleServerRegistration(ctx, ev.PackageName)
	})
	serverBroker.Start()
	defer serverBroker.Close()

	verifier := auth.NewJWTVerifier(cfg.AuthJWTSecret)
	authMiddleware := middleware.NewAuthMiddleware(verifier)
	rateLimiter := service.NewRateLimiter(redisClient.Client)
	glassesUpgradeLimit := middleware.NewUpgradeRateLimitMiddleware(rateLimiter, cfg.UpgradeRateLimitPerMinute, time.Minute, "glasses-ws")
	tpaUpgradeLimit := middleware.NewUpgradeRateLimitMiddleware(rateLimiter, cfg.UpgradeRateLimitPerMinute, time.Minute, "tpa-ws")
	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(0)
	securityHeadersMiddleware := middleware.NewSecurityHeadersMiddleware(isProduction)

	upgrader := ws.NewUpgrader(cfg.AllowedOrigins)
	glassesHandler := handler.NewGlassesHandler(upgrader, verifier, sessionService, lifecycleService, config.ConnectionInitWait, config.GlassesPongWait)
	tpaHandler := handler.NewTpaHandler(upgrader, tpaManager, sessionService, config.ConnectionInitWait)
	tpaServerHandler := handler.NewTpaServerHandler(catalog, tpaServerRepo, serverBroker)
	sessionHandler := handler.NewSessionHandler(sessionService, lifecycleService)
	healthHandler := handler.NewHealthHandler(map[string]handler.Pinger{
		"database": db,
		"redis": handler.PingerFunc(func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}),
	})

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", healthHandler.ServeHTTP)
	r.Handle("/metrics", promhttp.Handler())

	// Long-lived sockets stay out of the request timeout.
	r.With(glassesUpgradeLimit.Handler).Get("/glasses-ws", glassesHandler.ServeHTTP)
	r.With(tpaUpgradeLimit.Handler).Get("/tpa-ws", tpaHandler.ServeHTTP)

	r.Route("/api", func(r chi.Router) {
		r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
		r.Use(bodyLimitMiddleware.Handler)
		r.Use(securityHeadersMiddleware.Handler)

		r.Mount("/tpa-server", tpaServerHandler.Routes())

		r.Group(func(r chi.Router) {
			r.Use(authMiddleware.Handler)
			r.Mount("/", sessionHandler.Routes())
		})
	})

	cleanupJob := jobs.NewCleanupJob(tpaServerRepo, sessionService, config.CleanupJobInterval)
	cleanupJob.Start()
	defer cleanupJob.Stop()

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

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	// Hijacked sockets are invisible to Shutdown; close them with 1012 first so
	// TPAs and glasses reconnect to another instance.
	sessionService.Shutdown()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
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
