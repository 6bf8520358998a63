package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/wa-relay-server-go/internal/config"
	"github.com/openclaw/wa-relay-server-go/internal/console"
	"github.com/openclaw/wa-relay-server-go/internal/database"
	"github.com/openclaw/wa-relay-server-go/internal/handler"
	"github.com/openclaw/wa-relay-server-go/internal/jobs"
	"github.com/openclaw/wa-relay-server-go/internal/middleware"
	"github.com/openclaw/wa-relay-server-go/internal/notify"
	"github.com/openclaw/wa-relay-server-go/internal/redis"
	"github.com/openclaw/wa-relay-server-go/internal/registry"
	"github.com/openclaw/wa-relay-server-go/internal/repository"
	"github.com/openclaw/wa-relay-server-go/internal/sse"
	"github.com/openclaw/wa-relay-server-go/internal/webhook"
	"github.com/openclaw/wa-relay-server-go/internal/whatsapp"
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

	if err := db.Migrate(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("failed to migrate database")
	}
	log.Info().Msg("database connected")

	redisClient, err := redis.NewClient(cfg.RedisURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer redisClient.Close()
	log.Info().Msg("redis connected")

	provider, err := whatsapp.NewProvider(context.Background(), cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open whatsapp device store")
	}
	defer provider.Close()

	sessionRepo := repository.NewSessionRepository(db.DB)
	deliveryRepo := repository.NewWebhookDeliveryRepository(db.DB)

	broker := sse.NewBroker(redisClient)
	defer broker.Close()

	dispatcher := webhook.NewDispatcher(cfg.WebhookTimeout(), deliveryRepo).WithSecret(cfg.WebhookSecret)

	var qrPrinter notify.Sink
	if cfg.ConsoleQR {
		qrPrinter = console.NewQRPrinter(os.Stdout)
	}

	// webhook last: it may block for the whole webhook timeout
	sinks := func(_, webhookURL string) notify.Sink {
		return notify.NewHub(broker, qrPrinter, dispatcher.For(webhookURL))
	}

	sessions := registry.New(provider, sessionRepo, sinks, registry.Options{
		ReconnectDelay:    cfg.ReconnectDelay(),
		ReconnectMaxDelay: cfg.ReconnectMaxDelay(),
		PairingTimeout:    cfg.PairingTimeout(),
		LivenessProbe:     cfg.LivenessProbe,
		QueueSize:         cfg.WebhookQueueSize,
	})

	if cfg.RestoreSessions {
		ctx, cancel := context.WithTimeout(context.Background(), config.RestoreTimeout)
		if _, err := sessions.Restore(ctx); err != nil {
			log.Error().Err(err).Msg("failed to restore sessions")
		}
		cancel()
	}

	authMiddleware := middleware.NewAuthMiddleware(cfg.APIToken)
	bodyLimitMiddleware := middleware.NewBodyLimitMiddleware(0)
	securityHeadersMiddleware := middleware.NewSecurityHeadersMiddleware(isProduction)
	sendRateLimitMiddleware := middleware.NewRateLimitMiddleware(
		middleware.NewRedisRateLimiter(redisClient.Client),
		cfg.SendRateLimitPerMin,
		func(r *http.Request) string {
			session, err := sessions.Resolve(chi.URLParam(r, "ref"))
			if err != nil {
				return ""
			}
			return "send:" + session.ID
		},
	)

	instanceHandler := handler.NewInstanceHandler(sessions, deliveryRepo)
	eventsHandler := handler.NewEventsHandler(sessions, broker)
	healthHandler := handler.NewHealthHandler(func() int { return len(sessions.List()) })

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(securityHeadersMiddleware.Handler)
	r.Use(bodyLimitMiddleware.Handler)

	r.Get("/health", healthHandler.ServeHTTP)

	r.Route("/v1/instances", func(r chi.Router) {
		r.Use(authMiddleware.Handler)

		// streams outlive the request timeout
		r.Get("/{ref}/events", eventsHandler.ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))

			r.Post("/", instanceHandler.Create)
			r.Get("/", instanceHandler.List)
			r.Get("/{ref}", instanceHandler.Get)
			r.Get("/{ref}/qrcode", instanceHandler.QRCode)
			r.Get("/{ref}/deliveries", instanceHandler.Deliveries)
			r.With(sendRateLimitMiddleware.Handler).Post("/{ref}/messages", instanceHandler.SendMessage)
			r.With(sendRateLimitMiddleware.Handler).Post("/{ref}/message", instanceHandler.SendMessage)
			r.Delete("/{ref}", instanceHandler.Remove)
		})
	})

	cleanupJob := jobs.NewCleanupJob(deliveryRepo, cfg.WebhookLogRetention(), config.CleanupJobInterval)
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

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	sessions.Close(shutdownCtx)

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
