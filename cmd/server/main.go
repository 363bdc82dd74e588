package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ferienwerk/channelmanager/config"
	"github.com/ferienwerk/channelmanager/internal/adapter"
	"github.com/ferienwerk/channelmanager/internal/breaker"
	"github.com/ferienwerk/channelmanager/internal/events"
	"github.com/ferienwerk/channelmanager/internal/handler"
	"github.com/ferienwerk/channelmanager/internal/middleware"
	"github.com/ferienwerk/channelmanager/internal/model"
	"github.com/ferienwerk/channelmanager/internal/payment"
	"github.com/ferienwerk/channelmanager/internal/ratelimit"
	"github.com/ferienwerk/channelmanager/internal/repository"
	"github.com/ferienwerk/channelmanager/internal/service"
	"github.com/ferienwerk/channelmanager/internal/task"
	"github.com/ferienwerk/channelmanager/pkg/cache"
	"github.com/ferienwerk/channelmanager/pkg/db"
	"github.com/ferienwerk/channelmanager/pkg/lock"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	// ── Load configuration ──────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	ctx := context.Background()

	// ── Connect to PostgreSQL ───────────────────────────
	pgPool, err := db.NewPostgresPool(ctx, cfg.Postgres)
	if err != nil {
		logger.Fatal("failed to connect to PostgreSQL", zap.Error(err))
	}
	defer pgPool.Close()
	logger.Info("postgres connected")

	// ── Apply migrations ────────────────────────────────
	if err := db.Migrate(cfg.Postgres.DSN()); err != nil {
		logger.Fatal("failed to apply migrations", zap.Error(err))
	}
	logger.Info("migrations applied")

	// ── Connect to Redis ────────────────────────────────
	redisClient, err := cache.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		logger.Fatal("failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("redis connected")

	// ── Initialize layers ───────────────────────────────
	bookingRepo := repository.NewBookingRepository(pgPool)
	connectionRepo := repository.NewConnectionRepository(pgPool, redisClient)
	calendarRepo := repository.NewCalendarRepository(pgPool)
	guestRepo := repository.NewGuestRepository(pgPool)
	propertyRepo := repository.NewPropertyRepository(pgPool)
	syncLogRepo := repository.NewSyncLogRepository(pgPool)
	paymentRepo := repository.NewPaymentRepository(pgPool)

	limiter := ratelimit.New(redisClient, rateLimitOverrides(cfg))
	breakers := breaker.NewManager(redisClient, circuitOverrides(cfg), breaker.Options{
		Exclude:   adapter.CircuitExcluded,
		ErrorType: adapter.ErrorTypeLabel,
	}, logger)
	adapters := adapter.NewFactory(logger, cfg.Channels.GoogleJWKSURL, cfg.Channels.GoogleAudience)
	queue := task.NewQueue(redisClient, logger)
	publisher := events.NewPublisher(redisClient)
	locker := lock.New(redisClient)
	processor := payment.NewClient(cfg.Stripe.APIKey, cfg.Stripe.WebhookSecret, logger)

	reservationSvc := service.NewReservationService(
		bookingRepo, guestRepo, propertyRepo, calendarRepo, paymentRepo,
		processor, locker, queue, publisher, logger,
	)
	syncSvc := service.NewSyncService(
		connectionRepo, bookingRepo, calendarRepo, guestRepo, propertyRepo,
		syncLogRepo, adapters, limiter, breakers, queue, publisher,
		redisClient, oauthEndpoints(cfg), logger,
	)

	bookingHandler := handler.NewBookingHandler(reservationSvc, syncSvc, logger)
	webhookHandler := handler.NewWebhookHandler(
		connectionRepo, adapters, queue, redisClient,
		webhookSecrets(cfg), cfg.Webhook.RequireSignature, logger,
	)
	stripeHandler := handler.NewStripeHandler(processor, reservationSvc, redisClient, logger)

	// ── Setup router ────────────────────────────────────
	router := mux.NewRouter()
	router.Use(middleware.Recoverer(logger))
	router.Use(middleware.RequestLogger(logger))

	router.HandleFunc("/health", healthHandler(pgPool, redisClient)).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()

	// Direct bookings
	api.HandleFunc("/bookings", bookingHandler.CreateBooking).Methods(http.MethodPost)
	api.HandleFunc("/bookings/check-availability", bookingHandler.CheckAvailability).Methods(http.MethodPost)
	api.HandleFunc("/bookings/{id}", bookingHandler.GetBooking).Methods(http.MethodGet)
	api.HandleFunc("/bookings/{id}/confirm", bookingHandler.ConfirmBooking).Methods(http.MethodPost)
	api.HandleFunc("/bookings/{id}/cancel", bookingHandler.CancelBooking).Methods(http.MethodPost)
	api.HandleFunc("/bookings/{id}/resend-confirmation", bookingHandler.ResendConfirmation).Methods(http.MethodPost)
	api.HandleFunc("/bookings/{id}/calendar-export", bookingHandler.CalendarExport).Methods(http.MethodGet)

	// Guests and calendar
	api.HandleFunc("/guests/{guest_id}/invite", bookingHandler.InviteGuest).Methods(http.MethodPost)
	api.HandleFunc("/properties/{property_id}/calendar", bookingHandler.UpdateCalendar).Methods(http.MethodPatch)

	// Webhooks. The fixed paths must register before the {channel}
	// pattern or mux routes them into it.
	api.HandleFunc("/webhooks/stripe", stripeHandler.Receive).Methods(http.MethodPost)
	api.HandleFunc("/webhooks/health", webhookHandler.Health).Methods(http.MethodGet)
	api.HandleFunc("/webhooks/{channel}", webhookHandler.Receive).Methods(http.MethodPost)

	// Wrap with CORS so browser clients can call the API.
	root := middleware.CORS(router)

	// ── Start HTTP server ───────────────────────────────
	srv := &http.Server{
		Addr:         cfg.Server.ServerAddr(),
		Handler:      root,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("server listening", zap.String("addr", cfg.Server.ServerAddr()))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ───────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}

// ─── Config bridges ──────────────────────────────────────────

func rateLimitOverrides(cfg *config.Config) map[model.ChannelType]ratelimit.Config {
	out := make(map[model.ChannelType]ratelimit.Config, len(cfg.Sync.RateLimits))
	for name, ov := range cfg.Sync.RateLimits {
		out[model.ChannelType(name)] = ratelimit.Config{
			MaxRequests: ov.Limit,
			Window:      ov.Window,
			Burst:       ov.Burst,
		}
	}
	return out
}

func circuitOverrides(cfg *config.Config) map[model.ChannelType]breaker.Config {
	out := make(map[model.ChannelType]breaker.Config, len(cfg.Sync.Circuits))
	for name, ov := range cfg.Sync.Circuits {
		out[model.ChannelType(name)] = breaker.Config{
			FailureThreshold: ov.FailureThreshold,
			SuccessThreshold: ov.SuccessThreshold,
			Timeout:          ov.Timeout,
			HalfOpenMaxCalls: ov.HalfOpenMaxCalls,
			Window:           ov.Window,
		}
	}
	return out
}

func oauthEndpoints(cfg *config.Config) map[model.ChannelType]adapter.TokenEndpoint {
	out := make(map[model.ChannelType]adapter.TokenEndpoint, len(cfg.Channels.Credentials))
	for name, creds := range cfg.Channels.Credentials {
		out[model.ChannelType(name)] = adapter.TokenEndpoint{
			TokenURL:     creds.TokenURL,
			ClientID:     creds.ClientID,
			ClientSecret: creds.ClientSecret,
		}
	}
	return out
}

func webhookSecrets(cfg *config.Config) map[model.ChannelType]string {
	out := make(map[model.ChannelType]string, len(cfg.Channels.Credentials))
	for name, creds := range cfg.Channels.Credentials {
		out[model.ChannelType(name)] = creds.WebhookSecret
	}
	return out
}

// ─── Health ──────────────────────────────────────────────────

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status   string            `json:"status"`
	Services map[string]string `json:"services"`
}

// healthHandler returns an HTTP handler that checks PG and Redis connectivity.
func healthHandler(pgPool *pgxpool.Pool, redisClient *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{
			Status:   "ok",
			Services: make(map[string]string),
		}

		if err := db.HealthCheck(r.Context(), pgPool); err != nil {
			resp.Status = "degraded"
			resp.Services["postgres"] = "unhealthy: " + err.Error()
		} else {
			resp.Services["postgres"] = "healthy"
		}

		if err := cache.HealthCheck(r.Context(), redisClient); err != nil {
			resp.Status = "degraded"
			resp.Services["redis"] = "unhealthy: " + err.Error()
		} else {
			resp.Services["redis"] = "healthy"
		}

		w.Header().Set("Content-Type", "application/json")
		if resp.Status != "ok" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(resp)
	}
}
