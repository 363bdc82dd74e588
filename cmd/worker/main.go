// The worker runs everything asynchronous: the task consumers, the PMS
// event consumer, the delayed-task mover and the cron schedule (polls,
// token refresh, nightly reconciliation, expired-reservation sweep).
//
// Run as many worker processes as needed; every queue they share lives in
// Redis, so scaling out is starting another instance with a unique
// WORKER_ID.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/ferienwerk/channelmanager/config"
	"github.com/ferienwerk/channelmanager/internal/adapter"
	"github.com/ferienwerk/channelmanager/internal/breaker"
	"github.com/ferienwerk/channelmanager/internal/events"
	"github.com/ferienwerk/channelmanager/internal/model"
	"github.com/ferienwerk/channelmanager/internal/notify"
	"github.com/ferienwerk/channelmanager/internal/payment"
	"github.com/ferienwerk/channelmanager/internal/ratelimit"
	"github.com/ferienwerk/channelmanager/internal/repository"
	"github.com/ferienwerk/channelmanager/internal/service"
	"github.com/ferienwerk/channelmanager/internal/task"
	"github.com/ferienwerk/channelmanager/pkg/cache"
	"github.com/ferienwerk/channelmanager/pkg/db"
	"github.com/ferienwerk/channelmanager/pkg/lock"
)

const expireSweepBatch = 100

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

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Connect to PostgreSQL ───────────────────────────
	pgPool, err := db.NewPostgresPool(ctx, cfg.Postgres)
	if err != nil {
		logger.Fatal("failed to connect to PostgreSQL", zap.Error(err))
	}
	defer pgPool.Close()
	logger.Info("postgres connected")

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
	mailer := notify.NewLogMailer(logger)

	reservationSvc := service.NewReservationService(
		bookingRepo, guestRepo, propertyRepo, calendarRepo, paymentRepo,
		processor, locker, queue, publisher, logger,
	)
	syncSvc := service.NewSyncService(
		connectionRepo, bookingRepo, calendarRepo, guestRepo, propertyRepo,
		syncLogRepo, adapters, limiter, breakers, queue, publisher,
		redisClient, oauthEndpoints(cfg), logger,
	)
	notifyHandlers := service.NewNotifyHandlers(bookingRepo, guestRepo, propertyRepo, mailer, logger)

	// ── Task consumers ──────────────────────────────────
	handlers := map[string]task.Handler{
		task.TypeAvailabilityPush:   syncSvc.HandleAvailabilityPush,
		task.TypePricingPush:        syncSvc.HandlePricingPush,
		task.TypeBookingImport:      syncSvc.HandleBookingImport,
		task.TypeBookingFanout:      syncSvc.HandleBookingFanout,
		task.TypeCancelImport:       syncSvc.HandleCancelImport,
		task.TypeUpdateImport:       syncSvc.HandleUpdateImport,
		task.TypePollChannel:        syncSvc.HandlePollChannel,
		task.TypeBookingExpire:      reservationSvc.HandleExpireTask,
		task.TypeNotifyConfirmation: notifyHandlers.HandleConfirmation,
		task.TypeNotifyCancellation: notifyHandlers.HandleCancellation,
		task.TypeNotifyInvitation:   notifyHandlers.HandleInvitation,
	}

	var wg sync.WaitGroup
	for i := 0; i < cfg.Worker.Concurrency; i++ {
		consumer := queue.Worker(fmt.Sprintf("worker-%s-%d", cfg.Worker.ID, i), handlers)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("task consumer stopped", zap.Error(err))
			}
		}()
	}
	logger.Info("task consumers started", zap.Int("concurrency", cfg.Worker.Concurrency))

	// ── Delayed-task mover ──────────────────────────────
	wg.Add(1)
	go func() {
		defer wg.Done()
		queue.RunDelayMover(ctx)
	}()

	// ── PMS event consumer ──────────────────────────────
	eventConsumer := events.NewConsumer(redisClient, "worker-"+cfg.Worker.ID, syncSvc.EventHandlers(), logger)
	if err := eventConsumer.EnsureGroup(ctx); err != nil {
		logger.Fatal("failed to create event consumer group", zap.Error(err))
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ctx.Err() == nil {
			if err := eventConsumer.Tick(ctx); err != nil && ctx.Err() == nil {
				logger.Error("event consume pass failed", zap.Error(err))
				time.Sleep(time.Second)
			}
		}
	}()

	// ── Cron schedule ───────────────────────────────────
	cronRunner := cron.New(cron.WithChain(
		cron.SkipIfStillRunning(cronLogger{logger}),
	))
	mustSchedule := func(spec, name string, job func(context.Context) error) {
		_, err := cronRunner.AddFunc(spec, func() {
			jobCtx, cancel := context.WithTimeout(ctx, 10*time.Minute)
			defer cancel()
			if err := job(jobCtx); err != nil && ctx.Err() == nil {
				logger.Error("cron job failed", zap.String("job", name), zap.Error(err))
			}
		})
		if err != nil {
			logger.Fatal("bad cron spec", zap.String("job", name), zap.Error(err))
		}
	}

	mustSchedule("*/5 * * * *", "poll_channels", syncSvc.PollAllConnections)
	mustSchedule("0 * * * *", "refresh_tokens", syncSvc.RefreshTokens)
	mustSchedule("0 2 * * *", "reconcile_availability", syncSvc.Reconcile)
	mustSchedule("*/10 * * * *", "sweep_expired_reservations", func(jobCtx context.Context) error {
		_, err := reservationSvc.SweepExpiredReservations(jobCtx, expireSweepBatch)
		return err
	})
	cronRunner.Start()

	// ── Health and metrics ──────────────────────────────
	router := mux.NewRouter()
	router.HandleFunc("/health", healthHandler(pgPool, redisClient)).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	srv := &http.Server{Addr: cfg.Worker.WorkerAddr(), Handler: router}
	go func() {
		logger.Info("worker listening", zap.String("addr", cfg.Worker.WorkerAddr()))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("worker http error", zap.Error(err))
		}
	}()

	// ── Graceful shutdown ───────────────────────────────
	<-ctx.Done()
	logger.Info("shutting down worker")

	<-cronRunner.Stop().Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("worker http shutdown failed", zap.Error(err))
	}

	wg.Wait()
	logger.Info("worker stopped")
}

// cronLogger adapts zap to the cron package's logging interface.
type cronLogger struct{ logger *zap.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Infow("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Sugar().Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
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

// ─── Health ──────────────────────────────────────────────────

type healthResponse struct {
	Status   string            `json:"status"`
	Services map[string]string `json:"services"`
}

func healthHandler(pgPool *pgxpool.Pool, redisClient *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{
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
