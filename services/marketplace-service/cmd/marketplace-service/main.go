package main

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/delcoco95/bookauto/libs/config"
	"github.com/delcoco95/bookauto/libs/db"
	"github.com/delcoco95/bookauto/libs/httpx"
	"github.com/delcoco95/bookauto/libs/kafkax"
	otelx "github.com/delcoco95/bookauto/libs/otel"
	"github.com/delcoco95/bookauto/libs/runtime"
	"github.com/delcoco95/bookauto/services/marketplace-service/internal/booking"
	"github.com/delcoco95/bookauto/services/marketplace-service/internal/handlers"
	"github.com/delcoco95/bookauto/services/marketplace-service/internal/model"
	"github.com/delcoco95/bookauto/services/marketplace-service/internal/outbox"
	"github.com/delcoco95/bookauto/services/marketplace-service/internal/payments"
	"github.com/delcoco95/bookauto/services/marketplace-service/internal/reconcile"
	"github.com/delcoco95/bookauto/services/marketplace-service/internal/storage"
	"github.com/delcoco95/bookauto/services/marketplace-service/internal/subscriptions"
)

func main() {
	service := config.String("SERVICE_NAME", "marketplace-service")
	port, err := config.Port("PORT", "8080")
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	dbURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		panic(err)
	}
	pool, err := db.Open(ctx, dbURL)
	if err != nil {
		logger.Error("db connection failed", "err", err)
		panic(err)
	}
	defer pool.Close()

	repo := storage.NewRepository(pool)
	outboxRepo := outbox.NewRepository(pool)
	gateway := payments.NewStripeGateway(config.String("STRIPE_SECRET_KEY", ""))
	bookingSvc := booking.NewService(repo, outboxRepo, logger)
	paySvc := payments.NewService(repo, outboxRepo, gateway, logger)
	subSvc := subscriptions.New(repo, outboxRepo, logger)

	outboxPublisher := outbox.NewPublisher(pool, outboxRepo, logger, outbox.PublisherConfig{
		Brokers:   config.String("KAFKA_BROKERS", ""),
		PollEvery: 2 * time.Second,
		BatchSize: 50,
	})
	go outboxPublisher.Run(ctx)

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "db", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(config.String("KAFKA_BROKERS", ""))},
	)

	tolSeconds, err := strconv.Atoi(config.String("STRIPE_WEBHOOK_TOLERANCE_SECONDS", "300"))
	if err != nil || tolSeconds <= 0 {
		tolSeconds = 300
	}
	trialDays, _ := strconv.Atoi(config.String("SUBSCRIPTION_TRIAL_DAYS", "30"))
	h := handlers.New(repo, outboxRepo, bookingSvc, paySvc, subSvc, gateway, logger, handlers.Config{
		StripeWebhookSecret:           config.String("STRIPE_WEBHOOK_SECRET", ""),
		StripeWebhookToleranceSeconds: tolSeconds,
		StripeSecretKey:               config.String("STRIPE_SECRET_KEY", ""),
		StripePriceID:                 config.String("STRIPE_PRICE_PRO_PLAN", ""),
		CheckoutSuccessURL:            config.String("CHECKOUT_SUCCESS_URL", ""),
		CheckoutCancelURL:             config.String("CHECKOUT_CANCEL_URL", ""),
		TrialDays:                     trialDays,
	})

	mux.HandleFunc("/api/v1/appointments", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			h.CreateAppointment(w, r)
		case http.MethodGet:
			h.ListAppointments(w, r)
		default:
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/v1/appointments/detail", h.GetAppointment)
	mux.HandleFunc("/api/v1/appointments/accept", h.Transition(model.TransitionAccept))
	mux.HandleFunc("/api/v1/appointments/refuse", h.Transition(model.TransitionRefuse))
	mux.HandleFunc("/api/v1/appointments/cancel", h.Transition(model.TransitionCancel))
	mux.HandleFunc("/api/v1/appointments/complete", h.Transition(model.TransitionComplete))
	mux.HandleFunc("/api/v1/appointments/no-show", h.Transition(model.TransitionNoShow))
	mux.HandleFunc("/api/v1/appointments/deposit-intent", h.DepositIntent)
	mux.HandleFunc("/api/v1/billing/subscription", h.GetSubscription)
	mux.HandleFunc("/api/v1/billing/subscription/checkout", h.CheckoutSubscription)
	mux.HandleFunc("/api/v1/billing/webhooks/stripe", h.StripeWebhook)

	middlewares := []httpx.Middleware{
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
		httpx.WithBodyLimit(1 << 20),
		httpx.WithTimeout(30 * time.Second),
	}
	if origins := config.String("CORS_ALLOWED_ORIGINS", ""); strings.TrimSpace(origins) != "" {
		middlewares = append(middlewares, httpx.WithCORS(httpx.CORSPolicy{
			AllowedOrigins: strings.Split(origins, ","),
			AllowedMethods: []string{http.MethodGet, http.MethodPost},
			AllowedHeaders: []string{"Content-Type", "Authorization", "Idempotency-Key"},
			MaxAge:         10 * time.Minute,
		}))
	}
	limit, _ := strconv.Atoi(config.String("RATE_LIMIT_PER_MINUTE", "120"))
	if redisURL := config.String("REDIS_URL", ""); strings.TrimSpace(redisURL) != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			logger.Error("invalid REDIS_URL", "err", err)
			panic(err)
		}
		rdb := redis.NewClient(opts)
		limiter := httpx.NewRedisRateLimiter(rdb, limit, time.Minute, service)
		middlewares = append(middlewares, limiter.Middleware(logger, true))
	} else {
		// Single-instance fallback: per-process fixed window.
		middlewares = append(middlewares, httpx.NewRateLimiter(limit, time.Minute).Middleware())
	}

	handler := httpx.Chain(mux, middlewares...)
	handler = otelhttp.NewHandler(handler, "marketplace")
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	// Periodic gateway reconciliation self-heals subscription state when
	// webhooks were missed.
	if isTruthy(config.String("STRIPE_RECONCILE_ENABLED", "false")) {
		intervalSeconds, _ := strconv.Atoi(config.String("STRIPE_RECONCILE_INTERVAL_SECONDS", "300"))
		if intervalSeconds <= 0 {
			intervalSeconds = 300
		}
		batchSize, _ := strconv.Atoi(config.String("STRIPE_RECONCILE_BATCH_SIZE", "50"))
		lockKey, _ := strconv.ParseInt(config.String("STRIPE_RECONCILE_LOCK_KEY", "7351001"), 10, 64)
		rec := reconcile.New(pool, repo, subSvc, gateway, logger, reconcile.Config{
			BatchSize:       batchSize,
			AdvisoryLockKey: lockKey,
		})
		go rec.Run(ctx, time.Duration(intervalSeconds)*time.Second)
	}

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("http server stopped")
}

func isTruthy(s string) bool {
	switch strings.TrimSpace(strings.ToLower(s)) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	default:
		return false
	}
}
