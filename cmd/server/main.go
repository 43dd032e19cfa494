package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"

	"github.com/vedran77/courtside/internal/config"
	"github.com/vedran77/courtside/internal/database"
	"github.com/vedran77/courtside/internal/delivery"
	"github.com/vedran77/courtside/internal/push"
	"github.com/vedran77/courtside/internal/ratelimit"
	"github.com/vedran77/courtside/internal/repository"
	"github.com/vedran77/courtside/internal/repository/memory"
	postgresrepo "github.com/vedran77/courtside/internal/repository/postgres"
	"github.com/vedran77/courtside/internal/retention"
	"github.com/vedran77/courtside/internal/service"
	"github.com/vedran77/courtside/internal/session"
	"github.com/vedran77/courtside/internal/transport/http/handlers"
	"github.com/vedran77/courtside/internal/transport/http/middleware"
	"github.com/vedran77/courtside/internal/transport/ws"
	"github.com/vedran77/courtside/pkg/logger"
)

const serviceName = "courtside-messaging"

// initOTEL installs a tracer provider exporting over OTLP/HTTP. Tracing is
// off when no endpoint is configured.
func initOTEL(ctx context.Context, cfg *config.Config) (func(context.Context) error, error) {
	if cfg.OTELEndpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exp, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.OTELEndpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("otel exporter: %w", err)
	}
	res, _ := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		attribute.String("deployment.environment", cfg.Env),
	))
	tp := trace.NewTracerProvider(trace.WithBatcher(exp), trace.WithResource(res))
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	return tp.Shutdown, nil
}

type stores struct {
	messages repository.MessageRepository
	users    repository.UserRepository
	close    func()
}

func openStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	if cfg.Store == "memory" {
		logger.Warn().Msg("using in-memory store; data is lost on restart")
		mem := memory.New()
		return &stores{messages: mem, users: mem, close: func() {}}, nil
	}

	pool, err := database.Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	logger.Info().Str("host", cfg.DBHost).Str("db", cfg.DBName).Msg("connected to database")

	return &stores{
		messages: postgresrepo.NewMessageRepo(pool),
		users:    postgresrepo.NewUserRepo(pool),
		close:    pool.Close,
	}, nil
}

func main() {
	cfg := config.Load()
	logger.Init(cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownOTEL, err := initOTEL(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("tracing setup failed")
	}
	defer func() {
		c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownOTEL(c)
	}()

	// Storage
	st, err := openStores(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("storage setup failed")
	}
	defer st.close()

	rdb, err := database.ConnectRedis(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis setup failed")
	}
	if rdb != nil {
		defer rdb.Close()
		logger.Info().Msg("connected to redis")
	}

	// Delivery channel
	hub := delivery.NewHub()
	go hub.Run(ctx)

	var publisher delivery.Publisher = hub
	if rdb != nil {
		publisher = delivery.StartRelay(ctx, rdb, hub)
	}

	// Services
	messageService := service.NewMessageService(st.messages, st.users)
	messageService.SetNotifier(delivery.NewChannelNotifier(publisher))
	messageService.SetRetryDelay(cfg.SendRetryDelay)

	if len(cfg.KafkaBrokers) > 0 {
		pusher := push.NewKafkaNotifier(cfg.KafkaBrokers, cfg.KafkaPushTopic)
		defer pusher.Close()
		messageService.SetPusher(pusher)
	} else {
		messageService.SetPusher(push.LogNotifier{})
	}

	var (
		plans service.PlanStore = service.NewMemoryPlanStore()
		badge session.BadgeSink
	)
	if rdb != nil {
		messageService.SetRateLimiter(ratelimit.New(rdb, "send", cfg.SendRateLimit, cfg.SendRateWindow))
		plans = service.NewRedisPlanStore(rdb)
		badge = session.NewRedisBadge(rdb)
	}

	broadcastService := service.NewBroadcastService(messageService, st.messages, st.users, plans)
	broadcastService.SetConcurrency(cfg.BroadcastConcurrency)
	broadcastService.SetPlanTTL(cfg.BroadcastPlanTTL)

	if cfg.RetentionEnabled {
		sched, err := retention.New(st.messages, cfg.RetentionCron, cfg.RetentionDays)
		if err != nil {
			logger.Fatal().Err(err).Msg("retention setup failed")
		}
		go sched.Run(ctx)
	}

	// Handlers
	messageHandler := handlers.NewMessageHandler(messageService)
	conversationHandler := handlers.NewConversationHandler(messageService)
	broadcastHandler := handlers.NewBroadcastHandler(broadcastService)

	// Auth middleware
	auth := middleware.Auth(cfg.JWTSecret)

	// Routes
	mux := http.NewServeMux()

	// Public
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status": "ok"}`))
	})
	mux.Handle("GET /metrics", promhttp.Handler())

	// Protected - Messages
	mux.Handle("POST /api/v1/messages", auth(http.HandlerFunc(messageHandler.Send)))
	mux.Handle("GET /api/v1/messages/unread-count", auth(http.HandlerFunc(messageHandler.UnreadCount)))

	// Protected - Conversations
	mux.Handle("GET /api/v1/conversations", auth(http.HandlerFunc(conversationHandler.List)))
	mux.Handle("GET /api/v1/conversations/{userID}/messages", auth(http.HandlerFunc(conversationHandler.Messages)))
	mux.Handle("POST /api/v1/conversations/{userID}/read", auth(http.HandlerFunc(conversationHandler.MarkRead)))
	mux.Handle("DELETE /api/v1/conversations/{userID}", auth(http.HandlerFunc(conversationHandler.Delete)))

	// Protected - Admin
	mux.Handle("POST /api/v1/admin/broadcasts", auth(http.HandlerFunc(broadcastHandler.Prepare)))
	mux.Handle("POST /api/v1/admin/broadcasts/{id}/commit", auth(http.HandlerFunc(broadcastHandler.Commit)))
	mux.Handle("POST /api/v1/admin/messages/system", auth(http.HandlerFunc(messageHandler.SendSystem)))

	// WebSocket
	mux.Handle("GET /ws", ws.ServeWS(ws.Deps{
		Store:      messageService,
		Subscriber: hub,
		Sender:     messageService,
		Badge:      badge,
		JWTSecret:  cfg.JWTSecret,
	}))

	addr := fmt.Sprintf(":%s", cfg.ServerPort)
	srv := &http.Server{
		Addr:              addr,
		Handler:           otelhttp.NewHandler(middleware.Logging(middleware.CORS(mux)), serviceName),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		c, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(c)
	}()

	logger.Info().Str("addr", addr).Str("store", cfg.Store).Bool("redis", rdb != nil).Msg("starting server")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server failed")
	}
}
