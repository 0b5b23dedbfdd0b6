package main

import (
	"context"
	"expvar"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"careflow/flow-service/internal/config"
	"careflow/flow-service/internal/flow"
	"careflow/flow-service/internal/httpapi"
	"careflow/flow-service/internal/hub"
	"careflow/flow-service/internal/store"
	"careflow/flow-service/internal/store/postgres"
	"careflow/flow-service/internal/telemetry"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	cfg := config.Load()
	shutdownTelemetry := telemetry.Setup("flow-service")
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTelemetry(ctx)
	}()

	var flowStore store.Store
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db connect: %v", err)
		}
		defer pool.Close()
		flowStore = postgres.NewStore(pool)
	} else {
		log.Printf("DB_DSN not set, running without persistence mirror")
	}

	durations := cfg.ExpectedDurations
	var seed store.Snapshot
	if flowStore != nil {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.MirrorTimeout)
		snapshot, err := flowStore.LoadSnapshot(ctx)
		if err != nil {
			log.Printf("load snapshot error: %v", err)
		} else {
			seed = snapshot
			log.Printf("seeded state waiting=%d active=%d audit=%d", len(seed.Waiting), len(seed.Active), len(seed.Audit))
		}
		stored, err := flowStore.LoadExpectedDurations(ctx)
		cancel()
		if err != nil {
			log.Printf("load expected durations error: %v", err)
		} else {
			for doctor, seconds := range stored {
				durations[doctor] = seconds
			}
		}
	}

	eventHub := hub.New()
	coordinator := flow.NewCoordinator(flow.Options{
		ExpectedDurations:       durations,
		FallbackExpectedSeconds: cfg.FallbackExpectedSeconds,
		Store:                   flowStore,
		Publisher:               eventHub,
		SeedWaiting:             seed.Waiting,
		SeedActive:              seed.Active,
		SeedAudit:               seed.Audit,
	})

	engineCtx, stopEngine := context.WithCancel(context.Background())
	defer stopEngine()
	engine := flow.NewEngine(coordinator)
	go engine.Run(engineCtx, cfg.TickInterval)

	handler := httpapi.NewHandler(coordinator, httpapi.Options{AuditListLimit: cfg.AuditListLimit})
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		PerMinute: cfg.RateLimitPerMinute,
		Burst:     cfg.RateLimitBurst,
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", expvar.Handler())
	mux.Handle("/realtime/", sockjs.NewHandler("/realtime", sockjs.DefaultOptions, func(session sockjs.Session) {
		client := &hub.Client{ID: uuid.NewString(), Send: make(chan []byte, 16)}
		eventHub.Register(client)
		defer eventHub.Unregister(client)

		go func() {
			for msg := range client.Send {
				_ = session.Send(string(msg))
			}
		}()

		for {
			msg, err := session.Recv()
			if err != nil {
				return
			}
			parsed, ok := hub.ParseSubscribe([]byte(msg))
			if !ok {
				continue
			}
			if parsed.Action == "unsubscribe" {
				eventHub.UpdateSubscription(client, hub.Subscription{})
				continue
			}
			eventHub.UpdateSubscription(client, hub.Subscription{Doctor: parsed.Doctor})
		}
	}))
	mux.Handle("/", handler.Routes())

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(httpapi.LoggingMiddleware(limiter.Middleware(mux)), "flow-service"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("flow-service listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	stopEngine()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Printf("shutdown error: %v", err)
	}
}
