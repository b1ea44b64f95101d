package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/nats-io/nats.go"

	"github.com/gatherly/backend/internal/app/chat"
	"github.com/gatherly/backend/internal/app/directory"
	"github.com/gatherly/backend/internal/app/feed"
	"github.com/gatherly/backend/internal/app/identity"
	"github.com/gatherly/backend/internal/platform/config"
	"github.com/gatherly/backend/internal/platform/dbpool"
	"github.com/gatherly/backend/internal/platform/metrics"
	"github.com/gatherly/backend/internal/platform/natsutil"
	"github.com/gatherly/backend/internal/platform/ratelimit"
)

func main() {
	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatal(err)
	}

	pool, err := dbpool.New(runCtx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	identityRepo := identity.NewPostgresRepository(pool)
	directoryRepo := directory.NewPostgresRepository(pool)
	chatRepo := chat.NewPostgresRepository(pool)

	client, err := natsutil.ConnectJetStreamWithRetry(cfg.NATSURL, 20*time.Second)
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()
	publisher := natsutil.JetStreamPublisher{JS: client.JS}

	eventBackend := feed.NewPostgresBackend(pool, publisher)
	if err := waitForSchemas(runCtx, 30*time.Second,
		identityRepo.EnsureSchema,
		directoryRepo.EnsureSchema,
		eventBackend.EnsureSchema,
		chatRepo.EnsureSchema,
	); err != nil {
		log.Fatal(err)
	}

	metricsSet := metrics.New("feed-api")

	identitySvc := identity.NewService(identityRepo, identity.NewTokenManager(cfg.JWTSecret))
	chatSvc := chat.NewService(chatRepo, publisher)
	chatSvc.Metrics = metricsSet

	sessions := feed.NewManager(eventBackend, directoryRepo)
	sessions.Metrics = metricsSet
	identitySvc.OnSessionChange = sessions.Drop

	handler := feed.NewHandler(sessions, identitySvc, chatSvc, directoryRepo)
	handler.Metrics = metricsSet
	handler.Limiter = ratelimit.New(cfg.RateLimitRPS, cfg.RateLimitBurst, 10*time.Minute)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := checkReadiness(r.Context(), pool, client.Conn); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", metricsSet.Handler())
	mux.Handle("/", handler.Router())

	server := &http.Server{
		Addr:              cfg.FeedAPIAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	fmt.Printf("Feed API listening on %s\n", cfg.FeedAPIAddr)
	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		log.Fatal(err)
	case <-runCtx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("feed-api graceful shutdown failed: %v", err)
	}
}

func waitForSchemas(ctx context.Context, timeout time.Duration, ensure ...func(context.Context) error) error {
	deadline := time.Now().Add(timeout)
	var lastErr error
	for time.Now().Before(deadline) {
		attemptCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		lastErr = nil
		for _, fn := range ensure {
			if err := fn(attemptCtx); err != nil {
				lastErr = err
				break
			}
		}
		cancel()
		if lastErr == nil {
			return nil
		}
		log.Printf("waiting for schema readiness: %v", lastErr)
		time.Sleep(500 * time.Millisecond)
	}
	return lastErr
}

func checkReadiness(ctx context.Context, pool *pgxpool.Pool, conn *nats.Conn) error {
	if conn == nil {
		return errors.New("nats connection is nil")
	}
	if conn.Status() != nats.CONNECTED {
		return fmt.Errorf("nats is not connected: %s", conn.Status().String())
	}

	checkCtx, cancel := context.WithTimeout(ctx, 1500*time.Millisecond)
	defer cancel()
	if err := pool.Ping(checkCtx); err != nil {
		return fmt.Errorf("postgres ping failed: %w", err)
	}
	return nil
}
