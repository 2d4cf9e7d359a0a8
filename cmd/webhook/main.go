package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"followup/internal/classifier"
	"followup/internal/config"
	"followup/internal/httpapi"
	"followup/internal/httpserver"
	"followup/internal/lifecycle"
	"followup/internal/logging"
	"followup/internal/marketplace"
	"followup/internal/observability"
	"followup/internal/response"
	"followup/internal/store/pg"
)

func main() {
	cfg := config.LoadWebhook()
	logging.Init("webhook", cfg.LogFormat)

	if cfg.WebhookSecret == "" {
		slog.Warn("WEBHOOK_SECRET is empty: signature verification is DISABLED")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pgxpool.New(ctx, cfg.DBDSN)
	if err != nil {
		slog.Error("webhook db connect failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	startupCtx, startupCancel := context.WithTimeout(ctx, 3*time.Second)
	defer startupCancel()
	if err := db.Ping(startupCtx); err != nil {
		slog.Error("db not reachable", "err", err)
		os.Exit(1)
	}

	observability.Register(prometheus.DefaultRegisterer)

	st := pg.New(db)
	mkt := marketplace.NewPG(db)
	svc := &lifecycle.Service{
		Store:     st,
		Classify:  classifier.Classify,
		Responses: &response.Handler{Requests: mkt},
	}

	limiter := httpserver.NewRateLimiter(cfg.RateLimitMax, cfg.RateLimitWindow)
	stopSweep := make(chan struct{})
	go limiter.RunSweeper(stopSweep, cfg.RateLimitSweep)

	s := httpserver.New()
	wh := &httpserver.Webhook{
		Lifecycle: svc,
		Events:    st,
		Limiter:   limiter,
		Secret:    cfg.WebhookSecret,
		PublicURL: cfg.PublicWebhookURL,
	}
	wh.Register(s.Mux)

	s.Mux.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	s.Mux.HandleFunc("/healthz", httpapi.Healthz()).Methods(http.MethodGet)
	s.Mux.HandleFunc("/readyz", httpapi.Readyz(2*time.Second,
		func(c context.Context) error { return db.Ping(c) },
	)).Methods(http.MethodGet)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: httpserver.Logging(s.Mux),
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("webhook shutdown", "signal", sig.String())
		close(stopSweep)
		cancel()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("webhook listening", "port", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("webhook server failed", "err", err)
		os.Exit(1)
	}
}
