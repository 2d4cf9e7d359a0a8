package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"followup/internal/config"
	"followup/internal/dispatch"
	"followup/internal/gateway/whatsapp"
	"followup/internal/httpapi"
	"followup/internal/lifecycle"
	"followup/internal/logging"
	"followup/internal/marketplace"
	"followup/internal/observability"
	"followup/internal/reconcile"
	"followup/internal/store/pg"
)

func main() {
	cfg := config.LoadDispatcher()
	logging.Init("dispatcher", cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{
		MaxConns:          cfg.DBPoolMaxConns,
		MinConns:          cfg.DBPoolMinConns,
		MaxConnLifetime:   cfg.DBPoolMaxConnLifetime,
		MaxConnIdleTime:   cfg.DBPoolMaxConnIdleTime,
		HealthCheckPeriod: cfg.DBPoolHealthCheckPeriod,
	})
	if err != nil {
		slog.Error("dispatcher db connect failed", "err", err)
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

	gw := &whatsapp.Client{
		AccessToken:   cfg.WhatsAppAccessToken,
		PhoneNumberID: cfg.WhatsAppPhoneNumberID,
		BaseURL:       cfg.WhatsAppBaseURL,
		HTTP:          &http.Client{Timeout: 8 * time.Second},
	}
	limiter := rate.NewLimiter(rate.Limit(cfg.GatewayRPS), cfg.GatewayBurst)
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "whatsapp",
		MaxRequests: 3,
		Timeout:     20 * time.Second,
		ReadyToTrip: func(c gobreaker.Counts) bool { return c.ConsecutiveFailures >= 10 },
	})

	dispatcher := &dispatch.Worker{
		Store:           st,
		Gateway:         gw,
		Recipients:      mkt,
		Limiter:         limiter,
		Breaker:         cb,
		BatchSize:       cfg.DispatchBatch,
		SendTimeout:     cfg.SendTimeout,
		ClaimStaleAfter: cfg.ClaimStaleAfter,
	}
	reconciler := &reconcile.Worker{
		Store:      st,
		Gateway:    gw,
		Lifecycle:  &lifecycle.Service{Store: st},
		StuckAfter: cfg.ReconcileStuckAfter,
		BatchSize:  cfg.ReconcileBatch,
	}

	healthMux := httpapi.New().Mux
	healthMux.HandleFunc("/healthz", httpapi.Healthz())
	healthMux.HandleFunc("/readyz", httpapi.Readyz(2*time.Second,
		func(c context.Context) error { return db.Ping(c) },
	))
	healthSrv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: httpapi.Logging(healthMux),
	}
	go func() {
		slog.Info("dispatcher health listening", "port", cfg.Port)
		if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("health server failed", "err", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	slog.Info("dispatcher started",
		"dispatch_interval", cfg.DispatchInterval,
		"reconcile_interval", cfg.ReconcileInterval,
	)

	dispatchTicker := time.NewTicker(cfg.DispatchInterval)
	defer dispatchTicker.Stop()
	reconcileTicker := time.NewTicker(cfg.ReconcileInterval)
	defer reconcileTicker.Stop()

	for {
		select {
		case <-dispatchTicker.C:
			stats := dispatcher.Tick(ctx)
			slog.Info("dispatch tick",
				"sent", stats.Sent,
				"failed", stats.Failed,
				"retained", stats.Retained,
			)
		case <-reconcileTicker.C:
			stats := reconciler.Tick(ctx)
			slog.Info("reconcile tick",
				"checked", stats.Checked,
				"applied", stats.Applied,
				"failed", stats.Failed,
			)
		case sig := <-sigCh:
			slog.Info("dispatcher shutdown", "signal", sig.String())
			cancel()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			_ = healthSrv.Shutdown(shutdownCtx)
			return
		}
	}
}
