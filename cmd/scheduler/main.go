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

	"followup/internal/config"
	"followup/internal/httpapi"
	"followup/internal/lifecycle"
	"followup/internal/logging"
	"followup/internal/marketplace"
	"followup/internal/observability"
	"followup/internal/rules"
	"followup/internal/store/pg"
)

var templates = map[string]string{
	"follow_up_3_days":        "Hola {name}, ¿cómo va tu solicitud {ref}? Responde CONFIRMO si todo está bien o NO si quieres cancelar.",
	"follow_up_7_days":        "Hola {name}, hace una semana de tu solicitud {ref}. ¿Sigue en pie? Responde CONFIRMO o NO.",
	"provider_reminder_2_days": "Hola {name}, tienes la solicitud {ref} pendiente de respuesta. Responde ACEPTO o RECHAZO.",
}

func main() {
	cfg := config.LoadScheduler()
	logging.Init("scheduler", cfg.LogFormat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := pgxpool.New(ctx, cfg.DBDSN)
	if err != nil {
		slog.Error("scheduler db connect failed", "err", err)
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

	ruleSet := rules.DefaultRules()
	if cfg.FollowUpRules != "" {
		ruleSet, err = rules.Parse(cfg.FollowUpRules)
		if err != nil {
			slog.Error("invalid FOLLOWUP_RULES", "err", err)
			os.Exit(1)
		}
	}

	st := pg.New(db)
	mkt := marketplace.NewPG(db)
	svc := &lifecycle.Service{
		Store:     st,
		Templates: templates,
	}
	engine := &rules.Engine{
		Enabled:      cfg.FollowUpsEnabled,
		Rules:        ruleSet,
		Requests:     mkt,
		Recipients:   mkt,
		Interactions: st,
		Lifecycle:    svc,
		QuietPeriod:  cfg.QuietPeriod,
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
		slog.Info("scheduler health listening", "port", cfg.Port)
		if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("health server failed", "err", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	slog.Info("scheduler started",
		"enabled", cfg.FollowUpsEnabled,
		"rules", len(ruleSet),
		"interval", cfg.TickInterval,
	)

	ticker := time.NewTicker(cfg.TickInterval)
	defer ticker.Stop()

	// run once at startup, then on the interval
	runTick(ctx, engine)
	for {
		select {
		case <-ticker.C:
			runTick(ctx, engine)
		case sig := <-sigCh:
			slog.Info("scheduler shutdown", "signal", sig.String())
			cancel()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			_ = healthSrv.Shutdown(shutdownCtx)
			return
		}
	}
}

func runTick(ctx context.Context, engine *rules.Engine) {
	stats := engine.Tick(ctx)
	slog.Info("scheduler tick",
		"created", stats.Created,
		"skipped", stats.Skipped,
		"failed", stats.Failed,
	)
}
