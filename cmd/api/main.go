package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"recording-reconciler/internal/app"
	"recording-reconciler/internal/auth"
	"recording-reconciler/internal/httpapi"
	"recording-reconciler/internal/ingest"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig(rootCtx)
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	in, err := app.Open(rootCtx, cfg, "api")
	if err != nil {
		slog.Error("startup failed", "err", err)
		os.Exit(1)
	}
	log := in.Log

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		in.Close(context.Background())
		os.Exit(1)
	}

	if cfg.Webhook.Secret == "" {
		log.Warn("WEBHOOK_SECRET not set; generic webhook signatures are not verified")
	}

	r := app.NewEngine(cfg, log)
	registerRoutes(r, routeDeps{
		healthz: in.Healthz,
		authMW:  auth.RequireAccessToken(authManager),
		ingest: ingest.Handler{
			Ledger:          in.Ledger,
			Queue:           in.Queue,
			Metrics:         in.Metrics,
			Secret:          cfg.Webhook.Secret,
			MaxSkew:         cfg.Webhook.MaxSkew,
			TwilioAuthToken: cfg.Telephony.AuthToken,
			PublicBaseURL:   cfg.App.PublicBaseURL,
		},
		api: httpapi.Handlers{
			Auth:            authManager,
			Reconciliations: in.Reconciliations,
			Audit:           in.Audit,
			Queue:           in.Queue,
		},
	})

	log.Info("api starting", "env", cfg.App.Env)
	if err := app.Serve(rootCtx, app.NewServer(cfg.HTTPAddr(), r), log); err != nil {
		log.Error("http server failed", "err", err)
	}
	log.Info("shutdown complete")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), app.ShutdownTimeout)
	defer cancel()
	in.Close(shutdownCtx)
}
