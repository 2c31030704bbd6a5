package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"recording-reconciler/internal/app"
	"recording-reconciler/internal/cleanup"
	"recording-reconciler/internal/matcher"
	"recording-reconciler/internal/migrate"
	"recording-reconciler/internal/orchestrator"
	"recording-reconciler/internal/queue"
	"recording-reconciler/internal/storage"
	"recording-reconciler/internal/sweeper"
	"recording-reconciler/internal/telephony"
	"recording-reconciler/internal/worker"
	"recording-reconciler/pkg/logger"
	"recording-reconciler/pkg/utils"
)

func main() {
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig(rootCtx)
	if err == nil {
		err = cfg.ValidateWorker()
	}
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	in, err := app.Open(rootCtx, cfg, "worker")
	if err != nil {
		slog.Error("startup failed", "err", err)
		os.Exit(1)
	}
	log := in.Log
	fatal := func(msg string, err error) {
		log.Error(msg, "err", err)
		in.Close(context.Background())
		os.Exit(1)
	}

	provider, err := telephony.NewTwilioProvider(telephony.TwilioConfig{
		BaseURL:    cfg.Telephony.BaseURL,
		AccountSID: cfg.Telephony.AccountSID,
		AuthToken:  cfg.Telephony.AuthToken,
		Timeout:    cfg.Telephony.Timeout,
	})
	if err != nil {
		fatal("telephony init failed", err)
	}

	store, err := storage.NewS3Store(rootCtx, storage.S3Config{
		Bucket:       cfg.Storage.Bucket,
		Region:       cfg.Storage.Region,
		Endpoint:     cfg.Storage.Endpoint,
		UsePathStyle: cfg.Storage.UsePathStyle,
	})
	if err != nil {
		fatal("storage init failed", err)
	}

	downloads, err := utils.NewConcurrencyCap(in.Redis, cfg.Redis.QueueKey+":downloads", cfg.Worker.DownloadConcurrency, 2*cfg.Worker.Lease)
	if err != nil {
		fatal("download limiter init failed", err)
	}

	orch := orchestrator.New(orchestrator.Deps{
		Service:  in.Reconciliations,
		Matcher:  matcher.New(in.Reconciliations.Store(), cfg.Worker.MatchWindow),
		Provider: provider,
		Queue:    in.Queue,
		Ledger:   in.Ledger,
		Audit:    in.Audit,
		Alerts:   in.Alerts,
		Metrics:  in.Metrics,
	}, orchestrator.Config{
		RecordingCallbackURL: strings.TrimRight(cfg.App.PublicBaseURL, "/") + "/webhooks/twilio/recording-status",
		StartAttempts:        cfg.Telephony.StartAttempts,
		StartBackoff:         cfg.Telephony.StartBackoff,
		StartTimeout:         cfg.Telephony.StartTimeout,
		MaxEventAttempts:     cfg.Worker.EventMaxAttempts,
	})

	migrator := migrate.New(migrate.Deps{
		Service:  in.Reconciliations,
		Provider: provider,
		Storage:  store,
		Queue:    in.Queue,
		Limiter:  downloads,
		Audit:    in.Audit,
		Alerts:   in.Alerts,
		Metrics:  in.Metrics,
	}, migrate.Config{
		Prefix:      cfg.Storage.Prefix,
		MaxAttempts: cfg.Worker.MigrateMaxAttempts,
		BackoffBase: cfg.Worker.BackoffBase,
		BackoffMax:  cfg.Worker.BackoffMax,
	})

	cleaner := cleanup.New(cleanup.Deps{
		Service:  in.Reconciliations,
		Provider: provider,
		Audit:    in.Audit,
		Alerts:   in.Alerts,
		Metrics:  in.Metrics,
	}, cleanup.Config{
		MaxAttempts: cfg.Worker.CleanupMaxAttempts,
		BackoffBase: cfg.Worker.BackoffBase,
		BackoffMax:  cfg.Worker.BackoffMax,
	})

	pool := worker.NewPool(in.Queue, worker.Config{
		Concurrency:  cfg.Worker.Concurrency,
		PollInterval: cfg.Worker.PollInterval,
		Lease:        cfg.Worker.Lease,
		ErrorBackoff: cfg.Worker.ErrorBackoff,
	}, in.Metrics)
	pool.Register(queue.KindProcessEvent, orch.ProcessEvent)
	pool.Register(queue.KindMigrate, migrator.Handle)
	pool.Register(queue.KindCleanup, cleaner.Handle)

	sweep := sweeper.New(sweeper.Deps{
		Service: in.Reconciliations,
		Ledger:  in.Ledger,
		Queue:   in.Queue,
		Audit:   in.Audit,
		Alerts:  in.Alerts,
		Metrics: in.Metrics,
	}, sweeper.Config{
		Schedule:          cfg.Worker.SweepSchedule,
		AssetReadyTimeout: cfg.Worker.AssetReadyTimeout,
		PendingTimeout:    cfg.Worker.PendingTimeout,
		Grace:             cfg.Worker.SweepGrace,
	})

	ctx := logger.With(rootCtx, log)
	if err := sweep.Start(ctx); err != nil {
		fatal("sweeper start failed", err)
	}

	r := app.NewEngine(cfg, log)
	r.GET("/healthz", in.Healthz)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error { return app.Serve(gctx, app.NewServer(cfg.HTTPAddr(), r), log) })

	log.Info("worker starting", "env", cfg.App.Env, "concurrency", cfg.Worker.Concurrency)
	if err := g.Wait(); err != nil {
		log.Error("worker stopped with error", "err", err)
	}

	sweep.Stop()
	log.Info("shutdown complete")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), app.ShutdownTimeout)
	defer cancel()
	in.Close(shutdownCtx)
}
