// Package app holds the process bootstrap shared by the api and worker binaries.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"recording-reconciler/internal/alert"
	"recording-reconciler/internal/audit"
	"recording-reconciler/internal/config"
	"recording-reconciler/internal/events"
	"recording-reconciler/internal/metrics"
	"recording-reconciler/internal/queue"
	"recording-reconciler/internal/reconciliation"
	"recording-reconciler/internal/secrets"
	"recording-reconciler/pkg/logger"
	"recording-reconciler/pkg/utils"
)

// Infra is the set of shared clients every process needs.
type Infra struct {
	Config config.Config
	Log    *slog.Logger

	DB    *sql.DB
	Redis *redis.Client

	Telemetry *metrics.Provider
	Metrics   *metrics.Metrics
	Alerts    *alert.Dispatcher

	Audit           *audit.Service
	Reconciliations *reconciliation.Service
	Ledger          events.Ledger
	Queue           *queue.RedisQueue
}

// LoadConfig reads configuration and resolves secret manager references in place.
func LoadConfig(ctx context.Context) (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, err
	}
	var opts []secrets.Option
	if cfg.Storage.Region != "" {
		opts = append(opts, secrets.WithRegion(cfg.Storage.Region))
	}
	if err := secrets.NewResolver(opts...).ResolveAll(ctx, cfg.SecretRefs()); err != nil {
		return config.Config{}, fmt.Errorf("resolve secrets: %w", err)
	}
	return cfg, nil
}

// Open connects to Postgres and Redis, ensures the schema and builds the services
// both processes share. Close must be called on exit.
func Open(ctx context.Context, cfg config.Config, process string) (*Infra, error) {
	log := logger.New(cfg.App.Env, process)
	slog.SetDefault(log)

	in := &Infra{Config: cfg, Log: log}
	ok := false
	defer func() {
		if !ok {
			in.Close(context.Background())
		}
	}()

	var err error
	in.DB, err = utils.OpenPostgres(ctx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{MaxOpenConns: cfg.DB.MaxOpenConns})
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	if err := utils.EnsureSchema(ctx, in.DB, reconciliation.Schema, events.Schema, audit.Schema); err != nil {
		return nil, fmt.Errorf("schema: %w", err)
	}

	in.Redis, err = utils.OpenRedis(ctx, utils.RedisConfig{
		Addr:     cfg.RedisAddr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		return nil, fmt.Errorf("redis: %w", err)
	}

	in.Telemetry, err = metrics.Setup(ctx, metrics.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	in.Metrics, err = metrics.New(in.Telemetry.Meter)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	sinks := []alert.Sink{alert.NewLogSink()}
	if cfg.Alert.WebhookURL != "" {
		sinks = append(sinks, alert.NewWebhookSink(cfg.Alert.WebhookURL))
	}
	if cfg.Alert.SNSTopicARN != "" {
		sns, err := alert.NewSNSSink(ctx, cfg.Alert.SNSTopicARN)
		if err != nil {
			return nil, fmt.Errorf("alert sns: %w", err)
		}
		sinks = append(sinks, sns)
	}
	in.Alerts = alert.NewDispatcher(sinks...).WithCounter(in.Metrics)

	in.Audit = audit.NewService(audit.NewPostgresRepo(in.DB))
	in.Reconciliations = reconciliation.NewService(
		reconciliation.NewPostgresStore(in.DB),
		reconciliation.WithAudit(in.Audit),
		reconciliation.WithObserver(in.Metrics),
	)
	in.Ledger = events.NewPostgresLedger(in.DB)
	in.Queue = queue.NewRedisQueue(in.Redis, cfg.Redis.QueueKey)

	ok = true
	return in, nil
}

// Close flushes telemetry and releases connections.
func (in *Infra) Close(ctx context.Context) {
	if in.Telemetry != nil {
		if err := in.Telemetry.Shutdown(ctx); err != nil {
			slog.Error("telemetry shutdown failed", "err", err)
		}
	}
	if in.Redis != nil {
		_ = in.Redis.Close()
	}
	if in.DB != nil {
		_ = in.DB.Close()
	}
}

// Healthz reports database, redis and queue health.
func (in *Infra) Healthz(c *gin.Context) {
	ctx := c.Request.Context()
	if err := utils.HealthCheck(ctx, in.DB, 2*time.Second); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "postgres": err.Error()})
		return
	}
	if err := in.Redis.Ping(ctx).Err(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "redis": err.Error()})
		return
	}
	depth, err := in.Queue.Depth(ctx)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "queue": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "queue_depth": depth})
}

// Serve runs srv until ctx is cancelled, then drains it within the shutdown budget.
func Serve(ctx context.Context, srv *http.Server, log *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info("http listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

// ShutdownTimeout bounds draining of in-flight requests and jobs.
const ShutdownTimeout = 20 * time.Second

// NewEngine returns a gin engine with recovery and request logging.
func NewEngine(cfg config.Config, log *slog.Logger) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	return r
}

// NewServer applies the standard timeouts.
func NewServer(addr string, h http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}
