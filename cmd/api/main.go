package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/clinsafe/clinical-safety-backend/internal/api/rest"
	"github.com/clinsafe/clinical-safety-backend/internal/api/websocket"
	"github.com/clinsafe/clinical-safety-backend/internal/catalog"
	"github.com/clinsafe/clinical-safety-backend/internal/infrastructure/cache"
	"github.com/clinsafe/clinical-safety-backend/internal/infrastructure/config"
	"github.com/clinsafe/clinical-safety-backend/internal/infrastructure/repository"
	"github.com/clinsafe/clinical-safety-backend/internal/infrastructure/telemetry"
	auditsvc "github.com/clinsafe/clinical-safety-backend/internal/service/audit"
	"github.com/clinsafe/clinical-safety-backend/internal/service/evaluation"
	"github.com/clinsafe/clinical-safety-backend/internal/service/override"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("api: %v", err)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	logger, err := telemetry.NewLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	shutdownTracing, err := telemetry.InitTracing(ctx, telemetry.TracingConfig{
		ServiceName:    "clinsafe-api",
		ServiceVersion: cfg.Version,
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		SampleRate:     cfg.Telemetry.SampleRate,
		Enabled:        cfg.Telemetry.Enabled,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("tracing shutdown failed", zap.Error(err))
		}
	}()

	pool, err := newDatabasePool(ctx, &cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	// The rule state store is optional: without Redis, toggles still work but
	// do not survive restarts or propagate to sibling instances.
	var stateStore evaluation.StateStore
	if cfg.Redis.URL != "" {
		client := cache.NewRedisClient(cfg.Redis.URL, cfg.Redis.Password, cfg.Redis.DB)
		store, err := cache.NewRuleStateStore(client, logger)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		stateStore = store
	} else {
		logger.Warn("redis not configured, rule toggles will not persist across restarts")
	}

	location, err := time.LoadLocation(cfg.Audit.Timezone)
	if err != nil {
		return fmt.Errorf("load audit timezone: %w", err)
	}

	eventRepo := repository.NewAuditEventRepository(pool)
	overrideRepo := repository.NewOverrideRepository(pool)

	hub := websocket.NewAlertHub(logger, websocket.DefaultHubConfig())
	defer hub.Close()

	alerts := auditsvc.NewAlertManager(eventRepo,
		[]auditsvc.AlertDispatcher{hub}, logger, nil,
		&auditsvc.AlertManagerConfig{Cooldown: cfg.Audit.AlertCooldown})

	detector := auditsvc.NewAnomalyDetector(eventRepo, alerts, logger, nil,
		&auditsvc.AnomalyDetectorConfig{
			BulkAccessThreshold: cfg.Audit.BulkAccessThreshold,
			BulkAccessWindow:    cfg.Audit.BulkAccessWindow,
			OffHoursStart:       cfg.Audit.OffHoursStart,
			OffHoursEnd:         cfg.Audit.OffHoursEnd,
			OffHoursRecordFloor: cfg.Audit.OffHoursRecordFloor,
			Location:            location,
		})

	ledger := auditsvc.NewService(eventRepo, detector, logger, &auditsvc.Config{
		MaxAppendRetries: cfg.Audit.MaxAppendRetries,
		RetryBackoff:     cfg.Audit.RetryBackoff,
	})

	integrity := auditsvc.NewIntegrityService(eventRepo, alerts, logger,
		&auditsvc.IntegrityConfig{BatchSize: cfg.Audit.VerificationBatchSize})

	registry, err := catalog.NewRegistry()
	if err != nil {
		return fmt.Errorf("build rule catalog: %w", err)
	}

	verdicts := evaluation.NewVerdictStore(cfg.Evaluation.VerdictTTL)
	engine := evaluation.NewEngine(registry, ledger, verdicts, logger)

	admin := evaluation.NewAdmin(registry, stateStore, ledger, logger)
	if err := admin.ApplyStoredStates(ctx); err != nil {
		return fmt.Errorf("apply stored rule states: %w", err)
	}

	overrides := override.NewService(verdicts, overrideRepo, detector, logger)

	handler := rest.NewHandler(&rest.Services{
		Evaluation: engine,
		Overrides:  overrides,
		Audit:      ledger,
		Integrity:  integrity,
		Catalog:    admin,
		Alerts:     hub,
	}, logger, func(r *http.Request) error {
		return pool.Ping(r.Context())
	})

	server := rest.NewServer(&cfg.Server, handler.Routes(cfg.Security.JWTSecret), logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	logger.Info("clinical safety api started",
		zap.String("version", cfg.Version),
		zap.String("environment", cfg.Environment),
		zap.Int("port", cfg.Server.Port),
		zap.Int("catalog_rules", len(catalog.Builtin())))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, done := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer done()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	logger.Info("clinical safety api stopped")
	return nil
}

func newDatabasePool(ctx context.Context, cfg *config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, err
	}
	poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	poolConfig.MinConns = int32(cfg.MaxIdleConns)
	poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}
