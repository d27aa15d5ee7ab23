package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Liozhang/wishub-skill/api/handlers"
	"github.com/Liozhang/wishub-skill/config"
	"github.com/Liozhang/wishub-skill/discovery"
	"github.com/Liozhang/wishub-skill/internal/metrics"
	"github.com/Liozhang/wishub-skill/internal/server"
	"github.com/Liozhang/wishub-skill/orchestrator"
	"github.com/Liozhang/wishub-skill/sandbox"
	"github.com/Liozhang/wishub-skill/scheduler"
	"github.com/Liozhang/wishub-skill/skill"
	"github.com/Liozhang/wishub-skill/storage"
)

// Server assembles and runs the skill protocol service.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	httpManager    *server.Manager
	metricsManager *server.Manager

	registry     *skill.Registry
	scheduler    *scheduler.Scheduler
	orchestrator *orchestrator.Orchestrator
	index        discovery.Index
	cache        *storage.Cache
	collector    *metrics.Collector
	dockerRunner *sandbox.DockerRunner
	gaugeCancel  context.CancelFunc
}

// NewServer creates an unstarted Server.
func NewServer(cfg *config.Config, logger *zap.Logger) *Server {
	return &Server{cfg: cfg, logger: logger}
}

// Start wires every component and begins serving.
func (s *Server) Start(ctx context.Context) error {
	s.collector = metrics.NewCollector("wishub_skill")

	healthHandler := handlers.NewHealthHandler(s.cfg.App.Version, s.logger)

	// Relational metadata store.
	db, err := gorm.Open(postgres.Open(s.cfg.Postgres.DSN()), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(s.cfg.Postgres.PoolSize)
	}
	meta, err := storage.NewGormStore(db, s.logger)
	if err != nil {
		return err
	}
	healthHandler.RegisterCheck(handlers.CheckFunc{CheckName: "postgres", Fn: meta.Ping})

	// Object store for code blobs.
	blobs, err := storage.NewMinioBlobStore(ctx, storage.MinioConfig{
		Endpoint:  s.cfg.Minio.Endpoint,
		AccessKey: s.cfg.Minio.AccessKey,
		SecretKey: s.cfg.Minio.SecretKey,
		Bucket:    s.cfg.Minio.Bucket,
		Secure:    s.cfg.Minio.Secure,
	}, s.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to object store: %w", err)
	}
	healthHandler.RegisterCheck(handlers.CheckFunc{CheckName: "object_store", Fn: blobs.Ping})

	// Optional redis cache.
	var (
		recordCache scheduler.RecordCache
		popCounter  scheduler.PopularityCounter
	)
	if s.cfg.Redis.Enabled {
		cacheCfg := storage.DefaultCacheConfig()
		cacheCfg.Addr = s.cfg.Redis.Addr()
		cacheCfg.Password = s.cfg.Redis.Password
		cacheCfg.DB = s.cfg.Redis.DB
		cache, err := storage.NewCache(cacheCfg, s.logger)
		if err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.cache = cache
		recordCache = cache
		popCounter = cache
		healthHandler.RegisterCheck(handlers.CheckFunc{CheckName: "redis", Fn: cache.Ping})
	}

	// Discovery: in-memory index fed by the registry. Seeded from the
	// store so restarts stay discoverable.
	index := discovery.NewMemoryIndex(s.logger)
	s.index = index

	s.registry = skill.NewRegistry(meta, blobs, index, s.logger)
	if seeded, _, err := s.registry.List(ctx, skill.ListFilter{}); err == nil {
		for _, sk := range seeded {
			index.Upsert(sk)
		}
		s.collector.SetRegisteredSkills(len(seeded))
	}

	// Sandbox.
	var runner sandbox.Runner
	switch s.cfg.Sandbox.Runner {
	case "process":
		runner = sandbox.NewProcessRunner(true, s.logger)
	default:
		docker := sandbox.NewDockerRunner(s.logger)
		s.dockerRunner = docker
		runner = docker
	}
	healthHandler.RegisterCheck(handlers.CheckFunc{CheckName: "sandbox", Fn: runner.Healthy})
	runner = &observedRunner{Runner: runner, collector: s.collector}
	executor := sandbox.NewExecutor(runner, sandbox.Caps{
		MaxWallSeconds: skill.MaxTimeoutSeconds,
		MaxOutputBytes: s.cfg.Sandbox.MaxOutputBytes,
		MaxMemoryBytes: s.cfg.Sandbox.MaxMemoryBytes,
		NetworkEnabled: s.cfg.Sandbox.NetworkEnabled,
	}, s.logger)

	// Scheduler and orchestrator.
	s.scheduler = scheduler.New(s.registry, executor, recordCache, s.registry, popCounter, scheduler.Config{
		MaxConcurrent: s.cfg.Scheduler.MaxConcurrent,
		QueueSize:     s.cfg.Scheduler.QueueSize,
	}, s.logger)
	orchCfg := orchestrator.DefaultConfig()
	orchCfg.OnFinish = s.collector.ObserveWorkflow
	s.orchestrator = orchestrator.New(s.scheduler, orchCfg, s.logger)

	gaugeCtx, gaugeCancel := context.WithCancel(context.Background())
	s.gaugeCancel = gaugeCancel
	go pollGauges(gaugeCtx, s.collector, s.scheduler.Running, s.scheduler.QueueDepth)

	// HTTP surface.
	mux := s.routes(healthHandler)
	middlewares := []Middleware{
		Recovery(s.logger),
		RequestID(),
		RequestLogger(s.logger),
		Metrics(s.collector),
	}
	if s.cfg.RateLimit.Enabled {
		middlewares = append(middlewares, RateLimit(s.cfg.RateLimit.RPS, s.cfg.RateLimit.Burst))
	}
	middlewares = append(middlewares, APIKeyAuth(s.cfg.Auth.Header, s.cfg.Auth.Required, s.logger))
	chained := Chain(mux, middlewares...)

	serverCfg := server.DefaultConfig()
	serverCfg.Addr = s.cfg.API.Addr()
	s.httpManager = server.NewManager(chained, serverCfg, s.logger)
	if err := s.httpManager.Start(); err != nil {
		return err
	}

	// Metrics endpoint on its own port.
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsCfg := server.DefaultConfig()
	metricsCfg.Addr = fmt.Sprintf("%s:%d", s.cfg.API.Host, s.cfg.API.MetricsPort)
	s.metricsManager = server.NewManager(metricsMux, metricsCfg, s.logger)
	if err := s.metricsManager.Start(); err != nil {
		return err
	}

	s.logger.Info("skill server started",
		zap.String("addr", s.cfg.API.Addr()),
		zap.String("prefix", s.cfg.API.Prefix),
		zap.Int("metrics_port", s.cfg.API.MetricsPort),
		zap.String("sandbox_runner", runner.Name()))
	return nil
}

// routes builds the endpoint table.
func (s *Server) routes(health *handlers.HealthHandler) *http.ServeMux {
	prefix := s.cfg.API.Prefix
	skillHandler := handlers.NewSkillHandler(s.registry, s.index, s.logger)
	invokeHandler := handlers.NewInvokeHandler(s.scheduler, prefix, s.logger)
	orchHandler := handlers.NewOrchestrateHandler(s.orchestrator, s.logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", health.HandleHealth)
	mux.HandleFunc("GET "+prefix+"/health", health.HandleHealth)

	mux.HandleFunc("POST "+prefix+"/skill/register", skillHandler.HandleRegister)
	mux.HandleFunc("POST "+prefix+"/skill/invoke", invokeHandler.HandleInvoke)
	mux.HandleFunc("GET "+prefix+"/skill/status/{execution_id}", invokeHandler.HandleStatus)
	mux.HandleFunc("GET "+prefix+"/skill/discovery", skillHandler.HandleDiscovery)
	mux.HandleFunc("POST "+prefix+"/skill/orchestrate", orchHandler.HandleOrchestrate)
	mux.HandleFunc("GET "+prefix+"/skill/workflow/{execution_id}", orchHandler.HandleWorkflowStatus)
	mux.HandleFunc("GET "+prefix+"/skill/{skill_id}", skillHandler.HandleDetail)
	mux.HandleFunc("DELETE "+prefix+"/skill/{skill_id}", skillHandler.HandleDelete)
	return mux
}

// WaitForSignal blocks until shutdown is requested.
func (s *Server) WaitForSignal() error {
	return s.httpManager.WaitForSignal()
}

// Shutdown stops accepting traffic, drains requests, and releases the
// sandbox and cache.
func (s *Server) Shutdown(ctx context.Context) {
	if s.httpManager != nil {
		if err := s.httpManager.Shutdown(ctx); err != nil {
			s.logger.Warn("http shutdown failed", zap.Error(err))
		}
	}
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Warn("metrics shutdown failed", zap.Error(err))
		}
	}
	if s.gaugeCancel != nil {
		s.gaugeCancel()
	}
	if s.scheduler != nil {
		s.scheduler.Close()
	}
	if s.dockerRunner != nil {
		s.dockerRunner.Cleanup()
	}
	if s.cache != nil {
		s.cache.Close()
	}
	s.logger.Info("skill server stopped")
}
