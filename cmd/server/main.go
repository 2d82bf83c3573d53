package main

import (
	"context"
	"fmt"
	"io/fs"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/pesio-ai/be-ops-approvals/internal/client"
	"github.com/pesio-ai/be-ops-approvals/internal/handler"
	"github.com/pesio-ai/be-ops-approvals/internal/platform/config"
	"github.com/pesio-ai/be-ops-approvals/internal/platform/database"
	"github.com/pesio-ai/be-ops-approvals/internal/platform/logger"
	"github.com/pesio-ai/be-ops-approvals/internal/platform/metrics"
	"github.com/pesio-ai/be-ops-approvals/internal/platform/middleware"
	"github.com/pesio-ai/be-ops-approvals/internal/platform/nats"
	"github.com/pesio-ai/be-ops-approvals/internal/repository"
	"github.com/pesio-ai/be-ops-approvals/internal/service"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       cfg.Service.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting Approvals Service (OPS-1)")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal().Err(err).Msg("Service failed")
	}
	log.Info().Msg("Server stopped")
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Initialize store
	store, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	// Outbound notifications
	var (
		notifier  service.Notifier = client.NewLogNotifier(log)
		listeners []service.SubjectListener
		publisher *client.NotificationPublisher
	)
	if cfg.NATS.URL != "" {
		nc, err := nats.Connect(nats.Config{URL: cfg.NATS.URL, Name: cfg.Service.Name}, log.Logger)
		if err != nil {
			return err
		}
		defer nc.Close()
		publisher = client.NewNotificationPublisher(nc, client.PublisherConfig{
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			QueueSize:     cfg.NATS.QueueSize,
			RatePerSecond: cfg.NATS.RatePerSecond,
		}, m, log)
		notifier = publisher
		listeners = append(listeners, publisher)
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS notification publisher initialized")
	} else {
		log.Warn().Msg("NATS_URL not set, notifications are only logged")
	}

	// Initialize services
	templates := service.NewTemplateService(store, log)
	resolver := service.NewRequirementResolver(store, log)
	audit := service.NewAuditService(store, log)
	orch := service.NewOrchestrator(store, resolver, notifier, log,
		service.WithMetrics(m),
		service.WithListeners(listeners...),
	)

	if cfg.Workflow.SeedFile != "" {
		seed, err := service.LoadSeed(cfg.Workflow.SeedFile)
		if err != nil {
			return err
		}
		res, err := seed.Apply(ctx, templates, resolver)
		if err != nil {
			return fmt.Errorf("apply seed %s: %w", cfg.Workflow.SeedFile, err)
		}
		log.Info().
			Str("file", cfg.Workflow.SeedFile).
			Int("templates_created", res.TemplatesCreated).
			Int("rules_created", res.RulesCreated).
			Msg("Workflow seed applied")
	}

	// Escalation scheduler
	var scheduler *service.EscalationScheduler
	if cfg.Escalation.Enabled {
		opts := []service.SchedulerOption{service.WithSchedulerMetrics(m)}
		if cfg.Redis.Addr != "" {
			rdb := redis.NewClient(&redis.Options{
				Addr:     cfg.Redis.Addr,
				Password: cfg.Redis.Password,
				DB:       cfg.Redis.DB,
			})
			defer rdb.Close()
			lock := client.NewRedisScanLock(rdb, "", log)
			if err := lock.Ping(ctx); err != nil {
				log.Warn().Err(err).Msg("Redis unreachable, scans will retry the lock each cycle")
			}
			opts = append(opts, service.WithScanLock(lock))
		}
		scheduler = service.NewEscalationScheduler(orch, service.SchedulerConfig{
			Schedule:    cfg.Escalation.Schedule,
			BatchSize:   cfg.Escalation.BatchSize,
			ScanTimeout: cfg.Escalation.ScanTimeout,
			LockTTL:     cfg.Escalation.LockTTL,
		}, log, opts...)
		if err := scheduler.Start(); err != nil {
			return err
		}
	}

	// Setup HTTP routes
	secret := cfg.Auth.JWTSecret
	if secret == "" {
		secret = uuid.NewString()
		log.Warn().Msg("JWT_SECRET not set, using an ephemeral signing key")
	}
	verifier := client.NewIdentityVerifier(secret, cfg.Auth.Issuer, cfg.Auth.AdminRole)

	httpHandler := handler.NewHTTPHandler(orch, templates, resolver, audit, store, log)
	mux := http.NewServeMux()
	httpHandler.Register(mux)
	mux.Handle("/metrics", m.Handler())

	// Apply middleware
	var h http.Handler = mux
	h = httpHandler.Authenticate(verifier)(h)
	h = m.Instrument(h)
	h = middleware.Timeout(cfg.Server.RequestTimeout)(h)
	h = middleware.CORS([]string{"*"})(h)
	h = middleware.Recovery(&log.Logger)(h)
	h = middleware.Logger(&log.Logger)(h)
	h = middleware.RequestID(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// gRPC health and reflection
	grpcHandler := handler.NewGRPCHandler(store, 10*time.Second, log)
	grpcServer := grpcHandler.NewServer()
	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("create gRPC listener: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		log.Info().Int("port", cfg.Server.GRPCPort).Msg("Starting gRPC server")
		return grpcServer.Serve(grpcListener)
	})
	g.Go(func() error {
		return grpcHandler.Run(gctx)
	})

	// Graceful shutdown
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if scheduler != nil {
			if err := scheduler.Stop(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Escalation scheduler did not stop in time")
			}
		}
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown failed")
		}
		grpcServer.GracefulStop()
		if publisher != nil {
			if err := publisher.Close(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Notification queue not drained")
			}
		}
		return nil
	})

	return g.Wait()
}

// openStore connects the configured backend and applies migrations.
func openStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (repository.Store, func(), error) {
	if cfg.Database.Driver == "memory" {
		log.Warn().Msg("Using in-memory store, state is lost on restart")
		return repository.NewMemoryStore(), func() {}, nil
	}

	db, err := database.New(ctx, database.Config{
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		User:        cfg.Database.User,
		Password:    cfg.Database.Password,
		Database:    cfg.Database.Database,
		SSLMode:     cfg.Database.SSLMode,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
		HealthCheck: cfg.Database.HealthCheck,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	log.Info().Msg("Database connection established")

	if cfg.Database.Migrate {
		sub, err := fs.Sub(repository.Migrations, "migrations")
		if err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		applied, err := db.Migrate(ctx, sub)
		if err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		log.Info().Strs("applied", applied).Msg("Database migrations complete")
	}
	return repository.NewPostgresStore(db), func() { _ = db.Close() }, nil
}
