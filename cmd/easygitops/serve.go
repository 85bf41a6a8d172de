package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/djlord-it/easy-gitops/internal/analytics"
	"github.com/djlord-it/easy-gitops/internal/api"
	"github.com/djlord-it/easy-gitops/internal/circuitbreaker"
	"github.com/djlord-it/easy-gitops/internal/config"
	"github.com/djlord-it/easy-gitops/internal/dispatcher"
	"github.com/djlord-it/easy-gitops/internal/executor"
	"github.com/djlord-it/easy-gitops/internal/gitops"
	"github.com/djlord-it/easy-gitops/internal/metrics"
	"github.com/djlord-it/easy-gitops/internal/pipeline"
	"github.com/djlord-it/easy-gitops/internal/reconciler"
	"github.com/djlord-it/easy-gitops/internal/router"
	"github.com/djlord-it/easy-gitops/internal/store/memory"
	"github.com/djlord-it/easy-gitops/internal/store/postgres"
	"github.com/djlord-it/easy-gitops/internal/transport/channel"

	_ "github.com/lib/pq"
)

// eventStore is what serve needs from a storage backend.
type eventStore interface {
	api.Store
	dispatcher.Store
	reconciler.Store
	Ping(ctx context.Context) error
}

func runServe() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}

	projects, err := config.LoadProjects(cfg.ProjectsFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "projects error: %v\n", err)
		return exitInvalidConfig
	}
	log.Printf("easygitops: loaded %d projects from %s", projects.Len(), cfg.ProjectsFile)

	logConfigWarnings(&cfg)

	store, closeStore, err := openStore(context.Background(), cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitRuntimeError
	}
	defer closeStore()

	// Initialize metrics sink (optional)
	var metricsSink *metrics.PrometheusSink
	var metricsServer *http.Server

	if cfg.MetricsEnabled {
		metricsSink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer)
		log.Printf("easygitops: metrics enabled (port=%s, path=%s)", cfg.MetricsPort, cfg.MetricsPath)

		// Start metrics HTTP server on separate port
		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.MetricsPath, promhttp.Handler())
		metricsServer = &http.Server{
			Addr:    ":" + cfg.MetricsPort,
			Handler: metricsMux,
		}
		go func() {
			log.Printf("easygitops: metrics server listening on :%s", cfg.MetricsPort)
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("easygitops: metrics server error: %v", err)
			}
		}()
	} else {
		log.Println("easygitops: METRICS_ENABLED not set; metrics disabled")
	}

	// Create event bus with optional metrics
	var busOpts []channel.Option
	if metricsSink != nil {
		busOpts = append(busOpts, channel.WithMetrics(metricsSink))
	}
	bus := channel.NewEventBus(cfg.EventBusBufferSize, busOpts...)

	runner := buildRunner(cfg, metricsSink)
	eventRouter := router.New(gitops.NewHandler(cfg.GitOps()))

	disp := dispatcher.New(store, projects, eventRouter, runner).
		WithWorkers(cfg.DispatcherWorkers).
		WithDrainTimeout(cfg.DispatcherDrainTimeout)
	if metricsSink != nil {
		disp = disp.WithMetrics(metricsSink)
	}

	// Wire analytics if Redis is configured
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
		})
		defer redisClient.Close()
		sink := analytics.NewRedisSink(redisClient).WithRetention(cfg.AnalyticsRetention)
		disp = disp.WithAnalytics(sink)
		log.Printf("easygitops: analytics enabled (redis=%s, retention=%s)", cfg.RedisAddr, cfg.AnalyticsRetention)
	} else {
		log.Println("easygitops: REDIS_ADDR not set; analytics disabled")
	}

	apiHandler := api.NewHandler(store, bus, projects).
		WithSecret(cfg.IngestSecret).
		WithHealthChecker(store)
	if metricsSink != nil {
		apiHandler = apiHandler.WithMetrics(metricsSink)
	}

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: apiHandler,
	}

	go func() {
		log.Printf("easygitops: http server listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("easygitops: http server error: %v", err)
		}
	}()

	// Separate contexts for dispatcher and reconciler enable ordered shutdown.
	dispatcherCtx, cancelDispatcher := context.WithCancel(context.Background())

	var dispatcherWg sync.WaitGroup
	var reconcilerWg sync.WaitGroup
	var cancelReconciler context.CancelFunc

	dispatcherWg.Add(1)
	go func() {
		defer dispatcherWg.Done()
		disp.Run(dispatcherCtx, bus.Channel())
	}()

	if cfg.ReconcileEnabled {
		var reconcilerCtx context.Context
		reconcilerCtx, cancelReconciler = context.WithCancel(context.Background())
		recon := reconciler.New(
			reconciler.Config{
				Interval:  cfg.ReconcileInterval,
				Threshold: cfg.ReconcileThreshold,
				BatchSize: cfg.ReconcileBatchSize,
			},
			store,
			bus,
		)
		if metricsSink != nil {
			recon = recon.WithMetrics(metricsSink)
		}
		reconcilerWg.Add(1)
		go func() {
			defer reconcilerWg.Done()
			recon.Run(reconcilerCtx)
		}()
		log.Printf("easygitops: reconciler enabled (interval=%s, threshold=%s, batch=%d)",
			cfg.ReconcileInterval, cfg.ReconcileThreshold, cfg.ReconcileBatchSize)
	} else {
		log.Println("easygitops: RECONCILE_ENABLED not set; reconciler disabled")
	}

	log.Printf("easygitops: started (http=%s, executor=%s, workers=%d)", cfg.HTTPAddr, cfg.Executor, cfg.DispatcherWorkers)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	log.Printf("easygitops: received signal %v, shutting down", received)

	// Phase 1: Stop HTTP server (no new events accepted)
	log.Println("easygitops: stopping http server...")
	httpShutdownCtx, httpShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer httpShutdownCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		log.Printf("easygitops: http server shutdown error: %v", err)
	}
	log.Println("easygitops: http server stopped")

	// Phase 2: Stop reconciler (no new re-emits)
	if cancelReconciler != nil {
		log.Println("easygitops: stopping reconciler...")
		cancelReconciler()
		reconcilerWg.Wait()
		log.Println("easygitops: reconciler stopped")
	}

	// Phase 3: Stop dispatcher (drains buffered events before returning)
	log.Println("easygitops: stopping dispatcher (draining events)...")
	cancelDispatcher()
	dispatcherWg.Wait()
	log.Println("easygitops: dispatcher stopped")

	// Phase 4: Stop metrics server if running (with same timeout)
	if metricsServer != nil {
		log.Println("easygitops: stopping metrics server...")
		metricsShutdownCtx, metricsShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
		defer metricsShutdownCancel()
		if err := metricsServer.Shutdown(metricsShutdownCtx); err != nil {
			log.Printf("easygitops: metrics server shutdown error: %v", err)
		}
		log.Println("easygitops: metrics server stopped")
	}

	log.Println("easygitops: stopped")
	return exitSuccess
}

// openStore returns the PostgreSQL store with its schema applied, or the
// in-memory store when no DATABASE_URL is configured.
func openStore(ctx context.Context, cfg config.Config) (eventStore, func(), error) {
	if cfg.DatabaseURL == "" {
		log.Println("easygitops: DATABASE_URL not set; using in-memory store (events are lost on restart)")
		return memory.New(), func() {}, nil
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	log.Printf("easygitops: db pool configured (max_open=%d, max_idle=%d, max_lifetime=%s, max_idle_time=%s)",
		cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)

	store := postgres.New(db)
	if err := store.Ping(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, func() { db.Close() }, nil
}

// buildRunner assembles the job runner: the configured executor, guarded
// by a per-image circuit breaker, with notifications optionally posted
// from the process.
func buildRunner(cfg config.Config, metricsSink *metrics.PrometheusSink) pipeline.Runner {
	var runner pipeline.Runner
	switch cfg.Executor {
	case config.ExecutorDryRun:
		runner = executor.NewLogRunner()
	default:
		docker := executor.NewDockerRunner(cfg.DockerBinary)
		if cfg.StorageVolume != "" {
			docker = docker.WithStorageVolume(cfg.StorageVolume)
		}
		runner = docker
	}

	if cfg.CircuitBreakerThreshold > 0 {
		guarded := executor.NewGuardedRunner(runner,
			circuitbreaker.New(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown))
		if metricsSink != nil {
			guarded = guarded.WithMetrics(metricsSink)
		}
		runner = guarded
	}

	if cfg.NotifyMode == config.NotifyNative {
		runner = executor.Route(runner, executor.NewChatRunner())
	}
	return runner
}
