package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"quotagate/internal/abuse"
	"quotagate/internal/config"
	"quotagate/internal/metrics"
	"quotagate/internal/queue"
	"quotagate/internal/quota"
	"quotagate/internal/storage"
	"quotagate/internal/utils"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		log.Fatalf("Invalid timezone %q: %v", cfg.Timezone, err)
	}

	db, err := storage.NewDB(storage.DBConfig{
		URL:               cfg.Database.URL,
		MaxOpenConns:      cfg.Database.MaxOpenConns,
		MaxIdleConns:      cfg.Database.MaxIdleConns,
		ConnMaxLifetime:   cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime:   cfg.Database.ConnMaxIdleTime,
		SettingsCacheSize: 16,
		SettingsCacheTTL:  30 * time.Second,
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	redisClient, err := storage.NewRedisClient(storage.RedisConfig{
		Address:      cfg.Redis.Address,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	engineMetrics := metrics.New(registry)

	costs := db.NewCostRepository(loc)
	settings := db.NewSettingsRepository()

	sessions := quota.NewSessionTracker(redisClient, quota.SessionTrackerConfig{
		SessionTTL:         cfg.Quota.SessionTTL,
		FallbackTTL:        cfg.Quota.SessionFallbackTTL,
		CleanupProbability: cfg.Quota.CleanupProbability,
	}, utils.NewLogger("sessions"), engineMetrics)

	tracker := quota.NewCostTracker(redisClient, costs, sessions, quota.TrackerConfig{
		WarmRate:  rate.Limit(cfg.Quota.WarmRatePerSecond),
		WarmBurst: cfg.Quota.WarmBurst,
	}, loc, utils.NewLogger("costs"), engineMetrics)

	slicer := quota.NewLeaseSlicer(redisClient, costs, settings, loc, utils.NewLogger("lease"), engineMetrics)
	_ = slicer // handed to the routing layer alongside the tracker

	queueCfg := &queue.Config{
		Name:         "cost",
		BatchSize:    cfg.Queue.BatchSize,
		BatchTimeout: cfg.Queue.BatchTimeout,
		MaxRetries:   cfg.Queue.MaxRetries,
		RetryBackoff: cfg.Queue.RetryBackoff,
	}
	var costQueue queue.Queue
	if cfg.Queue.Backend == "redis" {
		costQueue = queue.NewRedisQueue(redisClient, queueCfg)
	} else {
		costQueue = queue.NewMemoryQueue(queueCfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	submitter := quota.NewCostSubmitter(costQueue, tracker, queueCfg, utils.NewLogger("cost-worker"), engineMetrics)
	submitter.Start(ctx)
	tracker.UseSubmitter(submitter)

	loginGuard := abuse.NewTracker(abuse.TrackerConfig{
		MaxAttempts: cfg.Abuse.MaxAttempts,
		Window:      cfg.Abuse.Window,
		Lockout:     cfg.Abuse.Lockout,
		MaxEntries:  cfg.Abuse.MaxEntries,
	})

	sweeper := cron.New()
	if _, err := sweeper.AddFunc(cfg.Abuse.SweepSchedule, func() {
		loginGuard.Sweep()
	}); err != nil {
		log.Fatalf("Invalid sweep schedule %q: %v", cfg.Abuse.SweepSchedule, err)
	}
	sweeper.Start()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		checkCtx, checkCancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer checkCancel()
		if err := db.Health(checkCtx); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	server := &http.Server{
		Addr:         ":" + cfg.MetricsPort,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Printf("Admission engine metrics listening on :%s", cfg.MetricsPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	<-sweeper.Stop().Done()
	submitter.Stop()
	if err := costQueue.Close(); err != nil {
		log.Printf("Failed to close cost queue: %v", err)
	}

	log.Println("Exited")
}
