package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"pdfxml/config"
	"pdfxml/logging"
	"pdfxml/server"
	"pdfxml/services"
	"pdfxml/worker"
)

const sweepInterval = 5 * time.Minute

func main() {
	// Load configuration
	cfg := config.Load()

	log := logging.New(logging.Config{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Service: "pdfxml",
	})
	log.Info().Msg("Starting PDF to ASYCUDA XML gateway...")

	if !cfg.VendorConfigured() {
		log.Warn().Msg("API_BASE_URL or API_KEY is not set, conversions will be refused")
	}

	// Initialize Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})

	// Test Redis connection
	ctx := context.Background()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	log.Info().Msg("Connected to Redis successfully")

	sinks := worker.Sinks{Status: services.NewStatusCache(redisClient, cfg)}
	var history server.History

	// Initialize database service
	if cfg.DatabaseEnabled {
		dbSvc, err := services.NewDatabaseService(cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer dbSvc.Close()

		if err := dbSvc.EnsureSchema(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to prepare database schema")
		}
		sinks.Audit = dbSvc
		history = dbSvc
		log.Info().Msg("Connected to database successfully")
	}

	var archives server.ArchiveStore
	if cfg.ArchiveEnabled() {
		archives = services.NewS3Service(cfg)
		log.Info().Str("bucket", cfg.S3Bucket).Msg("Bulk archives are stored in S3")
	}

	gateway := services.NewGatewayFromConfig(cfg)
	pool := worker.NewPool(cfg, log)
	registry := worker.NewRegistry(cfg, gateway, pool, sinks, log)

	srv := server.New(server.Deps{
		Config:   cfg,
		Gateway:  gateway,
		Registry: registry,
		Auth:     services.NewAuthService(cfg.AuthURL, cfg.AuthAnonKey),
		Sessions: services.NewSessionStore(redisClient, cfg),
		Archives: archives,
		History:  history,
		Logger:   log,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start workers
	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(context.Background())

	for i := 0; i < cfg.WorkerCount; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			pool.StartWorker(ctx, workerID)
		}(i)
	}

	// Start idle batch sweeper
	wg.Add(1)
	go func() {
		defer wg.Done()
		registry.SweepLoop(ctx, sweepInterval)
	}()

	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	log.Info().
		Int("workers", cfg.WorkerCount).
		Str("addr", cfg.ListenAddr).
		Str("api_base_url", cfg.APIBaseURL).
		Msg("Service is ready to accept uploads")

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("Shutdown signal received, stopping server and workers...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	cancel()

	// Wait for workers to finish with timeout
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("All workers stopped gracefully")
	case <-shutdownCtx.Done():
		log.Warn().Msg("Shutdown timeout, forcing exit")
	}

	redisClient.Close()
	log.Info().Msg("Gateway stopped")
}
