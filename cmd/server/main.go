// Package main is the entry point for the formvault API server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"formvault/internal/archive"
	"formvault/internal/bulk"
	"formvault/internal/config"
	"formvault/internal/logger"
	"formvault/internal/notify"
	"formvault/internal/objectstore"
	"formvault/internal/observability"
	"formvault/internal/store/postgres"
	"formvault/internal/web"
	"formvault/internal/web/handlers"
)

func main() {
	migrateFlag := flag.Bool("migrate", false, "Run database migrations before starting")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	slogger := logger.New()
	ctx := context.Background()

	// Database
	db, err := postgres.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to DB: %v", err)
	}
	defer db.Close()

	if *migrateFlag {
		log.Println("Running database migrations...")
		if err := postgres.Migrate(db.DB()); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		log.Println("Migrations completed successfully")
	}

	// Object store
	objects, err := objectstore.NewMinio(ctx, objectstore.MinioConfig{
		Endpoint:  cfg.MinioEndpoint,
		AccessKey: cfg.MinioAccessKey,
		SecretKey: cfg.MinioSecretKey,
		Bucket:    cfg.MinioBucket,
		UseSSL:    cfg.MinioUseSSL,
	})
	if err != nil {
		log.Fatalf("Failed to connect to object store: %v", err)
	}

	// Notification channel
	var notifier notify.Notifier = notify.Noop{}
	if cfg.RedisAddr != "" {
		redisNotifier, err := notify.NewRedis(ctx, cfg.RedisAddr, slogger)
		if err != nil {
			log.Fatalf("Failed to connect to redis: %v", err)
		}
		defer redisNotifier.Close()
		notifier = redisNotifier
	}

	// Tracing
	if cfg.OTELEndpoint != "" {
		shutdownTracer, err := observability.InitTracer(ctx, "formvault-server", cfg.OTELEndpoint)
		if err != nil {
			log.Fatalf("Failed to init tracing: %v", err)
		}
		defer func() {
			if err := shutdownTracer(context.Background()); err != nil {
				log.Printf("Failed to shutdown tracer: %v", err)
			}
		}()
	}

	// Metrics
	metricsHandler, shutdownMetrics, err := observability.InitMetrics("formvault-server")
	if err != nil {
		log.Fatalf("Failed to init metrics: %v", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			log.Printf("Failed to shutdown metrics: %v", err)
		}
	}()

	// Engines
	bulkEngine := bulk.New(db, objects, notifier, slogger, bulk.Config{
		BatchDelay: cfg.BulkBatchDelay,
	})
	archiveEngine := archive.New(db, objects, notifier, slogger, archive.Config{
		Bucket: cfg.MinioBucket,
	})

	h := handlers.New(bulkEngine, archiveEngine, db, db, slogger)

	addr := fmt.Sprintf(":%d", cfg.HTTPPort)
	srv := web.New(addr, h, metricsHandler, cfg.RatePerSecond, cfg.RateBurst)

	go func() {
		log.Printf("FormVault server starting on %s", addr)
		if err := srv.Run(ctx); err != nil {
			log.Printf("Server stopped: %v", err)
		}
	}()

	// Graceful Shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Server forced to shutdown: %v", err)
	}

	// Let detached jobs reach a terminal state before exit.
	log.Println("Waiting for detached jobs to finish...")
	bulkEngine.Wait()
	archiveEngine.Wait()
	log.Println("Server exited properly")
}
