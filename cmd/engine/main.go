package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/newsdesk/pubengine/internal/analytics"
	"github.com/newsdesk/pubengine/internal/api"
	"github.com/newsdesk/pubengine/internal/config"
	"github.com/newsdesk/pubengine/internal/content"
	"github.com/newsdesk/pubengine/internal/notifications"
	"github.com/newsdesk/pubengine/internal/promotion"
	"github.com/newsdesk/pubengine/internal/publication"
	"github.com/newsdesk/pubengine/internal/scheduler"
	"github.com/newsdesk/pubengine/internal/storage"
	"github.com/sirupsen/logrus"
)

func main() {
	// Load environment variables from .env file if it exists
	if err := godotenv.Load(); err != nil {
		logrus.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logrus.SetLevel(logrus.InfoLevel)
	if cfg.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	logrus.SetFormatter(&logrus.JSONFormatter{})

	logrus.Info("Starting publication engine")

	ctx := context.Background()
	store, err := openStorage(ctx, cfg)
	if err != nil {
		logrus.Fatalf("Failed to initialize storage: %v", err)
	}

	var registry content.Registry = content.NewMemoryRegistry()
	if cfg.ContentAPIURL != "" {
		registry = content.NewHTTPRegistry(cfg.ContentAPIURL, cfg.ContentAPIToken, cfg.ContentCacheTTL)
	}

	// Notifications go out on a background queue so lifecycle calls never wait on SMTP or webhooks
	dispatcher := notifications.NewDispatcher(notifications.NewService(cfg), 64)

	pubs := publication.NewService(publication.NewMemoryRepository(), registry, dispatcher)
	ledger := promotion.NewLedger(cfg, pubs)

	sink := analytics.NewDeadLetterSink(store, cfg.DeadLetterBuffer, cfg.DeadLetterRetries)
	engine := analytics.NewEngine(cfg, analytics.NewMemoryEventLog(cfg.EventLogShards), pubs, registry, sink)
	engine.SetCodeSource(ledger)
	pubs.SetCounterSource(engine)

	reports := analytics.NewReportService(engine, store, dispatcher)

	schedulerService := scheduler.NewService(cfg, pubs, engine, reports, dispatcher)
	if err := schedulerService.Start(); err != nil {
		logrus.Fatalf("Failed to start scheduler: %v", err)
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      api.NewServer(pubs, ledger, engine, reports).Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logrus.Infof("HTTP server starting on port %s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("HTTP server failed: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("Server forced to shutdown: %v", err)
	}
	schedulerService.Stop()
	reports.Wait()
	sink.Close()
	dispatcher.Close()

	logrus.Info("Server exited")
}

func openStorage(ctx context.Context, cfg *config.Config) (storage.StorageInterface, error) {
	if cfg.StorageAccount != "" {
		return storage.NewAzureStorage(ctx, cfg.StorageAccount, cfg.StorageContainer)
	}
	logrus.Infof("No storage account configured, writing to %s", cfg.LocalStorageDir)
	return storage.NewLocalStorage(cfg.LocalStorageDir)
}
