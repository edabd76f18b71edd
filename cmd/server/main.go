package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"imagehub/internal/blob"
	"imagehub/internal/events"
	"imagehub/internal/gallery"
	"imagehub/internal/models"
	"imagehub/internal/server"
	"imagehub/internal/staging"
	"imagehub/internal/storage"
	"imagehub/internal/transcode"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	cfg, err := models.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("failed to init storage", zap.Error(err))
	}
	defer db.Close()

	blobs := blob.NewS3Store(cfg.S3)

	producer := events.NewProducer(cfg.KafkaBroker, cfg.KafkaTopic, logger)
	defer producer.Close()

	// Expired staging sessions hand their blob paths to the cleanup bus.
	stg := staging.New(blobs, cfg.StagingTTL(), func(paths []string) {
		producer.EnqueueDelete(context.Background(), paths)
	}, logger)

	go func() {
		if err := events.RunCleanupConsumer(ctx, cfg.KafkaBroker, cfg.KafkaTopic, "imagehub-cleanup", blobs, logger); err != nil {
			logger.Error("cleanup consumer stopped", zap.Error(err))
		}
	}()

	orders := storage.NewOrderManager(db, logger)
	svc := gallery.NewService(db, orders, blobs, blobs, stg, transcode.New(), cfg.MaxUploadBytes, logger)
	query := gallery.NewQuery(db, blobs)

	srv := server.NewServer(cfg, svc, query, logger)

	go func() {
		if err := srv.Start(); err != nil {
			logger.Fatal("failed to start server", zap.Error(err))
		}
	}()
	logger.Info("server started", zap.String("addr", cfg.ServerAddr))

	// Graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	cancel()
	srv.Stop()
}
