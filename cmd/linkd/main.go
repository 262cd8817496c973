package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fernwatch/camtrap/internal/config"
	ingesthandler "github.com/fernwatch/camtrap/internal/handler/ingest"
	linkinghandler "github.com/fernwatch/camtrap/internal/handler/linking"
	"github.com/fernwatch/camtrap/internal/linking"
	"github.com/fernwatch/camtrap/internal/pipeline"
	"github.com/fernwatch/camtrap/internal/repository/postgres"
	"github.com/fernwatch/camtrap/internal/router"
	"github.com/fernwatch/camtrap/pkg/logger"
	"github.com/fernwatch/camtrap/pkg/messaging/redis"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewLogger(&logger.Config{
		Level:      logger.ParseLevel(cfg.Logging.Level),
		TimeFormat: time.RFC3339,
		Output:     os.Stdout,
		Console:    cfg.Logging.Console,
	}).WithComponent("linkd")

	db, err := postgres.NewDB(cfg.Database)
	if err != nil {
		log.Fatal(err, "failed to connect to database")
	}
	defer db.Close()

	queue, err := redis.NewStreamQueue(redis.Config{
		URL:           cfg.Queue.URL,
		ClaimMinIdle:  cfg.Queue.ClaimMinIdle,
		MaxDeliveries: cfg.Queue.MaxDeliveries,
		BatchSize:     cfg.Queue.BatchSize,
		PoolSize:      cfg.Queue.PoolSize,
		MinIdleConns:  cfg.Queue.MinIdleConns,
	}, log.Zerolog())
	if err != nil {
		log.Fatal(err, "failed to connect to queue")
	}
	defer queue.Close()

	base := postgres.NewBaseRepository(db)
	tokens := postgres.NewLinkingTokenRepository(base)
	images := postgres.NewImageRepository(base)
	cameras := postgres.NewCameraRepository(base)

	linkingService := linking.NewService(tokens, cfg.Linking.TokenTTL, log)
	enqueuer := pipeline.NewEnqueuer(images, cameras, queue, cfg.Pipeline.DetectStream, cfg.Pipeline.EventStream)

	r := router.NewRouter(log,
		linkinghandler.NewHandler(linkingService),
		ingesthandler.NewHandler(enqueuer),
	)
	r.Setup()

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: r.Engine(),
	}

	go func() {
		log.Info("linkd listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err, "server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error(err, "shutdown failed")
	}
}
