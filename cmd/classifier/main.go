package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fernwatch/camtrap/internal/config"
	"github.com/fernwatch/camtrap/internal/inference"
	"github.com/fernwatch/camtrap/internal/objstore"
	"github.com/fernwatch/camtrap/internal/pipeline"
	"github.com/fernwatch/camtrap/internal/repository/postgres"
	"github.com/fernwatch/camtrap/pkg/logger"
	"github.com/fernwatch/camtrap/pkg/messaging/redis"
	"github.com/fernwatch/camtrap/pkg/metrics"
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
	}).WithComponent("classifier")

	db, err := postgres.NewDB(cfg.Database)
	if err != nil {
		log.Fatal(err, "failed to connect to database")
	}
	defer db.Close()

	store, err := objstore.NewMinioStore(cfg.Storage)
	if err != nil {
		log.Fatal(err, "failed to create object storage client")
	}

	client, err := inference.NewClient(cfg.Inference)
	if err != nil {
		log.Fatal(err, "failed to create inference client")
	}

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

	images := postgres.NewImageRepository(postgres.NewBaseRepository(db))
	m := metrics.NewPipelineMetrics("camtrap_classifier")

	stage := pipeline.NewClassificationStage(
		images,
		store,
		cfg.Storage.Bucket,
		client,
		queue,
		cfg.Pipeline.EventStream,
		cfg.Pipeline.ClassifyTopN,
		log,
		m,
	)
	coordinator := pipeline.NewCoordinator(
		queue,
		cfg.Pipeline.ClassifyStream,
		"classifiers",
		consumerName("classifier"),
		stage,
		log,
		m,
	)

	startHealthServer(cfg.Server.HealthPort, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info("shutting down")
		cancel()
	}()

	if err := coordinator.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal(err, "coordinator stopped")
	}
}

func startHealthServer(port int, log *logger.Logger) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", promhttp.Handler())

	go func() {
		if err := http.ListenAndServe(fmt.Sprintf(":%d", port), mux); err != nil {
			log.Fatal(err, "health server failed")
		}
	}()
}

func consumerName(role string) string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s-%s-%d", role, hostname, os.Getpid())
}
