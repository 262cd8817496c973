package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fernwatch/camtrap/internal/config"
	"github.com/fernwatch/camtrap/internal/dispatch"
	"github.com/fernwatch/camtrap/internal/model"
	"github.com/fernwatch/camtrap/internal/objstore"
	"github.com/fernwatch/camtrap/internal/repository/postgres"
	"github.com/fernwatch/camtrap/pkg/logger"
	"github.com/fernwatch/camtrap/pkg/messaging/redis"
	"github.com/fernwatch/camtrap/pkg/metrics"
)

func main() {
	channelName := flag.String("channel", os.Getenv("CAMTRAP_DISPATCH_CHANNEL"), "delivery channel to serve (email, chat-a, chat-b)")
	flag.Parse()

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
	}).WithComponent("dispatcher")

	channel, err := buildChannel(model.Channel(*channelName), cfg.Channels)
	if err != nil {
		log.Fatal(err, "failed to select channel")
	}

	db, err := postgres.NewDB(cfg.Database)
	if err != nil {
		log.Fatal(err, "failed to connect to database")
	}
	defer db.Close()

	store, err := objstore.NewMinioStore(cfg.Storage)
	if err != nil {
		log.Fatal(err, "failed to create object storage client")
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

	worker := dispatch.NewWorker(
		channel,
		postgres.NewNotificationLogRepository(postgres.NewBaseRepository(db)),
		store,
		cfg.Storage.Bucket,
		queue,
		dispatch.WorkerConfig{
			StreamPrefix:      cfg.Channels.DispatchStreamPrefix,
			SendRatePerMinute: cfg.Channels.SendRatePerMinute,
			SendTimeout:       cfg.Channels.SendTimeout,
		},
		log,
		metrics.NewDispatchMetrics("camtrap_dispatcher"),
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

	group := "dispatchers-" + string(channel.Name())
	if err := worker.Run(ctx, group, consumerName("dispatcher")); err != nil && ctx.Err() == nil {
		log.Fatal(err, "dispatch worker stopped")
	}
}

func buildChannel(name model.Channel, cfg config.ChannelsConfig) (dispatch.Channel, error) {
	switch name {
	case model.ChannelEmail:
		return dispatch.NewEmailChannel(cfg.Email), nil
	case model.ChannelChatA:
		return dispatch.NewChatChannel(model.ChannelChatA, cfg.ChatA), nil
	case model.ChannelChatB:
		return dispatch.NewChatChannel(model.ChannelChatB, cfg.ChatB), nil
	}
	return nil, fmt.Errorf("unknown channel %q", name)
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
