package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/time/rate"

	"github.com/fernwatch/camtrap/internal/model"
	"github.com/fernwatch/camtrap/internal/objstore"
	"github.com/fernwatch/camtrap/internal/repository"
	"github.com/fernwatch/camtrap/pkg/circuitbreaker"
	pkgerrors "github.com/fernwatch/camtrap/pkg/errors"
	"github.com/fernwatch/camtrap/pkg/logger"
	"github.com/fernwatch/camtrap/pkg/messaging"
	"github.com/fernwatch/camtrap/pkg/metrics"
)

type WorkerConfig struct {
	StreamPrefix      string
	SendRatePerMinute int
	SendTimeout       time.Duration
}

// Worker is the shared dispatch loop: every channel runs the same polling,
// validation, attachment handling, and audit logging, parameterized by one
// Channel implementation. Each job is processed and fails independently; a
// failed delivery never blocks other targets of the same event.
type Worker struct {
	channel Channel
	logs    repository.NotificationLogRepository
	store   objstore.Store
	bucket  string
	queue   messaging.Queue
	cfg     WorkerConfig

	limiter  *rate.Limiter
	breaker  *circuitbreaker.CircuitBreaker
	validate *validator.Validate
	logger   *logger.Logger
	metrics  *metrics.DispatchMetrics
}

func NewWorker(
	channel Channel,
	logs repository.NotificationLogRepository,
	store objstore.Store,
	bucket string,
	queue messaging.Queue,
	cfg WorkerConfig,
	log *logger.Logger,
	m *metrics.DispatchMetrics,
) *Worker {
	if cfg.StreamPrefix == "" {
		panic("StreamPrefix must be set")
	}
	if cfg.SendRatePerMinute <= 0 {
		cfg.SendRatePerMinute = 20
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 15 * time.Second
	}

	return &Worker{
		channel: channel,
		logs:    logs,
		store:   store,
		bucket:  bucket,
		queue:   queue,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.SendRatePerMinute)), 1),
		breaker: circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
			Name: string(channel.Name()),
		}),
		validate: validator.New(),
		logger:   log.WithComponent("dispatch-" + string(channel.Name())),
		metrics:  m,
	}
}

// Run blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context, group, consumer string) error {
	stream := w.cfg.StreamPrefix + string(w.channel.Name())
	w.logger.Info("dispatch worker started", "stream", stream)
	return w.queue.Consume(ctx, stream, group, consumer, w.handle)
}

func (w *Worker) handle(ctx context.Context, msg messaging.Message) error {
	channelName := string(w.channel.Name())

	var job Job
	if err := json.Unmarshal(msg.Payload, &job); err != nil {
		w.logger.Warn("dropping malformed dispatch job", "error", err.Error())
		return pkgerrors.Validation("malformed dispatch job", err)
	}
	if err := w.validate.Struct(&job); err != nil {
		w.logger.Warn("dropping invalid dispatch job", "error", err.Error())
		return pkgerrors.Validation("invalid dispatch job", err)
	}

	log := w.logger.WithFields(map[string]interface{}{
		"notification_log_id": job.NotificationLogID.String(),
	})

	row, err := w.logs.Get(ctx, job.NotificationLogID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			log.Warn("dropping job with unknown notification log")
			return pkgerrors.Validation("unknown notification log id", err)
		}
		return pkgerrors.Transient("failed to load notification log", err)
	}
	if row.Status != model.NotificationStatusPending {
		// Redelivered job whose delivery already reached a terminal
		// status; the audit trail stays single-terminal.
		log.Info("notification already terminal", "status", string(row.Status))
		return nil
	}

	// A channel without credentials is a permanent failure: record it and
	// acknowledge, since retrying cannot succeed without operator action.
	if !w.channel.Configured() {
		w.markFailed(ctx, job, "channel not configured", log)
		w.metrics.Deliveries.WithLabelValues(channelName, "failed").Inc()
		return nil
	}

	attachment := w.fetchAttachment(ctx, job, log)

	if err := w.limiter.Wait(ctx); err != nil {
		return pkgerrors.Transient("rate limiter interrupted", err)
	}

	start := time.Now()
	sendErr := w.breaker.Execute(func() error {
		sendCtx, cancel := context.WithTimeout(ctx, w.cfg.SendTimeout)
		defer cancel()
		return w.channel.Send(sendCtx, job, attachment)
	})
	w.metrics.DeliveryLatency.WithLabelValues(channelName).Observe(time.Since(start).Seconds())

	if sendErr != nil {
		if errors.Is(sendErr, circuitbreaker.ErrOpen) {
			// Not attempted; leave the row pending for redelivery.
			return pkgerrors.Transient("channel circuit open", sendErr)
		}

		w.markFailed(ctx, job, sendErr.Error(), log)
		w.metrics.Deliveries.WithLabelValues(channelName, "failed").Inc()
		log.Error(sendErr, "delivery failed", "channel", channelName)

		if pkgerrors.KindOf(sendErr) == pkgerrors.KindConfiguration {
			return nil
		}
		// Propagate so the failure is visible to supervision; the terminal
		// row stops the redelivered job from sending twice.
		return sendErr
	}

	ok, err := w.logs.MarkSent(ctx, job.NotificationLogID, time.Now())
	if err != nil {
		return pkgerrors.Transient("failed to mark notification sent", err)
	}
	if ok {
		w.metrics.Deliveries.WithLabelValues(channelName, "sent").Inc()
		log.Info("delivery sent", "channel", channelName)
	}
	return nil
}

// fetchAttachment degrades gracefully: a missing attachment downgrades the
// delivery, it does not fail it.
func (w *Worker) fetchAttachment(ctx context.Context, job Job, log *logger.Logger) []byte {
	if job.AttachmentPath == "" {
		return nil
	}
	data, err := w.store.Get(ctx, w.bucket, job.AttachmentPath)
	if err != nil {
		w.metrics.AttachmentErrors.WithLabelValues(string(w.channel.Name())).Inc()
		log.Warn("attachment fetch failed, delivering without it",
			"attachment_path", job.AttachmentPath,
			"error", err.Error(),
		)
		return nil
	}
	return data
}

func (w *Worker) markFailed(ctx context.Context, job Job, errText string, log *logger.Logger) {
	if _, err := w.logs.MarkFailed(ctx, job.NotificationLogID, errText); err != nil {
		log.Error(err, "failed to record delivery failure")
	}
}
