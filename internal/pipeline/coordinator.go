package pipeline

import (
	"context"
	"time"

	pkgerrors "github.com/fernwatch/camtrap/pkg/errors"
	"github.com/fernwatch/camtrap/pkg/logger"
	"github.com/fernwatch/camtrap/pkg/messaging"
	"github.com/fernwatch/camtrap/pkg/metrics"
)

// Stage is one phase of the image pipeline.
type Stage interface {
	Name() string
	// Handle fully processes one stage-input message. A nil return means
	// the message can be acknowledged.
	Handle(ctx context.Context, payload []byte) error
}

// Coordinator consumes a stage-input queue and drives a Stage, one message
// at a time. Parallelism across images comes from running more coordinator
// processes in the same consumer group.
type Coordinator struct {
	queue   messaging.Queue
	stream  string
	group   string
	name    string
	stage   Stage
	logger  *logger.Logger
	metrics *metrics.PipelineMetrics
}

func NewCoordinator(
	queue messaging.Queue,
	stream, group, consumerName string,
	stage Stage,
	log *logger.Logger,
	m *metrics.PipelineMetrics,
) *Coordinator {
	if stream == "" || group == "" {
		panic("stream and group must be set")
	}
	return &Coordinator{
		queue:   queue,
		stream:  stream,
		group:   group,
		name:    consumerName,
		stage:   stage,
		logger:  log.WithComponent(stage.Name()),
		metrics: m,
	}
}

// Run blocks until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	c.logger.Info("stage coordinator started", "stream", c.stream, "group", c.group)
	return c.queue.Consume(ctx, c.stream, c.group, c.name, c.handle)
}

func (c *Coordinator) handle(ctx context.Context, msg messaging.Message) error {
	stage := c.stage.Name()
	c.metrics.MessagesConsumed.WithLabelValues(stage).Inc()

	start := time.Now()
	err := c.stage.Handle(ctx, msg.Payload)
	c.metrics.StageLatency.WithLabelValues(stage).Observe(time.Since(start).Seconds())

	if err != nil {
		if pkgerrors.KindOf(err) == pkgerrors.KindValidation {
			c.metrics.MessagesDropped.WithLabelValues(stage).Inc()
		} else {
			c.metrics.StageFailures.WithLabelValues(stage).Inc()
		}
		return err
	}
	return nil
}
