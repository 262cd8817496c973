package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PipelineMetrics covers the stage workers (detector, classifier).
type PipelineMetrics struct {
	MessagesConsumed *prometheus.CounterVec
	MessagesDropped  *prometheus.CounterVec
	StageFailures    *prometheus.CounterVec
	StageLatency     *prometheus.HistogramVec
	ResultsPersisted *prometheus.CounterVec
}

func NewPipelineMetrics(namespace string) *PipelineMetrics {
	return &PipelineMetrics{
		MessagesConsumed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_messages_consumed_total",
			Help:      "Total stage-input messages consumed",
		}, []string{"stage"}),
		MessagesDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_messages_dropped_total",
			Help:      "Total malformed stage-input messages dropped",
		}, []string{"stage"}),
		StageFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_failures_total",
			Help:      "Total stage processing failures",
		}, []string{"stage"}),
		StageLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_processing_duration_seconds",
			Help:      "Time spent processing one stage-input message",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"stage"}),
		ResultsPersisted: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_results_persisted_total",
			Help:      "Total detection/classification rows persisted",
		}, []string{"stage"}),
	}
}

// RouterMetrics covers the notification router.
type RouterMetrics struct {
	EventsConsumed       *prometheus.CounterVec
	PreferenceMatches    *prometheus.CounterVec
	ZeroMatchEvents      *prometheus.CounterVec
	SuppressedDuplicates prometheus.Counter
	JobsEnqueued         *prometheus.CounterVec
}

func NewRouterMetrics(namespace string) *RouterMetrics {
	return &RouterMetrics{
		EventsConsumed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "router_events_consumed_total",
			Help:      "Total notification events consumed",
		}, []string{"type"}),
		PreferenceMatches: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "router_preference_matches_total",
			Help:      "Total preference matches across events",
		}, []string{"type"}),
		ZeroMatchEvents: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "router_zero_match_events_total",
			Help:      "Total events that matched no preference",
		}, []string{"type"}),
		SuppressedDuplicates: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "router_suppressed_duplicates_total",
			Help:      "Detections suppressed by the independence window",
		}),
		JobsEnqueued: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "router_jobs_enqueued_total",
			Help:      "Delivery jobs enqueued per channel",
		}, []string{"channel"}),
	}
}

// DispatchMetrics covers the channel dispatch workers.
type DispatchMetrics struct {
	Deliveries       *prometheus.CounterVec
	DeliveryLatency  *prometheus.HistogramVec
	AttachmentErrors *prometheus.CounterVec
}

func NewDispatchMetrics(namespace string) *DispatchMetrics {
	return &DispatchMetrics{
		Deliveries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_deliveries_total",
			Help:      "Delivery attempts by channel and terminal status",
		}, []string{"channel", "status"}),
		DeliveryLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_delivery_duration_seconds",
			Help:      "Time spent delivering one job",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"channel"}),
		AttachmentErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_attachment_errors_total",
			Help:      "Attachment fetches that failed and were skipped",
		}, []string{"channel"}),
	}
}
