package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/fernwatch/camtrap/internal/dispatch"
	"github.com/fernwatch/camtrap/internal/model"
	"github.com/fernwatch/camtrap/internal/repository"
	pkgerrors "github.com/fernwatch/camtrap/pkg/errors"
	"github.com/fernwatch/camtrap/pkg/logger"
	"github.com/fernwatch/camtrap/pkg/messaging"
	"github.com/fernwatch/camtrap/pkg/metrics"
)

// target is one (preference, channel) delivery the router resolved for an
// event.
type target struct {
	pref    *model.NotificationPreference
	channel model.Channel
}

// Router consumes typed events, resolves matching preferences, applies the
// per-type filters, and fans out one delivery job per (user, channel) with a
// pending audit row. No event is dropped silently: zero matches is a valid,
// logged outcome.
type Router struct {
	cameras        repository.CameraRepository
	prefs          repository.PreferenceRepository
	logs           repository.NotificationLogRepository
	queue          messaging.Queue
	eventStream    string
	dispatchPrefix string
	window         *IndependenceWindow
	logger         *logger.Logger
	metrics        *metrics.RouterMetrics
}

func NewRouter(
	cameras repository.CameraRepository,
	prefs repository.PreferenceRepository,
	logs repository.NotificationLogRepository,
	queue messaging.Queue,
	eventStream, dispatchPrefix string,
	window *IndependenceWindow,
	log *logger.Logger,
	m *metrics.RouterMetrics,
) *Router {
	return &Router{
		cameras:        cameras,
		prefs:          prefs,
		logs:           logs,
		queue:          queue,
		eventStream:    eventStream,
		dispatchPrefix: dispatchPrefix,
		window:         window,
		logger:         log.WithComponent("router"),
		metrics:        m,
	}
}

// Run blocks until ctx is cancelled.
func (r *Router) Run(ctx context.Context, group, consumer string) error {
	r.logger.Info("notification router started", "stream", r.eventStream)
	return r.queue.Consume(ctx, r.eventStream, group, consumer, r.handle)
}

func (r *Router) handle(ctx context.Context, msg messaging.Message) error {
	var event model.Event
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		r.logger.Warn("dropping malformed event", "error", err.Error())
		return pkgerrors.Validation("malformed event", err)
	}
	if event.ID == uuid.Nil {
		r.logger.Warn("dropping event without id")
		return pkgerrors.Validation("event missing id", nil)
	}

	log := r.logger.WithFields(map[string]interface{}{
		"event_id": event.ID.String(),
		"type":     string(event.Type),
	})
	r.metrics.EventsConsumed.WithLabelValues(string(event.Type)).Inc()

	var (
		targets []target
		err     error
	)
	switch event.Type {
	case model.EventSpeciesDetection:
		targets, err = r.speciesTargets(ctx, event, log)
	case model.EventLowBattery:
		targets, err = r.batteryTargets(ctx, event, log)
	case model.EventSystemHealth:
		targets, err = r.systemTargets(ctx, event, log)
	default:
		log.Warn("dropping event of unknown type")
		return pkgerrors.Validation(fmt.Sprintf("unknown event type %q", event.Type), nil)
	}
	if err != nil {
		return err
	}

	if len(targets) == 0 {
		r.metrics.ZeroMatchEvents.WithLabelValues(string(event.Type)).Inc()
		log.Info("event matched no preferences")
		return nil
	}

	// Failures here are transient: the whole event is redelivered, and the
	// (event, user, channel) unique key keeps already-created rows and
	// already-enqueued jobs from doubling.
	for _, t := range targets {
		if err := r.fanOut(ctx, event, t, log); err != nil {
			return err
		}
	}
	return nil
}

func (r *Router) speciesTargets(ctx context.Context, event model.Event, log *logger.Logger) ([]target, error) {
	payload, err := event.SpeciesDetection()
	if err != nil {
		return nil, pkgerrors.Validation("invalid species_detection payload", err)
	}

	project, err := r.resolveProject(ctx, payload.CameraID)
	if err != nil {
		return nil, err
	}

	// Project-level confidence gate comes before any preference.
	if payload.Confidence < project.DetectionThreshold {
		log.Info("detection below project threshold",
			"confidence", payload.Confidence,
			"threshold", project.DetectionThreshold,
		)
		return nil, nil
	}

	if !r.window.Observe(payload.CameraID, payload.Species, event.ID) {
		r.metrics.SuppressedDuplicates.Inc()
		log.Info("detection grouped into existing occurrence",
			"species", payload.Species,
			"camera_id", payload.CameraID.String(),
		)
		return nil, nil
	}

	prefs, err := r.prefs.ListEnabledForProject(ctx, project.ID)
	if err != nil {
		return nil, pkgerrors.Transient("failed to list preferences", err)
	}

	var targets []target
	for _, pref := range prefs {
		if !pref.NotifySpecies || !pref.AllowsSpecies(payload.Species) {
			continue
		}
		targets = r.appendChannels(targets, pref, model.EventSpeciesDetection, log)
	}
	return targets, nil
}

func (r *Router) batteryTargets(ctx context.Context, event model.Event, log *logger.Logger) ([]target, error) {
	payload, err := event.LowBattery()
	if err != nil {
		return nil, pkgerrors.Validation("invalid low_battery payload", err)
	}

	project, err := r.resolveProject(ctx, payload.CameraID)
	if err != nil {
		return nil, err
	}

	prefs, err := r.prefs.ListEnabledForProject(ctx, project.ID)
	if err != nil {
		return nil, pkgerrors.Transient("failed to list preferences", err)
	}

	var targets []target
	for _, pref := range prefs {
		if !pref.NotifyLowBattery || payload.BatteryPercent >= pref.BatteryThreshold {
			continue
		}
		targets = r.appendChannels(targets, pref, model.EventLowBattery, log)
	}
	return targets, nil
}

func (r *Router) systemTargets(ctx context.Context, event model.Event, log *logger.Logger) ([]target, error) {
	payload, err := event.SystemHealth()
	if err != nil {
		return nil, pkgerrors.Validation("invalid system_health payload", err)
	}

	prefs, err := r.prefs.ListEnabledForProject(ctx, payload.ProjectID)
	if err != nil {
		return nil, pkgerrors.Transient("failed to list preferences", err)
	}

	var targets []target
	for _, pref := range prefs {
		if !pref.NotifySystem {
			continue
		}
		targets = r.appendChannels(targets, pref, model.EventSystemHealth, log)
	}
	return targets, nil
}

func (r *Router) appendChannels(targets []target, pref *model.NotificationPreference, t model.EventType, log *logger.Logger) []target {
	for _, channel := range pref.ChannelsFor(t) {
		if pref.RecipientFor(channel) == "" {
			// Channel configured but no identity bound yet (linking flow
			// not completed); nothing deliverable to target.
			log.Warn("skipping channel with unbound identity",
				"user_id", pref.UserID.String(),
				"channel", string(channel),
			)
			continue
		}
		targets = append(targets, target{pref: pref, channel: channel})
	}
	return targets
}

func (r *Router) resolveProject(ctx context.Context, cameraID uuid.UUID) (*model.Project, error) {
	project, err := r.cameras.ProjectForCamera(ctx, cameraID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, pkgerrors.Validation("event references unknown camera", err)
		}
		return nil, pkgerrors.Transient("failed to resolve project", err)
	}
	return project, nil
}

// fanOut creates the pending audit row and enqueues the delivery job for one
// (user, channel) target. The audit row is created exactly once per tuple;
// on redelivery the existing row short-circuits if it already went terminal.
func (r *Router) fanOut(ctx context.Context, event model.Event, t target, log *logger.Logger) error {
	r.metrics.PreferenceMatches.WithLabelValues(string(event.Type)).Inc()

	rendered, err := Render(event, t.channel)
	if err != nil {
		return pkgerrors.Validation("failed to render message", err)
	}

	trigger, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger payload: %w", err)
	}

	recipient := t.pref.RecipientFor(t.channel)
	row := &model.NotificationLog{
		EventID:   event.ID,
		UserID:    t.pref.UserID,
		EventType: event.Type,
		Channel:   t.channel,
		Recipient: recipient,
		Subject:   rendered.Subject,
		Message:   rendered.Body,
		Trigger:   trigger,
	}
	canonical, created, err := r.logs.CreateIfAbsent(ctx, row)
	if err != nil {
		return pkgerrors.Transient("failed to create notification log", err)
	}
	if !created && canonical.Status != model.NotificationStatusPending {
		// Already delivered (or terminally failed) on a previous delivery
		// of this event.
		return nil
	}

	job := dispatch.Job{
		NotificationLogID: canonical.ID,
		Recipient:         recipient,
		MessageText:       rendered.Body,
		Subject:           rendered.Subject,
		AttachmentPath:    rendered.AttachmentPath,
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal dispatch job: %w", err)
	}
	stream := r.dispatchPrefix + string(t.channel)
	if err := r.queue.Publish(ctx, stream, payload); err != nil {
		return pkgerrors.Transient("failed to enqueue dispatch job", err)
	}

	r.metrics.JobsEnqueued.WithLabelValues(string(t.channel)).Inc()
	log.Info("delivery job enqueued",
		"notification_log_id", canonical.ID.String(),
		"user_id", t.pref.UserID.String(),
		"channel", string(t.channel),
	)
	return nil
}
