package notifier

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fernwatch/camtrap/internal/dispatch"
	"github.com/fernwatch/camtrap/internal/model"
	pkgerrors "github.com/fernwatch/camtrap/pkg/errors"
	"github.com/fernwatch/camtrap/pkg/messaging"
)

const dispatchPrefix = "dispatch:"

func newTestRouter(cameras *fakeCameras, prefs *fakePrefs, logs *fakeLogs, queue *fakeQueue, window *IndependenceWindow) *Router {
	return NewRouter(
		cameras, prefs, logs, queue,
		"events", dispatchPrefix, window,
		testLogger(), routerMetrics(),
	)
}

func speciesEventMessage(t *testing.T, cameraID uuid.UUID, species string, confidence float64) messaging.Message {
	t.Helper()
	event, err := model.NewSpeciesDetectionEvent(model.SpeciesDetectionPayload{
		CameraID:    cameraID,
		ImageID:     uuid.New(),
		DetectionID: uuid.New(),
		StoragePath: "cam/img.jpg",
		Species:     species,
		Confidence:  confidence,
	}, time.Now())
	require.NoError(t, err)
	payload, err := json.Marshal(event)
	require.NoError(t, err)
	return messaging.Message{ID: "1-0", Payload: payload, DeliveryCount: 1}
}

func batteryEventMessage(t *testing.T, cameraID uuid.UUID, percent int) messaging.Message {
	t.Helper()
	event, err := model.NewLowBatteryEvent(model.LowBatteryPayload{
		CameraID:       cameraID,
		CameraName:     "cam",
		BatteryPercent: percent,
	}, time.Now())
	require.NoError(t, err)
	payload, err := json.Marshal(event)
	require.NoError(t, err)
	return messaging.Message{ID: "1-0", Payload: payload, DeliveryCount: 1}
}

func speciesPref(projectID uuid.UUID, channels []string, allowlist []string) *model.NotificationPreference {
	pref := &model.NotificationPreference{
		ID:              uuid.New(),
		UserID:          uuid.New(),
		ProjectID:       projectID,
		Enabled:         true,
		NotifySpecies:   true,
		SpeciesChannels: pq.StringArray(channels),
		EmailAddress:    "user@example.org",
		ChatARecipient:  "chat-a-id",
		ChatBRecipient:  "chat-b-id",
	}
	if allowlist != nil {
		pref.SpeciesAllowlist = pq.StringArray(allowlist)
	}
	return pref
}

func TestRouterSpeciesFanOut(t *testing.T) {
	cameras := newFakeCameras()
	cam := cameras.addWithThreshold(0.5)

	prefs := &fakePrefs{prefs: []*model.NotificationPreference{
		speciesPref(cam.ProjectID, []string{"email", "chat-a"}, nil),
	}}
	logs := newFakeLogs()
	queue := &fakeQueue{}
	router := newTestRouter(cameras, prefs, logs, queue, nil)

	require.NoError(t, router.handle(context.Background(), speciesEventMessage(t, cam.ID, "wolf", 0.9)))

	rows := logs.all()
	require.Len(t, rows, 2)
	for _, row := range rows {
		assert.Equal(t, model.NotificationStatusPending, row.Status)
		assert.Equal(t, model.EventSpeciesDetection, row.EventType)
		assert.NotEmpty(t, row.Message)
	}

	emailJobs := queue.published(dispatchPrefix + "email")
	require.Len(t, emailJobs, 1)
	var job dispatch.Job
	require.NoError(t, json.Unmarshal(emailJobs[0].payload, &job))
	assert.Equal(t, "user@example.org", job.Recipient)
	assert.Equal(t, "cam/img.jpg", job.AttachmentPath)
	assert.NotEmpty(t, job.Subject)

	require.Len(t, queue.published(dispatchPrefix+"chat-a"), 1)
	assert.Empty(t, queue.published(dispatchPrefix+"chat-b"))
}

func TestRouterSpeciesBelowProjectThreshold(t *testing.T) {
	cameras := newFakeCameras()
	cam := cameras.addWithThreshold(0.8)

	prefs := &fakePrefs{prefs: []*model.NotificationPreference{
		speciesPref(cam.ProjectID, []string{"email"}, nil),
	}}
	logs := newFakeLogs()
	queue := &fakeQueue{}
	router := newTestRouter(cameras, prefs, logs, queue, nil)

	require.NoError(t, router.handle(context.Background(), speciesEventMessage(t, cam.ID, "wolf", 0.7)))

	assert.Empty(t, logs.all())
	assert.Empty(t, queue.messages)
}

func TestRouterSpeciesAllowlist(t *testing.T) {
	cameras := newFakeCameras()
	cam := cameras.addWithThreshold(0)

	pref := speciesPref(cam.ProjectID, []string{"email"}, []string{"wolf", "bear"})
	prefs := &fakePrefs{prefs: []*model.NotificationPreference{pref}}
	logs := newFakeLogs()
	queue := &fakeQueue{}
	router := newTestRouter(cameras, prefs, logs, queue, nil)

	require.NoError(t, router.handle(context.Background(), speciesEventMessage(t, cam.ID, "wolf", 0.9)))
	require.NoError(t, router.handle(context.Background(), speciesEventMessage(t, cam.ID, "fox", 0.9)))
	require.NoError(t, router.handle(context.Background(), speciesEventMessage(t, cam.ID, "bear", 0.9)))

	rows := logs.all()
	require.Len(t, rows, 2)
	species := make(map[string]bool)
	for _, row := range rows {
		var event model.Event
		require.NoError(t, json.Unmarshal(row.Trigger, &event))
		payload, err := event.SpeciesDetection()
		require.NoError(t, err)
		species[payload.Species] = true
	}
	assert.True(t, species["wolf"])
	assert.True(t, species["bear"])
	assert.False(t, species["fox"])
}

func TestRouterBatteryThresholdStrict(t *testing.T) {
	cameras := newFakeCameras()
	cam := cameras.addWithThreshold(0)

	pref := &model.NotificationPreference{
		ID:               uuid.New(),
		UserID:           uuid.New(),
		ProjectID:        cam.ProjectID,
		Enabled:          true,
		NotifyLowBattery: true,
		BatteryChannels:  pq.StringArray{"email"},
		BatteryThreshold: 30,
		EmailAddress:     "user@example.org",
	}
	prefs := &fakePrefs{prefs: []*model.NotificationPreference{pref}}
	logs := newFakeLogs()
	queue := &fakeQueue{}
	router := newTestRouter(cameras, prefs, logs, queue, nil)

	// 25 < 30 matches
	require.NoError(t, router.handle(context.Background(), batteryEventMessage(t, cam.ID, 25)))
	assert.Len(t, logs.all(), 1)

	// 30 is not strictly below 30
	require.NoError(t, router.handle(context.Background(), batteryEventMessage(t, cam.ID, 30)))
	assert.Len(t, logs.all(), 1)

	// 45 does not match
	require.NoError(t, router.handle(context.Background(), batteryEventMessage(t, cam.ID, 45)))
	assert.Len(t, logs.all(), 1)
}

func TestRouterZeroMatchesAcks(t *testing.T) {
	cameras := newFakeCameras()
	cam := cameras.addWithThreshold(0)

	logs := newFakeLogs()
	queue := &fakeQueue{}
	router := newTestRouter(cameras, &fakePrefs{}, logs, queue, nil)

	// No preferences at all: handled without error, nothing created.
	require.NoError(t, router.handle(context.Background(), speciesEventMessage(t, cam.ID, "wolf", 0.9)))
	assert.Empty(t, logs.all())
}

func TestRouterSkipsUnboundChannel(t *testing.T) {
	cameras := newFakeCameras()
	cam := cameras.addWithThreshold(0)

	pref := speciesPref(cam.ProjectID, []string{"email", "chat-b"}, nil)
	pref.ChatBRecipient = "" // linking never completed
	prefs := &fakePrefs{prefs: []*model.NotificationPreference{pref}}
	logs := newFakeLogs()
	queue := &fakeQueue{}
	router := newTestRouter(cameras, prefs, logs, queue, nil)

	require.NoError(t, router.handle(context.Background(), speciesEventMessage(t, cam.ID, "wolf", 0.9)))

	rows := logs.all()
	require.Len(t, rows, 1)
	assert.Equal(t, model.ChannelEmail, rows[0].Channel)
	assert.Empty(t, queue.published(dispatchPrefix+"chat-b"))
}

func TestRouterRedeliveryDoesNotDuplicate(t *testing.T) {
	cameras := newFakeCameras()
	cam := cameras.addWithThreshold(0)

	prefs := &fakePrefs{prefs: []*model.NotificationPreference{
		speciesPref(cam.ProjectID, []string{"email"}, nil),
	}}
	logs := newFakeLogs()
	queue := &fakeQueue{}
	router := newTestRouter(cameras, prefs, logs, queue, nil)

	msg := speciesEventMessage(t, cam.ID, "wolf", 0.9)
	require.NoError(t, router.handle(context.Background(), msg))
	require.NoError(t, router.handle(context.Background(), msg))

	// One audit row; the second delivery may re-enqueue the still-pending
	// job, but never creates a second row.
	assert.Len(t, logs.all(), 1)
}

func TestRouterRedeliveryAfterTerminalSkipsEnqueue(t *testing.T) {
	cameras := newFakeCameras()
	cam := cameras.addWithThreshold(0)

	prefs := &fakePrefs{prefs: []*model.NotificationPreference{
		speciesPref(cam.ProjectID, []string{"email"}, nil),
	}}
	logs := newFakeLogs()
	queue := &fakeQueue{}
	router := newTestRouter(cameras, prefs, logs, queue, nil)

	msg := speciesEventMessage(t, cam.ID, "wolf", 0.9)
	require.NoError(t, router.handle(context.Background(), msg))

	rows := logs.all()
	require.Len(t, rows, 1)
	_, err := logs.MarkSent(context.Background(), rows[0].ID, time.Now())
	require.NoError(t, err)

	require.NoError(t, router.handle(context.Background(), msg))
	assert.Len(t, queue.published(dispatchPrefix+"email"), 1)
}

func TestRouterIndependenceWindowSuppression(t *testing.T) {
	cameras := newFakeCameras()
	cam := cameras.addWithThreshold(0)

	prefs := &fakePrefs{prefs: []*model.NotificationPreference{
		speciesPref(cam.ProjectID, []string{"email"}, nil),
	}}
	logs := newFakeLogs()
	queue := &fakeQueue{}
	window := NewIndependenceWindow(time.Minute)
	router := newTestRouter(cameras, prefs, logs, queue, window)

	// Distinct detections of the same species on the same camera inside the
	// window collapse into one occurrence.
	require.NoError(t, router.handle(context.Background(), speciesEventMessage(t, cam.ID, "wolf", 0.9)))
	require.NoError(t, router.handle(context.Background(), speciesEventMessage(t, cam.ID, "wolf", 0.95)))
	assert.Len(t, logs.all(), 1)

	// A different species passes.
	require.NoError(t, router.handle(context.Background(), speciesEventMessage(t, cam.ID, "bear", 0.9)))
	assert.Len(t, logs.all(), 2)
}

func TestRouterWindowPassesOwnRedelivery(t *testing.T) {
	cameras := newFakeCameras()
	cam := cameras.addWithThreshold(0)

	prefs := &fakePrefs{prefs: []*model.NotificationPreference{
		speciesPref(cam.ProjectID, []string{"email", "chat-a"}, nil),
	}}
	logs := newFakeLogs()
	queue := &fakeQueue{}
	queue.failPublishes(dispatchPrefix+"chat-a", 1)
	window := NewIndependenceWindow(time.Hour)
	router := newTestRouter(cameras, prefs, logs, queue, window)

	// First delivery fans out email but fails enqueueing the chat-a job, so
	// the whole event goes back for redelivery.
	msg := speciesEventMessage(t, cam.ID, "wolf", 0.9)
	err := router.handle(context.Background(), msg)
	require.Error(t, err)
	assert.Equal(t, pkgerrors.KindTransient, pkgerrors.KindOf(err))
	require.Len(t, queue.published(dispatchPrefix+"email"), 1)
	assert.Empty(t, queue.published(dispatchPrefix+"chat-a"))

	// The redelivered event is the one holding the window key; it must pass
	// the window again and finish the chat-a fan-out, or the pending audit
	// row would be stranded.
	require.NoError(t, router.handle(context.Background(), msg))
	require.Len(t, queue.published(dispatchPrefix+"chat-a"), 1)

	rows := logs.all()
	require.Len(t, rows, 2)
	for _, row := range rows {
		assert.Equal(t, model.NotificationStatusPending, row.Status)
	}

	// A distinct event for the same occurrence is still grouped.
	require.NoError(t, router.handle(context.Background(), speciesEventMessage(t, cam.ID, "wolf", 0.95)))
	assert.Len(t, logs.all(), 2)
}

func TestRouterDropsMalformedEvent(t *testing.T) {
	cameras := newFakeCameras()
	router := newTestRouter(cameras, &fakePrefs{}, newFakeLogs(), &fakeQueue{}, nil)

	err := router.handle(context.Background(), messaging.Message{ID: "1-0", Payload: []byte("not json")})
	require.Error(t, err)
	assert.Equal(t, pkgerrors.KindValidation, pkgerrors.KindOf(err))

	err = router.handle(context.Background(), messaging.Message{ID: "1-1", Payload: []byte(`{"type":"species_detection"}`)})
	require.Error(t, err)
	assert.Equal(t, pkgerrors.KindValidation, pkgerrors.KindOf(err))
}

func TestRouterUnknownCameraDropped(t *testing.T) {
	cameras := newFakeCameras()
	router := newTestRouter(cameras, &fakePrefs{}, newFakeLogs(), &fakeQueue{}, nil)

	err := router.handle(context.Background(), speciesEventMessage(t, uuid.New(), "wolf", 0.9))
	require.Error(t, err)
	assert.Equal(t, pkgerrors.KindValidation, pkgerrors.KindOf(err))
}
