package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fernwatch/camtrap/internal/model"
	"github.com/fernwatch/camtrap/internal/repository"
	pkgerrors "github.com/fernwatch/camtrap/pkg/errors"
	"github.com/fernwatch/camtrap/pkg/logger"
	"github.com/fernwatch/camtrap/pkg/messaging"
	"github.com/fernwatch/camtrap/pkg/metrics"
)

const testBucket = "camtrap-test"

var (
	metricsOnce sync.Once
	testMetrics *metrics.DispatchMetrics
)

func dispatchMetrics() *metrics.DispatchMetrics {
	metricsOnce.Do(func() {
		testMetrics = metrics.NewDispatchMetrics("camtrap_dispatch_test")
	})
	return testMetrics
}

func testLogger() *logger.Logger {
	return logger.NewLogger(&logger.Config{Level: logger.ErrorLevel, Console: false})
}

type fakeChannel struct {
	name       model.Channel
	configured bool
	sendErr    error
	sent       []Job
	lastBytes  []byte
}

func (c *fakeChannel) Name() model.Channel { return c.name }
func (c *fakeChannel) Configured() bool    { return c.configured }

func (c *fakeChannel) Send(ctx context.Context, job Job, attachment []byte) error {
	if c.sendErr != nil {
		return c.sendErr
	}
	c.sent = append(c.sent, job)
	c.lastBytes = attachment
	return nil
}

type fakeLogs struct {
	mu   sync.Mutex
	rows map[uuid.UUID]*model.NotificationLog
}

func newFakeLogs() *fakeLogs {
	return &fakeLogs{rows: make(map[uuid.UUID]*model.NotificationLog)}
}

func (f *fakeLogs) addPending() *model.NotificationLog {
	f.mu.Lock()
	defer f.mu.Unlock()
	row := &model.NotificationLog{
		ID:      uuid.New(),
		EventID: uuid.New(),
		UserID:  uuid.New(),
		Channel: model.ChannelEmail,
		Status:  model.NotificationStatusPending,
	}
	f.rows[row.ID] = row
	return row
}

func (f *fakeLogs) CreateIfAbsent(ctx context.Context, log *model.NotificationLog) (*model.NotificationLog, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	log.ID = uuid.New()
	log.Status = model.NotificationStatusPending
	f.rows[log.ID] = log
	return log, true, nil
}

func (f *fakeLogs) Get(ctx context.Context, id uuid.UUID) (*model.NotificationLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return row, nil
}

func (f *fakeLogs) MarkSent(ctx context.Context, id uuid.UUID, sentAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return false, repository.ErrNotFound
	}
	if row.Status != model.NotificationStatusPending {
		return false, nil
	}
	row.Status = model.NotificationStatusSent
	row.SentAt = &sentAt
	return true, nil
}

func (f *fakeLogs) MarkFailed(ctx context.Context, id uuid.UUID, errText string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[id]
	if !ok {
		return false, repository.ErrNotFound
	}
	if row.Status != model.NotificationStatusPending {
		return false, nil
	}
	row.Status = model.NotificationStatusFailed
	row.ErrorMessage = &errText
	return true, nil
}

type fakeStore struct {
	objects map[string][]byte
	getErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: make(map[string][]byte)}
}

func (s *fakeStore) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	data, ok := s.objects[bucket+"/"+key]
	if !ok {
		return nil, fmt.Errorf("object %s/%s not found", bucket, key)
	}
	return data, nil
}

func (s *fakeStore) Put(ctx context.Context, bucket, key string, r io.Reader, size int64) (string, error) {
	return key, nil
}

type noopQueue struct{}

func (noopQueue) Publish(ctx context.Context, stream string, payload []byte) error { return nil }
func (noopQueue) Consume(ctx context.Context, stream, group, consumer string, handler messaging.Handler) error {
	return nil
}
func (noopQueue) Close() error { return nil }

func newTestWorker(channel *fakeChannel, logs *fakeLogs, store *fakeStore) *Worker {
	return NewWorker(
		channel, logs, store, testBucket, noopQueue{},
		WorkerConfig{
			StreamPrefix:      "dispatch:",
			SendRatePerMinute: 6000,
			SendTimeout:       time.Second,
		},
		testLogger(), dispatchMetrics(),
	)
}

func jobMessage(t *testing.T, job Job) messaging.Message {
	t.Helper()
	payload, err := json.Marshal(job)
	require.NoError(t, err)
	return messaging.Message{ID: "1-0", Payload: payload, DeliveryCount: 1}
}

func TestWorkerDeliversAndMarksSent(t *testing.T) {
	logs := newFakeLogs()
	row := logs.addPending()
	channel := &fakeChannel{name: model.ChannelEmail, configured: true}
	worker := newTestWorker(channel, logs, newFakeStore())

	msg := jobMessage(t, Job{
		NotificationLogID: row.ID,
		Recipient:         "user@example.org",
		MessageText:       "wolf detected",
		Subject:           "Species detected: wolf",
	})
	require.NoError(t, worker.handle(context.Background(), msg))

	require.Len(t, channel.sent, 1)
	assert.Equal(t, "user@example.org", channel.sent[0].Recipient)

	updated, _ := logs.Get(context.Background(), row.ID)
	assert.Equal(t, model.NotificationStatusSent, updated.Status)
	require.NotNil(t, updated.SentAt)
}

func TestWorkerSendFailureMarksFailed(t *testing.T) {
	logs := newFakeLogs()
	row := logs.addPending()
	channel := &fakeChannel{
		name:       model.ChannelEmail,
		configured: true,
		sendErr:    pkgerrors.Transient("smtp unreachable", errors.New("dial tcp")),
	}
	worker := newTestWorker(channel, logs, newFakeStore())

	err := worker.handle(context.Background(), jobMessage(t, Job{
		NotificationLogID: row.ID,
		Recipient:         "user@example.org",
		MessageText:       "wolf detected",
	}))
	require.Error(t, err)

	updated, _ := logs.Get(context.Background(), row.ID)
	assert.Equal(t, model.NotificationStatusFailed, updated.Status)
	require.NotNil(t, updated.ErrorMessage)
	assert.Contains(t, *updated.ErrorMessage, "smtp unreachable")
}

func TestWorkerUnconfiguredChannelFailsWithoutRetry(t *testing.T) {
	logs := newFakeLogs()
	row := logs.addPending()
	channel := &fakeChannel{name: model.ChannelChatA, configured: false}
	worker := newTestWorker(channel, logs, newFakeStore())

	// Nil return: the job is acked, not retried.
	require.NoError(t, worker.handle(context.Background(), jobMessage(t, Job{
		NotificationLogID: row.ID,
		Recipient:         "12345",
		MessageText:       "wolf detected",
	})))

	assert.Empty(t, channel.sent)
	updated, _ := logs.Get(context.Background(), row.ID)
	assert.Equal(t, model.NotificationStatusFailed, updated.Status)
	require.NotNil(t, updated.ErrorMessage)
	assert.Equal(t, "channel not configured", *updated.ErrorMessage)
}

func TestWorkerTerminalRowShortCircuits(t *testing.T) {
	logs := newFakeLogs()
	row := logs.addPending()
	_, err := logs.MarkSent(context.Background(), row.ID, time.Now())
	require.NoError(t, err)

	channel := &fakeChannel{name: model.ChannelEmail, configured: true}
	worker := newTestWorker(channel, logs, newFakeStore())

	require.NoError(t, worker.handle(context.Background(), jobMessage(t, Job{
		NotificationLogID: row.ID,
		Recipient:         "user@example.org",
		MessageText:       "wolf detected",
	})))

	// Redelivered job never re-sends.
	assert.Empty(t, channel.sent)
}

func TestWorkerAttachmentFetchFailureDegrades(t *testing.T) {
	logs := newFakeLogs()
	row := logs.addPending()
	channel := &fakeChannel{name: model.ChannelEmail, configured: true}
	store := newFakeStore()
	store.getErr = errors.New("storage down")
	worker := newTestWorker(channel, logs, store)

	require.NoError(t, worker.handle(context.Background(), jobMessage(t, Job{
		NotificationLogID: row.ID,
		Recipient:         "user@example.org",
		MessageText:       "wolf detected",
		AttachmentPath:    "cam/img.jpg",
	})))

	// Delivered without the attachment.
	require.Len(t, channel.sent, 1)
	assert.Nil(t, channel.lastBytes)

	updated, _ := logs.Get(context.Background(), row.ID)
	assert.Equal(t, model.NotificationStatusSent, updated.Status)
}

func TestWorkerAttachmentDelivered(t *testing.T) {
	logs := newFakeLogs()
	row := logs.addPending()
	channel := &fakeChannel{name: model.ChannelEmail, configured: true}
	store := newFakeStore()
	store.objects[testBucket+"/cam/img.jpg"] = []byte("jpeg-bytes")
	worker := newTestWorker(channel, logs, store)

	require.NoError(t, worker.handle(context.Background(), jobMessage(t, Job{
		NotificationLogID: row.ID,
		Recipient:         "user@example.org",
		MessageText:       "wolf detected",
		AttachmentPath:    "cam/img.jpg",
	})))

	require.Len(t, channel.sent, 1)
	assert.Equal(t, []byte("jpeg-bytes"), channel.lastBytes)
}

func TestWorkerMalformedJobDropped(t *testing.T) {
	logs := newFakeLogs()
	channel := &fakeChannel{name: model.ChannelEmail, configured: true}
	worker := newTestWorker(channel, logs, newFakeStore())

	err := worker.handle(context.Background(), messaging.Message{ID: "1-0", Payload: []byte("not json")})
	require.Error(t, err)
	assert.Equal(t, pkgerrors.KindValidation, pkgerrors.KindOf(err))

	// Missing required fields
	err = worker.handle(context.Background(), jobMessage(t, Job{Recipient: "x"}))
	require.Error(t, err)
	assert.Equal(t, pkgerrors.KindValidation, pkgerrors.KindOf(err))
}

func TestWorkerUnknownLogDropped(t *testing.T) {
	logs := newFakeLogs()
	channel := &fakeChannel{name: model.ChannelEmail, configured: true}
	worker := newTestWorker(channel, logs, newFakeStore())

	err := worker.handle(context.Background(), jobMessage(t, Job{
		NotificationLogID: uuid.New(),
		Recipient:         "user@example.org",
		MessageText:       "wolf detected",
	}))
	require.Error(t, err)
	assert.Equal(t, pkgerrors.KindValidation, pkgerrors.KindOf(err))
	assert.Empty(t, channel.sent)
}

func TestWorkerFailureIsolation(t *testing.T) {
	logs := newFakeLogs()
	failRow := logs.addPending()
	okRow := logs.addPending()

	channel := &fakeChannel{name: model.ChannelEmail, configured: true}
	worker := newTestWorker(channel, logs, newFakeStore())

	channel.sendErr = pkgerrors.Transient("smtp unreachable", nil)
	_ = worker.handle(context.Background(), jobMessage(t, Job{
		NotificationLogID: failRow.ID,
		Recipient:         "a@example.org",
		MessageText:       "msg",
	}))

	channel.sendErr = nil
	require.NoError(t, worker.handle(context.Background(), jobMessage(t, Job{
		NotificationLogID: okRow.ID,
		Recipient:         "b@example.org",
		MessageText:       "msg",
	})))

	failed, _ := logs.Get(context.Background(), failRow.ID)
	sent, _ := logs.Get(context.Background(), okRow.ID)
	assert.Equal(t, model.NotificationStatusFailed, failed.Status)
	assert.Equal(t, model.NotificationStatusSent, sent.Status)
}
