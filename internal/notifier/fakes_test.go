package notifier

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fernwatch/camtrap/internal/model"
	"github.com/fernwatch/camtrap/internal/repository"
	"github.com/fernwatch/camtrap/pkg/logger"
	"github.com/fernwatch/camtrap/pkg/messaging"
	"github.com/fernwatch/camtrap/pkg/metrics"
)

func testLogger() *logger.Logger {
	return logger.NewLogger(&logger.Config{Level: logger.ErrorLevel, Console: false})
}

var (
	metricsOnce sync.Once
	testMetrics *metrics.RouterMetrics
)

func routerMetrics() *metrics.RouterMetrics {
	metricsOnce.Do(func() {
		testMetrics = metrics.NewRouterMetrics("camtrap_notifier_test")
	})
	return testMetrics
}

type published struct {
	stream  string
	payload []byte
}

type fakeQueue struct {
	mu       sync.Mutex
	messages []published
	failures map[string]int
}

// failPublishes makes the next n publishes to stream fail.
func (q *fakeQueue) failPublishes(stream string, n int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failures == nil {
		q.failures = make(map[string]int)
	}
	q.failures[stream] = n
}

func (q *fakeQueue) Publish(ctx context.Context, stream string, payload []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.failures[stream] > 0 {
		q.failures[stream]--
		return errors.New("publish failed")
	}
	q.messages = append(q.messages, published{stream: stream, payload: payload})
	return nil
}

func (q *fakeQueue) Consume(ctx context.Context, stream, group, consumer string, handler messaging.Handler) error {
	return nil
}

func (q *fakeQueue) Close() error { return nil }

func (q *fakeQueue) published(stream string) []published {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []published
	for _, m := range q.messages {
		if m.stream == stream {
			out = append(out, m)
		}
	}
	return out
}

type fakeCameras struct {
	cameras  map[uuid.UUID]*model.Camera
	projects map[uuid.UUID]*model.Project
}

func newFakeCameras() *fakeCameras {
	return &fakeCameras{
		cameras:  make(map[uuid.UUID]*model.Camera),
		projects: make(map[uuid.UUID]*model.Project),
	}
}

func (f *fakeCameras) addWithThreshold(threshold float64) *model.Camera {
	project := &model.Project{ID: uuid.New(), DetectionThreshold: threshold}
	cam := &model.Camera{ID: uuid.New(), ProjectID: project.ID, Name: "cam"}
	f.projects[project.ID] = project
	f.cameras[cam.ID] = cam
	return cam
}

func (f *fakeCameras) Get(ctx context.Context, id uuid.UUID) (*model.Camera, error) {
	cam, ok := f.cameras[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cam, nil
}

func (f *fakeCameras) GetProject(ctx context.Context, id uuid.UUID) (*model.Project, error) {
	p, ok := f.projects[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return p, nil
}

func (f *fakeCameras) ProjectForCamera(ctx context.Context, cameraID uuid.UUID) (*model.Project, error) {
	cam, ok := f.cameras[cameraID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return f.GetProject(ctx, cam.ProjectID)
}

func (f *fakeCameras) UpdateBattery(ctx context.Context, cameraID uuid.UUID, percent int, seenAt time.Time) error {
	return nil
}

type fakePrefs struct {
	prefs []*model.NotificationPreference
}

func (f *fakePrefs) Get(ctx context.Context, userID, projectID uuid.UUID) (*model.NotificationPreference, error) {
	for _, p := range f.prefs {
		if p.UserID == userID && p.ProjectID == projectID {
			return p, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakePrefs) ListEnabledForProject(ctx context.Context, projectID uuid.UUID) ([]*model.NotificationPreference, error) {
	var out []*model.NotificationPreference
	for _, p := range f.prefs {
		if p.ProjectID == projectID && p.Enabled {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakePrefs) Upsert(ctx context.Context, pref *model.NotificationPreference) error {
	f.prefs = append(f.prefs, pref)
	return nil
}

type logKey struct {
	eventID uuid.UUID
	userID  uuid.UUID
	channel model.Channel
}

type fakeLogs struct {
	mu   sync.Mutex
	rows map[logKey]*model.NotificationLog
}

func newFakeLogs() *fakeLogs {
	return &fakeLogs{rows: make(map[logKey]*model.NotificationLog)}
}

func (f *fakeLogs) CreateIfAbsent(ctx context.Context, log *model.NotificationLog) (*model.NotificationLog, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := logKey{eventID: log.EventID, userID: log.UserID, channel: log.Channel}
	if existing, ok := f.rows[key]; ok {
		return existing, false, nil
	}
	log.ID = uuid.New()
	log.Status = model.NotificationStatusPending
	log.CreatedAt = time.Now()
	f.rows[key] = log
	return log, true, nil
}

func (f *fakeLogs) Get(ctx context.Context, id uuid.UUID) (*model.NotificationLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.ID == id {
			return row, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeLogs) MarkSent(ctx context.Context, id uuid.UUID, sentAt time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.ID == id {
			if row.Status != model.NotificationStatusPending {
				return false, nil
			}
			row.Status = model.NotificationStatusSent
			row.SentAt = &sentAt
			return true, nil
		}
	}
	return false, repository.ErrNotFound
}

func (f *fakeLogs) MarkFailed(ctx context.Context, id uuid.UUID, errText string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.ID == id {
			if row.Status != model.NotificationStatusPending {
				return false, nil
			}
			row.Status = model.NotificationStatusFailed
			row.ErrorMessage = &errText
			return true, nil
		}
	}
	return false, repository.ErrNotFound
}

func (f *fakeLogs) all() []*model.NotificationLog {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*model.NotificationLog, 0, len(f.rows))
	for _, row := range f.rows {
		out = append(out, row)
	}
	return out
}
