package pipeline

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fernwatch/camtrap/internal/inference"
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
	testMetrics *metrics.PipelineMetrics
)

// promauto registers globally, so the bundle is shared across tests.
func pipelineMetrics() *metrics.PipelineMetrics {
	metricsOnce.Do(func() {
		testMetrics = metrics.NewPipelineMetrics("camtrap_pipeline_test")
	})
	return testMetrics
}

type published struct {
	stream  string
	payload []byte
}

type fakeQueue struct {
	mu        sync.Mutex
	messages  []published
	publishEr error
}

func (q *fakeQueue) Publish(ctx context.Context, stream string, payload []byte) error {
	if q.publishEr != nil {
		return q.publishEr
	}
	q.mu.Lock()
	defer q.mu.Unlock()
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

type fakeImages struct {
	mu              sync.Mutex
	images          map[uuid.UUID]*model.Image
	detections      map[uuid.UUID][]*model.Detection
	classifications map[uuid.UUID][]*model.Classification
	insertDetErr    error
	insertClsErr    error
}

func newFakeImages() *fakeImages {
	return &fakeImages{
		images:          make(map[uuid.UUID]*model.Image),
		detections:      make(map[uuid.UUID][]*model.Detection),
		classifications: make(map[uuid.UUID][]*model.Classification),
	}
}

func (f *fakeImages) add(status model.ImageStatus) *model.Image {
	f.mu.Lock()
	defer f.mu.Unlock()
	img := &model.Image{
		ID:          uuid.New(),
		CameraID:    uuid.New(),
		StoragePath: fmt.Sprintf("cam/%s.jpg", uuid.New()),
		Status:      status,
		CapturedAt:  time.Now(),
	}
	f.images[img.ID] = img
	return img
}

func (f *fakeImages) Create(ctx context.Context, image *model.Image) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	image.ID = uuid.New()
	image.Status = model.ImageStatusIngested
	f.images[image.ID] = image
	return nil
}

func (f *fakeImages) Get(ctx context.Context, id uuid.UUID) (*model.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	img, ok := f.images[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return img, nil
}

func (f *fakeImages) GetStatus(ctx context.Context, id uuid.UUID) (model.ImageStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	img, ok := f.images[id]
	if !ok {
		return "", repository.ErrNotFound
	}
	return img.Status, nil
}

func (f *fakeImages) TransitionStatus(ctx context.Context, id uuid.UUID, from, to model.ImageStatus) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	img, ok := f.images[id]
	if !ok || img.Status != from {
		return false, nil
	}
	img.Status = to
	return true, nil
}

func (f *fakeImages) MarkFailed(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	img, ok := f.images[id]
	if !ok {
		return repository.ErrNotFound
	}
	if img.Status != model.ImageStatusClassified && img.Status != model.ImageStatusFailed {
		img.Status = model.ImageStatusFailed
	}
	return nil
}

func (f *fakeImages) InsertDetections(ctx context.Context, detections []*model.Detection) error {
	if f.insertDetErr != nil {
		return f.insertDetErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, d := range detections {
		exists := false
		for _, have := range f.detections[d.ImageID] {
			if have.Idx == d.Idx {
				exists = true
				break
			}
		}
		if exists {
			continue
		}
		d.ID = uuid.New()
		f.detections[d.ImageID] = append(f.detections[d.ImageID], d)
	}
	return nil
}

func (f *fakeImages) ListDetections(ctx context.Context, imageID uuid.UUID) ([]*model.Detection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.detections[imageID], nil
}

func (f *fakeImages) InsertClassifications(ctx context.Context, classifications []*model.Classification) error {
	if f.insertClsErr != nil {
		return f.insertClsErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range classifications {
		exists := false
		for _, have := range f.classifications[c.DetectionID] {
			if have.Rank == c.Rank {
				exists = true
				break
			}
		}
		if exists {
			continue
		}
		c.ID = uuid.New()
		f.classifications[c.DetectionID] = append(f.classifications[c.DetectionID], c)
	}
	return nil
}

func (f *fakeImages) ListClassifications(ctx context.Context, detectionID uuid.UUID) ([]*model.Classification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.classifications[detectionID], nil
}

type fakeCameras struct {
	mu       sync.Mutex
	cameras  map[uuid.UUID]*model.Camera
	projects map[uuid.UUID]*model.Project
}

func newFakeCameras() *fakeCameras {
	return &fakeCameras{
		cameras:  make(map[uuid.UUID]*model.Camera),
		projects: make(map[uuid.UUID]*model.Project),
	}
}

func (f *fakeCameras) add(name string) *model.Camera {
	f.mu.Lock()
	defer f.mu.Unlock()
	project := &model.Project{ID: uuid.New(), Name: name + "-project"}
	cam := &model.Camera{ID: uuid.New(), ProjectID: project.ID, Name: name}
	f.projects[project.ID] = project
	f.cameras[cam.ID] = cam
	return cam
}

func (f *fakeCameras) Get(ctx context.Context, id uuid.UUID) (*model.Camera, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cam, ok := f.cameras[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return cam, nil
}

func (f *fakeCameras) GetProject(ctx context.Context, id uuid.UUID) (*model.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return p, nil
}

func (f *fakeCameras) ProjectForCamera(ctx context.Context, cameraID uuid.UUID) (*model.Project, error) {
	cam, err := f.Get(ctx, cameraID)
	if err != nil {
		return nil, err
	}
	return f.GetProject(ctx, cam.ProjectID)
}

func (f *fakeCameras) UpdateBattery(ctx context.Context, cameraID uuid.UUID, percent int, seenAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cam, ok := f.cameras[cameraID]
	if !ok {
		return repository.ErrNotFound
	}
	cam.BatteryPercent = percent
	cam.LastSeenAt = seenAt
	return nil
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
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	s.objects[bucket+"/"+key] = data
	return key, nil
}

type fakeDetector struct {
	results []inference.DetectionResult
	err     error
	calls   int
}

func (d *fakeDetector) Detect(ctx context.Context, imageBytes []byte) ([]inference.DetectionResult, error) {
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	return d.results, nil
}

type fakeClassifier struct {
	results []inference.ClassificationResult
	err     error
	calls   int
}

func (c *fakeClassifier) Classify(ctx context.Context, imageBytes []byte, bbox model.BoundingBox, topN int) ([]inference.ClassificationResult, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	if len(c.results) > topN {
		return c.results[:topN], nil
	}
	return c.results, nil
}
