package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/fernwatch/camtrap/internal/inference"
	"github.com/fernwatch/camtrap/internal/model"
	"github.com/fernwatch/camtrap/internal/objstore"
	"github.com/fernwatch/camtrap/internal/repository"
	pkgerrors "github.com/fernwatch/camtrap/pkg/errors"
	"github.com/fernwatch/camtrap/pkg/logger"
	"github.com/fernwatch/camtrap/pkg/messaging"
	"github.com/fernwatch/camtrap/pkg/metrics"
)

// ClassificationStage classifies species for each animal detection and emits
// species_detection events for the top-ranked species.
type ClassificationStage struct {
	images      repository.ImageRepository
	store       objstore.Store
	bucket      string
	classifier  inference.Classifier
	queue       messaging.Queue
	eventStream string
	topN        int
	validate    *validator.Validate
	logger      *logger.Logger
	metrics     *metrics.PipelineMetrics
}

func NewClassificationStage(
	images repository.ImageRepository,
	store objstore.Store,
	bucket string,
	classifier inference.Classifier,
	queue messaging.Queue,
	eventStream string,
	topN int,
	log *logger.Logger,
	m *metrics.PipelineMetrics,
) *ClassificationStage {
	if topN <= 0 {
		topN = 3
	}
	return &ClassificationStage{
		images:      images,
		store:       store,
		bucket:      bucket,
		classifier:  classifier,
		queue:       queue,
		eventStream: eventStream,
		topN:        topN,
		validate:    validator.New(),
		logger:      log.WithComponent("classify"),
		metrics:     m,
	}
}

func (s *ClassificationStage) Name() string { return "classify" }

func (s *ClassificationStage) Handle(ctx context.Context, payload []byte) error {
	var msg ClassifyMessage
	if err := decode(payload, s.validate, &msg); err != nil {
		s.logger.Warn("dropping invalid classification message", "error", err.Error())
		return err
	}

	log := s.logger.WithFields(map[string]interface{}{"image_id": msg.ImageUUID.String()})

	status, err := s.images.GetStatus(ctx, msg.ImageUUID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			log.Warn("dropping classification message for unknown image")
			return pkgerrors.Validation("unknown image id", err)
		}
		return pkgerrors.Transient("failed to read image status", err)
	}

	if status == model.ImageStatusClassified {
		// Redelivery after completion: re-emit events. Deterministic event
		// ids keep downstream fan-out idempotent.
		log.Info("image already classified, re-emitting events")
		return s.emitStoredEvents(ctx, msg)
	}
	if status != model.ImageStatusDetected && status != model.ImageStatusClassifying && status != model.ImageStatusFailed {
		// Upstream has not finished yet; retry later.
		return pkgerrors.Transient(fmt.Sprintf("image %s not ready for classification (status %s)", msg.ImageUUID, status), nil)
	}

	if status != model.ImageStatusClassifying {
		ok, err := s.images.TransitionStatus(ctx, msg.ImageUUID, status, model.ImageStatusClassifying)
		if err != nil {
			return pkgerrors.Transient("failed to claim image for classification", err)
		}
		if !ok {
			return pkgerrors.Transient(fmt.Sprintf("image %s not claimable from %s", msg.ImageUUID, status), nil)
		}
	}

	events, err := s.process(ctx, msg, log)
	if err != nil {
		if markErr := s.images.MarkFailed(ctx, msg.ImageUUID); markErr != nil {
			log.Error(markErr, "failed to mark image failed")
		}
		log.Error(err, "classification stage failed")
		return err
	}

	ok, err := s.images.TransitionStatus(ctx, msg.ImageUUID, model.ImageStatusClassifying, model.ImageStatusClassified)
	if err != nil {
		return pkgerrors.Transient("failed to advance ledger to classified", err)
	}
	if !ok {
		log.Warn("ledger advanced by another worker")
	}

	return s.publishEvents(ctx, events)
}

func (s *ClassificationStage) process(ctx context.Context, msg ClassifyMessage, log *logger.Logger) ([]model.Event, error) {
	if msg.NumDetections == 0 {
		log.Info("no detections to classify")
		return nil, nil
	}

	detections, err := s.images.ListDetections(ctx, msg.ImageUUID)
	if err != nil {
		return nil, pkgerrors.Transient("failed to list detections", err)
	}

	imageBytes, err := s.store.Get(ctx, s.bucket, msg.StoragePath)
	if err != nil {
		return nil, fmt.Errorf("image %s: %w", msg.ImageUUID, err)
	}

	var events []model.Event
	for _, det := range detections {
		if det.Category != model.CategoryAnimal {
			continue
		}

		results, err := s.classifier.Classify(ctx, imageBytes, det.BBox, s.topN)
		if err != nil {
			return nil, fmt.Errorf("detection %s: %w", det.ID, err)
		}
		if len(results) == 0 {
			continue
		}

		classifications := make([]*model.Classification, 0, len(results))
		for rank, res := range results {
			classifications = append(classifications, &model.Classification{
				DetectionID: det.ID,
				Species:     res.Species,
				Confidence:  res.Confidence,
				Rank:        rank + 1,
			})
		}
		if err := s.images.InsertClassifications(ctx, classifications); err != nil {
			return nil, pkgerrors.Transient("failed to persist classifications", err)
		}
		s.metrics.ResultsPersisted.WithLabelValues(s.Name()).Add(float64(len(classifications)))

		event, err := s.detectionEvent(msg, det, results[0].Species, results[0].Confidence)
		if err != nil {
			return nil, err
		}
		events = append(events, event)

		log.Info("detection classified",
			"detection_id", det.ID.String(),
			"species", results[0].Species,
			"confidence", results[0].Confidence,
		)
	}
	return events, nil
}

// emitStoredEvents rebuilds events from persisted rows for a redelivered
// message whose image already completed.
func (s *ClassificationStage) emitStoredEvents(ctx context.Context, msg ClassifyMessage) error {
	detections, err := s.images.ListDetections(ctx, msg.ImageUUID)
	if err != nil {
		return pkgerrors.Transient("failed to list detections", err)
	}

	var events []model.Event
	for _, det := range detections {
		if det.Category != model.CategoryAnimal {
			continue
		}
		classifications, err := s.images.ListClassifications(ctx, det.ID)
		if err != nil {
			return pkgerrors.Transient("failed to list classifications", err)
		}
		if len(classifications) == 0 {
			continue
		}
		top := classifications[0]
		event, err := s.detectionEvent(msg, det, top.Species, top.Confidence)
		if err != nil {
			return err
		}
		events = append(events, event)
	}
	return s.publishEvents(ctx, events)
}

func (s *ClassificationStage) detectionEvent(msg ClassifyMessage, det *model.Detection, species string, confidence float64) (model.Event, error) {
	event, err := model.NewSpeciesDetectionEvent(model.SpeciesDetectionPayload{
		CameraID:    msg.CameraID,
		ImageID:     msg.ImageUUID,
		DetectionID: det.ID,
		StoragePath: msg.StoragePath,
		Species:     species,
		Confidence:  confidence,
	}, time.Now())
	if err != nil {
		return model.Event{}, fmt.Errorf("failed to build species event for detection %s: %w", det.ID, err)
	}
	return event, nil
}

func (s *ClassificationStage) publishEvents(ctx context.Context, events []model.Event) error {
	for _, event := range events {
		payload, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to marshal event %s: %w", event.ID, err)
		}
		if err := s.queue.Publish(ctx, s.eventStream, payload); err != nil {
			return pkgerrors.Transient("failed to publish event", err)
		}
	}
	return nil
}
