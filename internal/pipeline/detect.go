package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/fernwatch/camtrap/internal/inference"
	"github.com/fernwatch/camtrap/internal/model"
	"github.com/fernwatch/camtrap/internal/objstore"
	"github.com/fernwatch/camtrap/internal/repository"
	pkgerrors "github.com/fernwatch/camtrap/pkg/errors"
	"github.com/fernwatch/camtrap/pkg/logger"
	"github.com/fernwatch/camtrap/pkg/messaging"
	"github.com/fernwatch/camtrap/pkg/metrics"
)

// DetectionStage runs object detection on ingested images: claim the ledger,
// fetch bytes, detect, persist, advance, publish the classification message.
type DetectionStage struct {
	images         repository.ImageRepository
	store          objstore.Store
	bucket         string
	detector       inference.Detector
	queue          messaging.Queue
	classifyStream string
	validate       *validator.Validate
	logger         *logger.Logger
	metrics        *metrics.PipelineMetrics
}

func NewDetectionStage(
	images repository.ImageRepository,
	store objstore.Store,
	bucket string,
	detector inference.Detector,
	queue messaging.Queue,
	classifyStream string,
	log *logger.Logger,
	m *metrics.PipelineMetrics,
) *DetectionStage {
	return &DetectionStage{
		images:         images,
		store:          store,
		bucket:         bucket,
		detector:       detector,
		queue:          queue,
		classifyStream: classifyStream,
		validate:       validator.New(),
		logger:         log.WithComponent("detect"),
		metrics:        m,
	}
}

func (s *DetectionStage) Name() string { return "detect" }

func (s *DetectionStage) Handle(ctx context.Context, payload []byte) error {
	var msg DetectMessage
	if err := decode(payload, s.validate, &msg); err != nil {
		s.logger.Warn("dropping invalid detection message", "error", err.Error())
		return err
	}

	log := s.logger.WithFields(map[string]interface{}{"image_id": msg.ImageUUID.String()})

	status, err := s.images.GetStatus(ctx, msg.ImageUUID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			log.Warn("dropping detection message for unknown image")
			return pkgerrors.Validation("unknown image id", err)
		}
		return pkgerrors.Transient("failed to read image status", err)
	}

	// Redelivered message for an image already past this stage: reuse the
	// persisted rows and republish the summary, which is harmless because
	// downstream writes are idempotent.
	if status != model.ImageStatusIngested && status != model.ImageStatusDetecting && status != model.ImageStatusFailed {
		log.Info("image already detected, republishing summary", "status", string(status))
		return s.publishSummary(ctx, msg)
	}

	if err := s.claim(ctx, msg.ImageUUID, status); err != nil {
		return err
	}

	if err := s.process(ctx, msg, log); err != nil {
		// Mark the ledger Failed (best effort) and propagate so queue
		// redelivery retries.
		if markErr := s.images.MarkFailed(ctx, msg.ImageUUID); markErr != nil {
			log.Error(markErr, "failed to mark image failed")
		}
		log.Error(err, "detection stage failed")
		return err
	}
	return nil
}

// claim moves the ledger into Detecting. A prior crashed attempt may have
// left the image in Detecting or Failed; both are claimable.
func (s *DetectionStage) claim(ctx context.Context, imageID uuid.UUID, status model.ImageStatus) error {
	if status == model.ImageStatusDetecting {
		return nil
	}
	ok, err := s.images.TransitionStatus(ctx, imageID, status, model.ImageStatusDetecting)
	if err != nil {
		return pkgerrors.Transient("failed to claim image for detection", err)
	}
	if !ok {
		// Another worker moved it first; redelivery will sort it out.
		return pkgerrors.Transient(fmt.Sprintf("image %s not claimable from %s", imageID, status), nil)
	}
	return nil
}

func (s *DetectionStage) process(ctx context.Context, msg DetectMessage, log *logger.Logger) error {
	imageBytes, err := s.store.Get(ctx, s.bucket, msg.StoragePath)
	if err != nil {
		return fmt.Errorf("image %s: %w", msg.ImageUUID, err)
	}

	results, err := s.detector.Detect(ctx, imageBytes)
	if err != nil {
		return fmt.Errorf("image %s: %w", msg.ImageUUID, err)
	}

	detections := make([]*model.Detection, 0, len(results))
	for i, res := range results {
		detections = append(detections, &model.Detection{
			ImageID:    msg.ImageUUID,
			Idx:        i,
			Category:   res.Category,
			Confidence: res.Confidence,
			BBox:       res.BBox,
			PixelX:     res.PixelX,
			PixelY:     res.PixelY,
			PixelW:     res.PixelW,
			PixelH:     res.PixelH,
		})
	}

	if err := s.images.InsertDetections(ctx, detections); err != nil {
		return pkgerrors.Transient("failed to persist detections", err)
	}
	s.metrics.ResultsPersisted.WithLabelValues(s.Name()).Add(float64(len(detections)))

	// Zero boxes is a valid terminal outcome for this stage, not a failure.
	ok, err := s.images.TransitionStatus(ctx, msg.ImageUUID, model.ImageStatusDetecting, model.ImageStatusDetected)
	if err != nil {
		return pkgerrors.Transient("failed to advance ledger to detected", err)
	}
	if !ok {
		log.Warn("ledger advanced by another worker")
	}

	log.Info("detection complete", "num_detections", len(detections))
	return s.publishSummary(ctx, msg)
}

func (s *DetectionStage) publishSummary(ctx context.Context, msg DetectMessage) error {
	persisted, err := s.images.ListDetections(ctx, msg.ImageUUID)
	if err != nil {
		return pkgerrors.Transient("failed to list detections", err)
	}

	out := ClassifyMessage{
		ImageUUID:     msg.ImageUUID,
		StoragePath:   msg.StoragePath,
		CameraID:      msg.CameraID,
		NumDetections: len(persisted),
	}
	for _, d := range persisted {
		out.DetectionIDs = append(out.DetectionIDs, d.ID)
	}

	payload, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("failed to marshal classify message: %w", err)
	}
	if err := s.queue.Publish(ctx, s.classifyStream, payload); err != nil {
		return pkgerrors.Transient("failed to publish classify message", err)
	}
	return nil
}
