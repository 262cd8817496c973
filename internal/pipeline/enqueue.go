package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fernwatch/camtrap/internal/model"
	"github.com/fernwatch/camtrap/internal/repository"
	pkgerrors "github.com/fernwatch/camtrap/pkg/errors"
	"github.com/fernwatch/camtrap/pkg/messaging"
)

// Enqueuer is the producing side of the pipeline: it registers ingested
// images on the detection queue and turns camera battery reports into
// low_battery events.
type Enqueuer struct {
	images       repository.ImageRepository
	cameras      repository.CameraRepository
	queue        messaging.Queue
	detectStream string
	eventStream  string
}

func NewEnqueuer(
	images repository.ImageRepository,
	cameras repository.CameraRepository,
	queue messaging.Queue,
	detectStream, eventStream string,
) *Enqueuer {
	return &Enqueuer{
		images:       images,
		cameras:      cameras,
		queue:        queue,
		detectStream: detectStream,
		eventStream:  eventStream,
	}
}

// EnqueueImage records the image in the ledger (Ingested) and publishes the
// detection message.
func (e *Enqueuer) EnqueueImage(ctx context.Context, cameraID uuid.UUID, storagePath string, capturedAt time.Time) (uuid.UUID, error) {
	img := &model.Image{
		CameraID:    cameraID,
		StoragePath: storagePath,
		CapturedAt:  capturedAt,
	}
	if err := e.images.Create(ctx, img); err != nil {
		return uuid.Nil, err
	}

	payload, err := json.Marshal(DetectMessage{
		ImageUUID:   img.ID,
		StoragePath: storagePath,
		CameraID:    cameraID,
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to marshal detect message: %w", err)
	}
	if err := e.queue.Publish(ctx, e.detectStream, payload); err != nil {
		return uuid.Nil, pkgerrors.Transient("failed to publish detect message", err)
	}
	return img.ID, nil
}

// ReportBattery updates the camera's battery reading and emits a low_battery
// event. The router decides per preference whether the reading is low enough
// to notify.
func (e *Enqueuer) ReportBattery(ctx context.Context, cameraID uuid.UUID, percent int, seenAt time.Time) error {
	if err := e.cameras.UpdateBattery(ctx, cameraID, percent, seenAt); err != nil {
		return err
	}

	cam, err := e.cameras.Get(ctx, cameraID)
	if err != nil {
		return err
	}

	event, err := model.NewLowBatteryEvent(model.LowBatteryPayload{
		CameraID:       cameraID,
		CameraName:     cam.Name,
		BatteryPercent: percent,
	}, seenAt)
	if err != nil {
		return fmt.Errorf("failed to build low battery event: %w", err)
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal low battery event: %w", err)
	}
	if err := e.queue.Publish(ctx, e.eventStream, payload); err != nil {
		return pkgerrors.Transient("failed to publish low battery event", err)
	}
	return nil
}
