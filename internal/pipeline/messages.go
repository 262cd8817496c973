package pipeline

import (
	"encoding/json"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	pkgerrors "github.com/fernwatch/camtrap/pkg/errors"
)

// DetectMessage is the ingestion→detection queue schema.
type DetectMessage struct {
	ImageUUID   uuid.UUID `json:"image_uuid" validate:"required"`
	StoragePath string    `json:"storage_path" validate:"required"`
	CameraID    uuid.UUID `json:"camera_id" validate:"required"`
}

// ClassifyMessage is the detection→classification queue schema. It carries
// enough identifiers that the classification stage never re-reads the image
// row.
type ClassifyMessage struct {
	ImageUUID     uuid.UUID   `json:"image_uuid" validate:"required"`
	StoragePath   string      `json:"storage_path" validate:"required"`
	CameraID      uuid.UUID   `json:"camera_id" validate:"required"`
	NumDetections int         `json:"num_detections" validate:"min=0"`
	DetectionIDs  []uuid.UUID `json:"detection_ids"`
}

// decode unmarshals and validates a queue payload. Failures are validation
// errors: the message is logged and dropped, never redelivered.
func decode(payload []byte, v *validator.Validate, out interface{}) error {
	if err := json.Unmarshal(payload, out); err != nil {
		return pkgerrors.Validation("malformed queue message", err)
	}
	if err := v.Struct(out); err != nil {
		return pkgerrors.Validation("invalid queue message", err)
	}
	return nil
}
