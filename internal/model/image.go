package model

import (
	"time"

	"github.com/google/uuid"
)

// ImageStatus is the ledger state of an image in the pipeline. Transitions
// are monotonic; Failed is reachable from any non-terminal state.
type ImageStatus string

const (
	ImageStatusIngested    ImageStatus = "ingested"
	ImageStatusDetecting   ImageStatus = "detecting"
	ImageStatusDetected    ImageStatus = "detected"
	ImageStatusClassifying ImageStatus = "classifying"
	ImageStatusClassified  ImageStatus = "classified"
	ImageStatusFailed      ImageStatus = "failed"
)

var statusRank = map[ImageStatus]int{
	ImageStatusIngested:    0,
	ImageStatusDetecting:   1,
	ImageStatusDetected:    2,
	ImageStatusClassifying: 3,
	ImageStatusClassified:  4,
}

// Rank orders the non-failed states for monotonicity checks. Failed has no
// rank; it is terminal from anywhere.
func (s ImageStatus) Rank() (int, bool) {
	r, ok := statusRank[s]
	return r, ok
}

// CanTransition reports whether moving from s to next respects the pipeline
// state machine.
func (s ImageStatus) CanTransition(next ImageStatus) bool {
	if s == ImageStatusFailed || s == ImageStatusClassified {
		return false
	}
	if next == ImageStatusFailed {
		return true
	}
	from, ok := s.Rank()
	if !ok {
		return false
	}
	to, ok := next.Rank()
	if !ok {
		return false
	}
	return to == from+1
}

type Image struct {
	ID          uuid.UUID   `db:"id"`
	CameraID    uuid.UUID   `db:"camera_id"`
	StoragePath string      `db:"storage_path"`
	Status      ImageStatus `db:"status"`
	CapturedAt  time.Time   `db:"captured_at"`
	CreatedAt   time.Time   `db:"created_at"`
	UpdatedAt   time.Time   `db:"updated_at"`
}

// DetectionCategory is the closed detector label set.
type DetectionCategory string

const (
	CategoryAnimal  DetectionCategory = "animal"
	CategoryPerson  DetectionCategory = "person"
	CategoryVehicle DetectionCategory = "vehicle"
)

// BoundingBox carries both the normalized box the detector emits and the
// pixel box derived from the image dimensions.
type BoundingBox struct {
	X float64 `db:"bbox_x" json:"x"`
	Y float64 `db:"bbox_y" json:"y"`
	W float64 `db:"bbox_w" json:"w"`
	H float64 `db:"bbox_h" json:"h"`
}

// Detection is immutable once written; the detection stage is its sole
// writer. (ImageID, Idx) is the idempotency key under redelivery.
type Detection struct {
	ID         uuid.UUID         `db:"id"`
	ImageID    uuid.UUID         `db:"image_id"`
	Idx        int               `db:"idx"`
	Category   DetectionCategory `db:"category"`
	Confidence float64           `db:"confidence"`
	BBox       BoundingBox       `db:"bbox"`
	PixelX     int               `db:"pixel_x"`
	PixelY     int               `db:"pixel_y"`
	PixelW     int               `db:"pixel_w"`
	PixelH     int               `db:"pixel_h"`
	CreatedAt  time.Time         `db:"created_at"`
}

// Classification is owned by the classification stage. (DetectionID, Rank)
// is the idempotency key under redelivery.
type Classification struct {
	ID          uuid.UUID `db:"id"`
	DetectionID uuid.UUID `db:"detection_id"`
	Species     string    `db:"species"`
	Confidence  float64   `db:"confidence"`
	Rank        int       `db:"rank"`
	CreatedAt   time.Time `db:"created_at"`
}
