package inference

import (
	"context"

	"github.com/fernwatch/camtrap/internal/model"
)

// DetectionResult is one detector box before persistence.
type DetectionResult struct {
	Category   model.DetectionCategory `json:"category"`
	Confidence float64                 `json:"confidence"`
	BBox       model.BoundingBox       `json:"bbox"`
	PixelX     int                     `json:"pixel_x"`
	PixelY     int                     `json:"pixel_y"`
	PixelW     int                     `json:"pixel_w"`
	PixelH     int                     `json:"pixel_h"`
}

// ClassificationResult is one species candidate for a crop.
type ClassificationResult struct {
	Species    string  `json:"species"`
	Confidence float64 `json:"confidence"`
}

// Detector is the opaque object-detection capability.
type Detector interface {
	Detect(ctx context.Context, imageBytes []byte) ([]DetectionResult, error)
}

// Classifier is the opaque species-classification capability. The service
// crops the region of interest itself; callers pass the full image plus the
// normalized box.
type Classifier interface {
	Classify(ctx context.Context, imageBytes []byte, bbox model.BoundingBox, topN int) ([]ClassificationResult, error)
}
