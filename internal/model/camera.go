package model

import (
	"time"

	"github.com/google/uuid"
)

type Project struct {
	ID uuid.UUID `db:"id"`
	// DetectionThreshold is the minimum detection confidence for a
	// species_detection event to be considered at all.
	DetectionThreshold float64   `db:"detection_threshold"`
	Name               string    `db:"name"`
	CreatedAt          time.Time `db:"created_at"`
}

type Camera struct {
	ID             uuid.UUID `db:"id"`
	ProjectID      uuid.UUID `db:"project_id"`
	Name           string    `db:"name"`
	BatteryPercent int       `db:"battery_percent"`
	LastSeenAt     time.Time `db:"last_seen_at"`
	CreatedAt      time.Time `db:"created_at"`
}
