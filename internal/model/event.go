package model

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType is the closed set of notification event types.
type EventType string

const (
	EventSpeciesDetection EventType = "species_detection"
	EventLowBattery       EventType = "low_battery"
	EventSystemHealth     EventType = "system_health"
)

// eventNamespace seeds deterministic event ids so a redelivered stage message
// re-emits the same event id and downstream fan-out stays idempotent.
var eventNamespace = uuid.MustParse("6f7a1c9e-3d42-4c3a-9a57-08b5c2f1a9d0")

// Event is the envelope on the notification event bus. Payload is one of the
// typed variants below, selected by Type and validated at the boundary.
type Event struct {
	ID         uuid.UUID       `json:"event_id"`
	Type       EventType       `json:"type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
}

type SpeciesDetectionPayload struct {
	CameraID    uuid.UUID `json:"camera_id"`
	ImageID     uuid.UUID `json:"image_id"`
	DetectionID uuid.UUID `json:"detection_id"`
	StoragePath string    `json:"storage_path"`
	Species     string    `json:"species"`
	Confidence  float64   `json:"confidence"`
}

type LowBatteryPayload struct {
	CameraID       uuid.UUID `json:"camera_id"`
	CameraName     string    `json:"camera_name"`
	BatteryPercent int       `json:"battery_percent"`
}

type SystemHealthPayload struct {
	ProjectID uuid.UUID `json:"project_id"`
	Component string    `json:"component"`
	Detail    string    `json:"detail"`
}

// DeterministicEventID derives a stable id from the event type and its
// subject, so re-emission after redelivery does not fan out twice.
func DeterministicEventID(t EventType, subject string) uuid.UUID {
	return uuid.NewSHA1(eventNamespace, []byte(string(t)+":"+subject))
}

func NewSpeciesDetectionEvent(p SpeciesDetectionPayload, at time.Time) (Event, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:         DeterministicEventID(EventSpeciesDetection, p.DetectionID.String()),
		Type:       EventSpeciesDetection,
		OccurredAt: at,
		Payload:    raw,
	}, nil
}

func NewLowBatteryEvent(p LowBatteryPayload, at time.Time) (Event, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return Event{}, err
	}
	// One event per camera per observed battery level.
	subject := fmt.Sprintf("%s:%d", p.CameraID, p.BatteryPercent)
	return Event{
		ID:         DeterministicEventID(EventLowBattery, subject),
		Type:       EventLowBattery,
		OccurredAt: at,
		Payload:    raw,
	}, nil
}

func NewSystemHealthEvent(p SystemHealthPayload, at time.Time) (Event, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return Event{}, err
	}
	subject := fmt.Sprintf("%s:%s:%d", p.ProjectID, p.Component, at.Unix())
	return Event{
		ID:         DeterministicEventID(EventSystemHealth, subject),
		Type:       EventSystemHealth,
		OccurredAt: at,
		Payload:    raw,
	}, nil
}

// SpeciesDetection decodes the payload; Type must match.
func (e Event) SpeciesDetection() (SpeciesDetectionPayload, error) {
	var p SpeciesDetectionPayload
	if e.Type != EventSpeciesDetection {
		return p, fmt.Errorf("event %s is %s, not species_detection", e.ID, e.Type)
	}
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}

func (e Event) LowBattery() (LowBatteryPayload, error) {
	var p LowBatteryPayload
	if e.Type != EventLowBattery {
		return p, fmt.Errorf("event %s is %s, not low_battery", e.ID, e.Type)
	}
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}

func (e Event) SystemHealth() (SystemHealthPayload, error) {
	var p SystemHealthPayload
	if e.Type != EventSystemHealth {
		return p, fmt.Errorf("event %s is %s, not system_health", e.ID, e.Type)
	}
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}
