package notifier

import (
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
)

// IndependenceWindow groups repeated detections of the same species on the
// same camera into one ecological occurrence. It only gates router fan-out
// for species_detection events; delivery retries are unaffected.
type IndependenceWindow struct {
	entries *cache.Cache
	window  time.Duration
}

// NewIndependenceWindow returns nil when window is zero or negative, which
// disables grouping entirely.
func NewIndependenceWindow(window time.Duration) *IndependenceWindow {
	if window <= 0 {
		return nil
	}
	return &IndependenceWindow{
		entries: cache.New(window, window),
		window:  window,
	}
}

// Observe records an occurrence for eventID and reports whether the event
// passes the window. The first event to claim a (camera, species) key within
// the window passes; later distinct events are grouped into that occurrence.
// The owning event passes again on redelivery, so a partially fanned-out
// event can finish its remaining deliveries. A nil window passes everything.
func (w *IndependenceWindow) Observe(cameraID uuid.UUID, species string, eventID uuid.UUID) bool {
	if w == nil {
		return true
	}
	key := cameraID.String() + "|" + species
	// Add fails if the key is already present and unexpired.
	if w.entries.Add(key, eventID, w.window) == nil {
		return true
	}
	owner, ok := w.entries.Get(key)
	if !ok {
		// Entry expired between Add and Get.
		return w.entries.Add(key, eventID, w.window) == nil
	}
	return owner == eventID
}
