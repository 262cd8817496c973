package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/fernwatch/camtrap/internal/model"
)

// Sentinel errors shared by implementations.
var (
	ErrNotFound     = errors.New("not found")
	ErrTokenUsed    = errors.New("token already used")
	ErrTokenExpired = errors.New("token expired")
)

// All repository interfaces in one file
type (
	// ImageRepository is the pipeline's status ledger. Each stage is the
	// sole writer of its own state and result rows; status updates are
	// conditional so redelivered messages cannot regress state.
	ImageRepository interface {
		Create(ctx context.Context, image *model.Image) error
		Get(ctx context.Context, id uuid.UUID) (*model.Image, error)
		GetStatus(ctx context.Context, id uuid.UUID) (model.ImageStatus, error)
		// TransitionStatus applies from→to only if the current status is
		// from; reports whether the row changed.
		TransitionStatus(ctx context.Context, id uuid.UUID, from, to model.ImageStatus) (bool, error)
		MarkFailed(ctx context.Context, id uuid.UUID) error
		// InsertDetections is idempotent on (image_id, idx).
		InsertDetections(ctx context.Context, detections []*model.Detection) error
		ListDetections(ctx context.Context, imageID uuid.UUID) ([]*model.Detection, error)
		// InsertClassifications is idempotent on (detection_id, rank).
		InsertClassifications(ctx context.Context, classifications []*model.Classification) error
		ListClassifications(ctx context.Context, detectionID uuid.UUID) ([]*model.Classification, error)
	}

	CameraRepository interface {
		Get(ctx context.Context, id uuid.UUID) (*model.Camera, error)
		GetProject(ctx context.Context, id uuid.UUID) (*model.Project, error)
		// ProjectForCamera resolves the owning project of a camera.
		ProjectForCamera(ctx context.Context, cameraID uuid.UUID) (*model.Project, error)
		UpdateBattery(ctx context.Context, cameraID uuid.UUID, percent int, seenAt time.Time) error
	}

	PreferenceRepository interface {
		Get(ctx context.Context, userID, projectID uuid.UUID) (*model.NotificationPreference, error)
		ListEnabledForProject(ctx context.Context, projectID uuid.UUID) ([]*model.NotificationPreference, error)
		Upsert(ctx context.Context, pref *model.NotificationPreference) error
	}

	// NotificationLogRepository is the append-only delivery audit trail.
	NotificationLogRepository interface {
		// CreateIfAbsent inserts the row unless one already exists for the
		// (event_id, user_id, channel) tuple; returns the canonical row and
		// whether this call created it.
		CreateIfAbsent(ctx context.Context, log *model.NotificationLog) (*model.NotificationLog, bool, error)
		Get(ctx context.Context, id uuid.UUID) (*model.NotificationLog, error)
		// MarkSent transitions pending→sent; reports false if the row was
		// already terminal.
		MarkSent(ctx context.Context, id uuid.UUID, sentAt time.Time) (bool, error)
		// MarkFailed transitions pending→failed with the error text.
		MarkFailed(ctx context.Context, id uuid.UUID, errText string) (bool, error)
	}

	LinkingTokenRepository interface {
		Create(ctx context.Context, token *model.LinkingToken) error
		Get(ctx context.Context, token string) (*model.LinkingToken, error)
		// Redeem atomically flips used=false→true (if unexpired) and binds
		// the channel identity to the matching preference row. Concurrent
		// redemptions yield exactly one success; the rest get ErrTokenUsed.
		Redeem(ctx context.Context, token, channelIdentity string) (*model.LinkingToken, error)
	}
)
