package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/fernwatch/camtrap/internal/model"
	"github.com/fernwatch/camtrap/internal/repository"
)

type imageRepository struct {
	BaseRepository
}

func NewImageRepository(base BaseRepository) repository.ImageRepository {
	return &imageRepository{base}
}

func (r *imageRepository) Create(ctx context.Context, image *model.Image) error {
	if image.ID == uuid.Nil {
		image.ID = uuid.New()
	}
	image.Status = model.ImageStatusIngested
	image.CreatedAt = time.Now()
	image.UpdatedAt = image.CreatedAt

	query := `
		INSERT INTO images (id, camera_id, storage_path, status, captured_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := r.db.ExecContext(ctx, query,
		image.ID, image.CameraID, image.StoragePath, image.Status,
		image.CapturedAt, image.CreatedAt, image.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create image: %w", err)
	}
	return nil
}

func (r *imageRepository) Get(ctx context.Context, id uuid.UUID) (*model.Image, error) {
	var img model.Image
	query := `
		SELECT id, camera_id, storage_path, status, captured_at, created_at, updated_at
		FROM images WHERE id = $1
	`
	if err := r.db.GetContext(ctx, &img, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get image: %w", err)
	}
	return &img, nil
}

func (r *imageRepository) GetStatus(ctx context.Context, id uuid.UUID) (model.ImageStatus, error) {
	var status model.ImageStatus
	err := r.db.GetContext(ctx, &status, `SELECT status FROM images WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", repository.ErrNotFound
		}
		return "", fmt.Errorf("failed to get image status: %w", err)
	}
	return status, nil
}

// TransitionStatus is a conditional write: the row only moves if it is still
// in the expected prior state, so concurrent workers and redeliveries cannot
// regress the ledger.
func (r *imageRepository) TransitionStatus(ctx context.Context, id uuid.UUID, from, to model.ImageStatus) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE images SET status = $3, updated_at = NOW() WHERE id = $1 AND status = $2`,
		id, from, to,
	)
	if err != nil {
		return false, fmt.Errorf("failed to transition image %s %s->%s: %w", id, from, to, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

func (r *imageRepository) MarkFailed(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE images SET status = $2, updated_at = NOW() WHERE id = $1 AND status NOT IN ($3, $2)`,
		id, model.ImageStatusFailed, model.ImageStatusClassified,
	)
	if err != nil {
		return fmt.Errorf("failed to mark image %s failed: %w", id, err)
	}
	return nil
}

// InsertDetections writes the detection set idempotently: a redelivered
// message re-inserts onto the (image_id, idx) key and changes nothing.
func (r *imageRepository) InsertDetections(ctx context.Context, detections []*model.Detection) error {
	if len(detections) == 0 {
		return nil
	}
	return r.WithTx(ctx, func(tx *sqlx.Tx) error {
		query := `
			INSERT INTO detections (
				id, image_id, idx, category, confidence,
				bbox_x, bbox_y, bbox_w, bbox_h,
				pixel_x, pixel_y, pixel_w, pixel_h, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW())
			ON CONFLICT (image_id, idx) DO NOTHING
		`
		for _, d := range detections {
			if d.ID == uuid.Nil {
				d.ID = uuid.New()
			}
			if _, err := tx.ExecContext(ctx, query,
				d.ID, d.ImageID, d.Idx, d.Category, d.Confidence,
				d.BBox.X, d.BBox.Y, d.BBox.W, d.BBox.H,
				d.PixelX, d.PixelY, d.PixelW, d.PixelH,
			); err != nil {
				return fmt.Errorf("failed to insert detection %d for image %s: %w", d.Idx, d.ImageID, err)
			}
		}
		return nil
	})
}

func (r *imageRepository) ListDetections(ctx context.Context, imageID uuid.UUID) ([]*model.Detection, error) {
	query := `
		SELECT id, image_id, idx, category, confidence,
		       bbox_x AS "bbox.bbox_x", bbox_y AS "bbox.bbox_y",
		       bbox_w AS "bbox.bbox_w", bbox_h AS "bbox.bbox_h",
		       pixel_x, pixel_y, pixel_w, pixel_h, created_at
		FROM detections
		WHERE image_id = $1
		ORDER BY idx ASC
	`
	var detections []*model.Detection
	if err := r.db.SelectContext(ctx, &detections, query, imageID); err != nil {
		return nil, fmt.Errorf("failed to list detections for image %s: %w", imageID, err)
	}
	return detections, nil
}

// InsertClassifications is idempotent on (detection_id, rank).
func (r *imageRepository) InsertClassifications(ctx context.Context, classifications []*model.Classification) error {
	if len(classifications) == 0 {
		return nil
	}
	return r.WithTx(ctx, func(tx *sqlx.Tx) error {
		query := `
			INSERT INTO classifications (id, detection_id, species, confidence, rank, created_at)
			VALUES ($1, $2, $3, $4, $5, NOW())
			ON CONFLICT (detection_id, rank) DO NOTHING
		`
		for _, c := range classifications {
			if c.ID == uuid.Nil {
				c.ID = uuid.New()
			}
			if _, err := tx.ExecContext(ctx, query,
				c.ID, c.DetectionID, c.Species, c.Confidence, c.Rank,
			); err != nil {
				return fmt.Errorf("failed to insert classification rank %d for detection %s: %w", c.Rank, c.DetectionID, err)
			}
		}
		return nil
	})
}

func (r *imageRepository) ListClassifications(ctx context.Context, detectionID uuid.UUID) ([]*model.Classification, error) {
	query := `
		SELECT id, detection_id, species, confidence, rank, created_at
		FROM classifications
		WHERE detection_id = $1
		ORDER BY rank ASC
	`
	var classifications []*model.Classification
	if err := r.db.SelectContext(ctx, &classifications, query, detectionID); err != nil {
		return nil, fmt.Errorf("failed to list classifications for detection %s: %w", detectionID, err)
	}
	return classifications, nil
}
