package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fernwatch/camtrap/internal/model"
	"github.com/fernwatch/camtrap/internal/repository"
)

type cameraRepository struct {
	BaseRepository
}

func NewCameraRepository(base BaseRepository) repository.CameraRepository {
	return &cameraRepository{base}
}

func (r *cameraRepository) Get(ctx context.Context, id uuid.UUID) (*model.Camera, error) {
	var cam model.Camera
	query := `
		SELECT id, project_id, name, battery_percent, last_seen_at, created_at
		FROM cameras WHERE id = $1
	`
	if err := r.db.GetContext(ctx, &cam, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get camera: %w", err)
	}
	return &cam, nil
}

func (r *cameraRepository) GetProject(ctx context.Context, id uuid.UUID) (*model.Project, error) {
	var p model.Project
	query := `SELECT id, detection_threshold, name, created_at FROM projects WHERE id = $1`
	if err := r.db.GetContext(ctx, &p, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get project: %w", err)
	}
	return &p, nil
}

func (r *cameraRepository) ProjectForCamera(ctx context.Context, cameraID uuid.UUID) (*model.Project, error) {
	var p model.Project
	query := `
		SELECT p.id, p.detection_threshold, p.name, p.created_at
		FROM projects p
		JOIN cameras c ON c.project_id = p.id
		WHERE c.id = $1
	`
	if err := r.db.GetContext(ctx, &p, query, cameraID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to resolve project for camera %s: %w", cameraID, err)
	}
	return &p, nil
}

func (r *cameraRepository) UpdateBattery(ctx context.Context, cameraID uuid.UUID, percent int, seenAt time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE cameras SET battery_percent = $2, last_seen_at = $3 WHERE id = $1`,
		cameraID, percent, seenAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update battery for camera %s: %w", cameraID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return repository.ErrNotFound
	}
	return nil
}
