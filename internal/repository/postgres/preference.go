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

const preferenceColumns = `
	id, user_id, project_id, enabled,
	notify_species, species_channels, species_allowlist,
	notify_low_battery, battery_channels, battery_threshold,
	notify_system, system_channels,
	email_address, chat_a_recipient, chat_b_recipient,
	created_at, updated_at
`

type preferenceRepository struct {
	BaseRepository
}

func NewPreferenceRepository(base BaseRepository) repository.PreferenceRepository {
	return &preferenceRepository{base}
}

func (r *preferenceRepository) Get(ctx context.Context, userID, projectID uuid.UUID) (*model.NotificationPreference, error) {
	var pref model.NotificationPreference
	query := `SELECT ` + preferenceColumns + ` FROM notification_preferences WHERE user_id = $1 AND project_id = $2`
	if err := r.db.GetContext(ctx, &pref, query, userID, projectID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get preference: %w", err)
	}
	return &pref, nil
}

func (r *preferenceRepository) ListEnabledForProject(ctx context.Context, projectID uuid.UUID) ([]*model.NotificationPreference, error) {
	query := `SELECT ` + preferenceColumns + ` FROM notification_preferences WHERE project_id = $1 AND enabled = TRUE`
	var prefs []*model.NotificationPreference
	if err := r.db.SelectContext(ctx, &prefs, query, projectID); err != nil {
		return nil, fmt.Errorf("failed to list preferences for project %s: %w", projectID, err)
	}
	return prefs, nil
}

func (r *preferenceRepository) Upsert(ctx context.Context, pref *model.NotificationPreference) error {
	if pref.ID == uuid.Nil {
		pref.ID = uuid.New()
	}
	now := time.Now()
	if pref.CreatedAt.IsZero() {
		pref.CreatedAt = now
	}
	pref.UpdatedAt = now

	query := `
		INSERT INTO notification_preferences (
			id, user_id, project_id, enabled,
			notify_species, species_channels, species_allowlist,
			notify_low_battery, battery_channels, battery_threshold,
			notify_system, system_channels,
			email_address, chat_a_recipient, chat_b_recipient,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (user_id, project_id) DO UPDATE SET
			enabled = EXCLUDED.enabled,
			notify_species = EXCLUDED.notify_species,
			species_channels = EXCLUDED.species_channels,
			species_allowlist = EXCLUDED.species_allowlist,
			notify_low_battery = EXCLUDED.notify_low_battery,
			battery_channels = EXCLUDED.battery_channels,
			battery_threshold = EXCLUDED.battery_threshold,
			notify_system = EXCLUDED.notify_system,
			system_channels = EXCLUDED.system_channels,
			email_address = EXCLUDED.email_address,
			chat_a_recipient = EXCLUDED.chat_a_recipient,
			chat_b_recipient = EXCLUDED.chat_b_recipient,
			updated_at = EXCLUDED.updated_at
	`
	_, err := r.db.ExecContext(ctx, query,
		pref.ID, pref.UserID, pref.ProjectID, pref.Enabled,
		pref.NotifySpecies, pref.SpeciesChannels, pref.SpeciesAllowlist,
		pref.NotifyLowBattery, pref.BatteryChannels, pref.BatteryThreshold,
		pref.NotifySystem, pref.SystemChannels,
		pref.EmailAddress, pref.ChatARecipient, pref.ChatBRecipient,
		pref.CreatedAt, pref.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert preference: %w", err)
	}
	return nil
}
