package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fernwatch/camtrap/internal/model"
	"github.com/fernwatch/camtrap/internal/repository"
)

type linkingTokenRepository struct {
	BaseRepository
}

func NewLinkingTokenRepository(base BaseRepository) repository.LinkingTokenRepository {
	return &linkingTokenRepository{base}
}

func (r *linkingTokenRepository) Create(ctx context.Context, token *model.LinkingToken) error {
	token.CreatedAt = time.Now()
	query := `
		INSERT INTO linking_tokens (token, user_id, project_id, channel, used, created_at, expires_at)
		VALUES ($1, $2, $3, $4, FALSE, $5, $6)
	`
	_, err := r.db.ExecContext(ctx, query,
		token.Token, token.UserID, token.ProjectID, token.Channel,
		token.CreatedAt, token.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("failed to store linking token: %w", err)
	}
	return nil
}

func (r *linkingTokenRepository) Get(ctx context.Context, token string) (*model.LinkingToken, error) {
	var t model.LinkingToken
	query := `
		SELECT token, user_id, project_id, channel, used, created_at, expires_at
		FROM linking_tokens WHERE token = $1
	`
	if err := r.db.GetContext(ctx, &t, query, token); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get linking token: %w", err)
	}
	return &t, nil
}

// Redeem flips used in a single conditional UPDATE, so two concurrent
// redemptions of the same token serialize on the row and exactly one sees
// used=FALSE. The identity bind happens in the same transaction.
func (r *linkingTokenRepository) Redeem(ctx context.Context, token, channelIdentity string) (*model.LinkingToken, error) {
	var redeemed model.LinkingToken
	err := r.WithTx(ctx, func(tx *sqlx.Tx) error {
		claim := `
			UPDATE linking_tokens
			SET used = TRUE
			WHERE token = $1 AND used = FALSE AND expires_at > NOW()
			RETURNING token, user_id, project_id, channel, used, created_at, expires_at
		`
		err := tx.GetContext(ctx, &redeemed, claim, token)
		if errors.Is(err, sql.ErrNoRows) {
			return r.classifyFailure(ctx, tx, token)
		}
		if err != nil {
			return fmt.Errorf("failed to redeem linking token: %w", err)
		}

		return bindIdentity(ctx, tx, &redeemed, channelIdentity)
	})
	if err != nil {
		return nil, err
	}
	return &redeemed, nil
}

// classifyFailure distinguishes expired / already-used / unknown after the
// conditional claim matched nothing. Expired wins over used: an expired token
// fails with "expired" regardless of used state.
func (r *linkingTokenRepository) classifyFailure(ctx context.Context, tx *sqlx.Tx, token string) error {
	var t model.LinkingToken
	query := `
		SELECT token, user_id, project_id, channel, used, created_at, expires_at
		FROM linking_tokens WHERE token = $1
	`
	if err := tx.GetContext(ctx, &t, query, token); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return repository.ErrNotFound
		}
		return fmt.Errorf("failed to inspect linking token: %w", err)
	}
	if t.Expired(time.Now()) {
		return repository.ErrTokenExpired
	}
	if t.Used {
		return repository.ErrTokenUsed
	}
	return repository.ErrNotFound
}

func bindIdentity(ctx context.Context, tx *sqlx.Tx, token *model.LinkingToken, identity string) error {
	var column string
	switch token.Channel {
	case model.ChannelEmail:
		column = "email_address"
	case model.ChannelChatA:
		column = "chat_a_recipient"
	case model.ChannelChatB:
		column = "chat_b_recipient"
	default:
		return fmt.Errorf("unknown channel %q on linking token", token.Channel)
	}

	query := fmt.Sprintf(`
		UPDATE notification_preferences
		SET %s = $1, updated_at = NOW()
		WHERE user_id = $2 AND project_id = $3
	`, column)
	res, err := tx.ExecContext(ctx, query, identity, token.UserID, token.ProjectID)
	if err != nil {
		return fmt.Errorf("failed to bind channel identity: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("no preference row for user %s project %s: %w", token.UserID, token.ProjectID, repository.ErrNotFound)
	}
	return nil
}
