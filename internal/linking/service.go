package linking

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fernwatch/camtrap/internal/model"
	"github.com/fernwatch/camtrap/internal/repository"
	"github.com/fernwatch/camtrap/pkg/logger"
)

const tokenBytes = 32

// Service issues and redeems single-use channel linking tokens. A token binds
// a (user, project, channel) triple to the external identity that redeems it,
// so users never type chat ids by hand.
type Service struct {
	tokens   repository.LinkingTokenRepository
	tokenTTL time.Duration
	logger   *logger.Logger
}

func NewService(tokens repository.LinkingTokenRepository, tokenTTL time.Duration, log *logger.Logger) *Service {
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	return &Service{
		tokens:   tokens,
		tokenTTL: tokenTTL,
		logger:   log.WithComponent("linking"),
	}
}

// Issue creates a fresh unguessable token for the given user, project, and
// channel. Issuing a new token does not invalidate earlier unused ones; each
// expires on its own clock.
func (s *Service) Issue(ctx context.Context, userID, projectID uuid.UUID, channel model.Channel) (*model.LinkingToken, error) {
	if !model.KnownChannel(channel) {
		return nil, fmt.Errorf("unknown channel %q", channel)
	}

	raw := make([]byte, tokenBytes)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}

	now := time.Now().UTC()
	token := &model.LinkingToken{
		Token:     base64.RawURLEncoding.EncodeToString(raw),
		UserID:    userID,
		ProjectID: projectID,
		Channel:   channel,
		CreatedAt: now,
		ExpiresAt: now.Add(s.tokenTTL),
	}
	if err := s.tokens.Create(ctx, token); err != nil {
		return nil, fmt.Errorf("failed to store linking token: %w", err)
	}

	s.logger.Info("linking token issued",
		"user_id", userID.String(),
		"project_id", projectID.String(),
		"channel", string(channel),
		"expires_at", token.ExpiresAt.Format(time.RFC3339),
	)
	return token, nil
}

// Redeem consumes the token and binds identity to the owning preference row.
// Exactly one concurrent redemption succeeds; callers distinguish outcomes via
// repository.ErrTokenUsed, repository.ErrTokenExpired, and
// repository.ErrNotFound.
func (s *Service) Redeem(ctx context.Context, token, identity string) (*model.LinkingToken, error) {
	if token == "" {
		return nil, repository.ErrNotFound
	}
	if identity == "" {
		return nil, fmt.Errorf("channel identity must not be empty")
	}

	redeemed, err := s.tokens.Redeem(ctx, token, identity)
	if err != nil {
		return nil, err
	}

	s.logger.Info("linking token redeemed",
		"user_id", redeemed.UserID.String(),
		"channel", string(redeemed.Channel),
	)
	return redeemed, nil
}
