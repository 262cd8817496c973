package model

import (
	"time"

	"github.com/google/uuid"
)

// LinkingToken binds a (user, project) pair to an external channel identity
// without manual id entry. Single-use: Used flips false→true exactly once.
type LinkingToken struct {
	Token     string    `db:"token"`
	UserID    uuid.UUID `db:"user_id"`
	ProjectID uuid.UUID `db:"project_id"`
	Channel   Channel   `db:"channel"`
	Used      bool      `db:"used"`
	CreatedAt time.Time `db:"created_at"`
	ExpiresAt time.Time `db:"expires_at"`
}

func (t *LinkingToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}
