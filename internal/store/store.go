package store

import (
	"context"
	"errors"
	"time"

	"github.com/tidemail/tidemail/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Store defines the persistence interface for users and sessions.
// Mailboxes and messages are never persisted; they are always read live
// from the mail server.
type Store interface {
	// UpsertUser creates or updates a user keyed by lowercased email
	// and returns the stored row.
	UpsertUser(ctx context.Context, u model.User) (*model.User, error)
	GetUserByID(ctx context.Context, id string) (*model.User, error)
	GetUserByEmail(ctx context.Context, email string) (*model.User, error)
	DeleteUser(ctx context.Context, id string) error

	CreateSession(ctx context.Context, s model.Session) error
	GetSession(ctx context.Context, jti string) (*model.Session, error)
	TouchSession(ctx context.Context, jti string, at time.Time) error
	// DeleteSession is idempotent: deleting an absent session is not an error.
	DeleteSession(ctx context.Context, jti string) error
	DeleteSessionsForUser(ctx context.Context, userID string) error
	// DeleteExpiredSessions removes every session past expiry and
	// returns how many rows were deleted.
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error)

	Close() error
}
