package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/tidemail/tidemail/internal/model"
	"github.com/tidemail/tidemail/internal/store"
)

// NewTestStore creates an in-memory SQLiteStore with all migrations applied.
// It automatically closes the store when the test completes.
func NewTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()

	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}

	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})

	return s
}

// TestSettings returns server settings pointing at example hosts,
// sufficient for flows that never open a real connection.
func TestSettings() model.ServerSettings {
	return model.ServerSettings{
		IMAPHost:     "imap.example.com",
		IMAPPort:     993,
		IMAPSecurity: model.SecuritySSL,
		SMTPHost:     "smtp.example.com",
		SMTPPort:     465,
		SMTPSecurity: model.SecuritySSL,
	}
}

// SeedUser inserts a user with the given email and sealed password blob.
func SeedUser(t *testing.T, s store.Store, email, encryptedPassword string) *model.User {
	t.Helper()

	u, err := s.UpsertUser(context.Background(), model.User{
		Email:             email,
		DisplayName:       "Test User",
		Settings:          TestSettings(),
		EncryptedPassword: encryptedPassword,
		PasswordEpoch:     1,
	})
	if err != nil {
		t.Fatalf("seeding user %s: %v", email, err)
	}
	return u
}

// SeedSession inserts a session for a user expiring at the given time.
func SeedSession(t *testing.T, s store.Store, jti, userID string, epoch int64, expiresAt time.Time) {
	t.Helper()

	err := s.CreateSession(context.Background(), model.Session{
		ID:            jti,
		UserID:        userID,
		PasswordEpoch: epoch,
		CreatedAt:     time.Now(),
		LastUsedAt:    time.Now(),
		ExpiresAt:     expiresAt,
	})
	if err != nil {
		t.Fatalf("seeding session %s: %v", jti, err)
	}
}
