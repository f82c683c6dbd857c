package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tidemail/tidemail/internal/model"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})
	return s
}

func testUser(email string) model.User {
	return model.User{
		Email:       email,
		DisplayName: "Test User",
		Settings: model.ServerSettings{
			IMAPHost:     "imap.example.com",
			IMAPPort:     993,
			IMAPSecurity: model.SecuritySSL,
			SMTPHost:     "smtp.example.com",
			SMTPPort:     587,
			SMTPSecurity: model.SecurityStartTLS,
		},
		EncryptedPassword: "aa:bb:cc",
		PasswordEpoch:     1,
	}
}

func TestUpsertUserCreatesThenUpdates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.UpsertUser(ctx, testUser("User@Example.com"))
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "user@example.com", created.Email)
	assert.Equal(t, int64(1), created.PasswordEpoch)

	update := testUser("USER@example.com")
	update.Settings.IMAPHost = "mail.example.com"
	update.PasswordEpoch = 2
	updated, err := s.UpsertUser(ctx, update)
	require.NoError(t, err)
	assert.Equal(t, created.ID, updated.ID, "upsert by email must keep the id stable")
	assert.Equal(t, "mail.example.com", updated.Settings.IMAPHost)
	assert.Equal(t, int64(2), updated.PasswordEpoch)

	got, err := s.GetUserByEmail(ctx, "user@EXAMPLE.com")
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, model.SecurityStartTLS, got.Settings.SMTPSecurity)
}

func TestGetUserNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetUserByEmail(context.Background(), "nobody@example.com")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.GetUserByID(context.Background(), "missing-id")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u, err := s.UpsertUser(ctx, testUser("user@example.com"))
	require.NoError(t, err)

	now := time.Now().UTC().Truncate(time.Second)
	sess := model.Session{
		ID:            "jti-1",
		UserID:        u.ID,
		PasswordEpoch: 1,
		CreatedAt:     now,
		LastUsedAt:    now,
		ExpiresAt:     now.Add(time.Hour),
		ClientIP:      "192.0.2.1",
		UserAgent:     "test-agent",
	}
	require.NoError(t, s.CreateSession(ctx, sess))

	got, err := s.GetSession(ctx, "jti-1")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.UserID)
	assert.Equal(t, "192.0.2.1", got.ClientIP)

	later := now.Add(10 * time.Minute)
	require.NoError(t, s.TouchSession(ctx, "jti-1", later))
	got, err = s.GetSession(ctx, "jti-1")
	require.NoError(t, err)
	assert.WithinDuration(t, later, got.LastUsedAt, time.Second)

	require.NoError(t, s.DeleteSession(ctx, "jti-1"))
	_, err = s.GetSession(ctx, "jti-1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Deleting again is idempotent.
	require.NoError(t, s.DeleteSession(ctx, "jti-1"))
}

func TestDeleteExpiredSessionsIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u, err := s.UpsertUser(ctx, testUser("user@example.com"))
	require.NoError(t, err)

	now := time.Now().UTC()
	for i, exp := range []time.Time{
		now.Add(-time.Hour),
		now.Add(-time.Minute),
		now.Add(time.Hour),
	} {
		require.NoError(t, s.CreateSession(ctx, model.Session{
			ID:            string(rune('a' + i)),
			UserID:        u.ID,
			PasswordEpoch: 1,
			CreatedAt:     now.Add(-2 * time.Hour),
			LastUsedAt:    now,
			ExpiresAt:     exp,
		}))
	}

	n, err := s.DeleteExpiredSessions(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// A second sweep with no new expirations deletes nothing.
	n, err = s.DeleteExpiredSessions(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = s.GetSession(ctx, "c")
	assert.NoError(t, err, "unexpired session must survive the sweep")
}

func TestDeleteUserCascadesSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u, err := s.UpsertUser(ctx, testUser("user@example.com"))
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, s.CreateSession(ctx, model.Session{
		ID: "jti-1", UserID: u.ID, PasswordEpoch: 1,
		CreatedAt: now, LastUsedAt: now, ExpiresAt: now.Add(time.Hour),
	}))

	require.NoError(t, s.DeleteUser(ctx, u.ID))

	_, err = s.GetSession(ctx, "jti-1")
	assert.ErrorIs(t, err, ErrNotFound)
}
