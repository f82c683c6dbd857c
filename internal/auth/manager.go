// Package auth issues and validates session tokens. The authoritative
// password check is a throwaway IMAP login against the user's own mail
// server; there is no separate password store.
package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tidemail/tidemail/internal/crypto"
	"github.com/tidemail/tidemail/internal/model"
	"github.com/tidemail/tidemail/internal/store"
)

// ConnectionVerifier checks mail credentials by opening and closing a
// connection against the IMAP server.
type ConnectionVerifier interface {
	Verify(ctx context.Context, settings model.ServerSettings, username, password string) error
}

// Discoverer resolves server settings for an email address when the
// login request does not supply them.
type Discoverer interface {
	DiscoverSettings(ctx context.Context, email string) (model.ServerSettings, error)
}

// ClientMeta is request metadata recorded on the session.
type ClientMeta struct {
	IP        string
	UserAgent string
}

// LoginRequest carries the credentials and optional explicit server
// settings for a login attempt.
type LoginRequest struct {
	Email    string
	Password string
	Settings *model.ServerSettings
}

// LoginResult is a freshly minted token plus the stored user.
type LoginResult struct {
	Token     string
	JTI       string
	ExpiresAt time.Time
	User      *model.User
}

// Identity is the outcome of validating a token: the user, the session,
// and the decrypted mail password so the caller can open mail-server
// connections without a second round trip.
type Identity struct {
	User     *model.User
	Session  *model.Session
	Password string
}

// Manager implements the session/token lifecycle over a Store.
type Manager struct {
	store    store.Store
	codec    *crypto.Codec
	verifier ConnectionVerifier
	discover Discoverer
	secret   []byte
	lifetime time.Duration
	log      *logrus.Logger

	// now is swappable for tests.
	now func() time.Time
}

// NewManager constructs a Manager. discover may be nil, in which case
// logins must supply explicit server settings.
func NewManager(
	s store.Store,
	codec *crypto.Codec,
	verifier ConnectionVerifier,
	discover Discoverer,
	jwtSecret string,
	lifetime time.Duration,
	log *logrus.Logger,
) *Manager {
	if lifetime <= 0 {
		lifetime = 7 * 24 * time.Hour
	}
	return &Manager{
		store:    s,
		codec:    codec,
		verifier: verifier,
		discover: discover,
		secret:   []byte(jwtSecret),
		lifetime: lifetime,
		log:      log,
		now:      time.Now,
	}
}

// Login validates credentials against the mail server, upserts the user
// record, and issues a token with a matching session row.
func (m *Manager) Login(ctx context.Context, req LoginRequest, meta ClientMeta) (*LoginResult, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))

	settings := req.Settings
	if settings == nil {
		discovered, err := m.discoverSettings(ctx, email)
		if err != nil {
			return nil, err
		}
		settings = &discovered
	}

	// The throwaway connection is the authoritative password check.
	if err := m.verifier.Verify(ctx, *settings, email, req.Password); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}

	user, err := m.upsertUser(ctx, email, req.Password, *settings)
	if err != nil {
		return nil, err
	}

	now := m.now()
	jti := uuid.New().String()
	expiresAt := now.Add(m.lifetime)

	token, err := signToken(m.secret, user.ID, jti, now, expiresAt)
	if err != nil {
		return nil, err
	}

	sess := model.Session{
		ID:            jti,
		UserID:        user.ID,
		PasswordEpoch: user.PasswordEpoch,
		CreatedAt:     now,
		LastUsedAt:    now,
		ExpiresAt:     expiresAt,
		ClientIP:      meta.IP,
		UserAgent:     meta.UserAgent,
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("persisting session: %w", err)
	}

	m.log.WithFields(logrus.Fields{
		"user": user.Email,
		"jti":  jti,
		"ip":   meta.IP,
	}).Info("session created")

	return &LoginResult{Token: token, JTI: jti, ExpiresAt: expiresAt, User: user}, nil
}

func (m *Manager) discoverSettings(ctx context.Context, email string) (model.ServerSettings, error) {
	if m.discover == nil {
		return model.ServerSettings{}, fmt.Errorf("no server settings supplied and discovery is disabled")
	}
	settings, err := m.discover.DiscoverSettings(ctx, email)
	if err != nil {
		return model.ServerSettings{}, fmt.Errorf("discovering mail server for %s: %w", email, err)
	}
	return settings, nil
}

// upsertUser creates the user on first sight and refreshes settings on
// every login, bumping the password epoch when the password changed.
func (m *Manager) upsertUser(ctx context.Context, email, password string, settings model.ServerSettings) (*model.User, error) {
	encrypted, err := m.codec.Encrypt(password)
	if err != nil {
		return nil, fmt.Errorf("sealing password: %w", err)
	}

	u := model.User{
		Email:         email,
		DisplayName:   displayNameFromEmail(email),
		Settings:      settings,
		PasswordEpoch: 1,
	}

	existing, err := m.store.GetUserByEmail(ctx, email)
	switch {
	case err == nil:
		u.DisplayName = existing.DisplayName
		u.PasswordEpoch = existing.PasswordEpoch
		stored, derr := m.codec.Decrypt(existing.EncryptedPassword)
		if derr != nil || stored != password {
			// Password changed (or the old blob is unreadable after a
			// secret rotation without a retired key): invalidate every
			// session minted under the previous epoch.
			u.PasswordEpoch = existing.PasswordEpoch + 1
		}
		u.EncryptedPassword = encrypted
	case err == store.ErrNotFound:
		u.EncryptedPassword = encrypted
	default:
		return nil, fmt.Errorf("looking up user %s: %w", email, err)
	}

	// Always re-seal on login so blobs migrate to the current secret.
	return m.store.UpsertUser(ctx, u)
}

// Validate verifies a bearer token and returns the authenticated
// identity, including the decrypted mail password.
func (m *Manager) Validate(ctx context.Context, tokenStr string) (*Identity, error) {
	claims, err := parseToken(m.secret, tokenStr)
	if err != nil {
		return nil, err
	}

	sess, err := m.store.GetSession(ctx, claims.Id)
	if err == store.ErrNotFound {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("looking up session: %w", err)
	}

	now := m.now()
	if sess.Expired(now) {
		m.deleteSessionAsync(sess.ID)
		return nil, ErrSessionExpired
	}

	user, err := m.store.GetUserByID(ctx, sess.UserID)
	if err == store.ErrNotFound {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("looking up user: %w", err)
	}

	if sess.PasswordEpoch != user.PasswordEpoch {
		m.deleteSessionAsync(sess.ID)
		return nil, ErrPasswordChanged
	}

	password, err := m.codec.Decrypt(user.EncryptedPassword)
	if err != nil {
		return nil, fmt.Errorf("unsealing stored password: %w", err)
	}

	// Best effort; correctness never depends on last-used freshness.
	go func(jti string, at time.Time) {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.store.TouchSession(ctx, jti, at); err != nil {
			m.log.WithError(err).WithField("jti", jti).Warn("touching session failed")
		}
	}(sess.ID, now)

	return &Identity{User: user, Session: sess, Password: password}, nil
}

// Logout deletes the session matching jti. Idempotent.
func (m *Manager) Logout(ctx context.Context, jti string) error {
	if err := m.store.DeleteSession(ctx, jti); err != nil {
		return fmt.Errorf("logging out session %s: %w", jti, err)
	}
	return nil
}

// SweepExpired deletes every expired session and returns the count.
// Intended to run on a fixed interval as background maintenance.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	n, err := m.store.DeleteExpiredSessions(ctx, m.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.log.WithField("count", n).Info("swept expired sessions")
	}
	return n, nil
}

func (m *Manager) deleteSessionAsync(jti string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.store.DeleteSession(ctx, jti); err != nil {
			m.log.WithError(err).WithField("jti", jti).Warn("deleting stale session failed")
		}
	}()
}

// displayNameFromEmail derives an initial display name from the local
// part of the address.
func displayNameFromEmail(email string) string {
	local, _, ok := strings.Cut(email, "@")
	if !ok || local == "" {
		return email
	}
	return local
}
