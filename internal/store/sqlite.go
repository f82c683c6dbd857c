package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/tidemail/tidemail/internal/model"
)

// SQLiteStore implements the Store interface using a local SQLite database.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath,
// enables WAL mode, and runs any pending schema migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	// Enable foreign keys.
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *SQLiteStore) runMigrations() error {
	currentVersion := 0

	// Check if schema_version table exists.
	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// UpsertUser creates or updates a user keyed by lowercased email.
// A missing ID is filled with a new UUID on creation.
func (s *SQLiteStore) UpsertUser(ctx context.Context, u model.User) (*model.User, error) {
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	now := time.Now().UTC()

	existing, err := s.GetUserByEmail(ctx, u.Email)
	switch {
	case err == nil:
		u.ID = existing.ID
		u.CreatedAt = existing.CreatedAt
		u.UpdatedAt = now
		_, err = s.db.ExecContext(ctx, `
			UPDATE users SET
				display_name = ?, imap_host = ?, imap_port = ?, imap_security = ?,
				smtp_host = ?, smtp_port = ?, smtp_security = ?,
				encrypted_password = ?, password_epoch = ?, updated_at = ?
			WHERE id = ?`,
			u.DisplayName,
			u.Settings.IMAPHost, u.Settings.IMAPPort, string(u.Settings.IMAPSecurity),
			u.Settings.SMTPHost, u.Settings.SMTPPort, string(u.Settings.SMTPSecurity),
			u.EncryptedPassword, u.PasswordEpoch, u.UpdatedAt,
			u.ID,
		)
		if err != nil {
			return nil, fmt.Errorf("updating user %s: %w", u.ID, err)
		}
		return &u, nil

	case errors.Is(err, ErrNotFound):
		if u.ID == "" {
			u.ID = uuid.New().String()
		}
		if u.PasswordEpoch == 0 {
			u.PasswordEpoch = 1
		}
		u.CreatedAt = now
		u.UpdatedAt = now
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO users (
				id, email, display_name,
				imap_host, imap_port, imap_security,
				smtp_host, smtp_port, smtp_security,
				encrypted_password, password_epoch, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			u.ID, u.Email, u.DisplayName,
			u.Settings.IMAPHost, u.Settings.IMAPPort, string(u.Settings.IMAPSecurity),
			u.Settings.SMTPHost, u.Settings.SMTPPort, string(u.Settings.SMTPSecurity),
			u.EncryptedPassword, u.PasswordEpoch, u.CreatedAt, u.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("inserting user %s: %w", u.Email, err)
		}
		return &u, nil

	default:
		return nil, err
	}
}

// GetUserByID retrieves a single user by its ID.
func (s *SQLiteStore) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	row := s.db.QueryRowxContext(ctx, "SELECT * FROM users WHERE id = ?", id)
	return scanUser(row)
}

// GetUserByEmail retrieves a single user by email, case-insensitively.
func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	row := s.db.QueryRowxContext(ctx,
		"SELECT * FROM users WHERE email = ?",
		strings.ToLower(strings.TrimSpace(email)),
	)
	return scanUser(row)
}

// DeleteUser removes a user and, via the foreign key cascade, all of
// its sessions.
func (s *SQLiteStore) DeleteUser(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM users WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting user %s: %w", id, err)
	}
	return nil
}

// CreateSession inserts a new session row.
func (s *SQLiteStore) CreateSession(ctx context.Context, sess model.Session) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (
			id, user_id, password_epoch,
			created_at, last_used_at, expires_at,
			client_ip, user_agent
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.UserID, sess.PasswordEpoch,
		sess.CreatedAt.UTC(), sess.LastUsedAt.UTC(), sess.ExpiresAt.UTC(),
		sess.ClientIP, sess.UserAgent,
	)
	if err != nil {
		return fmt.Errorf("creating session %s: %w", sess.ID, err)
	}
	return nil
}

// GetSession retrieves a session by its JTI.
func (s *SQLiteStore) GetSession(ctx context.Context, jti string) (*model.Session, error) {
	row := s.db.QueryRowxContext(ctx, "SELECT * FROM sessions WHERE id = ?", jti)
	return scanSession(row)
}

// TouchSession updates the session's last-used timestamp.
func (s *SQLiteStore) TouchSession(ctx context.Context, jti string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE sessions SET last_used_at = ? WHERE id = ?", at.UTC(), jti,
	)
	if err != nil {
		return fmt.Errorf("touching session %s: %w", jti, err)
	}
	return nil
}

// DeleteSession removes a session by JTI. Deleting an absent session
// is not an error.
func (s *SQLiteStore) DeleteSession(ctx context.Context, jti string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE id = ?", jti)
	if err != nil {
		return fmt.Errorf("deleting session %s: %w", jti, err)
	}
	return nil
}

// DeleteSessionsForUser removes every session belonging to a user.
func (s *SQLiteStore) DeleteSessionsForUser(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE user_id = ?", userID)
	if err != nil {
		return fmt.Errorf("deleting sessions for user %s: %w", userID, err)
	}
	return nil
}

// DeleteExpiredSessions removes every session past expiry at the given time.
func (s *SQLiteStore) DeleteExpiredSessions(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM sessions WHERE expires_at < ?", now.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("deleting expired sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting deleted sessions: %w", err)
	}
	return int(n), nil
}

// scanUser scans a user row from a sqlx.Row.
func scanUser(row *sqlx.Row) (*model.User, error) {
	var (
		u            model.User
		imapSecurity string
		smtpSecurity string
	)

	err := row.Scan(
		&u.ID, &u.Email, &u.DisplayName,
		&u.Settings.IMAPHost, &u.Settings.IMAPPort, &imapSecurity,
		&u.Settings.SMTPHost, &u.Settings.SMTPPort, &smtpSecurity,
		&u.EncryptedPassword, &u.PasswordEpoch, &u.CreatedAt, &u.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning user row: %w", err)
	}

	u.Settings.IMAPSecurity = model.SecurityMode(imapSecurity)
	u.Settings.SMTPSecurity = model.SecurityMode(smtpSecurity)
	return &u, nil
}

// scanSession scans a session row from a sqlx.Row.
func scanSession(row *sqlx.Row) (*model.Session, error) {
	var sess model.Session

	err := row.Scan(
		&sess.ID, &sess.UserID, &sess.PasswordEpoch,
		&sess.CreatedAt, &sess.LastUsedAt, &sess.ExpiresAt,
		&sess.ClientIP, &sess.UserAgent,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning session row: %w", err)
	}

	return &sess, nil
}
