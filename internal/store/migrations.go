package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS users (
	id                 TEXT PRIMARY KEY,
	email              TEXT NOT NULL UNIQUE,
	display_name       TEXT NOT NULL DEFAULT '',
	imap_host          TEXT NOT NULL,
	imap_port          INTEGER NOT NULL,
	imap_security      TEXT NOT NULL DEFAULT 'ssl',
	smtp_host          TEXT NOT NULL,
	smtp_port          INTEGER NOT NULL,
	smtp_security      TEXT NOT NULL DEFAULT 'ssl',
	encrypted_password TEXT NOT NULL,
	password_epoch     INTEGER NOT NULL DEFAULT 1,
	created_at         DATETIME NOT NULL,
	updated_at         DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id             TEXT PRIMARY KEY,
	user_id        TEXT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	password_epoch INTEGER NOT NULL,
	created_at     DATETIME NOT NULL,
	last_used_at   DATETIME NOT NULL,
	expires_at     DATETIME NOT NULL,
	client_ip      TEXT NOT NULL DEFAULT '',
	user_agent     TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_sessions_user_id ON sessions(user_id);
CREATE INDEX IF NOT EXISTS idx_sessions_expires_at ON sessions(expires_at);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
