package main

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS assistants (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	instructions TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS social_accounts (
	id TEXT PRIMARY KEY,
	platform TEXT NOT NULL,
	platform_user_id TEXT NOT NULL,
	access_token TEXT NOT NULL,
	assistant_id TEXT REFERENCES assistants(id),
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	reply_timeout_seconds INTEGER NOT NULL DEFAULT 120,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_social_accounts_platform_user
	ON social_accounts (platform, platform_user_id);
CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	platform_message_id TEXT NOT NULL,
	sender_id TEXT NOT NULL,
	recipient_id TEXT NOT NULL,
	text TEXT NOT NULL DEFAULT '',
	sender_type TEXT NOT NULL,
	platform TEXT NOT NULL DEFAULT '',
	social_account_id TEXT NOT NULL,
	conversation_id TEXT,
	attachments TEXT,
	created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_messages_platform_message_id
	ON messages (platform_message_id, sender_type);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS assistants (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	instructions TEXT NOT NULL DEFAULT '',
	model TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE TABLE IF NOT EXISTS social_accounts (
	id TEXT PRIMARY KEY,
	platform TEXT NOT NULL,
	platform_user_id TEXT NOT NULL,
	access_token TEXT NOT NULL,
	assistant_id TEXT REFERENCES assistants(id),
	is_active BOOLEAN NOT NULL DEFAULT TRUE,
	reply_timeout_seconds INTEGER NOT NULL DEFAULT 120,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_social_accounts_platform_user
	ON social_accounts (platform, platform_user_id);
CREATE TABLE IF NOT EXISTS messages (
	id BIGSERIAL PRIMARY KEY,
	platform_message_id TEXT NOT NULL,
	sender_id TEXT NOT NULL,
	recipient_id TEXT NOT NULL,
	text TEXT NOT NULL DEFAULT '',
	sender_type TEXT NOT NULL,
	platform TEXT NOT NULL DEFAULT '',
	social_account_id TEXT NOT NULL,
	conversation_id TEXT,
	attachments TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_messages_platform_message_id
	ON messages (platform_message_id, sender_type);
`

// InitDB opens the database connection and bootstraps the schema.
// Supported drivers: "sqlite" (modernc, embedded) and "postgres".
func InitDB(driver, dsn string) (*sqlx.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}

	var schema string
	switch driver {
	case "sqlite":
		schema = sqliteSchema
	case "postgres":
		schema = postgresSchema
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", driver)
	}

	db, err := sqlx.Connect(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to bootstrap schema: %w", err)
	}

	log.Info().Str("driver", driver).Msg("Database connection established")
	return db, nil
}
