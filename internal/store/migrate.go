package store

import (
	"context"
	"fmt"
)

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS mailboxes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	email TEXT NOT NULL UNIQUE,
	target_email TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'active',
	message_count INTEGER NOT NULL DEFAULT 0,
	last_received_at DATETIME NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
)`,
	`CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	mailbox_id INTEGER NOT NULL REFERENCES mailboxes(id),
	message_id TEXT NOT NULL,
	sender TEXT NOT NULL,
	subject TEXT NOT NULL DEFAULT '',
	body_text TEXT NOT NULL DEFAULT '',
	body_html TEXT NOT NULL DEFAULT '',
	verification_code TEXT NULL,
	received_at DATETIME NOT NULL,
	is_read BOOLEAN NOT NULL DEFAULT 0
)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_mailbox ON messages (mailbox_id)`,
	`CREATE TABLE IF NOT EXISTS settings (
	setting_key TEXT PRIMARY KEY,
	setting_value TEXT NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
)`,
}

var postgresSchema = []string{
	`CREATE TABLE IF NOT EXISTS mailboxes (
	id BIGSERIAL PRIMARY KEY,
	email TEXT NOT NULL UNIQUE,
	target_email TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'active',
	message_count INTEGER NOT NULL DEFAULT 0,
	last_received_at TIMESTAMPTZ NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
	`CREATE TABLE IF NOT EXISTS messages (
	id BIGSERIAL PRIMARY KEY,
	mailbox_id BIGINT NOT NULL REFERENCES mailboxes(id),
	message_id TEXT NOT NULL,
	sender TEXT NOT NULL,
	subject TEXT NOT NULL DEFAULT '',
	body_text TEXT NOT NULL DEFAULT '',
	body_html TEXT NOT NULL DEFAULT '',
	verification_code TEXT NULL,
	received_at TIMESTAMPTZ NOT NULL,
	is_read BOOLEAN NOT NULL DEFAULT FALSE
)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_mailbox ON messages (mailbox_id)`,
	`CREATE TABLE IF NOT EXISTS settings (
	setting_key TEXT PRIMARY KEY,
	setting_value TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`,
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS mailboxes (
	id BIGINT AUTO_INCREMENT PRIMARY KEY,
	email VARCHAR(320) NOT NULL UNIQUE,
	target_email VARCHAR(320) NOT NULL DEFAULT '',
	status VARCHAR(16) NOT NULL DEFAULT 'active',
	message_count INT NOT NULL DEFAULT 0,
	last_received_at DATETIME(6) NULL,
	created_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6)
) CHARACTER SET utf8mb4`,
	`CREATE TABLE IF NOT EXISTS messages (
	id BIGINT AUTO_INCREMENT PRIMARY KEY,
	mailbox_id BIGINT NOT NULL,
	message_id VARCHAR(998) NOT NULL,
	sender VARCHAR(998) NOT NULL,
	subject TEXT NOT NULL,
	body_text MEDIUMTEXT NOT NULL,
	body_html MEDIUMTEXT NOT NULL,
	verification_code VARCHAR(16) NULL,
	received_at DATETIME(6) NOT NULL,
	is_read TINYINT(1) NOT NULL DEFAULT 0,
	INDEX idx_messages_mailbox (mailbox_id),
	FOREIGN KEY (mailbox_id) REFERENCES mailboxes(id)
) CHARACTER SET utf8mb4`,
	`CREATE TABLE IF NOT EXISTS settings (
	setting_key VARCHAR(191) PRIMARY KEY,
	setting_value TEXT NOT NULL,
	updated_at DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6)
) CHARACTER SET utf8mb4`,
}

func schemaFor(driver string) ([]string, error) {
	switch driver {
	case "sqlite3":
		return sqliteSchema, nil
	case "postgres":
		return postgresSchema, nil
	case "mysql":
		return mysqlSchema, nil
	default:
		return nil, fmt.Errorf("no schema for driver %q", driver)
	}
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	stmts, err := schemaFor(s.db.DriverName())
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration: %w", err)
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}
	return nil
}
